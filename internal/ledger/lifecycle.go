package ledger

import "github.com/iliyamo/cylinder-booking/internal/model"

// Approve moves a pending booking to APPROVED.
func (p Policy) Approve(b model.Booking) (model.Booking, error) {
	if b.Status != model.BookingPending {
		return b, deny(ErrInvalidTransition, "cannot approve a %s booking", b.Status)
	}
	b.Status = model.BookingApproved
	return b, nil
}

// Reject moves a pending booking to REJECTED.  A paid booking cannot be
// rejected.  The returned flag is true when cylinders had already been
// deducted and must go back to the customer.
func (p Policy) Reject(b model.Booking) (model.Booking, bool, error) {
	if b.Status != model.BookingPending {
		return b, false, deny(ErrInvalidTransition, "cannot reject a %s booking", b.Status)
	}
	if b.PaymentStatus == model.PaymentSuccess {
		return b, false, deny(ErrInvalidTransition, "booking %d is paid and cannot be rejected", b.ID)
	}
	refund := b.Deducted
	b.Status = model.BookingRejected
	b.Deducted = false
	return b, refund, nil
}

// Deliver moves an approved, paid booking to DELIVERED.
func (p Policy) Deliver(b model.Booking) (model.Booking, error) {
	if b.Status != model.BookingApproved {
		return b, deny(ErrInvalidTransition, "cannot deliver a %s booking", b.Status)
	}
	if b.PaymentStatus != model.PaymentSuccess {
		return b, deny(ErrInvalidTransition, "payment is %s; delivery requires SUCCESS", b.PaymentStatus)
	}
	b.Status = model.BookingDelivered
	return b, nil
}
