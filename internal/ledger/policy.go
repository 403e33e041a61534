package ledger

import (
	"strings"
	"time"

	"github.com/iliyamo/cylinder-booking/internal/model"
)

// CODDeduction selects when a cash-on-delivery booking takes cylinders
// from the balance.
type CODDeduction string

const (
	// CODDeductAtBooking deducts as soon as COD is selected.
	CODDeductAtBooking CODDeduction = "booking"
	// CODDeductAtConfirmation deducts when an admin marks the booking paid.
	CODDeductAtConfirmation CODDeduction = "confirmation"
)

// Policy parameterises the allocation rules.  The zero value is not
// usable; start from DefaultPolicy.
type Policy struct {
	AnnualQuota          int
	MinPerBooking        int
	MaxPerBooking        int
	CODDeductAt          CODDeduction
	AutoApproveOnPayment bool
}

// DefaultPolicy is twelve cylinders a year, one to five per booking, COD
// deducted at booking time and manual approval.
func DefaultPolicy() Policy {
	return Policy{
		AnnualQuota:   12,
		MinPerBooking: 1,
		MaxPerBooking: 5,
		CODDeductAt:   CODDeductAtBooking,
	}
}

// NewEntitlement returns the entitlement granted to a customer registering
// at now.
func (p Policy) NewEntitlement(customerID uint64, now time.Time) model.Entitlement {
	now = now.UTC()
	return model.Entitlement{
		CustomerID: customerID,
		Balance:    p.AnnualQuota,
		Expiry:     now.AddDate(1, 0, 0),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// Reset starts a fresh period at now.
func (p Policy) Reset(ent *model.Entitlement, now time.Time) {
	now = now.UTC()
	ent.Balance = p.AnnualQuota
	ent.Expiry = now.AddDate(1, 0, 0)
	ent.UpdatedAt = now
}

// Decision is the result of CanBook.  Entitlement is the state the check
// was evaluated against; when Reset is true it differs from the input and
// must be persisted whether or not the booking is allowed.
type Decision struct {
	Allowed     bool
	Reset       bool
	Entitlement model.Entitlement
	Denial      *Denial
}

// CanBook decides whether requested cylinders may be booked against ent at
// now.  An expired entitlement is reset first and the check runs against
// the fresh balance.
func (p Policy) CanBook(ent model.Entitlement, requested int, now time.Time) Decision {
	d := Decision{Entitlement: ent}
	if ent.Expired(now) {
		p.Reset(&d.Entitlement, now)
		d.Reset = true
	}
	if d.Entitlement.Balance < requested {
		d.Denial = deny(ErrInsufficientBalance,
			"balance %d is less than requested %d; period ends %s",
			d.Entitlement.Balance, requested, d.Entitlement.Expiry.Format(time.DateOnly))
		return d
	}
	d.Allowed = true
	return d
}

// BookingRequest is what a customer submits to create a booking.
type BookingRequest struct {
	CylinderCount   int
	DeliveryAddress string
	DeliveryDate    time.Time
	PaymentMethod   model.PaymentMethod
	Reference       string
	ScreenshotRef   string
}

// Validate checks the request shape.  Delivery dates are compared by day
// so that a booking for today is accepted.
func (p Policy) Validate(req BookingRequest, now time.Time) error {
	if req.CylinderCount < p.MinPerBooking || req.CylinderCount > p.MaxPerBooking {
		return deny(ErrInvalidRequest, "cylinder count must be between %d and %d", p.MinPerBooking, p.MaxPerBooking)
	}
	if strings.TrimSpace(req.DeliveryAddress) == "" {
		return deny(ErrInvalidRequest, "delivery address is required")
	}
	if req.DeliveryDate.IsZero() {
		return deny(ErrInvalidRequest, "delivery date is required")
	}
	if Day(req.DeliveryDate).Before(Day(now)) {
		return deny(ErrInvalidRequest, "delivery date %s is in the past", req.DeliveryDate.Format(time.DateOnly))
	}
	if !req.PaymentMethod.Valid() {
		return deny(ErrInvalidRequest, "unknown payment method %q", req.PaymentMethod)
	}
	if req.PaymentMethod == model.PaymentQR && strings.TrimSpace(req.Reference) == "" {
		return deny(ErrInvalidRequest, "QR payment requires a transaction reference")
	}
	return nil
}

// Day truncates t to UTC midnight.
func Day(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
