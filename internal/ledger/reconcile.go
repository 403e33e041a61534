package ledger

import (
	"fmt"
	"strings"
	"time"

	"github.com/iliyamo/cylinder-booking/internal/model"
)

// OutcomeType names a payment outcome applied to a booking.
type OutcomeType string

const (
	OutcomeGatewaySuccess   OutcomeType = "GATEWAY_SUCCESS"
	OutcomeGatewayFailure   OutcomeType = "GATEWAY_FAILURE"
	OutcomeCODSelected      OutcomeType = "COD_SELECTED"
	OutcomeQRSubmitted      OutcomeType = "QR_SUBMITTED"
	OutcomeAdminMarksPaid   OutcomeType = "ADMIN_MARKS_PAID"
	OutcomeAdminMarksFailed OutcomeType = "ADMIN_MARKS_FAILED"
)

// Outcome is a payment event for one booking.  Reference is the gateway
// charge id or the QR transaction id; Reason is free text for failures.
type Outcome struct {
	Type          OutcomeType `json:"type"`
	Reference     string      `json:"reference,omitempty"`
	ScreenshotRef string      `json:"screenshot_ref,omitempty"`
	Reason        string      `json:"reason,omitempty"`
}

func GatewaySuccess(reference string) Outcome {
	return Outcome{Type: OutcomeGatewaySuccess, Reference: reference}
}

// GatewayFailure reports a declined charge.  reference is the id of the
// charge that failed.
func GatewayFailure(reference, reason string) Outcome {
	return Outcome{Type: OutcomeGatewayFailure, Reference: reference, Reason: reason}
}

func CODSelected() Outcome { return Outcome{Type: OutcomeCODSelected} }

func QRSubmitted(reference, screenshotRef string) Outcome {
	return Outcome{Type: OutcomeQRSubmitted, Reference: reference, ScreenshotRef: screenshotRef}
}

func AdminMarksPaid() Outcome { return Outcome{Type: OutcomeAdminMarksPaid} }

func AdminMarksFailed(reason string) Outcome {
	return Outcome{Type: OutcomeAdminMarksFailed, Reason: reason}
}

// IdempotencyKey identifies the outcome for duplicate detection.  Keys are
// scoped to the booking's payment attempt, which advances every time a
// payment fails, so that a customer may pay again after a failure.  A
// gateway failure is keyed on its charge id instead: the attempt it
// advances must not make a redelivery of the same failure look new.  QR
// submissions also include the transaction reference.
func (o Outcome) IdempotencyKey(b model.Booking) string {
	key := fmt.Sprintf("%d:%s", b.ID, o.Type)
	if ref := strings.TrimSpace(o.Reference); o.Type == OutcomeGatewayFailure && ref != "" {
		return key + ":" + ref
	}
	if b.PaymentAttempt > 0 {
		key += fmt.Sprintf("#%d", b.PaymentAttempt)
	}
	if o.Type == OutcomeQRSubmitted {
		key += ":" + strings.TrimSpace(o.Reference)
	}
	return key
}

// Operation is the capability an actor needs to apply the outcome.
func (o Outcome) Operation() Operation {
	switch o.Type {
	case OutcomeGatewaySuccess, OutcomeGatewayFailure:
		return OpGatewayCallback
	case OutcomeCODSelected, OutcomeQRSubmitted:
		return OpSubmitPayment
	default:
		return OpConfirmPayment
	}
}

// Transition is the result of applying an outcome.  Deduct and Refund tell
// the caller what to do with the owning entitlement; Duplicate means the
// outcome was a no-op and nothing must be written besides a log entry.
type Transition struct {
	Booking   model.Booking
	Deduct    bool
	Refund    bool
	Duplicate bool
}

// Reconcile applies o to b.  It never touches the entitlement itself.
func (p Policy) Reconcile(b model.Booking, o Outcome) (Transition, error) {
	t := Transition{Booking: b}

	// Once paid, everything that is not an explicit admin correction is a
	// repeat or a late callback.
	if b.PaymentStatus == model.PaymentSuccess {
		if o.Type == OutcomeAdminMarksFailed {
			return t, deny(ErrInvalidTransition, "booking %d is already paid", b.ID)
		}
		t.Duplicate = true
		return t, nil
	}

	switch o.Type {
	case OutcomeGatewaySuccess:
		if b.Status == model.BookingRejected {
			return t, deny(ErrInvalidTransition, "booking %d was rejected", b.ID)
		}
		if strings.TrimSpace(o.Reference) == "" {
			return t, deny(ErrInvalidRequest, "gateway reference is required")
		}
		t.Booking.PaymentMethod = model.PaymentGateway
		t.Booking.PaymentReference = strPtr(o.Reference)
		p.markPaid(&t)

	case OutcomeGatewayFailure:
		// A failure for a booking that has since switched to COD or QR is
		// stale.  So is one for a booking whose failure is already
		// recorded: a new charge moves the booking back to PENDING first.
		if b.PaymentMethod != model.PaymentGateway || b.PaymentStatus == model.PaymentFailed {
			t.Duplicate = true
			return t, nil
		}
		t.Booking.PaymentStatus = model.PaymentFailed
		t.Booking.PaymentAttempt++
		if ref := strings.TrimSpace(o.Reference); ref != "" {
			t.Booking.PaymentReference = &ref
		}

	case OutcomeCODSelected:
		if b.Status == model.BookingRejected {
			return t, deny(ErrInvalidTransition, "booking %d was rejected", b.ID)
		}
		t.Booking.PaymentMethod = model.PaymentCOD
		t.Booking.PaymentStatus = model.PaymentPending
		t.Deduct = p.CODDeductAt == CODDeductAtBooking && !b.Deducted

	case OutcomeQRSubmitted:
		if b.Status == model.BookingRejected {
			return t, deny(ErrInvalidTransition, "booking %d was rejected", b.ID)
		}
		if strings.TrimSpace(o.Reference) == "" {
			return t, deny(ErrInvalidRequest, "QR transaction reference is required")
		}
		t.Booking.PaymentMethod = model.PaymentQR
		t.Booking.PaymentStatus = model.PaymentPending
		t.Booking.PaymentReference = strPtr(o.Reference)
		if s := strings.TrimSpace(o.ScreenshotRef); s != "" {
			t.Booking.ScreenshotRef = &s
		}

	case OutcomeAdminMarksPaid:
		if err := adminConfirmable(b); err != nil {
			return t, err
		}
		p.markPaid(&t)

	case OutcomeAdminMarksFailed:
		if err := adminConfirmable(b); err != nil {
			return t, err
		}
		t.Booking.PaymentStatus = model.PaymentFailed
		t.Booking.PaymentAttempt++
		if b.Deducted {
			t.Refund = true
			t.Booking.Deducted = false
		}

	default:
		return t, deny(ErrInvalidRequest, "unknown outcome %q", o.Type)
	}

	if t.Deduct {
		t.Booking.Deducted = true
	}
	return t, nil
}

func (p Policy) markPaid(t *Transition) {
	t.Booking.PaymentStatus = model.PaymentSuccess
	t.Deduct = !t.Booking.Deducted
	if p.AutoApproveOnPayment && t.Booking.Status == model.BookingPending {
		t.Booking.Status = model.BookingApproved
	}
}

// RetryPayment moves a failed gateway booking back to PENDING ahead of a
// new charge.  The caller must re-check the balance first: a PENDING
// booking counts against it again.
func (p Policy) RetryPayment(b model.Booking) (model.Booking, error) {
	switch {
	case b.Status == model.BookingRejected:
		return b, deny(ErrInvalidTransition, "booking %d was rejected", b.ID)
	case b.PaymentMethod != model.PaymentGateway:
		return b, deny(ErrInvalidTransition, "booking %d is paid by %s", b.ID, b.PaymentMethod)
	case b.PaymentStatus != model.PaymentFailed:
		return b, deny(ErrInvalidTransition, "payment is %s, not FAILED", b.PaymentStatus)
	}
	b.PaymentStatus = model.PaymentPending
	return b, nil
}

func adminConfirmable(b model.Booking) error {
	if b.PaymentMethod == model.PaymentGateway {
		return deny(ErrInvalidTransition, "gateway payments are settled by the gateway")
	}
	if b.PaymentStatus != model.PaymentPending {
		return deny(ErrInvalidTransition, "payment is %s, not PENDING", b.PaymentStatus)
	}
	if b.Status == model.BookingRejected {
		return deny(ErrInvalidTransition, "booking %d was rejected", b.ID)
	}
	return nil
}

// Deduct takes count cylinders from ent, resetting an expired period
// first.  It reports whether a reset happened.  The balance is never
// driven below zero.
func (p Policy) Deduct(ent *model.Entitlement, count int, now time.Time) (bool, error) {
	reset := false
	if ent.Expired(now) {
		p.Reset(ent, now)
		reset = true
	}
	if ent.Balance < count {
		return reset, deny(ErrInsufficientBalance, "balance %d is less than %d", ent.Balance, count)
	}
	ent.Balance -= count
	ent.UpdatedAt = now.UTC()
	return reset, nil
}

// Refund returns count cylinders to ent, capped at the annual quota.
func (p Policy) Refund(ent *model.Entitlement, count int, now time.Time) {
	ent.Balance = min(ent.Balance+count, p.AnnualQuota)
	ent.UpdatedAt = now.UTC()
}

func strPtr(s string) *string {
	s = strings.TrimSpace(s)
	return &s
}
