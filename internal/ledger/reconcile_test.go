package ledger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iliyamo/cylinder-booking/internal/model"
)

func pendingBooking(method model.PaymentMethod) model.Booking {
	return model.Booking{
		ID:            42,
		CustomerID:    1,
		CylinderCount: 3,
		Status:        model.BookingPending,
		PaymentMethod: method,
		PaymentStatus: model.PaymentPending,
	}
}

func TestReconcileGatewaySuccess(t *testing.T) {
	tr, err := DefaultPolicy().Reconcile(pendingBooking(model.PaymentGateway), GatewaySuccess("chrg_1"))
	require.NoError(t, err)
	assert.True(t, tr.Deduct)
	assert.False(t, tr.Duplicate)
	assert.Equal(t, model.PaymentSuccess, tr.Booking.PaymentStatus)
	assert.Equal(t, model.BookingPending, tr.Booking.Status)
	assert.True(t, tr.Booking.Deducted)
	require.NotNil(t, tr.Booking.PaymentReference)
	assert.Equal(t, "chrg_1", *tr.Booking.PaymentReference)
}

func TestReconcileAutoApprove(t *testing.T) {
	p := DefaultPolicy()
	p.AutoApproveOnPayment = true
	tr, err := p.Reconcile(pendingBooking(model.PaymentGateway), GatewaySuccess("chrg_1"))
	require.NoError(t, err)
	assert.Equal(t, model.BookingApproved, tr.Booking.Status)
}

func TestReconcileAlreadyPaidIsDuplicate(t *testing.T) {
	b := pendingBooking(model.PaymentGateway)
	b.PaymentStatus = model.PaymentSuccess
	b.Deducted = true

	for _, o := range []Outcome{GatewaySuccess("chrg_1"), GatewayFailure("chrg_1", "late"), AdminMarksPaid(), CODSelected()} {
		tr, err := DefaultPolicy().Reconcile(b, o)
		require.NoError(t, err, o.Type)
		assert.True(t, tr.Duplicate, o.Type)
		assert.False(t, tr.Deduct, o.Type)
	}

	_, err := DefaultPolicy().Reconcile(b, AdminMarksFailed("oops"))
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestReconcileGatewayFailure(t *testing.T) {
	tr, err := DefaultPolicy().Reconcile(pendingBooking(model.PaymentGateway), GatewayFailure("chrg_7", "card_declined"))
	require.NoError(t, err)
	assert.Equal(t, model.PaymentFailed, tr.Booking.PaymentStatus)
	assert.False(t, tr.Deduct)
	assert.False(t, tr.Refund)
	require.NotNil(t, tr.Booking.PaymentReference)
	assert.Equal(t, "chrg_7", *tr.Booking.PaymentReference)

	// stale failure for a booking that moved to COD
	tr, err = DefaultPolicy().Reconcile(pendingBooking(model.PaymentCOD), GatewayFailure("chrg_7", "late"))
	require.NoError(t, err)
	assert.True(t, tr.Duplicate)
}

func TestReconcileRepeatedFailureIsDuplicate(t *testing.T) {
	p := DefaultPolicy()
	tr, err := p.Reconcile(pendingBooking(model.PaymentGateway), GatewayFailure("chrg_7", "card_declined"))
	require.NoError(t, err)
	require.Equal(t, 1, tr.Booking.PaymentAttempt)

	again, err := p.Reconcile(tr.Booking, GatewayFailure("chrg_7", "card_declined"))
	require.NoError(t, err)
	assert.True(t, again.Duplicate)
	assert.Equal(t, 1, again.Booking.PaymentAttempt)
}

func TestRetryPayment(t *testing.T) {
	p := DefaultPolicy()
	failed := pendingBooking(model.PaymentGateway)
	failed.PaymentStatus = model.PaymentFailed
	failed.PaymentAttempt = 1

	b, err := p.RetryPayment(failed)
	require.NoError(t, err)
	assert.Equal(t, model.PaymentPending, b.PaymentStatus)
	assert.Equal(t, 1, b.PaymentAttempt)
	assert.True(t, b.Outstanding())

	_, err = p.RetryPayment(pendingBooking(model.PaymentGateway))
	assert.ErrorIs(t, err, ErrInvalidTransition, "only failed payments are retried")

	cod := failed
	cod.PaymentMethod = model.PaymentCOD
	_, err = p.RetryPayment(cod)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	rejected := failed
	rejected.Status = model.BookingRejected
	_, err = p.RetryPayment(rejected)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestReconcileCODTiming(t *testing.T) {
	b := pendingBooking(model.PaymentGateway)
	b.PaymentStatus = model.PaymentFailed

	atBooking := DefaultPolicy()
	tr, err := atBooking.Reconcile(b, CODSelected())
	require.NoError(t, err)
	assert.True(t, tr.Deduct)
	assert.Equal(t, model.PaymentCOD, tr.Booking.PaymentMethod)
	assert.Equal(t, model.PaymentPending, tr.Booking.PaymentStatus)

	atConfirmation := DefaultPolicy()
	atConfirmation.CODDeductAt = CODDeductAtConfirmation
	tr, err = atConfirmation.Reconcile(b, CODSelected())
	require.NoError(t, err)
	assert.False(t, tr.Deduct)

	tr, err = atConfirmation.Reconcile(tr.Booking, AdminMarksPaid())
	require.NoError(t, err)
	assert.True(t, tr.Deduct)
}

func TestReconcileAdminMarksPaidDoesNotDeductTwice(t *testing.T) {
	b := pendingBooking(model.PaymentCOD)
	b.Deducted = true
	tr, err := DefaultPolicy().Reconcile(b, AdminMarksPaid())
	require.NoError(t, err)
	assert.False(t, tr.Deduct)
	assert.Equal(t, model.PaymentSuccess, tr.Booking.PaymentStatus)
}

func TestReconcileAdminMarksPaidRejectsGateway(t *testing.T) {
	_, err := DefaultPolicy().Reconcile(pendingBooking(model.PaymentGateway), AdminMarksPaid())
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestReconcileAdminMarksFailedRefunds(t *testing.T) {
	b := pendingBooking(model.PaymentCOD)
	b.Deducted = true
	tr, err := DefaultPolicy().Reconcile(b, AdminMarksFailed("no cash"))
	require.NoError(t, err)
	assert.True(t, tr.Refund)
	assert.False(t, tr.Booking.Deducted)
	assert.Equal(t, model.PaymentFailed, tr.Booking.PaymentStatus)
}

func TestReconcileQRSubmitted(t *testing.T) {
	tr, err := DefaultPolicy().Reconcile(pendingBooking(model.PaymentGateway), QRSubmitted(" upi-991 ", "uploads/991.png"))
	require.NoError(t, err)
	assert.Equal(t, model.PaymentQR, tr.Booking.PaymentMethod)
	assert.Equal(t, model.PaymentPending, tr.Booking.PaymentStatus)
	assert.Equal(t, "upi-991", *tr.Booking.PaymentReference)
	assert.Equal(t, "uploads/991.png", *tr.Booking.ScreenshotRef)
	assert.False(t, tr.Deduct)

	_, err = DefaultPolicy().Reconcile(pendingBooking(model.PaymentGateway), QRSubmitted("", ""))
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestReconcileSuccessOnRejectedBooking(t *testing.T) {
	b := pendingBooking(model.PaymentGateway)
	b.Status = model.BookingRejected
	_, err := DefaultPolicy().Reconcile(b, GatewaySuccess("chrg_9"))
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestIdempotencyKey(t *testing.T) {
	b := model.Booking{ID: 42}
	assert.Equal(t, "42:GATEWAY_SUCCESS", GatewaySuccess("a").IdempotencyKey(b))
	assert.Equal(t, GatewaySuccess("a").IdempotencyKey(b), GatewaySuccess("b").IdempotencyKey(b))
	assert.Equal(t, "42:QR_SUBMITTED:ref-1", QRSubmitted("ref-1", "").IdempotencyKey(b))

	b.PaymentAttempt = 2
	assert.Equal(t, "42:COD_SELECTED#2", CODSelected().IdempotencyKey(b))
	assert.Equal(t, "42:QR_SUBMITTED#2:ref-1", QRSubmitted("ref-1", "").IdempotencyKey(b))
}

func TestGatewayFailureKeyIgnoresAttempt(t *testing.T) {
	b := model.Booking{ID: 42}
	before := GatewayFailure("chrg_7", "declined").IdempotencyKey(b)
	assert.Equal(t, "42:GATEWAY_FAILURE:chrg_7", before)

	// the failure itself advances the attempt; a redelivery must map to
	// the same key
	b.PaymentAttempt = 1
	assert.Equal(t, before, GatewayFailure("chrg_7", "declined").IdempotencyKey(b))
	assert.NotEqual(t, before, GatewayFailure("chrg_8", "declined").IdempotencyKey(b))

	// without a charge id the attempt scopes the key
	assert.Equal(t, "42:GATEWAY_FAILURE#1", GatewayFailure("", "declined").IdempotencyKey(b))
}

func TestFailuresAdvancePaymentAttempt(t *testing.T) {
	p := DefaultPolicy()
	tr, err := p.Reconcile(pendingBooking(model.PaymentGateway), GatewayFailure("chrg_3", "declined"))
	require.NoError(t, err)
	assert.Equal(t, 1, tr.Booking.PaymentAttempt)

	tr, err = p.Reconcile(tr.Booking, CODSelected())
	require.NoError(t, err)
	tr, err = p.Reconcile(tr.Booking, AdminMarksFailed("no cash"))
	require.NoError(t, err)
	assert.Equal(t, 2, tr.Booking.PaymentAttempt)
	assert.True(t, tr.Refund)
}

func TestLifecycle(t *testing.T) {
	p := DefaultPolicy()
	b := pendingBooking(model.PaymentCOD)

	_, err := p.Deliver(b)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	b, err = p.Approve(b)
	require.NoError(t, err)
	_, err = p.Deliver(b)
	assert.ErrorIs(t, err, ErrInvalidTransition, "unpaid booking cannot be delivered")

	b.PaymentStatus = model.PaymentSuccess
	b, err = p.Deliver(b)
	require.NoError(t, err)
	assert.Equal(t, model.BookingDelivered, b.Status)
}

func TestRejectRules(t *testing.T) {
	p := DefaultPolicy()

	paid := pendingBooking(model.PaymentGateway)
	paid.PaymentStatus = model.PaymentSuccess
	_, _, err := p.Reject(paid)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	cod := pendingBooking(model.PaymentCOD)
	cod.Deducted = true
	out, refund, err := p.Reject(cod)
	require.NoError(t, err)
	assert.True(t, refund)
	assert.Equal(t, model.BookingRejected, out.Status)
	assert.False(t, out.Deducted)

	_, _, err = p.Reject(out)
	assert.ErrorIs(t, err, ErrInvalidTransition, "REJECTED is terminal")
}
