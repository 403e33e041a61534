// Package service runs the ledger rules against a Store.  Every
// balance-affecting operation executes inside one transaction that locks
// the customer's entitlement first and the booking second, so concurrent
// requests for the same customer are serialised while different customers
// never contend.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/iliyamo/cylinder-booking/internal/ledger"
	"github.com/iliyamo/cylinder-booking/internal/metrics"
	"github.com/iliyamo/cylinder-booking/internal/model"
)

// CheckoutConfig prices gateway charges and bounds how long a charge call
// may take.
type CheckoutConfig struct {
	PricePerCylinder int64
	Currency         string
	Timeout          time.Duration
}

// Ledger is the booking ledger service.
type Ledger struct {
	store    Store
	policy   ledger.Policy
	logger   *zap.Logger
	notifier Notifier
	gateway  PaymentGateway
	checkout CheckoutConfig
	now      func() time.Time
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithNotifier sets where balance changes are announced.
func WithNotifier(n Notifier) Option {
	return func(l *Ledger) {
		if n != nil {
			l.notifier = n
		}
	}
}

// WithGateway enables gateway checkout.
func WithGateway(g PaymentGateway, cfg CheckoutConfig) Option {
	return func(l *Ledger) {
		l.gateway = g
		l.checkout = cfg
	}
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

func NewLedger(store Store, policy ledger.Policy, logger *zap.Logger, opts ...Option) *Ledger {
	if logger == nil {
		logger = zap.NewNop()
	}
	l := &Ledger{
		store:    store,
		policy:   policy,
		logger:   logger,
		notifier: nopNotifier{},
		now:      time.Now,
		checkout: CheckoutConfig{Timeout: 15 * time.Second},
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Policy returns the rules the ledger enforces.
func (l *Ledger) Policy() ledger.Policy { return l.policy }

// ReconcileResult is the booking after a payment outcome was applied.
// Duplicate is set when the outcome had already been applied and nothing
// changed.
type ReconcileResult struct {
	Booking   *model.Booking `json:"booking"`
	Duplicate bool           `json:"duplicate"`
}

// CheckoutResult reports the booking after a gateway charge attempt.
// Pending is set when the gateway has not settled the charge yet (or the
// call timed out); the webhook will reconcile it later.
type CheckoutResult struct {
	Booking      *model.Booking `json:"booking"`
	Pending      bool           `json:"pending"`
	AuthorizeURI string         `json:"authorize_uri,omitempty"`
	Duplicate    bool           `json:"duplicate,omitempty"`
}

// ---------------------------------------------------------------------------
// Entitlements
// ---------------------------------------------------------------------------

// RegisterCustomer creates the entitlement of a newly registered customer.
func (l *Ledger) RegisterCustomer(ctx context.Context, actor ledger.Actor, customerID uint64) (*model.Entitlement, error) {
	if err := ledger.AuthorizeOwner(actor, ledger.OpCreateEntitlement, customerID); err != nil {
		return nil, err
	}
	now := l.now().UTC()
	ent := l.policy.NewEntitlement(customerID, now)
	err := l.store.WithinTx(ctx, func(tx Tx) error {
		if err := tx.CreateEntitlement(ctx, &ent); err != nil {
			return err
		}
		return tx.AppendLog(ctx, newLogEntry(actor, model.ActionEntitlementCreated, model.EntityEntitlement, customerID, now, map[string]any{
			"balance": ent.Balance,
			"expiry":  ent.Expiry,
		}))
	})
	if err != nil {
		return nil, err
	}
	l.logger.Info("entitlement created", zap.Uint64("customer_id", customerID), zap.Int("balance", ent.Balance))
	return &ent, nil
}

// GetEntitlement returns the stored entitlement.  An expired period is
// reported as stored; it is reset by the next booking.
func (l *Ledger) GetEntitlement(ctx context.Context, actor ledger.Actor, customerID uint64) (*model.Entitlement, error) {
	if err := ledger.AuthorizeOwner(actor, ledger.OpViewEntitlement, customerID); err != nil {
		return nil, err
	}
	return l.store.GetEntitlement(ctx, customerID)
}

// AdjustBalance applies an admin delta, flooring the balance at zero.
func (l *Ledger) AdjustBalance(ctx context.Context, actor ledger.Actor, customerID uint64, delta int, note string) (*model.Entitlement, error) {
	if err := ledger.Authorize(actor.Role, ledger.OpAdjustBalance); err != nil {
		return nil, err
	}
	return l.override(ctx, actor, customerID, "adjust", func(ent *model.Entitlement, now time.Time) map[string]any {
		before := ent.Balance
		l.policy.Adjust(ent, delta, now)
		meta := map[string]any{"delta": delta, "before": before, "after": ent.Balance}
		if note = strings.TrimSpace(note); note != "" {
			meta["note"] = note
		}
		return meta
	})
}

// ResetBalance starts a fresh period for the customer regardless of expiry.
func (l *Ledger) ResetBalance(ctx context.Context, actor ledger.Actor, customerID uint64) (*model.Entitlement, error) {
	if err := ledger.Authorize(actor.Role, ledger.OpResetBalance); err != nil {
		return nil, err
	}
	return l.override(ctx, actor, customerID, "reset", func(ent *model.Entitlement, now time.Time) map[string]any {
		before := ent.Balance
		l.policy.Reset(ent, now)
		return map[string]any{"before": before, "after": ent.Balance, "expiry": ent.Expiry}
	})
}

func (l *Ledger) override(ctx context.Context, actor ledger.Actor, customerID uint64, kind string, apply func(*model.Entitlement, time.Time) map[string]any) (*model.Entitlement, error) {
	now := l.now().UTC()
	action := model.ActionEntitlementAdjusted
	if kind == "reset" {
		action = model.ActionEntitlementReset
	}
	var out model.Entitlement
	err := l.store.WithinTx(ctx, func(tx Tx) error {
		ent, err := tx.LockEntitlement(ctx, customerID)
		if err != nil {
			return err
		}
		meta := apply(ent, now)
		if err := tx.UpdateEntitlement(ctx, ent); err != nil {
			return err
		}
		if err := tx.AppendLog(ctx, newLogEntry(actor, action, model.EntityEntitlement, customerID, now, meta)); err != nil {
			return err
		}
		out = *ent
		return nil
	})
	if err != nil {
		return nil, err
	}
	metrics.OverridesTotal.WithLabelValues(kind).Inc()
	l.logger.Info("entitlement overridden",
		zap.String("kind", kind),
		zap.Uint64("customer_id", customerID),
		zap.Uint64("admin_id", actor.ID),
		zap.Int("balance", out.Balance))
	l.notify(ctx, notification(out, 0, action, now))
	return &out, nil
}

// ---------------------------------------------------------------------------
// Bookings
// ---------------------------------------------------------------------------

// CreateBooking validates req, checks the customer's balance and records
// the booking.  Cylinders of bookings still awaiting payment count against
// the balance.  COD and QR bookings have their payment outcome applied in
// the same transaction.  A reset of an expired period is committed even
// when the booking is then denied.
func (l *Ledger) CreateBooking(ctx context.Context, actor ledger.Actor, req ledger.BookingRequest) (*model.Booking, error) {
	if err := ledger.Authorize(actor.Role, ledger.OpCreateBooking); err != nil {
		return nil, err
	}
	now := l.now().UTC()
	if err := l.policy.Validate(req, now); err != nil {
		metrics.BookingsTotal.WithLabelValues("invalid").Inc()
		return nil, err
	}

	var (
		booking *model.Booking
		denial  error
		notes   []model.BalanceNotification
	)
	err := l.store.WithinTx(ctx, func(tx Tx) error {
		notes = notes[:0]
		ent, err := tx.LockEntitlement(ctx, actor.ID)
		if err != nil {
			return err
		}
		outstanding, err := tx.OutstandingCylinders(ctx, actor.ID)
		if err != nil {
			return err
		}

		d := l.policy.CanBook(*ent, req.CylinderCount+outstanding, now)
		if d.Reset {
			*ent = d.Entitlement
			if err := l.saveReset(ctx, tx, actor, ent, now); err != nil {
				return err
			}
			notes = append(notes, notification(*ent, 0, model.ActionEntitlementReset, now))
		}
		if !d.Allowed {
			if outstanding > 0 {
				d.Denial.Reason += fmt.Sprintf(" (%d requested, %d awaiting payment)", req.CylinderCount, outstanding)
			}
			denial = d.Denial
			return tx.AppendLog(ctx, newLogEntry(actor, model.ActionBookingDenied, model.EntityEntitlement, actor.ID, now, map[string]any{
				"requested":   req.CylinderCount,
				"outstanding": outstanding,
				"balance":     ent.Balance,
				"expiry":      ent.Expiry,
			}))
		}

		b := &model.Booking{
			CustomerID:      actor.ID,
			CylinderCount:   req.CylinderCount,
			DeliveryAddress: strings.TrimSpace(req.DeliveryAddress),
			DeliveryDate:    ledger.Day(req.DeliveryDate),
			Status:          model.BookingPending,
			PaymentMethod:   req.PaymentMethod,
			PaymentStatus:   model.PaymentPending,
			OrderRef:        uuid.NewString(),
			CreatedAt:       now,
			UpdatedAt:       now,
		}
		if err := tx.CreateBooking(ctx, b); err != nil {
			return err
		}
		if err := tx.AppendLog(ctx, newLogEntry(actor, model.ActionBookingCreated, model.EntityBooking, b.ID, now, map[string]any{
			"cylinder_count": b.CylinderCount,
			"payment_method": b.PaymentMethod,
			"order_ref":      b.OrderRef,
			"delivery_date":  b.DeliveryDate.Format(time.DateOnly),
		})); err != nil {
			return err
		}

		var outcome *ledger.Outcome
		switch req.PaymentMethod {
		case model.PaymentCOD:
			o := ledger.CODSelected()
			outcome = &o
		case model.PaymentQR:
			o := ledger.QRSubmitted(req.Reference, req.ScreenshotRef)
			outcome = &o
		}
		if outcome != nil {
			res, n, err := l.apply(ctx, tx, actor, ent, b, *outcome, now)
			if err != nil {
				return err
			}
			notes = append(notes, n...)
			b = res.Booking
		}
		booking = b
		return nil
	})
	if err != nil {
		metrics.BookingsTotal.WithLabelValues("error").Inc()
		return nil, err
	}
	for _, n := range notes {
		l.notify(ctx, n)
	}
	if denial != nil {
		metrics.BookingsTotal.WithLabelValues("denied").Inc()
		l.logger.Info("booking denied", zap.Uint64("customer_id", actor.ID), zap.String("reason", ledger.Reason(denial)))
		return nil, denial
	}
	metrics.BookingsTotal.WithLabelValues("created").Inc()
	l.logger.Info("booking created",
		zap.Uint64("booking_id", booking.ID),
		zap.Uint64("customer_id", actor.ID),
		zap.Int("cylinders", booking.CylinderCount),
		zap.String("payment_method", string(booking.PaymentMethod)))
	return booking, nil
}

// GetBooking returns one booking.  Customers only see their own.
func (l *Ledger) GetBooking(ctx context.Context, actor ledger.Actor, id uint64) (*model.Booking, error) {
	if err := ledger.Authorize(actor.Role, ledger.OpViewBooking); err != nil {
		return nil, err
	}
	b, err := l.store.GetBooking(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := ledger.AuthorizeOwner(actor, ledger.OpViewBooking, b.CustomerID); err != nil {
		return nil, err
	}
	return b, nil
}

// ListBookings returns bookings matching f.  Customers are always limited
// to their own bookings; listing across customers needs the admin role.
func (l *Ledger) ListBookings(ctx context.Context, actor ledger.Actor, f BookingFilter) ([]model.Booking, error) {
	if actor.Role == ledger.RoleCustomer {
		if err := ledger.Authorize(actor.Role, ledger.OpViewBooking); err != nil {
			return nil, err
		}
		f.CustomerID = actor.ID
	} else if err := ledger.Authorize(actor.Role, ledger.OpListAllBookings); err != nil {
		return nil, err
	}
	if f.Limit <= 0 || f.Limit > 100 {
		f.Limit = 50
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	return l.store.ListBookings(ctx, f)
}

// History returns the activity log of one booking or entitlement, oldest
// entry first.
func (l *Ledger) History(ctx context.Context, actor ledger.Actor, entityType string, entityID uint64) ([]model.LogEntry, error) {
	if err := ledger.Authorize(actor.Role, ledger.OpViewHistory); err != nil {
		return nil, err
	}
	switch entityType {
	case model.EntityBooking, model.EntityEntitlement:
	default:
		return nil, &ledger.Denial{Err: ledger.ErrInvalidRequest, Reason: fmt.Sprintf("unknown entity type %q", entityType)}
	}
	return l.store.ListLogs(ctx, entityType, entityID)
}

// ApproveBooking moves a pending booking to APPROVED.
func (l *Ledger) ApproveBooking(ctx context.Context, actor ledger.Actor, id uint64) (*model.Booking, error) {
	return l.transition(ctx, actor, id, ledger.OpApproveBooking, model.ActionBookingApproved,
		func(b model.Booking) (model.Booking, bool, error) {
			next, err := l.policy.Approve(b)
			return next, false, err
		})
}

// RejectBooking moves a pending, unpaid booking to REJECTED and returns
// any cylinders already deducted for it.
func (l *Ledger) RejectBooking(ctx context.Context, actor ledger.Actor, id uint64) (*model.Booking, error) {
	return l.transition(ctx, actor, id, ledger.OpRejectBooking, model.ActionBookingRejected, l.policy.Reject)
}

// DeliverBooking marks an approved and paid booking delivered.
func (l *Ledger) DeliverBooking(ctx context.Context, actor ledger.Actor, id uint64) (*model.Booking, error) {
	return l.transition(ctx, actor, id, ledger.OpDeliverBooking, model.ActionBookingDelivered,
		func(b model.Booking) (model.Booking, bool, error) {
			next, err := l.policy.Deliver(b)
			return next, false, err
		})
}

func (l *Ledger) transition(ctx context.Context, actor ledger.Actor, id uint64, op ledger.Operation, action string, fn func(model.Booking) (model.Booking, bool, error)) (*model.Booking, error) {
	if err := ledger.Authorize(actor.Role, op); err != nil {
		return nil, err
	}
	current, err := l.store.GetBooking(ctx, id)
	if err != nil {
		return nil, err
	}
	now := l.now().UTC()
	var (
		out   model.Booking
		notes []model.BalanceNotification
	)
	err = l.store.WithinTx(ctx, func(tx Tx) error {
		notes = notes[:0]
		ent, err := tx.LockEntitlement(ctx, current.CustomerID)
		if err != nil {
			return err
		}
		b, err := tx.LockBooking(ctx, id)
		if err != nil {
			return err
		}
		next, refund, err := fn(*b)
		if err != nil {
			return err
		}
		next.UpdatedAt = now
		if err := tx.UpdateBooking(ctx, &next); err != nil {
			return err
		}
		if err := tx.AppendLog(ctx, newLogEntry(actor, action, model.EntityBooking, id, now, map[string]any{
			"from": b.Status,
			"to":   next.Status,
		})); err != nil {
			return err
		}
		if refund {
			n, err := l.refund(ctx, tx, actor, ent, &next, now)
			if err != nil {
				return err
			}
			notes = append(notes, n)
		}
		out = next
		return nil
	})
	if err != nil {
		return nil, err
	}
	l.logger.Info("booking transition",
		zap.Uint64("booking_id", id),
		zap.String("action", action),
		zap.Uint64("admin_id", actor.ID))
	for _, n := range notes {
		l.notify(ctx, n)
	}
	return &out, nil
}

// ---------------------------------------------------------------------------
// Payments
// ---------------------------------------------------------------------------

// Reconcile applies a payment outcome to a booking.  Outcomes that were
// already applied, or that arrive for a booking that is already paid, are
// reported as duplicates and change nothing.
func (l *Ledger) Reconcile(ctx context.Context, actor ledger.Actor, bookingID uint64, o ledger.Outcome) (*ReconcileResult, error) {
	op := o.Operation()
	if err := ledger.Authorize(actor.Role, op); err != nil {
		return nil, err
	}
	current, err := l.store.GetBooking(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	if err := ledger.AuthorizeOwner(actor, op, current.CustomerID); err != nil {
		return nil, err
	}
	now := l.now().UTC()
	var (
		res   *ReconcileResult
		notes []model.BalanceNotification
	)
	err = l.store.WithinTx(ctx, func(tx Tx) error {
		ent, err := tx.LockEntitlement(ctx, current.CustomerID)
		if err != nil {
			return err
		}
		b, err := tx.LockBooking(ctx, bookingID)
		if err != nil {
			return err
		}
		res, notes, err = l.apply(ctx, tx, actor, ent, b, o, now)
		return err
	})
	if err != nil {
		metrics.ReconciliationsTotal.WithLabelValues(string(o.Type), "error").Inc()
		l.logger.Warn("reconciliation failed",
			zap.Uint64("booking_id", bookingID),
			zap.String("outcome", string(o.Type)),
			zap.Error(err))
		return nil, err
	}
	result := "applied"
	if res.Duplicate {
		result = "duplicate"
	}
	metrics.ReconciliationsTotal.WithLabelValues(string(o.Type), result).Inc()
	l.logger.Info("payment reconciled",
		zap.Uint64("booking_id", bookingID),
		zap.String("outcome", string(o.Type)),
		zap.Bool("duplicate", res.Duplicate),
		zap.String("payment_status", string(res.Booking.PaymentStatus)))
	for _, n := range notes {
		l.notify(ctx, n)
	}
	return res, nil
}

// ReconcileByOrderRef is Reconcile for gateway callbacks, which only know
// the order reference handed out at checkout.
func (l *Ledger) ReconcileByOrderRef(ctx context.Context, actor ledger.Actor, orderRef string, o ledger.Outcome) (*ReconcileResult, error) {
	b, err := l.store.GetBookingByOrderRef(ctx, orderRef)
	if err != nil {
		return nil, err
	}
	return l.Reconcile(ctx, actor, b.ID, o)
}

// Checkout charges the customer's card through the gateway.  The call is
// bounded by the configured timeout; when it times out the booking stays
// PENDING and is settled later by the webhook.  A booking whose previous
// charge failed no longer holds any balance, so it has to pass the balance
// check again before a new charge is sent.
func (l *Ledger) Checkout(ctx context.Context, actor ledger.Actor, bookingID uint64, cardToken string) (*CheckoutResult, error) {
	if err := ledger.Authorize(actor.Role, ledger.OpCheckout); err != nil {
		return nil, err
	}
	if l.gateway == nil {
		return nil, &ledger.Denial{Err: ledger.ErrInvalidRequest, Reason: "online payment is not available"}
	}
	if strings.TrimSpace(cardToken) == "" {
		return nil, &ledger.Denial{Err: ledger.ErrInvalidRequest, Reason: "card token is required"}
	}
	b, err := l.store.GetBooking(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	if err := ledger.AuthorizeOwner(actor, ledger.OpCheckout, b.CustomerID); err != nil {
		return nil, err
	}
	switch {
	case b.PaymentStatus == model.PaymentSuccess:
		return &CheckoutResult{Booking: b, Duplicate: true}, nil
	case b.Status == model.BookingRejected:
		return nil, &ledger.Denial{Err: ledger.ErrInvalidTransition, Reason: fmt.Sprintf("booking %d was rejected", b.ID)}
	case b.PaymentMethod != model.PaymentGateway:
		return nil, &ledger.Denial{Err: ledger.ErrInvalidTransition, Reason: fmt.Sprintf("booking %d is paid by %s", b.ID, b.PaymentMethod)}
	}
	if b.PaymentStatus == model.PaymentFailed {
		if b, err = l.retryPayment(ctx, actor, b); err != nil {
			return nil, err
		}
		if b.PaymentStatus == model.PaymentSuccess {
			return &CheckoutResult{Booking: b, Duplicate: true}, nil
		}
	}

	timeout := l.checkout.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	l.logger.Info("checkout started", zap.Uint64("booking_id", b.ID), zap.String("order_ref", b.OrderRef))
	started := time.Now()
	charge, err := l.charge(cctx, ChargeRequest{
		OrderRef:    b.OrderRef,
		Amount:      l.checkout.PricePerCylinder * int64(b.CylinderCount),
		Currency:    l.checkout.Currency,
		CardToken:   cardToken,
		Description: fmt.Sprintf("booking %d: %d cylinder(s)", b.ID, b.CylinderCount),
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			metrics.GatewayChargeDuration.WithLabelValues("timeout").Observe(time.Since(started).Seconds())
			l.logger.Warn("gateway charge timed out; leaving booking pending",
				zap.Uint64("booking_id", b.ID), zap.Duration("timeout", timeout))
			return &CheckoutResult{Booking: b, Pending: true}, nil
		}
		metrics.GatewayChargeDuration.WithLabelValues("error").Observe(time.Since(started).Seconds())
		return nil, fmt.Errorf("gateway charge: %w", err)
	}
	metrics.GatewayChargeDuration.WithLabelValues(string(charge.Status)).Observe(time.Since(started).Seconds())

	var o ledger.Outcome
	switch charge.Status {
	case ChargeSuccessful:
		o = ledger.GatewaySuccess(charge.ChargeID)
	case ChargeFailed:
		o = ledger.GatewayFailure(charge.ChargeID, charge.FailureCode)
	default:
		return &CheckoutResult{Booking: b, Pending: true, AuthorizeURI: charge.AuthorizeURI}, nil
	}
	res, err := l.Reconcile(ctx, ledger.GatewayActor, b.ID, o)
	if err != nil {
		if o.Type == ledger.OutcomeGatewaySuccess {
			l.logger.Error("captured charge could not be applied",
				zap.Uint64("booking_id", b.ID),
				zap.String("charge_id", charge.ChargeID),
				zap.Error(err))
		}
		return nil, err
	}
	return &CheckoutResult{Booking: res.Booking, Duplicate: res.Duplicate}, nil
}

// retryPayment re-checks the balance for a booking whose last charge
// failed and moves it back to PENDING, where it is held against the balance
// while the new charge is in flight.  Like CreateBooking, a denial is
// returned after the transaction commits so that a period reset and the
// denial log are kept.
func (l *Ledger) retryPayment(ctx context.Context, actor ledger.Actor, b *model.Booking) (*model.Booking, error) {
	now := l.now().UTC()
	var (
		out    *model.Booking
		denial error
		notes  []model.BalanceNotification
	)
	err := l.store.WithinTx(ctx, func(tx Tx) error {
		notes = notes[:0]
		denial = nil
		ent, err := tx.LockEntitlement(ctx, b.CustomerID)
		if err != nil {
			return err
		}
		locked, err := tx.LockBooking(ctx, b.ID)
		if err != nil {
			return err
		}
		if locked.PaymentStatus != model.PaymentFailed {
			// another checkout got here first
			out = locked
			return nil
		}
		outstanding, err := tx.OutstandingCylinders(ctx, b.CustomerID)
		if err != nil {
			return err
		}

		d := l.policy.CanBook(*ent, locked.CylinderCount+outstanding, now)
		if d.Reset {
			*ent = d.Entitlement
			if err := l.saveReset(ctx, tx, actor, ent, now); err != nil {
				return err
			}
			notes = append(notes, notification(*ent, 0, model.ActionEntitlementReset, now))
		}
		if !d.Allowed {
			if outstanding > 0 {
				d.Denial.Reason += fmt.Sprintf(" (%d to retry, %d awaiting payment)", locked.CylinderCount, outstanding)
			}
			denial = d.Denial
			return tx.AppendLog(ctx, newLogEntry(actor, model.ActionBookingDenied, model.EntityBooking, locked.ID, now, map[string]any{
				"requested":       locked.CylinderCount,
				"outstanding":     outstanding,
				"balance":         ent.Balance,
				"payment_attempt": locked.PaymentAttempt,
			}))
		}

		next, err := l.policy.RetryPayment(*locked)
		if err != nil {
			return err
		}
		next.UpdatedAt = now
		if err := tx.UpdateBooking(ctx, &next); err != nil {
			return err
		}
		if err := tx.AppendLog(ctx, newLogEntry(actor, model.ActionPaymentRetried, model.EntityBooking, next.ID, now, map[string]any{
			"payment_attempt": next.PaymentAttempt,
			"cylinder_count":  next.CylinderCount,
			"balance":         ent.Balance,
		})); err != nil {
			return err
		}
		out = &next
		return nil
	})
	if err != nil {
		return nil, err
	}
	for _, n := range notes {
		l.notify(ctx, n)
	}
	if denial != nil {
		metrics.BookingsTotal.WithLabelValues("denied").Inc()
		l.logger.Info("payment retry denied", zap.Uint64("booking_id", b.ID), zap.String("reason", ledger.Reason(denial)))
		return nil, denial
	}
	return out, nil
}

// charge runs the gateway call in its own goroutine so that a client which
// ignores ctx still cannot hold the request past the deadline.
func (l *Ledger) charge(ctx context.Context, req ChargeRequest) (*ChargeResult, error) {
	type reply struct {
		res *ChargeResult
		err error
	}
	ch := make(chan reply, 1)
	go func() {
		res, err := l.gateway.Charge(ctx, req)
		ch <- reply{res, err}
	}()
	select {
	case r := <-ch:
		return r.res, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// HandleGatewayEvent verifies a webhook event with the gateway and applies
// the charge outcome it carries.  Events unrelated to charges are ignored.
func (l *Ledger) HandleGatewayEvent(ctx context.Context, eventID string) (*ReconcileResult, error) {
	if l.gateway == nil {
		return nil, &ledger.Denial{Err: ledger.ErrInvalidRequest, Reason: "online payment is not available"}
	}
	charge, err := l.gateway.VerifyEvent(ctx, eventID)
	if err != nil {
		return nil, fmt.Errorf("verify event %s: %w", eventID, err)
	}
	if charge == nil || charge.OrderRef == "" {
		return nil, nil
	}
	var o ledger.Outcome
	switch charge.Status {
	case ChargeSuccessful:
		o = ledger.GatewaySuccess(charge.ChargeID)
	case ChargeFailed:
		o = ledger.GatewayFailure(charge.ChargeID, charge.FailureCode)
	default:
		return nil, nil
	}
	return l.ReconcileByOrderRef(ctx, ledger.GatewayActor, charge.OrderRef, o)
}

// apply runs one outcome against a locked entitlement and booking.
func (l *Ledger) apply(ctx context.Context, tx Tx, actor ledger.Actor, ent *model.Entitlement, b *model.Booking, o ledger.Outcome, now time.Time) (*ReconcileResult, []model.BalanceNotification, error) {
	key := o.IdempotencyKey(*b)
	claimed, err := tx.ClaimReconciliation(ctx, key, b.ID, string(o.Type))
	if err != nil {
		return nil, nil, err
	}
	if !claimed {
		return l.duplicate(ctx, tx, actor, b, o, key, now)
	}
	t, err := l.policy.Reconcile(*b, o)
	if err != nil {
		return nil, nil, err
	}
	if t.Duplicate {
		return l.duplicate(ctx, tx, actor, b, o, key, now)
	}

	var notes []model.BalanceNotification
	next := t.Booking
	next.UpdatedAt = now
	if t.Deduct {
		n, err := l.deduct(ctx, tx, actor, ent, &next, now)
		if err != nil {
			return nil, nil, err
		}
		notes = append(notes, n...)
	}
	if err := tx.UpdateBooking(ctx, &next); err != nil {
		return nil, nil, err
	}
	meta := map[string]any{
		"outcome":        o.Type,
		"payment_method": next.PaymentMethod,
		"payment_status": next.PaymentStatus,
	}
	if next.PaymentReference != nil {
		meta["reference"] = *next.PaymentReference
	}
	if o.Reason != "" {
		meta["reason"] = o.Reason
	}
	if err := tx.AppendLog(ctx, newLogEntry(actor, model.ActionPaymentReconciled, model.EntityBooking, b.ID, now, meta)); err != nil {
		return nil, nil, err
	}
	if t.Refund {
		n, err := l.refund(ctx, tx, actor, ent, &next, now)
		if err != nil {
			return nil, nil, err
		}
		notes = append(notes, n)
	}
	*b = next
	return &ReconcileResult{Booking: b}, notes, nil
}

func (l *Ledger) duplicate(ctx context.Context, tx Tx, actor ledger.Actor, b *model.Booking, o ledger.Outcome, key string, now time.Time) (*ReconcileResult, []model.BalanceNotification, error) {
	err := tx.AppendLog(ctx, newLogEntry(actor, model.ActionReconciliationDup, model.EntityBooking, b.ID, now, map[string]any{
		"outcome":         o.Type,
		"idempotency_key": key,
		"payment_status":  b.PaymentStatus,
	}))
	if err != nil {
		return nil, nil, err
	}
	return &ReconcileResult{Booking: b, Duplicate: true}, nil, nil
}

func (l *Ledger) deduct(ctx context.Context, tx Tx, actor ledger.Actor, ent *model.Entitlement, b *model.Booking, now time.Time) ([]model.BalanceNotification, error) {
	var notes []model.BalanceNotification
	reset, err := l.policy.Deduct(ent, b.CylinderCount, now)
	if reset {
		if err := l.saveReset(ctx, tx, actor, ent, now); err != nil {
			return nil, err
		}
		notes = append(notes, notification(*ent, 0, model.ActionEntitlementReset, now))
	}
	if err != nil {
		return nil, err
	}
	if err := tx.UpdateEntitlement(ctx, ent); err != nil {
		return nil, err
	}
	if err := tx.AppendLog(ctx, newLogEntry(actor, model.ActionBalanceDeducted, model.EntityEntitlement, ent.CustomerID, now, map[string]any{
		"booking_id": b.ID,
		"cylinders":  b.CylinderCount,
		"balance":    ent.Balance,
	})); err != nil {
		return nil, err
	}
	return append(notes, notification(*ent, b.ID, model.ActionBalanceDeducted, now)), nil
}

func (l *Ledger) refund(ctx context.Context, tx Tx, actor ledger.Actor, ent *model.Entitlement, b *model.Booking, now time.Time) (model.BalanceNotification, error) {
	l.policy.Refund(ent, b.CylinderCount, now)
	if err := tx.UpdateEntitlement(ctx, ent); err != nil {
		return model.BalanceNotification{}, err
	}
	if err := tx.AppendLog(ctx, newLogEntry(actor, model.ActionBalanceRefunded, model.EntityEntitlement, ent.CustomerID, now, map[string]any{
		"booking_id": b.ID,
		"cylinders":  b.CylinderCount,
		"balance":    ent.Balance,
	})); err != nil {
		return model.BalanceNotification{}, err
	}
	return notification(*ent, b.ID, model.ActionBalanceRefunded, now), nil
}

func (l *Ledger) saveReset(ctx context.Context, tx Tx, actor ledger.Actor, ent *model.Entitlement, now time.Time) error {
	if err := tx.UpdateEntitlement(ctx, ent); err != nil {
		return err
	}
	return tx.AppendLog(ctx, newLogEntry(actor, model.ActionEntitlementReset, model.EntityEntitlement, ent.CustomerID, now, map[string]any{
		"balance": ent.Balance,
		"expiry":  ent.Expiry,
		"cause":   "expired",
	}))
}

func (l *Ledger) notify(ctx context.Context, n model.BalanceNotification) {
	if err := l.notifier.NotifyBalanceChanged(ctx, n); err != nil {
		l.logger.Warn("balance notification not delivered",
			zap.Uint64("customer_id", n.CustomerID),
			zap.String("action", n.Action),
			zap.Error(err))
	}
}

func notification(ent model.Entitlement, bookingID uint64, action string, now time.Time) model.BalanceNotification {
	return model.BalanceNotification{
		CustomerID: ent.CustomerID,
		BookingID:  bookingID,
		Action:     action,
		NewBalance: ent.Balance,
		Expiry:     ent.Expiry,
		OccurredAt: now,
	}
}

func newLogEntry(actor ledger.Actor, action, entityType string, entityID uint64, now time.Time, meta map[string]any) *model.LogEntry {
	raw, err := json.Marshal(meta)
	if err != nil {
		raw = []byte("{}")
	}
	return &model.LogEntry{
		OccurredAt: now,
		ActorID:    actor.ID,
		ActorRole:  string(actor.Role),
		Action:     action,
		EntityType: entityType,
		EntityID:   entityID,
		Metadata:   raw,
	}
}
