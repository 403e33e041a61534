package ledger

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iliyamo/cylinder-booking/internal/model"
)

var t0 = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

func TestNewEntitlement(t *testing.T) {
	ent := DefaultPolicy().NewEntitlement(7, t0)
	assert.Equal(t, uint64(7), ent.CustomerID)
	assert.Equal(t, 12, ent.Balance)
	assert.Equal(t, t0.AddDate(1, 0, 0), ent.Expiry)
}

func TestCanBookZeroBalanceDenied(t *testing.T) {
	p := DefaultPolicy()
	ent := model.Entitlement{CustomerID: 1, Balance: 0, Expiry: t0.AddDate(1, 0, 0)}

	d := p.CanBook(ent, 1, t0.AddDate(0, 6, 0))

	assert.False(t, d.Allowed)
	assert.False(t, d.Reset)
	require.NotNil(t, d.Denial)
	assert.True(t, errors.Is(d.Denial, ErrInsufficientBalance))
	assert.Contains(t, d.Denial.Reason, "balance 0")
	assert.Contains(t, d.Denial.Reason, "2026-03-01")
}

func TestCanBookExpiredResetsFirst(t *testing.T) {
	p := DefaultPolicy()
	now := t0
	ent := model.Entitlement{CustomerID: 1, Balance: 2, Expiry: now.AddDate(0, 0, -1)}

	for requested := 1; requested <= 12; requested++ {
		d := p.CanBook(ent, requested, now)
		assert.True(t, d.Reset, "requested %d", requested)
		assert.True(t, d.Allowed, "requested %d", requested)
		assert.Equal(t, 12, d.Entitlement.Balance)
		assert.Equal(t, now.AddDate(1, 0, 0), d.Entitlement.Expiry)
	}
	// input is not mutated
	assert.Equal(t, 2, ent.Balance)
}

func TestCanBookExpiryIsInclusive(t *testing.T) {
	ent := model.Entitlement{Balance: 0, Expiry: t0}
	d := DefaultPolicy().CanBook(ent, 1, t0)
	assert.True(t, d.Reset)
	assert.True(t, d.Allowed)
}

func TestCanBookWithinBalance(t *testing.T) {
	ent := model.Entitlement{Balance: 3, Expiry: t0.AddDate(0, 1, 0)}
	d := DefaultPolicy().CanBook(ent, 3, t0)
	assert.True(t, d.Allowed)
	assert.False(t, d.Reset)
	assert.Nil(t, d.Denial)
}

func TestValidate(t *testing.T) {
	p := DefaultPolicy()
	ok := BookingRequest{
		CylinderCount:   2,
		DeliveryAddress: "12 Main Road",
		DeliveryDate:    t0,
		PaymentMethod:   model.PaymentCOD,
	}
	require.NoError(t, p.Validate(ok, t0.Add(3*time.Hour)))

	cases := map[string]func(r *BookingRequest){
		"zero count":     func(r *BookingRequest) { r.CylinderCount = 0 },
		"six cylinders":  func(r *BookingRequest) { r.CylinderCount = 6 },
		"blank address":  func(r *BookingRequest) { r.DeliveryAddress = "  " },
		"no date":        func(r *BookingRequest) { r.DeliveryDate = time.Time{} },
		"past date":      func(r *BookingRequest) { r.DeliveryDate = t0.AddDate(0, 0, -1) },
		"unknown method": func(r *BookingRequest) { r.PaymentMethod = "CARD" },
		"qr without ref": func(r *BookingRequest) { r.PaymentMethod = model.PaymentQR },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			req := ok
			mutate(&req)
			err := p.Validate(req, t0)
			assert.ErrorIs(t, err, ErrInvalidRequest)
			assert.NotEmpty(t, Reason(err))
		})
	}
}

func TestAdjustFloorsAtZero(t *testing.T) {
	p := DefaultPolicy()
	ent := model.Entitlement{Balance: 3}
	p.Adjust(&ent, -5, t0)
	assert.Equal(t, 0, ent.Balance)
	p.Adjust(&ent, 20, t0)
	assert.Equal(t, 20, ent.Balance)
}

func TestDeductAndRefund(t *testing.T) {
	p := DefaultPolicy()
	ent := model.Entitlement{Balance: 4, Expiry: t0.AddDate(0, 1, 0)}

	reset, err := p.Deduct(&ent, 3, t0)
	require.NoError(t, err)
	assert.False(t, reset)
	assert.Equal(t, 1, ent.Balance)

	_, err = p.Deduct(&ent, 2, t0)
	assert.ErrorIs(t, err, ErrInsufficientBalance)
	assert.Equal(t, 1, ent.Balance)

	p.Refund(&ent, 20, t0)
	assert.Equal(t, 12, ent.Balance)
}
