package handler

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iliyamo/cylinder-booking/internal/ledger"
	"github.com/iliyamo/cylinder-booking/internal/model"
)

func TestStatusFor(t *testing.T) {
	cases := []struct {
		err    error
		status int
		code   string
	}{
		{&ledger.Denial{Err: ledger.ErrInsufficientBalance, Reason: "balance 0"}, http.StatusConflict, "insufficient_balance"},
		{ledger.ErrInvalidTransition, http.StatusConflict, "invalid_transition"},
		{fmt.Errorf("wrap: %w", ledger.ErrInvalidRequest), http.StatusBadRequest, "invalid_request"},
		{ledger.ErrNotFound, http.StatusNotFound, "not_found"},
		{ledger.ErrUnauthorized, http.StatusForbidden, "forbidden"},
		{echo.NewHTTPError(http.StatusUnsupportedMediaType), http.StatusUnsupportedMediaType, "invalid_request"},
		{errors.New("connection reset"), http.StatusInternalServerError, "internal_error"},
	}
	for _, tc := range cases {
		status, code := statusFor(tc.err)
		assert.Equal(t, tc.status, status, tc.err.Error())
		assert.Equal(t, tc.code, code, tc.err.Error())
	}
}

func TestValidatorErrorsAreBadRequest(t *testing.T) {
	err := NewValidator().Validate(&paymentReq{Method: "QR"})
	require.Error(t, err)
	status, _ := statusFor(err)
	assert.Equal(t, http.StatusBadRequest, status)

	assert.NoError(t, NewValidator().Validate(&paymentReq{Method: "COD"}))
}

func TestBookingFilter(t *testing.T) {
	e := echo.New()
	ctx := func(q string) echo.Context {
		return e.NewContext(httptest.NewRequest(http.MethodGet, "/v1/bookings?"+q, nil), httptest.NewRecorder())
	}

	f, err := bookingFilter(ctx("status=pending&limit=10&offset=20&customer_id=7"))
	require.NoError(t, err)
	assert.Equal(t, model.BookingPending, f.Status)
	assert.Equal(t, 10, f.Limit)
	assert.Equal(t, 20, f.Offset)
	assert.Equal(t, uint64(7), f.CustomerID)

	f, err = bookingFilter(ctx(""))
	require.NoError(t, err)
	assert.Equal(t, 50, f.Limit)

	_, err = bookingFilter(ctx("status=LOST"))
	assert.ErrorIs(t, err, ledger.ErrInvalidRequest)
	_, err = bookingFilter(ctx("limit=-1"))
	assert.ErrorIs(t, err, ledger.ErrInvalidRequest)
}
