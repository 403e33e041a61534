package handler

import (
	"context"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/iliyamo/cylinder-booking/internal/ledger"
	"github.com/iliyamo/cylinder-booking/internal/model"
	"github.com/iliyamo/cylinder-booking/internal/service"
)

// AdminHandler serves the agency side: booking review, offline payment
// confirmation and entitlement overrides.
type AdminHandler struct {
	Ledger *service.Ledger
	Logger *zap.Logger
}

func NewAdminHandler(l *service.Ledger, logger *zap.Logger) *AdminHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AdminHandler{Ledger: l, Logger: logger.Named("admin")}
}

type adjustReq struct {
	Delta int    `json:"delta" validate:"required"`
	Note  string `json:"note" validate:"max=255"`
}

type markFailedReq struct {
	Reason string `json:"reason" validate:"max=255"`
}

// ListBookings handles GET /v1/admin/bookings?status=&customer_id=&limit=&offset=.
func (h *AdminHandler) ListBookings(c echo.Context) error {
	actor, err := getActor(c)
	if err != nil {
		return unauthorized(c)
	}
	f, err := bookingFilter(c)
	if err != nil {
		return respondError(c, h.Logger, err)
	}
	items, err := h.Ledger.ListBookings(c.Request().Context(), actor, f)
	if err != nil {
		return respondError(c, h.Logger, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"items": items, "limit": f.Limit, "offset": f.Offset})
}

func (h *AdminHandler) Approve(c echo.Context) error {
	return h.transition(c, h.Ledger.ApproveBooking)
}

// Reject refunds cylinders already deducted for the booking.
func (h *AdminHandler) Reject(c echo.Context) error {
	return h.transition(c, h.Ledger.RejectBooking)
}

func (h *AdminHandler) Deliver(c echo.Context) error {
	return h.transition(c, h.Ledger.DeliverBooking)
}

// MarkPaid confirms a pending COD or QR payment.
func (h *AdminHandler) MarkPaid(c echo.Context) error {
	return h.reconcile(c, ledger.AdminMarksPaid())
}

// MarkFailed records that a COD or QR payment never arrived.
func (h *AdminHandler) MarkFailed(c echo.Context) error {
	var req markFailedReq
	if err := bindValidate(c, &req); err != nil {
		return respondError(c, h.Logger, err)
	}
	return h.reconcile(c, ledger.AdminMarksFailed(strings.TrimSpace(req.Reason)))
}

// BookingHistory handles GET /v1/admin/bookings/:id/history.
func (h *AdminHandler) BookingHistory(c echo.Context) error {
	return h.history(c, model.EntityBooking)
}

// EntitlementHistory handles GET /v1/admin/customers/:id/entitlement/history.
func (h *AdminHandler) EntitlementHistory(c echo.Context) error {
	return h.history(c, model.EntityEntitlement)
}

// Entitlement handles GET /v1/admin/customers/:id/entitlement.
func (h *AdminHandler) Entitlement(c echo.Context) error {
	actor, err := getActor(c)
	if err != nil {
		return unauthorized(c)
	}
	id, err := pathID(c, "id")
	if err != nil {
		return respondError(c, h.Logger, err)
	}
	ent, err := h.Ledger.GetEntitlement(c.Request().Context(), actor, id)
	if err != nil {
		return respondError(c, h.Logger, err)
	}
	return c.JSON(http.StatusOK, ent)
}

// Adjust handles POST /v1/admin/customers/:id/entitlement/adjust.  The
// balance never drops below zero.
func (h *AdminHandler) Adjust(c echo.Context) error {
	actor, err := getActor(c)
	if err != nil {
		return unauthorized(c)
	}
	id, err := pathID(c, "id")
	if err != nil {
		return respondError(c, h.Logger, err)
	}
	var req adjustReq
	if err := bindValidate(c, &req); err != nil {
		return respondError(c, h.Logger, err)
	}
	ent, err := h.Ledger.AdjustBalance(c.Request().Context(), actor, id, req.Delta, req.Note)
	if err != nil {
		return respondError(c, h.Logger, err)
	}
	return c.JSON(http.StatusOK, ent)
}

// Reset handles POST /v1/admin/customers/:id/entitlement/reset.
func (h *AdminHandler) Reset(c echo.Context) error {
	actor, err := getActor(c)
	if err != nil {
		return unauthorized(c)
	}
	id, err := pathID(c, "id")
	if err != nil {
		return respondError(c, h.Logger, err)
	}
	ent, err := h.Ledger.ResetBalance(c.Request().Context(), actor, id)
	if err != nil {
		return respondError(c, h.Logger, err)
	}
	return c.JSON(http.StatusOK, ent)
}

type bookingTransition func(ctx context.Context, actor ledger.Actor, id uint64) (*model.Booking, error)

func (h *AdminHandler) transition(c echo.Context, fn bookingTransition) error {
	actor, err := getActor(c)
	if err != nil {
		return unauthorized(c)
	}
	id, err := pathID(c, "id")
	if err != nil {
		return respondError(c, h.Logger, err)
	}
	b, err := fn(c.Request().Context(), actor, id)
	if err != nil {
		return respondError(c, h.Logger, err)
	}
	return c.JSON(http.StatusOK, b)
}

func (h *AdminHandler) reconcile(c echo.Context, o ledger.Outcome) error {
	actor, err := getActor(c)
	if err != nil {
		return unauthorized(c)
	}
	id, err := pathID(c, "id")
	if err != nil {
		return respondError(c, h.Logger, err)
	}
	res, err := h.Ledger.Reconcile(c.Request().Context(), actor, id, o)
	if err != nil {
		return respondError(c, h.Logger, err)
	}
	return c.JSON(http.StatusOK, res)
}

func (h *AdminHandler) history(c echo.Context, entityType string) error {
	actor, err := getActor(c)
	if err != nil {
		return unauthorized(c)
	}
	id, err := pathID(c, "id")
	if err != nil {
		return respondError(c, h.Logger, err)
	}
	entries, err := h.Ledger.History(c.Request().Context(), actor, entityType, id)
	if err != nil {
		return respondError(c, h.Logger, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"items": entries})
}
