package handler

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/iliyamo/cylinder-booking/internal/ledger"
	"github.com/iliyamo/cylinder-booking/internal/model"
	"github.com/iliyamo/cylinder-booking/internal/service"
)

// BookingHandler serves the customer side of the ledger: the caller's
// entitlement, their bookings and their payments.  Ownership is enforced by
// the service; a customer asking for someone else's booking gets 404.
type BookingHandler struct {
	Ledger *service.Ledger
	Logger *zap.Logger
}

func NewBookingHandler(l *service.Ledger, logger *zap.Logger) *BookingHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BookingHandler{Ledger: l, Logger: logger.Named("booking")}
}

type createBookingReq struct {
	CylinderCount   int    `json:"cylinder_count" validate:"required"`
	DeliveryAddress string `json:"delivery_address" validate:"required,max=255"`
	DeliveryDate    string `json:"delivery_date" validate:"required,datetime=2006-01-02"`
	PaymentMethod   string `json:"payment_method" validate:"required,oneof=GATEWAY COD QR"`
	Reference       string `json:"reference" validate:"max=128"`
	ScreenshotRef   string `json:"screenshot_ref" validate:"max=255"`
}

type paymentReq struct {
	Method        string `json:"method" validate:"required,oneof=COD QR"`
	Reference     string `json:"reference" validate:"required_if=Method QR,max=128"`
	ScreenshotRef string `json:"screenshot_ref" validate:"max=255"`
}

type checkoutReq struct {
	CardToken string `json:"card_token" validate:"required"`
}

// Entitlement handles GET /v1/entitlement.
func (h *BookingHandler) Entitlement(c echo.Context) error {
	actor, err := getActor(c)
	if err != nil {
		return unauthorized(c)
	}
	ent, err := h.Ledger.GetEntitlement(c.Request().Context(), actor, actor.ID)
	if err != nil {
		return respondError(c, h.Logger, err)
	}
	return c.JSON(http.StatusOK, echo.Map{
		"entitlement": ent,
		"expired":     ent.Expired(time.Now()),
	})
}

// Create handles POST /v1/bookings.  A denial is answered with 409 and a
// reason carrying the balance and expiry that caused it.
func (h *BookingHandler) Create(c echo.Context) error {
	actor, err := getActor(c)
	if err != nil {
		return unauthorized(c)
	}
	var req createBookingReq
	if err := bindValidate(c, &req); err != nil {
		return respondError(c, h.Logger, err)
	}
	date, err := time.Parse(time.DateOnly, req.DeliveryDate)
	if err != nil {
		return respondError(c, h.Logger, &ledger.Denial{Err: ledger.ErrInvalidRequest, Reason: "delivery_date must be YYYY-MM-DD"})
	}
	b, err := h.Ledger.CreateBooking(c.Request().Context(), actor, ledger.BookingRequest{
		CylinderCount:   req.CylinderCount,
		DeliveryAddress: strings.TrimSpace(req.DeliveryAddress),
		DeliveryDate:    date,
		PaymentMethod:   model.PaymentMethod(req.PaymentMethod),
		Reference:       strings.TrimSpace(req.Reference),
		ScreenshotRef:   strings.TrimSpace(req.ScreenshotRef),
	})
	if err != nil {
		return respondError(c, h.Logger, err)
	}
	return c.JSON(http.StatusCreated, b)
}

// List handles GET /v1/bookings?status=&limit=&offset=.
func (h *BookingHandler) List(c echo.Context) error {
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

// Get handles GET /v1/bookings/:id.
func (h *BookingHandler) Get(c echo.Context) error {
	actor, err := getActor(c)
	if err != nil {
		return unauthorized(c)
	}
	id, err := pathID(c, "id")
	if err != nil {
		return respondError(c, h.Logger, err)
	}
	b, err := h.Ledger.GetBooking(c.Request().Context(), actor, id)
	if err != nil {
		return respondError(c, h.Logger, err)
	}
	return c.JSON(http.StatusOK, b)
}

// Payment handles POST /v1/bookings/:id/payment: choosing cash on delivery
// or submitting a QR transfer reference.
func (h *BookingHandler) Payment(c echo.Context) error {
	actor, err := getActor(c)
	if err != nil {
		return unauthorized(c)
	}
	id, err := pathID(c, "id")
	if err != nil {
		return respondError(c, h.Logger, err)
	}
	var req paymentReq
	if err := bindValidate(c, &req); err != nil {
		return respondError(c, h.Logger, err)
	}
	o := ledger.CODSelected()
	if req.Method == string(model.PaymentQR) {
		o = ledger.QRSubmitted(strings.TrimSpace(req.Reference), strings.TrimSpace(req.ScreenshotRef))
	}
	res, err := h.Ledger.Reconcile(c.Request().Context(), actor, id, o)
	if err != nil {
		return respondError(c, h.Logger, err)
	}
	return c.JSON(http.StatusOK, res)
}

// Checkout handles POST /v1/bookings/:id/checkout.  202 means the charge
// has not settled yet; the webhook will finish it.
func (h *BookingHandler) Checkout(c echo.Context) error {
	actor, err := getActor(c)
	if err != nil {
		return unauthorized(c)
	}
	id, err := pathID(c, "id")
	if err != nil {
		return respondError(c, h.Logger, err)
	}
	var req checkoutReq
	if err := bindValidate(c, &req); err != nil {
		return respondError(c, h.Logger, err)
	}
	res, err := h.Ledger.Checkout(c.Request().Context(), actor, id, req.CardToken)
	if err != nil {
		return respondError(c, h.Logger, err)
	}
	if res.Pending {
		return c.JSON(http.StatusAccepted, res)
	}
	return c.JSON(http.StatusOK, res)
}

// bookingFilter reads status, customer_id, limit and offset from the query
// string.  customer_id is ignored by the service for customers.
func bookingFilter(c echo.Context) (service.BookingFilter, error) {
	var f service.BookingFilter
	if s := strings.ToUpper(strings.TrimSpace(c.QueryParam("status"))); s != "" {
		switch st := model.BookingStatus(s); st {
		case model.BookingPending, model.BookingApproved, model.BookingRejected, model.BookingDelivered:
			f.Status = st
		default:
			return f, &ledger.Denial{Err: ledger.ErrInvalidRequest, Reason: "unknown status " + s}
		}
	}
	for name, dst := range map[string]*int{"limit": &f.Limit, "offset": &f.Offset} {
		if v := c.QueryParam(name); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 0 {
				return f, &ledger.Denial{Err: ledger.ErrInvalidRequest, Reason: "invalid " + name}
			}
			*dst = n
		}
	}
	if v := c.QueryParam("customer_id"); v != "" {
		id, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return f, &ledger.Denial{Err: ledger.ErrInvalidRequest, Reason: "invalid customer_id"}
		}
		f.CustomerID = id
	}
	if f.Limit == 0 || f.Limit > 100 {
		f.Limit = 50
	}
	return f, nil
}
