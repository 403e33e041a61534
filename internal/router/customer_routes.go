package router

import (
	"github.com/labstack/echo/v4"

	"github.com/iliyamo/cylinder-booking/internal/handler"
	"github.com/iliyamo/cylinder-booking/internal/ledger"
	"github.com/iliyamo/cylinder-booking/internal/middleware"
)

// RegisterCustomer registers customer-scoped endpoints under /v1.  All
// routes require a valid JWT with the CUSTOMER role.  Mutating routes go
// through the rate limiter; pass a pass-through middleware to disable it.
func RegisterCustomer(e *echo.Echo, h *handler.BookingHandler, jwtSecret string, limiter echo.MiddlewareFunc) {
	g := e.Group(
		"/v1",
		middleware.JWTAuth(jwtSecret),
		middleware.RequireRole(ledger.RoleCustomer),
	)
	g.GET("/entitlement", h.Entitlement)
	g.GET("/bookings", h.List)
	g.GET("/bookings/:id", h.Get)

	g.POST("/bookings", h.Create, limiter)
	g.POST("/bookings/:id/payment", h.Payment, limiter)
	g.POST("/bookings/:id/checkout", h.Checkout, limiter)
}
