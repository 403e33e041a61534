package router

import (
	"github.com/labstack/echo/v4"

	"github.com/iliyamo/cylinder-booking/internal/handler"
	"github.com/iliyamo/cylinder-booking/internal/ledger"
	"github.com/iliyamo/cylinder-booking/internal/middleware"
)

// RegisterAdmin registers agency endpoints under /v1/admin.  All routes
// require the ADMIN role.
func RegisterAdmin(e *echo.Echo, h *handler.AdminHandler, jwtSecret string) {
	g := e.Group(
		"/v1/admin",
		middleware.JWTAuth(jwtSecret),
		middleware.RequireRole(ledger.RoleAdmin),
	)
	g.GET("/bookings", h.ListBookings)
	g.GET("/bookings/:id/history", h.BookingHistory)
	g.POST("/bookings/:id/approve", h.Approve)
	g.POST("/bookings/:id/reject", h.Reject)
	g.POST("/bookings/:id/deliver", h.Deliver)
	g.POST("/bookings/:id/mark-paid", h.MarkPaid)
	g.POST("/bookings/:id/mark-failed", h.MarkFailed)

	g.GET("/customers/:id/entitlement", h.Entitlement)
	g.GET("/customers/:id/entitlement/history", h.EntitlementHistory)
	g.POST("/customers/:id/entitlement/adjust", h.Adjust)
	g.POST("/customers/:id/entitlement/reset", h.Reset)
}

// RegisterWebhook registers the payment gateway callback.  It carries no
// JWT; the handler verifies events with the gateway instead.
func RegisterWebhook(e *echo.Echo, h *handler.WebhookHandler) {
	e.POST("/v1/payments/webhook", h.Handle)
}
