// Package router registers the HTTP routes of the booking API.
package router

import (
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/iliyamo/cylinder-booking/internal/handler"
	"github.com/iliyamo/cylinder-booking/internal/ledger"
	"github.com/iliyamo/cylinder-booking/internal/middleware"
)

// RegisterRoutes registers the unauthenticated operational endpoints: the
// health check and the Prometheus scrape target.
func RegisterRoutes(e *echo.Echo) {
	e.GET("/healthz", handler.Health)
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
}

// RegisterAuth registers authentication routes.  Register, login, refresh
// and logout live under /v1/auth without a session; /v1/me needs a valid
// access token of any role.
func RegisterAuth(e *echo.Echo, a *handler.AuthHandler, jwtSecret string) {
	g := e.Group("/v1/auth")
	g.POST("/register", a.Register)
	g.POST("/login", a.Login)
	g.POST("/refresh", a.Refresh)
	// Logout accepts either a refresh token in the body or a bearer token.
	g.POST("/logout", a.Logout)

	auth := e.Group("/v1",
		middleware.JWTAuth(jwtSecret),
		middleware.RequireRole(ledger.RoleCustomer, ledger.RoleAdmin),
	)
	auth.GET("/me", a.Me)
}
