package middleware

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/cylinder-booking/internal/ledger"
	"github.com/iliyamo/cylinder-booking/internal/utils"
)

// JWTAuth returns an Echo middleware that validates a Bearer access token
// and stores the caller in the request context.  Handlers read it with
// Actor(c).  Only CUSTOMER and ADMIN tokens are accepted; the gateway role
// is never issued to HTTP callers.
func JWTAuth(secret string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			auth := c.Request().Header.Get("Authorization")
			if !strings.HasPrefix(auth, "Bearer ") {
				return c.JSON(http.StatusUnauthorized, echo.Map{"error": "missing bearer token"})
			}
			claims, err := utils.ParseAccessToken(secret, strings.TrimPrefix(auth, "Bearer "))
			if err != nil {
				return c.JSON(http.StatusUnauthorized, echo.Map{"error": "invalid token"})
			}
			role, ok := ledger.ParseRole(claims.Role)
			if !ok || role == ledger.RoleGateway {
				return c.JSON(http.StatusUnauthorized, echo.Map{"error": "invalid claims"})
			}
			c.Set(ctxUserID, claims.UserID)
			c.Set(ctxRole, role)
			return next(c)
		}
	}
}
