package middleware

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/cylinder-booking/internal/ledger"
)

// RequireRole aborts with 403 unless the authenticated caller has one of
// roles.  It must run after JWTAuth.  Fine-grained checks still happen in
// the service through ledger.Authorize; this only keeps whole route groups
// out of reach.
func RequireRole(roles ...ledger.Role) echo.MiddlewareFunc {
	allowed := make(map[ledger.Role]bool, len(roles))
	for _, r := range roles {
		allowed[r] = true
	}
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			actor, ok := Actor(c)
			if !ok || !allowed[actor.Role] {
				return c.JSON(http.StatusForbidden, echo.Map{"error": "forbidden"})
			}
			return next(c)
		}
	}
}
