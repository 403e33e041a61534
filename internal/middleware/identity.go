package middleware

import (
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/cylinder-booking/internal/ledger"
)

// Context keys set by JWTAuth.
const (
	ctxUserID = "user_id"
	ctxRole   = "role"
)

// Actor returns the authenticated caller stored by JWTAuth.
func Actor(c echo.Context) (ledger.Actor, bool) {
	id, ok := c.Get(ctxUserID).(uint64)
	if !ok || id == 0 {
		return ledger.Actor{}, false
	}
	role, ok := c.Get(ctxRole).(ledger.Role)
	if !ok {
		return ledger.Actor{}, false
	}
	return ledger.Actor{ID: id, Role: role}, true
}

// SetActor stores a caller in the context.  Tests use it to bypass JWTAuth.
func SetActor(c echo.Context, a ledger.Actor) {
	c.Set(ctxUserID, a.ID)
	c.Set(ctxRole, a.Role)
}

// currentUserID identifies the caller for rate limiting.  Unauthenticated
// requests share the "anon" bucket of their key.
func currentUserID(c echo.Context) string {
	if a, ok := Actor(c); ok {
		return strconv.FormatUint(a.ID, 10)
	}
	return "anon"
}
