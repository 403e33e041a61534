package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iliyamo/cylinder-booking/internal/config"
	"github.com/iliyamo/cylinder-booking/internal/ledger"
	"github.com/iliyamo/cylinder-booking/internal/utils"
)

const secret = "test-secret"

func serve(t *testing.T, token string, mw ...echo.MiddlewareFunc) *httptest.ResponseRecorder {
	t.Helper()
	e := echo.New()
	e.GET("/who", func(c echo.Context) error {
		a, ok := Actor(c)
		if !ok {
			return c.NoContent(http.StatusTeapot)
		}
		return c.JSON(http.StatusOK, echo.Map{"id": a.ID, "role": a.Role})
	}, mw...)
	req := httptest.NewRequest(http.MethodGet, "/who", nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func token(t *testing.T, id uint64, role string) string {
	t.Helper()
	at, err := utils.NewAccessToken(secret, id, role, 5)
	require.NoError(t, err)
	return at.Token
}

func TestJWTAuth(t *testing.T) {
	rec := serve(t, token(t, 42, "CUSTOMER"), JWTAuth(secret))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"id":42,"role":"CUSTOMER"}`, rec.Body.String())

	assert.Equal(t, http.StatusUnauthorized, serve(t, "", JWTAuth(secret)).Code)
	assert.Equal(t, http.StatusUnauthorized, serve(t, "garbage", JWTAuth(secret)).Code)
	assert.Equal(t, http.StatusUnauthorized, serve(t, token(t, 1, "GATEWAY"), JWTAuth(secret)).Code)
	assert.Equal(t, http.StatusUnauthorized, serve(t, token(t, 1, "OWNER"), JWTAuth(secret)).Code)
}

func TestRequireRole(t *testing.T) {
	admin := token(t, 1, "ADMIN")
	customer := token(t, 2, "CUSTOMER")
	only := RequireRole(ledger.RoleAdmin)

	assert.Equal(t, http.StatusOK, serve(t, admin, JWTAuth(secret), only).Code)
	assert.Equal(t, http.StatusForbidden, serve(t, customer, JWTAuth(secret), only).Code)
	assert.Equal(t, http.StatusForbidden, serve(t, "", only).Code)
}

func TestBuildRateKey(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/v1/bookings", nil)
	req.Header.Set(echo.HeaderXRealIP, "10.0.0.1")
	c := e.NewContext(req, httptest.NewRecorder())
	c.SetPath("/v1/bookings")

	cfg := config.RateLimitConfig{Prefix: "cyl:rl", KeyStrategy: "user_route"}
	assert.Equal(t, "cyl:rl:user:anon:route:POST /v1/bookings", buildRateKey(cfg, c))

	SetActor(c, ledger.Actor{ID: 9, Role: ledger.RoleCustomer})
	assert.Equal(t, "cyl:rl:user:9:route:POST /v1/bookings", buildRateKey(cfg, c))

	cfg.KeyStrategy = "ip"
	assert.Equal(t, "cyl:rl:ip:10.0.0.1", buildRateKey(cfg, c))
}

func TestTokenBucketDisabledPassesThrough(t *testing.T) {
	mw := NewTokenBucket(config.RateLimitConfig{Enabled: true}, nil, nil)
	rec := serve(t, token(t, 3, "CUSTOMER"), JWTAuth(secret), mw)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Header().Get("X-RateLimit-Limit"))
}

func TestRetryAfterSeconds(t *testing.T) {
	assert.Equal(t, 0, retryAfterSeconds(-5))
	assert.Equal(t, 1, retryAfterSeconds(1))
	assert.Equal(t, 3, retryAfterSeconds(2500))
	assert.Equal(t, int64(7), asInt64("7"))
	assert.Equal(t, int64(2), asInt64(float64(2)))
}
