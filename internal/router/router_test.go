package router_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iliyamo/cylinder-booking/internal/config"
	"github.com/iliyamo/cylinder-booking/internal/handler"
	"github.com/iliyamo/cylinder-booking/internal/ledger"
	"github.com/iliyamo/cylinder-booking/internal/repository/memory"
	"github.com/iliyamo/cylinder-booking/internal/router"
	"github.com/iliyamo/cylinder-booking/internal/service"
)

const secret = "router-test-secret"

type stubGateway struct {
	charge *service.ChargeResult
	events map[string]*service.ChargeResult
}

func (g *stubGateway) Charge(_ context.Context, req service.ChargeRequest) (*service.ChargeResult, error) {
	res := *g.charge
	res.OrderRef = req.OrderRef
	return &res, nil
}

func (g *stubGateway) VerifyEvent(_ context.Context, id string) (*service.ChargeResult, error) {
	ev, ok := g.events[id]
	if !ok {
		return nil, errors.New("no such event")
	}
	return ev, nil
}

type api struct {
	t       *testing.T
	e       *echo.Echo
	gateway *stubGateway
}

func newAPI(t *testing.T) *api {
	t.Helper()
	cfg := config.Config{
		JWTSecret:       secret,
		AccessTTLMin:    15,
		RefreshTTLDays:  1,
		BcryptCost:      4,
		AdminInviteCode: "let-me-in",
	}
	store := memory.New()
	gw := &stubGateway{
		charge: &service.ChargeResult{ChargeID: "chrg_1", Status: service.ChargeSuccessful},
		events: map[string]*service.ChargeResult{},
	}
	svc := service.NewLedger(store, ledger.DefaultPolicy(), nil,
		service.WithGateway(gw, service.CheckoutConfig{PricePerCylinder: 90000, Currency: "thb", Timeout: time.Second}))

	e := echo.New()
	e.Validator = handler.NewValidator()
	passThrough := func(next echo.HandlerFunc) echo.HandlerFunc { return next }
	router.RegisterRoutes(e)
	router.RegisterAuth(e, handler.NewAuthHandler(cfg, store.Users(), store.Tokens(), svc, nil), secret)
	router.RegisterCustomer(e, handler.NewBookingHandler(svc, nil), secret, passThrough)
	router.RegisterAdmin(e, handler.NewAdminHandler(svc, nil), secret)
	router.RegisterWebhook(e, handler.NewWebhookHandler(svc, nil))
	return &api{t: t, e: e, gateway: gw}
}

func (a *api) do(method, path, token string, body any) (*httptest.ResponseRecorder, map[string]any) {
	a.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(a.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	a.e.ServeHTTP(rec, req)
	out := map[string]any{}
	_ = json.Unmarshal(rec.Body.Bytes(), &out)
	return rec, out
}

func (a *api) register(email, role string) (string, uint64) {
	a.t.Helper()
	body := map[string]any{"email": email, "password": "s3cret-pass", "role": role}
	if role == "ADMIN" {
		body["invite_code"] = "let-me-in"
	}
	rec, out := a.do(http.MethodPost, "/v1/auth/register", "", body)
	require.Equal(a.t, http.StatusCreated, rec.Code, rec.Body.String())
	access := out["access"].(map[string]any)["token"].(string)
	id := uint64(out["user"].(map[string]any)["id"].(float64))
	return access, id
}

func tomorrow() string {
	return time.Now().UTC().Add(24 * time.Hour).Format(time.DateOnly)
}

func booking(count int, method string) map[string]any {
	return map[string]any{
		"cylinder_count":   count,
		"delivery_address": "12 Canal Road",
		"delivery_date":    tomorrow(),
		"payment_method":   method,
	}
}

func TestHealthAndMetrics(t *testing.T) {
	a := newAPI(t)
	rec, _ := a.do(http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec, _ = a.do(http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRegisterCreatesEntitlement(t *testing.T) {
	a := newAPI(t)
	token, id := a.register("ann@example.com", "CUSTOMER")

	rec, out := a.do(http.MethodGet, "/v1/entitlement", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	ent := out["entitlement"].(map[string]any)
	assert.EqualValues(t, 12, ent["balance"])
	assert.EqualValues(t, id, ent["customer_id"])

	rec, out = a.do(http.MethodGet, "/v1/me", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "CUSTOMER", out["role"])

	rec, _ = a.do(http.MethodPost, "/v1/auth/register", "", map[string]any{"email": "ann@example.com", "password": "s3cret-pass"})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestAdminRegistrationNeedsInvite(t *testing.T) {
	a := newAPI(t)
	rec, _ := a.do(http.MethodPost, "/v1/auth/register", "", map[string]any{
		"email": "boss@example.com", "password": "s3cret-pass", "role": "ADMIN", "invite_code": "wrong",
	})
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestCODBookingLifecycle(t *testing.T) {
	a := newAPI(t)
	customer, _ := a.register("ann@example.com", "CUSTOMER")
	admin, _ := a.register("boss@example.com", "ADMIN")

	rec, out := a.do(http.MethodPost, "/v1/bookings", customer, booking(2, "COD"))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	id := uint64(out["id"].(float64))
	assert.Equal(t, true, out["deducted"])

	_, out = a.do(http.MethodGet, "/v1/entitlement", customer, nil)
	assert.EqualValues(t, 10, out["entitlement"].(map[string]any)["balance"])

	// Delivering before approval and payment is refused.
	rec, out = a.do(http.MethodPost, fmt.Sprintf("/v1/admin/bookings/%d/deliver", id), admin, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "invalid_transition", out["error"])

	for _, step := range []string{"approve", "mark-paid", "deliver"} {
		rec, _ = a.do(http.MethodPost, fmt.Sprintf("/v1/admin/bookings/%d/%s", id, step), admin, map[string]any{})
		require.Equal(t, http.StatusOK, rec.Code, "%s: %s", step, rec.Body.String())
	}
	rec, out = a.do(http.MethodGet, fmt.Sprintf("/v1/bookings/%d", id), customer, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "DELIVERED", out["booking_status"])
	assert.Equal(t, "SUCCESS", out["payment_status"])

	rec, out = a.do(http.MethodPost, fmt.Sprintf("/v1/admin/bookings/%d/mark-paid", id), admin, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, out["duplicate"])

	rec, out = a.do(http.MethodGet, fmt.Sprintf("/v1/admin/bookings/%d/history", id), admin, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, out["items"])
}

func TestInsufficientBalanceIsConflict(t *testing.T) {
	a := newAPI(t)
	customer, id := a.register("ann@example.com", "CUSTOMER")
	admin, _ := a.register("boss@example.com", "ADMIN")

	rec, _ := a.do(http.MethodPost, fmt.Sprintf("/v1/admin/customers/%d/entitlement/adjust", id), admin, map[string]any{"delta": -11})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec, out := a.do(http.MethodPost, "/v1/bookings", customer, booking(2, "COD"))
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "insufficient_balance", out["error"])
	assert.Contains(t, out["reason"], "balance 1")

	rec, out = a.do(http.MethodPost, fmt.Sprintf("/v1/admin/customers/%d/entitlement/reset", id), admin, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 12, out["balance"])
}

func TestValidationErrors(t *testing.T) {
	a := newAPI(t)
	customer, _ := a.register("ann@example.com", "CUSTOMER")

	bad := booking(9, "COD")
	rec, out := a.do(http.MethodPost, "/v1/bookings", customer, bad)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_request", out["error"])

	bad = booking(1, "CHEQUE")
	rec, _ = a.do(http.MethodPost, "/v1/bookings", customer, bad)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = a.do(http.MethodGet, "/v1/bookings/abc", customer, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRoleAndOwnershipChecks(t *testing.T) {
	a := newAPI(t)
	ann, _ := a.register("ann@example.com", "CUSTOMER")
	bob, _ := a.register("bob@example.com", "CUSTOMER")

	rec, out := a.do(http.MethodPost, "/v1/bookings", ann, booking(1, "GATEWAY"))
	require.Equal(t, http.StatusCreated, rec.Code)
	id := uint64(out["id"].(float64))

	rec, _ = a.do(http.MethodGet, fmt.Sprintf("/v1/bookings/%d", id), bob, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec, _ = a.do(http.MethodPost, fmt.Sprintf("/v1/admin/bookings/%d/approve", id), ann, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec, _ = a.do(http.MethodGet, "/v1/bookings", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec, out = a.do(http.MethodGet, "/v1/bookings", bob, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, out["items"])
}

func TestCheckoutAndWebhook(t *testing.T) {
	a := newAPI(t)
	customer, _ := a.register("ann@example.com", "CUSTOMER")

	rec, out := a.do(http.MethodPost, "/v1/bookings", customer, booking(3, "GATEWAY"))
	require.Equal(t, http.StatusCreated, rec.Code)
	first := uint64(out["id"].(float64))

	rec, out = a.do(http.MethodPost, fmt.Sprintf("/v1/bookings/%d/checkout", first), customer, map[string]any{"card_token": "tokn_1"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "SUCCESS", out["booking"].(map[string]any)["payment_status"])

	rec, out = a.do(http.MethodPost, "/v1/bookings", customer, booking(1, "GATEWAY"))
	require.Equal(t, http.StatusCreated, rec.Code)
	second := uint64(out["id"].(float64))
	orderRef := out["order_ref"].(string)

	a.gateway.events["evnt_1"] = &service.ChargeResult{ChargeID: "chrg_2", OrderRef: orderRef, Status: service.ChargeSuccessful}
	rec, out = a.do(http.MethodPost, "/v1/payments/webhook", "", map[string]any{"id": "evnt_1", "key": "charge.complete"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, false, out["duplicate"])

	rec, out = a.do(http.MethodPost, "/v1/payments/webhook", "", map[string]any{"id": "evnt_1", "key": "charge.complete"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, out["duplicate"])

	rec, out = a.do(http.MethodGet, fmt.Sprintf("/v1/bookings/%d", second), customer, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "SUCCESS", out["payment_status"])

	_, out = a.do(http.MethodGet, "/v1/entitlement", customer, nil)
	assert.EqualValues(t, 8, out["entitlement"].(map[string]any)["balance"])

	rec, _ = a.do(http.MethodPost, "/v1/payments/webhook", "", map[string]any{"id": "evnt_unknown"})
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	rec, _ = a.do(http.MethodPost, "/v1/payments/webhook", "", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRefreshAndLogout(t *testing.T) {
	a := newAPI(t)
	rec, out := a.do(http.MethodPost, "/v1/auth/register", "", map[string]any{"email": "ann@example.com", "password": "s3cret-pass"})
	require.Equal(t, http.StatusCreated, rec.Code)
	refresh := out["refresh"].(map[string]any)["token"].(string)

	rec, out = a.do(http.MethodPost, "/v1/auth/refresh", "", map[string]any{"refresh_token": refresh})
	require.Equal(t, http.StatusOK, rec.Code)
	rotated := out["refresh"].(map[string]any)["token"].(string)

	rec, _ = a.do(http.MethodPost, "/v1/auth/refresh", "", map[string]any{"refresh_token": refresh})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec, _ = a.do(http.MethodPost, "/v1/auth/logout", "", map[string]any{"refresh_token": rotated})
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec, _ = a.do(http.MethodPost, "/v1/auth/login", "", map[string]any{"email": "ann@example.com", "password": "wrong-pass"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	rec, _ = a.do(http.MethodPost, "/v1/auth/login", "", map[string]any{"email": "ANN@example.com", "password": "s3cret-pass"})
	assert.Equal(t, http.StatusOK, rec.Code)
}
