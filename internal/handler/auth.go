package handler

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/iliyamo/cylinder-booking/internal/config"
	"github.com/iliyamo/cylinder-booking/internal/ledger"
	"github.com/iliyamo/cylinder-booking/internal/model"
	"github.com/iliyamo/cylinder-booking/internal/repository"
	"github.com/iliyamo/cylinder-booking/internal/service"
	"github.com/iliyamo/cylinder-booking/internal/utils"
)

// UserStore persists accounts.  Both the MySQL and the in-memory stores
// implement it.
type UserStore interface {
	Create(ctx context.Context, email, password, role string, cost int) (uint64, error)
	GetByEmail(ctx context.Context, email string) (model.User, error)
	GetByID(ctx context.Context, id uint64) (model.User, error)
	Delete(ctx context.Context, id uint64) error
}

// TokenStore persists hashed refresh tokens.
type TokenStore interface {
	StoreRefresh(ctx context.Context, userID uint64, tokenHash string, exp time.Time) error
	ValidateRefresh(ctx context.Context, tokenHash string) (uint64, error)
	RevokeByHash(ctx context.Context, tokenHash string) error
	RevokeAllForUser(ctx context.Context, userID uint64) error
}

// AuthHandler bundles dependencies for auth endpoints.
type AuthHandler struct {
	Cfg    config.Config
	Users  UserStore
	Tokens TokenStore
	Ledger *service.Ledger
	Logger *zap.Logger
}

func NewAuthHandler(cfg config.Config, u UserStore, t TokenStore, l *service.Ledger, logger *zap.Logger) *AuthHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AuthHandler{Cfg: cfg, Users: u, Tokens: t, Ledger: l, Logger: logger.Named("auth")}
}

// ----- DTOs -----

type registerReq struct {
	Email      string `json:"email" validate:"required,email"`
	Password   string `json:"password" validate:"required"`
	Role       string `json:"role"` // CUSTOMER | ADMIN
	InviteCode string `json:"invite_code"`
}
type loginReq struct {
	Email    string `json:"email" validate:"required"`
	Password string `json:"password" validate:"required"`
}
type refreshReq struct {
	RefreshToken string `json:"refresh_token"`
}

type tokenPart struct {
	Token   string    `json:"token"`
	Expires time.Time `json:"expires"`
}
type userPart struct {
	ID    uint64 `json:"id"`
	Email string `json:"email"`
	Role  string `json:"role"`
}
type authResp struct {
	User        userPart           `json:"user"`
	Access      tokenPart          `json:"access"`
	Refresh     tokenPart          `json:"refresh"`
	Entitlement *model.Entitlement `json:"entitlement,omitempty"`
}

// Register creates the account and returns tokens immediately.  Customers
// get their entitlement in the same request; if that fails the account is
// removed again so the customer can retry.
func (h *AuthHandler) Register(c echo.Context) error {
	var req registerReq
	if err := bindValidate(c, &req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "email/password required"})
	}
	req.Email = strings.ToLower(strings.TrimSpace(req.Email))
	if len(req.Password) < utils.MinPasswordLength {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": utils.ErrWeakPassword.Error()})
	}
	role := ledger.RoleCustomer
	if strings.EqualFold(strings.TrimSpace(req.Role), string(ledger.RoleAdmin)) {
		if !h.validInvite(req.InviteCode) {
			return c.JSON(http.StatusForbidden, echo.Map{"error": "invalid invite code"})
		}
		role = ledger.RoleAdmin
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	uid, err := h.Users.Create(ctx, req.Email, req.Password, string(role), h.Cfg.BcryptCost)
	if err != nil {
		if errors.Is(err, repository.ErrEmailExists) {
			return c.JSON(http.StatusConflict, echo.Map{"error": "email already exists"})
		}
		h.Logger.Error("create user failed", zap.Error(err))
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "create user failed"})
	}

	var ent *model.Entitlement
	if role == ledger.RoleCustomer {
		ent, err = h.Ledger.RegisterCustomer(ctx, ledger.Actor{ID: uid, Role: role}, uid)
		if err != nil {
			h.Logger.Error("create entitlement failed", zap.Uint64("user_id", uid), zap.Error(err))
			if derr := h.Users.Delete(ctx, uid); derr != nil {
				h.Logger.Error("rollback user failed", zap.Uint64("user_id", uid), zap.Error(derr))
			}
			return c.JSON(http.StatusInternalServerError, echo.Map{"error": "create entitlement failed"})
		}
	}

	resp, err := h.issue(ctx, uid, req.Email, string(role))
	if err != nil {
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": err.Error()})
	}
	resp.Entitlement = ent
	h.Logger.Info("user registered", zap.Uint64("user_id", uid), zap.String("role", string(role)))
	return c.JSON(http.StatusCreated, resp)
}

func (h *AuthHandler) validInvite(code string) bool {
	want := h.Cfg.AdminInviteCode
	if want == "" || code == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(want), []byte(code)) == 1
}

// Login verifies credentials and returns a new token pair.
func (h *AuthHandler) Login(c echo.Context) error {
	var req loginReq
	if err := bindValidate(c, &req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "email/password required"})
	}
	req.Email = strings.ToLower(strings.TrimSpace(req.Email))

	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	u, err := h.Users.GetByEmail(ctx, req.Email)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			return c.JSON(http.StatusUnauthorized, echo.Map{"error": "invalid credentials"})
		}
		h.Logger.Error("load user failed", zap.Error(err))
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "query failed"})
	}
	if !u.IsActive || !utils.VerifyPassword(u.PasswordHash, req.Password) {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "invalid credentials"})
	}

	resp, err := h.issue(ctx, u.ID, u.Email, u.Role)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, resp)
}

// Refresh validates a refresh token by hash, revokes it and issues a new
// pair.
func (h *AuthHandler) Refresh(c echo.Context) error {
	var req refreshReq
	if err := c.Bind(&req); err != nil || strings.TrimSpace(req.RefreshToken) == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "refresh_token required"})
	}
	hash := utils.HashRefreshRaw(strings.TrimSpace(req.RefreshToken))

	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	userID, err := h.Tokens.ValidateRefresh(ctx, hash)
	if err != nil {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "invalid refresh"})
	}
	_ = h.Tokens.RevokeByHash(ctx, hash)

	u, err := h.Users.GetByID(ctx, userID)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			return c.JSON(http.StatusUnauthorized, echo.Map{"error": "invalid refresh"})
		}
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "load user failed"})
	}
	resp, err := h.issue(ctx, u.ID, u.Email, u.Role)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, resp)
}

// Logout revokes one refresh token when the body carries it, otherwise
// every refresh token of the bearer's user.
func (h *AuthHandler) Logout(c echo.Context) error {
	var uid uint64
	if auth := c.Request().Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		if claims, err := utils.ParseAccessToken(h.Cfg.JWTSecret, strings.TrimPrefix(auth, "Bearer ")); err == nil {
			uid = claims.UserID
		}
	}
	var req refreshReq
	_ = c.Bind(&req)
	refreshToken := strings.TrimSpace(req.RefreshToken)

	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	switch {
	case refreshToken != "":
		hash := utils.HashRefreshRaw(refreshToken)
		if _, err := h.Tokens.ValidateRefresh(ctx, hash); err != nil {
			return c.JSON(http.StatusUnauthorized, echo.Map{"error": "invalid refresh token"})
		}
		if err := h.Tokens.RevokeByHash(ctx, hash); err != nil {
			return c.JSON(http.StatusInternalServerError, echo.Map{"error": "logout failed"})
		}
		return c.NoContent(http.StatusNoContent)
	case uid != 0:
		if err := h.Tokens.RevokeAllForUser(ctx, uid); err != nil {
			return c.JSON(http.StatusInternalServerError, echo.Map{"error": "logout failed"})
		}
		return c.NoContent(http.StatusNoContent)
	}
	return c.JSON(http.StatusBadRequest, echo.Map{"error": "provide Authorization header or refresh_token"})
}

// Me returns the authenticated account.
func (h *AuthHandler) Me(c echo.Context) error {
	actor, err := getActor(c)
	if err != nil {
		return unauthorized(c)
	}
	u, err := h.Users.GetByID(c.Request().Context(), actor.ID)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			return unauthorized(c)
		}
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "load user failed"})
	}
	return c.JSON(http.StatusOK, userPart{ID: u.ID, Email: u.Email, Role: u.Role})
}

// issue creates an access token and a stored refresh token for the user.
func (h *AuthHandler) issue(ctx context.Context, id uint64, email, role string) (authResp, error) {
	access, err := utils.NewAccessToken(h.Cfg.JWTSecret, id, role, h.Cfg.AccessTTLMin)
	if err != nil {
		return authResp{}, errors.New("issue access failed")
	}
	refresh, err := utils.NewRefreshToken(h.Cfg.RefreshTTLDays)
	if err != nil {
		return authResp{}, errors.New("issue refresh failed")
	}
	if err := h.Tokens.StoreRefresh(ctx, id, utils.HashRefreshRaw(refresh.Raw), refresh.Exp); err != nil {
		h.Logger.Error("save refresh failed", zap.Uint64("user_id", id), zap.Error(err))
		return authResp{}, errors.New("save refresh failed")
	}
	return authResp{
		User:    userPart{ID: id, Email: email, Role: role},
		Access:  tokenPart{Token: access.Token, Expires: access.Exp},
		Refresh: tokenPart{Token: refresh.Raw, Expires: refresh.Exp},
	}, nil
}
