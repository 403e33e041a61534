package handler

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/iliyamo/cylinder-booking/internal/ledger"
	"github.com/iliyamo/cylinder-booking/internal/middleware"
)

// statusFor maps domain errors to an HTTP status and a stable error code.
func statusFor(err error) (int, string) {
	var verr validator.ValidationErrors
	var herr *echo.HTTPError
	switch {
	case errors.Is(err, ledger.ErrInsufficientBalance):
		return http.StatusConflict, "insufficient_balance"
	case errors.Is(err, ledger.ErrInvalidTransition):
		return http.StatusConflict, "invalid_transition"
	case errors.Is(err, ledger.ErrInvalidRequest), errors.As(err, &verr):
		return http.StatusBadRequest, "invalid_request"
	case errors.Is(err, ledger.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, ledger.ErrUnauthorized):
		return http.StatusForbidden, "forbidden"
	case errors.Is(err, ledger.ErrDuplicateReconciliation):
		return http.StatusOK, "duplicate"
	case errors.As(err, &herr) && herr.Code < http.StatusInternalServerError:
		return herr.Code, "invalid_request"
	}
	return http.StatusInternalServerError, "internal_error"
}

// respondError writes err as {"error": code, "reason": text}.  Unexpected
// errors are logged and their text is not returned to the client.
func respondError(c echo.Context, logger *zap.Logger, err error) error {
	status, code := statusFor(err)
	switch status {
	case http.StatusInternalServerError:
		logger.Error("request failed",
			zap.String("method", c.Request().Method),
			zap.String("path", c.Path()),
			zap.Error(err))
		return c.JSON(status, echo.Map{"error": code})
	case http.StatusOK:
		return c.JSON(status, echo.Map{"duplicate": true})
	}
	reason := ledger.Reason(err)
	var herr *echo.HTTPError
	if errors.As(err, &herr) {
		reason = "malformed request body"
	}
	return c.JSON(status, echo.Map{"error": code, "reason": reason})
}

// getActor returns the caller placed in the context by the JWT middleware.
func getActor(c echo.Context) (ledger.Actor, error) {
	a, ok := middleware.Actor(c)
	if !ok {
		return ledger.Actor{}, errors.New("no authenticated user in context")
	}
	return a, nil
}

// pathID parses a positive numeric path parameter.
func pathID(c echo.Context, name string) (uint64, error) {
	id, err := strconv.ParseUint(c.Param(name), 10, 64)
	if err != nil || id == 0 {
		return 0, &ledger.Denial{Err: ledger.ErrInvalidRequest, Reason: "invalid " + name}
	}
	return id, nil
}

func unauthorized(c echo.Context) error {
	return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized"})
}
