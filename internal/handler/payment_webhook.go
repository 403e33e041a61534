package handler

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/iliyamo/cylinder-booking/internal/service"
)

// WebhookHandler receives gateway callbacks.  The body is not trusted: only
// the event id is read, and the event is fetched back from the gateway
// before anything is reconciled.
type WebhookHandler struct {
	Ledger *service.Ledger
	Logger *zap.Logger
}

func NewWebhookHandler(l *service.Ledger, logger *zap.Logger) *WebhookHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WebhookHandler{Ledger: l, Logger: logger.Named("webhook")}
}

type incomingEvent struct {
	ID  string `json:"id"`
	Key string `json:"key"`
}

// Handle serves POST /v1/payments/webhook.  Unknown or irrelevant events
// are acknowledged with 200 so the gateway stops retrying them; failures
// to verify or apply return 5xx so it retries later.
func (h *WebhookHandler) Handle(c echo.Context) error {
	var inc incomingEvent
	if err := c.Bind(&inc); err != nil || strings.TrimSpace(inc.ID) == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "bad request"})
	}
	res, err := h.Ledger.HandleGatewayEvent(c.Request().Context(), inc.ID)
	if err != nil {
		h.Logger.Warn("webhook not applied", zap.String("event_id", inc.ID), zap.String("key", inc.Key), zap.Error(err))
		status, _ := statusFor(err)
		if status == http.StatusNotFound {
			// A charge for a booking we do not know; retrying will not help.
			return c.JSON(http.StatusOK, echo.Map{"ignored": true})
		}
		return respondError(c, h.Logger, err)
	}
	if res == nil {
		return c.JSON(http.StatusOK, echo.Map{"ignored": true})
	}
	return c.JSON(http.StatusOK, res)
}
