// Package queue defines message payloads exchanged over the message broker
// together with the RabbitMQ publisher and consumer that carry them.
package queue

import (
	"time"

	"github.com/iliyamo/cylinder-booking/internal/model"
)

// DefaultQueue is the durable queue carrying balance notifications.
const DefaultQueue = "cylinder.balance_changed"

// BalanceChangedEvent is published after every committed change to a
// customer's entitlement.  It carries enough for a downstream mailer to tell
// the customer their new balance without querying the primary database.
type BalanceChangedEvent struct {
	CustomerID uint64 `json:"customer_id"`
	BookingID  uint64 `json:"booking_id,omitempty"`
	Action     string `json:"action"`
	NewBalance int    `json:"new_balance"`
	Expiry     string `json:"expiry"`      // RFC 3339, UTC
	OccurredAt string `json:"occurred_at"` // RFC 3339, UTC
}

// NewBalanceChangedEvent converts a ledger notification into its wire form.
func NewBalanceChangedEvent(n model.BalanceNotification) BalanceChangedEvent {
	return BalanceChangedEvent{
		CustomerID: n.CustomerID,
		BookingID:  n.BookingID,
		Action:     n.Action,
		NewBalance: n.NewBalance,
		Expiry:     n.Expiry.UTC().Format(time.RFC3339),
		OccurredAt: n.OccurredAt.UTC().Format(time.RFC3339),
	}
}
