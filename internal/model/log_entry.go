package model

import (
	"encoding/json"
	"time"
)

// Actions recorded in the activity log.
const (
	ActionEntitlementCreated  = "ENTITLEMENT_CREATED"
	ActionEntitlementReset    = "ENTITLEMENT_RESET"
	ActionEntitlementAdjusted = "ENTITLEMENT_ADJUSTED"
	ActionBalanceDeducted     = "BALANCE_DEDUCTED"
	ActionBalanceRefunded     = "BALANCE_REFUNDED"
	ActionBookingCreated      = "BOOKING_CREATED"
	ActionBookingDenied       = "BOOKING_DENIED"
	ActionBookingApproved     = "BOOKING_APPROVED"
	ActionBookingRejected     = "BOOKING_REJECTED"
	ActionBookingDelivered    = "BOOKING_DELIVERED"
	ActionPaymentReconciled   = "PAYMENT_RECONCILED"
	ActionPaymentRetried      = "PAYMENT_RETRIED"
	ActionReconciliationDup   = "RECONCILIATION_DUPLICATE"
)

// Entity types referenced by log entries.
const (
	EntityEntitlement = "ENTITLEMENT"
	EntityBooking     = "BOOKING"
)

// LogEntry is one row of the append-only `activity_logs` table.  Rows are
// written in the same transaction as the mutation they describe and are
// never updated or deleted.
type LogEntry struct {
	ID         uint64          `json:"id"`          // activity_logs.id
	OccurredAt time.Time       `json:"occurred_at"` // activity_logs.occurred_at
	ActorID    uint64          `json:"actor_id"`    // activity_logs.actor_id (0 for system actors)
	ActorRole  string          `json:"actor_role"`  // activity_logs.actor_role
	Action     string          `json:"action"`      // activity_logs.action
	EntityType string          `json:"entity_type"` // activity_logs.entity_type
	EntityID   uint64          `json:"entity_id"`   // activity_logs.entity_id
	Metadata   json.RawMessage `json:"metadata"`    // activity_logs.metadata
}
