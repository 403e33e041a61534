package model

import "time"

// BalanceNotification is emitted after every balance-affecting change so
// that a downstream service can tell the customer.  BookingID is zero when
// the change did not come from a booking (admin override, registration).
type BalanceNotification struct {
	CustomerID uint64    `json:"customer_id"`
	BookingID  uint64    `json:"booking_id,omitempty"`
	Action     string    `json:"action"`
	NewBalance int       `json:"new_balance"`
	Expiry     time.Time `json:"expiry"`
	OccurredAt time.Time `json:"occurred_at"`
}
