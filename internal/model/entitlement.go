package model

import "time"

// Entitlement is a customer's yearly cylinder allowance as stored in the
// `entitlements` table.  There is exactly one row per customer; it is
// created at registration and never deleted.
//
// Fields:
//  CustomerID – primary key, the owning user's id.
//  Balance    – cylinders still available in the current period (>= 0).
//  Expiry     – end of the current period; at or after this instant the
//               balance is reset on the next booking.
//  CreatedAt  – creation timestamp.
//  UpdatedAt  – last update timestamp.
type Entitlement struct {
	CustomerID uint64    `json:"customer_id"` // entitlements.customer_id
	Balance    int       `json:"balance"`     // entitlements.balance
	Expiry     time.Time `json:"expiry"`      // entitlements.expiry
	CreatedAt  time.Time `json:"created_at"`  // entitlements.created_at
	UpdatedAt  time.Time `json:"updated_at"`  // entitlements.updated_at
}

// Expired reports whether the entitlement period has ended at now.
func (e Entitlement) Expired(now time.Time) bool {
	return !e.Expiry.After(now)
}
