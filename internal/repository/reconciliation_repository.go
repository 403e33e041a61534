package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// ReconciliationRepo records which payment outcomes have been applied.
type ReconciliationRepo struct {
	db *sql.DB
}

func NewReconciliationRepo(db *sql.DB) *ReconciliationRepo { return &ReconciliationRepo{db: db} }

// ClaimTx inserts key unless it exists and reports whether this call
// inserted it.  The row becomes visible to others only when tx commits,
// and a concurrent claim of the same key blocks on the primary key until
// then.
func (r *ReconciliationRepo) ClaimTx(ctx context.Context, tx *sql.Tx, key string, bookingID uint64, outcome string) (bool, error) {
	res, err := tx.ExecContext(ctx,
		`INSERT IGNORE INTO reconciliations (idempotency_key, booking_id, outcome, created_at) VALUES (?, ?, ?, ?)`,
		key, bookingID, outcome, time.Now().UTC())
	if err != nil {
		return false, fmt.Errorf("claim reconciliation: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}
