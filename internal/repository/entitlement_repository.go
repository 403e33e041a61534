package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/iliyamo/cylinder-booking/internal/ledger"
	"github.com/iliyamo/cylinder-booking/internal/model"
)

// EntitlementRepo reads and writes the entitlements table.  Mutations are
// only offered in transaction form: callers lock the row with LockTx first.
type EntitlementRepo struct {
	db *sql.DB
}

func NewEntitlementRepo(db *sql.DB) *EntitlementRepo { return &EntitlementRepo{db: db} }

const entitlementColumns = `customer_id, balance, expiry, created_at, updated_at`

// GetByCustomer returns the entitlement without locking it.
func (r *EntitlementRepo) GetByCustomer(ctx context.Context, customerID uint64) (*model.Entitlement, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+entitlementColumns+` FROM entitlements WHERE customer_id = ?`, customerID)
	return scanEntitlement(row, customerID)
}

// LockTx selects the entitlement FOR UPDATE so that concurrent bookings for
// the same customer queue behind tx.
func (r *EntitlementRepo) LockTx(ctx context.Context, tx *sql.Tx, customerID uint64) (*model.Entitlement, error) {
	row := tx.QueryRowContext(ctx,
		`SELECT `+entitlementColumns+` FROM entitlements WHERE customer_id = ? FOR UPDATE`, customerID)
	return scanEntitlement(row, customerID)
}

// CreateTx inserts a new entitlement row.
func (r *EntitlementRepo) CreateTx(ctx context.Context, tx *sql.Tx, ent *model.Entitlement) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO entitlements (customer_id, balance, expiry, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		ent.CustomerID, ent.Balance, ent.Expiry, ent.CreatedAt, ent.UpdatedAt)
	if err != nil {
		if isDuplicateKey(err) {
			return ErrEntitlementExists
		}
		return fmt.Errorf("insert entitlement: %w", err)
	}
	return nil
}

// UpdateTx writes balance and expiry back.
func (r *EntitlementRepo) UpdateTx(ctx context.Context, tx *sql.Tx, ent *model.Entitlement) error {
	res, err := tx.ExecContext(ctx,
		`UPDATE entitlements SET balance = ?, expiry = ?, updated_at = ? WHERE customer_id = ?`,
		ent.Balance, ent.Expiry, ent.UpdatedAt, ent.CustomerID)
	if err != nil {
		return fmt.Errorf("update entitlement: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("entitlement %d: %w", ent.CustomerID, ledger.ErrNotFound)
	}
	return nil
}

func scanEntitlement(row *sql.Row, customerID uint64) (*model.Entitlement, error) {
	var e model.Entitlement
	err := row.Scan(&e.CustomerID, &e.Balance, &e.Expiry, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("entitlement %d: %w", customerID, ledger.ErrNotFound)
		}
		return nil, fmt.Errorf("select entitlement: %w", err)
	}
	return &e, nil
}
