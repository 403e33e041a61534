package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/iliyamo/cylinder-booking/internal/model"
	"github.com/iliyamo/cylinder-booking/internal/service"
)

// Store is the MySQL ledger store.  Row locks taken by LockEntitlement and
// LockBooking are InnoDB record locks held until the transaction ends.
type Store struct {
	db              *sql.DB
	Entitlements    *EntitlementRepo
	Bookings        *BookingRepo
	Logs            *LogRepo
	Reconciliations *ReconciliationRepo
}

var _ service.Store = (*Store)(nil)

func NewStore(db *sql.DB) *Store {
	return &Store{
		db:              db,
		Entitlements:    NewEntitlementRepo(db),
		Bookings:        NewBookingRepo(db),
		Logs:            NewLogRepo(db),
		Reconciliations: NewReconciliationRepo(db),
	}
}

// WithinTx begins a transaction, runs fn and commits.  Any error from fn or
// from the commit rolls the transaction back.
func (s *Store) WithinTx(ctx context.Context, fn func(tx service.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()
	if err := fn(&sqlTx{s: s, tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	committed = true
	return nil
}

func (s *Store) GetEntitlement(ctx context.Context, customerID uint64) (*model.Entitlement, error) {
	return s.Entitlements.GetByCustomer(ctx, customerID)
}

func (s *Store) GetBooking(ctx context.Context, id uint64) (*model.Booking, error) {
	return s.Bookings.GetByID(ctx, id)
}

func (s *Store) GetBookingByOrderRef(ctx context.Context, orderRef string) (*model.Booking, error) {
	return s.Bookings.GetByOrderRef(ctx, orderRef)
}

func (s *Store) ListBookings(ctx context.Context, f service.BookingFilter) ([]model.Booking, error) {
	return s.Bookings.List(ctx, BookingQuery{
		CustomerID: f.CustomerID,
		Status:     f.Status,
		Limit:      f.Limit,
		Offset:     f.Offset,
	})
}

func (s *Store) ListLogs(ctx context.Context, entityType string, entityID uint64) ([]model.LogEntry, error) {
	return s.Logs.ListByEntity(ctx, entityType, entityID)
}

type sqlTx struct {
	s  *Store
	tx *sql.Tx
}

func (t *sqlTx) CreateEntitlement(ctx context.Context, ent *model.Entitlement) error {
	return t.s.Entitlements.CreateTx(ctx, t.tx, ent)
}

func (t *sqlTx) LockEntitlement(ctx context.Context, customerID uint64) (*model.Entitlement, error) {
	return t.s.Entitlements.LockTx(ctx, t.tx, customerID)
}

func (t *sqlTx) UpdateEntitlement(ctx context.Context, ent *model.Entitlement) error {
	return t.s.Entitlements.UpdateTx(ctx, t.tx, ent)
}

func (t *sqlTx) CreateBooking(ctx context.Context, b *model.Booking) error {
	return t.s.Bookings.CreateTx(ctx, t.tx, b)
}

func (t *sqlTx) LockBooking(ctx context.Context, id uint64) (*model.Booking, error) {
	return t.s.Bookings.LockTx(ctx, t.tx, id)
}

func (t *sqlTx) UpdateBooking(ctx context.Context, b *model.Booking) error {
	return t.s.Bookings.UpdateTx(ctx, t.tx, b)
}

func (t *sqlTx) OutstandingCylinders(ctx context.Context, customerID uint64) (int, error) {
	return t.s.Bookings.OutstandingTx(ctx, t.tx, customerID)
}

func (t *sqlTx) ClaimReconciliation(ctx context.Context, key string, bookingID uint64, outcome string) (bool, error) {
	return t.s.Reconciliations.ClaimTx(ctx, t.tx, key, bookingID, outcome)
}

func (t *sqlTx) AppendLog(ctx context.Context, e *model.LogEntry) error {
	return t.s.Logs.AppendTx(ctx, t.tx, e)
}
