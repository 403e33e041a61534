package service

import (
	"context"

	"github.com/iliyamo/cylinder-booking/internal/model"
)

// Store is the persistence the ledger needs.  Implementations return
// ledger.ErrNotFound (possibly wrapped) for missing rows.
type Store interface {
	// WithinTx runs fn in a transaction.  fn returning an error rolls
	// everything back, including reconciliation claims and log entries.
	WithinTx(ctx context.Context, fn func(tx Tx) error) error

	GetEntitlement(ctx context.Context, customerID uint64) (*model.Entitlement, error)
	GetBooking(ctx context.Context, id uint64) (*model.Booking, error)
	GetBookingByOrderRef(ctx context.Context, orderRef string) (*model.Booking, error)
	ListBookings(ctx context.Context, f BookingFilter) ([]model.Booking, error)
	ListLogs(ctx context.Context, entityType string, entityID uint64) ([]model.LogEntry, error)
}

// Tx is the transactional view of the store.  LockEntitlement holds the
// customer's entitlement exclusively until the transaction ends; callers
// always lock the entitlement before the booking.
type Tx interface {
	CreateEntitlement(ctx context.Context, ent *model.Entitlement) error
	LockEntitlement(ctx context.Context, customerID uint64) (*model.Entitlement, error)
	UpdateEntitlement(ctx context.Context, ent *model.Entitlement) error

	CreateBooking(ctx context.Context, b *model.Booking) error
	LockBooking(ctx context.Context, id uint64) (*model.Booking, error)
	UpdateBooking(ctx context.Context, b *model.Booking) error
	// OutstandingCylinders sums cylinders of the customer's bookings that
	// await payment and have not been deducted.
	OutstandingCylinders(ctx context.Context, customerID uint64) (int, error)

	// ClaimReconciliation records key and reports false when it was
	// already present.
	ClaimReconciliation(ctx context.Context, key string, bookingID uint64, outcome string) (bool, error)

	AppendLog(ctx context.Context, e *model.LogEntry) error
}

// BookingFilter narrows ListBookings.  Zero values mean "any".
type BookingFilter struct {
	CustomerID uint64
	Status     model.BookingStatus
	Limit      int
	Offset     int
}
