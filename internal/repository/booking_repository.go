package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/iliyamo/cylinder-booking/internal/ledger"
	"github.com/iliyamo/cylinder-booking/internal/model"
)

// BookingRepo provides access to the bookings table.  All timestamps are
// stored in UTC; delivery_date is a DATE column.
type BookingRepo struct {
	db *sql.DB
}

func NewBookingRepo(db *sql.DB) *BookingRepo { return &BookingRepo{db: db} }

// BookingQuery narrows List.  Zero values are ignored.
type BookingQuery struct {
	CustomerID uint64
	Status     model.BookingStatus
	Limit      int
	Offset     int
}

const bookingColumns = `id, customer_id, cylinder_count, delivery_address, delivery_date, booking_status,
	payment_method, payment_status, payment_reference, screenshot_ref, order_ref, deducted,
	payment_attempt, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBooking(row rowScanner) (*model.Booking, error) {
	var (
		b          model.Booking
		reference  sql.NullString
		screenshot sql.NullString
	)
	err := row.Scan(&b.ID, &b.CustomerID, &b.CylinderCount, &b.DeliveryAddress, &b.DeliveryDate,
		&b.Status, &b.PaymentMethod, &b.PaymentStatus, &reference, &screenshot, &b.OrderRef,
		&b.Deducted, &b.PaymentAttempt, &b.CreatedAt, &b.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if reference.Valid {
		v := reference.String
		b.PaymentReference = &v
	}
	if screenshot.Valid {
		v := screenshot.String
		b.ScreenshotRef = &v
	}
	return &b, nil
}

func notFoundBooking(err error, what string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("booking %s: %w", what, ledger.ErrNotFound)
	}
	return fmt.Errorf("select booking: %w", err)
}

// GetByID fetches one booking without locking.
func (r *BookingRepo) GetByID(ctx context.Context, id uint64) (*model.Booking, error) {
	b, err := scanBooking(r.db.QueryRowContext(ctx,
		`SELECT `+bookingColumns+` FROM bookings WHERE id = ?`, id))
	if err != nil {
		return nil, notFoundBooking(err, fmt.Sprint(id))
	}
	return b, nil
}

// GetByOrderRef fetches the booking a gateway charge was created for.
func (r *BookingRepo) GetByOrderRef(ctx context.Context, orderRef string) (*model.Booking, error) {
	b, err := scanBooking(r.db.QueryRowContext(ctx,
		`SELECT `+bookingColumns+` FROM bookings WHERE order_ref = ?`, orderRef))
	if err != nil {
		return nil, notFoundBooking(err, fmt.Sprintf("order %q", orderRef))
	}
	return b, nil
}

// List returns bookings newest first.
func (r *BookingRepo) List(ctx context.Context, q BookingQuery) ([]model.Booking, error) {
	var (
		where []string
		args  []any
	)
	if q.CustomerID != 0 {
		where = append(where, "customer_id = ?")
		args = append(args, q.CustomerID)
	}
	if q.Status != "" {
		where = append(where, "booking_status = ?")
		args = append(args, q.Status)
	}
	query := `SELECT ` + bookingColumns + ` FROM bookings`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY id DESC LIMIT ? OFFSET ?"
	limit := q.Limit
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit, q.Offset)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list bookings: %w", err)
	}
	defer rows.Close()
	out := []model.Booking{}
	for rows.Next() {
		b, err := scanBooking(rows)
		if err != nil {
			return nil, fmt.Errorf("scan booking: %w", err)
		}
		out = append(out, *b)
	}
	return out, rows.Err()
}

// CreateTx inserts b and sets its generated id.
func (r *BookingRepo) CreateTx(ctx context.Context, tx *sql.Tx, b *model.Booking) error {
	res, err := tx.ExecContext(ctx,
		`INSERT INTO bookings (customer_id, cylinder_count, delivery_address, delivery_date, booking_status,
			payment_method, payment_status, payment_reference, screenshot_ref, order_ref, deducted,
			payment_attempt, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		b.CustomerID, b.CylinderCount, b.DeliveryAddress, b.DeliveryDate, b.Status,
		b.PaymentMethod, b.PaymentStatus, b.PaymentReference, b.ScreenshotRef, b.OrderRef, b.Deducted,
		b.PaymentAttempt, b.CreatedAt, b.UpdatedAt)
	if err != nil {
		if isDuplicateKey(err) {
			return fmt.Errorf("order ref %q: %w", b.OrderRef, ErrConflict)
		}
		return fmt.Errorf("insert booking: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	b.ID = uint64(id)
	return nil
}

// LockTx selects the booking FOR UPDATE.  Callers must already hold the
// owning entitlement's lock.
func (r *BookingRepo) LockTx(ctx context.Context, tx *sql.Tx, id uint64) (*model.Booking, error) {
	b, err := scanBooking(tx.QueryRowContext(ctx,
		`SELECT `+bookingColumns+` FROM bookings WHERE id = ? FOR UPDATE`, id))
	if err != nil {
		return nil, notFoundBooking(err, fmt.Sprint(id))
	}
	return b, nil
}

// UpdateTx writes the mutable booking columns.
func (r *BookingRepo) UpdateTx(ctx context.Context, tx *sql.Tx, b *model.Booking) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE bookings SET booking_status = ?, payment_method = ?, payment_status = ?,
			payment_reference = ?, screenshot_ref = ?, deducted = ?, payment_attempt = ?, updated_at = ?
		WHERE id = ?`,
		b.Status, b.PaymentMethod, b.PaymentStatus, b.PaymentReference, b.ScreenshotRef,
		b.Deducted, b.PaymentAttempt, b.UpdatedAt, b.ID)
	if err != nil {
		return fmt.Errorf("update booking: %w", err)
	}
	return nil
}

// OutstandingTx sums the cylinders of the customer's bookings that still
// await payment and were not deducted.
func (r *BookingRepo) OutstandingTx(ctx context.Context, tx *sql.Tx, customerID uint64) (int, error) {
	var total int
	err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(cylinder_count), 0) FROM bookings
		WHERE customer_id = ? AND deducted = 0 AND payment_status = ? AND booking_status <> ?`,
		customerID, model.PaymentPending, model.BookingRejected).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("sum outstanding: %w", err)
	}
	return total, nil
}
