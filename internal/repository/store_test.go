package repository

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-sql-driver/mysql"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iliyamo/cylinder-booking/internal/ledger"
	"github.com/iliyamo/cylinder-booking/internal/model"
	"github.com/iliyamo/cylinder-booking/internal/service"
)

var (
	ts          = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	entColumns  = []string{"customer_id", "balance", "expiry", "created_at", "updated_at"}
	bookColumns = []string{"id", "customer_id", "cylinder_count", "delivery_address", "delivery_date",
		"booking_status", "payment_method", "payment_status", "payment_reference", "screenshot_ref",
		"order_ref", "deducted", "payment_attempt", "created_at", "updated_at"}
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewStore(db), mock
}

func TestWithinTxLocksAndCommits(t *testing.T) {
	s, mock := newMockStore(t)
	ctx := context.Background()
	exp := ts.AddDate(1, 0, 0)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("FROM entitlements WHERE customer_id = ? FOR UPDATE")).
		WithArgs(7).
		WillReturnRows(sqlmock.NewRows(entColumns).AddRow(7, 12, exp, ts, ts))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE entitlements SET balance = ?, expiry = ?, updated_at = ? WHERE customer_id = ?")).
		WithArgs(9, exp, sqlmock.AnyArg(), 7).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO activity_logs")).
		WithArgs(ts, 7, "CUSTOMER", model.ActionBalanceDeducted, model.EntityEntitlement, 7, `{"cylinders":3}`).
		WillReturnResult(sqlmock.NewResult(31, 1))
	mock.ExpectCommit()

	var entry model.LogEntry
	err := s.WithinTx(ctx, func(tx service.Tx) error {
		ent, err := tx.LockEntitlement(ctx, 7)
		if err != nil {
			return err
		}
		ent.Balance -= 3
		if err := tx.UpdateEntitlement(ctx, ent); err != nil {
			return err
		}
		entry = model.LogEntry{
			OccurredAt: ts,
			ActorID:    7,
			ActorRole:  "CUSTOMER",
			Action:     model.ActionBalanceDeducted,
			EntityType: model.EntityEntitlement,
			EntityID:   7,
			Metadata:   []byte(`{"cylinders":3}`),
		}
		return tx.AppendLog(ctx, &entry)
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(31), entry.ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestWithinTxRollsBackOnError(t *testing.T) {
	s, mock := newMockStore(t)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("FROM entitlements WHERE customer_id = ? FOR UPDATE")).
		WithArgs(8).
		WillReturnRows(sqlmock.NewRows(entColumns))
	mock.ExpectRollback()

	err := s.WithinTx(ctx, func(tx service.Tx) error {
		_, err := tx.LockEntitlement(ctx, 8)
		return err
	})
	assert.ErrorIs(t, err, ledger.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestClaimReconciliation(t *testing.T) {
	s, mock := newMockStore(t)
	ctx := context.Background()
	claim := regexp.QuoteMeta("INSERT IGNORE INTO reconciliations")

	mock.ExpectBegin()
	mock.ExpectExec(claim).WithArgs("5:GATEWAY_SUCCESS", 5, "GATEWAY_SUCCESS", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(claim).WithArgs("5:GATEWAY_SUCCESS", 5, "GATEWAY_SUCCESS", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	err := s.WithinTx(ctx, func(tx service.Tx) error {
		first, err := tx.ClaimReconciliation(ctx, "5:GATEWAY_SUCCESS", 5, "GATEWAY_SUCCESS")
		require.NoError(t, err)
		assert.True(t, first)
		again, err := tx.ClaimReconciliation(ctx, "5:GATEWAY_SUCCESS", 5, "GATEWAY_SUCCESS")
		require.NoError(t, err)
		assert.False(t, again)
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestBookingScanAndNotFound(t *testing.T) {
	s, mock := newMockStore(t)
	ctx := context.Background()
	day := time.Date(2025, 3, 2, 0, 0, 0, 0, time.UTC)

	mock.ExpectQuery(regexp.QuoteMeta("FROM bookings WHERE order_ref = ?")).
		WithArgs("ord-1").
		WillReturnRows(sqlmock.NewRows(bookColumns).AddRow(
			3, 7, 2, "12 Canal Road", day, "PENDING", "QR", "PENDING", "upi-9", nil,
			"ord-1", false, 1, ts, ts))
	b, err := s.GetBookingByOrderRef(ctx, "ord-1")
	require.NoError(t, err)
	assert.Equal(t, uint64(3), b.ID)
	assert.Equal(t, model.BookingPending, b.Status)
	assert.Equal(t, model.PaymentQR, b.PaymentMethod)
	require.NotNil(t, b.PaymentReference)
	assert.Equal(t, "upi-9", *b.PaymentReference)
	assert.Nil(t, b.ScreenshotRef)
	assert.Equal(t, 1, b.PaymentAttempt)

	mock.ExpectQuery(regexp.QuoteMeta("FROM bookings WHERE id = ?")).
		WithArgs(404).
		WillReturnRows(sqlmock.NewRows(bookColumns))
	_, err = s.GetBooking(ctx, 404)
	assert.ErrorIs(t, err, ledger.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListBookingsFilters(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery(regexp.QuoteMeta("FROM bookings WHERE customer_id = ? AND booking_status = ? ORDER BY id DESC LIMIT ? OFFSET ?")).
		WithArgs(7, "APPROVED", 10, 20).
		WillReturnRows(sqlmock.NewRows(bookColumns))

	out, err := s.ListBookings(context.Background(), service.BookingFilter{
		CustomerID: 7,
		Status:     model.BookingApproved,
		Limit:      10,
		Offset:     20,
	})
	require.NoError(t, err)
	assert.Empty(t, out)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestOutstandingCylinders(t *testing.T) {
	s, mock := newMockStore(t)
	ctx := context.Background()
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT COALESCE(SUM(cylinder_count), 0) FROM bookings")).
		WithArgs(7, "PENDING", "REJECTED").
		WillReturnRows(sqlmock.NewRows([]string{"total"}).AddRow(4))
	mock.ExpectCommit()

	var n int
	err := s.WithinTx(ctx, func(tx service.Tx) error {
		var err error
		n, err = tx.OutstandingCylinders(ctx, 7)
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDuplicateKeysMapToSentinels(t *testing.T) {
	s, mock := newMockStore(t)
	ctx := context.Background()
	dup := &mysql.MySQLError{Number: 1062, Message: "Duplicate entry"}

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO entitlements")).WillReturnError(dup)
	mock.ExpectRollback()
	err := s.WithinTx(ctx, func(tx service.Tx) error {
		return tx.CreateEntitlement(ctx, &model.Entitlement{CustomerID: 7, Balance: 12, Expiry: ts})
	})
	assert.ErrorIs(t, err, ErrEntitlementExists)

	users := NewUserRepo(s.db)
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO users")).WillReturnError(dup)
	_, err = users.Create(ctx, "a@example.com", "long enough", "CUSTOMER", 4)
	assert.ErrorIs(t, err, ErrEmailExists)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO users")).WillReturnError(errors.New("connection reset"))
	_, err = users.Create(ctx, "b@example.com", "long enough", "CUSTOMER", 4)
	assert.NotErrorIs(t, err, ErrEmailExists)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRefreshTokenValidation(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	tokens := NewRefreshTokenRepo(db)
	ctx := context.Background()
	q := regexp.QuoteMeta("SELECT user_id FROM refresh_tokens")

	mock.ExpectQuery(q + ".*revoked_at IS NULL AND expires_at > UTC_TIMESTAMP").WithArgs("live").
		WillReturnRows(sqlmock.NewRows([]string{"user_id"}).AddRow(5))
	// revoked and expired digests are filtered out by the query itself
	mock.ExpectQuery(q).WithArgs("revoked").
		WillReturnRows(sqlmock.NewRows([]string{"user_id"}))
	mock.ExpectQuery(q).WithArgs("broken").
		WillReturnError(errors.New("connection reset"))

	id, err := tokens.ValidateRefresh(ctx, "live")
	require.NoError(t, err)
	assert.Equal(t, uint64(5), id)
	_, err = tokens.ValidateRefresh(ctx, "revoked")
	assert.ErrorIs(t, err, ErrInvalidRefresh)
	_, err = tokens.ValidateRefresh(ctx, "broken")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrInvalidRefresh)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRefreshTokenRevocation(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	tokens := NewRefreshTokenRepo(db)
	ctx := context.Background()

	mock.ExpectExec(regexp.QuoteMeta("UPDATE refresh_tokens SET revoked_at = UTC_TIMESTAMP() WHERE revoked_at IS NULL AND token_hash = ?")).
		WithArgs("h1").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("WHERE revoked_at IS NULL AND user_id = ?")).
		WithArgs(uint64(5)).WillReturnResult(sqlmock.NewResult(0, 3))

	require.NoError(t, tokens.RevokeByHash(ctx, "h1"))
	require.NoError(t, tokens.RevokeAllForUser(ctx, 5))
	require.NoError(t, mock.ExpectationsWereMet())
}
