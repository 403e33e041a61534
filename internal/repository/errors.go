// Package repository implements the ledger store and the account tables on
// MySQL.  Missing ledger rows are reported as ledger.ErrNotFound so the
// service layer and the handlers can treat both stores alike; the errors
// below cover the account tables and uniqueness violations.
package repository

import (
	"errors"

	"github.com/go-sql-driver/mysql"
)

// ErrConflict is returned when an insert collides with an existing unique
// key, such as a duplicate booking order reference.  Handlers translate it
// into HTTP 409.
var ErrConflict = errors.New("conflict")

// ErrEntitlementExists is returned when a customer already has an
// entitlement row.
var ErrEntitlementExists = errors.New("entitlement already exists")

// ErrEmailExists is returned by user creation when the email is taken.
var ErrEmailExists = errors.New("email already exists")

// ErrUserNotFound is returned by user lookups that match no row.
var ErrUserNotFound = errors.New("user not found")

// ErrInvalidRefresh is returned for refresh tokens that are unknown,
// revoked or expired.
var ErrInvalidRefresh = errors.New("invalid refresh token")

// isDuplicateKey reports whether err is MySQL error 1062 (duplicate entry).
func isDuplicateKey(err error) bool {
	var me *mysql.MySQLError
	return errors.As(err, &me) && me.Number == 1062
}
