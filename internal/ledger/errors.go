// Package ledger holds the allocation and booking rules: whether a
// customer may book, how payment outcomes move a booking and its
// entitlement, and which roles may perform which mutations.  Everything
// here is pure; persistence and locking live in the service layer.
package ledger

import (
	"errors"
	"fmt"
)

// Sentinel errors.  Callers compare with errors.Is; handlers translate
// them into HTTP status codes.
var (
	ErrInsufficientBalance     = errors.New("insufficient balance")
	ErrInvalidRequest          = errors.New("invalid request")
	ErrInvalidTransition       = errors.New("invalid transition")
	ErrDuplicateReconciliation = errors.New("duplicate reconciliation")
	ErrNotFound                = errors.New("not found")
	ErrUnauthorized            = errors.New("unauthorized")
)

// Denial is a domain error carrying a reason the customer can act on, for
// example the balance and expiry that caused a booking to be refused.
type Denial struct {
	Err    error
	Reason string
}

func (d *Denial) Error() string {
	if d.Reason == "" {
		return d.Err.Error()
	}
	return fmt.Sprintf("%s: %s", d.Err, d.Reason)
}

func (d *Denial) Unwrap() error { return d.Err }

func deny(err error, format string, args ...any) *Denial {
	return &Denial{Err: err, Reason: fmt.Sprintf(format, args...)}
}

// Reason returns the human readable reason attached to err, or the error
// text itself when err is not a Denial.
func Reason(err error) string {
	var d *Denial
	if errors.As(err, &d) {
		return d.Reason
	}
	if err == nil {
		return ""
	}
	return err.Error()
}
