package ledger

import (
	"time"

	"github.com/iliyamo/cylinder-booking/internal/model"
)

// Adjust applies an admin delta to the balance, flooring at zero.  There
// is no upper bound: an admin may grant more than the annual quota.
func (p Policy) Adjust(ent *model.Entitlement, delta int, now time.Time) {
	ent.Balance = max(0, ent.Balance+delta)
	ent.UpdatedAt = now.UTC()
}
