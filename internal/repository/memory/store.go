// Package memory is an in-process implementation of the ledger store.  It
// is used for local runs (STORE_DRIVER=memory) and by tests.  Entitlements
// are locked with a mutex per customer; writes made inside a transaction
// are staged and applied only when the transaction commits.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/iliyamo/cylinder-booking/internal/ledger"
	"github.com/iliyamo/cylinder-booking/internal/model"
	"github.com/iliyamo/cylinder-booking/internal/repository"
	"github.com/iliyamo/cylinder-booking/internal/service"
)

type reconciliation struct {
	BookingID uint64
	Outcome   string
	CreatedAt time.Time
}

// Store keeps every table in maps guarded by mu.
type Store struct {
	mu           sync.Mutex
	customerLock map[uint64]*sync.Mutex
	entitlements map[uint64]model.Entitlement
	bookings     map[uint64]model.Booking
	byOrderRef   map[string]uint64
	recon        map[string]reconciliation
	logs         []model.LogEntry
	nextBooking  uint64
	nextLog      uint64

	users  *Users
	tokens *Tokens
}

var _ service.Store = (*Store)(nil)

func New() *Store {
	return &Store{
		customerLock: make(map[uint64]*sync.Mutex),
		entitlements: make(map[uint64]model.Entitlement),
		bookings:     make(map[uint64]model.Booking),
		byOrderRef:   make(map[string]uint64),
		recon:        make(map[string]reconciliation),
		users:        newUsers(),
		tokens:       newTokens(),
	}
}

// Users returns the user table backing the auth endpoints.
func (s *Store) Users() *Users { return s.users }

// Tokens returns the refresh token table.
func (s *Store) Tokens() *Tokens { return s.tokens }

// Logs returns a copy of the activity log in append order.
func (s *Store) Logs() []model.LogEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.LogEntry, len(s.logs))
	copy(out, s.logs)
	return out
}

func (s *Store) ListLogs(_ context.Context, entityType string, entityID uint64) ([]model.LogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []model.LogEntry{}
	for _, e := range s.logs {
		if e.EntityType == entityType && e.EntityID == entityID {
			out = append(out, e)
		}
	}
	return out, nil
}

// PutEntitlement overwrites an entitlement outside any transaction.  Tests
// use it to seed expired periods.
func (s *Store) PutEntitlement(ent model.Entitlement) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entitlements[ent.CustomerID] = ent
}

func (s *Store) lockFor(customerID uint64) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.customerLock[customerID]
	if !ok {
		m = &sync.Mutex{}
		s.customerLock[customerID] = m
	}
	return m
}

func (s *Store) WithinTx(ctx context.Context, fn func(tx service.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t := &tx{
		s:            s,
		held:         make(map[uint64]*sync.Mutex),
		entitlements: make(map[uint64]model.Entitlement),
		bookings:     make(map[uint64]model.Booking),
		recon:        make(map[string]reconciliation),
	}
	defer t.release()
	if err := fn(t); err != nil {
		return err
	}
	t.commit()
	return nil
}

func (s *Store) GetEntitlement(_ context.Context, customerID uint64) (*model.Entitlement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ent, ok := s.entitlements[customerID]
	if !ok {
		return nil, fmt.Errorf("entitlement %d: %w", customerID, ledger.ErrNotFound)
	}
	return &ent, nil
}

func (s *Store) GetBooking(_ context.Context, id uint64) (*model.Booking, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.bookings[id]
	if !ok {
		return nil, fmt.Errorf("booking %d: %w", id, ledger.ErrNotFound)
	}
	return &b, nil
}

func (s *Store) GetBookingByOrderRef(_ context.Context, orderRef string) (*model.Booking, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byOrderRef[orderRef]
	if !ok {
		return nil, fmt.Errorf("booking with order ref %q: %w", orderRef, ledger.ErrNotFound)
	}
	b := s.bookings[id]
	return &b, nil
}

// ListBookings returns the newest bookings first.
func (s *Store) ListBookings(_ context.Context, f service.BookingFilter) ([]model.Booking, error) {
	s.mu.Lock()
	var all []model.Booking
	for _, b := range s.bookings {
		if f.CustomerID != 0 && b.CustomerID != f.CustomerID {
			continue
		}
		if f.Status != "" && b.Status != f.Status {
			continue
		}
		all = append(all, b)
	}
	s.mu.Unlock()

	sort.Slice(all, func(i, j int) bool { return all[i].ID > all[j].ID })
	if f.Offset >= len(all) {
		return []model.Booking{}, nil
	}
	all = all[f.Offset:]
	if f.Limit > 0 && len(all) > f.Limit {
		all = all[:f.Limit]
	}
	return all, nil
}

// tx stages writes until commit.  Reads see staged values first.
type tx struct {
	s            *Store
	held         map[uint64]*sync.Mutex
	entitlements map[uint64]model.Entitlement
	bookings     map[uint64]model.Booking
	recon        map[string]reconciliation
	logs         []model.LogEntry
}

func (t *tx) hold(customerID uint64) {
	if _, ok := t.held[customerID]; ok {
		return
	}
	m := t.s.lockFor(customerID)
	m.Lock()
	t.held[customerID] = m
}

func (t *tx) release() {
	for id, m := range t.held {
		m.Unlock()
		delete(t.held, id)
	}
}

func (t *tx) commit() {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	for id, ent := range t.entitlements {
		t.s.entitlements[id] = ent
	}
	for id, b := range t.bookings {
		t.s.bookings[id] = b
		t.s.byOrderRef[b.OrderRef] = id
	}
	for k, r := range t.recon {
		t.s.recon[k] = r
	}
	for _, e := range t.logs {
		t.s.nextLog++
		e.ID = t.s.nextLog
		t.s.logs = append(t.s.logs, e)
	}
}

func (t *tx) CreateEntitlement(_ context.Context, ent *model.Entitlement) error {
	t.hold(ent.CustomerID)
	t.s.mu.Lock()
	_, exists := t.s.entitlements[ent.CustomerID]
	t.s.mu.Unlock()
	if _, staged := t.entitlements[ent.CustomerID]; exists || staged {
		return repository.ErrEntitlementExists
	}
	t.entitlements[ent.CustomerID] = *ent
	return nil
}

func (t *tx) LockEntitlement(ctx context.Context, customerID uint64) (*model.Entitlement, error) {
	t.hold(customerID)
	if ent, ok := t.entitlements[customerID]; ok {
		return &ent, nil
	}
	return t.s.GetEntitlement(ctx, customerID)
}

func (t *tx) UpdateEntitlement(_ context.Context, ent *model.Entitlement) error {
	if _, ok := t.held[ent.CustomerID]; !ok {
		return fmt.Errorf("entitlement %d updated without lock", ent.CustomerID)
	}
	t.entitlements[ent.CustomerID] = *ent
	return nil
}

func (t *tx) CreateBooking(_ context.Context, b *model.Booking) error {
	t.s.mu.Lock()
	_, dup := t.s.byOrderRef[b.OrderRef]
	if !dup {
		t.s.nextBooking++
		b.ID = t.s.nextBooking
	}
	t.s.mu.Unlock()
	if dup {
		return fmt.Errorf("order ref %q: %w", b.OrderRef, repository.ErrConflict)
	}
	t.bookings[b.ID] = *b
	return nil
}

func (t *tx) LockBooking(ctx context.Context, id uint64) (*model.Booking, error) {
	if b, ok := t.bookings[id]; ok {
		return &b, nil
	}
	return t.s.GetBooking(ctx, id)
}

func (t *tx) UpdateBooking(_ context.Context, b *model.Booking) error {
	t.bookings[b.ID] = *b
	return nil
}

func (t *tx) OutstandingCylinders(_ context.Context, customerID uint64) (int, error) {
	total := 0
	t.s.mu.Lock()
	for id, b := range t.s.bookings {
		if _, staged := t.bookings[id]; staged {
			continue
		}
		if b.CustomerID == customerID && b.Outstanding() {
			total += b.CylinderCount
		}
	}
	t.s.mu.Unlock()
	for _, b := range t.bookings {
		if b.CustomerID == customerID && b.Outstanding() {
			total += b.CylinderCount
		}
	}
	return total, nil
}

func (t *tx) ClaimReconciliation(_ context.Context, key string, bookingID uint64, outcome string) (bool, error) {
	if _, ok := t.recon[key]; ok {
		return false, nil
	}
	t.s.mu.Lock()
	_, ok := t.s.recon[key]
	t.s.mu.Unlock()
	if ok {
		return false, nil
	}
	t.recon[key] = reconciliation{BookingID: bookingID, Outcome: outcome, CreatedAt: time.Now().UTC()}
	return true, nil
}

func (t *tx) AppendLog(_ context.Context, e *model.LogEntry) error {
	t.logs = append(t.logs, *e)
	return nil
}
