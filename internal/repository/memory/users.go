package memory

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/iliyamo/cylinder-booking/internal/model"
	"github.com/iliyamo/cylinder-booking/internal/repository"
	"github.com/iliyamo/cylinder-booking/internal/utils"
)

// Users is the in-memory users table.
type Users struct {
	mu      sync.Mutex
	byID    map[uint64]model.User
	byEmail map[string]uint64
	next    uint64
}

func newUsers() *Users {
	return &Users{byID: make(map[uint64]model.User), byEmail: make(map[string]uint64)}
}

// Create hashes password and stores a new active user.
func (u *Users) Create(_ context.Context, email, password, role string, cost int) (uint64, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	hash, err := utils.HashPassword(password, cost)
	if err != nil {
		return 0, err
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	if _, ok := u.byEmail[email]; ok {
		return 0, repository.ErrEmailExists
	}
	u.next++
	now := time.Now().UTC()
	u.byID[u.next] = model.User{
		ID:           u.next,
		Email:        email,
		PasswordHash: hash,
		Role:         role,
		IsActive:     true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	u.byEmail[email] = u.next
	return u.next, nil
}

func (u *Users) GetByEmail(_ context.Context, email string) (model.User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	u.mu.Lock()
	defer u.mu.Unlock()
	id, ok := u.byEmail[email]
	if !ok {
		return model.User{}, repository.ErrUserNotFound
	}
	return u.byID[id], nil
}

func (u *Users) GetByID(_ context.Context, id uint64) (model.User, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	usr, ok := u.byID[id]
	if !ok {
		return model.User{}, repository.ErrUserNotFound
	}
	return usr, nil
}

func (u *Users) Delete(_ context.Context, id uint64) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if usr, ok := u.byID[id]; ok {
		delete(u.byEmail, usr.Email)
		delete(u.byID, id)
	}
	return nil
}

// Tokens is the in-memory refresh_tokens table keyed by token hash.
type Tokens struct {
	mu   sync.Mutex
	rows map[string]model.RefreshToken
}

func newTokens() *Tokens { return &Tokens{rows: make(map[string]model.RefreshToken)} }

func (t *Tokens) StoreRefresh(_ context.Context, userID uint64, tokenHash string, exp time.Time) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rows[tokenHash] = model.RefreshToken{
		UserID:    userID,
		TokenHash: tokenHash,
		ExpiresAt: exp,
		CreatedAt: time.Now().UTC(),
	}
	return nil
}

func (t *Tokens) ValidateRefresh(_ context.Context, tokenHash string) (uint64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	row, ok := t.rows[tokenHash]
	if !ok || row.RevokedAt != nil || time.Now().UTC().After(row.ExpiresAt) {
		return 0, repository.ErrInvalidRefresh
	}
	return row.UserID, nil
}

func (t *Tokens) RevokeByHash(_ context.Context, tokenHash string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if row, ok := t.rows[tokenHash]; ok && row.RevokedAt == nil {
		now := time.Now().UTC()
		row.RevokedAt = &now
		t.rows[tokenHash] = row
	}
	return nil
}

func (t *Tokens) RevokeAllForUser(_ context.Context, userID uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := time.Now().UTC()
	for h, row := range t.rows {
		if row.UserID == userID && row.RevokedAt == nil {
			row.RevokedAt = &now
			t.rows[h] = row
		}
	}
	return nil
}
