package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// RefreshTokenRepo stores the SHA-256 digests of issued refresh tokens.
// The raw token never reaches the database; a digest is live while it is
// unrevoked and its expires_at lies in the future.
type RefreshTokenRepo struct{ DB *sql.DB }

func NewRefreshTokenRepo(db *sql.DB) *RefreshTokenRepo { return &RefreshTokenRepo{DB: db} }

func (r *RefreshTokenRepo) StoreRefresh(ctx context.Context, userID uint64, digest string, exp time.Time) error {
	if _, err := r.DB.ExecContext(ctx,
		`INSERT INTO refresh_tokens (user_id, token_hash, expires_at) VALUES (?, ?, ?)`,
		userID, digest, exp.UTC()); err != nil {
		return fmt.Errorf("store refresh token: %w", err)
	}
	return nil
}

// ValidateRefresh resolves a live digest to its user.  Revoked, expired and
// unknown digests are all reported as ErrInvalidRefresh so callers cannot
// tell them apart.
func (r *RefreshTokenRepo) ValidateRefresh(ctx context.Context, digest string) (uint64, error) {
	var userID uint64
	err := r.DB.QueryRowContext(ctx,
		`SELECT user_id FROM refresh_tokens
		WHERE token_hash = ? AND revoked_at IS NULL AND expires_at > UTC_TIMESTAMP()`,
		digest).Scan(&userID)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return 0, ErrInvalidRefresh
	case err != nil:
		return 0, fmt.Errorf("validate refresh token: %w", err)
	}
	return userID, nil
}

// RevokeByHash retires one digest during rotation.
func (r *RefreshTokenRepo) RevokeByHash(ctx context.Context, digest string) error {
	return r.revoke(ctx, "token_hash = ?", digest)
}

// RevokeAllForUser logs a user out everywhere.
func (r *RefreshTokenRepo) RevokeAllForUser(ctx context.Context, userID uint64) error {
	return r.revoke(ctx, "user_id = ?", userID)
}

func (r *RefreshTokenRepo) revoke(ctx context.Context, where string, arg any) error {
	if _, err := r.DB.ExecContext(ctx,
		`UPDATE refresh_tokens SET revoked_at = UTC_TIMESTAMP() WHERE revoked_at IS NULL AND `+where,
		arg); err != nil {
		return fmt.Errorf("revoke refresh token: %w", err)
	}
	return nil
}
