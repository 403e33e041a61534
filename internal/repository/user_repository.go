package repository

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"github.com/iliyamo/cylinder-booking/internal/model"
	"github.com/iliyamo/cylinder-booking/internal/utils"
)

type UserRepo struct{ DB *sql.DB }

func NewUserRepo(db *sql.DB) *UserRepo { return &UserRepo{DB: db} }

// Create inserts user and returns its ID.
func (r *UserRepo) Create(ctx context.Context, email, password, role string, cost int) (uint64, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	hash, err := utils.HashPassword(password, cost)
	if err != nil {
		return 0, err
	}
	res, err := r.DB.ExecContext(ctx,
		"INSERT INTO users (email, password_hash, role) VALUES (?,?,?)",
		email, hash, role)
	if err != nil {
		if isDuplicateKey(err) {
			return 0, ErrEmailExists
		}
		return 0, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	return uint64(id), nil
}

// GetByEmail fetches a user by normalized email.
func (r *UserRepo) GetByEmail(ctx context.Context, email string) (model.User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	return r.get(ctx, "email", email)
}

// GetByID fetches a user by id.
func (r *UserRepo) GetByID(ctx context.Context, id uint64) (model.User, error) {
	return r.get(ctx, "id", id)
}

// Delete removes a user whose registration could not be completed.
func (r *UserRepo) Delete(ctx context.Context, id uint64) error {
	_, err := r.DB.ExecContext(ctx, "DELETE FROM users WHERE id=?", id)
	return err
}

func (r *UserRepo) get(ctx context.Context, column string, value any) (model.User, error) {
	var u model.User
	err := r.DB.QueryRowContext(ctx,
		"SELECT id,email,password_hash,role,is_active,created_at,updated_at FROM users WHERE "+column+"=? LIMIT 1",
		value).Scan(&u.ID, &u.Email, &u.PasswordHash, &u.Role, &u.IsActive, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return u, ErrUserNotFound
	}
	return u, err
}
