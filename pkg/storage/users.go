package storage

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// User is a server account. Authentication proper is out of scope; the user
// record exists so conversations and automations have an owner.
type User struct {
	ID           string    `db:"id"`
	Email        string    `db:"email"`
	PasswordHash string    `db:"password_hash"`
	CreatedAt    time.Time `db:"created_at"`
}

// UserRepo persists users.
type UserRepo struct {
	db *sqlx.DB
}

// EnsureDefault returns the user with the given email, creating it when
// absent. Used at startup with KHOJ_ADMIN_EMAIL / KHOJ_ADMIN_PASSWORD.
func (r *UserRepo) EnsureDefault(ctx context.Context, email, password string) (*User, error) {
	if email == "" {
		email = "default@pipali.local"
	}
	existing, err := r.GetByEmail(ctx, email)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	u := &User{
		ID:           uuid.New().String(),
		Email:        email,
		PasswordHash: hashPassword(password),
		CreatedAt:    time.Now().UTC(),
	}
	q := r.db.Rebind(`INSERT INTO users (id, email, password_hash, created_at) VALUES (?, ?, ?, ?)`)
	if _, err := r.db.ExecContext(ctx, q, u.ID, u.Email, u.PasswordHash, u.CreatedAt); err != nil {
		return nil, fmt.Errorf("creating default user: %w", err)
	}
	return u, nil
}

// GetByEmail looks a user up by email.
func (r *UserRepo) GetByEmail(ctx context.Context, email string) (*User, error) {
	var u User
	q := r.db.Rebind(`SELECT * FROM users WHERE email = ?`)
	if err := r.db.GetContext(ctx, &u, q, email); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("querying user: %w", err)
	}
	return &u, nil
}

// Get looks a user up by id.
func (r *UserRepo) Get(ctx context.Context, id string) (*User, error) {
	var u User
	q := r.db.Rebind(`SELECT * FROM users WHERE id = ?`)
	if err := r.db.GetContext(ctx, &u, q, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("querying user: %w", err)
	}
	return &u, nil
}

func hashPassword(password string) string {
	if password == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(password))
	return hex.EncodeToString(sum[:])
}
