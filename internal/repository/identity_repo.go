// Package repository provides durable storage for the client identity.
package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/remote-sandbox/client/internal/model"
)

// DefaultIdentityKey is the fixed storage key of the last confirmed identity.
const DefaultIdentityKey = "sandbox_client_id"

// IdentityRepository stores a single identity value under a fixed key.
type IdentityRepository struct {
	db  *sql.DB
	key string
}

// NewIdentityRepository creates an IdentityRepository using DefaultIdentityKey.
func NewIdentityRepository(db *sql.DB) *IdentityRepository {
	return NewIdentityRepositoryWithKey(db, DefaultIdentityKey)
}

// NewIdentityRepositoryWithKey creates an IdentityRepository under a custom key.
func NewIdentityRepositoryWithKey(db *sql.DB, key string) *IdentityRepository {
	return &IdentityRepository{db: db, key: key}
}

// Key returns the storage key.
func (r *IdentityRepository) Key() string {
	return r.key
}

// Load returns the stored identity. A missing, unparsable or non-positive
// value yields model.NoIdentity and no error.
func (r *IdentityRepository) Load(ctx context.Context) (model.Identity, error) {
	query := `SELECT value FROM client_state WHERE key = ?`

	var value string
	err := r.db.QueryRowContext(ctx, query, r.key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return model.NoIdentity, nil
	}
	if err != nil {
		return model.NoIdentity, fmt.Errorf("failed to load identity: %w", err)
	}

	n, err := strconv.ParseInt(value, 10, 64)
	if err != nil || n <= 0 {
		return model.NoIdentity, nil
	}

	return model.Identity(n), nil
}

// Save persists id. The write is committed before Save returns.
func (r *IdentityRepository) Save(ctx context.Context, id model.Identity) error {
	if !id.Valid() {
		return fmt.Errorf("refusing to store identity %d", id)
	}

	query := `
		INSERT INTO client_state (key, value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`

	_, err := r.db.ExecContext(ctx, query, r.key, strconv.FormatInt(int64(id), 10), time.Now())
	if err != nil {
		return fmt.Errorf("failed to save identity: %w", err)
	}

	return nil
}

// Clear removes the stored identity. Clearing an empty slot is not an error.
func (r *IdentityRepository) Clear(ctx context.Context) error {
	query := `DELETE FROM client_state WHERE key = ?`

	if _, err := r.db.ExecContext(ctx, query, r.key); err != nil {
		return fmt.Errorf("failed to clear identity: %w", err)
	}

	return nil
}

// UpdatedAt returns when the identity was last written.
func (r *IdentityRepository) UpdatedAt(ctx context.Context) (time.Time, bool, error) {
	query := `SELECT updated_at FROM client_state WHERE key = ?`

	var updatedAt time.Time
	err := r.db.QueryRowContext(ctx, query, r.key).Scan(&updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("failed to read identity timestamp: %w", err)
	}

	return updatedAt, true, nil
}
