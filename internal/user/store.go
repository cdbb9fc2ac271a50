// Package user reads chat identities and ban flags from the PostgreSQL users
// table. Account creation and credentials belong to the account service;
// this package only reads profiles and toggles the ban flag.
package user

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

var (
	// ErrBanUnsupported is returned by SetBanned when the users table has no
	// is_banned column.
	ErrBanUnsupported = errors.New("user: ban flag not supported by schema")
	ErrNotFound       = errors.New("user: not found")
)

// Identity is the verified snapshot of a connected user.
type Identity struct {
	ID       int64  `json:"id"`
	Name     string `json:"name"`
	Email    string `json:"email"`
	IsBanned bool   `json:"isBanned"`
}

// Store manages user lookups in PostgreSQL.
type Store struct {
	db         *sql.DB
	banSupport atomic.Bool
}

// NewStore creates a Store. Ban support is assumed until DetectBanSupport
// says otherwise.
func NewStore(db *sql.DB) *Store {
	s := &Store{db: db}
	s.banSupport.Store(true)
	return s
}

// DetectBanSupport checks once whether users.is_banned exists and records the
// result. Without the column every user reads as not banned.
func (s *Store) DetectBanSupport(ctx context.Context) (bool, error) {
	const query = `
		SELECT EXISTS (
			SELECT 1 FROM information_schema.columns
			WHERE table_schema = current_schema()
			  AND table_name = 'users'
			  AND column_name = 'is_banned'
		)`

	var exists bool
	if err := s.db.QueryRowContext(ctx, query).Scan(&exists); err != nil {
		return false, fmt.Errorf("user: detect ban column: %w", err)
	}
	s.banSupport.Store(exists)
	if !exists {
		logrus.WithField("component", "user").Warn("users.is_banned missing, ban checks disabled")
	}
	return exists, nil
}

// BanSupported reports the result of the last capability check.
func (s *Store) BanSupported() bool {
	return s.banSupport.Load()
}

// Get returns the identity for id, or nil if no such user exists.
func (s *Store) Get(ctx context.Context, id int64) (*Identity, error) {
	query := `SELECT id, name, email, FALSE FROM users WHERE id = $1`
	if s.BanSupported() {
		query = `SELECT id, name, email, is_banned FROM users WHERE id = $1`
	}

	var ident Identity
	err := s.db.QueryRowContext(ctx, query, id).Scan(&ident.ID, &ident.Name, &ident.Email, &ident.IsBanned)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("user: get %d: %w", id, err)
	}
	return &ident, nil
}

// IsBanned returns the current ban flag. Unknown users are not banned.
func (s *Store) IsBanned(ctx context.Context, id int64) (bool, error) {
	if !s.BanSupported() {
		return false, nil
	}

	var banned bool
	err := s.db.QueryRowContext(ctx, `SELECT is_banned FROM users WHERE id = $1`, id).Scan(&banned)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("user: is banned %d: %w", id, err)
	}
	return banned, nil
}

// SetBanned sets the ban flag. It is idempotent and returns ErrNotFound when
// the user does not exist.
func (s *Store) SetBanned(ctx context.Context, id int64, banned bool) error {
	if !s.BanSupported() {
		return ErrBanUnsupported
	}

	res, err := s.db.ExecContext(ctx, `UPDATE users SET is_banned = $2 WHERE id = $1`, id, banned)
	if err != nil {
		return fmt.Errorf("user: set banned %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("user: set banned %d: %w", id, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
