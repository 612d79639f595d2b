// Package store is the Postgres persistence layer. Append-only log storage
// lives in logs.go on ClickHouse; everything else is relational state.
package store

import (
	"database/sql"
	"errors"
	"fmt"
)

// ErrNotFound is returned when a looked-up record does not exist.
var ErrNotFound = errors.New("record not found")

type Store struct {
	db *sql.DB
}

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// DB exposes the underlying handle for health checks.
func (s *Store) DB() *sql.DB {
	return s.db
}

// mapNotFound folds sql.ErrNoRows onto ErrNotFound and wraps anything else.
func mapNotFound(err error, op string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return fmt.Errorf("%s: %w", op, err)
}
