package store

import (
	"database/sql"
	"errors"
	"fmt"

	sqlite3 "github.com/mattn/go-sqlite3"
)

// Sentinel errors surfaced to callers. CLI exit codes key off these.
var (
	// ErrBusy means another writer held the database past the busy timeout.
	ErrBusy = errors.New("store: database busy")

	// ErrConstraint means a uniqueness or foreign-key constraint fired.
	ErrConstraint = errors.New("store: constraint violation")

	// ErrSchemaMismatch means the on-disk schema is newer than this binary.
	ErrSchemaMismatch = errors.New("store: schema version newer than supported")

	// ErrDimensionMismatch means an embedding has the wrong vector width.
	ErrDimensionMismatch = errors.New("store: embedding dimension mismatch")

	// ErrCursorRegression means a delta cursor tried to move backwards.
	ErrCursorRegression = errors.New("store: cursor would move backwards")

	// ErrNotFound means the requested row does not exist.
	ErrNotFound = errors.New("store: not found")
)

// translate maps driver errors onto the package sentinels so callers can
// use errors.Is instead of matching strings.
func translate(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}

	var serr sqlite3.Error
	if errors.As(err, &serr) {
		switch serr.Code {
		case sqlite3.ErrBusy, sqlite3.ErrLocked:
			return fmt.Errorf("%w: %v", ErrBusy, err)
		case sqlite3.ErrConstraint:
			return fmt.Errorf("%w: %v", ErrConstraint, err)
		}
	}
	return err
}
