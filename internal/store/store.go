// Package store is the persistence layer: one SQLite file per scope holding
// entities, facts, provenance, links, conflicts, ingested content, and the
// search indexes (FTS5 plus an optional sqlite-vec ANN table). All writes go
// through a single connection; readers share it under WAL.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"graphmem/internal/logging"
	"graphmem/internal/types"
)

// Querier is the subset of database/sql shared by *sql.DB and *sql.Tx.
// Store functions that may run inside a caller's transaction take a Querier
// so nested calls reuse the open transaction instead of deadlocking against
// the single connection.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store is a scope-keyed SQLite knowledge store.
type Store struct {
	db         *sql.DB
	path       string
	scope      types.Scope
	vecEnabled bool
}

// Open initializes the store file at path for the given scope, creating the
// parent directory and running any pending migrations.
func Open(path string, scope types.Scope, busyTimeout time.Duration) (*Store, error) {
	timer := logging.StartTimer(logging.CategoryStore, "Open")
	defer timer.Stop()

	logging.Store("Opening %s store at %s", scope, path)

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if busyTimeout <= 0 {
		busyTimeout = 5 * time.Second
	}
	if _, err := db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busyTimeout.Milliseconds())); err != nil {
		logging.StoreDebug("Failed to set sqlite busy_timeout: %v", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		logging.StoreDebug("Failed to set sqlite journal_mode=WAL: %v", err)
	}
	// synchronous=NORMAL is safe under WAL and much faster than FULL.
	if _, err := db.Exec("PRAGMA synchronous = NORMAL"); err != nil {
		logging.StoreDebug("Failed to set sqlite synchronous=NORMAL: %v", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		logging.StoreDebug("Failed to enable foreign keys: %v", err)
	}

	s := &Store{db: db, path: path, scope: scope}

	if err := s.migrate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}

	s.detectVec()
	if s.vecEnabled {
		if err := s.ensureVecTable(context.Background()); err != nil {
			logging.Get(logging.CategoryStore).Warn("Failed to create vec index, falling back to linear scan: %v", err)
			s.vecEnabled = false
		}
	}
	if s.vecEnabled {
		logging.Store("sqlite-vec extension detected, ANN index enabled")
	} else {
		logging.Get(logging.CategoryStore).Warn("sqlite-vec not available; vector search uses in-process scan")
	}

	logging.Store("%s store ready (schema v%d)", scope, TargetSchemaVersion)
	return s, nil
}

// detectVec probes for the vec0 virtual table module by creating and
// dropping a throwaway table.
func (s *Store) detectVec() {
	_, err := s.db.Exec("CREATE VIRTUAL TABLE IF NOT EXISTS vec_probe USING vec0(embedding float[4])")
	if err != nil {
		s.vecEnabled = false
		return
	}
	_, _ = s.db.Exec("DROP TABLE IF EXISTS vec_probe")
	s.vecEnabled = true
}

// Scope returns the scope this store file belongs to.
func (s *Store) Scope() types.Scope {
	return s.scope
}

// Path returns the store file path.
func (s *Store) Path() string {
	return s.path
}

// VecEnabled reports whether the ANN index is active.
func (s *Store) VecEnabled() bool {
	return s.vecEnabled
}

// DB exposes the underlying handle for callers that manage their own
// transactions (resolver, sweeper).
func (s *Store) DB() *sql.DB {
	return s.db
}

// WithTx runs fn inside a transaction, committing on nil and rolling back
// on error or panic.
func (s *Store) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return translate(err)
	}
	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return translate(err)
	}
	return nil
}

// CheckpointWAL folds the write-ahead log back into the main file. Called
// by the sweeper as its final phase.
func (s *Store) CheckpointWAL(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)")
	return translate(err)
}

// Stats summarizes a store file for diagnostics output.
type Stats struct {
	Scope         types.Scope      `json:"scope"`
	Path          string           `json:"path"`
	Entities      int64            `json:"entities"`
	FactsByStatus map[string]int64 `json:"facts_by_status"`
	ContentItems  int64            `json:"content_items"`
	Provenance    int64            `json:"provenance"`
	OpenConflicts int64            `json:"open_conflicts"`
	Embedded      int64            `json:"embedded_facts"`
	SizeBytes     int64            `json:"size_bytes"`
	VecEnabled    bool             `json:"vec_enabled"`
}

// CollectStats gathers row counts and file size.
func (s *Store) CollectStats(ctx context.Context) (*Stats, error) {
	st := &Stats{
		Scope:         s.scope,
		Path:          s.path,
		FactsByStatus: make(map[string]int64),
		VecEnabled:    s.vecEnabled,
	}

	singles := []struct {
		query string
		dst   *int64
	}{
		{"SELECT COUNT(*) FROM entities", &st.Entities},
		{"SELECT COUNT(*) FROM content_items", &st.ContentItems},
		{"SELECT COUNT(*) FROM provenance", &st.Provenance},
		{"SELECT COUNT(*) FROM conflicts WHERE status = 'open'", &st.OpenConflicts},
		{"SELECT COUNT(*) FROM facts WHERE embedding IS NOT NULL", &st.Embedded},
	}
	for _, q := range singles {
		if err := s.db.QueryRowContext(ctx, q.query).Scan(q.dst); err != nil {
			return nil, translate(err)
		}
	}

	rows, err := s.db.QueryContext(ctx, "SELECT status, COUNT(*) FROM facts GROUP BY status")
	if err != nil {
		return nil, translate(err)
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		st.FactsByStatus[status] = n
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if fi, err := os.Stat(s.path); err == nil {
		st.SizeBytes = fi.Size()
	}
	return st, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	logging.StoreDebug("Closing %s store at %s", s.scope, s.path)
	return s.db.Close()
}
