package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"graphmem/internal/logging"
)

// TargetSchemaVersion is the schema this binary writes. Opening a file with
// a higher recorded version fails with ErrSchemaMismatch rather than
// corrupting a newer layout.
const TargetSchemaVersion = 4

type migration struct {
	version int
	name    string
	apply   func(ctx context.Context, tx *sql.Tx) error
}

var migrations = []migration{
	{1, "core tables", migrateCoreTables},
	{2, "full-text indexes", migrateFTS},
	{3, "fact embeddings", migrateEmbeddings},
	{4, "progress and metrics", migrateProgress},
}

// migrate brings the schema up to TargetSchemaVersion. Each migration runs
// in its own transaction and records its version, so a crash mid-way
// resumes cleanly.
func (s *Store) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_info (
			version INTEGER NOT NULL
		)`); err != nil {
		return translate(err)
	}

	version, err := s.schemaVersion(ctx)
	if err != nil {
		return err
	}
	if version > TargetSchemaVersion {
		return fmt.Errorf("%w: file is v%d, binary supports v%d", ErrSchemaMismatch, version, TargetSchemaVersion)
	}

	for _, m := range migrations {
		if m.version <= version {
			continue
		}
		logging.Store("Applying schema migration v%d: %s", m.version, m.name)
		err := s.WithTx(ctx, func(tx *sql.Tx) error {
			if err := m.apply(ctx, tx); err != nil {
				return fmt.Errorf("migration v%d (%s) failed: %w", m.version, m.name, err)
			}
			if version == 0 && m.version == 1 {
				_, err := tx.ExecContext(ctx, "INSERT INTO schema_info (version) VALUES (1)")
				return translate(err)
			}
			_, err := tx.ExecContext(ctx, "UPDATE schema_info SET version = ?", m.version)
			return translate(err)
		})
		if err != nil {
			return err
		}
		version = m.version
	}
	return nil
}

func (s *Store) schemaVersion(ctx context.Context) (int, error) {
	var version int
	err := s.db.QueryRowContext(ctx, "SELECT version FROM schema_info LIMIT 1").Scan(&version)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, translate(err)
	}
	return version, nil
}

func migrateCoreTables(ctx context.Context, tx *sql.Tx) error {
	stmts := []string{
		`CREATE TABLE entities (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			type TEXT NOT NULL,
			name TEXT NOT NULL,
			slug TEXT NOT NULL UNIQUE,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE entity_aliases (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			entity_id INTEGER NOT NULL REFERENCES entities(id) ON DELETE CASCADE,
			alias TEXT NOT NULL,
			source TEXT NOT NULL DEFAULT '',
			confidence REAL NOT NULL DEFAULT 1.0,
			UNIQUE(entity_id, alias)
		)`,
		`CREATE TABLE content_items (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			source TEXT NOT NULL DEFAULT '',
			session_id TEXT NOT NULL,
			transcript_path TEXT NOT NULL DEFAULT '',
			project_path TEXT NOT NULL DEFAULT '',
			occurred_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			ingested_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			text_hash TEXT NOT NULL,
			byte_len INTEGER NOT NULL DEFAULT 0,
			raw_text TEXT NOT NULL,
			metadata TEXT NOT NULL DEFAULT '{}',
			git_branch TEXT NOT NULL DEFAULT '',
			work_dir TEXT NOT NULL DEFAULT '',
			caller_version TEXT NOT NULL DEFAULT '',
			thinking_level TEXT NOT NULL DEFAULT '',
			source_mod_time DATETIME,
			UNIQUE(text_hash, session_id)
		)`,
		`CREATE TABLE facts (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			subject_id INTEGER NOT NULL REFERENCES entities(id),
			predicate TEXT NOT NULL,
			object_entity_id INTEGER REFERENCES entities(id),
			object_literal TEXT,
			object_datatype TEXT NOT NULL DEFAULT 'string',
			polarity TEXT NOT NULL DEFAULT 'positive',
			valid_from DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			valid_to DATETIME,
			status TEXT NOT NULL DEFAULT 'active',
			confidence REAL NOT NULL DEFAULT 0.7,
			source TEXT NOT NULL DEFAULT '',
			scope TEXT NOT NULL,
			project_path TEXT NOT NULL DEFAULT '',
			signature TEXT NOT NULL,
			search_text TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX idx_facts_slot ON facts(subject_id, predicate)`,
		`CREATE INDEX idx_facts_signature ON facts(signature)`,
		`CREATE INDEX idx_facts_status ON facts(status)`,
		`CREATE TABLE provenance (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			fact_id INTEGER NOT NULL REFERENCES facts(id) ON DELETE CASCADE,
			content_item_id INTEGER REFERENCES content_items(id) ON DELETE SET NULL,
			quote TEXT NOT NULL DEFAULT '',
			attribution_id INTEGER,
			strength TEXT NOT NULL DEFAULT 'stated',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX idx_provenance_fact ON provenance(fact_id)`,
		`CREATE INDEX idx_provenance_content ON provenance(content_item_id)`,
		`CREATE TABLE fact_links (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			from_fact_id INTEGER NOT NULL REFERENCES facts(id) ON DELETE CASCADE,
			to_fact_id INTEGER NOT NULL REFERENCES facts(id) ON DELETE CASCADE,
			link_type TEXT NOT NULL,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			UNIQUE(from_fact_id, to_fact_id, link_type)
		)`,
		`CREATE TABLE conflicts (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			fact_a_id INTEGER NOT NULL REFERENCES facts(id) ON DELETE CASCADE,
			fact_b_id INTEGER NOT NULL REFERENCES facts(id) ON DELETE CASCADE,
			status TEXT NOT NULL DEFAULT 'open',
			detected_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			resolved_at DATETIME,
			notes TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX idx_conflicts_status ON conflicts(status)`,
		`CREATE TABLE ingest_cursors (
			session_id TEXT NOT NULL,
			transcript_path TEXT NOT NULL DEFAULT '',
			position INTEGER NOT NULL DEFAULT 0,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (session_id, transcript_path)
		)`,
	}
	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return translate(err)
		}
	}
	return nil
}

// migrateFTS builds external-content FTS5 tables kept in sync by triggers,
// so index maintenance never leaks into application code.
//
// mattn/go-sqlite3 only compiles the FTS5 module in when the binary is
// built with the fts5 (or sqlite_fts5) build tag; the Makefile passes it
// by default. An untagged build fails here on the first open.
func migrateFTS(ctx context.Context, tx *sql.Tx) error {
	stmts := []string{
		`CREATE VIRTUAL TABLE content_fts USING fts5(
			raw_text,
			content='content_items',
			content_rowid='id',
			tokenize='porter unicode61'
		)`,
		`CREATE TRIGGER content_items_ai AFTER INSERT ON content_items BEGIN
			INSERT INTO content_fts(rowid, raw_text) VALUES (new.id, new.raw_text);
		END`,
		`CREATE TRIGGER content_items_ad AFTER DELETE ON content_items BEGIN
			INSERT INTO content_fts(content_fts, rowid, raw_text) VALUES ('delete', old.id, old.raw_text);
		END`,
		`CREATE TRIGGER content_items_au AFTER UPDATE OF raw_text ON content_items BEGIN
			INSERT INTO content_fts(content_fts, rowid, raw_text) VALUES ('delete', old.id, old.raw_text);
			INSERT INTO content_fts(rowid, raw_text) VALUES (new.id, new.raw_text);
		END`,
		`CREATE VIRTUAL TABLE facts_fts USING fts5(
			search_text,
			content='facts',
			content_rowid='id',
			tokenize='porter unicode61'
		)`,
		`CREATE TRIGGER facts_ai AFTER INSERT ON facts BEGIN
			INSERT INTO facts_fts(rowid, search_text) VALUES (new.id, new.search_text);
		END`,
		`CREATE TRIGGER facts_ad AFTER DELETE ON facts BEGIN
			INSERT INTO facts_fts(facts_fts, rowid, search_text) VALUES ('delete', old.id, old.search_text);
		END`,
		`CREATE TRIGGER facts_au AFTER UPDATE OF search_text ON facts BEGIN
			INSERT INTO facts_fts(facts_fts, rowid, search_text) VALUES ('delete', old.id, old.search_text);
			INSERT INTO facts_fts(rowid, search_text) VALUES (new.id, new.search_text);
		END`,
	}
	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			if strings.Contains(err.Error(), "no such module: fts5") {
				return fmt.Errorf("SQLite built without FTS5; rebuild with -tags fts5: %w", err)
			}
			return translate(err)
		}
	}
	return nil
}

func migrateEmbeddings(ctx context.Context, tx *sql.Tx) error {
	_, err := tx.ExecContext(ctx, "ALTER TABLE facts ADD COLUMN embedding BLOB")
	return translate(err)
}

func migrateProgress(ctx context.Context, tx *sql.Tx) error {
	stmts := []string{
		`CREATE TABLE operation_progress (
			id TEXT PRIMARY KEY,
			op_type TEXT NOT NULL,
			scope TEXT NOT NULL,
			total_items INTEGER NOT NULL DEFAULT 0,
			processed_items INTEGER NOT NULL DEFAULT 0,
			checkpoint BLOB,
			state TEXT NOT NULL DEFAULT 'running',
			started_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX idx_progress_op ON operation_progress(op_type, state)`,
		`CREATE TABLE ingestion_metrics (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			input_tokens INTEGER NOT NULL DEFAULT 0,
			output_tokens INTEGER NOT NULL DEFAULT 0,
			facts_extracted INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
	}
	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return translate(err)
		}
	}
	return nil
}
