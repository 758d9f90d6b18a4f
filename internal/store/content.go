package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"time"

	"graphmem/internal/logging"
	"graphmem/internal/types"
)

// HashText returns the content identity hash used for per-session dedupe.
func HashText(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// UpsertContentItem stores a content item, deduplicating on
// (text_hash, session_id). It returns the row and whether it was newly
// inserted; on a duplicate the existing row is returned untouched.
func UpsertContentItem(ctx context.Context, q Querier, item *types.ContentItem) (*types.ContentItem, bool, error) {
	if item.TextHash == "" {
		item.TextHash = HashText(item.RawText)
	}
	if item.ByteLen == 0 {
		item.ByteLen = int64(len(item.RawText))
	}
	if item.OccurredAt.IsZero() {
		item.OccurredAt = time.Now().UTC()
	}

	existing, err := contentByHash(ctx, q, item.TextHash, item.SessionID)
	if err == nil {
		logging.StoreDebug("Content item already ingested (hash=%s.., session=%s)", item.TextHash[:8], item.SessionID)
		return existing, false, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, false, err
	}

	meta, err := json.Marshal(item.Metadata)
	if err != nil {
		return nil, false, err
	}

	res, err := q.ExecContext(ctx,
		`INSERT INTO content_items
		 (source, session_id, transcript_path, project_path, occurred_at,
		  text_hash, byte_len, raw_text, metadata,
		  git_branch, work_dir, caller_version, thinking_level, source_mod_time)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		item.Source, item.SessionID, item.TranscriptPath, item.ProjectPath, item.OccurredAt,
		item.TextHash, item.ByteLen, item.RawText, string(meta),
		item.GitBranch, item.WorkDir, item.CallerVersion, item.ThinkingLevel, item.SourceModTime)
	if err != nil {
		terr := translate(err)
		if errors.Is(terr, ErrConstraint) {
			// Lost an insert race inside the same session.
			existing, lookupErr := contentByHash(ctx, q, item.TextHash, item.SessionID)
			if lookupErr != nil {
				return nil, false, lookupErr
			}
			return existing, false, nil
		}
		return nil, false, terr
	}

	id, err := res.LastInsertId()
	if err != nil {
		return nil, false, err
	}
	stored, err := ContentItemByID(ctx, q, id)
	if err != nil {
		return nil, false, err
	}
	return stored, true, nil
}

func contentByHash(ctx context.Context, q Querier, hash, sessionID string) (*types.ContentItem, error) {
	row := q.QueryRowContext(ctx, contentSelect+" WHERE text_hash = ? AND session_id = ?", hash, sessionID)
	return scanContent(row)
}

const contentSelect = `SELECT id, source, session_id, transcript_path, project_path,
	occurred_at, ingested_at, text_hash, byte_len, raw_text, metadata,
	git_branch, work_dir, caller_version, thinking_level, source_mod_time
	FROM content_items`

// ContentItemByID loads one content item.
func ContentItemByID(ctx context.Context, q Querier, id int64) (*types.ContentItem, error) {
	row := q.QueryRowContext(ctx, contentSelect+" WHERE id = ?", id)
	return scanContent(row)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanContent(row rowScanner) (*types.ContentItem, error) {
	var c types.ContentItem
	var meta string
	var modTime sql.NullTime
	err := row.Scan(&c.ID, &c.Source, &c.SessionID, &c.TranscriptPath, &c.ProjectPath,
		&c.OccurredAt, &c.IngestedAt, &c.TextHash, &c.ByteLen, &c.RawText, &meta,
		&c.GitBranch, &c.WorkDir, &c.CallerVersion, &c.ThinkingLevel, &modTime)
	if err != nil {
		return nil, translate(err)
	}
	if meta != "" && meta != "{}" {
		if err := json.Unmarshal([]byte(meta), &c.Metadata); err != nil {
			return nil, err
		}
	}
	if modTime.Valid {
		c.SourceModTime = &modTime.Time
	}
	return &c, nil
}

// ContentItemsByIDs loads a batch of content items keyed by id.
func ContentItemsByIDs(ctx context.Context, q Querier, ids []int64) (map[int64]*types.ContentItem, error) {
	out := make(map[int64]*types.ContentItem, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	rows, err := q.QueryContext(ctx,
		contentSelect+" WHERE id IN ("+placeholders(len(ids))+")", int64Args(ids)...)
	if err != nil {
		return nil, translate(err)
	}
	defer rows.Close()
	for rows.Next() {
		c, err := scanContent(rows)
		if err != nil {
			return nil, err
		}
		out[c.ID] = c
	}
	return out, rows.Err()
}

// Cursor returns the delta cursor position for a (session, transcript)
// pair (0 when unset).
func (s *Store) Cursor(ctx context.Context, sessionID, transcriptPath string) (int64, error) {
	var pos int64
	err := s.db.QueryRowContext(ctx,
		"SELECT position FROM ingest_cursors WHERE session_id = ? AND transcript_path = ?",
		sessionID, transcriptPath).Scan(&pos)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, translate(err)
	}
	return pos, nil
}

// AdvanceCursor moves a (session, transcript) delta cursor forward.
// Cursors are monotonic: a position behind the stored one is refused with
// ErrCursorRegression so a re-run cannot re-ingest already-seen text; an
// equal position is an idempotent replay and allowed.
func AdvanceCursor(ctx context.Context, q Querier, sessionID, transcriptPath string, position int64) error {
	var current int64
	err := q.QueryRowContext(ctx,
		"SELECT position FROM ingest_cursors WHERE session_id = ? AND transcript_path = ?",
		sessionID, transcriptPath).Scan(&current)
	switch {
	case err == sql.ErrNoRows:
		_, err = q.ExecContext(ctx,
			`INSERT INTO ingest_cursors (session_id, transcript_path, position, updated_at)
			 VALUES (?, ?, ?, CURRENT_TIMESTAMP)`,
			sessionID, transcriptPath, position)
		return translate(err)
	case err != nil:
		return translate(err)
	}

	if position < current {
		return ErrCursorRegression
	}
	_, err = q.ExecContext(ctx,
		`UPDATE ingest_cursors SET position = ?, updated_at = CURRENT_TIMESTAMP
		 WHERE session_id = ? AND transcript_path = ?`,
		position, sessionID, transcriptPath)
	return translate(err)
}

// PruneContent deletes content items older than cutoff that no provenance
// receipt references, up to limit rows. Returns the number deleted.
func PruneContent(ctx context.Context, q Querier, cutoff time.Time, limit int) (int64, error) {
	res, err := q.ExecContext(ctx,
		`DELETE FROM content_items WHERE id IN (
			SELECT c.id FROM content_items c
			LEFT JOIN provenance p ON p.content_item_id = c.id
			WHERE p.id IS NULL AND c.ingested_at < ?
			LIMIT ?
		)`, cutoff, limit)
	if err != nil {
		return 0, translate(err)
	}
	return res.RowsAffected()
}
