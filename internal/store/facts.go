package store

import (
	"context"
	"database/sql"
	"time"

	"graphmem/internal/types"
)

const factSelect = `SELECT f.id, f.subject_id, se.name, f.predicate,
	f.object_entity_id, oe.name, f.object_literal, f.object_datatype,
	f.polarity, f.valid_from, f.valid_to, f.status, f.confidence,
	f.source, f.scope, f.project_path, f.created_at, f.embedding
	FROM facts f
	JOIN entities se ON se.id = f.subject_id
	LEFT JOIN entities oe ON oe.id = f.object_entity_id`

// InsertFact stores a fact and returns it with its id and timestamps set.
// The signature and search text are derived here so every writer indexes
// facts identically.
func InsertFact(ctx context.Context, q Querier, f *types.Fact, quote string) (*types.Fact, error) {
	if f.Status == "" {
		f.Status = types.StatusActive
	}
	if f.Polarity == "" {
		f.Polarity = types.PolarityPositive
	}
	if f.ValidFrom.IsZero() {
		f.ValidFrom = time.Now().UTC()
	}
	if f.Object.Datatype == "" && !f.Object.IsEntity() {
		f.Object.Datatype = "string"
	}
	if err := f.CheckInvariants(); err != nil {
		return nil, err
	}

	var objEntityID, objLiteral any
	if f.Object.IsEntity() {
		objEntityID = f.Object.EntityID
	} else {
		objLiteral = f.Object.Literal
	}

	var embedding any
	if len(f.Embedding) > 0 {
		blob, err := EncodeEmbedding(f.Embedding)
		if err != nil {
			return nil, err
		}
		embedding = blob
	}

	res, err := q.ExecContext(ctx,
		`INSERT INTO facts
		 (subject_id, predicate, object_entity_id, object_literal, object_datatype,
		  polarity, valid_from, valid_to, status, confidence, source, scope,
		  project_path, signature, search_text, embedding)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		f.SubjectID, f.Predicate, objEntityID, objLiteral, f.Object.Datatype,
		string(f.Polarity), f.ValidFrom, f.ValidTo, string(f.Status), f.Confidence,
		f.Source, string(f.Scope), f.ProjectPath, f.Signature(), f.SearchText(quote), embedding)
	if err != nil {
		return nil, translate(err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	return FactByID(ctx, q, id)
}

// FactByID loads one fact with entity names materialized.
func FactByID(ctx context.Context, q Querier, id int64) (*types.Fact, error) {
	row := q.QueryRowContext(ctx, factSelect+" WHERE f.id = ?", id)
	return scanFact(row)
}

func scanFact(row rowScanner) (*types.Fact, error) {
	var f types.Fact
	var objEntityID sql.NullInt64
	var objEntityName, objLiteral sql.NullString
	var validTo sql.NullTime
	var polarity, status, scope string
	var blob []byte

	err := row.Scan(&f.ID, &f.SubjectID, &f.SubjectName, &f.Predicate,
		&objEntityID, &objEntityName, &objLiteral, &f.Object.Datatype,
		&polarity, &f.ValidFrom, &validTo, &status, &f.Confidence,
		&f.Source, &scope, &f.ProjectPath, &f.CreatedAt, &blob)
	if err != nil {
		return nil, translate(err)
	}

	if objEntityID.Valid {
		f.Object.EntityID = objEntityID.Int64
		f.Object.EntityName = objEntityName.String
	} else {
		f.Object.Literal = objLiteral.String
	}
	if validTo.Valid {
		f.ValidTo = &validTo.Time
	}
	f.Polarity = types.Polarity(polarity)
	f.Status = types.FactStatus(status)
	f.Scope = types.Scope(scope)
	if len(blob) > 0 {
		vec, err := DecodeEmbedding(blob)
		if err != nil {
			return nil, err
		}
		f.Embedding = vec
	}
	return &f, nil
}

// FactsByIDs loads a batch of facts keyed by id, entity names included.
func FactsByIDs(ctx context.Context, q Querier, ids []int64) (map[int64]*types.Fact, error) {
	out := make(map[int64]*types.Fact, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	rows, err := q.QueryContext(ctx,
		factSelect+" WHERE f.id IN ("+placeholders(len(ids))+")", int64Args(ids)...)
	if err != nil {
		return nil, translate(err)
	}
	defer rows.Close()
	for rows.Next() {
		f, err := scanFact(rows)
		if err != nil {
			return nil, err
		}
		out[f.ID] = f
	}
	return out, rows.Err()
}

// OpenFactsForSlot returns the facts with open validity windows on a
// (subject, predicate) slot, oldest first. The resolver's conflict checks
// run against this set.
func OpenFactsForSlot(ctx context.Context, q Querier, subjectID int64, predicate string) ([]*types.Fact, error) {
	rows, err := q.QueryContext(ctx,
		factSelect+` WHERE f.subject_id = ? AND f.predicate = ?
		 AND f.status IN ('proposed', 'active', 'disputed')
		 ORDER BY f.created_at, f.id`,
		subjectID, predicate)
	if err != nil {
		return nil, translate(err)
	}
	defer rows.Close()

	var out []*types.Fact
	for rows.Next() {
		f, err := scanFact(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// ActiveFactBySignature returns the open fact matching a signature, or
// ErrNotFound. Used for idempotent promotion and dedupe checks.
func ActiveFactBySignature(ctx context.Context, q Querier, signature string) (*types.Fact, error) {
	row := q.QueryRowContext(ctx,
		factSelect+` WHERE f.signature = ?
		 AND f.status IN ('proposed', 'active', 'disputed')
		 ORDER BY f.created_at DESC LIMIT 1`, signature)
	return scanFact(row)
}

// CloseFact transitions a fact to a closed status and stamps valid_to.
func CloseFact(ctx context.Context, q Querier, factID int64, status types.FactStatus, at time.Time) error {
	if status.Open() {
		return &types.ValidationError{Field: "status", Reason: "CloseFact requires a closed status"}
	}
	_, err := q.ExecContext(ctx,
		"UPDATE facts SET status = ?, valid_to = ? WHERE id = ?",
		string(status), at, factID)
	return translate(err)
}

// SetFactStatus transitions a fact between open statuses (proposed,
// active, disputed) without touching the validity window.
func SetFactStatus(ctx context.Context, q Querier, factID int64, status types.FactStatus) error {
	if !status.Open() {
		return &types.ValidationError{Field: "status", Reason: "SetFactStatus requires an open status"}
	}
	_, err := q.ExecContext(ctx,
		"UPDATE facts SET status = ? WHERE id = ?", string(status), factID)
	return translate(err)
}

// SetFactConfidence updates a fact's confidence.
func SetFactConfidence(ctx context.Context, q Querier, factID int64, confidence float64) error {
	_, err := q.ExecContext(ctx,
		"UPDATE facts SET confidence = ? WHERE id = ?", confidence, factID)
	return translate(err)
}

// FactsNeedingEmbedding returns open facts without an embedding, ordered by
// id so backfills can checkpoint on the last processed id.
func (s *Store) FactsNeedingEmbedding(ctx context.Context, afterID int64, limit int) ([]*types.Fact, error) {
	rows, err := s.db.QueryContext(ctx,
		factSelect+` WHERE f.embedding IS NULL AND f.id > ?
		 AND f.status IN ('proposed', 'active', 'disputed')
		 ORDER BY f.id LIMIT ?`,
		afterID, limit)
	if err != nil {
		return nil, translate(err)
	}
	defer rows.Close()

	var out []*types.Fact
	for rows.Next() {
		f, err := scanFact(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// SearchTextForFact rebuilds and stores a fact's indexed search text, for
// example after a receipt with a better quote lands.
func SearchTextForFact(ctx context.Context, q Querier, f *types.Fact, quote string) error {
	_, err := q.ExecContext(ctx,
		"UPDATE facts SET search_text = ? WHERE id = ?", f.SearchText(quote), f.ID)
	return translate(err)
}

// ExpireFactsOlderThan closes open facts of the given status created before
// cutoff, marking them retracted. Returns the number closed. The sweeper
// uses this for proposed/disputed TTLs.
func ExpireFactsOlderThan(ctx context.Context, q Querier, status types.FactStatus, cutoff time.Time, limit int) (int64, error) {
	res, err := q.ExecContext(ctx,
		`UPDATE facts SET status = 'retracted', valid_to = CURRENT_TIMESTAMP
		 WHERE id IN (
			SELECT id FROM facts WHERE status = ? AND created_at < ? LIMIT ?
		 )`,
		string(status), cutoff, limit)
	if err != nil {
		return 0, translate(err)
	}
	return res.RowsAffected()
}
