package store

import (
	"context"
	"database/sql"

	"github.com/google/uuid"

	"graphmem/internal/types"
)

// StartOperation records a new resumable batch operation and returns its
// progress row. One running operation per op_type is enforced by resuming
// instead of starting fresh: callers should check ResumableOperation first.
func (s *Store) StartOperation(ctx context.Context, opType string, scope types.Scope, total int) (*types.OperationProgress, error) {
	id := uuid.NewString()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO operation_progress (id, op_type, scope, total_items, state)
		 VALUES (?, ?, ?, ?, ?)`,
		id, opType, string(scope), total, types.OpRunning)
	if err != nil {
		return nil, translate(err)
	}
	return s.OperationByID(ctx, id)
}

// ResumableOperation returns the most recent running operation of a type,
// or ErrNotFound.
func (s *Store) ResumableOperation(ctx context.Context, opType string) (*types.OperationProgress, error) {
	row := s.db.QueryRowContext(ctx,
		progressSelect+" WHERE op_type = ? AND state = ? ORDER BY started_at DESC LIMIT 1",
		opType, types.OpRunning)
	return scanProgress(row)
}

// OperationByID loads one progress row.
func (s *Store) OperationByID(ctx context.Context, id string) (*types.OperationProgress, error) {
	row := s.db.QueryRowContext(ctx, progressSelect+" WHERE id = ?", id)
	return scanProgress(row)
}

const progressSelect = `SELECT id, op_type, scope, total_items, processed_items,
	checkpoint, state, started_at, updated_at FROM operation_progress`

func scanProgress(row *sql.Row) (*types.OperationProgress, error) {
	var p types.OperationProgress
	var scope string
	err := row.Scan(&p.ID, &p.OpType, &scope, &p.TotalItems, &p.ProcessedItems,
		&p.Checkpoint, &p.State, &p.StartedAt, &p.UpdatedAt)
	if err != nil {
		return nil, translate(err)
	}
	p.Scope = types.Scope(scope)
	return &p, nil
}

// CheckpointOperation advances a running operation: processed count and an
// opaque checkpoint (for embedding backfills, the last fact id).
func (s *Store) CheckpointOperation(ctx context.Context, id string, processed int, checkpoint []byte) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE operation_progress
		 SET processed_items = ?, checkpoint = ?, updated_at = CURRENT_TIMESTAMP
		 WHERE id = ?`,
		processed, checkpoint, id)
	return translate(err)
}

// FinishOperation marks an operation completed or failed.
func (s *Store) FinishOperation(ctx context.Context, id, state string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE operation_progress SET state = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?",
		state, id)
	return translate(err)
}

// RecordIngestionMetric appends one token-accounting row.
func RecordIngestionMetric(ctx context.Context, q Querier, m types.IngestionMetric) error {
	_, err := q.ExecContext(ctx,
		`INSERT INTO ingestion_metrics (input_tokens, output_tokens, facts_extracted)
		 VALUES (?, ?, ?)`,
		m.InputTokens, m.OutputTokens, m.FactsExtracted)
	return translate(err)
}

// IngestionTotals sums the metric columns for stats output.
func (s *Store) IngestionTotals(ctx context.Context) (inputTokens, outputTokens, facts int64, err error) {
	err = s.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(input_tokens), 0), COALESCE(SUM(output_tokens), 0),
		        COALESCE(SUM(facts_extracted), 0)
		 FROM ingestion_metrics`).Scan(&inputTokens, &outputTokens, &facts)
	if err != nil {
		err = translate(err)
	}
	return
}
