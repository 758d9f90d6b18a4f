package store

import (
	"context"
	"database/sql"
	"time"

	"graphmem/internal/types"
)

// AppendProvenance records an evidence receipt for a fact. Receipts are
// append-only; nothing updates or deletes them except the sweeper's orphan
// cleanup.
func AppendProvenance(ctx context.Context, q Querier, p *types.Provenance) (*types.Provenance, error) {
	if p.Strength == "" {
		p.Strength = types.StrengthStated
	}
	res, err := q.ExecContext(ctx,
		`INSERT INTO provenance (fact_id, content_item_id, quote, attribution_id, strength)
		 VALUES (?, ?, ?, ?, ?)`,
		p.FactID, p.ContentItemID, p.Quote, p.AttributionID, string(p.Strength))
	if err != nil {
		return nil, translate(err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	stored := *p
	stored.ID = id
	return &stored, nil
}

// ProvenanceForFacts returns receipts for a batch of facts, grouped by fact
// id, in insertion order.
func ProvenanceForFacts(ctx context.Context, q Querier, factIDs []int64) (map[int64][]types.Provenance, error) {
	out := make(map[int64][]types.Provenance, len(factIDs))
	if len(factIDs) == 0 {
		return out, nil
	}
	rows, err := q.QueryContext(ctx,
		`SELECT id, fact_id, content_item_id, quote, attribution_id, strength
		 FROM provenance WHERE fact_id IN (`+placeholders(len(factIDs))+`) ORDER BY id`,
		int64Args(factIDs)...)
	if err != nil {
		return nil, translate(err)
	}
	defer rows.Close()

	for rows.Next() {
		p, err := scanProvenance(rows)
		if err != nil {
			return nil, err
		}
		out[p.FactID] = append(out[p.FactID], *p)
	}
	return out, rows.Err()
}

// FactsCitedByContent returns the facts that any of the given content items
// evidence, as fact id -> citing content item ids. This is the middle query
// of the indexed recall path: content hits fan out to facts through
// receipts, and the mapping lets the ranker carry each content hit's score
// over to its facts.
func FactsCitedByContent(ctx context.Context, q Querier, contentIDs []int64) (map[int64][]int64, error) {
	if len(contentIDs) == 0 {
		return nil, nil
	}
	rows, err := q.QueryContext(ctx,
		`SELECT DISTINCT fact_id, content_item_id FROM provenance
		 WHERE content_item_id IN (`+placeholders(len(contentIDs))+`)`,
		int64Args(contentIDs)...)
	if err != nil {
		return nil, translate(err)
	}
	defer rows.Close()

	out := make(map[int64][]int64)
	for rows.Next() {
		var factID, contentID int64
		if err := rows.Scan(&factID, &contentID); err != nil {
			return nil, err
		}
		out[factID] = append(out[factID], contentID)
	}
	return out, rows.Err()
}

// BestStrengthForFact returns the strongest receipt strength on a fact.
func BestStrengthForFact(ctx context.Context, q Querier, factID int64) (types.Strength, error) {
	byFact, err := ProvenanceForFacts(ctx, q, []int64{factID})
	if err != nil {
		return "", err
	}
	best := types.Strength("")
	for _, p := range byFact[factID] {
		if p.Strength.Rank() > best.Rank() {
			best = p.Strength
		}
	}
	return best, nil
}

func scanProvenance(rows *sql.Rows) (*types.Provenance, error) {
	var p types.Provenance
	var contentID, attributionID sql.NullInt64
	var strength string
	if err := rows.Scan(&p.ID, &p.FactID, &contentID, &p.Quote, &attributionID, &strength); err != nil {
		return nil, err
	}
	if contentID.Valid {
		p.ContentItemID = &contentID.Int64
	}
	if attributionID.Valid {
		p.AttributionID = &attributionID.Int64
	}
	p.Strength = types.Strength(strength)
	return &p, nil
}

// DeleteOrphanProvenance removes receipts whose fact no longer exists or
// was retracted before cutoff. Returns the number deleted.
func DeleteOrphanProvenance(ctx context.Context, q Querier, cutoff time.Time, limit int) (int64, error) {
	res, err := q.ExecContext(ctx,
		`DELETE FROM provenance WHERE id IN (
			SELECT p.id FROM provenance p
			LEFT JOIN facts f ON f.id = p.fact_id
			WHERE f.id IS NULL
			   OR (f.status = 'retracted' AND f.valid_to < ?)
			LIMIT ?
		)`, cutoff, limit)
	if err != nil {
		return 0, translate(err)
	}
	return res.RowsAffected()
}
