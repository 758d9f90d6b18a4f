package store

import (
	"context"
	"database/sql"
	"time"

	"graphmem/internal/types"
)

// InsertFactLink records a directed edge between facts. Duplicate edges
// are ignored.
func InsertFactLink(ctx context.Context, q Querier, fromID, toID int64, linkType string) error {
	_, err := q.ExecContext(ctx,
		`INSERT INTO fact_links (from_fact_id, to_fact_id, link_type)
		 VALUES (?, ?, ?)
		 ON CONFLICT(from_fact_id, to_fact_id, link_type) DO NOTHING`,
		fromID, toID, linkType)
	return translate(err)
}

// LinksForFacts returns all edges touching any of the given facts, in
// either direction, grouped by fact id. A supersession edge shows up under
// both endpoints so explain output can walk the chain either way.
func LinksForFacts(ctx context.Context, q Querier, factIDs []int64) (map[int64][]types.FactLink, error) {
	out := make(map[int64][]types.FactLink, len(factIDs))
	if len(factIDs) == 0 {
		return out, nil
	}

	ph := placeholders(len(factIDs))
	args := append(int64Args(factIDs), int64Args(factIDs)...)
	rows, err := q.QueryContext(ctx,
		`SELECT id, from_fact_id, to_fact_id, link_type, created_at
		 FROM fact_links
		 WHERE from_fact_id IN (`+ph+`) OR to_fact_id IN (`+ph+`)
		 ORDER BY id`, args...)
	if err != nil {
		return nil, translate(err)
	}
	defer rows.Close()

	want := make(map[int64]bool, len(factIDs))
	for _, id := range factIDs {
		want[id] = true
	}
	for rows.Next() {
		var l types.FactLink
		if err := rows.Scan(&l.ID, &l.FromID, &l.ToID, &l.LinkType, &l.CreatedAt); err != nil {
			return nil, err
		}
		if want[l.FromID] {
			out[l.FromID] = append(out[l.FromID], l)
		}
		if want[l.ToID] && l.ToID != l.FromID {
			out[l.ToID] = append(out[l.ToID], l)
		}
	}
	return out, rows.Err()
}

// SupersededBy returns the id of the fact that supersedes the given one,
// or 0 when none does.
func SupersededBy(ctx context.Context, q Querier, factID int64) (int64, error) {
	var id int64
	err := q.QueryRowContext(ctx,
		`SELECT from_fact_id FROM fact_links
		 WHERE to_fact_id = ? AND link_type = ? ORDER BY id DESC LIMIT 1`,
		factID, types.LinkSupersedes).Scan(&id)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, translate(err)
	}
	return id, nil
}

// OpenConflict records an unresolvable pairing of two facts on the same
// single-valued slot. The incumbent stays active and the challenger stays
// proposed until the conflict resolves.
func OpenConflict(ctx context.Context, q Querier, factAID, factBID int64, notes string) (int64, error) {
	res, err := q.ExecContext(ctx,
		"INSERT INTO conflicts (fact_a_id, fact_b_id, notes) VALUES (?, ?, ?)",
		factAID, factBID, notes)
	if err != nil {
		return 0, translate(err)
	}
	return res.LastInsertId()
}

// ResolveConflictsInvolving closes every open conflict touching the fact.
// The resolver calls this when a supersession settles the slot the
// conflicts were fought over. Returns the number closed.
func ResolveConflictsInvolving(ctx context.Context, q Querier, factID int64, at time.Time) (int64, error) {
	res, err := q.ExecContext(ctx,
		`UPDATE conflicts SET status = 'resolved', resolved_at = ?
		 WHERE status = 'open' AND (fact_a_id = ? OR fact_b_id = ?)`,
		at, factID, factID)
	if err != nil {
		return 0, translate(err)
	}
	return res.RowsAffected()
}

// OpenConflictsForFacts returns open conflicts touching any of the given
// facts, grouped by fact id.
func OpenConflictsForFacts(ctx context.Context, q Querier, factIDs []int64) (map[int64][]types.Conflict, error) {
	out := make(map[int64][]types.Conflict, len(factIDs))
	if len(factIDs) == 0 {
		return out, nil
	}

	ph := placeholders(len(factIDs))
	args := append(int64Args(factIDs), int64Args(factIDs)...)
	rows, err := q.QueryContext(ctx,
		`SELECT id, fact_a_id, fact_b_id, status, detected_at, notes
		 FROM conflicts
		 WHERE status = 'open' AND (fact_a_id IN (`+ph+`) OR fact_b_id IN (`+ph+`))
		 ORDER BY id`, args...)
	if err != nil {
		return nil, translate(err)
	}
	defer rows.Close()

	want := make(map[int64]bool, len(factIDs))
	for _, id := range factIDs {
		want[id] = true
	}
	for rows.Next() {
		var c types.Conflict
		var status string
		if err := rows.Scan(&c.ID, &c.FactAID, &c.FactBID, &status, &c.DetectedAt, &c.Notes); err != nil {
			return nil, err
		}
		c.Status = types.ConflictStatus(status)
		if want[c.FactAID] {
			out[c.FactAID] = append(out[c.FactAID], c)
		}
		if want[c.FactBID] && c.FactBID != c.FactAID {
			out[c.FactBID] = append(out[c.FactBID], c)
		}
	}
	return out, rows.Err()
}

// OpenConflictBetween returns the open conflict joining two facts, in
// either order, or ErrNotFound.
func OpenConflictBetween(ctx context.Context, q Querier, factAID, factBID int64) (*types.Conflict, error) {
	row := q.QueryRowContext(ctx,
		`SELECT id, fact_a_id, fact_b_id, status, detected_at, notes
		 FROM conflicts
		 WHERE status = 'open'
		   AND ((fact_a_id = ? AND fact_b_id = ?) OR (fact_a_id = ? AND fact_b_id = ?))
		 LIMIT 1`,
		factAID, factBID, factBID, factAID)
	var c types.Conflict
	var status string
	if err := row.Scan(&c.ID, &c.FactAID, &c.FactBID, &status, &c.DetectedAt, &c.Notes); err != nil {
		return nil, translate(err)
	}
	c.Status = types.ConflictStatus(status)
	return &c, nil
}
