package store

import (
	"context"
	"strings"

	"graphmem/internal/logging"
)

// FTSHit is one lexical match: a rowid in the searched table and its BM25
// relevance, already flipped so higher is better.
type FTSHit struct {
	RowID int64
	Score float64
}

// quoteFTSQuery wraps each whitespace token in double quotes so user input
// cannot inject FTS5 query syntax (NEAR, AND, column filters). Embedded
// quotes are doubled per FTS5 escaping rules. Tokens join with OR: recall
// queries are bags of words and BM25 already ranks fuller matches higher.
func quoteFTSQuery(query string) string {
	fields := strings.Fields(query)
	if len(fields) == 0 {
		return `""`
	}
	quoted := make([]string, len(fields))
	for i, f := range fields {
		quoted[i] = `"` + strings.ReplaceAll(f, `"`, `""`) + `"`
	}
	return strings.Join(quoted, " OR ")
}

// SearchContent runs a full-text query over ingested content and returns
// the top content item ids by BM25.
func SearchContent(ctx context.Context, q Querier, query string, limit int) ([]FTSHit, error) {
	return searchFTS(ctx, q, "content_fts", query, limit)
}

// SearchFacts runs a full-text query over fact search text and returns the
// top fact ids by BM25.
func SearchFacts(ctx context.Context, q Querier, query string, limit int) ([]FTSHit, error) {
	return searchFTS(ctx, q, "facts_fts", query, limit)
}

func searchFTS(ctx context.Context, q Querier, table, query string, limit int) ([]FTSHit, error) {
	if strings.TrimSpace(query) == "" {
		return nil, nil
	}
	if limit <= 0 {
		limit = 10
	}

	// bm25() returns lower-is-better; negate so callers sort descending.
	rows, err := q.QueryContext(ctx,
		`SELECT rowid, -bm25(`+table+`) AS score
		 FROM `+table+` WHERE `+table+` MATCH ?
		 ORDER BY score DESC LIMIT ?`,
		quoteFTSQuery(query), limit)
	if err != nil {
		return nil, translate(err)
	}
	defer rows.Close()

	var hits []FTSHit
	for rows.Next() {
		var h FTSHit
		if err := rows.Scan(&h.RowID, &h.Score); err != nil {
			return nil, err
		}
		hits = append(hits, h)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	logging.RecallDebug("FTS %s: %q -> %d hits", table, query, len(hits))
	return hits, nil
}

// RebuildFTS re-populates both full-text indexes from their content
// tables. The sweeper runs this after bulk deletions.
func RebuildFTS(ctx context.Context, q Querier) error {
	if _, err := q.ExecContext(ctx, "INSERT INTO content_fts(content_fts) VALUES ('rebuild')"); err != nil {
		return translate(err)
	}
	if _, err := q.ExecContext(ctx, "INSERT INTO facts_fts(facts_fts) VALUES ('rebuild')"); err != nil {
		return translate(err)
	}
	return nil
}
