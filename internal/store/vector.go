package store

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
	"sort"

	"graphmem/internal/logging"
)

// EmbeddingDim is the fixed vector width of the store. Writes with any
// other width are refused with ErrDimensionMismatch.
const EmbeddingDim = 384

// EncodeEmbedding serializes a vector as little-endian float32 bytes, the
// layout sqlite-vec expects for float[] columns.
func EncodeEmbedding(vec []float32) ([]byte, error) {
	if len(vec) != EmbeddingDim {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(vec), EmbeddingDim)
	}
	buf := new(bytes.Buffer)
	buf.Grow(len(vec) * 4)
	for _, v := range vec {
		if err := binary.Write(buf, binary.LittleEndian, v); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

// DecodeEmbedding deserializes little-endian float32 bytes.
func DecodeEmbedding(blob []byte) ([]float32, error) {
	if len(blob)%4 != 0 {
		return nil, fmt.Errorf("invalid embedding blob length %d", len(blob))
	}
	vec := make([]float32, len(blob)/4)
	for i := range vec {
		bits := binary.LittleEndian.Uint32(blob[i*4:])
		vec[i] = math.Float32frombits(bits)
	}
	return vec, nil
}

// ensureVecTable creates the ANN index table. rowid mirrors the fact id so
// kNN results map straight back to facts without a join.
func (s *Store) ensureVecTable(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(
		"CREATE VIRTUAL TABLE IF NOT EXISTS fact_vec USING vec0(embedding float[%d])", EmbeddingDim))
	return translate(err)
}

// SetFactEmbedding stores a fact's embedding in the facts row and, when the
// ANN index is active, mirrors it into fact_vec.
func (s *Store) SetFactEmbedding(ctx context.Context, factID int64, vec []float32) error {
	blob, err := EncodeEmbedding(vec)
	if err != nil {
		return err
	}

	return s.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			"UPDATE facts SET embedding = ? WHERE id = ?", blob, factID); err != nil {
			return translate(err)
		}
		if s.vecEnabled {
			if _, err := tx.ExecContext(ctx,
				"DELETE FROM fact_vec WHERE rowid = ?", factID); err != nil {
				return translate(err)
			}
			if _, err := tx.ExecContext(ctx,
				"INSERT INTO fact_vec (rowid, embedding) VALUES (?, ?)", factID, blob); err != nil {
				return translate(err)
			}
		}
		return nil
	})
}

// RemoveFactEmbedding drops a fact's vector from the ANN index, used when
// a fact leaves the open set.
func (s *Store) RemoveFactEmbedding(ctx context.Context, factID int64) error {
	if !s.vecEnabled {
		return nil
	}
	_, err := s.db.ExecContext(ctx, "DELETE FROM fact_vec WHERE rowid = ?", factID)
	return translate(err)
}

// VectorHit is one nearest-neighbour match.
type VectorHit struct {
	FactID int64
	// Distance is cosine distance: lower is closer.
	Distance float64
}

// NearestFacts returns up to k facts nearest to the query vector. With the
// ANN index it is a two-step read: the kNN query touches only fact_vec
// (fetching k*3 rows to survive post-filtering), and the caller hydrates
// facts afterwards in one batched lookup. Without the index it falls back
// to an in-process scan over stored embeddings.
func (s *Store) NearestFacts(ctx context.Context, query []float32, k int) ([]VectorHit, error) {
	timer := logging.StartTimer(logging.CategoryRecall, "NearestFacts")
	defer timer.Stop()

	if len(query) != EmbeddingDim {
		return nil, fmt.Errorf("%w: query has %d dims, want %d", ErrDimensionMismatch, len(query), EmbeddingDim)
	}
	if k <= 0 {
		k = 10
	}

	if s.vecEnabled {
		return s.nearestViaIndex(ctx, query, k)
	}
	return s.nearestViaScan(ctx, query, k)
}

func (s *Store) nearestViaIndex(ctx context.Context, query []float32, k int) ([]VectorHit, error) {
	blob, err := EncodeEmbedding(query)
	if err != nil {
		return nil, err
	}

	// Over-fetch so that closed facts filtered out downstream do not
	// starve the result set.
	rows, err := s.db.QueryContext(ctx,
		`SELECT rowid, distance FROM fact_vec
		 WHERE embedding MATCH ? AND k = ?
		 ORDER BY distance`,
		blob, k*3)
	if err != nil {
		return nil, translate(err)
	}
	defer rows.Close()

	var hits []VectorHit
	for rows.Next() {
		var h VectorHit
		if err := rows.Scan(&h.FactID, &h.Distance); err != nil {
			return nil, err
		}
		hits = append(hits, h)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	logging.RecallDebug("ANN index returned %d candidates for k=%d", len(hits), k)
	return hits, nil
}

// nearestViaScan is the no-extension fallback: decode every stored
// embedding and rank by cosine distance in process.
func (s *Store) nearestViaScan(ctx context.Context, query []float32, k int) ([]VectorHit, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, embedding FROM facts
		 WHERE embedding IS NOT NULL
		   AND status IN ('proposed', 'active', 'disputed')`)
	if err != nil {
		return nil, translate(err)
	}
	defer rows.Close()

	var qMag float64
	for _, v := range query {
		qMag += float64(v) * float64(v)
	}
	qMag = math.Sqrt(qMag)

	var hits []VectorHit
	for rows.Next() {
		var id int64
		var blob []byte
		if err := rows.Scan(&id, &blob); err != nil {
			return nil, err
		}
		vec, err := DecodeEmbedding(blob)
		if err != nil || len(vec) != EmbeddingDim {
			continue
		}

		var dot, mag float64
		for i, v := range vec {
			dot += float64(v) * float64(query[i])
			mag += float64(v) * float64(v)
		}
		mag = math.Sqrt(mag)
		if mag == 0 || qMag == 0 {
			continue
		}
		hits = append(hits, VectorHit{FactID: id, Distance: 1 - dot/(mag*qMag)})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.Slice(hits, func(i, j int) bool { return hits[i].Distance < hits[j].Distance })
	if len(hits) > k*3 {
		hits = hits[:k*3]
	}
	logging.RecallDebug("Linear scan ranked %d embedded facts", len(hits))
	return hits, nil
}
