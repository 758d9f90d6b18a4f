// Package sweeper is the background hygiene pass: it retracts stale
// proposed and disputed facts, deletes orphaned provenance, prunes old
// unreferenced content, and checkpoints the WAL. Each phase runs in its
// own short transaction so a sweep never holds the writer for long.
package sweeper

import (
	"context"
	"database/sql"
	"time"

	"graphmem/internal/config"
	"graphmem/internal/logging"
	"graphmem/internal/store"
	"graphmem/internal/types"
)

// batchSize bounds how many rows a single phase transaction touches.
const batchSize = 500

// Sweeper applies the retention policy to one store at a time.
type Sweeper struct {
	cfg config.SweeperConfig
}

// New builds a sweeper.
func New(cfg config.SweeperConfig) *Sweeper {
	return &Sweeper{cfg: cfg}
}

// Result reports what one sweep did and whether it finished inside its
// time budget.
type Result struct {
	ProposedExpired   int64         `json:"proposed_expired"`
	DisputedExpired   int64         `json:"disputed_expired"`
	ProvenanceDeleted int64         `json:"provenance_deleted"`
	ContentPruned     int64         `json:"content_pruned"`
	Checkpointed      bool          `json:"checkpointed"`
	Elapsed           time.Duration `json:"elapsed"`
	BudgetHonored     bool          `json:"budget_honored"`
}

// Sweep runs the phases in order against one store, stopping cleanly when
// the budget runs out. A non-positive budget means "do nothing": the
// result reports zero work with the budget honored.
func (s *Sweeper) Sweep(ctx context.Context, st *store.Store, budget time.Duration) (*Result, error) {
	timer := logging.StartTimer(logging.CategorySweeper, "Sweep")
	defer timer.Stop()

	res := &Result{BudgetHonored: true}
	if budget <= 0 {
		logging.Sweeper("Sweep skipped: zero budget")
		return res, nil
	}

	start := time.Now()
	deadline := start.Add(budget)
	now := time.Now().UTC()

	phases := []struct {
		name string
		run  func(ctx context.Context, tx *sql.Tx) (int64, error)
		dst  *int64
	}{
		{"expire proposed", func(ctx context.Context, tx *sql.Tx) (int64, error) {
			return store.ExpireFactsOlderThan(ctx, tx, types.StatusProposed, now.Add(-s.cfg.ProposedTTL), batchSize)
		}, &res.ProposedExpired},
		{"expire disputed", func(ctx context.Context, tx *sql.Tx) (int64, error) {
			return store.ExpireFactsOlderThan(ctx, tx, types.StatusDisputed, now.Add(-s.cfg.DisputedTTL), batchSize)
		}, &res.DisputedExpired},
		{"delete orphan provenance", func(ctx context.Context, tx *sql.Tx) (int64, error) {
			return store.DeleteOrphanProvenance(ctx, tx, now, batchSize)
		}, &res.ProvenanceDeleted},
		{"prune content", func(ctx context.Context, tx *sql.Tx) (int64, error) {
			return store.PruneContent(ctx, tx, now.Add(-s.cfg.ContentTTL), batchSize)
		}, &res.ContentPruned},
	}

	for _, phase := range phases {
		for {
			if time.Now().After(deadline) {
				res.BudgetHonored = false
				res.Elapsed = time.Since(start)
				logging.Sweeper("Sweep stopped at budget during %q: %+v", phase.name, *res)
				return res, nil
			}

			var n int64
			err := st.WithTx(ctx, func(tx *sql.Tx) error {
				var err error
				n, err = phase.run(ctx, tx)
				return err
			})
			if err != nil {
				return res, err
			}
			*phase.dst += n
			// A short batch means the phase is drained.
			if n < batchSize {
				break
			}
		}
	}

	if time.Now().Before(deadline) {
		if err := st.CheckpointWAL(ctx); err != nil {
			logging.Get(logging.CategorySweeper).Warn("WAL checkpoint failed: %v", err)
		} else {
			res.Checkpointed = true
		}
	} else {
		res.BudgetHonored = false
	}

	res.Elapsed = time.Since(start)
	logging.Sweeper("Sweep complete on %s store: proposed=%d disputed=%d provenance=%d content=%d elapsed=%s",
		st.Scope(), res.ProposedExpired, res.DisputedExpired, res.ProvenanceDeleted, res.ContentPruned, res.Elapsed)
	return res, nil
}
