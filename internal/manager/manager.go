// Package manager owns the two scope-keyed store files: the user-wide
// global store and the per-project store. Stores open lazily on first use;
// cross-store operations (promotion, merged stats, backfills) live here so
// nothing else ever holds both handles.
package manager

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"golang.org/x/sync/errgroup"

	"graphmem/internal/config"
	"graphmem/internal/embedding"
	"graphmem/internal/logging"
	"graphmem/internal/store"
	"graphmem/internal/types"
)

// ErrNoProject means a project-scoped operation ran without a configured
// project directory.
var ErrNoProject = errors.New("manager: no project store configured")

// Manager opens and hands out the scope-keyed stores.
type Manager struct {
	cfg *config.Config

	mu      sync.Mutex
	global  *store.Store
	project *store.Store
}

// New builds a manager. No store is opened until first use.
func New(cfg *config.Config) *Manager {
	return &Manager{cfg: cfg}
}

// Global returns the user-wide store, opening it on first call.
func (m *Manager) Global(ctx context.Context) (*store.Store, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.global == nil {
		st, err := store.Open(m.cfg.GlobalDBPath(), types.ScopeGlobal, m.cfg.Storage.BusyTimeout)
		if err != nil {
			return nil, err
		}
		m.global = st
	}
	return m.global, nil
}

// Project returns the project store, opening it on first call. Fails with
// ErrNoProject when no project directory is configured.
func (m *Manager) Project(ctx context.Context) (*store.Store, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cfg.ProjectDBPath() == "" {
		return nil, ErrNoProject
	}
	if m.project == nil {
		st, err := store.Open(m.cfg.ProjectDBPath(), types.ScopeProject, m.cfg.Storage.BusyTimeout)
		if err != nil {
			return nil, err
		}
		m.project = st
	}
	return m.project, nil
}

// ForScope resolves a scope to the stores it covers. ScopeAll yields the
// project store first: on merged reads, project-scoped results outrank
// global ones and callers rely on this ordering.
func (m *Manager) ForScope(ctx context.Context, scope types.Scope) ([]*store.Store, error) {
	switch scope {
	case types.ScopeGlobal:
		st, err := m.Global(ctx)
		if err != nil {
			return nil, err
		}
		return []*store.Store{st}, nil
	case types.ScopeProject:
		st, err := m.Project(ctx)
		if err != nil {
			return nil, err
		}
		return []*store.Store{st}, nil
	case types.ScopeAll:
		var stores []*store.Store
		if project, err := m.Project(ctx); err == nil {
			stores = append(stores, project)
		} else if !errors.Is(err, ErrNoProject) {
			return nil, err
		}
		global, err := m.Global(ctx)
		if err != nil {
			return nil, err
		}
		return append(stores, global), nil
	}
	return nil, fmt.Errorf("manager: unknown scope %q", scope)
}

// PromoteFact copies a project fact into the global store. The operation
// is idempotent: if an open global fact with the same signature exists it
// is returned unchanged, and an unknown fact id returns (nil, nil) with
// nothing changed. Copied receipts lose their content item reference
// because content ids are local to each store file; quotes survive.
func (m *Manager) PromoteFact(ctx context.Context, factID int64) (*types.Fact, error) {
	timer := logging.StartTimer(logging.CategoryManager, "PromoteFact")
	defer timer.Stop()

	project, err := m.Project(ctx)
	if err != nil {
		return nil, err
	}
	global, err := m.Global(ctx)
	if err != nil {
		return nil, err
	}

	fact, err := store.FactByID(ctx, project.DB(), factID)
	if errors.Is(err, store.ErrNotFound) {
		logging.Manager("Promote: project fact %d does not exist; nothing to do", factID)
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if !fact.Status.Open() {
		return nil, fmt.Errorf("manager: fact %d is %s, only open facts promote", factID, fact.Status)
	}

	if existing, err := store.ActiveFactBySignature(ctx, global.DB(), fact.Signature()); err == nil {
		logging.Manager("Fact %d already promoted as global fact %d", factID, existing.ID)
		return existing, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	receipts, err := store.ProvenanceForFacts(ctx, project.DB(), []int64{factID})
	if err != nil {
		return nil, err
	}

	subjectType := entityTypeOf(ctx, project, fact.SubjectID)
	objectType := types.EntityConcept
	if fact.Object.IsEntity() {
		objectType = entityTypeOf(ctx, project, fact.Object.EntityID)
	}

	var promoted *types.Fact
	err = global.WithTx(ctx, func(tx *sql.Tx) error {
		subject, err := store.FindOrCreateEntity(ctx, tx, subjectType, fact.SubjectName)
		if err != nil {
			return err
		}

		object := fact.Object
		if object.IsEntity() {
			objEntity, err := store.FindOrCreateEntity(ctx, tx, objectType, object.EntityName)
			if err != nil {
				return err
			}
			object = types.ObjectRef{EntityID: objEntity.ID, EntityName: objEntity.Name}
		}

		dup := &types.Fact{
			SubjectID:   subject.ID,
			SubjectName: subject.Name,
			Predicate:   fact.Predicate,
			Object:      object,
			Polarity:    fact.Polarity,
			Status:      fact.Status,
			Confidence:  fact.Confidence,
			Source:      fact.Source,
			Scope:       types.ScopeGlobal,
			Embedding:   fact.Embedding,
		}
		quote := ""
		if rs := receipts[factID]; len(rs) > 0 {
			quote = rs[0].Quote
		}
		promoted, err = store.InsertFact(ctx, tx, dup, quote)
		if err != nil {
			return err
		}

		for _, r := range receipts[factID] {
			if _, err := store.AppendProvenance(ctx, tx, &types.Provenance{
				FactID:   promoted.ID,
				Quote:    r.Quote,
				Strength: r.Strength,
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	logging.Manager("Promoted project fact %d to global fact %d (%s)", factID, promoted.ID, promoted.Signature())
	return promoted, nil
}

// entityTypeOf reads an entity's type from the source store, defaulting to
// concept.
func entityTypeOf(ctx context.Context, st *store.Store, entityID int64) types.EntityType {
	e, err := store.EntityByID(ctx, st.DB(), entityID)
	if err != nil {
		return types.EntityConcept
	}
	return e.Type
}

// backfillBatch is how many facts one backfill iteration embeds and how
// often progress checkpoints.
const backfillBatch = 32

// BackfillEmbeddings embeds every open fact missing a vector in the given
// scope's store, checkpointing progress so an interrupted run resumes from
// the last processed fact id instead of restarting.
func (m *Manager) BackfillEmbeddings(ctx context.Context, scope types.Scope, engine embedding.Engine) (int, error) {
	if engine == nil {
		return 0, errors.New("manager: embedding engine not configured")
	}
	stores, err := m.ForScope(ctx, scope)
	if err != nil {
		return 0, err
	}

	total := 0
	for _, st := range stores {
		n, err := m.backfillStore(ctx, st, engine)
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func (m *Manager) backfillStore(ctx context.Context, st *store.Store, engine embedding.Engine) (int, error) {
	timer := logging.StartTimer(logging.CategoryManager, "BackfillEmbeddings")
	defer timer.Stop()

	op, err := st.ResumableOperation(ctx, "embedding_backfill")
	if errors.Is(err, store.ErrNotFound) {
		op, err = st.StartOperation(ctx, "embedding_backfill", st.Scope(), 0)
	}
	if err != nil {
		return 0, err
	}

	afterID := int64(0)
	if len(op.Checkpoint) > 0 {
		if v, err := strconv.ParseInt(string(op.Checkpoint), 10, 64); err == nil {
			afterID = v
		}
	}
	processed := op.ProcessedItems

	for {
		if err := ctx.Err(); err != nil {
			return processed, err
		}
		facts, err := st.FactsNeedingEmbedding(ctx, afterID, backfillBatch)
		if err != nil {
			return processed, err
		}
		if len(facts) == 0 {
			break
		}

		texts := make([]string, len(facts))
		for i, f := range facts {
			texts[i] = f.SearchText("")
		}
		vectors, err := engine.EmbedBatch(ctx, texts)
		if err != nil {
			// Leave the operation running so the next invocation resumes.
			return processed, fmt.Errorf("embedding batch failed at fact %d: %w", facts[0].ID, err)
		}

		for i, f := range facts {
			if err := st.SetFactEmbedding(ctx, f.ID, vectors[i]); err != nil {
				return processed, err
			}
			afterID = f.ID
			processed++
		}
		if err := st.CheckpointOperation(ctx, op.ID, processed, []byte(strconv.FormatInt(afterID, 10))); err != nil {
			return processed, err
		}
		logging.Manager("Backfill checkpoint on %s store: %d facts embedded (last id %d)", st.Scope(), processed, afterID)
	}

	if err := st.FinishOperation(ctx, op.ID, types.OpCompleted); err != nil {
		return processed, err
	}
	return processed, nil
}

// CollectStats gathers stats from all stores the scope covers, reading the
// two files in parallel.
func (m *Manager) CollectStats(ctx context.Context, scope types.Scope) ([]*store.Stats, error) {
	stores, err := m.ForScope(ctx, scope)
	if err != nil {
		return nil, err
	}

	results := make([]*store.Stats, len(stores))
	g, gctx := errgroup.WithContext(ctx)
	for i, st := range stores {
		g.Go(func() error {
			s, err := st.CollectStats(gctx)
			if err != nil {
				return err
			}
			results[i] = s
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// StatsJSON renders merged stats for CLI output.
func (m *Manager) StatsJSON(ctx context.Context, scope types.Scope) ([]byte, error) {
	stats, err := m.CollectStats(ctx, scope)
	if err != nil {
		return nil, err
	}
	return json.MarshalIndent(stats, "", "  ")
}

// Close closes whichever stores were opened.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var firstErr error
	if m.project != nil {
		if err := m.project.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		m.project = nil
	}
	if m.global != nil {
		if err := m.global.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		m.global = nil
	}
	return firstErr
}
