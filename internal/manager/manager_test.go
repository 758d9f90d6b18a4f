package manager

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"graphmem/internal/config"
	"graphmem/internal/store"
	"graphmem/internal/types"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	root := t.TempDir()
	cfg := config.DefaultConfig(filepath.Join(root, "project"))
	cfg.Storage.GlobalDir = filepath.Join(root, "global")

	m := New(cfg)
	t.Cleanup(func() { m.Close() })
	return m
}

func seedProjectFact(t *testing.T, m *Manager, object string) *types.Fact {
	t.Helper()
	ctx := context.Background()
	project, err := m.Project(ctx)
	require.NoError(t, err)

	e, err := store.FindOrCreateEntity(ctx, project.DB(), types.EntityRepo, "myapp")
	require.NoError(t, err)
	f, err := store.InsertFact(ctx, project.DB(), &types.Fact{
		SubjectID: e.ID, SubjectName: e.Name,
		Predicate:  "uses_database",
		Object:     types.ObjectRef{Literal: object},
		Confidence: 0.9,
		Scope:      types.ScopeProject, ProjectPath: "/work/app",
	}, "")
	require.NoError(t, err)

	item, _, err := store.UpsertContentItem(ctx, project.DB(), &types.ContentItem{
		SessionID: "s1", RawText: "evidence for " + object,
	})
	require.NoError(t, err)
	_, err = store.AppendProvenance(ctx, project.DB(), &types.Provenance{
		FactID: f.ID, ContentItemID: &item.ID,
		Quote: "evidence for " + object, Strength: types.StrengthStated,
	})
	require.NoError(t, err)
	return f
}

func TestLazyOpenAndForScope(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	global, err := m.Global(ctx)
	require.NoError(t, err)
	assert.Equal(t, types.ScopeGlobal, global.Scope())

	// Same handle on repeat calls.
	again, err := m.Global(ctx)
	require.NoError(t, err)
	assert.Same(t, global, again)

	stores, err := m.ForScope(ctx, types.ScopeAll)
	require.NoError(t, err)
	require.Len(t, stores, 2)
	// Project first: merged reads rank project hits above global ones.
	assert.Equal(t, types.ScopeProject, stores[0].Scope())
	assert.Equal(t, types.ScopeGlobal, stores[1].Scope())

	_, err = m.ForScope(ctx, types.Scope("bogus"))
	assert.Error(t, err)
}

func TestForScopeWithoutProject(t *testing.T) {
	root := t.TempDir()
	cfg := config.DefaultConfig("")
	cfg.Storage.GlobalDir = filepath.Join(root, "global")
	m := New(cfg)
	defer m.Close()
	ctx := context.Background()

	_, err := m.Project(ctx)
	assert.ErrorIs(t, err, ErrNoProject)

	stores, err := m.ForScope(ctx, types.ScopeAll)
	require.NoError(t, err)
	require.Len(t, stores, 1)
	assert.Equal(t, types.ScopeGlobal, stores[0].Scope())
}

func TestPromoteFactIdempotent(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	f := seedProjectFact(t, m, "PostgreSQL")

	promoted, err := m.PromoteFact(ctx, f.ID)
	require.NoError(t, err)
	assert.Equal(t, types.ScopeGlobal, promoted.Scope)
	assert.Empty(t, promoted.ProjectPath)
	assert.Equal(t, f.Signature(), promoted.Signature())

	// Copied receipts keep quotes but drop the per-file content reference.
	global, err := m.Global(ctx)
	require.NoError(t, err)
	receipts, err := store.ProvenanceForFacts(ctx, global.DB(), []int64{promoted.ID})
	require.NoError(t, err)
	require.Len(t, receipts[promoted.ID], 1)
	assert.Nil(t, receipts[promoted.ID][0].ContentItemID)
	assert.Equal(t, "evidence for PostgreSQL", receipts[promoted.ID][0].Quote)

	// Second promotion returns the existing global fact.
	again, err := m.PromoteFact(ctx, f.ID)
	require.NoError(t, err)
	assert.Equal(t, promoted.ID, again.ID)

	stats, err := global.CollectStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.FactsByStatus["active"])
}

func TestPromoteUnknownFactIsNoOp(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	promoted, err := m.PromoteFact(ctx, 9999)
	require.NoError(t, err)
	assert.Nil(t, promoted)

	// Nothing landed in the global store.
	global, err := m.Global(ctx)
	require.NoError(t, err)
	stats, err := global.CollectStats(ctx)
	require.NoError(t, err)
	assert.Empty(t, stats.FactsByStatus)
}

func TestPromoteClosedFactRefused(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	f := seedProjectFact(t, m, "MySQL")
	project, err := m.Project(ctx)
	require.NoError(t, err)
	require.NoError(t, store.CloseFact(ctx, project.DB(), f.ID, types.StatusRetracted, f.ValidFrom))

	_, err = m.PromoteFact(ctx, f.ID)
	assert.Error(t, err)
}

func TestBackfillEmbeddings(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	seedProjectFact(t, m, "PostgreSQL")
	seedProjectFact(t, m, "Redis")

	n, err := m.BackfillEmbeddings(ctx, types.ScopeProject, stubEngine{})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	project, err := m.Project(ctx)
	require.NoError(t, err)
	pending, err := project.FactsNeedingEmbedding(ctx, 0, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)

	// Completed runs leave no resumable operation behind.
	_, err = project.ResumableOperation(ctx, "embedding_backfill")
	assert.ErrorIs(t, err, store.ErrNotFound)

	// A second backfill is a no-op.
	n, err = m.BackfillEmbeddings(ctx, types.ScopeProject, stubEngine{})
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestCollectStatsBothScopes(t *testing.T) {
	m := newTestManager(t)
	seedProjectFact(t, m, "PostgreSQL")

	stats, err := m.CollectStats(context.Background(), types.ScopeAll)
	require.NoError(t, err)
	require.Len(t, stats, 2)
	assert.Equal(t, int64(1), stats[0].FactsByStatus["active"])
	assert.Empty(t, stats[1].FactsByStatus)
}

// stubEngine returns a constant-direction unit vector per text length.
type stubEngine struct{}

func (stubEngine) Embed(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, store.EmbeddingDim)
	vec[len(text)%store.EmbeddingDim] = 1
	return vec, nil
}

func (e stubEngine) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i], _ = e.Embed(ctx, t)
	}
	return out, nil
}

func (stubEngine) Dimensions() int { return store.EmbeddingDim }
func (stubEngine) Name() string    { return "stub" }
