package sweeper

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"graphmem/internal/config"
	"graphmem/internal/store"
	"graphmem/internal/types"
)

func openSweepStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "memory.sqlite3"), types.ScopeProject, 0)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func seedFact(t *testing.T, st *store.Store, object string, status types.FactStatus) *types.Fact {
	t.Helper()
	ctx := context.Background()
	e, err := store.FindOrCreateEntity(ctx, st.DB(), types.EntityRepo, "myapp")
	require.NoError(t, err)
	f, err := store.InsertFact(ctx, st.DB(), &types.Fact{
		SubjectID: e.ID, SubjectName: e.Name,
		Predicate: "uses_database",
		Object:    types.ObjectRef{Literal: object},
		Status:    status,
		Scope:     types.ScopeProject, ProjectPath: "/work/app",
	}, "")
	require.NoError(t, err)
	return f
}

func TestSweepZeroBudget(t *testing.T) {
	st := openSweepStore(t)
	seedFact(t, st, "MySQL", types.StatusProposed)

	sw := New(config.DefaultConfig("/work/app").Sweeper)
	res, err := sw.Sweep(context.Background(), st, 0)
	require.NoError(t, err)

	assert.True(t, res.BudgetHonored)
	assert.Zero(t, res.ProposedExpired)
	assert.Zero(t, res.ContentPruned)
	assert.False(t, res.Checkpointed)

	// Nothing was touched.
	f, err := store.ActiveFactBySignature(context.Background(),
		st.DB(), types.FactSignature("myapp", "uses_database", "MySQL"))
	require.NoError(t, err)
	assert.Equal(t, types.StatusProposed, f.Status)
}

func TestSweepExpiresStaleProposed(t *testing.T) {
	st := openSweepStore(t)
	ctx := context.Background()

	old := seedFact(t, st, "MySQL", types.StatusProposed)
	fresh := seedFact(t, st, "PostgreSQL", types.StatusActive)

	// Age the proposed fact beyond the TTL.
	_, err := st.DB().Exec("UPDATE facts SET created_at = datetime('now', '-30 days') WHERE id = ?", old.ID)
	require.NoError(t, err)

	cfg := config.DefaultConfig("/work/app").Sweeper
	res, err := New(cfg).Sweep(ctx, st, 5*time.Second)
	require.NoError(t, err)

	assert.Equal(t, int64(1), res.ProposedExpired)
	assert.True(t, res.BudgetHonored)
	assert.True(t, res.Checkpointed)

	retracted, err := store.FactByID(ctx, st.DB(), old.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusRetracted, retracted.Status)
	assert.NotNil(t, retracted.ValidTo)

	// Active facts are never expired.
	kept, err := store.FactByID(ctx, st.DB(), fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusActive, kept.Status)
}

func TestSweepPrunesOrphanContentAndProvenance(t *testing.T) {
	st := openSweepStore(t)
	ctx := context.Background()

	// Referenced content survives, orphaned old content goes.
	f := seedFact(t, st, "PostgreSQL", types.StatusActive)
	kept, _, err := store.UpsertContentItem(ctx, st.DB(), &types.ContentItem{
		SessionID: "s1", RawText: "postgres evidence",
	})
	require.NoError(t, err)
	_, err = store.AppendProvenance(ctx, st.DB(), &types.Provenance{
		FactID: f.ID, ContentItemID: &kept.ID, Strength: types.StrengthStated,
	})
	require.NoError(t, err)

	orphan, _, err := store.UpsertContentItem(ctx, st.DB(), &types.ContentItem{
		SessionID: "s1", RawText: "orphan text nobody cites",
	})
	require.NoError(t, err)
	_, err = st.DB().Exec("UPDATE content_items SET ingested_at = datetime('now', '-120 days') WHERE id = ?", orphan.ID)
	require.NoError(t, err)

	res, err := New(config.DefaultConfig("/work/app").Sweeper).Sweep(ctx, st, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.ContentPruned)

	_, err = store.ContentItemByID(ctx, st.DB(), orphan.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = store.ContentItemByID(ctx, st.DB(), kept.ID)
	assert.NoError(t, err)
}
