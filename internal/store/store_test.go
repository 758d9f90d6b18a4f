package store

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"graphmem/internal/types"
)

func openTestStore(t *testing.T, scope types.Scope) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "memory.sqlite3"), scope, 0)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpenMigratesToTarget(t *testing.T) {
	s := openTestStore(t, types.ScopeProject)

	v, err := s.schemaVersion(context.Background())
	require.NoError(t, err)
	assert.Equal(t, TargetSchemaVersion, v)

	// Reopening is a no-op.
	require.NoError(t, s.Close())
	s2, err := Open(s.Path(), types.ScopeProject, 0)
	require.NoError(t, err)
	defer s2.Close()
}

func TestOpenRefusesNewerSchema(t *testing.T) {
	s := openTestStore(t, types.ScopeProject)
	_, err := s.DB().Exec("UPDATE schema_info SET version = ?", TargetSchemaVersion+10)
	require.NoError(t, err)
	path := s.Path()
	require.NoError(t, s.Close())

	_, err = Open(path, types.ScopeProject, 0)
	assert.ErrorIs(t, err, ErrSchemaMismatch)
}

func TestFindOrCreateEntityDedupes(t *testing.T) {
	s := openTestStore(t, types.ScopeProject)
	ctx := context.Background()

	a, err := FindOrCreateEntity(ctx, s.DB(), types.EntityDatabase, "PostgreSQL")
	require.NoError(t, err)
	// Slug collision: different surface form, same identity.
	b, err := FindOrCreateEntity(ctx, s.DB(), types.EntityDatabase, "postgreSQL")
	require.NoError(t, err)
	assert.Equal(t, a.ID, b.ID)
	assert.Equal(t, "database:postgresql", a.Slug)
	// First writer's casing is preserved as the canonical name.
	assert.Equal(t, "PostgreSQL", b.Name)

	c, err := FindOrCreateEntity(ctx, s.DB(), types.EntityTool, "PostgreSQL")
	require.NoError(t, err)
	assert.NotEqual(t, a.ID, c.ID)
}

func TestEntityAliases(t *testing.T) {
	s := openTestStore(t, types.ScopeProject)
	ctx := context.Background()

	e, err := FindOrCreateEntity(ctx, s.DB(), types.EntityDatabase, "PostgreSQL")
	require.NoError(t, err)
	require.NoError(t, AddAlias(ctx, s.DB(), types.EntityAlias{EntityID: e.ID, Alias: "pg", Confidence: 0.9}))
	// Duplicate alias is a no-op.
	require.NoError(t, AddAlias(ctx, s.DB(), types.EntityAlias{EntityID: e.ID, Alias: "pg", Confidence: 0.5}))

	aliases, err := s.AliasesFor(ctx, e.ID)
	require.NoError(t, err)
	require.Len(t, aliases, 1)

	resolved, err := s.ResolveEntity(ctx, types.EntityDatabase, "PG")
	require.NoError(t, err)
	assert.Equal(t, e.ID, resolved.ID)
}

func TestUpsertContentItemDedupes(t *testing.T) {
	s := openTestStore(t, types.ScopeProject)
	ctx := context.Background()

	item := &types.ContentItem{
		SessionID: "sess-1",
		Source:    "transcript",
		RawText:   "we decided to use PostgreSQL for persistence",
	}
	first, inserted, err := UpsertContentItem(ctx, s.DB(), item)
	require.NoError(t, err)
	assert.True(t, inserted)
	assert.NotZero(t, first.ID)
	assert.NotEmpty(t, first.TextHash)

	second, inserted, err := UpsertContentItem(ctx, s.DB(), &types.ContentItem{
		SessionID: "sess-1",
		RawText:   "we decided to use PostgreSQL for persistence",
	})
	require.NoError(t, err)
	assert.False(t, inserted)
	assert.Equal(t, first.ID, second.ID)

	// Same text in another session is a distinct item.
	third, inserted, err := UpsertContentItem(ctx, s.DB(), &types.ContentItem{
		SessionID: "sess-2",
		RawText:   "we decided to use PostgreSQL for persistence",
	})
	require.NoError(t, err)
	assert.True(t, inserted)
	assert.NotEqual(t, first.ID, third.ID)
}

func TestCursorMonotonic(t *testing.T) {
	s := openTestStore(t, types.ScopeProject)
	ctx := context.Background()

	pos, err := s.Cursor(ctx, "sess-1", "/tmp/t1.jsonl")
	require.NoError(t, err)
	assert.Zero(t, pos)

	require.NoError(t, AdvanceCursor(ctx, s.DB(), "sess-1", "/tmp/t1.jsonl", 100))
	require.NoError(t, AdvanceCursor(ctx, s.DB(), "sess-1", "/tmp/t1.jsonl", 100))
	require.NoError(t, AdvanceCursor(ctx, s.DB(), "sess-1", "/tmp/t1.jsonl", 250))

	err = AdvanceCursor(ctx, s.DB(), "sess-1", "/tmp/t1.jsonl", 200)
	assert.ErrorIs(t, err, ErrCursorRegression)

	// Cursors are independent per transcript within a session.
	require.NoError(t, AdvanceCursor(ctx, s.DB(), "sess-1", "/tmp/t2.jsonl", 10))

	pos, err = s.Cursor(ctx, "sess-1", "/tmp/t1.jsonl")
	require.NoError(t, err)
	assert.Equal(t, int64(250), pos)
}

func insertTestFact(t *testing.T, s *Store, subject, predicate, object string) *types.Fact {
	t.Helper()
	ctx := context.Background()
	e, err := FindOrCreateEntity(ctx, s.DB(), types.EntityRepo, subject)
	require.NoError(t, err)
	projectPath := ""
	if s.Scope() == types.ScopeProject {
		projectPath = "/work/app"
	}
	f, err := InsertFact(ctx, s.DB(), &types.Fact{
		SubjectID:   e.ID,
		SubjectName: e.Name,
		Predicate:   predicate,
		Object:      types.ObjectRef{Literal: object, Datatype: "string"},
		Confidence:  0.8,
		Scope:       s.Scope(),
		ProjectPath: projectPath,
	}, "")
	require.NoError(t, err)
	return f
}

func TestInsertAndLoadFact(t *testing.T) {
	s := openTestStore(t, types.ScopeProject)
	ctx := context.Background()

	f := insertTestFact(t, s, "myapp", "uses_database", "PostgreSQL")
	assert.Equal(t, types.StatusActive, f.Status)
	assert.Equal(t, "myapp", f.SubjectName)
	assert.Nil(t, f.ValidTo)

	got, err := FactByID(ctx, s.DB(), f.ID)
	require.NoError(t, err)
	assert.Equal(t, "PostgreSQL", got.Object.Literal)
	assert.Equal(t, f.Signature(), got.Signature())
}

func TestOpenFactsForSlot(t *testing.T) {
	s := openTestStore(t, types.ScopeProject)
	ctx := context.Background()

	a := insertTestFact(t, s, "myapp", "uses_database", "PostgreSQL")
	b := insertTestFact(t, s, "myapp", "uses_database", "MySQL")
	insertTestFact(t, s, "myapp", "primary_language", "Go")

	require.NoError(t, CloseFact(ctx, s.DB(), b.ID, types.StatusSuperseded, time.Now()))

	open, err := OpenFactsForSlot(ctx, s.DB(), a.SubjectID, "uses_database")
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, a.ID, open[0].ID)
}

func TestActiveFactBySignature(t *testing.T) {
	s := openTestStore(t, types.ScopeProject)
	ctx := context.Background()

	f := insertTestFact(t, s, "myapp", "uses_database", "PostgreSQL")

	got, err := ActiveFactBySignature(ctx, s.DB(), types.FactSignature("myapp", "uses_database", "postgresql"))
	require.NoError(t, err)
	assert.Equal(t, f.ID, got.ID)

	_, err = ActiveFactBySignature(ctx, s.DB(), types.FactSignature("myapp", "uses_database", "mysql"))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestProvenanceRoundTrip(t *testing.T) {
	s := openTestStore(t, types.ScopeProject)
	ctx := context.Background()

	f := insertTestFact(t, s, "myapp", "uses_database", "PostgreSQL")
	item, _, err := UpsertContentItem(ctx, s.DB(), &types.ContentItem{
		SessionID: "sess-1", RawText: "postgres is the database",
	})
	require.NoError(t, err)

	_, err = AppendProvenance(ctx, s.DB(), &types.Provenance{
		FactID: f.ID, ContentItemID: &item.ID, Quote: "postgres is the database",
		Strength: types.StrengthStated,
	})
	require.NoError(t, err)

	byFact, err := ProvenanceForFacts(ctx, s.DB(), []int64{f.ID})
	require.NoError(t, err)
	require.Len(t, byFact[f.ID], 1)
	assert.Equal(t, item.ID, *byFact[f.ID][0].ContentItemID)

	cited, err := FactsCitedByContent(ctx, s.DB(), []int64{item.ID})
	require.NoError(t, err)
	assert.Equal(t, []int64{item.ID}, cited[f.ID])
}

func TestFTSContentAndFacts(t *testing.T) {
	s := openTestStore(t, types.ScopeProject)
	ctx := context.Background()

	item, _, err := UpsertContentItem(ctx, s.DB(), &types.ContentItem{
		SessionID: "sess-1", RawText: "the team standardized on PostgreSQL with pgx",
	})
	require.NoError(t, err)
	f := insertTestFact(t, s, "myapp", "uses_database", "PostgreSQL")

	hits, err := SearchContent(ctx, s.DB(), "postgresql", 10)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, item.ID, hits[0].RowID)

	factHits, err := SearchFacts(ctx, s.DB(), "database postgresql", 10)
	require.NoError(t, err)
	require.NotEmpty(t, factHits)
	assert.Equal(t, f.ID, factHits[0].RowID)

	// Query syntax is neutralized, not interpreted.
	_, err = SearchContent(ctx, s.DB(), `postgres" OR rowid:1`, 10)
	assert.NoError(t, err)

	hits, err = SearchContent(ctx, s.DB(), "   ", 10)
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestEmbeddingRoundTrip(t *testing.T) {
	vec := make([]float32, EmbeddingDim)
	for i := range vec {
		vec[i] = float32(i) / EmbeddingDim
	}

	blob, err := EncodeEmbedding(vec)
	require.NoError(t, err)
	assert.Len(t, blob, EmbeddingDim*4)

	got, err := DecodeEmbedding(blob)
	require.NoError(t, err)
	assert.Equal(t, vec, got)

	_, err = EncodeEmbedding(make([]float32, 100))
	assert.ErrorIs(t, err, ErrDimensionMismatch)
}

func TestSetFactEmbeddingAndScan(t *testing.T) {
	s := openTestStore(t, types.ScopeProject)
	ctx := context.Background()

	a := insertTestFact(t, s, "myapp", "uses_database", "PostgreSQL")
	b := insertTestFact(t, s, "myapp", "uses_cache", "Redis")

	vecA := make([]float32, EmbeddingDim)
	vecA[0] = 1
	vecB := make([]float32, EmbeddingDim)
	vecB[1] = 1

	require.NoError(t, s.SetFactEmbedding(ctx, a.ID, vecA))
	require.NoError(t, s.SetFactEmbedding(ctx, b.ID, vecB))

	err := s.SetFactEmbedding(ctx, a.ID, make([]float32, 7))
	assert.ErrorIs(t, err, ErrDimensionMismatch)

	query := make([]float32, EmbeddingDim)
	query[0] = 0.9
	query[2] = 0.1
	hits, err := s.NearestFacts(ctx, query, 2)
	require.NoError(t, err)
	require.NotEmpty(t, hits)
	assert.Equal(t, a.ID, hits[0].FactID)
	assert.Less(t, hits[0].Distance, 0.5)

	pending, err := s.FactsNeedingEmbedding(ctx, 0, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestLinksAndConflicts(t *testing.T) {
	s := openTestStore(t, types.ScopeProject)
	ctx := context.Background()

	old := insertTestFact(t, s, "myapp", "uses_database", "MySQL")
	neu := insertTestFact(t, s, "myapp", "uses_database", "PostgreSQL")

	require.NoError(t, InsertFactLink(ctx, s.DB(), neu.ID, old.ID, types.LinkSupersedes))
	require.NoError(t, InsertFactLink(ctx, s.DB(), neu.ID, old.ID, types.LinkSupersedes))

	from, err := SupersededBy(ctx, s.DB(), old.ID)
	require.NoError(t, err)
	assert.Equal(t, neu.ID, from)

	links, err := LinksForFacts(ctx, s.DB(), []int64{old.ID})
	require.NoError(t, err)
	require.Len(t, links[old.ID], 1)

	cid, err := OpenConflict(ctx, s.DB(), old.ID, neu.ID, "same slot, equal rank")
	require.NoError(t, err)

	got, err := OpenConflictBetween(ctx, s.DB(), neu.ID, old.ID)
	require.NoError(t, err)
	assert.Equal(t, cid, got.ID)

	n, err := ResolveConflictsInvolving(ctx, s.DB(), old.ID, time.Now())
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	_, err = OpenConflictBetween(ctx, s.DB(), old.ID, neu.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	// Already-resolved conflicts are left alone.
	n, err = ResolveConflictsInvolving(ctx, s.DB(), old.ID, time.Now())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestExpireAndPrune(t *testing.T) {
	s := openTestStore(t, types.ScopeProject)
	ctx := context.Background()

	e, err := FindOrCreateEntity(ctx, s.DB(), types.EntityRepo, "myapp")
	require.NoError(t, err)
	f, err := InsertFact(ctx, s.DB(), &types.Fact{
		SubjectID: e.ID, SubjectName: e.Name,
		Predicate: "uses_database",
		Object:    types.ObjectRef{Literal: "MySQL"},
		Status:    types.StatusProposed,
		Scope:     types.ScopeProject, ProjectPath: "/work/app",
	}, "")
	require.NoError(t, err)

	n, err := ExpireFactsOlderThan(ctx, s.DB(), types.StatusProposed, time.Now().Add(time.Hour), 100)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got, err := FactByID(ctx, s.DB(), f.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusRetracted, got.Status)
	assert.NotNil(t, got.ValidTo)

	// Unreferenced old content is prunable; referenced content is not.
	_, _, err = UpsertContentItem(ctx, s.DB(), &types.ContentItem{
		SessionID: "sess-1", RawText: "orphan text",
	})
	require.NoError(t, err)
	pruned, err := PruneContent(ctx, s.DB(), time.Now().Add(time.Hour), 100)
	require.NoError(t, err)
	assert.Equal(t, int64(1), pruned)
}

func TestCollectStats(t *testing.T) {
	s := openTestStore(t, types.ScopeProject)
	insertTestFact(t, s, "myapp", "uses_database", "PostgreSQL")

	st, err := s.CollectStats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), st.Entities)
	assert.Equal(t, int64(1), st.FactsByStatus["active"])
	assert.Positive(t, st.SizeBytes)
}

func TestOperationProgress(t *testing.T) {
	s := openTestStore(t, types.ScopeProject)
	ctx := context.Background()

	_, err := s.ResumableOperation(ctx, "embedding_backfill")
	assert.ErrorIs(t, err, ErrNotFound)

	op, err := s.StartOperation(ctx, "embedding_backfill", types.ScopeProject, 40)
	require.NoError(t, err)
	assert.Equal(t, types.OpRunning, op.State)

	require.NoError(t, s.CheckpointOperation(ctx, op.ID, 25, []byte("17")))

	resumed, err := s.ResumableOperation(ctx, "embedding_backfill")
	require.NoError(t, err)
	assert.Equal(t, op.ID, resumed.ID)
	assert.Equal(t, 25, resumed.ProcessedItems)
	assert.Equal(t, []byte("17"), resumed.Checkpoint)

	require.NoError(t, s.FinishOperation(ctx, op.ID, types.OpCompleted))
	_, err = s.ResumableOperation(ctx, "embedding_backfill")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestWithTxRollsBack(t *testing.T) {
	s := openTestStore(t, types.ScopeProject)
	ctx := context.Background()

	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := FindOrCreateEntity(ctx, tx, types.EntityRepo, "doomed"); err != nil {
			return err
		}
		return assert.AnError
	})
	assert.ErrorIs(t, err, assert.AnError)

	_, err = EntityBySlug(ctx, s.DB(), "repo:doomed")
	assert.ErrorIs(t, err, ErrNotFound)
}
