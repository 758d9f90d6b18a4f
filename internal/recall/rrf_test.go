package recall

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFuseRRFContributions(t *testing.T) {
	hits := fuseRRF(60, []rankedList{
		{name: "lexical", weight: 2.0, ids: []int64{10, 20}},
		{name: "vector", weight: 1.0, ids: []int64{20, 10}},
	})
	require.Len(t, hits, 2)

	// Both sit at rank 0 somewhere, so both earn the same top bonus; the
	// heavier lexical weight decides the order.
	assert.Equal(t, int64(10), hits[0].id)
	assert.InDelta(t, 2.0/61+1.0/62+topRankBonus, hits[0].score, 1e-9)
	assert.InDelta(t, 2.0/62+1.0/61+topRankBonus, hits[1].score, 1e-9)
	assert.ElementsMatch(t, []string{"lexical", "vector"}, hits[0].sources)
}

func TestFuseRRFBonusOncePerFact(t *testing.T) {
	// Rank 0 in both lists still earns a single +0.05.
	hits := fuseRRF(60, []rankedList{
		{name: "a", weight: 1.0, ids: []int64{7}},
		{name: "b", weight: 1.0, ids: []int64{7}},
	})
	require.Len(t, hits, 1)
	assert.InDelta(t, 2.0/61+topRankBonus, hits[0].score, 1e-9)

	// Best rank 2 earns the near-top bonus; rank 3 earns none.
	hits = fuseRRF(60, []rankedList{
		{name: "a", weight: 1.0, ids: []int64{1, 2, 3, 4}},
	})
	require.Len(t, hits, 4)
	assert.InDelta(t, 1.0/63+nearTopBonus, hits[2].score, 1e-9)
	assert.InDelta(t, 1.0/64, hits[3].score, 1e-9)
}

func TestFuseRRFDeterministicTieBreak(t *testing.T) {
	// Same rank, same weight, different lists: identical scores break on id.
	hits := fuseRRF(60, []rankedList{
		{name: "a", weight: 1.0, ids: []int64{9}},
		{name: "b", weight: 1.0, ids: []int64{3}},
	})
	require.Len(t, hits, 2)
	assert.Equal(t, int64(3), hits[0].id)
	assert.Equal(t, int64(9), hits[1].id)
}

func TestNormalizeBM25(t *testing.T) {
	assert.Zero(t, normalizeBM25(-1))
	assert.Zero(t, normalizeBM25(0))
	assert.InDelta(t, 0.5, normalizeBM25(1), 1e-9)
	assert.InDelta(t, 0.9, normalizeBM25(9), 1e-9)
	assert.Less(t, normalizeBM25(100), 1.0)
}
