package recall

import (
	"sort"
)

// rankedList is one retrieval source's output: ids best-first, with a
// fusion weight.
type rankedList struct {
	name   string
	weight float64
	ids    []int64
}

// Top-rank bonuses reward a source's strongest convictions beyond what
// reciprocal rank alone gives them. Each document earns the bonus once,
// from its best rank across all lists.
const (
	topRankBonus  = 0.05
	nearTopBonus  = 0.02
	nearTopCutoff = 3
)

// fusedHit is one document after fusion.
type fusedHit struct {
	id      int64
	score   float64
	sources []string
}

// fuseRRF merges ranked lists with weighted reciprocal rank fusion:
// score(d) = sum over lists of weight / (k + rank + 1), plus a small bonus
// keyed to the document's best rank in any list. Ties break on document id
// for deterministic output.
func fuseRRF(k int, lists []rankedList) []fusedHit {
	if k <= 0 {
		k = 60
	}

	scores := make(map[int64]float64)
	sources := make(map[int64][]string)
	bestRank := make(map[int64]int)
	for _, list := range lists {
		for rank, id := range list.ids {
			scores[id] += list.weight / float64(k+rank+1)
			sources[id] = append(sources[id], list.name)
			if cur, ok := bestRank[id]; !ok || rank < cur {
				bestRank[id] = rank
			}
		}
	}
	for id, rank := range bestRank {
		switch {
		case rank == 0:
			scores[id] += topRankBonus
		case rank < nearTopCutoff:
			scores[id] += nearTopBonus
		}
	}

	hits := make([]fusedHit, 0, len(scores))
	for id, score := range scores {
		hits = append(hits, fusedHit{id: id, score: score, sources: sources[id]})
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].score != hits[j].score {
			return hits[i].score > hits[j].score
		}
		return hits[i].id < hits[j].id
	})
	return hits
}

// normalizeBM25 maps a raw BM25 score onto (0, 1) with s/(s+1) saturation,
// so skip thresholds hold across corpora of different sizes.
func normalizeBM25(score float64) float64 {
	if score <= 0 {
		return 0
	}
	return score / (score + 1)
}
