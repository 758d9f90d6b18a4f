// Package recall is the read side of graphmem: hybrid lexical + vector
// retrieval over facts, the cheap content-indexed path, batched fact
// detail expansion, and explanation assembly. All ranking happens in
// process; each store is read with a small fixed number of queries.
package recall

import (
	"context"
	"errors"
	"sort"

	"graphmem/internal/config"
	"graphmem/internal/embedding"
	"graphmem/internal/logging"
	"graphmem/internal/manager"
	"graphmem/internal/store"
	"graphmem/internal/types"
)

// overfetch widens per-source candidate lists so fusion and open-status
// filtering still leave a full page.
const overfetch = 3

// objectPreviewLen caps the object text carried by index entries.
const objectPreviewLen = 50

// Recall runs queries against whichever stores a scope covers.
type Recall struct {
	cfg    config.RecallConfig
	mgr    *manager.Manager
	engine embedding.Engine // nil disables the vector source
}

// New builds a recall engine. engine may be nil; queries then rank on
// lexical evidence alone.
func New(cfg config.RecallConfig, mgr *manager.Manager, engine embedding.Engine) *Recall {
	return &Recall{cfg: cfg, mgr: mgr, engine: engine}
}

// ScoredFact is one ranked result with its receipts.
type ScoredFact struct {
	Fact     *types.Fact        `json:"fact"`
	Score    float64            `json:"score"`
	Receipts []types.Provenance `json:"receipts,omitempty"`
	// Sources names the retrieval lists the fact appeared in
	// ("lexical", "vector").
	Sources []string `json:"sources"`
}

// Result is a ranked result page.
type Result struct {
	Query string       `json:"query"`
	Facts []ScoredFact `json:"facts"`
	// VectorSkipped is set when a dominant lexical hit made the vector
	// search unnecessary.
	VectorSkipped bool `json:"vector_skipped,omitempty"`
	// TokenEstimate approximates the prompt cost of injecting these facts.
	TokenEstimate int `json:"token_estimate"`
}

// Query runs the hybrid retrieval pipeline: a weighted lexical search over
// fact text fused with a vector nearest-neighbour search, per store, then
// merged across scopes with project facts outranking global duplicates.
func (r *Recall) Query(ctx context.Context, scope types.Scope, query string, limit int) (*Result, error) {
	timer := logging.StartTimer(logging.CategoryRecall, "Query")
	defer timer.Stop()

	if limit <= 0 {
		limit = r.cfg.DefaultLimit
	}
	stores, err := r.mgr.ForScope(ctx, scope)
	if err != nil {
		return nil, err
	}

	res := &Result{Query: query, VectorSkipped: true}
	var merged []ScoredFact
	for _, st := range stores {
		scored, skipped, err := r.queryStore(ctx, st, query, limit)
		if err != nil {
			return nil, err
		}
		if !skipped {
			res.VectorSkipped = false
		}
		merged = append(merged, scored...)
	}

	res.Facts = rankAcrossScopes(merged, limit)
	res.TokenEstimate = estimateTokens(res.Facts)
	logging.Recall("Query %q scope=%s: %d facts, vector skipped=%v", query, scope, len(res.Facts), res.VectorSkipped)
	return res, nil
}

// queryStore retrieves and fuses candidates from one store.
func (r *Recall) queryStore(ctx context.Context, st *store.Store, query string, limit int) ([]ScoredFact, bool, error) {
	lexHits, err := store.SearchFacts(ctx, st.DB(), query, limit*overfetch)
	if err != nil {
		return nil, false, err
	}

	lists := []rankedList{{
		name:   "lexical",
		weight: r.cfg.ExactQueryWeight,
		ids:    hitIDs(lexHits),
	}}

	skipped := true
	if r.engine != nil && !r.dominantLexicalHit(lexHits) {
		skipped = false
		vec, err := r.engine.Embed(ctx, query)
		if err != nil {
			// Degrade to lexical-only rather than failing the query.
			logging.Get(logging.CategoryRecall).Warn("query embedding failed, lexical only: %v", err)
		} else {
			vhits, err := st.NearestFacts(ctx, vec, limit*overfetch)
			if err != nil {
				return nil, false, err
			}
			ids := make([]int64, len(vhits))
			for i, h := range vhits {
				ids[i] = h.FactID
			}
			lists = append(lists, rankedList{name: "vector", weight: 1.0, ids: ids})
		}
	}

	scored, err := hydrate(ctx, st, fuseRRF(r.cfg.RRFK, lists))
	return scored, skipped, err
}

// dominantLexicalHit implements the smart-expansion shortcut: when the top
// lexical hit is both strong in absolute terms and clearly ahead of the
// runner-up, the vector search cannot change the answer and is skipped.
func (r *Recall) dominantLexicalHit(hits []store.FTSHit) bool {
	if len(hits) == 0 {
		return false
	}
	top := normalizeBM25(hits[0].Score)
	if top < r.cfg.SkipVectorScore {
		return false
	}
	margin := top
	if len(hits) > 1 {
		margin = top - normalizeBM25(hits[1].Score)
	}
	return margin >= r.cfg.SkipVectorMargin
}

// IndexEntry is the light first-disclosure shape: enough for an agent to
// decide whether a fact is worth a detail fetch, and nothing more.
type IndexEntry struct {
	ID            int64            `json:"id"`
	Subject       string           `json:"subject"`
	Predicate     string           `json:"predicate"`
	ObjectPreview string           `json:"object_preview"`
	Status        types.FactStatus `json:"status"`
	Scope         types.Scope      `json:"scope"`
	Confidence    float64          `json:"confidence"`
	TokenEstimate int              `json:"token_estimate"`
	Source        string           `json:"source"`
}

// IndexResult is a page of index entries.
type IndexResult struct {
	Query         string       `json:"query"`
	Entries       []IndexEntry `json:"entries"`
	TokenEstimate int          `json:"token_estimate"`
}

// QueryIndex is the cheap content-indexed path: exactly three queries per
// store. A full-text search over raw content, one batched fan-out from the
// hit content items to the facts they evidence, and one batched fact load.
// Each fact scores as its best citing content hit and comes back as a light
// index entry with the object truncated to a preview.
func (r *Recall) QueryIndex(ctx context.Context, scope types.Scope, query string, limit int) (*IndexResult, error) {
	timer := logging.StartTimer(logging.CategoryRecall, "QueryIndex")
	defer timer.Stop()

	if limit <= 0 {
		limit = r.cfg.DefaultLimit
	}
	stores, err := r.mgr.ForScope(ctx, scope)
	if err != nil {
		return nil, err
	}

	var merged []ScoredFact
	for _, st := range stores {
		contentHits, err := store.SearchContent(ctx, st.DB(), query, limit*overfetch)
		if err != nil {
			return nil, err
		}
		if len(contentHits) == 0 {
			continue
		}
		scoreByContent := make(map[int64]float64, len(contentHits))
		for _, h := range contentHits {
			scoreByContent[h.RowID] = h.Score
		}

		cited, err := store.FactsCitedByContent(ctx, st.DB(), hitIDs(contentHits))
		if err != nil {
			return nil, err
		}
		factIDs := make([]int64, 0, len(cited))
		for id := range cited {
			factIDs = append(factIDs, id)
		}

		facts, err := store.FactsByIDs(ctx, st.DB(), factIDs)
		if err != nil {
			return nil, err
		}
		for id, contentIDs := range cited {
			f := facts[id]
			if f == nil || !f.Status.Open() {
				continue
			}
			best := 0.0
			for _, cid := range contentIDs {
				if s := normalizeBM25(scoreByContent[cid]); s > best {
					best = s
				}
			}
			merged = append(merged, ScoredFact{Fact: f, Score: best, Sources: []string{"content"}})
		}
	}

	res := &IndexResult{Query: query}
	for _, sf := range rankAcrossScopes(merged, limit) {
		entry := indexEntry(sf)
		res.Entries = append(res.Entries, entry)
		res.TokenEstimate += entry.TokenEstimate
	}
	logging.Recall("QueryIndex %q scope=%s: %d entries", query, scope, len(res.Entries))
	return res, nil
}

func indexEntry(sf ScoredFact) IndexEntry {
	f := sf.Fact
	return IndexEntry{
		ID:            f.ID,
		Subject:       f.SubjectName,
		Predicate:     f.Predicate,
		ObjectPreview: previewText(f.Object.Text(), objectPreviewLen),
		Status:        f.Status,
		Scope:         f.Scope,
		Confidence:    f.Confidence,
		TokenEstimate: types.EstimateTokens(f.SearchText("")),
		Source:        sf.Sources[0],
	}
}

func previewText(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}

// TrimToTokens drops tail entries until the estimate fits the budget. At
// least one entry survives when any were found.
func (r *IndexResult) TrimToTokens(budget int) {
	if budget <= 0 || len(r.Entries) == 0 {
		return
	}
	total := 0
	keep := 0
	for i, e := range r.Entries {
		if i > 0 && total+e.TokenEstimate > budget {
			break
		}
		total += e.TokenEstimate
		keep = i + 1
	}
	r.Entries = r.Entries[:keep]
	r.TokenEstimate = total
}

// hydrate loads fused hits as facts, dropping closed ones, attaches their
// receipts in one batched read, and keeps the fusion score and source
// attribution.
func hydrate(ctx context.Context, st *store.Store, hits []fusedHit) ([]ScoredFact, error) {
	if len(hits) == 0 {
		return nil, nil
	}
	ids := make([]int64, len(hits))
	for i, h := range hits {
		ids[i] = h.id
	}
	facts, err := store.FactsByIDs(ctx, st.DB(), ids)
	if err != nil {
		return nil, err
	}
	receipts, err := store.ProvenanceForFacts(ctx, st.DB(), ids)
	if err != nil {
		return nil, err
	}

	out := make([]ScoredFact, 0, len(hits))
	for _, h := range hits {
		f := facts[h.id]
		if f == nil || !f.Status.Open() {
			continue
		}
		out = append(out, ScoredFact{Fact: f, Score: h.score, Receipts: receipts[h.id], Sources: h.sources})
	}
	return out, nil
}

// rankAcrossScopes merges per-store results: duplicate signatures collapse
// with the project copy winning, then everything sorts by score, with ties
// broken by scope (project over global) and recency.
func rankAcrossScopes(scored []ScoredFact, limit int) []ScoredFact {
	bySig := make(map[string]ScoredFact, len(scored))
	for _, sf := range scored {
		sig := sf.Fact.Signature()
		cur, ok := bySig[sig]
		if !ok || scopeRank(sf.Fact.Scope) > scopeRank(cur.Fact.Scope) {
			bySig[sig] = sf
		}
	}

	out := make([]ScoredFact, 0, len(bySig))
	for _, sf := range bySig {
		out = append(out, sf)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if ra, rb := scopeRank(a.Fact.Scope), scopeRank(b.Fact.Scope); ra != rb {
			return ra > rb
		}
		if !a.Fact.CreatedAt.Equal(b.Fact.CreatedAt) {
			return a.Fact.CreatedAt.After(b.Fact.CreatedAt)
		}
		return a.Fact.ID < b.Fact.ID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

func scopeRank(s types.Scope) int {
	switch s {
	case types.ScopeProject:
		return 2
	case types.ScopeGlobal:
		return 1
	}
	return 0
}

func hitIDs(hits []store.FTSHit) []int64 {
	ids := make([]int64, len(hits))
	for i, h := range hits {
		ids[i] = h.RowID
	}
	return ids
}

// estimateTokens approximates the prompt cost of the rendered facts.
func estimateTokens(facts []ScoredFact) int {
	total := 0
	for _, sf := range facts {
		total += types.EstimateTokens(sf.Fact.SearchText(""))
	}
	return total
}

// TrimToTokens drops tail results until the estimate fits the budget. At
// least one fact survives when any were found, so a tiny budget still
// returns the top answer.
func (r *Result) TrimToTokens(budget int) {
	if budget <= 0 || len(r.Facts) == 0 {
		return
	}
	total := 0
	keep := 0
	for i, sf := range r.Facts {
		cost := types.EstimateTokens(sf.Fact.SearchText(""))
		if i > 0 && total+cost > budget {
			break
		}
		total += cost
		keep = i + 1
	}
	r.Facts = r.Facts[:keep]
	r.TokenEstimate = total
}

// Relationships summarizes how a fact sits in the graph: the facts it
// replaced, the fact that replaced it, and its open conflicts.
type Relationships struct {
	Supersedes   []int64          `json:"supersedes"`
	SupersededBy []int64          `json:"superseded_by"`
	Conflicts    []types.Conflict `json:"conflicts"`
}

// FactDetails is the second disclosure layer: one fact with its receipts
// and relationships.
type FactDetails struct {
	Fact          *types.Fact        `json:"fact"`
	Receipts      []types.Provenance `json:"receipts"`
	Relationships Relationships      `json:"relationships"`
}

// Details expands a batch of facts: receipts, supersession edges in both
// directions, and open conflicts, all read with one batched query per
// concern per store. Ids the scope's stores do not hold are silently
// omitted; output follows the input order.
func (r *Recall) Details(ctx context.Context, scope types.Scope, factIDs []int64) ([]*FactDetails, error) {
	timer := logging.StartTimer(logging.CategoryRecall, "Details")
	defer timer.Stop()

	stores, err := r.mgr.ForScope(ctx, scope)
	if err != nil {
		return nil, err
	}

	byID := make(map[int64]*FactDetails, len(factIDs))
	remaining := factIDs
	for _, st := range stores {
		if len(remaining) == 0 {
			break
		}
		found, err := detailsFromStore(ctx, st, remaining, byID)
		if err != nil {
			return nil, err
		}
		next := remaining[:0:0]
		for _, id := range remaining {
			if !found[id] {
				next = append(next, id)
			}
		}
		remaining = next
	}

	out := make([]*FactDetails, 0, len(byID))
	for _, id := range factIDs {
		if d, ok := byID[id]; ok {
			out = append(out, d)
			delete(byID, id) // duplicate input ids yield one row
		}
	}
	return out, nil
}

func detailsFromStore(ctx context.Context, st *store.Store, ids []int64, byID map[int64]*FactDetails) (map[int64]bool, error) {
	facts, err := store.FactsByIDs(ctx, st.DB(), ids)
	if err != nil {
		return nil, err
	}
	found := make(map[int64]bool, len(facts))
	if len(facts) == 0 {
		return found, nil
	}

	held := make([]int64, 0, len(facts))
	for id := range facts {
		held = append(held, id)
	}
	receipts, err := store.ProvenanceForFacts(ctx, st.DB(), held)
	if err != nil {
		return nil, err
	}
	links, err := store.LinksForFacts(ctx, st.DB(), held)
	if err != nil {
		return nil, err
	}
	conflicts, err := store.OpenConflictsForFacts(ctx, st.DB(), held)
	if err != nil {
		return nil, err
	}

	for id, f := range facts {
		found[id] = true
		rel := Relationships{
			Supersedes:   []int64{},
			SupersededBy: []int64{},
			Conflicts:    conflicts[id],
		}
		if rel.Conflicts == nil {
			rel.Conflicts = []types.Conflict{}
		}
		for _, l := range links[id] {
			if l.LinkType != types.LinkSupersedes {
				continue
			}
			if l.FromID == id {
				rel.Supersedes = append(rel.Supersedes, l.ToID)
			} else {
				rel.SupersededBy = append(rel.SupersededBy, l.FromID)
			}
		}
		rs := receipts[id]
		if rs == nil {
			rs = []types.Provenance{}
		}
		byID[id] = &FactDetails{Fact: f, Receipts: rs, Relationships: rel}
	}
	return found, nil
}

// explainStatus values for FactExplanation.
const (
	explainFound    = "ok"
	explainNotFound = "not_found"
)

// FactExplanation answers "why do we believe this" for one fact. A missing
// fact comes back as a value with Status "not_found" and empty collections,
// never as an error, so read paths stay total.
type FactExplanation struct {
	Status       string             `json:"status"`
	Fact         *types.Fact        `json:"fact"`
	Receipts     []types.Provenance `json:"receipts"`
	Supersedes   []*types.Fact      `json:"supersedes"`
	SupersededBy []*types.Fact      `json:"superseded_by"`
	Conflicts    []types.Conflict   `json:"conflicts"`
}

// Explain expands one fact by id: receipts, the facts it superseded, the
// fact that superseded it, and open conflicts. The stores of the scope are
// tried in order; the first one holding the fact answers.
func (r *Recall) Explain(ctx context.Context, scope types.Scope, factID int64) (*FactExplanation, error) {
	timer := logging.StartTimer(logging.CategoryRecall, "Explain")
	defer timer.Stop()

	stores, err := r.mgr.ForScope(ctx, scope)
	if err != nil {
		return nil, err
	}

	for _, st := range stores {
		fact, err := store.FactByID(ctx, st.DB(), factID)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return explainFact(ctx, st, fact)
	}

	logging.Recall("Explain fact=%d scope=%s: not found", factID, scope)
	return &FactExplanation{
		Status:       explainNotFound,
		Receipts:     []types.Provenance{},
		Supersedes:   []*types.Fact{},
		SupersededBy: []*types.Fact{},
		Conflicts:    []types.Conflict{},
	}, nil
}

func explainFact(ctx context.Context, st *store.Store, fact *types.Fact) (*FactExplanation, error) {
	ids := []int64{fact.ID}
	receipts, err := store.ProvenanceForFacts(ctx, st.DB(), ids)
	if err != nil {
		return nil, err
	}
	links, err := store.LinksForFacts(ctx, st.DB(), ids)
	if err != nil {
		return nil, err
	}
	conflicts, err := store.OpenConflictsForFacts(ctx, st.DB(), ids)
	if err != nil {
		return nil, err
	}

	var supersedesIDs, supersededByIDs []int64
	for _, l := range links[fact.ID] {
		if l.LinkType != types.LinkSupersedes {
			continue
		}
		if l.FromID == fact.ID {
			supersedesIDs = append(supersedesIDs, l.ToID)
		} else {
			supersededByIDs = append(supersededByIDs, l.FromID)
		}
	}
	neighbours, err := store.FactsByIDs(ctx, st.DB(), append(supersedesIDs, supersededByIDs...))
	if err != nil {
		return nil, err
	}
	pick := func(ids []int64) []*types.Fact {
		out := make([]*types.Fact, 0, len(ids))
		for _, id := range ids {
			if f := neighbours[id]; f != nil {
				out = append(out, f)
			}
		}
		return out
	}

	exp := &FactExplanation{
		Status:       explainFound,
		Fact:         fact,
		Receipts:     receipts[fact.ID],
		Supersedes:   pick(supersedesIDs),
		SupersededBy: pick(supersededByIDs),
		Conflicts:    conflicts[fact.ID],
	}
	if exp.Receipts == nil {
		exp.Receipts = []types.Provenance{}
	}
	if exp.Conflicts == nil {
		exp.Conflicts = []types.Conflict{}
	}
	return exp, nil
}

// Explanation answers "what do we believe about this slot and why" for one
// store: the open facts, the closed facts they superseded, open conflicts,
// and every receipt.
type Explanation struct {
	Scope      types.Scope                  `json:"scope"`
	Subject    *types.Entity                `json:"subject"`
	Predicate  string                       `json:"predicate"`
	Current    []*types.Fact                `json:"current"`
	Superseded []*types.Fact                `json:"superseded,omitempty"`
	Conflicts  []types.Conflict             `json:"conflicts,omitempty"`
	Receipts   map[int64][]types.Provenance `json:"receipts,omitempty"`
}

// ExplainSubject resolves the subject by name in each store of the scope
// and explains the (subject, predicate) slot. Stores that do not know the
// subject are skipped; an unknown subject everywhere yields an empty slice,
// not an error.
func (r *Recall) ExplainSubject(ctx context.Context, scope types.Scope, subjectName, predicate string) ([]*Explanation, error) {
	timer := logging.StartTimer(logging.CategoryRecall, "ExplainSubject")
	defer timer.Stop()

	stores, err := r.mgr.ForScope(ctx, scope)
	if err != nil {
		return nil, err
	}

	var out []*Explanation
	for _, st := range stores {
		subject, err := store.EntityByName(ctx, st.DB(), subjectName)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}

		exp, err := explainSlot(ctx, st, subject, predicate)
		if err != nil {
			return nil, err
		}
		out = append(out, exp)
	}
	logging.Recall("ExplainSubject %s/%s scope=%s: %d store answers", subjectName, predicate, scope, len(out))
	return out, nil
}

func explainSlot(ctx context.Context, st *store.Store, subject *types.Entity, predicate string) (*Explanation, error) {
	open, err := store.OpenFactsForSlot(ctx, st.DB(), subject.ID, predicate)
	if err != nil {
		return nil, err
	}

	ids := make([]int64, len(open))
	for i, f := range open {
		ids[i] = f.ID
	}

	links, err := store.LinksForFacts(ctx, st.DB(), ids)
	if err != nil {
		return nil, err
	}
	// Walk supersession edges one hop back to the replaced facts.
	var predecessorIDs []int64
	for _, id := range ids {
		for _, l := range links[id] {
			if l.LinkType == types.LinkSupersedes && l.FromID == id {
				predecessorIDs = append(predecessorIDs, l.ToID)
			}
		}
	}
	predecessors, err := store.FactsByIDs(ctx, st.DB(), predecessorIDs)
	if err != nil {
		return nil, err
	}
	superseded := make([]*types.Fact, 0, len(predecessorIDs))
	for _, id := range predecessorIDs {
		if f := predecessors[id]; f != nil {
			superseded = append(superseded, f)
		}
	}

	conflictsByFact, err := store.OpenConflictsForFacts(ctx, st.DB(), ids)
	if err != nil {
		return nil, err
	}
	seen := make(map[int64]bool)
	var conflicts []types.Conflict
	for _, id := range ids {
		for _, c := range conflictsByFact[id] {
			if !seen[c.ID] {
				seen[c.ID] = true
				conflicts = append(conflicts, c)
			}
		}
	}

	receipts, err := store.ProvenanceForFacts(ctx, st.DB(), append(ids, predecessorIDs...))
	if err != nil {
		return nil, err
	}

	return &Explanation{
		Scope:      st.Scope(),
		Subject:    subject,
		Predicate:  predicate,
		Current:    open,
		Superseded: superseded,
		Conflicts:  conflicts,
		Receipts:   receipts,
	}, nil
}
