// Package resolver is the truth-maintenance core: it applies one
// extraction to one store inside a single transaction, deciding for each
// candidate fact whether it is new, a duplicate, a supersession, or an
// unresolvable conflict.
package resolver

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"graphmem/internal/config"
	"graphmem/internal/logging"
	"graphmem/internal/policy"
	"graphmem/internal/store"
	"graphmem/internal/types"
)

// Resolver applies extractions under the predicate policy.
type Resolver struct {
	cfg    config.ResolverConfig
	policy *policy.Registry
}

// New builds a resolver.
func New(cfg config.ResolverConfig, registry *policy.Registry) *Resolver {
	return &Resolver{cfg: cfg, policy: registry}
}

// ApplyStats counts what one Apply call did.
type ApplyStats struct {
	EntitiesCreated  int `json:"entities_created"`
	FactsNew         int `json:"facts_created"`
	FactsDuplicate   int `json:"facts_duplicate"`
	FactsSuperseded  int `json:"facts_superseded"`
	ConflictsOpened  int `json:"conflicts_created"`
	Decisions        int `json:"decisions"`
	SignalsAttached  int `json:"signals_attached"`
	SignalsDiscarded int `json:"signals_discarded"`
}

// Apply ingests a validated extraction against the store, attributed to the
// given content item. The whole application is one transaction: either
// every candidate lands or none does.
func (r *Resolver) Apply(ctx context.Context, st *store.Store, item *types.ContentItem, x *types.Extraction) (*ApplyStats, error) {
	timer := logging.StartTimer(logging.CategoryResolver, "Apply")
	defer timer.Stop()

	if err := x.Validate(); err != nil {
		return nil, err
	}

	stats := &ApplyStats{}
	err := st.WithTx(ctx, func(tx *sql.Tx) error {
		// Entity types declared by the extraction steer subject/object
		// resolution for its facts.
		declared := make(map[string]types.EntityType, len(x.Entities))
		for _, e := range x.Entities {
			key := strings.ToLower(strings.TrimSpace(e.Name))
			declared[key] = types.EntityType(e.Type)

			slug := types.Slug(types.EntityType(e.Type), e.Name)
			_, err := store.EntityBySlug(ctx, tx, slug)
			if errors.Is(err, store.ErrNotFound) {
				stats.EntitiesCreated++
			} else if err != nil {
				return err
			}
			entity, err := store.FindOrCreateEntity(ctx, tx, types.EntityType(e.Type), e.Name)
			if err != nil {
				return err
			}
			// A surface form that differs from the canonical name is worth
			// remembering as an alias.
			if strings.TrimSpace(e.Name) != entity.Name {
				confidence := e.Confidence
				if confidence == 0 {
					confidence = 0.9
				}
				if err := store.AddAlias(ctx, tx, types.EntityAlias{
					EntityID:   entity.ID,
					Alias:      strings.TrimSpace(e.Name),
					Source:     item.Source,
					Confidence: confidence,
				}); err != nil {
					return err
				}
			}
		}

		for i := range x.Facts {
			if err := r.applyFact(ctx, tx, st.Scope(), item, declared, x.Facts[i], stats); err != nil {
				return err
			}
		}

		for _, d := range x.Decisions {
			if err := r.applyDecision(ctx, tx, st.Scope(), item, d, stats); err != nil {
				return err
			}
		}

		for _, sig := range x.Signals {
			if err := r.applySignal(ctx, tx, item, sig, stats); err != nil {
				return err
			}
		}

		return store.RecordIngestionMetric(ctx, tx, types.IngestionMetric{
			InputTokens:    types.EstimateTokens(item.RawText),
			FactsExtracted: len(x.Facts),
		})
	})
	if err != nil {
		return nil, err
	}

	logging.Resolver("Applied extraction: new=%d dup=%d superseded=%d conflicts=%d decisions=%d signals=%d/%d",
		stats.FactsNew, stats.FactsDuplicate, stats.FactsSuperseded, stats.ConflictsOpened,
		stats.Decisions, stats.SignalsAttached, stats.SignalsAttached+stats.SignalsDiscarded)
	return stats, nil
}

// applyFact runs the per-candidate decision procedure: equivalence check,
// then contradiction ranking on single-valued slots.
func (r *Resolver) applyFact(ctx context.Context, tx *sql.Tx, scope types.Scope, item *types.ContentItem, declared map[string]types.EntityType, ef types.ExtractedFact, stats *ApplyStats) error {
	strength := ef.Strength
	if strength == "" {
		strength = types.StrengthStated
	}

	candidate, err := r.buildCandidate(ctx, tx, scope, item, declared, ef, strength, stats)
	if err != nil {
		return err
	}

	open, err := store.OpenFactsForSlot(ctx, tx, candidate.SubjectID, candidate.Predicate)
	if err != nil {
		return err
	}

	// Equivalence: same object, same polarity.
	for _, existing := range open {
		if !existing.Object.Matches(candidate.Object) || existing.Polarity != candidate.Polarity {
			continue
		}
		return r.absorbDuplicate(ctx, tx, open, existing, candidate, item, ef, strength, stats)
	}

	// Contradiction set: same object with flipped polarity always
	// contradicts; different objects contradict only on single-valued
	// slots.
	singleValued := r.policy.SingleValued(candidate.Predicate)
	var contradicted []*types.Fact
	for _, existing := range open {
		samePolarity := existing.Polarity == candidate.Polarity
		sameObject := existing.Object.Matches(candidate.Object)
		if (sameObject && !samePolarity) || (singleValued && !sameObject) {
			contradicted = append(contradicted, existing)
		}
	}

	if len(contradicted) == 0 {
		if _, err := r.insertCandidate(ctx, tx, candidate, item, ef, strength); err != nil {
			return err
		}
		stats.FactsNew++
		return nil
	}

	return r.resolveContradiction(ctx, tx, contradicted, candidate, item, ef, strength, stats)
}

// absorbDuplicate handles an equivalent restatement: a stated receipt is
// appended (weaker grades add no evidence value to an existing fact), and
// confidence ratchets up if the restatement is strictly more confident.
// A proposed fact corroborated above the propose threshold is promoted,
// but only through the same ranking a fresh candidate would face: it must
// outrank every rival on its slot, and promotion supersedes them.
func (r *Resolver) absorbDuplicate(ctx context.Context, tx *sql.Tx, open []*types.Fact, existing *types.Fact, candidate *types.Fact, item *types.ContentItem, ef types.ExtractedFact, strength types.Strength, stats *ApplyStats) error {
	if strength == types.StrengthStated {
		if _, err := store.AppendProvenance(ctx, tx, &types.Provenance{
			FactID:        existing.ID,
			ContentItemID: &item.ID,
			Quote:         ef.Quote,
			Strength:      strength,
		}); err != nil {
			return err
		}
	}
	confidence := existing.Confidence
	if candidate.Confidence > confidence {
		confidence = candidate.Confidence
		if err := store.SetFactConfidence(ctx, tx, existing.ID, confidence); err != nil {
			return err
		}
	}
	if existing.Status == types.StatusProposed && strength == types.StrengthStated && confidence >= r.cfg.ProposeBelow {
		if err := r.promoteCorroborated(ctx, tx, open, existing, confidence, strength, item, stats); err != nil {
			return err
		}
	}
	stats.FactsDuplicate++
	logging.ResolverDebug("Duplicate of fact %d (%s)", existing.ID, existing.Signature())
	return nil
}

// promoteCorroborated activates a proposed fact whose corroborated
// confidence now clears the propose threshold. Activation on a contested
// slot is a displacement like any other: every rival must be outranked and
// gets superseded, with any open conflicts against them resolved. A fact
// that cannot outrank some rival stays proposed.
func (r *Resolver) promoteCorroborated(ctx context.Context, tx *sql.Tx, open []*types.Fact, fact *types.Fact, confidence float64, strength types.Strength, item *types.ContentItem, stats *ApplyStats) error {
	singleValued := r.policy.SingleValued(fact.Predicate)
	var rivals []*types.Fact
	for _, other := range open {
		if other.ID == fact.ID {
			continue
		}
		samePolarity := other.Polarity == fact.Polarity
		sameObject := other.Object.Matches(fact.Object)
		if (sameObject && !samePolarity) || (singleValued && !sameObject) {
			rivals = append(rivals, other)
		}
	}

	for _, rival := range rivals {
		ok, err := r.outranks(ctx, tx, strength, confidence, rival)
		if err != nil {
			return err
		}
		if !ok {
			logging.ResolverDebug("Fact %d stays proposed: cannot outrank %d", fact.ID, rival.ID)
			return nil
		}
	}

	occurred := occurredAt(item)
	now := time.Now().UTC()
	for _, rival := range rivals {
		if err := store.CloseFact(ctx, tx, rival.ID, types.StatusSuperseded, occurred); err != nil {
			return err
		}
		if err := store.InsertFactLink(ctx, tx, fact.ID, rival.ID, types.LinkSupersedes); err != nil {
			return err
		}
		if _, err := store.ResolveConflictsInvolving(ctx, tx, rival.ID, now); err != nil {
			return err
		}
		stats.FactsSuperseded++
		logging.ResolverDebug("Fact %d supersedes %d on promotion", fact.ID, rival.ID)
	}
	return store.SetFactStatus(ctx, tx, fact.ID, types.StatusActive)
}

// outranks reports whether a claim with the given strength and confidence
// displaces the existing fact: evidence strength at least as high, and
// confidence within epsilon of (or above) the stored one.
func (r *Resolver) outranks(ctx context.Context, tx *sql.Tx, strength types.Strength, confidence float64, existing *types.Fact) (bool, error) {
	existingStrength, err := store.BestStrengthForFact(ctx, tx, existing.ID)
	if err != nil {
		return false, err
	}
	return strength.Rank() >= existingStrength.Rank() &&
		confidence >= existing.Confidence-r.cfg.ConfidenceEpsilon, nil
}

// occurredAt is the event time a supersession or validity window anchors
// to. Content items get a default on upsert; the zero guard covers direct
// resolver calls in tests.
func occurredAt(item *types.ContentItem) time.Time {
	if item.OccurredAt.IsZero() {
		return time.Now().UTC()
	}
	return item.OccurredAt
}

// resolveContradiction ranks the candidate against each contradicted fact.
// The candidate displaces an incumbent when its evidence strength is at
// least as high and its confidence is within epsilon of (or above) the
// stored one; a candidate that cannot displace every incumbent lands as
// proposed with an open conflict per unbeaten incumbent.
func (r *Resolver) resolveContradiction(ctx context.Context, tx *sql.Tx, contradicted []*types.Fact, candidate *types.Fact, item *types.ContentItem, ef types.ExtractedFact, strength types.Strength, stats *ApplyStats) error {
	var unbeaten []*types.Fact
	for _, existing := range contradicted {
		ok, err := r.outranks(ctx, tx, strength, candidate.Confidence, existing)
		if err != nil {
			return err
		}
		if !ok {
			unbeaten = append(unbeaten, existing)
		}
	}

	if len(unbeaten) == 0 {
		// Candidate displaces every incumbent: supersede them all. The
		// incumbents' validity windows close at the event time; any open
		// conflicts they were party to are settled by the displacement.
		inserted, err := r.insertCandidate(ctx, tx, candidate, item, ef, strength)
		if err != nil {
			return err
		}
		occurred := occurredAt(item)
		now := time.Now().UTC()
		for _, existing := range contradicted {
			if err := store.CloseFact(ctx, tx, existing.ID, types.StatusSuperseded, occurred); err != nil {
				return err
			}
			if err := store.InsertFactLink(ctx, tx, inserted.ID, existing.ID, types.LinkSupersedes); err != nil {
				return err
			}
			if _, err := store.ResolveConflictsInvolving(ctx, tx, existing.ID, now); err != nil {
				return err
			}
			stats.FactsSuperseded++
			logging.ResolverDebug("Fact %d supersedes %d", inserted.ID, existing.ID)
		}
		stats.FactsNew++
		return nil
	}

	// Outranked by at least one incumbent: the slot is untouched, the claim
	// lands as proposed, and the disagreement is recorded so later
	// corroboration or review can settle it.
	candidate.Status = types.StatusProposed
	inserted, err := r.insertCandidate(ctx, tx, candidate, item, ef, strength)
	if err != nil {
		return err
	}
	for _, existing := range unbeaten {
		if _, err := store.OpenConflict(ctx, tx, existing.ID, inserted.ID, "candidate could not outrank incumbent on "+candidate.Predicate); err != nil {
			return err
		}
		stats.ConflictsOpened++
		logging.Resolver("Conflict opened between facts %d and %d on %s", existing.ID, inserted.ID, candidate.Predicate)
	}
	stats.FactsNew++
	return nil
}

// buildCandidate resolves the subject and object of an extracted fact into
// store terms and fills defaults.
func (r *Resolver) buildCandidate(ctx context.Context, tx *sql.Tx, scope types.Scope, item *types.ContentItem, declared map[string]types.EntityType, ef types.ExtractedFact, strength types.Strength, stats *ApplyStats) (*types.Fact, error) {
	var subject *types.Entity
	var err error
	if subjectType, ok := declared[strings.ToLower(strings.TrimSpace(ef.Subject))]; ok {
		subject, err = store.FindOrCreateEntity(ctx, tx, subjectType, ef.Subject)
	} else {
		// Undeclared subjects reuse an existing entity of any type before
		// falling back to a fresh concept.
		subject, err = store.EntityByName(ctx, tx, ef.Subject)
		if errors.Is(err, store.ErrNotFound) {
			subject, err = store.FindOrCreateEntity(ctx, tx, types.EntityConcept, ef.Subject)
			if err == nil {
				stats.EntitiesCreated++
			}
		}
	}
	if err != nil {
		return nil, err
	}

	object := types.ObjectRef{Literal: ef.Object, Datatype: "string"}
	if objType, ok := declared[strings.ToLower(strings.TrimSpace(ef.Object))]; ok {
		objEntity, err := store.FindOrCreateEntity(ctx, tx, objType, ef.Object)
		if err != nil {
			return nil, err
		}
		object = types.ObjectRef{EntityID: objEntity.ID, EntityName: objEntity.Name}
	} else if objEntity, err := store.EntityByName(ctx, tx, ef.Object); err == nil {
		object = types.ObjectRef{EntityID: objEntity.ID, EntityName: objEntity.Name}
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	confidence := ef.Confidence
	if confidence == 0 {
		confidence = 0.7
	}
	polarity := ef.Polarity
	if polarity == "" {
		polarity = types.PolarityPositive
	}
	// Only stated claims start out active; inferred and derived ones wait
	// as proposed for corroboration regardless of confidence.
	status := types.StatusActive
	if confidence < r.cfg.ProposeBelow || strength != types.StrengthStated {
		status = types.StatusProposed
	}

	projectPath := ""
	if scope == types.ScopeProject {
		projectPath = item.ProjectPath
	}

	return &types.Fact{
		SubjectID:   subject.ID,
		SubjectName: subject.Name,
		Predicate:   strings.TrimSpace(ef.Predicate),
		Object:      object,
		Polarity:    polarity,
		Status:      status,
		Confidence:  confidence,
		Source:      item.Source,
		Scope:       scope,
		ProjectPath: projectPath,
		ValidFrom:   item.OccurredAt,
	}, nil
}

func (r *Resolver) insertCandidate(ctx context.Context, tx *sql.Tx, candidate *types.Fact, item *types.ContentItem, ef types.ExtractedFact, strength types.Strength) (*types.Fact, error) {
	inserted, err := store.InsertFact(ctx, tx, candidate, ef.Quote)
	if err != nil {
		return nil, err
	}
	if _, err := store.AppendProvenance(ctx, tx, &types.Provenance{
		FactID:        inserted.ID,
		ContentItemID: &item.ID,
		Quote:         ef.Quote,
		Strength:      strength,
	}); err != nil {
		return nil, err
	}
	return inserted, nil
}

// applyDecision persists an engineering decision as a fact on the project
// entity: predicate "decision", the title as object, the summary as quote.
func (r *Resolver) applyDecision(ctx context.Context, tx *sql.Tx, scope types.Scope, item *types.ContentItem, d types.ExtractedDecision, stats *ApplyStats) error {
	anchor := item.ProjectPath
	if scope == types.ScopeGlobal || anchor == "" {
		anchor = "global"
	}
	subject, err := store.FindOrCreateEntity(ctx, tx, types.EntityProject, anchor)
	if err != nil {
		return err
	}

	signature := types.FactSignature(subject.Name, "decision", d.Title)
	if existing, err := store.ActiveFactBySignature(ctx, tx, signature); err == nil {
		_, err := store.AppendProvenance(ctx, tx, &types.Provenance{
			FactID:        existing.ID,
			ContentItemID: &item.ID,
			Quote:         d.Summary,
			Strength:      types.StrengthStated,
		})
		return err
	} else if !errors.Is(err, store.ErrNotFound) {
		return err
	}

	projectPath := ""
	if scope == types.ScopeProject {
		projectPath = item.ProjectPath
	}
	fact := &types.Fact{
		SubjectID:   subject.ID,
		SubjectName: subject.Name,
		Predicate:   "decision",
		Object:      types.ObjectRef{Literal: d.Title, Datatype: "string"},
		Status:      types.StatusActive,
		Confidence:  0.9,
		Source:      item.Source,
		Scope:       scope,
		ProjectPath: projectPath,
	}
	inserted, err := store.InsertFact(ctx, tx, fact, d.Summary)
	if err != nil {
		return err
	}
	if _, err := store.AppendProvenance(ctx, tx, &types.Provenance{
		FactID:        inserted.ID,
		ContentItemID: &item.ID,
		Quote:         d.Summary,
		Strength:      types.StrengthStated,
	}); err != nil {
		return err
	}
	stats.Decisions++
	return nil
}

// applySignal attaches weak evidence to an existing open fact on the
// signal's slot. Signals never create facts; without a match they are
// discarded.
func (r *Resolver) applySignal(ctx context.Context, tx *sql.Tx, item *types.ContentItem, sig types.ExtractedSignal, stats *ApplyStats) error {
	subject, err := store.EntityByName(ctx, tx, sig.Subject)
	if errors.Is(err, store.ErrNotFound) {
		stats.SignalsDiscarded++
		logging.ResolverDebug("Signal subject %q unknown; discarded", sig.Subject)
		return nil
	}
	if err != nil {
		return err
	}

	open, err := store.OpenFactsForSlot(ctx, tx, subject.ID, strings.TrimSpace(sig.Predicate))
	if err != nil {
		return err
	}
	if len(open) == 0 {
		stats.SignalsDiscarded++
		logging.ResolverDebug("Signal on (%s, %s) matched no open fact; discarded", sig.Subject, sig.Predicate)
		return nil
	}

	// Attach to the best-ranked open fact on the slot.
	best := open[0]
	for _, f := range open[1:] {
		if f.Confidence > best.Confidence {
			best = f
		}
	}
	if _, err := store.AppendProvenance(ctx, tx, &types.Provenance{
		FactID:        best.ID,
		ContentItemID: &item.ID,
		Quote:         sig.Note,
		Strength:      types.StrengthInferred,
	}); err != nil {
		return err
	}
	stats.SignalsAttached++
	return nil
}
