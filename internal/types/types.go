// Package types defines the persistent record types of the graphmem
// knowledge store: content items, entities, facts, provenance receipts,
// supersession links, and conflicts. All components exchange these plain
// records; storage and ranking logic live elsewhere.
package types

import (
	"fmt"
	"strings"
	"time"
	"unicode"
)

// Scope partitions facts and stores into user-wide and project-bound.
type Scope string

const (
	ScopeGlobal  Scope = "global"
	ScopeProject Scope = "project"
	// ScopeAll is a query-time pseudo scope: both stores, merged.
	ScopeAll Scope = "all"
)

// FactStatus is the lifecycle state of a fact.
type FactStatus string

const (
	StatusProposed   FactStatus = "proposed"
	StatusActive     FactStatus = "active"
	StatusDisputed   FactStatus = "disputed"
	StatusSuperseded FactStatus = "superseded"
	StatusRetracted  FactStatus = "retracted"
)

// Open reports whether the status belongs to the open validity window
// (valid_to must be null) as opposed to the closed one.
func (s FactStatus) Open() bool {
	switch s {
	case StatusProposed, StatusActive, StatusDisputed:
		return true
	}
	return false
}

// Polarity marks an assertion as affirmed or negated.
type Polarity string

const (
	PolarityPositive Polarity = "positive"
	PolarityNegative Polarity = "negative"
)

// Strength grades provenance evidence. Ordering: stated > inferred > derived.
type Strength string

const (
	StrengthStated   Strength = "stated"
	StrengthInferred Strength = "inferred"
	StrengthDerived  Strength = "derived"
)

// Rank returns the numeric ordering of a strength (stated=3, inferred=2,
// derived=1, unknown=0).
func (s Strength) Rank() int {
	switch s {
	case StrengthStated:
		return 3
	case StrengthInferred:
		return 2
	case StrengthDerived:
		return 1
	}
	return 0
}

// EntityType is the small enumerated set of entity kinds. Unknown input
// types are preserved as-is; the set below is the conventional vocabulary.
type EntityType string

const (
	EntityDatabase  EntityType = "database"
	EntityFramework EntityType = "framework"
	EntityLanguage  EntityType = "language"
	EntityPlatform  EntityType = "platform"
	EntityRepo      EntityType = "repo"
	EntityModule    EntityType = "module"
	EntityPerson    EntityType = "person"
	EntityService   EntityType = "service"
	EntityTool      EntityType = "tool"
	EntityProject   EntityType = "project"
	EntityConcept   EntityType = "concept"
)

// Entity is a canonical named domain object.
type Entity struct {
	ID        int64      `json:"id"`
	Type      EntityType `json:"type"`
	Name      string     `json:"name"`
	Slug      string     `json:"slug"`
	CreatedAt time.Time  `json:"created_at"`
}

// EntityAlias is an alternate surface form for an entity.
type EntityAlias struct {
	EntityID   int64   `json:"entity_id"`
	Alias      string  `json:"alias"`
	Source     string  `json:"source,omitempty"`
	Confidence float64 `json:"confidence"`
}

// Slug computes the globally unique entity slug:
// "{type}:{lowercased name with runs of non-alphanumerics collapsed to a
// single underscore, stripped of leading/trailing underscores}".
func Slug(entityType EntityType, name string) string {
	var b strings.Builder
	lastUnderscore := false
	for _, r := range strings.ToLower(name) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			lastUnderscore = false
			continue
		}
		if !lastUnderscore {
			b.WriteByte('_')
			lastUnderscore = true
		}
	}
	normalized := strings.Trim(b.String(), "_")
	return string(entityType) + ":" + normalized
}

// ObjectRef is the tagged union for a fact's object: either a reference to
// an entity or a literal value with a datatype.
type ObjectRef struct {
	EntityID   int64  `json:"entity_id,omitempty"`
	EntityName string `json:"entity_name,omitempty"` // canonical name, set when EntityID > 0
	Literal    string `json:"literal,omitempty"`
	Datatype   string `json:"datatype,omitempty"`
}

// IsEntity reports whether the object references an entity.
func (o ObjectRef) IsEntity() bool { return o.EntityID > 0 }

// Text returns the display text of the object: the referenced entity's
// canonical name, or the literal.
func (o ObjectRef) Text() string {
	if o.IsEntity() {
		return o.EntityName
	}
	return o.Literal
}

// Matches reports object equivalence: by entity id for references, and
// case-insensitively after trimming for literals.
func (o ObjectRef) Matches(other ObjectRef) bool {
	if o.IsEntity() || other.IsEntity() {
		return o.EntityID == other.EntityID && o.EntityID > 0
	}
	return strings.EqualFold(strings.TrimSpace(o.Literal), strings.TrimSpace(other.Literal))
}

// Fact is a temporally-bounded assertion: a typed triple with status,
// validity window, confidence, and scope.
type Fact struct {
	ID          int64      `json:"id"`
	SubjectID   int64      `json:"subject_id"`
	SubjectName string     `json:"subject"` // materialized at read time
	Predicate   string     `json:"predicate"`
	Object      ObjectRef  `json:"object"`
	Polarity    Polarity   `json:"polarity"`
	ValidFrom   time.Time  `json:"valid_from"`
	ValidTo     *time.Time `json:"valid_to,omitempty"`
	Status      FactStatus `json:"status"`
	Confidence  float64    `json:"confidence"`
	Source      string     `json:"source,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	Scope       Scope      `json:"scope"`
	ProjectPath string     `json:"project_path,omitempty"` // empty when scope=global
	Embedding   []float32  `json:"-"`
}

// Signature is the fact identity used for equivalence and deduplication:
// (subject canonical name, predicate, object text), normalized.
func (f Fact) Signature() string {
	return FactSignature(f.SubjectName, f.Predicate, f.Object.Text())
}

// FactSignature normalizes a (subject, predicate, object) triple into the
// deduplication key shared by resolver, promotion, and recall.
func FactSignature(subject, predicate, object string) string {
	norm := func(s string) string { return strings.ToLower(strings.TrimSpace(s)) }
	return norm(subject) + "|" + norm(predicate) + "|" + norm(object)
}

// SearchText builds the synthetic searchable string indexed for a fact:
// subject name, predicate, object, and the receipt quote.
func (f Fact) SearchText(quote string) string {
	parts := []string{f.SubjectName, strings.ReplaceAll(f.Predicate, "_", " "), f.Object.Text()}
	if quote != "" {
		parts = append(parts, quote)
	}
	return strings.Join(parts, " ")
}

// Provenance is an append-only evidence receipt linking a fact to the
// content item it was extracted from.
type Provenance struct {
	ID            int64    `json:"id"`
	FactID        int64    `json:"fact_id"`
	ContentItemID *int64   `json:"content_item_id,omitempty"` // nil for synthetic facts
	Quote         string   `json:"quote"`
	AttributionID *int64   `json:"attribution_id,omitempty"`
	Strength      Strength `json:"strength"`
}

// Link types for fact links.
const LinkSupersedes = "supersedes"

// FactLink is a directed edge between facts. A "supersedes" edge from
// FromID to ToID means FromID replaces ToID.
type FactLink struct {
	ID        int64     `json:"id"`
	FromID    int64     `json:"from_id"`
	ToID      int64     `json:"to_id"`
	LinkType  string    `json:"link_type"`
	CreatedAt time.Time `json:"created_at"`
}

// ConflictStatus is the lifecycle of a conflict record.
type ConflictStatus string

const (
	ConflictOpen     ConflictStatus = "open"
	ConflictResolved ConflictStatus = "resolved"
)

// Conflict records two facts on the same single-valued slot that the
// resolver could not rank.
type Conflict struct {
	ID         int64          `json:"id"`
	FactAID    int64          `json:"fact_a_id"`
	FactBID    int64          `json:"fact_b_id"`
	Status     ConflictStatus `json:"status"`
	DetectedAt time.Time      `json:"detected_at"`
	Notes      string         `json:"notes,omitempty"`
}

// ContentItem is a persisted chunk of source text with session identity.
// Items are immutable once written; the sweeper prunes old unreferenced ones.
type ContentItem struct {
	ID             int64             `json:"id"`
	Source         string            `json:"source"`
	SessionID      string            `json:"session_id"`
	TranscriptPath string            `json:"transcript_path,omitempty"`
	ProjectPath    string            `json:"project_path,omitempty"`
	OccurredAt     time.Time         `json:"occurred_at"`
	IngestedAt     time.Time         `json:"ingested_at"`
	TextHash       string            `json:"text_hash"`
	ByteLen        int64             `json:"byte_len"`
	RawText        string            `json:"raw_text"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	GitBranch      string            `json:"git_branch,omitempty"`
	WorkDir        string            `json:"work_dir,omitempty"`
	CallerVersion  string            `json:"caller_version,omitempty"`
	ThinkingLevel  string            `json:"thinking_level,omitempty"`
	SourceModTime  *time.Time        `json:"source_mod_time,omitempty"`
}

// Operation states for long-running batch work.
const (
	OpRunning   = "running"
	OpCompleted = "completed"
	OpFailed    = "failed"
)

// OperationProgress tracks resumable batch operations such as embedding
// backfills.
type OperationProgress struct {
	ID             string    `json:"id"`
	OpType         string    `json:"op_type"`
	Scope          Scope     `json:"scope"`
	TotalItems     int       `json:"total_items"`
	ProcessedItems int       `json:"processed_items"`
	Checkpoint     []byte    `json:"checkpoint,omitempty"`
	State          string    `json:"state"`
	StartedAt      time.Time `json:"started_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// IngestionMetric is append-only token accounting per distillation.
type IngestionMetric struct {
	ID             int64     `json:"id"`
	InputTokens    int       `json:"input_tokens"`
	OutputTokens   int       `json:"output_tokens"`
	FactsExtracted int       `json:"facts_extracted"`
	CreatedAt      time.Time `json:"created_at"`
}

// ValidScope reports whether s names a storable scope.
func ValidScope(s Scope) bool { return s == ScopeGlobal || s == ScopeProject }

// ValidStrength reports whether s is a known strength grade.
func ValidStrength(s Strength) bool { return s.Rank() > 0 }

// CheckInvariants verifies the fact status/window invariant: open statuses
// have a null valid_to, closed statuses a set one.
func (f Fact) CheckInvariants() error {
	if f.Status.Open() && f.ValidTo != nil {
		return fmt.Errorf("fact %d: status %s must have null valid_to", f.ID, f.Status)
	}
	if !f.Status.Open() && f.ValidTo == nil {
		return fmt.Errorf("fact %d: status %s must have valid_to set", f.ID, f.Status)
	}
	if f.Scope == ScopeGlobal && f.ProjectPath != "" {
		return fmt.Errorf("fact %d: global scope with project_path %q", f.ID, f.ProjectPath)
	}
	return nil
}
