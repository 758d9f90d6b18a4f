package types

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Extraction is the resolver's input: the structured output of the external
// distiller for one content item.
type Extraction struct {
	Entities  []ExtractedEntity   `json:"entities,omitempty"`
	Facts     []ExtractedFact     `json:"facts,omitempty"`
	Decisions []ExtractedDecision `json:"decisions,omitempty"`
	Signals   []ExtractedSignal   `json:"signals,omitempty"`
}

// ExtractedEntity is a distiller-proposed entity.
type ExtractedEntity struct {
	Type       string  `json:"type"`
	Name       string  `json:"name"`
	Confidence float64 `json:"confidence,omitempty"`
}

// ExtractedFact is a distiller-proposed assertion. Subject and Object are
// entity names or literals; the resolver decides which.
type ExtractedFact struct {
	Subject    string   `json:"subject"`
	Predicate  string   `json:"predicate"`
	Object     string   `json:"object"`
	Polarity   Polarity `json:"polarity,omitempty"`
	Confidence float64  `json:"confidence,omitempty"`
	Quote      string   `json:"quote,omitempty"`
	Strength   Strength `json:"strength,omitempty"`
	ScopeHint  Scope    `json:"scope_hint,omitempty"`
}

// ExtractedDecision is a recorded engineering decision.
type ExtractedDecision struct {
	Title      string `json:"title"`
	Summary    string `json:"summary"`
	StatusHint string `json:"status_hint,omitempty"`
}

// ExtractedSignal is weak supporting evidence. Signals never create facts;
// they attach provenance to matching facts or are discarded.
type ExtractedSignal struct {
	Subject    string  `json:"subject"`
	Predicate  string  `json:"predicate"`
	Note       string  `json:"note,omitempty"`
	Confidence float64 `json:"confidence,omitempty"`
}

// InputError is a typed error for malformed extraction payloads. It is
// distinct from validation errors so callers can map it to the blocking
// exit code.
type InputError struct {
	Reason string
	Cause  error
}

func (e *InputError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("invalid extraction input: %s: %v", e.Reason, e.Cause)
	}
	return fmt.Sprintf("invalid extraction input: %s", e.Reason)
}

func (e *InputError) Unwrap() error { return e.Cause }

// ValidationError reports a structurally parseable but semantically invalid
// extraction field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("extraction validation: %s: %s", e.Field, e.Reason)
}

// ParseExtraction decodes an extraction payload, translating JSON failures
// into a typed input error.
func ParseExtraction(data []byte) (*Extraction, error) {
	var x Extraction
	if err := json.Unmarshal(data, &x); err != nil {
		return nil, &InputError{Reason: "json parse failure", Cause: err}
	}
	if err := x.Validate(); err != nil {
		return nil, err
	}
	return &x, nil
}

// Validate checks the extraction's fields. Defaults are not applied here;
// the resolver fills them at apply time.
func (x *Extraction) Validate() error {
	for i, e := range x.Entities {
		if strings.TrimSpace(e.Name) == "" {
			return &ValidationError{Field: fmt.Sprintf("entities[%d].name", i), Reason: "empty"}
		}
		if strings.TrimSpace(e.Type) == "" {
			return &ValidationError{Field: fmt.Sprintf("entities[%d].type", i), Reason: "empty"}
		}
	}
	for i, f := range x.Facts {
		if strings.TrimSpace(f.Subject) == "" {
			return &ValidationError{Field: fmt.Sprintf("facts[%d].subject", i), Reason: "empty"}
		}
		if strings.TrimSpace(f.Predicate) == "" {
			return &ValidationError{Field: fmt.Sprintf("facts[%d].predicate", i), Reason: "empty"}
		}
		if strings.TrimSpace(f.Object) == "" {
			return &ValidationError{Field: fmt.Sprintf("facts[%d].object", i), Reason: "empty"}
		}
		if f.Strength != "" && !ValidStrength(f.Strength) {
			return &ValidationError{Field: fmt.Sprintf("facts[%d].strength", i), Reason: fmt.Sprintf("unknown strength %q", f.Strength)}
		}
		if f.Polarity != "" && f.Polarity != PolarityPositive && f.Polarity != PolarityNegative {
			return &ValidationError{Field: fmt.Sprintf("facts[%d].polarity", i), Reason: fmt.Sprintf("unknown polarity %q", f.Polarity)}
		}
		if f.Confidence < 0 || f.Confidence > 1 {
			return &ValidationError{Field: fmt.Sprintf("facts[%d].confidence", i), Reason: "outside [0,1]"}
		}
		if f.ScopeHint != "" && !ValidScope(f.ScopeHint) {
			return &ValidationError{Field: fmt.Sprintf("facts[%d].scope_hint", i), Reason: fmt.Sprintf("unknown scope %q", f.ScopeHint)}
		}
	}
	for i, d := range x.Decisions {
		if strings.TrimSpace(d.Title) == "" {
			return &ValidationError{Field: fmt.Sprintf("decisions[%d].title", i), Reason: "empty"}
		}
	}
	return nil
}

// Empty reports whether the extraction carries nothing to apply.
func (x *Extraction) Empty() bool {
	return len(x.Entities) == 0 && len(x.Facts) == 0 && len(x.Decisions) == 0 && len(x.Signals) == 0
}
