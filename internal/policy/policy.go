// Package policy is the single home of predicate cardinality rules. A
// predicate is either single-valued (a slot holds at most one active fact)
// or multi-valued. The table ships with compiled-in defaults and can be
// extended or overridden from a YAML file; unknown predicates are
// multi-valued until classified.
package policy

import (
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"

	"graphmem/internal/logging"
)

// Cardinality classifies a predicate.
type Cardinality string

const (
	SingleValued Cardinality = "single"
	MultiValued  Cardinality = "multi"
)

// defaultTable is the compiled-in classification. Everything not listed is
// multi-valued.
var defaultTable = map[string]Cardinality{
	"uses_database":       SingleValued,
	"auth_method":         SingleValued,
	"deployment_platform": SingleValued,
	"primary_language":    SingleValued,
	"license":             SingleValued,
	"build_tool":          SingleValued,
	"package_manager":     SingleValued,
	"ci_provider":         SingleValued,
	"default_branch":      SingleValued,

	"depends_on": MultiValued,
	"convention": MultiValued,
	"decision":   MultiValued,
	"uses_tool":  MultiValued,
	"prefers":    MultiValued,
	"related_to": MultiValued,
}

// Registry answers cardinality questions for the resolver. Safe for
// concurrent use; Reload swaps the table atomically.
type Registry struct {
	mu    sync.RWMutex
	path  string
	table map[string]Cardinality
}

// fileFormat is the YAML shape of a policy file:
//
//	single_valued: [uses_database, auth_method]
//	multi_valued:  [depends_on, convention]
type fileFormat struct {
	SingleValued []string `yaml:"single_valued"`
	MultiValued  []string `yaml:"multi_valued"`
}

// NewRegistry returns a registry seeded with the compiled-in defaults and,
// when path is non-empty and exists, overlaid with the file's entries.
func NewRegistry(path string) (*Registry, error) {
	r := &Registry{path: path, table: cloneDefaults()}
	if path == "" {
		return r, nil
	}
	if err := r.Reload(); err != nil {
		return nil, err
	}
	return r, nil
}

func cloneDefaults() map[string]Cardinality {
	t := make(map[string]Cardinality, len(defaultTable))
	for k, v := range defaultTable {
		t[k] = v
	}
	return t
}

// Reload re-reads the policy file and swaps the table. A missing file
// resets to the defaults; a malformed file leaves the current table in
// place and returns the error.
func (r *Registry) Reload() error {
	table := cloneDefaults()

	if r.path != "" {
		data, err := os.ReadFile(r.path)
		switch {
		case os.IsNotExist(err):
			// Defaults only.
		case err != nil:
			return fmt.Errorf("failed to read policy file %s: %w", r.path, err)
		default:
			var ff fileFormat
			if err := yaml.Unmarshal(data, &ff); err != nil {
				return fmt.Errorf("failed to parse policy file %s: %w", r.path, err)
			}
			for _, p := range ff.SingleValued {
				table[p] = SingleValued
			}
			for _, p := range ff.MultiValued {
				table[p] = MultiValued
			}
		}
	}

	r.mu.Lock()
	r.table = table
	r.mu.Unlock()

	logging.Policy("Predicate policy loaded: %d classified predicates", len(table))
	return nil
}

// Cardinality returns the classification for a predicate. Unknown
// predicates default to multi-valued.
func (r *Registry) Cardinality(predicate string) Cardinality {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if c, ok := r.table[predicate]; ok {
		return c
	}
	return MultiValued
}

// SingleValued reports whether the predicate's slot holds at most one
// active fact.
func (r *Registry) SingleValued(predicate string) bool {
	return r.Cardinality(predicate) == SingleValued
}

// Known returns the number of classified predicates (for stats output).
func (r *Registry) Known() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.table)
}
