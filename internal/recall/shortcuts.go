package recall

import (
	"context"
	"sort"
	"strings"

	"graphmem/internal/types"
)

// Shortcut is a named canned query agents call instead of composing search
// text themselves. The table is data, not code, so adding one is a single
// line.
type Shortcut struct {
	Name         string      `json:"name"`
	QueryText    string      `json:"query_text"`
	Scope        types.Scope `json:"scope"`
	DefaultLimit int         `json:"default_limit"`
	Description  string      `json:"description"`
}

var shortcutTable = []Shortcut{
	{
		Name:         "decisions",
		QueryText:    "decision decided chose because instead tradeoff",
		Scope:        types.ScopeAll,
		DefaultLimit: 10,
		Description:  "recorded decisions and their reasons",
	},
	{
		Name:         "conventions",
		QueryText:    "convention style naming pattern preferred always never",
		Scope:        types.ScopeAll,
		DefaultLimit: 10,
		Description:  "coding conventions in force",
	},
	{
		Name:         "architecture",
		QueryText:    "architecture service layer module boundary structure framework",
		Scope:        types.ScopeProject,
		DefaultLimit: 10,
		Description:  "how the project is put together",
	},
	{
		Name:         "project_config",
		QueryText:    "database language build tool deploy package manager configuration",
		Scope:        types.ScopeProject,
		DefaultLimit: 10,
		Description:  "the project's stack and configuration facts",
	},
}

// Shortcuts lists the registry sorted by name, for CLI help output.
func Shortcuts() []Shortcut {
	out := make([]Shortcut, len(shortcutTable))
	copy(out, shortcutTable)
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// LookupShortcut resolves a shortcut name, case-insensitively.
func LookupShortcut(name string) (Shortcut, bool) {
	needle := strings.ToLower(strings.TrimSpace(name))
	for _, s := range shortcutTable {
		if s.Name == needle {
			return s, true
		}
	}
	return Shortcut{}, false
}

// Shortcut answers a canned query through the general hybrid query path.
// An empty scope falls back to the shortcut's canned scope; limit <= 0
// falls back to its default limit.
func (r *Recall) Shortcut(ctx context.Context, name string, scope types.Scope, limit int) (*Result, error) {
	sc, ok := LookupShortcut(name)
	if !ok {
		return nil, &types.InputError{Reason: "unknown shortcut " + name}
	}
	if scope == "" {
		scope = sc.Scope
	}
	if limit <= 0 {
		limit = sc.DefaultLimit
	}
	return r.Query(ctx, scope, sc.QueryText, limit)
}
