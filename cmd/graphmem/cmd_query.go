package main

import (
	"context"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"graphmem/internal/manager"
	"graphmem/internal/recall"
	"graphmem/internal/store"
	"graphmem/internal/types"
)

var (
	queryLimit  int
	queryTokens int
)

var queryCmd = &cobra.Command{
	Use:   "query [terms...]",
	Short: "Hybrid lexical + vector search over facts",
	Long: `Searches fact text with full-text search and, unless a dominant
lexical hit makes it pointless, a vector nearest-neighbour search. The two
result lists fuse by reciprocal rank; project facts outrank global
duplicates.

Example:
  graphmem query what database does this project use`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runRecall(cmd, args, false)
	},
}

var indexCmd = &cobra.Command{
	Use:   "index [terms...]",
	Short: "Cheap content-indexed fact search",
	Long: `Searches ingested raw content and follows provenance receipts back
to the facts that content evidences. Three queries per store, no embedding
calls; the fast path for hook processes on a latency budget.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runRecall(cmd, args, true)
	},
}

func init() {
	for _, c := range []*cobra.Command{queryCmd, indexCmd} {
		c.Flags().IntVar(&queryLimit, "limit", 0, "max results (0 = config default)")
		c.Flags().IntVar(&queryTokens, "tokens", 0, "trim results to this token budget (0 = no trim)")
	}
	shortcutCmd.Flags().IntVar(&shortcutLimit, "limit", 0, "max results (0 = shortcut default)")
}

func runRecall(cmd *cobra.Command, args []string, indexed bool) error {
	ctx, cancel := commandContext(cmd)
	defer cancel()

	scope, err := activeScope()
	if err != nil {
		return err
	}
	cfg, mgr, err := boot()
	if err != nil {
		return err
	}
	defer mgr.Close()

	var r *recall.Recall
	if indexed {
		r = recall.New(cfg.Recall, mgr, nil)
	} else {
		r = recall.New(cfg.Recall, mgr, newEngine(cfg))
	}

	query := strings.Join(args, " ")
	if indexed {
		res, err := r.QueryIndex(ctx, scope, query, queryLimit)
		if err != nil {
			return err
		}
		if queryTokens > 0 {
			res.TrimToTokens(queryTokens)
		}
		return printJSON(res)
	}

	res, err := r.Query(ctx, scope, query, queryLimit)
	if err != nil {
		return err
	}
	if queryTokens > 0 {
		res.TrimToTokens(queryTokens)
	}
	return printJSON(res)
}

var detailsCmd = &cobra.Command{
	Use:   "details [fact-id...]",
	Short: "Show facts with receipts and relationships",
	Long: `Expands a batch of facts: provenance receipts, supersession edges in
both directions, and open conflicts. Ids not present in the scope's stores
are silently omitted.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := commandContext(cmd)
		defer cancel()

		factIDs := make([]int64, len(args))
		for i, a := range args {
			id, err := strconv.ParseInt(a, 10, 64)
			if err != nil {
				return &types.InputError{Reason: "fact id must be an integer", Cause: err}
			}
			factIDs[i] = id
		}
		scope, err := activeScope()
		if err != nil {
			return err
		}
		cfg, mgr, err := boot()
		if err != nil {
			return err
		}
		defer mgr.Close()

		d, err := recall.New(cfg.Recall, mgr, nil).Details(ctx, scope, factIDs)
		if err != nil {
			return err
		}
		return printJSON(d)
	},
}

var explainCmd = &cobra.Command{
	Use:   "explain [fact-id | subject predicate]",
	Short: "Explain why a fact or slot is believed",
	Long: `With one integer argument, expands that fact: receipts, the facts it
superseded, the fact that superseded it, and open conflicts. A missing fact
reports status "not_found" rather than failing.

With two arguments, explains a (subject, predicate) slot per store: the open
facts, the facts they superseded, open conflicts, and every receipt.

Example:
  graphmem explain 42
  graphmem explain myapp uses_database`,
	Args: cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := commandContext(cmd)
		defer cancel()

		scope, err := activeScope()
		if err != nil {
			return err
		}
		cfg, mgr, err := boot()
		if err != nil {
			return err
		}
		defer mgr.Close()
		r := recall.New(cfg.Recall, mgr, nil)

		if len(args) == 1 {
			factID, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return &types.InputError{Reason: "fact id must be an integer", Cause: err}
			}
			exp, err := r.Explain(ctx, scope, factID)
			if err != nil {
				return err
			}
			return printJSON(exp)
		}

		exps, err := r.ExplainSubject(ctx, scope, args[0], args[1])
		if err != nil {
			return err
		}
		if len(exps) == 0 {
			logger.Info("subject unknown in every store", zap.String("subject", args[0]))
		}
		return printJSON(exps)
	},
}

var shortcutLimit int

var shortcutCmd = &cobra.Command{
	Use:   "get [shortcut]",
	Short: "Run a canned query (decisions, conventions, ...)",
	Long: `Runs a named shortcut from the canned query registry through the
general query path. The shortcut carries its own scope and limit; --scope
and --limit override them.

Example:
  graphmem get decisions
  graphmem get project_config --limit 5`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := commandContext(cmd)
		defer cancel()

		// Only an explicit --scope overrides the shortcut's canned scope.
		scope := types.Scope("")
		if cmd.Root().PersistentFlags().Changed("scope") {
			var err error
			if scope, err = activeScope(); err != nil {
				return err
			}
		}
		cfg, mgr, err := boot()
		if err != nil {
			return err
		}
		defer mgr.Close()

		res, err := recall.New(cfg.Recall, mgr, newEngine(cfg)).Shortcut(ctx, args[0], scope, shortcutLimit)
		if err != nil {
			return err
		}
		return printJSON(res)
	},
}

var shortcutsCmd = &cobra.Command{
	Use:   "shortcuts",
	Short: "List the canned query registry",
	RunE: func(cmd *cobra.Command, args []string) error {
		return printJSON(recall.Shortcuts())
	},
}

// storeForWrite resolves the single store a write-side command targets.
func storeForWrite(ctx context.Context, mgr *manager.Manager, scope types.Scope) (*store.Store, error) {
	if scope == types.ScopeGlobal {
		return mgr.Global(ctx)
	}
	return mgr.Project(ctx)
}
