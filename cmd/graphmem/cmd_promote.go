package main

import (
	"strconv"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"graphmem/internal/types"
)

var promoteCmd = &cobra.Command{
	Use:   "promote [fact-id]",
	Short: "Copy a project fact into the global store",
	Long: `Promotes a project-scoped fact to user-wide scope. The copy keeps
receipt quotes but drops content references, which are local to the project
store. Promoting an already-promoted fact is a no-op.`,
	Args: cobra.ExactArgs(1),
	RunE: runPromote,
}

func runPromote(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext(cmd)
	defer cancel()

	factID, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return &types.InputError{Reason: "fact id must be an integer", Cause: err}
	}

	_, mgr, err := boot()
	if err != nil {
		return err
	}
	defer mgr.Close()

	promoted, err := mgr.PromoteFact(ctx, factID)
	if err != nil {
		return err
	}
	if promoted == nil {
		logger.Info("nothing to promote", zap.Int64("project_fact", factID))
		return printJSON(map[string]any{"fact": nil, "status": "not_found"})
	}
	logger.Info("promoted", zap.Int64("project_fact", factID), zap.Int64("global_fact", promoted.ID))
	return printJSON(promoted)
}

var backfillCmd = &cobra.Command{
	Use:   "backfill",
	Short: "Embed facts that are missing vectors",
	Long: `Walks facts without embeddings and fills them in batches,
checkpointing progress so an interrupted run resumes where it stopped.`,
	RunE: runBackfill,
}

func runBackfill(cmd *cobra.Command, args []string) error {
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

	engine := newEngine(cfg)
	if engine == nil {
		return &types.InputError{Reason: "backfill needs a configured embedding provider"}
	}

	n, err := mgr.BackfillEmbeddings(ctx, scope, engine)
	if err != nil {
		return err
	}
	return printJSON(map[string]int{"embedded": n})
}
