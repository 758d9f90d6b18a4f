package main

import (
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"graphmem/internal/sweeper"
	"graphmem/internal/types"
)

var sweepBudget time.Duration

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Run the retention pass",
	Long: `Retracts stale proposed and disputed facts, deletes orphaned
provenance, prunes old unreferenced content, and checkpoints the WAL, in
small batches inside a time budget. Safe to run from a session-end hook.`,
	RunE: runSweep,
}

func init() {
	sweepCmd.Flags().DurationVar(&sweepBudget, "budget", 0, "time budget (0 = config default)")
}

func runSweep(cmd *cobra.Command, args []string) error {
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

	budget := sweepBudget
	if budget == 0 {
		budget = cfg.Sweeper.Budget
	}

	stores, err := mgr.ForScope(ctx, scope)
	if err != nil {
		return err
	}

	sw := sweeper.New(cfg.Sweeper)
	results := make(map[types.Scope]*sweeper.Result, len(stores))
	for _, st := range stores {
		res, err := sw.Sweep(ctx, st, budget)
		if err != nil {
			return err
		}
		if !res.BudgetHonored {
			logger.Warn("sweep ran out of budget", zap.String("scope", string(st.Scope())))
		}
		results[st.Scope()] = res
	}
	return printJSON(results)
}
