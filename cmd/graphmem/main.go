// graphmem is the local knowledge-graph memory engine CLI. Hook processes
// pipe distilled extractions into `graphmem ingest`; agents read memory back
// through `query`, `index`, `explain`, and friends.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"graphmem/internal/config"
	"graphmem/internal/embedding"
	"graphmem/internal/logging"
	"graphmem/internal/manager"
	"graphmem/internal/store"
	"graphmem/internal/types"
)

// Exit codes. Blocking errors (malformed or invalid input) get a distinct
// code so hook callers can tell "fix your payload" from "try again later".
const (
	exitOK       = 0
	exitError    = 1
	exitBlocking = 2
)

var (
	// Global flags
	projectDir string
	scopeFlag  string
	verbose    bool
	timeout    time.Duration

	// Logger
	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "graphmem",
	Short: "graphmem - local knowledge-graph memory for coding agents",
	Long: `graphmem persists what an AI coding assistant learns about a codebase:
entities, facts with provenance, decisions, and conflicts, in per-project
and user-wide SQLite stores.

Writes go through a truth-maintenance resolver; reads fuse full-text and
vector retrieval. Everything runs locally.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		zapCfg := zap.NewProductionConfig()
		if verbose {
			zapCfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zapCfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		if projectDir != "" {
			if err := logging.Initialize(projectDir); err != nil {
				logger.Warn("category logging disabled", zap.Error(err))
			}
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logging.CloseAll()
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func init() {
	wd, _ := os.Getwd()
	rootCmd.PersistentFlags().StringVar(&projectDir, "project", wd, "project root (empty for global-only)")
	rootCmd.PersistentFlags().StringVar(&scopeFlag, "scope", string(types.ScopeAll), "store scope: project, global, or all")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 30*time.Second, "operation timeout")

	rootCmd.AddCommand(ingestCmd)
	rootCmd.AddCommand(queryCmd)
	rootCmd.AddCommand(indexCmd)
	rootCmd.AddCommand(detailsCmd)
	rootCmd.AddCommand(explainCmd)
	rootCmd.AddCommand(shortcutCmd)
	rootCmd.AddCommand(shortcutsCmd)
	rootCmd.AddCommand(sweepCmd)
	rootCmd.AddCommand(promoteCmd)
	rootCmd.AddCommand(backfillCmd)
	rootCmd.AddCommand(statsCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitCode(err))
	}
	os.Exit(exitOK)
}

// exitCode maps an error to the process exit code: typed input and
// validation errors block (2), as does a store file written by a newer
// binary; everything else is operational (1).
func exitCode(err error) int {
	var inputErr *types.InputError
	var validationErr *types.ValidationError
	if errors.As(err, &inputErr) || errors.As(err, &validationErr) {
		return exitBlocking
	}
	if errors.Is(err, store.ErrSchemaMismatch) {
		return exitBlocking
	}
	return exitError
}

// boot loads config and builds the store manager. Callers own closing the
// manager.
func boot() (*config.Config, *manager.Manager, error) {
	cfg, err := config.Load(projectDir)
	if err != nil {
		return nil, nil, err
	}
	return cfg, manager.New(cfg), nil
}

// commandContext derives the command's deadline-bound context, cancelled on
// SIGINT/SIGTERM.
func commandContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	base := cmd.Context()
	if base == nil {
		base = context.Background()
	}
	ctx, stop := signal.NotifyContext(base, syscall.SIGINT, syscall.SIGTERM)
	ctx, cancel := context.WithTimeout(ctx, timeout)
	return ctx, func() { cancel(); stop() }
}

// activeScope validates the --scope flag.
func activeScope() (types.Scope, error) {
	s := types.Scope(scopeFlag)
	if s == types.ScopeAll || types.ValidScope(s) {
		return s, nil
	}
	return "", &types.InputError{Reason: fmt.Sprintf("unknown scope %q", scopeFlag)}
}

// newEngine builds the embedding engine from config. Failures degrade to
// lexical-only operation instead of blocking the command.
func newEngine(cfg *config.Config) embedding.Engine {
	eng, err := embedding.New(cfg.Embedding)
	if err != nil {
		logger.Warn("embedding engine unavailable, lexical retrieval only", zap.Error(err))
		return nil
	}
	return eng
}

// printJSON renders a command result to stdout.
func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}
