package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"graphmem/internal/policy"
	"graphmem/internal/resolver"
	"graphmem/internal/store"
	"graphmem/internal/types"
)

var (
	ingestSession    string
	ingestSource     string
	ingestTranscript string
	ingestBranch     string
	ingestWorkDir    string
	ingestOccurred   string
	ingestCursor     int64
)

var ingestCmd = &cobra.Command{
	Use:   "ingest [payload-file]",
	Short: "Apply a distilled extraction to the store",
	Long: `Reads an extraction payload (JSON) from a file or stdin and applies it:
the raw text persists as a content item, and each proposed entity, fact,
decision, and signal runs through the truth-maintenance resolver.

The payload carries the raw source text alongside the extraction:

  {"raw_text": "...", "entities": [...], "facts": [...],
   "decisions": [...], "signals": [...]}

Re-ingesting the same text in the same session is a no-op.

Example:
  distill transcript.jsonl | graphmem ingest --session abc123 -`,
	Args: cobra.MaximumNArgs(1),
	RunE: runIngest,
}

func init() {
	ingestCmd.Flags().StringVar(&ingestSession, "session", "", "session id of the source conversation (required)")
	ingestCmd.Flags().StringVar(&ingestSource, "source", "hook", "ingestion source label")
	ingestCmd.Flags().StringVar(&ingestTranscript, "transcript", "", "path of the source transcript")
	ingestCmd.Flags().StringVar(&ingestBranch, "branch", "", "git branch at capture time")
	ingestCmd.Flags().StringVar(&ingestWorkDir, "workdir", "", "working directory at capture time")
	ingestCmd.Flags().StringVar(&ingestOccurred, "occurred", "", "when the content occurred (RFC3339, default now)")
	ingestCmd.Flags().Int64Var(&ingestCursor, "cursor", -1, "advance the session ingest cursor to this position")
	_ = ingestCmd.MarkFlagRequired("session")
}

// ingestPayload is the wire envelope: the raw text plus the extraction.
type ingestPayload struct {
	RawText string `json:"raw_text"`
	types.Extraction
}

func runIngest(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext(cmd)
	defer cancel()

	payload, err := readPayload(args)
	if err != nil {
		return err
	}

	scope, err := activeScope()
	if err != nil {
		return err
	}
	if scope == types.ScopeAll {
		scope = types.ScopeProject
	}

	cfg, mgr, err := boot()
	if err != nil {
		return err
	}
	defer mgr.Close()

	st, err := storeForWrite(ctx, mgr, scope)
	if err != nil {
		return err
	}

	registry, err := policy.NewRegistry(cfg.Policy.Path)
	if err != nil {
		logger.Warn("predicate policy file unreadable, using defaults", zap.Error(err))
	}
	if cfg.Policy.Watch {
		if w, werr := policy.NewWatcher(registry); werr == nil {
			defer w.Close()
		}
	}

	item := &types.ContentItem{
		Source:         ingestSource,
		SessionID:      ingestSession,
		TranscriptPath: ingestTranscript,
		ProjectPath:    cfg.Storage.ProjectPath,
		GitBranch:      ingestBranch,
		WorkDir:        ingestWorkDir,
		RawText:        payload.RawText,
	}
	if ingestOccurred != "" {
		occurred, err := time.Parse(time.RFC3339, ingestOccurred)
		if err != nil {
			return &types.InputError{Reason: "bad --occurred timestamp", Cause: err}
		}
		item.OccurredAt = occurred
	}

	item, inserted, err := store.UpsertContentItem(ctx, st.DB(), item)
	if err != nil {
		return err
	}

	out := map[string]any{"content_item_id": item.ID, "duplicate": !inserted}
	if inserted {
		stats, err := resolver.New(cfg.Resolver, registry).Apply(ctx, st, item, &payload.Extraction)
		if err != nil {
			return err
		}
		out["stats"] = stats
	} else {
		logger.Info("duplicate content, extraction skipped",
			zap.String("session", ingestSession), zap.Int64("content_item", item.ID))
	}

	if ingestCursor >= 0 {
		if err := store.AdvanceCursor(ctx, st.DB(), ingestSession, ingestTranscript, ingestCursor); err != nil {
			return err
		}
		out["cursor"] = ingestCursor
	}
	return printJSON(out)
}

func readPayload(args []string) (*ingestPayload, error) {
	var (
		data []byte
		err  error
	)
	if len(args) == 0 || args[0] == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(args[0])
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read payload: %w", err)
	}

	var payload ingestPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, &types.InputError{Reason: "json parse failure", Cause: err}
	}
	if payload.RawText == "" {
		return nil, &types.InputError{Reason: "payload has no raw_text"}
	}
	if err := payload.Extraction.Validate(); err != nil {
		return nil, err
	}
	return &payload, nil
}
