package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show store statistics",
	Long: `Reports per-store counts: entities, facts by status, content items,
receipts, open conflicts, and file size. With --scope all, both stores are
read in parallel.`,
	RunE: runStats,
}

func runStats(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext(cmd)
	defer cancel()

	scope, err := activeScope()
	if err != nil {
		return err
	}
	_, mgr, err := boot()
	if err != nil {
		return err
	}
	defer mgr.Close()

	data, err := mgr.StatsJSON(ctx, scope)
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}
