package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"murmur/internal/curator"
)

func newMigratePendingCommand(ctx *commandContext) *cobra.Command {
	var dryRun bool

	cmd := &cobra.Command{
		Use:   "migrate-pending",
		Short: "Move transcripts stuck behind retired publication gates into the curator tree",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			publisher := curator.NewPublisher(cfg, ctx.logger())
			stats, err := publisher.MigratePending(dryRun)
			if err != nil {
				return fmt.Errorf("migrate pending: %w", err)
			}
			verb := "Moved"
			if dryRun {
				verb = "Would move"
			}
			cmd.Printf("Examined %d transcript(s). %s %d, removed %d stale marker(s).\n",
				stats.Examined, verb, stats.Moved, stats.MarkersRemoved)
			return nil
		},
	}

	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Report what would move without writing")
	return cmd
}
