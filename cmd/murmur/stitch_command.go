package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"murmur/internal/stitch"
)

func newStitchCommand(ctx *commandContext) *cobra.Command {
	var reindex bool
	var dryRun bool
	var gapSeconds int

	cmd := &cobra.Command{
		Use:   "stitch",
		Short: "Stitch curated transcripts into daily conversation files",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			if gapSeconds > 0 {
				cfg.Stitch.GapSeconds = gapSeconds
			}
			stitcher := stitch.NewStitcher(cfg, ctx.logger())
			result, err := stitcher.Run(reindex, dryRun)
			if err != nil {
				return fmt.Errorf("stitch: %w", err)
			}
			verb := "Stitched"
			if dryRun {
				verb = "Would stitch"
			}
			cmd.Printf("%s %d conversation(s) across %d day(s).\n", verb, result.Conversations, result.DaysProcessed)
			return nil
		},
	}

	cmd.Flags().BoolVar(&reindex, "reindex", false, "Rebuild conversations even for already-stitched days")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Report what would change without writing")
	cmd.Flags().IntVar(&gapSeconds, "gap", 0, "Override the conversation gap threshold in seconds")
	return cmd
}
