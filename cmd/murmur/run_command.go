package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"murmur/internal/curator"
	"murmur/internal/orchestrator"
	"murmur/internal/stitch"
)

func newRunCommand(ctx *commandContext) *cobra.Command {
	var once bool

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run an orchestrator cycle without the daemon",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !once {
				return fmt.Errorf("continuous mode lives in murmurd; pass --once for a single cycle")
			}
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			logger := ctx.logger()
			publisher := curator.NewPublisher(cfg, logger)
			stitcher := stitch.NewStitcher(cfg, logger)
			orch := orchestrator.New(cfg, publisher, stitcher, logger)
			if err := orch.RunOnce(); err != nil {
				return fmt.Errorf("orchestrator cycle: %w", err)
			}
			cmd.Printf("Cycle complete. %d job(s) in manifest.\n", len(orch.Jobs()))
			return nil
		},
	}

	cmd.Flags().BoolVar(&once, "once", false, "Run a single scan, publish, and stitch cycle")
	return cmd
}
