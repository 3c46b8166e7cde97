package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"murmur/internal/profiles"
)

func newProfilesCommand(ctx *commandContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "profiles",
		Short: "Maintain enrolled speaker profiles",
	}
	cmd.AddCommand(newProfilesRepairCommand(ctx))
	return cmd
}

func newProfilesRepairCommand(ctx *commandContext) *cobra.Command {
	var dryRun bool

	cmd := &cobra.Command{
		Use:   "repair",
		Short: "Fix malformed profile files and recompute derived fields",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			store := profiles.NewStore(cfg.Paths.ProfilesDir, ctx.logger())
			actions, err := store.Repair(dryRun)
			if err != nil {
				return fmt.Errorf("repair profiles: %w", err)
			}
			if len(actions) == 0 {
				cmd.Println("All profiles healthy, nothing to repair.")
				return nil
			}
			for _, action := range actions {
				cmd.Println(action)
			}
			if dryRun {
				cmd.Printf("%d issue(s) found; rerun without --dry-run to fix.\n", len(actions))
			} else {
				cmd.Printf("%d issue(s) repaired.\n", len(actions))
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Report issues without rewriting profile files")
	return cmd
}
