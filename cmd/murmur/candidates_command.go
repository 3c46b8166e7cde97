package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"murmur/internal/config"
	"murmur/internal/profiles"
	"murmur/internal/unknown"
)

func newCandidatesCommand(ctx *commandContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "candidates",
		Short: "Review unknown-speaker clusters ready for enrollment",
	}
	cmd.AddCommand(newCandidatesListCommand(ctx))
	cmd.AddCommand(newCandidatesApproveCommand(ctx))
	cmd.AddCommand(newCandidatesRejectCommand(ctx))
	return cmd
}

func newCandidatesListCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List clusters awaiting a name",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			tracker, err := openTracker(ctx)
			if err != nil {
				return err
			}
			candidates, err := tracker.PendingCandidates()
			if err != nil {
				return fmt.Errorf("load candidates: %w", err)
			}
			if len(candidates) == 0 {
				cmd.Println("No candidates pending. Clusters appear here once enough samples accumulate.")
				return nil
			}

			titler := cases.Title(language.Und)
			rows := make([][]string, 0, len(candidates))
			for _, c := range candidates {
				consistency := "-"
				if c.SelfConsistency != nil {
					consistency = fmt.Sprintf("%.3f", *c.SelfConsistency)
				}
				suggested := "-"
				if c.SuggestedName != "" {
					suggested = titler.String(c.SuggestedName)
				}
				rows = append(rows, []string{
					c.SpeakerID,
					fmt.Sprintf("%d", c.NumSamples),
					fmt.Sprintf("%.4f", c.Variance),
					consistency,
					fmt.Sprintf("%.3f", c.AutoThreshold),
					suggested,
					c.CreatedAt,
				})
			}

			headers := []string{"Cluster", "Samples", "Variance", "Consistency", "Threshold", "Suggested", "First Seen"}
			aligns := []columnAlignment{alignLeft, alignRight, alignRight, alignRight, alignRight, alignLeft, alignLeft}
			cmd.Println(renderTable(headers, rows, aligns))
			cmd.Println("Approve with `murmur candidates approve <cluster> <name>`.")
			return nil
		},
	}
}

func newCandidatesApproveCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "approve <cluster> <name>",
		Short: "Enroll a cluster as a named speaker profile",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			tracker, err := openTracker(ctx)
			if err != nil {
				return err
			}
			clusterID := strings.TrimSpace(args[0])
			name := strings.ToLower(strings.TrimSpace(args[1]))
			if clusterID == "" || name == "" {
				return fmt.Errorf("cluster id and name are required")
			}
			profile, err := tracker.Approve(clusterID, name)
			if err != nil {
				return fmt.Errorf("approve %s: %w", clusterID, err)
			}
			cmd.Printf("Enrolled %s as %q with %d samples (threshold %.3f).\n",
				clusterID, profile.Name, profile.NumSamples, profile.Threshold)
			cmd.Println("Restart identification with `curl -X POST <api>/reidentify` or wait for the retry loop.")
			return nil
		},
	}
}

func newCandidatesRejectCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "reject <cluster>",
		Short: "Discard a cluster so it stops accumulating",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tracker, err := openTracker(ctx)
			if err != nil {
				return err
			}
			clusterID := strings.TrimSpace(args[0])
			if err := tracker.Reject(clusterID); err != nil {
				return fmt.Errorf("reject %s: %w", clusterID, err)
			}
			cmd.Printf("Rejected %s.\n", clusterID)
			return nil
		},
	}
}

func openTracker(ctx *commandContext) (*unknown.Tracker, error) {
	cfg, err := ctx.ensureConfig()
	if err != nil {
		return nil, err
	}
	logger := ctx.logger()
	store := profiles.NewStore(cfg.Paths.ProfilesDir, logger)
	return unknown.NewTracker(cfg.Paths.UnknownSpeakersDir, trackerOptions(cfg), store, logger), nil
}

func trackerOptions(cfg *config.Config) unknown.Options {
	return unknown.Options{
		PromoteMinSamples: cfg.UnknownSpeakers.PromoteMinSamples,
		MaxVariance:       cfg.UnknownSpeakers.MaxVariance,
		MaxConsistency:    cfg.UnknownSpeakers.MaxConsistency,
		ClusterRadius:     cfg.UnknownSpeakers.ClusterRadius,
		PruneMinSamples:   cfg.UnknownSpeakers.PruneMinSamples,
		PruneMaxAgeDays:   cfg.UnknownSpeakers.PruneMaxAgeDays,
	}
}
