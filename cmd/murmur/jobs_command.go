package main

import (
	"fmt"
	"os"
	"sort"

	"github.com/spf13/cobra"

	"murmur/internal/fileutil"
	"murmur/internal/orchestrator"
)

func newJobsCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "jobs",
		Short: "List jobs from the pipeline manifest",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}

			jobs := map[string]orchestrator.Job{}
			if err := fileutil.ReadJSON(cfg.Paths.JobsFile, &jobs); err != nil {
				if os.IsNotExist(err) {
					cmd.Println("No jobs recorded yet. Run `murmur run --once` or start murmurd.")
					return nil
				}
				return fmt.Errorf("read jobs manifest: %w", err)
			}
			if len(jobs) == 0 {
				cmd.Println("No jobs recorded yet.")
				return nil
			}

			stems := make([]string, 0, len(jobs))
			for stem := range jobs {
				stems = append(stems, stem)
			}
			sort.Strings(stems)

			rows := make([][]string, 0, len(stems))
			for _, stem := range stems {
				job := jobs[stem]
				rows = append(rows, []string{
					stem,
					string(job.Status),
					job.Source,
					speakerSummaryCell(job),
					job.CreatedAt,
				})
			}

			headers := []string{"Clip", "Status", "Source", "Speakers", "Created"}
			aligns := []columnAlignment{alignLeft, alignLeft, alignLeft, alignLeft, alignLeft}
			cmd.Println(renderTable(headers, rows, aligns))
			cmd.Println(fmt.Sprintf("%d job(s)", len(stems)))
			return nil
		},
	}
}

func speakerSummaryCell(job orchestrator.Job) string {
	identified := len(job.SpeakerIdentification.Identified)
	unidentified := len(job.SpeakerIdentification.Unidentified)
	if identified == 0 && unidentified == 0 {
		return "-"
	}
	return fmt.Sprintf("%d named, %d unknown", identified, unidentified)
}
