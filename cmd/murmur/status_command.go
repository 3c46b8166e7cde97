package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

type daemonHealth struct {
	Status           string  `json:"status"`
	UptimeSeconds    float64 `json:"uptime_seconds"`
	QuietHoursActive bool    `json:"quiet_hours_active"`
	JobCount         int     `json:"job_count"`
	Pipeline         struct {
		Submitted        int     `json:"assemblyai_submitted"`
		Completed        int     `json:"assemblyai_completed"`
		Failed           int     `json:"assemblyai_failed"`
		Pending          int     `json:"assemblyai_pending"`
		SkippedShort     int     `json:"assemblyai_skipped_short"`
		SpeakerIDRetried int     `json:"speaker_id_retried"`
		CostUSD          float64 `json:"assemblyai_cost_usd"`
		HoursTranscribed float64 `json:"assemblyai_hours_transcribed"`
		LastCompleted    string  `json:"last_transcript_completed"`
	} `json:"pipeline"`
	Queue struct {
		InboxWAVCount int    `json:"inbox_wav_count"`
		InboxPath     string `json:"inbox_path"`
	} `json:"queue"`
	SpeakerID struct {
		Enabled           bool     `json:"enabled"`
		EncoderLoaded     bool     `json:"encoder_loaded"`
		EnrolledProfiles  int      `json:"enrolled_profiles"`
		ProfileNames      []string `json:"profile_names"`
		PendingCandidates int      `json:"pending_candidates"`
	} `json:"speaker_id"`
	Commands *struct {
		Dispatched int `json:"commands_dispatched"`
		Failed     int `json:"commands_failed"`
	} `json:"commands"`
	Disk *struct {
		TotalBytes  uint64  `json:"total_bytes"`
		FreeBytes   uint64  `json:"free_bytes"`
		UsedPercent float64 `json:"used_percent"`
	} `json:"disk"`
	Transcriber struct {
		ActiveCount int `json:"active_count"`
	} `json:"assemblyai"`
}

func newStatusCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show daemon and pipeline health",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var health daemonHealth
			if err := ctx.apiGet("/health/detailed", &health); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			colorize := shouldColorize(out)
			lines := renderSectionHeader("Murmur Status", colorize)

			daemonKind := statusOK
			if health.Status != "ok" {
				daemonKind = statusError
			}
			lines = append(lines,
				renderStatusLine("Daemon", daemonKind, fmt.Sprintf("%s, up %s", health.Status, formatUptime(health.UptimeSeconds)), colorize),
			)
			if health.QuietHoursActive {
				lines = append(lines, renderStatusLine("Quiet hours", statusWarn, "active, publication deferred", colorize))
			} else {
				lines = append(lines, renderStatusLine("Quiet hours", statusInfo, "inactive", colorize))
			}

			p := health.Pipeline
			lines = append(lines,
				renderStatusLine("Jobs", statusInfo, fmt.Sprintf("%d tracked", health.JobCount), colorize),
				renderStatusLine("Transcription", transcriptionKind(p.Failed), fmt.Sprintf("%d completed, %d pending, %d failed, %d skipped", p.Completed, p.Pending, p.Failed, p.SkippedShort), colorize),
				renderStatusLine("Spend", statusInfo, fmt.Sprintf("$%.2f over %.1f hours", p.CostUSD, p.HoursTranscribed), colorize),
				renderStatusLine("Inbox", inboxKind(health.Queue.InboxWAVCount), fmt.Sprintf("%d clip(s) waiting", health.Queue.InboxWAVCount), colorize),
			)
			if health.Transcriber.ActiveCount > 0 {
				lines = append(lines, renderStatusLine("Active uploads", statusInfo, fmt.Sprintf("%d in flight", health.Transcriber.ActiveCount), colorize))
			}

			sid := health.SpeakerID
			if sid.Enabled {
				detail := fmt.Sprintf("%d profile(s), %d candidate(s) pending", sid.EnrolledProfiles, sid.PendingCandidates)
				if len(sid.ProfileNames) > 0 {
					detail += ": " + strings.Join(sid.ProfileNames, ", ")
				}
				kind := statusOK
				if !sid.EncoderLoaded {
					kind = statusWarn
					detail += " (encoder unavailable)"
				}
				lines = append(lines, renderStatusLine("Speaker ID", kind, detail, colorize))
			} else {
				lines = append(lines, renderStatusLine("Speaker ID", statusWarn, "disabled", colorize))
			}

			if health.Commands != nil {
				lines = append(lines, renderStatusLine("Commands", statusInfo, fmt.Sprintf("%d dispatched, %d failed", health.Commands.Dispatched, health.Commands.Failed), colorize))
			}
			if health.Disk != nil {
				kind := statusOK
				if health.Disk.UsedPercent >= 90 {
					kind = statusWarn
				}
				lines = append(lines, renderStatusLine("Disk", kind, fmt.Sprintf("%.1f%% used, %s free", health.Disk.UsedPercent, formatBytes(health.Disk.FreeBytes)), colorize))
			}

			for _, line := range lines {
				fmt.Fprintln(out, line)
			}
			return nil
		},
	}
}

func transcriptionKind(failed int) statusKind {
	if failed > 0 {
		return statusWarn
	}
	return statusOK
}

func inboxKind(count int) statusKind {
	if count < 0 {
		return statusError
	}
	if count > 10 {
		return statusWarn
	}
	return statusInfo
}

func formatUptime(seconds float64) string {
	d := time.Duration(seconds * float64(time.Second))
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm", int(d.Minutes()))
	}
	return fmt.Sprintf("%dh%02dm", int(d.Hours()), int(d.Minutes())%60)
}

func formatBytes(b uint64) string {
	const unit = 1024
	if b < unit {
		return fmt.Sprintf("%d B", b)
	}
	div, exp := uint64(unit), 0
	for n := b / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(b)/float64(div), "KMGTPE"[exp])
}
