package main

import (
	"log/slog"
	"path/filepath"
	"time"

	"murmur/internal/commands"
	"murmur/internal/config"
	"murmur/internal/curator"
	"murmur/internal/daemon"
	"murmur/internal/embedding"
	"murmur/internal/identify"
	"murmur/internal/orchestrator"
	"murmur/internal/pipeline"
	"murmur/internal/profiles"
	"murmur/internal/services/assemblyai"
	"murmur/internal/stitch"
	"murmur/internal/unknown"
)

// buildDeps wires the full service graph from configuration.
func buildDeps(cfg *config.Config, logger *slog.Logger) daemon.Deps {
	store := profiles.NewStore(cfg.Paths.ProfilesDir, logger)
	tracker := unknown.NewTracker(cfg.Paths.UnknownSpeakersDir, trackerOptions(cfg), store, logger)

	speechBrain := embedding.NewSpeechBrainEncoder(filepath.Join(cfg.Paths.LogDir, "encoder"))
	if cfg.SpeakerID.EncoderScript != "" {
		speechBrain.UseScript(cfg.SpeakerID.EncoderScript)
	}
	encoder := embedding.NewClient(
		speechBrain,
		time.Duration(cfg.SpeakerID.EncoderRetrySeconds)*time.Second,
		cfg.SpeakerID.MinSegmentDuration,
		logger,
	)

	identifier := identify.New(identify.Options{
		Enabled:            cfg.SpeakerID.Enabled,
		MinSegmentDuration: cfg.SpeakerID.MinSegmentDuration,
		MaxSegments:        identify.DefaultOptions().MaxSegments,
	}, encoder, store, tracker, logger)

	client := assemblyai.NewClient(cfg.AssemblyAI, logger)
	ledger := assemblyai.NewCostLedger(cfg.Paths.DoneDir, logger)
	stats := pipeline.NewStats()

	var dispatcher *commands.Dispatcher
	var postHook pipeline.PostHook
	if cfg.Commands.Enabled {
		dispatcher = commands.NewDispatcher(cfg.Commands, identifier, logger)
		postHook = dispatcher.HandleTranscript
	}

	publisher := curator.NewPublisher(cfg, logger)
	stitcher := stitch.NewStitcher(cfg, logger)

	return daemon.Deps{
		Worker:       pipeline.NewWorker(cfg, client, ledger, identifier, stats, postHook, logger),
		Retry:        pipeline.NewRetryLoop(cfg, identifier, encoder, tracker, client, stats, logger),
		Orchestrator: orchestrator.New(cfg, publisher, stitcher, logger),
		Identifier:   identifier,
		Encoder:      encoder,
		Profiles:     store,
		Stats:        stats,
		Ledger:       ledger,
		Client:       client,
		Dispatcher:   dispatcher,
	}
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
