package config

const (
	defaultInboxDir           = "~/.local/share/murmur/inbox"
	defaultDoneDir            = "~/.local/share/murmur/done"
	defaultPlaybackDir        = "~/.local/share/murmur/playback"
	defaultProfilesDir        = "~/.local/share/murmur/voice-profiles"
	defaultUnknownSpeakersDir = "~/.local/share/murmur/unknown-speakers"
	defaultCuratorDir         = "~/curator/voice"
	defaultLogDir             = "~/.local/share/murmur/logs"
	defaultJobsFile           = "~/.local/share/murmur/jobs.json"
	defaultLockFile           = "~/.local/share/murmur/murmurd.lock"
	defaultAPIBind            = "127.0.0.1:7517"

	defaultAssemblyAIBaseURL     = "https://api.assemblyai.com/v2"
	defaultAssemblyAIMaxSpeakers = 6
	defaultPollInterval          = 5
	defaultPollTimeout           = 1800
	defaultMaxRetries            = 3
	defaultRetryBaseDelay        = 5

	defaultMinTranscribeSeconds = 10
	defaultMinPlaybackDuration  = 10

	defaultEncoderRetrySeconds = 300
	defaultSpeakerRetryWarmup  = 60
	defaultSpeakerRetryPeriod  = 600
	defaultSpeakerMaxRetries   = 10
	defaultSpeakerMaxWaitHours = 168
	defaultMinSegmentDuration  = 1.0

	defaultPromoteMinSamples = 10
	defaultMaxVariance       = 20.0
	defaultMaxConsistency    = 0.15
	defaultClusterRadius     = 0.20
	defaultPruneMinSamples   = 3
	defaultPruneMaxAgeDays   = 30
	defaultPruneEveryCycles  = 36

	defaultOrchestratorPollInterval = 5
	defaultOrphanAgeHours           = 24
	defaultUnidentifiedGraceHours   = 2
	defaultAudioRetentionDays       = 30

	defaultStitchGapSeconds        = 120
	defaultStitchSpeakerGapSeconds = 300

	defaultCommandRequestTimeout = 10

	defaultLogFormat = "console"
	defaultLogLevel  = "info"
)

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			InboxDir:           defaultInboxDir,
			DoneDir:            defaultDoneDir,
			PlaybackDir:        defaultPlaybackDir,
			ProfilesDir:        defaultProfilesDir,
			UnknownSpeakersDir: defaultUnknownSpeakersDir,
			CuratorDir:         defaultCuratorDir,
			LogDir:             defaultLogDir,
			JobsFile:           defaultJobsFile,
			LockFile:           defaultLockFile,
			APIBind:            defaultAPIBind,
		},
		AssemblyAI: AssemblyAI{
			BaseURL:           defaultAssemblyAIBaseURL,
			MaxSpeakers:       defaultAssemblyAIMaxSpeakers,
			PollInterval:      defaultPollInterval,
			PollTimeout:       defaultPollTimeout,
			MaxRetries:        defaultMaxRetries,
			RetryBaseDelay:    defaultRetryBaseDelay,
			LanguageDetection: true,
		},
		Pipeline: Pipeline{
			MinTranscribeSeconds: defaultMinTranscribeSeconds,
			MinPlaybackDuration:  defaultMinPlaybackDuration,
		},
		SpeakerID: SpeakerID{
			Enabled:             true,
			EncoderRetrySeconds: defaultEncoderRetrySeconds,
			RetryInterval:       defaultSpeakerRetryPeriod,
			RetryWarmup:         defaultSpeakerRetryWarmup,
			MaxRetries:          defaultSpeakerMaxRetries,
			MaxWaitHours:        defaultSpeakerMaxWaitHours,
			MinSegmentDuration:  defaultMinSegmentDuration,
		},
		UnknownSpeakers: UnknownSpeakers{
			PromoteMinSamples: defaultPromoteMinSamples,
			MaxVariance:       defaultMaxVariance,
			MaxConsistency:    defaultMaxConsistency,
			ClusterRadius:     defaultClusterRadius,
			PruneMinSamples:   defaultPruneMinSamples,
			PruneMaxAgeDays:   defaultPruneMaxAgeDays,
			PruneEveryCycles:  defaultPruneEveryCycles,
		},
		Orchestrator: Orchestrator{
			PollInterval:           defaultOrchestratorPollInterval,
			OrphanAgeHours:         defaultOrphanAgeHours,
			UnidentifiedGraceHours: defaultUnidentifiedGraceHours,
			AudioRetentionDays:     defaultAudioRetentionDays,
		},
		Stitch: Stitch{
			GapSeconds:        defaultStitchGapSeconds,
			SpeakerGapSeconds: defaultStitchSpeakerGapSeconds,
		},
		Commands: Commands{
			Enabled:        true,
			VerifySpeaker:  true,
			RequestTimeout: defaultCommandRequestTimeout,
			SenderName:     "Voice",
			Channel:        "telegram",
			SessionUser:    "operator",
		},
		Logging: Logging{
			Format: defaultLogFormat,
			Level:  defaultLogLevel,
		},
	}
}
