package config

const (
	defaultSQLiteFile = "engram.db"

	defaultQueueMaxAttempts   = 3
	defaultQueueStuckSeconds  = 300
	defaultQueueRetainHours   = 24
	defaultExtractorModel     = "claude-haiku-4-5"
	defaultExtractorMaxTokens = 4096
	defaultExtractorTarget    = "http://localhost:11434"

	defaultEmbeddingProvider   = "ollama"
	defaultEmbeddingTarget     = "http://localhost:11434"
	defaultEmbeddingModel      = "nomic-embed-text"
	defaultEmbeddingDimensions = 768

	defaultVectorProvider = "sqlitevec"

	defaultEventStreamProvider = "nop"
	defaultEventStreamTopic    = "engram.memory"

	defaultSleepLightSchedule = "@every 2h"
	defaultSleepDeepSchedule  = "@every 24h"
	defaultSleepIdleSeconds   = 600

	defaultSearchLimit = 20
)

// NewDefaultConfig returns a Config with sane defaults for all fields.
// This is the single source of truth for default values.
func NewDefaultConfig() *Config {
	return &Config{
		Version: CurrentV,
		Queue: QueueConfig{
			MaxAttempts:       defaultQueueMaxAttempts,
			StuckAfterSeconds: defaultQueueStuckSeconds,
			RetainProcessedHr: defaultQueueRetainHours,
		},
		Extractor: ExtractorConfig{
			Providers: []string{"anthropic", "ollama"},
			Model:     defaultExtractorModel,
			MaxTokens: defaultExtractorMaxTokens,
			Target:    defaultExtractorTarget,
		},
		Embedding: EmbeddingConfig{
			Provider:   defaultEmbeddingProvider,
			Target:     defaultEmbeddingTarget,
			Model:      defaultEmbeddingModel,
			Dimensions: defaultEmbeddingDimensions,
		},
		VectorStore: VectorStoreConfig{
			Provider: defaultVectorProvider,
		},
		EventStream: EventStreamConfig{
			Provider: defaultEventStreamProvider,
			Topic:    defaultEventStreamTopic,
		},
		Sleep: SleepConfig{
			Enabled:          true,
			LightSchedule:    defaultSleepLightSchedule,
			DeepSchedule:     defaultSleepDeepSchedule,
			IdleAfterSeconds: defaultSleepIdleSeconds,
			ForgetDryRun:     true,
		},
		Search: SearchConfig{
			DefaultLimit: defaultSearchLimit,
		},
	}
}
