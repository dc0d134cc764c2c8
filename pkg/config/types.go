package config

import (
	"fmt"
	"strconv"
)

// Config represents the persistent engram configuration stored as config.toml
// in the .engram/ directory. The TOML layout uses sections for logical grouping.
type Config struct {
	Version     int               `toml:"version"`
	Storage     StorageConfig     `toml:"storage"`
	Queue       QueueConfig       `toml:"queue"`
	Extractor   ExtractorConfig   `toml:"extractor"`
	Embedding   EmbeddingConfig   `toml:"embedding"`
	VectorStore VectorStoreConfig `toml:"vector_store"`
	EventStream EventStreamConfig `toml:"eventstream"`
	Sleep       SleepConfig       `toml:"sleep"`
	Search      SearchConfig      `toml:"search"`
}

// StorageConfig holds primary store settings.
type StorageConfig struct {
	SQLitePath string `toml:"sqlite_path,omitempty"`
}

// QueueConfig holds ingestion queue settings.
type QueueConfig struct {
	MaxAttempts       int `toml:"max_attempts,omitempty"`
	StuckAfterSeconds int `toml:"stuck_after_seconds,omitempty"`
	RetainProcessedHr int `toml:"retain_processed_hours,omitempty"`
}

// ExtractorConfig holds extractor backend settings. Providers are tried in
// the order listed; a failing provider falls through to the next one.
type ExtractorConfig struct {
	Providers []string `toml:"providers,omitempty"`
	Model     string   `toml:"model,omitempty"`
	MaxTokens int      `toml:"max_tokens,omitempty"`
	Target    string   `toml:"target,omitempty"`
}

// EmbeddingConfig holds embedding provider settings.
type EmbeddingConfig struct {
	Provider   string `toml:"provider,omitempty"`
	Target     string `toml:"target,omitempty"`
	Model      string `toml:"model,omitempty"`
	Dimensions uint   `toml:"dimensions,omitempty"`
}

// VectorStoreConfig holds vector index settings.
type VectorStoreConfig struct {
	Provider string `toml:"provider,omitempty"`
	Target   string `toml:"target,omitempty"`
}

// EventStreamConfig holds eventstream publisher settings.
type EventStreamConfig struct {
	Provider string   `toml:"provider,omitempty"`
	Brokers  []string `toml:"brokers,omitempty"`
	Topic    string   `toml:"topic,omitempty"`
}

// SleepConfig holds consolidation engine settings.
type SleepConfig struct {
	Enabled          bool   `toml:"enabled,omitempty"`
	LightSchedule    string `toml:"light_schedule,omitempty"`
	DeepSchedule     string `toml:"deep_schedule,omitempty"`
	IdleAfterSeconds int    `toml:"idle_after_seconds,omitempty"`
	ForgetDryRun     bool   `toml:"forget_dry_run,omitempty"`

	// LearnedModel switches supersession scoring to the trained model once
	// enough labeled examples exist. Off by default; the fixed heuristic
	// weights apply until an operator opts in.
	LearnedModel bool `toml:"learned_model,omitempty"`
}

// SearchConfig holds retrieval settings.
type SearchConfig struct {
	DefaultLimit int `toml:"default_limit,omitempty"`
}

// configKeyInfo maps a user-facing dotted key name to a getter and setter on *Config.
type configKeyInfo struct {
	get func(c *Config) string
	set func(c *Config, v string) error
}

// configKeys is the authoritative map of all supported config keys.
// Keys use dotted notation matching the TOML section structure.
var configKeys = map[string]configKeyInfo{
	"storage.sqlite_path": {
		get: func(c *Config) string { return c.Storage.SQLitePath },
		set: func(c *Config, v string) error { c.Storage.SQLitePath = v; return nil },
	},
	"queue.max_attempts": {
		get: func(c *Config) string { return strconv.Itoa(c.Queue.MaxAttempts) },
		set: func(c *Config, v string) error {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("invalid value for queue.max_attempts: %w", err)
			}
			c.Queue.MaxAttempts = n
			return nil
		},
	},
	"queue.stuck_after_seconds": {
		get: func(c *Config) string { return strconv.Itoa(c.Queue.StuckAfterSeconds) },
		set: func(c *Config, v string) error {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("invalid value for queue.stuck_after_seconds: %w", err)
			}
			c.Queue.StuckAfterSeconds = n
			return nil
		},
	},
	"extractor.model": {
		get: func(c *Config) string { return c.Extractor.Model },
		set: func(c *Config, v string) error { c.Extractor.Model = v; return nil },
	},
	"extractor.target": {
		get: func(c *Config) string { return c.Extractor.Target },
		set: func(c *Config, v string) error { c.Extractor.Target = v; return nil },
	},
	"extractor.max_tokens": {
		get: func(c *Config) string { return strconv.Itoa(c.Extractor.MaxTokens) },
		set: func(c *Config, v string) error {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("invalid value for extractor.max_tokens: %w", err)
			}
			c.Extractor.MaxTokens = n
			return nil
		},
	},
	"embedding.provider": {
		get: func(c *Config) string { return c.Embedding.Provider },
		set: func(c *Config, v string) error { c.Embedding.Provider = v; return nil },
	},
	"embedding.target": {
		get: func(c *Config) string { return c.Embedding.Target },
		set: func(c *Config, v string) error { c.Embedding.Target = v; return nil },
	},
	"embedding.model": {
		get: func(c *Config) string { return c.Embedding.Model },
		set: func(c *Config, v string) error { c.Embedding.Model = v; return nil },
	},
	"embedding.dimensions": {
		get: func(c *Config) string {
			if c.Embedding.Dimensions == 0 {
				return ""
			}
			return strconv.FormatUint(uint64(c.Embedding.Dimensions), 10)
		},
		set: func(c *Config, v string) error {
			n, err := strconv.ParseUint(v, 10, 64)
			if err != nil {
				return fmt.Errorf("invalid value for embedding.dimensions: %w", err)
			}
			c.Embedding.Dimensions = uint(n)
			return nil
		},
	},
	"vector_store.provider": {
		get: func(c *Config) string { return c.VectorStore.Provider },
		set: func(c *Config, v string) error { c.VectorStore.Provider = v; return nil },
	},
	"vector_store.target": {
		get: func(c *Config) string { return c.VectorStore.Target },
		set: func(c *Config, v string) error { c.VectorStore.Target = v; return nil },
	},
	"eventstream.provider": {
		get: func(c *Config) string { return c.EventStream.Provider },
		set: func(c *Config, v string) error { c.EventStream.Provider = v; return nil },
	},
	"eventstream.topic": {
		get: func(c *Config) string { return c.EventStream.Topic },
		set: func(c *Config, v string) error { c.EventStream.Topic = v; return nil },
	},
	"sleep.enabled": {
		get: func(c *Config) string { return strconv.FormatBool(c.Sleep.Enabled) },
		set: func(c *Config, v string) error {
			b, err := strconv.ParseBool(v)
			if err != nil {
				return fmt.Errorf("invalid value for sleep.enabled: %w", err)
			}
			c.Sleep.Enabled = b
			return nil
		},
	},
	"sleep.light_schedule": {
		get: func(c *Config) string { return c.Sleep.LightSchedule },
		set: func(c *Config, v string) error { c.Sleep.LightSchedule = v; return nil },
	},
	"sleep.deep_schedule": {
		get: func(c *Config) string { return c.Sleep.DeepSchedule },
		set: func(c *Config, v string) error { c.Sleep.DeepSchedule = v; return nil },
	},
	"sleep.learned_model": {
		get: func(c *Config) string { return strconv.FormatBool(c.Sleep.LearnedModel) },
		set: func(c *Config, v string) error {
			b, err := strconv.ParseBool(v)
			if err != nil {
				return fmt.Errorf("invalid value for sleep.learned_model: %w", err)
			}
			c.Sleep.LearnedModel = b
			return nil
		},
	},
	"sleep.forget_dry_run": {
		get: func(c *Config) string { return strconv.FormatBool(c.Sleep.ForgetDryRun) },
		set: func(c *Config, v string) error {
			b, err := strconv.ParseBool(v)
			if err != nil {
				return fmt.Errorf("invalid value for sleep.forget_dry_run: %w", err)
			}
			c.Sleep.ForgetDryRun = b
			return nil
		},
	},
	"search.default_limit": {
		get: func(c *Config) string { return strconv.Itoa(c.Search.DefaultLimit) },
		set: func(c *Config, v string) error {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("invalid value for search.default_limit: %w", err)
			}
			c.Search.DefaultLimit = n
			return nil
		},
	},
}
