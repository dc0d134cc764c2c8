// Package bootstrap wires CLI commands to configured components. Each command
// loads config once, then opens only the pieces it needs.
package bootstrap

import (
	"fmt"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/papercomputeco/engram/pkg/config"
	"github.com/papercomputeco/engram/pkg/embeddings"
	embeddingutils "github.com/papercomputeco/engram/pkg/embeddings/utils"
	"github.com/papercomputeco/engram/pkg/eventstream"
	eventkafka "github.com/papercomputeco/engram/pkg/eventstream/kafka"
	"github.com/papercomputeco/engram/pkg/eventstream/nop"
	"github.com/papercomputeco/engram/pkg/extractor"
	extractoranthropic "github.com/papercomputeco/engram/pkg/extractor/anthropic"
	"github.com/papercomputeco/engram/pkg/extractor/chain"
	extractorollama "github.com/papercomputeco/engram/pkg/extractor/ollama"
	"github.com/papercomputeco/engram/pkg/logger"
	"github.com/papercomputeco/engram/pkg/queue"
	queuesqlite "github.com/papercomputeco/engram/pkg/queue/sqlite"
	"github.com/papercomputeco/engram/pkg/store"
	storesqlite "github.com/papercomputeco/engram/pkg/store/sqlite"
	"github.com/papercomputeco/engram/pkg/vector"
	vectorutils "github.com/papercomputeco/engram/pkg/vector/utils"
)

// vectorDBFile is the local vector index filename, kept next to the primary
// database.
const vectorDBFile = "vectors.db"

// Bootstrap carries loaded config plus the logger every component shares.
type Bootstrap struct {
	Configer *config.Configer
	Config   *config.Config
	Logger   *zap.Logger
}

// Load resolves config and builds the logger.
func Load(configDir string, debug bool) (*Bootstrap, error) {
	cfger, err := config.NewConfiger(configDir)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	cfg, err := cfger.LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	return &Bootstrap{
		Configer: cfger,
		Config:   cfg,
		Logger:   logger.NewLogger(debug),
	}, nil
}

// DBPath resolves the primary SQLite database path.
func (b *Bootstrap) DBPath() string {
	return b.Configer.DBPath(b.Config)
}

// OpenStore opens the primary SQLite store.
func (b *Bootstrap) OpenStore() (store.Store, error) {
	s, err := storesqlite.NewSQLiteStore(b.DBPath(), b.Logger)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}
	return s, nil
}

// OpenQueue opens the ingestion queue, colocated with the primary database.
func (b *Bootstrap) OpenQueue() (queue.Queue, error) {
	q, err := queuesqlite.NewSQLiteQueue(queuesqlite.Config{
		DBPath:      b.DBPath(),
		MaxAttempts: b.Config.Queue.MaxAttempts,
	}, b.Logger)
	if err != nil {
		return nil, fmt.Errorf("opening queue: %w", err)
	}
	return q, nil
}

// StuckThreshold returns the configured queue stuck-message threshold.
func (b *Bootstrap) StuckThreshold() time.Duration {
	return time.Duration(b.Config.Queue.StuckAfterSeconds) * time.Second
}

// NewEmbedder builds the configured embedder.
func (b *Bootstrap) NewEmbedder() (embeddings.Embedder, error) {
	return embeddingutils.NewEmbedder(&embeddingutils.NewEmbedderOpts{
		ProviderType: b.Config.Embedding.Provider,
		TargetURL:    b.Config.Embedding.Target,
		Model:        b.Config.Embedding.Model,
	})
}

// NewVectorDriver builds the configured vector driver. The sqlitevec provider
// keeps its index next to the primary database.
func (b *Bootstrap) NewVectorDriver() (vector.Driver, error) {
	return vectorutils.NewVectorDriver(&vectorutils.NewVectorDriverOpts{
		ProviderType: b.Config.VectorStore.Provider,
		TargetURL:    b.Config.VectorStore.Target,
		DBPath:       filepath.Join(filepath.Dir(b.DBPath()), vectorDBFile),
		Dimensions:   b.Config.Embedding.Dimensions,
		Logger:       b.Logger,
	})
}

// NewExtractor builds the configured extractor fallback chain.
func (b *Bootstrap) NewExtractor() (extractor.Extractor, error) {
	var backends []extractor.Extractor

	for _, provider := range b.Config.Extractor.Providers {
		switch provider {
		case "anthropic":
			backends = append(backends, extractoranthropic.NewExtractor(extractoranthropic.Config{
				Model:     b.Config.Extractor.Model,
				MaxTokens: int64(b.Config.Extractor.MaxTokens),
			}, b.Logger))
		case "ollama":
			backends = append(backends, extractorollama.NewExtractor(extractorollama.Config{
				BaseURL: b.Config.Extractor.Target,
			}, b.Logger))
		default:
			return nil, fmt.Errorf("unsupported extractor provider: %s", provider)
		}
	}

	return chain.NewChain(b.Logger, backends...)
}

// NewPublisher builds the configured eventstream publisher.
func (b *Bootstrap) NewPublisher() (eventstream.Publisher, error) {
	switch b.Config.EventStream.Provider {
	case "", "nop":
		return nop.NewPublisher(), nil
	case "kafka":
		return eventkafka.NewPublisher(eventkafka.Config{
			Brokers: b.Config.EventStream.Brokers,
			Topic:   b.Config.EventStream.Topic,
		}, b.Logger)
	default:
		return nil, fmt.Errorf("unsupported eventstream provider: %s", b.Config.EventStream.Provider)
	}
}
