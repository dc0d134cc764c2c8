package session

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/papercomputeco/engram/pkg/embeddings"
	"github.com/papercomputeco/engram/pkg/eventstream"
	"github.com/papercomputeco/engram/pkg/observation"
	"github.com/papercomputeco/engram/pkg/store"
	"github.com/papercomputeco/engram/pkg/vector"
)

// syncTimeout bounds the background vector sync and event publish that follow
// a successful persist.
const syncTimeout = 30 * time.Second

// Processor turns a parsed extractor response into durable records. The
// SQLite write is atomic and authoritative; vector indexing and event
// publishing happen afterward on a best-effort basis, so a dead embedder or
// broker never loses a memory.
type Processor struct {
	store     store.Store
	embedder  embeddings.Embedder
	vectors   vector.Driver
	publisher eventstream.Publisher
	logger    *zap.Logger
}

// NewProcessor creates a response processor. Embedder and vector driver may
// be nil when semantic indexing is disabled.
func NewProcessor(
	s store.Store,
	embedder embeddings.Embedder,
	vectors vector.Driver,
	publisher eventstream.Publisher,
	logger *zap.Logger,
) *Processor {
	return &Processor{
		store:     s,
		embedder:  embedder,
		vectors:   vectors,
		publisher: publisher,
		logger:    logger,
	}
}

// Persist deduplicates and stores one extraction batch. On success the
// observations in the batch carry their assigned IDs and background indexing
// has been kicked off.
func (p *Processor) Persist(ctx context.Context, batch store.ExtractionBatch) (*store.ExtractionResult, error) {
	if len(batch.Observations) > 0 {
		recent, err := p.store.RecentSessionObservations(ctx, batch.MemorySessionID, dedupWindow)
		if err != nil {
			return nil, fmt.Errorf("loading recent observations: %w", err)
		}

		before := len(batch.Observations)
		batch.Observations = dedup(batch.Observations, recent)
		if dropped := before - len(batch.Observations); dropped > 0 {
			p.logger.Debug("dropped duplicate observations",
				zap.String("session", batch.MemorySessionID),
				zap.Int("dropped", dropped),
			)
		}
	}

	for _, o := range batch.Observations {
		o.Importance = initialImportance(o.Type)
		o.Tier = observation.TierWorking
	}

	result, err := p.store.PersistExtraction(ctx, batch)
	if err != nil {
		return nil, fmt.Errorf("persisting extraction: %w", err)
	}

	for i, id := range result.ObservationIDs {
		batch.Observations[i].ID = id
	}
	if batch.Summary != nil && result.SummaryID != nil {
		batch.Summary.ID = *result.SummaryID
	}

	go p.postPersist(batch)

	return result, nil
}

// initialImportance assigns the midpoint of the type's initial score band.
func initialImportance(t observation.Type) float64 {
	r, ok := observation.InitialScoreRanges[t]
	if !ok {
		return 0.5
	}
	return (r.Min + r.Max) / 2
}

// postPersist indexes and announces a stored batch. Failures are logged and
// otherwise ignored; the durable record already exists.
func (p *Processor) postPersist(batch store.ExtractionBatch) {
	ctx, cancel := context.WithTimeout(context.Background(), syncTimeout)
	defer cancel()

	p.syncVectors(ctx, batch)
	p.publishEvents(ctx, batch)
}

// syncVectors embeds and indexes the batch's records.
func (p *Processor) syncVectors(ctx context.Context, batch store.ExtractionBatch) {
	if p.embedder == nil || p.vectors == nil {
		return
	}

	docs := make([]vector.Document, 0, len(batch.Observations)+1)

	for _, o := range batch.Observations {
		emb, err := p.embedder.Embed(ctx, o.SearchText())
		if err != nil {
			p.logger.Warn("embedding observation failed",
				zap.Int64("observation", o.ID), zap.Error(err))
			continue
		}
		docs = append(docs, vector.Document{
			ID:        fmt.Sprintf("obs_%d", o.ID),
			Project:   batch.Project,
			Embedding: emb,
		})
	}

	if batch.Summary != nil {
		emb, err := p.embedder.Embed(ctx, batch.Summary.SearchText())
		if err != nil {
			p.logger.Warn("embedding summary failed",
				zap.Int64("summary", batch.Summary.ID), zap.Error(err))
		} else {
			docs = append(docs, vector.Document{
				ID:        fmt.Sprintf("sum_%d", batch.Summary.ID),
				Project:   batch.Project,
				Embedding: emb,
			})
		}
	}

	if len(docs) == 0 {
		return
	}
	if err := p.vectors.Add(ctx, docs); err != nil {
		p.logger.Warn("vector sync failed",
			zap.String("session", batch.MemorySessionID), zap.Error(err))
	}
}

// publishEvents emits one event per stored record.
func (p *Processor) publishEvents(ctx context.Context, batch store.ExtractionBatch) {
	if p.publisher == nil {
		return
	}

	source := eventstream.EventSource{Project: batch.Project}

	for _, o := range batch.Observations {
		err := p.publisher.PublishObservation(ctx, &eventstream.ObservationStoredEvent{
			SchemaVersion: eventstream.SchemaVersionV1,
			EventType:     eventstream.EventTypeObservationStored,
			EventID:       uuid.NewString(),
			EmittedAt:     time.Now().UTC(),
			Source:        source,
			SessionID:     batch.MemorySessionID,
			Observation:   o,
		})
		if err != nil {
			p.logger.Warn("publishing observation event failed",
				zap.Int64("observation", o.ID), zap.Error(err))
		}
	}

	if batch.Summary != nil {
		err := p.publisher.PublishSummary(ctx, &eventstream.SummaryStoredEvent{
			SchemaVersion: eventstream.SchemaVersionV1,
			EventType:     eventstream.EventTypeSummaryStored,
			EventID:       uuid.NewString(),
			EmittedAt:     time.Now().UTC(),
			Source:        source,
			SessionID:     batch.MemorySessionID,
			Summary:       batch.Summary,
		})
		if err != nil {
			p.logger.Warn("publishing summary event failed",
				zap.Int64("summary", batch.Summary.ID), zap.Error(err))
		}
	}
}
