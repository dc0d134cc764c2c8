package sleep

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/papercomputeco/engram/pkg/eventstream"
	"github.com/papercomputeco/engram/pkg/observation"
	"github.com/papercomputeco/engram/pkg/store"
)

// ErrCycleRunning is returned when a consolidation cycle is requested while
// another is in flight. Cycles never overlap.
var ErrCycleRunning = errors.New("a sleep cycle is already running")

// Result summarizes one completed consolidation cycle.
type Result struct {
	CycleType    CycleType
	Processed    int
	Superseded   int
	Reclassified int
	Forgotten    int
	Duration     time.Duration
}

// Engine runs consolidation cycles.
type Engine struct {
	store      store.Store
	detector   *Detector
	model      *Model
	importance *ImportanceScorer
	forgetter  *Forgetter
	publisher  eventstream.Publisher
	logger     *zap.Logger

	runLock sync.Mutex

	now func() time.Time
}

// NewEngine creates a consolidation engine. Publisher may be nil.
func NewEngine(
	s store.Store,
	detector *Detector,
	model *Model,
	importance *ImportanceScorer,
	forgetter *Forgetter,
	publisher eventstream.Publisher,
	logger *zap.Logger,
) *Engine {
	return &Engine{
		store:      s,
		detector:   detector,
		model:      model,
		importance: importance,
		forgetter:  forgetter,
		publisher:  publisher,
		logger:     logger,
		now:        time.Now,
	}
}

// Run executes one consolidation cycle. Refuses to overlap with a running
// cycle. The audit row records the outcome either way.
func (e *Engine) Run(ctx context.Context, cycleType CycleType) (*Result, error) {
	if !e.runLock.TryLock() {
		return nil, ErrCycleRunning
	}
	defer e.runLock.Unlock()

	cfg := configFor(cycleType)
	started := e.now()

	auditID, err := e.store.StartSleepCycle(ctx, string(cycleType))
	if err != nil {
		return nil, fmt.Errorf("starting sleep cycle: %w", err)
	}

	e.logger.Info("sleep cycle started",
		zap.String("type", string(cycleType)),
		zap.Int("lookback_days", cfg.LookbackDays),
	)

	result, err := e.run(ctx, cfg)
	if err != nil {
		if failErr := e.store.FailSleepCycle(ctx, auditID, err.Error()); failErr != nil {
			e.logger.Error("recording failed sleep cycle", zap.Error(failErr))
		}
		return nil, err
	}

	result.CycleType = cycleType
	result.Duration = e.now().Sub(started)

	err = e.store.CompleteSleepCycle(ctx, auditID, store.SleepCycle{
		Processed:  result.Processed,
		Superseded: result.Superseded,
		Reclassed:  result.Reclassified,
		Forgotten:  result.Forgotten,
	})
	if err != nil {
		return nil, fmt.Errorf("completing sleep cycle: %w", err)
	}

	e.publishCompleted(result)

	e.logger.Info("sleep cycle completed",
		zap.String("type", string(cycleType)),
		zap.Int("processed", result.Processed),
		zap.Int("superseded", result.Superseded),
		zap.Int("reclassified", result.Reclassified),
		zap.Int("forgotten", result.Forgotten),
		zap.Duration("duration", result.Duration),
	)

	return result, nil
}

// run does the actual consolidation work for one cycle.
func (e *Engine) run(ctx context.Context, cfg CycleConfig) (*Result, error) {
	since := e.now().AddDate(0, 0, -cfg.LookbackDays).UnixMilli()

	candidates, err := e.store.ListObservations(ctx, store.Filter{
		Since: since,
		Limit: cfg.MaxObservations,
	})
	if err != nil {
		return nil, fmt.Errorf("listing candidates: %w", err)
	}

	// Consolidate high-priority types first so the budget is spent where it
	// matters when MaxObservations truncates.
	sort.SliceStable(candidates, func(i, j int) bool {
		pi, pj := observation.Priority(candidates[i].Type), observation.Priority(candidates[j].Type)
		if pi != pj {
			return pi > pj
		}
		return candidates[i].CreatedAt > candidates[j].CreatedAt
	})

	result := &Result{}

	for start := 0; start < len(candidates); start += cfg.BatchSize {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		end := start + cfg.BatchSize
		if end > len(candidates) {
			end = len(candidates)
		}
		batch := candidates[start:end]

		detected := e.detector.Detect(ctx, batch, cfg)
		applied, err := e.detector.Apply(ctx, e.store, detected)
		result.Superseded += applied
		if err != nil {
			return nil, fmt.Errorf("applying supersessions: %w", err)
		}

		if _, err := e.importance.Rescore(ctx, batch); err != nil {
			return nil, fmt.Errorf("rescoring importance: %w", err)
		}

		moved, err := reclassifyTiers(ctx, e.store, batch, e.now())
		result.Reclassified += moved
		if err != nil {
			return nil, fmt.Errorf("reclassifying tiers: %w", err)
		}

		result.Processed += len(batch)
	}

	if cfg.Deprecate {
		deprecated, err := e.deprecateStale(ctx)
		if err != nil {
			return nil, fmt.Errorf("deprecating stale memories: %w", err)
		}
		result.Reclassified += deprecated
	}

	if cfg.Forget {
		forgotten, err := e.forgetter.Run(ctx, candidates)
		if err != nil {
			return nil, fmt.Errorf("forgetting: %w", err)
		}
		result.Forgotten = len(forgotten)

		if e.model != nil {
			if err := e.model.Train(ctx); err != nil {
				e.logger.Warn("model training failed", zap.Error(err))
			}
		}
	}

	return result, nil
}

// deprecateStale marks observations untouched beyond the deprecation window.
// Only the deep cycle reaches here.
func (e *Engine) deprecateStale(ctx context.Context) (int, error) {
	cutoff := e.now().AddDate(0, 0, -deprecateAfterDays).UnixMilli()

	stale, err := e.store.ListObservations(ctx, store.Filter{
		Until: cutoff,
		Limit: configFor(CycleDeep).MaxObservations,
	})
	if err != nil {
		return 0, err
	}

	count := 0
	for _, o := range stale {
		if o.Deprecated || o.Pinned || idleDays(o, e.now()) <= deprecateAfterDays {
			continue
		}
		if err := e.store.SetDeprecated(ctx, o.ID, true); err != nil {
			return count, err
		}
		count++
	}

	return count, nil
}

// publishCompleted emits the cycle event, best effort.
func (e *Engine) publishCompleted(result *Result) {
	if e.publisher == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err := e.publisher.PublishSleepCycle(ctx, &eventstream.SleepCycleCompletedEvent{
		SchemaVersion: eventstream.SchemaVersionV1,
		EventType:     eventstream.EventTypeSleepCycleCompleted,
		EventID:       uuid.NewString(),
		EmittedAt:     time.Now().UTC(),
		CycleType:     string(result.CycleType),
		Processed:     result.Processed,
		Superseded:    result.Superseded,
		Reclassified:  result.Reclassified,
		Forgotten:     result.Forgotten,
	})
	if err != nil {
		e.logger.Warn("publishing sleep cycle event failed", zap.Error(err))
	}
}
