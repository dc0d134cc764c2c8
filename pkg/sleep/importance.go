package sleep

import (
	"context"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/papercomputeco/engram/pkg/observation"
	"github.com/papercomputeco/engram/pkg/store"
)

// ageHalfLifeDays is the decay half-life applied to importance. Memories that
// are neither accessed nor surprising fade over months, not days.
const ageHalfLifeDays = 90

// accessStatsWindow is the trailing window sampled for access frequency.
const accessStatsWindow = 30 * 24 * time.Hour

// ImportanceScorer recomputes observation importance during consolidation.
type ImportanceScorer struct {
	store    store.Store
	surprise *SurpriseScorer
	logger   *zap.Logger

	now func() time.Time
}

// NewImportanceScorer creates an importance scorer.
func NewImportanceScorer(s store.Store, surprise *SurpriseScorer, logger *zap.Logger) *ImportanceScorer {
	return &ImportanceScorer{
		store:    s,
		surprise: surprise,
		logger:   logger,
		now:      time.Now,
	}
}

// Rescore recomputes importance for a batch of observations and persists the
// new scores. Returns the number of observations updated.
func (i *ImportanceScorer) Rescore(ctx context.Context, observations []*observation.Observation) (int, error) {
	if len(observations) == 0 {
		return 0, nil
	}

	ids := make([]int64, len(observations))
	for n, o := range observations {
		ids[n] = o.ID
	}

	stats, err := i.store.GetAccessStats(ctx, ids, accessStatsWindow)
	if err != nil {
		return 0, err
	}

	updated := 0
	for _, o := range observations {
		score := i.score(ctx, o, stats[o.ID])
		if score == o.Importance {
			continue
		}
		if err := i.store.UpdateImportance(ctx, o.ID, score); err != nil {
			return updated, err
		}
		o.Importance = score
		updated++
	}

	return updated, nil
}

// score blends the signals sequentially: each factor nudges the running score
// toward its own value rather than multiplying in, so no single signal can
// zero out a memory. The blend starts from the type's initial band rather
// than the stored score, so repeated cycles don't compound the decay.
func (i *ImportanceScorer) score(ctx context.Context, o *observation.Observation, stats store.AccessStats) float64 {
	r, ok := observation.InitialScoreRanges[o.Type]
	if !ok {
		r = observation.ScoreRange{Min: 0.4, Max: 0.6}
	}
	base := (r.Min + r.Max) / 2 * observation.Weight(o.Type)

	surprise, err := i.surprise.Score(ctx, o)
	if err != nil {
		i.logger.Debug("surprise scoring failed, using neutral",
			zap.Int64("observation", o.ID), zap.Error(err))
		surprise = SurpriseScore{Score: neutralSurprise, Rarity: neutralSurprise}
	}

	score := base*0.7 + surprise.Rarity*0.3
	score = score*0.8 + surprise.Score*0.2
	score = score*0.9 + accessSignal(stats)*0.1

	ageDays := o.AgeDays(i.now())
	score *= math.Exp2(-ageDays / ageHalfLifeDays)

	return clamp01(score)
}

// accessSignal maps access frequency onto [0,1]. One retrieval a day is
// already a heavily used memory.
func accessSignal(stats store.AccessStats) float64 {
	return clamp01(stats.Frequency)
}
