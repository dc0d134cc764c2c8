package sleep

import (
	"context"
	"math"
	"strconv"
	"time"

	"github.com/dgraph-io/ristretto"
	"go.uber.org/zap"

	"github.com/papercomputeco/engram/pkg/embeddings"
	"github.com/papercomputeco/engram/pkg/observation"
	"github.com/papercomputeco/engram/pkg/store"
	"github.com/papercomputeco/engram/pkg/vector"
)

// Surprise blend weights. Semantic distance dominates; an observation unlike
// anything stored before is the strongest signal of new information.
const (
	semanticWeight = 0.5
	temporalWeight = 0.3
	rarityWeight   = 0.2
)

// Semantic distance blends the closest neighbors with the wider field.
const (
	minDistanceWeight = 0.7
	avgDistanceWeight = 0.3
	neighborCount     = 5
)

// Neutral score returned when too little memory exists to compare against.
const (
	neutralSurprise   = 0.6
	neutralConfidence = 0.3
	minSamples        = 5
)

// temporalHalfLifeHours is the recency half-life for temporal novelty.
const temporalHalfLifeHours = 24

// surpriseCacheTTL bounds how long a computed score is reused.
const surpriseCacheTTL = 2 * time.Minute

// typeRarityPriors seed rarity before enough observations exist to measure it.
var typeRarityPriors = map[observation.Type]float64{
	observation.TypeBugfix:    0.6,
	observation.TypeDiscovery: 0.5,
	observation.TypeChange:    0.5,
	observation.TypeFeature:   0.7,
	observation.TypeRefactor:  0.7,
	observation.TypeDecision:  0.8,
}

// SurpriseScore is one computed surprise measurement.
type SurpriseScore struct {
	Score      float64
	Confidence float64

	Semantic float64
	Temporal float64
	Rarity   float64
}

// SurpriseScorer measures how unexpected an observation is relative to what
// the project already remembers.
type SurpriseScorer struct {
	store    store.Store
	embedder embeddings.Embedder
	vectors  vector.Driver
	cache    *ristretto.Cache
	logger   *zap.Logger

	now func() time.Time
}

// NewSurpriseScorer creates a surprise scorer. Embedder and vector driver may
// be nil; scoring then falls back to temporal and rarity signals only.
func NewSurpriseScorer(s store.Store, embedder embeddings.Embedder, vectors vector.Driver, logger *zap.Logger) (*SurpriseScorer, error) {
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 10_000,
		MaxCost:     1_000,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}

	return &SurpriseScorer{
		store:    s,
		embedder: embedder,
		vectors:  vectors,
		cache:    cache,
		logger:   logger,
		now:      time.Now,
	}, nil
}

// Score computes the surprise for one observation. Results are cached
// briefly; consolidation batches touch the same observations repeatedly.
func (s *SurpriseScorer) Score(ctx context.Context, o *observation.Observation) (SurpriseScore, error) {
	if cached, ok := s.cache.Get(o.ID); ok {
		return cached.(SurpriseScore), nil
	}

	counts, err := s.store.CountByType(ctx, o.Project)
	if err != nil {
		return SurpriseScore{}, err
	}

	total := 0
	for _, c := range counts {
		total += c
	}

	// Too little memory to say anything is surprising.
	if total < minSamples {
		score := SurpriseScore{
			Score:      neutralSurprise,
			Confidence: neutralConfidence,
			Semantic:   neutralSurprise,
			Temporal:   neutralSurprise,
			Rarity:     rarityFromCounts(o.Type, counts, total),
		}
		s.cache.SetWithTTL(o.ID, score, 1, surpriseCacheTTL)
		return score, nil
	}

	semantic := s.semanticDistance(ctx, o)
	temporal := s.temporalNovelty(ctx, o)
	rarity := rarityFromCounts(o.Type, counts, total)

	score := SurpriseScore{
		Score:      clamp01(semantic*semanticWeight + temporal*temporalWeight + rarity*rarityWeight),
		Confidence: 1.0,
		Semantic:   semantic,
		Temporal:   temporal,
		Rarity:     rarity,
	}

	s.cache.SetWithTTL(o.ID, score, 1, surpriseCacheTTL)
	return score, nil
}

// semanticDistance measures how far the observation sits from its nearest
// stored neighbors. Falls back to neutral when embeddings are unavailable.
func (s *SurpriseScorer) semanticDistance(ctx context.Context, o *observation.Observation) float64 {
	if s.embedder == nil || s.vectors == nil {
		return neutralSurprise
	}

	emb, err := s.embedder.Embed(ctx, o.SearchText())
	if err != nil {
		s.logger.Debug("surprise embedding failed", zap.Int64("observation", o.ID), zap.Error(err))
		return neutralSurprise
	}

	results, err := s.vectors.Query(ctx, emb, neighborCount+1)
	if err != nil {
		s.logger.Debug("surprise neighbor query failed", zap.Int64("observation", o.ID), zap.Error(err))
		return neutralSurprise
	}

	selfID := observationDocID(o.ID)
	minDist := math.Inf(1)
	sum := 0.0
	n := 0
	for _, r := range results {
		if r.ID == selfID || r.Project != o.Project {
			continue
		}
		if r.Distance < minDist {
			minDist = r.Distance
		}
		sum += r.Distance
		n++
		if n == neighborCount {
			break
		}
	}
	if n == 0 {
		return neutralSurprise
	}

	avg := sum / float64(n)
	return clamp01(minDist*minDistanceWeight + avg*avgDistanceWeight)
}

// temporalNovelty measures how long the project has been quiet. A burst of
// activity right after memories were just written is expected; the first
// observation after a long gap is not.
func (s *SurpriseScorer) temporalNovelty(ctx context.Context, o *observation.Observation) float64 {
	recent, err := s.store.ListObservations(ctx, store.Filter{
		Project: o.Project,
		Until:   o.CreatedAt,
		Limit:   1,
	})
	if err != nil || len(recent) == 0 {
		return neutralSurprise
	}

	gapHours := float64(o.CreatedAt-recent[0].CreatedAt) / float64(time.Hour.Milliseconds())
	if gapHours < 0 {
		gapHours = 0
	}

	return clamp01(1 - math.Exp2(-gapHours/temporalHalfLifeHours))
}

// rarityFromCounts blends the measured type frequency with the prior.
func rarityFromCounts(t observation.Type, counts map[observation.Type]int, total int) float64 {
	prior := neutralSurprise
	if p, ok := typeRarityPriors[t]; ok {
		prior = p
	}
	if total == 0 {
		return prior
	}

	measured := 1 - float64(counts[t])/float64(total)
	return clamp01(measured*0.5 + prior*0.5)
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}

func observationDocID(id int64) string {
	return "obs_" + strconv.FormatInt(id, 10)
}
