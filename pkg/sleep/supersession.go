package sleep

import (
	"context"
	"math"
	"strings"
	"time"

	"github.com/agext/levenshtein"
	"go.uber.org/zap"

	"github.com/papercomputeco/engram/pkg/observation"
	"github.com/papercomputeco/engram/pkg/store"
	"github.com/papercomputeco/engram/pkg/vector"
)

// Supersession is only considered between observations of the same project
// and type created within this window of each other.
const maxAgeDifferenceHours = 720

// Feature indices into the supersession feature vector.
const (
	featSemanticSimilarity = iota
	featTopicMatch
	featFileOverlap
	featTypeMatch
	featTimeDecay
	featPriorityBoost
	featReferenceDecay
	featBias
	featureCount
)

// initialWeights is the fixed heuristic model. Semantic similarity carries
// the signal; the remaining features start neutral and only matter once the
// learned model has trained on real decisions.
var initialWeights = [featureCount]float64{
	featSemanticSimilarity: 0.4,
	featTopicMatch:         0.2,
	featFileOverlap:        0.2,
	featTypeMatch:          0.2,
	featTimeDecay:          0,
	featPriorityBoost:      0,
	featReferenceDecay:     0,
	featBias:               0,
}

// Candidate is one proposed supersession with its confidence.
type Candidate struct {
	Old        *observation.Observation
	New        *observation.Observation
	Confidence float64
	Features   []float64
}

// Detector scores pairs of observations for supersession.
type Detector struct {
	model   *Model
	vectors vector.Driver
	logger  *zap.Logger

	now func() time.Time
}

// NewDetector creates a supersession detector. A nil model always uses the
// fixed weights; a nil vector driver degrades semantic similarity to
// edit distance over the rendered documents.
func NewDetector(model *Model, vectors vector.Driver, logger *zap.Logger) *Detector {
	return &Detector{model: model, vectors: vectors, logger: logger, now: time.Now}
}

// Detect scans a window of observations, newest first, and returns proposed
// supersessions that clear the confidence threshold. Each older observation
// is superseded at most once, by the strongest newer match.
func (d *Detector) Detect(ctx context.Context, window []*observation.Observation, cfg CycleConfig) []Candidate {
	var candidates []Candidate
	claimed := make(map[int64]bool)

	for i, newer := range window {
		if newer.SupersededBy != nil || newer.Deprecated {
			continue
		}

		for _, older := range window[i+1:] {
			if claimed[older.ID] || older.SupersededBy != nil || older.Pinned {
				continue
			}
			if !comparable(newer, older) {
				continue
			}

			features := d.features(ctx, newer, older)
			confidence := d.confidence(ctx, features)

			// High-priority types get a small benefit of the doubt.
			boost := observation.Priority(newer.Type) * cfg.PriorityBoost
			if boost > maxPriorityBoost {
				boost = maxPriorityBoost
			}
			confidence += boost

			if confidence < cfg.ConfidenceThreshold {
				continue
			}

			claimed[older.ID] = true
			candidates = append(candidates, Candidate{
				Old:        older,
				New:        newer,
				Confidence: confidence,
				Features:   features,
			})
		}
	}

	return candidates
}

// comparable enforces the hard gates: same project, same type, created within
// the age window, and the pair ordered newest first.
func comparable(newer, older *observation.Observation) bool {
	if newer.Project != older.Project || newer.Type != older.Type {
		return false
	}
	if newer.CreatedAt <= older.CreatedAt {
		return false
	}

	deltaHours := float64(newer.CreatedAt-older.CreatedAt) / float64(time.Hour.Milliseconds())
	return deltaHours <= maxAgeDifferenceHours
}

// confidence scores a feature vector, preferring the learned model when it
// is trained and enabled.
func (d *Detector) confidence(ctx context.Context, features []float64) float64 {
	if d.model != nil {
		if score, ok := d.model.Predict(ctx, features); ok {
			return score
		}
	}

	score := 0.0
	for i, w := range initialWeights {
		score += w * features[i]
	}
	return clamp01(score)
}

// features builds the supersession feature vector for a newer/older pair.
func (d *Detector) features(ctx context.Context, newer, older *observation.Observation) []float64 {
	f := make([]float64, featureCount)

	f[featSemanticSimilarity] = d.semanticSimilarity(ctx, newer, older)
	f[featTopicMatch] = jaccard(lowered(topicTerms(newer)), lowered(topicTerms(older)))
	f[featFileOverlap] = jaccard(
		lowered(append(append([]string{}, newer.FilesRead...), newer.FilesModified...)),
		lowered(append(append([]string{}, older.FilesRead...), older.FilesModified...)),
	)
	if newer.Type == older.Type {
		f[featTypeMatch] = 1
	}

	deltaHours := float64(newer.CreatedAt-older.CreatedAt) / float64(time.Hour.Milliseconds())
	f[featTimeDecay] = math.Log1p(deltaHours) / math.Log1p(maxAgeDifferenceHours)

	f[featPriorityBoost] = observation.Priority(newer.Type)
	f[featReferenceDecay] = math.Log1p(float64(older.AccessCount)) / math.Log1p(10)
	if f[featReferenceDecay] > 1 {
		f[featReferenceDecay] = 1
	}
	f[featBias] = 1

	return f
}

// semanticSimilarity compares the pair's stored embeddings. When the vector
// index is unavailable or either embedding is missing, edit distance over the
// rendered documents stands in.
func (d *Detector) semanticSimilarity(ctx context.Context, newer, older *observation.Observation) float64 {
	if d.vectors != nil {
		newerDoc := observationDocID(newer.ID)
		olderDoc := observationDocID(older.ID)

		docs, err := d.vectors.Get(ctx, []string{newerDoc, olderDoc})
		if err != nil {
			d.logger.Debug("supersession vector lookup failed",
				zap.Int64("newer", newer.ID), zap.Int64("older", older.ID), zap.Error(err))
		} else {
			var a, b []float32
			for _, doc := range docs {
				switch doc.ID {
				case newerDoc:
					a = doc.Embedding
				case olderDoc:
					b = doc.Embedding
				}
			}
			if len(a) > 0 && len(a) == len(b) {
				return clamp01(cosineSimilarity(a, b))
			}
		}
	}

	return textSimilarity(newer.SearchText(), older.SearchText())
}

// cosineSimilarity computes the cosine of the angle between two embeddings.
func cosineSimilarity(a, b []float32) float64 {
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// textSimilarity is edit-distance similarity over the rendered documents.
func textSimilarity(a, b string) float64 {
	if a == "" || b == "" {
		return 0
	}
	return levenshtein.Similarity(a, b, nil)
}

// topicTerms gathers the lexical overlap vocabulary: extracted concepts plus
// the topics and entities enrichment.
func topicTerms(o *observation.Observation) []string {
	terms := make([]string, 0, len(o.Concepts)+len(o.Topics)+len(o.Entities))
	terms = append(terms, o.Concepts...)
	terms = append(terms, o.Topics...)
	terms = append(terms, o.Entities...)
	return terms
}

// jaccard computes set overlap over normalized string slices.
func jaccard(a, b []string) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}

	set := make(map[string]bool, len(a))
	for _, v := range a {
		set[v] = true
	}

	inter := 0
	union := len(set)
	seen := make(map[string]bool, len(b))
	for _, v := range b {
		if seen[v] {
			continue
		}
		seen[v] = true
		if set[v] {
			inter++
		} else {
			union++
		}
	}

	return float64(inter) / float64(union)
}

func lowered(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.ToLower(strings.TrimSpace(v))
		if v != "" {
			out = append(out, v)
		}
	}
	return out
}

// Apply commits detected supersessions and records each decision as a
// training example for the learned model. Marking is idempotent; an
// observation already superseded keeps its original successor.
func (d *Detector) Apply(ctx context.Context, s store.Store, candidates []Candidate) (int, error) {
	applied := 0
	for _, c := range candidates {
		if err := s.MarkSuperseded(ctx, c.Old.ID, c.New.ID); err != nil {
			return applied, err
		}
		applied++

		err := s.AddTrainingExample(ctx, store.TrainingExample{
			Features:  c.Features,
			Label:     true,
			CreatedAt: d.now().UnixMilli(),
		})
		if err != nil {
			d.logger.Debug("recording training example failed", zap.Error(err))
		}
	}
	return applied, nil
}
