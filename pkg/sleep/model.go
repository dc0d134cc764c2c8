package sleep

import (
	"context"
	"errors"
	"math"
	"sync"

	"go.uber.org/zap"

	"github.com/papercomputeco/engram/pkg/store"
)

// Learned model hyperparameters. The model is a small logistic regression
// fitted online from supersession decisions. It stays dormant until enough
// examples exist and is disabled by default; the fixed weights are the
// fallback either way.
const (
	learningRate         = 0.01
	l2Regularization     = 0.001
	minExamplesBeforeUse = 50
	maxTrainingExamples  = 1000
	weightClip           = 5.0
)

// Model is the learned supersession scorer.
type Model struct {
	store   store.Store
	logger  *zap.Logger
	enabled bool

	mu       sync.RWMutex
	weights  []float64
	examples int
}

// NewModel creates a learned supersession model. When enabled is false the
// model never predicts and every decision falls back to the fixed weights.
func NewModel(s store.Store, enabled bool, logger *zap.Logger) *Model {
	return &Model{store: s, logger: logger, enabled: enabled}
}

// Load restores persisted weights and the example count. A model that has
// never been trained starts from the fixed weights.
func (m *Model) Load(ctx context.Context) error {
	examples, err := m.store.ListTrainingExamples(ctx, maxTrainingExamples)
	if err != nil {
		return err
	}

	weights, err := m.store.LoadModelWeights(ctx)
	switch {
	case err == nil:
		if len(weights) != featureCount {
			m.logger.Warn("persisted model weight count mismatch, resetting",
				zap.Int("got", len(weights)), zap.Int("want", featureCount))
			weights = fixedWeightsCopy()
		}
	case errors.As(err, &store.ErrNotFound{}):
		weights = fixedWeightsCopy()
	default:
		return err
	}

	m.mu.Lock()
	m.weights = weights
	m.examples = len(examples)
	m.mu.Unlock()

	return nil
}

func fixedWeightsCopy() []float64 {
	w := make([]float64, featureCount)
	copy(w, initialWeights[:])
	return w
}

// Predict scores a feature vector. The boolean is false when the model is
// disabled or undertrained, signaling the caller to use the fixed weights.
func (m *Model) Predict(_ context.Context, features []float64) (float64, bool) {
	if !m.enabled {
		return 0, false
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.examples < minExamplesBeforeUse || len(m.weights) != len(features) {
		return 0, false
	}

	z := 0.0
	for i, w := range m.weights {
		z += w * features[i]
	}
	return sigmoid(z), true
}

// Train runs one SGD pass over the stored examples and persists the updated
// weights. Safe to call on every deep cycle; with no new examples it is
// cheap and converges in place.
func (m *Model) Train(ctx context.Context) error {
	examples, err := m.store.ListTrainingExamples(ctx, maxTrainingExamples)
	if err != nil {
		return err
	}
	if len(examples) == 0 {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.weights) != featureCount {
		m.weights = fixedWeightsCopy()
	}

	for _, ex := range examples {
		if len(ex.Features) != featureCount {
			continue
		}

		z := 0.0
		for i, w := range m.weights {
			z += w * ex.Features[i]
		}
		pred := sigmoid(z)

		target := 0.0
		if ex.Label {
			target = 1.0
		}
		errTerm := pred - target

		for i := range m.weights {
			grad := errTerm*ex.Features[i] + l2Regularization*m.weights[i]
			m.weights[i] -= learningRate * grad
			if m.weights[i] > weightClip {
				m.weights[i] = weightClip
			} else if m.weights[i] < -weightClip {
				m.weights[i] = -weightClip
			}
		}
	}

	m.examples = len(examples)

	if err := m.store.SaveModelWeights(ctx, m.weights); err != nil {
		return err
	}

	m.logger.Debug("supersession model trained",
		zap.Int("examples", len(examples)))

	return nil
}

// Reset drops the learned state, returning the model to fixed weights.
func (m *Model) Reset(ctx context.Context) error {
	if err := m.store.ResetModel(ctx); err != nil {
		return err
	}

	m.mu.Lock()
	m.weights = fixedWeightsCopy()
	m.examples = 0
	m.mu.Unlock()

	return nil
}

func sigmoid(z float64) float64 {
	return 1 / (1 + math.Exp(-z))
}
