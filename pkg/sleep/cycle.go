// Package sleep implements memory consolidation: periodic cycles that detect
// superseded observations, rescore importance, reclassify retention tiers and
// forget what no longer earns its keep.
package sleep

// CycleType names one consolidation depth.
type CycleType string

const (
	// CycleMicro is a quick pass over very recent memories, run when the
	// assistant goes idle.
	CycleMicro CycleType = "micro"

	// CycleLight is the routine scheduled pass over the recent window.
	CycleLight CycleType = "light"

	// CycleDeep is the thorough pass that also deprecates and forgets.
	CycleDeep CycleType = "deep"

	// CycleManual is an operator-triggered run with deep settings.
	CycleManual CycleType = "manual"
)

// CycleConfig tunes how aggressive one consolidation pass is.
type CycleConfig struct {
	Type CycleType

	// LookbackDays bounds how far back candidate observations are pulled.
	LookbackDays int

	// MaxObservations caps how many observations one cycle touches.
	MaxObservations int

	// BatchSize is how many observations are consolidated per batch.
	BatchSize int

	// ConfidenceThreshold is the minimum supersession confidence required
	// to act.
	ConfidenceThreshold float64

	// PriorityBoost is added to confidence for high-priority types, capped
	// by maxPriorityBoost.
	PriorityBoost float64

	// Deprecate enables the stale-memory deprecation pass.
	Deprecate bool

	// Forget enables the forgetting pass.
	Forget bool
}

// maxPriorityBoost caps the confidence boost granted by type priority.
const maxPriorityBoost = 0.1

// deprecateAfterDays is how long an observation can go untouched before the
// deep cycle deprecates it.
const deprecateAfterDays = 180

// configFor returns the tuning for a cycle type. Manual runs use deep
// settings.
func configFor(t CycleType) CycleConfig {
	switch t {
	case CycleMicro:
		return CycleConfig{
			Type:                CycleMicro,
			LookbackDays:        7,
			MaxObservations:     50,
			BatchSize:           10,
			ConfidenceThreshold: 0.7,
			PriorityBoost:       0.1,
		}
	case CycleLight:
		return CycleConfig{
			Type:                CycleLight,
			LookbackDays:        30,
			MaxObservations:     100,
			BatchSize:           20,
			ConfidenceThreshold: 0.8,
			PriorityBoost:       0.05,
		}
	default:
		return CycleConfig{
			Type:                t,
			LookbackDays:        90,
			MaxObservations:     500,
			BatchSize:           50,
			ConfidenceThreshold: 0.7,
			PriorityBoost:       0.05,
			Deprecate:           true,
			Forget:              true,
		}
	}
}
