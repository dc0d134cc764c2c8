// Package store defines the primary persistence interface for memory records:
// sessions, observations, summaries, consolidation audit rows and access logs.
package store

import (
	"context"
	"time"

	"github.com/papercomputeco/engram/pkg/observation"
)

// Filter narrows observation listings and keyword searches.
type Filter struct {
	Project           string
	Types             []observation.Type
	Since             int64 // ms epoch, inclusive; zero means unbounded
	Until             int64 // ms epoch, exclusive; zero means unbounded
	Limit             int
	Offset            int
	PinnedOnly        bool
	IncludeDeprecated bool
	IncludeSuperseded bool
}

// ExtractionBatch is one processed extractor response, persisted atomically.
type ExtractionBatch struct {
	MemorySessionID string
	Project         string
	PromptNumber    int
	Observations    []*observation.Observation
	Summary         *observation.Summary
	InputTokens     int64
	OutputTokens    int64

	// Timestamp is the original capture time in ms epoch; zero means now.
	Timestamp int64
}

// ExtractionResult reports the IDs assigned by a persisted batch.
type ExtractionResult struct {
	ObservationIDs []int64
	SummaryID      *int64
}

// ScoredObservation pairs an observation with a retrieval score.
type ScoredObservation struct {
	Observation *observation.Observation
	Score       float64
}

// AccessStats summarizes how often a memory has been retrieved.
type AccessStats struct {
	MemoryID    int64
	AccessCount int64
	// LastAccessed is ms epoch, nil when never accessed.
	LastAccessed *int64
	// Frequency is accesses per day over the sampled window.
	Frequency float64
}

// SleepCycle is an audit row for one consolidation run.
type SleepCycle struct {
	ID          int64
	CycleType   string
	Status      string // running | completed | failed
	StartedAt   int64
	CompletedAt *int64
	Error       *string

	Processed  int
	Superseded int
	Reclassed  int
	Forgotten  int
}

// TrainingExample is one labeled supersession decision used to fit the
// learned supersession model.
type TrainingExample struct {
	ID        int64
	Features  []float64
	Label     bool
	CreatedAt int64
}

// Store is the primary persistence driver.
type Store interface {
	// CreateSession inserts a new durable session row and sets DBID.
	CreateSession(ctx context.Context, s *observation.Session) error

	// GetSessionByMemoryID fetches the session keyed by its durable memory id.
	// Returns ErrNotFound when no such session exists.
	GetSessionByMemoryID(ctx context.Context, memoryID string) (*observation.Session, error)

	// UpdateContentID re-attaches a rotated transcript session id to the
	// durable session row.
	UpdateContentID(ctx context.Context, memoryID, contentID string) error

	// CompleteSession marks the session finished.
	CompleteSession(ctx context.Context, memoryID string, completedAt int64) error

	// PersistExtraction writes a batch's observations, optional summary and
	// session counters in a single transaction keyed by the durable memory
	// session id. Either everything lands or nothing does.
	PersistExtraction(ctx context.Context, batch ExtractionBatch) (*ExtractionResult, error)

	// GetObservation fetches one observation. Returns ErrNotFound when missing.
	GetObservation(ctx context.Context, id int64) (*observation.Observation, error)

	// GetObservations fetches many observations; missing IDs are skipped.
	GetObservations(ctx context.Context, ids []int64) ([]*observation.Observation, error)

	// ListObservations returns observations matching the filter, newest first.
	ListObservations(ctx context.Context, f Filter) ([]*observation.Observation, error)

	// RecentSessionObservations returns the latest stored observations for a
	// session, newest first.
	RecentSessionObservations(ctx context.Context, memorySessionID string, limit int) ([]*observation.Observation, error)

	// CountByType returns per-type observation counts for a project.
	CountByType(ctx context.Context, project string) (map[observation.Type]int, error)

	// UpdateImportance stores a recomputed importance score.
	UpdateImportance(ctx context.Context, id int64, score float64) error

	// SetTier reclassifies an observation's retention tier.
	SetTier(ctx context.Context, id int64, tier observation.Tier) error

	// MarkSuperseded links an older observation to the newer one that
	// replaces it. A no-op if the observation is already superseded.
	MarkSuperseded(ctx context.Context, oldID, newID int64) error

	// SetDeprecated toggles the deprecated flag.
	SetDeprecated(ctx context.Context, id int64, deprecated bool) error

	// SetPinned toggles the pinned flag. Pinned observations are exempt from
	// forgetting.
	SetPinned(ctx context.Context, id int64, pinned bool) error

	// DeleteObservations removes observations permanently.
	DeleteObservations(ctx context.Context, ids []int64) error

	// SearchKeyword runs a BM25-ranked keyword search, best match first.
	SearchKeyword(ctx context.Context, query string, f Filter) ([]ScoredObservation, error)

	// RecordAccess logs retrievals and bumps per-observation counters in one
	// transaction.
	RecordAccess(ctx context.Context, ids []int64, accessContext string) error

	// GetAccessStats returns access statistics over the trailing window.
	GetAccessStats(ctx context.Context, ids []int64, window time.Duration) (map[int64]AccessStats, error)

	// CleanupAccessLog drops access records older than the cutoff and returns
	// the number removed.
	CleanupAccessLog(ctx context.Context, olderThan time.Duration) (int64, error)

	// StartSleepCycle records a running consolidation cycle and returns its id.
	StartSleepCycle(ctx context.Context, cycleType string) (int64, error)

	// CompleteSleepCycle finalizes an audit row with outcome counts.
	CompleteSleepCycle(ctx context.Context, id int64, counts SleepCycle) error

	// FailSleepCycle finalizes an audit row with a failure reason.
	FailSleepCycle(ctx context.Context, id int64, reason string) error

	// LastSleepCycle returns the most recent audit row for a cycle type, or
	// ErrNotFound when the type has never run.
	LastSleepCycle(ctx context.Context, cycleType string) (*SleepCycle, error)

	// SaveModelWeights persists learned supersession model weights.
	SaveModelWeights(ctx context.Context, weights []float64) error

	// LoadModelWeights returns persisted weights, or ErrNotFound when the
	// model has never been trained.
	LoadModelWeights(ctx context.Context) ([]float64, error)

	// AddTrainingExample appends a labeled supersession decision.
	AddTrainingExample(ctx context.Context, ex TrainingExample) error

	// ListTrainingExamples returns the newest examples up to limit.
	ListTrainingExamples(ctx context.Context, limit int) ([]TrainingExample, error)

	// ResetModel drops persisted weights and training examples.
	ResetModel(ctx context.Context) error

	// Close releases any resources held by the store.
	Close() error
}
