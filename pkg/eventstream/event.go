// Package eventstream defines transport-neutral events emitted after memory
// writes, so external consumers can follow what the system learns without
// polling the database.
package eventstream

import (
	"time"

	"github.com/papercomputeco/engram/pkg/observation"
)

const (
	// SchemaVersionV1 is the first version of the event payload schema.
	SchemaVersionV1 = 1

	// EventTypeObservationStored is emitted after an observation is persisted.
	EventTypeObservationStored = "engram.observation.stored"

	// EventTypeSummaryStored is emitted after a session summary is persisted.
	EventTypeSummaryStored = "engram.summary.stored"

	// EventTypeSleepCycleCompleted is emitted after a consolidation cycle ends.
	EventTypeSleepCycleCompleted = "engram.sleep.completed"
)

// EventSource identifies where an event originated.
type EventSource struct {
	Project string `json:"project,omitempty"`
}

// ObservationStoredEvent is emitted for each newly persisted observation.
type ObservationStoredEvent struct {
	SchemaVersion int                      `json:"schema_version"`
	EventType     string                   `json:"event_type"`
	EventID       string                   `json:"event_id"`
	EmittedAt     time.Time                `json:"emitted_at"`
	Source        EventSource              `json:"source"`
	SessionID     string                   `json:"session_id"`
	Observation   *observation.Observation `json:"observation"`
}

// SummaryStoredEvent is emitted after a session summary is persisted.
type SummaryStoredEvent struct {
	SchemaVersion int                  `json:"schema_version"`
	EventType     string               `json:"event_type"`
	EventID       string               `json:"event_id"`
	EmittedAt     time.Time            `json:"emitted_at"`
	Source        EventSource          `json:"source"`
	SessionID     string               `json:"session_id"`
	Summary       *observation.Summary `json:"summary"`
}

// SleepCycleCompletedEvent is emitted after a consolidation cycle finishes.
type SleepCycleCompletedEvent struct {
	SchemaVersion int         `json:"schema_version"`
	EventType     string      `json:"event_type"`
	EventID       string      `json:"event_id"`
	EmittedAt     time.Time   `json:"emitted_at"`
	Source        EventSource `json:"source"`
	CycleType     string      `json:"cycle_type"`
	Processed     int         `json:"processed"`
	Superseded    int         `json:"superseded"`
	Reclassified  int         `json:"reclassified"`
	Forgotten     int         `json:"forgotten"`
}
