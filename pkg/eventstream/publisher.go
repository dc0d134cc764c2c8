package eventstream

import "context"

// Publisher publishes memory events to an event stream backend. Publishing is
// best effort; callers log failures and carry on, a dead broker never blocks
// a write.
type Publisher interface {
	PublishObservation(ctx context.Context, event *ObservationStoredEvent) error
	PublishSummary(ctx context.Context, event *SummaryStoredEvent) error
	PublishSleepCycle(ctx context.Context, event *SleepCycleCompletedEvent) error
	Close() error
}
