// Package nop provides a no-op eventstream publisher for tests and disabled
// mode.
package nop

import (
	"context"

	"github.com/papercomputeco/engram/pkg/eventstream"
)

// Publisher is a no-op eventstream publisher.
type Publisher struct{}

// NewPublisher creates a new no-op eventstream publisher.
func NewPublisher() *Publisher {
	return &Publisher{}
}

// PublishObservation validates input and otherwise does nothing.
func (p *Publisher) PublishObservation(_ context.Context, event *eventstream.ObservationStoredEvent) error {
	if event == nil {
		return eventstream.ErrNilEvent
	}
	return nil
}

// PublishSummary validates input and otherwise does nothing.
func (p *Publisher) PublishSummary(_ context.Context, event *eventstream.SummaryStoredEvent) error {
	if event == nil {
		return eventstream.ErrNilEvent
	}
	return nil
}

// PublishSleepCycle validates input and otherwise does nothing.
func (p *Publisher) PublishSleepCycle(_ context.Context, event *eventstream.SleepCycleCompletedEvent) error {
	if event == nil {
		return eventstream.ErrNilEvent
	}
	return nil
}

// Close is a no-op.
func (p *Publisher) Close() error {
	return nil
}

// Ensure Publisher implements eventstream.Publisher
var _ eventstream.Publisher = (*Publisher)(nil)
