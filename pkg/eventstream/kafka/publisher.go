// Package kafka implements the eventstream publisher on a Kafka topic.
// Events for the same project share a partition so consumers observe writes
// for a project in order.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"

	segmentio "github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/papercomputeco/engram/pkg/eventstream"
)

// DefaultTopic is used when no topic is configured.
const DefaultTopic = "engram.memory"

// Publisher publishes memory events to Kafka.
type Publisher struct {
	writer *segmentio.Writer
	logger *zap.Logger
}

// Config holds configuration for the Kafka publisher.
type Config struct {
	// Brokers is the list of broker addresses (host:port).
	Brokers []string

	// Topic is the destination topic. Defaults to DefaultTopic.
	Topic string
}

// NewPublisher creates a new Kafka-backed eventstream publisher.
func NewPublisher(c Config, logger *zap.Logger) (*Publisher, error) {
	if len(c.Brokers) == 0 {
		return nil, fmt.Errorf("at least one broker is required")
	}

	topic := c.Topic
	if topic == "" {
		topic = DefaultTopic
	}

	writer := &segmentio.Writer{
		Addr:     segmentio.TCP(c.Brokers...),
		Topic:    topic,
		Balancer: &segmentio.Hash{},
	}

	return &Publisher{writer: writer, logger: logger}, nil
}

// publish marshals one event and writes it keyed by project.
func (p *Publisher) publish(ctx context.Context, project string, event any) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshaling event: %w", err)
	}

	err = p.writer.WriteMessages(ctx, segmentio.Message{
		Key:   []byte(project),
		Value: payload,
	})
	if err != nil {
		return fmt.Errorf("writing event: %w", err)
	}

	return nil
}

// PublishObservation publishes an observation-stored event.
func (p *Publisher) PublishObservation(ctx context.Context, event *eventstream.ObservationStoredEvent) error {
	if event == nil {
		return eventstream.ErrNilEvent
	}
	return p.publish(ctx, event.Source.Project, event)
}

// PublishSummary publishes a summary-stored event.
func (p *Publisher) PublishSummary(ctx context.Context, event *eventstream.SummaryStoredEvent) error {
	if event == nil {
		return eventstream.ErrNilEvent
	}
	return p.publish(ctx, event.Source.Project, event)
}

// PublishSleepCycle publishes a sleep-cycle-completed event.
func (p *Publisher) PublishSleepCycle(ctx context.Context, event *eventstream.SleepCycleCompletedEvent) error {
	if event == nil {
		return eventstream.ErrNilEvent
	}
	return p.publish(ctx, event.Source.Project, event)
}

// Close flushes and closes the underlying writer.
func (p *Publisher) Close() error {
	return p.writer.Close()
}

// Ensure Publisher implements eventstream.Publisher
var _ eventstream.Publisher = (*Publisher)(nil)
