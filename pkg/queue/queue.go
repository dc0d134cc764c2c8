// Package queue defines the durable ingestion queue that decouples capture
// from extraction. Raw session material is enqueued cheaply and claimed by
// exactly one worker at a time; failures retry up to a bound before parking
// as terminally failed.
package queue

import (
	"context"
	"errors"
	"time"
)

// Kind classifies what a queued message carries.
type Kind string

const (
	KindUserPrompt    Kind = "user_prompt"
	KindAssistantTurn Kind = "assistant_turn"
	KindSessionEnd    Kind = "session_end"
)

// Status is the lifecycle state of a queued message.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusProcessed  Status = "processed"
	StatusFailed     Status = "failed"
)

// ErrEmpty is returned by ClaimNext when no pending message is available.
var ErrEmpty = errors.New("queue is empty")

// ErrNotRetryable is returned by RetryOne and Abort when the message does not
// exist or is not in a state the operation applies to.
var ErrNotRetryable = errors.New("message not in a retryable state")

// Message is one unit of raw session material awaiting extraction.
type Message struct {
	ID        int64
	SessionID string
	Project   string
	Kind      Kind
	Payload   string

	Status      Status
	Attempts    int
	MaxAttempts int
	LastError   *string

	// CreatedAt and ClaimedAt are ms epoch.
	CreatedAt int64
	ClaimedAt *int64
}

// Stats summarizes queue depth by status.
type Stats struct {
	Pending    int
	Processing int
	Processed  int
	Failed     int
}

// Queue is the durable ingestion queue driver.
type Queue interface {
	// Enqueue appends a pending message and sets its ID.
	Enqueue(ctx context.Context, msg *Message) error

	// ClaimNext atomically flips the oldest pending message for the session
	// to processing and returns it. An empty sessionID claims across all
	// sessions. Returns ErrEmpty when nothing is pending. Two concurrent
	// claimers never receive the same message.
	ClaimNext(ctx context.Context, sessionID string) (*Message, error)

	// MarkProcessed finalizes a claimed message.
	MarkProcessed(ctx context.Context, id int64) error

	// MarkFailed records a processing failure. The message returns to
	// pending while attempts remain, otherwise parks as failed with the
	// cause recorded.
	MarkFailed(ctx context.Context, id int64, cause error) error

	// Release returns a claimed message to pending without consuming an
	// attempt. Used when a session aborts mid-extraction.
	Release(ctx context.Context, id int64) error

	// ResetStuck returns processing messages older than the threshold to
	// pending. Crash recovery: run at startup and periodically.
	ResetStuck(ctx context.Context, threshold time.Duration) (int64, error)

	// PendingSessions lists session IDs that currently have pending work,
	// oldest first.
	PendingSessions(ctx context.Context) ([]string, error)

	// Stats reports queue depth by status.
	Stats(ctx context.Context) (*Stats, error)

	// CleanupProcessed drops processed messages older than the cutoff.
	CleanupProcessed(ctx context.Context, olderThan time.Duration) (int64, error)

	// RetryFailed resets all failed messages to pending with a fresh
	// attempt budget. Operator action.
	RetryFailed(ctx context.Context) (int64, error)

	// RetryOne resets a single failed message to pending with a fresh
	// attempt budget. Returns ErrNotRetryable when the message is missing
	// or not failed. Operator action.
	RetryOne(ctx context.Context, id int64) error

	// Abort deletes a single pending or failed message permanently.
	// Returns ErrNotRetryable when the message is missing or already
	// processing. Operator action.
	Abort(ctx context.Context, id int64) error

	// PurgeFailed deletes all failed messages. Operator action.
	PurgeFailed(ctx context.Context) (int64, error)

	// Close releases any resources held by the queue.
	Close() error
}
