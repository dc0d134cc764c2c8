// Package extractor defines the interface for turning raw session material
// into structured observations via a multi-turn LLM conversation.
package extractor

import (
	"context"
	"errors"
)

// ErrUnavailable is returned when an extractor backend cannot be reached or
// is not configured.
var ErrUnavailable = errors.New("extractor unavailable")

// Turn is one prior exchange in the extraction conversation.
type Turn struct {
	// Role is "user" or "assistant".
	Role string

	Text string
}

// Request carries one extraction prompt plus the conversation so far.
type Request struct {
	System  string
	History []Turn
	Prompt  string
}

// Usage reports token consumption for one extraction call.
type Usage struct {
	InputTokens  int64
	OutputTokens int64
}

// Response is the raw extractor output; callers parse observation and
// summary blocks out of Text.
type Response struct {
	Text  string
	Usage Usage
}

// Extractor drives a structured-extraction conversation against an LLM
// backend. Implementations must replay History on every call so the
// conversation stays coherent across turns.
type Extractor interface {
	// Name returns the canonical backend name (e.g., "anthropic", "ollama").
	Name() string

	// Extract sends one prompt in the extraction conversation and returns
	// the model's response.
	Extract(ctx context.Context, req Request) (*Response, error)
}
