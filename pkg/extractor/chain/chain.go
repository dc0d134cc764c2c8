// Package chain composes extractors into an ordered fallback chain. Each
// request tries backends in order until one answers; a backend failure is
// logged and the next backend is tried. The chain only fails when every
// backend does.
package chain

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/papercomputeco/engram/pkg/extractor"
)

// Chain implements extractor.Extractor over an ordered list of backends.
type Chain struct {
	backends []extractor.Extractor
	logger   *zap.Logger
}

// NewChain creates a fallback chain over the given backends, tried in order.
func NewChain(logger *zap.Logger, backends ...extractor.Extractor) (*Chain, error) {
	if len(backends) == 0 {
		return nil, fmt.Errorf("at least one backend is required")
	}
	return &Chain{backends: backends, logger: logger}, nil
}

// Name returns the canonical backend name.
func (c *Chain) Name() string {
	return "chain"
}

// Extract tries each backend in order and returns the first success.
func (c *Chain) Extract(ctx context.Context, req extractor.Request) (*extractor.Response, error) {
	var errs []error

	for _, backend := range c.backends {
		resp, err := backend.Extract(ctx, req)
		if err == nil {
			return resp, nil
		}

		// Context cancellation is not a backend problem; stop trying.
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		c.logger.Warn("extractor backend failed, trying next",
			zap.String("backend", backend.Name()),
			zap.Error(err),
		)
		errs = append(errs, fmt.Errorf("%s: %w", backend.Name(), err))
	}

	return nil, fmt.Errorf("%w: all backends failed: %w", extractor.ErrUnavailable, errors.Join(errs...))
}

// Ensure Chain implements extractor.Extractor
var _ extractor.Extractor = (*Chain)(nil)
