package provider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// errEmpty marks a source that answered but had nothing useful.
var errEmpty = errors.New("empty result")

// source is one way of producing a value in a failover chain.
type source[T any] struct {
	name string
	fn   func(ctx context.Context) (T, error)
}

// failover tries each source in order and returns the first success.
func failover[T any](ctx context.Context, logger *slog.Logger, what string, sources ...source[T]) (T, error) {
	var (
		zero    T
		lastErr error
	)
	for i, s := range sources {
		if err := ctx.Err(); err != nil {
			return zero, err
		}
		v, err := s.fn(ctx)
		if err == nil {
			if i > 0 {
				logger.Debug("failover: used fallback source", "what", what, "source", s.name, "attempt", i+1)
			}
			return v, nil
		}
		lastErr = err
		logger.Debug("failover: source failed, trying next", "what", what, "source", s.name, "error", err)
	}
	if lastErr == nil {
		lastErr = errEmpty
	}
	return zero, fmt.Errorf("%s: all sources failed: %w", what, lastErr)
}
