// Package cache holds the summary report cache. The redis backend is
// optional; without it a no-op cache keeps the call sites identical.
package cache

import (
	"context"
	"errors"

	"medipos/backend/internal/domain"
)

// ErrCacheMiss is returned when a key is absent or expired.
var ErrCacheMiss = errors.New("cache miss")

// SummaryCache stores computed summary reports keyed by query window.
type SummaryCache interface {
	Get(ctx context.Context, key string) (domain.SummaryReport, error)
	Set(ctx context.Context, key string, report domain.SummaryReport) error
	Invalidate(ctx context.Context) error
	Close() error
}

// Noop satisfies SummaryCache without storing anything.
type Noop struct{}

func (Noop) Get(ctx context.Context, key string) (domain.SummaryReport, error) {
	return domain.SummaryReport{}, ErrCacheMiss
}

func (Noop) Set(ctx context.Context, key string, report domain.SummaryReport) error { return nil }

func (Noop) Invalidate(ctx context.Context) error { return nil }

func (Noop) Close() error { return nil }
