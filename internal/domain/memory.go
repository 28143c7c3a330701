package domain

import (
	"context"
	"time"
)

// RateLimitStore persists per-sender windows of admitted event timestamps.
// Callers serialize access per key; implementations only need to be safe for
// concurrent use across different keys.
type RateLimitStore interface {
	// Load returns the timestamps recorded for key in ascending order.
	// A key with no record yields an empty slice and a nil error.
	Load(ctx context.Context, key string) ([]time.Time, error)
	// Save replaces the recorded timestamps for key.
	Save(ctx context.Context, key string, stamps []time.Time) error
	// Prune removes every timestamp older than cutoff and reports how many
	// were removed.
	Prune(ctx context.Context, cutoff time.Time) (int, error)
	Close() error
}
