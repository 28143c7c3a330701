// Package ratelimit implements the per-sender fixed-window admission check
// that runs before any event is handled.
package ratelimit

import (
	"context"
	"log/slog"
	"time"

	"pagerelay/internal/domain"
	"pagerelay/internal/metrics"
)

// Policy is the admission rule in force for one check. It is read from the
// config snapshot of the delivery, so edits apply to the next delivery.
type Policy struct {
	Max    int
	Window time.Duration
}

// Limiter admits or denies events per sender. Each sender's record is only
// read and written under that sender's lock, so concurrent deliveries for
// the same sender cannot both slip under the limit.
type Limiter struct {
	store  domain.RateLimitStore
	locks  *keyLocks
	logger *slog.Logger
}

func NewLimiter(store domain.RateLimitStore, logger *slog.Logger) *Limiter {
	return &Limiter{store: store, locks: newKeyLocks(), logger: logger}
}

// Admit reports whether senderID may send one more event at now. Timestamps
// older than the window are pruned first. A denied event is not recorded.
// Store failures admit the event: the relay prefers availability over
// strict limiting.
func (l *Limiter) Admit(ctx context.Context, senderID string, now time.Time, p Policy) bool {
	unlock := l.locks.lock(senderID)
	defer unlock()

	stamps, err := l.store.Load(ctx, senderID)
	if err != nil {
		metrics.StoreFaults.Inc()
		l.logger.Error("rate limit load failed, admitting", "sender", senderID, "err", err)
		return true
	}

	kept := make([]time.Time, 0, len(stamps)+1)
	for _, ts := range stamps {
		if now.Sub(ts) < p.Window {
			kept = append(kept, ts)
		}
	}

	if len(kept) >= p.Max {
		l.logger.Info("rate limit exceeded", "sender", senderID, "count", len(kept), "max", p.Max, "window", p.Window)
		return false
	}

	kept = append(kept, now)
	if err := l.store.Save(ctx, senderID, kept); err != nil {
		metrics.StoreFaults.Inc()
		l.logger.Error("rate limit save failed, admitting", "sender", senderID, "err", err)
	}
	return true
}
