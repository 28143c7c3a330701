package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-co-op/gocron/v2"

	"pagerelay/internal/domain"
)

// Janitor periodically deletes timestamps that no window can still see, so
// senders who stop writing do not leave records behind forever.
type Janitor struct {
	store     domain.RateLimitStore
	window    func() time.Duration
	interval  time.Duration
	logger    *slog.Logger
	scheduler gocron.Scheduler
	now       func() time.Time
}

// NewJanitor builds a janitor that prunes every interval. window is called
// on each run so a reloaded config takes effect.
func NewJanitor(store domain.RateLimitStore, window func() time.Duration, interval time.Duration, logger *slog.Logger) (*Janitor, error) {
	log := logger.With("component", "ratelimit-janitor")
	s, err := gocron.NewScheduler(
		gocron.WithLocation(time.UTC),
		gocron.WithLogger(log),
	)
	if err != nil {
		return nil, fmt.Errorf("create scheduler: %w", err)
	}
	return &Janitor{
		store:     store,
		window:    window,
		interval:  interval,
		logger:    log,
		scheduler: s,
		now:       time.Now,
	}, nil
}

// Start schedules the prune job. It returns once the job is registered.
func (j *Janitor) Start(ctx context.Context) error {
	_, err := j.scheduler.NewJob(
		gocron.DurationJob(j.interval),
		gocron.NewTask(func() {
			if _, err := j.RunOnce(ctx); err != nil {
				j.logger.Warn("prune failed", "err", err)
			}
		}),
		gocron.WithName("ratelimit-prune"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("schedule prune job: %w", err)
	}
	j.scheduler.Start()
	j.logger.Info("janitor started", "interval", j.interval)
	return nil
}

// RunOnce prunes timestamps older than the current window.
func (j *Janitor) RunOnce(ctx context.Context) (int, error) {
	cutoff := j.now().Add(-j.window())
	n, err := j.store.Prune(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		j.logger.Debug("pruned expired timestamps", "removed", n)
	}
	return n, nil
}

func (j *Janitor) Stop() error {
	if err := j.scheduler.Shutdown(); err != nil {
		return fmt.Errorf("shutdown scheduler: %w", err)
	}
	return nil
}
