package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// Provider hands out read-only configuration snapshots. The webhook takes
// one snapshot per delivery and uses it for every event in that delivery.
type Provider interface {
	Snapshot(ctx context.Context) (*Config, error)
}

// StaticProvider always returns the same snapshot.
type StaticProvider struct {
	cfg *Config
}

func NewStaticProvider(cfg *Config) *StaticProvider {
	return &StaticProvider{cfg: cfg}
}

func (p *StaticProvider) Snapshot(ctx context.Context) (*Config, error) {
	return p.cfg, nil
}

// FileProvider reloads the config file whenever its modification time or
// size changes, so edits made by the admin tooling apply to the next
// delivery without a restart. A file that fails to load or validate keeps
// the last good snapshot in service.
type FileProvider struct {
	path   string
	logger *slog.Logger

	mu      sync.Mutex
	current *Config
	modTime time.Time
	size    int64
}

// NewFileProvider loads path once and fails if the initial load is invalid.
func NewFileProvider(path string, logger *slog.Logger) (*FileProvider, error) {
	p := &FileProvider{path: ExpandPath(path), logger: logger}
	if _, err := p.Snapshot(context.Background()); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *FileProvider) Path() string { return p.path }

func (p *FileProvider) Snapshot(ctx context.Context) (*Config, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	info, err := os.Stat(p.path)
	if err != nil {
		if p.current != nil {
			p.logger.Warn("config file unavailable, keeping last snapshot", "path", p.path, "err", err)
			return p.current, nil
		}
		return nil, fmt.Errorf("stat config %s: %w", p.path, err)
	}

	if p.current != nil && info.ModTime().Equal(p.modTime) && info.Size() == p.size {
		return p.current, nil
	}

	cfg, err := Load(p.path)
	if err != nil {
		if p.current != nil {
			p.logger.Error("config reload failed, keeping last snapshot", "path", p.path, "err", err)
			// Don't retry the same broken file on every delivery.
			p.modTime = info.ModTime()
			p.size = info.Size()
			return p.current, nil
		}
		return nil, err
	}

	if p.current != nil {
		p.logger.Info("config reloaded", "path", p.path)
	}
	p.current = cfg
	p.modTime = info.ModTime()
	p.size = info.Size()
	return cfg, nil
}
