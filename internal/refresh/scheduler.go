// Package refresh periodically re-dispatches fetches for every open tab. The
// dispatches are staggered so a refresh cycle never bursts the remote API.
package refresh

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/twbeatles/navernews-tabsearch/internal/news"
	"github.com/twbeatles/navernews-tabsearch/internal/registry"
)

// Tab identifies one refresh target.
type Tab struct {
	ID    string
	Query string
}

// TabProvider supplies the current tab set at each cycle.
type TabProvider interface {
	Tabs() []Tab
}

// Config controls the refresh cadence.
type Config struct {
	// Interval is the pause between full refresh cycles.
	Interval time.Duration
	// Stagger is the pause between consecutive tab dispatches in a cycle.
	Stagger time.Duration
}

// Scheduler drives the refresh loop.
type Scheduler struct {
	reg    *registry.Registry
	tabs   TabProvider
	logger *zap.Logger
	cfg    Config
}

// New constructs a Scheduler.
func New(reg *registry.Registry, tabs TabProvider, cfg Config, logger *zap.Logger) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Minute
	}
	if cfg.Stagger < 0 {
		cfg.Stagger = 0
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{reg: reg, tabs: tabs, logger: logger, cfg: cfg}
}

// Run refreshes all tabs every interval until ctx is cancelled. A fetch that
// is already in flight or inside the dedupe window is skipped silently; an
// invalid tab query is logged and skipped.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !s.cycle(ctx) {
				return
			}
		}
	}
}

// RefreshAll dispatches one refresh cycle immediately.
func (s *Scheduler) RefreshAll(ctx context.Context) {
	s.cycle(ctx)
}

func (s *Scheduler) cycle(ctx context.Context) bool {
	started := 0
	for i, tab := range s.tabs.Tabs() {
		if i > 0 && s.cfg.Stagger > 0 {
			select {
			case <-ctx.Done():
				return false
			case <-time.After(s.cfg.Stagger):
			}
		}
		_, ok, err := s.reg.StartFetch(tab.ID, tab.Query, false)
		switch {
		case errors.Is(err, registry.ErrRegistryClosed):
			return false
		case errors.Is(err, news.ErrInvalidQuery):
			s.logger.Warn("skipping tab with invalid query",
				zap.String("tab_id", tab.ID), zap.String("query", tab.Query))
		case err != nil:
			s.logger.Warn("refresh dispatch failed",
				zap.String("tab_id", tab.ID), zap.Error(err))
		case ok:
			started++
		}
	}
	s.logger.Debug("refresh cycle complete", zap.Int("started", started))
	return true
}
