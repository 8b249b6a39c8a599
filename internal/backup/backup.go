// Package backup writes periodic JSON snapshots of the article store to a
// blob store. Snapshots run as registry jobs so shutdown, cancellation, and
// outcome reporting follow the same lifecycle as every other request.
package backup

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/twbeatles/navernews-tabsearch/internal/news"
	"github.com/twbeatles/navernews-tabsearch/internal/registry"
)

// Config controls the backup runner.
type Config struct {
	Interval time.Duration
	// PathPrefix is prepended to every object path (default "backups").
	PathPrefix string
	// PurgeAfter drops unbookmarked articles older than this before each
	// snapshot. Zero disables purging.
	PurgeAfter time.Duration
}

// Snapshot is the serialized backup payload.
type Snapshot struct {
	TakenAt  time.Time         `json:"taken_at"`
	Articles []news.StoredItem `json:"articles"`
}

// Result summarizes one completed backup job.
type Result struct {
	URI      string
	Articles int
	Purged   int
}

// Runner schedules snapshot jobs on the registry.
type Runner struct {
	store  news.Store
	blobs  news.BlobStore
	reg    *registry.Registry
	clock  news.Clock
	logger *zap.Logger
	cfg    Config
}

// New constructs a Runner.
func New(store news.Store, blobs news.BlobStore, reg *registry.Registry, clock news.Clock, cfg Config, logger *zap.Logger) *Runner {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Hour
	}
	if cfg.PathPrefix == "" {
		cfg.PathPrefix = "backups"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{store: store, blobs: blobs, reg: reg, clock: clock, logger: logger, cfg: cfg}
}

// Run dispatches a snapshot job every interval until ctx is cancelled. The
// first snapshot fires after one full interval.
func (r *Runner) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.reg.StartJob("backup", r.snapshotJob); err != nil {
				r.logger.Warn("backup dispatch failed", zap.Error(err))
				if err == registry.ErrRegistryClosed {
					return
				}
			}
		}
	}
}

// TriggerNow dispatches one snapshot job immediately.
func (r *Runner) TriggerNow() (registry.RequestID, error) {
	return r.reg.StartJob("backup", r.snapshotJob)
}

func (r *Runner) snapshotJob(ctx context.Context) (any, error) {
	now := r.clock.Now().UTC()
	purged := 0
	if r.cfg.PurgeAfter > 0 {
		n, err := r.store.PurgeOlderThan(ctx, now.Add(-r.cfg.PurgeAfter))
		if err != nil {
			return nil, fmt.Errorf("purge before snapshot: %w", err)
		}
		purged = n
	}

	articles, err := r.store.Snapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("snapshot store: %w", err)
	}
	payload, err := json.Marshal(Snapshot{TakenAt: now, Articles: articles})
	if err != nil {
		return nil, fmt.Errorf("marshal snapshot: %w", err)
	}

	path := fmt.Sprintf("%s/%s.json", r.cfg.PathPrefix, now.Format("20060102T150405Z"))
	uri, err := r.blobs.PutObject(ctx, path, "application/json", payload)
	if err != nil {
		return nil, fmt.Errorf("store snapshot: %w", err)
	}
	r.logger.Info("backup written",
		zap.String("uri", uri),
		zap.Int("articles", len(articles)),
		zap.Int("purged", purged),
	)
	return Result{URI: uri, Articles: len(articles), Purged: purged}, nil
}
