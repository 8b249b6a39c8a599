// Package worker implements the request execution loops dispatched by the
// registry: remote fetches with retry, store reads, and one-shot jobs.
package worker

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/twbeatles/navernews-tabsearch/internal/metrics"
	"github.com/twbeatles/navernews-tabsearch/internal/news"
)

// FetchConfig controls one fetch worker invocation. Backoff supplies the
// retry schedule: the worker makes len(Backoff) attempts at most and sleeps
// Backoff[i] after failed attempt i+1. Values are fixed at construction.
type FetchConfig struct {
	StartIndex int
	PageSize   int
	Backoff    []time.Duration
}

// FetchOutcome is the single success result of a fetch worker.
type FetchOutcome struct {
	Items      []news.Item
	Total      int
	Added      int
	Duplicates int
	Filtered   int
	HasMore    bool
	StartIndex int
	PageSize   int
	Attempts   int
}

// ProgressFunc receives human-readable status updates during a fetch. It may
// be nil. Delivery gating (stale suppression) is the caller's concern.
type ProgressFunc func(message string)

// FetchWorker executes one remote call sequence with retry and hands the
// parsed batch to the store. It emits exactly one terminal outcome; a
// cancelled run returns news.ErrCancelled and stores nothing.
type FetchWorker struct {
	client   news.SearchClient
	store    news.Store
	key      news.FetchKey
	cfg      FetchConfig
	progress ProgressFunc
	logger   *zap.Logger
}

// NewFetch constructs a FetchWorker bound to one request.
func NewFetch(
	client news.SearchClient,
	store news.Store,
	key news.FetchKey,
	cfg FetchConfig,
	progress ProgressFunc,
	logger *zap.Logger,
) *FetchWorker {
	if cfg.StartIndex < 1 {
		cfg.StartIndex = 1
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = 100
	}
	if len(cfg.Backoff) == 0 {
		cfg.Backoff = []time.Duration{0}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FetchWorker{
		client:   client,
		store:    store,
		key:      key,
		cfg:      cfg,
		progress: progress,
		logger:   logger,
	}
}

// Run executes the attempt loop until success, a fatal error, retry
// exhaustion, or cancellation.
func (w *FetchWorker) Run(ctx context.Context) (FetchOutcome, error) {
	maxAttempts := len(w.cfg.Backoff)
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if ctx.Err() != nil {
			w.logger.Debug("fetch cancelled before attempt", zap.Int("attempt", attempt))
			return FetchOutcome{}, news.ErrCancelled
		}
		w.emit(fmt.Sprintf("searching %q (attempt %d/%d)", w.key.Term, attempt, maxAttempts))

		page, err := w.client.Search(ctx, w.key, w.cfg.StartIndex, w.cfg.PageSize)
		if err != nil {
			if ctx.Err() != nil {
				return FetchOutcome{}, news.ErrCancelled
			}
			if news.Retryable(err) && attempt < maxAttempts {
				delay := w.cfg.Backoff[attempt-1]
				w.logger.Warn("fetch attempt failed, backing off",
					zap.String("term", w.key.Term),
					zap.Int("attempt", attempt),
					zap.Duration("delay", delay),
					zap.Error(err),
				)
				metrics.RecordFetchRetry()
				w.emit(fmt.Sprintf("retrying %q in %s", w.key.Term, delay))
				if !sleepInterruptible(ctx, delay) {
					return FetchOutcome{}, news.ErrCancelled
				}
				continue
			}
			return FetchOutcome{}, w.terminalError(err, attempt)
		}

		if ctx.Err() != nil {
			return FetchOutcome{}, news.ErrCancelled
		}
		w.emit(fmt.Sprintf("saving %q results", w.key.Term))
		added, duplicates, err := w.store.Upsert(ctx, page.Items, w.key.Term)
		if err != nil {
			if ctx.Err() != nil {
				return FetchOutcome{}, news.ErrCancelled
			}
			return FetchOutcome{}, news.NewError(news.CodeInternal, "store upsert", err)
		}

		w.logger.Info("fetch succeeded",
			zap.String("term", w.key.Term),
			zap.Int("items", len(page.Items)),
			zap.Int("added", added),
			zap.Int("duplicates", duplicates),
			zap.Int("attempt", attempt),
		)
		return FetchOutcome{
			Items:      page.Items,
			Total:      page.Total,
			Added:      added,
			Duplicates: duplicates,
			Filtered:   page.Filtered,
			HasMore:    page.HasMore,
			StartIndex: w.cfg.StartIndex,
			PageSize:   w.cfg.PageSize,
			Attempts:   attempt,
		}, nil
	}
	// Unreachable: the loop always returns.
	return FetchOutcome{}, news.NewError(news.CodeInternal, "fetch loop exited without outcome", nil)
}

// terminalError maps an exhausted or non-retryable failure onto the error
// taxonomy delivered through the failure callback.
func (w *FetchWorker) terminalError(err error, attempts int) error {
	switch news.Classify(err) {
	case news.CodeRateLimited:
		return news.NewError(news.CodeRateLimited,
			fmt.Sprintf("rate limited after %d attempts", attempts), err)
	case news.CodeTimeout:
		return news.NewError(news.CodeTimeout,
			fmt.Sprintf("timed out after %d attempts", attempts), err)
	case news.CodeRemoteRejected, news.CodeMalformedPayload:
		return err
	default:
		if news.Retryable(err) {
			return news.NewError(news.CodeTimeout,
				fmt.Sprintf("network failure after %d attempts", attempts), err)
		}
		return news.NewError(news.CodeInternal, "fetch failed", err)
	}
}

func (w *FetchWorker) emit(message string) {
	if w.progress != nil {
		w.progress(message)
	}
}

// sleepInterruptible waits for d or until ctx is done; it reports false when
// interrupted. The backoff sleep must never outlive a cancellation.
func sleepInterruptible(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
