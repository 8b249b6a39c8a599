package worker

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/twbeatles/navernews-tabsearch/internal/news"
)

// JobFunc is an arbitrary callable executed off the caller's thread. It must
// honor ctx and return promptly once ctx is done.
type JobFunc func(ctx context.Context) (any, error)

// JobWorker runs one callable (validation, cleanup, export) and emits one
// terminal outcome through the same callback contract as fetch and query
// workers, so stale-result suppression applies uniformly.
type JobWorker struct {
	name   string
	fn     JobFunc
	logger *zap.Logger
}

// NewJob constructs a JobWorker. The name labels logs and metrics only.
func NewJob(name string, fn JobFunc, logger *zap.Logger) *JobWorker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &JobWorker{name: name, fn: fn, logger: logger}
}

// Run executes the callable, recovering panics into failure outcomes so a
// bad job cannot take down the registry's goroutine accounting.
func (w *JobWorker) Run(ctx context.Context) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("job panicked", zap.String("job", w.name), zap.Any("panic", r))
			err = news.NewError(news.CodeInternal, fmt.Sprintf("job %q panicked: %v", w.name, r), nil)
		}
	}()
	if ctx.Err() != nil {
		return nil, news.ErrCancelled
	}
	result, err = w.fn(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, news.ErrCancelled
		}
		return nil, news.NewError(news.CodeInternal, fmt.Sprintf("job %q", w.name), err)
	}
	if ctx.Err() != nil {
		return nil, news.ErrCancelled
	}
	return result, nil
}
