package worker

import (
	"context"

	"go.uber.org/zap"

	"github.com/twbeatles/navernews-tabsearch/internal/news"
)

// QueryOutcome is the single success result of a query worker.
type QueryOutcome struct {
	Rows  []news.StoredItem
	Total int
}

// QueryWorker executes one read against the store off the caller's thread.
// The query's keyword and exclusions must come from the same FetchKey used
// for dispatch so filtering matches the fetched partition.
type QueryWorker struct {
	store  news.Store
	query  news.Query
	logger *zap.Logger
}

// NewQuery constructs a QueryWorker bound to one request.
func NewQuery(store news.Store, query news.Query, logger *zap.Logger) *QueryWorker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &QueryWorker{store: store, query: query, logger: logger}
}

// Run performs the read, honoring cancellation before and after the call.
func (w *QueryWorker) Run(ctx context.Context) (QueryOutcome, error) {
	if ctx.Err() != nil {
		return QueryOutcome{}, news.ErrCancelled
	}
	rows, total, err := w.store.Search(ctx, w.query)
	if err != nil {
		if ctx.Err() != nil {
			return QueryOutcome{}, news.ErrCancelled
		}
		return QueryOutcome{}, news.NewError(news.CodeInternal, "store search", err)
	}
	if ctx.Err() != nil {
		return QueryOutcome{}, news.ErrCancelled
	}
	w.logger.Debug("query finished",
		zap.String("keyword", w.query.Keyword),
		zap.Int("rows", len(rows)),
		zap.Int("total", total),
	)
	return QueryOutcome{Rows: rows, Total: total}, nil
}
