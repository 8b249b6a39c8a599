// Package registry is the orchestration hub for fetch, query, and job
// requests: it assigns request identities, enforces at-most-one in-flight
// fetch per logical key, and guarantees that a worker's completion or error
// can never be misattributed to a newer request for the same key.
package registry

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/twbeatles/navernews-tabsearch/internal/metrics"
	"github.com/twbeatles/navernews-tabsearch/internal/news"
	"github.com/twbeatles/navernews-tabsearch/internal/progress"
	"github.com/twbeatles/navernews-tabsearch/internal/worker"
)

// RequestID is an opaque, monotonically increasing request token. Callers may
// hold it for correlation but never interpret it.
type RequestID uint64

// Kind distinguishes the worker types tracked by the registry.
type Kind string

// Tracked worker kinds.
const (
	KindFetch Kind = "fetch"
	KindQuery Kind = "query"
	KindJob   Kind = "job"
)

// ErrRegistryClosed is returned from dispatch calls after Shutdown.
var ErrRegistryClosed = errors.New("registry is shut down")

// ErrPageLimit is returned when a load-more fetch would exceed the remote
// API's maximum retrievable offset.
var ErrPageLimit = errors.New("remote api page limit reached")

// Listener receives request outcomes on behalf of the presentation layer.
// Every method is invoked at most once per request, never for superseded or
// cancelled requests, and never while the registry lock is held.
type Listener interface {
	FetchDone(tabID string, id RequestID, out worker.FetchOutcome)
	FetchFailed(tabID string, id RequestID, err error)
	QueryDone(tabID string, id RequestID, out worker.QueryOutcome)
	QueryFailed(tabID string, id RequestID, err error)
	JobDone(name string, id RequestID, result any)
	JobFailed(name string, id RequestID, err error)
	Progress(tabID string, id RequestID, message string)
}

// Config carries the immutable dispatch parameters.
type Config struct {
	// PageSize is the number of items requested per fetch page.
	PageSize int
	// Backoff is the retry schedule handed to every fetch worker.
	Backoff []time.Duration
	// MaxStartIndex caps load-more offsets (remote API limit).
	MaxStartIndex int
	// DedupeWindow coalesces manual fetches for the same key arriving within
	// the window. Zero disables the window; the ActiveSlot check still
	// coalesces truly concurrent fetches.
	DedupeWindow time.Duration
}

// Handle tracks one in-flight request. The registry owns it exclusively;
// workers see only their context and progress callback.
type Handle struct {
	ID        RequestID
	TabID     string
	Key       news.FetchKey
	Kind      Kind
	Name      string
	StartedAt time.Time

	cancel          context.CancelFunc
	done            chan struct{}
	cancelRequested bool
}

// QueryOptions carries the caller-facing knobs for StartQuery; keyword and
// exclusions always come from the tab's FetchKey, never from the caller.
type QueryOptions struct {
	FilterText     string
	Sort           news.SortMode
	OnlyBookmarked bool
	OnlyUnread     bool
	HideDuplicates bool
	StartDate      *time.Time
	EndDate        *time.Time
}

// Registry coordinates workers. All public methods are safe for concurrent
// use and never block on worker completion.
type Registry struct {
	client   news.SearchClient
	store    news.Store
	listener Listener
	clock    news.Clock
	emitter  progress.Emitter
	logger   *zap.Logger
	cfg      Config

	mu         sync.Mutex
	seq        uint64
	handles    map[RequestID]*Handle
	fetchSlots map[string]RequestID // canonical fetch key -> current request
	querySlots map[string]RequestID // tab id -> current query request
	lastFetch  map[string]time.Time // canonical fetch key -> last manual dispatch
	pages      map[string]*TabFetchState
	closed     bool
}

// New constructs a Registry. The listener must not be nil; emitter may be.
func New(
	client news.SearchClient,
	store news.Store,
	listener Listener,
	clock news.Clock,
	emitter progress.Emitter,
	cfg Config,
	logger *zap.Logger,
) *Registry {
	if cfg.PageSize <= 0 {
		cfg.PageSize = 100
	}
	if len(cfg.Backoff) == 0 {
		cfg.Backoff = []time.Duration{2 * time.Second, 4 * time.Second, 6 * time.Second}
	}
	if cfg.MaxStartIndex <= 0 {
		cfg.MaxStartIndex = 1000
	}
	if emitter == nil {
		emitter = progress.Nop{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()
	return &Registry{
		client:     client,
		store:      store,
		listener:   listener,
		clock:      clock,
		emitter:    emitter,
		logger:     logger,
		cfg:        cfg,
		handles:    make(map[RequestID]*Handle),
		fetchSlots: make(map[string]RequestID),
		querySlots: make(map[string]RequestID),
		lastFetch:  make(map[string]time.Time),
		pages:      make(map[string]*TabFetchState),
	}
}

// StartFetch dispatches a fetch for the tab's raw query. When an equivalent
// fetch is already in flight the existing request id is returned with
// started=false and no network work is issued. InvalidQuery is returned
// synchronously; no worker is spawned for it.
func (r *Registry) StartFetch(tabID, rawQuery string, loadMore bool) (RequestID, bool, error) {
	key, err := news.BuildFetchKey(rawQuery)
	if err != nil {
		return 0, false, err
	}
	slotKey := key.String()
	now := r.clock.Now()

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return 0, false, ErrRegistryClosed
	}
	if id, inFlight := r.fetchSlots[slotKey]; inFlight {
		// Record the key for the coalescing tab so Cancel can find the
		// shared fetch even though another tab dispatched it.
		if state := r.pages[tabID]; state == nil || !state.Key.Equal(key) {
			r.pages[tabID] = newTabFetchState(key)
		}
		r.mu.Unlock()
		metrics.RecordFetchDeduped()
		r.logger.Debug("fetch coalesced onto in-flight request",
			zap.String("key", slotKey), zap.Uint64("request_id", uint64(id)))
		return id, false, nil
	}
	if !loadMore && r.cfg.DedupeWindow > 0 {
		if last, seen := r.lastFetch[slotKey]; seen && now.Sub(last) < r.cfg.DedupeWindow {
			r.mu.Unlock()
			metrics.RecordFetchDeduped()
			return 0, false, nil
		}
	}

	state := r.pages[tabID]
	if state == nil || !state.Key.Equal(key) {
		// Rename or first fetch: supersede anything the tab still has in
		// flight and start a fresh pagination cursor.
		r.cancelTabLocked(tabID)
		state = newTabFetchState(key)
		r.pages[tabID] = state
	}
	startIndex := 1
	if loadMore {
		startIndex = state.NextStartIndex
		if startIndex > r.cfg.MaxStartIndex {
			r.mu.Unlock()
			return 0, false, ErrPageLimit
		}
	}

	h := r.newHandleLocked(tabID, key, KindFetch, "")
	r.fetchSlots[slotKey] = h.ID
	if !loadMore {
		r.lastFetch[slotKey] = now
	}

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	w := worker.NewFetch(
		r.client,
		r.store,
		key,
		worker.FetchConfig{StartIndex: startIndex, PageSize: r.cfg.PageSize, Backoff: r.cfg.Backoff},
		func(msg string) { r.forwardProgress(h, msg) },
		r.logger.Named("fetch").With(zap.Uint64("request_id", uint64(h.ID))),
	)
	r.mu.Unlock()

	metrics.WorkerStarted()
	r.emitter.Emit(progress.Event{
		TS: now, Stage: progress.StageFetchStart,
		RequestID: uint64(h.ID), TabID: tabID, Term: key.Term,
	})
	go r.runFetch(ctx, h, w)
	return h.ID, true, nil
}

// StartQuery dispatches a store read for the tab. A newer query for the same
// tab supersedes the previous one: the old worker is cancelled and its
// eventual outcome suppressed.
func (r *Registry) StartQuery(tabID, rawQuery string, opts QueryOptions) (RequestID, error) {
	q := news.Query{
		FilterText:     opts.FilterText,
		Sort:           opts.Sort,
		OnlyBookmarked: opts.OnlyBookmarked,
		OnlyUnread:     opts.OnlyUnread,
		HideDuplicates: opts.HideDuplicates,
		StartDate:      opts.StartDate,
		EndDate:        opts.EndDate,
	}
	var key news.FetchKey
	if !opts.OnlyBookmarked {
		built, err := news.BuildFetchKey(rawQuery)
		if err != nil {
			return 0, err
		}
		key = built
		q.Keyword = key.Term
		q.ExcludeWords = key.Exclusions
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return 0, ErrRegistryClosed
	}
	if prevID, ok := r.querySlots[tabID]; ok {
		if prev := r.handles[prevID]; prev != nil {
			prev.cancelRequested = true
			prev.cancel()
		}
	}
	h := r.newHandleLocked(tabID, key, KindQuery, "")
	r.querySlots[tabID] = h.ID

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	w := worker.NewQuery(r.store, q,
		r.logger.Named("query").With(zap.Uint64("request_id", uint64(h.ID))))
	r.mu.Unlock()

	metrics.WorkerStarted()
	r.emitter.Emit(progress.Event{
		TS: h.StartedAt, Stage: progress.StageQueryStart,
		RequestID: uint64(h.ID), TabID: tabID, Term: key.Term,
	})
	go r.runQuery(ctx, h, w)
	return h.ID, nil
}

// StartJob dispatches an arbitrary callable off the caller's thread. The
// outcome flows through the same callback contract as fetches and queries,
// so cancellation and shutdown suppression apply uniformly.
func (r *Registry) StartJob(name string, fn worker.JobFunc) (RequestID, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return 0, ErrRegistryClosed
	}
	h := r.newHandleLocked("", news.FetchKey{}, KindJob, name)
	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	w := worker.NewJob(name, fn,
		r.logger.Named("job").With(zap.Uint64("request_id", uint64(h.ID))))
	r.mu.Unlock()

	metrics.WorkerStarted()
	r.emitter.Emit(progress.Event{
		TS: h.StartedAt, Stage: progress.StageJobStart,
		RequestID: uint64(h.ID), Note: name,
	})
	go r.runJob(ctx, h, w)
	return h.ID, nil
}

// Cancel requests cancellation of the tab's in-flight work and immediately
// supersedes its slots, so any terminal callback that still arrives is
// dropped as stale. A fetch the tab coalesced onto (dispatched by another tab
// for the same key) is cancelled too: the fetch belongs to the key, not the
// dispatching tab. Cancellation is cooperative: a worker mid-network-call is
// not killed, only prevented from acting on its result. Returns the number of
// requests cancelled.
func (r *Registry) Cancel(tabID string) int {
	r.mu.Lock()
	n := r.cancelTabLocked(tabID)
	if state := r.pages[tabID]; state != nil {
		slotKey := state.Key.String()
		if id, ok := r.fetchSlots[slotKey]; ok {
			if h := r.handles[id]; h != nil {
				h.cancelRequested = true
				h.cancel()
				delete(r.fetchSlots, slotKey)
				n++
			}
		}
	}
	r.mu.Unlock()
	if n > 0 {
		r.logger.Info("cancelled tab requests", zap.String("tab_id", tabID), zap.Int("count", n))
	}
	return n
}

// CloseTab cancels the tab's work and discards its pagination state.
func (r *Registry) CloseTab(tabID string) {
	r.mu.Lock()
	r.cancelTabLocked(tabID)
	delete(r.pages, tabID)
	r.mu.Unlock()
}

// FetchState returns a copy of the tab's pagination state.
func (r *Registry) FetchState(tabID string) (TabFetchState, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	state := r.pages[tabID]
	if state == nil {
		return TabFetchState{}, false
	}
	return *state, true
}

// InFlight reports whether a fetch for the tab's current key is running.
func (r *Registry) InFlight(rawQuery string) bool {
	key, err := news.BuildFetchKey(rawQuery)
	if err != nil {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.fetchSlots[key.String()]
	return ok
}

// Shutdown cancels every tracked request and waits up to timeoutPerWorker
// for each to stop. Workers that do not stop within the bound are logged and
// abandoned; their eventual callbacks are dropped because the registry is
// marked closed. Shutdown never force-kills and never blocks unboundedly.
func (r *Registry) Shutdown(timeoutPerWorker time.Duration) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	waiting := make([]*Handle, 0, len(r.handles))
	for _, h := range r.handles {
		h.cancelRequested = true
		h.cancel()
		waiting = append(waiting, h)
	}
	r.mu.Unlock()

	for _, h := range waiting {
		select {
		case <-h.done:
		case <-time.After(timeoutPerWorker):
			metrics.RecordShutdownAbandoned()
			r.logger.Warn("worker did not stop within shutdown bound, abandoning",
				zap.Uint64("request_id", uint64(h.ID)),
				zap.String("kind", string(h.Kind)),
				zap.String("tab_id", h.TabID),
			)
		}
	}
	r.logger.Info("registry shut down", zap.Int("workers", len(waiting)))
}

// newHandleLocked allocates the next request identity. Callers hold r.mu.
func (r *Registry) newHandleLocked(tabID string, key news.FetchKey, kind Kind, name string) *Handle {
	r.seq++
	h := &Handle{
		ID:        RequestID(r.seq),
		TabID:     tabID,
		Key:       key,
		Kind:      kind,
		Name:      name,
		StartedAt: r.clock.Now(),
		done:      make(chan struct{}),
	}
	r.handles[h.ID] = h
	return h
}

// cancelTabLocked cancels and supersedes every request owned by the tab.
// Callers hold r.mu.
func (r *Registry) cancelTabLocked(tabID string) int {
	n := 0
	for _, h := range r.handles {
		if h.TabID != tabID {
			continue
		}
		h.cancelRequested = true
		h.cancel()
		if h.Kind == KindFetch {
			slotKey := h.Key.String()
			if r.fetchSlots[slotKey] == h.ID {
				delete(r.fetchSlots, slotKey)
			}
		}
		if h.Kind == KindQuery && r.querySlots[tabID] == h.ID {
			delete(r.querySlots, tabID)
		}
		n++
	}
	return n
}

func (r *Registry) runFetch(ctx context.Context, h *Handle, w *worker.FetchWorker) {
	defer close(h.done)
	defer metrics.WorkerFinished()
	out, err := w.Run(ctx)
	switch {
	case errors.Is(err, news.ErrCancelled):
		r.releaseCancelled(h, progress.StageFetchCancelled)
	case err != nil:
		r.finishFetchFailed(h, err)
	default:
		r.finishFetchDone(h, out)
	}
}

func (r *Registry) finishFetchDone(h *Handle, out worker.FetchOutcome) {
	now := r.clock.Now()
	slotKey := h.Key.String()

	r.mu.Lock()
	delete(r.handles, h.ID)
	if r.closed || r.fetchSlots[slotKey] != h.ID {
		r.mu.Unlock()
		r.dropStale(h, progress.StageFetchStale, now)
		return
	}
	delete(r.fetchSlots, slotKey)
	if state := r.pages[h.TabID]; state != nil && state.Key.Equal(h.Key) {
		state.advance(out.StartIndex, out.PageSize, out.Added, out.Duplicates, now)
	}
	listener := r.listener
	r.mu.Unlock()

	metrics.RecordFetchOutcome("success")
	r.emitter.Emit(progress.Event{
		TS: now, Stage: progress.StageFetchDone,
		RequestID: uint64(h.ID), TabID: h.TabID, Term: h.Key.Term,
		Added: out.Added, Duplicates: out.Duplicates, Dur: now.Sub(h.StartedAt),
	})
	listener.FetchDone(h.TabID, h.ID, out)
}

func (r *Registry) finishFetchFailed(h *Handle, err error) {
	now := r.clock.Now()
	slotKey := h.Key.String()

	r.mu.Lock()
	delete(r.handles, h.ID)
	if r.closed || r.fetchSlots[slotKey] != h.ID {
		r.mu.Unlock()
		r.dropStale(h, progress.StageFetchStale, now)
		return
	}
	delete(r.fetchSlots, slotKey)
	listener := r.listener
	r.mu.Unlock()

	metrics.RecordFetchOutcome(string(news.Classify(err)))
	r.emitter.Emit(progress.Event{
		TS: now, Stage: progress.StageFetchError,
		RequestID: uint64(h.ID), TabID: h.TabID, Term: h.Key.Term,
		Dur: now.Sub(h.StartedAt), Note: err.Error(),
	})
	listener.FetchFailed(h.TabID, h.ID, err)
}

func (r *Registry) runQuery(ctx context.Context, h *Handle, w *worker.QueryWorker) {
	defer close(h.done)
	defer metrics.WorkerFinished()
	out, err := w.Run(ctx)
	switch {
	case errors.Is(err, news.ErrCancelled):
		r.releaseCancelled(h, progress.StageQueryCancelled)
	case err != nil:
		r.finishQuery(h, out, err)
	default:
		r.finishQuery(h, out, nil)
	}
}

func (r *Registry) finishQuery(h *Handle, out worker.QueryOutcome, err error) {
	now := r.clock.Now()

	r.mu.Lock()
	delete(r.handles, h.ID)
	if r.closed || r.querySlots[h.TabID] != h.ID {
		r.mu.Unlock()
		r.dropStale(h, progress.StageQueryStale, now)
		return
	}
	delete(r.querySlots, h.TabID)
	listener := r.listener
	r.mu.Unlock()

	if err != nil {
		r.emitter.Emit(progress.Event{
			TS: now, Stage: progress.StageQueryError,
			RequestID: uint64(h.ID), TabID: h.TabID, Term: h.Key.Term,
			Dur: now.Sub(h.StartedAt), Note: err.Error(),
		})
		listener.QueryFailed(h.TabID, h.ID, err)
		return
	}
	r.emitter.Emit(progress.Event{
		TS: now, Stage: progress.StageQueryDone,
		RequestID: uint64(h.ID), TabID: h.TabID, Term: h.Key.Term,
		Dur: now.Sub(h.StartedAt),
	})
	listener.QueryDone(h.TabID, h.ID, out)
}

func (r *Registry) runJob(ctx context.Context, h *Handle, w *worker.JobWorker) {
	defer close(h.done)
	defer metrics.WorkerFinished()
	result, err := w.Run(ctx)
	now := r.clock.Now()

	r.mu.Lock()
	delete(r.handles, h.ID)
	suppressed := r.closed || h.cancelRequested || errors.Is(err, news.ErrCancelled)
	listener := r.listener
	r.mu.Unlock()

	if suppressed {
		r.dropStale(h, progress.StageJobError, now)
		return
	}
	if err != nil {
		r.emitter.Emit(progress.Event{
			TS: now, Stage: progress.StageJobError,
			RequestID: uint64(h.ID), Dur: now.Sub(h.StartedAt),
			Note: h.Name + ": " + err.Error(),
		})
		listener.JobFailed(h.Name, h.ID, err)
		return
	}
	r.emitter.Emit(progress.Event{
		TS: now, Stage: progress.StageJobDone,
		RequestID: uint64(h.ID), Dur: now.Sub(h.StartedAt), Note: h.Name,
	})
	listener.JobDone(h.Name, h.ID, result)
}

// releaseCancelled frees a cancelled worker's slot if it still holds one.
// Cancellation is not a result: nothing reaches the listener.
func (r *Registry) releaseCancelled(h *Handle, stage progress.Stage) {
	now := r.clock.Now()
	r.mu.Lock()
	delete(r.handles, h.ID)
	switch h.Kind {
	case KindFetch:
		slotKey := h.Key.String()
		if r.fetchSlots[slotKey] == h.ID {
			delete(r.fetchSlots, slotKey)
		}
	case KindQuery:
		if r.querySlots[h.TabID] == h.ID {
			delete(r.querySlots, h.TabID)
		}
	}
	r.mu.Unlock()

	if h.Kind == KindFetch {
		metrics.RecordFetchOutcome(string(news.CodeCancelled))
	}
	r.emitter.Emit(progress.Event{
		TS: now, Stage: stage,
		RequestID: uint64(h.ID), TabID: h.TabID, Term: h.Key.Term,
		Dur: now.Sub(h.StartedAt),
	})
	r.logger.Debug("worker cancelled", zap.Uint64("request_id", uint64(h.ID)),
		zap.String("kind", string(h.Kind)))
}

// dropStale records a suppressed callback. Stale suppression is internal:
// it is never surfaced to the caller, only logged and counted.
func (r *Registry) dropStale(h *Handle, stage progress.Stage, now time.Time) {
	metrics.RecordStaleCallback(string(h.Kind))
	r.emitter.Emit(progress.Event{
		TS: now, Stage: stage,
		RequestID: uint64(h.ID), TabID: h.TabID, Term: h.Key.Term,
		Dur: now.Sub(h.StartedAt), Note: "superseded",
	})
	r.logger.Debug("stale callback dropped",
		zap.Uint64("request_id", uint64(h.ID)),
		zap.String("kind", string(h.Kind)),
		zap.String("tab_id", h.TabID),
	)
}

// forwardProgress relays a worker's status message to the listener, gated by
// the same identity check as terminal callbacks.
func (r *Registry) forwardProgress(h *Handle, message string) {
	r.mu.Lock()
	current := !r.closed && r.fetchSlots[h.Key.String()] == h.ID
	listener := r.listener
	r.mu.Unlock()
	if current {
		listener.Progress(h.TabID, h.ID, message)
	}
}
