package api

import (
	"context"
	"sync"

	"github.com/twbeatles/navernews-tabsearch/internal/registry"
	"github.com/twbeatles/navernews-tabsearch/internal/worker"
)

// FetchResult is a delivered fetch outcome or its terminal error.
type FetchResult struct {
	Outcome worker.FetchOutcome
	Err     error
}

// QueryResult is a delivered query outcome or its terminal error.
type QueryResult struct {
	Rows worker.QueryOutcome
	Err  error
}

// maxPendingResults bounds how many undelivered outcomes the hub retains;
// older ones are evicted first. Callers that never wait must not leak memory.
const maxPendingResults = 1024

type resultEntry struct {
	done    chan struct{}
	waiters int
	fetch   FetchResult
	query   QueryResult
}

// ResultHub buffers registry outcomes so HTTP handlers can wait on a specific
// request id. It implements the registry listener contract; suppressed and
// cancelled requests never reach it, so a waiter must always pair with a
// context deadline.
type ResultHub struct {
	mu      sync.Mutex
	entries map[registry.RequestID]*resultEntry
	order   []registry.RequestID
	last    map[string]FetchResult // tab id -> most recent fetch result
}

// NewResultHub returns an empty hub.
func NewResultHub() *ResultHub {
	return &ResultHub{
		entries: make(map[registry.RequestID]*resultEntry),
		last:    make(map[string]FetchResult),
	}
}

func (h *ResultHub) entryLocked(id registry.RequestID) *resultEntry {
	e, ok := h.entries[id]
	if !ok {
		e = &resultEntry{done: make(chan struct{})}
		h.entries[id] = e
		h.order = append(h.order, id)
		h.evictLocked()
	}
	return e
}

func (h *ResultHub) evictLocked() {
	// Entries with an active waiter are pinned; evicting one would leave the
	// waiter blocked on a channel no delivery can ever close.
	for len(h.order) > maxPendingResults {
		evicted := false
		for i, id := range h.order {
			if h.entries[id].waiters > 0 {
				continue
			}
			delete(h.entries, id)
			h.order = append(h.order[:i], h.order[i+1:]...)
			evicted = true
			break
		}
		if !evicted {
			return
		}
	}
}

func (h *ResultHub) deliverFetch(tabID string, id registry.RequestID, res FetchResult) {
	h.mu.Lock()
	e := h.entryLocked(id)
	e.fetch = res
	h.last[tabID] = res
	h.mu.Unlock()
	close(e.done)
}

func (h *ResultHub) deliverQuery(id registry.RequestID, res QueryResult) {
	h.mu.Lock()
	e := h.entryLocked(id)
	e.query = res
	h.mu.Unlock()
	close(e.done)
}

// WaitFetch blocks until the fetch outcome for id arrives or ctx expires.
func (h *ResultHub) WaitFetch(ctx context.Context, id registry.RequestID) (FetchResult, error) {
	e := h.acquire(id)
	defer h.release(e)
	select {
	case <-e.done:
		return e.fetch, nil
	case <-ctx.Done():
		return FetchResult{}, ctx.Err()
	}
}

// WaitQuery blocks until the query outcome for id arrives or ctx expires.
func (h *ResultHub) WaitQuery(ctx context.Context, id registry.RequestID) (QueryResult, error) {
	e := h.acquire(id)
	defer h.release(e)
	select {
	case <-e.done:
		return e.query, nil
	case <-ctx.Done():
		return QueryResult{}, ctx.Err()
	}
}

func (h *ResultHub) acquire(id registry.RequestID) *resultEntry {
	h.mu.Lock()
	defer h.mu.Unlock()
	e := h.entryLocked(id)
	e.waiters++
	return e
}

func (h *ResultHub) release(e *resultEntry) {
	h.mu.Lock()
	defer h.mu.Unlock()
	e.waiters--
}

// LastFetch returns the most recent fetch result delivered for the tab.
func (h *ResultHub) LastFetch(tabID string) (FetchResult, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	res, ok := h.last[tabID]
	return res, ok
}

func (h *ResultHub) FetchDone(tabID string, id registry.RequestID, out worker.FetchOutcome) {
	h.deliverFetch(tabID, id, FetchResult{Outcome: out})
}

func (h *ResultHub) FetchFailed(tabID string, id registry.RequestID, err error) {
	h.deliverFetch(tabID, id, FetchResult{Err: err})
}

func (h *ResultHub) QueryDone(_ string, id registry.RequestID, out worker.QueryOutcome) {
	h.deliverQuery(id, QueryResult{Rows: out})
}

func (h *ResultHub) QueryFailed(_ string, id registry.RequestID, err error) {
	h.deliverQuery(id, QueryResult{Err: err})
}

func (h *ResultHub) JobDone(string, registry.RequestID, any) {}

func (h *ResultHub) JobFailed(string, registry.RequestID, error) {}

func (h *ResultHub) Progress(string, registry.RequestID, string) {}
