package registry

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/twbeatles/navernews-tabsearch/internal/news"
	"github.com/twbeatles/navernews-tabsearch/internal/progress"
	storemem "github.com/twbeatles/navernews-tabsearch/internal/store/memory"
	"github.com/twbeatles/navernews-tabsearch/internal/worker"
)

// searchFunc adapts a function to the search client interface.
type searchFunc func(ctx context.Context, key news.FetchKey, startIndex, pageSize int) (news.SearchPage, error)

func (f searchFunc) Search(ctx context.Context, key news.FetchKey, startIndex, pageSize int) (news.SearchPage, error) {
	return f(ctx, key, startIndex, pageSize)
}

type captureEmitter struct {
	mu     sync.Mutex
	stages []progress.Stage
}

func (e *captureEmitter) Emit(evt progress.Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stages = append(e.stages, evt.Stage)
}

func (e *captureEmitter) has(stage progress.Stage) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, s := range e.stages {
		if s == stage {
			return true
		}
	}
	return false
}

type stubClient struct {
	mu      sync.Mutex
	calls   int
	block   chan struct{}
	respond func(startIndex, pageSize int) (news.SearchPage, error)
}

func (c *stubClient) Search(ctx context.Context, _ news.FetchKey, startIndex, pageSize int) (news.SearchPage, error) {
	c.mu.Lock()
	c.calls++
	block := c.block
	respond := c.respond
	c.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return news.SearchPage{}, ctx.Err()
		}
	}
	if respond != nil {
		return respond(startIndex, pageSize)
	}
	return news.SearchPage{}, nil
}

func (c *stubClient) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

type recordingListener struct {
	mu          sync.Mutex
	fetchDone   []RequestID
	fetchFailed []error
	queryDone   []RequestID
	jobDone     []RequestID
	progress    []string
}

func (l *recordingListener) FetchDone(_ string, id RequestID, _ worker.FetchOutcome) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.fetchDone = append(l.fetchDone, id)
}

func (l *recordingListener) FetchFailed(_ string, _ RequestID, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.fetchFailed = append(l.fetchFailed, err)
}

func (l *recordingListener) QueryDone(_ string, id RequestID, _ worker.QueryOutcome) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.queryDone = append(l.queryDone, id)
}

func (l *recordingListener) QueryFailed(string, RequestID, error) {}

func (l *recordingListener) JobDone(_ string, id RequestID, _ any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.jobDone = append(l.jobDone, id)
}

func (l *recordingListener) JobFailed(string, RequestID, error) {}

func (l *recordingListener) Progress(_ string, _ RequestID, message string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.progress = append(l.progress, message)
}

func (l *recordingListener) fetchDoneCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.fetchDone)
}

func (l *recordingListener) queryDoneCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.queryDone)
}

func (l *recordingListener) jobDoneCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.jobDone)
}

type adjustableClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *adjustableClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *adjustableClock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// gatedStore blocks Search until the gate closes, so supersession races can
// be forced deterministically.
type gatedStore struct {
	*storemem.Store
	gate chan struct{}
}

func (s *gatedStore) Search(ctx context.Context, q news.Query) ([]news.StoredItem, int, error) {
	select {
	case <-s.gate:
	case <-ctx.Done():
		return nil, 0, ctx.Err()
	}
	return s.Store.Search(ctx, q)
}

// staleUpsertStore stalls the golang save until gated, then completes it on a
// background context so the worker succeeds even after its own context was
// cancelled by supersession.
type staleUpsertStore struct {
	*storemem.Store
	entered chan struct{}
	gate    chan struct{}
	once    sync.Once
}

func (s *staleUpsertStore) Upsert(ctx context.Context, items []news.Item, keyword string) (int, int, error) {
	if keyword == "golang" {
		s.once.Do(func() { close(s.entered) })
		<-s.gate
		return s.Store.Upsert(context.Background(), items, keyword)
	}
	return s.Store.Upsert(ctx, items, keyword)
}

func newTestRegistry(t *testing.T, client news.SearchClient, cfg Config) (*Registry, *recordingListener, *adjustableClock) {
	t.Helper()
	listener := &recordingListener{}
	clock := &adjustableClock{t: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	if len(cfg.Backoff) == 0 {
		cfg.Backoff = []time.Duration{time.Millisecond}
	}
	reg := New(client, storemem.New(), listener, clock, nil, cfg, zap.NewNop())
	t.Cleanup(func() { reg.Shutdown(time.Second) })
	return reg, listener, clock
}

func TestStartFetchRejectsInvalidQuery(t *testing.T) {
	t.Parallel()

	client := &stubClient{}
	reg, _, _ := newTestRegistry(t, client, Config{})

	_, started, err := reg.StartFetch("tab-1", "-광고 -홍보", false)
	require.ErrorIs(t, err, news.ErrInvalidQuery)
	require.False(t, started)
	require.Zero(t, client.callCount())
}

func TestEquivalentFetchesCoalesce(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	client := &stubClient{block: release}
	reg, listener, _ := newTestRegistry(t, client, Config{})

	id1, started, err := reg.StartFetch("tab-1", "Golang News -spam", false)
	require.NoError(t, err)
	require.True(t, started)

	// Different spelling, same normalized key, different tab.
	id2, started, err := reg.StartFetch("tab-2", "  GOLANG   -SPAM  extra", false)
	require.NoError(t, err)
	require.False(t, started)
	require.Equal(t, id1, id2)

	close(release)
	require.Eventually(t, func() bool { return listener.fetchDoneCount() == 1 },
		time.Second, 5*time.Millisecond)
	require.Equal(t, 1, client.callCount())
}

func TestFetchSuccessAdvancesPagination(t *testing.T) {
	t.Parallel()

	client := &stubClient{respond: func(startIndex, pageSize int) (news.SearchPage, error) {
		return news.SearchPage{
			Items: []news.Item{{Title: "a", Link: "l1", PubDate: time.Now()}},
			Total: 500, HasMore: true,
		}, nil
	}}
	reg, listener, _ := newTestRegistry(t, client, Config{PageSize: 100})

	_, started, err := reg.StartFetch("tab-1", "golang", false)
	require.NoError(t, err)
	require.True(t, started)
	require.Eventually(t, func() bool { return listener.fetchDoneCount() == 1 },
		time.Second, 5*time.Millisecond)

	state, ok := reg.FetchState("tab-1")
	require.True(t, ok)
	require.Equal(t, 101, state.NextStartIndex)
	require.Equal(t, 1, state.TotalFetched)
}

func TestCancelSuppressesCompletion(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	client := &stubClient{block: release}
	reg, listener, _ := newTestRegistry(t, client, Config{})

	_, started, err := reg.StartFetch("tab-1", "golang", false)
	require.NoError(t, err)
	require.True(t, started)

	require.Equal(t, 1, reg.Cancel("tab-1"))
	close(release)

	// A fresh fetch for the same key must be dispatchable immediately.
	require.Eventually(t, func() bool { return !reg.InFlight("golang") },
		time.Second, 5*time.Millisecond)
	require.Zero(t, listener.fetchDoneCount())
}

func TestStaleCompletionAfterSupersession(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	client := &stubClient{block: release}
	reg, listener, _ := newTestRegistry(t, client, Config{})

	_, started, err := reg.StartFetch("tab-1", "golang", false)
	require.NoError(t, err)
	require.True(t, started)

	// Rename to a different key supersedes the in-flight fetch.
	id2, started, err := reg.StartFetch("tab-1", "rustlang", false)
	require.NoError(t, err)
	require.True(t, started)

	close(release)
	require.Eventually(t, func() bool { return listener.fetchDoneCount() == 1 },
		time.Second, 5*time.Millisecond)

	listener.mu.Lock()
	delivered := append([]RequestID(nil), listener.fetchDone...)
	listener.mu.Unlock()
	require.Equal(t, []RequestID{id2}, delivered)
}

func TestStaleCompletionDoesNotMutatePagination(t *testing.T) {
	t.Parallel()

	// The golang save blocks until released and then finishes on its own
	// context, so the superseded worker reaches its success callback after
	// the rename instead of observing cancellation.
	entered := make(chan struct{})
	release := make(chan struct{})
	store := &staleUpsertStore{Store: storemem.New(), entered: entered, gate: release}
	client := searchFunc(func(_ context.Context, key news.FetchKey, _, _ int) (news.SearchPage, error) {
		return news.SearchPage{
			Items: []news.Item{{Title: key.Term, Link: "https://example.com/" + key.Term, PubDate: time.Now()}},
			Total: 500, HasMore: true,
		}, nil
	})
	listener := &recordingListener{}
	clock := &adjustableClock{t: time.Now()}
	reg := New(client, store, listener, clock, nil, Config{PageSize: 100, Backoff: []time.Duration{time.Millisecond}}, zap.NewNop())
	t.Cleanup(func() { reg.Shutdown(time.Second) })

	_, started, err := reg.StartFetch("tab-1", "golang", false)
	require.NoError(t, err)
	require.True(t, started)
	<-entered

	// Rename mid-flight; the new key's fetch completes first.
	id2, started, err := reg.StartFetch("tab-1", "rustlang", false)
	require.NoError(t, err)
	require.True(t, started)
	require.Eventually(t, func() bool { return listener.fetchDoneCount() == 1 },
		time.Second, 5*time.Millisecond)

	close(release)
	require.Eventually(t, func() bool {
		reg.mu.Lock()
		defer reg.mu.Unlock()
		return len(reg.handles) == 0
	}, time.Second, 5*time.Millisecond)

	// The superseded worker's completion must neither reach the listener nor
	// touch the tab's cursor.
	wantKey, err := news.BuildFetchKey("rustlang")
	require.NoError(t, err)
	state, ok := reg.FetchState("tab-1")
	require.True(t, ok)
	require.True(t, state.Key.Equal(wantKey))
	require.Equal(t, 101, state.NextStartIndex)
	require.Equal(t, 1, state.TotalFetched)

	listener.mu.Lock()
	delivered := append([]RequestID(nil), listener.fetchDone...)
	listener.mu.Unlock()
	require.Equal(t, []RequestID{id2}, delivered)
}

func TestCancelStopsCoalescedFetch(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	client := &stubClient{block: release}
	reg, listener, _ := newTestRegistry(t, client, Config{})

	id1, started, err := reg.StartFetch("tab-1", "golang", false)
	require.NoError(t, err)
	require.True(t, started)

	id2, started, err := reg.StartFetch("tab-2", "golang", false)
	require.NoError(t, err)
	require.False(t, started)
	require.Equal(t, id1, id2)

	// The coalescing tab may cancel the shared fetch; it belongs to the key,
	// not to whichever tab dispatched it first.
	require.Equal(t, 1, reg.Cancel("tab-2"))
	close(release)

	require.Eventually(t, func() bool {
		reg.mu.Lock()
		defer reg.mu.Unlock()
		return len(reg.handles) == 0
	}, time.Second, 5*time.Millisecond)
	require.False(t, reg.InFlight("golang"))
	require.Zero(t, listener.fetchDoneCount())
}

func TestCancelledQueryEmitsCancelledStage(t *testing.T) {
	t.Parallel()

	gate := make(chan struct{})
	store := &gatedStore{Store: storemem.New(), gate: gate}
	listener := &recordingListener{}
	emitter := &captureEmitter{}
	clock := &adjustableClock{t: time.Now()}
	reg := New(&stubClient{}, store, listener, clock, emitter, Config{}, zap.NewNop())
	t.Cleanup(func() { reg.Shutdown(time.Second) })

	_, err := reg.StartQuery("tab-1", "golang", QueryOptions{})
	require.NoError(t, err)
	_, err = reg.StartQuery("tab-1", "golang", QueryOptions{FilterText: "release"})
	require.NoError(t, err)

	// The superseded query was cancelled before it could finish; diagnostics
	// must distinguish that from a stale completion.
	require.Eventually(t, func() bool { return emitter.has(progress.StageQueryCancelled) },
		time.Second, 5*time.Millisecond)
	require.False(t, emitter.has(progress.StageQueryStale))

	close(gate)
	require.Eventually(t, func() bool { return listener.queryDoneCount() == 1 },
		time.Second, 5*time.Millisecond)
}

func TestCancelDuringBackoffStopsPromptly(t *testing.T) {
	t.Parallel()

	client := &stubClient{respond: func(int, int) (news.SearchPage, error) {
		return news.SearchPage{}, news.NewError(news.CodeRateLimited, "throttled", nil)
	}}
	reg, listener, _ := newTestRegistry(t, client, Config{
		Backoff: []time.Duration{10 * time.Second, 10 * time.Second},
	})

	_, started, err := reg.StartFetch("tab-1", "golang", false)
	require.NoError(t, err)
	require.True(t, started)

	require.Eventually(t, func() bool { return client.callCount() == 1 },
		time.Second, time.Millisecond)
	reg.Cancel("tab-1")

	require.Eventually(t, func() bool { return !reg.InFlight("golang") },
		time.Second, 5*time.Millisecond)
	require.Zero(t, listener.fetchDoneCount())
	require.Equal(t, 1, client.callCount())
}

func TestFetchFailureDelivered(t *testing.T) {
	t.Parallel()

	client := &stubClient{respond: func(int, int) (news.SearchPage, error) {
		return news.SearchPage{}, news.NewError(news.CodeRemoteRejected, "bad request", nil)
	}}
	reg, listener, _ := newTestRegistry(t, client, Config{})

	_, started, err := reg.StartFetch("tab-1", "golang", false)
	require.NoError(t, err)
	require.True(t, started)

	require.Eventually(t, func() bool {
		listener.mu.Lock()
		defer listener.mu.Unlock()
		return len(listener.fetchFailed) == 1
	}, time.Second, 5*time.Millisecond)

	listener.mu.Lock()
	failure := listener.fetchFailed[0]
	listener.mu.Unlock()
	require.Equal(t, news.CodeRemoteRejected, news.Classify(failure))
	// One attempt only: non-retryable failures never consume the schedule.
	require.Equal(t, 1, client.callCount())
}

func TestDedupeWindowSkipsRepeatFetch(t *testing.T) {
	t.Parallel()

	client := &stubClient{}
	reg, listener, clock := newTestRegistry(t, client, Config{DedupeWindow: time.Minute})

	_, started, err := reg.StartFetch("tab-1", "golang", false)
	require.NoError(t, err)
	require.True(t, started)
	require.Eventually(t, func() bool { return listener.fetchDoneCount() == 1 },
		time.Second, 5*time.Millisecond)

	_, started, err = reg.StartFetch("tab-1", "golang", false)
	require.NoError(t, err)
	require.False(t, started)
	require.Equal(t, 1, client.callCount())

	clock.advance(2 * time.Minute)
	_, started, err = reg.StartFetch("tab-1", "golang", false)
	require.NoError(t, err)
	require.True(t, started)
}

func TestLoadMoreStopsAtPageLimit(t *testing.T) {
	t.Parallel()

	client := &stubClient{respond: func(int, int) (news.SearchPage, error) {
		return news.SearchPage{Total: 5000, HasMore: true}, nil
	}}
	reg, listener, _ := newTestRegistry(t, client, Config{PageSize: 100, MaxStartIndex: 100})

	_, started, err := reg.StartFetch("tab-1", "golang", false)
	require.NoError(t, err)
	require.True(t, started)
	require.Eventually(t, func() bool { return listener.fetchDoneCount() == 1 },
		time.Second, 5*time.Millisecond)

	_, _, err = reg.StartFetch("tab-1", "golang", true)
	require.ErrorIs(t, err, ErrPageLimit)
}

func TestNewerQuerySupersedesOlder(t *testing.T) {
	t.Parallel()

	gate := make(chan struct{})
	store := &gatedStore{Store: storemem.New(), gate: gate}
	listener := &recordingListener{}
	clock := &adjustableClock{t: time.Now()}
	reg := New(&stubClient{}, store, listener, clock, nil, Config{}, zap.NewNop())
	t.Cleanup(func() { reg.Shutdown(time.Second) })

	_, err := reg.StartQuery("tab-1", "golang", QueryOptions{})
	require.NoError(t, err)
	id2, err := reg.StartQuery("tab-1", "golang", QueryOptions{FilterText: "release"})
	require.NoError(t, err)
	close(gate)

	require.Eventually(t, func() bool { return listener.queryDoneCount() >= 1 },
		time.Second, 5*time.Millisecond)

	// Only the newest query may report; the first was either cancelled or
	// suppressed as stale.
	listener.mu.Lock()
	delivered := append([]RequestID(nil), listener.queryDone...)
	listener.mu.Unlock()
	require.Equal(t, []RequestID{id2}, delivered)
}

func TestJobOutcomeDelivered(t *testing.T) {
	t.Parallel()

	client := &stubClient{}
	reg, listener, _ := newTestRegistry(t, client, Config{})

	_, err := reg.StartJob("maintenance", func(context.Context) (any, error) {
		return 42, nil
	})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return listener.jobDoneCount() == 1 },
		time.Second, 5*time.Millisecond)
}

func TestShutdownBoundedWithStuckWorker(t *testing.T) {
	t.Parallel()

	never := make(chan struct{})
	client := &stubClient{respond: func(int, int) (news.SearchPage, error) {
		<-never // ignores cancellation on purpose
		return news.SearchPage{}, nil
	}}
	listener := &recordingListener{}
	clock := &adjustableClock{t: time.Now()}
	reg := New(client, storemem.New(), listener, clock, nil, Config{}, zap.NewNop())

	_, started, err := reg.StartFetch("tab-1", "golang", false)
	require.NoError(t, err)
	require.True(t, started)
	require.Eventually(t, func() bool { return client.callCount() == 1 },
		time.Second, time.Millisecond)

	done := make(chan struct{})
	go func() {
		reg.Shutdown(50 * time.Millisecond)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("shutdown did not complete within bound")
	}

	_, _, err = reg.StartFetch("tab-1", "golang", false)
	require.ErrorIs(t, err, ErrRegistryClosed)
	close(never)
}
