package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/twbeatles/navernews-tabsearch/internal/news"
	storemem "github.com/twbeatles/navernews-tabsearch/internal/store/memory"
)

type scriptedClient struct {
	mu      sync.Mutex
	calls   int
	results []func() (news.SearchPage, error)
}

func (c *scriptedClient) Search(context.Context, news.FetchKey, int, int) (news.SearchPage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	i := c.calls
	c.calls++
	if i >= len(c.results) {
		i = len(c.results) - 1
	}
	return c.results[i]()
}

func (c *scriptedClient) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func mustKey(t *testing.T, raw string) news.FetchKey {
	t.Helper()
	key, err := news.BuildFetchKey(raw)
	require.NoError(t, err)
	return key
}

func rateLimited() (news.SearchPage, error) {
	return news.SearchPage{}, news.NewError(news.CodeRateLimited, "throttled", nil)
}

func successPage() (news.SearchPage, error) {
	return news.SearchPage{
		Items: []news.Item{{Title: "Story", Link: "l1", PubDate: time.Now()}},
		Total: 1,
	}, nil
}

func TestFetchRetriesThenSucceeds(t *testing.T) {
	t.Parallel()

	client := &scriptedClient{results: []func() (news.SearchPage, error){
		rateLimited, rateLimited, successPage,
	}}
	var progress []string
	var mu sync.Mutex
	w := NewFetch(client, storemem.New(), mustKey(t, "golang"), FetchConfig{
		Backoff: []time.Duration{time.Millisecond, time.Millisecond, time.Millisecond},
	}, func(msg string) {
		mu.Lock()
		progress = append(progress, msg)
		mu.Unlock()
	}, zap.NewNop())

	out, err := w.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 3, out.Attempts)
	require.Equal(t, 1, out.Added)
	require.Equal(t, 3, client.callCount())

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, progress)
}

func TestFetchStopsOnFatalError(t *testing.T) {
	t.Parallel()

	client := &scriptedClient{results: []func() (news.SearchPage, error){
		func() (news.SearchPage, error) {
			return news.SearchPage{}, news.NewError(news.CodeRemoteRejected, "invalid parameter", nil)
		},
	}}
	w := NewFetch(client, storemem.New(), mustKey(t, "golang"), FetchConfig{
		Backoff: []time.Duration{time.Millisecond, time.Millisecond},
	}, nil, zap.NewNop())

	_, err := w.Run(context.Background())
	require.Error(t, err)
	require.Equal(t, news.CodeRemoteRejected, news.Classify(err))
	require.Equal(t, 1, client.callCount())
}

func TestFetchExhaustsSchedule(t *testing.T) {
	t.Parallel()

	client := &scriptedClient{results: []func() (news.SearchPage, error){rateLimited}}
	w := NewFetch(client, storemem.New(), mustKey(t, "golang"), FetchConfig{
		Backoff: []time.Duration{time.Millisecond, time.Millisecond},
	}, nil, zap.NewNop())

	_, err := w.Run(context.Background())
	require.Error(t, err)
	require.Equal(t, news.CodeRateLimited, news.Classify(err))
	require.Equal(t, 2, client.callCount())
}

func TestFetchCancelledDuringBackoff(t *testing.T) {
	t.Parallel()

	client := &scriptedClient{results: []func() (news.SearchPage, error){rateLimited}}
	w := NewFetch(client, storemem.New(), mustKey(t, "golang"), FetchConfig{
		Backoff: []time.Duration{10 * time.Second, 10 * time.Second},
	}, nil, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := w.Run(ctx)
		done <- err
	}()

	// Let the first attempt fail and the backoff sleep begin.
	require.Eventually(t, func() bool { return client.callCount() == 1 },
		time.Second, time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.ErrorIs(t, err, news.ErrCancelled)
	case <-time.After(time.Second):
		t.Fatal("worker did not stop during backoff")
	}
	require.Equal(t, 1, client.callCount())
}

func TestFetchCancelledBeforeStart(t *testing.T) {
	t.Parallel()

	client := &scriptedClient{results: []func() (news.SearchPage, error){successPage}}
	store := storemem.New()
	w := NewFetch(client, store, mustKey(t, "golang"), FetchConfig{}, nil, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := w.Run(ctx)
	require.ErrorIs(t, err, news.ErrCancelled)
	require.Zero(t, client.callCount())

	n, err := store.Count(context.Background(), "golang")
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestQueryWorkerReadsStore(t *testing.T) {
	t.Parallel()

	store := storemem.New()
	_, _, err := store.Upsert(context.Background(),
		[]news.Item{{Title: "Story", Link: "l1", PubDate: time.Now()}}, "golang")
	require.NoError(t, err)

	w := NewQuery(store, news.Query{Keyword: "golang"}, zap.NewNop())
	out, err := w.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, out.Rows, 1)
	require.Equal(t, 1, out.Total)
}

func TestQueryWorkerCancelled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	w := NewQuery(storemem.New(), news.Query{Keyword: "golang"}, zap.NewNop())
	_, err := w.Run(ctx)
	require.ErrorIs(t, err, news.ErrCancelled)
}

func TestJobWorkerRecoversPanic(t *testing.T) {
	t.Parallel()

	w := NewJob("exploding", func(context.Context) (any, error) {
		panic("boom")
	}, zap.NewNop())

	_, err := w.Run(context.Background())
	require.Error(t, err)
	require.Equal(t, news.CodeInternal, news.Classify(err))
}

func TestJobWorkerWrapsErrors(t *testing.T) {
	t.Parallel()

	sentinel := errors.New("disk full")
	w := NewJob("export", func(context.Context) (any, error) {
		return nil, sentinel
	}, zap.NewNop())

	_, err := w.Run(context.Background())
	require.ErrorIs(t, err, sentinel)

	w = NewJob("export", func(context.Context) (any, error) {
		return "done", nil
	}, zap.NewNop())
	result, err := w.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, "done", result)
}
