package naver

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/twbeatles/navernews-tabsearch/internal/news"
)

func testClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New(Config{
		ClientID:     "id",
		ClientSecret: "secret",
		BaseURL:      srv.URL,
	}, zap.NewNop())
}

func key(t *testing.T, raw string) news.FetchKey {
	t.Helper()
	k, err := news.BuildFetchKey(raw)
	require.NoError(t, err)
	return k
}

func TestSearchParsesAndCleansItems(t *testing.T) {
	t.Parallel()

	var gotQuery, gotID, gotSecret string
	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.Query().Get("query")
		gotID = r.Header.Get("X-Naver-Client-Id")
		gotSecret = r.Header.Get("X-Naver-Client-Secret")
		require.Equal(t, "100", r.URL.Query().Get("display"))
		require.Equal(t, "1", r.URL.Query().Get("start"))
		require.Equal(t, "date", r.URL.Query().Get("sort"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"total": 250,
			"start": 1,
			"items": [
				{
					"title": "<b>Golang</b> 1.26 is out &amp; stable",
					"description": "release notes",
					"link": "https://n.news.naver.com/article/1",
					"originallink": "https://www.gopress.io/news/1",
					"pubDate": "Mon, 02 Mar 2026 09:30:00 +0900"
				},
				{
					"title": "sponsored promo",
					"description": "ad content",
					"link": "https://example.com/2",
					"originallink": "",
					"pubDate": "Mon, 02 Mar 2026 09:00:00 +0900"
				}
			]
		}`))
	})

	page, err := client.Search(context.Background(), key(t, "golang -promo"), 1, 100)
	require.NoError(t, err)
	require.Equal(t, "golang", gotQuery)
	require.Equal(t, "id", gotID)
	require.Equal(t, "secret", gotSecret)

	require.Equal(t, 250, page.Total)
	require.Equal(t, 1, page.Filtered)
	require.Len(t, page.Items, 1)
	require.True(t, page.HasMore)

	item := page.Items[0]
	require.Equal(t, "Golang 1.26 is out & stable", item.Title)
	require.Equal(t, "https://n.news.naver.com/article/1", item.Link)
	require.Equal(t, "gopress.io", item.Publisher)
	require.Equal(t, 2026, item.PubDate.Year())
}

func TestSearchRateLimit(t *testing.T) {
	t.Parallel()

	client := testClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	})

	_, err := client.Search(context.Background(), key(t, "golang"), 1, 100)
	require.Error(t, err)
	require.Equal(t, news.CodeRateLimited, news.Classify(err))
	require.True(t, news.Retryable(err))
}

func TestSearchServerErrorIsTransient(t *testing.T) {
	t.Parallel()

	client := testClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	_, err := client.Search(context.Background(), key(t, "golang"), 1, 100)
	require.Error(t, err)
	require.Equal(t, news.CodeTimeout, news.Classify(err))
	require.True(t, news.Retryable(err))
}

func TestSearchRemoteRejection(t *testing.T) {
	t.Parallel()

	client := testClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"errorMessage":"Incorrect query request","errorCode":"SE01"}`))
	})

	_, err := client.Search(context.Background(), key(t, "golang"), 1, 100)
	require.Error(t, err)
	require.Equal(t, news.CodeRemoteRejected, news.Classify(err))
	require.False(t, news.Retryable(err))
	require.Contains(t, err.Error(), "Incorrect query request")
	require.Contains(t, err.Error(), "SE01")
}

func TestSearchMalformedPayload(t *testing.T) {
	t.Parallel()

	client := testClient(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"total": "not-a-number"`))
	})

	_, err := client.Search(context.Background(), key(t, "golang"), 1, 100)
	require.Error(t, err)
	require.Equal(t, news.CodeMalformedPayload, news.Classify(err))
	require.False(t, news.Retryable(err))
}

func TestSearchHasMoreStopsAtAPILimit(t *testing.T) {
	t.Parallel()

	client := testClient(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"total": 99999, "start": 901, "items": []}`))
	})

	page, err := client.Search(context.Background(), key(t, "golang"), 901, 100)
	require.NoError(t, err)
	// 1001 exceeds the API's maximum start offset.
	require.False(t, page.HasMore)
}

func TestPreferredLinkFavorsNaverNews(t *testing.T) {
	t.Parallel()

	require.Equal(t, "https://news.naver.com/a",
		preferredLink("https://news.naver.com/a", "https://example.com/a"))
	require.Equal(t, "https://news.naver.com/b",
		preferredLink("https://example.com/b", "https://news.naver.com/b"))
	require.Equal(t, "https://example.com/c",
		preferredLink("https://example.com/c", "https://origin.com/c"))
	require.Equal(t, "https://origin.com/d", preferredLink("", "https://origin.com/d"))
}

func TestPublisherLabel(t *testing.T) {
	t.Parallel()

	require.Equal(t, "gopress.io", publisherLabel("https://www.gopress.io/n/1", ""))
	require.Equal(t, "naver-news", publisherLabel("", "https://n.news.naver.com/a/1"))
	require.Equal(t, "unknown", publisherLabel("", ""))
}

func TestSearchCancelled(t *testing.T) {
	t.Parallel()

	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := client.Search(ctx, key(t, "golang"), 1, 100)
	require.Error(t, err)
	require.True(t, news.Retryable(err) || news.Classify(err) == news.CodeTimeout)
}
