package news

import (
	"context"
	"time"
)

// Store persists articles keyed by search term. Implementations must be safe
// for concurrent use by workers on distinct keys; retry policy lives entirely
// in the fetch worker, never here.
type Store interface {
	Upsert(ctx context.Context, items []Item, keyword string) (added, duplicates int, err error)
	Search(ctx context.Context, q Query) ([]StoredItem, int, error)
	Count(ctx context.Context, keyword string) (int, error)
	UnreadCount(ctx context.Context, keyword string) (int, error)
	MarkRead(ctx context.Context, keyword, link string, read bool) error
	SetBookmark(ctx context.Context, keyword, link string, bookmarked bool) error
	PurgeOlderThan(ctx context.Context, cutoff time.Time) (int, error)
	Snapshot(ctx context.Context) ([]StoredItem, error)
}

// SearchClient issues one remote call against the news search API.
type SearchClient interface {
	Search(ctx context.Context, key FetchKey, startIndex, pageSize int) (SearchPage, error)
}

// Publisher pushes completion and alert events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// BlobStore writes raw artifacts (backup snapshots) and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}
