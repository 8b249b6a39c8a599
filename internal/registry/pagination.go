package registry

import (
	"time"

	"github.com/twbeatles/navernews-tabsearch/internal/news"
)

// TabFetchState tracks how far into the paginated result set a tab has read.
// It is created on the first fetch for a tab, reset whenever the tab's
// FetchKey changes (a rename that alters term or exclusions), and advanced
// only on the fetch success delivery path, which the registry serializes per
// key. NextStartIndex is the offset the next load-more fetch should use.
type TabFetchState struct {
	Key            news.FetchKey
	NextStartIndex int
	TotalFetched   int
	DuplicateCount int
	LastFetchedAt  time.Time
}

func newTabFetchState(key news.FetchKey) *TabFetchState {
	return &TabFetchState{Key: key, NextStartIndex: 1}
}

// advance moves the cursor past a completed page and accumulates counters.
func (s *TabFetchState) advance(startIndex, pageSize, added, duplicates int, now time.Time) {
	s.NextStartIndex = startIndex + pageSize
	s.TotalFetched += added
	s.DuplicateCount += duplicates
	s.LastFetchedAt = now
}
