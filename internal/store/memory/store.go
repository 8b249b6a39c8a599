// Package memory provides an in-memory article store for development and
// tests. It mirrors the Postgres store's semantics exactly.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/twbeatles/navernews-tabsearch/internal/news"
)

// Store keeps articles in process memory, keyed by (keyword, link).
type Store struct {
	mu    sync.RWMutex
	items map[string]*news.StoredItem
	order []string
}

// New returns an empty store.
func New() *Store {
	return &Store{items: make(map[string]*news.StoredItem)}
}

func storeKey(keyword, link string) string {
	return keyword + "\x00" + link
}

// Upsert inserts items under the keyword. Existing (keyword, link) rows are
// counted as duplicates and left untouched so read/bookmark flags survive
// refreshes. New rows whose normalized title is already present for the
// keyword are flagged as near-duplicates.
func (s *Store) Upsert(ctx context.Context, items []news.Item, keyword string) (int, int, error) {
	if err := ctx.Err(); err != nil {
		return 0, 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	seenTitles := make(map[string]bool)
	for _, it := range s.items {
		if it.Keyword == keyword {
			seenTitles[news.TitleHash(it.Title)] = true
		}
	}

	added, duplicates := 0, 0
	now := time.Now().UTC()
	for _, item := range items {
		k := storeKey(keyword, item.Link)
		if _, ok := s.items[k]; ok {
			duplicates++
			continue
		}
		hash := news.TitleHash(item.Title)
		s.items[k] = &news.StoredItem{
			Item:        item,
			Keyword:     keyword,
			IsDuplicate: seenTitles[hash],
			CreatedAt:   now,
		}
		seenTitles[hash] = true
		s.order = append(s.order, k)
		added++
	}
	return added, duplicates, nil
}

// Search returns rows matching the query and the unfiltered article count for
// the query's keyword.
func (s *Store) Search(ctx context.Context, q news.Query) ([]news.StoredItem, int, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	total := 0
	var out []news.StoredItem
	for _, k := range s.order {
		it := s.items[k]
		if q.Keyword != "" && it.Keyword != q.Keyword {
			continue
		}
		total++
		if !matches(it, q) {
			continue
		}
		out = append(out, *it)
	}
	sortItems(out, q.Sort)
	return out, total, nil
}

func matches(it *news.StoredItem, q news.Query) bool {
	if q.OnlyBookmarked && !it.Bookmarked {
		return false
	}
	if q.OnlyUnread && it.Read {
		return false
	}
	if q.HideDuplicates && it.IsDuplicate {
		return false
	}
	if q.StartDate != nil && it.PubDate.Before(*q.StartDate) {
		return false
	}
	if q.EndDate != nil && it.PubDate.After(*q.EndDate) {
		return false
	}
	title := strings.ToLower(it.Title)
	desc := strings.ToLower(it.Description)
	if q.FilterText != "" {
		f := strings.ToLower(q.FilterText)
		if !strings.Contains(title, f) && !strings.Contains(desc, f) {
			return false
		}
	}
	for _, word := range q.ExcludeWords {
		w := strings.ToLower(word)
		if strings.Contains(title, w) || strings.Contains(desc, w) {
			return false
		}
	}
	return true
}

func sortItems(items []news.StoredItem, mode news.SortMode) {
	switch mode {
	case news.SortOldest:
		sort.SliceStable(items, func(i, j int) bool {
			return items[i].PubDate.Before(items[j].PubDate)
		})
	case news.SortPublisher:
		sort.SliceStable(items, func(i, j int) bool {
			if items[i].Publisher != items[j].Publisher {
				return items[i].Publisher < items[j].Publisher
			}
			return items[i].PubDate.After(items[j].PubDate)
		})
	default:
		sort.SliceStable(items, func(i, j int) bool {
			return items[i].PubDate.After(items[j].PubDate)
		})
	}
}

// Count returns the number of stored articles for the keyword; an empty
// keyword counts everything.
func (s *Store) Count(ctx context.Context, keyword string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if keyword == "" {
		return len(s.items), nil
	}
	n := 0
	for _, it := range s.items {
		if it.Keyword == keyword {
			n++
		}
	}
	return n, nil
}

// UnreadCount returns the number of unread articles for the keyword; it backs
// the tab badge, so the keyword must come from the tab's normalized key.
func (s *Store) UnreadCount(ctx context.Context, keyword string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, it := range s.items {
		if it.Read {
			continue
		}
		if keyword == "" || it.Keyword == keyword {
			n++
		}
	}
	return n, nil
}

// MarkRead sets the read flag on one article.
func (s *Store) MarkRead(ctx context.Context, keyword, link string, read bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if it, ok := s.items[storeKey(keyword, link)]; ok {
		it.Read = read
	}
	return nil
}

// SetBookmark sets the bookmark flag on one article.
func (s *Store) SetBookmark(ctx context.Context, keyword, link string, bookmarked bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if it, ok := s.items[storeKey(keyword, link)]; ok {
		it.Bookmarked = bookmarked
	}
	return nil
}

// PurgeOlderThan deletes unbookmarked articles stored before the cutoff.
func (s *Store) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	kept := s.order[:0]
	for _, k := range s.order {
		it := s.items[k]
		if it.CreatedAt.Before(cutoff) && !it.Bookmarked {
			delete(s.items, k)
			removed++
			continue
		}
		kept = append(kept, k)
	}
	s.order = kept
	return removed, nil
}

// Snapshot returns a copy of every stored article in insertion order.
func (s *Store) Snapshot(ctx context.Context) ([]news.StoredItem, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]news.StoredItem, 0, len(s.order))
	for _, k := range s.order {
		out = append(out, *s.items[k])
	}
	return out, nil
}
