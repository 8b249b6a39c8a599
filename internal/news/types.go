// Package news defines core types shared across subsystems.
package news

import (
	"strings"
	"time"
)

// Item is a single cleaned article returned by the remote search API.
type Item struct {
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Link        string    `json:"link"`
	Publisher   string    `json:"publisher"`
	PubDate     time.Time `json:"pub_date"`
}

// StoredItem is an Item as persisted, with read/bookmark state.
type StoredItem struct {
	Item
	Keyword     string    `json:"keyword"`
	Read        bool      `json:"read"`
	Bookmarked  bool      `json:"bookmarked"`
	IsDuplicate bool      `json:"is_duplicate"`
	CreatedAt   time.Time `json:"created_at"`
}

// SearchPage is one page of raw results from the remote API.
type SearchPage struct {
	Items    []Item
	Total    int
	Filtered int
	HasMore  bool
}

// SortMode orders query results.
type SortMode string

// Supported query sort modes.
const (
	SortNewest    SortMode = "newest"
	SortOldest    SortMode = "oldest"
	SortPublisher SortMode = "publisher"
)

// Query describes one read against the store. Keyword and ExcludeWords must
// come from the same FetchKey used for dispatch so filtering matches the
// partition the fetch path wrote into.
type Query struct {
	Keyword        string
	FilterText     string
	Sort           SortMode
	OnlyBookmarked bool
	OnlyUnread     bool
	HideDuplicates bool
	ExcludeWords   []string
	StartDate      *time.Time
	EndDate        *time.Time
}

// FetchKey is the normalized identity of a logical search: lowercased first
// search token plus the sorted, deduplicated exclusion set. Two raw queries
// that differ only in exclusion order, casing, or surrounding whitespace
// produce an equal FetchKey.
type FetchKey struct {
	Term       string
	Exclusions []string
}

// String renders the canonical form used for slot and partition keys.
func (k FetchKey) String() string {
	if len(k.Exclusions) == 0 {
		return k.Term
	}
	return k.Term + "|" + strings.Join(k.Exclusions, "|")
}

// Equal reports whether two keys identify the same logical search.
func (k FetchKey) Equal(other FetchKey) bool {
	if k.Term != other.Term || len(k.Exclusions) != len(other.Exclusions) {
		return false
	}
	for i := range k.Exclusions {
		if k.Exclusions[i] != other.Exclusions[i] {
			return false
		}
	}
	return true
}

// Zero reports whether the key is the zero value (no term).
func (k FetchKey) Zero() bool {
	return k.Term == ""
}
