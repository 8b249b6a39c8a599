package api

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/twbeatles/navernews-tabsearch/internal/news"
	"github.com/twbeatles/navernews-tabsearch/internal/refresh"
)

// ErrTabNotFound is returned for operations on unknown tab IDs.
var ErrTabNotFound = errors.New("tab not found")

// Tab is one keyword search tab.
type Tab struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Query     string    `json:"query"`
	CreatedAt time.Time `json:"created_at"`
}

// TabSet is the in-process table of open tabs.
type TabSet struct {
	clock news.Clock

	mu   sync.RWMutex
	tabs map[string]Tab
}

// NewTabSet returns an empty tab set.
func NewTabSet(clock news.Clock) *TabSet {
	return &TabSet{clock: clock, tabs: make(map[string]Tab)}
}

// Create validates the query, assigns an ID, and registers the tab. The name
// defaults to the query when empty.
func (ts *TabSet) Create(name, query string) (Tab, error) {
	if _, err := news.BuildFetchKey(query); err != nil {
		return Tab{}, err
	}
	if name == "" {
		name = query
	}
	tab := Tab{
		ID:        uuid.NewString(),
		Name:      name,
		Query:     query,
		CreatedAt: ts.clock.Now(),
	}
	ts.mu.Lock()
	ts.tabs[tab.ID] = tab
	ts.mu.Unlock()
	return tab, nil
}

// Update changes a tab's name and/or query. Empty fields are left unchanged.
func (ts *TabSet) Update(id, name, query string) (Tab, error) {
	if query != "" {
		if _, err := news.BuildFetchKey(query); err != nil {
			return Tab{}, err
		}
	}
	ts.mu.Lock()
	defer ts.mu.Unlock()
	tab, ok := ts.tabs[id]
	if !ok {
		return Tab{}, ErrTabNotFound
	}
	if name != "" {
		tab.Name = name
	}
	if query != "" {
		tab.Query = query
	}
	ts.tabs[id] = tab
	return tab, nil
}

// Get returns the tab for id.
func (ts *TabSet) Get(id string) (Tab, bool) {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	tab, ok := ts.tabs[id]
	return tab, ok
}

// Remove drops the tab; it reports whether the tab existed.
func (ts *TabSet) Remove(id string) bool {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if _, ok := ts.tabs[id]; !ok {
		return false
	}
	delete(ts.tabs, id)
	return true
}

// List returns all tabs ordered by creation time.
func (ts *TabSet) List() []Tab {
	ts.mu.RLock()
	out := make([]Tab, 0, len(ts.tabs))
	for _, tab := range ts.tabs {
		out = append(out, tab)
	}
	ts.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Tabs adapts the set to the refresh scheduler's provider contract.
func (ts *TabSet) Tabs() []refresh.Tab {
	tabs := ts.List()
	out := make([]refresh.Tab, 0, len(tabs))
	for _, t := range tabs {
		out = append(out, refresh.Tab{ID: t.ID, Query: t.Query})
	}
	return out
}
