// Package notify fans request outcomes out to interested parties: the API's
// result hub, the Pub/Sub bridge, and anything else that registers.
package notify

import (
	"github.com/twbeatles/navernews-tabsearch/internal/registry"
	"github.com/twbeatles/navernews-tabsearch/internal/worker"
)

// Fanout delivers every listener callback to each wrapped listener in order.
// The set is fixed at construction; delivery order matches registration order.
type Fanout struct {
	listeners []registry.Listener
}

// NewFanout wraps the given listeners. Nil entries are skipped.
func NewFanout(listeners ...registry.Listener) *Fanout {
	f := &Fanout{}
	for _, l := range listeners {
		if l != nil {
			f.listeners = append(f.listeners, l)
		}
	}
	return f
}

func (f *Fanout) FetchDone(tabID string, id registry.RequestID, out worker.FetchOutcome) {
	for _, l := range f.listeners {
		l.FetchDone(tabID, id, out)
	}
}

func (f *Fanout) FetchFailed(tabID string, id registry.RequestID, err error) {
	for _, l := range f.listeners {
		l.FetchFailed(tabID, id, err)
	}
}

func (f *Fanout) QueryDone(tabID string, id registry.RequestID, out worker.QueryOutcome) {
	for _, l := range f.listeners {
		l.QueryDone(tabID, id, out)
	}
}

func (f *Fanout) QueryFailed(tabID string, id registry.RequestID, err error) {
	for _, l := range f.listeners {
		l.QueryFailed(tabID, id, err)
	}
}

func (f *Fanout) JobDone(name string, id registry.RequestID, result any) {
	for _, l := range f.listeners {
		l.JobDone(name, id, result)
	}
}

func (f *Fanout) JobFailed(name string, id registry.RequestID, err error) {
	for _, l := range f.listeners {
		l.JobFailed(name, id, err)
	}
}

func (f *Fanout) Progress(tabID string, id registry.RequestID, message string) {
	for _, l := range f.listeners {
		l.Progress(tabID, id, message)
	}
}
