package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/twbeatles/navernews-tabsearch/internal/progress"
)

// PrometheusSink exports request lifecycle metrics via Prometheus. It owns
// the collectors for requests started/completed/in-flight and per-term fetch
// counters; the registry's own hot-path gauges live in internal/metrics.
type PrometheusSink struct {
	requestsStarted   *prometheus.CounterVec
	requestsCompleted *prometheus.CounterVec
	requestsInFlight  prometheus.Gauge
	requestRuntime    *prometheus.HistogramVec
	articlesAdded     prometheus.Counter
	articlesDuplicate prometheus.Counter

	tracker *requestTracker
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		requestsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "newstab_requests_started_total",
			Help: "Total requests dispatched, partitioned by kind.",
		}, []string{"kind"}),
		requestsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "newstab_requests_completed_total",
			Help: "Total requests completed, partitioned by kind and result.",
		}, []string{"kind", "result"}),
		requestsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "newstab_requests_in_flight",
			Help: "Current number of in-flight requests.",
		}),
		requestRuntime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "newstab_request_runtime_seconds",
			Help:    "Wall time per completed request.",
			Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"kind", "result"}),
		articlesAdded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "newstab_articles_added_total",
			Help: "Articles newly stored by fetch completions.",
		}),
		articlesDuplicate: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "newstab_articles_duplicate_total",
			Help: "Articles skipped as duplicates by fetch completions.",
		}),
		tracker: newRequestTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.requestsStarted,
		s.requestsCompleted,
		s.requestsInFlight,
		s.requestRuntime,
		s.articlesAdded,
		s.articlesDuplicate,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the Prometheus collectors using the provided batch. It is
// safe for concurrent use by multiple goroutines.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		s.consumeEvent(evt)
	}
	return nil
}

func (s *PrometheusSink) consumeEvent(evt progress.Event) {
	kind, result := classify(evt.Stage)
	if kind == "" {
		return
	}
	if result == "" {
		s.requestsStarted.WithLabelValues(kind).Inc()
		if s.tracker.start(evt.RequestID) {
			s.requestsInFlight.Inc()
		}
		return
	}
	s.requestsCompleted.WithLabelValues(kind, result).Inc()
	if evt.Dur > 0 {
		s.requestRuntime.WithLabelValues(kind, result).Observe(evt.Dur.Seconds())
	}
	if evt.Stage == progress.StageFetchDone {
		s.articlesAdded.Add(float64(evt.Added))
		s.articlesDuplicate.Add(float64(evt.Duplicates))
	}
	if s.tracker.complete(evt.RequestID) {
		s.requestsInFlight.Dec()
	}
}

// classify maps a stage to its kind label and result label; result is empty
// for start stages.
func classify(stage progress.Stage) (kind, result string) {
	switch stage {
	case progress.StageFetchStart:
		return "fetch", ""
	case progress.StageFetchDone:
		return "fetch", "success"
	case progress.StageFetchError:
		return "fetch", "error"
	case progress.StageFetchStale:
		return "fetch", "stale"
	case progress.StageFetchCancelled:
		return "fetch", "cancelled"
	case progress.StageQueryStart:
		return "query", ""
	case progress.StageQueryDone:
		return "query", "success"
	case progress.StageQueryError:
		return "query", "error"
	case progress.StageQueryStale:
		return "query", "stale"
	case progress.StageQueryCancelled:
		return "query", "cancelled"
	case progress.StageJobStart:
		return "job", ""
	case progress.StageJobDone:
		return "job", "success"
	case progress.StageJobError:
		return "job", "error"
	default:
		return "", ""
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

type requestTracker struct {
	mu      sync.Mutex
	running map[uint64]struct{}
}

func newRequestTracker() *requestTracker {
	return &requestTracker{running: make(map[uint64]struct{})}
}

func (t *requestTracker) start(id uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; ok {
		return false
	}
	t.running[id] = struct{}{}
	return true
}

func (t *requestTracker) complete(id uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; !ok {
		return false
	}
	delete(t.running, id)
	return true
}
