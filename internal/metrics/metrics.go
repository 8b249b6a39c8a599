// Package metrics exposes Prometheus collectors for the fetch engine.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	fetchesTotal        *prometheus.CounterVec
	fetchRetriesTotal   prometheus.Counter
	fetchesDeduped      prometheus.Counter
	staleCallbacksTotal *prometheus.CounterVec
	activeWorkers       prometheus.Gauge
	shutdownAbandoned   prometheus.Counter

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		fetchesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "newstab_fetches_total",
				Help: "Total fetch dispatches, labeled by terminal outcome.",
			},
			[]string{"outcome"},
		)

		fetchRetriesTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "newstab_fetch_retries_total",
				Help: "Total fetch attempts beyond the first.",
			},
		)

		fetchesDeduped = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "newstab_fetches_deduped_total",
				Help: "Fetch dispatches coalesced onto an in-flight request.",
			},
		)

		staleCallbacksTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "newstab_stale_callbacks_total",
				Help: "Worker callbacks dropped because the request was superseded.",
			},
			[]string{"kind"},
		)

		activeWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "newstab_active_workers",
				Help: "Current number of tracked worker goroutines.",
			},
		)

		shutdownAbandoned = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "newstab_shutdown_abandoned_total",
				Help: "Workers that did not stop within the shutdown bound.",
			},
		)
	})
}

// RecordFetchOutcome counts a terminal fetch outcome label.
func RecordFetchOutcome(outcome string) {
	if fetchesTotal != nil {
		fetchesTotal.WithLabelValues(outcome).Inc()
	}
}

// RecordFetchRetry counts one retry attempt.
func RecordFetchRetry() {
	if fetchRetriesTotal != nil {
		fetchRetriesTotal.Inc()
	}
}

// RecordFetchDeduped counts a coalesced dispatch.
func RecordFetchDeduped() {
	if fetchesDeduped != nil {
		fetchesDeduped.Inc()
	}
}

// RecordStaleCallback counts a suppressed callback for a worker kind.
func RecordStaleCallback(kind string) {
	if staleCallbacksTotal != nil {
		staleCallbacksTotal.WithLabelValues(kind).Inc()
	}
}

// WorkerStarted increments the active worker gauge.
func WorkerStarted() {
	if activeWorkers != nil {
		activeWorkers.Inc()
	}
}

// WorkerFinished decrements the active worker gauge.
func WorkerFinished() {
	if activeWorkers != nil {
		activeWorkers.Dec()
	}
}

// RecordShutdownAbandoned counts a worker abandoned at shutdown.
func RecordShutdownAbandoned() {
	if shutdownAbandoned != nil {
		shutdownAbandoned.Inc()
	}
}
