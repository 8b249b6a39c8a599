// Package progress defines the request lifecycle events emitted by the
// registry and fanned out to diagnostic sinks.
package progress

import (
	"errors"
	"fmt"
	"time"
)

// Stage denotes the lifecycle milestone an Event records.
type Stage string

// Supported stages. Stale and cancelled stages exist for diagnostics only;
// neither ever reaches the caller-facing listener.
const (
	StageFetchStart     Stage = "FETCH_START"
	StageFetchDone      Stage = "FETCH_DONE"
	StageFetchError     Stage = "FETCH_ERROR"
	StageFetchStale     Stage = "FETCH_STALE"
	StageFetchCancelled Stage = "FETCH_CANCELLED"
	StageQueryStart     Stage = "QUERY_START"
	StageQueryDone      Stage = "QUERY_DONE"
	StageQueryError     Stage = "QUERY_ERROR"
	StageQueryStale     Stage = "QUERY_STALE"
	StageQueryCancelled Stage = "QUERY_CANCELLED"
	StageJobStart       Stage = "JOB_START"
	StageJobDone        Stage = "JOB_DONE"
	StageJobError       Stage = "JOB_ERROR"
)

var knownStages = map[Stage]struct{}{
	StageFetchStart: {}, StageFetchDone: {}, StageFetchError: {},
	StageFetchStale: {}, StageFetchCancelled: {},
	StageQueryStart: {}, StageQueryDone: {}, StageQueryError: {},
	StageQueryStale: {}, StageQueryCancelled: {},
	StageJobStart: {}, StageJobDone: {}, StageJobError: {},
}

// Event captures a single milestone in a request's lifetime.
type Event struct {
	// TS is the UTC timestamp recorded by the emitter.
	TS time.Time
	// Stage denotes which milestone occurred.
	Stage Stage
	// RequestID correlates the event with a registry handle.
	RequestID uint64
	// TabID scopes the event to the owning tab; empty for jobs.
	TabID string
	// Term is the normalized search term, when the request has one.
	Term string
	// Added and Duplicates carry fetch completion counters.
	Added      int
	Duplicates int
	// Dur captures execution latency for terminal stages.
	Dur time.Duration
	// Note lets emitters attach low-volume context (error text, job name).
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	if e.RequestID == 0 {
		return errors.New("request id is required")
	}
	if _, ok := knownStages[e.Stage]; !ok {
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// Terminal reports whether the stage ends a request's lifetime.
func (e Event) Terminal() bool {
	switch e.Stage {
	case StageFetchStart, StageQueryStart, StageJobStart:
		return false
	default:
		return true
	}
}
