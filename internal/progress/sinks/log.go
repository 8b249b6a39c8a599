// Package sinks provides Sink implementations for the progress hub.
package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/twbeatles/navernews-tabsearch/internal/progress"
)

// LogSink emits structured logs for request lifecycle streams. It is useful
// during development or audits where a durable store is unavailable.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a Zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs each event in the batch using structured fields.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		s.logger.Info("request lifecycle event",
			zap.Uint64("request_id", evt.RequestID),
			zap.String("stage", string(evt.Stage)),
			zap.String("tab_id", evt.TabID),
			zap.String("term", evt.Term),
			zap.Int("added", evt.Added),
			zap.Int("duplicates", evt.Duplicates),
			zap.Duration("dur", evt.Dur),
			zap.String("note", evt.Note),
		)
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
