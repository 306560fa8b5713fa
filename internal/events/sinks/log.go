// Package sinks implements concrete event consumers: structured logging,
// Prometheus counters, run-store accounting, and Pub/Sub publishing. Each
// sink satisfies events.Sink and is safe for repeated Consume/Close cycles.
package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-cpi-indexer/internal/events"
)

// LogSink emits structured logs for debugging event streams. It is useful
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
func (s *LogSink) Consume(_ context.Context, batch []events.Event) error {
	for _, evt := range batch {
		s.logger.Info("pipeline event",
			zap.String("source", evt.Source),
			zap.Int64("epoch", evt.Epoch),
			zap.String("kind", string(evt.Kind)),
			zap.String("host", evt.Host),
			zap.String("url", evt.URL),
			zap.Int64("records", evt.Records),
			zap.Int64("bytes", evt.Bytes),
			zap.Int("status_code", evt.StatusCode),
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
