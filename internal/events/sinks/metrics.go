package sinks

import (
	"context"

	"github.com/JakeFAU/realtime-cpi-indexer/internal/events"
	"github.com/JakeFAU/realtime-cpi-indexer/internal/metrics"
)

// MetricsSink feeds the Prometheus task and record counters. It is the only
// consumer of those collectors so counting stays in one place regardless of
// how many other sinks are configured.
type MetricsSink struct{}

// NewMetricsSink constructs a MetricsSink.
func NewMetricsSink() *MetricsSink {
	return &MetricsSink{}
}

// Consume updates the collectors from the provided batch. It is safe for
// concurrent use.
func (s *MetricsSink) Consume(_ context.Context, batch []events.Event) error {
	for _, evt := range batch {
		switch evt.Kind {
		case events.KindSucceeded:
			metrics.ObserveTaskOutcome(evt.Source, "succeeded")
			metrics.ObserveRecords(evt.Source, int(evt.Records))
		case events.KindRetryScheduled:
			metrics.ObserveTaskOutcome(evt.Source, "retry_scheduled")
		case events.KindRetired:
			metrics.ObserveTaskOutcome(evt.Source, "retired")
		case events.KindStorageAlert:
			metrics.ObserveTaskOutcome(evt.Source, "storage_alert")
		}
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *MetricsSink) Close(context.Context) error {
	return nil
}
