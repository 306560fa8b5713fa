package sinks

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-cpi-indexer/internal/events"
	"github.com/JakeFAU/realtime-cpi-indexer/internal/indexer"
)

// StoreSink accumulates crawl-run counters via an indexer.RunStore. It
// collapses each batch into one delta per (source, epoch) to reduce write
// amplification.
type StoreSink struct {
	store  indexer.RunStore
	logger *zap.Logger
}

// NewStoreSink constructs a StoreSink for the provided run store.
func NewStoreSink(store indexer.RunStore, logger *zap.Logger) *StoreSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StoreSink{store: store, logger: logger}
}

type runKey struct {
	source string
	epoch  int64
}

// Consume collapses the batch into run deltas and applies them. It respects
// ctx deadlines and returns store errors verbatim.
func (s *StoreSink) Consume(ctx context.Context, batch []events.Event) error {
	if s == nil || s.store == nil {
		return nil
	}
	deltas := make(map[runKey]*indexer.RunDelta)
	for _, evt := range batch {
		key := runKey{source: evt.Source, epoch: evt.Epoch}
		delta := deltas[key]
		if delta == nil {
			delta = &indexer.RunDelta{Source: evt.Source, Epoch: evt.Epoch}
			deltas[key] = delta
		}
		applyEvent(delta, evt)
	}
	for _, delta := range deltas {
		if isEmpty(*delta) {
			continue
		}
		if err := s.store.Apply(ctx, *delta); err != nil {
			return fmt.Errorf("apply run delta: %w", err)
		}
	}
	return nil
}

func applyEvent(delta *indexer.RunDelta, evt events.Event) {
	switch evt.Kind {
	case events.KindDispatched:
		delta.Dispatched++
	case events.KindSucceeded:
		delta.Records += evt.Records
		delta.Bytes += evt.Bytes
	case events.KindRetryScheduled:
		delta.Retries++
		delta.Bytes += evt.Bytes
	case events.KindRetired, events.KindStorageAlert:
		delta.Failures++
		delta.Bytes += evt.Bytes
	}
	if evt.At.After(delta.At) {
		delta.At = evt.At
	}
}

func isEmpty(d indexer.RunDelta) bool {
	return d.Dispatched == 0 && d.Records == 0 && d.Retries == 0 &&
		d.Failures == 0 && d.Bytes == 0
}

// Close implements the Sink interface; it performs no action.
func (s *StoreSink) Close(context.Context) error {
	return nil
}
