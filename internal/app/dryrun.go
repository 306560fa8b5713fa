package app

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-cpi-indexer/internal/indexer"
)

// dryRunRecordStore logs would-be writes instead of performing them. Reads
// pass through so the query API keeps working against whatever the wrapped
// store already holds.
type dryRunRecordStore struct {
	indexer.RecordStore
	logger *zap.Logger
}

func (s dryRunRecordStore) Put(_ context.Context, record indexer.Record) error {
	s.logger.Debug("dry run: record dropped",
		zap.String("id", record.ID),
		zap.String("source", record.Source),
		zap.String("name", record.Name),
		zap.Float64("regular_price", record.RegularPrice),
		zap.String("currency", record.Currency))
	return nil
}
