// Package checkpoint persists pipeline state on an interval and restores it
// after a restart, so a crash costs at most one snapshot window of work.
package checkpoint

import (
	"context"
	"errors"
	"time"

	"github.com/JakeFAU/realtime-cpi-indexer/internal/dedup"
	"github.com/JakeFAU/realtime-cpi-indexer/internal/indexer"
)

// FormatVersion tags the snapshot layout. Readers reject versions they do
// not understand and fall back to a cold start.
const FormatVersion = 1

// ErrNoCheckpoint is returned by stores when no snapshot has been persisted.
var ErrNoCheckpoint = errors.New("no checkpoint available")

// Snapshot is one consistent capture of recoverable pipeline state.
type Snapshot struct {
	FormatVersion int            `json:"format_version"`
	CapturedAt    time.Time      `json:"captured_at"`
	Frontier      []indexer.Task `json:"frontier"`
	Dedup         []dedup.Entry  `json:"dedup,omitempty"`
	InFlight      []indexer.Task `json:"in_flight,omitempty"`
}

// Store persists encoded snapshots durably. Implementations prune older
// snapshots once a newer one is safely written.
type Store interface {
	Save(ctx context.Context, data []byte, capturedAt time.Time) error
	LoadLatest(ctx context.Context) ([]byte, error)
}
