// Package dedup tracks fingerprint admission state for the crawl pipeline.
// The store is the single serialization point deciding which task identities
// may be queued or fetched; the frontier keeps only a queue-membership hint.
package dedup

import (
	"context"
	"time"
)

// State is the lifecycle position of a fingerprint.
type State string

// Fingerprint states. Transitions are monotonic per epoch:
// Pending -> InFlight -> {Done | FailedTerminal}. A terminal fingerprint
// re-enters Pending only through an epoch-bumped re-seed or retention
// eviction.
const (
	StatePending        State = "pending"
	StateInFlight       State = "in_flight"
	StateDone           State = "done"
	StateFailedTerminal State = "failed_terminal"
)

// Entry is one fingerprint's admission record.
type Entry struct {
	Fingerprint string    `json:"fingerprint"`
	State       State     `json:"state"`
	Epoch       int64     `json:"epoch"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Store is the admission contract shared by the in-memory and Redis
// implementations. All methods are safe for concurrent use.
type Store interface {
	// MarkPending admits a fingerprint to the queue. It returns true when the
	// fingerprint was absent, previously evicted, or terminal with a lower
	// epoch than the one offered; it returns false (a push no-op) when the
	// fingerprint is already Pending or InFlight, or terminal at the same or
	// a newer epoch.
	MarkPending(ctx context.Context, fingerprint string, epoch int64, now time.Time) (bool, error)

	// TryAdmit flips a fingerprint to InFlight with compare-and-set
	// semantics: exactly one of any number of concurrent callers wins.
	// Admission succeeds from absent or Pending and fails otherwise.
	TryAdmit(ctx context.Context, fingerprint string, now time.Time) (bool, error)

	// Release returns an InFlight fingerprint to Pending (politeness
	// deferral, crash recovery). Any other state is left untouched.
	Release(ctx context.Context, fingerprint string, now time.Time) error

	MarkDone(ctx context.Context, fingerprint string, now time.Time) error
	MarkFailedTerminal(ctx context.Context, fingerprint string, now time.Time) error

	// Contains reports the fingerprint's state, if any.
	Contains(ctx context.Context, fingerprint string) (State, bool, error)

	// Delete forgets a fingerprint entirely (frontier removal).
	Delete(ctx context.Context, fingerprint string) error

	// EvictExpired drops terminal entries older than the retention window,
	// permitting future re-seeding. It returns the number evicted.
	EvictExpired(ctx context.Context, now time.Time) (int, error)

	Len(ctx context.Context) (int, error)
}

// Snapshotter is implemented by stores whose entries live only in process
// memory and therefore belong in checkpoints. Externally durable stores
// (Redis) do not implement it.
type Snapshotter interface {
	SnapshotEntries(ctx context.Context) ([]Entry, error)
	RestoreEntries(ctx context.Context, entries []Entry) error
}
