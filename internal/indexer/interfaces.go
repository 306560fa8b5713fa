package indexer

import (
	"context"
	"time"
)

// RecordStore persists extracted records. Put must be idempotent: writing the
// same record ID twice replaces rather than duplicates.
type RecordStore interface {
	Put(ctx context.Context, record Record) error
	Get(ctx context.Context, id string) (Record, error)
	Exists(ctx context.Context, id string) (bool, error)
	Query(ctx context.Context, filter RecordFilter) ([]Record, error)
	Count(ctx context.Context, filter RecordFilter) (int64, error)
}

// RecordFilter narrows record queries. Zero values mean no constraint.
type RecordFilter struct {
	Source        string
	Category      string
	NameLike      string
	ObservedAfter time.Time
	Limit         int
	Offset        int
}

// RunStore accumulates per-(source, epoch) crawl counters.
type RunStore interface {
	Apply(ctx context.Context, delta RunDelta) error
	Get(ctx context.Context, source string, epoch int64) (Run, error)
	List(ctx context.Context, source string, limit, offset int) ([]Run, error)
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data []byte) (string, error)
}

// Fetcher fetches a URL and returns the body plus metadata.
type Fetcher interface {
	Fetch(ctx context.Context, request FetchRequest) (FetchResponse, error)
}

// Extractor turns one response body into records and discovered tasks.
type Extractor interface {
	Extract(ctx context.Context, body []byte, task Task) (Extraction, error)
}

// Gate is the politeness check consulted before dispatch. TryAcquire never
// blocks; a false return leaves the decision with the caller.
type Gate interface {
	TryAcquire(host string, now time.Time) bool
	Penalize(host string, until time.Time)
}

// Hasher computes digests for archive paths and integrity checks.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}
