package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"

	"go.uber.org/zap"
)

// GCSStore persists snapshots as objects under a prefix in a GCS bucket.
// Object names reuse the local naming scheme, so lexical order is
// chronological and LoadLatest needs no metadata queries.
type GCSStore struct {
	client *storage.Client
	bucket string
	prefix string
	keep   int
	logger *zap.Logger
}

// NewGCSStore verifies bucket access and returns the store. Authentication
// uses Application Default Credentials.
func NewGCSStore(ctx context.Context, bucket, prefix string, keep int, logger *zap.Logger) (*GCSStore, error) {
	if bucket == "" {
		return nil, fmt.Errorf("checkpoint bucket is required")
	}
	if keep <= 0 {
		keep = defaultKeep
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("create GCS client: %w", err)
	}
	if _, err := client.Bucket(bucket).Attrs(ctx); err != nil {
		if closeErr := client.Close(); closeErr != nil {
			logger.Warn("close GCS client after bucket check failure", zap.Error(closeErr))
		}
		return nil, fmt.Errorf("check checkpoint bucket %q: %w", bucket, err)
	}
	return &GCSStore{
		client: client,
		bucket: bucket,
		prefix: strings.Trim(prefix, "/"),
		keep:   keep,
		logger: logger,
	}, nil
}

func (s *GCSStore) objectName(capturedAt time.Time) string {
	name := checkpointName(capturedAt)
	if s.prefix == "" {
		return name
	}
	return s.prefix + "/" + name
}

// Save implements Store. GCS object writes are atomic on Close, so a
// half-written upload never becomes visible.
func (s *GCSStore) Save(ctx context.Context, data []byte, capturedAt time.Time) error {
	wc := s.client.Bucket(s.bucket).Object(s.objectName(capturedAt)).NewWriter(ctx)
	wc.ContentType = "application/json"
	if _, err := wc.Write(data); err != nil {
		if closeErr := wc.Close(); closeErr != nil {
			s.logger.Warn("close GCS writer after write failure", zap.Error(closeErr))
		}
		return fmt.Errorf("write checkpoint object: %w", err)
	}
	if err := wc.Close(); err != nil {
		return fmt.Errorf("finalize checkpoint object: %w", err)
	}
	s.prune(ctx)
	return nil
}

// LoadLatest implements Store: the newest readable object wins.
func (s *GCSStore) LoadLatest(ctx context.Context) ([]byte, error) {
	names, err := s.listCheckpoints(ctx)
	if err != nil {
		return nil, err
	}
	for i := len(names) - 1; i >= 0; i-- {
		data, err := s.readObject(ctx, names[i])
		if err == nil {
			return data, nil
		}
		if ctx.Err() != nil {
			return nil, fmt.Errorf("read checkpoint object: %w", ctx.Err())
		}
		s.logger.Warn("skip unreadable checkpoint object",
			zap.String("name", names[i]), zap.Error(err))
	}
	return nil, ErrNoCheckpoint
}

func (s *GCSStore) readObject(ctx context.Context, name string) ([]byte, error) {
	rc, err := s.client.Bucket(s.bucket).Object(name).NewReader(ctx)
	if err != nil {
		return nil, err
	}
	defer func() {
		if closeErr := rc.Close(); closeErr != nil {
			s.logger.Warn("close checkpoint reader failed", zap.Error(closeErr))
		}
	}()
	return io.ReadAll(rc)
}

func (s *GCSStore) listCheckpoints(ctx context.Context) ([]string, error) {
	query := &storage.Query{Prefix: s.prefix}
	it := s.client.Bucket(s.bucket).Objects(ctx, query)
	var names []string
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("list checkpoint objects: %w", err)
		}
		base := attrs.Name
		if idx := strings.LastIndex(base, "/"); idx >= 0 {
			base = base[idx+1:]
		}
		if !strings.HasPrefix(base, checkpointPrefix) || !strings.HasSuffix(base, checkpointSuffix) {
			continue
		}
		names = append(names, attrs.Name)
	}
	sort.Strings(names)
	return names, nil
}

func (s *GCSStore) prune(ctx context.Context) {
	names, err := s.listCheckpoints(ctx)
	if err != nil {
		s.logger.Warn("list checkpoints for prune failed", zap.Error(err))
		return
	}
	if len(names) <= s.keep {
		return
	}
	for _, name := range names[:len(names)-s.keep] {
		if err := s.client.Bucket(s.bucket).Object(name).Delete(ctx); err != nil {
			s.logger.Warn("prune checkpoint object failed",
				zap.String("name", name), zap.Error(err))
		}
	}
}

// Close releases the underlying client.
func (s *GCSStore) Close() error {
	return s.client.Close()
}
