// Package gcs implements a blob store backed by Google Cloud Storage.
package gcs

import (
	"context"
	"fmt"

	"cloud.google.com/go/storage"
	"go.uber.org/zap"
)

// BlobStore writes artifacts to a GCS bucket.
type BlobStore struct {
	Client     *storage.Client
	BucketName string

	logger *zap.Logger
}

// New initializes a GCS client and verifies the bucket is reachable.
// Authentication is handled via Google's Application Default Credentials.
func New(ctx context.Context, bucketName string, logger *zap.Logger) (*BlobStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS client: %w", err)
	}

	// Fail fast on startup if the bucket is missing or inaccessible.
	if _, err := client.Bucket(bucketName).Attrs(ctx); err != nil {
		if closeErr := client.Close(); closeErr != nil {
			logger.Warn("failed to close GCS client after bucket check failure", zap.Error(closeErr))
		}
		return nil, fmt.Errorf("failed to get GCS bucket %q attributes: %w", bucketName, err)
	}

	return &BlobStore{
		Client:     client,
		BucketName: bucketName,
		logger:     logger,
	}, nil
}

// PutObject uploads the data and returns a gs:// URI.
func (s *BlobStore) PutObject(ctx context.Context, path string, contentType string, data []byte) (string, error) {
	wc := s.Client.Bucket(s.BucketName).Object(path).NewWriter(ctx)
	if contentType != "" {
		wc.ContentType = contentType
	}

	if _, err := wc.Write(data); err != nil {
		// Close anyway to release the upload session; the write error is the
		// one worth reporting.
		if closeErr := wc.Close(); closeErr != nil && s.logger != nil {
			s.logger.Warn("failed to close GCS writer after write failure", zap.Error(closeErr))
		}
		return "", fmt.Errorf("failed to write GCS object %s: %w", path, err)
	}
	// Close finalizes the upload and flushes buffered data.
	if err := wc.Close(); err != nil {
		return "", fmt.Errorf("failed to close GCS writer for object %s: %w", path, err)
	}

	return fmt.Sprintf("gs://%s/%s", s.BucketName, path), nil
}

// Close releases the underlying client.
func (s *BlobStore) Close() error {
	return s.Client.Close()
}
