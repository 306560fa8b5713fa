// Package worker executes fetch tasks and classifies their outcomes.
package worker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-cpi-indexer/internal/indexer"
	"github.com/JakeFAU/realtime-cpi-indexer/internal/metrics"
)

// Config controls Worker behavior.
type Config struct {
	ContentType string
	BlobPrefix  string
	// ArchiveBodies archives successful response bodies too; unparseable
	// bodies are always archived.
	ArchiveBodies bool
}

// Worker fetches one task at a time and turns the response into an Outcome.
// Workers never touch shared crawl state; every side effect the coordinator
// must act on travels back inside the Outcome.
type Worker struct {
	fetcher   indexer.Fetcher
	extractor indexer.Extractor
	blobStore indexer.BlobStore
	hasher    indexer.Hasher
	clock     indexer.Clock
	cfg       Config
	logger    *zap.Logger
}

// New constructs a Worker.
func New(
	fetcher indexer.Fetcher,
	extractor indexer.Extractor,
	blobStore indexer.BlobStore,
	hasher indexer.Hasher,
	clock indexer.Clock,
	cfg Config,
	logger *zap.Logger,
) *Worker {
	if cfg.ContentType == "" {
		cfg.ContentType = "application/octet-stream"
	}
	return &Worker{
		fetcher:   fetcher,
		extractor: extractor,
		blobStore: blobStore,
		hasher:    hasher,
		clock:     clock,
		cfg:       cfg,
		logger:    logger,
	}
}

// Process executes one task end to end and returns its outcome.
func (w *Worker) Process(ctx context.Context, task indexer.Task) indexer.Outcome {
	resp, err := w.fetcher.Fetch(ctx, indexer.FetchRequest{
		URL:     task.URL,
		Host:    task.Host,
		Headers: headerFromMap(task.Payload.Headers),
	})
	if err != nil {
		return w.classifyFetchError(task, err)
	}

	metrics.ObserveFetch(task.Host, resp.Duration, len(resp.Body))

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		w.logger.Warn("fetch rate limited",
			zap.String("source", task.Source), zap.String("url", task.URL))
		return indexer.Outcome{
			Kind:       indexer.OutcomeRateLimited,
			StatusCode: resp.StatusCode,
			RetryAfter: w.parseRetryAfter(resp.Headers),
			BodyBytes:  int64(len(resp.Body)),
			Duration:   resp.Duration,
		}
	case resp.StatusCode >= http.StatusInternalServerError:
		w.logger.Warn("fetch returned server error",
			zap.String("source", task.Source), zap.String("url", task.URL),
			zap.Int("status", resp.StatusCode))
		return indexer.Outcome{
			Kind:       indexer.OutcomeRetryable,
			Reason:     indexer.ReasonServerError,
			Error:      http.StatusText(resp.StatusCode),
			StatusCode: resp.StatusCode,
			BodyBytes:  int64(len(resp.Body)),
			Duration:   resp.Duration,
		}
	case resp.StatusCode >= http.StatusOK && resp.StatusCode < http.StatusMultipleChoices:
		return w.extract(ctx, task, resp)
	default:
		w.logger.Warn("fetch returned client error",
			zap.String("source", task.Source), zap.String("url", task.URL),
			zap.Int("status", resp.StatusCode))
		return indexer.Outcome{
			Kind:       indexer.OutcomePermanent,
			Reason:     indexer.ReasonClientError,
			Error:      http.StatusText(resp.StatusCode),
			StatusCode: resp.StatusCode,
			BodyBytes:  int64(len(resp.Body)),
			Duration:   resp.Duration,
		}
	}
}

func (w *Worker) extract(ctx context.Context, task indexer.Task, resp indexer.FetchResponse) indexer.Outcome {
	extraction, err := w.extractor.Extract(ctx, resp.Body, task)
	if err != nil {
		uri := w.archiveBody(ctx, task, resp)
		w.logger.Error("extract failed",
			zap.String("source", task.Source), zap.String("url", task.URL),
			zap.String("archive_uri", uri), zap.Error(err))
		return indexer.Outcome{
			Kind:       indexer.OutcomePermanent,
			Reason:     indexer.ReasonParse,
			Error:      err.Error(),
			StatusCode: resp.StatusCode,
			BodyBytes:  int64(len(resp.Body)),
			Duration:   resp.Duration,
			ArchiveURI: uri,
		}
	}

	observed := w.clock.Now()
	for i := range extraction.Records {
		extraction.Records[i].ObservedAt = observed
	}

	var uri string
	if w.cfg.ArchiveBodies {
		uri = w.archiveBody(ctx, task, resp)
	}

	w.logger.Debug("page processed",
		zap.String("source", task.Source), zap.String("url", task.URL),
		zap.Int("records", len(extraction.Records)),
		zap.Int("discovered", len(extraction.Discovered)))
	return indexer.Outcome{
		Kind:       indexer.OutcomeSuccess,
		StatusCode: resp.StatusCode,
		Records:    extraction.Records,
		Discovered: extraction.Discovered,
		BodyBytes:  int64(len(resp.Body)),
		Duration:   resp.Duration,
		ArchiveURI: uri,
	}
}

// archiveBody is best effort: a failed archive downgrades the outcome's
// archive reference to empty, never the outcome itself.
func (w *Worker) archiveBody(ctx context.Context, task indexer.Task, resp indexer.FetchResponse) string {
	if w.blobStore == nil || len(resp.Body) == 0 {
		return ""
	}
	hash, err := w.hasher.Hash(resp.Body)
	if err != nil {
		w.logger.Warn("hash body failed",
			zap.String("source", task.Source), zap.String("url", task.URL), zap.Error(err))
		return ""
	}
	uri, err := w.blobStore.PutObject(ctx, w.buildBlobPath(task, hash), w.cfg.ContentType, resp.Body)
	if err != nil {
		w.logger.Warn("archive body failed",
			zap.String("source", task.Source), zap.String("url", task.URL), zap.Error(err))
		return ""
	}
	return uri
}

func (w *Worker) buildBlobPath(task indexer.Task, hash string) string {
	prefix := strings.Trim(w.cfg.BlobPrefix, "/")
	if prefix == "" {
		return fmt.Sprintf("%s/%d/%s.raw", task.Source, task.Epoch, hash)
	}
	return fmt.Sprintf("%s/%s/%d/%s.raw", prefix, task.Source, task.Epoch, hash)
}

func (w *Worker) classifyFetchError(task indexer.Task, err error) indexer.Outcome {
	outcome := indexer.Outcome{
		Kind:   indexer.OutcomeRetryable,
		Reason: indexer.ReasonNetwork,
		Error:  err.Error(),
	}
	switch {
	case errors.Is(err, indexer.ErrBlockedByPolicy):
		outcome.Kind = indexer.OutcomePermanent
		outcome.Reason = indexer.ReasonClientError
	case isTimeout(err):
		outcome.Reason = indexer.ReasonTimeout
	}
	w.logger.Warn("fetch failed",
		zap.String("source", task.Source), zap.String("url", task.URL),
		zap.String("reason", string(outcome.Reason)), zap.Error(err))
	return outcome
}

// parseRetryAfter reads a Retry-After hint in either the delay-seconds or
// HTTP-date form. Absent or malformed values yield zero.
func (w *Worker) parseRetryAfter(headers http.Header) time.Duration {
	raw := headers.Get("Retry-After")
	if raw == "" {
		return 0
	}
	if secs, err := strconv.Atoi(strings.TrimSpace(raw)); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(raw); err == nil {
		if d := at.Sub(w.clock.Now()); d > 0 {
			return d
		}
	}
	return 0
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func headerFromMap(m map[string]string) http.Header {
	if len(m) == 0 {
		return nil
	}
	h := http.Header{}
	for k, v := range m {
		h.Set(k, v)
	}
	return h
}
