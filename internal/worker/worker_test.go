package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-cpi-indexer/internal/indexer"
	"github.com/JakeFAU/realtime-cpi-indexer/internal/metrics"
)

var workerEpoch = time.Date(2025, time.March, 7, 12, 0, 0, 0, time.UTC)

func catalogTask() indexer.Task {
	return indexer.Task{
		Fingerprint: "sportgear:42:1",
		Source:      "sportgear",
		Epoch:       42,
		URL:         "https://shop.example.com/catalog?page=1",
		Host:        "shop.example.com",
		Page:        1,
		Payload: indexer.TaskPayload{
			Type:    indexer.SourceTypeJSONAPI,
			Headers: map[string]string{"X-Api-Key": "k"},
		},
	}
}

func newWorkerForTest(f indexer.Fetcher, e indexer.Extractor, b indexer.BlobStore, cfg Config) *Worker {
	return New(f, e, b, &fakeHasher{hash: "cafebabe"}, &fakeClock{now: workerEpoch}, cfg, zap.NewNop())
}

func TestWorker_Process_Success(t *testing.T) {
	t.Parallel()
	metrics.Init()

	task := catalogTask()
	fetcher := &fakeFetcher{
		responses: map[string]indexer.FetchResponse{
			task.URL: {
				URL:        task.URL,
				StatusCode: http.StatusOK,
				Body:       []byte(`{"items":[{}]}`),
				Duration:   12 * time.Millisecond,
			},
		},
	}
	extractor := &fakeExtractor{
		extraction: indexer.Extraction{
			Records:    []indexer.Record{{ID: "r1", Source: task.Source}, {ID: "r2", Source: task.Source}},
			Discovered: []indexer.Task{{Fingerprint: "sportgear:42:2", Page: 2}},
		},
	}
	blobStore := newFakeBlobStore()

	w := newWorkerForTest(fetcher, extractor, blobStore, Config{BlobPrefix: "raw"})
	outcome := w.Process(context.Background(), task)

	require.Equal(t, indexer.OutcomeSuccess, outcome.Kind)
	require.Equal(t, http.StatusOK, outcome.StatusCode)
	require.Len(t, outcome.Records, 2)
	require.Len(t, outcome.Discovered, 1)
	require.Equal(t, int64(len(`{"items":[{}]}`)), outcome.BodyBytes)
	require.Equal(t, 12*time.Millisecond, outcome.Duration)
	for _, record := range outcome.Records {
		require.Equal(t, workerEpoch, record.ObservedAt)
	}
	require.Empty(t, outcome.ArchiveURI)
	require.Empty(t, blobStore.lastPath)
	require.Equal(t, "k", fetcher.lastRequest.Headers.Get("X-Api-Key"))
}

func TestWorker_Process_ArchivesSuccessWhenConfigured(t *testing.T) {
	t.Parallel()
	metrics.Init()

	task := catalogTask()
	fetcher := &fakeFetcher{
		responses: map[string]indexer.FetchResponse{
			task.URL: {URL: task.URL, StatusCode: http.StatusOK, Body: []byte("payload")},
		},
	}
	blobStore := newFakeBlobStore()

	w := newWorkerForTest(fetcher, &fakeExtractor{}, blobStore, Config{BlobPrefix: "raw", ArchiveBodies: true})
	outcome := w.Process(context.Background(), task)

	require.Equal(t, indexer.OutcomeSuccess, outcome.Kind)
	require.Equal(t, "raw/sportgear/42/cafebabe.raw", blobStore.lastPath)
	require.Equal(t, "memory://raw/sportgear/42/cafebabe.raw", outcome.ArchiveURI)
}

func TestWorker_Process_ParseFailureArchivesBody(t *testing.T) {
	t.Parallel()
	metrics.Init()

	task := catalogTask()
	fetcher := &fakeFetcher{
		responses: map[string]indexer.FetchResponse{
			task.URL: {URL: task.URL, StatusCode: http.StatusOK, Body: []byte("not json")},
		},
	}
	extractor := &fakeExtractor{err: errors.New("decode catalog response: unexpected token")}
	blobStore := newFakeBlobStore()

	w := newWorkerForTest(fetcher, extractor, blobStore, Config{})
	outcome := w.Process(context.Background(), task)

	require.Equal(t, indexer.OutcomePermanent, outcome.Kind)
	require.Equal(t, indexer.ReasonParse, outcome.Reason)
	require.Contains(t, outcome.Error, "decode catalog response")
	require.Equal(t, "sportgear/42/cafebabe.raw", blobStore.lastPath)
	require.Equal(t, "memory://sportgear/42/cafebabe.raw", outcome.ArchiveURI)
	require.Equal(t, []byte("not json"), blobStore.objects[blobStore.lastPath])
}

func TestWorker_Process_ArchiveFailureKeepsOutcome(t *testing.T) {
	t.Parallel()
	metrics.Init()

	task := catalogTask()
	fetcher := &fakeFetcher{
		responses: map[string]indexer.FetchResponse{
			task.URL: {URL: task.URL, StatusCode: http.StatusOK, Body: []byte("not json")},
		},
	}
	blobStore := newFakeBlobStore()
	blobStore.err = errors.New("bucket unavailable")

	w := newWorkerForTest(fetcher, &fakeExtractor{err: errors.New("bad markup")}, blobStore, Config{})
	outcome := w.Process(context.Background(), task)

	require.Equal(t, indexer.OutcomePermanent, outcome.Kind)
	require.Equal(t, indexer.ReasonParse, outcome.Reason)
	require.Empty(t, outcome.ArchiveURI)
}

func TestWorker_Process_RateLimited(t *testing.T) {
	t.Parallel()
	metrics.Init()

	task := catalogTask()
	fetcher := &fakeFetcher{
		responses: map[string]indexer.FetchResponse{
			task.URL: {
				URL:        task.URL,
				StatusCode: http.StatusTooManyRequests,
				Headers:    http.Header{"Retry-After": {"7"}},
				Body:       []byte("slow down"),
			},
		},
	}

	w := newWorkerForTest(fetcher, &fakeExtractor{}, newFakeBlobStore(), Config{})
	outcome := w.Process(context.Background(), task)

	require.Equal(t, indexer.OutcomeRateLimited, outcome.Kind)
	require.Equal(t, http.StatusTooManyRequests, outcome.StatusCode)
	require.Equal(t, 7*time.Second, outcome.RetryAfter)
}

func TestWorker_Process_RateLimitedHTTPDate(t *testing.T) {
	t.Parallel()
	metrics.Init()

	task := catalogTask()
	retryAt := workerEpoch.Add(90 * time.Second).UTC().Format(http.TimeFormat)
	fetcher := &fakeFetcher{
		responses: map[string]indexer.FetchResponse{
			task.URL: {
				URL:        task.URL,
				StatusCode: http.StatusTooManyRequests,
				Headers:    http.Header{"Retry-After": {retryAt}},
			},
		},
	}

	w := newWorkerForTest(fetcher, &fakeExtractor{}, newFakeBlobStore(), Config{})
	outcome := w.Process(context.Background(), task)

	require.Equal(t, indexer.OutcomeRateLimited, outcome.Kind)
	require.Equal(t, 90*time.Second, outcome.RetryAfter)
}

func TestWorker_Process_ServerError(t *testing.T) {
	t.Parallel()
	metrics.Init()

	task := catalogTask()
	fetcher := &fakeFetcher{
		responses: map[string]indexer.FetchResponse{
			task.URL: {URL: task.URL, StatusCode: http.StatusServiceUnavailable, Body: []byte("try later")},
		},
	}

	w := newWorkerForTest(fetcher, &fakeExtractor{}, newFakeBlobStore(), Config{})
	outcome := w.Process(context.Background(), task)

	require.Equal(t, indexer.OutcomeRetryable, outcome.Kind)
	require.Equal(t, indexer.ReasonServerError, outcome.Reason)
	require.Equal(t, http.StatusServiceUnavailable, outcome.StatusCode)
}

func TestWorker_Process_ClientError(t *testing.T) {
	t.Parallel()
	metrics.Init()

	task := catalogTask()
	fetcher := &fakeFetcher{
		responses: map[string]indexer.FetchResponse{
			task.URL: {URL: task.URL, StatusCode: http.StatusNotFound},
		},
	}

	w := newWorkerForTest(fetcher, &fakeExtractor{}, newFakeBlobStore(), Config{})
	outcome := w.Process(context.Background(), task)

	require.Equal(t, indexer.OutcomePermanent, outcome.Kind)
	require.Equal(t, indexer.ReasonClientError, outcome.Reason)
	require.Equal(t, http.StatusNotFound, outcome.StatusCode)
}

func TestWorker_Process_TimeoutError(t *testing.T) {
	t.Parallel()
	metrics.Init()

	task := catalogTask()
	fetcher := &fakeFetcher{
		errors: map[string]error{task.URL: fmt.Errorf("fetch failed: %w", timeoutError{})},
	}

	w := newWorkerForTest(fetcher, &fakeExtractor{}, newFakeBlobStore(), Config{})
	outcome := w.Process(context.Background(), task)

	require.Equal(t, indexer.OutcomeRetryable, outcome.Kind)
	require.Equal(t, indexer.ReasonTimeout, outcome.Reason)
}

func TestWorker_Process_NetworkError(t *testing.T) {
	t.Parallel()
	metrics.Init()

	task := catalogTask()
	fetcher := &fakeFetcher{
		errors: map[string]error{task.URL: errors.New("connection refused")},
	}

	w := newWorkerForTest(fetcher, &fakeExtractor{}, newFakeBlobStore(), Config{})
	outcome := w.Process(context.Background(), task)

	require.Equal(t, indexer.OutcomeRetryable, outcome.Kind)
	require.Equal(t, indexer.ReasonNetwork, outcome.Reason)
}

func TestWorker_Process_BlockedByPolicy(t *testing.T) {
	t.Parallel()
	metrics.Init()

	task := catalogTask()
	fetcher := &fakeFetcher{
		errors: map[string]error{task.URL: fmt.Errorf("fetch blocked: %w", indexer.ErrBlockedByPolicy)},
	}

	w := newWorkerForTest(fetcher, &fakeExtractor{}, newFakeBlobStore(), Config{})
	outcome := w.Process(context.Background(), task)

	require.Equal(t, indexer.OutcomePermanent, outcome.Kind)
	require.Equal(t, indexer.ReasonClientError, outcome.Reason)
}

func TestWorkerBuildBlobPath(t *testing.T) {
	t.Parallel()

	w := New(nil, nil, nil, nil, nil, Config{BlobPrefix: "/raw/"}, zap.NewNop())
	task := indexer.Task{Source: "sportgear", Epoch: 42}
	if got := w.buildBlobPath(task, "hash"); got != "raw/sportgear/42/hash.raw" {
		t.Fatalf("unexpected blob path: %s", got)
	}
	w.cfg.BlobPrefix = ""
	if got := w.buildBlobPath(task, "hash"); got != "sportgear/42/hash.raw" {
		t.Fatalf("unexpected fallback blob path: %s", got)
	}
}

func TestWorkerParseRetryAfter(t *testing.T) {
	t.Parallel()

	w := New(nil, nil, nil, nil, &fakeClock{now: workerEpoch}, Config{}, zap.NewNop())
	tests := []struct {
		name  string
		value string
		want  time.Duration
	}{
		{name: "Seconds", value: "30", want: 30 * time.Second},
		{name: "Empty", value: "", want: 0},
		{name: "Negative", value: "-5", want: 0},
		{name: "Garbage", value: "soonish", want: 0},
		{name: "PastDate", value: workerEpoch.Add(-time.Hour).UTC().Format(http.TimeFormat), want: 0},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			headers := http.Header{}
			if tc.value != "" {
				headers.Set("Retry-After", tc.value)
			}
			if got := w.parseRetryAfter(headers); got != tc.want {
				t.Fatalf("parseRetryAfter(%q) = %v, want %v", tc.value, got, tc.want)
			}
		})
	}
}

// --- fakes ---

type fakeFetcher struct {
	mu          sync.Mutex
	responses   map[string]indexer.FetchResponse
	errors      map[string]error
	lastRequest indexer.FetchRequest
}

func (f *fakeFetcher) Fetch(_ context.Context, req indexer.FetchRequest) (indexer.FetchResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastRequest = req
	if err, ok := f.errors[req.URL]; ok {
		return indexer.FetchResponse{}, err
	}
	if resp, ok := f.responses[req.URL]; ok {
		return resp, nil
	}
	return indexer.FetchResponse{}, errors.New("not found")
}

type fakeExtractor struct {
	extraction indexer.Extraction
	err        error
}

func (e *fakeExtractor) Extract(_ context.Context, _ []byte, _ indexer.Task) (indexer.Extraction, error) {
	if e.err != nil {
		return indexer.Extraction{}, e.err
	}
	return e.extraction, nil
}

type fakeBlobStore struct {
	mu       sync.Mutex
	objects  map[string][]byte
	lastPath string
	err      error
}

func newFakeBlobStore() *fakeBlobStore {
	return &fakeBlobStore{objects: make(map[string][]byte)}
}

func (b *fakeBlobStore) PutObject(_ context.Context, path string, _ string, data []byte) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return "", b.err
	}
	b.objects[path] = append([]byte(nil), data...)
	b.lastPath = path
	return "memory://" + path, nil
}

type fakeHasher struct {
	hash string
	err  error
}

func (h *fakeHasher) Hash(data []byte) (string, error) {
	if h.err != nil {
		return "", h.err
	}
	if h.hash != "" {
		return h.hash, nil
	}
	return string(data), nil
}

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	return c.now
}

type timeoutError struct{}

func (timeoutError) Error() string   { return "request timed out" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }
