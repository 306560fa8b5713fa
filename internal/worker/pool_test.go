package worker

import (
	"context"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-cpi-indexer/internal/indexer"
	"github.com/JakeFAU/realtime-cpi-indexer/internal/metrics"
)

func poolTask(page int) indexer.Task {
	return indexer.Task{
		Fingerprint: fmt.Sprintf("sportgear:42:%d", page),
		Source:      "sportgear",
		Epoch:       42,
		URL:         fmt.Sprintf("https://shop.example.com/catalog?page=%d", page),
		Host:        "shop.example.com",
		Page:        page,
	}
}

func TestPool_DeliversResults(t *testing.T) {
	t.Parallel()
	metrics.Init()

	responses := make(map[string]indexer.FetchResponse)
	for page := 1; page <= 3; page++ {
		task := poolTask(page)
		responses[task.URL] = indexer.FetchResponse{URL: task.URL, StatusCode: http.StatusOK, Body: []byte("ok")}
	}
	w := newWorkerForTest(&fakeFetcher{responses: responses}, &fakeExtractor{}, newFakeBlobStore(), Config{})
	pool := NewPool(w, 2, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go pool.Run(ctx)

	for page := 1; page <= 3; page++ {
		require.True(t, pool.TrySubmit(poolTask(page)))
	}

	seen := make(map[string]bool)
	for i := 0; i < 3; i++ {
		select {
		case res := <-pool.Results():
			require.Equal(t, indexer.OutcomeSuccess, res.Outcome.Kind)
			seen[res.Task.Fingerprint] = true
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for results")
		}
	}
	require.Len(t, seen, 3)

	require.Eventually(t, func() bool {
		return pool.InFlight() == 0
	}, time.Second, 10*time.Millisecond)
}

func TestPool_TrySubmitSaturation(t *testing.T) {
	t.Parallel()
	metrics.Init()

	fetcher := &blockingFetcher{
		started: make(chan struct{}, 4),
		release: make(chan struct{}),
	}
	w := newWorkerForTest(fetcher, &fakeExtractor{}, newFakeBlobStore(), Config{})
	pool := NewPool(w, 1, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go pool.Run(ctx)

	require.True(t, pool.TrySubmit(poolTask(1)))
	select {
	case <-fetcher.started:
	case <-time.After(time.Second):
		t.Fatal("worker never started the first task")
	}

	// One slot in the dispatch buffer, then the pool is saturated.
	require.True(t, pool.TrySubmit(poolTask(2)))
	require.False(t, pool.TrySubmit(poolTask(3)))
	require.Equal(t, 2, pool.InFlight())

	close(fetcher.release)
	for i := 0; i < 2; i++ {
		select {
		case <-pool.Results():
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for results")
		}
	}

	require.Eventually(t, func() bool {
		return pool.InFlight() == 0
	}, time.Second, 10*time.Millisecond)
}

func TestPool_ClampsSize(t *testing.T) {
	t.Parallel()

	w := New(nil, nil, nil, nil, nil, Config{}, zap.NewNop())
	require.Equal(t, 1, NewPool(w, 0, zap.NewNop()).size)
	require.Equal(t, maxPoolSize, NewPool(w, 5000, zap.NewNop()).size)
}

type blockingFetcher struct {
	started chan struct{}
	release chan struct{}
}

func (f *blockingFetcher) Fetch(ctx context.Context, req indexer.FetchRequest) (indexer.FetchResponse, error) {
	f.started <- struct{}{}
	select {
	case <-f.release:
	case <-ctx.Done():
		return indexer.FetchResponse{}, ctx.Err()
	}
	return indexer.FetchResponse{URL: req.URL, StatusCode: http.StatusOK, Body: []byte("ok")}, nil
}
