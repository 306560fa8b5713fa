package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-cpi-indexer/internal/dedup"
	"github.com/JakeFAU/realtime-cpi-indexer/internal/events"
	"github.com/JakeFAU/realtime-cpi-indexer/internal/frontier"
	"github.com/JakeFAU/realtime-cpi-indexer/internal/indexer"
	"github.com/JakeFAU/realtime-cpi-indexer/internal/policy/ratelimit"
	"github.com/JakeFAU/realtime-cpi-indexer/internal/storage/memory"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1700000000, 0).UTC()}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// fakePool accepts submissions up to a capacity and lets tests deliver
// outcomes by hand.
type fakePool struct {
	mu        sync.Mutex
	submitted []indexer.Task
	capacity  int
	results   chan indexer.Result
}

func newFakePool(capacity int) *fakePool {
	return &fakePool{capacity: capacity, results: make(chan indexer.Result, 16)}
}

func (p *fakePool) TrySubmit(task indexer.Task) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.submitted) >= p.capacity {
		return false
	}
	p.submitted = append(p.submitted, task)
	return true
}

func (p *fakePool) Results() <-chan indexer.Result { return p.results }

func (p *fakePool) InFlight() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.submitted)
}

func (p *fakePool) take(t *testing.T) indexer.Task {
	t.Helper()
	p.mu.Lock()
	defer p.mu.Unlock()
	require.NotEmpty(t, p.submitted, "no task submitted to pool")
	task := p.submitted[0]
	p.submitted = p.submitted[1:]
	return task
}

func (p *fakePool) finish(t *testing.T, outcome indexer.Outcome) indexer.Task {
	t.Helper()
	task := p.take(t)
	p.results <- indexer.Result{Task: task, Outcome: outcome}
	return task
}

// captureEmitter records emitted events for assertions.
type captureEmitter struct {
	mu     sync.Mutex
	events []events.Event
}

func (e *captureEmitter) Emit(evt events.Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, evt)
}

func (e *captureEmitter) kinds() []events.Kind {
	e.mu.Lock()
	defer e.mu.Unlock()
	kinds := make([]events.Kind, 0, len(e.events))
	for _, evt := range e.events {
		kinds = append(kinds, evt.Kind)
	}
	return kinds
}

// flakyRecordStore fails the first N puts per record ID.
type flakyRecordStore struct {
	*memory.RecordStore
	mu       sync.Mutex
	failures map[string]int
}

func (s *flakyRecordStore) Put(ctx context.Context, record indexer.Record) error {
	s.mu.Lock()
	remaining := s.failures[record.ID]
	if remaining > 0 {
		s.failures[record.ID] = remaining - 1
		s.mu.Unlock()
		return errors.New("connection reset")
	}
	s.mu.Unlock()
	return s.RecordStore.Put(ctx, record)
}

type harness struct {
	clock    *fakeClock
	frontier *frontier.Frontier
	dedup    *dedup.Memory
	gate     *ratelimit.Limiter
	pool     *fakePool
	records  *memory.RecordStore
	emitter  *captureEmitter
	coord    *Coordinator
}

func newHarness(t *testing.T, cfg Config, gateCfg ratelimit.Config) *harness {
	t.Helper()
	clock := newFakeClock()
	store := dedup.NewMemory(time.Hour)
	fr := frontier.New(store, frontier.Config{
		BackoffBase: time.Second,
		BackoffMax:  time.Minute,
		MaxRetries:  3,
		Seed:        42,
	})
	pool := newFakePool(8)
	records := memory.NewRecordStore()
	emitter := &captureEmitter{}
	gate := ratelimit.New(gateCfg)
	coord := New(cfg, fr, store, gate, pool, records, emitter, clock, zap.NewNop())
	return &harness{
		clock:    clock,
		frontier: fr,
		dedup:    store,
		gate:     gate,
		pool:     pool,
		records:  records,
		emitter:  emitter,
		coord:    coord,
	}
}

func seedTask(t *testing.T, h *harness, url string) indexer.Task {
	t.Helper()
	task := indexer.NewTask("acme", 1, 10, 1, url, indexer.TaskPayload{Type: indexer.SourceTypeJSONAPI})
	ok, err := h.frontier.Push(context.Background(), task, h.clock.Now())
	require.NoError(t, err)
	require.True(t, ok)
	return task
}

func TestSuccessStoresRecordsAndMarksDone(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{}, ratelimit.Config{})
	ctx := context.Background()
	task := seedTask(t, h, "https://shop.example.com/api/items?page=1")

	h.coord.dispatchEligible(ctx)
	state, ok, err := h.dedup.Contains(ctx, task.Fingerprint)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, dedup.StateInFlight, state)

	record := indexer.Record{ID: "r-1", Source: "acme", Epoch: 1, Name: "Mixer", ObservedAt: h.clock.Now()}
	h.pool.finish(t, indexer.Outcome{
		Kind:       indexer.OutcomeSuccess,
		StatusCode: 200,
		Records:    []indexer.Record{record},
		BodyBytes:  512,
	})
	h.coord.handleResult(ctx, <-h.pool.results)

	state, ok, err = h.dedup.Contains(ctx, task.Fingerprint)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, dedup.StateDone, state)

	got, err := h.records.Get(ctx, "r-1")
	require.NoError(t, err)
	require.Equal(t, "Mixer", got.Name)
	require.Equal(t, []events.Kind{events.KindDispatched, events.KindSucceeded}, h.emitter.kinds())
	require.Zero(t, h.frontier.Len())
}

func TestRetryableFailureBacksOffThenSucceeds(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{}, ratelimit.Config{})
	ctx := context.Background()
	task := seedTask(t, h, "https://shop.example.com/api/items?page=1")

	var lastEligible time.Time
	for attempt := 0; attempt < 3; attempt++ {
		h.coord.dispatchEligible(ctx)
		h.pool.finish(t, indexer.Outcome{
			Kind:       indexer.OutcomeRetryable,
			Reason:     indexer.ReasonServerError,
			StatusCode: 503,
		})
		h.coord.handleResult(ctx, <-h.pool.results)

		next, ok := h.frontier.NextEligible()
		require.True(t, ok, "task must be requeued after attempt %d", attempt+1)
		require.True(t, next.After(h.clock.Now()), "retry must be deferred")
		require.True(t, next.After(lastEligible), "backoff must grow")
		lastEligible = next
		h.clock.Advance(next.Sub(h.clock.Now()) + time.Millisecond)
	}

	h.coord.dispatchEligible(ctx)
	h.pool.finish(t, indexer.Outcome{Kind: indexer.OutcomeSuccess, StatusCode: 200})
	h.coord.handleResult(ctx, <-h.pool.results)

	state, ok, err := h.dedup.Contains(ctx, task.Fingerprint)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, dedup.StateDone, state)
	require.Equal(t, []events.Kind{
		events.KindDispatched, events.KindRetryScheduled,
		events.KindDispatched, events.KindRetryScheduled,
		events.KindDispatched, events.KindRetryScheduled,
		events.KindDispatched, events.KindSucceeded,
	}, h.emitter.kinds())
}

func TestPermanentFailureRetiresImmediately(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{}, ratelimit.Config{})
	ctx := context.Background()
	task := seedTask(t, h, "https://shop.example.com/api/items?page=404")

	h.coord.dispatchEligible(ctx)
	h.pool.finish(t, indexer.Outcome{
		Kind:       indexer.OutcomePermanent,
		Reason:     indexer.ReasonClientError,
		StatusCode: 404,
	})
	h.coord.handleResult(ctx, <-h.pool.results)

	state, ok, err := h.dedup.Contains(ctx, task.Fingerprint)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, dedup.StateFailedTerminal, state)
	require.Zero(t, h.frontier.Len(), "retired task must not requeue")
	require.Equal(t, []events.Kind{events.KindDispatched, events.KindRetired}, h.emitter.kinds())
}

func TestRetriesExhaustedRetires(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{}, ratelimit.Config{})
	ctx := context.Background()
	task := seedTask(t, h, "https://shop.example.com/api/items?page=1")

	for attempt := 0; attempt < 4; attempt++ {
		h.coord.dispatchEligible(ctx)
		h.pool.finish(t, indexer.Outcome{
			Kind:       indexer.OutcomeRetryable,
			Reason:     indexer.ReasonNetwork,
		})
		h.coord.handleResult(ctx, <-h.pool.results)
		if next, ok := h.frontier.NextEligible(); ok {
			h.clock.Advance(next.Sub(h.clock.Now()) + time.Millisecond)
		}
	}

	state, ok, err := h.dedup.Contains(ctx, task.Fingerprint)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, dedup.StateFailedTerminal, state)

	kinds := h.emitter.kinds()
	require.Equal(t, events.KindRetired, kinds[len(kinds)-1])
	retired := h.emitter.events[len(h.emitter.events)-1]
	require.Equal(t, string(indexer.ReasonRetriesExhausted), retired.Note)
}

func TestRateLimitedPenalizesHostWithoutBurningRetries(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{RateLimitCooldown: 5 * time.Second}, ratelimit.Config{})
	ctx := context.Background()
	task := seedTask(t, h, "https://shop.example.com/api/items?page=1")

	h.coord.dispatchEligible(ctx)
	h.pool.finish(t, indexer.Outcome{
		Kind:       indexer.OutcomeRateLimited,
		StatusCode: 429,
		RetryAfter: 10 * time.Second,
	})
	h.coord.handleResult(ctx, <-h.pool.results)

	next, ok := h.frontier.NextEligible()
	require.True(t, ok)
	require.Equal(t, h.clock.Now().Add(10*time.Second), next, "Retry-After wins over default cooldown")

	// The host is cooling down, so even an eligible task stays queued.
	h.clock.Advance(10*time.Second + time.Millisecond)
	require.False(t, h.gate.TryAcquire(task.Host, h.clock.Now().Add(-5*time.Second)))

	h.coord.dispatchEligible(ctx)
	redispatched := h.pool.take(t)
	require.Equal(t, task.Fingerprint, redispatched.Fingerprint)
	require.Zero(t, redispatched.Retries, "rate limiting must not consume the retry budget")
}

func TestGateDeferralPostponesWithoutRetryCost(t *testing.T) {
	t.Parallel()

	// One token per host: the second task for the same host must wait.
	h := newHarness(t, Config{GateRetryDelay: time.Second}, ratelimit.Config{
		DefaultRPS:   1,
		DefaultBurst: 1,
	})
	ctx := context.Background()
	seedTask(t, h, "https://shop.example.com/api/items?page=1")
	seedTask(t, h, "https://shop.example.com/api/items?page=2")

	h.coord.dispatchEligible(ctx)
	require.Equal(t, 1, h.pool.InFlight(), "only one task may pass the gate per second")
	require.Equal(t, 1, h.frontier.Len(), "the deferred task returns to the queue")

	deferred := h.frontier.SnapshotTasks()[0]
	require.Zero(t, deferred.Retries, "gate deferral must not consume the retry budget")
	require.Equal(t, h.clock.Now().Add(time.Second), deferred.EligibleAt)

	// A second later the bucket has a token again.
	h.clock.Advance(time.Second + time.Millisecond)
	h.coord.dispatchEligible(ctx)
	require.Equal(t, 2, h.pool.InFlight())
}

func TestSaturatedPoolPostponesTask(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{PoolRetryDelay: time.Second}, ratelimit.Config{})
	h.pool.capacity = 1
	ctx := context.Background()
	seedTask(t, h, "https://shop.example.com/api/items?page=1")
	seedTask(t, h, "https://shop.example.com/api/items?page=2")

	h.coord.dispatchEligible(ctx)
	require.Equal(t, 1, h.pool.InFlight())
	require.Equal(t, 1, h.frontier.Len())
	deferred := h.frontier.SnapshotTasks()[0]
	require.Zero(t, deferred.Retries)

	state, ok, err := h.dedup.Contains(ctx, deferred.Fingerprint)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, dedup.StatePending, state, "deferred task must release its admission slot")
}

func TestStorageRetriesThenRecovers(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{StorageMaxRetries: 3, StorageRetryDelay: time.Millisecond}, ratelimit.Config{})
	flaky := &flakyRecordStore{RecordStore: h.records, failures: map[string]int{"r-1": 2}}
	h.coord.records = flaky
	ctx := context.Background()
	task := seedTask(t, h, "https://shop.example.com/api/items?page=1")

	h.coord.dispatchEligible(ctx)
	h.pool.finish(t, indexer.Outcome{
		Kind:    indexer.OutcomeSuccess,
		Records: []indexer.Record{{ID: "r-1", Source: "acme", Name: "Mixer"}},
	})
	h.coord.handleResult(ctx, <-h.pool.results)

	_, err := h.records.Get(ctx, "r-1")
	require.NoError(t, err, "record must land after transient storage failures")
	state, _, err := h.dedup.Contains(ctx, task.Fingerprint)
	require.NoError(t, err)
	require.Equal(t, dedup.StateDone, state)
}

func TestStorageExhaustionRetiresWithAlert(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{StorageMaxRetries: 2, StorageRetryDelay: time.Millisecond}, ratelimit.Config{})
	flaky := &flakyRecordStore{RecordStore: h.records, failures: map[string]int{"r-1": 10}}
	h.coord.records = flaky
	ctx := context.Background()
	task := seedTask(t, h, "https://shop.example.com/api/items?page=1")

	h.coord.dispatchEligible(ctx)
	h.pool.finish(t, indexer.Outcome{
		Kind:    indexer.OutcomeSuccess,
		Records: []indexer.Record{{ID: "r-1", Source: "acme", Name: "Mixer"}},
	})
	h.coord.handleResult(ctx, <-h.pool.results)

	state, _, err := h.dedup.Contains(ctx, task.Fingerprint)
	require.NoError(t, err)
	require.Equal(t, dedup.StateFailedTerminal, state)
	require.Equal(t, []events.Kind{
		events.KindDispatched, events.KindStorageAlert, events.KindRetired,
	}, h.emitter.kinds())
}

func TestDuplicateSuccessDeliveryIsIdempotent(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{}, ratelimit.Config{})
	ctx := context.Background()
	task := seedTask(t, h, "https://shop.example.com/api/items?page=1")

	h.coord.dispatchEligible(ctx)
	submitted := h.pool.take(t)
	outcome := indexer.Outcome{
		Kind:    indexer.OutcomeSuccess,
		Records: []indexer.Record{{ID: "r-1", Source: "acme", Name: "Mixer"}},
	}
	result := indexer.Result{Task: submitted, Outcome: outcome}
	h.coord.handleResult(ctx, result)
	h.coord.handleResult(ctx, result)

	require.Equal(t, 1, h.records.Len(), "duplicate delivery must not duplicate records")
	state, _, err := h.dedup.Contains(ctx, task.Fingerprint)
	require.NoError(t, err)
	require.Equal(t, dedup.StateDone, state)
}

func TestDiscoveredTasksEnterTheFrontier(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{}, ratelimit.Config{})
	ctx := context.Background()
	seedTask(t, h, "https://shop.example.com/api/items?page=1")

	next := indexer.NewTask("acme", 1, 10, 2, "https://shop.example.com/api/items?page=2", indexer.TaskPayload{})

	h.coord.dispatchEligible(ctx)
	h.pool.finish(t, indexer.Outcome{
		Kind:       indexer.OutcomeSuccess,
		Discovered: []indexer.Task{next},
	})
	h.coord.handleResult(ctx, <-h.pool.results)

	require.Equal(t, 1, h.frontier.Len())
	require.Equal(t, next.Fingerprint, h.frontier.SnapshotTasks()[0].Fingerprint)
}

// parkingPool blocks the first TrySubmit until released, letting tests take a
// checkpoint while a dispatch is underway.
type parkingPool struct {
	*fakePool
	entered chan struct{}
	release chan struct{}
}

func newParkingPool(capacity int) *parkingPool {
	return &parkingPool{
		fakePool: newFakePool(capacity),
		entered:  make(chan struct{}, 1),
		release:  make(chan struct{}),
	}
}

func (p *parkingPool) TrySubmit(task indexer.Task) bool {
	select {
	case p.entered <- struct{}{}:
	default:
	}
	<-p.release
	return p.fakePool.TrySubmit(task)
}

// parkingRecordStore blocks the first Put until released, letting tests take
// a checkpoint while an outcome is being applied.
type parkingRecordStore struct {
	*memory.RecordStore
	entered chan struct{}
	release chan struct{}
}

func (s *parkingRecordStore) Put(ctx context.Context, record indexer.Record) error {
	select {
	case s.entered <- struct{}{}:
	default:
	}
	<-s.release
	return s.RecordStore.Put(ctx, record)
}

func TestCheckpointCapturesTaskMidDispatch(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{}, ratelimit.Config{})
	pool := newParkingPool(8)
	h.coord.pool = pool
	ctx := context.Background()
	task := seedTask(t, h, "https://shop.example.com/api/items?page=1")

	done := make(chan struct{})
	go func() {
		defer close(done)
		h.coord.dispatchEligible(ctx)
	}()
	<-pool.entered

	// The task has left the queue and its fingerprint is in flight, but the
	// pool has not accepted it yet. A checkpoint taken now must still hold it.
	queued, inflight, entries, err := h.coord.CheckpointState(ctx)
	require.NoError(t, err)
	require.Empty(t, queued)
	require.Len(t, inflight, 1)
	require.Equal(t, task.Fingerprint, inflight[0].Fingerprint)
	require.Len(t, entries, 1)
	require.Equal(t, dedup.StateInFlight, entries[0].State)

	close(pool.release)
	<-done
	require.Equal(t, 1, pool.InFlight())
}

func TestCheckpointCapturesTaskMidResult(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{StorageMaxRetries: 1}, ratelimit.Config{})
	parked := &parkingRecordStore{
		RecordStore: h.records,
		entered:     make(chan struct{}, 1),
		release:     make(chan struct{}),
	}
	h.coord.records = parked
	ctx := context.Background()
	task := seedTask(t, h, "https://shop.example.com/api/items?page=1")

	h.coord.dispatchEligible(ctx)
	h.pool.finish(t, indexer.Outcome{
		Kind:    indexer.OutcomeSuccess,
		Records: []indexer.Record{{ID: "r-1", Source: "acme", Name: "Mixer"}},
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		h.coord.handleResult(ctx, <-h.pool.results)
	}()
	<-parked.entered

	// The outcome is mid-application: the storage write has not finished and
	// the dedup entry is still in flight. The checkpoint must keep the task.
	queued, inflight, entries, err := h.coord.CheckpointState(ctx)
	require.NoError(t, err)
	require.Empty(t, queued)
	require.Len(t, inflight, 1)
	require.Equal(t, task.Fingerprint, inflight[0].Fingerprint)
	require.Len(t, entries, 1)
	require.Equal(t, dedup.StateInFlight, entries[0].State)

	close(parked.release)
	<-done

	_, inflight, _, err = h.coord.CheckpointState(ctx)
	require.NoError(t, err)
	require.Empty(t, inflight, "applied outcome must leave the in-flight table")
	state, _, err := h.dedup.Contains(ctx, task.Fingerprint)
	require.NoError(t, err)
	require.Equal(t, dedup.StateDone, state)
}

func TestCheckpointStateCapturesInFlight(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{}, ratelimit.Config{})
	ctx := context.Background()
	dispatched := seedTask(t, h, "https://shop.example.com/api/items?page=1")
	h.clock.Advance(time.Millisecond)
	queuedTask := indexer.NewTask("acme", 1, 10, 2, "https://shop.example.com/api/items?page=2", indexer.TaskPayload{})
	queuedTask.EligibleAt = h.clock.Now().Add(time.Hour)
	ok, err := h.frontier.Push(ctx, queuedTask, h.clock.Now())
	require.NoError(t, err)
	require.True(t, ok)

	h.coord.dispatchEligible(ctx)

	queued, inflight, entries, err := h.coord.CheckpointState(ctx)
	require.NoError(t, err)
	require.Len(t, queued, 1)
	require.Equal(t, queuedTask.Fingerprint, queued[0].Fingerprint)
	require.Len(t, inflight, 1)
	require.Equal(t, dispatched.Fingerprint, inflight[0].Fingerprint)
	require.Len(t, entries, 2)
}

func TestRunLoopDispatchesAndShutsDown(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{IdleWait: 10 * time.Millisecond, DrainGrace: 200 * time.Millisecond}, ratelimit.Config{})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		h.coord.Run(ctx)
	}()

	seedTask(t, h, "https://shop.example.com/api/items?page=1")
	require.Eventually(t, func() bool {
		return h.pool.InFlight() == 1
	}, time.Second, 5*time.Millisecond, "the run loop must pick up pushed tasks")

	h.pool.finish(t, indexer.Outcome{Kind: indexer.OutcomeSuccess, StatusCode: 200})
	require.Eventually(t, func() bool {
		status := h.coord.Status(context.Background())
		return !status.LastResultAt.IsZero() && status.InFlight == 0
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("run loop did not stop after cancellation")
	}
}
