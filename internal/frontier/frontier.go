// Package frontier holds the tasks waiting to be crawled. Tasks are ordered
// by eligibility time, then priority, then arrival, and every queue mutation
// is paired with the matching dedup transition under a single lock so the two
// structures never disagree about which fingerprints are pending.
package frontier

import (
	"container/heap"
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/JakeFAU/realtime-cpi-indexer/internal/dedup"
	"github.com/JakeFAU/realtime-cpi-indexer/internal/indexer"
)

// ErrRetriesExhausted is returned by Requeue when a task has burned through
// its retry budget and must be retired instead of rescheduled.
var ErrRetriesExhausted = errors.New("retry budget exhausted")

// Config tunes retry scheduling.
type Config struct {
	// BackoffBase is the delay before the first retry; later retries double
	// it. Defaults to 1s when zero.
	BackoffBase time.Duration
	// BackoffMax caps the computed delay, jitter included. Defaults to 5m.
	BackoffMax time.Duration
	// MaxRetries is how many times a task may be rescheduled before Requeue
	// reports ErrRetriesExhausted. Defaults to 3.
	MaxRetries int
	// Seed fixes the jitter source for reproducible runs; 0 seeds from the
	// wall clock.
	Seed int64
}

func (c *Config) applyDefaults() {
	if c.BackoffBase <= 0 {
		c.BackoffBase = time.Second
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = 5 * time.Minute
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.Seed == 0 {
		c.Seed = time.Now().UnixNano()
	}
}

type item struct {
	task indexer.Task
	seq  uint64
	pos  int
}

type taskHeap []*item

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	a, b := h[i], h[j]
	if !a.task.EligibleAt.Equal(b.task.EligibleAt) {
		return a.task.EligibleAt.Before(b.task.EligibleAt)
	}
	if a.task.Priority != b.task.Priority {
		return a.task.Priority > b.task.Priority
	}
	return a.seq < b.seq
}

func (h taskHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].pos = i
	h[j].pos = j
}

func (h *taskHeap) Push(x any) {
	it := x.(*item)
	it.pos = len(*h)
	*h = append(*h, it)
}

func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.pos = -1
	*h = old[:n-1]
	return it
}

// Frontier is the in-memory priority queue feeding the pipeline. All methods
// are safe for concurrent use, though in practice a single coordinator
// goroutine drives it.
type Frontier struct {
	cfg Config

	mu    sync.Mutex
	heap  taskHeap
	index map[string]*item
	seq   uint64
	rng   *rand.Rand

	dedup dedup.Store
	wake  chan struct{}
}

// New builds a Frontier whose admission decisions are backed by the given
// dedup store.
func New(store dedup.Store, cfg Config) *Frontier {
	cfg.applyDefaults()
	return &Frontier{
		cfg:   cfg,
		index: make(map[string]*item),
		rng:   rand.New(rand.NewSource(cfg.Seed)),
		dedup: store,
		wake:  make(chan struct{}, 1),
	}
}

// Push offers a task to the frontier. It returns false without queuing when
// the fingerprint is already pending, in flight, or finished at the task's
// epoch; a later epoch re-admits fingerprints that finished in an earlier one.
func (f *Frontier) Push(ctx context.Context, task indexer.Task, now time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.index[task.Fingerprint]; ok {
		return false, nil
	}
	admitted, err := f.dedup.MarkPending(ctx, task.Fingerprint, task.Epoch, now)
	if err != nil {
		return false, err
	}
	if !admitted {
		return false, nil
	}
	f.insertLocked(task)
	return true, nil
}

// PopReady removes and returns the most urgent task whose eligibility time
// has passed. It does not touch dedup state; the caller admits the task via
// the dedup store before dispatching it.
func (f *Frontier) PopReady(now time.Time) (indexer.Task, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if len(f.heap) == 0 {
		return indexer.Task{}, false
	}
	top := f.heap[0]
	if top.task.EligibleAt.After(now) {
		return indexer.Task{}, false
	}
	heap.Pop(&f.heap)
	delete(f.index, top.task.Fingerprint)
	return top.task, true
}

// Requeue schedules another attempt for a task that failed retryably. The
// returned task carries the bumped retry count and the new eligibility time.
// When the retry budget is spent it returns ErrRetriesExhausted and leaves
// both queue and dedup state untouched so the caller can retire the task.
func (f *Frontier) Requeue(ctx context.Context, task indexer.Task, now time.Time) (indexer.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if task.Retries >= f.cfg.MaxRetries {
		return task, ErrRetriesExhausted
	}
	delay := Backoff(task.Retries, f.cfg.BackoffBase, f.cfg.BackoffMax, f.rng)
	task.Retries++
	task.EligibleAt = now.Add(delay)
	if err := f.dedup.Release(ctx, task.Fingerprint, now); err != nil {
		return task, err
	}
	f.insertLocked(task)
	return task, nil
}

// Postpone puts a task back with a fixed delay and no retry-count penalty.
// Used when the task itself is fine but its host is rate limited or a
// downstream write needs a moment before the task is tried again.
func (f *Frontier) Postpone(ctx context.Context, task indexer.Task, delay time.Duration, now time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	task.EligibleAt = now.Add(delay)
	if err := f.dedup.Release(ctx, task.Fingerprint, now); err != nil {
		return err
	}
	f.insertLocked(task)
	return nil
}

// Remove drops a queued task and forgets its fingerprint entirely, allowing
// an identical task to be pushed again later.
func (f *Frontier) Remove(ctx context.Context, fingerprint string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	it, ok := f.index[fingerprint]
	if !ok {
		return false, nil
	}
	heap.Remove(&f.heap, it.pos)
	delete(f.index, fingerprint)
	if err := f.dedup.Delete(ctx, fingerprint); err != nil {
		return true, err
	}
	return true, nil
}

// Len reports how many tasks are queued, eligible or not.
func (f *Frontier) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.heap)
}

// NextEligible returns the eligibility time of the most urgent queued task.
// The second return is false when the frontier is empty.
func (f *Frontier) NextEligible() (time.Time, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.heap) == 0 {
		return time.Time{}, false
	}
	return f.heap[0].task.EligibleAt, true
}

// Wake returns a channel that receives a signal whenever a task is inserted,
// so an idle coordinator can stop waiting on a stale timer.
func (f *Frontier) Wake() <-chan struct{} {
	return f.wake
}

// SnapshotTasks returns a copy of every queued task for checkpointing.
func (f *Frontier) SnapshotTasks() []indexer.Task {
	f.mu.Lock()
	defer f.mu.Unlock()

	tasks := make([]indexer.Task, 0, len(f.heap))
	for _, it := range f.heap {
		tasks = append(tasks, it.task)
	}
	return tasks
}

// Restore replaces the queue contents with tasks recovered from a checkpoint.
// Dedup state is restored separately by the checkpoint manager; Restore only
// rebuilds the heap.
func (f *Frontier) Restore(tasks []indexer.Task) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.heap = f.heap[:0]
	f.index = make(map[string]*item, len(tasks))
	f.seq = 0
	for _, task := range tasks {
		if _, ok := f.index[task.Fingerprint]; ok {
			continue
		}
		f.insertLocked(task)
	}
}

// insertLocked upserts by fingerprint: a task already in the index keeps its
// single heap item and only has its payload and position refreshed. Two items
// sharing one index slot would orphan one of them for Remove.
func (f *Frontier) insertLocked(task indexer.Task) {
	if it, ok := f.index[task.Fingerprint]; ok {
		it.task = task
		heap.Fix(&f.heap, it.pos)
		select {
		case f.wake <- struct{}{}:
		default:
		}
		return
	}
	it := &item{task: task, seq: f.seq}
	f.seq++
	f.index[task.Fingerprint] = it
	heap.Push(&f.heap, it)
	select {
	case f.wake <- struct{}{}:
	default:
	}
}
