// Package pipeline drives the crawl: a single coordinator goroutine pops
// eligible tasks from the frontier, admits them through the dedup store,
// checks the politeness gate, hands them to the worker pool, and applies each
// returned outcome to queue, dedup, and storage state.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-cpi-indexer/internal/dedup"
	"github.com/JakeFAU/realtime-cpi-indexer/internal/events"
	"github.com/JakeFAU/realtime-cpi-indexer/internal/frontier"
	"github.com/JakeFAU/realtime-cpi-indexer/internal/indexer"
	"github.com/JakeFAU/realtime-cpi-indexer/internal/metrics"
)

// dispatcher is the slice of the worker pool the coordinator uses.
type dispatcher interface {
	TrySubmit(task indexer.Task) bool
	Results() <-chan indexer.Result
	InFlight() int
}

// Config tunes coordinator behavior.
type Config struct {
	// GateRetryDelay reschedules a task whose host has no token yet.
	// Defaults to 500ms.
	GateRetryDelay time.Duration
	// PoolRetryDelay reschedules a task when the worker pool is saturated.
	// Defaults to 250ms.
	PoolRetryDelay time.Duration
	// RateLimitCooldown is the host penalty applied to a 429 without a
	// Retry-After header. Defaults to 30s.
	RateLimitCooldown time.Duration
	// StorageMaxRetries bounds Put attempts per record before the task is
	// retired. Defaults to 3.
	StorageMaxRetries int
	// StorageRetryDelay separates storage attempts. Defaults to 200ms.
	StorageRetryDelay time.Duration
	// DrainGrace bounds how long shutdown waits for in-flight fetches.
	// Defaults to 30s.
	DrainGrace time.Duration
	// IdleWait is the poll interval while the frontier is empty. Defaults
	// to 1s.
	IdleWait time.Duration
}

func (c *Config) applyDefaults() {
	if c.GateRetryDelay <= 0 {
		c.GateRetryDelay = 500 * time.Millisecond
	}
	if c.PoolRetryDelay <= 0 {
		c.PoolRetryDelay = 250 * time.Millisecond
	}
	if c.RateLimitCooldown <= 0 {
		c.RateLimitCooldown = 30 * time.Second
	}
	if c.StorageMaxRetries <= 0 {
		c.StorageMaxRetries = 3
	}
	if c.StorageRetryDelay <= 0 {
		c.StorageRetryDelay = 200 * time.Millisecond
	}
	if c.DrainGrace <= 0 {
		c.DrainGrace = 30 * time.Second
	}
	if c.IdleWait <= 0 {
		c.IdleWait = time.Second
	}
}

// Status is the live pipeline view served by the API.
type Status struct {
	FrontierDepth int       `json:"frontier_depth"`
	InFlight      int       `json:"in_flight"`
	DedupEntries  int       `json:"dedup_entries"`
	LastResultAt  time.Time `json:"last_result_at,omitempty"`
}

// Coordinator owns every task state transition. Only its Run goroutine
// mutates pipeline state; other goroutines read through Status and
// CheckpointState under the same lock that guards the in-flight table.
type Coordinator struct {
	cfg      Config
	frontier *frontier.Frontier
	dedup    dedup.Store
	gate     indexer.Gate
	pool     dispatcher
	records  indexer.RecordStore
	emitter  events.Emitter
	clock    indexer.Clock
	logger   *zap.Logger

	mu           sync.Mutex
	inflight     map[string]indexer.Task
	lastResultAt time.Time
}

// New wires a Coordinator. The emitter may be events.Discard{} for dry runs.
func New(
	cfg Config,
	fr *frontier.Frontier,
	store dedup.Store,
	gate indexer.Gate,
	pool dispatcher,
	records indexer.RecordStore,
	emitter events.Emitter,
	clock indexer.Clock,
	logger *zap.Logger,
) *Coordinator {
	cfg.applyDefaults()
	if emitter == nil {
		emitter = events.Discard{}
	}
	return &Coordinator{
		cfg:      cfg,
		frontier: fr,
		dedup:    store,
		gate:     gate,
		pool:     pool,
		records:  records,
		emitter:  emitter,
		clock:    clock,
		logger:   logger,
	}
}

// Run executes the dispatch loop until the context finishes, then drains
// in-flight fetches for up to DrainGrace before returning.
func (c *Coordinator) Run(ctx context.Context) {
	c.logger.Info("pipeline coordinator started")
	timer := time.NewTimer(c.cfg.IdleWait)
	defer timer.Stop()

	for {
		c.dispatchEligible(ctx)
		c.resetTimer(timer)

		select {
		case <-ctx.Done():
			c.drain()
			c.logger.Info("pipeline coordinator stopped")
			return
		case res := <-c.pool.Results():
			c.handleResult(ctx, res)
		case <-c.frontier.Wake():
		case <-timer.C:
		}
	}
}

// resetTimer arms the wait timer for the next eligibility time, or the idle
// interval when nothing is queued.
func (c *Coordinator) resetTimer(timer *time.Timer) {
	if !timer.Stop() {
		select {
		case <-timer.C:
		default:
		}
	}
	wait := c.cfg.IdleWait
	if next, ok := c.frontier.NextEligible(); ok {
		until := next.Sub(c.clock.Now())
		if until < time.Millisecond {
			until = time.Millisecond
		}
		if until < wait {
			wait = until
		}
	}
	timer.Reset(wait)
}

// dispatchEligible moves every currently eligible task through admission,
// the politeness gate, and pool submission. A saturated pool stops the
// sweep; deferred tasks return to the queue without burning retries.
func (c *Coordinator) dispatchEligible(ctx context.Context) {
	for {
		now := c.clock.Now()
		task, ok := c.popReadyTracked(now)
		if !ok {
			break
		}
		admitted, err := c.dedup.TryAdmit(ctx, task.Fingerprint, now)
		if err != nil {
			c.logger.Error("admission check failed, requeueing task",
				zap.String("url", task.URL), zap.Error(err))
			if perr := c.frontier.Postpone(ctx, task, c.cfg.PoolRetryDelay, now); perr != nil {
				c.logger.Error("postpone after admission error failed", zap.Error(perr))
			}
			c.untrack(task.Fingerprint)
			break
		}
		if !admitted {
			// Another path already owns this fingerprint.
			c.logger.Debug("dropping task already admitted elsewhere",
				zap.String("fingerprint", task.Fingerprint))
			c.untrack(task.Fingerprint)
			continue
		}
		if !c.gate.TryAcquire(task.Host, now) {
			// Postpone releases the fingerprint back to pending.
			if err := c.frontier.Postpone(ctx, task, c.cfg.GateRetryDelay, now); err != nil {
				c.logger.Error("gate postpone failed",
					zap.String("url", task.URL), zap.Error(err))
			}
			c.untrack(task.Fingerprint)
			continue
		}
		if !c.pool.TrySubmit(task) {
			if err := c.frontier.Postpone(ctx, task, c.cfg.PoolRetryDelay, now); err != nil {
				c.logger.Error("pool postpone failed",
					zap.String("url", task.URL), zap.Error(err))
			}
			c.untrack(task.Fingerprint)
			break
		}
		c.emitter.Emit(events.Event{
			Source: task.Source,
			Epoch:  task.Epoch,
			Kind:   events.KindDispatched,
			Host:   task.Host,
			URL:    task.URL,
			At:     now,
		})
	}
	metrics.SetFrontierDepth(c.frontier.Len())
}

// popReadyTracked pops the next eligible task and records it in the in-flight
// table in one critical section. From pop until its terminal transition a
// task stays visible in the table, so a concurrent checkpoint always finds it
// in at least one of the two task lists.
func (c *Coordinator) popReadyTracked(now time.Time) (indexer.Task, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	task, ok := c.frontier.PopReady(now)
	if !ok {
		return indexer.Task{}, false
	}
	if c.inflight == nil {
		c.inflight = make(map[string]indexer.Task)
	}
	c.inflight[task.Fingerprint] = task
	return task, true
}

// untrack drops a task from the in-flight table. Callers run the compensating
// frontier or dedup transition first; the table may briefly overlap with the
// queue, never leave a gap.
func (c *Coordinator) untrack(fingerprint string) {
	c.mu.Lock()
	delete(c.inflight, fingerprint)
	c.mu.Unlock()
}

// handleResult applies one outcome to pipeline state. It is idempotent for
// duplicate deliveries of the same successful outcome: record writes upsert
// and MarkDone on a done fingerprint is a no-op. The task leaves the
// in-flight table only after its queue and dedup transitions are applied.
func (c *Coordinator) handleResult(ctx context.Context, res indexer.Result) {
	now := c.clock.Now()
	task, outcome := res.Task, res.Outcome

	c.mu.Lock()
	c.lastResultAt = now
	c.mu.Unlock()

	switch outcome.Kind {
	case indexer.OutcomeSuccess:
		c.handleSuccess(ctx, task, outcome, now)
	case indexer.OutcomeRateLimited:
		c.handleRateLimited(ctx, task, outcome, now)
	case indexer.OutcomeRetryable:
		c.scheduleRetry(ctx, task, outcome, now)
	case indexer.OutcomePermanent:
		c.retire(ctx, task, outcome, string(outcome.Reason), now)
	default:
		c.logger.Error("unknown outcome kind, retiring task",
			zap.String("kind", string(outcome.Kind)), zap.String("url", task.URL))
		c.retire(ctx, task, outcome, "unknown_outcome", now)
	}
	c.untrack(task.Fingerprint)
	metrics.SetFrontierDepth(c.frontier.Len())
}

func (c *Coordinator) handleSuccess(ctx context.Context, task indexer.Task, outcome indexer.Outcome, now time.Time) {
	if err := c.storeRecords(ctx, outcome.Records); err != nil {
		c.logger.Error("storage writes exhausted, retiring task",
			zap.String("url", task.URL),
			zap.Int("records", len(outcome.Records)),
			zap.Error(err))
		c.emitter.Emit(events.Event{
			Source: task.Source,
			Epoch:  task.Epoch,
			Kind:   events.KindStorageAlert,
			Host:   task.Host,
			URL:    task.URL,
			At:     now,
			Note:   err.Error(),
		})
		c.retire(ctx, task, outcome, string(indexer.ReasonStorage), now)
		return
	}
	if err := c.dedup.MarkDone(ctx, task.Fingerprint, now); err != nil {
		c.logger.Error("mark done failed", zap.String("url", task.URL), zap.Error(err))
	}
	for _, discovered := range outcome.Discovered {
		if _, err := c.frontier.Push(ctx, discovered, now); err != nil {
			c.logger.Error("push discovered task failed",
				zap.String("url", discovered.URL), zap.Error(err))
		}
	}
	c.emitter.Emit(events.Event{
		Source:     task.Source,
		Epoch:      task.Epoch,
		Kind:       events.KindSucceeded,
		Host:       task.Host,
		URL:        task.URL,
		Records:    int64(len(outcome.Records)),
		Bytes:      outcome.BodyBytes,
		StatusCode: outcome.StatusCode,
		Dur:        outcome.Duration,
		At:         now,
	})
}

func (c *Coordinator) handleRateLimited(ctx context.Context, task indexer.Task, outcome indexer.Outcome, now time.Time) {
	cooldown := c.cfg.RateLimitCooldown
	if outcome.RetryAfter > 0 {
		cooldown = outcome.RetryAfter
	}
	c.gate.Penalize(task.Host, now.Add(cooldown))
	c.logger.Warn("host rate limited",
		zap.String("host", task.Host),
		zap.Duration("cooldown", cooldown))
	// Postponed, not requeued: a 429 costs the host a cooldown, never the
	// task a retry.
	if err := c.frontier.Postpone(ctx, task, cooldown, now); err != nil {
		c.logger.Error("rate-limit postpone failed",
			zap.String("url", task.URL), zap.Error(err))
	}
}

func (c *Coordinator) scheduleRetry(ctx context.Context, task indexer.Task, outcome indexer.Outcome, now time.Time) {
	requeued, err := c.frontier.Requeue(ctx, task, now)
	if err != nil {
		if errors.Is(err, frontier.ErrRetriesExhausted) {
			c.retire(ctx, task, outcome, string(indexer.ReasonRetriesExhausted), now)
			return
		}
		c.logger.Error("requeue failed, retiring task",
			zap.String("url", task.URL), zap.Error(err))
		c.retire(ctx, task, outcome, string(outcome.Reason), now)
		return
	}
	c.logger.Debug("retry scheduled",
		zap.String("url", task.URL),
		zap.Int("attempt", requeued.Retries),
		zap.Time("eligible_at", requeued.EligibleAt))
	c.emitter.Emit(events.Event{
		Source:     task.Source,
		Epoch:      task.Epoch,
		Kind:       events.KindRetryScheduled,
		Host:       task.Host,
		URL:        task.URL,
		StatusCode: outcome.StatusCode,
		At:         now,
		Note:       string(outcome.Reason),
	})
}

func (c *Coordinator) retire(ctx context.Context, task indexer.Task, outcome indexer.Outcome, reason string, now time.Time) {
	if err := c.dedup.MarkFailedTerminal(ctx, task.Fingerprint, now); err != nil {
		c.logger.Error("mark failed-terminal failed",
			zap.String("url", task.URL), zap.Error(err))
	}
	c.logger.Warn("task retired",
		zap.String("url", task.URL),
		zap.String("reason", reason),
		zap.Int("status", outcome.StatusCode),
		zap.Int("retries", task.Retries))
	c.emitter.Emit(events.Event{
		Source:     task.Source,
		Epoch:      task.Epoch,
		Kind:       events.KindRetired,
		Host:       task.Host,
		URL:        task.URL,
		StatusCode: outcome.StatusCode,
		At:         now,
		Note:       reason,
	})
}

// storeRecords writes every record with bounded per-record retries. A fetched
// record is never silently dropped: the error from the final attempt bubbles
// up so the caller can retire the task loudly.
func (c *Coordinator) storeRecords(ctx context.Context, records []indexer.Record) error {
	for _, record := range records {
		var lastErr error
		for attempt := 1; attempt <= c.cfg.StorageMaxRetries; attempt++ {
			lastErr = c.records.Put(ctx, record)
			if lastErr == nil {
				break
			}
			metrics.RecordStorageRetry()
			c.logger.Warn("record write failed",
				zap.String("record_id", record.ID),
				zap.Int("attempt", attempt),
				zap.Error(lastErr))
			if attempt == c.cfg.StorageMaxRetries {
				break
			}
			select {
			case <-ctx.Done():
				return fmt.Errorf("store record %s: %w", record.ID, ctx.Err())
			case <-time.After(c.cfg.StorageRetryDelay):
			}
		}
		if lastErr != nil {
			return fmt.Errorf("store record %s after %d attempts: %w",
				record.ID, c.cfg.StorageMaxRetries, lastErr)
		}
	}
	return nil
}

// drain collects outcomes for tasks already submitted to the pool, bounded
// by the grace period. Storage writes during drain run on a fresh context so
// the shutdown signal does not abort them mid-record.
func (c *Coordinator) drain() {
	remaining := c.pool.InFlight()
	if remaining == 0 {
		return
	}
	c.logger.Info("draining in-flight fetches", zap.Int("remaining", remaining))
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.DrainGrace)
	defer cancel()
	for c.pool.InFlight() > 0 {
		select {
		case res := <-c.pool.Results():
			c.handleResult(ctx, res)
		case <-ctx.Done():
			c.logger.Warn("drain grace expired",
				zap.Int("abandoned", c.pool.InFlight()))
			return
		}
	}
}

// Status reports live pipeline gauges for the query API.
func (c *Coordinator) Status(ctx context.Context) Status {
	entries, err := c.dedup.Len(ctx)
	if err != nil {
		c.logger.Warn("dedup size unavailable", zap.Error(err))
	}
	c.mu.Lock()
	inflight := len(c.inflight)
	last := c.lastResultAt
	c.mu.Unlock()
	return Status{
		FrontierDepth: c.frontier.Len(),
		InFlight:      inflight,
		DedupEntries:  entries,
		LastResultAt:  last,
	}
}

// CheckpointState implements checkpoint.StateSource. In-flight tasks are
// captured alongside the queue so a restart can release them back to
// pending.
func (c *Coordinator) CheckpointState(ctx context.Context) (queued, inflight []indexer.Task, entries []dedup.Entry, err error) {
	c.mu.Lock()
	inflight = make([]indexer.Task, 0, len(c.inflight))
	for _, task := range c.inflight {
		inflight = append(inflight, task)
	}
	queued = c.frontier.SnapshotTasks()
	c.mu.Unlock()

	if snapshotter, ok := c.dedup.(dedup.Snapshotter); ok {
		entries, err = snapshotter.SnapshotEntries(ctx)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("snapshot admission entries: %w", err)
		}
	}
	return queued, inflight, entries, nil
}
