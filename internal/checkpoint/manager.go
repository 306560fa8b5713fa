package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-cpi-indexer/internal/dedup"
	"github.com/JakeFAU/realtime-cpi-indexer/internal/indexer"
	"github.com/JakeFAU/realtime-cpi-indexer/internal/metrics"
)

// StateSource yields one atomic capture of queued tasks, in-flight tasks,
// and admission entries. The coordinator implements it under the same lock
// that guards task transitions, so a capture never splits a transition.
type StateSource interface {
	CheckpointState(ctx context.Context) (queued, inflight []indexer.Task, entries []dedup.Entry, err error)
}

// RestoreTarget receives the recovered task queue at startup.
type RestoreTarget interface {
	Restore(tasks []indexer.Task)
}

// Config controls Manager behavior.
type Config struct {
	Interval time.Duration
}

// Manager drives interval snapshots and startup recovery.
type Manager struct {
	source StateSource
	target RestoreTarget
	dedup  dedup.Store
	store  Store
	clock  indexer.Clock
	cfg    Config
	logger *zap.Logger

	lastPersisted atomic.Int64
}

// NewManager constructs a Manager.
func NewManager(
	source StateSource,
	target RestoreTarget,
	dedupStore dedup.Store,
	store Store,
	clock indexer.Clock,
	cfg Config,
	logger *zap.Logger,
) *Manager {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	return &Manager{
		source: source,
		target: target,
		dedup:  dedupStore,
		store:  store,
		clock:  clock,
		cfg:    cfg,
		logger: logger,
	}
}

// Snapshot captures the current pipeline state.
func (m *Manager) Snapshot(ctx context.Context) (Snapshot, error) {
	queued, inflight, entries, err := m.source.CheckpointState(ctx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("capture pipeline state: %w", err)
	}
	return Snapshot{
		FormatVersion: FormatVersion,
		CapturedAt:    m.clock.Now(),
		Frontier:      queued,
		Dedup:         entries,
		InFlight:      inflight,
	}, nil
}

// Persist encodes and durably writes one snapshot.
func (m *Manager) Persist(ctx context.Context, snap Snapshot) error {
	start := time.Now()
	data, err := json.Marshal(snap)
	if err != nil {
		metrics.ObserveCheckpoint("error", time.Since(start))
		return fmt.Errorf("encode checkpoint: %w", err)
	}
	if err := m.store.Save(ctx, data, snap.CapturedAt); err != nil {
		metrics.ObserveCheckpoint("error", time.Since(start))
		return fmt.Errorf("save checkpoint: %w", err)
	}
	metrics.ObserveCheckpoint("ok", time.Since(start))
	m.lastPersisted.Store(snap.CapturedAt.UnixNano())
	m.logger.Debug("checkpoint persisted",
		zap.Time("captured_at", snap.CapturedAt),
		zap.Int("queued", len(snap.Frontier)),
		zap.Int("inflight", len(snap.InFlight)))
	return nil
}

// LoadLatest returns the newest readable snapshot, or nil for a cold start.
// Unreadable, corrupt, or unknown-version checkpoints degrade to a cold
// start with a warning; they never fail startup.
func (m *Manager) LoadLatest(ctx context.Context) (*Snapshot, error) {
	data, err := m.store.LoadLatest(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("load checkpoint: %w", ctx.Err())
		}
		if errors.Is(err, ErrNoCheckpoint) {
			m.logger.Info("no checkpoint found, starting cold")
			return nil, nil
		}
		m.logger.Warn("checkpoint unreadable, starting cold", zap.Error(err))
		return nil, nil
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		m.logger.Warn("checkpoint corrupt, starting cold", zap.Error(err))
		return nil, nil
	}
	if snap.FormatVersion != FormatVersion {
		m.logger.Warn("checkpoint format unknown, starting cold",
			zap.Int("format_version", snap.FormatVersion))
		return nil, nil
	}
	return &snap, nil
}

// Restore applies a loaded snapshot: admission entries first, then the task
// queue. In-flight tasks from the dead process are released back to pending
// and queued immediately; re-fetching them is safe because extraction and
// storage are idempotent.
func (m *Manager) Restore(ctx context.Context, snap *Snapshot) error {
	if snap == nil {
		return nil
	}
	now := m.clock.Now()
	if snapshotter, ok := m.dedup.(dedup.Snapshotter); ok && len(snap.Dedup) > 0 {
		if err := snapshotter.RestoreEntries(ctx, snap.Dedup); err != nil {
			return fmt.Errorf("restore admission entries: %w", err)
		}
	}
	tasks := make([]indexer.Task, 0, len(snap.Frontier)+len(snap.InFlight))
	tasks = append(tasks, snap.Frontier...)
	for _, task := range snap.InFlight {
		task.EligibleAt = time.Time{}
		tasks = append(tasks, task)
		if err := m.dedup.Release(ctx, task.Fingerprint, now); err != nil {
			return fmt.Errorf("release in-flight fingerprint: %w", err)
		}
	}
	m.target.Restore(tasks)
	m.logger.Info("checkpoint restored",
		zap.Time("captured_at", snap.CapturedAt),
		zap.Int("queued", len(snap.Frontier)),
		zap.Int("inflight", len(snap.InFlight)),
		zap.Int("dedup_entries", len(snap.Dedup)))
	return nil
}

// Run snapshots on every interval tick until the context finishes. A failed
// cycle skips to the next tick.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.checkpoint(ctx); err != nil {
				m.logger.Warn("interval checkpoint failed", zap.Error(err))
			}
		}
	}
}

// Final takes the shutdown snapshot. Failure is surfaced loudly but never
// blocks process exit.
func (m *Manager) Final(ctx context.Context) {
	if err := m.checkpoint(ctx); err != nil {
		m.logger.Error("final checkpoint failed", zap.Error(err))
		return
	}
	m.logger.Info("final checkpoint persisted")
}

// LastPersisted reports when the newest checkpoint was captured; zero before
// the first successful persist of this process.
func (m *Manager) LastPersisted() time.Time {
	nanos := m.lastPersisted.Load()
	if nanos == 0 {
		return time.Time{}
	}
	return time.Unix(0, nanos).UTC()
}

func (m *Manager) checkpoint(ctx context.Context) error {
	snap, err := m.Snapshot(ctx)
	if err != nil {
		return err
	}
	return m.Persist(ctx, snap)
}
