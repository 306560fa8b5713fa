package checkpoint

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-cpi-indexer/internal/dedup"
	"github.com/JakeFAU/realtime-cpi-indexer/internal/indexer"
)

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

type fakeSource struct {
	queued   []indexer.Task
	inflight []indexer.Task
	entries  []dedup.Entry
	err      error
}

func (s *fakeSource) CheckpointState(context.Context) ([]indexer.Task, []indexer.Task, []dedup.Entry, error) {
	return s.queued, s.inflight, s.entries, s.err
}

type fakeTarget struct {
	restored []indexer.Task
}

func (t *fakeTarget) Restore(tasks []indexer.Task) {
	t.restored = tasks
}

func testTask(url string, retries int) indexer.Task {
	task := indexer.NewTask("acme", 1, 10, 1, url, indexer.TaskPayload{Type: indexer.SourceTypeJSONAPI})
	task.Retries = retries
	return task
}

func newManager(t *testing.T, source *fakeSource, target *fakeTarget, store dedup.Store) (*Manager, *LocalStore) {
	t.Helper()
	local, err := NewLocalStore(t.TempDir(), 3, zap.NewNop())
	require.NoError(t, err)
	clock := fixedClock{now: time.Unix(1700000000, 0).UTC()}
	return NewManager(source, target, store, local, clock, Config{Interval: time.Minute}, zap.NewNop()), local
}

func TestSnapshotPersistRestoreRoundTrip(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	now := time.Unix(1700000000, 0).UTC()
	memStore := dedup.NewMemory(time.Hour)

	queuedTask := testTask("https://shop.example.com/api/items?page=2", 0)
	queuedTask.EligibleAt = now.Add(time.Minute)
	inflightTask := testTask("https://shop.example.com/api/items?page=1", 1)

	_, err := memStore.MarkPending(ctx, queuedTask.Fingerprint, 1, now)
	require.NoError(t, err)
	_, err = memStore.MarkPending(ctx, inflightTask.Fingerprint, 1, now)
	require.NoError(t, err)
	_, err = memStore.TryAdmit(ctx, inflightTask.Fingerprint, now)
	require.NoError(t, err)

	entries, err := memStore.SnapshotEntries(ctx)
	require.NoError(t, err)

	source := &fakeSource{
		queued:   []indexer.Task{queuedTask},
		inflight: []indexer.Task{inflightTask},
		entries:  entries,
	}
	target := &fakeTarget{}
	mgr, _ := newManager(t, source, target, memStore)

	snap, err := mgr.Snapshot(ctx)
	require.NoError(t, err)
	require.Equal(t, FormatVersion, snap.FormatVersion)
	require.NoError(t, mgr.Persist(ctx, snap))

	// Simulate a restart: fresh dedup store, fresh manager.
	restartStore := dedup.NewMemory(time.Hour)
	restartTarget := &fakeTarget{}
	restartMgr := NewManager(source, restartTarget, restartStore, mustLocal(t, mgr), fixedClock{now: now.Add(time.Minute)}, Config{}, zap.NewNop())

	loaded, err := restartMgr.LoadLatest(ctx)
	require.NoError(t, err)
	require.NotNil(t, loaded)
	require.NoError(t, restartMgr.Restore(ctx, loaded))

	require.Len(t, restartTarget.restored, 2)
	require.Equal(t, queuedTask.Fingerprint, restartTarget.restored[0].Fingerprint)
	require.Equal(t, queuedTask.EligibleAt, restartTarget.restored[0].EligibleAt)
	require.Equal(t, inflightTask.Fingerprint, restartTarget.restored[1].Fingerprint)
	require.True(t, restartTarget.restored[1].EligibleAt.IsZero(), "recovered in-flight task is immediately eligible")
	require.Equal(t, 1, restartTarget.restored[1].Retries, "retry count survives the restart")

	state, ok, err := restartStore.Contains(ctx, inflightTask.Fingerprint)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, dedup.StatePending, state, "an interrupted fetch restores as pending, never done")
}

// mustLocal hands the manager's store to a second manager, mimicking two
// processes sharing one checkpoint directory.
func mustLocal(t *testing.T, mgr *Manager) Store {
	t.Helper()
	local, ok := mgr.store.(*LocalStore)
	require.True(t, ok)
	return local
}

func TestLoadLatestColdStartOnMissing(t *testing.T) {
	t.Parallel()

	mgr, _ := newManager(t, &fakeSource{}, &fakeTarget{}, dedup.NewMemory(time.Hour))
	snap, err := mgr.LoadLatest(context.Background())
	require.NoError(t, err)
	require.Nil(t, snap, "no checkpoint means cold start, not failure")
}

func TestLoadLatestColdStartOnCorruptJSON(t *testing.T) {
	t.Parallel()

	mgr, local := newManager(t, &fakeSource{}, &fakeTarget{}, dedup.NewMemory(time.Hour))
	ctx := context.Background()
	require.NoError(t, local.Save(ctx, []byte(`{"format_version": 1, "frontier": [`), time.Unix(1700000000, 0).UTC()))

	snap, err := mgr.LoadLatest(ctx)
	require.NoError(t, err)
	require.Nil(t, snap, "corrupt checkpoint degrades to cold start")
}

func TestLoadLatestColdStartOnUnknownVersion(t *testing.T) {
	t.Parallel()

	mgr, local := newManager(t, &fakeSource{}, &fakeTarget{}, dedup.NewMemory(time.Hour))
	ctx := context.Background()
	require.NoError(t, local.Save(ctx, []byte(`{"format_version": 99, "captured_at": "2023-11-14T22:13:20Z"}`), time.Unix(1700000000, 0).UTC()))

	snap, err := mgr.LoadLatest(ctx)
	require.NoError(t, err)
	require.Nil(t, snap)
}

func TestRestoreNilSnapshotIsNoOp(t *testing.T) {
	t.Parallel()

	target := &fakeTarget{}
	mgr, _ := newManager(t, &fakeSource{}, target, dedup.NewMemory(time.Hour))
	require.NoError(t, mgr.Restore(context.Background(), nil))
	require.Nil(t, target.restored)
}

func TestRunTakesIntervalSnapshots(t *testing.T) {
	t.Parallel()

	source := &fakeSource{queued: []indexer.Task{testTask("https://shop.example.com/api/items?page=1", 0)}}
	local, err := NewLocalStore(t.TempDir(), 3, zap.NewNop())
	require.NoError(t, err)
	mgr := NewManager(source, &fakeTarget{}, dedup.NewMemory(time.Hour), local,
		fixedClock{now: time.Unix(1700000000, 0).UTC()},
		Config{Interval: 20 * time.Millisecond}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		mgr.Run(ctx)
	}()

	require.Eventually(t, func() bool {
		_, err := local.LoadLatest(context.Background())
		return err == nil
	}, time.Second, 10*time.Millisecond, "an interval snapshot must land")

	cancel()
	<-done
}
