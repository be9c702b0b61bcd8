package pool

import (
	"context"
	"testing"
	"time"

	"github.com/ghostrun/ghostbrowser/internal/config"
	"github.com/ghostrun/ghostbrowser/internal/model"
	"github.com/ghostrun/ghostbrowser/internal/sessionclient"
	"github.com/ghostrun/ghostbrowser/internal/sessionclient/stub"
	"github.com/ghostrun/ghostbrowser/internal/statusbus"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func stubFactory(ctx context.Context) (sessionclient.Client, error) {
	return stub.New(), nil
}

func newManager(t *testing.T, cfg config.PoolConfig) (*Manager, *statusbus.Bus) {
	t.Helper()
	bus := statusbus.New(zap.NewNop())
	m := New(cfg, stubFactory, bus, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	m.Start(ctx)
	return m, bus
}

func waitForSnapshot(t *testing.T, m *Manager, want func(Snapshot) bool) Snapshot {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		snap, err := m.Snapshot(context.Background())
		require.NoError(t, err)
		if want(snap) {
			return snap
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("timed out waiting for snapshot condition")
	return Snapshot{}
}

func TestManager_AcquireSynchronousWhenSlotAvailable(t *testing.T) {
	m, _ := newManager(t, config.PoolConfig{MinSize: 1, MaxSize: 2})
	waitForSnapshot(t, m, func(s Snapshot) bool { return s.Available == 1 })

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	lease, err := m.Acquire(ctx, "task-1", model.PriorityForeground)
	require.NoError(t, err)
	assert.False(t, lease.WasQueued)
	assert.Equal(t, int64(0), lease.AssignmentWaitMs)
	assert.NotNil(t, lease.Client)
}

func TestManager_AcquireQueuesWhenNoSlotAndReleasesDispatch(t *testing.T) {
	m, bus := newManager(t, config.PoolConfig{MinSize: 1, MaxSize: 1})
	waitForSnapshot(t, m, func(s Snapshot) bool { return s.Available == 1 })

	ctx := context.Background()
	lease1, err := m.Acquire(ctx, "task-1", model.PriorityForeground)
	require.NoError(t, err)

	events, unsub := bus.Subscribe("task-2")
	defer unsub()

	acquireDone := make(chan *Lease, 1)
	acquireErr := make(chan error, 1)
	go func() {
		l, err := m.Acquire(context.Background(), "task-2", model.PriorityForeground)
		acquireErr <- err
		acquireDone <- l
	}()

	select {
	case ev := <-events:
		assert.Equal(t, model.QueueEnqueued, ev.Queue.Event)
	case <-time.After(time.Second):
		t.Fatal("expected ENQUEUED status event")
	}

	m.Release(lease1, false)

	select {
	case ev := <-events:
		assert.Equal(t, model.QueueDispatched, ev.Queue.Event)
	case <-time.After(time.Second):
		t.Fatal("expected DISPATCHED status event")
	}

	require.NoError(t, <-acquireErr)
	lease2 := <-acquireDone
	assert.True(t, lease2.WasQueued)
}

func TestManager_ForegroundPreemptsBackgroundInQueue(t *testing.T) {
	m, _ := newManager(t, config.PoolConfig{MinSize: 1, MaxSize: 1})
	waitForSnapshot(t, m, func(s Snapshot) bool { return s.Available == 1 })

	lease, err := m.Acquire(context.Background(), "holder", model.PriorityForeground)
	require.NoError(t, err)

	bgDone := make(chan *Lease, 1)
	fgDone := make(chan *Lease, 1)
	go func() {
		l, _ := m.Acquire(context.Background(), "bg-task", model.PriorityBackground)
		bgDone <- l
	}()
	time.Sleep(50 * time.Millisecond)
	go func() {
		l, _ := m.Acquire(context.Background(), "fg-task", model.PriorityForeground)
		fgDone <- l
	}()
	time.Sleep(50 * time.Millisecond)

	m.Release(lease, false)

	var fgLease *Lease
	select {
	case fgLease = <-fgDone:
		assert.NotNil(t, fgLease)
	case <-time.After(time.Second):
		t.Fatal("expected foreground acquire to win the single freed slot")
	}

	m.Release(fgLease, false)
	select {
	case l := <-bgDone:
		assert.NotNil(t, l)
	case <-time.After(2 * time.Second):
		t.Fatal("expected background acquire to eventually get the slot")
	}
}

func TestManager_CancelBeforeAssignmentReleasesQueueSlot(t *testing.T) {
	m, bus := newManager(t, config.PoolConfig{MinSize: 1, MaxSize: 1})
	waitForSnapshot(t, m, func(s Snapshot) bool { return s.Available == 1 })

	_, err := m.Acquire(context.Background(), "holder", model.PriorityForeground)
	require.NoError(t, err)

	events, unsub := bus.Subscribe("cancelled-task")
	defer unsub()

	ctx, cancel := context.WithCancel(context.Background())
	acquireErr := make(chan error, 1)
	go func() {
		_, err := m.Acquire(ctx, "cancelled-task", model.PriorityBackground)
		acquireErr <- err
	}()

	select {
	case ev := <-events:
		assert.Equal(t, model.QueueEnqueued, ev.Queue.Event)
	case <-time.After(time.Second):
		t.Fatal("expected ENQUEUED status event")
	}

	cancel()
	err = <-acquireErr
	assert.ErrorIs(t, err, context.Canceled)

	select {
	case ev := <-events:
		assert.Equal(t, model.QueueReleased, ev.Queue.Event)
		assert.True(t, ev.Queue.WasQueued)
	case <-time.After(time.Second):
		t.Fatal("expected RELEASED status event after cancellation")
	}
}

func TestManager_DestroyedSlotReplenishesWithSameContextID(t *testing.T) {
	m, _ := newManager(t, config.PoolConfig{MinSize: 1, MaxSize: 1})
	waitForSnapshot(t, m, func(s Snapshot) bool { return s.Available == 1 })

	lease, err := m.Acquire(context.Background(), "task-1", model.PriorityForeground)
	require.NoError(t, err)
	originalContextID := lease.ContextID

	m.Release(lease, true)
	waitForSnapshot(t, m, func(s Snapshot) bool { return s.Available == 1 })

	lease2, err := m.Acquire(context.Background(), "task-2", model.PriorityForeground)
	require.NoError(t, err)
	assert.Equal(t, originalContextID, lease2.ContextID, "replenished slot must keep the destroyed slot's contextId")
}

func TestManager_SnapshotReflectsCounts(t *testing.T) {
	m, _ := newManager(t, config.PoolConfig{MinSize: 2, MaxSize: 2})
	snap := waitForSnapshot(t, m, func(s Snapshot) bool { return s.Available == 2 })
	assert.Equal(t, 0, snap.InUse)
	assert.Equal(t, 0, snap.QueueDepth)
}

func TestManager_ShutdownDrainsQueueAndClosesClients(t *testing.T) {
	m, _ := newManager(t, config.PoolConfig{MinSize: 1, MaxSize: 1})
	waitForSnapshot(t, m, func(s Snapshot) bool { return s.Available == 1 })

	_, err := m.Acquire(context.Background(), "holder", model.PriorityForeground)
	require.NoError(t, err)

	acquireErr := make(chan error, 1)
	go func() {
		_, err := m.Acquire(context.Background(), "queued-task", model.PriorityBackground)
		acquireErr <- err
	}()
	time.Sleep(50 * time.Millisecond)

	require.NoError(t, m.Shutdown(context.Background()))
	err = <-acquireErr
	assert.Error(t, err, "queued acquire must fail once the pool is shutting down")
}
