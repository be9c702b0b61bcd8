package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ghostrun/ghostbrowser/internal/config"
	"github.com/ghostrun/ghostbrowser/internal/model"
	"github.com/ghostrun/ghostbrowser/internal/pool"
	"github.com/ghostrun/ghostbrowser/internal/sessionclient"
	"github.com/ghostrun/ghostbrowser/internal/sessionclient/fixture"
	"github.com/ghostrun/ghostbrowser/internal/statusbus"
)

func warnOnlyBudget() config.BudgetConfig {
	return config.BudgetConfig{CPUPercent: 80, MemoryMB: 1024, ViolationWindowMs: 10_000, SampleIntervalMs: 1_000, Mode: "warn_only"}
}

func newTestPool(t *testing.T, cfg config.PoolConfig, bus *statusbus.Bus) *pool.Manager {
	t.Helper()
	mgr := pool.New(cfg, func(ctx context.Context) (sessionclient.Client, error) {
		return fixture.New(nil), nil
	}, bus, zap.NewNop())
	mgr.Start(t.Context())
	return mgr
}

// drainEvents collects the first n SCHEDULER events; the pool's QUEUE events
// for the same task share the bus and are skipped.
func drainEvents(ch <-chan model.StatusEvent, n int, timeout time.Duration) []model.StatusEvent {
	events := make([]model.StatusEvent, 0, n)
	deadline := time.After(timeout)
	for len(events) < n {
		select {
		case ev := <-ch:
			if ev.Kind == model.StatusSched {
				events = append(events, ev)
			}
		case <-deadline:
			return events
		}
	}
	return events
}

func TestScheduler_SubmitSucceedsOnFirstAttempt(t *testing.T) {
	bus := statusbus.New(zap.NewNop())
	mgr := newTestPool(t, config.PoolConfig{MinSize: 1, MaxSize: 2}, bus)
	sched := New[string](mgr, bus, config.SchedulerConfig{MaxRetries: 2}, warnOnlyBudget(), zap.NewNop())

	events, unsub := bus.Subscribe("task-1")
	defer unsub()

	result, err := sched.Submit(t.Context(), SubmitRequest{TaskID: "task-1"}, func(ctx context.Context, a AttemptContext) (string, error) {
		assert.Equal(t, 1, a.Attempt)
		assert.Equal(t, model.PriorityForeground, a.Priority)
		return "done", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "done", result)

	got := drainEvents(events, 2, time.Second)
	require.Len(t, got, 2)
	assert.Equal(t, model.SchedStarted, got[0].Scheduler.Event)
	assert.Equal(t, model.SchedSucceeded, got[1].Scheduler.Event)
}

func TestScheduler_CrashRetriesThenSucceeds(t *testing.T) {
	bus := statusbus.New(zap.NewNop())
	mgr := newTestPool(t, config.PoolConfig{MinSize: 1, MaxSize: 2}, bus)
	sched := New[string](mgr, bus, config.SchedulerConfig{MaxRetries: 2}, warnOnlyBudget(), zap.NewNop())

	events, unsub := bus.Subscribe("task-2")
	defer unsub()

	attempts := 0
	result, err := sched.Submit(t.Context(), SubmitRequest{TaskID: "task-2"}, func(ctx context.Context, a AttemptContext) (string, error) {
		attempts++
		if attempts == 1 {
			return "", errors.New("target closed")
		}
		return "recovered", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "recovered", result)
	assert.Equal(t, 2, attempts)

	got := drainEvents(events, 4, time.Second)
	require.Len(t, got, 4)
	assert.Equal(t, model.SchedStarted, got[0].Scheduler.Event)
	assert.Equal(t, model.SchedCrashDetected, got[1].Scheduler.Event)
	assert.Equal(t, model.SchedRetrying, got[2].Scheduler.Event)
	assert.Equal(t, model.SchedStarted, got[3].Scheduler.Event)
}

func TestScheduler_NonCrashFailureDoesNotRetry(t *testing.T) {
	bus := statusbus.New(zap.NewNop())
	mgr := newTestPool(t, config.PoolConfig{MinSize: 1, MaxSize: 2}, bus)
	sched := New[string](mgr, bus, config.SchedulerConfig{MaxRetries: 2}, warnOnlyBudget(), zap.NewNop())

	events, unsub := bus.Subscribe("task-3")
	defer unsub()

	attempts := 0
	_, err := sched.Submit(t.Context(), SubmitRequest{TaskID: "task-3"}, func(ctx context.Context, a AttemptContext) (string, error) {
		attempts++
		return "", errors.New("invalid selector: #missing")
	})
	require.Error(t, err)
	var execErr *TaskExecutionError
	require.ErrorAs(t, err, &execErr)
	assert.Equal(t, 1, execErr.Attempts) // attempts actually run, not maxAttempts
	assert.Equal(t, 1, attempts, "a non-crash failure must not be retried")

	got := drainEvents(events, 2, time.Second)
	require.Len(t, got, 2)
	assert.Equal(t, model.SchedStarted, got[0].Scheduler.Event)
	assert.Equal(t, model.SchedFailed, got[1].Scheduler.Event)
}

func TestScheduler_SustainedBudgetViolationFailsWithoutRetry(t *testing.T) {
	bus := statusbus.New(zap.NewNop())
	mgr := newTestPool(t, config.PoolConfig{MinSize: 1, MaxSize: 2}, bus)
	budgetCfg := config.BudgetConfig{CPUPercent: 50, MemoryMB: 500, ViolationWindowMs: 5000, SampleIntervalMs: 2, Mode: "warn_only"}
	sched := New[string](mgr, bus, config.SchedulerConfig{MaxRetries: 2}, budgetCfg, zap.NewNop())

	events, unsub := bus.Subscribe("task-4")
	defer unsub()

	_, err := sched.Submit(t.Context(), SubmitRequest{TaskID: "task-4"}, func(ctx context.Context, a AttemptContext) (string, error) {
		fc := a.Lease.Client.(*fixture.Client)
		fc.SetResourceSamples([]sessionclient.ResourceSample{
			{TimestampMs: 0, CPUTaskSeconds: 0},
			{TimestampMs: 1000, CPUTaskSeconds: 0.8},
			{TimestampMs: 3000, CPUTaskSeconds: 2.4},
			{TimestampMs: 6500, CPUTaskSeconds: 5.2},
		})
		time.Sleep(25 * time.Millisecond)
		return "ignored", nil
	})
	require.Error(t, err)
	var execErr *TaskExecutionError
	require.ErrorAs(t, err, &execErr)
	assert.Contains(t, execErr.Cause.Message, "cpu")

	got := drainEvents(events, 2, time.Second)
	require.Len(t, got, 2)
	assert.Equal(t, model.SchedStarted, got[0].Scheduler.Event)
	assert.Equal(t, model.SchedBudgetExceeded, got[1].Scheduler.Event)
}

func TestScheduler_KillTabModeEmitsBudgetKilled(t *testing.T) {
	bus := statusbus.New(zap.NewNop())
	mgr := newTestPool(t, config.PoolConfig{MinSize: 1, MaxSize: 2}, bus)
	budgetCfg := config.BudgetConfig{CPUPercent: 50, MemoryMB: 500, ViolationWindowMs: 5000, SampleIntervalMs: 2, Mode: "kill_tab"}
	sched := New[string](mgr, bus, config.SchedulerConfig{MaxRetries: 2}, budgetCfg, zap.NewNop())

	events, unsub := bus.Subscribe("task-5")
	defer unsub()

	_, err := sched.Submit(t.Context(), SubmitRequest{TaskID: "task-5"}, func(ctx context.Context, a AttemptContext) (string, error) {
		fc := a.Lease.Client.(*fixture.Client)
		fc.SetResourceSamples([]sessionclient.ResourceSample{
			{TimestampMs: 0, CPUTaskSeconds: 0},
			{TimestampMs: 1000, CPUTaskSeconds: 0.8},
			{TimestampMs: 3000, CPUTaskSeconds: 2.4},
			{TimestampMs: 6500, CPUTaskSeconds: 5.2},
		})
		time.Sleep(25 * time.Millisecond)
		return "ignored", nil
	})
	require.Error(t, err)

	got := drainEvents(events, 2, time.Second)
	require.Len(t, got, 2)
	assert.Equal(t, model.SchedBudgetKilled, got[1].Scheduler.Event)
}

func TestScheduler_CancelWhileQueuedReturnsErrCancelled(t *testing.T) {
	bus := statusbus.New(zap.NewNop())
	// MaxSize=0 guarantees the request stays queued forever until cancelled.
	mgr := newTestPool(t, config.PoolConfig{MinSize: 0, MaxSize: 0}, bus)
	sched := New[string](mgr, bus, config.SchedulerConfig{MaxRetries: 2}, warnOnlyBudget(), zap.NewNop())

	resultCh := make(chan error, 1)
	go func() {
		_, err := sched.Submit(t.Context(), SubmitRequest{TaskID: "task-cancel"}, func(ctx context.Context, a AttemptContext) (string, error) {
			return "unreachable", nil
		})
		resultCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	assert.True(t, sched.Cancel("task-cancel"))

	select {
	case err := <-resultCh:
		assert.ErrorIs(t, err, ErrCancelled)
	case <-time.After(2 * time.Second):
		t.Fatal("submit did not return after cancel")
	}
}

func TestScheduler_CancelOnUnknownTaskReturnsFalse(t *testing.T) {
	bus := statusbus.New(zap.NewNop())
	mgr := newTestPool(t, config.PoolConfig{MinSize: 1, MaxSize: 2}, bus)
	sched := New[string](mgr, bus, config.SchedulerConfig{MaxRetries: 2}, warnOnlyBudget(), zap.NewNop())

	assert.False(t, sched.Cancel("never-submitted"))
}

func TestScheduler_PoolSnapshotForwardsToPool(t *testing.T) {
	bus := statusbus.New(zap.NewNop())
	mgr := newTestPool(t, config.PoolConfig{MinSize: 2, MaxSize: 2}, bus)
	sched := New[string](mgr, bus, config.SchedulerConfig{MaxRetries: 2}, warnOnlyBudget(), zap.NewNop())

	snap, err := sched.PoolSnapshot(t.Context())
	require.NoError(t, err)
	assert.GreaterOrEqual(t, snap.Available+snap.Warming, 0)
}
