// Package scheduler implements the Scheduler (spec §4.6): it runs one
// submitted task through up to maxAttempts attempts, each over a fresh
// pool lease, enforcing resource budgets and surfacing typed status
// events, retrying only crashes.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/ghostrun/ghostbrowser/internal/budget"
	"github.com/ghostrun/ghostbrowser/internal/config"
	"github.com/ghostrun/ghostbrowser/internal/model"
	"github.com/ghostrun/ghostbrowser/internal/pool"
	"github.com/ghostrun/ghostbrowser/internal/statusbus"
)

// ErrCancelled is returned by Submit when the task was cancelled, either
// while queued or mid-attempt.
var ErrCancelled = errors.New("task cancelled")

// AttemptContext carries everything one attempt's user-runner needs.
type AttemptContext struct {
	Lease       *pool.Lease
	Attempt     int
	MaxAttempts int
	TaskID      string
	Priority    model.Priority
	EmitStatus  func(model.StatusEvent) error
}

// Runner executes one attempt over a granted lease and produces a result.
// Implementations close over whatever task-specific input they need; the
// scheduler only ever sees the attempt's lease and bookkeeping.
type Runner[R any] func(ctx context.Context, attempt AttemptContext) (R, error)

// SubmitRequest names one task submission.
type SubmitRequest struct {
	TaskID   string
	Priority model.Priority
}

// TaskExecutionError is the terminal error a Submit call returns once every
// attempt has been exhausted (spec §4.6's ParallelTaskExecutionError).
type TaskExecutionError struct {
	TaskID   string
	Attempts int
	Cause    *model.ErrorDetail
}

func (e *TaskExecutionError) Error() string {
	return fmt.Sprintf("task %s failed after %d attempt(s): %s", e.TaskID, e.Attempts, e.Cause.Error())
}

func (e *TaskExecutionError) Unwrap() error { return e.Cause }

// Scheduler drives attempts for tasks of result type R over a shared pool.
type Scheduler[R any] struct {
	pool        *pool.Manager
	bus         *statusbus.Bus
	budgetCfg   config.BudgetConfig
	maxAttempts int
	log         *zap.Logger

	mu           sync.Mutex
	cancelFuncs  map[string]context.CancelFunc
	cancelledSet map[string]bool
}

// New builds a Scheduler. schedCfg.MaxRetries=2 (the default) yields 3
// attempts.
func New[R any](poolMgr *pool.Manager, bus *statusbus.Bus, schedCfg config.SchedulerConfig, budgetCfg config.BudgetConfig, log *zap.Logger) *Scheduler[R] {
	maxAttempts := schedCfg.MaxRetries + 1
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Scheduler[R]{
		pool:         poolMgr,
		bus:          bus,
		budgetCfg:    budgetCfg,
		maxAttempts:  maxAttempts,
		log:          log.Named("scheduler"),
		cancelFuncs:  make(map[string]context.CancelFunc),
		cancelledSet: make(map[string]bool),
	}
}

// PoolSnapshot exposes the pool's observability surface (§4.8 poolSnapshot).
func (s *Scheduler[R]) PoolSnapshot(ctx context.Context) (pool.Snapshot, error) {
	return s.pool.Snapshot(ctx)
}

// Cancel cancels the task's attempt context and marks the task cancelled:
// a queued acquire request is withdrawn from the pool's wait queue, a lease
// granted in the same race window is destroyed unused rather than run, and
// an in-flight runner sees its context cancelled, after which its lease is
// destroyed. The session is not closed while the runner is still running.
// Idempotent: returns false once the task is no longer tracked.
func (s *Scheduler[R]) Cancel(taskID string) bool {
	s.mu.Lock()
	cancel, ok := s.cancelFuncs[taskID]
	if ok {
		s.cancelledSet[taskID] = true
	}
	s.mu.Unlock()
	if !ok {
		return false
	}
	cancel()
	return true
}

func (s *Scheduler[R]) isCancelled(taskID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelledSet[taskID]
}

// Submit runs req's task through the §4.6 attempt loop until success,
// cancellation, or attempt exhaustion.
func (s *Scheduler[R]) Submit(ctx context.Context, req SubmitRequest, runner Runner[R]) (R, error) {
	var zero R
	if req.Priority == "" {
		req.Priority = model.PriorityForeground
	}

	attemptCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancelFuncs[req.TaskID] = cancel
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.cancelFuncs, req.TaskID)
		delete(s.cancelledSet, req.TaskID)
		s.mu.Unlock()
		cancel()
	}()

	submittedAt := time.Now()
	var lastErr *model.ErrorDetail
	attemptsUsed := 0
	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		attemptsUsed = attempt
		result, retryableCrash, cancelled, runErr := s.runAttempt(attemptCtx, req, attempt, runner)
		if cancelled {
			return zero, ErrCancelled
		}
		if runErr == nil {
			s.publish(req.TaskID, model.SchedSucceeded, req.Priority, "", time.Since(submittedAt).Milliseconds(), nil)
			return result, nil
		}
		lastErr = model.Classify(runErr)
		if retryableCrash && attempt < s.maxAttempts {
			s.publish(req.TaskID, model.SchedRetrying, req.Priority, "", time.Since(submittedAt).Milliseconds(), lastErr)
			continue
		}
		break
	}

	if lastErr == nil {
		lastErr = model.NewErrorDetail(model.ErrKindUnknown, "attempt failed with no error detail", nil)
	}
	s.publish(req.TaskID, model.SchedFailed, req.Priority, "", time.Since(submittedAt).Milliseconds(), lastErr)
	return zero, &TaskExecutionError{TaskID: req.TaskID, Attempts: attemptsUsed, Cause: lastErr}
}

// runAttempt runs exactly one attempt: acquire, monitor, run, release,
// classify. It reports whether the failure is a retryable crash and
// whether the task was cancelled during this attempt.
func (s *Scheduler[R]) runAttempt(ctx context.Context, req SubmitRequest, attempt int, runner Runner[R]) (result R, retryableCrash bool, cancelled bool, err error) {
	var zero R

	lease, acquireErr := s.pool.Acquire(ctx, req.TaskID, req.Priority)
	if acquireErr != nil {
		if s.isCancelled(req.TaskID) || errors.Is(acquireErr, context.Canceled) {
			return zero, false, true, acquireErr
		}
		return zero, false, false, acquireErr
	}

	if s.isCancelled(req.TaskID) {
		s.pool.Release(lease, true)
		return zero, false, true, context.Canceled
	}

	s.publishStarted(req.TaskID, req.Priority, lease.ContextID, lease.AssignmentWaitMs)

	mon := budget.New(s.budgetCfg, lease.Client, s.log)
	mon.Start(ctx)

	var crashed int32
	unsub := lease.Client.OnCrash(func(reason string) { atomic.StoreInt32(&crashed, 1) })

	attemptInfo := AttemptContext{
		Lease:       lease,
		Attempt:     attempt,
		MaxAttempts: s.maxAttempts,
		TaskID:      req.TaskID,
		Priority:    req.Priority,
		EmitStatus:  s.bus.Publish,
	}
	runResult, runErr := runner(ctx, attemptInfo)

	mon.Stop()
	unsub()

	violation := mon.Violation()
	sessionCrashed := atomic.LoadInt32(&crashed) == 1
	crashLike := sessionCrashed || (runErr != nil && model.LooksLikeCrash(runErr))

	destroy := runErr != nil || violation != nil || crashLike || s.isCancelled(req.TaskID)
	s.pool.Release(lease, destroy)

	if s.isCancelled(req.TaskID) {
		return zero, false, true, context.Canceled
	}

	if runErr == nil && violation == nil && !crashLike {
		return runResult, false, false, nil
	}

	switch {
	case violation != nil && mon.KillTriggered():
		s.publish(req.TaskID, model.SchedBudgetKilled, req.Priority, lease.ContextID, 0, violation)
		return zero, false, false, violation
	case violation != nil:
		s.publish(req.TaskID, model.SchedBudgetExceeded, req.Priority, lease.ContextID, 0, violation)
		return zero, false, false, violation
	case crashLike:
		detail := model.NewErrorDetail(model.ErrKindRuntime, "session crashed", runErr)
		if runErr != nil {
			detail = model.Classify(runErr)
		}
		detail.Retryable = true
		s.publish(req.TaskID, model.SchedCrashDetected, req.Priority, lease.ContextID, 0, detail)
		return zero, true, false, detail
	default:
		detail := model.Classify(runErr)
		return zero, false, false, detail
	}
}

func (s *Scheduler[R]) publish(taskID string, event model.SchedulerEventName, priority model.Priority, contextID string, durationMs int64, errDetail *model.ErrorDetail) {
	if s.bus == nil || taskID == "" {
		return
	}
	_ = s.bus.Publish(model.StatusEvent{
		TaskID: taskID,
		Kind:   model.StatusSched,
		Scheduler: &model.SchedulerPayload{
			Event:      event,
			Priority:   priority,
			ContextID:  contextID,
			DurationMs: durationMs,
			Error:      errDetail,
		},
	})
}

func (s *Scheduler[R]) publishStarted(taskID string, priority model.Priority, contextID string, assignmentWaitMs int64) {
	if s.bus == nil || taskID == "" {
		return
	}
	_ = s.bus.Publish(model.StatusEvent{
		TaskID: taskID,
		Kind:   model.StatusSched,
		Scheduler: &model.SchedulerPayload{
			Event:            model.SchedStarted,
			Priority:         priority,
			ContextID:        contextID,
			AssignmentWaitMs: assignmentWaitMs,
		},
	})
}
