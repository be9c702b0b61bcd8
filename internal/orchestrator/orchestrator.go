// Package orchestrator implements the public surface (spec §4.8): accept
// submissions, drive classification + decomposition, feed the scheduler,
// fan out status events, and expose cancel/snapshot.
package orchestrator

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ghostrun/ghostbrowser/internal/config"
	"github.com/ghostrun/ghostbrowser/internal/decomposer"
	"github.com/ghostrun/ghostbrowser/internal/loop"
	"github.com/ghostrun/ghostbrowser/internal/model"
	"github.com/ghostrun/ghostbrowser/internal/pool"
	"github.com/ghostrun/ghostbrowser/internal/scheduler"
	"github.com/ghostrun/ghostbrowser/internal/statemachine"
	"github.com/ghostrun/ghostbrowser/internal/statusbus"
)

// TaskResult is the Scheduler's result type for this package's runner.
type TaskResult struct {
	FinalURL string
}

// SubmitInput is the §6 public command-submission shape.
type SubmitInput struct {
	Text   string
	Mode   string // AUTO | BROWSE | DO | MAKE | RESEARCH
	Source string
}

// Classification is the §6 submission-result classification shape.
type Classification struct {
	Intent     string  `json:"intent"`
	Source     string  `json:"source"`
	Confidence float64 `json:"confidence"`
	Reason     string  `json:"reason"`
}

// ExecutionPlan is the §6 submission-result execution-plan shape.
type ExecutionPlan struct {
	Route          string `json:"route"`
	RunInTopTab    bool   `json:"runInTopTab"`
	SpawnGhostTabs bool   `json:"spawnGhostTabs"`
	PrimaryEngine  string `json:"primaryEngine"`
}

// Dispatch is the §6 submission-result dispatch shape.
type Dispatch struct {
	DispatchID         string         `json:"dispatchId"`
	SubmittedAt        time.Time      `json:"submittedAt"`
	Source             string         `json:"source"`
	Mode               string         `json:"mode"`
	ModeOverride       string         `json:"modeOverride"`
	WorkspaceContextID string         `json:"workspaceContextId"`
	RawInput           string         `json:"rawInput"`
	NormalizedURL      string         `json:"normalizedUrl"`
	Classification     Classification `json:"classification"`
	ExecutionPlan      ExecutionPlan  `json:"executionPlan"`
	TaskID             string         `json:"taskId"`
}

// SubmissionResult is the §6 public submission-result envelope.
type SubmissionResult struct {
	Accepted   bool      `json:"accepted"`
	ClearInput bool      `json:"clearInput"`
	Error      *string   `json:"error"`
	Dispatch   *Dispatch `json:"dispatch,omitempty"`
}

// Snapshot is the §4.8 observability surface: pool state plus in-flight
// and queued task counts.
type Snapshot struct {
	Pool    pool.Snapshot
	Running int
	Queued  int
}

// Orchestrator owns the pool, the status bus, the scheduler, and every
// task's bookkeeping for its lifetime.
type Orchestrator struct {
	pool       *pool.Manager
	bus        *statusbus.Bus
	sched      *scheduler.Scheduler[TaskResult]
	decomposer *decomposer.Decomposer
	loop       *loop.Loop
	log        *zap.Logger

	mu     sync.Mutex
	tasks  map[string]*model.Task
	ctx    context.Context
	cancel context.CancelFunc
}

// New builds an Orchestrator, including the pool itself, so that pool
// QUEUE events and scheduler SCHEDULER events publish onto the one bus
// this Orchestrator exposes via OnStatus — the §5 ordering guarantee
// (queue, then state/scheduler/subtask, interleaved per task) only holds
// if every producer shares a single statusbus.Bus instance. lp must
// already be constructed with its own navigator adapters. Start must be
// called before Submit.
func New(poolCfg config.PoolConfig, factory pool.Factory, lp *loop.Loop, dec *decomposer.Decomposer, schedCfg config.SchedulerConfig, budgetCfg config.BudgetConfig, log *zap.Logger) *Orchestrator {
	if log == nil {
		log = zap.NewNop()
	}
	bus := statusbus.New(log)
	poolMgr := pool.New(poolCfg, factory, bus, log)
	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		pool:       poolMgr,
		bus:        bus,
		sched:      scheduler.New[TaskResult](poolMgr, bus, schedCfg, budgetCfg, log),
		decomposer: dec,
		loop:       lp,
		log:        log.Named("orchestrator"),
		tasks:      make(map[string]*model.Task),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Start launches the pool's replenishment actor. Submissions before Start
// will still queue but never dispatch.
func (o *Orchestrator) Start() {
	o.pool.Start(o.ctx)
}

// Shutdown stops accepting new work and tears down every pool slot.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.cancel()
	o.bus.Close()
	return o.pool.Shutdown(ctx)
}

// Submit classifies and decomposes in, enqueues the resulting task, and
// returns synchronously per §4.8 ("synchronously classifies, decomposes,
// enqueues, and returns an id plus the recorded plan"). Execution runs in
// the background; observe it via OnStatus. Two classifications never
// reach a running task (§8): a non-decomposed NAVIGATE submission is a
// foreground-tab navigation with no task spawned at all, and a GENERATE
// submission is recorded but immediately failed, since the generate route
// is serviced by a separate collaborator, not this core.
func (o *Orchestrator) Submit(ctx context.Context, in SubmitInput) SubmissionResult {
	text := strings.TrimSpace(in.Text)
	if text == "" {
		msg := "empty input"
		return SubmissionResult{Accepted: false, ClearInput: false, Error: &msg}
	}
	if o.ctx.Err() != nil {
		msg := "orchestrator is shut down"
		return SubmissionResult{Accepted: false, ClearInput: false, Error: &msg}
	}

	modeOverride := in.Mode
	if modeOverride == "AUTO" {
		modeOverride = ""
	}
	candidate := o.decomposer.Classify(text, modeOverride)
	classified := o.decomposer.RefineClassification(ctx, text, candidate)
	plan := o.decomposer.Decompose(text)

	now := time.Now()

	var normalizedURL string
	if classified.Intent == model.IntentNavigate {
		normalizedURL = normalizeURL(text)
	}

	dispatch := &Dispatch{
		DispatchID:    uuid.NewString(),
		SubmittedAt:   now,
		Source:        in.Source,
		Mode:          string(classified.Intent),
		ModeOverride:  in.Mode,
		RawInput:      text,
		NormalizedURL: normalizedURL,
		Classification: Classification{
			Intent:     string(classified.Intent),
			Source:     classified.Source,
			Confidence: classified.Confidence,
			Reason:     classified.Reason,
		},
		ExecutionPlan: ExecutionPlan{
			Route:          routeFor(classified.Intent),
			RunInTopTab:    !plan.IsDecomposed(),
			SpawnGhostTabs: plan.IsDecomposed(),
			PrimaryEngine:  "tier1",
		},
	}

	// S1: a plain-URL navigate submission never spawns a task — the top
	// tab just navigates directly.
	if classified.Intent == model.IntentNavigate && !plan.IsDecomposed() {
		return SubmissionResult{Accepted: true, ClearInput: true, Dispatch: dispatch}
	}

	taskID := uuid.NewString()
	task := &model.Task{
		ID:           taskID,
		Intent:       text,
		Kind:         classified.Intent,
		ModeOverride: in.Mode,
		Plan:         plan,
		Status:       model.TaskQueued,
		CreatedAt:    now,
	}

	o.mu.Lock()
	o.tasks[taskID] = task
	o.mu.Unlock()
	dispatch.TaskID = taskID

	// S3: GENERATE routes to the maker collaborator, not serviced by this
	// core — the task is recorded (its lifecycle stays observable) but
	// refused before it ever runs.
	if classified.Intent == model.IntentGenerate {
		o.failGenerate(task)
		return SubmissionResult{Accepted: true, ClearInput: true, Dispatch: dispatch}
	}

	go o.execute(task)
	return SubmissionResult{Accepted: true, ClearInput: true, Dispatch: dispatch}
}

// failGenerate immediately fails a GENERATE-classified task without ever
// moving it to running, per §8 S3.
func (o *Orchestrator) failGenerate(task *model.Task) {
	detail := model.NewErrorDetail(model.ErrKindValidation,
		"generate route ("+routeMakerGenerate+") is not serviced by the core; it is a collaborator", nil)
	task.Status = model.TaskFailed
	task.FinishedAt = time.Now()
	task.Error = detail
	_ = o.bus.Publish(model.StatusEvent{
		TaskID: task.ID,
		Kind:   model.StatusSched,
		Scheduler: &model.SchedulerPayload{
			Event: model.SchedFailed,
			Error: detail,
		},
	})
}

// OnStatus subscribes to taskID's status-event stream.
func (o *Orchestrator) OnStatus(taskID string) (<-chan model.StatusEvent, statusbus.Unsubscribe) {
	return o.bus.Subscribe(taskID)
}

// Bus exposes the underlying status bus for transport adapters (e.g. a
// websocket fan-out) that need to subscribe without going through OnStatus.
func (o *Orchestrator) Bus() *statusbus.Bus {
	return o.bus
}

// Cancel requests termination of an in-flight or queued task. Returns
// false if the task is unknown or already terminal.
func (o *Orchestrator) Cancel(taskID string) bool {
	o.mu.Lock()
	task, ok := o.tasks[taskID]
	o.mu.Unlock()
	if !ok || task.IsTerminal() {
		return false
	}
	return o.sched.Cancel(taskID)
}

// Snapshot reports pool plus in-flight/queued task counts.
func (o *Orchestrator) Snapshot(ctx context.Context) (Snapshot, error) {
	poolSnap, err := o.sched.PoolSnapshot(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	o.mu.Lock()
	var running, queued int
	for _, t := range o.tasks {
		switch t.Status {
		case model.TaskRunning:
			running++
		case model.TaskQueued:
			queued++
		}
	}
	o.mu.Unlock()
	return Snapshot{Pool: poolSnap, Running: running, Queued: queued}, nil
}

// GetTask returns a task's current bookkeeping snapshot.
func (o *Orchestrator) GetTask(taskID string) (*model.Task, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	t, ok := o.tasks[taskID]
	return t, ok
}

func (o *Orchestrator) execute(task *model.Task) {
	task.StartedAt = time.Now()
	task.Status = model.TaskRunning

	priority := model.PriorityForeground
	result, err := o.sched.Submit(o.ctx, scheduler.SubmitRequest{TaskID: task.ID, Priority: priority},
		func(ctx context.Context, attempt scheduler.AttemptContext) (TaskResult, error) {
			return o.runPlan(ctx, attempt, task, task.Plan)
		})

	task.FinishedAt = time.Now()
	switch {
	case errors.Is(err, scheduler.ErrCancelled):
		task.Status = model.TaskCancelled
	case err != nil:
		task.Status = model.TaskFailed
		task.Error = model.Classify(err)
	default:
		task.Status = model.TaskSucceeded
		task.FinalURL = result.FinalURL
	}
}

// runPlan drives plan's subtasks in order over attempt's lease. On a
// subtask failure it falls back once to plan.Fallback (the decomposer
// always attaches a single-subtask fallback to a multi-step plan) before
// giving up.
func (o *Orchestrator) runPlan(ctx context.Context, attempt scheduler.AttemptContext, task *model.Task, plan *model.DecompositionPlan) (TaskResult, error) {
	plan.Activate()
	total := len(plan.Subtasks)
	var finalURL string

	// A subtask's StartURL is only ever known once its predecessor (or,
	// for the first subtask of a navigate-classified task, the submitted
	// URL itself) has resolved it; the decomposer has no page context to
	// fill it in at plan-construction time.
	carryURL := ""
	if task.Kind == model.IntentNavigate {
		carryURL = normalizeURL(task.Intent)
	}

	for i, st := range plan.Subtasks {
		if st.Status == model.SubtaskFailed {
			o.publishSubtask(task.ID, st, i, total, attempt.Attempt, "human review required")
			return TaskResult{}, model.NewErrorDetail(model.ErrKindValidation, "subtask requires human review: "+st.Intent, nil)
		}

		if st.StartURL == "" {
			st.StartURL = carryURL
		}
		st.Status = model.SubtaskInProgress
		o.publishSubtask(task.ID, st, i, total, attempt.Attempt, "")

		outcome, err := o.loop.Run(ctx, attempt.Lease.Client, st, func(ev statemachine.Event) {
			o.publishState(task.ID, ev)
		})
		if err != nil {
			st.Status = model.SubtaskFailed
			o.publishSubtask(task.ID, st, i, total, attempt.Attempt, err.Error())
			return TaskResult{}, err
		}

		finalURL = outcome.FinalURL
		carryURL = outcome.FinalURL
		if outcome.FinalState != loop.FinalDone {
			st.Status = model.SubtaskFailed
			o.publishSubtask(task.ID, st, i, total, attempt.Attempt, string(outcome.FinalState))
			if plan.Fallback != nil {
				return o.runPlan(ctx, attempt, task, plan.Fallback)
			}
			detail := outcome.Error
			if detail == nil {
				detail = model.NewErrorDetail(model.ErrKindRuntime, "subtask ended in "+string(outcome.FinalState), nil)
			}
			return TaskResult{}, detail
		}

		st.Status = model.SubtaskComplete
		o.publishSubtask(task.ID, st, i, total, attempt.Attempt, "")
	}

	return TaskResult{FinalURL: finalURL}, nil
}

func (o *Orchestrator) publishSubtask(taskID string, st *model.Subtask, index, total, attempt int, reason string) {
	_ = o.bus.Publish(model.StatusEvent{
		TaskID: taskID,
		Kind:   model.StatusSubtask,
		Subtask: &model.SubtaskPayload{
			SubtaskID:             st.ID,
			SubtaskIntent:         st.Intent,
			Status:                st.Status,
			VerificationType:      st.Verification.Type,
			VerificationCondition: st.Verification.Condition,
			CurrentSubtaskIndex:   index,
			TotalSubtasks:         total,
			Attempt:               attempt,
			Reason:                reason,
		},
	})
}

func (o *Orchestrator) publishState(taskID string, ev statemachine.Event) {
	_ = o.bus.Publish(model.StatusEvent{
		TaskID: taskID,
		Kind:   model.StatusState,
		State: &model.StatePayload{
			From:   string(ev.From),
			To:     string(ev.To),
			Step:   ev.Step,
			URL:    ev.URL,
			Reason: ev.Reason,
		},
	})
}

func normalizeURL(text string) string {
	t := strings.TrimSpace(text)
	if strings.HasPrefix(t, "http://") || strings.HasPrefix(t, "https://") {
		return t
	}
	return "https://" + t
}

// Route literals surfaced on the dispatch's execution plan. §8 S3 names
// MAKER_GENERATE exactly; the others follow the same ALL_CAPS_SNAKE
// convention for consistency.
const (
	routeForegroundNavigation = "FOREGROUND_NAVIGATION"
	routeMakerGenerate        = "MAKER_GENERATE"
	routeGhostSession         = "GHOST_SESSION"
)

func routeFor(kind model.IntentKind) string {
	switch kind {
	case model.IntentNavigate:
		return routeForegroundNavigation
	case model.IntentGenerate:
		return routeMakerGenerate
	default:
		return routeGhostSession
	}
}
