package model

// StatusKind discriminates the status-event payload union.
type StatusKind string

const (
	StatusQueue    StatusKind = "QUEUE"
	StatusState    StatusKind = "STATE"
	StatusSched    StatusKind = "SCHEDULER"
	StatusSubtask  StatusKind = "SUBTASK"
)

// QueueEventName enumerates pool-queue events.
type QueueEventName string

const (
	QueueEnqueued  QueueEventName = "ENQUEUED"
	QueueDispatched QueueEventName = "DISPATCHED"
	QueueReleased  QueueEventName = "RELEASED"
)

// SchedulerEventName enumerates scheduler-lifecycle events.
type SchedulerEventName string

const (
	SchedStarted               SchedulerEventName = "STARTED"
	SchedSucceeded             SchedulerEventName = "SUCCEEDED"
	SchedFailed                SchedulerEventName = "FAILED"
	SchedCrashDetected         SchedulerEventName = "CRASH_DETECTED"
	SchedRetrying              SchedulerEventName = "RETRYING"
	SchedBudgetExceeded        SchedulerEventName = "RESOURCE_BUDGET_EXCEEDED"
	SchedBudgetKilled          SchedulerEventName = "RESOURCE_BUDGET_KILLED"
)

// Priority is the pool-queue preemption dimension.
type Priority string

const (
	PriorityForeground Priority = "foreground"
	PriorityBackground Priority = "background"
)

// QueuePayload carries pool lifecycle information.
type QueuePayload struct {
	Event       QueueEventName
	Priority    Priority
	QueueDepth  int
	Available   int
	InUse       int
	ContextID   string
	WaitMs      int64
	WasQueued   bool
}

// StatePayload carries a task-state-machine transition.
type StatePayload struct {
	From   string
	To     string
	Step   int
	URL    string
	Reason string
}

// SchedulerPayload carries a scheduler lifecycle event.
type SchedulerPayload struct {
	Event            SchedulerEventName
	Priority         Priority
	ContextID        string
	AssignmentWaitMs int64
	DurationMs       int64
	Error            *ErrorDetail
}

// SubtaskPayload carries a subtask lifecycle update.
type SubtaskPayload struct {
	SubtaskID                        string
	SubtaskIntent                    string
	Status                           SubtaskStatus
	VerificationType                 VerificationType
	VerificationCondition            string
	CurrentSubtaskIndex              int
	TotalSubtasks                    int
	Attempt                          int
	CheckpointLastCompletedSubtaskIdx int
	Reason                           string
}

// StatusEvent is the envelope every producer publishes on the status bus.
// Exactly one of the typed payload fields is non-nil, selected by Kind.
type StatusEvent struct {
	TaskID    string
	ContextID string
	Kind      StatusKind

	Queue    *QueuePayload
	State    *StatePayload
	Scheduler *SchedulerPayload
	Subtask  *SubtaskPayload
}

// Validate rejects a malformed envelope before it is routed, matching §6's
// "strict schema version tag... malformed payloads rejected before routing."
func (e StatusEvent) Validate() error {
	if e.TaskID == "" {
		return NewErrorDetail(ErrKindValidation, "status event missing taskId", nil)
	}
	switch e.Kind {
	case StatusQueue:
		if e.Queue == nil {
			return NewErrorDetail(ErrKindValidation, "QUEUE event missing payload", nil)
		}
	case StatusState:
		if e.State == nil {
			return NewErrorDetail(ErrKindValidation, "STATE event missing payload", nil)
		}
	case StatusSched:
		if e.Scheduler == nil {
			return NewErrorDetail(ErrKindValidation, "SCHEDULER event missing payload", nil)
		}
	case StatusSubtask:
		if e.Subtask == nil {
			return NewErrorDetail(ErrKindValidation, "SUBTASK event missing payload", nil)
		}
	default:
		return NewErrorDetail(ErrKindValidation, "unknown status event kind: "+string(e.Kind), nil)
	}
	return nil
}
