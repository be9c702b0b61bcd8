// Package model holds the data types shared across the ghost-session
// runtime: tasks, subtasks, decomposition plans, observations, action
// decisions and the typed status-event envelope.
package model

import "time"

// IntentKind classifies a submitted task.
type IntentKind string

const (
	IntentNavigate IntentKind = "navigate"
	IntentResearch IntentKind = "research"
	IntentTransact IntentKind = "transact"
	IntentGenerate IntentKind = "generate"
)

// TaskStatus is the orchestrator-visible lifecycle of a Task.
type TaskStatus string

const (
	TaskQueued    TaskStatus = "queued"
	TaskRunning   TaskStatus = "running"
	TaskSucceeded TaskStatus = "succeeded"
	TaskFailed    TaskStatus = "failed"
	TaskCancelled TaskStatus = "cancelled"
)

// PartialResult is the frozen-on-cancel snapshot of in-flight progress.
type PartialResult struct {
	CurrentURL    string
	CurrentState  string
	CurrentAction string
	ProgressLabel string
	DurationMs    int64
}

// Task is the orchestrator's unit of work. Created on submit, mutated only
// by scheduler event handlers, terminal once Status is one of
// {succeeded, failed, cancelled}.
type Task struct {
	ID              string
	Intent          string
	Kind            IntentKind
	ModeOverride    string
	Plan            *DecompositionPlan
	Status          TaskStatus
	CreatedAt       time.Time
	StartedAt       time.Time
	FinishedAt      time.Time
	Partial         PartialResult
	FinalURL        string
	Error           *ErrorDetail
}

// IsTerminal reports whether the task has reached a final status.
func (t *Task) IsTerminal() bool {
	switch t.Status {
	case TaskSucceeded, TaskFailed, TaskCancelled:
		return true
	default:
		return false
	}
}
