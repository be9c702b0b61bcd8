// Package statemachine implements the per-task state machine: the fixed
// idle→loading→perceiving→inferring→acting→{complete,failed}→idle
// transition table, rejecting anything outside it.
package statemachine

import (
	"sync"
	"time"

	"github.com/ghostrun/ghostbrowser/internal/model"
)

// State is one of the task state machine's seven states.
type State string

const (
	StateIdle       State = "idle"
	StateLoading    State = "loading"
	StatePerceiving State = "perceiving"
	StateInferring  State = "inferring"
	StateActing     State = "acting"
	StateComplete   State = "complete"
	StateFailed     State = "failed"
)

var allowed = map[State][]State{
	StateIdle:       {StateLoading},
	StateLoading:    {StatePerceiving, StateFailed},
	StatePerceiving: {StateInferring, StateFailed},
	StateInferring:  {StateActing, StateFailed},
	StateActing:     {StatePerceiving, StateComplete, StateFailed},
	StateComplete:   {StateIdle},
	StateFailed:     {StateIdle},
}

func isAllowed(from, to State) bool {
	for _, dst := range allowed[from] {
		if dst == to {
			return true
		}
	}
	return false
}

// Event is emitted for every accepted transition.
type Event struct {
	From      State
	To        State
	Timestamp time.Time
	Step      int
	URL       string
	Reason    string
	Error     *model.ErrorDetail
}

// Machine tracks one task's current state and step counter. A Machine is
// owned by exactly one Loop/Scheduler execution at a time, matching the
// single-owner discipline the rest of the runtime follows; Transition and
// Current() both take the internal mutex, so observability reads never race
// a mutator.
type Machine struct {
	mu      sync.Mutex
	taskID  string
	current State
	step    int
}

// New builds a Machine starting in StateIdle.
func New(taskID string) *Machine {
	return &Machine{taskID: taskID, current: StateIdle}
}

// Current returns the machine's present state and step index.
func (m *Machine) Current() (State, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current, m.step
}

// Transition attempts to move the machine from its current state to to.
// An illegal transition leaves internal state untouched and returns a
// state-kind ErrorDetail without emitting an Event.
func (m *Machine) Transition(to State, url, reason string, errDetail *model.ErrorDetail) (Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	from := m.current
	if !isAllowed(from, to) {
		return Event{}, model.NewErrorDetail(
			model.ErrKindState,
			"illegal transition from "+string(from)+" to "+string(to),
			nil,
		)
	}

	switch {
	case to == StateLoading && from == StateIdle:
		m.step = 1
	case to == StatePerceiving && from == StateActing:
		m.step++
	}
	m.current = to

	return Event{
		From:      from,
		To:        to,
		Timestamp: time.Now(),
		Step:      m.step,
		URL:       url,
		Reason:    reason,
		Error:     errDetail,
	}, nil
}

// IsTerminal reports whether s is one of the pre-idle terminal states.
func IsTerminal(s State) bool {
	return s == StateComplete || s == StateFailed
}
