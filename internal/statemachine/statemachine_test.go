package statemachine

import (
	"testing"

	"github.com/ghostrun/ghostbrowser/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMachine_HappyPathSingleStep(t *testing.T) {
	m := New("task-1")

	_, err := m.Transition(StateLoading, "", "", nil)
	require.NoError(t, err)
	state, step := m.Current()
	assert.Equal(t, StateLoading, state)
	assert.Equal(t, 1, step)

	_, err = m.Transition(StatePerceiving, "https://example.com", "", nil)
	require.NoError(t, err)
	_, err = m.Transition(StateInferring, "", "", nil)
	require.NoError(t, err)
	_, err = m.Transition(StateActing, "", "", nil)
	require.NoError(t, err)
	ev, err := m.Transition(StateComplete, "", "done", nil)
	require.NoError(t, err)
	assert.Equal(t, StateActing, ev.From)
	assert.Equal(t, StateComplete, ev.To)

	state, _ = m.Current()
	assert.Equal(t, StateComplete, state)
	assert.True(t, IsTerminal(state))
}

func TestMachine_MultiStepIncrementsOnActingToPerceiving(t *testing.T) {
	m := New("task-1")
	require.NoError(t, transitionOK(t, m, StateLoading))
	require.NoError(t, transitionOK(t, m, StatePerceiving))
	require.NoError(t, transitionOK(t, m, StateInferring))
	require.NoError(t, transitionOK(t, m, StateActing))

	_, step := m.Current()
	assert.Equal(t, 1, step)

	require.NoError(t, transitionOK(t, m, StatePerceiving))
	_, step = m.Current()
	assert.Equal(t, 2, step, "looping back through perceiving begins step 2")
}

func transitionOK(t *testing.T, m *Machine, to State) error {
	t.Helper()
	_, err := m.Transition(to, "", "", nil)
	return err
}

func TestMachine_IllegalTransitionRejectedWithoutMutation(t *testing.T) {
	m := New("task-1")

	_, err := m.Transition(StateActing, "", "", nil)
	require.Error(t, err)

	var detail *model.ErrorDetail
	assert.ErrorAs(t, err, &detail)
	assert.Equal(t, model.ErrKindState, detail.Kind)

	state, step := m.Current()
	assert.Equal(t, StateIdle, state, "illegal transition must not mutate current state")
	assert.Equal(t, 0, step)
}

func TestMachine_FailedReturnsToIdle(t *testing.T) {
	m := New("task-1")
	require.NoError(t, transitionOK(t, m, StateLoading))
	ev, err := m.Transition(StateFailed, "", "navigation timed out", model.NewErrorDetail(model.ErrKindTimeout, "nav timeout", nil))
	require.NoError(t, err)
	assert.Equal(t, StateFailed, ev.To)
	assert.NotNil(t, ev.Error)

	require.NoError(t, transitionOK(t, m, StateIdle))
	state, _ := m.Current()
	assert.Equal(t, StateIdle, state)
}

func TestMachine_AllTableTransitionsAccepted(t *testing.T) {
	for from, tos := range allowed {
		for _, to := range tos {
			t.Run(string(from)+"->"+string(to), func(t *testing.T) {
				assert.True(t, isAllowed(from, to))
			})
		}
	}
}
