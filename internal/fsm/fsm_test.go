package fsm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type toyState int
type toyEvent int

const (
	toyIdle toyState = iota
	toyRunning
	toyDone
)

const (
	toyStart toyEvent = iota
	toyFinish
)

func newToyMachine() *Machine[toyState, toyEvent] {
	return New(toyIdle, map[toyState]map[toyEvent]toyState{
		toyIdle:    {toyStart: toyRunning},
		toyRunning: {toyFinish: toyDone, toyStart: toyRunning},
	})
}

func TestFireValidTransition(t *testing.T) {
	m := newToyMachine()
	got, err := m.Fire(toyStart)
	require.NoError(t, err)
	assert.Equal(t, toyRunning, got)
	assert.Equal(t, toyRunning, m.State())
}

func TestFireInvalidTransition(t *testing.T) {
	m := newToyMachine()
	_, err := m.Fire(toyFinish) // not valid from idle
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, toyIdle, m.State())
}

func TestFireAlreadyInState(t *testing.T) {
	m := newToyMachine()
	_, err := m.Fire(toyStart)
	require.NoError(t, err)

	_, err = m.Fire(toyStart) // running -> running
	assert.ErrorIs(t, err, ErrAlreadyInState)
	assert.Equal(t, toyRunning, m.State())
}

func TestOnChangeInvokedOncePerTransition(t *testing.T) {
	m := newToyMachine()
	var calls []string
	m.OnChange(func(from, to toyState) {
		calls = append(calls, "x")
	})

	_, err := m.Fire(toyStart)
	require.NoError(t, err)
	_, err = m.Fire(toyFinish)
	require.NoError(t, err)

	assert.Len(t, calls, 2)
}

func TestOnChangeNotInvokedOnRejectedTransition(t *testing.T) {
	m := newToyMachine()
	called := false
	m.OnChange(func(from, to toyState) { called = true })

	_, err := m.Fire(toyFinish)
	assert.Error(t, err)
	assert.False(t, called)
}

func TestConnStateMachineHappyPath(t *testing.T) {
	m := NewConnStateMachine()

	steps := []struct {
		ev   ConnEvent
		want ConnState
	}{
		{EvDial, Connecting},
		{EvTCPConnected, Connected},
		{EvHandshakeSent, Handshaking},
		{EvHandshakeAck, Ready},
	}
	for _, s := range steps {
		got, err := m.Fire(s.ev)
		require.NoError(t, err)
		assert.Equal(t, s.want, got)
	}
}

func TestConnStateMachineBackoffRetryLoop(t *testing.T) {
	m := NewConnStateMachine()
	_, err := m.Fire(EvDial)
	require.NoError(t, err)
	_, err = m.Fire(EvTCPFailed)
	require.NoError(t, err)
	assert.Equal(t, Backoff, m.State())

	_, err = m.Fire(EvBackoffElapsed)
	require.NoError(t, err)
	assert.Equal(t, Retrying, m.State())

	_, err = m.Fire(EvDial)
	require.NoError(t, err)
	assert.Equal(t, Connecting, m.State())
}

func TestConnStateMachineInvalidEventLeavesStateUnchanged(t *testing.T) {
	m := NewConnStateMachine()
	_, err := m.Fire(EvHandshakeAck) // invalid from Disconnected
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, Disconnected, m.State())
}

func TestLocalCommFinalizeFromAnyStateReturnsToNone(t *testing.T) {
	for _, start := range []LocalCommEvent{EvOpenAccessPoint, EvOpenStation} {
		m := NewLocalCommStateMachine()
		_, err := m.Fire(EvInitialize)
		require.NoError(t, err)
		_, err = m.Fire(start)
		require.NoError(t, err)

		got, err := m.Fire(EvFinalizeComm)
		require.NoError(t, err)
		assert.Equal(t, None, got)
	}
}

func TestLocalCommFatalErrorThenFinalize(t *testing.T) {
	m := NewLocalCommStateMachine()
	_, err := m.Fire(EvInitialize)
	require.NoError(t, err)

	got, err := m.Fire(EvFatalError)
	require.NoError(t, err)
	assert.Equal(t, LocalCommError, got)

	got, err = m.Fire(EvFinalizeComm)
	require.NoError(t, err)
	assert.Equal(t, None, got)
}
