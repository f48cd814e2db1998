// Package fsm implements a generic (state, event) -> state transition
// table, instantiated separately for the relay connection state machine
// and the local-comm session state machine.
package fsm

import (
	"errors"
	"sync"
)

// ErrInvalidTransition is returned when an event has no entry for the
// current state in the transition table.
var ErrInvalidTransition = errors.New("fsm: invalid transition")

// ErrAlreadyInState is returned when an event's target state equals the
// current state, for callers that want idempotent re-entry reported
// distinctly from a hard rejection.
var ErrAlreadyInState = errors.New("fsm: already in state")

// Callback is invoked synchronously after a successful transition, before
// Fire returns to its caller. It must not call Fire again on the same
// Machine.
type Callback[S comparable] func(from, to S)

// Machine is a generic, mutex-guarded (state, event) -> state machine.
// Comparable state and event types let callers use small int-like enums.
type Machine[S comparable, E comparable] struct {
	mu       sync.Mutex
	state    S
	table    map[S]map[E]S
	onChange Callback[S]
}

// New builds a Machine starting in initial, driven by the given
// transition table: table[fromState][event] = toState. Entries absent
// from the table are rejected with ErrInvalidTransition.
func New[S comparable, E comparable](initial S, table map[S]map[E]S) *Machine[S, E] {
	return &Machine[S, E]{state: initial, table: table}
}

// OnChange installs the state-change callback, replacing any previous one.
func (m *Machine[S, E]) OnChange(cb Callback[S]) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onChange = cb
}

// State returns the current state.
func (m *Machine[S, E]) State() S {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Fire applies event to the machine. On success it returns the new state
// and invokes the OnChange callback (if any) before returning. Firing an
// event whose target equals the current state returns ErrAlreadyInState
// without invoking the callback; firing an event absent from the current
// state's row returns ErrInvalidTransition.
func (m *Machine[S, E]) Fire(event E) (S, error) {
	m.mu.Lock()
	row, ok := m.table[m.state]
	if !ok {
		cur := m.state
		m.mu.Unlock()
		return cur, ErrInvalidTransition
	}
	next, ok := row[event]
	if !ok {
		cur := m.state
		m.mu.Unlock()
		return cur, ErrInvalidTransition
	}
	if next == m.state {
		cur := m.state
		m.mu.Unlock()
		return cur, ErrAlreadyInState
	}

	prev := m.state
	m.state = next
	cb := m.onChange
	m.mu.Unlock()

	if cb != nil {
		cb(prev, next)
	}
	return next, nil
}
