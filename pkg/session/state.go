package session

import (
	"sync"
	"time"
)

// State is the connection lifecycle position of a Session.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateFailed
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool { return s == StateFailed || s == StateClosed }

// StateChange represents a state transition event.
type StateChange struct {
	FromState State
	ToState   State
	Timestamp time.Time
	Reason    string
}

// StateListener observes session state changes.
type StateListener interface {
	OnStateChange(event StateChange)
}

// StateListenerFunc adapts a function to StateListener.
type StateListenerFunc func(StateChange)

func (f StateListenerFunc) OnStateChange(ev StateChange) { f(ev) }

var validTransitions = map[State][]State{
	StateDisconnected: {StateConnecting, StateClosed},
	StateConnecting:   {StateConnected, StateReconnecting, StateClosed},
	StateConnected:    {StateReconnecting, StateClosed},
	StateReconnecting: {StateConnecting, StateFailed, StateClosed},
}

// stateMachine validates and publishes session transitions.
type stateMachine struct {
	mu        sync.RWMutex
	current   State
	listeners []StateListener
}

func newStateMachine() *stateMachine {
	return &stateMachine{current: StateDisconnected}
}

func (m *stateMachine) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

func transitionValid(from, to State) bool {
	for _, allowed := range validTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Transition moves to a new state with validation.
func (m *stateMachine) Transition(to State, reason string) error {
	m.mu.Lock()
	from := m.current
	if !transitionValid(from, to) {
		m.mu.Unlock()
		return &InvalidTransitionError{From: from, To: to}
	}
	m.current = to
	listeners := make([]StateListener, len(m.listeners))
	copy(listeners, m.listeners)
	m.mu.Unlock()

	ev := StateChange{FromState: from, ToState: to, Timestamp: time.Now(), Reason: reason}
	for _, l := range listeners {
		l.OnStateChange(ev)
	}
	return nil
}

// AddListener registers a listener for state change events.
func (m *stateMachine) AddListener(l StateListener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, l)
}

// InvalidTransitionError represents an invalid state transition attempt
type InvalidTransitionError struct {
	From State
	To   State
}

func (e *InvalidTransitionError) Error() string {
	return "invalid state transition from " + e.From.String() + " to " + e.To.String()
}
