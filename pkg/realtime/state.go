package realtime

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// ConnectionState is the client lifecycle state.
type ConnectionState int32

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateFailed
)

func (s ConnectionState) String() string {
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
	default:
		return fmt.Sprintf("unknown(%d)", int32(s))
	}
}

// MarshalText renders the state as its lowercase name, so Stats serializes
// to a readable JSON string.
func (s ConnectionState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// StateObserver is notified after every state change, on the goroutine that
// performed the transition and before Transition returns. Observers must not
// call Transition from inside the callback.
type StateObserver func(old, next ConnectionState)

type stateObserver struct {
	id uint64
	fn StateObserver
}

// stateMachine holds the connection state and its observer list. Transitions
// are serialized; observers for one transition always complete before the
// next transition notifies.
type stateMachine struct {
	current atomic.Int32

	tmu sync.Mutex // serializes Transition and its notifications

	omu       sync.Mutex
	observers []stateObserver
	nextID    atomic.Uint64
}

func newStateMachine() *stateMachine {
	m := &stateMachine{}
	m.current.Store(int32(StateDisconnected))
	return m
}

// Current returns the state at this instant. Safe to call from observers.
func (m *stateMachine) Current() ConnectionState {
	return ConnectionState(m.current.Load())
}

// Transition moves to next and synchronously notifies every observer with
// (old, next). A transition to the current state is a no-op and notifies
// nobody. Reports whether the state changed.
func (m *stateMachine) Transition(next ConnectionState) bool {
	m.tmu.Lock()
	defer m.tmu.Unlock()

	old := ConnectionState(m.current.Load())
	if old == next {
		return false
	}
	m.current.Store(int32(next))

	m.omu.Lock()
	obs := make([]stateObserver, len(m.observers))
	copy(obs, m.observers)
	m.omu.Unlock()

	for _, o := range obs {
		o.fn(old, next)
	}
	return true
}

// Observe registers fn and returns its removal function. Removal is
// idempotent. An observer removed during a notification pass may still see
// that in-flight transition, never a later one.
func (m *stateMachine) Observe(fn StateObserver) func() {
	id := m.nextID.Add(1)

	m.omu.Lock()
	m.observers = append(m.observers, stateObserver{id: id, fn: fn})
	m.omu.Unlock()

	return func() {
		m.omu.Lock()
		defer m.omu.Unlock()
		for i, o := range m.observers {
			if o.id == id {
				m.observers = append(m.observers[:i], m.observers[i+1:]...)
				return
			}
		}
	}
}
