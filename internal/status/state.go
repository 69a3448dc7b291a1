package status

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/matheus3301/smartlink/internal/bus"
)

// State represents the push connection state.
type State string

const (
	Disconnected State = "DISCONNECTED"
	Connecting   State = "CONNECTING"
	Connected    State = "CONNECTED"
	Error        State = "ERROR"
)

// All lists every state.
var All = []State{Disconnected, Connecting, Connected, Error}

// validTransitions defines allowed state transitions. Every state may fall
// back to Disconnected.
var validTransitions = map[State][]State{
	Disconnected: {Connecting},
	Connecting:   {Connected, Error, Disconnected},
	Connected:    {Disconnected},
	Error:        {Connecting, Disconnected},
}

// Machine tracks and enforces connection state transitions.
type Machine struct {
	mu        sync.RWMutex
	current   State
	changedAt time.Time
	bus       *bus.Bus
}

// NewMachine creates a new state machine starting in Disconnected state.
func NewMachine(b *bus.Bus) *Machine {
	return &Machine{
		current:   Disconnected,
		changedAt: time.Now(),
		bus:       b,
	}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Since returns when the current state was entered.
func (m *Machine) Since() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.changedAt
}

// Transition attempts to move to a new state. Returns error if transition is invalid.
func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !slices.Contains(validTransitions[m.current], to) {
		return fmt.Errorf("invalid transition from %s to %s", m.current, to)
	}
	m.move(to)
	return nil
}

// CompareAndTransition moves to `to` only when the current state is `from`.
// It reports whether the transition happened.
func (m *Machine) CompareAndTransition(from, to State) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current != from || !slices.Contains(validTransitions[from], to) {
		return false
	}
	m.move(to)
	return true
}

// Reset lands on Disconnected from any state. It is a no-op when already there.
func (m *Machine) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current != Disconnected {
		m.move(Disconnected)
	}
}

func (m *Machine) move(to State) {
	from := m.current
	m.current = to
	m.changedAt = time.Now()
	if m.bus != nil {
		m.bus.Publish(bus.Event{
			Kind:      bus.KindStatusChanged,
			Timestamp: m.changedAt,
			Payload: StatusChange{
				From: from,
				To:   to,
			},
		})
	}
}

// StatusChange is the payload for status change events.
type StatusChange struct {
	From State `json:"from"`
	To   State `json:"to"`
}
