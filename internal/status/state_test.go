package status

import (
	"testing"

	"github.com/matheus3301/smartlink/internal/bus"
)

func TestInitialState(t *testing.T) {
	m := NewMachine(nil)
	if m.Current() != Disconnected {
		t.Errorf("initial state = %s, want DISCONNECTED", m.Current())
	}
}

func TestValidTransitions(t *testing.T) {
	tests := []struct {
		from State
		to   State
	}{
		{Disconnected, Connecting},
		{Connecting, Connected},
		{Connecting, Error},
		{Connecting, Disconnected},
		{Connected, Disconnected},
		{Error, Connecting},
		{Error, Disconnected},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			m := NewMachine(nil)
			walkTo(t, m, tt.from)
			if err := m.Transition(tt.to); err != nil {
				t.Errorf("Transition(%s -> %s) error = %v", tt.from, tt.to, err)
			}
			if m.Current() != tt.to {
				t.Errorf("state = %s, want %s", m.Current(), tt.to)
			}
		})
	}
}

func TestInvalidTransitions(t *testing.T) {
	tests := []struct {
		from State
		to   State
	}{
		{Disconnected, Connected},
		{Disconnected, Error},
		{Connected, Connecting},
		{Connected, Error},
		{Error, Connected},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			m := NewMachine(nil)
			walkTo(t, m, tt.from)
			if err := m.Transition(tt.to); err == nil {
				t.Errorf("Transition(%s -> %s) should fail", tt.from, tt.to)
			}
			if m.Current() != tt.from {
				t.Errorf("state = %s, want %s (unchanged)", m.Current(), tt.from)
			}
		})
	}
}

func TestTransitionEmitsEvent(t *testing.T) {
	b := bus.New()
	ch, unsub := b.Subscribe("connection.", 10)
	defer unsub()

	m := NewMachine(b)
	if err := m.Transition(Connecting); err != nil {
		t.Fatal(err)
	}

	evt := <-ch
	if evt.Kind != bus.KindStatusChanged {
		t.Errorf("event kind = %q, want %s", evt.Kind, bus.KindStatusChanged)
	}
	change, ok := evt.Payload.(StatusChange)
	if !ok {
		t.Fatalf("payload type = %T, want StatusChange", evt.Payload)
	}
	if change.From != Disconnected || change.To != Connecting {
		t.Errorf("change = %v -> %v, want DISCONNECTED -> CONNECTING", change.From, change.To)
	}
}

func TestCompareAndTransition(t *testing.T) {
	m := NewMachine(nil)
	if !m.CompareAndTransition(Disconnected, Connecting) {
		t.Fatal("DISCONNECTED -> CONNECTING should succeed")
	}
	// A second connect attempt sees CONNECTING and must not move.
	if m.CompareAndTransition(Disconnected, Connecting) {
		t.Error("second CAS from DISCONNECTED should fail")
	}
	if m.Current() != Connecting {
		t.Errorf("state = %s, want CONNECTING", m.Current())
	}
}

// TestFailedHandshakeRetry walks DISCONNECTED → CONNECTING → ERROR → CONNECTING → CONNECTED.
func TestFailedHandshakeRetry(t *testing.T) {
	m := NewMachine(nil)
	for _, s := range []State{Connecting, Error, Connecting, Connected} {
		if err := m.Transition(s); err != nil {
			t.Fatalf("Transition to %s: %v (current: %s)", s, err, m.Current())
		}
	}
}

func TestResetFromAnyState(t *testing.T) {
	for _, from := range []State{Disconnected, Connecting, Connected, Error} {
		t.Run(string(from), func(t *testing.T) {
			b := bus.New()
			ch, unsub := b.Subscribe("connection.", 10)
			defer unsub()
			m := NewMachine(b)
			walkTo(t, m, from)
			for len(ch) > 0 {
				<-ch
			}

			m.Reset()
			if m.Current() != Disconnected {
				t.Errorf("state = %s, want DISCONNECTED", m.Current())
			}
			wantEvents := 1
			if from == Disconnected {
				wantEvents = 0
			}
			if len(ch) != wantEvents {
				t.Errorf("events = %d, want %d", len(ch), wantEvents)
			}
		})
	}
}

// walkTo is a helper that transitions the machine to a target state.
func walkTo(t *testing.T, m *Machine, target State) {
	t.Helper()
	paths := map[State][]State{
		Disconnected: {},
		Connecting:   {Connecting},
		Connected:    {Connecting, Connected},
		Error:        {Connecting, Error},
	}
	for _, s := range paths[target] {
		if err := m.Transition(s); err != nil {
			t.Fatalf("walkTo(%s): %v", target, err)
		}
	}
}
