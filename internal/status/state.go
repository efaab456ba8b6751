// Package status tracks runtime state machines for jobs and the live
// connection.
package status

import (
	"fmt"
	"slices"
	"sync"

	"github.com/matheus3301/chatmerge/internal/bus"
)

// State represents a runtime state.
type State string

// Job states.
const (
	Idle      State = "IDLE"
	Scanning  State = "SCANNING"
	Applying  State = "APPLYING"
	Ingesting State = "INGESTING"
	Stopping  State = "STOPPING"
)

// Live connection states.
const (
	Booting      State = "BOOTING"
	AuthRequired State = "AUTH_REQUIRED"
	Connecting   State = "CONNECTING"
	Ready        State = "READY"
	Reconnecting State = "RECONNECTING"
	Error        State = "ERROR"
)

// Transitions maps each state to the states reachable from it.
type Transitions map[State][]State

// JobTransitions governs reconciliation and ingestion jobs.
var JobTransitions = Transitions{
	Idle:      {Scanning, Applying, Ingesting},
	Scanning:  {Applying, Stopping, Idle},
	Applying:  {Scanning, Stopping, Idle},
	Ingesting: {Stopping, Idle},
	Stopping:  {Idle},
}

// ConnTransitions governs the live source connection.
var ConnTransitions = Transitions{
	Booting:      {AuthRequired, Connecting, Error},
	AuthRequired: {Connecting, Error},
	Connecting:   {Ready, AuthRequired, Reconnecting, Error},
	Ready:        {Reconnecting, AuthRequired, Error},
	Reconnecting: {Connecting, Error},
	Error:        {Booting},
}

// Machine tracks and enforces state transitions, publishing each change.
type Machine struct {
	mu          sync.RWMutex
	current     State
	transitions Transitions
	kind        string
	bus         *bus.Bus
}

// NewJobMachine creates a job machine starting in Idle. Changes are published
// as job.state_changed.
func NewJobMachine(b *bus.Bus) *Machine {
	return &Machine{current: Idle, transitions: JobTransitions, kind: bus.JobStateChanged, bus: b}
}

// NewConnMachine creates a connection machine starting in Booting. Changes
// are published as live.state_changed.
func NewConnMachine(b *bus.Bus) *Machine {
	return &Machine{current: Booting, transitions: ConnTransitions, kind: bus.LiveStateChanged, bus: b}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Transition attempts to move to a new state. Returns error if transition is invalid.
func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.transitionLocked(to)
}

// Set moves to a new state unless already there.
func (m *Machine) Set(to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == to {
		return nil
	}
	return m.transitionLocked(to)
}

func (m *Machine) transitionLocked(to State) error {
	if !slices.Contains(m.transitions[m.current], to) {
		return fmt.Errorf("invalid transition from %s to %s", m.current, to)
	}
	from := m.current
	m.current = to
	if m.bus != nil {
		m.bus.Emit(m.kind, StatusChange{From: from, To: to})
	}
	return nil
}

// StatusChange is the payload for status change events.
type StatusChange struct {
	From State
	To   State
}
