// Package phase implements the single-producer, multi-subscriber broadcast
// of an actor's coarse lifecycle state. The operation and info loops gate
// their work on Running and wake on ShuttingDown without polling, in the
// style of the rest of the runtime's fan-out event model (one producer,
// many passive observers).
package phase

import (
	"context"
	"sync"
)

// Phase is the coarse lifecycle state of an actor.
type Phase string

const (
	Starting     Phase = "Starting"
	Running      Phase = "Running"
	Paused       Phase = "Paused"
	ShuttingDown Phase = "ShuttingDown"
)

// Valid reports whether the transition from p to next is legal:
// Starting -> Running, Running <-> Paused, Running -> Paused on error, and
// any phase -> ShuttingDown. No transition leaves ShuttingDown.
func (p Phase) Valid(next Phase) bool {
	if p == ShuttingDown {
		return false
	}
	if next == ShuttingDown {
		return true
	}
	switch p {
	case Starting:
		return next == Running
	case Running:
		return next == Paused
	case Paused:
		return next == Running
	default:
		return false
	}
}

// Manager broadcasts phase changes to any number of observers. Set is
// called by the control loop; Get and WaitFor are called by every other
// component that needs to observe or gate on the current phase.
type Manager struct {
	mu      sync.Mutex
	current Phase
	waiters chan struct{} // closed and replaced on every Set
}

// New constructs a Manager starting in Starting.
func New() *Manager {
	return &Manager{current: Starting, waiters: make(chan struct{})}
}

// Set updates the current phase and wakes every pending WaitFor call.
// Intermediate values may be coalesced if Set is called again before a
// waiter observes an intervening value; only the final value before a
// waiter wakes is guaranteed to be seen.
func (m *Manager) Set(p Phase) {
	m.mu.Lock()
	m.current = p
	closing := m.waiters
	m.waiters = make(chan struct{})
	m.mu.Unlock()
	close(closing)
}

// Get returns the current phase.
func (m *Manager) Get() Phase {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// WaitFor blocks until the phase equals target, or ctx is done. If the
// phase already equals target, WaitFor returns immediately.
func (m *Manager) WaitFor(ctx context.Context, target Phase) error {
	for {
		m.mu.Lock()
		if m.current == target {
			m.mu.Unlock()
			return nil
		}
		ch := m.waiters
		m.mu.Unlock()

		select {
		case <-ch:
			// phase changed, loop and re-check
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// WaitForAny blocks until the phase equals any of targets, or ctx is done,
// and returns the matching phase. Used by the operation and info loops to
// wake on either Running or ShuttingDown without polling both.
func (m *Manager) WaitForAny(ctx context.Context, targets ...Phase) (Phase, error) {
	for {
		m.mu.Lock()
		current := m.current
		ch := m.waiters
		m.mu.Unlock()

		for _, t := range targets {
			if current == t {
				return current, nil
			}
		}

		select {
		case <-ch:
			// phase changed, loop and re-check
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}
