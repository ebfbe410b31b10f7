package bridge

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

// Phase is the session lifecycle state.
type Phase int32

const (
	PhaseConfiguring Phase = iota
	PhaseGreeting
	PhaseConversing
	PhaseFinalizing
	PhaseClosed
	PhaseCancelled
	PhaseError
)

func (p Phase) String() string {
	switch p {
	case PhaseConfiguring:
		return "configuring"
	case PhaseGreeting:
		return "greeting"
	case PhaseConversing:
		return "conversing"
	case PhaseFinalizing:
		return "finalizing"
	case PhaseClosed:
		return "closed"
	case PhaseCancelled:
		return "cancelled"
	case PhaseError:
		return "error"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transition is possible.
func (p Phase) Terminal() bool {
	return p == PhaseClosed || p == PhaseCancelled || p == PhaseError
}

// transitions is the complete set of legal moves. Cancelled and error are
// reachable from every non-terminal phase.
var transitions = map[Phase][]Phase{
	PhaseConfiguring: {PhaseGreeting, PhaseFinalizing},
	PhaseGreeting:    {PhaseConversing, PhaseFinalizing},
	PhaseConversing:  {PhaseFinalizing},
	PhaseFinalizing:  {PhaseClosed},
}

// CanTransition reports whether from → to is legal.
func CanTransition(from, to Phase) bool {
	if from.Terminal() {
		return false
	}
	if to == PhaseCancelled || to == PhaseError {
		return true
	}
	for _, p := range transitions[from] {
		if p == to {
			return true
		}
	}
	return false
}

// ErrIllegalTransition is wrapped by TransitionError.
var ErrIllegalTransition = errors.New("illegal phase transition")

// TransitionError reports a rejected phase change.
type TransitionError struct {
	From, To Phase
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("illegal phase transition %s -> %s", e.From, e.To)
}

func (e *TransitionError) Unwrap() error { return ErrIllegalTransition }

// PhaseMachine guards the session phase. Reads are lock-free so the
// ingress loop can consult the phase on every frame.
type PhaseMachine struct {
	mu      sync.Mutex
	current atomic.Int32
	// reached is the furthest non-terminal phase entered.
	reached Phase
}

// Current returns the phase.
func (m *PhaseMachine) Current() Phase {
	return Phase(m.current.Load())
}

// Reached returns the furthest non-terminal phase the session got to.
func (m *PhaseMachine) Reached() Phase {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reached
}

// Transition moves to the given phase or returns a *TransitionError.
func (m *PhaseMachine) Transition(to Phase) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	from := Phase(m.current.Load())
	if !CanTransition(from, to) {
		return &TransitionError{From: from, To: to}
	}
	m.current.Store(int32(to))
	if !to.Terminal() && to > m.reached {
		m.reached = to
	}
	return nil
}
