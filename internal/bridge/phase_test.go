package bridge

import (
	"errors"
	"testing"
)

func TestPhaseTransitions(t *testing.T) {
	tests := []struct {
		from, to Phase
		ok       bool
	}{
		{PhaseConfiguring, PhaseGreeting, true},
		{PhaseConfiguring, PhaseFinalizing, true},
		{PhaseConfiguring, PhaseConversing, false},
		{PhaseGreeting, PhaseConversing, true},
		{PhaseConversing, PhaseGreeting, false},
		{PhaseConversing, PhaseFinalizing, true},
		{PhaseFinalizing, PhaseClosed, true},
		{PhaseFinalizing, PhaseConversing, false},
		{PhaseGreeting, PhaseError, true},
		{PhaseFinalizing, PhaseCancelled, true},
		{PhaseClosed, PhaseError, false},
		{PhaseError, PhaseFinalizing, false},
		{PhaseCancelled, PhaseClosed, false},
	}
	for _, tt := range tests {
		if got := CanTransition(tt.from, tt.to); got != tt.ok {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.ok)
		}
	}
}

func TestPhaseMachine(t *testing.T) {
	var m PhaseMachine
	if m.Current() != PhaseConfiguring {
		t.Fatalf("initial phase = %s", m.Current())
	}

	for _, p := range []Phase{PhaseGreeting, PhaseConversing, PhaseFinalizing, PhaseClosed} {
		if err := m.Transition(p); err != nil {
			t.Fatalf("Transition(%s): %v", p, err)
		}
	}
	if m.Reached() != PhaseFinalizing {
		t.Errorf("reached = %s, want finalizing", m.Reached())
	}

	err := m.Transition(PhaseError)
	if !errors.Is(err, ErrIllegalTransition) {
		t.Fatalf("err = %v, want ErrIllegalTransition", err)
	}
	var te *TransitionError
	if !errors.As(err, &te) || te.From != PhaseClosed || te.To != PhaseError {
		t.Errorf("TransitionError = %+v", te)
	}
	if m.Current() != PhaseClosed {
		t.Errorf("phase changed on rejected transition: %s", m.Current())
	}
}

func TestPhaseReachedIgnoresTerminal(t *testing.T) {
	var m PhaseMachine
	m.Transition(PhaseGreeting)
	m.Transition(PhaseError)
	if m.Reached() != PhaseGreeting {
		t.Errorf("reached = %s, want greeting", m.Reached())
	}
	if !m.Current().Terminal() {
		t.Error("error phase not terminal")
	}
}
