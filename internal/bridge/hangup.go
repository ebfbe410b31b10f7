package bridge

import (
	"sort"
	"strings"
	"unicode"
)

// Goal is the purpose of the call, which decides when hanging up is allowed.
type Goal string

const (
	GoalLeadOnly    Goal = "lead_only"
	GoalAppointment Goal = "appointment"
)

// ParseGoal maps a wire value to a Goal. Anything unrecognised is treated
// as lead_only.
func ParseGoal(s string) Goal {
	switch Goal(strings.ToLower(strings.TrimSpace(s))) {
	case GoalAppointment:
		return GoalAppointment
	default:
		return GoalLeadOnly
	}
}

// HangupTrigger is what prompted a hangup evaluation.
type HangupTrigger string

const (
	TriggerCallerGoodbye HangupTrigger = "caller_goodbye"
	TriggerAgentGoodbye  HangupTrigger = "agent_goodbye"
	TriggerEndCallTool   HangupTrigger = "end_call_tool"
	TriggerSilence       HangupTrigger = "silence"
)

// HangupState is a fresh snapshot of everything the policy looks at. It is
// rebuilt for every evaluation.
type HangupState struct {
	Goal           Goal
	Trigger        HangupTrigger
	GoodbyeSeen    bool
	CallerSpoke    bool
	RequiredFields []string
	Captured       map[string]string
}

// HangupDecision is the policy outcome.
type HangupDecision struct {
	Allowed bool
	// Missing lists required fields not yet captured, sorted.
	Missing []string
	Reason  string
	// Farewell asks the agent to say goodbye. The call then ends on the
	// agent's goodbye rather than on the silence itself.
	Farewell bool
}

// EvaluateHangup applies the goal policy.
//
// lead_only: allowed once a goodbye was seen and the caller has spoken.
// appointment: additionally every required field must be captured.
//
// Silence exhaustion goes through the same goal checks. It ends a lead_only
// call on a line where the caller never spoke. Otherwise it only asks the
// agent for a goodbye, unless one was already seen.
func EvaluateHangup(s HangupState) HangupDecision {
	missing := missingFields(s.RequiredFields, s.Captured)

	if s.Goal == GoalAppointment && len(missing) > 0 {
		return HangupDecision{Missing: missing, Reason: "required fields missing"}
	}

	if s.Trigger == TriggerSilence {
		switch {
		case !s.CallerSpoke && s.Goal == GoalLeadOnly:
			return HangupDecision{Allowed: true, Missing: missing, Reason: "silent line"}
		case !s.CallerSpoke:
			return HangupDecision{Missing: missing, Reason: "caller has not spoken"}
		case !s.GoodbyeSeen:
			return HangupDecision{Missing: missing, Reason: "no goodbye", Farewell: true}
		}
		return HangupDecision{Allowed: true, Missing: missing, Reason: "silence"}
	}

	if !s.GoodbyeSeen {
		return HangupDecision{Missing: missing, Reason: "no goodbye"}
	}
	if !s.CallerSpoke {
		return HangupDecision{Missing: missing, Reason: "caller has not spoken"}
	}
	return HangupDecision{Allowed: true, Missing: missing, Reason: "goodbye"}
}

func missingFields(required []string, captured map[string]string) []string {
	var missing []string
	for _, f := range required {
		f = normalizeField(f)
		if f == "" {
			continue
		}
		if strings.TrimSpace(captured[f]) == "" {
			missing = append(missing, f)
		}
	}
	sort.Strings(missing)
	return missing
}

func normalizeField(f string) string {
	return strings.ToLower(strings.TrimSpace(f))
}

// DetectGoodbye reports whether text contains one of the phrases as whole
// words, ignoring case and punctuation.
func DetectGoodbye(text string, phrases []string) bool {
	norm := " " + normalizeText(text) + " "
	if strings.TrimSpace(norm) == "" {
		return false
	}
	for _, p := range phrases {
		p = normalizeText(p)
		if p == "" {
			continue
		}
		if strings.Contains(norm, " "+p+" ") {
			return true
		}
	}
	return false
}

// normalizeText lowercases and collapses everything that is not a letter or
// digit into single spaces.
func normalizeText(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	space := true
	for _, r := range strings.ToLower(s) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '\'' {
			b.WriteRune(r)
			space = false
			continue
		}
		if !space {
			b.WriteByte(' ')
			space = true
		}
	}
	return strings.TrimSpace(b.String())
}
