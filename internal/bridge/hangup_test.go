package bridge

import (
	"reflect"
	"testing"
)

func TestEvaluateHangup(t *testing.T) {
	tests := []struct {
		name     string
		state    HangupState
		allowed  bool
		missing  []string
		farewell bool
	}{
		{
			name:  "lead only without goodbye",
			state: HangupState{Goal: GoalLeadOnly, Trigger: TriggerAgentGoodbye, CallerSpoke: true},
		},
		{
			name:  "lead only caller silent",
			state: HangupState{Goal: GoalLeadOnly, Trigger: TriggerAgentGoodbye, GoodbyeSeen: true},
		},
		{
			name:    "lead only goodbye",
			state:   HangupState{Goal: GoalLeadOnly, Trigger: TriggerCallerGoodbye, GoodbyeSeen: true, CallerSpoke: true},
			allowed: true,
		},
		{
			name: "appointment missing fields",
			state: HangupState{
				Goal: GoalAppointment, Trigger: TriggerCallerGoodbye, GoodbyeSeen: true, CallerSpoke: true,
				RequiredFields: []string{"Phone", "email"},
				Captured:       map[string]string{"phone": "555"},
			},
			missing: []string{"email"},
		},
		{
			name: "appointment blank value is missing",
			state: HangupState{
				Goal: GoalAppointment, Trigger: TriggerEndCallTool, GoodbyeSeen: true, CallerSpoke: true,
				RequiredFields: []string{"email"},
				Captured:       map[string]string{"email": "  "},
			},
			missing: []string{"email"},
		},
		{
			name: "appointment complete",
			state: HangupState{
				Goal: GoalAppointment, Trigger: TriggerEndCallTool, GoodbyeSeen: true, CallerSpoke: true,
				RequiredFields: []string{"email", "date"},
				Captured:       map[string]string{"email": "a@b.c", "date": "monday"},
			},
			allowed: true,
		},
		{
			name:    "silence on a silent lead line",
			state:   HangupState{Goal: GoalLeadOnly, Trigger: TriggerSilence},
			allowed: true,
		},
		{
			name:    "silence on a silent appointment line",
			state:   HangupState{Goal: GoalAppointment, Trigger: TriggerSilence, RequiredFields: []string{"email"}},
			missing: []string{"email"},
		},
		{
			name: "silence after caller spoke without fields",
			state: HangupState{
				Goal: GoalAppointment, Trigger: TriggerSilence, CallerSpoke: true,
				RequiredFields: []string{"email"},
			},
			missing: []string{"email"},
		},
		{
			name:     "silence lead only asks for goodbye",
			state:    HangupState{Goal: GoalLeadOnly, Trigger: TriggerSilence, CallerSpoke: true},
			farewell: true,
		},
		{
			name: "silence appointment complete asks for goodbye",
			state: HangupState{
				Goal: GoalAppointment, Trigger: TriggerSilence, CallerSpoke: true,
				RequiredFields: []string{"email"},
				Captured:       map[string]string{"email": "a@b.c"},
			},
			farewell: true,
		},
		{
			name:    "silence after goodbye",
			state:   HangupState{Goal: GoalLeadOnly, Trigger: TriggerSilence, CallerSpoke: true, GoodbyeSeen: true},
			allowed: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := EvaluateHangup(tt.state)
			if d.Allowed != tt.allowed {
				t.Errorf("allowed = %v (%s), want %v", d.Allowed, d.Reason, tt.allowed)
			}
			if tt.missing != nil && !reflect.DeepEqual(d.Missing, tt.missing) {
				t.Errorf("missing = %v, want %v", d.Missing, tt.missing)
			}
			if d.Farewell != tt.farewell {
				t.Errorf("farewell = %v, want %v", d.Farewell, tt.farewell)
			}
		})
	}
}

func TestDetectGoodbye(t *testing.T) {
	phrases := DefaultTuning().GoodbyePhrases
	tests := []struct {
		text string
		want bool
	}{
		{"Goodbye!", true},
		{"ok, bye bye then", true},
		{"Thanks. Have a great day.", true},
		{"TAKE CARE", true},
		{"goodbyes are hard", false},
		{"I'll take carefully measured steps", false},
		{"", false},
		{"hello there", false},
	}
	for _, tt := range tests {
		if got := DetectGoodbye(tt.text, phrases); got != tt.want {
			t.Errorf("DetectGoodbye(%q) = %v, want %v", tt.text, got, tt.want)
		}
	}
}

func TestParseGoal(t *testing.T) {
	if ParseGoal(" Appointment ") != GoalAppointment {
		t.Error("appointment not parsed")
	}
	if ParseGoal("demo") != GoalLeadOnly || ParseGoal("") != GoalLeadOnly {
		t.Error("unknown goals should fall back to lead_only")
	}
}
