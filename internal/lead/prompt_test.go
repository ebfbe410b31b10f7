package lead

import (
	"strings"
	"testing"
)

func TestBuildInstructions(t *testing.T) {
	lc := &Context{Name: "Jane Doe", Company: "Acme", Notes: "asked about\npricing", BusinessName: "Bright Dental"}
	got := BuildInstructions(lc, "appointment", []string{"email", "date"})

	for _, want := range []string{
		"Bright Dental",
		"Name: Jane Doe",
		"Company: Acme",
		"Notes: asked about pricing",
		"book an appointment",
		"must collect: email, date",
		"capture_field",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("instructions missing %q:\n%s", want, got)
		}
	}
}

func TestBuildInstructionsAnonymous(t *testing.T) {
	got := BuildInstructions(Anonymous("1", "b"), "lead_only", nil)
	if !strings.Contains(got, "Ask for their name") {
		t.Errorf("anonymous instructions should ask for name:\n%s", got)
	}
	if strings.Contains(got, "About the caller") {
		t.Error("anonymous instructions should not describe the caller")
	}
}

func TestGreeting(t *testing.T) {
	tests := []struct {
		lc   *Context
		want string
	}{
		{nil, DefaultGreeting},
		{Anonymous("1", ""), DefaultGreeting},
		{&Context{Name: "Jane Doe"}, "Hi Jane, thanks for taking my call. How are you doing today?"},
		{&Context{Name: "Jane", Greeting: "  Hello from Acme!  "}, "Hello from Acme!"},
	}
	for _, tt := range tests {
		if got := Greeting(tt.lc); got != tt.want {
			t.Errorf("Greeting(%+v) = %q, want %q", tt.lc, got, tt.want)
		}
	}
}
