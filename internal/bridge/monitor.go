package bridge

import "time"

type silenceAction int

const (
	silenceNone silenceAction = iota
	silenceNudge
	silenceEnd
)

// silenceMonitor tracks time since the last speech on either side. It is
// driven by the control goroutine.
type silenceMonitor struct {
	warning     time.Duration
	maxWarnings int
	mode        string

	last     time.Time
	warnings int
	ended    bool
}

func newSilenceMonitor(t Tuning, now time.Time) *silenceMonitor {
	return &silenceMonitor{
		warning:     t.SilenceWarning,
		maxWarnings: t.MaxSilenceWarnings,
		mode:        t.Mode,
		last:        now,
	}
}

// Activity resets the silence clock. Caller speech also resets the warning
// count.
func (m *silenceMonitor) Activity(now time.Time, caller bool) {
	m.last = now
	if caller {
		m.warnings = 0
		m.ended = false
	}
}

// Check is called on every monitor tick.
func (m *silenceMonitor) Check(now time.Time, agentSpeaking bool) silenceAction {
	if agentSpeaking {
		m.last = now
		return silenceNone
	}
	if now.Sub(m.last) < m.warning {
		return silenceNone
	}
	m.last = now

	if m.warnings < m.maxWarnings {
		m.warnings++
		return silenceNudge
	}
	if m.mode == ModeSimple || m.ended {
		return silenceNone
	}
	m.ended = true
	return silenceEnd
}

// Warnings returns the nudges issued since the caller last spoke.
func (m *silenceMonitor) Warnings() int {
	return m.warnings
}
