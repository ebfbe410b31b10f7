package bridge

import (
	"strings"
	"time"
)

// Role identifies the speaker of a turn.
type Role string

const (
	RoleAgent  Role = "agent"
	RoleCaller Role = "caller"
)

// ConversationTurn is one utterance. Turns are appended in order and never
// modified once created.
type ConversationTurn struct {
	Seq         int       `json:"seq"`
	Role        Role      `json:"role"`
	Text        string    `json:"text"`
	ItemID      string    `json:"item_id,omitempty"`
	StartedAt   time.Time `json:"started_at"`
	EndedAt     time.Time `json:"ended_at"`
	Interrupted bool      `json:"interrupted,omitempty"`
}

type partialTurn struct {
	text    strings.Builder
	started time.Time
}

// Transcript assembles turns from provider events. It belongs to the
// control goroutine.
type Transcript struct {
	turns   []ConversationTurn
	partial map[string]*partialTurn
	order   []string
}

func newTranscript() *Transcript {
	return &Transcript{partial: make(map[string]*partialTurn)}
}

// AgentDelta accumulates streaming agent transcript text for an item.
func (t *Transcript) AgentDelta(itemID, delta string, now time.Time) {
	p, ok := t.partial[itemID]
	if !ok {
		p = &partialTurn{started: now}
		t.partial[itemID] = p
		t.order = append(t.order, itemID)
	}
	p.text.WriteString(delta)
}

// AgentDone closes an agent turn. The final text wins over the assembled
// deltas when present. Empty turns are not recorded.
func (t *Transcript) AgentDone(itemID, text string, now time.Time) (ConversationTurn, bool) {
	started := now
	if p, ok := t.partial[itemID]; ok {
		started = p.started
		if strings.TrimSpace(text) == "" {
			text = p.text.String()
		}
		t.dropPartial(itemID)
	}
	return t.add(RoleAgent, itemID, text, started, now, false)
}

// CallerUtterance records a completed caller transcription.
func (t *Transcript) CallerUtterance(itemID, text string, started, now time.Time) (ConversationTurn, bool) {
	if started.IsZero() || started.After(now) {
		started = now
	}
	return t.add(RoleCaller, itemID, text, started, now, false)
}

// Interrupt closes every open agent turn as interrupted, e.g. on barge-in
// or teardown.
func (t *Transcript) Interrupt(now time.Time) []ConversationTurn {
	var out []ConversationTurn
	for _, id := range t.order {
		p := t.partial[id]
		if turn, ok := t.add(RoleAgent, id, p.text.String(), p.started, now, true); ok {
			out = append(out, turn)
		}
	}
	t.partial = make(map[string]*partialTurn)
	t.order = nil
	return out
}

func (t *Transcript) dropPartial(itemID string) {
	delete(t.partial, itemID)
	for i, id := range t.order {
		if id == itemID {
			t.order = append(t.order[:i], t.order[i+1:]...)
			break
		}
	}
}

func (t *Transcript) add(role Role, itemID, text string, started, ended time.Time, interrupted bool) (ConversationTurn, bool) {
	text = strings.TrimSpace(text)
	if text == "" {
		return ConversationTurn{}, false
	}
	turn := ConversationTurn{
		Seq:         len(t.turns) + 1,
		Role:        role,
		Text:        text,
		ItemID:      itemID,
		StartedAt:   started,
		EndedAt:     ended,
		Interrupted: interrupted,
	}
	t.turns = append(t.turns, turn)
	return turn, true
}

// Turns returns a copy of the recorded turns.
func (t *Transcript) Turns() []ConversationTurn {
	out := make([]ConversationTurn, len(t.turns))
	copy(out, t.turns)
	return out
}

// Count returns the number of turns by role.
func (t *Transcript) Count(role Role) int {
	n := 0
	for _, turn := range t.turns {
		if turn.Role == role {
			n++
		}
	}
	return n
}

// Text renders the transcript one turn per line.
func (t *Transcript) Text() string {
	return RenderTranscript(t.turns)
}

// RenderTranscript formats turns as "Agent: ..." / "Caller: ..." lines.
func RenderTranscript(turns []ConversationTurn) string {
	var b strings.Builder
	for i, turn := range turns {
		if i > 0 {
			b.WriteByte('\n')
		}
		switch turn.Role {
		case RoleAgent:
			b.WriteString("Agent: ")
		case RoleCaller:
			b.WriteString("Caller: ")
		}
		b.WriteString(turn.Text)
	}
	return b.String()
}
