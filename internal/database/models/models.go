package models

import "time"

// Call is the persisted finalization record of one bridged call.
type Call struct {
	ID         string // session id
	CallSID    string
	StreamSID  string
	Direction  string
	FromNumber string
	ToNumber   string
	LeadID     string
	BusinessID string
	Goal       string

	Phase        string // terminal phase
	PhaseReached string // furthest working phase before teardown
	EndReason    string
	FatalError   string

	Transcript       string
	TranscriptSource string
	Captured         string // JSON object of field -> value

	CarrierRecording bool
	RecordingFile    string

	Frames       string // JSON frame statistics
	AccountingOK bool
	Calibration  string // JSON, empty when calibration never ran
	BargeIns     int

	StartedAt time.Time
	EndedAt   time.Time
	Duration  int // seconds
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Turn is one utterance of a call, stored as it completes.
type Turn struct {
	ID          int64
	CallSID     string
	Seq         int
	Role        string
	Text        string
	ItemID      string
	Interrupted bool
	StartedAt   time.Time
	EndedAt     time.Time
}
