package bridge

import (
	"errors"
	"strings"
	"time"
)

// TranscriptSource says where the stored transcript comes from.
type TranscriptSource string

const (
	SourceRealtime        TranscriptSource = "realtime"
	SourceOfflineFallback TranscriptSource = "offline_fallback"
	SourceFailed          TranscriptSource = "failed"
)

// EndReason says why the call ended.
type EndReason string

const (
	EndCarrierStop  EndReason = "carrier_stop"
	EndCarrierError EndReason = "carrier_error"
	EndHangup       EndReason = "hangup"
	EndSilence      EndReason = "silence"
	EndMaxDuration  EndReason = "max_duration"
	EndConfigFailed EndReason = "config_failed"
	EndProviderLost EndReason = "provider_lost"
	EndCancelled    EndReason = "cancelled"
)

// RecordingRef locates the call audio for offline transcription.
type RecordingRef struct {
	// CarrierRecording is set when the carrier was asked to record the
	// call; the recording is looked up by call SID later.
	CarrierRecording bool          `json:"carrier_recording"`
	LocalPath        string        `json:"local_path,omitempty"`
	LocalDuration    time.Duration `json:"local_duration,omitempty"`
}

// Available reports whether any recording exists.
func (r RecordingRef) Available() bool {
	return r.CarrierRecording || r.LocalPath != ""
}

// FinalizationRecord is the terminal state of one call, handed to the
// persistence worker as a single unit.
type FinalizationRecord struct {
	SessionID  string `json:"session_id"`
	CallSID    string `json:"call_sid"`
	StreamSID  string `json:"stream_sid"`
	Direction  string `json:"direction"`
	From       string `json:"from"`
	To         string `json:"to"`
	LeadID     string `json:"lead_id,omitempty"`
	BusinessID string `json:"business_id,omitempty"`
	Goal       Goal   `json:"goal"`

	Phase        Phase     `json:"-"`
	PhaseReached Phase     `json:"-"`
	EndReason    EndReason `json:"end_reason"`
	FatalError   string    `json:"fatal_error,omitempty"`

	Turns            []ConversationTurn `json:"turns"`
	Transcript       string             `json:"transcript"`
	TranscriptSource TranscriptSource   `json:"transcript_source"`
	Captured         map[string]string  `json:"captured,omitempty"`

	Recording    RecordingRef    `json:"recording"`
	Frames       FrameStats      `json:"frames"`
	AccountingOK bool            `json:"accounting_ok"`
	Calibration  *VADCalibration `json:"calibration,omitempty"`
	Playback     PlaybackStats   `json:"playback"`
	BargeIns     int             `json:"barge_ins"`

	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at"`
}

// Duration is the call length.
func (r *FinalizationRecord) Duration() time.Duration {
	if r.EndedAt.Before(r.StartedAt) {
		return 0
	}
	return r.EndedAt.Sub(r.StartedAt)
}

// ChooseTranscriptSource decides between the realtime transcript and the
// offline fallback. A usable realtime transcript always wins; the two are
// never combined.
func ChooseTranscriptSource(text string, callerTurns, minChars int, recording RecordingRef) TranscriptSource {
	if len([]rune(strings.TrimSpace(text))) >= minChars && callerTurns > 0 {
		return SourceRealtime
	}
	if recording.Available() {
		return SourceOfflineFallback
	}
	return SourceFailed
}

// ErrSinkFull is returned by a Sink that cannot accept work without
// blocking.
var ErrSinkFull = errors.New("finalization queue full")

// Sink accepts persistence work. Both methods must return immediately.
type Sink interface {
	SubmitTurn(callSID string, turn ConversationTurn) error
	SubmitFinal(rec *FinalizationRecord) error
}
