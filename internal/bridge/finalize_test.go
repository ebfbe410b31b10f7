package bridge

import (
	"testing"
	"time"
)

func TestChooseTranscriptSource(t *testing.T) {
	local := RecordingRef{LocalPath: "/tmp/call.wav"}
	tests := []struct {
		name        string
		text        string
		callerTurns int
		rec         RecordingRef
		want        TranscriptSource
	}{
		{"usable realtime", "Agent: hi\nCaller: hello there", 1, local, SourceRealtime},
		{"realtime wins without recording", "Agent: hi\nCaller: hello there", 1, RecordingRef{}, SourceRealtime},
		{"too short", "Agent: hi", 1, local, SourceOfflineFallback},
		{"no caller turn", "Agent: a long greeting that nobody answered", 0, local, SourceOfflineFallback},
		{"carrier recording", "", 0, RecordingRef{CarrierRecording: true}, SourceOfflineFallback},
		{"nothing", "", 0, RecordingRef{}, SourceFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ChooseTranscriptSource(tt.text, tt.callerTurns, 20, tt.rec); got != tt.want {
				t.Errorf("got %s, want %s", got, tt.want)
			}
		})
	}
}

func TestFinalizationRecordDuration(t *testing.T) {
	start := time.Now()
	rec := FinalizationRecord{StartedAt: start, EndedAt: start.Add(90 * time.Second)}
	if rec.Duration() != 90*time.Second {
		t.Errorf("duration = %s", rec.Duration())
	}
	if (&FinalizationRecord{}).Duration() != 0 {
		t.Error("zero record has a duration")
	}
}
