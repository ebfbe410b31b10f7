package media

import (
	"encoding/binary"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestRecorderBasic(t *testing.T) {
	dir := t.TempDir()
	fp := filepath.Join(dir, "nested", "test.wav")

	rec, err := NewRecorder(fp, quietLogger())
	if err != nil {
		t.Fatalf("NewRecorder: %v", err)
	}

	payload := SilenceFrame()
	for i := 0; i < 50; i++ {
		rec.Feed(payload)
	}

	filePath, duration := rec.Stop()

	if filePath != fp {
		t.Errorf("FilePath = %q, want %q", filePath, fp)
	}
	// 50 frames × 160 bytes = 8000 bytes = 1 second.
	if duration != time.Second {
		t.Errorf("duration = %v, want 1s", duration)
	}

	data, err := os.ReadFile(fp)
	if err != nil {
		t.Fatalf("reading recording: %v", err)
	}
	if len(data) < wavHeaderSize {
		t.Fatalf("file too small: %d bytes", len(data))
	}
	if string(data[0:4]) != "RIFF" {
		t.Error("missing RIFF marker")
	}
	if string(data[8:12]) != "WAVE" {
		t.Error("missing WAVE marker")
	}
	if got := binary.LittleEndian.Uint16(data[20:22]); got != wavFormatPCMU {
		t.Errorf("audio format = %d, want %d", got, wavFormatPCMU)
	}

	dataSize := binary.LittleEndian.Uint32(data[40:44])
	actual := uint32(len(data) - wavHeaderSize)
	if dataSize != actual {
		t.Errorf("header data size = %d, actual = %d", dataSize, actual)
	}
	if actual != 8000 {
		t.Errorf("total data = %d, want 8000", actual)
	}
}

func TestRecorderStopIdempotent(t *testing.T) {
	fp := filepath.Join(t.TempDir(), "idem.wav")
	rec, err := NewRecorder(fp, quietLogger())
	if err != nil {
		t.Fatalf("NewRecorder: %v", err)
	}
	rec.Feed(SilenceFrame())

	_, d1 := rec.Stop()
	_, d2 := rec.Stop()
	if d1 != d2 {
		t.Errorf("second Stop duration = %v, want %v", d2, d1)
	}

	// Feeding after stop must not panic.
	rec.Feed(SilenceFrame())
}

func TestRecorderEmptyFeedIgnored(t *testing.T) {
	fp := filepath.Join(t.TempDir(), "empty.wav")
	rec, err := NewRecorder(fp, quietLogger())
	if err != nil {
		t.Fatalf("NewRecorder: %v", err)
	}
	rec.Feed(nil)
	rec.Feed([]byte{})

	_, d := rec.Stop()
	if d != 0 {
		t.Errorf("duration = %v, want 0", d)
	}
}

func TestRecordingPath(t *testing.T) {
	ts := time.Date(2026, 3, 7, 10, 0, 0, 0, time.UTC)
	got := RecordingPath("/data", "CA123", ts)
	want := filepath.Join("/data", "recordings", "2026", "03", "07", "call_CA123.wav")
	if got != want {
		t.Errorf("RecordingPath = %q, want %q", got, want)
	}
}
