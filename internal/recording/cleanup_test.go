package recording

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/flowpbx/voicebridge/internal/database"
	"github.com/flowpbx/voicebridge/internal/database/models"
)

func TestSweep(t *testing.T) {
	dir := t.TempDir()
	db, err := database.Open(dir)
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	defer db.Close()

	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	oldPath := filepath.Join(dir, "old.wav")
	newPath := filepath.Join(dir, "new.wav")
	for _, p := range []string{oldPath, newPath} {
		if err := os.WriteFile(p, []byte("RIFF"), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	calls := db.Calls()
	for sid, c := range map[string]struct {
		path    string
		started time.Time
	}{
		"CAOLD": {oldPath, time.Now().AddDate(0, 0, -30)},
		"CANEW": {newPath, time.Now()},
	} {
		err := calls.Upsert(ctx, &models.Call{
			ID: "s-" + sid, CallSID: sid, RecordingFile: c.path,
			Captured: "{}", Frames: "{}",
			StartedAt: c.started, EndedAt: c.started.Add(time.Minute),
		})
		if err != nil {
			t.Fatalf("Upsert() error: %v", err)
		}
	}

	if n, err := Sweep(ctx, calls, 0, logger); err != nil || n != 0 {
		t.Fatalf("Sweep(0) = %d, %v; want no-op", n, err)
	}

	n, err := Sweep(ctx, calls, 7, logger)
	if err != nil {
		t.Fatalf("Sweep() error: %v", err)
	}
	if n != 1 {
		t.Errorf("removed = %d, want 1", n)
	}
	if _, err := os.Stat(oldPath); !os.IsNotExist(err) {
		t.Error("old recording still on disk")
	}
	if _, err := os.Stat(newPath); err != nil {
		t.Errorf("new recording removed: %v", err)
	}
}
