// Package recording enforces the retention window on local call recordings.
package recording

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/flowpbx/voicebridge/internal/database"
)

// Sweep removes local recordings of calls older than maxDays. The call's
// recording_file is cleared first, then the WAV file is deleted from disk.
// It returns the number of files removed.
func Sweep(ctx context.Context, calls database.CallRepository, maxDays int, logger *slog.Logger) (int, error) {
	if maxDays <= 0 {
		return 0, nil
	}
	paths, err := calls.DeleteExpiredRecordings(ctx, maxDays)
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, p := range paths {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			logger.Warn("failed to remove recording file", "path", p, "error", err)
			continue
		}
		removed++
	}
	if len(paths) > 0 {
		logger.Info("recording retention cleanup", "deleted", removed, "max_days", maxDays)
	}
	return removed, nil
}

// StartCleanupTicker runs Sweep every interval until ctx is cancelled.
// A retention of zero days keeps recordings forever and starts nothing.
func StartCleanupTicker(ctx context.Context, calls database.CallRepository, maxDays int, interval time.Duration, logger *slog.Logger) {
	if maxDays <= 0 {
		return
	}
	logger = logger.With("subsystem", "recording-retention")

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := Sweep(ctx, calls, maxDays, logger); err != nil {
					logger.Error("recording retention cleanup failed", "error", err)
				}
			}
		}
	}()
}
