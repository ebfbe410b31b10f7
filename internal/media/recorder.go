package media

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"
)

const (
	// recorderChanSize is the buffered channel capacity for incoming frames.
	// At 50 frames/sec this holds ~2.5 seconds of audio.
	recorderChanSize = 128

	// recorderFlushSize is the number of bytes to buffer before flushing to
	// disk. 8000 bytes = 1 second of μ-law audio.
	recorderFlushSize = 8000
)

// Recorder captures the caller's μ-law track to a WAV file. It runs a
// dedicated goroutine that reads frames from a buffered channel so the
// ingress loop never waits on disk I/O.
//
// Usage:
//
//	rec, _ := NewRecorder(filePath, logger)
//	rec.Feed(payload) // from the ingress loop
//	filePath, duration := rec.Stop()
//
// Feed is non-blocking: if the goroutine falls behind, frames are dropped
// and counted rather than blocking the caller.
//
// Thread safety: Feed may be called concurrently. Stop is idempotent.
type Recorder struct {
	mu       sync.Mutex
	file     *os.File
	filePath string
	dataSize uint32
	stopped  bool
	logger   *slog.Logger

	dropped atomic.Uint64
	frames  chan []byte
	done    chan struct{}
}

// NewRecorder creates a recorder that writes G.711 u-law WAV audio to
// filePath. Parent directories are created if needed. The recording
// goroutine starts immediately.
func NewRecorder(filePath string, logger *slog.Logger) (*Recorder, error) {
	if err := os.MkdirAll(filepath.Dir(filePath), 0o755); err != nil {
		return nil, fmt.Errorf("creating recording directory: %w", err)
	}

	f, err := os.Create(filePath)
	if err != nil {
		return nil, fmt.Errorf("creating recording file: %w", err)
	}

	// Placeholder header, rewritten on Stop with the actual data size.
	if err := writeWAVHeader(f, 0); err != nil {
		f.Close()
		os.Remove(filePath)
		return nil, fmt.Errorf("writing wav header: %w", err)
	}

	r := &Recorder{
		file:     f,
		filePath: filePath,
		logger:   logger.With("subsystem", "call-recorder", "file", filePath),
		frames:   make(chan []byte, recorderChanSize),
		done:     make(chan struct{}),
	}

	go r.writeLoop()

	r.logger.Debug("call recording started")
	return r, nil
}

// Feed queues a μ-law payload for recording. The payload is copied so the
// caller keeps ownership of its buffer.
func (r *Recorder) Feed(payload []byte) {
	if len(payload) == 0 {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return
	}

	buf := make([]byte, len(payload))
	copy(buf, payload)

	select {
	case r.frames <- buf:
	default:
		r.dropped.Add(1)
	}
}

// Stop drains remaining frames, rewrites the WAV header with the actual data
// size and closes the file. Returns the file path and duration.
func (r *Recorder) Stop() (filePath string, duration time.Duration) {
	r.mu.Lock()
	if r.stopped {
		size := r.dataSize
		r.mu.Unlock()
		return r.filePath, time.Duration(size) * time.Second / SampleRate
	}
	r.stopped = true
	close(r.frames)
	r.mu.Unlock()

	<-r.done

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, err := r.file.Seek(0, 0); err != nil {
		r.logger.Error("failed to seek for wav header rewrite", "error", err)
	} else if err := writeWAVHeader(r.file, r.dataSize); err != nil {
		r.logger.Error("failed to rewrite wav header", "error", err)
	}
	r.file.Close()

	duration = time.Duration(r.dataSize) * time.Second / SampleRate
	r.logger.Info("call recording stopped",
		"duration", duration,
		"total_bytes", r.dataSize,
		"frames_dropped", r.dropped.Load(),
	)

	return r.filePath, duration
}

// FilePath returns the path to the recording file.
func (r *Recorder) FilePath() string {
	return r.filePath
}

// Dropped returns the number of frames discarded because the writer fell behind.
func (r *Recorder) Dropped() uint64 {
	return r.dropped.Load()
}

// writeLoop is the recording goroutine. It exits when the channel is closed.
func (r *Recorder) writeLoop() {
	defer close(r.done)

	writeBuf := make([]byte, 0, recorderFlushSize)

	flush := func() {
		if len(writeBuf) == 0 {
			return
		}
		n, err := r.file.Write(writeBuf)
		if err != nil {
			r.logger.Error("failed to write recording data", "error", err)
		}
		r.mu.Lock()
		r.dataSize += uint32(n)
		r.mu.Unlock()
		writeBuf = writeBuf[:0]
	}

	for frame := range r.frames {
		writeBuf = append(writeBuf, frame...)
		if len(writeBuf) >= recorderFlushSize {
			flush()
		}
	}

	flush()
}

// RecordingPath returns the organized file path for a call recording.
// Recordings are stored by date: $dataDir/recordings/YYYY/MM/DD/call_{id}.wav
func RecordingPath(dataDir, callID string, t time.Time) string {
	return filepath.Join(
		dataDir,
		"recordings",
		t.Format("2006"),
		t.Format("01"),
		t.Format("02"),
		fmt.Sprintf("call_%s.wav", callID),
	)
}
