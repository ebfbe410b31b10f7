// Package worker persists finalization records and turns off the call
// path, and runs the offline transcription fallback.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/flowpbx/voicebridge/internal/bridge"
	"github.com/flowpbx/voicebridge/internal/database"
	"github.com/flowpbx/voicebridge/internal/database/models"
)

// RecordingFetcher downloads the carrier's recording of a call.
type RecordingFetcher interface {
	FetchRecording(ctx context.Context, callSID string) ([]byte, error)
}

// Transcriber turns recorded audio into text.
type Transcriber interface {
	Transcribe(ctx context.Context, audio []byte, language string) (string, error)
}

// Options configures a Pool.
type Options struct {
	Workers   int
	QueueSize int

	// Retries bounds store and transcription retries per job.
	Retries    uint64
	RetryDelay time.Duration

	// RecordingDelay is how long to wait after a call ends before asking
	// the carrier for its recording, which is finalized asynchronously.
	RecordingDelay time.Duration

	// JobTimeout bounds a single job including retries.
	JobTimeout time.Duration

	// Language hints the offline transcription.
	Language string
}

func (o *Options) setDefaults() {
	if o.Workers <= 0 {
		o.Workers = 4
	}
	if o.QueueSize <= 0 {
		o.QueueSize = 256
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = 500 * time.Millisecond
	}
	if o.JobTimeout <= 0 {
		o.JobTimeout = 5 * time.Minute
	}
}

type jobKind int

const (
	jobTurn jobKind = iota
	jobFinal
)

type job struct {
	kind    jobKind
	callSID string
	turn    bridge.ConversationTurn
	rec     *bridge.FinalizationRecord
}

// Stats are cumulative pool counters.
type Stats struct {
	Submitted     uint64
	Rejected      uint64
	Processed     uint64
	Failed        uint64
	OfflineOK     uint64
	OfflineFailed uint64
	QueueDepth    int
	QueueCapacity int
}

// Pool is a fixed set of workers draining a bounded job queue. Submit
// methods never block; when the queue is full the job is rejected with
// bridge.ErrSinkFull.
type Pool struct {
	store       database.Store
	fetcher     RecordingFetcher
	transcriber Transcriber
	opts        Options
	logger      *slog.Logger

	queue chan job
	wg    sync.WaitGroup

	mu      sync.RWMutex
	stopped bool

	submitted     atomic.Uint64
	rejected      atomic.Uint64
	processed     atomic.Uint64
	failed        atomic.Uint64
	offlineOK     atomic.Uint64
	offlineFailed atomic.Uint64
}

// New creates a pool. fetcher and transcriber may be nil, in which case
// calls needing the offline fallback are stored as failed.
func New(store database.Store, fetcher RecordingFetcher, transcriber Transcriber, opts Options, logger *slog.Logger) *Pool {
	opts.setDefaults()
	return &Pool{
		store:       store,
		fetcher:     fetcher,
		transcriber: transcriber,
		opts:        opts,
		logger:      logger.With("subsystem", "worker"),
		queue:       make(chan job, opts.QueueSize),
	}
}

// Start launches the workers. They exit once Stop has drained the queue.
func (p *Pool) Start(ctx context.Context) {
	for i := 0; i < p.opts.Workers; i++ {
		p.wg.Add(1)
		go p.run(ctx, i)
	}
	p.logger.Info("worker pool started", "workers", p.opts.Workers, "queue", p.opts.QueueSize)
}

// Stop closes the queue and waits for in-flight jobs, bounded by ctx.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	close(p.queue)
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("worker pool stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for workers: %w", ctx.Err())
	}
}

// SubmitTurn queues a completed turn for storage.
func (p *Pool) SubmitTurn(callSID string, turn bridge.ConversationTurn) error {
	return p.submit(job{kind: jobTurn, callSID: callSID, turn: turn})
}

// SubmitFinal queues a finalization record for storage.
func (p *Pool) SubmitFinal(rec *bridge.FinalizationRecord) error {
	return p.submit(job{kind: jobFinal, callSID: rec.CallSID, rec: rec})
}

func (p *Pool) submit(j job) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		p.rejected.Add(1)
		return bridge.ErrSinkFull
	}
	select {
	case p.queue <- j:
		p.submitted.Add(1)
		return nil
	default:
		p.rejected.Add(1)
		return bridge.ErrSinkFull
	}
}

// Stats returns a snapshot of the pool counters.
func (p *Pool) Stats() Stats {
	return Stats{
		Submitted:     p.submitted.Load(),
		Rejected:      p.rejected.Load(),
		Processed:     p.processed.Load(),
		Failed:        p.failed.Load(),
		OfflineOK:     p.offlineOK.Load(),
		OfflineFailed: p.offlineFailed.Load(),
		QueueDepth:    len(p.queue),
		QueueCapacity: cap(p.queue),
	}
}

func (p *Pool) run(ctx context.Context, id int) {
	defer p.wg.Done()
	for j := range p.queue {
		p.handle(ctx, id, j)
	}
}

func (p *Pool) handle(ctx context.Context, id int, j job) {
	defer func() {
		if r := recover(); r != nil {
			p.failed.Add(1)
			p.logger.Error("worker job panicked", "worker", id, "call_sid", j.callSID, "panic", r)
		}
	}()

	jctx, cancel := context.WithTimeout(ctx, p.opts.JobTimeout)
	defer cancel()

	var err error
	switch j.kind {
	case jobTurn:
		err = p.storeTurn(jctx, j.callSID, j.turn)
	case jobFinal:
		err = p.finalize(jctx, j.rec)
	}
	if err != nil {
		p.failed.Add(1)
		p.logger.Error("worker job failed", "worker", id, "call_sid", j.callSID, "error", err)
		return
	}
	p.processed.Add(1)
}

func (p *Pool) storeTurn(ctx context.Context, callSID string, turn bridge.ConversationTurn) error {
	t := turnModel(callSID, turn)
	return p.retry(ctx, func(ctx context.Context) error {
		return p.store.Turns().Append(ctx, t)
	})
}

func (p *Pool) finalize(ctx context.Context, rec *bridge.FinalizationRecord) error {
	call, err := callModel(rec)
	if err != nil {
		return err
	}
	if err := p.retry(ctx, func(ctx context.Context) error {
		return p.store.Calls().Upsert(ctx, call)
	}); err != nil {
		return fmt.Errorf("storing call: %w", err)
	}

	// Turns were also streamed during the call; appends are idempotent so
	// any that were dropped on a full queue are filled in here.
	for _, turn := range rec.Turns {
		if err := p.storeTurn(ctx, rec.CallSID, turn); err != nil {
			p.logger.Warn("failed to store turn", "call_sid", rec.CallSID, "seq", turn.Seq, "error", err)
		}
	}

	p.logger.Info("call persisted",
		"call_sid", rec.CallSID,
		"end_reason", rec.EndReason,
		"transcript_source", rec.TranscriptSource,
		"turns", len(rec.Turns),
	)

	if rec.TranscriptSource == bridge.SourceOfflineFallback {
		p.offline(ctx, rec)
	}
	return nil
}

// offline transcribes the call recording and replaces the stored
// transcript. On failure the call is marked failed.
func (p *Pool) offline(ctx context.Context, rec *bridge.FinalizationRecord) {
	logger := p.logger.With("call_sid", rec.CallSID)

	text, err := p.transcribeRecording(ctx, rec)
	source := bridge.SourceOfflineFallback
	if err != nil || text == "" {
		p.offlineFailed.Add(1)
		source = bridge.SourceFailed
		text = rec.Transcript
		logger.Warn("offline transcription failed", "error", err)
	} else {
		p.offlineOK.Add(1)
		logger.Info("offline transcription stored", "chars", len(text))
	}

	if err := p.retry(ctx, func(ctx context.Context) error {
		return p.store.Calls().UpdateTranscript(ctx, rec.CallSID, text, string(source))
	}); err != nil {
		logger.Error("failed to store offline transcript", "error", err)
	}
}

func (p *Pool) transcribeRecording(ctx context.Context, rec *bridge.FinalizationRecord) (string, error) {
	if p.transcriber == nil {
		return "", errors.New("no transcriber configured")
	}

	audio, err := p.loadAudio(ctx, rec)
	if err != nil {
		return "", err
	}

	var text string
	err = p.retry(ctx, func(ctx context.Context) error {
		var err error
		text, err = p.transcriber.Transcribe(ctx, audio, p.opts.Language)
		return err
	})
	return text, err
}

// loadAudio prefers the carrier's recording, which holds both sides of the
// call, and falls back to the local caller-track recording.
func (p *Pool) loadAudio(ctx context.Context, rec *bridge.FinalizationRecord) ([]byte, error) {
	var fetchErr error
	if rec.Recording.CarrierRecording && p.fetcher != nil {
		audio, err := p.fetchCarrierRecording(ctx, rec.CallSID)
		if err == nil && len(audio) > 0 {
			return audio, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		fetchErr = err
		if fetchErr == nil {
			fetchErr = errors.New("carrier recording is empty")
		}
		p.logger.Warn("carrier recording unavailable", "call_sid", rec.CallSID, "error", fetchErr)
	}

	if rec.Recording.LocalPath != "" {
		data, err := os.ReadFile(rec.Recording.LocalPath)
		if err == nil && len(data) > 0 {
			return data, nil
		}
		p.logger.Warn("local recording unreadable", "call_sid", rec.CallSID, "path", rec.Recording.LocalPath, "error", err)
	}

	if fetchErr != nil {
		return nil, fmt.Errorf("fetching carrier recording: %w", fetchErr)
	}
	return nil, errors.New("no recording available")
}

func (p *Pool) fetchCarrierRecording(ctx context.Context, callSID string) ([]byte, error) {
	if p.opts.RecordingDelay > 0 {
		select {
		case <-time.After(p.opts.RecordingDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	var audio []byte
	err := p.retry(ctx, func(ctx context.Context) error {
		var err error
		audio, err = p.fetcher.FetchRecording(ctx, callSID)
		return err
	})
	return audio, err
}

// retry runs fn with exponential backoff. Context errors are not retried.
func (p *Pool) retry(ctx context.Context, fn func(ctx context.Context) error) error {
	b := retry.WithMaxRetries(p.opts.Retries, retry.NewExponential(p.opts.RetryDelay))
	return retry.Do(ctx, b, func(ctx context.Context) error {
		err := fn(ctx)
		if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) ||
			errors.Is(err, database.ErrNotFound) {
			return err
		}
		return retry.RetryableError(err)
	})
}

func turnModel(callSID string, turn bridge.ConversationTurn) *models.Turn {
	return &models.Turn{
		CallSID:     callSID,
		Seq:         turn.Seq,
		Role:        string(turn.Role),
		Text:        turn.Text,
		ItemID:      turn.ItemID,
		Interrupted: turn.Interrupted,
		StartedAt:   turn.StartedAt,
		EndedAt:     turn.EndedAt,
	}
}

func callModel(rec *bridge.FinalizationRecord) (*models.Call, error) {
	captured, err := json.Marshal(rec.Captured)
	if err != nil {
		return nil, fmt.Errorf("encoding captured fields: %w", err)
	}
	if rec.Captured == nil {
		captured = []byte("{}")
	}
	frames, err := json.Marshal(rec.Frames)
	if err != nil {
		return nil, fmt.Errorf("encoding frame stats: %w", err)
	}
	var calibration string
	if rec.Calibration != nil {
		b, err := json.Marshal(rec.Calibration)
		if err != nil {
			return nil, fmt.Errorf("encoding calibration: %w", err)
		}
		calibration = string(b)
	}

	return &models.Call{
		ID:               rec.SessionID,
		CallSID:          rec.CallSID,
		StreamSID:        rec.StreamSID,
		Direction:        rec.Direction,
		FromNumber:       rec.From,
		ToNumber:         rec.To,
		LeadID:           rec.LeadID,
		BusinessID:       rec.BusinessID,
		Goal:             string(rec.Goal),
		Phase:            rec.Phase.String(),
		PhaseReached:     rec.PhaseReached.String(),
		EndReason:        string(rec.EndReason),
		FatalError:       rec.FatalError,
		Transcript:       rec.Transcript,
		TranscriptSource: string(rec.TranscriptSource),
		Captured:         string(captured),
		CarrierRecording: rec.Recording.CarrierRecording,
		RecordingFile:    rec.Recording.LocalPath,
		Frames:           string(frames),
		AccountingOK:     rec.AccountingOK,
		Calibration:      calibration,
		BargeIns:         rec.BargeIns,
		StartedAt:        rec.StartedAt,
		EndedAt:          rec.EndedAt,
		Duration:         int(rec.Duration().Seconds()),
	}, nil
}
