package bridge

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/flowpbx/voicebridge/internal/media"
)

// MediaSink receives paced playback frames. The carrier connection
// implements it.
type MediaSink interface {
	SendMedia(payload []byte) error
	SendMark(name string) error
}

type egressItem struct {
	gen     uint64
	payload []byte
	mark    string
}

// PlaybackStats is a snapshot of egress counters.
type PlaybackStats struct {
	Played     uint64 `json:"played"`
	Stale      uint64 `json:"stale"`
	Overflow   uint64 `json:"overflow"`
	Cleared    uint64 `json:"cleared"`
	SendErrors uint64 `json:"send_errors"`
}

// Playback paces agent audio to the carrier one frame per tick. Frames are
// stamped with a generation; Clear bumps the generation so anything queued
// or in hand before the clear is never written.
//
// Enqueue is called from the control goroutine only. Run is the playback
// loop.
type Playback struct {
	sink   MediaSink
	logger *slog.Logger
	tick   time.Duration
	decay  time.Duration

	queue  chan egressItem
	framer media.Framer

	// sendMu covers the generation check and the write that follows it, so
	// no frame is written once Clear has returned.
	sendMu     sync.Mutex
	gen        atomic.Uint64
	speaking   atomic.Bool
	decayUntil atomic.Int64

	// drained is signalled each time queued audio finishes playing.
	drained chan struct{}

	played     atomic.Uint64
	stale      atomic.Uint64
	overflow   atomic.Uint64
	cleared    atomic.Uint64
	sendErrors atomic.Uint64
}

// NewPlayback sizes the queue to hold capacity worth of frames.
func NewPlayback(sink MediaSink, capacity, decay time.Duration, logger *slog.Logger) *Playback {
	frames := int(capacity / media.FrameDuration)
	if frames < 1 {
		frames = 1
	}
	return &Playback{
		sink:    sink,
		logger:  logger.With("subsystem", "egress"),
		tick:    media.FrameDuration,
		decay:   decay,
		queue:   make(chan egressItem, frames),
		drained: make(chan struct{}, 1),
	}
}

// Enqueue splits audio into frames and queues them. It never blocks: once
// the queue is full the excess is discarded and counted, so the control
// goroutine stays free to react to barge-in.
func (p *Playback) Enqueue(audio []byte) {
	gen := p.gen.Load()
	for _, frame := range p.framer.Push(audio) {
		p.put(egressItem{gen: gen, payload: frame})
	}
}

// EndResponse flushes the partial frame and queues a mark that the carrier
// echoes back once everything before it has played.
func (p *Playback) EndResponse(mark string) {
	gen := p.gen.Load()
	if frame := p.framer.Flush(); frame != nil {
		p.put(egressItem{gen: gen, payload: frame})
	}
	if mark != "" {
		p.put(egressItem{gen: gen, mark: mark})
	}
}

func (p *Playback) put(it egressItem) {
	select {
	case p.queue <- it:
	default:
		if p.overflow.Add(1) == 1 {
			p.logger.Warn("egress queue full, discarding agent audio", "capacity", cap(p.queue))
		}
	}
}

// Clear discards everything queued and invalidates any frame the loop is
// holding. It returns the number of frames discarded.
func (p *Playback) Clear(now time.Time) int {
	p.sendMu.Lock()
	p.gen.Add(1)
	p.sendMu.Unlock()
	p.framer.Reset()

	n := 0
	for {
		select {
		case <-p.queue:
			n++
			continue
		default:
		}
		break
	}
	p.cleared.Add(uint64(n))

	if p.speaking.Swap(false) {
		p.decayUntil.Store(now.Add(p.decay).UnixNano())
		p.notifyDrained()
	}
	return n
}

// Speaking reports whether agent audio is currently being played.
func (p *Playback) Speaking() bool {
	return p.speaking.Load()
}

// InEchoDecay reports whether now falls inside the decay window that
// follows the end of agent audio.
func (p *Playback) InEchoDecay(now time.Time) bool {
	return now.UnixNano() < p.decayUntil.Load()
}

// Busy reports whether audio is playing or waiting to play.
func (p *Playback) Busy() bool {
	return p.speaking.Load() || len(p.queue) > 0
}

// Pending returns the number of queued items.
func (p *Playback) Pending() int {
	return len(p.queue)
}

// Drained delivers a signal whenever playback goes idle.
func (p *Playback) Drained() <-chan struct{} {
	return p.drained
}

// Stats returns the egress counters.
func (p *Playback) Stats() PlaybackStats {
	return PlaybackStats{
		Played:     p.played.Load(),
		Stale:      p.stale.Load(),
		Overflow:   p.overflow.Load(),
		Cleared:    p.cleared.Load(),
		SendErrors: p.sendErrors.Load(),
	}
}

func (p *Playback) notifyDrained() {
	select {
	case p.drained <- struct{}{}:
	default:
	}
}

// finish marks the end of an utterance. The echo decay window starts when
// the last written frame has finished playing at the far end.
func (p *Playback) finish(playedUntil time.Time) {
	if p.speaking.Swap(false) {
		p.decayUntil.Store(playedUntil.Add(p.decay).UnixNano())
		p.notifyDrained()
	}
}

// idleCheck ends the utterance if a skipped frame left nothing to play.
func (p *Playback) idleCheck() {
	if len(p.queue) == 0 {
		p.finish(time.Now())
	}
}

// Run is the playback loop. Frames are written against absolute deadlines
// so pacing does not drift with scheduling jitter.
func (p *Playback) Run(ctx context.Context) {
	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	var next time.Time
	for {
		var it egressItem
		select {
		case <-ctx.Done():
			return
		case it = <-p.queue:
		}

		if it.mark != "" {
			if !p.send(it) {
				p.stale.Add(1)
				p.idleCheck()
				continue
			}
			if len(p.queue) == 0 {
				if p.speaking.Load() {
					p.finish(next)
				} else {
					p.notifyDrained()
				}
			}
			continue
		}

		if it.gen != p.gen.Load() {
			p.stale.Add(1)
			p.idleCheck()
			continue
		}

		now := time.Now()
		if !p.speaking.Load() || next.Before(now.Add(-p.tick)) {
			next = now
		}
		p.speaking.Store(true)

		if d := next.Sub(now); d > 0 {
			timer.Reset(d)
			select {
			case <-ctx.Done():
				return
			case <-timer.C:
			}
		}

		// A clear may have landed while waiting.
		if !p.send(it) {
			p.stale.Add(1)
			p.idleCheck()
			continue
		}
		next = next.Add(p.tick)

		if len(p.queue) == 0 {
			p.finish(next)
		}
	}
}

// send writes it unless a Clear has superseded its generation. It reports
// false for a stale item.
func (p *Playback) send(it egressItem) bool {
	p.sendMu.Lock()
	defer p.sendMu.Unlock()
	if it.gen != p.gen.Load() {
		return false
	}

	if it.mark != "" {
		if err := p.sink.SendMark(it.mark); err != nil {
			p.sendErrors.Add(1)
			p.logger.Debug("sending mark failed", "mark", it.mark, "error", err)
		}
		return true
	}
	if err := p.sink.SendMedia(it.payload); err != nil {
		p.sendErrors.Add(1)
		p.logger.Debug("sending media failed", "error", err)
	} else {
		p.played.Add(1)
	}
	return true
}
