package bridge

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/flowpbx/voicebridge/internal/media"
)

type recordingSink struct {
	mu    sync.Mutex
	times []time.Time
	marks []string
}

func (s *recordingSink) SendMedia(payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.times = append(s.times, time.Now())
	return nil
}

func (s *recordingSink) SendMark(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.marks = append(s.marks, name)
	return nil
}

func (s *recordingSink) sent() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.times)
}

func startPlayback(t *testing.T, sink MediaSink, capacity, decay time.Duration) *Playback {
	t.Helper()
	p := NewPlayback(sink, capacity, decay, testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return p
}

func waitDrained(t *testing.T, p *Playback) {
	t.Helper()
	select {
	case <-p.Drained():
	case <-time.After(3 * time.Second):
		t.Fatal("playback never drained")
	}
}

func TestPlaybackPacing(t *testing.T) {
	sink := &recordingSink{}
	p := startPlayback(t, sink, time.Second, 0)

	p.Enqueue(tone(1000, 10*media.FrameSize))
	p.EndResponse("r1")
	waitFor(t, "end mark", func() bool {
		sink.mu.Lock()
		defer sink.mu.Unlock()
		return len(sink.marks) == 1
	})

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.times) != 10 {
		t.Fatalf("frames sent = %d, want 10", len(sink.times))
	}
	if span := sink.times[9].Sub(sink.times[0]); span < 170*time.Millisecond {
		t.Errorf("10 frames sent over %s, want about 180ms of pacing", span)
	}
	if len(sink.marks) != 1 || sink.marks[0] != "r1" {
		t.Errorf("marks = %v", sink.marks)
	}
}

func TestPlaybackPartialFrameFlushedOnEnd(t *testing.T) {
	sink := &recordingSink{}
	p := startPlayback(t, sink, time.Second, 0)

	p.Enqueue(tone(1000, media.FrameSize+40))
	p.EndResponse("")
	waitFor(t, "padded remainder", func() bool { return sink.sent() == 2 })
	time.Sleep(50 * time.Millisecond)
	if got := sink.sent(); got != 2 {
		t.Errorf("frames = %d, want 2 with the remainder padded", got)
	}
}

func TestPlaybackClearStopsStaleFrames(t *testing.T) {
	sink := &recordingSink{}
	p := startPlayback(t, sink, 5*time.Second, 50*time.Millisecond)

	p.Enqueue(tone(1000, 100*media.FrameSize))
	waitFor(t, "playback to start", func() bool { return sink.sent() >= 2 })
	if !p.Speaking() || !p.Busy() {
		t.Fatal("playback not speaking")
	}

	cleared := p.Clear(time.Now())
	if cleared == 0 {
		t.Error("Clear discarded nothing")
	}
	after := sink.sent()
	time.Sleep(100 * time.Millisecond)
	if got := sink.sent(); got != after {
		t.Errorf("%d frames written after Clear", got-after)
	}
	if p.Speaking() {
		t.Error("still speaking after Clear")
	}
	if st := p.Stats(); st.Cleared != uint64(cleared) {
		t.Errorf("stats cleared = %d, want %d", st.Cleared, cleared)
	}
}

// gatedSink holds every SendMedia until release is closed.
type gatedSink struct {
	entered chan struct{}
	release chan struct{}

	mu     sync.Mutex
	events []string
}

func (s *gatedSink) SendMedia(payload []byte) error {
	select {
	case s.entered <- struct{}{}:
	default:
	}
	<-s.release
	s.record("media")
	return nil
}

func (s *gatedSink) SendMark(name string) error {
	s.record("mark")
	return nil
}

func (s *gatedSink) record(ev string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

func TestPlaybackClearWaitsForInflightFrame(t *testing.T) {
	sink := &gatedSink{entered: make(chan struct{}, 1), release: make(chan struct{})}
	p := startPlayback(t, sink, 5*time.Second, 0)

	p.Enqueue(tone(1000, 20*media.FrameSize))
	select {
	case <-sink.entered:
	case <-time.After(3 * time.Second):
		t.Fatal("no frame reached the sink")
	}

	cleared := make(chan struct{})
	go func() {
		p.Clear(time.Now())
		sink.record("clear")
		close(cleared)
	}()

	select {
	case <-cleared:
		t.Fatal("Clear returned while a frame was being written")
	case <-time.After(50 * time.Millisecond):
	}

	close(sink.release)
	select {
	case <-cleared:
	case <-time.After(3 * time.Second):
		t.Fatal("Clear never returned")
	}
	time.Sleep(100 * time.Millisecond)

	sink.mu.Lock()
	defer sink.mu.Unlock()
	want := []string{"media", "clear"}
	if len(sink.events) != len(want) {
		t.Fatalf("events = %v, want %v", sink.events, want)
	}
	for i := range want {
		if sink.events[i] != want[i] {
			t.Fatalf("events = %v, want %v", sink.events, want)
		}
	}
}

func TestPlaybackEnqueueNeverBlocks(t *testing.T) {
	sink := &recordingSink{}
	// Capacity for five frames and no running loop.
	p := NewPlayback(sink, 100*time.Millisecond, 0, testLogger())

	done := make(chan struct{})
	go func() {
		p.Enqueue(tone(1000, 50*media.FrameSize))
		p.EndResponse("m")
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Enqueue blocked on a full queue")
	}
	if p.Pending() != 5 {
		t.Errorf("pending = %d, want 5", p.Pending())
	}
	if st := p.Stats(); st.Overflow != 46 {
		t.Errorf("overflow = %d, want 46", st.Overflow)
	}
}

func TestPlaybackEchoDecayMonotonic(t *testing.T) {
	sink := &recordingSink{}
	decay := 80 * time.Millisecond
	p := startPlayback(t, sink, time.Second, decay)

	p.Enqueue(tone(1000, 3*media.FrameSize))
	p.EndResponse("")
	waitFor(t, "playback to finish", func() bool { return sink.sent() == 3 && !p.Speaking() })

	now := time.Now()
	if !p.InEchoDecay(now) {
		t.Fatal("not in echo decay right after playback")
	}

	// Once the window closes it stays closed until new audio plays.
	closed := false
	for ts := now; ts.Before(now.Add(300 * time.Millisecond)); ts = ts.Add(5 * time.Millisecond) {
		in := p.InEchoDecay(ts)
		if closed && in {
			t.Fatalf("echo decay reopened at +%s", ts.Sub(now))
		}
		if !in {
			closed = true
		}
	}
	if !closed {
		t.Fatal("echo decay never closed")
	}
	if p.InEchoDecay(now.Add(decay + 60*time.Millisecond)) {
		t.Error("echo decay outlived its window")
	}
}

func TestPlaybackMarkOnlyResponseSignalsDrained(t *testing.T) {
	sink := &recordingSink{}
	p := startPlayback(t, sink, time.Second, 0)

	p.EndResponse("empty")
	waitDrained(t, p)
	if p.Busy() {
		t.Error("busy after an empty response")
	}
}
