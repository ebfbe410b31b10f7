package bridge

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/flowpbx/voicebridge/internal/carrier"
	"github.com/flowpbx/voicebridge/internal/media"
	"github.com/flowpbx/voicebridge/internal/provider"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testTuning() Tuning {
	t := DefaultTuning()
	t.ConfigAckTimeout = time.Second
	t.GreetingMaxDuration = 2 * time.Second
	t.InboundProtectWindow = 0
	t.EchoDecay = 50 * time.Millisecond
	t.CalibrationWindow = 200 * time.Millisecond
	t.SilenceWarning = time.Hour
	t.MonitorInterval = 20 * time.Millisecond
	t.HangupGrace = time.Second
	t.MaxCallDuration = 10 * time.Second
	t.JoinTimeout = time.Second
	t.LeadTimeout = 100 * time.Millisecond
	t.MinTranscriptChars = 5
	return t
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// tone returns n bytes of a constant μ-law sample at the given linear level.
func tone(level int16, n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = media.LinearToUlaw(level)
	}
	return b
}

func loudFrame() []byte  { return tone(12000, media.FrameSize) }
func quietFrame() []byte { return tone(20, media.FrameSize) }

// --- carrier ---

type fakeCarrier struct {
	in        chan *carrier.Message
	closed    chan struct{}
	closeOnce sync.Once

	mu     sync.Mutex
	media  int
	marks  []string
	clears int
}

func newFakeCarrier() *fakeCarrier {
	return &fakeCarrier{
		in:     make(chan *carrier.Message, 512),
		closed: make(chan struct{}),
	}
}

func (c *fakeCarrier) ReadMessage() (*carrier.Message, error) {
	select {
	case m := <-c.in:
		return m, nil
	case <-c.closed:
		return nil, carrier.ErrClosed
	}
}

func (c *fakeCarrier) SendMedia(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.media++
	return nil
}

func (c *fakeCarrier) SendMark(name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.marks = append(c.marks, name)
	return nil
}

func (c *fakeCarrier) SendClear() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clears++
	return nil
}

func (c *fakeCarrier) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeCarrier) mediaSent() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.media
}

func (c *fakeCarrier) clearsSent() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clears
}

func (c *fakeCarrier) marksSent() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.marks...)
}

func (c *fakeCarrier) start(direction string, params map[string]string) {
	cp := map[string]string{"direction": direction}
	for k, v := range params {
		cp[k] = v
	}
	c.in <- &carrier.Message{
		Event:     carrier.EventStart,
		StreamSID: "MZ1",
		Start: &carrier.Start{
			StreamSID:        "MZ1",
			CallSID:          "CA1",
			Tracks:           []string{"inbound"},
			Encoding:         "audio/x-mulaw",
			SampleRate:       8000,
			CustomParameters: cp,
		},
	}
}

func (c *fakeCarrier) frame(seq int64, payload []byte) {
	c.in <- &carrier.Message{
		Event: carrier.EventMedia,
		Media: &carrier.Media{Track: "inbound", Sequence: seq, Payload: payload},
	}
}

func (c *fakeCarrier) stop() {
	c.in <- &carrier.Message{Event: carrier.EventStop}
}

// --- provider ---

type fakeProvider struct {
	events chan provider.Event

	// ack builds the session.updated payload. Nil means no automatic ack.
	ack func(provider.SessionConfig) *provider.SessionConfig

	// appendErr, when set, decides the result of each AppendAudio call.
	appendErr func(n int) error
	// gate, when set, blocks AppendAudio until closed.
	gate chan struct{}

	mu        sync.Mutex
	configs   []provider.SessionConfig
	appended  int
	responses []string
	messages  []string
	nudges    []string
	tools     map[string]string
	cancels   int
	closed    bool
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		events: make(chan provider.Event, 256),
		ack: func(cfg provider.SessionConfig) *provider.SessionConfig {
			return &cfg
		},
		tools: make(map[string]string),
	}
}

func (p *fakeProvider) dialer() ProviderDialer {
	return func(context.Context) (ProviderConn, error) { return p, nil }
}

func (p *fakeProvider) Configure(cfg provider.SessionConfig) error {
	p.mu.Lock()
	p.configs = append(p.configs, cfg)
	ack := p.ack
	p.mu.Unlock()
	if ack != nil {
		p.events <- provider.Event{Type: provider.EventSessionUpdated, Session: ack(cfg)}
	}
	return nil
}

func (p *fakeProvider) AppendAudio(payload []byte) error {
	if p.gate != nil {
		<-p.gate
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.appended++
	if p.appendErr != nil {
		if err := p.appendErr(p.appended); err != nil {
			return err
		}
	}
	return nil
}

func (p *fakeProvider) AddMessage(role, text string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.messages = append(p.messages, role+": "+text)
	return nil
}

func (p *fakeProvider) CreateResponse(instructions string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.responses = append(p.responses, instructions)
	return nil
}

func (p *fakeProvider) Nudge(text string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nudges = append(p.nudges, text)
	return nil
}

func (p *fakeProvider) SubmitToolResult(callID, output string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tools[callID] = output
	return nil
}

func (p *fakeProvider) CancelResponse() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cancels++
	return nil
}

func (p *fakeProvider) Events() <-chan provider.Event { return p.events }

func (p *fakeProvider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *fakeProvider) appendCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.appended
}

func (p *fakeProvider) cancelCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cancels
}

func (p *fakeProvider) nudgeTexts() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.nudges...)
}

func (p *fakeProvider) toolResult(callID string) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out, ok := p.tools[callID]
	return out, ok
}

func (p *fakeProvider) send(ev provider.Event) { p.events <- ev }

// --- sink and ender ---

type fakeSink struct {
	mu     sync.Mutex
	turns  []ConversationTurn
	finals []*FinalizationRecord
}

func (s *fakeSink) SubmitTurn(callSID string, turn ConversationTurn) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.turns = append(s.turns, turn)
	return nil
}

func (s *fakeSink) SubmitFinal(rec *FinalizationRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finals = append(s.finals, rec)
	return nil
}

func (s *fakeSink) finalCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.finals)
}

type fakeEnder struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (e *fakeEnder) EndCall(ctx context.Context, callSID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls = append(e.calls, callSID)
	return e.err
}

func (e *fakeEnder) count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.calls)
}

// --- harness ---

type harness struct {
	t        *testing.T
	carrier  *fakeCarrier
	provider *fakeProvider
	sink     *fakeSink
	ender    *fakeEnder
	session  *Session
	cancel   context.CancelFunc
	done     chan runResult
}

type runResult struct {
	rec *FinalizationRecord
	err error
}

func newHarness(t *testing.T, tuning Tuning, mutate func(*Deps)) *harness {
	t.Helper()
	h := &harness{
		t:        t,
		carrier:  newFakeCarrier(),
		provider: newFakeProvider(),
		sink:     &fakeSink{},
		ender:    &fakeEnder{},
		done:     make(chan runResult, 1),
	}
	deps := Deps{
		Dial:  h.provider.dialer(),
		Ender: h.ender,
		Sink:  h.sink,
	}
	if mutate != nil {
		mutate(&deps)
	}
	h.session = NewSession(h.carrier, tuning, deps, testLogger())
	return h
}

func (h *harness) run() {
	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go func() {
		rec, err := h.session.Run(ctx)
		h.done <- runResult{rec: rec, err: err}
	}()
	h.t.Cleanup(func() {
		cancel()
		h.carrier.Close()
	})
}

func (h *harness) wait() *FinalizationRecord {
	h.t.Helper()
	select {
	case r := <-h.done:
		if r.err != nil {
			h.t.Fatalf("Run: %v", r.err)
		}
		return r.rec
	case <-time.After(5 * time.Second):
		h.t.Fatal("session did not finish")
		return nil
	}
}

func (h *harness) waitPhase(p Phase) {
	h.t.Helper()
	waitFor(h.t, "phase "+p.String(), func() bool { return h.session.Phase() == p })
}

func (h *harness) waitReceived(n uint64) {
	h.t.Helper()
	waitFor(h.t, "frames received", func() bool { return h.session.counters.Snapshot().Received >= n })
}

// finishGreeting completes a provider greeting that produced no audio.
func (h *harness) finishGreeting() {
	h.t.Helper()
	h.waitPhase(PhaseGreeting)
	h.provider.send(provider.Event{Type: provider.EventResponseCreated, ResponseID: "greet"})
	h.provider.send(provider.Event{Type: provider.EventResponseDone, ResponseID: "greet"})
	h.waitPhase(PhaseConversing)
}

var errBoom = errors.New("boom")
