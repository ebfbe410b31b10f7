package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/flowpbx/voicebridge/internal/carrier"
	"github.com/flowpbx/voicebridge/internal/lead"
	"github.com/flowpbx/voicebridge/internal/media"
	"github.com/flowpbx/voicebridge/internal/provider"
)

const (
	toolCaptureField = "capture_field"
	toolEndCall      = "end_call"

	greetingMark = "greeting"

	endCallTimeout = 5 * time.Second

	silenceNudgeText   = "The caller has gone quiet. Briefly and politely check whether they are still on the line."
	silenceGoodbyeText = "The caller has been silent for a long time. Say a short, polite goodbye now."
)

var (
	errStreamStopped  = errors.New("carrier stream stopped")
	errNoStart        = errors.New("carrier stream ended before start event")
	errAckTimeout     = errors.New("timed out waiting for provider session acknowledgement")
	errProviderClosed = errors.New("provider event stream closed")
)

// CarrierStream is the carrier side of one call.
type CarrierStream interface {
	ReadMessage() (*carrier.Message, error)
	SendMedia(payload []byte) error
	SendMark(name string) error
	SendClear() error
	Close() error
}

// ProviderConn is an open provider session.
type ProviderConn interface {
	Configure(cfg provider.SessionConfig) error
	AppendAudio(payload []byte) error
	AddMessage(role, text string) error
	CreateResponse(instructions string) error
	Nudge(text string) error
	SubmitToolResult(callID, output string) error
	CancelResponse() error
	Events() <-chan provider.Event
	Close() error
}

// ProviderDialer opens a provider session for a call.
type ProviderDialer func(ctx context.Context) (ProviderConn, error)

// LeadLookup fetches caller context.
type LeadLookup interface {
	Lookup(ctx context.Context, leadID, businessID string) (*lead.Context, error)
}

// CallEnder hangs up a call through the carrier's REST API.
type CallEnder interface {
	EndCall(ctx context.Context, callSID string) error
}

// Authorizer accepts or rejects a stream from its start event.
type Authorizer func(start *carrier.Start) error

// Deps are the collaborators shared by every session.
type Deps struct {
	Dial      ProviderDialer
	Leads     LeadLookup
	Authorize Authorizer
	Ender     CallEnder
	Sink      Sink

	// Greeting is an optional prebuilt opening line. When nil the provider
	// speaks the greeting text itself.
	Greeting *media.Prompt
	// GreetingText is what the prebuilt prompt says.
	GreetingText string

	// RecordDir enables local caller-track recording.
	RecordDir string
	// CarrierRecording means the carrier records every call.
	CarrierRecording bool

	// RequiredFields applies to appointment calls whose lead names none.
	RequiredFields []string
}

// SessionInfo is a live summary of a session.
type SessionInfo struct {
	ID        string     `json:"id"`
	CallSID   string     `json:"call_sid"`
	StreamSID string     `json:"stream_sid"`
	Direction string     `json:"direction"`
	From      string     `json:"from"`
	To        string     `json:"to"`
	Goal      Goal       `json:"goal"`
	Phase     string     `json:"phase"`
	StartedAt time.Time  `json:"started_at"`
	Frames    FrameStats `json:"frames"`
}

// Session bridges one call. Run drives it from the carrier's start event
// to the finalization hand-off.
//
// The control goroutine owns the conversation state. The ingress, writer,
// playback, monitor and reaper loops touch only the counters, the phase,
// the gates and their queues.
type Session struct {
	ID string

	tuning Tuning
	deps   Deps
	logger *slog.Logger

	carrier  CarrierStream
	provider ProviderConn

	mu        sync.Mutex
	callSID   string
	streamSID string
	direction string
	from      string
	to        string
	leadID    string
	business  string
	goal      Goal
	startedAt time.Time

	phase      PhaseMachine
	counters   FrameCounters
	lock       GreetingLock
	ready      atomic.Bool
	closing    atomic.Bool
	playback   *Playback
	calibrator *Calibrator
	energy     *energyWindow
	recorder   *media.Recorder

	echoThreshold  atomicFloat
	noiseThreshold atomicFloat

	writerQueue chan AudioFrame
	seq         uint64
	malformed   atomic.Uint64

	ingressDone   chan error
	carrierEvents chan *carrier.Message
	monitorTick   chan time.Time
	reaperFired   chan struct{}

	// control goroutine state
	lead           *lead.Context
	requiredFields []string
	transcript     *Transcript
	captured       map[string]string
	callerSpoke    bool
	goodbyeSeen    bool
	silence        *silenceMonitor

	requested   provider.SessionConfig
	awaitingAck bool
	ackTimer    *time.Timer

	greetingText         string
	greetingViaPrompt    bool
	greetingResponseID   string
	greetingResponseDone bool
	greetingTimer        *time.Timer

	activeResponse   string
	responseInFlight bool
	cancelled        map[string]struct{}
	markSeq          int

	hangupPending    bool
	hangupTrigger    HangupTrigger
	hangupAgentTurns int
	hangupTimer      *time.Timer

	bargeIns         int
	ignoredStarts    int
	lowEnergyBargeIn int
	reconnects       int

	endReason EndReason
	fatalErr  error
}

// NewSession prepares a session for a freshly opened carrier stream.
func NewSession(conn CarrierStream, tuning Tuning, deps Deps, logger *slog.Logger) *Session {
	id := uuid.NewString()
	s := &Session{
		ID:            id,
		tuning:        tuning,
		deps:          deps,
		logger:        logger.With("subsystem", "session", "session_id", id),
		carrier:       conn,
		calibrator:    NewCalibrator(tuning),
		energy:        newEnergyWindow(tuning.BargeInEnergyWindow),
		writerQueue:   make(chan AudioFrame, tuning.WriterQueueFrames),
		ingressDone:   make(chan error, 1),
		carrierEvents: make(chan *carrier.Message, 16),
		monitorTick:   make(chan time.Time, 1),
		reaperFired:   make(chan struct{}, 1),
		transcript:    newTranscript(),
		captured:      make(map[string]string),
		cancelled:     make(map[string]struct{}),
	}
	s.playback = NewPlayback(conn, tuning.EgressQueue, tuning.EchoDecay, s.logger)
	s.echoThreshold.Store(tuning.EchoGateDBFS)
	s.noiseThreshold.Store(tuning.DefaultNoiseFloorDBFS + tuning.NoiseGateMarginDB)
	return s
}

// Info returns a live summary.
func (s *Session) Info() SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SessionInfo{
		ID:        s.ID,
		CallSID:   s.callSID,
		StreamSID: s.streamSID,
		Direction: s.direction,
		From:      s.from,
		To:        s.to,
		Goal:      s.goal,
		Phase:     s.phase.Current().String(),
		StartedAt: s.startedAt,
		Frames:    s.counters.Snapshot(),
	}
}

// CallSID returns the carrier call id once the stream has started.
func (s *Session) CallSID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.callSID
}

// Phase returns the current phase.
func (s *Session) Phase() Phase {
	return s.phase.Current()
}

// Run serves the call until it ends and returns the finalization record.
// It returns an error without a record if the stream never started or was
// rejected.
func (s *Session) Run(ctx context.Context) (*FinalizationRecord, error) {
	start, err := s.awaitStart()
	if err != nil {
		s.carrier.Close()
		return nil, err
	}
	if s.deps.Authorize != nil {
		if err := s.deps.Authorize(start); err != nil {
			s.carrier.Close()
			return nil, fmt.Errorf("authorizing stream %s: %w", start.StreamSID, err)
		}
	}
	s.bind(start)

	loopCtx, cancelLoops := context.WithCancel(ctx)
	defer cancelLoops()

	var wg sync.WaitGroup
	spawn := func(name string, fn func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					s.logger.Error("session loop panicked", "loop", name, "panic", r)
				}
			}()
			fn(loopCtx)
		}()
	}

	spawn("ingress", s.ingressLoop)
	spawn("playback", s.playback.Run)
	spawn("monitor", s.monitorLoop)
	spawn("reaper", s.reaperLoop)

	s.loadLead(ctx)

	if err := s.connectProvider(ctx); err != nil {
		s.fail(EndProviderLost, err)
	} else {
		spawn("writer", s.writerLoop)
		s.control(ctx)
	}

	return s.teardown(cancelLoops, &wg), nil
}

func (s *Session) awaitStart() (*carrier.Start, error) {
	for {
		msg, err := s.carrier.ReadMessage()
		if err != nil {
			var de *carrier.DecodeError
			if errors.As(err, &de) {
				s.malformed.Add(1)
				s.logger.Warn("skipping malformed carrier message", "error", err)
				continue
			}
			return nil, fmt.Errorf("waiting for start: %w", err)
		}
		switch msg.Event {
		case carrier.EventStart:
			return msg.Start, nil
		case carrier.EventStop:
			return nil, errNoStart
		}
	}
}

func (s *Session) bind(start *carrier.Start) {
	now := time.Now()

	direction := start.Param("direction")
	if direction != carrier.DirectionOutbound {
		direction = carrier.DirectionInbound
	}

	s.mu.Lock()
	s.callSID = start.CallSID
	s.streamSID = start.StreamSID
	s.direction = direction
	s.from = start.Param("from")
	s.to = start.Param("to")
	s.leadID = start.Param("lead_id")
	s.business = start.Param("business_id")
	s.goal = ParseGoal(start.Param("goal"))
	s.startedAt = now
	s.mu.Unlock()

	s.logger = s.logger.With("call_sid", start.CallSID, "stream_sid", start.StreamSID, "direction", direction)
	s.playback.logger = s.logger.With("subsystem", "egress")
	s.silence = newSilenceMonitor(s.tuning, now)

	if s.deps.RecordDir != "" {
		rec, err := media.NewRecorder(media.RecordingPath(s.deps.RecordDir, start.CallSID, now), s.logger)
		if err != nil {
			s.logger.Warn("local recording disabled", "error", err)
		} else {
			s.recorder = rec
		}
	}

	s.logger.Info("call stream started", "from", s.from, "to", s.to, "lead_id", s.leadID, "goal", s.goal)
}

func (s *Session) loadLead(ctx context.Context) {
	s.lead = lead.Anonymous(s.leadID, s.business)
	if s.deps.Leads != nil && s.leadID != "" {
		lctx, cancel := context.WithTimeout(ctx, s.tuning.LeadTimeout)
		lc, err := s.deps.Leads.Lookup(lctx, s.leadID, s.business)
		cancel()
		if err != nil {
			s.logger.Warn("lead lookup failed, continuing anonymously", "lead_id", s.leadID, "error", err)
		} else {
			s.lead = lc
		}
	}

	// The stream's goal parameter wins; the CRM's goal is the fallback.
	s.mu.Lock()
	if s.goal == GoalLeadOnly && s.lead.Goal != "" {
		s.goal = ParseGoal(s.lead.Goal)
	}
	s.mu.Unlock()

	required := s.lead.RequiredFields
	if len(required) == 0 && s.goal == GoalAppointment {
		required = s.deps.RequiredFields
	}
	s.requiredFields = make([]string, 0, len(required))
	for _, f := range required {
		if f = normalizeField(f); f != "" {
			s.requiredFields = append(s.requiredFields, f)
		}
	}

	s.greetingText = lead.Greeting(s.lead)
	if s.deps.Greeting != nil && s.deps.GreetingText != "" {
		s.greetingText = s.deps.GreetingText
	}
}

func (s *Session) connectProvider(ctx context.Context) error {
	if s.deps.Dial == nil {
		return errors.New("no provider dialer configured")
	}
	p, err := s.deps.Dial(ctx)
	if err != nil {
		return fmt.Errorf("connecting to provider: %w", err)
	}
	s.provider = p

	s.requested = s.sessionConfig()
	if err := p.Configure(s.requested); err != nil {
		return fmt.Errorf("configuring provider session: %w", err)
	}
	s.awaitingAck = true
	s.ackTimer = time.NewTimer(s.tuning.ConfigAckTimeout)
	return nil
}

func (s *Session) sessionConfig() provider.SessionConfig {
	createResponse := true
	interrupt := true

	language := s.tuning.Language
	if s.lead != nil && s.lead.Language != "" {
		language = s.lead.Language
	}

	fieldSchema := map[string]any{"type": "string", "description": "Name of the detail being recorded."}
	if len(s.requiredFields) > 0 {
		fieldSchema["enum"] = s.requiredFields
	}

	return provider.SessionConfig{
		Modalities:        []string{"audio", "text"},
		Instructions:      lead.BuildInstructions(s.lead, string(s.goal), s.requiredFields),
		Voice:             s.tuning.Voice,
		InputAudioFormat:  provider.AudioFormatULaw,
		OutputAudioFormat: provider.AudioFormatULaw,
		InputAudioTranscription: &provider.Transcription{
			Model:    s.tuning.TranscriptionModel,
			Language: language,
		},
		TurnDetection: &provider.TurnDetection{
			Type:              s.tuning.TurnDetection,
			Threshold:         s.tuning.VADThreshold,
			PrefixPaddingMS:   int(s.tuning.VADPrefixPadding / time.Millisecond),
			SilenceDurationMS: int(s.tuning.VADSilence / time.Millisecond),
			CreateResponse:    &createResponse,
			InterruptResponse: &interrupt,
		},
		Tools: []provider.Tool{
			{
				Type:        "function",
				Name:        toolCaptureField,
				Description: "Record a detail the caller has provided.",
				Parameters: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"field": fieldSchema,
						"value": map[string]any{"type": "string"},
					},
					"required": []string{"field", "value"},
				},
			},
			{
				Type:        "function",
				Name:        toolEndCall,
				Description: "End the call after saying goodbye.",
				Parameters:  map[string]any{"type": "object", "properties": map[string]any{}},
			},
		},
		ToolChoice:  "auto",
		Temperature: s.tuning.Temperature,
	}
}

// --- loops ---

func (s *Session) signalIngress(err error) {
	select {
	case s.ingressDone <- err:
	default:
	}
}

// ingressLoop reads the carrier stream and pushes surviving frames to the
// writer. It never blocks on anything but the carrier socket.
func (s *Session) ingressLoop(ctx context.Context) {
	for {
		if s.closing.Load() {
			return
		}
		msg, err := s.carrier.ReadMessage()
		if err != nil {
			var de *carrier.DecodeError
			if errors.As(err, &de) {
				s.malformed.Add(1)
				s.logger.Debug("skipping malformed carrier message", "error", err)
				continue
			}
			s.signalIngress(err)
			return
		}

		switch msg.Event {
		case carrier.EventMedia:
			s.ingest(msg.Media)
		case carrier.EventStop:
			s.signalIngress(errStreamStopped)
			return
		case carrier.EventMark, carrier.EventDTMF:
			select {
			case s.carrierEvents <- msg:
			default:
			}
		}
	}
}

// ingest runs one inbound frame through the gate chain. Every frame counted
// as received ends in exactly one forwarded or dropped bucket, here or in
// the writer.
func (s *Session) ingest(m *carrier.Media) {
	if m == nil || (m.Track != "" && m.Track != "inbound") {
		return
	}
	now := time.Now()
	s.counters.Received()

	accounted := false
	defer func() {
		if r := recover(); r != nil {
			if !accounted {
				s.counters.Drop(DropOther)
			}
			s.logger.Error("panic handling inbound frame", "panic", r)
		}
	}()

	s.seq++
	frame := AudioFrame{
		Seq:        s.seq,
		CarrierSeq: m.Sequence,
		Payload:    m.Payload,
		Received:   now,
		Energy:     media.FrameEnergy(m.Payload),
	}

	if s.recorder != nil {
		s.recorder.Feed(frame.Payload)
	}
	s.energy.Add(now, frame.Energy)

	speaking := s.playback.Speaking()
	if s.phase.Current() == PhaseConversing {
		s.calibrator.Observe(now, frame.Energy, speaking)
	}

	reason, drop := evaluateGates(gateInput{
		ready:          s.ready.Load() && !s.closing.Load(),
		greetingLocked: s.lock.Locked(now),
		musicMode:      s.tuning.MusicMode,
		agentSpeaking:  speaking,
		inEchoDecay:    s.playback.InEchoDecay(now),
		noiseGate:      s.tuning.Mode == ModeFull && s.tuning.NoiseGate,
		energy:         frame.Energy,
		echoThreshold:  s.echoThreshold.Load(),
		noiseThreshold: s.noiseThreshold.Load(),
	})
	if drop {
		accounted = true
		s.counters.Drop(reason)
		return
	}

	select {
	case s.writerQueue <- frame:
	default:
		s.counters.Drop(DropQueueFull)
	}
	accounted = true
}

// writerLoop forwards frames to the provider.
func (s *Session) writerLoop(ctx context.Context) {
	var failures int
	for {
		select {
		case <-ctx.Done():
			return
		case f := <-s.writerQueue:
			err := s.provider.AppendAudio(f.Payload)
			switch {
			case err == nil:
				s.counters.Forwarded()
				failures = 0
			case errors.Is(err, provider.ErrNotConnected):
				s.counters.Drop(DropNotReady)
			default:
				s.counters.Drop(DropOther)
				failures++
				if failures == 1 {
					s.logger.Warn("forwarding audio to provider failed", "error", err)
				}
			}
		}
	}
}

func (s *Session) monitorLoop(ctx context.Context) {
	ticker := time.NewTicker(s.tuning.MonitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			select {
			case s.monitorTick <- now:
			default:
			}
		}
	}
}

func (s *Session) reaperLoop(ctx context.Context) {
	t := time.NewTimer(s.tuning.MaxCallDuration)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
		s.reaperFired <- struct{}{}
	}
}

// --- control ---

func timerC(t *time.Timer) <-chan time.Time {
	if t == nil {
		return nil
	}
	return t.C
}

func stopTimer(t **time.Timer) {
	if *t != nil {
		(*t).Stop()
		*t = nil
	}
}

func (s *Session) control(ctx context.Context) {
	events := s.provider.Events()
	defer stopTimer(&s.ackTimer)
	defer stopTimer(&s.greetingTimer)
	defer stopTimer(&s.hangupTimer)

	for s.endReason == "" {
		select {
		case <-ctx.Done():
			s.cancel()

		case err := <-s.ingressDone:
			if errors.Is(err, errStreamStopped) || carrier.IsClosedError(err) {
				s.logger.Info("carrier stream ended")
				s.end(EndCarrierStop)
			} else {
				s.logger.Warn("carrier stream failed", "error", err)
				s.end(EndCarrierError)
			}

		case msg := <-s.carrierEvents:
			s.handleCarrierEvent(msg)

		case ev, ok := <-events:
			if !ok {
				events = nil
				s.fail(EndProviderLost, errProviderClosed)
				continue
			}
			s.guard(ev.Type, func() { s.handleProviderEvent(ev) })

		case <-s.playback.Drained():
			s.guard("drained", s.onDrained)

		case now := <-s.monitorTick:
			s.guard("tick", func() { s.onTick(now) })

		case <-s.reaperFired:
			s.logger.Warn("maximum call duration reached", "max", s.tuning.MaxCallDuration)
			s.end(EndMaxDuration)

		case <-timerC(s.ackTimer):
			s.ackTimer = nil
			s.fail(EndConfigFailed, errAckTimeout)

		case <-timerC(s.greetingTimer):
			s.greetingTimer = nil
			if s.phase.Current() == PhaseGreeting {
				s.finishGreeting(time.Now(), "deadline")
			}

		case <-timerC(s.hangupTimer):
			s.hangupTimer = nil
			s.executeHangup("grace_elapsed")
		}
	}
}

// guard keeps a bad event from killing the control loop.
func (s *Session) guard(what string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic in session control", "event", what, "panic", r)
		}
	}()
	fn()
}

func (s *Session) end(reason EndReason) {
	if s.endReason != "" {
		return
	}
	s.endReason = reason
	s.logger.Info("ending session", "reason", reason)
}

func (s *Session) cancel() {
	if s.endReason != "" {
		return
	}
	s.endReason = EndCancelled
	if err := s.phase.Transition(PhaseCancelled); err != nil {
		s.logger.Warn("phase transition rejected", "error", err)
	}
}

func (s *Session) fail(reason EndReason, err error) {
	if s.endReason != "" {
		return
	}
	s.endReason = reason
	s.fatalErr = err
	s.ready.Store(false)
	if terr := s.phase.Transition(PhaseError); terr != nil {
		s.logger.Warn("phase transition rejected", "error", terr)
	}
	s.logger.Error("session failed", "reason", reason, "error", err)
}

func (s *Session) transition(to Phase) bool {
	if err := s.phase.Transition(to); err != nil {
		s.logger.Warn("phase transition rejected", "error", err)
		return false
	}
	s.logger.Debug("phase changed", "phase", to)
	return true
}

func (s *Session) handleCarrierEvent(msg *carrier.Message) {
	switch {
	case msg.Mark != nil:
		if msg.Mark.Name == greetingMark {
			s.logger.Debug("greeting playback confirmed by carrier")
		}
	case msg.DTMF != nil:
		s.logger.Info("dtmf received", "digit", msg.DTMF.Digit)
		s.silence.Activity(time.Now(), true)
	}
}

func (s *Session) handleProviderEvent(ev provider.Event) {
	now := time.Now()

	switch ev.Type {
	case provider.EventSessionCreated:
		s.logger.Debug("provider session created")

	case provider.EventSessionUpdated:
		s.onSessionUpdated(ev, now)

	case provider.EventSpeechStarted:
		s.onSpeechStarted(now)

	case provider.EventSpeechStopped:
		s.silence.Activity(now, true)

	case provider.EventInputTranscript:
		s.onCallerTranscript(ev, now)

	case provider.EventInputTranscriptFailed:
		s.logger.Warn("caller transcription failed", "item_id", ev.ItemID)

	case provider.EventResponseCreated:
		s.activeResponse = ev.ResponseID
		s.responseInFlight = true
		if s.phase.Current() == PhaseGreeting && !s.greetingViaPrompt && s.greetingResponseID == "" {
			s.greetingResponseID = ev.ResponseID
		}

	case provider.EventAudioDelta:
		if _, gone := s.cancelled[ev.ResponseID]; gone && ev.ResponseID != "" {
			return
		}
		if ev.ResponseID != "" {
			s.activeResponse = ev.ResponseID
		}
		s.responseInFlight = true
		s.playback.Enqueue(ev.Audio)

	case provider.EventAudioTranscriptDelta:
		if _, gone := s.cancelled[ev.ResponseID]; gone && ev.ResponseID != "" {
			return
		}
		s.transcript.AgentDelta(ev.ItemID, ev.Delta, now)

	case provider.EventAudioTranscriptDone:
		s.onAgentTranscript(ev, now)

	case provider.EventFunctionCallArgsDone:
		s.onFunctionCall(ev, now)

	case provider.EventResponseDone:
		s.onResponseDone(ev, now)

	case provider.EventError:
		if ev.Error != nil {
			s.logger.Warn("provider reported error", "code", ev.Error.Code, "message", ev.Error.Message)
		}

	case provider.EventDisconnected:
		if ev.Fatal {
			s.fail(EndProviderLost, fmt.Errorf("provider connection lost: %w", ev.Err))
			return
		}
		s.logger.Warn("provider connection dropped, reconnecting", "error", ev.Err)

	case provider.EventReconnected:
		s.reconnects++
		s.awaitingAck = true
		stopTimer(&s.ackTimer)
		s.ackTimer = time.NewTimer(s.tuning.ConfigAckTimeout)
		s.logger.Info("provider reconnected, awaiting session acknowledgement", "reconnects", s.reconnects)
	}
}

func (s *Session) onSessionUpdated(ev provider.Event, now time.Time) {
	if !s.awaitingAck {
		return
	}
	var ack provider.SessionConfig
	if ev.Session != nil {
		ack = *ev.Session
	}
	if err := provider.VerifyAck(s.requested, ack); err != nil {
		s.fail(EndConfigFailed, err)
		return
	}
	s.awaitingAck = false
	stopTimer(&s.ackTimer)
	s.logger.Info("provider session configured")

	if s.phase.Current() == PhaseConfiguring {
		s.startGreeting(now)
	}
}

// startGreeting plays the opening line. Outbound calls hold the greeting
// lock until the greeting has played or the protective deadline passes.
// Inbound calls only hold it for a short window from call start.
func (s *Session) startGreeting(now time.Time) {
	if !s.transition(PhaseGreeting) {
		return
	}
	s.ready.Store(true)

	s.mu.Lock()
	outbound := s.direction == carrier.DirectionOutbound
	startedAt := s.startedAt
	s.mu.Unlock()

	if outbound {
		s.lock.Engage(now.Add(s.tuning.GreetingMaxDuration))
	} else {
		s.lock.Engage(startedAt.Add(s.tuning.InboundProtectWindow))
	}
	s.greetingTimer = time.NewTimer(s.tuning.GreetingMaxDuration)

	if s.deps.Greeting != nil {
		s.greetingViaPrompt = true
		s.greetingResponseDone = true
		s.playback.Enqueue(s.deps.Greeting.Audio)
		s.playback.EndResponse(greetingMark)
		if err := s.provider.AddMessage("assistant", s.greetingText); err != nil {
			s.logger.Warn("recording greeting in provider context failed", "error", err)
		}
		if turn, ok := s.transcript.AgentDone("greeting", s.greetingText, now); ok {
			s.submitTurn(turn)
		}
	} else {
		instr := fmt.Sprintf("Open the call by saying exactly this, then wait for the caller: %q", s.greetingText)
		if err := s.provider.CreateResponse(instr); err != nil {
			s.logger.Warn("requesting greeting failed", "error", err)
			s.greetingResponseDone = true
		}
	}
	s.logger.Info("greeting started", "prompt", s.greetingViaPrompt, "lock_until", s.lockDeadline())
}

func (s *Session) lockDeadline() time.Time {
	return time.Unix(0, s.lock.deadline.Load())
}

func (s *Session) checkGreetingDone(now time.Time) {
	if s.phase.Current() != PhaseGreeting || !s.greetingResponseDone || s.playback.Busy() {
		return
	}
	s.finishGreeting(now, "played")
}

func (s *Session) finishGreeting(now time.Time, why string) {
	s.lock.Release(now)
	stopTimer(&s.greetingTimer)
	if !s.transition(PhaseConversing) {
		return
	}
	s.calibrator.Begin(now)
	s.silence.Activity(now, false)
	s.logger.Info("greeting finished", "reason", why)
}

func (s *Session) onSpeechStarted(now time.Time) {
	phase := s.phase.Current()
	if phase == PhaseGreeting && s.lock.Locked(now) {
		s.ignoredStarts++
		s.logger.Debug("speech start ignored during greeting")
		return
	}
	if phase != PhaseGreeting && phase != PhaseConversing {
		return
	}

	s.calibrator.SpeechStarted(now)
	s.silence.Activity(now, true)

	if s.playback.Busy() {
		s.bargeIn(now)
	}
	if phase == PhaseGreeting {
		s.finishGreeting(now, "barge_in")
	}
}

// bargeIn stops agent playback immediately.
func (s *Session) bargeIn(now time.Time) {
	cleared := s.playback.Clear(now)
	if err := s.carrier.SendClear(); err != nil {
		s.logger.Debug("sending carrier clear failed", "error", err)
	}
	if s.activeResponse != "" {
		s.cancelled[s.activeResponse] = struct{}{}
	}
	if s.responseInFlight {
		if err := s.provider.CancelResponse(); err != nil {
			s.logger.Debug("cancelling provider response failed", "error", err)
		}
		s.responseInFlight = false
	}
	for _, turn := range s.transcript.Interrupt(now) {
		s.submitTurn(turn)
	}
	s.bargeIns++

	attrs := []any{"cleared_frames", cleared, "barge_ins", s.bargeIns}
	if threshold, ok := s.calibrator.Threshold(); ok {
		recent, seen := s.energy.Max(now)
		if !seen || recent < threshold {
			s.lowEnergyBargeIn++
			s.logger.Info("barge-in below calibrated threshold, possible false trigger",
				append(attrs, "recent_dbfs", recent, "threshold_dbfs", threshold)...)
			return
		}
	}
	s.logger.Info("barge-in", attrs...)
}

func (s *Session) onCallerTranscript(ev provider.Event, now time.Time) {
	turn, ok := s.transcript.CallerUtterance(ev.ItemID, ev.Transcript, time.Time{}, now)
	if !ok {
		return
	}
	s.callerSpoke = true
	s.silence.Activity(now, true)
	s.submitTurn(turn)

	if DetectGoodbye(turn.Text, s.tuning.GoodbyePhrases) {
		s.goodbyeSeen = true
		s.considerHangup(TriggerCallerGoodbye, now)
	}
}

func (s *Session) onAgentTranscript(ev provider.Event, now time.Time) {
	if _, gone := s.cancelled[ev.ResponseID]; gone && ev.ResponseID != "" {
		return
	}
	turn, ok := s.transcript.AgentDone(ev.ItemID, ev.Transcript, now)
	if !ok {
		return
	}
	s.submitTurn(turn)

	if DetectGoodbye(turn.Text, s.tuning.GoodbyePhrases) {
		s.goodbyeSeen = true
		s.considerHangup(TriggerAgentGoodbye, now)
	}
}

type captureArgs struct {
	Field string `json:"field"`
	Value string `json:"value"`
}

type toolResult struct {
	OK      bool     `json:"ok"`
	Error   string   `json:"error,omitempty"`
	Missing []string `json:"missing,omitempty"`
}

func (s *Session) onFunctionCall(ev provider.Event, now time.Time) {
	var result toolResult

	switch ev.Name {
	case toolCaptureField:
		var args captureArgs
		if err := json.Unmarshal([]byte(ev.Arguments), &args); err != nil || normalizeField(args.Field) == "" {
			result.Error = "expected {\"field\": ..., \"value\": ...}"
			break
		}
		s.captured[normalizeField(args.Field)] = strings.TrimSpace(args.Value)
		result.OK = true
		result.Missing = missingFields(s.requiredFields, s.captured)
		s.logger.Info("field captured", "field", normalizeField(args.Field), "missing", len(result.Missing))

	case toolEndCall:
		s.goodbyeSeen = true
		dec := s.considerHangup(TriggerEndCallTool, now)
		result.OK = dec.Allowed
		result.Missing = dec.Missing
		if !dec.Allowed {
			result.Error = "cannot end the call yet: " + dec.Reason
		}

	default:
		result.Error = "unknown function " + ev.Name
	}

	out, _ := json.Marshal(result)
	if err := s.provider.SubmitToolResult(ev.CallID, string(out)); err != nil {
		s.logger.Warn("submitting tool result failed", "function", ev.Name, "error", err)
	}
}

func (s *Session) onResponseDone(ev provider.Event, now time.Time) {
	_, gone := s.cancelled[ev.ResponseID]
	if ev.ResponseID == "" || ev.ResponseID == s.activeResponse {
		s.responseInFlight = false
	}
	if !gone {
		s.markSeq++
		s.playback.EndResponse(fmt.Sprintf("response-%d", s.markSeq))
	}

	if s.phase.Current() == PhaseGreeting && !s.greetingResponseDone &&
		(s.greetingResponseID == "" || s.greetingResponseID == ev.ResponseID) {
		s.greetingResponseDone = true
	}
	s.checkGreetingDone(now)
	s.tryHangup()
}

func (s *Session) onDrained() {
	now := time.Now()
	s.checkGreetingDone(now)
	s.tryHangup()
}

func (s *Session) onTick(now time.Time) {
	if s.calibrator.Due(now) {
		s.finishCalibration(now)
	}
	if s.phase.Current() != PhaseConversing || s.hangupPending {
		return
	}

	switch s.silence.Check(now, s.playback.Busy()) {
	case silenceNudge:
		s.logger.Info("caller silent, nudging agent", "warnings", s.silence.Warnings())
		s.nudge(silenceNudgeText)
	case silenceEnd:
		s.logger.Info("silence warnings exhausted, evaluating hangup")
		s.considerHangup(TriggerSilence, now)
	}
}

func (s *Session) finishCalibration(now time.Time) {
	cal, ok := s.calibrator.Finish(now)
	if !ok {
		return
	}
	echo := s.tuning.EchoGateDBFS
	if cal.ThresholdDBFS > echo {
		echo = cal.ThresholdDBFS
	}
	s.echoThreshold.Store(echo)
	s.noiseThreshold.Store(cal.NoiseFloorDBFS + s.tuning.NoiseGateMarginDB)

	attrs := []any{
		"noise_floor_dbfs", cal.NoiseFloorDBFS,
		"threshold_dbfs", cal.ThresholdDBFS,
		"speech_starts", cal.SpeechStarts,
		"samples", cal.Samples,
		"defaulted", cal.Defaulted,
	}
	if cal.SuspectedFalseTrigger {
		s.logger.Warn("vad calibration: frequent speech starts, probable false triggers", attrs...)
		return
	}
	s.logger.Info("vad calibration complete", attrs...)
}

func (s *Session) nudge(text string) {
	if err := s.provider.Nudge(text); err != nil {
		s.logger.Warn("nudging agent failed", "error", err)
	}
}

func (s *Session) hangupSnapshot(trigger HangupTrigger) HangupState {
	captured := make(map[string]string, len(s.captured))
	for k, v := range s.captured {
		captured[k] = v
	}
	s.mu.Lock()
	goal := s.goal
	s.mu.Unlock()
	return HangupState{
		Goal:           goal,
		Trigger:        trigger,
		GoodbyeSeen:    s.goodbyeSeen,
		CallerSpoke:    s.callerSpoke,
		RequiredFields: s.requiredFields,
		Captured:       captured,
	}
}

// considerHangup evaluates the hangup policy from a fresh snapshot. An
// allowed hangup waits for the agent's closing words to finish playing.
func (s *Session) considerHangup(trigger HangupTrigger, now time.Time) HangupDecision {
	dec := EvaluateHangup(s.hangupSnapshot(trigger))
	s.logger.Info("hangup evaluated",
		"trigger", trigger,
		"allowed", dec.Allowed,
		"reason", dec.Reason,
		"missing", dec.Missing,
	)

	if !dec.Allowed {
		if len(dec.Missing) > 0 && s.goal == GoalAppointment && (s.goodbyeSeen || trigger == TriggerSilence) {
			s.nudge(fmt.Sprintf("Do not end the call yet. You still need: %s. Ask the caller for it before saying goodbye.",
				strings.Join(dec.Missing, ", ")))
		}
		if dec.Farewell {
			s.nudge(silenceGoodbyeText)
		}
		return dec
	}
	if s.hangupPending {
		return dec
	}

	s.hangupPending = true
	s.hangupTrigger = trigger
	s.hangupAgentTurns = s.transcript.Count(RoleAgent)
	s.hangupTimer = time.NewTimer(s.tuning.HangupGrace)

	if trigger == TriggerSilence {
		s.nudge(silenceGoodbyeText)
	}
	s.tryHangup()
	return dec
}

// tryHangup completes a pending hangup once the agent has had its say and
// playback is idle.
func (s *Session) tryHangup() {
	if !s.hangupPending || s.endReason != "" {
		return
	}
	if s.playback.Busy() || s.responseInFlight {
		return
	}
	if s.hangupTrigger != TriggerAgentGoodbye && s.transcript.Count(RoleAgent) <= s.hangupAgentTurns {
		return
	}
	s.executeHangup("playback_drained")
}

func (s *Session) executeHangup(why string) {
	if s.endReason != "" {
		return
	}
	stopTimer(&s.hangupTimer)

	reason := EndHangup
	if s.hangupTrigger == TriggerSilence {
		reason = EndSilence
	}

	callSID := s.CallSID()
	if s.deps.Ender != nil && callSID != "" {
		ctx, cancel := context.WithTimeout(context.Background(), endCallTimeout)
		err := s.deps.Ender.EndCall(ctx, callSID)
		cancel()
		if err != nil {
			s.logger.Warn("ending call via carrier failed, closing stream", "error", err)
		}
	}
	s.logger.Info("hanging up", "trigger", s.hangupTrigger, "when", why)
	s.end(reason)
}

func (s *Session) submitTurn(turn ConversationTurn) {
	if s.deps.Sink == nil {
		return
	}
	if err := s.deps.Sink.SubmitTurn(s.CallSID(), turn); err != nil {
		s.logger.Warn("turn not queued for persistence", "seq", turn.Seq, "error", err)
	}
}

// --- teardown ---

func waitTimeout(wg *sync.WaitGroup, d time.Duration) bool {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-done:
		return true
	case <-t.C:
		return false
	}
}

// teardown stops every loop, reconciles the frame counters and hands the
// record to the sink. It never blocks on persistence.
func (s *Session) teardown(cancelLoops context.CancelFunc, wg *sync.WaitGroup) *FinalizationRecord {
	now := time.Now()
	s.closing.Store(true)
	s.ready.Store(false)
	if s.endReason == "" {
		s.endReason = EndCarrierStop
	}

	if !s.phase.Current().Terminal() {
		s.transition(PhaseFinalizing)
	}

	s.playback.Clear(now)
	for _, turn := range s.transcript.Interrupt(now) {
		s.submitTurn(turn)
	}

	cancelLoops()
	s.carrier.Close()
	if s.provider != nil {
		s.provider.Close()
	}

	if !waitTimeout(wg, s.tuning.JoinTimeout) {
		s.logger.Error("session loops did not exit in time, leaking", "timeout", s.tuning.JoinTimeout)
	}

	// Frames still queued for the writer never reached the provider.
	for drained := false; !drained; {
		select {
		case <-s.writerQueue:
			s.counters.Drop(DropOther)
		default:
			drained = true
		}
	}

	stats := s.counters.Snapshot()
	accountingErr := stats.Verify()
	if accountingErr != nil {
		s.logger.Warn("frame accounting mismatch", "error", accountingErr)
	}

	var recording RecordingRef
	recording.CarrierRecording = s.deps.CarrierRecording
	if s.recorder != nil {
		path, dur := s.recorder.Stop()
		if dur > 0 {
			recording.LocalPath = path
			recording.LocalDuration = dur
		}
	}

	var calibration *VADCalibration
	if cal, ok := s.calibrator.Finish(now); ok {
		calibration = &cal
	}

	if s.phase.Current() == PhaseFinalizing {
		s.transition(PhaseClosed)
	}

	turns := s.transcript.Turns()
	text := RenderTranscript(turns)

	s.mu.Lock()
	rec := &FinalizationRecord{
		SessionID:  s.ID,
		CallSID:    s.callSID,
		StreamSID:  s.streamSID,
		Direction:  s.direction,
		From:       s.from,
		To:         s.to,
		LeadID:     s.leadID,
		BusinessID: s.business,
		Goal:       s.goal,
		StartedAt:  s.startedAt,
		EndedAt:    now,
	}
	s.mu.Unlock()

	rec.Phase = s.phase.Current()
	rec.PhaseReached = s.phase.Reached()
	rec.EndReason = s.endReason
	if s.fatalErr != nil {
		rec.FatalError = s.fatalErr.Error()
	}
	rec.Turns = turns
	rec.Transcript = text
	rec.TranscriptSource = ChooseTranscriptSource(text, s.transcript.Count(RoleCaller), s.tuning.MinTranscriptChars, recording)
	rec.Captured = s.captured
	rec.Recording = recording
	rec.Frames = stats
	rec.AccountingOK = accountingErr == nil
	rec.Calibration = calibration
	rec.Playback = s.playback.Stats()
	rec.BargeIns = s.bargeIns

	s.logger.Info("session finalized",
		"phase", rec.Phase,
		"end_reason", rec.EndReason,
		"transcript_source", rec.TranscriptSource,
		"turns", len(turns),
		"frames_received", stats.Received,
		"frames_forwarded", stats.Forwarded,
		"frames_dropped", stats.DroppedTotal,
		"malformed", s.malformed.Load(),
		"barge_ins", s.bargeIns,
		"ignored_speech_starts", s.ignoredStarts,
		"duration", rec.Duration(),
	)

	if s.deps.Sink != nil {
		if err := s.deps.Sink.SubmitFinal(rec); err != nil {
			s.logger.Warn("finalization record not queued", "error", err)
		}
	}
	return rec
}
