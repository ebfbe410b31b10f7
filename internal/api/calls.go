package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/flowpbx/voicebridge/internal/api/middleware"
	"github.com/flowpbx/voicebridge/internal/bridge"
	"github.com/flowpbx/voicebridge/internal/callgate"
	"github.com/flowpbx/voicebridge/internal/database"
	"github.com/flowpbx/voicebridge/internal/database/models"
	"github.com/flowpbx/voicebridge/internal/dialer"
)

// createCallRequest is the body of POST /calls.
type createCallRequest struct {
	To         string `json:"to"`
	From       string `json:"from"`
	LeadID     string `json:"lead_id"`
	BusinessID string `json:"business_id"`
	Goal       string `json:"goal"`
}

func (req *createCallRequest) validate() string {
	if msg := validatePhone("to", req.To, true); msg != "" {
		return msg
	}
	if msg := validatePhone("from", req.From, false); msg != "" {
		return msg
	}
	if msg := validateID("lead_id", req.LeadID); msg != "" {
		return msg
	}
	if msg := validateID("business_id", req.BusinessID); msg != "" {
		return msg
	}
	return validateGoal(req.Goal)
}

type createCallResponse struct {
	CallSID        string `json:"call_sid"`
	To             string `json:"to"`
	Goal           string `json:"goal"`
	TokenExpiresAt string `json:"token_expires_at"`
}

// callResponse is the JSON form of a persisted call.
type callResponse struct {
	SessionID        string          `json:"session_id"`
	CallSID          string          `json:"call_sid"`
	StreamSID        string          `json:"stream_sid"`
	Direction        string          `json:"direction"`
	From             string          `json:"from"`
	To               string          `json:"to"`
	LeadID           string          `json:"lead_id,omitempty"`
	BusinessID       string          `json:"business_id,omitempty"`
	Goal             string          `json:"goal"`
	Phase            string          `json:"phase"`
	PhaseReached     string          `json:"phase_reached,omitempty"`
	EndReason        string          `json:"end_reason"`
	FatalError       string          `json:"fatal_error,omitempty"`
	Transcript       string          `json:"transcript"`
	TranscriptSource string          `json:"transcript_source"`
	Captured         json.RawMessage `json:"captured"`
	CarrierRecording bool            `json:"carrier_recording"`
	RecordingFile    string          `json:"recording_file,omitempty"`
	Frames           json.RawMessage `json:"frames,omitempty"`
	AccountingOK     bool            `json:"accounting_ok"`
	Calibration      json.RawMessage `json:"calibration,omitempty"`
	BargeIns         int             `json:"barge_ins"`
	StartedAt        string          `json:"started_at"`
	EndedAt          string          `json:"ended_at"`
	Duration         int             `json:"duration"`
}

// rawJSON passes a stored JSON column through, or null when empty.
func rawJSON(s string) json.RawMessage {
	if s == "" || !json.Valid([]byte(s)) {
		return nil
	}
	return json.RawMessage(s)
}

func toCallResponse(c *models.Call) callResponse {
	captured := rawJSON(c.Captured)
	if captured == nil {
		captured = json.RawMessage("{}")
	}
	return callResponse{
		SessionID:        c.ID,
		CallSID:          c.CallSID,
		StreamSID:        c.StreamSID,
		Direction:        c.Direction,
		From:             c.FromNumber,
		To:               c.ToNumber,
		LeadID:           c.LeadID,
		BusinessID:       c.BusinessID,
		Goal:             c.Goal,
		Phase:            c.Phase,
		PhaseReached:     c.PhaseReached,
		EndReason:        c.EndReason,
		FatalError:       c.FatalError,
		Transcript:       c.Transcript,
		TranscriptSource: c.TranscriptSource,
		Captured:         captured,
		CarrierRecording: c.CarrierRecording,
		RecordingFile:    c.RecordingFile,
		Frames:           rawJSON(c.Frames),
		AccountingOK:     c.AccountingOK,
		Calibration:      rawJSON(c.Calibration),
		BargeIns:         c.BargeIns,
		StartedAt:        c.StartedAt.Format(time.RFC3339),
		EndedAt:          c.EndedAt.Format(time.RFC3339),
		Duration:         c.Duration,
	}
}

type turnResponse struct {
	Seq         int    `json:"seq"`
	Role        string `json:"role"`
	Text        string `json:"text"`
	ItemID      string `json:"item_id,omitempty"`
	Interrupted bool   `json:"interrupted"`
	StartedAt   string `json:"started_at"`
	EndedAt     string `json:"ended_at"`
}

// handleCreateCall places an outbound call. The destination's concurrency
// slot is taken before dialing and released if dialing fails.
func (s *Server) handleCreateCall(w http.ResponseWriter, r *http.Request) {
	if s.dialer == nil {
		writeError(w, http.StatusServiceUnavailable, "outbound calling is not configured")
		return
	}

	var req createCallRequest
	if errMsg := readJSON(r, &req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	if errMsg := req.validate(); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	if req.Goal == "" {
		req.Goal = string(bridge.GoalLeadOnly)
	}

	if !s.dialLimiter.Allow() {
		w.Header().Set("Retry-After", "2")
		writeError(w, http.StatusTooManyRequests, "dial rate limit exceeded")
		return
	}

	holder := uuid.NewString()
	if err := s.gate.Acquire(r.Context(), req.To, holder); err != nil {
		switch {
		case errors.Is(err, callgate.ErrBusy):
			writeError(w, http.StatusConflict, err.Error())
		case errors.Is(err, callgate.ErrAtCapacity):
			w.Header().Set("Retry-After", "10")
			writeError(w, http.StatusServiceUnavailable, err.Error())
		default:
			s.logger.Error("create call: acquiring slot", "error", err, "to", req.To)
			writeError(w, http.StatusInternalServerError, "internal error")
		}
		return
	}
	release := func() {
		if err := s.gate.Release(s.baseCtx, req.To, holder); err != nil {
			s.logger.Warn("create call: releasing slot", "error", err, "to", req.To)
		}
	}

	token, expires, err := middleware.GenerateStreamToken(s.secret, "outbound", req.To, req.LeadID, req.BusinessID)
	if err != nil {
		release()
		s.logger.Error("create call: signing stream token", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	callSID, err := s.dialer.Dial(r.Context(), dialer.Request{
		To:         req.To,
		From:       req.From,
		LeadID:     req.LeadID,
		BusinessID: req.BusinessID,
		Goal:       req.Goal,
		Token:      token,
	})
	if err != nil {
		release()
		s.logger.Error("create call: dialing", "error", err, "to", req.To, "lead_id", req.LeadID)
		writeError(w, http.StatusBadGateway, "carrier rejected the call")
		return
	}
	s.holdSlot(callSID, req.To, holder)

	s.logger.Info("outbound call placed", "call_sid", callSID, "to", req.To, "lead_id", req.LeadID, "goal", req.Goal)
	writeJSON(w, http.StatusCreated, createCallResponse{
		CallSID:        callSID,
		To:             req.To,
		Goal:           req.Goal,
		TokenExpiresAt: expires.Format(time.RFC3339),
	})
}

// handleListCalls returns finalized calls with pagination and optional
// filters. Query params: limit, offset, direction, lead_id, source,
// start_date, end_date.
func (s *Server) handleListCalls(w http.ResponseWriter, r *http.Request) {
	pg, errMsg := parsePagination(r)
	if errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}

	q := r.URL.Query()
	for _, msg := range []string{
		validateDirection(q.Get("direction")),
		validateSource(q.Get("source")),
		validateID("lead_id", q.Get("lead_id")),
		validateDate("start_date", q.Get("start_date")),
		validateDate("end_date", q.Get("end_date")),
	} {
		if msg != "" {
			writeError(w, http.StatusBadRequest, msg)
			return
		}
	}

	calls, total, err := s.store.Calls().List(r.Context(), database.CallListFilter{
		Limit:     pg.Limit,
		Offset:    pg.Offset,
		Direction: q.Get("direction"),
		LeadID:    q.Get("lead_id"),
		Source:    q.Get("source"),
		StartDate: q.Get("start_date"),
		EndDate:   q.Get("end_date"),
	})
	if err != nil {
		s.logger.Error("list calls: failed to query", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	items := make([]callResponse, len(calls))
	for i := range calls {
		items[i] = toCallResponse(&calls[i])
	}
	writeJSON(w, http.StatusOK, PaginatedResponse{
		Items:  items,
		Total:  total,
		Limit:  pg.Limit,
		Offset: pg.Offset,
	})
}

// handleGetCall returns one finalized call by carrier call SID.
func (s *Server) handleGetCall(w http.ResponseWriter, r *http.Request) {
	callSID := chi.URLParam(r, "callSID")

	call, err := s.store.Calls().GetByCallSID(r.Context(), callSID)
	if errors.Is(err, database.ErrNotFound) {
		for _, info := range s.sessions.Active() {
			if info.CallSID == callSID {
				writeJSON(w, http.StatusOK, info)
				return
			}
		}
		writeError(w, http.StatusNotFound, "call not found")
		return
	}
	if err != nil {
		s.logger.Error("get call: failed to query", "error", err, "call_sid", callSID)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, toCallResponse(call))
}

// handleListTurns returns the stored conversation turns of a call.
func (s *Server) handleListTurns(w http.ResponseWriter, r *http.Request) {
	callSID := chi.URLParam(r, "callSID")

	turns, err := s.store.Turns().ListByCall(r.Context(), callSID)
	if err != nil {
		s.logger.Error("list turns: failed to query", "error", err, "call_sid", callSID)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	items := make([]turnResponse, len(turns))
	for i, t := range turns {
		items[i] = turnResponse{
			Seq:         t.Seq,
			Role:        t.Role,
			Text:        t.Text,
			ItemID:      t.ItemID,
			Interrupted: t.Interrupted,
			StartedAt:   t.StartedAt.Format(time.RFC3339Nano),
			EndedAt:     t.EndedAt.Format(time.RFC3339Nano),
		}
	}
	writeJSON(w, http.StatusOK, items)
}

func (s *Server) handleActiveCalls(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.sessions.Active())
}

// handleHangup asks the carrier to end a call. The session finalizes when
// the carrier's stop event arrives.
func (s *Server) handleHangup(w http.ResponseWriter, r *http.Request) {
	if s.dialer == nil {
		writeError(w, http.StatusServiceUnavailable, "carrier api is not configured")
		return
	}
	callSID := chi.URLParam(r, "callSID")
	if msg := validateID("call_sid", callSID); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}

	if err := s.dialer.EndCall(r.Context(), callSID); err != nil {
		s.logger.Error("hangup: carrier request failed", "error", err, "call_sid", callSID)
		writeError(w, http.StatusBadGateway, "carrier rejected the hangup")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"call_sid": callSID, "status": "ending"})
}

type statsResponse struct {
	ActiveCalls    int                 `json:"active_calls"`
	HeldSlots      int                 `json:"held_slots"`
	GateActive     int                 `json:"gate_active"`
	Sessions       bridge.ManagerStats `json:"sessions"`
	Queue          any                 `json:"queue,omitempty"`
	StoredBySource map[string]int64    `json:"stored_by_source"`
}

// handleStats summarizes live and cumulative call statistics.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	resp := statsResponse{
		ActiveCalls: s.sessions.Count(),
		HeldSlots:   s.heldSlots(),
		Sessions:    s.sessions.Stats(),
	}

	active, err := s.gate.Active(r.Context())
	if err != nil {
		s.logger.Warn("stats: reading gate", "error", err)
	}
	resp.GateActive = active

	if s.queue != nil {
		resp.Queue = s.queue.Stats()
	}

	resp.StoredBySource, err = s.store.Calls().CountBySource(r.Context())
	if err != nil {
		s.logger.Error("stats: counting calls", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, resp)
}
