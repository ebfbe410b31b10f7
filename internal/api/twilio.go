package api

import (
	"errors"
	"net/http"

	"github.com/twilio/twilio-go/twiml"

	"github.com/flowpbx/voicebridge/internal/api/middleware"
	"github.com/flowpbx/voicebridge/internal/bridge"
	"github.com/flowpbx/voicebridge/internal/callgate"
	"github.com/flowpbx/voicebridge/internal/carrier"
	"github.com/flowpbx/voicebridge/internal/dialer"
)

// terminalStatuses are carrier call states after which no stream will run.
var terminalStatuses = map[string]bool{
	"completed": true,
	"busy":      true,
	"failed":    true,
	"no-answer": true,
	"canceled":  true,
}

func writeTwiML(w http.ResponseWriter, doc string) {
	w.Header().Set("Content-Type", "text/xml; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(doc)) //nolint:errcheck
}

// rejectTwiML speaks a short apology and hangs up.
func rejectTwiML(message string) string {
	doc, err := twiml.Voice([]twiml.Element{
		&twiml.VoiceSay{Message: message},
		&twiml.VoiceHangup{},
	})
	if err != nil {
		return `<?xml version="1.0" encoding="UTF-8"?><Response><Hangup/></Response>`
	}
	return doc
}

// handleInboundVoice answers an inbound call with TwiML that connects it
// to the media stream. The webhook URL may carry business_id, lead_id and
// goal query parameters to pick the caller context.
func (s *Server) handleInboundVoice(w http.ResponseWriter, r *http.Request) {
	callSID := r.FormValue("CallSid")
	from := r.FormValue("From")
	to := r.FormValue("To")
	if callSID == "" {
		writeError(w, http.StatusBadRequest, "CallSid is required")
		return
	}

	q := r.URL.Query()
	leadID, businessID, goal := q.Get("lead_id"), q.Get("business_id"), q.Get("goal")
	for _, msg := range []string{
		validateID("lead_id", leadID),
		validateID("business_id", businessID),
		validateGoal(goal),
	} {
		if msg != "" {
			writeError(w, http.StatusBadRequest, msg)
			return
		}
	}
	if goal == "" {
		goal = string(bridge.GoalLeadOnly)
	}

	log := s.logger.With("call_sid", callSID, "from", from, "to", to)

	// The caller's number is the destination that must not be bridged twice.
	destination := from
	if destination == "" {
		destination = callSID
	}
	if err := s.gate.Acquire(r.Context(), destination, callSID); err != nil {
		switch {
		case errors.Is(err, callgate.ErrAtCapacity), errors.Is(err, callgate.ErrBusy):
			log.Warn("inbound call rejected", "reason", err)
			writeTwiML(w, rejectTwiML("Sorry, all of our lines are busy right now. Please call back in a few minutes."))
		default:
			log.Error("inbound call: acquiring slot", "error", err)
			writeTwiML(w, rejectTwiML("Sorry, we cannot take your call right now."))
		}
		return
	}

	token, _, err := middleware.GenerateStreamToken(s.secret, carrier.DirectionInbound, to, leadID, businessID)
	if err != nil {
		s.gate.Release(r.Context(), destination, callSID) //nolint:errcheck
		log.Error("inbound call: signing stream token", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	doc, err := dialer.StreamTwiML(s.cfg.StreamURL(), map[string]string{
		"direction":   carrier.DirectionInbound,
		"from":        from,
		"to":          to,
		"lead_id":     leadID,
		"business_id": businessID,
		"goal":        goal,
		"token":       token,
	})
	if err != nil {
		s.gate.Release(r.Context(), destination, callSID) //nolint:errcheck
		log.Error("inbound call: building twiml", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	s.holdSlot(callSID, destination, callSID)

	log.Info("inbound call accepted", "goal", goal)
	writeTwiML(w, doc)
}

// handleCallStatus receives carrier status callbacks. Terminal statuses
// free the call's concurrency slot even when no stream ever connected.
func (s *Server) handleCallStatus(w http.ResponseWriter, r *http.Request) {
	callSID := r.FormValue("CallSid")
	status := r.FormValue("CallStatus")

	s.logger.Debug("call status", "call_sid", callSID, "status", status)
	if callSID != "" && terminalStatuses[status] {
		s.ReleaseCall(callSID)
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleMediaStream upgrades the carrier's media WebSocket and runs the
// call's session on it until the call ends.
func (s *Server) handleMediaStream(w http.ResponseWriter, r *http.Request) {
	conn, err := carrier.Upgrade(w, r, s.logger)
	if err != nil {
		s.logger.Warn("media stream upgrade failed", "error", err, "remote_addr", r.RemoteAddr)
		return
	}

	rec, err := s.sessions.Serve(s.baseCtx, conn)
	if err != nil {
		return
	}
	s.logger.Info("media stream closed",
		"call_sid", rec.CallSID,
		"end_reason", rec.EndReason,
		"transcript_source", rec.TranscriptSource,
		"duration", rec.Duration(),
	)
}
