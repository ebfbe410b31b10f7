// Package provider is the speech-AI side of the bridge: a client for the
// OpenAI Realtime WebSocket API carrying μ-law audio both ways.
package provider

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// Audio formats understood by the provider. The carrier only speaks μ-law.
const (
	AudioFormatULaw = "g711_ulaw"
	AudioFormatALaw = "g711_alaw"
	AudioFormatPCM  = "pcm16"
)

// Turn detection types.
const (
	TurnDetectionServerVAD   = "server_vad"
	TurnDetectionSemanticVAD = "semantic_vad"
)

// Inbound event types.
const (
	EventSessionCreated          = "session.created"
	EventSessionUpdated          = "session.updated"
	EventSpeechStarted           = "input_audio_buffer.speech_started"
	EventSpeechStopped           = "input_audio_buffer.speech_stopped"
	EventInputTranscript         = "conversation.item.input_audio_transcription.completed"
	EventInputTranscriptFailed   = "conversation.item.input_audio_transcription.failed"
	EventResponseCreated         = "response.created"
	EventAudioDelta              = "response.audio.delta"
	EventAudioDone               = "response.audio.done"
	EventAudioTranscriptDelta    = "response.audio_transcript.delta"
	EventAudioTranscriptDone     = "response.audio_transcript.done"
	EventFunctionCallArgsDone    = "response.function_call_arguments.done"
	EventResponseDone            = "response.done"
	EventError                   = "error"
	EventRateLimitsUpdated       = "rate_limits.updated"
	EventConversationItemCreated = "conversation.item.created"

	// Synthetic events emitted by the client itself around reconnects.
	EventReconnected  = "bridge.reconnected"
	EventDisconnected = "bridge.disconnected"
)

// SessionConfig is the body of session.update and of the session.updated
// acknowledgement.
type SessionConfig struct {
	Modalities              []string       `json:"modalities,omitempty"`
	Instructions            string         `json:"instructions,omitempty"`
	Voice                   string         `json:"voice,omitempty"`
	InputAudioFormat        string         `json:"input_audio_format,omitempty"`
	OutputAudioFormat       string         `json:"output_audio_format,omitempty"`
	InputAudioTranscription *Transcription `json:"input_audio_transcription,omitempty"`
	TurnDetection           *TurnDetection `json:"turn_detection,omitempty"`
	Tools                   []Tool         `json:"tools,omitempty"`
	ToolChoice              string         `json:"tool_choice,omitempty"`
	Temperature             float64        `json:"temperature,omitempty"`
}

// Transcription configures input audio transcription.
type Transcription struct {
	Model    string `json:"model"`
	Language string `json:"language,omitempty"`
}

// TurnDetection configures provider-side voice activity detection.
type TurnDetection struct {
	Type              string  `json:"type"`
	Threshold         float64 `json:"threshold,omitempty"`
	PrefixPaddingMS   int     `json:"prefix_padding_ms,omitempty"`
	SilenceDurationMS int     `json:"silence_duration_ms,omitempty"`
	CreateResponse    *bool   `json:"create_response,omitempty"`
	InterruptResponse *bool   `json:"interrupt_response,omitempty"`
}

// Tool declares a function the agent may call.
type Tool struct {
	Type        string         `json:"type"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// APIError is the body of an error event.
type APIError struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Param   string `json:"param"`
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("provider error %s: %s", e.Code, e.Message)
	}
	return "provider error: " + e.Message
}

// Event is one decoded inbound provider event. Only the fields relevant to
// Type are populated.
type Event struct {
	Type       string
	EventID    string
	ItemID     string
	ResponseID string

	// Session is set for session.created and session.updated.
	Session *SessionConfig

	// Audio holds decoded μ-law bytes for response.audio.delta.
	Audio []byte

	// Delta is incremental agent transcript text.
	Delta string

	// Transcript is the final text of an agent or caller utterance.
	Transcript string

	// Function call fields for response.function_call_arguments.done.
	CallID    string
	Name      string
	Arguments string

	// AudioStartMS is the provider's offset for speech_started.
	AudioStartMS int

	// ResponseStatus is the final status on response.done.
	ResponseStatus string

	Error *APIError

	// Err carries the transport error on the synthetic disconnect event.
	// Fatal means reconnection was abandoned.
	Err   error
	Fatal bool
}

type wireEvent struct {
	Type         string          `json:"type"`
	EventID      string          `json:"event_id"`
	ItemID       string          `json:"item_id"`
	ResponseID   string          `json:"response_id"`
	Session      *SessionConfig  `json:"session"`
	Delta        string          `json:"delta"`
	Transcript   string          `json:"transcript"`
	CallID       string          `json:"call_id"`
	Name         string          `json:"name"`
	Arguments    string          `json:"arguments"`
	AudioStartMS int             `json:"audio_start_ms"`
	Error        *APIError       `json:"error"`
	Response     json.RawMessage `json:"response"`
}

type wireResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// DecodeEvent parses one provider message.
func DecodeEvent(data []byte) (Event, error) {
	var w wireEvent
	if err := json.Unmarshal(data, &w); err != nil {
		return Event{}, fmt.Errorf("decoding provider event: %w", err)
	}
	if w.Type == "" {
		return Event{}, fmt.Errorf("decoding provider event: missing type")
	}

	ev := Event{
		Type:         w.Type,
		EventID:      w.EventID,
		ItemID:       w.ItemID,
		ResponseID:   w.ResponseID,
		Session:      w.Session,
		Transcript:   w.Transcript,
		CallID:       w.CallID,
		Name:         w.Name,
		Arguments:    w.Arguments,
		AudioStartMS: w.AudioStartMS,
		Error:        w.Error,
	}

	switch w.Type {
	case EventAudioDelta:
		audio, err := base64.StdEncoding.DecodeString(w.Delta)
		if err != nil {
			return Event{}, fmt.Errorf("decoding audio delta: %w", err)
		}
		ev.Audio = audio
	case EventAudioTranscriptDelta:
		ev.Delta = w.Delta
	case EventResponseDone, EventResponseCreated:
		if len(w.Response) > 0 {
			var r wireResponse
			if err := json.Unmarshal(w.Response, &r); err == nil {
				ev.ResponseID = r.ID
				ev.ResponseStatus = r.Status
			}
		}
	}

	return ev, nil
}
