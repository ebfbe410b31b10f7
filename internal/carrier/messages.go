// Package carrier implements the carrier side of the bridge: the Twilio
// Media Streams WebSocket protocol carrying 8 kHz μ-law call audio.
package carrier

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

// Inbound event names.
const (
	EventConnected = "connected"
	EventStart     = "start"
	EventMedia     = "media"
	EventMark      = "mark"
	EventDTMF      = "dtmf"
	EventStop      = "stop"
)

// Call directions carried in the start event custom parameters.
const (
	DirectionInbound  = "inbound"
	DirectionOutbound = "outbound"
)

// ErrUnknownEvent is wrapped by DecodeError for event names outside the protocol.
var ErrUnknownEvent = errors.New("unknown carrier event")

// DecodeError reports a malformed carrier message. The session counts these
// and keeps reading.
type DecodeError struct {
	Event string
	Err   error
}

func (e *DecodeError) Error() string {
	if e.Event == "" {
		return fmt.Sprintf("decoding carrier message: %v", e.Err)
	}
	return fmt.Sprintf("decoding carrier %q message: %v", e.Event, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Message is one decoded inbound carrier event. Exactly one of the typed
// fields is set, matching Event.
type Message struct {
	Event     string
	StreamSID string

	Start *Start
	Media *Media
	Mark  *Mark
	DTMF  *DTMF
	Stop  *Stop
}

// Start describes the stream and the call it belongs to.
type Start struct {
	StreamSID        string
	CallSID          string
	AccountSID       string
	Tracks           []string
	Encoding         string
	SampleRate       int
	CustomParameters map[string]string
}

// Param returns a custom parameter or the empty string.
func (s *Start) Param(key string) string {
	if s == nil || s.CustomParameters == nil {
		return ""
	}
	return s.CustomParameters[key]
}

// Media carries one chunk of decoded μ-law audio.
type Media struct {
	Track       string
	Sequence    int64
	Chunk       int64
	TimestampMS int64
	Payload     []byte
}

// Mark echoes a mark previously sent on the outbound side.
type Mark struct {
	Name string
}

// DTMF is a keypress detected by the carrier.
type DTMF struct {
	Track string
	Digit string
}

// Stop signals the end of the stream.
type Stop struct {
	CallSID    string
	AccountSID string
}

// wire formats

type wireMessage struct {
	Event          string          `json:"event"`
	StreamSID      string          `json:"streamSid"`
	SequenceNumber string          `json:"sequenceNumber"`
	Start          json.RawMessage `json:"start"`
	Media          json.RawMessage `json:"media"`
	Mark           json.RawMessage `json:"mark"`
	DTMF           json.RawMessage `json:"dtmf"`
	Stop           json.RawMessage `json:"stop"`
}

type wireStart struct {
	StreamSID        string            `json:"streamSid"`
	CallSID          string            `json:"callSid"`
	AccountSID       string            `json:"accountSid"`
	Tracks           []string          `json:"tracks"`
	CustomParameters map[string]string `json:"customParameters"`
	MediaFormat      struct {
		Encoding   string `json:"encoding"`
		SampleRate int    `json:"sampleRate"`
		Channels   int    `json:"channels"`
	} `json:"mediaFormat"`
}

type wireMedia struct {
	Track     string `json:"track"`
	Chunk     string `json:"chunk"`
	Timestamp string `json:"timestamp"`
	Payload   string `json:"payload"`
}

type wireMark struct {
	Name string `json:"name"`
}

type wireDTMF struct {
	Track string `json:"track"`
	Digit string `json:"digit"`
}

type wireStop struct {
	AccountSID string `json:"accountSid"`
	CallSID    string `json:"callSid"`
}

// Decode parses one text frame from the carrier. Malformed input yields a
// *DecodeError.
func Decode(data []byte) (*Message, error) {
	var w wireMessage
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, &DecodeError{Err: err}
	}

	msg := &Message{Event: w.Event, StreamSID: w.StreamSID}

	switch w.Event {
	case EventConnected:

	case EventStart:
		var s wireStart
		if err := unmarshalBody(w.Start, &s); err != nil {
			return nil, &DecodeError{Event: w.Event, Err: err}
		}
		if s.StreamSID == "" {
			s.StreamSID = w.StreamSID
		}
		if s.StreamSID == "" || s.CallSID == "" {
			return nil, &DecodeError{Event: w.Event, Err: errors.New("missing streamSid or callSid")}
		}
		msg.StreamSID = s.StreamSID
		msg.Start = &Start{
			StreamSID:        s.StreamSID,
			CallSID:          s.CallSID,
			AccountSID:       s.AccountSID,
			Tracks:           s.Tracks,
			Encoding:         s.MediaFormat.Encoding,
			SampleRate:       s.MediaFormat.SampleRate,
			CustomParameters: s.CustomParameters,
		}

	case EventMedia:
		var m wireMedia
		if err := unmarshalBody(w.Media, &m); err != nil {
			return nil, &DecodeError{Event: w.Event, Err: err}
		}
		payload, err := base64.StdEncoding.DecodeString(m.Payload)
		if err != nil {
			return nil, &DecodeError{Event: w.Event, Err: fmt.Errorf("payload: %w", err)}
		}
		msg.Media = &Media{
			Track:       m.Track,
			Sequence:    parseInt(w.SequenceNumber),
			Chunk:       parseInt(m.Chunk),
			TimestampMS: parseInt(m.Timestamp),
			Payload:     payload,
		}

	case EventMark:
		var m wireMark
		if err := unmarshalBody(w.Mark, &m); err != nil {
			return nil, &DecodeError{Event: w.Event, Err: err}
		}
		msg.Mark = &Mark{Name: m.Name}

	case EventDTMF:
		var d wireDTMF
		if err := unmarshalBody(w.DTMF, &d); err != nil {
			return nil, &DecodeError{Event: w.Event, Err: err}
		}
		msg.DTMF = &DTMF{Track: d.Track, Digit: d.Digit}

	case EventStop:
		var s wireStop
		if len(w.Stop) > 0 {
			if err := json.Unmarshal(w.Stop, &s); err != nil {
				return nil, &DecodeError{Event: w.Event, Err: err}
			}
		}
		msg.Stop = &Stop{CallSID: s.CallSID, AccountSID: s.AccountSID}

	default:
		return nil, &DecodeError{Event: w.Event, Err: ErrUnknownEvent}
	}

	return msg, nil
}

func unmarshalBody(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return errors.New("missing event body")
	}
	return json.Unmarshal(raw, v)
}

// parseInt reads the carrier's stringly typed counters, treating junk as zero.
func parseInt(s string) int64 {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return n
}

// outbound

type outMedia struct {
	Event     string `json:"event"`
	StreamSID string `json:"streamSid"`
	Media     struct {
		Payload string `json:"payload"`
	} `json:"media"`
}

type outMark struct {
	Event     string `json:"event"`
	StreamSID string `json:"streamSid"`
	Mark      struct {
		Name string `json:"name"`
	} `json:"mark"`
}

type outClear struct {
	Event     string `json:"event"`
	StreamSID string `json:"streamSid"`
}

// EncodeMedia builds an outbound media event for a μ-law payload.
func EncodeMedia(streamSID string, payload []byte) ([]byte, error) {
	m := outMedia{Event: EventMedia, StreamSID: streamSID}
	m.Media.Payload = base64.StdEncoding.EncodeToString(payload)
	return json.Marshal(m)
}

// EncodeMark builds an outbound mark event. The carrier echoes it back once
// all audio queued before it has played.
func EncodeMark(streamSID, name string) ([]byte, error) {
	m := outMark{Event: EventMark, StreamSID: streamSID}
	m.Mark.Name = name
	return json.Marshal(m)
}

// EncodeClear builds an outbound clear event that flushes the carrier's own
// playback buffer.
func EncodeClear(streamSID string) ([]byte, error) {
	return json.Marshal(outClear{Event: "clear", StreamSID: streamSID})
}
