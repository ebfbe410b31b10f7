package provider

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotConnected is returned when the socket is down, including while
	// a reconnect is in progress.
	ErrNotConnected = errors.New("provider not connected")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("provider client closed")

	// ErrConfigMismatch is wrapped by ConfigMismatchError.
	ErrConfigMismatch = errors.New("provider session configuration mismatch")
)

// ConfigMismatchError reports a session.updated acknowledgement that does
// not match what was requested. It is fatal for the call.
type ConfigMismatchError struct {
	Field string
	Want  string
	Got   string
}

func (e *ConfigMismatchError) Error() string {
	return fmt.Sprintf("provider acknowledged %s=%q, requested %q", e.Field, e.Got, e.Want)
}

func (e *ConfigMismatchError) Unwrap() error { return ErrConfigMismatch }

// VerifyAck checks the acknowledged session against the requested one.
// Codecs and turn detection type must match exactly. The transcription
// language is checked only when one was requested.
func VerifyAck(requested, ack SessionConfig) error {
	if requested.InputAudioFormat != ack.InputAudioFormat {
		return &ConfigMismatchError{Field: "input_audio_format", Want: requested.InputAudioFormat, Got: ack.InputAudioFormat}
	}
	if requested.OutputAudioFormat != ack.OutputAudioFormat {
		return &ConfigMismatchError{Field: "output_audio_format", Want: requested.OutputAudioFormat, Got: ack.OutputAudioFormat}
	}

	var wantTD, gotTD string
	if requested.TurnDetection != nil {
		wantTD = requested.TurnDetection.Type
	}
	if ack.TurnDetection != nil {
		gotTD = ack.TurnDetection.Type
	}
	if wantTD != gotTD {
		return &ConfigMismatchError{Field: "turn_detection.type", Want: wantTD, Got: gotTD}
	}

	if requested.InputAudioTranscription != nil && requested.InputAudioTranscription.Language != "" {
		var got string
		if ack.InputAudioTranscription != nil {
			got = ack.InputAudioTranscription.Language
		}
		if !strings.EqualFold(got, requested.InputAudioTranscription.Language) {
			return &ConfigMismatchError{Field: "input_audio_transcription.language", Want: requested.InputAudioTranscription.Language, Got: got}
		}
	}
	return nil
}
