package provider

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
)

// DefaultTranscriptionModel transcribes recorded call audio after the fact.
const DefaultTranscriptionModel = "whisper-1"

// TranscriberOptions configures a Transcriber.
type TranscriberOptions struct {
	APIKey string
	// BaseURL overrides the REST API root, e.g. for tests.
	BaseURL string
	Model   string
	Timeout time.Duration
}

// Transcriber turns a finished call recording into text through the
// provider's REST transcription endpoint. It backs the offline fallback
// when the realtime transcript is unusable.
type Transcriber struct {
	client openai.Client
	model  string
}

// NewTranscriber creates a Transcriber.
func NewTranscriber(opts TranscriberOptions) *Transcriber {
	if opts.Model == "" {
		opts.Model = DefaultTranscriptionModel
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 2 * time.Minute
	}
	reqOpts := []option.RequestOption{
		option.WithAPIKey(opts.APIKey),
		option.WithRequestTimeout(opts.Timeout),
		option.WithMaxRetries(2),
	}
	if opts.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(opts.BaseURL))
	}
	return &Transcriber{
		client: openai.NewClient(reqOpts...),
		model:  opts.Model,
	}
}

// Transcribe uploads WAV audio and returns the recognised text. language
// may be empty to let the model detect it.
func (t *Transcriber) Transcribe(ctx context.Context, audio []byte, language string) (string, error) {
	if len(audio) == 0 {
		return "", errors.New("no audio to transcribe")
	}

	params := openai.AudioTranscriptionNewParams{
		File:  openai.File(bytes.NewReader(audio), "call.wav", "audio/wav"),
		Model: openai.AudioModel(t.model),
	}
	if language != "" {
		params.Language = openai.String(language)
	}

	res, err := t.client.Audio.Transcriptions.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("transcribing recording: %w", err)
	}
	return strings.TrimSpace(res.Text), nil
}
