// Package dialer places and ends calls through the Twilio REST API and
// builds the TwiML that connects a call to the media-stream endpoint.
package dialer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/twilio/twilio-go"
	api "github.com/twilio/twilio-go/rest/api/v2010"
	"github.com/twilio/twilio-go/twiml"
)

const (
	defaultMediaBaseURL = "https://api.twilio.com"
	defaultRingTimeout  = 30

	// streamName labels the media stream in Twilio's console.
	streamName = "voicebridge"

	maxRecordingBytes = 64 << 20
)

// ErrNoRecording is returned when the carrier holds no completed recording
// for a call.
var ErrNoRecording = errors.New("no completed recording for call")

// callsAPI is the subset of the Twilio v2010 API the dialer uses.
type callsAPI interface {
	CreateCall(params *api.CreateCallParams) (*api.ApiV2010Call, error)
	UpdateCall(sid string, params *api.UpdateCallParams) (*api.ApiV2010Call, error)
	ListRecording(params *api.ListRecordingParams) ([]api.ApiV2010Recording, error)
}

// Options configures a Dialer.
type Options struct {
	AccountSID string
	AuthToken  string
	// From is the caller ID used when a request names none.
	From string
	// StreamURL is the public wss:// URL of the media-stream endpoint.
	StreamURL string
	// StatusCallbackURL receives call status webhooks. Optional.
	StatusCallbackURL string
	// Record asks Twilio to record every outbound call.
	Record bool
	// RingTimeout is how long to ring before giving up, in seconds.
	RingTimeout int
	// MediaBaseURL overrides the recording download host.
	MediaBaseURL string
}

// Request describes one outbound call.
type Request struct {
	To         string
	From       string
	LeadID     string
	BusinessID string
	Goal       string
	// Token authorizes the media stream the call opens.
	Token string
}

// Recording is a carrier-side call recording.
type Recording struct {
	SID      string
	CallSID  string
	Duration time.Duration
}

// Dialer talks to Twilio on behalf of the bridge.
type Dialer struct {
	api    callsAPI
	opts   Options
	http   *http.Client
	logger *slog.Logger
}

// New creates a Dialer backed by the Twilio REST client.
func New(opts Options, logger *slog.Logger) *Dialer {
	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: opts.AccountSID,
		Password: opts.AuthToken,
	})
	return newDialer(client.Api, opts, logger)
}

func newDialer(a callsAPI, opts Options, logger *slog.Logger) *Dialer {
	if opts.MediaBaseURL == "" {
		opts.MediaBaseURL = defaultMediaBaseURL
	}
	if opts.RingTimeout <= 0 {
		opts.RingTimeout = defaultRingTimeout
	}
	return &Dialer{
		api:    a,
		opts:   opts,
		http:   &http.Client{Timeout: 2 * time.Minute},
		logger: logger.With("subsystem", "dialer"),
	}
}

// Dial places an outbound call whose audio is streamed back to the bridge.
// It returns the carrier call SID.
func (d *Dialer) Dial(ctx context.Context, req Request) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if req.To == "" {
		return "", errors.New("destination number is required")
	}
	from := req.From
	if from == "" {
		from = d.opts.From
	}
	if from == "" {
		return "", errors.New("no caller id configured")
	}

	doc, err := StreamTwiML(d.opts.StreamURL, map[string]string{
		"direction":   "outbound",
		"from":        from,
		"to":          req.To,
		"lead_id":     req.LeadID,
		"business_id": req.BusinessID,
		"goal":        req.Goal,
		"token":       req.Token,
	})
	if err != nil {
		return "", err
	}

	params := &api.CreateCallParams{}
	params.SetTo(req.To)
	params.SetFrom(from)
	params.SetTwiml(doc)
	params.SetTimeout(d.opts.RingTimeout)
	if d.opts.Record {
		params.SetRecord(true)
	}
	if d.opts.StatusCallbackURL != "" {
		params.SetStatusCallback(d.opts.StatusCallbackURL)
		params.SetStatusCallbackEvent([]string{"initiated", "answered", "completed"})
		params.SetStatusCallbackMethod(http.MethodPost)
	}

	call, err := d.api.CreateCall(params)
	if err != nil {
		return "", fmt.Errorf("creating call to %s: %w", req.To, err)
	}
	if call == nil || call.Sid == nil {
		return "", errors.New("creating call: response carried no call sid")
	}

	d.logger.Info("outbound call placed",
		"call_sid", *call.Sid,
		"to", req.To,
		"from", from,
		"lead_id", req.LeadID,
	)
	return *call.Sid, nil
}

// EndCall hangs up a live call.
func (d *Dialer) EndCall(ctx context.Context, callSID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	params := &api.UpdateCallParams{}
	params.SetStatus("completed")
	if _, err := d.api.UpdateCall(callSID, params); err != nil {
		return fmt.Errorf("ending call %s: %w", callSID, err)
	}
	d.logger.Info("call ended via rest api", "call_sid", callSID)
	return nil
}

// FindRecording returns the most recent completed recording of a call.
func (d *Dialer) FindRecording(ctx context.Context, callSID string) (*Recording, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	params := &api.ListRecordingParams{}
	params.SetCallSid(callSID)
	params.SetLimit(20)

	recs, err := d.api.ListRecording(params)
	if err != nil {
		return nil, fmt.Errorf("listing recordings for %s: %w", callSID, err)
	}
	for _, r := range recs {
		if r.Sid == nil {
			continue
		}
		if r.Status != nil && *r.Status != "completed" {
			continue
		}
		rec := &Recording{SID: *r.Sid, CallSID: callSID}
		if r.Duration != nil {
			var secs int
			if _, err := fmt.Sscanf(*r.Duration, "%d", &secs); err == nil {
				rec.Duration = time.Duration(secs) * time.Second
			}
		}
		return rec, nil
	}
	return nil, ErrNoRecording
}

// DownloadRecording fetches the WAV audio of a recording.
func (d *Dialer) DownloadRecording(ctx context.Context, rec *Recording) ([]byte, error) {
	url := fmt.Sprintf("%s/2010-04-01/Accounts/%s/Recordings/%s.wav",
		strings.TrimRight(d.opts.MediaBaseURL, "/"), d.opts.AccountSID, rec.SID)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("building recording request: %w", err)
	}
	req.SetBasicAuth(d.opts.AccountSID, d.opts.AuthToken)

	resp, err := d.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("downloading recording %s: %w", rec.SID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("downloading recording %s: status %d", rec.SID, resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxRecordingBytes))
	if err != nil {
		return nil, fmt.Errorf("reading recording %s: %w", rec.SID, err)
	}
	return data, nil
}

// FetchRecording finds and downloads the recording of a call.
func (d *Dialer) FetchRecording(ctx context.Context, callSID string) ([]byte, error) {
	rec, err := d.FindRecording(ctx, callSID)
	if err != nil {
		return nil, err
	}
	return d.DownloadRecording(ctx, rec)
}

// StreamTwiML returns a TwiML document that connects the call to a
// bidirectional media stream. Empty parameters are omitted.
func StreamTwiML(streamURL string, params map[string]string) (string, error) {
	if streamURL == "" {
		return "", errors.New("stream url is required")
	}

	keys := make([]string, 0, len(params))
	for k, v := range params {
		if v != "" {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	inner := make([]twiml.Element, 0, len(keys))
	for _, k := range keys {
		inner = append(inner, &twiml.VoiceParameter{Name: k, Value: params[k]})
	}

	stream := &twiml.VoiceStream{
		Name:          streamName,
		Url:           streamURL,
		InnerElements: inner,
	}
	connect := &twiml.VoiceConnect{InnerElements: []twiml.Element{stream}}

	doc, err := twiml.Voice([]twiml.Element{connect})
	if err != nil {
		return "", fmt.Errorf("building twiml: %w", err)
	}
	return doc, nil
}
