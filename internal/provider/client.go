package provider

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

const (
	// DefaultURL is the OpenAI Realtime endpoint.
	DefaultURL   = "wss://api.openai.com/v1/realtime"
	DefaultModel = "gpt-4o-realtime-preview"

	eventBufferSize = 512
	writeTimeout    = 5 * time.Second
)

// Options configures a Client.
type Options struct {
	URL    string
	APIKey string
	Model  string

	DialTimeout time.Duration

	// MaxReconnects bounds reconnect attempts after a transient drop. Zero
	// disables reconnecting.
	MaxReconnects int

	// ReconnectInterval is the minimum spacing between attempts.
	ReconnectInterval time.Duration
}

func (o *Options) setDefaults() {
	if o.URL == "" {
		o.URL = DefaultURL
	}
	if o.Model == "" {
		o.Model = DefaultModel
	}
	if o.DialTimeout <= 0 {
		o.DialTimeout = 10 * time.Second
	}
	if o.ReconnectInterval <= 0 {
		o.ReconnectInterval = time.Second
	}
}

func (o *Options) endpoint() (string, error) {
	u, err := url.Parse(o.URL)
	if err != nil {
		return "", fmt.Errorf("parsing provider url: %w", err)
	}
	q := u.Query()
	if q.Get("model") == "" {
		q.Set("model", o.Model)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Client is one realtime session with the provider. Send methods are safe
// for concurrent use. Inbound events are delivered in order on Events.
//
// On a transient read failure the client emits EventDisconnected, redials
// within the reconnect budget and replays the last session configuration,
// then emits EventReconnected. Sends fail with ErrNotConnected in between.
type Client struct {
	opts    Options
	logger  *slog.Logger
	limiter *rate.Limiter

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	ws        *websocket.Conn
	connected bool
	closed    bool
	config    *SessionConfig

	writeMu sync.Mutex

	events chan Event
	done   chan struct{}
}

// Dial connects to the provider and starts the read loop.
func Dial(ctx context.Context, opts Options, logger *slog.Logger) (*Client, error) {
	opts.setDefaults()

	cctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		opts:    opts,
		logger:  logger.With("subsystem", "provider"),
		limiter: rate.NewLimiter(rate.Every(opts.ReconnectInterval), 1),
		ctx:     cctx,
		cancel:  cancel,
		events:  make(chan Event, eventBufferSize),
		done:    make(chan struct{}),
	}

	ws, err := c.dial(ctx)
	if err != nil {
		cancel()
		return nil, err
	}
	c.ws = ws
	c.connected = true
	// The first dial consumes the initial token so a reconnect right after
	// a quick drop still waits one interval.
	c.limiter.Allow()

	go c.readLoop()
	return c, nil
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	endpoint, err := c.opts.endpoint()
	if err != nil {
		return nil, err
	}

	header := http.Header{}
	if c.opts.APIKey != "" {
		header.Set("Authorization", "Bearer "+c.opts.APIKey)
	}
	header.Set("OpenAI-Beta", "realtime=v1")

	dialer := websocket.Dialer{HandshakeTimeout: c.opts.DialTimeout}
	dctx, cancel := context.WithTimeout(ctx, c.opts.DialTimeout)
	defer cancel()

	ws, resp, err := dialer.DialContext(dctx, endpoint, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dialing provider: %w (status %d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dialing provider: %w", err)
	}
	return ws, nil
}

// Events returns the inbound event stream. It is closed when the client is
// closed or reconnection is abandoned.
func (c *Client) Events() <-chan Event {
	return c.events
}

// Configure sends session.update and remembers the configuration so it is
// replayed after a reconnect. The caller verifies the session.updated
// acknowledgement with VerifyAck.
func (c *Client) Configure(cfg SessionConfig) error {
	c.mu.Lock()
	stored := cfg
	c.config = &stored
	c.mu.Unlock()

	return c.send(map[string]any{
		"type":    "session.update",
		"session": cfg,
	})
}

// AppendAudio forwards one μ-law frame to the input audio buffer.
func (c *Client) AppendAudio(payload []byte) error {
	return c.send(map[string]any{
		"type":  "input_audio_buffer.append",
		"audio": base64.StdEncoding.EncodeToString(payload),
	})
}

// CreateResponse asks the agent to respond. Non-empty instructions override
// the session instructions for this response only.
func (c *Client) CreateResponse(instructions string) error {
	msg := map[string]any{"type": "response.create"}
	if instructions != "" {
		msg["response"] = map[string]any{"instructions": instructions}
	}
	return c.send(msg)
}

// AddMessage appends a text message to the conversation without requesting
// a response.
func (c *Client) AddMessage(role, text string) error {
	contentType := "input_text"
	if role == "assistant" {
		contentType = "text"
	}
	return c.send(map[string]any{
		"type": "conversation.item.create",
		"item": map[string]any{
			"type": "message",
			"role": role,
			"content": []map[string]any{
				{"type": contentType, "text": text},
			},
		},
	})
}

// Nudge injects a system note and requests a response.
func (c *Client) Nudge(text string) error {
	if err := c.AddMessage("system", text); err != nil {
		return err
	}
	return c.CreateResponse("")
}

// SubmitToolResult returns a function call result and resumes the response.
func (c *Client) SubmitToolResult(callID, output string) error {
	err := c.send(map[string]any{
		"type": "conversation.item.create",
		"item": map[string]any{
			"type":    "function_call_output",
			"call_id": callID,
			"output":  output,
		},
	})
	if err != nil {
		return err
	}
	return c.CreateResponse("")
}

// CancelResponse stops the in-flight response.
func (c *Client) CancelResponse() error {
	return c.send(map[string]any{"type": "response.cancel"})
}

// Connected reports whether the socket is currently up.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *Client) send(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding provider event: %w", err)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if !c.connected {
		c.mu.Unlock()
		return ErrNotConnected
	}
	ws := c.ws
	c.mu.Unlock()

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := ws.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return fmt.Errorf("setting write deadline: %w", err)
	}
	if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("writing provider event: %w", err)
	}
	return nil
}

// Close shuts the client down and waits for the read loop to exit.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		<-c.done
		return nil
	}
	c.closed = true
	c.connected = false
	ws := c.ws
	c.mu.Unlock()

	c.cancel()

	var err error
	if ws != nil {
		c.writeMu.Lock()
		ws.WriteControl(websocket.CloseMessage, //nolint:errcheck
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		err = ws.Close()
	}
	<-c.done
	return err
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// emit delivers an event, giving up only when the client is closed.
func (c *Client) emit(ev Event) bool {
	select {
	case c.events <- ev:
		return true
	case <-c.ctx.Done():
		return false
	}
}

func (c *Client) readLoop() {
	defer close(c.done)
	defer close(c.events)

	for {
		c.mu.Lock()
		ws := c.ws
		c.mu.Unlock()

		err := c.readFrom(ws)
		if c.isClosed() {
			return
		}

		c.mu.Lock()
		c.connected = false
		c.mu.Unlock()
		ws.Close()

		c.logger.Warn("provider connection lost", "error", err)
		if !c.emit(Event{Type: EventDisconnected, Err: err}) {
			return
		}

		if !c.reconnect() {
			c.emit(Event{Type: EventDisconnected, Err: err, Fatal: true})
			return
		}
	}
}

// readFrom reads until the socket fails. Undecodable messages are logged
// and skipped.
func (c *Client) readFrom(ws *websocket.Conn) error {
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return err
		}
		ev, err := DecodeEvent(data)
		if err != nil {
			c.logger.Warn("skipping malformed provider event", "error", err)
			continue
		}
		if !c.emit(ev) {
			return context.Canceled
		}
	}
}

// reconnect redials within the attempt budget and replays the session
// configuration. It reports whether the connection is back.
func (c *Client) reconnect() bool {
	for attempt := 1; attempt <= c.opts.MaxReconnects; attempt++ {
		if err := c.limiter.Wait(c.ctx); err != nil {
			return false
		}

		ws, err := c.dial(c.ctx)
		if err != nil {
			c.logger.Warn("provider reconnect failed", "attempt", attempt, "error", err)
			continue
		}

		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			ws.Close()
			return false
		}
		c.ws = ws
		c.connected = true
		cfg := c.config
		c.mu.Unlock()

		if cfg != nil {
			if err := c.Configure(*cfg); err != nil {
				c.logger.Warn("replaying session configuration failed", "attempt", attempt, "error", err)
				c.mu.Lock()
				c.connected = false
				c.mu.Unlock()
				ws.Close()
				continue
			}
		}

		c.logger.Info("provider reconnected", "attempt", attempt)
		return c.emit(Event{Type: EventReconnected})
	}
	return false
}

// IsTransient reports whether err is a send failure that may clear after a
// reconnect.
func IsTransient(err error) bool {
	return errors.Is(err, ErrNotConnected)
}
