package carrier

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeTimeout = 5 * time.Second

	// readTimeout bounds the gap between carrier messages. Media arrives
	// every 20ms while the call is up, so a long gap means the stream died.
	readTimeout = 30 * time.Second

	maxMessageSize = 64 * 1024
)

// ErrClosed is returned by send methods after Close.
var ErrClosed = errors.New("carrier connection closed")

// Upgrader accepts the carrier's media stream WebSocket.
var Upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// The carrier does not send an Origin header; authentication happens on
	// the start event token instead.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsConn is the subset of *websocket.Conn used here.
type wsConn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetReadLimit(limit int64)
	Close() error
}

// Conn is one carrier media stream. Reads must come from a single
// goroutine; sends are serialised internally and may come from any.
type Conn struct {
	ws     wsConn
	logger *slog.Logger

	mu        sync.Mutex
	streamSID string
	closed    bool
}

// NewConn wraps an upgraded WebSocket.
func NewConn(ws *websocket.Conn, logger *slog.Logger) *Conn {
	return newConn(ws, logger)
}

func newConn(ws wsConn, logger *slog.Logger) *Conn {
	ws.SetReadLimit(maxMessageSize)
	return &Conn{
		ws:     ws,
		logger: logger.With("subsystem", "carrier"),
	}
}

// Upgrade upgrades an HTTP request to a carrier media stream.
func Upgrade(w http.ResponseWriter, r *http.Request, logger *slog.Logger) (*Conn, error) {
	ws, err := Upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, fmt.Errorf("upgrading carrier stream: %w", err)
	}
	return NewConn(ws, logger), nil
}

// ReadMessage blocks for the next carrier event. Non-text frames are
// skipped. A malformed text frame yields a *DecodeError and the connection
// stays usable.
func (c *Conn) ReadMessage() (*Message, error) {
	for {
		if err := c.ws.SetReadDeadline(time.Now().Add(readTimeout)); err != nil {
			return nil, fmt.Errorf("setting read deadline: %w", err)
		}
		mt, data, err := c.ws.ReadMessage()
		if err != nil {
			return nil, err
		}
		if mt != websocket.TextMessage {
			continue
		}
		msg, err := Decode(data)
		if err != nil {
			return nil, err
		}
		if msg.Start != nil {
			c.SetStreamSID(msg.Start.StreamSID)
		}
		return msg, nil
	}
}

// SetStreamSID records the stream identifier used on outbound events.
func (c *Conn) SetStreamSID(sid string) {
	c.mu.Lock()
	c.streamSID = sid
	c.mu.Unlock()
}

// StreamSID returns the stream identifier from the start event.
func (c *Conn) StreamSID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.streamSID
}

// SendMedia writes one μ-law frame to the caller.
func (c *Conn) SendMedia(payload []byte) error {
	return c.send(func(sid string) ([]byte, error) { return EncodeMedia(sid, payload) })
}

// SendMark writes a named mark after the queued media.
func (c *Conn) SendMark(name string) error {
	return c.send(func(sid string) ([]byte, error) { return EncodeMark(sid, name) })
}

// SendClear asks the carrier to drop any audio it has buffered.
func (c *Conn) SendClear() error {
	return c.send(EncodeClear)
}

func (c *Conn) send(encode func(streamSID string) ([]byte, error)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}

	data, err := encode(c.streamSID)
	if err != nil {
		return fmt.Errorf("encoding carrier event: %w", err)
	}
	if err := c.ws.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return fmt.Errorf("setting write deadline: %w", err)
	}
	if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("writing carrier event: %w", err)
	}
	return nil
}

// Close sends a close frame and closes the socket. Safe to call repeatedly.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	if err := c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second)); err != nil {
		c.logger.Debug("carrier close frame not sent", "error", err)
	}
	return c.ws.Close()
}

// IsClosedError reports whether err means the peer went away rather than a
// protocol fault.
func IsClosedError(err error) bool {
	if errors.Is(err, ErrClosed) {
		return true
	}
	return websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseNoStatusReceived,
		websocket.CloseAbnormalClosure,
	)
}
