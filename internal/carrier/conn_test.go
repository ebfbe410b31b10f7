package carrier

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/websocket"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// startStream runs a server that upgrades to a carrier Conn and hands it to
// fn. The returned client plays the carrier side.
func startStream(t *testing.T, fn func(*Conn)) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := Upgrade(w, r, testLogger())
		if err != nil {
			t.Errorf("Upgrade: %v", err)
			return
		}
		fn(c)
	}))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	client, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

func TestConnReadAndReply(t *testing.T) {
	done := make(chan error, 1)
	client := startStream(t, func(c *Conn) {
		defer c.Close()
		for {
			msg, err := c.ReadMessage()
			if err != nil {
				var de *DecodeError
				if errors.As(err, &de) {
					continue
				}
				done <- err
				return
			}
			if msg.Event == EventMedia {
				if c.StreamSID() != "MZ9" {
					done <- errors.New("stream sid not captured from start")
					return
				}
				if err := c.SendMedia(msg.Media.Payload); err != nil {
					done <- err
					return
				}
				if err := c.SendClear(); err != nil {
					done <- err
					return
				}
			}
			if msg.Event == EventStop {
				done <- nil
				return
			}
		}
	})

	send := func(s string) {
		if err := client.WriteMessage(websocket.TextMessage, []byte(s)); err != nil {
			t.Fatalf("client write: %v", err)
		}
	}
	send(`{"event":"connected"}`)
	send(`{"event":"start","start":{"streamSid":"MZ9","callSid":"CA9"}}`)
	send(`garbage`)
	send(`{"event":"media","sequenceNumber":"3","media":{"payload":"AQID"}}`)

	_, data, err := client.ReadMessage()
	if err != nil {
		t.Fatalf("client read: %v", err)
	}
	if !strings.Contains(string(data), `"payload":"AQID"`) || !strings.Contains(string(data), `"streamSid":"MZ9"`) {
		t.Errorf("echoed media = %s", data)
	}
	_, data, err = client.ReadMessage()
	if err != nil {
		t.Fatalf("client read: %v", err)
	}
	if string(data) != `{"event":"clear","streamSid":"MZ9"}` {
		t.Errorf("clear = %s", data)
	}

	send(`{"event":"stop"}`)
	if err := <-done; err != nil {
		t.Fatalf("server: %v", err)
	}
}

func TestConnSendAfterClose(t *testing.T) {
	result := make(chan error, 1)
	startStream(t, func(c *Conn) {
		c.Close()
		c.Close()
		result <- c.SendMark("late")
	})
	if err := <-result; !errors.Is(err, ErrClosed) {
		t.Errorf("SendMark after close = %v, want ErrClosed", err)
	}
}

func TestIsClosedError(t *testing.T) {
	if !IsClosedError(ErrClosed) {
		t.Error("ErrClosed should be a closed error")
	}
	if !IsClosedError(&websocket.CloseError{Code: websocket.CloseGoingAway}) {
		t.Error("going away should be a closed error")
	}
	if IsClosedError(errors.New("boom")) {
		t.Error("arbitrary error is not a closed error")
	}
}
