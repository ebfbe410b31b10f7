package provider

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeProvider echoes session.update as session.updated and records every
// message type it receives.
type fakeProvider struct {
	t        *testing.T
	srv      *httptest.Server
	conns    atomic.Int32
	received chan string

	// dropFirst closes the first connection after its first message.
	dropFirst bool
}

func newFakeProvider(t *testing.T, dropFirst bool) *fakeProvider {
	f := &fakeProvider{t: t, received: make(chan string, 64), dropFirst: dropFirst}
	up := websocket.Upgrader{}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("model") == "" {
			t.Errorf("model query parameter missing")
		}
		ws, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		n := f.conns.Add(1)

		ws.WriteJSON(map[string]any{"type": EventSessionCreated, "session": map[string]any{}})
		for {
			_, data, err := ws.ReadMessage()
			if err != nil {
				return
			}
			var msg struct {
				Type    string          `json:"type"`
				Session json.RawMessage `json:"session"`
			}
			json.Unmarshal(data, &msg)
			f.received <- msg.Type

			if msg.Type == "session.update" {
				ws.WriteJSON(map[string]any{"type": EventSessionUpdated, "session": msg.Session})
			}
			if f.dropFirst && n == 1 {
				return
			}
		}
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeProvider) url() string {
	return "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/v1/realtime"
}

func waitEvent(t *testing.T, c *Client, typ string) Event {
	t.Helper()
	timeout := time.After(3 * time.Second)
	for {
		select {
		case ev, ok := <-c.Events():
			if !ok {
				t.Fatalf("events closed waiting for %s", typ)
			}
			if ev.Type == typ {
				return ev
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s", typ)
		}
	}
}

func testSessionConfig() SessionConfig {
	return SessionConfig{
		InputAudioFormat:        AudioFormatULaw,
		OutputAudioFormat:       AudioFormatULaw,
		InputAudioTranscription: &Transcription{Model: "whisper-1", Language: "en"},
		TurnDetection:           &TurnDetection{Type: TurnDetectionServerVAD, Threshold: 0.5},
	}
}

func TestClientConfigureAck(t *testing.T) {
	fp := newFakeProvider(t, false)
	c, err := Dial(context.Background(), Options{URL: fp.url(), APIKey: "k"}, testLogger())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()

	cfg := testSessionConfig()
	if err := c.Configure(cfg); err != nil {
		t.Fatalf("Configure: %v", err)
	}
	ev := waitEvent(t, c, EventSessionUpdated)
	if ev.Session == nil {
		t.Fatal("ack without session")
	}
	if err := VerifyAck(cfg, *ev.Session); err != nil {
		t.Errorf("VerifyAck: %v", err)
	}

	if err := c.AppendAudio([]byte{0xFF}); err != nil {
		t.Fatalf("AppendAudio: %v", err)
	}
	if err := c.CancelResponse(); err != nil {
		t.Fatalf("CancelResponse: %v", err)
	}

	want := []string{"session.update", "input_audio_buffer.append", "response.cancel"}
	for _, w := range want {
		select {
		case got := <-fp.received:
			if got != w {
				t.Errorf("server received %q, want %q", got, w)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("server never received %q", w)
		}
	}
}

func TestClientReconnectReplaysConfig(t *testing.T) {
	fp := newFakeProvider(t, true)
	c, err := Dial(context.Background(), Options{
		URL:               fp.url(),
		MaxReconnects:     3,
		ReconnectInterval: 10 * time.Millisecond,
	}, testLogger())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()

	if err := c.Configure(testSessionConfig()); err != nil {
		t.Fatalf("Configure: %v", err)
	}

	ev := waitEvent(t, c, EventDisconnected)
	if ev.Fatal {
		t.Fatal("first disconnect should not be fatal")
	}
	waitEvent(t, c, EventReconnected)
	waitEvent(t, c, EventSessionUpdated)

	if got := fp.conns.Load(); got != 2 {
		t.Errorf("connections = %d, want 2", got)
	}
	if !c.Connected() {
		t.Error("client should be connected after reconnect")
	}
}

func TestClientGivesUpWithoutBudget(t *testing.T) {
	fp := newFakeProvider(t, true)
	c, err := Dial(context.Background(), Options{URL: fp.url()}, testLogger())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()

	c.Configure(testSessionConfig())
	waitEvent(t, c, EventDisconnected)
	ev := waitEvent(t, c, EventDisconnected)
	if !ev.Fatal {
		t.Error("second disconnect should be fatal")
	}
	if err := c.AppendAudio([]byte{1}); !errors.Is(err, ErrNotConnected) {
		t.Errorf("AppendAudio after drop = %v, want ErrNotConnected", err)
	}
}

func TestClientClose(t *testing.T) {
	fp := newFakeProvider(t, false)
	c, err := Dial(context.Background(), Options{URL: fp.url()}, testLogger())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Logf("Close: %v", err)
	}
	c.Close()

	if err := c.AppendAudio([]byte{1}); !errors.Is(err, ErrClosed) {
		t.Errorf("AppendAudio after close = %v, want ErrClosed", err)
	}
	for range c.Events() {
	}
}

func TestDialFailure(t *testing.T) {
	_, err := Dial(context.Background(), Options{URL: "ws://127.0.0.1:1/v1/realtime", DialTimeout: 200 * time.Millisecond}, testLogger())
	if err == nil {
		t.Fatal("expected dial error")
	}
}
