package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/flowpbx/voicebridge/internal/bridge"
	"github.com/flowpbx/voicebridge/internal/callgate"
	"github.com/flowpbx/voicebridge/internal/carrier"
	"github.com/flowpbx/voicebridge/internal/config"
	"github.com/flowpbx/voicebridge/internal/database"
	"github.com/flowpbx/voicebridge/internal/database/models"
	"github.com/flowpbx/voicebridge/internal/dialer"
)

const testAPIKey = "test-key"

type fakeSessions struct {
	active []bridge.SessionInfo
}

func (f *fakeSessions) Serve(ctx context.Context, conn bridge.CarrierStream) (*bridge.FinalizationRecord, error) {
	conn.Close()
	return nil, errors.New("not serving in tests")
}
func (f *fakeSessions) Active() []bridge.SessionInfo { return f.active }
func (f *fakeSessions) Count() int                   { return len(f.active) }
func (f *fakeSessions) Stats() bridge.ManagerStats {
	return bridge.ManagerStats{Started: 3, Finished: 2}
}

type fakeDialer struct {
	mu      sync.Mutex
	reqs    []dialer.Request
	ended   []string
	dialErr error
	next    int
}

func (f *fakeDialer) Dial(ctx context.Context, req dialer.Request) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.dialErr != nil {
		return "", f.dialErr
	}
	f.reqs = append(f.reqs, req)
	f.next++
	return "CA" + strings.Repeat("0", 31) + string(rune('0'+f.next)), nil
}

func (f *fakeDialer) EndCall(ctx context.Context, callSID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ended = append(f.ended, callSID)
	return nil
}

type testEnv struct {
	srv      *Server
	db       *database.DB
	gate     *callgate.Memory
	dialer   *fakeDialer
	sessions *fakeSessions
}

func newTestEnv(t *testing.T, maxCalls int) *testEnv {
	t.Helper()
	db, err := database.Open(t.TempDir())
	if err != nil {
		t.Fatalf("database.Open() error: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	cfg := &config.Config{
		PublicURL:      "https://bridge.example.com",
		APIKey:         testAPIKey,
		JWTSecret:      strings.Repeat("ab", 32),
		DialsPerMinute: 600,
	}
	env := &testEnv{
		db:       db,
		gate:     callgate.NewMemory(maxCalls, time.Hour),
		dialer:   &fakeDialer{},
		sessions: &fakeSessions{},
	}
	srv, err := NewServer(Deps{
		Config:   cfg,
		Store:    db,
		Sessions: env.sessions,
		Dialer:   env.dialer,
		Gate:     env.gate,
		Metrics: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			io.WriteString(w, "# metrics\n")
		}),
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("NewServer() error: %v", err)
	}
	t.Cleanup(srv.Close)
	env.srv = srv
	return env
}

func (e *testEnv) do(method, path string, body any) *httptest.ResponseRecorder {
	var r io.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		r = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, r)
	req.Header.Set("Authorization", "Bearer "+testAPIKey)
	rr := httptest.NewRecorder()
	e.srv.ServeHTTP(rr, req)
	return rr
}

func (e *testEnv) form(path string, form url.Values) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rr := httptest.NewRecorder()
	e.srv.ServeHTTP(rr, req)
	return rr
}

func decodeData(t *testing.T, rr *httptest.ResponseRecorder, dst any) {
	t.Helper()
	var env struct {
		Data  json.RawMessage `json:"data"`
		Error string          `json:"error"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &env); err != nil {
		t.Fatalf("decoding response %q: %v", rr.Body.String(), err)
	}
	if err := json.Unmarshal(env.Data, dst); err != nil {
		t.Fatalf("decoding data %s: %v", env.Data, err)
	}
}

func activeSlots(t *testing.T, g callgate.Gate) int {
	t.Helper()
	n, err := g.Active(context.Background())
	if err != nil {
		t.Fatalf("Active() error: %v", err)
	}
	return n
}

func TestHealthUnauthenticated(t *testing.T) {
	env := newTestEnv(t, 5)

	rr := httptest.NewRecorder()
	env.srv.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/v1/health", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if rr.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Error("security headers not applied")
	}
}

func TestCallsRequireAPIKey(t *testing.T) {
	env := newTestEnv(t, 5)

	for _, path := range []string{"/api/v1/calls", "/api/v1/stats", "/metrics"} {
		rr := httptest.NewRecorder()
		env.srv.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, path, nil))
		if rr.Code != http.StatusUnauthorized {
			t.Errorf("%s: expected 401, got %d", path, rr.Code)
		}
	}
	if rr := env.do(http.MethodGet, "/metrics", nil); rr.Code != http.StatusOK {
		t.Errorf("/metrics with key: expected 200, got %d", rr.Code)
	}
}

func TestCreateCall(t *testing.T) {
	env := newTestEnv(t, 5)

	rr := env.do(http.MethodPost, "/api/v1/calls", map[string]string{
		"to":          "+15551112222",
		"lead_id":     "L1",
		"business_id": "B1",
		"goal":        "appointment",
	})
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rr.Code, rr.Body.String())
	}
	var resp createCallResponse
	decodeData(t, rr, &resp)
	if resp.CallSID == "" || resp.Goal != "appointment" {
		t.Errorf("response = %+v", resp)
	}

	if len(env.dialer.reqs) != 1 {
		t.Fatalf("dial requests = %d, want 1", len(env.dialer.reqs))
	}
	req := env.dialer.reqs[0]
	if req.To != "+15551112222" || req.LeadID != "L1" || req.Token == "" {
		t.Errorf("dial request = %+v", req)
	}

	// The issued token authorizes exactly the stream the call opens.
	start := &carrier.Start{CustomParameters: map[string]string{
		"direction": "outbound", "to": "+15551112222", "lead_id": "L1", "business_id": "B1", "token": req.Token,
	}}
	if err := env.srv.AuthorizeStream(start); err != nil {
		t.Errorf("AuthorizeStream() error: %v", err)
	}
	start.CustomParameters["business_id"] = "B2"
	if err := env.srv.AuthorizeStream(start); err == nil {
		t.Error("AuthorizeStream accepted a token for another business")
	}
	start.CustomParameters["business_id"] = "B1"
	start.CustomParameters["lead_id"] = "L2"
	if err := env.srv.AuthorizeStream(start); err == nil {
		t.Error("AuthorizeStream accepted a token for another lead")
	}

	if n := activeSlots(t, env.gate); n != 1 {
		t.Errorf("active slots = %d, want 1", n)
	}

	// Session end releases the slot, and a second release is harmless.
	env.srv.OnSessionEnd(&bridge.FinalizationRecord{CallSID: resp.CallSID})
	env.srv.ReleaseCall(resp.CallSID)
	if n := activeSlots(t, env.gate); n != 0 {
		t.Errorf("active slots after end = %d, want 0", n)
	}
}

func TestCreateCallBusyDestination(t *testing.T) {
	env := newTestEnv(t, 5)

	body := map[string]string{"to": "+15551112222"}
	if rr := env.do(http.MethodPost, "/api/v1/calls", body); rr.Code != http.StatusCreated {
		t.Fatalf("first call: expected 201, got %d", rr.Code)
	}
	if rr := env.do(http.MethodPost, "/api/v1/calls", body); rr.Code != http.StatusConflict {
		t.Fatalf("second call: expected 409, got %d", rr.Code)
	}
}

func TestCreateCallAtCapacity(t *testing.T) {
	env := newTestEnv(t, 1)

	env.do(http.MethodPost, "/api/v1/calls", map[string]string{"to": "+15551112222"})
	rr := env.do(http.MethodPost, "/api/v1/calls", map[string]string{"to": "+15553334444"})
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rr.Code)
	}
	if rr.Header().Get("Retry-After") == "" {
		t.Error("expected Retry-After header")
	}
}

func TestCreateCallDialFailureReleasesSlot(t *testing.T) {
	env := newTestEnv(t, 5)
	env.dialer.dialErr = errors.New("carrier says no")

	rr := env.do(http.MethodPost, "/api/v1/calls", map[string]string{"to": "+15551112222"})
	if rr.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", rr.Code)
	}
	if n := activeSlots(t, env.gate); n != 0 {
		t.Errorf("active slots = %d, want 0", n)
	}
}

func TestCreateCallValidation(t *testing.T) {
	env := newTestEnv(t, 5)

	tests := []struct {
		name string
		body any
	}{
		{"missing to", map[string]string{}},
		{"bad number", map[string]string{"to": "5551112222"}},
		{"bad goal", map[string]string{"to": "+15551112222", "goal": "sell"}},
		{"unknown field", map[string]string{"to": "+15551112222", "color": "red"}},
		{"control chars", map[string]string{"to": "+15551112222", "lead_id": "L\x01"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if rr := env.do(http.MethodPost, "/api/v1/calls", tt.body); rr.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d: %s", rr.Code, rr.Body.String())
			}
		})
	}
	if len(env.dialer.reqs) != 0 {
		t.Errorf("dialed %d times on invalid input", len(env.dialer.reqs))
	}
}

func TestStatusCallbackReleasesSlot(t *testing.T) {
	env := newTestEnv(t, 5)

	rr := env.do(http.MethodPost, "/api/v1/calls", map[string]string{"to": "+15551112222"})
	var resp createCallResponse
	decodeData(t, rr, &resp)

	rr = env.form("/twilio/status", url.Values{"CallSid": {resp.CallSID}, "CallStatus": {"ringing"}})
	if rr.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rr.Code)
	}
	if n := activeSlots(t, env.gate); n != 1 {
		t.Fatalf("non-terminal status released the slot")
	}

	env.form("/twilio/status", url.Values{"CallSid": {resp.CallSID}, "CallStatus": {"no-answer"}})
	if n := activeSlots(t, env.gate); n != 0 {
		t.Fatalf("active slots = %d, want 0", n)
	}
}

func TestInboundVoice(t *testing.T) {
	env := newTestEnv(t, 1)

	rr := env.form("/twilio/voice?business_id=B1", url.Values{
		"CallSid": {"CAin1"}, "From": {"+15550001111"}, "To": {"+15559990000"},
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	body := rr.Body.String()
	for _, want := range []string{"<Connect>", "wss://bridge.example.com/media-stream", `name="token"`, `value="B1"`} {
		if !strings.Contains(body, want) {
			t.Errorf("twiml missing %q: %s", want, body)
		}
	}

	// The single slot is taken; the next caller is turned away politely.
	rr = env.form("/twilio/voice", url.Values{
		"CallSid": {"CAin2"}, "From": {"+15550002222"}, "To": {"+15559990000"},
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "<Say") || !strings.Contains(rr.Body.String(), "<Hangup") {
		t.Errorf("expected busy twiml, got %s", rr.Body.String())
	}

	env.form("/twilio/status", url.Values{"CallSid": {"CAin1"}, "CallStatus": {"completed"}})
	if n := activeSlots(t, env.gate); n != 0 {
		t.Errorf("active slots = %d, want 0", n)
	}
}

func TestListAndGetCalls(t *testing.T) {
	env := newTestEnv(t, 5)
	ctx := context.Background()

	now := time.Now().Truncate(time.Second)
	for i, sid := range []string{"CA1", "CA2"} {
		call := &models.Call{
			ID:               "sess-" + sid,
			CallSID:          sid,
			Direction:        "outbound",
			Goal:             "lead_only",
			TranscriptSource: "realtime",
			Captured:         `{"name":"Ann"}`,
			StartedAt:        now.Add(time.Duration(i) * time.Minute),
			EndedAt:          now.Add(time.Duration(i)*time.Minute + 30*time.Second),
		}
		if err := env.db.Calls().Upsert(ctx, call); err != nil {
			t.Fatalf("Upsert() error: %v", err)
		}
	}
	env.db.Turns().Append(ctx, &models.Turn{CallSID: "CA1", Seq: 0, Role: "agent", Text: "hello", StartedAt: now, EndedAt: now})

	rr := env.do(http.MethodGet, "/api/v1/calls?limit=1", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var page struct {
		Items []callResponse `json:"items"`
		Total int            `json:"total"`
	}
	decodeData(t, rr, &page)
	if page.Total != 2 || len(page.Items) != 1 || page.Items[0].CallSID != "CA2" {
		t.Errorf("page = %+v", page)
	}

	if rr := env.do(http.MethodGet, "/api/v1/calls?source=bogus", nil); rr.Code != http.StatusBadRequest {
		t.Errorf("bad source filter: expected 400, got %d", rr.Code)
	}

	rr = env.do(http.MethodGet, "/api/v1/calls/CA1", nil)
	var call callResponse
	decodeData(t, rr, &call)
	if string(call.Captured) != `{"name":"Ann"}` {
		t.Errorf("captured = %s", call.Captured)
	}

	rr = env.do(http.MethodGet, "/api/v1/calls/CA1/turns", nil)
	var turns []turnResponse
	decodeData(t, rr, &turns)
	if len(turns) != 1 || turns[0].Text != "hello" {
		t.Errorf("turns = %+v", turns)
	}

	if rr := env.do(http.MethodGet, "/api/v1/calls/CA404", nil); rr.Code != http.StatusNotFound {
		t.Errorf("missing call: expected 404, got %d", rr.Code)
	}
}

func TestGetCallFallsBackToActiveSession(t *testing.T) {
	env := newTestEnv(t, 5)
	env.sessions.active = []bridge.SessionInfo{{ID: "s1", CallSID: "CAlive", Phase: "conversation"}}

	rr := env.do(http.MethodGet, "/api/v1/calls/CAlive", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var info bridge.SessionInfo
	decodeData(t, rr, &info)
	if info.Phase != "conversation" {
		t.Errorf("info = %+v", info)
	}

	rr = env.do(http.MethodGet, "/api/v1/calls/active", nil)
	var active []bridge.SessionInfo
	decodeData(t, rr, &active)
	if len(active) != 1 {
		t.Errorf("active = %d, want 1", len(active))
	}
}

func TestHangup(t *testing.T) {
	env := newTestEnv(t, 5)

	rr := env.do(http.MethodPost, "/api/v1/calls/CAlive/hangup", nil)
	if rr.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", rr.Code)
	}
	if len(env.dialer.ended) != 1 || env.dialer.ended[0] != "CAlive" {
		t.Errorf("ended = %v", env.dialer.ended)
	}
}

func TestStats(t *testing.T) {
	env := newTestEnv(t, 5)
	env.do(http.MethodPost, "/api/v1/calls", map[string]string{"to": "+15551112222"})

	rr := env.do(http.MethodGet, "/api/v1/stats", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var stats statsResponse
	decodeData(t, rr, &stats)
	if stats.HeldSlots != 1 || stats.GateActive != 1 || stats.Sessions.Started != 3 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestNewServerRequiresDeps(t *testing.T) {
	if _, err := NewServer(Deps{}); err == nil {
		t.Fatal("expected error for missing dependencies")
	}
}
