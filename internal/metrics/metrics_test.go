package metrics

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/flowpbx/voicebridge/internal/bridge"
	"github.com/flowpbx/voicebridge/internal/worker"
)

type fakeSessions struct{}

func (fakeSessions) Count() int { return 2 }
func (fakeSessions) CountByPhase() map[string]int {
	return map[string]int{"conversation": 1, "greeting": 1}
}
func (fakeSessions) Stats() bridge.ManagerStats {
	return bridge.ManagerStats{
		Started:        5,
		Finished:       3,
		FramesReceived: 900,
		FramesForward:  850,
		FramesDropped:  map[string]uint64{"echo_window": 50},
		BySource:       map[string]uint64{"realtime": 2, "offline_fallback": 1},
	}
}

type fakeQueue struct{}

func (fakeQueue) Stats() worker.Stats {
	return worker.Stats{Submitted: 10, Processed: 9, OfflineOK: 1, QueueDepth: 1, QueueCapacity: 256}
}

type fakeStored struct{ err error }

func (f fakeStored) CountBySource(ctx context.Context) (map[string]int64, error) {
	return map[string]int64{"realtime": 7}, f.err
}

type fakeSlots struct{}

func (fakeSlots) Active(ctx context.Context) (int, error) { return 3, nil }

func scrape(t *testing.T, c *Collector) string {
	t.Helper()
	srv := httptest.NewServer(Handler(c))
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("scrape error: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	return string(body)
}

func TestCollectorScrape(t *testing.T) {
	c := NewCollector(fakeSessions{}, fakeQueue{}, fakeStored{}, fakeSlots{}, time.Now().Add(-time.Minute))
	body := scrape(t, c)

	for _, want := range []string{
		"voicebridge_active_calls 2",
		`voicebridge_active_calls_by_phase{phase="conversation"} 1`,
		`voicebridge_sessions_total{outcome="started"} 5`,
		`voicebridge_frames_total{stage="forwarded"} 850`,
		`voicebridge_frames_dropped_total{reason="echo_window"} 50`,
		`voicebridge_transcripts_total{source="offline_fallback"} 1`,
		"voicebridge_persist_queue_depth 1",
		`voicebridge_persist_jobs_total{result="processed"} 9`,
		`voicebridge_stored_calls{source="realtime"} 7`,
		`voicebridge_stored_calls{source="failed"} 0`,
		"voicebridge_call_slots_held 3",
		"voicebridge_uptime_seconds",
		"go_goroutines",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("scrape missing %q", want)
		}
	}
}

func TestCollectorNilProviders(t *testing.T) {
	c := NewCollector(nil, nil, nil, nil, time.Now())

	reg := prometheus.NewRegistry()
	reg.MustRegister(c)
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather() error: %v", err)
	}
	if len(families) != 1 || families[0].GetName() != "voicebridge_uptime_seconds" {
		t.Errorf("expected only uptime, got %d families", len(families))
	}
}

func TestCollectorStoreError(t *testing.T) {
	c := NewCollector(nil, nil, fakeStored{err: errors.New("db down")}, nil, time.Now())
	body := scrape(t, c)
	if strings.Contains(body, "voicebridge_stored_calls") {
		t.Error("stored calls reported despite query error")
	}
}
