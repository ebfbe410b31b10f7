package metrics

import (
	"context"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/flowpbx/voicebridge/internal/bridge"
	"github.com/flowpbx/voicebridge/internal/worker"
)

// SessionProvider exposes live and cumulative session figures.
type SessionProvider interface {
	Count() int
	CountByPhase() map[string]int
	Stats() bridge.ManagerStats
}

// QueueProvider exposes the persistence worker pool's counters.
type QueueProvider interface {
	Stats() worker.Stats
}

// SourceCounter returns stored calls grouped by transcript source.
type SourceCounter interface {
	CountBySource(ctx context.Context) (map[string]int64, error)
}

// SlotCounter returns the number of held concurrency slots.
type SlotCounter interface {
	Active(ctx context.Context) (int, error)
}

// Collector is a prometheus.Collector that gathers voicebridge metrics at
// scrape time.
type Collector struct {
	sessions  SessionProvider
	queue     QueueProvider
	stored    SourceCounter
	slots     SlotCounter
	startTime time.Time

	activeCallsDesc   *prometheus.Desc
	phaseDesc         *prometheus.Desc
	sessionsDesc      *prometheus.Desc
	bargeInsDesc      *prometheus.Desc
	framesDesc        *prometheus.Desc
	framesDroppedDesc *prometheus.Desc
	accountingDesc    *prometheus.Desc
	transcriptsDesc   *prometheus.Desc
	queueDepthDesc    *prometheus.Desc
	queueJobsDesc     *prometheus.Desc
	offlineDesc       *prometheus.Desc
	storedCallsDesc   *prometheus.Desc
	slotsDesc         *prometheus.Desc
	uptimeDesc        *prometheus.Desc
}

// NewCollector creates a new metrics collector. Any provider may be nil if unavailable.
func NewCollector(sessions SessionProvider, queue QueueProvider, stored SourceCounter, slots SlotCounter, startTime time.Time) *Collector {
	return &Collector{
		sessions:  sessions,
		queue:     queue,
		stored:    stored,
		slots:     slots,
		startTime: startTime,

		activeCallsDesc: prometheus.NewDesc(
			"voicebridge_active_calls",
			"Number of calls with a live media stream",
			nil, nil,
		),
		phaseDesc: prometheus.NewDesc(
			"voicebridge_active_calls_by_phase",
			"Live calls grouped by session phase",
			[]string{"phase"}, nil,
		),
		sessionsDesc: prometheus.NewDesc(
			"voicebridge_sessions_total",
			"Sessions by outcome: started, rejected, finished, failed",
			[]string{"outcome"}, nil,
		),
		bargeInsDesc: prometheus.NewDesc(
			"voicebridge_barge_ins_total",
			"Caller interruptions of agent speech across finished calls",
			nil, nil,
		),
		framesDesc: prometheus.NewDesc(
			"voicebridge_frames_total",
			"Caller audio frames across finished calls, by stage",
			[]string{"stage"}, nil,
		),
		framesDroppedDesc: prometheus.NewDesc(
			"voicebridge_frames_dropped_total",
			"Caller audio frames withheld from the provider, by reason",
			[]string{"reason"}, nil,
		),
		accountingDesc: prometheus.NewDesc(
			"voicebridge_frame_accounting_mismatches_total",
			"Finished calls whose frame counters did not balance",
			nil, nil,
		),
		transcriptsDesc: prometheus.NewDesc(
			"voicebridge_transcripts_total",
			"Finished calls by transcript source since process start",
			[]string{"source"}, nil,
		),
		queueDepthDesc: prometheus.NewDesc(
			"voicebridge_persist_queue_depth",
			"Jobs waiting in the persistence queue",
			nil, nil,
		),
		queueJobsDesc: prometheus.NewDesc(
			"voicebridge_persist_jobs_total",
			"Persistence jobs by result: submitted, rejected, processed, failed",
			[]string{"result"}, nil,
		),
		offlineDesc: prometheus.NewDesc(
			"voicebridge_offline_transcriptions_total",
			"Offline fallback transcriptions by result",
			[]string{"result"}, nil,
		),
		storedCallsDesc: prometheus.NewDesc(
			"voicebridge_stored_calls",
			"Calls in the database by transcript source",
			[]string{"source"}, nil,
		),
		slotsDesc: prometheus.NewDesc(
			"voicebridge_call_slots_held",
			"Concurrency slots currently held, including calls still ringing",
			nil, nil,
		),
		uptimeDesc: prometheus.NewDesc(
			"voicebridge_uptime_seconds",
			"Seconds since the voicebridge process started",
			nil, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.activeCallsDesc
	ch <- c.phaseDesc
	ch <- c.sessionsDesc
	ch <- c.bargeInsDesc
	ch <- c.framesDesc
	ch <- c.framesDroppedDesc
	ch <- c.accountingDesc
	ch <- c.transcriptsDesc
	ch <- c.queueDepthDesc
	ch <- c.queueJobsDesc
	ch <- c.offlineDesc
	ch <- c.storedCallsDesc
	ch <- c.slotsDesc
	ch <- c.uptimeDesc
}

// Collect implements prometheus.Collector. It queries all providers at scrape time.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	gauge := func(desc *prometheus.Desc, v float64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(desc, prometheus.GaugeValue, v, labels...)
	}
	counter := func(desc *prometheus.Desc, v uint64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(desc, prometheus.CounterValue, float64(v), labels...)
	}

	if c.sessions != nil {
		gauge(c.activeCallsDesc, float64(c.sessions.Count()))
		for phase, n := range c.sessions.CountByPhase() {
			gauge(c.phaseDesc, float64(n), phase)
		}

		st := c.sessions.Stats()
		counter(c.sessionsDesc, st.Started, "started")
		counter(c.sessionsDesc, st.Rejected, "rejected")
		counter(c.sessionsDesc, st.Finished, "finished")
		counter(c.sessionsDesc, st.Failed, "failed")
		counter(c.bargeInsDesc, st.BargeIns)
		counter(c.framesDesc, st.FramesReceived, "received")
		counter(c.framesDesc, st.FramesForward, "forwarded")
		for _, reason := range sortedKeys(st.FramesDropped) {
			counter(c.framesDroppedDesc, st.FramesDropped[reason], reason)
		}
		counter(c.accountingDesc, st.AccountingBad)
		for _, src := range sortedKeys(st.BySource) {
			counter(c.transcriptsDesc, st.BySource[src], src)
		}
	}

	if c.queue != nil {
		st := c.queue.Stats()
		gauge(c.queueDepthDesc, float64(st.QueueDepth))
		counter(c.queueJobsDesc, st.Submitted, "submitted")
		counter(c.queueJobsDesc, st.Rejected, "rejected")
		counter(c.queueJobsDesc, st.Processed, "processed")
		counter(c.queueJobsDesc, st.Failed, "failed")
		counter(c.offlineDesc, st.OfflineOK, "ok")
		counter(c.offlineDesc, st.OfflineFailed, "failed")
	}

	if c.stored != nil {
		counts, err := c.stored.CountBySource(ctx)
		if err != nil {
			slog.Error("metrics: failed to count calls by source", "error", err)
		} else {
			for _, src := range []string{"realtime", "offline_fallback", "failed"} {
				gauge(c.storedCallsDesc, float64(counts[src]), src)
			}
		}
	}

	if c.slots != nil {
		n, err := c.slots.Active(ctx)
		if err != nil {
			slog.Error("metrics: failed to read call slots", "error", err)
		} else {
			gauge(c.slotsDesc, float64(n))
		}
	}

	gauge(c.uptimeDesc, time.Since(c.startTime).Seconds())
}

func sortedKeys(m map[string]uint64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Handler registers the collector with Go runtime and process collectors
// on a private registry and returns its scrape handler.
func Handler(c *Collector) http.Handler {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		c,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
