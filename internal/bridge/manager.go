package bridge

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
)

// EndHook runs after a session has been finalized, e.g. to release a
// concurrency slot.
type EndHook func(rec *FinalizationRecord)

// ManagerStats are cumulative totals across finished sessions.
type ManagerStats struct {
	Started        uint64
	Rejected       uint64
	Finished       uint64
	Failed         uint64
	BargeIns       uint64
	FramesReceived uint64
	FramesForward  uint64
	FramesDropped  map[string]uint64
	AccountingBad  uint64
	BySource       map[string]uint64
}

// Manager tracks active sessions and aggregates finished ones.
type Manager struct {
	tuning Tuning
	deps   Deps
	logger *slog.Logger
	onEnd  EndHook

	mu       sync.RWMutex
	sessions map[string]*Session // keyed by session ID

	started  atomic.Uint64
	rejected atomic.Uint64

	statsMu  sync.Mutex
	finished uint64
	failed   uint64
	bargeIns uint64
	received uint64
	forward  uint64
	dropped  map[string]uint64
	badAcct  uint64
	bySource map[string]uint64
}

// NewManager creates a manager that builds every session from the same
// tuning and collaborators.
func NewManager(tuning Tuning, deps Deps, logger *slog.Logger) *Manager {
	return &Manager{
		tuning:   tuning,
		deps:     deps,
		logger:   logger.With("subsystem", "sessions"),
		sessions: make(map[string]*Session),
		dropped:  make(map[string]uint64),
		bySource: make(map[string]uint64),
	}
}

// OnEnd registers a hook run after each finalized session.
func (m *Manager) OnEnd(hook EndHook) {
	m.onEnd = hook
}

// Tuning returns the tuning sessions are created with.
func (m *Manager) Tuning() Tuning {
	return m.tuning
}

// Serve runs a session on conn until the call ends. It blocks.
func (m *Manager) Serve(ctx context.Context, conn CarrierStream) (*FinalizationRecord, error) {
	s := NewSession(conn, m.tuning, m.deps, m.logger)

	m.mu.Lock()
	m.sessions[s.ID] = s
	m.mu.Unlock()
	m.started.Add(1)

	defer func() {
		m.mu.Lock()
		delete(m.sessions, s.ID)
		m.mu.Unlock()
	}()

	rec, err := s.Run(ctx)
	if err != nil {
		m.rejected.Add(1)
		m.logger.Warn("stream rejected", "session_id", s.ID, "error", err)
		return nil, err
	}

	m.record(rec)
	if m.onEnd != nil {
		m.onEnd(rec)
	}
	return rec, nil
}

func (m *Manager) record(rec *FinalizationRecord) {
	m.statsMu.Lock()
	defer m.statsMu.Unlock()

	m.finished++
	if rec.Phase == PhaseError {
		m.failed++
	}
	m.bargeIns += uint64(rec.BargeIns)
	m.received += rec.Frames.Received
	m.forward += rec.Frames.Forwarded
	for reason, n := range rec.Frames.ByReason {
		m.dropped[reason] += n
	}
	if !rec.AccountingOK {
		m.badAcct++
	}
	m.bySource[string(rec.TranscriptSource)]++
}

// Get returns an active session by ID.
func (m *Manager) Get(id string) *Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sessions[id]
}

// ByCallSID returns the active session serving a carrier call.
func (m *Manager) ByCallSID(callSID string) *Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, s := range m.sessions {
		if s.CallSID() == callSID {
			return s
		}
	}
	return nil
}

// Active returns summaries of all active sessions, oldest first.
func (m *Manager) Active() []SessionInfo {
	m.mu.RLock()
	infos := make([]SessionInfo, 0, len(m.sessions))
	for _, s := range m.sessions {
		infos = append(infos, s.Info())
	}
	m.mu.RUnlock()

	sort.Slice(infos, func(i, j int) bool {
		return infos[i].StartedAt.Before(infos[j].StartedAt)
	})
	return infos
}

// Count returns the number of active sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// CountByPhase returns active sessions grouped by phase name.
func (m *Manager) CountByPhase() map[string]int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	counts := make(map[string]int)
	for _, s := range m.sessions {
		counts[s.Phase().String()]++
	}
	return counts
}

// Stats returns cumulative totals.
func (m *Manager) Stats() ManagerStats {
	m.statsMu.Lock()
	defer m.statsMu.Unlock()

	dropped := make(map[string]uint64, len(m.dropped))
	for k, v := range m.dropped {
		dropped[k] = v
	}
	bySource := make(map[string]uint64, len(m.bySource))
	for k, v := range m.bySource {
		bySource[k] = v
	}
	return ManagerStats{
		Started:        m.started.Load(),
		Rejected:       m.rejected.Load(),
		Finished:       m.finished,
		Failed:         m.failed,
		BargeIns:       m.bargeIns,
		FramesReceived: m.received,
		FramesForward:  m.forward,
		FramesDropped:  dropped,
		AccountingBad:  m.badAcct,
		BySource:       bySource,
	}
}
