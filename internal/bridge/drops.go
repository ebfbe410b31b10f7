package bridge

import (
	"fmt"
	"sync/atomic"
)

// DropReason tags why an inbound frame was not forwarded to the provider.
type DropReason uint8

const (
	DropGreetingLock DropReason = iota
	DropEchoGate
	DropEchoDecay
	DropNoiseGate
	DropQueueFull
	DropNotReady
	DropOther

	numDropReasons
)

var dropReasonNames = [numDropReasons]string{
	DropGreetingLock: "greeting_lock",
	DropEchoGate:     "echo_gate",
	DropEchoDecay:    "echo_decay",
	DropNoiseGate:    "noise_gate",
	DropQueueFull:    "queue_full",
	DropNotReady:     "not_ready",
	DropOther:        "other",
}

func (r DropReason) String() string {
	if r < numDropReasons {
		return dropReasonNames[r]
	}
	return fmt.Sprintf("drop_reason(%d)", uint8(r))
}

// DropReasons returns every reason in declaration order.
func DropReasons() []DropReason {
	out := make([]DropReason, numDropReasons)
	for i := range out {
		out[i] = DropReason(i)
	}
	return out
}

// FrameCounters tracks the fate of every inbound frame. Every frame that is
// counted as received must later be counted exactly once as forwarded or
// dropped.
type FrameCounters struct {
	received  atomic.Uint64
	forwarded atomic.Uint64
	dropped   atomic.Uint64
	byReason  [numDropReasons]atomic.Uint64
}

func (c *FrameCounters) Received()  { c.received.Add(1) }
func (c *FrameCounters) Forwarded() { c.forwarded.Add(1) }

// Drop records a dropped frame under reason. Unknown reasons count as other.
func (c *FrameCounters) Drop(reason DropReason) {
	if reason >= numDropReasons {
		reason = DropOther
	}
	c.byReason[reason].Add(1)
	c.dropped.Add(1)
}

// FrameStats is a point-in-time copy of FrameCounters.
type FrameStats struct {
	Received     uint64            `json:"received"`
	Forwarded    uint64            `json:"forwarded"`
	DroppedTotal uint64            `json:"dropped_total"`
	ByReason     map[string]uint64 `json:"by_reason"`
}

// Snapshot copies the counters. It is only exact once the loops touching
// the counters have stopped.
func (c *FrameCounters) Snapshot() FrameStats {
	s := FrameStats{
		Received:     c.received.Load(),
		Forwarded:    c.forwarded.Load(),
		DroppedTotal: c.dropped.Load(),
		ByReason:     make(map[string]uint64, numDropReasons),
	}
	for i := range c.byReason {
		s.ByReason[DropReason(i).String()] = c.byReason[i].Load()
	}
	return s
}

// Dropped returns the count for one reason.
func (s FrameStats) Dropped(reason DropReason) uint64 {
	return s.ByReason[reason.String()]
}

// AccountingError reports a violation of the frame conservation rules.
type AccountingError struct {
	Stats     FrameStats
	ReasonSum uint64
}

func (e *AccountingError) Error() string {
	return fmt.Sprintf("frame accounting mismatch: received=%d forwarded=%d dropped_total=%d reason_sum=%d",
		e.Stats.Received, e.Stats.Forwarded, e.Stats.DroppedTotal, e.ReasonSum)
}

// Verify checks received == forwarded + dropped_total and that
// dropped_total equals the per-reason sum.
func (s FrameStats) Verify() error {
	var sum uint64
	for _, n := range s.ByReason {
		sum += n
	}
	if s.Received != s.Forwarded+s.DroppedTotal || s.DroppedTotal != sum {
		return &AccountingError{Stats: s, ReasonSum: sum}
	}
	return nil
}
