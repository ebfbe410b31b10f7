package bridge

import (
	"math"
	"sync/atomic"
	"time"
)

// gateInput is everything the gate chain looks at for one frame.
type gateInput struct {
	ready          bool
	greetingLocked bool
	musicMode      bool
	agentSpeaking  bool
	inEchoDecay    bool
	noiseGate      bool

	energy         float64
	echoThreshold  float64
	noiseThreshold float64
}

// evaluateGates runs the ingress gate chain in order and returns the first
// reason to drop, if any. Queue-full is applied afterwards by the caller at
// the actual hand-off.
func evaluateGates(in gateInput) (DropReason, bool) {
	if !in.ready {
		return DropNotReady, true
	}
	if in.greetingLocked {
		return DropGreetingLock, true
	}
	if in.musicMode {
		return 0, false
	}
	if in.agentSpeaking {
		if in.energy < in.echoThreshold {
			return DropEchoGate, true
		}
		return 0, false
	}
	if in.inEchoDecay {
		if in.energy < in.echoThreshold {
			return DropEchoDecay, true
		}
		return 0, false
	}
	if in.noiseGate && in.energy < in.noiseThreshold {
		return DropNoiseGate, true
	}
	return 0, false
}

// GreetingLock suppresses inbound audio and provider speech events while
// the opening line plays. It lifts on Release or when the deadline passes,
// whichever comes first.
type GreetingLock struct {
	active   atomic.Bool
	deadline atomic.Int64
}

// Engage arms the lock until the given deadline.
func (g *GreetingLock) Engage(until time.Time) {
	g.deadline.Store(until.UnixNano())
	g.active.Store(true)
}

// Release lifts the lock early. It reports whether the lock was still in
// force.
func (g *GreetingLock) Release(now time.Time) bool {
	was := g.Locked(now)
	g.active.Store(false)
	return was
}

// Locked reports whether the lock applies at now.
func (g *GreetingLock) Locked(now time.Time) bool {
	return g.active.Load() && now.UnixNano() < g.deadline.Load()
}

// atomicFloat stores a float64 for lock-free reads from the ingress loop.
type atomicFloat struct {
	bits atomic.Uint64
}

func (f *atomicFloat) Load() float64   { return math.Float64frombits(f.bits.Load()) }
func (f *atomicFloat) Store(v float64) { f.bits.Store(math.Float64bits(v)) }
