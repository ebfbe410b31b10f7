package bridge

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// maxCalibrationSamples caps memory for the calibration window. At one
// sample per 20ms frame this covers 20 seconds.
const maxCalibrationSamples = 1000

// VADCalibration is the outcome of the calibration window at the start of
// the conversation. It is computed once and never changes afterwards.
type VADCalibration struct {
	NoiseFloorDBFS        float64   `json:"noise_floor_dbfs"`
	ThresholdDBFS         float64   `json:"threshold_dbfs"`
	SpeechStarts          int       `json:"speech_starts"`
	Samples               int       `json:"samples"`
	WindowStart           time.Time `json:"window_start"`
	WindowEnd             time.Time `json:"window_end"`
	SuspectedFalseTrigger bool      `json:"suspected_false_trigger"`
	// Defaulted is set when too few quiet frames were observed and the
	// configured default noise floor was used.
	Defaulted bool `json:"defaulted"`
}

// Calibrator estimates the line noise floor from inbound frames observed
// while the agent is silent, and counts provider speech starts inside the
// window. Observe runs on the ingress goroutine; everything else on the
// control goroutine.
type Calibrator struct {
	window       time.Duration
	percentile   float64
	margin       float64
	minThreshold float64
	maxThreshold float64
	defaultFloor float64
	maxStarts    int

	mu       sync.Mutex
	started  bool
	finished bool
	start    time.Time
	samples  []float64
	starts   int
	result   VADCalibration

	threshold atomicFloat
	ready     atomic.Bool
}

// NewCalibrator builds a calibrator from the session tuning.
func NewCalibrator(t Tuning) *Calibrator {
	c := &Calibrator{
		window:       t.CalibrationWindow,
		percentile:   t.CalibrationPercentile,
		margin:       t.CalibrationMarginDB,
		minThreshold: t.ThresholdMinDBFS,
		maxThreshold: t.ThresholdMaxDBFS,
		defaultFloor: t.DefaultNoiseFloorDBFS,
		maxStarts:    t.MaxCalibrationStarts,
		samples:      make([]float64, 0, 256),
	}
	return c
}

// Begin opens the window. Calls after the first are ignored.
func (c *Calibrator) Begin(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return
	}
	c.started = true
	c.start = now
}

// Active reports whether now falls inside an open window.
func (c *Calibrator) Active(now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.activeLocked(now)
}

func (c *Calibrator) activeLocked(now time.Time) bool {
	return c.started && !c.finished && now.Sub(c.start) < c.window
}

// Observe records the energy of an inbound frame. Frames heard while the
// agent speaks carry echo and are ignored.
func (c *Calibrator) Observe(now time.Time, energy float64, agentSpeaking bool) {
	if agentSpeaking {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.activeLocked(now) || len(c.samples) >= maxCalibrationSamples {
		return
	}
	c.samples = append(c.samples, energy)
}

// SpeechStarted counts a provider speech_started event if it falls inside
// the window.
func (c *Calibrator) SpeechStarted(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.activeLocked(now) {
		c.starts++
	}
}

// Due reports whether the window has elapsed without being finished.
func (c *Calibrator) Due(now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.started && !c.finished && now.Sub(c.start) >= c.window
}

// Finish closes the window and computes the calibration. It returns false
// if the window never opened. Later calls return the same result.
func (c *Calibrator) Finish(now time.Time) (VADCalibration, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.started {
		return VADCalibration{}, false
	}
	if c.finished {
		return c.result, true
	}
	c.finished = true

	floor := c.defaultFloor
	defaulted := true
	// Fewer than half a second of quiet frames is not enough to trust.
	if len(c.samples) >= 25 {
		floor = percentile(c.samples, c.percentile)
		defaulted = false
	}

	threshold := floor + c.margin
	if threshold < c.minThreshold {
		threshold = c.minThreshold
	}
	if threshold > c.maxThreshold {
		threshold = c.maxThreshold
	}

	c.result = VADCalibration{
		NoiseFloorDBFS:        floor,
		ThresholdDBFS:         threshold,
		SpeechStarts:          c.starts,
		Samples:               len(c.samples),
		WindowStart:           c.start,
		WindowEnd:             now,
		SuspectedFalseTrigger: c.starts > c.maxStarts,
		Defaulted:             defaulted,
	}
	c.samples = nil
	c.threshold.Store(threshold)
	c.ready.Store(true)
	return c.result, true
}

// Threshold returns the calibrated speech threshold once available.
func (c *Calibrator) Threshold() (float64, bool) {
	if !c.ready.Load() {
		return 0, false
	}
	return c.threshold.Load(), true
}

// Result returns the finished calibration, if any.
func (c *Calibrator) Result() (VADCalibration, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.result, c.finished
}

// percentile returns the p-th percentile of values using nearest rank on a
// sorted copy.
func percentile(values []float64, p float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)
	idx := int(p * float64(len(sorted)-1))
	return sorted[idx]
}

// energyWindow keeps recent inbound frame energies for the barge-in
// cross-check.
type energyWindow struct {
	mu     sync.Mutex
	values []float64
	times  []time.Time
	next   int
	span   time.Duration
}

func newEnergyWindow(span time.Duration) *energyWindow {
	n := int(span/(20*time.Millisecond)) + 1
	return &energyWindow{
		values: make([]float64, n),
		times:  make([]time.Time, n),
		span:   span,
	}
}

func (w *energyWindow) Add(now time.Time, energy float64) {
	w.mu.Lock()
	w.values[w.next] = energy
	w.times[w.next] = now
	w.next = (w.next + 1) % len(w.values)
	w.mu.Unlock()
}

// Max returns the loudest frame within the span before now, or false if
// none was seen.
func (w *energyWindow) Max(now time.Time) (float64, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	found := false
	loudest := 0.0
	for i, t := range w.times {
		if t.IsZero() || now.Sub(t) > w.span {
			continue
		}
		if !found || w.values[i] > loudest {
			loudest = w.values[i]
			found = true
		}
	}
	return loudest, found
}
