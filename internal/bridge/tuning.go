package bridge

import (
	"errors"
	"fmt"
	"time"
)

// Gating modes.
const (
	// ModeSimple never hard-disconnects on silence; it only nudges.
	ModeSimple = "simple"
	// ModeFull enables the noise gate and silence-driven call ending.
	ModeFull = "full"
)

// Tuning holds the operational thresholds for a session. It is built once
// at startup and shared read-only by every session.
type Tuning struct {
	Mode      string `env:"MODE" envDefault:"simple"`
	MusicMode bool   `env:"MUSIC_MODE" envDefault:"false"`

	// Provider session.
	Voice              string        `env:"VOICE" envDefault:"alloy"`
	Language           string        `env:"LANGUAGE" envDefault:"en"`
	TranscriptionModel string        `env:"TRANSCRIPTION_MODEL" envDefault:"whisper-1"`
	TurnDetection      string        `env:"TURN_DETECTION" envDefault:"server_vad"`
	VADThreshold       float64       `env:"VAD_THRESHOLD" envDefault:"0.5"`
	VADPrefixPadding   time.Duration `env:"VAD_PREFIX_PADDING" envDefault:"300ms"`
	VADSilence         time.Duration `env:"VAD_SILENCE" envDefault:"500ms"`
	Temperature        float64       `env:"TEMPERATURE" envDefault:"0.8"`
	ConfigAckTimeout   time.Duration `env:"CONFIG_ACK_TIMEOUT" envDefault:"5s"`

	// Greeting lock.
	GreetingMaxDuration  time.Duration `env:"GREETING_MAX_DURATION" envDefault:"8s"`
	InboundProtectWindow time.Duration `env:"INBOUND_PROTECT_WINDOW" envDefault:"1s"`

	// Echo and noise gates, in dBFS.
	EchoGateDBFS      float64       `env:"ECHO_GATE_DBFS" envDefault:"-45"`
	EchoDecay         time.Duration `env:"ECHO_DECAY" envDefault:"200ms"`
	NoiseGate         bool          `env:"NOISE_GATE" envDefault:"false"`
	NoiseGateMarginDB float64       `env:"NOISE_GATE_MARGIN_DB" envDefault:"3"`

	// VAD calibration.
	CalibrationWindow     time.Duration `env:"CALIBRATION_WINDOW" envDefault:"3s"`
	CalibrationPercentile float64       `env:"CALIBRATION_PERCENTILE" envDefault:"0.2"`
	CalibrationMarginDB   float64       `env:"CALIBRATION_MARGIN_DB" envDefault:"10"`
	ThresholdMinDBFS      float64       `env:"THRESHOLD_MIN_DBFS" envDefault:"-60"`
	ThresholdMaxDBFS      float64       `env:"THRESHOLD_MAX_DBFS" envDefault:"-25"`
	DefaultNoiseFloorDBFS float64       `env:"DEFAULT_NOISE_FLOOR_DBFS" envDefault:"-65"`
	MaxCalibrationStarts  int           `env:"MAX_CALIBRATION_STARTS" envDefault:"3"`
	BargeInEnergyWindow   time.Duration `env:"BARGE_IN_ENERGY_WINDOW" envDefault:"200ms"`

	// Queues.
	WriterQueueFrames int           `env:"WRITER_QUEUE_FRAMES" envDefault:"50"`
	EgressQueue       time.Duration `env:"EGRESS_QUEUE" envDefault:"30s"`

	// Silence and hangup.
	SilenceWarning     time.Duration `env:"SILENCE_WARNING" envDefault:"10s"`
	MaxSilenceWarnings int           `env:"MAX_SILENCE_WARNINGS" envDefault:"2"`
	MonitorInterval    time.Duration `env:"MONITOR_INTERVAL" envDefault:"1s"`
	HangupGrace        time.Duration `env:"HANGUP_GRACE" envDefault:"8s"`
	GoodbyePhrases     []string      `env:"GOODBYE_PHRASES" envSeparator:"," envDefault:"goodbye,good bye,bye bye,have a great day,have a nice day,talk to you soon,take care"`

	// Lifetime.
	MaxCallDuration time.Duration `env:"MAX_CALL_DURATION" envDefault:"15m"`
	JoinTimeout     time.Duration `env:"JOIN_TIMEOUT" envDefault:"3s"`
	LeadTimeout     time.Duration `env:"LEAD_TIMEOUT" envDefault:"3s"`

	MinTranscriptChars int `env:"MIN_TRANSCRIPT_CHARS" envDefault:"20"`
}

// DefaultTuning returns the same values as the env defaults.
func DefaultTuning() Tuning {
	return Tuning{
		Mode:                  ModeSimple,
		Voice:                 "alloy",
		Language:              "en",
		TranscriptionModel:    "whisper-1",
		TurnDetection:         "server_vad",
		VADThreshold:          0.5,
		VADPrefixPadding:      300 * time.Millisecond,
		VADSilence:            500 * time.Millisecond,
		Temperature:           0.8,
		ConfigAckTimeout:      5 * time.Second,
		GreetingMaxDuration:   8 * time.Second,
		InboundProtectWindow:  time.Second,
		EchoGateDBFS:          -45,
		EchoDecay:             200 * time.Millisecond,
		NoiseGateMarginDB:     3,
		CalibrationWindow:     3 * time.Second,
		CalibrationPercentile: 0.2,
		CalibrationMarginDB:   10,
		ThresholdMinDBFS:      -60,
		ThresholdMaxDBFS:      -25,
		DefaultNoiseFloorDBFS: -65,
		MaxCalibrationStarts:  3,
		BargeInEnergyWindow:   200 * time.Millisecond,
		WriterQueueFrames:     50,
		EgressQueue:           30 * time.Second,
		SilenceWarning:        10 * time.Second,
		MaxSilenceWarnings:    2,
		MonitorInterval:       time.Second,
		HangupGrace:           8 * time.Second,
		GoodbyePhrases: []string{
			"goodbye", "good bye", "bye bye", "have a great day",
			"have a nice day", "talk to you soon", "take care",
		},
		MaxCallDuration:    15 * time.Minute,
		JoinTimeout:        3 * time.Second,
		LeadTimeout:        3 * time.Second,
		MinTranscriptChars: 20,
	}
}

// Validate checks the tuning for values that would break a session.
func (t *Tuning) Validate() error {
	if t.Mode != ModeSimple && t.Mode != ModeFull {
		return fmt.Errorf("mode must be %q or %q, got %q", ModeSimple, ModeFull, t.Mode)
	}
	durations := map[string]time.Duration{
		"config_ack_timeout":    t.ConfigAckTimeout,
		"greeting_max_duration": t.GreetingMaxDuration,
		"calibration_window":    t.CalibrationWindow,
		"egress_queue":          t.EgressQueue,
		"silence_warning":       t.SilenceWarning,
		"monitor_interval":      t.MonitorInterval,
		"hangup_grace":          t.HangupGrace,
		"max_call_duration":     t.MaxCallDuration,
		"join_timeout":          t.JoinTimeout,
	}
	for name, d := range durations {
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", name, d)
		}
	}
	if t.EchoDecay < 0 || t.InboundProtectWindow < 0 {
		return errors.New("echo_decay and inbound_protect_window must not be negative")
	}
	if t.CalibrationPercentile <= 0 || t.CalibrationPercentile >= 1 {
		return fmt.Errorf("calibration_percentile must be in (0,1), got %v", t.CalibrationPercentile)
	}
	if t.ThresholdMinDBFS >= t.ThresholdMaxDBFS {
		return fmt.Errorf("threshold_min_dbfs (%v) must be below threshold_max_dbfs (%v)", t.ThresholdMinDBFS, t.ThresholdMaxDBFS)
	}
	if t.WriterQueueFrames < 1 {
		return fmt.Errorf("writer_queue_frames must be at least 1, got %d", t.WriterQueueFrames)
	}
	if t.MaxSilenceWarnings < 0 {
		return fmt.Errorf("max_silence_warnings must not be negative, got %d", t.MaxSilenceWarnings)
	}
	return nil
}
