package config

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"github.com/flowpbx/voicebridge/internal/bridge"
)

// Config holds all runtime configuration for the voicebridge server.
// Precedence: CLI flags > env vars (including a .env file) > defaults.
type Config struct {
	DataDir     string
	HTTPPort    int
	TLSCert     string
	TLSKey      string
	ACMEDomain  string // domain for automatic Let's Encrypt certificate
	ACMEEmail   string
	LogLevel    string
	LogFormat   string // "text" or "json"
	CORSOrigins string
	EnvFile     string

	// PublicURL is the externally reachable base URL the carrier connects
	// back to, e.g. "https://bridge.example.com".
	PublicURL string
	APIKey    string // bearer key for the REST API
	JWTSecret string // hex-encoded 32-byte secret for stream tokens

	OpenAIKey   string
	OpenAIModel string
	OpenAIURL   string

	TwilioAccountSID string
	TwilioAuthToken  string
	TwilioFromNumber string
	TwilioRecord     bool // ask the carrier to record every call

	LeadServiceURL string
	LeadServiceKey string

	DatabaseURL string // Postgres DSN; empty uses SQLite under DataDir
	RedisURL    string // empty uses the in-process call gate

	MaxConcurrentCalls int
	DialsPerMinute     int

	GreetingPrompt string // optional G.711 WAV played as the opening line
	GreetingText   string // what GreetingPrompt says
	RequiredFields string // comma-separated defaults for appointment calls

	LocalRecording         bool
	RecordingRetentionDays int

	Workers     int
	WorkerQueue int

	// Tuning is read from VOICEBRIDGE_TUNE_* variables only.
	Tuning bridge.Tuning
}

// defaults
const (
	defaultDataDir     = "./data"
	defaultHTTPPort    = 8080
	defaultLogLevel    = "info"
	defaultLogFormat   = "text"
	defaultEnvFile     = ".env"
	defaultOpenAIModel = "gpt-4o-realtime-preview"
	defaultOpenAIURL   = "wss://api.openai.com/v1/realtime"
	defaultMaxCalls    = 20
	defaultDialRate    = 30
	defaultRetention   = 90
	defaultWorkers     = 4
	defaultWorkerQueue = 256
)

// envPrefix is the prefix for all voicebridge environment variables.
const envPrefix = "VOICEBRIDGE_"

// tuningPrefix scopes the gating and timing knobs.
const tuningPrefix = envPrefix + "TUNE_"

// Load parses configuration from os.Args and the environment.
func Load() (*Config, error) {
	return LoadArgs(os.Args[1:])
}

// LoadArgs parses configuration from the given arguments and the
// environment.
func LoadArgs(args []string) (*Config, error) {
	cfg := &Config{}

	fs := flag.NewFlagSet("voicebridge", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	fs.StringVar(&cfg.DataDir, "data-dir", defaultDataDir, "data directory for database and recordings")
	fs.IntVar(&cfg.HTTPPort, "http-port", defaultHTTPPort, "HTTP server listen port")
	fs.StringVar(&cfg.TLSCert, "tls-cert", "", "path to TLS certificate file")
	fs.StringVar(&cfg.TLSKey, "tls-key", "", "path to TLS private key file")
	fs.StringVar(&cfg.ACMEDomain, "acme-domain", "", "domain for automatic Let's Encrypt TLS certificate")
	fs.StringVar(&cfg.ACMEEmail, "acme-email", "", "contact email for Let's Encrypt account notifications")
	fs.StringVar(&cfg.LogLevel, "log-level", defaultLogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&cfg.LogFormat, "log-format", defaultLogFormat, "log output format (text, json)")
	fs.StringVar(&cfg.CORSOrigins, "cors-origins", "", "comma-separated list of allowed CORS origins (use * for all)")
	fs.StringVar(&cfg.EnvFile, "env-file", defaultEnvFile, "optional dotenv file loaded before reading the environment")

	fs.StringVar(&cfg.PublicURL, "public-url", "", "externally reachable base URL of this server")
	fs.StringVar(&cfg.APIKey, "api-key", "", "bearer key required by the REST API (empty disables auth)")
	fs.StringVar(&cfg.JWTSecret, "jwt-secret", "", "hex-encoded 32-byte secret for media stream tokens (auto-generated if empty)")

	fs.StringVar(&cfg.OpenAIKey, "openai-key", "", "OpenAI API key")
	fs.StringVar(&cfg.OpenAIModel, "openai-model", defaultOpenAIModel, "realtime model")
	fs.StringVar(&cfg.OpenAIURL, "openai-url", defaultOpenAIURL, "realtime WebSocket endpoint")

	fs.StringVar(&cfg.TwilioAccountSID, "twilio-account-sid", "", "Twilio account SID")
	fs.StringVar(&cfg.TwilioAuthToken, "twilio-auth-token", "", "Twilio auth token")
	fs.StringVar(&cfg.TwilioFromNumber, "twilio-from", "", "caller ID for outbound calls (E.164)")
	fs.BoolVar(&cfg.TwilioRecord, "twilio-record", true, "record calls at the carrier for offline transcription")

	fs.StringVar(&cfg.LeadServiceURL, "lead-service-url", "", "base URL of the lead/CRM service")
	fs.StringVar(&cfg.LeadServiceKey, "lead-service-key", "", "API key for the lead/CRM service")

	fs.StringVar(&cfg.DatabaseURL, "database-url", "", "Postgres connection string (SQLite under data-dir if empty)")
	fs.StringVar(&cfg.RedisURL, "redis-url", "", "Redis URL for the shared call gate (in-process if empty)")

	fs.IntVar(&cfg.MaxConcurrentCalls, "max-concurrent-calls", defaultMaxCalls, "maximum simultaneous outbound calls")
	fs.IntVar(&cfg.DialsPerMinute, "dials-per-minute", defaultDialRate, "outbound dial rate limit")

	fs.StringVar(&cfg.GreetingPrompt, "greeting-prompt", "", "path to a G.711 WAV greeting")
	fs.StringVar(&cfg.GreetingText, "greeting-text", "", "transcript of the greeting prompt")
	fs.StringVar(&cfg.RequiredFields, "required-fields", "name,phone,preferred_time", "fields an appointment call must capture")

	fs.BoolVar(&cfg.LocalRecording, "local-recording", false, "also record the caller track to a local WAV file")
	fs.IntVar(&cfg.RecordingRetentionDays, "recording-retention-days", defaultRetention, "days to keep local recordings (0 keeps forever)")

	fs.IntVar(&cfg.Workers, "workers", defaultWorkers, "persistence worker goroutines")
	fs.IntVar(&cfg.WorkerQueue, "worker-queue", defaultWorkerQueue, "persistence queue capacity")

	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("parsing flags: %w", err)
	}

	// A missing .env file is normal; existing variables are never replaced.
	if cfg.EnvFile != "" {
		if err := godotenv.Load(cfg.EnvFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("loading %s: %w", cfg.EnvFile, err)
		}
	}

	if err := applyEnvOverrides(fs); err != nil {
		return nil, err
	}

	cfg.Tuning = bridge.DefaultTuning()
	if err := env.ParseWithOptions(&cfg.Tuning, env.Options{Prefix: tuningPrefix}); err != nil {
		return nil, fmt.Errorf("parsing tuning: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// EnvName returns the environment variable consulted for a flag.
func EnvName(flagName string) string {
	return envPrefix + strings.ToUpper(strings.ReplaceAll(flagName, "-", "_"))
}

// applyEnvOverrides sets every flag not given on the command line from its
// environment variable, if present.
func applyEnvOverrides(fs *flag.FlagSet) error {
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		set[f.Name] = true
	})

	var errs []error
	fs.VisitAll(func(f *flag.Flag) {
		if set[f.Name] || f.Name == "env-file" {
			return
		}
		val, ok := os.LookupEnv(EnvName(f.Name))
		if !ok || val == "" {
			return
		}
		if err := fs.Set(f.Name, val); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", EnvName(f.Name), err))
		}
	})
	return errors.Join(errs...)
}

// validate checks that the config values are sane.
func (c *Config) validate() error {
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		return fmt.Errorf("http-port must be between 1 and 65535, got %d", c.HTTPPort)
	}
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.LogLevel)] {
		return fmt.Errorf("log-level must be one of debug, info, warn, error; got %q", c.LogLevel)
	}
	c.LogLevel = strings.ToLower(c.LogLevel)

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[strings.ToLower(c.LogFormat)] {
		return fmt.Errorf("log-format must be one of text, json; got %q", c.LogFormat)
	}
	c.LogFormat = strings.ToLower(c.LogFormat)

	if (c.TLSCert == "") != (c.TLSKey == "") {
		return fmt.Errorf("tls-cert and tls-key must both be provided or both be omitted")
	}
	if c.ACMEDomain != "" && c.TLSCert != "" {
		return fmt.Errorf("acme-domain and tls-cert/tls-key are mutually exclusive")
	}

	if c.PublicURL != "" {
		u, err := url.Parse(c.PublicURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("public-url must be an absolute http(s) URL, got %q", c.PublicURL)
		}
		c.PublicURL = strings.TrimRight(c.PublicURL, "/")
	}

	if c.MaxConcurrentCalls < 1 {
		return fmt.Errorf("max-concurrent-calls must be at least 1, got %d", c.MaxConcurrentCalls)
	}
	if c.DialsPerMinute < 1 {
		return fmt.Errorf("dials-per-minute must be at least 1, got %d", c.DialsPerMinute)
	}
	if c.Workers < 1 || c.WorkerQueue < 1 {
		return fmt.Errorf("workers and worker-queue must be at least 1")
	}
	if c.RecordingRetentionDays < 0 {
		return fmt.Errorf("recording-retention-days must not be negative")
	}
	if c.GreetingPrompt != "" && c.GreetingText == "" {
		return fmt.Errorf("greeting-text is required with greeting-prompt")
	}

	if err := c.Tuning.Validate(); err != nil {
		return fmt.Errorf("tuning: %w", err)
	}
	return nil
}

// TLSEnabled returns true if either manual TLS certificates or automatic
// ACME certificates are configured.
func (c *Config) TLSEnabled() bool {
	return c.TLSCert != "" || c.ACMEDomain != ""
}

// TwilioEnabled reports whether carrier REST credentials are present.
func (c *Config) TwilioEnabled() bool {
	return c.TwilioAccountSID != "" && c.TwilioAuthToken != ""
}

// StreamURL returns the wss:// URL the carrier opens for media.
func (c *Config) StreamURL() string {
	u := strings.Replace(c.PublicURL, "https://", "wss://", 1)
	u = strings.Replace(u, "http://", "ws://", 1)
	return u + "/media-stream"
}

// Fields splits RequiredFields.
func (c *Config) Fields() []string {
	var out []string
	for _, f := range strings.Split(c.RequiredFields, ",") {
		if f = strings.TrimSpace(f); f != "" {
			out = append(out, f)
		}
	}
	return out
}

// RecordingRetention returns the retention as a duration, zero meaning
// keep forever.
func (c *Config) RecordingRetention() time.Duration {
	return time.Duration(c.RecordingRetentionDays) * 24 * time.Hour
}

// JWTSecretBytes returns the decoded 32-byte stream token secret.
// If no secret is configured, it generates a random 32-byte key and stores
// the hex-encoded value back in the config for the process lifetime.
func (c *Config) JWTSecretBytes() ([]byte, error) {
	if c.JWTSecret == "" {
		key := make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("generating jwt secret: %w", err)
		}
		c.JWTSecret = hex.EncodeToString(key)
		slog.Warn("no jwt-secret configured, generated ephemeral key (stream tokens will not survive restart)")
		return key, nil
	}
	key, err := hex.DecodeString(c.JWTSecret)
	if err != nil {
		return nil, fmt.Errorf("decoding jwt secret: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("jwt secret must decode to 32 bytes, got %d", len(key))
	}
	return key, nil
}

// SlogHandler returns a slog.Handler configured with the appropriate format
// (text or json) and log level.
func (c *Config) SlogHandler(w io.Writer) slog.Handler {
	opts := &slog.HandlerOptions{Level: c.SlogLevel()}
	if c.LogFormat == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// SlogLevel returns the slog.Level corresponding to the configured log level.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
