package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"golang.org/x/crypto/acme/autocert"

	"github.com/flowpbx/voicebridge/internal/api"
	"github.com/flowpbx/voicebridge/internal/api/middleware"
	"github.com/flowpbx/voicebridge/internal/bridge"
	"github.com/flowpbx/voicebridge/internal/callgate"
	"github.com/flowpbx/voicebridge/internal/config"
	"github.com/flowpbx/voicebridge/internal/database"
	"github.com/flowpbx/voicebridge/internal/database/pgstore"
	"github.com/flowpbx/voicebridge/internal/dialer"
	"github.com/flowpbx/voicebridge/internal/lead"
	"github.com/flowpbx/voicebridge/internal/media"
	"github.com/flowpbx/voicebridge/internal/metrics"
	"github.com/flowpbx/voicebridge/internal/provider"
	"github.com/flowpbx/voicebridge/internal/recording"
	"github.com/flowpbx/voicebridge/internal/worker"
)

// slotTTL bounds how long a concurrency slot survives if both the session
// end and the carrier's final status callback are lost.
const slotTTL = 30 * time.Minute

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	logger := slog.New(cfg.SlogHandler(os.Stdout))
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		slog.Error("voicebridge exited with error", "error", err)
		os.Exit(1)
	}
	slog.Info("voicebridge stopped")
}

func run(cfg *config.Config, logger *slog.Logger) error {
	startTime := time.Now()

	slog.Info("starting voicebridge",
		"http_port", cfg.HTTPPort,
		"data_dir", cfg.DataDir,
		"public_url", cfg.PublicURL,
		"mode", cfg.Tuning.Mode,
	)
	if cfg.PublicURL == "" {
		slog.Warn("no public-url configured, carrier cannot reach the media stream endpoint")
	}

	// Application context for background goroutines and media streams.
	appCtx, appCancel := context.WithCancel(context.Background())
	defer appCancel()

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	gate, closeGate, err := openGate(appCtx, cfg)
	if err != nil {
		return err
	}
	defer closeGate()

	// Carrier REST client: outbound dialing, hangups and recordings.
	var (
		carrierAPI  api.CallDialer
		ender       bridge.CallEnder
		fetcher     worker.RecordingFetcher
		transcriber worker.Transcriber
		leads       bridge.LeadLookup
	)
	if cfg.TwilioEnabled() {
		d := dialer.New(dialer.Options{
			AccountSID:        cfg.TwilioAccountSID,
			AuthToken:         cfg.TwilioAuthToken,
			From:              cfg.TwilioFromNumber,
			StreamURL:         cfg.StreamURL(),
			StatusCallbackURL: cfg.PublicURL + "/twilio/status",
			Record:            cfg.TwilioRecord,
		}, logger)
		carrierAPI, ender, fetcher = d, d, d
		slog.Info("twilio carrier api enabled", "from", cfg.TwilioFromNumber, "record", cfg.TwilioRecord)
	} else {
		slog.Warn("twilio credentials not configured, outbound calling and carrier recordings disabled")
	}

	if cfg.OpenAIKey != "" {
		transcriber = provider.NewTranscriber(provider.TranscriberOptions{
			APIKey: cfg.OpenAIKey,
			Model:  cfg.Tuning.TranscriptionModel,
		})
	} else {
		slog.Warn("no openai-key configured, sessions will fail to connect")
	}

	if lc := lead.NewClient(cfg.LeadServiceURL, cfg.LeadServiceKey, cfg.Tuning.LeadTimeout); lc.Configured() {
		leads = lc
	}

	pool := worker.New(store, fetcher, transcriber, worker.Options{
		Workers:        cfg.Workers,
		QueueSize:      cfg.WorkerQueue,
		Retries:        3,
		RecordingDelay: 10 * time.Second,
		Language:       cfg.Tuning.Language,
	}, logger)
	pool.Start(appCtx)

	deps := bridge.Deps{
		Dial: func(ctx context.Context) (bridge.ProviderConn, error) {
			c, err := provider.Dial(ctx, provider.Options{
				URL:           cfg.OpenAIURL,
				APIKey:        cfg.OpenAIKey,
				Model:         cfg.OpenAIModel,
				MaxReconnects: 3,
			}, logger)
			if err != nil {
				return nil, err
			}
			return c, nil
		},
		Leads:            leads,
		Ender:            ender,
		Sink:             pool,
		GreetingText:     cfg.GreetingText,
		CarrierRecording: cfg.TwilioRecord && cfg.TwilioEnabled(),
		RequiredFields:   cfg.Fields(),
	}
	if cfg.GreetingPrompt != "" {
		prompt, err := media.LoadPrompt(cfg.GreetingPrompt)
		if err != nil {
			return fmt.Errorf("loading greeting prompt: %w", err)
		}
		deps.Greeting = prompt
	}
	recordDir := filepath.Join(cfg.DataDir, "recordings")
	if cfg.LocalRecording {
		deps.RecordDir = recordDir
	}

	secret, err := cfg.JWTSecretBytes()
	if err != nil {
		return err
	}
	deps.Authorize = api.StreamAuthorizer(secret)

	sessions := bridge.NewManager(cfg.Tuning, deps, logger)

	collector := metrics.NewCollector(sessions, pool, store.Calls(), gate, startTime)

	handler, err := api.NewServer(api.Deps{
		Config:      cfg,
		Store:       store,
		Sessions:    sessions,
		Dialer:      carrierAPI,
		Gate:        gate,
		Queue:       pool,
		Metrics:     metrics.Handler(collector),
		Logger:      logger,
		BaseContext: appCtx,
	})
	if err != nil {
		return fmt.Errorf("creating api server: %w", err)
	}
	defer handler.Close()

	// Slots taken by the HTTP layer are freed when the session finalizes.
	sessions.OnEnd(handler.OnSessionEnd)

	if cfg.LocalRecording && cfg.RecordingRetentionDays > 0 {
		recording.StartCleanupTicker(appCtx, store.Calls(), cfg.RecordingRetentionDays, 6*time.Hour, logger)
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return appCtx },
	}

	errCh := make(chan error, 2)
	var redirect *http.Server

	switch {
	case cfg.ACMEDomain != "":
		m := &autocert.Manager{
			Prompt:     autocert.AcceptTOS,
			HostPolicy: autocert.HostWhitelist(cfg.ACMEDomain),
			Cache:      autocert.DirCache(filepath.Join(cfg.DataDir, "acme")),
			Email:      cfg.ACMEEmail,
		}
		srv.TLSConfig = &tls.Config{GetCertificate: m.GetCertificate, MinVersion: tls.VersionTLS12}
		redirect = &http.Server{
			Addr:              ":80",
			Handler:           m.HTTPHandler(middleware.HTTPSRedirectHandler(strconv.Itoa(cfg.HTTPPort))),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go serve(redirect, errCh, func() error { return redirect.ListenAndServe() })
		go serve(srv, errCh, func() error { return srv.ListenAndServeTLS("", "") })
	case cfg.TLSCert != "":
		srv.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
		go serve(srv, errCh, func() error { return srv.ListenAndServeTLS(cfg.TLSCert, cfg.TLSKey) })
	default:
		go serve(srv, errCh, srv.ListenAndServe)
	}

	// Wait for interrupt or server error.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	var runErr error
	select {
	case sig := <-quit:
		slog.Info("received shutdown signal", "signal", sig.String())
	case runErr = <-errCh:
		slog.Error("http server error", "error", runErr)
	}

	// Graceful shutdown with timeout. Cancelling appCtx ends live sessions,
	// which finalize and hand their records to the pool before it drains.
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	slog.Info("shutting down", "active_calls", sessions.Count())
	if redirect != nil {
		redirect.Shutdown(ctx) //nolint:errcheck
	}
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("http server shutdown error", "error", err)
	}
	appCancel()
	waitForSessions(ctx, sessions)

	if err := pool.Stop(ctx); err != nil {
		slog.Error("worker pool did not drain", "error", err)
	}
	return runErr
}

func serve(srv *http.Server, errCh chan<- error, listen func() error) {
	slog.Info("http server listening", "addr", srv.Addr, "tls", srv.TLSConfig != nil)
	if err := listen(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		errCh <- err
	}
}

// waitForSessions polls until every session has finalized or ctx expires.
func waitForSessions(ctx context.Context, sessions *bridge.Manager) {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for sessions.Count() > 0 {
		select {
		case <-ctx.Done():
			slog.Warn("sessions still active at shutdown", "count", sessions.Count())
			return
		case <-ticker.C:
		}
	}
}

// openStore picks Postgres when a DSN is configured and SQLite otherwise.
func openStore(cfg *config.Config) (database.Store, error) {
	if cfg.DatabaseURL != "" {
		s, err := pgstore.New(cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("opening postgres: %w", err)
		}
		slog.Info("using postgres store")
		return s, nil
	}
	db, err := database.Open(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	return db, nil
}

// openGate picks the shared Redis gate when configured.
func openGate(ctx context.Context, cfg *config.Config) (callgate.Gate, func(), error) {
	if cfg.RedisURL != "" {
		g, err := callgate.NewRedis(ctx, cfg.RedisURL, cfg.MaxConcurrentCalls, slotTTL)
		if err != nil {
			return nil, nil, fmt.Errorf("connecting call gate: %w", err)
		}
		slog.Info("using redis call gate", "limit", cfg.MaxConcurrentCalls)
		return g, func() { g.Close() }, nil
	}
	return callgate.NewMemory(cfg.MaxConcurrentCalls, slotTTL), func() {}, nil
}
