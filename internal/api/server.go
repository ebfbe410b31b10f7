package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"golang.org/x/time/rate"

	"github.com/flowpbx/voicebridge/internal/api/middleware"
	"github.com/flowpbx/voicebridge/internal/bridge"
	"github.com/flowpbx/voicebridge/internal/callgate"
	"github.com/flowpbx/voicebridge/internal/carrier"
	"github.com/flowpbx/voicebridge/internal/config"
	"github.com/flowpbx/voicebridge/internal/database"
	"github.com/flowpbx/voicebridge/internal/dialer"
	"github.com/flowpbx/voicebridge/internal/worker"
)

// Sessions is the live call registry the API reports on and hands media
// streams to.
type Sessions interface {
	Serve(ctx context.Context, conn bridge.CarrierStream) (*bridge.FinalizationRecord, error)
	Active() []bridge.SessionInfo
	Count() int
	Stats() bridge.ManagerStats
}

// CallDialer places and ends carrier calls.
type CallDialer interface {
	Dial(ctx context.Context, req dialer.Request) (string, error)
	EndCall(ctx context.Context, callSID string) error
}

// QueueStats reports on the persistence worker pool.
type QueueStats interface {
	Stats() worker.Stats
}

// Deps are the collaborators the HTTP server needs. Dialer, Queue and
// Metrics may be nil.
type Deps struct {
	Config   *config.Config
	Store    database.Store
	Sessions Sessions
	Dialer   CallDialer
	Gate     callgate.Gate
	Queue    QueueStats
	Metrics  http.Handler
	Logger   *slog.Logger

	// BaseContext outlives individual requests. Media streams run under it
	// so that they survive the upgrade handler returning and are cancelled
	// on shutdown.
	BaseContext context.Context
}

// slotHold remembers which concurrency slot a call holds.
type slotHold struct {
	destination string
	holder      string
}

// Server holds HTTP handler dependencies and the chi router.
type Server struct {
	router   *chi.Mux
	cfg      *config.Config
	store    database.Store
	sessions Sessions
	dialer   CallDialer
	gate     callgate.Gate
	queue    QueueStats
	metrics  http.Handler
	logger   *slog.Logger
	baseCtx  context.Context
	secret   []byte

	dialLimiter *rate.Limiter
	apiLimiter  *middleware.KeyedRateLimiter
	hookLimiter *middleware.KeyedRateLimiter

	slotsMu sync.Mutex
	slots   map[string]slotHold // keyed by call SID
}

// NewServer creates the HTTP handler with all routes mounted.
func NewServer(deps Deps) (*Server, error) {
	if deps.Config == nil || deps.Store == nil || deps.Sessions == nil || deps.Gate == nil {
		return nil, errors.New("api: config, store, sessions and gate are required")
	}
	secret, err := deps.Config.JWTSecretBytes()
	if err != nil {
		return nil, err
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	baseCtx := deps.BaseContext
	if baseCtx == nil {
		baseCtx = context.Background()
	}

	perMinute := deps.Config.DialsPerMinute
	s := &Server{
		router:      chi.NewRouter(),
		cfg:         deps.Config,
		store:       deps.Store,
		sessions:    deps.Sessions,
		dialer:      deps.Dialer,
		gate:        deps.Gate,
		queue:       deps.Queue,
		metrics:     deps.Metrics,
		logger:      logger.With("subsystem", "api"),
		baseCtx:     baseCtx,
		secret:      secret,
		dialLimiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(max(perMinute, 1))), max(perMinute/6, 1)),
		apiLimiter:  middleware.NewKeyedRateLimiter(middleware.DefaultRateLimitConfig()),
		hookLimiter: middleware.NewKeyedRateLimiter(middleware.WebhookRateLimitConfig()),
		slots:       make(map[string]slotHold),
	}

	s.routes()
	return s, nil
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Close stops the rate limiters' cleanup goroutines.
func (s *Server) Close() {
	s.apiLimiter.Stop()
	s.hookLimiter.Stop()
}

// routes configures all middleware and mounts all route groups.
func (s *Server) routes() {
	r := s.router

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.StructuredLogger(s.logger))
	r.Use(middleware.Recoverer(s.logger))
	r.Use(middleware.SecurityHeaders(s.cfg.TLSEnabled()))

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.CORS(middleware.ParseCORSOrigins(s.cfg.CORSOrigins)))
		r.Use(middleware.RateLimit(s.apiLimiter))

		r.Get("/health", s.handleHealth)

		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireAPIKey(s.cfg.APIKey))

			r.Route("/calls", func(r chi.Router) {
				r.Get("/", s.handleListCalls)
				r.Post("/", s.handleCreateCall)
				r.Get("/active", s.handleActiveCalls)
				r.Route("/{callSID}", func(r chi.Router) {
					r.Get("/", s.handleGetCall)
					r.Get("/turns", s.handleListTurns)
					r.Post("/hangup", s.handleHangup)
				})
			})
			r.Get("/stats", s.handleStats)
		})
	})

	r.Route("/twilio", func(r chi.Router) {
		r.Use(middleware.RateLimit(s.hookLimiter))
		r.Use(middleware.TwilioSignature(s.cfg.TwilioAuthToken, s.cfg.PublicURL))
		r.Post("/voice", s.handleInboundVoice)
		r.Post("/status", s.handleCallStatus)
	})

	r.Get("/media-stream", s.handleMediaStream)

	if s.metrics != nil {
		r.With(middleware.RequireAPIKey(s.cfg.APIKey)).Handle("/metrics", s.metrics)
	}

	s.logger.Info("api routes mounted")
}

// handleHealth returns basic health status. Unauthenticated.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":       "ok",
		"active_calls": s.sessions.Count(),
	})
}

// StreamAuthorizer returns the check sessions run on a media stream's
// start event. The stream must carry a token signed with secret whose
// claims match its direction, destination, lead and business.
func StreamAuthorizer(secret []byte) bridge.Authorizer {
	return func(start *carrier.Start) error {
		_, err := middleware.VerifyStreamToken(secret,
			start.Param("token"),
			start.Param("direction"),
			start.Param("to"),
			start.Param("lead_id"),
			start.Param("business_id"),
		)
		return err
	}
}

// AuthorizeStream checks a stream against this server's token secret.
func (s *Server) AuthorizeStream(start *carrier.Start) error {
	return StreamAuthorizer(s.secret)(start)
}

// holdSlot records the concurrency slot a call occupies until it ends.
func (s *Server) holdSlot(callSID, destination, holder string) {
	s.slotsMu.Lock()
	s.slots[callSID] = slotHold{destination: destination, holder: holder}
	s.slotsMu.Unlock()
}

// ReleaseCall frees the concurrency slot held by callSID. It is called
// when a session finalizes and when the carrier reports a terminal call
// status, so it tolerates being called twice or for unknown calls.
func (s *Server) ReleaseCall(callSID string) {
	s.slotsMu.Lock()
	hold, ok := s.slots[callSID]
	delete(s.slots, callSID)
	s.slotsMu.Unlock()
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(s.baseCtx, 5*time.Second)
	defer cancel()
	if err := s.gate.Release(ctx, hold.destination, hold.holder); err != nil {
		s.logger.Warn("releasing call slot failed", "call_sid", callSID, "error", err)
	}
}

// OnSessionEnd adapts ReleaseCall to the session manager's end hook.
func (s *Server) OnSessionEnd(rec *bridge.FinalizationRecord) {
	s.ReleaseCall(rec.CallSID)
}

// heldSlots returns the number of calls currently holding a slot.
func (s *Server) heldSlots() int {
	s.slotsMu.Lock()
	defer s.slotsMu.Unlock()
	return len(s.slots)
}
