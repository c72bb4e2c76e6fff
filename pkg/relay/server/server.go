package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/vango-go/vai-relay/pkg/relay/admission"
	"github.com/vango-go/vai-relay/pkg/relay/agent"
	"github.com/vango-go/vai-relay/pkg/relay/config"
	"github.com/vango-go/vai-relay/pkg/relay/handlers"
	"github.com/vango-go/vai-relay/pkg/relay/lifecycle"
	"github.com/vango-go/vai-relay/pkg/relay/metrics"
	"github.com/vango-go/vai-relay/pkg/relay/mw"
	"github.com/vango-go/vai-relay/pkg/relay/notify"
	"github.com/vango-go/vai-relay/pkg/relay/sessions"
	"github.com/vango-go/vai-relay/pkg/relay/store"
)

const TwiMLPath = "/v1/twiml/voice"

// Dependencies are the long-lived collaborators the server routes to. Nil
// Sessions and Lifecycle are replaced with fresh instances, and a nil
// Admission is built from the config limits.
type Dependencies struct {
	Agent     agent.Streamer
	Metrics   *metrics.Metrics
	Sessions  *sessions.Registry
	Lifecycle *lifecycle.Lifecycle
	Admission *admission.Limiter
	Store     store.Store
	Notifier  notify.Publisher
}

type Server struct {
	cfg    config.Config
	logger *slog.Logger
	mux    *http.ServeMux

	agent     agent.Streamer
	metrics   *metrics.Metrics
	sessions  *sessions.Registry
	lifecycle *lifecycle.Lifecycle
	admission *admission.Limiter
	store     store.Store
	notifier  notify.Publisher
}

func New(cfg config.Config, logger *slog.Logger, deps Dependencies) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Sessions == nil {
		deps.Sessions = sessions.NewRegistry()
	}
	if deps.Lifecycle == nil {
		deps.Lifecycle = &lifecycle.Lifecycle{}
	}
	if deps.Admission == nil {
		deps.Admission = admission.New(admission.Config{
			MaxConcurrentCalls: cfg.MaxConcurrentCalls,
			WebhookRPS:         cfg.WebhookRPS,
			WebhookBurst:       cfg.WebhookBurst,
		})
	}

	s := &Server{
		cfg:       cfg,
		logger:    logger,
		mux:       http.NewServeMux(),
		agent:     deps.Agent,
		metrics:   deps.Metrics,
		sessions:  deps.Sessions,
		lifecycle: deps.Lifecycle,
		admission: deps.Admission,
		store:     deps.Store,
		notifier:  deps.Notifier,
	}

	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.Handle("/healthz", handlers.HealthHandler{})
	s.mux.Handle("/readyz", handlers.ReadyHandler{
		Config:    s.cfg,
		Lifecycle: s.lifecycle,
		Sessions:  s.sessions,
	})
	s.mux.Handle("/metrics", s.metrics.Handler())

	s.mux.Handle(TwiMLPath, mw.TwilioSignature(s.cfg, s.logger, handlers.TwiMLHandler{
		Config:    s.cfg,
		Logger:    s.logger,
		Lifecycle: s.lifecycle,
		Admission: s.admission,
		Metrics:   s.metrics,
	}))
	s.mux.Handle(handlers.RelayPath, mw.TwilioSignature(s.cfg, s.logger, handlers.RelayHandler{
		Config:    s.cfg,
		Agent:     s.agent,
		Logger:    s.logger,
		Metrics:   s.metrics,
		Lifecycle: s.lifecycle,
		Sessions:  s.sessions,
		Store:     s.store,
		Notifier:  s.notifier,
		Admission: s.admission,
	}))

	calls := handlers.CallsHandler{Sessions: s.sessions}
	if lookup, ok := s.store.(handlers.CallLookup); ok {
		calls.Calls = lookup
	}
	s.mux.Handle("GET /v1/calls", calls)
	s.mux.Handle("GET /v1/calls/{id}", calls)

	s.mux.Handle("/", handlers.NotFoundHandler{})
}

func (s *Server) Handler() http.Handler {
	var h http.Handler = s.mux
	h = mw.Recover(s.logger, h)
	h = mw.AccessLog(s.logger, h)
	h = mw.RequestID(h)
	return h
}

func (s *Server) Sessions() *sessions.Registry { return s.sessions }

// SetDraining stops new calls and fails readiness.
func (s *Server) SetDraining() {
	if s.lifecycle.BeginDrain(time.Now()) {
		s.logger.Info("relay draining", "active_calls", s.sessions.Count())
	}
}

// EndLiveCalls sends an end frame to every live call so Twilio can hand off.
func (s *Server) EndLiveCalls(reason string) int {
	n := s.sessions.EndAll(reason)
	if n > 0 {
		s.logger.Info("ending live calls", "count", n, "reason", reason)
	}
	return n
}

func (s *Server) WaitLiveCalls(ctx context.Context) bool {
	return s.sessions.Wait(ctx)
}

func (s *Server) CancelLiveCalls() int {
	n := s.sessions.CancelAll()
	if n > 0 {
		s.logger.Warn("canceled live calls after drain timeout", "count", n)
	}
	return n
}
