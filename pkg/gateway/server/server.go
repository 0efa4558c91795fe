package server

import (
	"log/slog"
	"net/http"

	"github.com/vango-go/vai-caseworker/pkg/gateway/config"
	"github.com/vango-go/vai-caseworker/pkg/gateway/handlers"
	"github.com/vango-go/vai-caseworker/pkg/gateway/lifecycle"
	"github.com/vango-go/vai-caseworker/pkg/gateway/mw"
	"github.com/vango-go/vai-caseworker/pkg/live/metrics"
)

// Server is the local presentation surface over one session controller.
type Server struct {
	cfg        config.Config
	logger     *slog.Logger
	mux        *http.ServeMux
	controller handlers.Controller
	metrics    *metrics.Metrics
	lifecycle  *lifecycle.Lifecycle
}

func New(cfg config.Config, logger *slog.Logger, controller handlers.Controller, m *metrics.Metrics) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:        cfg,
		logger:     logger,
		mux:        http.NewServeMux(),
		controller: controller,
		metrics:    m,
		lifecycle:  &lifecycle.Lifecycle{},
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.Handle("/healthz", handlers.HealthHandler{})
	s.mux.Handle("/readyz", handlers.ReadyHandler{Config: s.cfg, Lifecycle: s.lifecycle})

	s.mux.Handle("/v1/state", handlers.StateHandler{Controller: s.controller})
	s.mux.Handle("/v1/session/connect", handlers.SessionHandler{Controller: s.controller, Op: handlers.OpConnect, Logger: s.logger})
	s.mux.Handle("/v1/session/disconnect", handlers.SessionHandler{Controller: s.controller, Op: handlers.OpDisconnect, Logger: s.logger})
	s.mux.Handle("/v1/documents", handlers.DocumentsHandler{Controller: s.controller, MaxBytes: s.cfg.MaxUploadBytes})
	s.mux.Handle("/v1/claim/submit", handlers.SubmitHandler{Controller: s.controller})
	s.mux.Handle("/v1/live", handlers.LiveFeedHandler{Config: s.cfg, Controller: s.controller, Logger: s.logger})

	if s.metrics != nil {
		s.mux.Handle("/metrics", s.metrics.Handler())
	}
	s.mux.Handle("/", handlers.NotFoundHandler{})
}

// Lifecycle is shared with the process entrypoint for shutdown draining.
func (s *Server) Lifecycle() *lifecycle.Lifecycle { return s.lifecycle }

func (s *Server) Handler() http.Handler {
	var h http.Handler = s.mux
	h = mw.CORS(s.cfg, h)
	h = mw.Recover(s.logger, h)
	h = mw.AccessLog(s.logger, s.metrics, h)
	h = mw.RequestID(h)
	return h
}
