package ops

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ironpbx/ironpbx/internal/config"
	"github.com/ironpbx/ironpbx/internal/media"
	"github.com/ironpbx/ironpbx/internal/sip"
)

// Server is the diagnostics HTTP surface: registrar and call inspection,
// call origination, health and Prometheus metrics. It is deliberately not
// an admin control plane; nothing here provisions extensions, dialplans
// or prompts.
type Server struct {
	router    *chi.Mux
	cfg       *config.Config
	engine    *sip.Handler
	registrar *sip.Registrar
	calls     *sip.CallTable
	media     *media.Manager
	guard     *sip.BruteForceGuard
	registry  *prometheus.Registry
	startTime time.Time
	logger    *slog.Logger
}

// NewServer creates the diagnostics handler with all routes mounted. The
// registry already carries the engine collector; promhttp serves it.
func NewServer(
	cfg *config.Config,
	engine *sip.Handler,
	registrar *sip.Registrar,
	calls *sip.CallTable,
	mediaMgr *media.Manager,
	guard *sip.BruteForceGuard,
	registry *prometheus.Registry,
	logger *slog.Logger,
) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		cfg:       cfg,
		engine:    engine,
		registrar: registrar,
		calls:     calls,
		media:     mediaMgr,
		guard:     guard,
		registry:  registry,
		startTime: time.Now(),
		logger:    logger.With("component", "ops"),
	}
	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// routes configures middleware and mounts all endpoints.
func (s *Server) routes() {
	r := s.router

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))

	r.Route("/v1", func(r chi.Router) {
		r.Get("/status", s.handleStatus)
		r.Get("/bindings", s.handleListBindings)
		r.Delete("/bindings/{aor}", s.handleDropBinding)
		r.Get("/calls", s.handleListCalls)
		r.Get("/calls/{id}/qos", s.handleCallQoS)
		r.Post("/originate", s.handleOriginate)
		r.Get("/blocked", s.handleListBlocked)
		r.Delete("/blocked/{ip}", s.handleUnblock)
	})
}
