package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/epvx/routingd/internal/api/middleware"
	"github.com/epvx/routingd/internal/dispatch"
	"github.com/epvx/routingd/internal/routing"
)

// Pinger is the health-check slice of the database handle.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// Server holds HTTP handler dependencies and the chi router.
type Server struct {
	router     *chi.Mux
	dispatcher *dispatch.Dispatcher
	db         Pinger
	limiter    *middleware.IPRateLimiter
	logger     *slog.Logger
}

// NewServer creates the HTTP handler with all routes mounted. The prometheus
// gatherer backs /metrics; the logger receives the request log.
func NewServer(dispatcher *dispatch.Dispatcher, db Pinger, gatherer prometheus.Gatherer, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		router:     chi.NewRouter(),
		dispatcher: dispatcher,
		db:         db,
		limiter:    middleware.NewIPRateLimiter(middleware.DefaultRateLimitConfig()),
		logger:     logger,
	}

	s.routes(gatherer)
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Close stops background middleware goroutines.
func (s *Server) Close() {
	s.limiter.Stop()
}

// routes configures all middleware and mounts all route groups.
func (s *Server) routes(gatherer prometheus.Gatherer) {
	r := s.router

	// Global middleware stack.
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.RequestLogger(s.logger))
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics",
		promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	r.Group(func(r chi.Router) {
		r.Use(middleware.RateLimit(s.limiter))
		r.Get("/stage1", s.handleStage1)
	})
}

// stage1Response is the diagnostic view of one routing computation: the
// annotated tree, the main result, and every cached inner-node result.
type stage1Response struct {
	RoutingTree          *routing.TreeJSON          `json:"routing_tree"`
	MainRoutingResult    *routing.Result            `json:"main_routing_result"`
	AllRoutingResults    map[string]*routing.Result `json:"all_routing_results"`
	RoutingStatus        string                     `json:"routing_status"`
	RoutingStatusDetails string                     `json:"routing_status_details,omitempty"`
}

// handleStage1 runs a full stage-1 computation for ?caller=&called= and
// returns the tree alongside the results. Routing failures are reported in
// the payload, not as HTTP errors: the partial tree is the diagnostic.
func (s *Server) handleStage1(w http.ResponseWriter, r *http.Request) {
	caller := r.URL.Query().Get("caller")
	called := r.URL.Query().Get("called")
	if called == "" {
		writeError(w, http.StatusBadRequest, "missing called parameter")
		return
	}

	outcome, err := s.dispatcher.Route(r.Context(), caller, called, "")
	resp := stage1Response{
		RoutingTree:       outcome.Tree.Serialize(),
		MainRoutingResult: outcome.Main,
		AllRoutingResults: outcome.All,
		RoutingStatus:     "OK",
	}
	if err != nil {
		resp.RoutingStatus = "ERROR"
		resp.RoutingStatusDetails = err.Error()
		var rerr *routing.Error
		if errors.As(err, &rerr) {
			resp.RoutingStatusDetails = string(rerr.Kind) + ": " + rerr.Detail
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.db != nil {
		if err := s.db.PingContext(r.Context()); err != nil {
			writeError(w, http.StatusServiceUnavailable, "database unreachable")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
