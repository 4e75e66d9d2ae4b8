// Package server exposes the bias analyzer over HTTP and streams detections
// to WebSocket subscribers.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/raaihank/bias-sentinel/internal/cache"
	"github.com/raaihank/bias-sentinel/internal/config"
	"github.com/raaihank/bias-sentinel/internal/incident"
	"github.com/raaihank/bias-sentinel/internal/logger"
	"github.com/raaihank/bias-sentinel/internal/metrics"
	"github.com/raaihank/bias-sentinel/internal/moderation"
	"github.com/raaihank/bias-sentinel/internal/websocket"
)

// IncidentReader serves the incident endpoints
type IncidentReader interface {
	Recent(ctx context.Context, limit int) ([]*incident.Incident, error)
	CountByCategory(ctx context.Context) ([]incident.CategoryCount, error)
}

// CacheAdmin serves the cache endpoints
type CacheAdmin interface {
	Stats(ctx context.Context) (*cache.Stats, error)
	Clear(ctx context.Context) error
}

// Options wires the server's collaborators. Only Config, Logger and
// Moderator are required.
type Options struct {
	Config    *config.Config
	Logger    *logger.Logger
	Moderator *moderation.Moderator
	Hub       *websocket.Hub
	Metrics   *metrics.Metrics
	Incidents IncidentReader
	Cache     CacheAdmin
	// ReloadBias returns a fresh bias section for POST /v1/bias/reload
	ReloadBias func() (config.BiasConfig, error)
	Version    string
}

// Server represents the HTTP API server
type Server struct {
	config     *config.Config
	logger     *logger.Logger
	moderator  *moderation.Moderator
	hub        *websocket.Hub
	metrics    *metrics.Metrics
	incidents  IncidentReader
	cache      CacheAdmin
	reloadBias func() (config.BiasConfig, error)
	limiter    *RateLimiter
	version    string
	startedAt  time.Time

	router *mux.Router
	server *http.Server
}

// New creates a new server instance
func New(opts Options) (*Server, error) {
	if opts.Config == nil || opts.Moderator == nil {
		return nil, errors.New("server needs a config and a moderator")
	}
	if opts.Logger == nil {
		opts.Logger = logger.NewNop()
	}

	s := &Server{
		config:     opts.Config,
		logger:     opts.Logger.WithComponent("server"),
		moderator:  opts.Moderator,
		hub:        opts.Hub,
		metrics:    opts.Metrics,
		incidents:  opts.Incidents,
		cache:      opts.Cache,
		reloadBias: opts.ReloadBias,
		version:    opts.Version,
		startedAt:  time.Now(),
		router:     mux.NewRouter(),
	}
	if opts.Config.RateLimit.Enabled {
		s.limiter = NewRateLimiter(opts.Config.RateLimit.RequestsPerSecond, opts.Config.RateLimit.Burst)
	}

	s.setupRoutes()

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", opts.Config.Server.Port),
		Handler:      s.router,
		ReadTimeout:  opts.Config.Server.ReadTimeout,
		WriteTimeout: opts.Config.Server.WriteTimeout,
		IdleTimeout:  opts.Config.Server.IdleTimeout,
	}
	return s, nil
}

func (s *Server) setupRoutes() {
	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	s.router.HandleFunc("/info", s.handleInfo).Methods(http.MethodGet)

	if s.config.Metrics.Enabled && s.metrics != nil {
		s.router.Handle(s.config.Metrics.Path, s.metrics.Handler()).Methods(http.MethodGet)
	}
	if s.config.WebSocket.Enabled && s.hub != nil {
		s.router.HandleFunc(s.config.WebSocket.Path, s.hub.HandleWebSocket).Methods(http.MethodGet)
	}

	api := s.router.PathPrefix("/v1/bias").Subrouter()
	api.Use(s.loggingMiddleware)
	api.Use(s.metricsMiddleware)
	api.Use(s.rateLimitMiddleware)

	s.route(api, "/detect", http.MethodPost, s.handleDetect)
	s.route(api, "/correct", http.MethodPost, s.handleCorrect)
	s.route(api, "/reload", http.MethodPost, s.handleReload)
	s.route(api, "/incidents", http.MethodGet, s.handleIncidents)
	s.route(api, "/incidents/stats", http.MethodGet, s.handleIncidentStats)
	s.route(api, "/cache/stats", http.MethodGet, s.handleCacheStats)
	s.route(api, "/cache", http.MethodDelete, s.handleCacheClear)
}

// route binds handler to method on path and answers every other method on
// the same path with 405. Subrouters report a method mismatch as not found.
func (s *Server) route(r *mux.Router, path, method string, handler http.HandlerFunc) {
	r.HandleFunc(path, handler).Methods(method)
	r.HandleFunc(path, func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Allow", method)
		s.writeError(w, req, http.StatusMethodNotAllowed, "method_not_allowed",
			fmt.Sprintf("%s is not allowed on %s", req.Method, req.URL.Path))
	})
}

// Handler returns the root HTTP handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves HTTP until Stop is called. Background workers stop with ctx.
func (s *Server) Start(ctx context.Context) error {
	s.logger.Info("Starting bias-sentinel server",
		zap.Int("port", s.config.Server.Port),
		zap.String("fingerprint", s.moderator.Analyzer().Fingerprint()),
		zap.Bool("rate_limit", s.limiter != nil),
		zap.Bool("websocket", s.hub != nil && s.config.WebSocket.Enabled),
	)

	if s.limiter != nil {
		go s.limiter.Run(ctx, 5*time.Minute)
	}

	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop gracefully stops the HTTP server
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Stopping bias-sentinel server")
	return s.server.Shutdown(ctx)
}
