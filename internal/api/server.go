// Package api provides the read-only HTTP API over cached statistics.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/scrobble-stats/internal/circuitbreaker"
	"github.com/scrobble-stats/internal/logging"
	"github.com/scrobble-stats/internal/metrics"
	"github.com/scrobble-stats/internal/models"
	"github.com/scrobble-stats/internal/types"
)

// Service interfaces for dependency injection and testing

// StatReader serves committed payloads
type StatReader interface {
	Get(ctx context.Context, key models.CacheKey) (*models.CachedStat, error)
	Latest(ctx context.Context, statType types.StatType, kind types.PeriodKind, scope string) (*models.CachedStat, error)
}

// ImportErrorReader lists quarantined ingestion records
type ImportErrorReader interface {
	List(ctx context.Context, limit, offset int) ([]*models.ImportErrorRecord, error)
	Count(ctx context.Context) (int64, error)
}

// HealthCheck checks one dependency
type HealthCheck func(ctx context.Context) error

// Server represents the HTTP API server.
type Server struct {
	router       *mux.Router
	httpServer   *http.Server
	stats        StatReader
	importErrors ImportErrorReader
	checks       map[string]HealthCheck
	breakers     *circuitbreaker.CircuitBreakerManager
	metrics      *metrics.Manager
	config       *ServerConfig
}

// ServerConfig holds server configuration.
type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
	RequestsPerSec  int // Requests per second per client
	Burst           int
}

// ServerDeps are the collaborators the server reads from
type ServerDeps struct {
	Stats        StatReader
	ImportErrors ImportErrorReader
	// Checks are run by /health, keyed by dependency name
	Checks   map[string]HealthCheck
	Breakers *circuitbreaker.CircuitBreakerManager
	Metrics  *metrics.Manager
}

// NewServer creates a new API server instance.
func NewServer(config *ServerConfig, deps ServerDeps) *Server {
	s := &Server{
		router:       mux.NewRouter(),
		stats:        deps.Stats,
		importErrors: deps.ImportErrors,
		checks:       deps.Checks,
		breakers:     deps.Breakers,
		metrics:      deps.Metrics,
		config:       config,
	}
	if s.breakers != nil && s.stats != nil {
		s.stats = newGuardedStats(s.stats, s.breakers)
	}

	s.setupRouter()

	return s
}

// setupRouter configures the router with middleware and routes
func (s *Server) setupRouter() {
	rateLimiter := NewRateLimiter(s.config.RequestsPerSec, s.config.Burst)

	// Set up middleware (order matters!)
	s.router.Use(LoggingMiddleware)
	s.router.Use(RecoveryMiddleware)
	s.router.Use(MetricsMiddleware(s.metrics))
	s.router.Use(CORSMiddleware)
	s.router.Use(RateLimitMiddleware(rateLimiter))
	s.router.Use(CompressionMiddleware)

	s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%s", s.config.Host, s.config.Port),
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  s.config.IdleTimeout,
	}
}

// setupRoutes configures all API routes.
func (s *Server) setupRoutes() {
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
	if s.metrics != nil {
		s.router.Handle("/metrics", s.metrics.Handler()).Methods("GET")
	}

	api := s.router.PathPrefix("/api").Subrouter()

	api.HandleFunc("/stats/{statType}/{kind}/latest", s.handleLatestStat).Methods("GET")
	api.HandleFunc("/stats/{statType}/{kind}", s.handleGetStat).Methods("GET")
	api.HandleFunc("/import-errors", s.handleListImportErrors).Methods("GET")
}

// HealthResponse reports dependency health
type HealthResponse struct {
	Status       string                           `json:"status"`
	Service      string                           `json:"service"`
	Dependencies map[string]string                `json:"dependencies,omitempty"`
	Breakers     map[string]*circuitbreaker.Stats `json:"breakers,omitempty"`
}

// handleHealth handles health check requests.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	resp := HealthResponse{
		Status:       "healthy",
		Service:      "scrobble-stats",
		Dependencies: make(map[string]string, len(s.checks)),
	}
	for name, check := range s.checks {
		if err := check(ctx); err != nil {
			logging.FromContext(ctx).WithError(err).WithField("dependency", name).Warn("Health check failed")
			resp.Dependencies[name] = "unhealthy"
			resp.Status = "unhealthy"
			continue
		}
		resp.Dependencies[name] = "healthy"
	}
	if s.breakers != nil {
		resp.Breakers = s.breakers.GetAllStats()
	}

	code := http.StatusOK
	if resp.Status != "healthy" {
		code = http.StatusServiceUnavailable
	}
	respondJSON(w, code, resp)
}

// Handler exposes the router, mainly for tests
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	logging.WithField("addr", s.httpServer.Addr).Info("Starting API server")
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	logging.Info("Shutting down API server...")
	return s.httpServer.Shutdown(ctx)
}
