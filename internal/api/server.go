// Package api provides the HTTP API server implementation.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ntt-orchestrator/internal/logging"
	"github.com/ntt-orchestrator/internal/queue"
	"github.com/ntt-orchestrator/internal/types"
)

// TaskService is the dispatcher as seen by the HTTP layer
type TaskService interface {
	StartTask(ctx context.Context, taskName string, params interface{}) (string, error)
	GetTaskStatus(ctx context.Context, callID string) (*types.Call, error)
}

// QueueSource lists the queues whose history can be exported
type QueueSource interface {
	Queues() []*queue.Queue
}

// HealthCheck reports whether a dependency is reachable
type HealthCheck func(ctx context.Context) error

// Server represents the HTTP API server.
type Server struct {
	router     *mux.Router
	httpServer *http.Server
	tasks      TaskService
	queues     QueueSource
	checks     map[string]HealthCheck
	config     *ServerConfig
	logger     *logging.Logger
}

// ServerConfig holds server configuration.
type ServerConfig struct {
	Host              string
	Port              string
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	RequestsPerSecond int
	Burst             int
	// ExportDir receives job history exports
	ExportDir string
}

// Dependencies holds what the server's handlers call into
type Dependencies struct {
	Tasks  TaskService
	Queues QueueSource
	Checks map[string]HealthCheck
	Logger *logging.Logger
}

// NewServer creates a new API server instance.
func NewServer(config *ServerConfig, deps *Dependencies) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}

	s := &Server{
		router: mux.NewRouter(),
		tasks:  deps.Tasks,
		queues: deps.Queues,
		checks: deps.Checks,
		config: config,
		logger: logger.WithField("component", "api"),
	}

	s.setupRouter()

	return s
}

// setupRouter configures the router with middleware and routes
func (s *Server) setupRouter() {
	rateLimiter := NewRateLimiter(s.config.RequestsPerSecond, s.config.Burst)

	// Order matters: recovery must see panics from everything below it
	s.router.Use(LoggingMiddleware(s.logger))
	s.router.Use(RecoveryMiddleware(s.logger))
	s.router.Use(CORSMiddleware)
	s.router.Use(RateLimitMiddleware(rateLimiter))
	s.router.Use(CompressionMiddleware)

	s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf("%s:%s", s.config.Host, s.config.Port),
		Handler:           s.router,
		ReadTimeout:       s.config.ReadTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      s.config.WriteTimeout,
		IdleTimeout:       s.config.IdleTimeout,
	}
}

// setupRoutes configures all API routes.
func (s *Server) setupRoutes() {
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
	s.router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	tasks := s.router.PathPrefix("/tasks").Subrouter()
	tasks.HandleFunc("/start/{taskName}", s.handleStartTask).Methods("POST")
	tasks.HandleFunc("/{id}/status", s.handleGetTaskStatus).Methods("GET")

	admin := s.router.PathPrefix("/admin").Subrouter()
	admin.HandleFunc("/jobs/export", s.handleExportJobs).Methods("GET")
}

// Handler exposes the configured router, mainly for tests
func (s *Server) Handler() http.Handler {
	return s.router
}

// handleHealth handles health check requests.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	status := http.StatusOK
	deps := make(map[string]string, len(s.checks))
	for name, check := range s.checks {
		if err := check(ctx); err != nil {
			deps[name] = err.Error()
			status = http.StatusServiceUnavailable
			continue
		}
		deps[name] = "ok"
	}

	health := "healthy"
	if status != http.StatusOK {
		health = "unhealthy"
	}
	respondJSON(w, status, map[string]interface{}{
		"status":       health,
		"service":      "ntt-orchestrator",
		"dependencies": deps,
	})
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.logger.Infof("Starting API server on %s", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down API server...")
	return s.httpServer.Shutdown(ctx)
}
