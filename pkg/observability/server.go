package observability

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/cwhhwc/AI-lesson-plan-writing/internal/logger"
)

// Server provides HTTP endpoints for observability
type Server struct {
	httpServer *http.Server
	addr       string
	metrics    *Metrics
	health     *HealthChecker
	log        *logger.Logger
}

// NewServer creates a new observability server listening on addr.
func NewServer(addr string, metrics *Metrics, health *HealthChecker, log *logger.Logger) *Server {
	if health == nil {
		health = NewHealthChecker()
	}
	s := &Server{
		addr:    addr,
		metrics: metrics,
		health:  health,
		log:     logger.OrNop(log),
	}
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	return s
}

// Handler returns the endpoint mux.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Health endpoints
	mux.HandleFunc("/health", s.health.Handler())
	mux.HandleFunc("/health/live", LivenessHandler())
	mux.HandleFunc("/health/ready", s.health.ReadinessHandler())

	// Metrics endpoint
	if s.metrics != nil {
		mux.Handle("/metrics", s.metrics.Handler())
	}
	return mux
}

// Start serves until Shutdown. It returns nil after a graceful shutdown.
func (s *Server) Start() error {
	s.log.Info("observability server listening", "addr", s.addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
