// Package serve runs the devhost admin HTTP server: Prometheus metrics,
// liveness and readiness checks, and a stats summary.
package serve

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/heptiolabs/healthcheck"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/everydev1618/devhost/portreg"
	"github.com/everydev1618/devhost/project"
)

const (
	// DefaultStopWorkers bounds concurrent stops on shutdown.
	DefaultStopWorkers = 4

	readyCheckTimeout = 3 * time.Second
	shutdownTimeout   = 5 * time.Second
)

// Daemon is the part of *devhost.Daemon the server needs.
type Daemon interface {
	Ping(ctx context.Context) error
	Registry() *prometheus.Registry
	Projects(ctx context.Context) ([]*project.Project, error)
	Ports() []portreg.Allocation
	StopAll(ctx context.Context, workers int) ([]string, error)
}

// Config holds server configuration.
type Config struct {
	Addr string
	// StopOnExit stops every running project after the listener closes.
	StopOnExit  bool
	StopWorkers int
}

// Server is the admin HTTP server.
type Server struct {
	daemon    Daemon
	cfg       Config
	health    healthcheck.Handler
	logger    *slog.Logger
	startedAt time.Time
}

// New creates a new Server.
func New(d Daemon, cfg Config, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.StopWorkers < 1 {
		cfg.StopWorkers = DefaultStopWorkers
	}
	s := &Server{
		daemon:    d,
		cfg:       cfg,
		logger:    logger,
		startedAt: time.Now(),
	}

	s.health = healthcheck.NewMetricsHandler(d.Registry(), "devhost")
	s.health.AddLivenessCheck("goroutine-threshold", healthcheck.GoroutineCountCheck(1000))
	s.health.AddReadinessCheck("engine", healthcheck.Timeout(func() error {
		ctx, cancel := context.WithTimeout(context.Background(), readyCheckTimeout)
		defer cancel()
		return d.Ping(ctx)
	}, readyCheckTimeout))
	return s
}

// Handler returns the server's routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	reg := s.daemon.Registry()
	mux.Handle("GET /metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	mux.HandleFunc("GET /live", s.health.LiveEndpoint)
	mux.HandleFunc("GET /ready", s.health.ReadyEndpoint)
	mux.HandleFunc("GET /api/stats", s.handleStats)
	return mux
}

// Start listens for HTTP requests. It blocks until ctx is cancelled, then
// shuts down gracefully and, with StopOnExit, stops running projects.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve is Start on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("devhost serve started", "addr", ln.Addr().String())
		if err := srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("shutting down server")
	case err := <-errCh:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("server shutdown error", "error", err)
	}

	if s.cfg.StopOnExit {
		stopCtx := context.WithoutCancel(ctx)
		stopped, err := s.daemon.StopAll(stopCtx, s.cfg.StopWorkers)
		if err != nil {
			return fmt.Errorf("stop projects: %w", err)
		}
		s.logger.Info("stopped projects on exit", "count", len(stopped))
	}
	return nil
}
