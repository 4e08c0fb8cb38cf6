// Package health provides health check HTTP endpoints for the tunnel.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tzachbaksis/tcpovericmp/internal/logging"
	"github.com/tzachbaksis/tcpovericmp/internal/recovery"
)

// StatsProvider reports engine liveness and a JSON-encodable snapshot.
type StatsProvider interface {
	// IsRunning returns true while the engine is serving.
	IsRunning() bool

	// StatsSnapshot returns current engine statistics.
	StatsSnapshot() any
}

// ServerConfig contains health server configuration.
type ServerConfig struct {
	// Address to listen on (e.g., "127.0.0.1:9090")
	Address string

	// Mode is reported in /healthz ("client" or "server").
	Mode string

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DefaultServerConfig returns sensible defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Address:      "127.0.0.1:9090",
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}

// Server is an HTTP server for health check endpoints.
type Server struct {
	cfg       ServerConfig
	provider  StatsProvider
	logger    *slog.Logger
	server    *http.Server
	listener  net.Listener
	running   atomic.Bool
	startedAt time.Time
}

// NewServer creates a health server. gatherer backs /metrics; nil uses the
// default Prometheus registry.
func NewServer(cfg ServerConfig, provider StatsProvider, gatherer prometheus.Gatherer, logger *slog.Logger) *Server {
	s := &Server{
		cfg:       cfg,
		provider:  provider,
		logger:    logging.OrNop(logger).With(logging.KeyComponent, "health"),
		startedAt: time.Now(),
	}

	metricsHandler := promhttp.Handler()
	if gatherer != nil {
		metricsHandler = promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
	}

	mux := http.NewServeMux()
	mux.Handle("/health", getOnly(s.handleHealth))
	mux.Handle("/healthz", getOnly(s.handleHealthz))
	mux.Handle("/ready", getOnly(s.handleReady))
	mux.Handle("/stats", getOnly(s.handleStats))
	mux.Handle("/metrics", metricsHandler)

	s.server = &http.Server{
		Addr:         cfg.Address,
		Handler:      mux,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	return s
}

// Start binds the listener and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Address)
	if err != nil {
		return err
	}
	s.listener = ln
	s.running.Store(true)

	go func() {
		defer recovery.RecoverWithLog(s.logger, "health.Server.Serve")
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("health server failed", logging.KeyError, err)
		}
	}()

	s.logger.Info("health server started", logging.KeyLocalAddr, ln.Addr().String())
	return nil
}

// Stop shuts the server down.
func (s *Server) Stop() error {
	if !s.running.Swap(false) {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return s.server.Shutdown(ctx)
}

// Address returns the server's listen address.
func (s *Server) Address() net.Addr {
	if s.listener != nil {
		return s.listener.Addr()
	}
	return nil
}

// Handler returns the HTTP handler for embedding in other servers.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK\n"))
}

// handleHealthz returns 200 with JSON status if the engine is running,
// 503 otherwise.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	running := s.provider != nil && s.provider.IsRunning()
	status, code := "healthy", http.StatusOK
	if !running {
		status, code = "unavailable", http.StatusServiceUnavailable
	}

	writeJSON(w, code, map[string]any{
		"status":  status,
		"running": running,
		"mode":    s.cfg.Mode,
		"uptime":  humanize.RelTime(s.startedAt, time.Now(), "", ""),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	if s.provider == nil || !s.provider.IsRunning() {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("NOT READY\n"))
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("READY\n"))
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if s.provider == nil {
		http.Error(w, "no engine", http.StatusServiceUnavailable)
		return
	}

	writeJSON(w, http.StatusOK, s.provider.StatsSnapshot())
}

// getOnly rejects everything but GET and HEAD.
func getOnly(h http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet, http.MethodHead:
			h(w, r)
		default:
			w.Header().Set("Allow", "GET, HEAD")
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
