// Package health serves liveness, readiness and Prometheus endpoints for a
// hybridwire node.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// StatsProvider reports the state of the responder.
type StatsProvider interface {
	IsRunning() bool
	Stats() Stats
}

// Stats is the /healthz payload.
type Stats struct {
	Connections int `json:"connections"`
	Established int `json:"established"`
	Handshaking int `json:"handshaking"`
	Relaying    int `json:"relaying"`
	QueueDepth  int `json:"queue_depth"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Address      string
	MetricsPath  string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// Gatherer backs the metrics endpoint. Defaults to the global registry.
	Gatherer prometheus.Gatherer
}

// DefaultServerConfig binds loopback only.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Address:      "127.0.0.1:9420",
		MetricsPath:  "/metrics",
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}

// Server serves the health and metrics endpoints.
type Server struct {
	cfg      ServerConfig
	provider StatsProvider
	server   *http.Server
	listener net.Listener
	running  atomic.Bool
}

// NewServer creates a health server. provider may be nil, in which case
// /healthz and /ready report unavailable.
func NewServer(cfg ServerConfig, provider StatsProvider) *Server {
	if cfg.MetricsPath == "" {
		cfg.MetricsPath = "/metrics"
	}
	gatherer := cfg.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	s := &Server{cfg: cfg, provider: provider}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, _ *http.Request) {
		writeText(w, http.StatusOK, "OK")
	})
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /ready", s.handleReady)
	mux.Handle("GET "+cfg.MetricsPath, promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	s.server = &http.Server{
		Addr:              cfg.Address,
		Handler:           mux,
		ReadHeaderTimeout: cfg.ReadTimeout,
		ReadTimeout:       cfg.ReadTimeout,
		WriteTimeout:      cfg.WriteTimeout,
	}
	return s
}

// Start binds the configured address and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Address)
	if err != nil {
		return err
	}
	s.listener = ln
	s.running.Store(true)

	go func() {
		err := s.server.Serve(ln)
		if !errors.Is(err, http.ErrServerClosed) {
			s.running.Store(false)
		}
	}()
	return nil
}

// Stop shuts the server down, waiting up to 5s for in-flight requests.
func (s *Server) Stop() error {
	if !s.running.Swap(false) {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

// Address returns the bound address, or nil before Start.
func (s *Server) Address() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *Server) IsRunning() bool {
	return s.running.Load()
}

// Handler returns the routing handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

func (s *Server) serving() bool {
	return s.provider != nil && s.provider.IsRunning()
}

// healthz is the /healthz body.
type healthz struct {
	Status  string `json:"status"`
	Running bool   `json:"running"`
	*Stats
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	if !s.serving() {
		writeJSON(w, http.StatusServiceUnavailable, healthz{Status: "unavailable"})
		return
	}
	st := s.provider.Stats()
	writeJSON(w, http.StatusOK, healthz{Status: "healthy", Running: true, Stats: &st})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	if !s.serving() {
		writeText(w, http.StatusServiceUnavailable, "NOT READY")
		return
	}
	writeText(w, http.StatusOK, "READY")
}

func writeText(w http.ResponseWriter, code int, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(code)
	io.WriteString(w, body+"\n")
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
