// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package health

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/absmach/testbroker/broker"
	"github.com/absmach/testbroker/engine"
	"github.com/absmach/testbroker/node"
)

const probeTimeout = 2 * time.Second

// Config holds health check server configuration.
type Config struct {
	Address         string
	ShutdownTimeout time.Duration
	// Ready is closed once the AMQP listener accepts connections. Nil means
	// ready as soon as the reactor answers.
	Ready <-chan struct{}
}

// Server provides health check endpoints for monitoring and orchestration.
type Server struct {
	config Config
	engine *engine.Engine
	broker *broker.Broker
	logger *slog.Logger
	server *http.Server

	mu       sync.Mutex
	listener net.Listener
}

// New creates a new health check server.
func New(cfg Config, e *engine.Engine, b *broker.Broker, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 5 * time.Second
	}

	s := &Server{
		config: cfg,
		engine: e,
		broker: b,
		logger: logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/ready", s.handleReady)
	mux.HandleFunc("/nodes", s.handleNodes)

	s.server = &http.Server{
		Addr:         cfg.Address,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	return s
}

// Handler returns the health HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Addr returns the listener's network address.
// Returns an empty string if server hasn't started listening yet.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Listen starts the health check server.
func (s *Server) Listen(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()

	s.logger.Info("health server started", slog.String("address", listener.Addr().String()))

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
		defer cancel()

		if err := s.server.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("health server shutdown error", slog.String("error", err.Error()))
			return err
		}

		s.logger.Info("health server stopped")
		return nil
	}
}

// HealthResponse represents the liveness probe response.
type HealthResponse struct {
	Status string `json:"status"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, HealthResponse{Status: "healthy"})
}

// ReadyResponse represents the readiness probe response.
type ReadyResponse struct {
	Status  string `json:"status"`
	Details string `json:"details,omitempty"`
}

// handleReady reports ready once the listener is up and the reactor
// answers within the probe timeout.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if s.config.Ready != nil {
		select {
		case <-s.config.Ready:
		default:
			writeJSON(w, http.StatusServiceUnavailable, ReadyResponse{Status: "not_ready", Details: "listener not started"})
			return
		}
	}

	ctx, cancel := context.WithTimeout(r.Context(), probeTimeout)
	defer cancel()
	if err := s.engine.Call(ctx, func() {}); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, ReadyResponse{Status: "not_ready", Details: err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, ReadyResponse{Status: "ready"})
}

// NodesResponse is a snapshot of every node and the engine counters.
type NodesResponse struct {
	Nodes  []node.Stats    `json:"nodes"`
	Engine engine.Snapshot `json:"engine"`
}

func (s *Server) handleNodes(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var nodes []node.Stats
	ctx, cancel := context.WithTimeout(r.Context(), probeTimeout)
	defer cancel()
	if err := s.engine.Call(ctx, func() { nodes = s.broker.Nodes() }); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, ReadyResponse{Status: "unavailable", Details: err.Error()})
		return
	}
	if nodes == nil {
		nodes = []node.Stats{}
	}

	writeJSON(w, http.StatusOK, NodesResponse{Nodes: nodes, Engine: s.engine.Stats().Snapshot()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
