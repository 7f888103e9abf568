// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package websocket serves AMQP 1.0 over WebSocket using the "amqp"
// subprotocol. Each binary message carries a run of AMQP bytes; frames may
// span messages.
package websocket

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/absmach/testbroker/ratelimit"
	"github.com/gorilla/websocket"
)

// Subprotocol is the WebSocket subprotocol for AMQP 1.0.
const Subprotocol = "amqp"

var errTextMessage = errors.New("expected binary message")

// Handler serves one upgraded connection until it closes.
type Handler interface {
	HandleConnection(conn net.Conn)
}

type Config struct {
	Address         string
	Path            string
	ShutdownTimeout time.Duration
	Limiter         *ratelimit.Limiter
}

type Server struct {
	config   Config
	handler  Handler
	logger   *slog.Logger
	server   *http.Server
	upgrader websocket.Upgrader
}

func New(cfg Config, h Handler, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Path == "" {
		cfg.Path = "/"
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}

	s := &Server{
		config:  cfg,
		handler: h,
		logger:  logger,
		upgrader: websocket.Upgrader{
			Subprotocols: []string{Subprotocol},
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc(cfg.Path, s.handleWebSocket)

	s.server = &http.Server{
		Addr:              cfg.Address,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return s
}

// Handler returns the HTTP handler that upgrades requests on the
// configured path.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

func (s *Server) Listen(ctx context.Context) error {
	s.logger.Info("AMQP WebSocket server started",
		slog.String("address", s.config.Address),
		slog.String("path", s.config.Path))

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
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
			s.logger.Error("AMQP WebSocket shutdown error", slog.String("error", err.Error()))
			return err
		}

		s.logger.Info("AMQP WebSocket server stopped")
		return nil
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if !websocket.IsWebSocketUpgrade(r) {
		http.Error(w, "websocket upgrade required", http.StatusBadRequest)
		return
	}

	if s.config.Limiter != nil {
		if err := s.config.Limiter.Acquire(addr(r.RemoteAddr)); err != nil {
			s.logger.Warn("AMQP WebSocket connection refused",
				slog.String("remote", r.RemoteAddr),
				slog.String("error", err.Error()))
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		defer s.config.Limiter.Release()
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("AMQP WebSocket upgrade failed", slog.String("error", err.Error()))
		return
	}
	if ws.Subprotocol() != Subprotocol {
		s.logger.Warn("AMQP WebSocket client did not request the amqp subprotocol",
			slog.String("remote", r.RemoteAddr))
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseProtocolError, "amqp subprotocol required"),
			time.Now().Add(time.Second))
		ws.Close()
		return
	}

	s.logger.Debug("AMQP WebSocket connection accepted", slog.String("remote", r.RemoteAddr))

	conn := newWSConnection(ws, r.RemoteAddr)
	defer conn.Close()
	s.handler.HandleConnection(conn)
}

// wsConnection adapts a WebSocket to the byte stream net.Conn the engine
// reads frames from.
type wsConnection struct {
	ws         *websocket.Conn
	remoteAddr string

	readMu sync.Mutex
	reader io.Reader

	writeMu sync.Mutex

	closeOnce sync.Once
	closeErr  error
}

func newWSConnection(ws *websocket.Conn, remoteAddr string) net.Conn {
	return &wsConnection{ws: ws, remoteAddr: remoteAddr}
}

func (c *wsConnection) Read(b []byte) (int, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()

	for {
		if c.reader == nil {
			messageType, r, err := c.ws.NextReader()
			if err != nil {
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					return 0, io.EOF
				}
				return 0, err
			}
			if messageType != websocket.BinaryMessage {
				return 0, errTextMessage
			}
			c.reader = r
		}

		n, err := c.reader.Read(b)
		if errors.Is(err, io.EOF) {
			c.reader = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

func (c *wsConnection) Write(b []byte) (int, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.ws.WriteMessage(websocket.BinaryMessage, b); err != nil {
		return 0, err
	}
	return len(b), nil
}

func (c *wsConnection) Close() error {
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		c.closeErr = c.ws.Close()
	})
	return c.closeErr
}

func (c *wsConnection) LocalAddr() net.Addr {
	return c.ws.LocalAddr()
}

func (c *wsConnection) RemoteAddr() net.Addr {
	return addr(c.remoteAddr)
}

func (c *wsConnection) SetReadDeadline(t time.Time) error {
	return c.ws.SetReadDeadline(t)
}

func (c *wsConnection) SetWriteDeadline(t time.Time) error {
	return c.ws.SetWriteDeadline(t)
}

func (c *wsConnection) SetDeadline(t time.Time) error {
	if err := c.ws.SetReadDeadline(t); err != nil {
		return err
	}
	return c.ws.SetWriteDeadline(t)
}

// addr implements net.Addr for WebSocket peers.
type addr string

func (a addr) Network() string { return "websocket" }
func (a addr) String() string  { return string(a) }
