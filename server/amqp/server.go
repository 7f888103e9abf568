// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package amqp

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/absmach/testbroker/pkg/readyfile"
	mtls "github.com/absmach/testbroker/pkg/tls"
	"github.com/absmach/testbroker/ratelimit"
)

// ErrShutdownTimeout is returned when graceful shutdown exceeds the configured timeout.
var ErrShutdownTimeout = errors.New("shutdown timeout exceeded")

// Handler serves one accepted connection until it closes.
type Handler interface {
	HandleConnection(conn net.Conn)
}

// Config holds the AMQP server configuration.
type Config struct {
	Address         string
	TLSConfig       *tls.Config
	Logger          *slog.Logger
	ShutdownTimeout time.Duration
	// Limiter gates new connections. Nil admits everything.
	Limiter *ratelimit.Limiter
	// ReadyFile, if set, receives the ready marker once the listener is up.
	ReadyFile string
}

// Server is a TCP server that accepts AMQP 1.0 connections.
type Server struct {
	mu       sync.Mutex
	wg       sync.WaitGroup
	config   Config
	handler  Handler
	listener net.Listener
	conns    map[net.Conn]struct{}
	ready    chan struct{}
}

// New creates a new AMQP server.
func New(cfg Config, h Handler) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}

	return &Server{
		config:  cfg,
		handler: h,
		conns:   make(map[net.Conn]struct{}),
		ready:   make(chan struct{}),
	}
}

// Listen starts the server and blocks until context is cancelled.
func (s *Server) Listen(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.Address, err)
	}

	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()

	if s.config.TLSConfig != nil {
		listener = tls.NewListener(listener, s.config.TLSConfig)
	}

	s.config.Logger.Info("AMQP server started",
		slog.String("address", listener.Addr().String()),
		slog.String("security", mtls.SecurityStatus(s.config.TLSConfig)))

	if s.config.ReadyFile != "" {
		if err := readyfile.Write(s.config.ReadyFile); err != nil {
			listener.Close()
			return err
		}
	}
	close(s.ready)

	acceptDone := s.runAcceptLoop(ctx, listener)

	<-ctx.Done()
	return s.gracefulShutdown(listener, acceptDone)
}

// Ready is closed once the listener accepts connections.
func (s *Server) Ready() <-chan struct{} {
	return s.ready
}

func (s *Server) runAcceptLoop(ctx context.Context, listener net.Listener) <-chan struct{} {
	acceptDone := make(chan struct{})
	go func() {
		defer close(acceptDone)
		for {
			conn, err := listener.Accept()
			if err != nil {
				if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
					return
				}
				s.config.Logger.Error("failed to accept AMQP connection", slog.String("error", err.Error()))
				continue
			}

			if !s.admit(conn) {
				continue
			}

			if tcpConn, ok := conn.(*net.TCPConn); ok {
				tcpConn.SetKeepAlive(true)
				tcpConn.SetKeepAlivePeriod(15 * time.Second)
				tcpConn.SetNoDelay(true)
			}

			s.track(conn, true)
			s.wg.Add(1)
			go func(c net.Conn) {
				defer s.wg.Done()
				defer s.release(c)
				s.serve(c)
			}(conn)
		}
	}()
	return acceptDone
}

func (s *Server) admit(conn net.Conn) bool {
	if s.config.Limiter == nil {
		return true
	}
	if err := s.config.Limiter.Acquire(conn.RemoteAddr()); err != nil {
		s.config.Logger.Warn("AMQP connection refused",
			slog.String("remote", conn.RemoteAddr().String()),
			slog.String("error", err.Error()))
		conn.Close()
		return false
	}
	return true
}

func (s *Server) release(conn net.Conn) {
	conn.Close()
	s.track(conn, false)
	if s.config.Limiter != nil {
		s.config.Limiter.Release()
	}
}

func (s *Server) track(conn net.Conn, add bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if add {
		s.conns[conn] = struct{}{}
		return
	}
	delete(s.conns, conn)
}

func (s *Server) serve(conn net.Conn) {
	remote := conn.RemoteAddr().String()

	if tlsConn, ok := conn.(*tls.Conn); ok {
		_ = tlsConn.SetDeadline(time.Now().Add(10 * time.Second))
		cert, err := mtls.ClientCert(tlsConn)
		if err != nil {
			s.config.Logger.Warn("TLS handshake failed",
				slog.String("remote", remote),
				slog.String("error", err.Error()))
			return
		}
		_ = tlsConn.SetDeadline(time.Time{})
		if cert.Raw != nil {
			s.config.Logger.Debug("client certificate verified",
				slog.String("remote", remote),
				slog.String("subject", cert.Subject.CommonName))
		}
	}

	s.config.Logger.Debug("AMQP connection accepted", slog.String("remote", remote))
	s.handler.HandleConnection(conn)
}

func (s *Server) gracefulShutdown(listener net.Listener, acceptDone <-chan struct{}) error {
	s.config.Logger.Info("AMQP shutdown signal received, closing listener")

	if err := listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		s.config.Logger.Error("error closing AMQP listener", slog.String("error", err.Error()))
	}

	<-acceptDone

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.config.Logger.Info("all AMQP connections closed gracefully")
		return nil
	case <-time.After(s.config.ShutdownTimeout):
		s.config.Logger.Warn("AMQP shutdown timeout exceeded, forcing closure")
		s.mu.Lock()
		for c := range s.conns {
			c.Close()
		}
		s.mu.Unlock()
		select {
		case <-done:
		case <-time.After(time.Second):
		}
		return ErrShutdownTimeout
	}
}

// Addr returns the listener's network address.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}
