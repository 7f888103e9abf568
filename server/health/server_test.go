// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package health

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/absmach/testbroker/broker"
	"github.com/absmach/testbroker/engine"
	"github.com/absmach/testbroker/node"
)

func nullLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newStack returns a broker and its engine. The reactor runs until the
// returned stop function is called.
func newStack(t *testing.T, topics ...string) (*engine.Engine, *broker.Broker, func()) {
	t.Helper()
	b, err := broker.New(broker.Config{ID: "broker-health", Topics: topics}, nullLogger())
	if err != nil {
		t.Fatalf("failed to create broker: %v", err)
	}
	e := engine.New(engine.Config{ContainerID: "broker-health"}, b, nullLogger())

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		_ = e.Run(ctx)
	}()
	stop := func() {
		cancel()
		<-stopped
	}
	t.Cleanup(stop)
	return e, b, stop
}

func TestAddrWithoutListener(t *testing.T) {
	e, b, _ := newStack(t)
	server := New(Config{}, e, b, nullLogger())
	if server.Addr() != "" {
		t.Fatalf("expected empty address before listen, got %q", server.Addr())
	}
}

func TestHealthEndpoint(t *testing.T) {
	e, b, _ := newStack(t)
	server := New(Config{}, e, b, nullLogger())

	tests := []struct {
		name           string
		method         string
		expectedStatus int
	}{
		{name: "GET request returns healthy", method: http.MethodGet, expectedStatus: http.StatusOK},
		{name: "POST request not allowed", method: http.MethodPost, expectedStatus: http.StatusMethodNotAllowed},
		{name: "PUT request not allowed", method: http.MethodPut, expectedStatus: http.StatusMethodNotAllowed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, "http://test/health", nil)
			rec := httptest.NewRecorder()

			server.Handler().ServeHTTP(rec, req)

			if rec.Code != tt.expectedStatus {
				t.Errorf("expected status %d, got %d", tt.expectedStatus, rec.Code)
			}

			if tt.expectedStatus == http.StatusOK {
				var response HealthResponse
				if err := json.NewDecoder(rec.Body).Decode(&response); err != nil {
					t.Fatalf("failed to decode response: %v", err)
				}
				if response.Status != "healthy" {
					t.Errorf("expected status %q, got %q", "healthy", response.Status)
				}
			}
		})
	}
}

func TestReadyEndpoint(t *testing.T) {
	closed := make(chan struct{})
	close(closed)

	tests := []struct {
		name               string
		ready              chan struct{}
		stopped            bool
		expectedStatus     int
		expectedStatusText string
	}{
		{
			name:               "no listener gate - ready",
			expectedStatus:     http.StatusOK,
			expectedStatusText: "ready",
		},
		{
			name:               "listener started - ready",
			ready:              closed,
			expectedStatus:     http.StatusOK,
			expectedStatusText: "ready",
		},
		{
			name:               "listener not started - not ready",
			ready:              make(chan struct{}),
			expectedStatus:     http.StatusServiceUnavailable,
			expectedStatusText: "not_ready",
		},
		{
			name:               "reactor stopped - not ready",
			stopped:            true,
			expectedStatus:     http.StatusServiceUnavailable,
			expectedStatusText: "not_ready",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, b, stop := newStack(t)
			if tt.stopped {
				stop()
			}
			cfg := Config{}
			if tt.ready != nil {
				cfg.Ready = tt.ready
			}
			server := New(cfg, e, b, nullLogger())

			req := httptest.NewRequest(http.MethodGet, "http://test/ready", nil)
			rec := httptest.NewRecorder()
			server.Handler().ServeHTTP(rec, req)

			if rec.Code != tt.expectedStatus {
				t.Errorf("expected status %d, got %d", tt.expectedStatus, rec.Code)
			}

			var response ReadyResponse
			if err := json.NewDecoder(rec.Body).Decode(&response); err != nil {
				t.Fatalf("failed to decode response: %v", err)
			}
			if response.Status != tt.expectedStatusText {
				t.Errorf("expected status %q, got %q", tt.expectedStatusText, response.Status)
			}
		})
	}
}

func TestNodesEndpoint(t *testing.T) {
	e, b, _ := newStack(t, "news", "alerts")
	server := New(Config{}, e, b, nullLogger())

	req := httptest.NewRequest(http.MethodGet, "http://test/nodes", nil)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("expected JSON content type, got %q", ct)
	}

	var response NodesResponse
	if err := json.NewDecoder(rec.Body).Decode(&response); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(response.Nodes) != 2 {
		t.Fatalf("expected 2 nodes, got %d", len(response.Nodes))
	}
	seen := map[string]node.Stats{}
	for _, n := range response.Nodes {
		seen[n.Address] = n
	}
	for _, addr := range []string{"news", "alerts"} {
		n, ok := seen[addr]
		if !ok {
			t.Errorf("missing node %q", addr)
			continue
		}
		if n.Kind != "topic" {
			t.Errorf("expected %q to be a topic, got %q", addr, n.Kind)
		}
	}
	if response.Engine.CurrentConnections != 0 {
		t.Errorf("expected no connections, got %d", response.Engine.CurrentConnections)
	}
}

func TestNodesEndpointEmpty(t *testing.T) {
	e, b, _ := newStack(t)
	server := New(Config{}, e, b, nullLogger())

	req := httptest.NewRequest(http.MethodGet, "http://test/nodes", nil)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	var raw map[string]json.RawMessage
	if err := json.NewDecoder(rec.Body).Decode(&raw); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if string(raw["nodes"]) != "[]" {
		t.Errorf("expected empty node list, got %s", raw["nodes"])
	}
}

func TestListenAndShutdown(t *testing.T) {
	e, b, _ := newStack(t)
	server := New(Config{Address: "127.0.0.1:0", ShutdownTimeout: time.Second}, e, b, nullLogger())

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Listen(ctx)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for server.Addr() == "" && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if server.Addr() == "" {
		cancel()
		t.Fatal("server did not start listening")
	}

	resp, err := http.Get("http://" + server.Addr() + "/health")
	if err != nil {
		cancel()
		t.Fatalf("request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected status 200, got %d", resp.StatusCode)
	}

	cancel()
	select {
	case err := <-errCh:
		if err != nil {
			t.Errorf("unexpected shutdown error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}
