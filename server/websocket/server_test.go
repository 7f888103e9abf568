// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package websocket

import (
	"context"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/absmach/testbroker/amqp1"
	"github.com/absmach/testbroker/amqp1/frames"
	"github.com/absmach/testbroker/amqp1/performatives"
	"github.com/absmach/testbroker/broker"
	"github.com/absmach/testbroker/engine"
	"github.com/absmach/testbroker/ratelimit"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type echoHandler struct{}

func (echoHandler) HandleConnection(conn net.Conn) {
	_, _ = io.Copy(conn, conn)
}

func nullLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func serve(t *testing.T, cfg Config, h Handler) string {
	t.Helper()
	s := New(cfg, h, nullLogger())
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return "ws" + strings.TrimPrefix(ts.URL, "http") + cfg.Path
}

func dial(t *testing.T, url string, subprotocols ...string) *websocket.Conn {
	t.Helper()
	d := websocket.Dialer{Subprotocols: subprotocols, HandshakeTimeout: 2 * time.Second}
	ws, _, err := d.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })
	return ws
}

func TestStreamSpansMessages(t *testing.T) {
	url := serve(t, Config{Path: "/"}, echoHandler{})
	ws := dial(t, url, Subprotocol)
	assert.Equal(t, Subprotocol, ws.Subprotocol())

	require.NoError(t, ws.WriteMessage(websocket.BinaryMessage, []byte("AM")))
	require.NoError(t, ws.WriteMessage(websocket.BinaryMessage, []byte("QP")))

	var got []byte
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	for len(got) < 4 {
		mt, data, err := ws.ReadMessage()
		require.NoError(t, err)
		assert.Equal(t, websocket.BinaryMessage, mt)
		got = append(got, data...)
	}
	assert.Equal(t, "AMQP", string(got))
}

func TestSubprotocolRequired(t *testing.T) {
	url := serve(t, Config{Path: "/"}, echoHandler{})
	ws := dial(t, url)
	assert.Empty(t, ws.Subprotocol())

	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := ws.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseProtocolError), "got %v", err)
}

func TestTextMessageClosesStream(t *testing.T) {
	done := make(chan error, 1)
	h := handlerFunc(func(conn net.Conn) {
		_, err := conn.Read(make([]byte, 8))
		done <- err
	})
	url := serve(t, Config{Path: "/amqp"}, h)
	ws := dial(t, url, Subprotocol)

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte("AMQP")))
	select {
	case err := <-done:
		assert.ErrorIs(t, err, errTextMessage)
	case <-time.After(2 * time.Second):
		t.Fatal("handler did not return")
	}
}

func TestPlainRequestRejected(t *testing.T) {
	s := New(Config{Path: "/"}, echoHandler{}, nullLogger())
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestLimiterRefusesUpgrade(t *testing.T) {
	limiter := ratelimit.New(ratelimit.Config{MaxConnections: 1})
	defer limiter.Stop()
	url := serve(t, Config{Path: "/", Limiter: limiter}, echoHandler{})

	dial(t, url, Subprotocol)
	require.Eventually(t, func() bool { return limiter.Open() == 1 }, 2*time.Second, 10*time.Millisecond)

	d := websocket.Dialer{Subprotocols: []string{Subprotocol}}
	_, resp, err := d.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestOpenThroughEngine(t *testing.T) {
	b, err := broker.New(broker.Config{ID: "broker-ws"}, nullLogger())
	require.NoError(t, err)
	e := engine.New(engine.Config{ContainerID: "broker-ws"}, b, nullLogger())
	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		_ = e.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-stopped
	})

	url := serve(t, Config{Path: "/"}, e)
	ws := dial(t, url, Subprotocol)
	conn := amqp1.NewConnection(newWSConnection(ws, "broker"))

	require.NoError(t, conn.WriteProtocolHeader(frames.ProtoIDAMQP))
	id, err := conn.ReadProtocolHeader()
	require.NoError(t, err)
	assert.Equal(t, byte(frames.ProtoIDAMQP), id)

	require.NoError(t, conn.WritePerformative(0, &performatives.Open{ContainerID: "ws-client", MaxFrameSize: 65536}))
	_, perf, _, err := conn.ReadPerformative()
	require.NoError(t, err)
	open, ok := perf.(*performatives.Open)
	require.True(t, ok, "got %T", perf)
	assert.Equal(t, "broker-ws", open.ContainerID)

	require.NoError(t, conn.WritePerformative(0, &performatives.Close{}))
	_, perf, _, err = conn.ReadPerformative()
	require.NoError(t, err)
	assert.IsType(t, &performatives.Close{}, perf)
}

type handlerFunc func(net.Conn)

func (f handlerFunc) HandleConnection(conn net.Conn) { f(conn) }
