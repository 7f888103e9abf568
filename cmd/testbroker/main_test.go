// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"context"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/absmach/testbroker/amqp1"
	"github.com/absmach/testbroker/amqp1/frames"
	"github.com/absmach/testbroker/amqp1/performatives"
	"github.com/absmach/testbroker/pkg/readyfile"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// syncBuffer is a bytes.Buffer shared between the broker's loggers and the
// test goroutine.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestFlagsOverrideConfigFile(t *testing.T) {
	configFile := filepath.Join(t.TempDir(), "config.yaml")
	data := "broker:\n  id: broker-file\n  topics: [news]\nserver:\n  port: 6000\nlog:\n  level: warn\n"
	require.NoError(t, os.WriteFile(configFile, []byte(data), 0o644))

	o, err := parseFlags([]string{
		"--config", configFile,
		"--port", "6001",
		"--topic", "alerts",
		"--topic", "audit, metrics",
		"--verbose",
	}, io.Discard)
	require.NoError(t, err)

	cfg, err := loadConfig(o)
	require.NoError(t, err)
	assert.Equal(t, "broker-file", cfg.Broker.ID)
	assert.Equal(t, 6001, cfg.Server.Port)
	assert.Equal(t, []string{"news", "alerts", "audit", "metrics"}, cfg.Broker.Topics)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestQuietWinsOverVerbose(t *testing.T) {
	o, err := parseFlags([]string{"--quiet", "--debug"}, io.Discard)
	require.NoError(t, err)
	cfg, err := loadConfig(o)
	require.NoError(t, err)
	assert.Equal(t, "error", cfg.Log.Level)
}

func TestParseFlagsErrors(t *testing.T) {
	_, err := parseFlags([]string{"--port", "abc"}, io.Discard)
	assert.Error(t, err)

	_, err = parseFlags([]string{"extra"}, io.Discard)
	assert.Error(t, err)
}

func TestConfigErrorsExitOne(t *testing.T) {
	dir := t.TempDir()
	cases := []struct {
		name string
		args []string
	}{
		{"cert without key", []string{"--cert", filepath.Join(dir, "cert.pem")}},
		{"key without cert", []string{"--key", filepath.Join(dir, "key.pem")}},
		{"user without password", []string{"--user", "guest"}},
		{"port out of range", []string{"--port", "70000"}},
		{"malformed topic list", []string{"--topic", "a,,b"}},
		{"duplicate topic", []string{"--topic", "a", "--topic", "a"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var out bytes.Buffer
			code := run(context.Background(), append(tc.args, "--init-only"), &out)
			assert.Equal(t, 1, code)
			lines := strings.Split(strings.TrimSpace(out.String()), "\n")
			require.Len(t, lines, 1)
			assert.Contains(t, lines[0], "level=ERROR")
		})
	}
}

func TestInitOnly(t *testing.T) {
	var out bytes.Buffer
	code := run(context.Background(), []string{"--init-only", "--id", "broker-init", "--topic", "news"}, &out)
	assert.Equal(t, 0, code)
	assert.Contains(t, out.String(), "configuration valid")
	assert.Contains(t, out.String(), "broker=broker-init")
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	return port
}

func TestRunServesUntilCancelled(t *testing.T) {
	readyPath := filepath.Join(t.TempDir(), "ready")
	port := freePort(t)
	out := &syncBuffer{}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan int, 1)
	go func() {
		done <- run(ctx, []string{
			"--host", "127.0.0.1",
			"--port", strconv.Itoa(port),
			"--id", "broker-run",
			"--ready-file", readyPath,
			"--topic", "news",
		}, out)
	}()

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer waitCancel()
	require.NoError(t, readyfile.Wait(waitCtx, readyPath, nil))

	raw, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	require.NoError(t, err)
	defer raw.Close()
	conn := amqp1.NewConnection(raw)

	require.NoError(t, conn.WriteProtocolHeader(frames.ProtoIDAMQP))
	_, err = conn.ReadProtocolHeader()
	require.NoError(t, err)
	require.NoError(t, conn.WritePerformative(0, &performatives.Open{ContainerID: "cli-test", MaxFrameSize: 65536}))
	_, perf, _, err := conn.ReadPerformative()
	require.NoError(t, err)
	open, ok := perf.(*performatives.Open)
	require.True(t, ok, "got %T", perf)
	assert.Equal(t, "broker-run", open.ContainerID)

	cancel()
	select {
	case code := <-done:
		assert.Equal(t, 0, code)
	case <-time.After(10 * time.Second):
		t.Fatal("broker did not stop")
	}

	logs := out.String()
	assert.Contains(t, logs, "topic declared")
	assert.Contains(t, logs, "connection opened")
	assert.Contains(t, logs, "broker=broker-run")
}
