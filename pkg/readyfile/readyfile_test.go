// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package readyfile

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ready")
	require.NoError(t, os.WriteFile(path, []byte("stale contents"), 0o644))

	require.NoError(t, Write(path))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "ready\n", string(data))

	assert.Error(t, Write(filepath.Join(t.TempDir(), "missing", "ready")))
}

func TestWaitAlreadyReady(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ready")
	require.NoError(t, Write(path))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NoError(t, Wait(ctx, path, nil))
}

func TestWaitForWriter(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ready")
	go func() {
		time.Sleep(200 * time.Millisecond)
		_ = Write(path)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	assert.NoError(t, Wait(ctx, path, nil))
}

func TestWaitIgnoresPartialContents(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ready")
	require.NoError(t, os.WriteFile(path, []byte("rea"), 0o644))

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, Wait(ctx, path, nil), ErrTimeout)
}

func TestWaitLogsWhileWaiting(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	path := filepath.Join(t.TempDir(), "ready")

	// Intervals run 125, 250, 500 and then 1000ms, so the first log line
	// lands after about 875ms.
	ctx, cancel := context.WithTimeout(context.Background(), 1500*time.Millisecond)
	defer cancel()
	err := Wait(ctx, path, logger)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Contains(t, buf.String(), "still waiting for ready file")
}

func TestWaitCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Wait(ctx, filepath.Join(t.TempDir(), "ready"), nil)
	assert.ErrorIs(t, err, context.Canceled)
}
