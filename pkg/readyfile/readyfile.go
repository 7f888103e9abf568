// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package readyfile signals broker readiness through a file on disk.
package readyfile

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"
)

// Contents is what Write puts in the file.
const Contents = "ready\n"

// DefaultTimeout bounds Wait when the context carries no deadline.
const DefaultTimeout = 30 * time.Second

const (
	minInterval = 125 * time.Millisecond
	maxInterval = time.Second
)

// ErrTimeout is returned when the file does not become ready in time.
var ErrTimeout = errors.New("timed out waiting for ready file")

// Write creates or truncates path and writes the ready marker to it.
func Write(path string) error {
	if err := os.WriteFile(path, []byte(Contents), 0o644); err != nil {
		return fmt.Errorf("writing ready file: %w", err)
	}
	return nil
}

// Wait blocks until path holds the ready marker. The poll interval doubles
// from 125ms up to 1s. Without a deadline on ctx, Wait gives up after
// DefaultTimeout.
func Wait(ctx context.Context, path string, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultTimeout)
		defer cancel()
	}

	start := time.Now()
	interval := minInterval
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return fmt.Errorf("%w: %s", ErrTimeout, path)
			}
			return ctx.Err()
		case <-timer.C:
		}

		if ready(path) {
			return nil
		}
		if interval == maxInterval {
			logger.Info("still waiting for ready file",
				slog.String("path", path),
				slog.Duration("elapsed", time.Since(start).Round(time.Millisecond)))
		}
		timer.Reset(interval)
		interval = min(interval*2, maxInterval)
	}
}

func ready(path string) bool {
	data, err := os.ReadFile(path)
	return err == nil && bytes.Equal(data, []byte(Contents))
}
