// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package ratelimit gates new connections by source address and by the
// number of connections already open.
package ratelimit

import (
	"errors"
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

var (
	// ErrRateLimited is returned when a source address opens connections
	// faster than its rate allows.
	ErrRateLimited = errors.New("connection rate exceeded")

	// ErrTooManyConnections is returned when the open connection limit is
	// reached.
	ErrTooManyConnections = errors.New("too many connections")
)

const defaultCleanup = 5 * time.Minute

// Config holds connection limiting settings. Zero values disable each limit.
type Config struct {
	Rate            float64 // connections per second per IP
	Burst           int
	MaxConnections  int
	CleanupInterval time.Duration
}

type ipEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Limiter admits or refuses new connections. It is safe for concurrent use.
type Limiter struct {
	mu       sync.Mutex
	limiters map[string]*ipEntry
	rate     rate.Limit
	burst    int
	max      int
	open     int
	cleanup  time.Duration
	stopCh   chan struct{}
	stopOnce sync.Once
	now      func() time.Time
}

// New creates a connection limiter. When a rate is configured a goroutine
// evicts idle addresses until Stop is called.
func New(cfg Config) *Limiter {
	l := &Limiter{
		limiters: make(map[string]*ipEntry),
		rate:     rate.Limit(cfg.Rate),
		burst:    cfg.Burst,
		max:      cfg.MaxConnections,
		cleanup:  cfg.CleanupInterval,
		stopCh:   make(chan struct{}),
		now:      time.Now,
	}
	if l.cleanup <= 0 {
		l.cleanup = defaultCleanup
	}
	if cfg.Rate > 0 {
		go l.cleanupLoop()
	}
	return l
}

// Acquire admits a connection from addr. Every successful Acquire must be
// paired with a Release when the connection ends.
func (l *Limiter) Acquire(addr net.Addr) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.max > 0 && l.open >= l.max {
		return ErrTooManyConnections
	}
	if l.rate > 0 {
		if ip := extractIP(addr); ip != "" {
			entry, ok := l.limiters[ip]
			if !ok {
				entry = &ipEntry{limiter: rate.NewLimiter(l.rate, l.burst)}
				l.limiters[ip] = entry
			}
			entry.lastSeen = l.now()
			if !entry.limiter.AllowN(entry.lastSeen, 1) {
				return ErrRateLimited
			}
		}
	}
	l.open++
	return nil
}

// Release returns a slot taken by Acquire.
func (l *Limiter) Release() {
	l.mu.Lock()
	if l.open > 0 {
		l.open--
	}
	l.mu.Unlock()
}

// Open returns the number of admitted connections not yet released.
func (l *Limiter) Open() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.open
}

func (l *Limiter) cleanupLoop() {
	ticker := time.NewTicker(l.cleanup)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.evictStale()
		case <-l.stopCh:
			return
		}
	}
}

func (l *Limiter) evictStale() {
	l.mu.Lock()
	defer l.mu.Unlock()

	threshold := l.now().Add(-l.cleanup * 2)
	for ip, entry := range l.limiters {
		if entry.lastSeen.Before(threshold) {
			delete(l.limiters, ip)
		}
	}
}

// Stop stops the cleanup goroutine. It is safe to call more than once.
func (l *Limiter) Stop() {
	l.stopOnce.Do(func() { close(l.stopCh) })
}

// extractIP extracts the IP address from a net.Addr.
func extractIP(addr net.Addr) string {
	if addr == nil {
		return ""
	}

	switch a := addr.(type) {
	case *net.TCPAddr:
		return a.IP.String()
	default:
		// net.Pipe and WebSocket wrappers report host:port strings.
		host, _, err := net.SplitHostPort(addr.String())
		if err != nil {
			return addr.String()
		}
		return host
	}
}
