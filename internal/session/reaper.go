package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// DefaultIdleTTL is how long an untouched session lives.
const DefaultIdleTTL = 30 * time.Minute

// Reaper periodically closes idle sessions.
type Reaper struct {
	manager  *Manager
	ttl      time.Duration
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
}

// NewReaper creates a reaper that closes sessions idle longer than ttl.
// It checks every ttl/4, at most once a minute.
func NewReaper(m *Manager, ttl time.Duration, logger *slog.Logger) *Reaper {
	if ttl <= 0 {
		ttl = DefaultIdleTTL
	}
	interval := ttl / 4
	if interval > time.Minute {
		interval = time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Reaper{
		manager:  m,
		ttl:      ttl,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// WithInterval overrides the check interval.
func (r *Reaper) WithInterval(d time.Duration) *Reaper {
	if d > 0 {
		r.interval = d
	}
	return r
}

// Running reports whether the reaper loop is active.
func (r *Reaper) Running() bool {
	return r.running.Load()
}

// Start runs the loop until ctx is done or Stop is called. Call in a
// goroutine.
func (r *Reaper) Start(ctx context.Context) {
	r.running.Store(true)
	defer r.running.Store(false)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stop:
			return
		case <-ticker.C:
			r.safeSweep()
		}
	}
}

// Stop signals the loop to exit.
func (r *Reaper) Stop() {
	select {
	case r.stop <- struct{}{}:
	default:
	}
}

func (r *Reaper) safeSweep() {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("panic in session reaper", "panic", fmt.Sprint(p))
		}
	}()
	if n := r.manager.CloseIdle(r.ttl); n > 0 {
		r.logger.Info("reaped idle sessions", "count", n, "active", r.manager.Len())
	}
}
