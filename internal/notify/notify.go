// Package notify delivers user-facing notifications (toasts) produced by
// demo sessions.
package notify

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/trustlesswork/demoengine/internal/metrics"
)

// Type is the notification kind, which drives the toast color.
type Type string

const (
	TypeSuccess Type = "success"
	TypeError   Type = "error"
	TypeInfo    Type = "info"
	TypeWarning Type = "warning"
)

// DefaultDuration is how long a toast stays on screen.
const DefaultDuration = 5 * time.Second

// Notification is one toast.
type Notification struct {
	ID         string        `json:"id"`
	SessionID  string        `json:"sessionId,omitempty"`
	WalletAddr string        `json:"walletAddress,omitempty"`
	Type       Type          `json:"type"`
	Title      string        `json:"title"`
	Message    string        `json:"message"`
	Duration   time.Duration `json:"duration"`
	CreatedAt  time.Time     `json:"createdAt"`
}

// Sink receives notifications.
type Sink interface {
	Notify(ctx context.Context, n Notification) error
}

// Prepare fills ID, Duration and CreatedAt when unset.
func Prepare(n Notification) Notification {
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.Duration <= 0 {
		n.Duration = DefaultDuration
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now()
	}
	return n
}

// LogSink writes notifications to a structured logger.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a sink that logs every notification.
func NewLogSink(logger *slog.Logger) *LogSink {
	return &LogSink{logger: logger}
}

// Notify implements Sink.
func (s *LogSink) Notify(ctx context.Context, n Notification) error {
	level := slog.LevelInfo
	switch n.Type {
	case TypeError:
		level = slog.LevelWarn
	case TypeWarning:
		level = slog.LevelWarn
	}
	s.logger.Log(ctx, level, "notification",
		"session_id", n.SessionID,
		"type", n.Type,
		"title", n.Title,
		"message", n.Message,
	)
	metrics.NotificationsTotal.WithLabelValues("log", "ok").Inc()
	return nil
}

// Multi fans a notification out to several sinks. Every sink is tried; the
// errors are joined.
type Multi []Sink

// Notify implements Sink.
func (m Multi) Notify(ctx context.Context, n Notification) error {
	n = Prepare(n)
	var errs []error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.Notify(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Recorder keeps every notification in memory, for tests.
type Recorder struct {
	mu  sync.Mutex
	all []Notification
	ch  chan Notification
}

// NewRecorder creates a recorder whose channel buffers size notifications.
func NewRecorder(size int) *Recorder {
	return &Recorder{ch: make(chan Notification, size)}
}

// Notify implements Sink. It never blocks: when the channel is full the
// notification is only kept in All.
func (r *Recorder) Notify(ctx context.Context, n Notification) error {
	r.mu.Lock()
	r.all = append(r.all, n)
	r.mu.Unlock()
	select {
	case r.ch <- n:
	default:
	}
	return nil
}

// C returns the channel notifications are sent to.
func (r *Recorder) C() <-chan Notification {
	return r.ch
}

// All returns every notification received so far.
func (r *Recorder) All() []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Notification, len(r.all))
	copy(out, r.all)
	return out
}

// Titles returns the titles received so far, in order.
func (r *Recorder) Titles() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.all))
	for i, n := range r.all {
		out[i] = n.Title
	}
	return out
}
