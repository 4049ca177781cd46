// Package session owns the live demo sessions of the service: creation from
// the demo catalog, lookup, idle reaping and the refund-driven resets.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/trustlesswork/demoengine/internal/engine"
	"github.com/trustlesswork/demoengine/internal/eventbus"
	"github.com/trustlesswork/demoengine/internal/metrics"
	"github.com/trustlesswork/demoengine/internal/notify"
	"github.com/trustlesswork/demoengine/internal/syncutil"
	"github.com/trustlesswork/demoengine/internal/wallet"
)

var (
	ErrNotFound        = errors.New("session: not found")
	ErrInvalidWallet   = errors.New("session: wallet address required")
	ErrTooManySessions = errors.New("session: too many active sessions")
)

// DefaultMaxSessions bounds memory when MaxSessions is unset.
const DefaultMaxSessions = 10000

// Builder produces a fresh demo definition per session.
type Builder interface {
	Build(demoID string) (engine.Definition, error)
}

// Config wires the manager to the rest of the service.
type Config struct {
	Catalog     Builder
	Wallets     *wallet.Registry
	Network     wallet.NetworkValidator
	Notifier    notify.Sink
	Bus         *eventbus.Bus
	Completer   engine.Completer
	History     engine.HistoryRecorder
	Logger      *slog.Logger
	MaxSessions int
	Now         func() time.Time
}

// Manager tracks live sessions.
type Manager struct {
	cfg    Config
	logger *slog.Logger

	// per-wallet locks serialize creation against refund resets
	locks syncutil.KeyedMutex

	mu       sync.RWMutex
	sessions map[string]*engine.Session

	unsubscribe func()
}

// NewManager creates a manager. When cfg.Bus is set, RefundRequested events
// reset every session of the refunded wallet.
func NewManager(cfg Config) *Manager {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.MaxSessions <= 0 {
		cfg.MaxSessions = DefaultMaxSessions
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	m := &Manager{
		cfg:      cfg,
		logger:   cfg.Logger,
		sessions: make(map[string]*engine.Session),
	}
	if cfg.Bus != nil {
		m.unsubscribe = cfg.Bus.Subscribe(eventbus.TypeRefundRequested, m.onRefund)
	}
	return m
}

func walletKey(addr string) string {
	return strings.ToLower(strings.TrimSpace(addr))
}

// Create starts a session of demoID for walletAddr.
func (m *Manager) Create(ctx context.Context, demoID, walletAddr string) (*engine.Session, error) {
	walletAddr = strings.TrimSpace(walletAddr)
	if walletAddr == "" {
		return nil, ErrInvalidWallet
	}
	def, err := m.cfg.Catalog.Build(demoID)
	if err != nil {
		return nil, err
	}

	unlock, err := m.locks.LockContext(ctx, walletKey(walletAddr))
	if err != nil {
		return nil, err
	}
	defer unlock()

	m.mu.RLock()
	n := len(m.sessions)
	m.mu.RUnlock()
	if n >= m.cfg.MaxSessions {
		return nil, ErrTooManySessions
	}

	id := uuid.NewString()
	sess, err := engine.NewSession(id, walletAddr, def, engine.Deps{
		Wallet:    m.cfg.Wallets.For(walletAddr),
		Network:   m.cfg.Network,
		Notifier:  m.cfg.Notifier,
		Bus:       m.cfg.Bus,
		Completer: m.cfg.Completer,
		History:   m.cfg.History,
		Logger:    m.logger,
		Now:       m.cfg.Now,
	})
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}

	m.mu.Lock()
	m.sessions[id] = sess
	active := len(m.sessions)
	m.mu.Unlock()
	metrics.ActiveSessions.Set(float64(active))

	m.logger.Info("session created", "session_id", id, "demo", demoID, "wallet", walletAddr)
	return sess, nil
}

// Get returns a live session and marks it active.
func (m *Manager) Get(id string) (*engine.Session, error) {
	m.mu.RLock()
	sess, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	sess.Touch()
	return sess, nil
}

// List returns live sessions, newest first. A non-empty walletAddr filters
// by owner.
func (m *Manager) List(walletAddr string) []*engine.Session {
	key := walletKey(walletAddr)
	m.mu.RLock()
	out := make([]*engine.Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		if key == "" || walletKey(s.WalletAddr()) == key {
			out = append(out, s)
		}
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].CreatedAt(), out[j].CreatedAt()
		if a.Equal(b) {
			return out[i].ID() > out[j].ID()
		}
		return a.After(b)
	})
	return out
}

// Len returns the number of live sessions.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Delete closes and forgets a session.
func (m *Manager) Delete(id string) error {
	m.mu.Lock()
	sess, ok := m.sessions[id]
	delete(m.sessions, id)
	active := len(m.sessions)
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	sess.Close()
	metrics.ActiveSessions.Set(float64(active))
	m.logger.Info("session deleted", "session_id", id)
	return nil
}

// ResetWallet resets every session owned by walletAddr and returns how many
// were reset.
func (m *Manager) ResetWallet(ctx context.Context, walletAddr string) (int, error) {
	unlock, err := m.locks.LockContext(ctx, walletKey(walletAddr))
	if err != nil {
		return 0, err
	}
	defer unlock()

	n := 0
	for _, s := range m.List(walletAddr) {
		if err := s.Reset(ctx); err != nil {
			if errors.Is(err, engine.ErrSessionClosed) {
				continue
			}
			return n, err
		}
		n++
	}
	return n, nil
}

func (m *Manager) onRefund(ctx context.Context, e eventbus.Event) {
	if e.WalletAddr == "" {
		return
	}
	n, err := m.ResetWallet(ctx, e.WalletAddr)
	if err != nil {
		m.logger.Warn("refund reset failed", "wallet", e.WalletAddr, "error", err)
		return
	}
	m.logger.Info("sessions reset after refund", "wallet", e.WalletAddr, "count", n)
}

// CloseIdle closes sessions whose last activity is older than ttl.
func (m *Manager) CloseIdle(ttl time.Duration) int {
	cutoff := m.cfg.Now().Add(-ttl)

	m.mu.Lock()
	var idle []*engine.Session
	for id, s := range m.sessions {
		if s.LastActive().Before(cutoff) {
			idle = append(idle, s)
			delete(m.sessions, id)
		}
	}
	active := len(m.sessions)
	m.mu.Unlock()

	for _, s := range idle {
		s.Close()
		m.logger.Info("idle session closed", "session_id", s.ID(), "demo", s.DemoID())
	}
	metrics.ActiveSessions.Set(float64(active))
	return len(idle)
}

// CloseAll closes every session and stops listening for refunds. Pending
// auto-resolution timers are cancelled with their sessions.
func (m *Manager) CloseAll() {
	if m.unsubscribe != nil {
		m.unsubscribe()
	}
	m.mu.Lock()
	all := m.sessions
	m.sessions = make(map[string]*engine.Session)
	m.mu.Unlock()

	for _, s := range all {
		s.Close()
	}
	metrics.ActiveSessions.Set(0)
}
