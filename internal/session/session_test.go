package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/trustlesswork/demoengine/internal/demos"
	"github.com/trustlesswork/demoengine/internal/engine"
	"github.com/trustlesswork/demoengine/internal/escrowrpc"
	"github.com/trustlesswork/demoengine/internal/eventbus"
	"github.com/trustlesswork/demoengine/internal/notify"
	"github.com/trustlesswork/demoengine/internal/txsim"
	"github.com/trustlesswork/demoengine/internal/wallet"
)

const (
	alice = "GALICE"
	bob   = "GBOB"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type testEnv struct {
	manager *Manager
	bus     *eventbus.Bus
	wallets *wallet.Registry
	clock   *clock
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		bus:     eventbus.New(nil),
		wallets: wallet.NewRegistry(nil),
		clock:   &clock{t: time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)},
	}
	env.wallets.Set(alice, wallet.State{Connected: true, Network: "testnet"})
	env.wallets.Set(bob, wallet.State{Connected: true, Network: "testnet"})

	cat := demos.NewCatalog(demos.Config{
		Escrow:      escrowrpc.NewMockClient(),
		Network:     "testnet",
		AutoResolve: -1,
	})
	env.manager = NewManager(Config{
		Catalog:  cat,
		Wallets:  env.wallets,
		Network:  wallet.StaticNetwork("testnet"),
		Notifier: notify.NewRecorder(64),
		Bus:      env.bus,
		Now:      env.clock.Now,
	})
	t.Cleanup(env.manager.CloseAll)
	return env
}

func (env *testEnv) create(t *testing.T, demoID, addr string) *engine.Session {
	t.Helper()
	s, err := env.manager.Create(context.Background(), demoID, addr)
	if err != nil {
		t.Fatalf("Create(%s, %s): %v", demoID, addr, err)
	}
	return s
}

func TestManager_CreateAndGet(t *testing.T) {
	env := newTestEnv(t)

	s := env.create(t, demos.MilestoneDemoID, alice)
	if s.ID() == "" {
		t.Fatal("expected session id")
	}
	if s.DemoID() != demos.MilestoneDemoID {
		t.Errorf("demo = %s, want %s", s.DemoID(), demos.MilestoneDemoID)
	}

	got, err := env.manager.Get(s.ID())
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != s {
		t.Error("Get returned a different session")
	}
	if env.manager.Len() != 1 {
		t.Errorf("Len = %d, want 1", env.manager.Len())
	}
}

func TestManager_CreateValidation(t *testing.T) {
	env := newTestEnv(t)

	if _, err := env.manager.Create(context.Background(), demos.MilestoneDemoID, "  "); !errors.Is(err, ErrInvalidWallet) {
		t.Errorf("expected ErrInvalidWallet, got %v", err)
	}
	if _, err := env.manager.Create(context.Background(), "no-such-demo", alice); !errors.Is(err, demos.ErrUnknownDemo) {
		t.Errorf("expected ErrUnknownDemo, got %v", err)
	}
	if _, err := env.manager.Get("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestManager_MaxSessions(t *testing.T) {
	env := newTestEnv(t)
	env.manager.cfg.MaxSessions = 2

	env.create(t, demos.MilestoneDemoID, alice)
	env.create(t, demos.DisputeDemoID, alice)
	if _, err := env.manager.Create(context.Background(), demos.MarketplaceDemoID, alice); !errors.Is(err, ErrTooManySessions) {
		t.Errorf("expected ErrTooManySessions, got %v", err)
	}
}

func TestManager_ListFiltersByWallet(t *testing.T) {
	env := newTestEnv(t)

	a1 := env.create(t, demos.MilestoneDemoID, alice)
	env.clock.Advance(time.Second)
	a2 := env.create(t, demos.DisputeDemoID, "galice")
	env.create(t, demos.MilestoneDemoID, bob)

	got := env.manager.List(alice)
	if len(got) != 2 {
		t.Fatalf("List(alice) = %d sessions, want 2", len(got))
	}
	if got[0] != a2 || got[1] != a1 {
		t.Error("List should return newest first")
	}
	if n := len(env.manager.List("")); n != 3 {
		t.Errorf("List(\"\") = %d, want 3", n)
	}
}

func TestManager_DeleteClosesSession(t *testing.T) {
	env := newTestEnv(t)
	s := env.create(t, demos.MilestoneDemoID, alice)

	tx, err := s.Invoke(context.Background(), "initialize", "", engine.Input{})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if tx.Status != txsim.StatusPending {
		t.Fatalf("status = %s, want pending", tx.Status)
	}

	if err := env.manager.Delete(s.ID()); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if !s.Closed() {
		t.Error("session should be closed")
	}
	if _, err := s.Confirm(context.Background(), tx.Hash); !errors.Is(err, engine.ErrSessionClosed) {
		t.Errorf("expected ErrSessionClosed, got %v", err)
	}
	if err := env.manager.Delete(s.ID()); !errors.Is(err, ErrNotFound) {
		t.Errorf("second Delete: expected ErrNotFound, got %v", err)
	}
}

func TestManager_RefundResetsOnlyThatWallet(t *testing.T) {
	env := newTestEnv(t)
	a := env.create(t, demos.MilestoneDemoID, alice)
	b := env.create(t, demos.MilestoneDemoID, bob)

	for _, s := range []*engine.Session{a, b} {
		tx, err := s.Invoke(context.Background(), "initialize", "", engine.Input{})
		if err != nil {
			t.Fatalf("Invoke: %v", err)
		}
		if _, err := s.Confirm(context.Background(), tx.Hash); err != nil {
			t.Fatalf("Confirm: %v", err)
		}
	}

	env.bus.Publish(context.Background(), eventbus.Event{
		Type:       eventbus.TypeRefundRequested,
		WalletAddr: "galice",
	})

	if a.CurrentStep() != 0 || a.ContractID() != "" {
		t.Errorf("alice session not reset: step=%d contract=%q", a.CurrentStep(), a.ContractID())
	}
	if b.CurrentStep() != 1 || b.ContractID() == "" {
		t.Errorf("bob session should be untouched: step=%d contract=%q", b.CurrentStep(), b.ContractID())
	}
}

func TestManager_CloseIdle(t *testing.T) {
	env := newTestEnv(t)
	stale := env.create(t, demos.MilestoneDemoID, alice)
	env.clock.Advance(20 * time.Minute)
	fresh := env.create(t, demos.MilestoneDemoID, bob)
	env.clock.Advance(15 * time.Minute)

	if n := env.manager.CloseIdle(30 * time.Minute); n != 1 {
		t.Fatalf("CloseIdle = %d, want 1", n)
	}
	if !stale.Closed() {
		t.Error("stale session should be closed")
	}
	if fresh.Closed() {
		t.Error("fresh session should stay open")
	}
	if _, err := env.manager.Get(stale.ID()); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for reaped session, got %v", err)
	}
}

func TestManager_GetKeepsSessionAlive(t *testing.T) {
	env := newTestEnv(t)
	s := env.create(t, demos.MilestoneDemoID, alice)

	env.clock.Advance(25 * time.Minute)
	if _, err := env.manager.Get(s.ID()); err != nil {
		t.Fatalf("Get: %v", err)
	}
	env.clock.Advance(25 * time.Minute)

	if n := env.manager.CloseIdle(30 * time.Minute); n != 0 {
		t.Errorf("CloseIdle = %d, want 0", n)
	}
}

func TestManager_CloseAll(t *testing.T) {
	env := newTestEnv(t)
	a := env.create(t, demos.MilestoneDemoID, alice)
	b := env.create(t, demos.DisputeDemoID, bob)

	env.manager.CloseAll()

	if !a.Closed() || !b.Closed() {
		t.Error("every session should be closed")
	}
	if env.manager.Len() != 0 {
		t.Errorf("Len = %d, want 0", env.manager.Len())
	}
}

func TestReaper_StopsOnContextCancel(t *testing.T) {
	env := newTestEnv(t)
	r := NewReaper(env.manager, time.Minute, nil).WithInterval(5 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Start(ctx)
		close(done)
	}()

	deadline := time.Now().Add(time.Second)
	for !r.Running() && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if !r.Running() {
		t.Fatal("reaper should be running")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("reaper did not stop")
	}
	if r.Running() {
		t.Error("Running should be false after stop")
	}
}

func TestReaper_SweepsIdleSessions(t *testing.T) {
	env := newTestEnv(t)
	s := env.create(t, demos.MilestoneDemoID, alice)
	env.clock.Advance(time.Hour)

	r := NewReaper(env.manager, 30*time.Minute, nil).WithInterval(5 * time.Millisecond)
	go r.Start(context.Background())
	defer r.Stop()

	deadline := time.Now().Add(time.Second)
	for !s.Closed() && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
	}
	if !s.Closed() {
		t.Error("idle session should be reaped")
	}
}
