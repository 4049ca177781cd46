package circuitbreaker

import (
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestBreaker(threshold int, open time.Duration) (*Breaker, *fakeClock) {
	clk := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	return New(threshold, open).WithClock(clk.Now), clk
}

func TestBreaker_AllowWhenClosed(t *testing.T) {
	b, _ := newTestBreaker(3, time.Second)
	if !b.Allow("fund_escrow") {
		t.Fatal("expected closed circuit to allow")
	}
}

func TestBreaker_TripsAfterThreshold(t *testing.T) {
	b, _ := newTestBreaker(3, time.Second)

	b.RecordFailure("fund_escrow")
	b.RecordFailure("fund_escrow")
	if !b.Allow("fund_escrow") {
		t.Fatal("should still allow before threshold")
	}

	b.RecordFailure("fund_escrow")
	if b.Allow("fund_escrow") {
		t.Fatal("should be open after 3 failures")
	}
	if b.State("fund_escrow") != StateOpen {
		t.Fatalf("expected StateOpen, got %v", b.State("fund_escrow"))
	}
}

func TestBreaker_SuccessResetsStreak(t *testing.T) {
	b, _ := newTestBreaker(3, time.Second)

	b.RecordFailure("op")
	b.RecordFailure("op")
	b.RecordSuccess("op")
	b.RecordFailure("op")
	b.RecordFailure("op")
	if b.State("op") != StateClosed {
		t.Fatalf("streak should restart after success, got %v", b.State("op"))
	}
}

func TestBreaker_HalfOpenAdmitsOneProbe(t *testing.T) {
	b, clk := newTestBreaker(2, time.Minute)

	b.RecordFailure("op")
	b.RecordFailure("op")
	clk.Advance(59 * time.Second)
	if b.Allow("op") {
		t.Fatal("should stay open during cool-down")
	}

	clk.Advance(time.Second)
	if !b.Allow("op") {
		t.Fatal("should admit a probe after cool-down")
	}
	if b.State("op") != StateHalfOpen {
		t.Fatalf("expected StateHalfOpen, got %v", b.State("op"))
	}
	if b.Allow("op") {
		t.Fatal("only one probe at a time")
	}
}

func TestBreaker_ProbeOutcome(t *testing.T) {
	t.Run("success closes", func(t *testing.T) {
		b, clk := newTestBreaker(1, time.Minute)
		b.RecordFailure("op")
		clk.Advance(time.Minute)
		b.Allow("op")
		b.RecordSuccess("op")
		if b.State("op") != StateClosed {
			t.Fatalf("expected StateClosed, got %v", b.State("op"))
		}
	})

	t.Run("failure reopens", func(t *testing.T) {
		b, clk := newTestBreaker(5, time.Minute)
		for i := 0; i < 5; i++ {
			b.RecordFailure("op")
		}
		clk.Advance(time.Minute)
		b.Allow("op")
		b.RecordFailure("op")
		if b.State("op") != StateOpen {
			t.Fatalf("expected StateOpen, got %v", b.State("op"))
		}
		if b.Allow("op") {
			t.Fatal("reopened circuit should wait a full cool-down")
		}
	})
}

func TestBreaker_KeysAreIndependent(t *testing.T) {
	b, _ := newTestBreaker(1, time.Minute)
	b.RecordFailure("release_funds")
	if b.Allow("release_funds") {
		t.Fatal("release_funds should be open")
	}
	if !b.Allow("fund_escrow") {
		t.Fatal("fund_escrow should be unaffected")
	}
}

func TestBreaker_Reset(t *testing.T) {
	b, _ := newTestBreaker(1, time.Hour)
	b.RecordFailure("op")
	b.Reset("op")
	if !b.Allow("op") || b.State("op") != StateClosed {
		t.Fatal("reset key should be closed")
	}
}

func TestBreaker_OnTransition(t *testing.T) {
	b, _ := newTestBreaker(1, time.Minute)
	got := make(chan [2]State, 1)
	b.OnTransition(func(key string, from, to State) {
		got <- [2]State{from, to}
	})

	b.RecordFailure("op")
	select {
	case tr := <-got:
		if tr[0] != StateClosed || tr[1] != StateOpen {
			t.Fatalf("transition = %v -> %v", tr[0], tr[1])
		}
	case <-time.After(time.Second):
		t.Fatal("callback not invoked")
	}
}

func TestBreaker_ConcurrentUse(t *testing.T) {
	b, _ := newTestBreaker(100, time.Minute)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				b.Allow("op")
				b.RecordFailure("op")
				b.RecordSuccess("op")
			}
		}()
	}
	wg.Wait()
}

func TestState_String(t *testing.T) {
	cases := map[State]string{StateClosed: "closed", StateOpen: "open", StateHalfOpen: "half_open", State(9): "unknown"}
	for s, want := range cases {
		if s.String() != want {
			t.Errorf("%d.String() = %q, want %q", s, s.String(), want)
		}
	}
}
