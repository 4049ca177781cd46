// Package txsim simulates blockchain transaction lifecycles for demo pacing.
//
// A transaction is begun for a step, sits in "pending" while an auto-resolve
// timer models confirmation latency, and ends in "success" or "failed".
// Resolution can be forced earlier with Confirm ("Confirm Now").
package txsim

import (
	"errors"
	"sync"
	"time"

	"github.com/trustlesswork/demoengine/internal/idgen"
)

var (
	ErrInFlight        = errors.New("txsim: step already has a pending transaction")
	ErrNotFound        = errors.New("txsim: transaction not found")
	ErrAlreadyResolved = errors.New("txsim: transaction already resolved")
	ErrInvalidOutcome  = errors.New("txsim: outcome must be success or failed")
	ErrClosed          = errors.New("txsim: simulator closed")
)

// Status is the lifecycle state of a simulated transaction.
type Status string

const (
	StatusPending Status = "pending"
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
)

// IsTerminal reports whether no further transition is allowed.
func (s Status) IsTerminal() bool {
	return s == StatusSuccess || s == StatusFailed
}

// DefaultAutoResolve is the confirmation latency used when none is configured.
const DefaultAutoResolve = 4 * time.Second

// Transaction is one simulated (or real, signed) blockchain operation.
type Transaction struct {
	Hash       string     `json:"hash"`
	StepID     string     `json:"stepId"`
	Status     Status     `json:"status"`
	Message    string     `json:"message,omitempty"`
	Simulated  bool       `json:"simulated"`
	CreatedAt  time.Time  `json:"createdAt"`
	ResolvedAt *time.Time `json:"resolvedAt,omitempty"`
}

// Observer is told about every begin and resolve. Calls are made without any
// simulator lock held, so observers may call back into the simulator.
type Observer interface {
	TransactionBegun(tx Transaction)
	TransactionResolved(tx Transaction)
}

type record struct {
	tx    Transaction
	timer *time.Timer
}

// Simulator tracks the live transactions of one demo session. At most one
// transaction per step is pending at a time. Successful transactions leave
// the live set; failed ones stay queryable until the step is retried.
type Simulator struct {
	mu       sync.Mutex
	delay    time.Duration
	observer Observer
	byStep   map[string]*record
	byHash   map[string]*record
	closed   bool
	now      func() time.Time
}

// Option configures a Simulator.
type Option func(*Simulator)

// WithAutoResolve sets the auto-resolution delay. Zero or negative disables
// auto-resolution, leaving transactions pending until confirmed.
func WithAutoResolve(d time.Duration) Option {
	return func(s *Simulator) { s.delay = d }
}

// WithObserver registers the begin/resolve observer.
func WithObserver(o Observer) Option {
	return func(s *Simulator) { s.observer = o }
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Simulator) { s.now = now }
}

// New creates a Simulator.
func New(opts ...Option) *Simulator {
	s := &Simulator{
		delay:  DefaultAutoResolve,
		byStep: make(map[string]*record),
		byHash: make(map[string]*record),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Begin starts a simulated transaction for stepID with a random hash.
func (s *Simulator) Begin(stepID string) (Transaction, error) {
	return s.begin(stepID, idgen.TxHash(), true)
}

// BeginWithHash starts tracking a transaction whose hash came from a real
// signing path. It still auto-resolves like a simulated one.
func (s *Simulator) BeginWithHash(stepID, hash string) (Transaction, error) {
	return s.begin(stepID, hash, false)
}

func (s *Simulator) begin(stepID, hash string, simulated bool) (Transaction, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return Transaction{}, ErrClosed
	}
	if prev, ok := s.byStep[stepID]; ok {
		if prev.tx.Status == StatusPending {
			s.mu.Unlock()
			return Transaction{}, ErrInFlight
		}
		// A failed transaction is replaced by the retry.
		delete(s.byHash, prev.tx.Hash)
	}

	rec := &record{tx: Transaction{
		Hash:      hash,
		StepID:    stepID,
		Status:    StatusPending,
		Simulated: simulated,
		CreatedAt: s.now(),
	}}
	s.byStep[stepID] = rec
	s.byHash[hash] = rec
	if s.delay > 0 {
		rec.timer = time.AfterFunc(s.delay, func() {
			_, _ = s.Resolve(hash, StatusSuccess, "auto-confirmed")
		})
	}
	tx := rec.tx
	observer := s.observer
	s.mu.Unlock()

	if observer != nil {
		observer.TransactionBegun(tx)
	}
	return tx, nil
}

// Fail records a transaction for stepID that failed before submission, for
// example because the escrow call behind it errored. It is never pending, so
// it arms no timer. A pending transaction on the step is left alone.
func (s *Simulator) Fail(stepID, message string) (Transaction, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return Transaction{}, ErrClosed
	}
	if prev, ok := s.byStep[stepID]; ok {
		if prev.tx.Status == StatusPending {
			s.mu.Unlock()
			return Transaction{}, ErrInFlight
		}
		delete(s.byHash, prev.tx.Hash)
	}

	now := s.now()
	rec := &record{tx: Transaction{
		Hash:       idgen.TxHash(),
		StepID:     stepID,
		Status:     StatusFailed,
		Message:    message,
		Simulated:  true,
		CreatedAt:  now,
		ResolvedAt: &now,
	}}
	s.byStep[stepID] = rec
	s.byHash[rec.tx.Hash] = rec
	tx := rec.tx
	observer := s.observer
	s.mu.Unlock()

	if observer != nil {
		observer.TransactionBegun(tx)
		observer.TransactionResolved(tx)
	}
	return tx, nil
}

// Resolve moves a pending transaction to success or failed.
func (s *Simulator) Resolve(hash string, outcome Status, message string) (Transaction, error) {
	if !outcome.IsTerminal() {
		return Transaction{}, ErrInvalidOutcome
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return Transaction{}, ErrClosed
	}
	rec, ok := s.byHash[hash]
	if !ok {
		s.mu.Unlock()
		return Transaction{}, ErrNotFound
	}
	if rec.tx.Status.IsTerminal() {
		s.mu.Unlock()
		return Transaction{}, ErrAlreadyResolved
	}
	if rec.timer != nil {
		rec.timer.Stop()
		rec.timer = nil
	}

	now := s.now()
	rec.tx.Status = outcome
	rec.tx.Message = message
	rec.tx.ResolvedAt = &now
	if outcome == StatusSuccess {
		delete(s.byHash, hash)
		if cur, ok := s.byStep[rec.tx.StepID]; ok && cur == rec {
			delete(s.byStep, rec.tx.StepID)
		}
	}
	tx := rec.tx
	observer := s.observer
	s.mu.Unlock()

	if observer != nil {
		observer.TransactionResolved(tx)
	}
	return tx, nil
}

// Confirm resolves a pending transaction to success immediately.
func (s *Simulator) Confirm(hash string) (Transaction, error) {
	return s.Resolve(hash, StatusSuccess, "confirmed")
}

// Get returns a live (pending or failed) transaction by hash.
func (s *Simulator) Get(hash string) (Transaction, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.byHash[hash]
	if !ok {
		return Transaction{}, false
	}
	return rec.tx, true
}

// ForStep returns the live transaction of a step, if any.
func (s *Simulator) ForStep(stepID string) (Transaction, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.byStep[stepID]
	if !ok {
		return Transaction{}, false
	}
	return rec.tx, true
}

// Live returns a copy of every live transaction keyed by step.
func (s *Simulator) Live() map[string]Transaction {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]Transaction, len(s.byStep))
	for id, rec := range s.byStep {
		out[id] = rec.tx
	}
	return out
}

// Reset stops every timer and forgets every transaction, keeping the
// simulator usable.
func (s *Simulator) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopTimersLocked()
	s.byStep = make(map[string]*record)
	s.byHash = make(map[string]*record)
}

// Close stops every outstanding timer. Timer callbacks that already fired
// become no-ops, and further Begin/Resolve calls return ErrClosed.
func (s *Simulator) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.stopTimersLocked()
}

func (s *Simulator) stopTimersLocked() {
	for _, rec := range s.byHash {
		if rec.timer != nil {
			rec.timer.Stop()
			rec.timer = nil
		}
	}
}
