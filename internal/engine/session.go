// Package engine runs demo sessions: an ordered list of steps, each unlocked
// once the previous step's transaction succeeds.
//
// A Session owns its run state and a txsim.Simulator. Lock order is the
// session lock, then the simulator lock, then any variant state lock held by
// a definition's closures. The simulator calls back into the session without
// holding its own lock.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/trustlesswork/demoengine/internal/account"
	"github.com/trustlesswork/demoengine/internal/eventbus"
	"github.com/trustlesswork/demoengine/internal/metrics"
	"github.com/trustlesswork/demoengine/internal/notify"
	"github.com/trustlesswork/demoengine/internal/traces"
	"github.com/trustlesswork/demoengine/internal/txsim"
	"github.com/trustlesswork/demoengine/internal/wallet"
)

// StepStatus is the derived display status of a step.
type StepStatus string

const (
	StatusPending   StepStatus = "pending"
	StatusCurrent   StepStatus = "current"
	StatusCompleted StepStatus = "completed"
)

// Completer persists a finished run.
type Completer interface {
	CompleteDemo(ctx context.Context, demoID, walletAddr string, score int) error
}

// HistoryRecorder stores transaction history.
type HistoryRecorder interface {
	RecordTransaction(ctx context.Context, tx account.Transaction) error
}

// Deps are a session's collaborators. Wallet is required; the rest may be nil.
type Deps struct {
	Wallet    wallet.Provider
	Network   wallet.NetworkValidator
	Notifier  notify.Sink
	Bus       *eventbus.Bus
	Completer Completer
	History   HistoryRecorder
	Logger    *slog.Logger
	Now       func() time.Time
}

type stepState struct {
	busy      bool    // handler running
	hash      string  // pending transaction this step waits on
	effects   *Result // applied when hash succeeds
	succeeded bool
}

// Session is one user's run through one demo.
type Session struct {
	id         string
	walletAddr string
	def        Definition
	deps       Deps
	sim        *txsim.Simulator
	logger     *slog.Logger
	createdAt  time.Time

	mu          sync.Mutex
	role        Role
	current     int
	contractID  string
	steps       []stepState
	startedAt   time.Time
	completed   bool
	completedAt time.Time
	score       int
	gen         uint64
	closed      bool
	lastActive  time.Time
}

// NewSession validates def and creates a session for walletAddr.
func NewSession(id, walletAddr string, def Definition, deps Deps) (*Session, error) {
	if err := def.Validate(); err != nil {
		return nil, err
	}
	if deps.Wallet == nil {
		return nil, errors.New("engine: wallet provider required")
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	s := &Session{
		id:         id,
		walletAddr: walletAddr,
		def:        def,
		deps:       deps,
		logger:     deps.Logger.With("session_id", id, "demo", def.ID),
		role:       RoleClient,
		steps:      make([]stepState, len(def.Steps)),
	}
	s.createdAt = deps.Now()
	s.lastActive = s.createdAt

	delay := def.AutoResolve
	if delay == 0 {
		delay = txsim.DefaultAutoResolve
	}
	s.sim = txsim.New(
		txsim.WithAutoResolve(delay),
		txsim.WithObserver(s),
		txsim.WithClock(deps.Now),
	)
	return s, nil
}

func (s *Session) ID() string         { return s.id }
func (s *Session) DemoID() string     { return s.def.ID }
func (s *Session) WalletAddr() string { return s.walletAddr }

// Steps returns the fixed, ordered step list.
func (s *Session) Steps() []StepDef {
	out := make([]StepDef, len(s.def.Steps))
	copy(out, s.def.Steps)
	return out
}

// StepIndex resolves a step id.
func (s *Session) StepIndex(stepID string) (int, error) {
	for i, st := range s.def.Steps {
		if st.ID == stepID {
			return i, nil
		}
	}
	return -1, fmt.Errorf("%w: %s", ErrUnknownStep, stepID)
}

// CurrentStep returns the step pointer. It equals len(Steps()) once every
// step has advanced.
func (s *Session) CurrentStep() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// ContractID returns the contract created by the first step, if any.
func (s *Session) ContractID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.contractID
}

// Completed reports whether the completion latch is set, and the score.
func (s *Session) Completed() (bool, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.completed, s.score
}

// CreatedAt is when the session was created.
func (s *Session) CreatedAt() time.Time { return s.createdAt }

// LastActive is when the session was last used.
func (s *Session) LastActive() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActive
}

// Touch marks the session as used.
func (s *Session) Touch() {
	s.mu.Lock()
	s.lastActive = s.deps.Now()
	s.mu.Unlock()
}

// Status derives the display status of step i. A live pending or failed
// transaction makes a step current regardless of the pointer.
func (s *Session) Status(i int) (StepStatus, error) {
	if i < 0 || i >= len(s.def.Steps) {
		return "", fmt.Errorf("%w: index %d", ErrUnknownStep, i)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statusLocked(i), nil
}

func (s *Session) statusLocked(i int) StepStatus {
	if tx, ok := s.sim.ForStep(s.def.Steps[i].ID); ok {
		if tx.Status == txsim.StatusPending || tx.Status == txsim.StatusFailed {
			return StatusCurrent
		}
	}
	switch {
	case i == s.current:
		return StatusCurrent
	case i < s.current:
		return StatusCompleted
	default:
		return StatusPending
	}
}

// Check returns nil when step i (and, if actionID is set, that action) may be
// invoked now, or a *BlockedError naming the first failing predicate.
func (s *Session) Check(i int, actionID string) error {
	if i < 0 || i >= len(s.def.Steps) {
		return fmt.Errorf("%w: index %d", ErrUnknownStep, i)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	return s.checkLocked(i, actionID)
}

// IsActionable reports whether step i passes every gate predicate.
func (s *Session) IsActionable(i int) bool {
	return s.Check(i, "") == nil
}

func (s *Session) checkLocked(i int, actionID string) error {
	step := s.def.Steps[i]
	blocked := func(reason error) error {
		return &BlockedError{StepID: step.ID, ActionID: actionID, Reason: reason}
	}

	var st wallet.State
	if s.deps.Wallet != nil {
		st = s.deps.Wallet.State()
	}
	if !st.Connected {
		return blocked(ErrWalletNotConnected)
	}
	if s.deps.Network != nil && !s.deps.Network.Valid(st.Network) {
		return blocked(ErrWrongNetwork)
	}
	if i != s.current {
		return blocked(ErrStepNotCurrent)
	}
	if i > 0 && !s.steps[i-1].succeeded {
		return blocked(ErrPreviousStepUnresolved)
	}
	if step.RequiresContract && s.contractID == "" {
		return blocked(ErrContractMissing)
	}
	if s.steps[i].busy {
		return blocked(ErrStepInFlight)
	}
	if tx, ok := s.sim.ForStep(step.ID); ok && tx.Status == txsim.StatusPending {
		return blocked(ErrStepInFlight)
	}
	if actionID != "" {
		a, ok := step.action(actionID)
		if !ok {
			return fmt.Errorf("%w: %s/%s", ErrUnknownAction, step.ID, actionID)
		}
		if !a.Allows(s.role) {
			return blocked(ErrRoleNotPermitted)
		}
	}
	return nil
}

// SetRole switches the acting party.
func (s *Session) SetRole(role Role) error {
	r, err := ParseRole(string(role))
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	s.role = r
	s.lastActive = s.deps.Now()
	return nil
}

// Role returns the acting party.
func (s *Session) Role() Role {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.role
}

// IsActionVisible reports whether role may see actionID. Unknown actions are
// never visible.
func (s *Session) IsActionVisible(actionID string, role Role) bool {
	for _, st := range s.def.Steps {
		for _, a := range st.Actions {
			if a.ID == actionID {
				return a.Allows(role)
			}
		}
	}
	return false
}

// Invoke runs an action of a step. Gate failures return a *BlockedError and
// create nothing. A handler error is caught here: it is recorded as a failed
// transaction on the step, reported to the notifier, and returned in the
// transaction with a nil error so the caller can show it and retry.
func (s *Session) Invoke(ctx context.Context, stepID, actionID string, in Input) (txsim.Transaction, error) {
	ctx, span := traces.StartSpan(ctx, "engine.Invoke",
		traces.SessionID(s.id), traces.DemoID(s.def.ID), traces.StepID(stepID), traces.ActionID(actionID))
	defer span.End()

	i, err := s.StepIndex(stepID)
	if err != nil {
		return txsim.Transaction{}, err
	}
	action, ok := s.def.Steps[i].action(actionID)
	if !ok {
		return txsim.Transaction{}, fmt.Errorf("%w: %s/%s", ErrUnknownAction, stepID, actionID)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return txsim.Transaction{}, ErrSessionClosed
	}
	if err := s.checkLocked(i, action.ID); err != nil {
		s.mu.Unlock()
		metrics.ActionsBlockedTotal.WithLabelValues(s.def.ID, ReasonCode(err)).Inc()
		traces.Fail(span, err)
		return txsim.Transaction{}, err
	}
	s.steps[i].busy = true
	s.lastActive = s.deps.Now()
	gen := s.gen
	call := Call{
		SessionID:  s.id,
		DemoID:     s.def.ID,
		StepID:     stepID,
		ActionID:   action.ID,
		Role:       s.role,
		WalletAddr: s.walletAddr,
		Wallet:     s.deps.Wallet,
		ContractID: s.contractID,
		Input:      in,
	}
	s.mu.Unlock()

	start := time.Now()
	res, herr := s.runHandler(ctx, action, call)
	metrics.ActionDuration.WithLabelValues(s.def.ID, action.ID).Observe(time.Since(start).Seconds())

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return txsim.Transaction{}, ErrSessionClosed
	}
	if s.gen != gen {
		s.mu.Unlock()
		return txsim.Transaction{}, ErrSessionReset
	}

	if herr != nil {
		s.mu.Unlock()
		traces.Fail(span, herr)
		s.logger.Warn("action failed", "step", stepID, "action", action.ID, "error", herr)
		// busy stays set until the failure is recorded, so no retry can
		// slip in between.
		tx, err := s.sim.Fail(stepID, herr.Error())
		s.mu.Lock()
		if s.gen == gen {
			s.steps[i].busy = false
		}
		s.mu.Unlock()
		return tx, err
	}

	s.steps[i].effects = res
	var tx txsim.Transaction
	if res.TxHash != "" {
		tx, err = s.sim.BeginWithHash(stepID, res.TxHash)
	} else {
		tx, err = s.sim.Begin(stepID)
	}
	s.steps[i].busy = false
	if err != nil {
		s.steps[i].effects = nil
	} else {
		s.steps[i].hash = tx.Hash
		if res.Apply != nil {
			res.Apply()
		}
	}
	s.mu.Unlock()

	if err != nil {
		return txsim.Transaction{}, err
	}
	span.SetAttributes(traces.TxHash(tx.Hash))

	notice := notify.Notification{
		Type:    notify.TypeInfo,
		Title:   "Transaction submitted",
		Message: fmt.Sprintf("%s: %s", s.def.Steps[i].Title, tx.Hash),
	}
	if res.Notice != nil {
		notice = *res.Notice
	}
	s.notify(ctx, notice)
	return tx, nil
}

func (s *Session) runHandler(ctx context.Context, a ActionDef, call Call) (res *Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic in action handler", "action", a.ID, "panic", r)
			res, err = nil, fmt.Errorf("action %s panicked: %v", a.ID, r)
		}
	}()
	res, err = a.Handler(ctx, call)
	if err == nil && res == nil {
		res = &Result{}
	}
	return res, err
}

// Confirm resolves a pending transaction immediately ("Confirm Now").
func (s *Session) Confirm(ctx context.Context, hash string) (txsim.Transaction, error) {
	_, span := traces.StartSpan(ctx, "engine.Confirm", traces.SessionID(s.id), traces.TxHash(hash))
	defer span.End()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return txsim.Transaction{}, ErrSessionClosed
	}
	s.lastActive = s.deps.Now()
	s.mu.Unlock()

	tx, err := s.sim.Confirm(hash)
	switch {
	case errors.Is(err, txsim.ErrNotFound):
		return txsim.Transaction{}, fmt.Errorf("%w: %s", ErrTxNotFound, hash)
	case errors.Is(err, txsim.ErrClosed):
		return txsim.Transaction{}, ErrSessionClosed
	}
	return tx, err
}

// Transaction returns the live transaction of a step, if any.
func (s *Session) Transaction(stepID string) (txsim.Transaction, bool) {
	return s.sim.ForStep(stepID)
}

// TransactionBegun implements txsim.Observer. It may run with the session
// lock held by Invoke, so it must not touch run state.
func (s *Session) TransactionBegun(tx txsim.Transaction) {
	ctx := context.Background()
	s.recordHistory(ctx, tx)
	s.publish(ctx, eventbus.TypeTransactionBegun, map[string]interface{}{
		"hash":      tx.Hash,
		"step":      tx.StepID,
		"status":    string(tx.Status),
		"simulated": tx.Simulated,
	})
}

// TransactionResolved implements txsim.Observer. Success applies the
// action's effects, advances the pointer when the step is done and evaluates
// the terminal predicate.
func (s *Session) TransactionResolved(tx txsim.Transaction) {
	ctx := context.Background()
	s.recordHistory(ctx, tx)
	metrics.TransactionsTotal.WithLabelValues(s.def.ID, string(tx.Status)).Inc()
	s.publish(ctx, eventbus.TypeTransactionResolved, map[string]interface{}{
		"hash":    tx.Hash,
		"step":    tx.StepID,
		"status":  string(tx.Status),
		"message": tx.Message,
	})

	i, err := s.StepIndex(tx.StepID)
	if err != nil {
		return
	}
	title := s.def.Steps[i].Title

	if tx.Status == txsim.StatusFailed {
		s.notify(ctx, notify.Notification{
			Type:    notify.TypeError,
			Title:   "Transaction failed",
			Message: fmt.Sprintf("%s: %s", title, tx.Message),
		})
		return
	}

	s.mu.Lock()
	st := &s.steps[i]
	if s.closed || st.hash != tx.Hash {
		// Stale: the session was reset or closed after this resolved.
		s.mu.Unlock()
		return
	}
	st.hash = ""
	st.succeeded = true
	if st.effects != nil && st.effects.ContractID != "" {
		s.contractID = st.effects.ContractID
	}
	st.effects = nil
	if i == 0 && s.startedAt.IsZero() {
		s.startedAt = s.deps.Now()
	}

	advanced := false
	if i == s.current && s.stepDoneLocked(i) {
		s.current++
		advanced = true
	}
	current := s.current
	fire := s.completionLocked()
	s.lastActive = s.deps.Now()
	s.mu.Unlock()

	s.notify(ctx, notify.Notification{
		Type:    notify.TypeSuccess,
		Title:   "Transaction confirmed",
		Message: title,
	})
	if advanced {
		metrics.StepAdvancesTotal.WithLabelValues(s.def.ID, tx.StepID).Inc()
		s.publish(ctx, eventbus.TypeStepAdvanced, map[string]interface{}{
			"step":        tx.StepID,
			"currentStep": current,
		})
	}
	if fire != nil {
		fire(ctx)
	}
}

func (s *Session) stepDoneLocked(i int) bool {
	done := s.def.Steps[i].Done
	return done == nil || done()
}

func (s *Session) terminalLocked() bool {
	if s.def.Terminal != nil {
		return s.def.Terminal(Progress{
			Current:    s.current,
			Total:      len(s.def.Steps),
			ContractID: s.contractID,
		})
	}
	return s.current >= len(s.def.Steps)
}

// completionLocked sets the latch when the terminal predicate first holds
// and returns the side effects to run once the lock is released.
func (s *Session) completionLocked() func(context.Context) {
	if s.completed || !s.terminalLocked() {
		return nil
	}
	now := s.deps.Now()
	start := s.startedAt
	if start.IsZero() {
		start = s.createdAt
	}
	s.completed = true
	s.completedAt = now
	s.score = s.def.Score.Score(now.Sub(start))
	score := s.score
	elapsed := now.Sub(start)
	return func(ctx context.Context) { s.fireCompletion(ctx, score, elapsed) }
}

// fireCompletion runs at most once per run. A persistence failure is
// reported, never retried.
func (s *Session) fireCompletion(ctx context.Context, score int, elapsed time.Duration) {
	ctx, span := traces.StartSpan(ctx, "engine.Complete", traces.SessionID(s.id), traces.DemoID(s.def.ID))
	defer span.End()

	s.publish(ctx, eventbus.TypeDemoCompleted, map[string]interface{}{
		"score":          score,
		"elapsedSeconds": int(elapsed.Seconds()),
	})
	metrics.DemoScore.WithLabelValues(s.def.ID).Observe(float64(score))

	if s.deps.Completer != nil {
		if err := s.deps.Completer.CompleteDemo(ctx, s.def.ID, s.walletAddr, score); err != nil {
			traces.Fail(span, err)
			metrics.DemoCompletionsTotal.WithLabelValues(s.def.ID, "persist_error").Inc()
			s.logger.Error("failed to record demo completion", "score", score, "error", err)
			s.notify(ctx, notify.Notification{
				Type:    notify.TypeError,
				Title:   "Could not save your progress",
				Message: err.Error(),
			})
			return
		}
	}

	metrics.DemoCompletionsTotal.WithLabelValues(s.def.ID, "ok").Inc()
	s.logger.Info("demo completed", "score", score, "elapsed", elapsed)
	s.notify(ctx, notify.Notification{
		Type:    notify.TypeSuccess,
		Title:   "Demo completed!",
		Message: fmt.Sprintf("%s finished with a score of %d", s.def.Title, score),
	})
}

// Reset clears the run: timers are cancelled, the pointer, contract, role
// and completion latch return to their initial values and variant state is
// cleared. Handlers still running when Reset happens are discarded.
func (s *Session) Reset(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	s.gen++
	s.sim.Reset()
	s.steps = make([]stepState, len(s.def.Steps))
	s.current = 0
	s.contractID = ""
	s.startedAt = time.Time{}
	s.completed = false
	s.completedAt = time.Time{}
	s.score = 0
	s.role = RoleClient
	s.lastActive = s.deps.Now()
	if s.def.Reset != nil {
		s.def.Reset()
	}
	s.mu.Unlock()

	s.logger.Info("session reset")
	s.publish(ctx, eventbus.TypeSessionReset, nil)
	s.notify(ctx, notify.Notification{
		Type:    notify.TypeInfo,
		Title:   "Demo reset",
		Message: s.def.Title + " was reset",
	})
	return nil
}

// Close stops every pending timer. Further calls fail with ErrSessionClosed.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.sim.Close()
	s.publish(context.Background(), eventbus.TypeSessionClosed, nil)
}

// Closed reports whether Close was called.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Session) notify(ctx context.Context, n notify.Notification) {
	if s.deps.Notifier == nil {
		return
	}
	n.SessionID = s.id
	n.WalletAddr = s.walletAddr
	if err := s.deps.Notifier.Notify(ctx, n); err != nil {
		s.logger.Warn("notification delivery failed", "title", n.Title, "error", err)
	}
}

func (s *Session) publish(ctx context.Context, t eventbus.Type, data map[string]interface{}) {
	if s.deps.Bus == nil {
		return
	}
	s.deps.Bus.Publish(ctx, eventbus.Event{
		Type:       t,
		SessionID:  s.id,
		DemoID:     s.def.ID,
		WalletAddr: s.walletAddr,
		Data:       data,
	})
}

func (s *Session) recordHistory(ctx context.Context, tx txsim.Transaction) {
	if s.deps.History == nil {
		return
	}
	err := s.deps.History.RecordTransaction(ctx, account.Transaction{
		Hash:       tx.Hash,
		SessionID:  s.id,
		DemoID:     s.def.ID,
		StepID:     tx.StepID,
		WalletAddr: s.walletAddr,
		Status:     string(tx.Status),
		Message:    tx.Message,
		Simulated:  tx.Simulated,
		CreatedAt:  tx.CreatedAt,
		ResolvedAt: tx.ResolvedAt,
	})
	if err != nil {
		s.logger.Warn("failed to record transaction history", "hash", tx.Hash, "error", err)
	}
}
