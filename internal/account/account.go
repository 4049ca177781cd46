// Package account records demo completions, awards points and keeps the
// per-wallet transaction history shown on the profile page.
package account

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/trustlesswork/demoengine/internal/syncutil"
	"github.com/trustlesswork/demoengine/internal/traces"
	"go.opentelemetry.io/otel/attribute"
)

var (
	ErrNotFound      = errors.New("account: not found")
	ErrInvalidScore  = errors.New("account: score must be between 0 and 100")
	ErrInvalidWallet = errors.New("account: wallet address required")
	ErrInvalidDemo   = errors.New("account: demo id required")
)

// MaxScore is the highest score a demo run can earn.
const MaxScore = 100

// Completion is the best result a wallet achieved on one demo.
type Completion struct {
	DemoID      string    `json:"demoId"`
	WalletAddr  string    `json:"walletAddress"`
	BestScore   int       `json:"bestScore"`
	FirstScore  int       `json:"firstScore"`
	Runs        int       `json:"runs"`
	CompletedAt time.Time `json:"completedAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Transaction is one entry of a wallet's demo transaction history.
type Transaction struct {
	Hash       string     `json:"hash"`
	SessionID  string     `json:"sessionId"`
	DemoID     string     `json:"demoId"`
	StepID     string     `json:"stepId"`
	WalletAddr string     `json:"walletAddress"`
	Status     string     `json:"status"`
	Message    string     `json:"message,omitempty"`
	Simulated  bool       `json:"simulated"`
	CreatedAt  time.Time  `json:"createdAt"`
	ResolvedAt *time.Time `json:"resolvedAt,omitempty"`
}

// Account is the profile view of a wallet.
type Account struct {
	WalletAddr   string        `json:"walletAddress"`
	Points       int64         `json:"points"`
	Completions  []Completion  `json:"completions"`
	Transactions []Transaction `json:"transactions"`
}

// LeaderboardEntry is one ranked wallet.
type LeaderboardEntry struct {
	Rank       int    `json:"rank"`
	WalletAddr string `json:"walletAddress"`
	Points     int64  `json:"points"`
	Completed  int    `json:"demosCompleted"`
}

// Store persists accounts.
type Store interface {
	// UpsertCompletion stores a run. It reports whether this was the first
	// completion of the demo by the wallet.
	UpsertCompletion(ctx context.Context, demoID, walletAddr string, score int, at time.Time) (first bool, err error)
	AddPoints(ctx context.Context, walletAddr string, points int64) error
	Points(ctx context.Context, walletAddr string) (int64, error)
	Completions(ctx context.Context, walletAddr string) ([]Completion, error)
	RecordTransaction(ctx context.Context, tx *Transaction) error
	Transactions(ctx context.Context, walletAddr string, limit int) ([]Transaction, error)
	Leaderboard(ctx context.Context, limit int) ([]LeaderboardEntry, error)
}

// Service implements the persistence collaborator demo sessions report to.
type Service struct {
	store  Store
	logger *slog.Logger
	locks  syncutil.KeyedMutex
	now    func() time.Time
}

// NewService creates an account service.
func NewService(store Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, logger: logger, now: time.Now}
}

// NormalizeWallet lower-cases and trims an address so lookups are
// case-insensitive.
func NormalizeWallet(addr string) string {
	return strings.ToLower(strings.TrimSpace(addr))
}

// CompleteDemo records a finished demo run. Points equal to the score are
// awarded the first time a wallet completes a demo; later runs only raise the
// best score.
func (s *Service) CompleteDemo(ctx context.Context, demoID, walletAddr string, score int) error {
	ctx, span := traces.StartSpan(ctx, "account.CompleteDemo",
		traces.DemoID(demoID), attribute.Int("score", score))
	defer span.End()

	if demoID == "" {
		return ErrInvalidDemo
	}
	addr := NormalizeWallet(walletAddr)
	if addr == "" {
		return ErrInvalidWallet
	}
	if score < 0 || score > MaxScore {
		return ErrInvalidScore
	}

	// Serialize per wallet so concurrent completions cannot double-award.
	unlock := s.locks.Lock(addr)
	defer unlock()

	first, err := s.store.UpsertCompletion(ctx, demoID, addr, score, s.now())
	if err != nil {
		return fmt.Errorf("record completion: %w", err)
	}
	if !first {
		s.logger.Info("demo completed again", "demo", demoID, "wallet", addr, "score", score)
		return nil
	}
	if err := s.store.AddPoints(ctx, addr, int64(score)); err != nil {
		return fmt.Errorf("award points: %w", err)
	}
	s.logger.Info("demo completed", "demo", demoID, "wallet", addr, "score", score, "points", score)
	return nil
}

// RecordTransaction stores or updates a history entry keyed by hash.
func (s *Service) RecordTransaction(ctx context.Context, tx Transaction) error {
	tx.WalletAddr = NormalizeWallet(tx.WalletAddr)
	if tx.WalletAddr == "" {
		return ErrInvalidWallet
	}
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = s.now()
	}
	return s.store.RecordTransaction(ctx, &tx)
}

// Account returns the profile of a wallet. Unknown wallets yield an empty
// account, not an error.
func (s *Service) Account(ctx context.Context, walletAddr string) (*Account, error) {
	addr := NormalizeWallet(walletAddr)
	if addr == "" {
		return nil, ErrInvalidWallet
	}
	points, err := s.store.Points(ctx, addr)
	if err != nil {
		return nil, err
	}
	completions, err := s.store.Completions(ctx, addr)
	if err != nil {
		return nil, err
	}
	txs, err := s.store.Transactions(ctx, addr, 50)
	if err != nil {
		return nil, err
	}
	if completions == nil {
		completions = []Completion{}
	}
	if txs == nil {
		txs = []Transaction{}
	}
	return &Account{WalletAddr: addr, Points: points, Completions: completions, Transactions: txs}, nil
}

// Leaderboard returns the top wallets by points.
func (s *Service) Leaderboard(ctx context.Context, limit int) ([]LeaderboardEntry, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	return s.store.Leaderboard(ctx, limit)
}
