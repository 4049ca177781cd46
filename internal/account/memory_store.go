package account

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory account store for demo/development mode.
type MemoryStore struct {
	mu          sync.RWMutex
	completions map[string]map[string]*Completion // wallet -> demo -> completion
	points      map[string]int64
	txs         map[string]*Transaction
	txOrder     []string
}

// NewMemoryStore creates a new in-memory account store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		completions: make(map[string]map[string]*Completion),
		points:      make(map[string]int64),
		txs:         make(map[string]*Transaction),
	}
}

func (m *MemoryStore) UpsertCompletion(ctx context.Context, demoID, walletAddr string, score int, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	byDemo, ok := m.completions[walletAddr]
	if !ok {
		byDemo = make(map[string]*Completion)
		m.completions[walletAddr] = byDemo
	}
	if c, ok := byDemo[demoID]; ok {
		c.Runs++
		c.UpdatedAt = at
		if score > c.BestScore {
			c.BestScore = score
		}
		return false, nil
	}
	byDemo[demoID] = &Completion{
		DemoID:      demoID,
		WalletAddr:  walletAddr,
		BestScore:   score,
		FirstScore:  score,
		Runs:        1,
		CompletedAt: at,
		UpdatedAt:   at,
	}
	return true, nil
}

func (m *MemoryStore) AddPoints(ctx context.Context, walletAddr string, points int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.points[walletAddr] += points
	return nil
}

func (m *MemoryStore) Points(ctx context.Context, walletAddr string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.points[walletAddr], nil
}

func (m *MemoryStore) Completions(ctx context.Context, walletAddr string) ([]Completion, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Completion
	for _, c := range m.completions[walletAddr] {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CompletedAt.Before(out[j].CompletedAt) })
	return out, nil
}

func (m *MemoryStore) RecordTransaction(ctx context.Context, tx *Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.txs[tx.Hash]; ok {
		existing.Status = tx.Status
		existing.Message = tx.Message
		existing.ResolvedAt = tx.ResolvedAt
		return nil
	}
	cp := *tx
	m.txs[tx.Hash] = &cp
	m.txOrder = append(m.txOrder, tx.Hash)
	return nil
}

// Transactions returns the newest entries first.
func (m *MemoryStore) Transactions(ctx context.Context, walletAddr string, limit int) ([]Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Transaction
	for i := len(m.txOrder) - 1; i >= 0 && len(out) < limit; i-- {
		tx := m.txs[m.txOrder[i]]
		if tx.WalletAddr == walletAddr {
			out = append(out, *tx)
		}
	}
	return out, nil
}

func (m *MemoryStore) Leaderboard(ctx context.Context, limit int) ([]LeaderboardEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entries := make([]LeaderboardEntry, 0, len(m.points))
	for addr, pts := range m.points {
		entries = append(entries, LeaderboardEntry{
			WalletAddr: addr,
			Points:     pts,
			Completed:  len(m.completions[addr]),
		})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Points != entries[j].Points {
			return entries[i].Points > entries[j].Points
		}
		return entries[i].WalletAddr < entries[j].WalletAddr
	})
	if len(entries) > limit {
		entries = entries[:limit]
	}
	for i := range entries {
		entries[i].Rank = i + 1
	}
	return entries, nil
}
