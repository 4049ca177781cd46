package account

import (
	"context"
	"database/sql"
	"time"
)

// PostgresStore persists accounts in PostgreSQL. The schema lives in
// migrations/ and is applied with cmd/migrate.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed account store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) UpsertCompletion(ctx context.Context, demoID, walletAddr string, score int, at time.Time) (bool, error) {
	// xmax = 0 only for freshly inserted rows.
	var inserted bool
	err := p.db.QueryRowContext(ctx, `
		INSERT INTO demo_completions (demo_id, wallet_addr, best_score, first_score, runs, completed_at, updated_at)
		VALUES ($1, $2, $3, $3, 1, $4, $4)
		ON CONFLICT (demo_id, wallet_addr) DO UPDATE SET
			best_score = GREATEST(demo_completions.best_score, EXCLUDED.best_score),
			runs = demo_completions.runs + 1,
			updated_at = EXCLUDED.updated_at
		RETURNING (xmax = 0)`,
		demoID, walletAddr, score, at,
	).Scan(&inserted)
	return inserted, err
}

func (p *PostgresStore) AddPoints(ctx context.Context, walletAddr string, points int64) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO account_points (wallet_addr, points, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (wallet_addr) DO UPDATE SET
			points = account_points.points + EXCLUDED.points,
			updated_at = NOW()`,
		walletAddr, points,
	)
	return err
}

func (p *PostgresStore) Points(ctx context.Context, walletAddr string) (int64, error) {
	var points int64
	err := p.db.QueryRowContext(ctx,
		`SELECT points FROM account_points WHERE wallet_addr = $1`, walletAddr,
	).Scan(&points)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return points, err
}

func (p *PostgresStore) Completions(ctx context.Context, walletAddr string) ([]Completion, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT demo_id, wallet_addr, best_score, first_score, runs, completed_at, updated_at
		FROM demo_completions
		WHERE wallet_addr = $1
		ORDER BY completed_at`, walletAddr)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []Completion
	for rows.Next() {
		var c Completion
		if err := rows.Scan(&c.DemoID, &c.WalletAddr, &c.BestScore, &c.FirstScore,
			&c.Runs, &c.CompletedAt, &c.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (p *PostgresStore) RecordTransaction(ctx context.Context, tx *Transaction) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO transaction_history (
			hash, session_id, demo_id, step_id, wallet_addr,
			status, message, simulated, created_at, resolved_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (hash) DO UPDATE SET
			status = EXCLUDED.status,
			message = EXCLUDED.message,
			resolved_at = EXCLUDED.resolved_at`,
		tx.Hash, tx.SessionID, tx.DemoID, tx.StepID, tx.WalletAddr,
		tx.Status, nullString(tx.Message), tx.Simulated, tx.CreatedAt, nullTime(tx.ResolvedAt),
	)
	return err
}

func (p *PostgresStore) Transactions(ctx context.Context, walletAddr string, limit int) ([]Transaction, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT hash, session_id, demo_id, step_id, wallet_addr,
		       status, message, simulated, created_at, resolved_at
		FROM transaction_history
		WHERE wallet_addr = $1
		ORDER BY created_at DESC
		LIMIT $2`, walletAddr, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []Transaction
	for rows.Next() {
		var (
			tx         Transaction
			message    sql.NullString
			resolvedAt sql.NullTime
		)
		if err := rows.Scan(&tx.Hash, &tx.SessionID, &tx.DemoID, &tx.StepID, &tx.WalletAddr,
			&tx.Status, &message, &tx.Simulated, &tx.CreatedAt, &resolvedAt); err != nil {
			return nil, err
		}
		tx.Message = message.String
		if resolvedAt.Valid {
			t := resolvedAt.Time
			tx.ResolvedAt = &t
		}
		out = append(out, tx)
	}
	return out, rows.Err()
}

func (p *PostgresStore) Leaderboard(ctx context.Context, limit int) ([]LeaderboardEntry, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT p.wallet_addr, p.points, COUNT(c.demo_id)
		FROM account_points p
		LEFT JOIN demo_completions c ON c.wallet_addr = p.wallet_addr
		GROUP BY p.wallet_addr, p.points
		ORDER BY p.points DESC, p.wallet_addr
		LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []LeaderboardEntry
	for rows.Next() {
		var e LeaderboardEntry
		if err := rows.Scan(&e.WalletAddr, &e.Points, &e.Completed); err != nil {
			return nil, err
		}
		e.Rank = len(out) + 1
		out = append(out, e)
	}
	return out, rows.Err()
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
