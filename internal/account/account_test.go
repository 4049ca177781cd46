package account

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/trustlesswork/demoengine/internal/testutil"
)

func newTestService() (*Service, *MemoryStore) {
	store := NewMemoryStore()
	return NewService(store, nil), store
}

func TestCompleteDemo_AwardsPointsOnce(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	require.NoError(t, svc.CompleteDemo(ctx, "hello-milestone", "GABC", 85))
	require.NoError(t, svc.CompleteDemo(ctx, "hello-milestone", "gabc", 95))

	acct, err := svc.Account(ctx, "GABC")
	require.NoError(t, err)
	assert.Equal(t, int64(85), acct.Points, "second run must not award points again")
	require.Len(t, acct.Completions, 1)
	assert.Equal(t, 95, acct.Completions[0].BestScore)
	assert.Equal(t, 85, acct.Completions[0].FirstScore)
	assert.Equal(t, 2, acct.Completions[0].Runs)
}

func TestCompleteDemo_Validation(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	assert.ErrorIs(t, svc.CompleteDemo(ctx, "", "GABC", 10), ErrInvalidDemo)
	assert.ErrorIs(t, svc.CompleteDemo(ctx, "d", "  ", 10), ErrInvalidWallet)
	assert.ErrorIs(t, svc.CompleteDemo(ctx, "d", "GABC", 101), ErrInvalidScore)
	assert.ErrorIs(t, svc.CompleteDemo(ctx, "d", "GABC", -1), ErrInvalidScore)
}

func TestCompleteDemo_ConcurrentRunsAwardOnce(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = svc.CompleteDemo(ctx, "dispute-resolution", "GXYZ", 90)
		}()
	}
	wg.Wait()

	acct, err := svc.Account(ctx, "GXYZ")
	require.NoError(t, err)
	assert.Equal(t, int64(90), acct.Points)
}

type failingStore struct {
	*MemoryStore
	err error
}

func (f failingStore) UpsertCompletion(ctx context.Context, demoID, walletAddr string, score int, at time.Time) (bool, error) {
	return false, f.err
}

func TestCompleteDemo_StoreErrorIsWrapped(t *testing.T) {
	boom := errors.New("connection refused")
	svc := NewService(failingStore{MemoryStore: NewMemoryStore(), err: boom}, nil)

	err := svc.CompleteDemo(context.Background(), "d", "GABC", 50)
	assert.ErrorIs(t, err, boom)
}

func TestRecordTransaction_UpsertsByHash(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	require.NoError(t, svc.RecordTransaction(ctx, Transaction{
		Hash: "0x1", SessionID: "s", DemoID: "d", StepID: "fund", WalletAddr: "GABC", Status: "pending", Simulated: true,
	}))
	resolved := time.Now()
	require.NoError(t, svc.RecordTransaction(ctx, Transaction{
		Hash: "0x1", WalletAddr: "GABC", Status: "success", ResolvedAt: &resolved,
	}))
	require.NoError(t, svc.RecordTransaction(ctx, Transaction{
		Hash: "0x2", SessionID: "s", DemoID: "d", StepID: "release", WalletAddr: "GABC", Status: "pending",
	}))

	acct, err := svc.Account(ctx, "gabc")
	require.NoError(t, err)
	require.Len(t, acct.Transactions, 2)
	assert.Equal(t, "0x2", acct.Transactions[0].Hash, "newest first")
	assert.Equal(t, "success", acct.Transactions[1].Status)
	assert.Equal(t, "fund", acct.Transactions[1].StepID, "update keeps original fields")
	assert.NotNil(t, acct.Transactions[1].ResolvedAt)
}

func TestAccount_UnknownWalletIsEmpty(t *testing.T) {
	svc, _ := newTestService()
	acct, err := svc.Account(context.Background(), "GNEW")
	require.NoError(t, err)
	assert.Zero(t, acct.Points)
	assert.Empty(t, acct.Completions)
	assert.NotNil(t, acct.Transactions)
}

func TestLeaderboard_RanksByPoints(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	require.NoError(t, svc.CompleteDemo(ctx, "a", "GONE", 70))
	require.NoError(t, svc.CompleteDemo(ctx, "a", "GTWO", 90))
	require.NoError(t, svc.CompleteDemo(ctx, "b", "GONE", 80))

	board, err := svc.Leaderboard(ctx, 0)
	require.NoError(t, err)
	require.Len(t, board, 2)
	assert.Equal(t, LeaderboardEntry{Rank: 1, WalletAddr: "gone", Points: 150, Completed: 2}, board[0])
	assert.Equal(t, LeaderboardEntry{Rank: 2, WalletAddr: "gtwo", Points: 90, Completed: 1}, board[1])
}

func TestPostgresStore_RoundTrip(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	runStoreContract(t, NewPostgresStore(db))
}

func TestPostgresStore_Container(t *testing.T) {
	db, cleanup := testutil.PGContainer(t)
	defer cleanup()

	runStoreContract(t, NewPostgresStore(db))
}

func TestMemoryStore_Contract(t *testing.T) {
	runStoreContract(t, NewMemoryStore())
}

// runStoreContract exercises behavior every Store must share.
func runStoreContract(t *testing.T, store Store) {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	first, err := store.UpsertCompletion(ctx, "hello-milestone", "gabc", 80, now)
	require.NoError(t, err)
	assert.True(t, first)
	first, err = store.UpsertCompletion(ctx, "hello-milestone", "gabc", 60, now.Add(time.Minute))
	require.NoError(t, err)
	assert.False(t, first)

	comps, err := store.Completions(ctx, "gabc")
	require.NoError(t, err)
	require.Len(t, comps, 1)
	assert.Equal(t, 80, comps[0].BestScore)
	assert.Equal(t, 2, comps[0].Runs)

	require.NoError(t, store.AddPoints(ctx, "gabc", 80))
	require.NoError(t, store.AddPoints(ctx, "gabc", 5))
	pts, err := store.Points(ctx, "gabc")
	require.NoError(t, err)
	assert.Equal(t, int64(85), pts)

	none, err := store.Points(ctx, "nobody")
	require.NoError(t, err)
	assert.Zero(t, none)

	require.NoError(t, store.RecordTransaction(ctx, &Transaction{
		Hash: "0xabc", SessionID: "s1", DemoID: "hello-milestone", StepID: "initialize",
		WalletAddr: "gabc", Status: "pending", Simulated: true, CreatedAt: now,
	}))
	require.NoError(t, store.RecordTransaction(ctx, &Transaction{
		Hash: "0xabc", SessionID: "s1", DemoID: "hello-milestone", StepID: "initialize",
		WalletAddr: "gabc", Status: "failed", Message: "rpc down", CreatedAt: now,
	}))
	txs, err := store.Transactions(ctx, "gabc", 10)
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Equal(t, "failed", txs[0].Status)
	assert.Equal(t, "rpc down", txs[0].Message)

	board, err := store.Leaderboard(ctx, 10)
	require.NoError(t, err)
	require.NotEmpty(t, board)
	assert.Equal(t, "gabc", board[0].WalletAddr)
	assert.Equal(t, 1, board[0].Rank)
}
