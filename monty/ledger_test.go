package monty

import (
	"context"
	"errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"math"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

// newTestDB returns a migrated SQLite database in a temp directory
func newTestDB(t testing.TB) *gorm.DB {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	t.Cleanup(cancel)

	db, err := CreateDB(ctx, dbTypeSQLite, filepath.Join(t.TempDir(), "ledger.sqlite3"))
	require.NoError(t, err)
	t.Cleanup(
		func() {
			sqlDB, _ := db.DB()
			if sqlDB != nil {
				_ = sqlDB.Close()
			}
		},
	)
	return db
}

func newTestLedger(t testing.TB, db *gorm.DB, opts ...LedgerOption) *Ledger {
	t.Helper()
	ledger, err := NewLedger(context.Background(), db, opts...)
	require.NoError(t, err)
	return ledger
}

func TestLedger_UnknownPairIsZero(t *testing.T) {
	t.Parallel()
	ledger := newTestLedger(t, newTestDB(t))

	assert.Equal(t, 0.0, ledger.Balance(1, 1))
	assert.Equal(t, 0.0, ledger.Balance(100, 999))
	assert.Empty(t, ledger.GuildBalances(100))
	assert.Empty(t, ledger.Leaderboard(100))
	assert.Equal(t, 0, ledger.Accounts())
}

func TestLedger_SumOfDeposits(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	ledger := newTestLedger(t, newTestDB(t))

	deltas := []float64{0, 3, 0.5, 12, 0.25, 100}
	want := 0.0
	for _, d := range deltas {
		_, err := ledger.ApplyTransaction(ctx, 100, 1, d, "deposit")
		require.NoError(t, err)
		want += d
	}
	assert.Equal(t, want, ledger.Balance(100, 1))
}

func TestLedger_Scenario(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	ledger := newTestLedger(t, newTestDB(t))

	for _, d := range []float64{1, 2, 4, 8} {
		_, err := ledger.ApplyTransaction(ctx, 100, 1, d, "whatever")
		require.NoError(t, err)
	}
	assert.Equal(t, 15.0, ledger.Balance(100, 1))

	_, err := ledger.ApplyTransaction(ctx, 100, 1, -20, "too much")
	require.ErrorIs(t, err, ErrInsufficientFunds)
	var fundsErr *InsufficientFundsError
	require.True(t, errors.As(err, &fundsErr))
	assert.Equal(t, 15.0, fundsErr.Balance)
	assert.Equal(t, -20.0, fundsErr.Delta)
	assert.Equal(t, int64(100), fundsErr.GuildID)
	assert.Equal(t, int64(1), fundsErr.UserID)
	assert.Equal(t, 15.0, ledger.Balance(100, 1))

	txn, err := ledger.ApplyTransaction(ctx, 100, 1, -15, "all of it")
	require.NoError(t, err)
	assert.Equal(t, 15.0, txn.OldBalance.Float64())
	assert.Equal(t, 0.0, txn.NewBalance.Float64())
	assert.Equal(t, 0.0, ledger.Balance(100, 1))

	_, err = ledger.ApplyTransaction(ctx, 100, 1, -1, "broke")
	require.ErrorIs(t, err, ErrInsufficientFunds)
	assert.Equal(t, 0.0, ledger.Balance(100, 1))
}

func TestLedger_InsufficientFundsWritesNothing(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	db := newTestDB(t)
	ledger := newTestLedger(t, db)

	_, err := ledger.ApplyTransaction(ctx, 100, 1, 5, "seed")
	require.NoError(t, err)
	_, err = ledger.ApplyTransaction(ctx, 100, 1, -6, "overdraw")
	require.ErrorIs(t, err, ErrInsufficientFunds)

	var count int64
	require.NoError(t, db.Model(&Transaction{}).Count(&count).Error)
	assert.EqualValues(t, 1, count)

	// a fresh withdrawal on a pair with no history is also refused
	_, err = ledger.ApplyTransaction(ctx, 100, 2, -0.01, "nothing to take")
	require.ErrorIs(t, err, ErrInsufficientFunds)
	assert.NotContains(t, ledger.GuildBalances(100), int64(2))
}

func TestLedger_NonFiniteAmountsWriteNothing(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	db := newTestDB(t)
	ledger := newTestLedger(t, db)

	_, err := ledger.ApplyTransaction(ctx, 100, 1, 1.7e308, "seed")
	require.NoError(t, err)

	for name, delta := range map[string]float64{
		"nan":      math.NaN(),
		"+inf":     math.Inf(1),
		"-inf":     math.Inf(-1),
		"overflow": 1.7e308,
	} {
		_, err = ledger.ApplyTransaction(ctx, 100, 1, delta, name)
		require.ErrorIsf(t, err, ErrInvalidAmount, "delta: %s", name)
		assert.Equalf(t, 1.7e308, ledger.Balance(100, 1), "delta: %s", name)
	}

	var count int64
	require.NoError(t, db.Model(&Transaction{}).Count(&count).Error)
	assert.EqualValues(t, 1, count)

	// the guard still holds after a rejected amount
	_, err = ledger.ApplyTransaction(ctx, 100, 2, math.NaN(), "nan on empty pair")
	require.ErrorIs(t, err, ErrInvalidAmount)
	_, err = ledger.ApplyTransaction(ctx, 100, 2, -1, "withdraw")
	require.ErrorIs(t, err, ErrInsufficientFunds)
	assert.NotContains(t, ledger.GuildBalances(100), int64(2))

	reloaded := newTestLedger(t, db)
	assert.Equal(t, 1.7e308, reloaded.Balance(100, 1))
}

func TestLedger_Durability(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	db := newTestDB(t)
	ledger := newTestLedger(t, db)

	_, err := ledger.ApplyTransaction(ctx, 100, 7, 42, "answer")
	require.NoError(t, err)

	reloaded := newTestLedger(t, db)
	assert.Equal(t, 42.0, reloaded.Balance(100, 7))
	assert.Equal(t, map[int64]float64{7: 42}, reloaded.GuildBalances(100))
	assert.Empty(t, reloaded.GuildBalances(999))
	assert.Equal(t, 1, reloaded.Accounts())
}

func TestLedger_DurabilityAfterManyWrites(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	db := newTestDB(t)
	ledger := newTestLedger(t, db)

	for _, d := range []float64{10, -3, 0.5, -7.5, 20} {
		_, err := ledger.ApplyTransaction(ctx, 100, 1, d, "churn")
		require.NoError(t, err)
	}
	_, err := ledger.ApplyTransaction(ctx, 200, 1, 3, "other guild")
	require.NoError(t, err)

	want := ledger.GuildBalances(100)
	reloaded := newTestLedger(t, db)
	assert.Equal(t, want, reloaded.GuildBalances(100))
	assert.Equal(t, 20.0, reloaded.Balance(100, 1))
	assert.Equal(t, 3.0, reloaded.Balance(200, 1))
}

func TestLedger_Isolation(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	ledger := newTestLedger(t, newTestDB(t))

	_, err := ledger.ApplyTransaction(ctx, 100, 1, 10, "guild 100 user 1")
	require.NoError(t, err)
	assert.Equal(t, 0.0, ledger.Balance(200, 1))
	assert.Equal(t, 0.0, ledger.Balance(100, 2))

	_, err = ledger.ApplyTransaction(ctx, 200, 1, 5, "guild 200 user 1")
	require.NoError(t, err)
	_, err = ledger.ApplyTransaction(ctx, 100, 2, 1, "guild 100 user 2")
	require.NoError(t, err)

	assert.Equal(t, 10.0, ledger.Balance(100, 1))
	assert.Equal(t, 5.0, ledger.Balance(200, 1))
	assert.Equal(t, 1.0, ledger.Balance(100, 2))
}

func TestLedger_GuildBalancesIsACopy(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	ledger := newTestLedger(t, newTestDB(t))

	_, err := ledger.ApplyTransaction(ctx, 100, 1, 10, "seed")
	require.NoError(t, err)

	snapshot := ledger.GuildBalances(100)
	snapshot[1] = 1000
	snapshot[2] = 5
	assert.Equal(t, 10.0, ledger.Balance(100, 1))
	assert.Equal(t, 0.0, ledger.Balance(100, 2))
}

func TestLedger_Leaderboard(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	ledger := newTestLedger(t, newTestDB(t))

	for userID, amount := range map[int64]float64{3: 5, 1: 20, 2: 5, 4: 0.5} {
		_, err := ledger.ApplyTransaction(ctx, 100, userID, amount, "seed")
		require.NoError(t, err)
	}
	assert.Equal(
		t,
		[]LeaderboardEntry{
			{UserID: 1, Balance: 20},
			{UserID: 2, Balance: 5},
			{UserID: 3, Balance: 5},
			{UserID: 4, Balance: 0.5},
		},
		ledger.Leaderboard(100),
	)
}

func TestLedger_History(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	ledger := newTestLedger(t, newTestDB(t))

	reasons := []string{"first", "second", "third"}
	for idx, reason := range reasons {
		_, err := ledger.ApplyTransaction(ctx, 100, 1, float64(idx+1), reason)
		require.NoError(t, err)
	}

	history, err := ledger.History(ctx, 100, 1, 0)
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, "third", history[0].Reason)
	assert.Equal(t, 3.0, history[0].OldBalance.Float64())
	assert.Equal(t, 6.0, history[0].NewBalance.Float64())
	assert.Equal(t, "first", history[2].Reason)
	assert.Equal(t, 0.0, history[2].OldBalance.Float64())

	limited, err := ledger.History(ctx, 100, 1, 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)

	empty, err := ledger.History(ctx, 100, 2, 10)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestLedger_TimestampsStrictlyIncrease(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	db := newTestDB(t)

	frozen := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	ledger := newTestLedger(t, db, withLedgerClock(func() time.Time { return frozen }))

	first, err := ledger.ApplyTransaction(ctx, 100, 1, 1, "a")
	require.NoError(t, err)
	second, err := ledger.ApplyTransaction(ctx, 100, 1, 1, "b")
	require.NoError(t, err)
	assert.Equal(t, "2024-01-02T03:04:05.000000000Z", first.Timestamp)
	assert.Equal(t, "2024-01-02T03:04:05.000000001Z", second.Timestamp)

	// the clock going backwards after a restart doesn't produce a tie
	earlier := frozen.Add(-time.Hour)
	reloaded := newTestLedger(t, db, withLedgerClock(func() time.Time { return earlier }))
	third, err := reloaded.ApplyTransaction(ctx, 100, 1, 1, "c")
	require.NoError(t, err)
	assert.Greater(t, third.Timestamp, second.Timestamp)

	again := newTestLedger(t, db)
	assert.Equal(t, 3.0, again.Balance(100, 1))
}

func TestLedger_Corruption(t *testing.T) {
	t.Parallel()
	db := newTestDB(t)
	ts := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC).Format(transactionTimeFormat)

	require.NoError(
		t,
		db.Create(
			&[]Transaction{
				{Timestamp: ts, GuildID: 100, UserID: 1, OldBalance: 0, NewBalance: 5, Reason: "a"},
				{Timestamp: ts, GuildID: 100, UserID: 1, OldBalance: 0, NewBalance: 9, Reason: "b"},
			},
		).Error,
	)

	_, err := NewLedger(context.Background(), db)
	require.ErrorIs(t, err, ErrLedgerCorruption)
	var corruptErr *LedgerCorruptionError
	require.True(t, errors.As(err, &corruptErr))
	assert.Equal(t, int64(100), corruptErr.GuildID)
	assert.Equal(t, int64(1), corruptErr.UserID)
	assert.Equal(t, ts, corruptErr.Timestamp)
}

func TestLedger_TieOnOlderTimestampIsNotCorruption(t *testing.T) {
	t.Parallel()
	db := newTestDB(t)
	older := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC).Format(transactionTimeFormat)
	newer := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC).Format(transactionTimeFormat)

	require.NoError(
		t,
		db.Create(
			&[]Transaction{
				{Timestamp: older, GuildID: 100, UserID: 1, OldBalance: 0, NewBalance: 5},
				{Timestamp: older, GuildID: 100, UserID: 1, OldBalance: 0, NewBalance: 9},
				{Timestamp: newer, GuildID: 100, UserID: 1, OldBalance: 9, NewBalance: 11},
			},
		).Error,
	)

	ledger := newTestLedger(t, db)
	assert.Equal(t, 11.0, ledger.Balance(100, 1))
}

func TestLedger_StorageFailureLeavesCache(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	db := newTestDB(t)
	ledger := newTestLedger(t, db)

	_, err := ledger.ApplyTransaction(ctx, 100, 1, 10, "seed")
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	require.NoError(t, sqlDB.Close())

	_, err = ledger.ApplyTransaction(ctx, 100, 1, 5, "after close")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrInsufficientFunds)
	assert.Equal(t, 10.0, ledger.Balance(100, 1))
}

func TestLedger_ConcurrentTransactions(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	db := newTestDB(t)
	ledger := newTestLedger(t, db)

	const workers = 25
	wg := sync.WaitGroup{}
	for i := 0; i < workers; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, err := ledger.ApplyTransaction(ctx, 100, 1, 1, "concurrent")
			assert.NoError(t, err)
		}()
		go func(userID int64) {
			defer wg.Done()
			_, err := ledger.ApplyTransaction(ctx, 100, userID, 2, "concurrent")
			assert.NoError(t, err)
		}(int64(i + 2))
	}
	wg.Wait()

	assert.Equal(t, float64(workers), ledger.Balance(100, 1))
	assert.Equal(t, workers+1, ledger.Accounts())

	// every write to the shared pair chains from the previous balance
	history, err := ledger.History(ctx, 100, 1, 0)
	require.NoError(t, err)
	require.Len(t, history, workers)
	for idx := 0; idx < len(history)-1; idx++ {
		assert.Equal(t, history[idx+1].NewBalance, history[idx].OldBalance)
	}

	reloaded := newTestLedger(t, db)
	assert.Equal(t, ledger.GuildBalances(100), reloaded.GuildBalances(100))
}

func TestLedger_Metrics(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	reg := prometheus.NewRegistry()
	metrics := newLedgerMetrics(reg)
	ledger := newTestLedger(t, newTestDB(t), withLedgerMetrics(metrics))

	_, err := ledger.ApplyTransaction(ctx, 100, 1, 10, "deposit")
	require.NoError(t, err)
	_, err = ledger.ApplyTransaction(ctx, 100, 1, -4, "withdrawal")
	require.NoError(t, err)
	_, err = ledger.ApplyTransaction(ctx, 100, 1, -100, "overdraw")
	require.Error(t, err)

	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.transactions.WithLabelValues(outcomeApplied)))
	assert.Equal(
		t,
		1.0,
		testutil.ToFloat64(metrics.transactions.WithLabelValues(outcomeInsufficientFunds)),
	)
	assert.Equal(t, 10.0, testutil.ToFloat64(metrics.credits.WithLabelValues("deposit")))
	assert.Equal(t, 4.0, testutil.ToFloat64(metrics.credits.WithLabelValues("withdrawal")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.accounts))
}
