package monty

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"github.com/lmittmann/tint"
	"gorm.io/gorm"
	"log/slog"
	"math"
	"slices"
	"sync"
	"time"
)

const (
	transactionTable = "transactions"

	// transactionTimeFormat is fixed-width so timestamps sort
	// lexicographically in the same order as chronologically.
	transactionTimeFormat = "2006-01-02T15:04:05.000000000Z"
)

var (
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrLedgerCorruption  = errors.New("ledger corruption")

	// ErrInvalidAmount is returned for NaN or infinite deltas, and for
	// deltas that would overflow the balance
	ErrInvalidAmount = errors.New("invalid amount")
)

// InsufficientFundsError is returned by [Ledger.ApplyTransaction] when a
// withdrawal would leave a negative balance. Nothing was written.
type InsufficientFundsError struct {
	GuildID int64
	UserID  int64
	Balance float64
	Delta   float64
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf(
		"insufficient funds: balance %v cannot cover %v (guild %d, user %d)",
		e.Balance, e.Delta, e.GuildID, e.UserID,
	)
}

func (e *InsufficientFundsError) Is(target error) bool {
	return target == ErrInsufficientFunds
}

// LedgerCorruptionError reports two transactions tied for the latest
// timestamp of a single (guild, user) pair.
type LedgerCorruptionError struct {
	GuildID   int64
	UserID    int64
	Timestamp string
}

func (e *LedgerCorruptionError) Error() string {
	return fmt.Sprintf(
		"ledger corruption: multiple latest transactions at %s (guild %d, user %d)",
		e.Timestamp, e.GuildID, e.UserID,
	)
}

func (e *LedgerCorruptionError) Is(target error) bool {
	return target == ErrLedgerCorruption
}

// Transaction is a single immutable entry in the ledger's log.
//
//nolint:lll // struct tags can't be split
type Transaction struct {
	Timestamp  string      `gorm:"column:timestamp;type:text;not null;index:idx_transactions_pair,priority:3" json:"timestamp"`
	UserID     int64       `gorm:"column:user_id;not null;index:idx_transactions_pair,priority:2" json:"user_id,string"`
	GuildID    int64       `gorm:"column:guild_id;not null;index:idx_transactions_pair,priority:1" json:"guild_id,string"`
	OldBalance BalanceBlob `gorm:"column:old_balance;not null" json:"old_balance"`
	NewBalance BalanceBlob `gorm:"column:new_balance;not null" json:"new_balance"`
	Reason     string      `gorm:"column:reason;type:text" json:"reason"`
}

func (Transaction) TableName() string {
	return transactionTable
}

func (t Transaction) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("timestamp", t.Timestamp),
		slog.Int64("guild_id", t.GuildID),
		slog.Int64("user_id", t.UserID),
		slog.Float64("old_balance", t.OldBalance.Float64()),
		slog.Float64("new_balance", t.NewBalance.Float64()),
		slog.String("reason", t.Reason),
	)
}

// LeaderboardEntry is a user's position in a guild's leaderboard.
type LeaderboardEntry struct {
	UserID  int64   `json:"user_id,string"`
	Balance float64 `json:"balance"`
}

// Ledger tracks per-guild, per-user balances. The transaction log in the
// database is authoritative; balances are served from an in-memory cache
// built from the log when the Ledger is created.
type Ledger struct {
	db     *gorm.DB
	logger *slog.Logger

	// writeMu serializes ApplyTransaction
	writeMu sync.Mutex

	// cacheMu guards balances
	cacheMu  sync.RWMutex
	balances map[int64]map[int64]float64

	metrics   *ledgerMetrics
	now       func() time.Time
	lastWrite time.Time
}

// LedgerOption configures optional [Ledger] behavior.
type LedgerOption func(*Ledger)

// WithLedgerLogger sets the logger used by the Ledger.
func WithLedgerLogger(logger *slog.Logger) LedgerOption {
	return func(l *Ledger) {
		if logger != nil {
			l.logger = logger
		}
	}
}

func withLedgerMetrics(m *ledgerMetrics) LedgerOption {
	return func(l *Ledger) {
		l.metrics = m
	}
}

func withLedgerClock(now func() time.Time) LedgerOption {
	return func(l *Ledger) {
		l.now = now
	}
}

// NewLedger creates the transaction table if needed and rebuilds the
// balance cache from the log. A [LedgerCorruptionError] is returned if any
// (guild, user) pair has more than one transaction at its latest timestamp.
func NewLedger(ctx context.Context, db *gorm.DB, opts ...LedgerOption) (*Ledger, error) {
	l := &Ledger{
		db:       db,
		logger:   slog.Default(),
		balances: map[int64]map[int64]float64{},
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	l.logger = l.logger.With(loggerNameKey, "ledger")

	if err := ensureTransactionTable(ctx, db); err != nil {
		return nil, err
	}
	if err := l.load(ctx); err != nil {
		return nil, err
	}
	return l, nil
}

// ensureTransactionTable creates the transaction table if it doesn't
// exist. The table is never migrated.
func ensureTransactionTable(ctx context.Context, db *gorm.DB) error {
	mg := db.WithContext(ctx).Migrator()
	if mg.HasTable(&Transaction{}) {
		return nil
	}
	if err := mg.CreateTable(&Transaction{}); err != nil {
		return fmt.Errorf("error creating %s table: %w", transactionTable, err)
	}
	return nil
}

// load populates the balance cache with each pair's latest transaction.
func (l *Ledger) load(ctx context.Context) error {
	latest := l.db.Model(&Transaction{}).
		Select("guild_id, user_id, MAX(transactions.timestamp) AS latest_ts").
		Group("guild_id, user_id")

	var rows []Transaction
	err := l.db.WithContext(ctx).
		Table(transactionTable+" AS t").
		Select("t.guild_id, t.user_id, t.timestamp, t.new_balance").
		Joins(
			"JOIN (?) AS latest ON t.guild_id = latest.guild_id "+
				"AND t.user_id = latest.user_id AND t.timestamp = latest.latest_ts",
			latest,
		).
		Scan(&rows).Error
	if err != nil {
		return fmt.Errorf("error loading balances: %w", err)
	}

	balances := map[int64]map[int64]float64{}
	var lastWrite time.Time
	accounts := 0
	for _, row := range rows {
		guild, ok := balances[row.GuildID]
		if !ok {
			guild = map[int64]float64{}
			balances[row.GuildID] = guild
		}
		if _, seen := guild[row.UserID]; seen {
			corruptErr := &LedgerCorruptionError{
				GuildID:   row.GuildID,
				UserID:    row.UserID,
				Timestamp: row.Timestamp,
			}
			l.logger.ErrorContext(ctx, "duplicate latest transaction", tint.Err(corruptErr))
			return corruptErr
		}
		guild[row.UserID] = row.NewBalance.Float64()
		accounts++

		if ts, parseErr := time.Parse(transactionTimeFormat, row.Timestamp); parseErr == nil {
			if ts.After(lastWrite) {
				lastWrite = ts
			}
		}
	}

	l.cacheMu.Lock()
	l.balances = balances
	l.lastWrite = lastWrite
	l.cacheMu.Unlock()

	l.metrics.setAccounts(accounts)
	l.logger.InfoContext(
		ctx,
		"loaded balances",
		"guilds", len(balances),
		"accounts", accounts,
	)
	return nil
}

// Balance returns the cached balance for the given pair, or 0 if the pair
// has no transactions. It may briefly trail an in-flight ApplyTransaction.
func (l *Ledger) Balance(guildID, userID int64) float64 {
	l.cacheMu.RLock()
	defer l.cacheMu.RUnlock()
	return l.balances[guildID][userID]
}

// GuildBalances returns a copy of every cached balance in the guild.
func (l *Ledger) GuildBalances(guildID int64) map[int64]float64 {
	l.cacheMu.RLock()
	defer l.cacheMu.RUnlock()

	guild := l.balances[guildID]
	rv := make(map[int64]float64, len(guild))
	for userID, balance := range guild {
		rv[userID] = balance
	}
	return rv
}

// Accounts returns the number of (guild, user) pairs with a cached balance.
func (l *Ledger) Accounts() int {
	l.cacheMu.RLock()
	defer l.cacheMu.RUnlock()
	n := 0
	for _, guild := range l.balances {
		n += len(guild)
	}
	return n
}

// Leaderboard returns the guild's balances, highest first. Ties are
// ordered by user ID.
func (l *Ledger) Leaderboard(guildID int64) []LeaderboardEntry {
	balances := l.GuildBalances(guildID)
	entries := make([]LeaderboardEntry, 0, len(balances))
	for userID, balance := range balances {
		entries = append(entries, LeaderboardEntry{UserID: userID, Balance: balance})
	}
	slices.SortFunc(
		entries, func(a, b LeaderboardEntry) int {
			if c := cmp.Compare(b.Balance, a.Balance); c != 0 {
				return c
			}
			return cmp.Compare(a.UserID, b.UserID)
		},
	)
	return entries
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// ApplyTransaction changes a user's balance by delta. Withdrawals that
// would leave a negative balance fail with an [InsufficientFundsError]
// and change nothing. The transaction is committed to the database before
// the cached balance is updated, so a failed write leaves the cache as it
// was. A non-finite delta, or one that overflows the balance, fails with
// [ErrInvalidAmount].
func (l *Ledger) ApplyTransaction(
	ctx context.Context,
	guildID int64,
	userID int64,
	delta float64,
	reason string,
) (Transaction, error) {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	logger := l.logger.With(
		"guild_id", guildID,
		"user_id", userID,
		"delta", delta,
		"reason", reason,
	)

	current := l.Balance(guildID, userID)
	if !finite(delta) || !finite(current+delta) {
		l.metrics.observe(outcomeInvalid, 0)
		logger.WarnContext(ctx, "rejected non-finite amount", "balance", current)
		return Transaction{}, fmt.Errorf("%w: %v", ErrInvalidAmount, delta)
	}
	if delta < 0 && current+delta < 0 {
		l.metrics.observe(outcomeInsufficientFunds, delta)
		logger.InfoContext(ctx, "insufficient funds", "balance", current)
		return Transaction{}, &InsufficientFundsError{
			GuildID: guildID,
			UserID:  userID,
			Balance: current,
			Delta:   delta,
		}
	}

	txn := Transaction{
		Timestamp:  l.nextTimestamp(),
		GuildID:    guildID,
		UserID:     userID,
		OldBalance: BalanceBlob(current),
		NewBalance: BalanceBlob(current + delta),
		Reason:     reason,
	}
	if err := l.db.WithContext(ctx).Create(&txn).Error; err != nil {
		l.metrics.observe(outcomeError, delta)
		logger.ErrorContext(ctx, "error recording transaction", tint.Err(err))
		return Transaction{}, fmt.Errorf("error recording transaction: %w", err)
	}

	l.cacheMu.Lock()
	guild, ok := l.balances[guildID]
	if !ok {
		guild = map[int64]float64{}
		l.balances[guildID] = guild
	}
	guild[userID] = txn.NewBalance.Float64()
	accounts := 0
	for _, g := range l.balances {
		accounts += len(g)
	}
	l.cacheMu.Unlock()

	l.metrics.observe(outcomeApplied, delta)
	l.metrics.setAccounts(accounts)
	logger.InfoContext(ctx, "applied transaction", "transaction", txn)
	return txn, nil
}

// nextTimestamp returns a timestamp strictly later than the previous one
// this Ledger wrote. Must be called with writeMu held.
func (l *Ledger) nextTimestamp() string {
	ts := l.now().UTC().Truncate(time.Nanosecond)
	if !ts.After(l.lastWrite) {
		ts = l.lastWrite.Add(time.Nanosecond)
	}
	l.lastWrite = ts
	return ts.Format(transactionTimeFormat)
}

// History returns up to limit of the pair's transactions, newest first.
// A limit <= 0 returns every transaction.
func (l *Ledger) History(
	ctx context.Context,
	guildID int64,
	userID int64,
	limit int,
) ([]Transaction, error) {
	var txns []Transaction
	q := l.db.WithContext(ctx).
		Where("guild_id = ? AND user_id = ?", guildID, userID).
		Order("timestamp DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&txns).Error; err != nil {
		return nil, fmt.Errorf("error getting transaction history: %w", err)
	}
	return txns, nil
}
