package monty

import (
	"context"
	"fmt"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

const (
	dbTypeSQLite   = "sqlite"
	dbTypePostgres = "postgres"
)

// sqlitePragmas run on every new SQLite database handle. The pool is held
// to one connection so they apply to every query.
var sqlitePragmas = []string{
	"PRAGMA journal_mode = WAL",
	"PRAGMA synchronous = NORMAL",
	"PRAGMA temp_store = MEMORY",
	"PRAGMA foreign_keys = ON",
	"PRAGMA busy_timeout = 5000",
}

// dbOperationTimeout bounds API-triggered queries
const dbOperationTimeout = 30 * time.Second

// ModelUnixTime is an embeddable model with millisecond Unix timestamps
// for creation and update.
type ModelUnixTime struct {
	CreatedAt int64 `gorm:"autoCreateTime:milli" json:"created_at,omitempty"`
	UpdatedAt int64 `gorm:"autoUpdateTime:milli" json:"updated_at,omitempty"`
}

type ModelUintID struct {
	ID uint `gorm:"primaryKey" json:"id"`
}

// migratedModels are managed by AutoMigrate. The transaction log isn't
// one of them; see ensureTransactionTable.
func migratedModels() []any {
	return []any{
		&RuntimeConfig{},
		&InteractionLog{},
		&LootFind{},
	}
}

// CreateDB opens the database, migrates the bot's tables and creates the
// transaction log if it doesn't exist yet. databaseType is "sqlite" (with
// database as a file path) or "postgres" (with database as a DSN).
func CreateDB(ctx context.Context, databaseType string, database string) (*gorm.DB, error) {
	handler := newLogHandler(defaultLogWriter, slog.LevelWarn)
	slog.New(handler).InfoContext(
		ctx,
		"opening database",
		"database_type", databaseType,
		"database", database,
	)

	db, err := openDB(ctx, databaseType, database, newGORMLogger(handler, 500*time.Millisecond))
	if err != nil {
		return nil, err
	}
	for _, step := range []func(context.Context, *gorm.DB) error{
		migrateDB,
		ensureTransactionTable,
	} {
		if err = step(ctx, db); err != nil {
			return db, err
		}
	}
	return db, nil
}

// openDB connects with getDB. SQLite handles are limited to a single
// connection, with sqlitePragmas applied.
func openDB(
	ctx context.Context,
	databaseType string,
	database string,
	gormLogger *gormStructuredLogger,
) (*gorm.DB, error) {
	db, err := getDB(databaseType, database, gormLogger)
	if err != nil {
		return nil, fmt.Errorf("error opening database: %w", err)
	}
	if databaseType == dbTypeSQLite {
		if err = tuneSQLite(ctx, db); err != nil {
			return nil, fmt.Errorf("error configuring sqlite: %w", err)
		}
	}
	return db, nil
}

func tuneSQLite(ctx context.Context, db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)
	sqlDB.SetConnMaxLifetime(0)

	for _, pragma := range sqlitePragmas {
		if err = db.WithContext(ctx).Exec(pragma).Error; err != nil {
			return fmt.Errorf("%s: %w", pragma, err)
		}
	}
	return nil
}

func migrateDB(ctx context.Context, db *gorm.DB) error {
	err := db.WithContext(ctx).Transaction(
		func(tx *gorm.DB) error {
			return tx.Migrator().AutoMigrate(migratedModels()...)
		},
	)
	if err != nil {
		return fmt.Errorf("error migrating database: %w", err)
	}
	return nil
}

// getDB opens a gorm connection for the given database type, creating the
// parent directory of a SQLite file as needed
func getDB(
	databaseType string,
	database string,
	gormLogger *gormStructuredLogger,
) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch databaseType {
	case dbTypeSQLite:
		if err := os.MkdirAll(filepath.Dir(database), 0o755); err != nil {
			return nil, err
		}
		dialector = sqlite.Open(database)
	case dbTypePostgres:
		dialector = postgres.Open(database)
	default:
		return nil, fmt.Errorf(
			"unsupported database type %q (must be %q or %q)",
			databaseType, dbTypeSQLite, dbTypePostgres,
		)
	}
	return gorm.Open(
		dialector,
		&gorm.Config{
			Logger:  gormLogger,
			NowFunc: func() time.Time { return time.Now().UTC() },
		},
	)
}
