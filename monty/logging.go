package monty

import (
	"context"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"github.com/lmittmann/tint"
	"gopkg.in/natefinch/lumberjack.v2"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"
)

const loggerNameKey = "logger"

var defaultLogWriter io.Writer = os.Stdout

// newLogWriter returns the writer all handlers log to. When a log file is
// configured, output goes to both stdout and a rotated file.
func newLogWriter(config LogFileConfig) io.Writer {
	if config.Filename == "" {
		return defaultLogWriter
	}
	return io.MultiWriter(
		defaultLogWriter,
		&lumberjack.Logger{
			Filename:   config.Filename,
			MaxSize:    config.MaxSizeMB,
			MaxBackups: config.MaxBackups,
			MaxAge:     config.MaxAgeDays,
			Compress:   config.Compress,
		},
	)
}

func newLogHandler(w io.Writer, level slog.Leveler) slog.Handler {
	return tint.NewHandler(
		w, &tint.Options{
			Level:     level,
			AddSource: true,
		},
	)
}

// discordgoLoggerFunc adapts discordgo's printf-style logger to the given
// handler. Unknown discordgo levels log at INFO.
func discordgoLoggerFunc(ctx context.Context, handler slog.Handler) func(
	msgL int,
	caller int,
	format string,
	args ...any,
) {
	levels := make(map[int]slog.Level, len(discordgoLevels))
	for lvl, dgLevel := range discordgoLevels {
		levels[dgLevel] = lvl
	}
	log := slog.New(handler)
	return func(msgL int, _ int, format string, args ...any) {
		level, ok := levels[msgL]
		if !ok {
			level = slog.LevelInfo
		}
		msg := strings.ReplaceAll(fmt.Sprintf(format, args...), "\n", "")
		log.LogAttrs(ctx, level, msg)
	}
}

// DBLogLevel is a log level persisted in [RuntimeConfig], so levels can be
// changed from the API without a restart.
type DBLogLevel string

var (
	DBLogLevelDebug = DBLogLevel(slog.LevelDebug.String())
	DBLogLevelInfo  = DBLogLevel(slog.LevelInfo.String())
	DBLogLevelWarn  = DBLogLevel(slog.LevelWarn.String())
	DBLogLevelError = DBLogLevel(slog.LevelError.String())
)

func parseLevelName(s string) (slog.Level, error) {
	var lvl slog.Level
	err := lvl.UnmarshalText([]byte(strings.ToUpper(strings.TrimSpace(s))))
	return lvl, err
}

func (l *DBLogLevel) set(s string) error {
	lvl, err := parseLevelName(s)
	if err != nil {
		return fmt.Errorf("unknown log level: %q", s)
	}
	*l = DBLogLevel(lvl.String())
	return nil
}

// Level returns the slog.Level, defaulting to INFO for unknown values.
func (l DBLogLevel) Level() slog.Level {
	lvl, err := parseLevelName(string(l))
	if err != nil {
		return slog.LevelInfo
	}
	return lvl
}

func (l DBLogLevel) String() string {
	return string(l)
}

// Scan implements [sql.Scanner]
func (l *DBLogLevel) Scan(value any) error {
	switch v := value.(type) {
	case string:
		return l.set(v)
	case []byte:
		return l.set(string(v))
	}
	return fmt.Errorf("can't scan %T into DBLogLevel", value)
}

// Value implements [driver.Valuer]
func (l DBLogLevel) Value() (driver.Value, error) {
	return string(l), nil
}

func (DBLogLevel) GormDataType() string {
	return "string"
}

func (l DBLogLevel) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(l))
}

func (l *DBLogLevel) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	return l.set(s)
}

// gormStructuredLogger sends gorm's query log to slog. Failed queries log
// at ERROR, queries slower than slowThreshold at WARN, everything else at
// DEBUG.
type gormStructuredLogger struct {
	logger        *slog.Logger
	slowThreshold time.Duration
}

func newGORMLogger(
	handler slog.Handler,
	slowThreshold time.Duration,
) *gormStructuredLogger {
	return &gormStructuredLogger{
		logger:        slog.New(handler).With(loggerNameKey, "gorm"),
		slowThreshold: slowThreshold,
	}
}

func (g *gormStructuredLogger) LogMode(logger.LogLevel) logger.Interface {
	return g
}

func (g *gormStructuredLogger) Info(ctx context.Context, format string, args ...any) {
	g.logger.InfoContext(ctx, fmt.Sprintf(format, args...))
}

func (g *gormStructuredLogger) Warn(ctx context.Context, format string, args ...any) {
	g.logger.WarnContext(ctx, fmt.Sprintf(format, args...))
}

func (g *gormStructuredLogger) Error(ctx context.Context, format string, args ...any) {
	g.logger.ErrorContext(ctx, fmt.Sprintf(format, args...))
}

func (g *gormStructuredLogger) Trace(
	ctx context.Context,
	begin time.Time,
	fc func() (sql string, rowsAffected int64),
	err error,
) {
	elapsed := time.Since(begin)
	query, affected := fc()
	attrs := []slog.Attr{slog.Duration("elapsed", elapsed), slog.String("sql", query)}
	if affected >= 0 {
		attrs = append(attrs, slog.Int64("rows", affected))
	} else {
		attrs = append(attrs, slog.String("rows", "-"))
	}

	level, msg := slog.LevelDebug, "sql completed"
	switch {
	case err != nil && !errors.Is(err, gorm.ErrRecordNotFound):
		level, msg = slog.LevelError, "sql error"
		attrs = append(attrs, tint.Err(err))
	case g.slowThreshold > 0 && elapsed > g.slowThreshold:
		level, msg = slog.LevelWarn, "slow sql"
		attrs = append(attrs, slog.Duration("threshold", g.slowThreshold))
	}
	g.logger.LogAttrs(ctx, level, msg, attrs...)
}
