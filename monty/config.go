//nolint:lll // struct tags can't be split
package monty

import (
	"crypto/tls"
	"github.com/bwmarrin/discordgo"
	"github.com/gin-contrib/cors"
	"github.com/go-playground/validator/v10"
	"log/slog"
	"net/http"
	"time"
)

const (
	EnvvarSetEnvPrefix    = "MONTY_ENV_PREFIX"
	DefaultEnvPrefix      = "MONTY"
	DefaultDatabaseType   = "sqlite"
	DefaultDatabase       = "monty.sqlite3"
	DefaultLogLevel       = slog.LevelInfo
	DefaultStartupTimeout = 30 * time.Second

	DefaultShutdownTimeout = 30 * time.Second

	DefaultReadTimeout       = 5 * time.Second
	DefaultReadHeaderTimeout = 5 * time.Second
	DefaultWriteTimeout      = 10 * time.Second
	DefaultIdleTimeout       = 30 * time.Second

	DefaultDiscordWebhookServerListen        = "127.0.0.1:5001"
	DefaultDiscordWebhookServerTLSminVersion = tls.VersionTLS12
	DefaultDiscordGatewayIntent              = discordgo.IntentsAllWithoutPrivileged
	DefaultDiscordWebhookLogLevel            = slog.LevelInfo
	DefaultDiscordLogLevel                   = slog.LevelWarn
	DefaultDiscordErrorMessage               = "sorry, something went wrong!"
	DefaultDiscordCustomStatus               = "/beg for credits"
	DefaultDiscordStartupMessage             = "I'm here!"
	discordMaxMessageLength                  = 2000

	DefaultAPIListen        = "127.0.0.1:5000"
	DefaultUITLSMinVersion  = tls.VersionTLS12
	DefaultAPISessionMaxAge = 6 * time.Hour

	DefaultDatabaseSlowThreshold   = 200 * time.Millisecond
	DefaultDatabaseLogLevel        = slog.LevelInfo
	DefaultDiscordgoLogLevel       = slog.LevelWarn
	DefaultAPILogLevel             = slog.LevelInfo
	defaultListenNetwork           = "tcp"
	DefaultAPICORSAllowCredentials = true

	DefaultBegCooldown = 10 * time.Second
	DefaultLootBoxCost = 1.0

	DefaultLogFileMaxSizeMB  = 100
	DefaultLogFileMaxBackups = 3
	DefaultLogFileMaxAgeDays = 28

	DefaultDictionaryURL = "https://api.urbandictionary.com/v0/define"
)

var (
	DefaultBegAmounts = []float64{1, 2, 10, 100, 4.2069}
	DefaultBegWeights = []int{100, 50, 10, 1, 1}
)

type DiscordInteractionReceiveMethod string

var (
	discordInteractionReceiveMethodGateway DiscordInteractionReceiveMethod = "gateway"
	discordInteractionReceiveMethodWebhook DiscordInteractionReceiveMethod = "webhook"
)

var (
	DefaultCORSAllowMethods = []string{
		http.MethodGet,
		http.MethodPost,
		http.MethodOptions,
		http.MethodHead,
	}
	DefaultCORSAllowHeaders = []string{
		"Origin",
		"Content-Length",
		"Content-Type",
		"Accept",
		"Authorization",
		"X-Requested-With",
		"Cache-Control",
		xRequestIDHeader,
	}
	DefaultCORSExposeHeaders = []string{
		"Content-Type",
		"Content-Length",
		xRequestIDHeader,
		"Location",
	}
	DefaultCORSMaxAge = 12 * time.Hour
)

type Config struct {
	// Database connection string, or SQLite file path
	Database string `mapstructure:"database" json:"database"`

	// DatabaseType specifies the type of database, either 'sqlite' or 'postgres'
	DatabaseType string `mapstructure:"database_type" json:"database_type" binding:"oneof=sqlite postgres"`

	DatabaseLogLevel *slog.LevelVar `mapstructure:"database_log_level" json:"database_log_level"`

	// DatabaseSlowThreshold is the duration after which a query is logged
	// as slow
	DatabaseSlowThreshold time.Duration `mapstructure:"database_slow_threshold" json:"database_slow_threshold"`

	// LogLevel is the base log level, for the default logger
	LogLevel *slog.LevelVar `mapstructure:"log_level" json:"log_level"`

	// LogFile optionally tees log output to a rotated file
	LogFile LogFileConfig `mapstructure:"log_file" json:"log_file"`

	API *APIConfig `mapstructure:"api" json:"api"`

	Discord *DiscordConfig `mapstructure:"discord" json:"discord"`

	Economy *EconomyConfig `mapstructure:"economy" json:"economy"`

	Schedule *ScheduleConfig `mapstructure:"schedule" json:"schedule"`

	// DictionaryURL is the endpoint queried by /ud
	DictionaryURL string `mapstructure:"dictionary_url" json:"dictionary_url" binding:"required,url"`

	// StartupTimeout sets a limit on the amount of time the bot has to
	// initialize. If this is passed, the bot will abort startup.
	StartupTimeout time.Duration `mapstructure:"startup_timeout" json:"startup_timeout"`

	// ShutdownTimeout is the time to allow for a graceful shutdown. After this
	// elapses, the bot will force close all connections and exit.
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" json:"shutdown_timeout"`

	HTTPClient *http.Client `log:"[redacted]"`
}

func (c Config) LogValue() slog.Value {
	return structToSlogValue(c)
}

// LogFileConfig configures lumberjack log rotation. Logging to a file is
// disabled when Filename is empty.
type LogFileConfig struct {
	Filename   string `mapstructure:"filename" json:"filename"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" json:"max_size_mb" binding:"gte=0"`
	MaxBackups int    `mapstructure:"max_backups" json:"max_backups" binding:"gte=0"`
	MaxAgeDays int    `mapstructure:"max_age_days" json:"max_age_days" binding:"gte=0"`
	Compress   bool   `mapstructure:"compress" json:"compress"`
}

// EconomyConfig tunes the commands that move credits.
type EconomyConfig struct {
	// BegAmounts are the possible /beg payouts, picked using BegWeights
	BegAmounts []float64 `mapstructure:"beg_amounts" json:"beg_amounts"`

	BegWeights []int `mapstructure:"beg_weights" json:"beg_weights"`

	// BegCooldown is the minimum time between two /beg payouts for a user
	// in a guild. 0 disables the cooldown.
	BegCooldown time.Duration `mapstructure:"beg_cooldown" json:"beg_cooldown"`

	// LootBoxCost is charged each time a loot box is opened
	LootBoxCost float64 `mapstructure:"loot_box_cost" json:"loot_box_cost"`
}

// validateEconomyConfig is registered as a struct-level validation for
// [EconomyConfig].
func validateEconomyConfig(sl validator.StructLevel) {
	value, ok := sl.Current().Interface().(EconomyConfig)
	if !ok {
		return
	}
	if len(value.BegAmounts) == 0 {
		sl.ReportError(value.BegAmounts, "BegAmounts", "beg_amounts", "required", "")
	}
	if len(value.BegAmounts) != len(value.BegWeights) {
		sl.ReportError(value.BegWeights, "BegWeights", "beg_weights", "len", "")
	}
	total := 0
	for _, w := range value.BegWeights {
		if w < 0 {
			sl.ReportError(value.BegWeights, "BegWeights", "beg_weights", "gte", "0")
			return
		}
		total += w
	}
	if total == 0 {
		sl.ReportError(value.BegWeights, "BegWeights", "beg_weights", "required", "")
	}
	if value.BegCooldown < 0 {
		sl.ReportError(value.BegCooldown, "BegCooldown", "beg_cooldown", "gte", "0")
	}
	if value.LootBoxCost < 0 {
		sl.ReportError(value.LootBoxCost, "LootBoxCost", "loot_box_cost", "gte", "0")
	}
}

// ScheduleConfig configures the periodic leaderboard announcement. It's
// disabled unless all fields are set.
type ScheduleConfig struct {
	// LeaderboardCron is a six-field cron spec (with seconds), ex:
	// "0 0 12 * * 1" for noon every Monday
	LeaderboardCron string `mapstructure:"leaderboard_cron" json:"leaderboard_cron"`

	LeaderboardChannelID string `mapstructure:"leaderboard_channel_id" json:"leaderboard_channel_id" binding:"required_with=LeaderboardCron"`

	LeaderboardGuildID string `mapstructure:"leaderboard_guild_id" json:"leaderboard_guild_id" binding:"required_with=LeaderboardCron"`
}

func (s ScheduleConfig) enabled() bool {
	return s.LeaderboardCron != "" && s.LeaderboardChannelID != "" && s.LeaderboardGuildID != ""
}

// DiscordConfig configures the discord bot itself.
type DiscordConfig struct {
	// Discord bot token (from the 'Bot' tab in the discord dev portal)
	Token string `mapstructure:"token" json:"token" log:"[redacted]" binding:"required"`

	// Discord application ID (from the 'General Information' tab in the discord dev portal)
	ApplicationID string `mapstructure:"application_id" json:"application_id" binding:"required"`

	// Required when receiving webhook events rather than websockets
	WebhookServer DiscordWebhookServerConfig `mapstructure:"webhook_server" json:"webhook_server"`

	// GuildID specifies the guild ID used when registering slash commands.
	// Leave empty for commands to be registered as global.
	GuildID string `mapstructure:"guild_id" json:"guild_id"`

	LogLevel *slog.LevelVar `mapstructure:"log_level" json:"log_level"`

	// Log level for the `discordgo` library's logger
	DiscordGoLogLevel *slog.LevelVar `mapstructure:"discordgo_log_level" json:"discordgo_log_level"`

	// Sent to [RuntimeConfig.DiscordNotificationChannelID], if set, on
	// connecting to the gateway
	StartupMessage string `mapstructure:"startup_message" json:"startup_message"`

	// Discord gateway intents. See: https://discord.com/developers/docs/topics/gateway#gateway-intents
	GatewayIntents discordgo.Intent `mapstructure:"gateway_intents" json:"gateway_intents"`

	httpClient *http.Client
}

// DiscordWebhookServerConfig configures the server which receives
// interactions over HTTP, rather than the gateway.
type DiscordWebhookServerConfig struct {
	Enabled bool `mapstructure:"enabled" json:"enabled"`

	// The address and port on which the server should listen (e.g., "127.0.0.1:5001").
	Listen string `mapstructure:"listen" json:"listen" binding:"required_if=Enabled true"`

	// The network type for listening (e.g., "tcp", "tcp4", "tcp6", "unix").
	ListenNetwork string `mapstructure:"listen_network" json:"listen_network" binding:"omitempty,oneof=tcp tcp4 tcp6 unix"`

	SSL SSLConfig `mapstructure:"ssl" json:"ssl"`

	// The public key used for verifying Discord interaction POST requests.
	// In the Discord dev portal for your bot, this is under 'General Information'
	PublicKey string `mapstructure:"public_key" json:"public_key" binding:"required_if=Enabled true"`

	LogLevel *slog.LevelVar `mapstructure:"log_level" json:"log_level"`

	ReadTimeout       time.Duration `mapstructure:"read_timeout" json:"read_timeout"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout" json:"read_header_timeout"`
	WriteTimeout      time.Duration `mapstructure:"write_timeout" json:"write_timeout"`
	IdleTimeout       time.Duration `mapstructure:"idle_timeout" json:"idle_timeout"`
}

// APIConfig configures the admin API server
type APIConfig struct {
	// The address and port on which the server should listen (e.g., "127.0.0.1:5000").
	Listen string `mapstructure:"listen" json:"listen" binding:"required"`

	// The network type for listening (e.g., "tcp", "tcp4", "tcp6", "unix").
	ListenNetwork string `mapstructure:"listen_network" json:"listen_network" binding:"required,oneof=tcp tcp4 tcp6 unix"`

	// Secret used for signing cookies. If empty, a random key is generated
	// on startup, so sessions won't survive a restart.
	Secret string `mapstructure:"secret" json:"secret" log:"[redacted]"`

	SSL SSLConfig `mapstructure:"ssl" json:"ssl"`

	LogLevel *slog.LevelVar `mapstructure:"log_level" json:"log_level"`

	CORS CORSConfig `mapstructure:"cors" json:"cors"`

	ReadTimeout       time.Duration `mapstructure:"read_timeout" json:"read_timeout" binding:"min=1s"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout" json:"read_header_timeout" binding:"min=1s"`
	WriteTimeout      time.Duration `mapstructure:"write_timeout" json:"write_timeout" binding:"min=1s"`
	IdleTimeout       time.Duration `mapstructure:"idle_timeout" json:"idle_timeout" binding:"min=1s"`

	// Max age for session cookies
	SessionMaxAge time.Duration `mapstructure:"session_max_age" json:"session_max_age" binding:"min=10m,max=24h"`

	// Relaxes cookie settings and enables pprof routes
	Development bool `mapstructure:"development" json:"development"`
}

// SSLConfig specifies cert paths and the TLS version to use
type SSLConfig struct {
	// Path to an SSL certificate
	Cert string `mapstructure:"cert" json:"cert"`

	// Path to an SSL cert key
	Key string `mapstructure:"key" json:"key" binding:"required_with=Cert"`

	TLSMinVersion uint16 `mapstructure:"tls_min_version" json:"tls_min_version"`
}

func (s SSLConfig) enabled() bool {
	return s.Cert != "" && s.Key != ""
}

// CORSConfig specifies cross-origin resource sharing settings
type CORSConfig struct {
	AllowOrigins     []string      `mapstructure:"allow_origins" json:"allow_origins"`
	AllowMethods     []string      `mapstructure:"allow_methods" json:"allow_methods"`
	AllowHeaders     []string      `mapstructure:"allow_headers" json:"allow_headers"`
	ExposeHeaders    []string      `mapstructure:"expose_headers" json:"expose_headers"`
	AllowCredentials bool          `mapstructure:"allow_credentials" json:"allow_credentials"`
	MaxAge           time.Duration `mapstructure:"max_age" json:"max_age"`
}

func (c CORSConfig) GINConfig() cors.Config {
	return cors.Config{
		AllowOrigins:     c.AllowOrigins,
		AllowMethods:     c.AllowMethods,
		AllowHeaders:     c.AllowHeaders,
		MaxAge:           c.MaxAge,
		ExposeHeaders:    c.ExposeHeaders,
		AllowCredentials: c.AllowCredentials,
	}
}

func DefaultCORSConfig() CORSConfig {
	return CORSConfig{
		AllowOrigins:     []string{},
		AllowMethods:     append([]string(nil), DefaultCORSAllowMethods...),
		AllowHeaders:     append([]string(nil), DefaultCORSAllowHeaders...),
		ExposeHeaders:    append([]string(nil), DefaultCORSExposeHeaders...),
		MaxAge:           DefaultCORSMaxAge,
		AllowCredentials: DefaultAPICORSAllowCredentials,
	}
}

func newLevelVar(level slog.Level) *slog.LevelVar {
	lv := &slog.LevelVar{}
	lv.Set(level)
	return lv
}

// DefaultConfig returns a Config with all default settings populated
func DefaultConfig() *Config {
	return &Config{
		DatabaseType:          DefaultDatabaseType,
		Database:              DefaultDatabase,
		DatabaseLogLevel:      newLevelVar(DefaultDatabaseLogLevel),
		DatabaseSlowThreshold: DefaultDatabaseSlowThreshold,
		LogLevel:              newLevelVar(DefaultLogLevel),
		LogFile: LogFileConfig{
			MaxSizeMB:  DefaultLogFileMaxSizeMB,
			MaxBackups: DefaultLogFileMaxBackups,
			MaxAgeDays: DefaultLogFileMaxAgeDays,
		},
		StartupTimeout:  DefaultStartupTimeout,
		ShutdownTimeout: DefaultShutdownTimeout,
		DictionaryURL:   DefaultDictionaryURL,
		Economy: &EconomyConfig{
			BegAmounts:  append([]float64(nil), DefaultBegAmounts...),
			BegWeights:  append([]int(nil), DefaultBegWeights...),
			BegCooldown: DefaultBegCooldown,
			LootBoxCost: DefaultLootBoxCost,
		},
		Schedule: &ScheduleConfig{},
		Discord: &DiscordConfig{
			WebhookServer: DiscordWebhookServerConfig{
				Listen:        DefaultDiscordWebhookServerListen,
				ListenNetwork: defaultListenNetwork,
				SSL: SSLConfig{
					TLSMinVersion: DefaultDiscordWebhookServerTLSminVersion,
				},
				LogLevel:          newLevelVar(DefaultDiscordWebhookLogLevel),
				ReadHeaderTimeout: DefaultReadHeaderTimeout,
				ReadTimeout:       DefaultReadTimeout,
				WriteTimeout:      DefaultWriteTimeout,
				IdleTimeout:       DefaultIdleTimeout,
			},
			GatewayIntents:    DefaultDiscordGatewayIntent,
			LogLevel:          newLevelVar(DefaultDiscordLogLevel),
			DiscordGoLogLevel: newLevelVar(DefaultDiscordgoLogLevel),
			StartupMessage:    DefaultDiscordStartupMessage,
		},
		API: &APIConfig{
			Listen:        DefaultAPIListen,
			ListenNetwork: defaultListenNetwork,
			SSL: SSLConfig{
				TLSMinVersion: DefaultUITLSMinVersion,
			},
			LogLevel:          newLevelVar(DefaultAPILogLevel),
			ReadHeaderTimeout: DefaultReadHeaderTimeout,
			ReadTimeout:       DefaultReadTimeout,
			WriteTimeout:      DefaultWriteTimeout,
			IdleTimeout:       DefaultIdleTimeout,
			SessionMaxAge:     DefaultAPISessionMaxAge,
			CORS:              DefaultCORSConfig(),
		},
	}
}
