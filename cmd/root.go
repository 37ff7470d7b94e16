package cmd

import (
	"context"
	"fmt"
	"github.com/burtonwilliamt/Monty/monty"
	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"reflect"
	"strings"
	"syscall"
)

var (
	cfg        = monty.DefaultConfig()
	configFile string
)

// levelKeys are the settings decoded into a *slog.LevelVar
var levelKeys = []string{
	"log_level",
	"database_log_level",
	"discord.log_level",
	"discord.discordgo_log_level",
	"discord.webhook_server.log_level",
	"api.log_level",
}

// listKeys are the settings which may be given as a whitespace-separated
// string in the environment
var listKeys = []string{
	"economy.beg_amounts",
	"economy.beg_weights",
	"api.cors.allow_origins",
	"api.cors.allow_methods",
	"api.cors.allow_headers",
	"api.cors.expose_headers",
}

var rootCmd = &cobra.Command{
	Use:   "monty [flags]",
	Short: "A discord bot with a currency ledger",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return viper.Unmarshal(cfg, viper.DecodeHook(decodeHook()))
	},
	SilenceUsage: true,
}

func decodeHook() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		LevelToStringHookFunc(),
	)
}

// LevelToStringHookFunc decodes level names (ex: "DEBUG", "warn") into
// a *slog.LevelVar
func LevelToStringHookFunc() mapstructure.DecodeHookFuncType {
	return func(
		f reflect.Type,
		t reflect.Type,
		data any,
	) (any, error) {
		if f.Kind() != reflect.String {
			return data, nil
		}
		if t.Kind() != reflect.Ptr || t.Elem() != reflect.TypeOf(slog.LevelVar{}) {
			return data, nil
		}
		lvl, err := levelStringToLevelVar(data.(string))
		if err != nil {
			return nil, fmt.Errorf("invalid log level: %s", data)
		}
		return lvl, nil
	}
}

func levelStringToLevelVar(lvl string) (*slog.LevelVar, error) {
	level := &slog.LevelVar{}
	err := level.UnmarshalText([]byte(lvl))
	return level, err
}

// Execute runs the root command, cancelling its context on
// SIGINT/SIGTERM/SIGHUP
func Execute() {
	ctx, cancel := context.WithCancel(context.Background())
	signals := make(chan os.Signal, 1)
	signal.Notify(
		signals,
		os.Interrupt,
		syscall.SIGHUP,
		syscall.SIGTERM,
		syscall.SIGINT,
	)
	defer func() {
		signal.Stop(signals)
		cancel()
	}()
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
		}
	}()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func initConfig() {
	if configFile == "" {
		if err := godotenv.Load(); err != nil {
			log.Println("No .env file found")
		}
	} else if err := godotenv.Load(configFile); err != nil {
		log.Printf("error loading %s: %v", configFile, err)
	}

	viper.Reset()
	cfg = monty.DefaultConfig()
	defaults := monty.DefaultConfig()

	viper.SetDefault("database", monty.DefaultDatabase)
	viper.SetDefault("database_type", monty.DefaultDatabaseType)
	viper.SetDefault("database_slow_threshold", monty.DefaultDatabaseSlowThreshold)
	viper.SetDefault("database_log_level", monty.DefaultDatabaseLogLevel.String())
	viper.SetDefault("log_level", monty.DefaultLogLevel.String())

	viper.SetDefault("log_file.filename", "")
	viper.SetDefault("log_file.max_size_mb", monty.DefaultLogFileMaxSizeMB)
	viper.SetDefault("log_file.max_backups", monty.DefaultLogFileMaxBackups)
	viper.SetDefault("log_file.max_age_days", monty.DefaultLogFileMaxAgeDays)
	viper.SetDefault("log_file.compress", false)

	viper.SetDefault("startup_timeout", monty.DefaultStartupTimeout)
	viper.SetDefault("shutdown_timeout", monty.DefaultShutdownTimeout)
	viper.SetDefault("dictionary_url", monty.DefaultDictionaryURL)

	// Economy
	viper.SetDefault("economy.beg_amounts", defaults.Economy.BegAmounts)
	viper.SetDefault("economy.beg_weights", defaults.Economy.BegWeights)
	viper.SetDefault("economy.beg_cooldown", monty.DefaultBegCooldown)
	viper.SetDefault("economy.loot_box_cost", monty.DefaultLootBoxCost)

	// Scheduled leaderboard announcement
	viper.SetDefault("schedule.leaderboard_cron", "")
	viper.SetDefault("schedule.leaderboard_channel_id", "")
	viper.SetDefault("schedule.leaderboard_guild_id", "")

	// Discord
	viper.SetDefault("discord.token", "")
	viper.SetDefault("discord.application_id", "")
	viper.SetDefault("discord.guild_id", "")
	viper.SetDefault("discord.log_level", monty.DefaultDiscordLogLevel.String())
	viper.SetDefault("discord.discordgo_log_level", monty.DefaultDiscordgoLogLevel.String())
	viper.SetDefault("discord.gateway_intents", monty.DefaultDiscordGatewayIntent)
	viper.SetDefault("discord.startup_message", monty.DefaultDiscordStartupMessage)

	// Discord: webhook server
	viper.SetDefault("discord.webhook_server.enabled", false)
	viper.SetDefault("discord.webhook_server.listen", monty.DefaultDiscordWebhookServerListen)
	viper.SetDefault("discord.webhook_server.listen_network", "tcp")
	viper.SetDefault("discord.webhook_server.public_key", "")
	viper.SetDefault("discord.webhook_server.read_timeout", monty.DefaultReadTimeout)
	viper.SetDefault("discord.webhook_server.read_header_timeout", monty.DefaultReadHeaderTimeout)
	viper.SetDefault("discord.webhook_server.write_timeout", monty.DefaultWriteTimeout)
	viper.SetDefault("discord.webhook_server.idle_timeout", monty.DefaultIdleTimeout)
	viper.SetDefault(
		"discord.webhook_server.log_level",
		monty.DefaultDiscordWebhookLogLevel.String(),
	)
	viper.SetDefault(
		"discord.webhook_server.ssl.tls_min_version",
		monty.DefaultDiscordWebhookServerTLSminVersion,
	)

	viper.SetDefault("discord.webhook_server.ssl.cert", "")
	viper.SetDefault("discord.webhook_server.ssl.key", "")

	// API
	viper.SetDefault("api.listen", monty.DefaultAPIListen)
	viper.SetDefault("api.listen_network", "tcp")
	viper.SetDefault("api.secret", "")
	viper.SetDefault("api.development", false)
	viper.SetDefault("api.log_level", monty.DefaultAPILogLevel.String())
	viper.SetDefault("api.session_max_age", monty.DefaultAPISessionMaxAge)
	viper.SetDefault("api.read_timeout", monty.DefaultReadTimeout)
	viper.SetDefault("api.read_header_timeout", monty.DefaultReadHeaderTimeout)
	viper.SetDefault("api.write_timeout", monty.DefaultWriteTimeout)
	viper.SetDefault("api.idle_timeout", monty.DefaultIdleTimeout)
	viper.SetDefault("api.ssl.tls_min_version", monty.DefaultUITLSMinVersion)
	viper.SetDefault("api.ssl.cert", "")
	viper.SetDefault("api.ssl.key", "")

	// API: CORS
	viper.SetDefault("api.cors.allow_origins", []string{})
	viper.SetDefault("api.cors.allow_methods", monty.DefaultCORSAllowMethods)
	viper.SetDefault("api.cors.allow_headers", monty.DefaultCORSAllowHeaders)
	viper.SetDefault("api.cors.expose_headers", monty.DefaultCORSExposeHeaders)
	viper.SetDefault("api.cors.max_age", monty.DefaultCORSMaxAge)
	viper.SetDefault("api.cors.allow_credentials", monty.DefaultAPICORSAllowCredentials)

	envPrefix := os.Getenv(monty.EnvvarSetEnvPrefix)
	if envPrefix == "" {
		envPrefix = monty.DefaultEnvPrefix
	}
	viper.SetEnvPrefix(envPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	for _, key := range listKeys {
		if s, ok := viper.Get(key).(string); ok {
			viper.Set(key, strings.Fields(s))
		}
	}

	for _, key := range levelKeys {
		lvl, err := levelStringToLevelVar(viper.GetString(key))
		if err != nil {
			log.Fatalf("error parsing %s: %v", key, err)
		}
		viper.Set(key, lvl)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(
		&configFile,
		"config",
		"",
		"Env file to load settings from (defaults to .env)",
	)
}
