package monty

import (
	"context"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"gorm.io/gorm"
	"log/slog"
)

var (
	columnRuntimeConfigPaused        = "paused"
	columnRuntimeConfigAdminUsername = "admin_username"
	columnRuntimeConfigAdminPassword = "admin_password"
)

// RuntimeConfig holds settings which can be changed while the bot is
// running, and which persist across restarts (ex: being paused).
//
//nolint:lll // struct tags can't be split
type RuntimeConfig struct {
	ModelUintID
	ModelUnixTime

	// Paused bots don't move credits: economy commands get a
	// "paused" reply and no transaction
	Paused bool `json:"paused" gorm:"not null;default:false"`

	// Opens a discord gateway websocket connection.
	// If the bot receives slash commands via gateway, this is required.
	DiscordGatewayEnabled bool `json:"discord_gateway_enabled" gorm:"not null;default:true"`

	DiscordCustomStatus string `json:"discord_custom_status" gorm:"type:string"`

	// If set, the startup message is sent to this channel when the bot
	// connects to the gateway
	DiscordNotificationChannelID string `json:"discord_notification_channel_id" gorm:"type:string"`

	// DiscordErrorMessage is shown to users when a command fails unexpectedly
	DiscordErrorMessage string `json:"discord_error_message" gorm:"type:string" binding:"max=2000"`

	// RecoverPanic recovers and logs panics in interaction handlers,
	// rather than letting them crash the bot
	RecoverPanic bool `json:"recover_panic" gorm:"not null;default:true"`

	AdminUsername string `json:"admin_username" gorm:"type:string" log:"[redacted]"`

	// AdminPassword stores the argon2id hash of the admin password
	AdminPassword string `json:"-" gorm:"type:string" log:"[redacted]"`

	LogLevel               DBLogLevel `gorm:"default:INFO;type:string" json:"log_level" binding:"omitempty,oneof=INFO WARN ERROR DEBUG"`
	DiscordLogLevel        DBLogLevel `gorm:"default:INFO;type:string" json:"discord_log_level" binding:"omitempty,oneof=INFO WARN ERROR DEBUG"`
	DiscordGoLogLevel      DBLogLevel `gorm:"default:INFO;column:discordgo_log_level;type:string" json:"discordgo_log_level" binding:"omitempty,oneof=INFO WARN ERROR DEBUG"`
	DatabaseLogLevel       DBLogLevel `gorm:"default:INFO;type:string" json:"database_log_level" binding:"omitempty,oneof=INFO WARN ERROR DEBUG"`
	DiscordWebhookLogLevel DBLogLevel `gorm:"default:INFO;type:string" json:"discord_webhook_log_level" binding:"omitempty,oneof=INFO WARN ERROR DEBUG"`
	APILogLevel            DBLogLevel `gorm:"default:INFO;type:string" json:"api_log_level" binding:"omitempty,oneof=INFO WARN ERROR DEBUG"`
}

func (RuntimeConfig) TableName() string {
	return "config"
}

func (r RuntimeConfig) LogValue() slog.Value {
	return structToSlogValue(r)
}

func DefaultRuntimeConfig() RuntimeConfig {
	return RuntimeConfig{
		DiscordGatewayEnabled:  true,
		DiscordCustomStatus:    DefaultDiscordCustomStatus,
		DiscordErrorMessage:    DefaultDiscordErrorMessage,
		RecoverPanic:           true,
		LogLevel:               DBLogLevelInfo,
		DiscordLogLevel:        DBLogLevelInfo,
		DiscordGoLogLevel:      DBLogLevelWarn,
		DatabaseLogLevel:       DBLogLevelInfo,
		DiscordWebhookLogLevel: DBLogLevelInfo,
		APILogLevel:            DBLogLevelInfo,
	}
}

// RuntimeConfigUpdate is the payload for partially updating
// [RuntimeConfig] from the API. Nil fields are left unchanged.
//
//nolint:lll // can't break tags
type RuntimeConfigUpdate struct {
	DiscordGatewayEnabled        *bool   `json:"discord_gateway_enabled,omitempty"`
	DiscordCustomStatus          *string `json:"discord_custom_status,omitempty" binding:"omitnil,max=128"`
	DiscordNotificationChannelID *string `json:"discord_notification_channel_id,omitempty" binding:"omitnil,max=32"`
	DiscordErrorMessage          *string `json:"discord_error_message,omitempty" binding:"omitnil,min=1,max=2000"`
	RecoverPanic                 *bool   `json:"recover_panic,omitempty"`

	LogLevel               *DBLogLevel `json:"log_level,omitempty" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
	DiscordLogLevel        *DBLogLevel `json:"discord_log_level,omitempty" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
	DiscordGoLogLevel      *DBLogLevel `json:"discordgo_log_level,omitempty" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
	DatabaseLogLevel       *DBLogLevel `json:"database_log_level,omitempty" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
	DiscordWebhookLogLevel *DBLogLevel `json:"discord_webhook_log_level,omitempty" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
	APILogLevel            *DBLogLevel `json:"api_log_level,omitempty" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
}

func (b RuntimeConfigUpdate) validate() error {
	return structValidator.Struct(b)
}

// columns returns the column/value pairs set in the update, for use with
// gorm's Updates.
func (b RuntimeConfigUpdate) columns() map[string]any {
	rv := map[string]any{}
	if b.DiscordGatewayEnabled != nil {
		rv["discord_gateway_enabled"] = *b.DiscordGatewayEnabled
	}
	if b.DiscordCustomStatus != nil {
		rv["discord_custom_status"] = *b.DiscordCustomStatus
	}
	if b.DiscordNotificationChannelID != nil {
		rv["discord_notification_channel_id"] = *b.DiscordNotificationChannelID
	}
	if b.DiscordErrorMessage != nil {
		rv["discord_error_message"] = *b.DiscordErrorMessage
	}
	if b.RecoverPanic != nil {
		rv["recover_panic"] = *b.RecoverPanic
	}
	levels := []struct {
		column string
		value  *DBLogLevel
	}{
		{"log_level", b.LogLevel},
		{"discord_log_level", b.DiscordLogLevel},
		{"discordgo_log_level", b.DiscordGoLogLevel},
		{"database_log_level", b.DatabaseLogLevel},
		{"discord_webhook_log_level", b.DiscordWebhookLogLevel},
		{"api_log_level", b.APILogLevel},
	}
	for _, lvl := range levels {
		if lvl.value != nil {
			rv[lvl.column] = *lvl.value
		}
	}
	return rv
}

// apply copies the update's non-nil fields onto cfg.
func (b RuntimeConfigUpdate) apply(cfg *RuntimeConfig) {
	if b.DiscordGatewayEnabled != nil {
		cfg.DiscordGatewayEnabled = *b.DiscordGatewayEnabled
	}
	if b.DiscordCustomStatus != nil {
		cfg.DiscordCustomStatus = *b.DiscordCustomStatus
	}
	if b.DiscordNotificationChannelID != nil {
		cfg.DiscordNotificationChannelID = *b.DiscordNotificationChannelID
	}
	if b.DiscordErrorMessage != nil {
		cfg.DiscordErrorMessage = *b.DiscordErrorMessage
	}
	if b.RecoverPanic != nil {
		cfg.RecoverPanic = *b.RecoverPanic
	}
	levels := []struct {
		dst *DBLogLevel
		src *DBLogLevel
	}{
		{&cfg.LogLevel, b.LogLevel},
		{&cfg.DiscordLogLevel, b.DiscordLogLevel},
		{&cfg.DiscordGoLogLevel, b.DiscordGoLogLevel},
		{&cfg.DatabaseLogLevel, b.DatabaseLogLevel},
		{&cfg.DiscordWebhookLogLevel, b.DiscordWebhookLogLevel},
		{&cfg.APILogLevel, b.APILogLevel},
	}
	for _, lvl := range levels {
		if lvl.src != nil {
			*lvl.dst = *lvl.src
		}
	}
}

func getDiscordPresenceStatusUpdate(config RuntimeConfig) discordgo.GatewayStatusUpdate {
	if config.Paused {
		return discordgo.GatewayStatusUpdate{
			AFK:    true,
			Status: string(discordgo.StatusDoNotDisturb),
		}
	}
	return discordgo.GatewayStatusUpdate{Status: config.DiscordCustomStatus}
}

// LoadRuntimeConfig returns the latest persisted [RuntimeConfig],
// creating the default one if none exists yet. The bool reports whether
// it was created.
func LoadRuntimeConfig(ctx context.Context, db *gorm.DB) (RuntimeConfig, bool, error) {
	var cfg RuntimeConfig
	err := db.WithContext(ctx).Last(&cfg).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		cfg = DefaultRuntimeConfig()
		if createErr := db.WithContext(ctx).Create(&cfg).Error; createErr != nil {
			return cfg, false, fmt.Errorf("error creating config: %w", createErr)
		}
		return cfg, true, nil
	case err != nil:
		return cfg, false, fmt.Errorf("error getting config: %w", err)
	}
	return cfg, false, nil
}

var (
	// ErrAdminNotConfigured is returned by [RuntimeConfig.CheckLogin]
	// before admin credentials have been set
	ErrAdminNotConfigured = errors.New("admin credentials not set")

	ErrBadCredentials = errors.New("invalid username or password")
)

// HasAdminCredentials reports whether the admin username and password have
// been set
func (r RuntimeConfig) HasAdminCredentials() bool {
	return r.AdminUsername != "" && r.AdminPassword != ""
}

// CheckLogin returns nil if username and password match the stored admin
// credentials
func (r RuntimeConfig) CheckLogin(username, password string) error {
	if !r.HasAdminCredentials() {
		return ErrAdminNotConfigured
	}
	if username != r.AdminUsername {
		return ErrBadCredentials
	}
	ok, err := verifyPassword(r.AdminPassword, password)
	switch {
	case err != nil:
		return fmt.Errorf("error verifying password: %w", err)
	case !ok:
		return ErrBadCredentials
	}
	return nil
}

// SetAdminCredentials hashes password and saves both credentials to cfg's
// row, updating cfg once the write succeeds
func SetAdminCredentials(
	ctx context.Context,
	db *gorm.DB,
	cfg *RuntimeConfig,
	username string,
	password string,
) error {
	if username == "" || password == "" {
		return errors.New("username and password are required")
	}
	hashed, err := hashPassword(password)
	if err != nil {
		return fmt.Errorf("error hashing password: %w", err)
	}
	err = db.WithContext(ctx).Model(cfg).Updates(
		map[string]any{
			columnRuntimeConfigAdminUsername: username,
			columnRuntimeConfigAdminPassword: hashed,
		},
	).Error
	if err != nil {
		return fmt.Errorf("error saving admin credentials: %w", err)
	}
	cfg.AdminUsername = username
	cfg.AdminPassword = hashed
	return nil
}
