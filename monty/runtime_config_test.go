package monty

import (
	"context"
	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"reflect"
	"strings"
	"testing"
)

func TestValidateDefaultRuntimeConfig(t *testing.T) {
	t.Parallel()
	require.NoError(t, structValidator.Struct(DefaultRuntimeConfig()))

	cfg := DefaultRuntimeConfig()
	cfg.LogLevel = "LOUD"
	require.Error(t, structValidator.Struct(cfg))
}

func TestRuntimeConfigUpdateKeys(t *testing.T) {
	t.Parallel()
	runtimeConfigType := reflect.TypeOf(RuntimeConfig{})
	runtimeConfigFields := make(map[string]bool)
	for i := 0; i < runtimeConfigType.NumField(); i++ {
		jsonTag, _, _ := strings.Cut(runtimeConfigType.Field(i).Tag.Get("json"), ",")
		if jsonTag != "" && jsonTag != "-" {
			runtimeConfigFields[jsonTag] = true
		}
	}

	updateType := reflect.TypeOf(RuntimeConfigUpdate{})
	for i := 0; i < updateType.NumField(); i++ {
		jsonTag, _, _ := strings.Cut(updateType.Field(i).Tag.Get("json"), ",")
		if jsonTag == "" || jsonTag == "-" {
			continue
		}
		if !runtimeConfigFields[jsonTag] {
			t.Errorf("Field %s in RuntimeConfigUpdate is not present in RuntimeConfig", jsonTag)
		}
	}
}

func TestRuntimeConfigUpdate_ColumnsAndApply(t *testing.T) {
	t.Parallel()
	assert.Empty(t, RuntimeConfigUpdate{}.columns())

	gateway := false
	status := "busy"
	recoverPanic := false
	warn := DBLogLevelWarn
	update := RuntimeConfigUpdate{
		DiscordGatewayEnabled: &gateway,
		DiscordCustomStatus:   &status,
		RecoverPanic:          &recoverPanic,
		DiscordGoLogLevel:     &warn,
	}
	assert.Equal(
		t,
		map[string]any{
			"discord_gateway_enabled": false,
			"discord_custom_status":   "busy",
			"recover_panic":           false,
			"discordgo_log_level":     DBLogLevelWarn,
		},
		update.columns(),
	)

	cfg := DefaultRuntimeConfig()
	update.apply(&cfg)
	want := DefaultRuntimeConfig()
	want.DiscordGatewayEnabled = false
	want.DiscordCustomStatus = "busy"
	want.RecoverPanic = false
	want.DiscordGoLogLevel = DBLogLevelWarn
	assert.Equal(t, want, cfg)
}

func TestRuntimeConfigUpdate_Validate(t *testing.T) {
	t.Parallel()
	empty := ""
	require.Error(t, RuntimeConfigUpdate{DiscordErrorMessage: &empty}.validate())

	long := strings.Repeat("x", 129)
	require.Error(t, RuntimeConfigUpdate{DiscordCustomStatus: &long}.validate())

	bad := DBLogLevel("LOUD")
	require.Error(t, RuntimeConfigUpdate{APILogLevel: &bad}.validate())

	ok := "fine"
	require.NoError(t, RuntimeConfigUpdate{DiscordCustomStatus: &ok}.validate())
}

func TestGetDiscordPresenceStatusUpdate(t *testing.T) {
	t.Parallel()
	cfg := DefaultRuntimeConfig()
	assert.Equal(
		t,
		discordgo.GatewayStatusUpdate{Status: DefaultDiscordCustomStatus},
		getDiscordPresenceStatusUpdate(cfg),
	)

	cfg.Paused = true
	presence := getDiscordPresenceStatusUpdate(cfg)
	assert.True(t, presence.AFK)
	assert.Equal(t, string(discordgo.StatusDoNotDisturb), presence.Status)
}

func TestAdminCredentials(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	db := newTestDB(t)

	cfg, created, err := LoadRuntimeConfig(ctx, db)
	require.NoError(t, err)
	assert.True(t, created)
	assert.False(t, cfg.HasAdminCredentials())
	assert.ErrorIs(t, cfg.CheckLogin("admin", "pw"), ErrAdminNotConfigured)

	require.Error(t, SetAdminCredentials(ctx, db, &cfg, "admin", ""))
	require.NoError(t, SetAdminCredentials(ctx, db, &cfg, "admin", "hunter2"))
	assert.True(t, cfg.HasAdminCredentials())
	assert.NotEqual(t, "hunter2", cfg.AdminPassword)

	stored, created, err := LoadRuntimeConfig(ctx, db)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, cfg.ID, stored.ID)
	assert.Equal(t, "admin", stored.AdminUsername)

	require.NoError(t, stored.CheckLogin("admin", "hunter2"))
	assert.ErrorIs(t, stored.CheckLogin("admin", "hunter3"), ErrBadCredentials)
	assert.ErrorIs(t, stored.CheckLogin("root", "hunter2"), ErrBadCredentials)

	stored.AdminPassword = "not a hash"
	err = stored.CheckLogin("admin", "hunter2")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrBadCredentials)
}
