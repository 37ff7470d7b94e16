package monty

import (
	"bytes"
	"context"
	"encoding/json"
	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"log/slog"
	"strings"
	"testing"
)

func TestParseSnowflake(t *testing.T) {
	t.Parallel()
	id, err := parseSnowflake("1234567890123456789")
	require.NoError(t, err)
	assert.EqualValues(t, 1234567890123456789, id)
	assert.Equal(t, "1234567890123456789", formatSnowflake(id))

	for _, bad := range []string{"", "abc", "0", "-5", "99999999999999999999"} {
		_, err = parseSnowflake(bad)
		assert.Errorf(t, err, "input: %q", bad)
	}
}

func TestFormatCredits(t *testing.T) {
	t.Parallel()
	tests := map[float64]string{
		0:         "0",
		1:         "1",
		-1000:     "-1000",
		0.05:      "0.05",
		4.2069:    "4.2069",
		1322.06:   "1322.06",
		0.1 + 0.2: "0.3",
		1.23456:   "1.2346",
		100:       "100",
	}
	for v, want := range tests {
		assert.Equalf(t, want, formatCredits(v), "value: %v", v)
	}
}

func TestTruncate(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "hello", truncate("hello", 10))
	assert.Equal(t, "hel", truncate("hello", 3))
	assert.Equal(t, "héé", truncate("héééé", 3))
	assert.Equal(t, "", truncate("hello", 0))
}

func TestMemberDisplayName(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "", memberDisplayName(nil))
	assert.Equal(t, "nick", memberDisplayName(&discordgo.Member{Nick: "nick"}))
	assert.Equal(
		t,
		"Global",
		memberDisplayName(&discordgo.Member{User: &discordgo.User{GlobalName: "Global", Username: "u"}}),
	)
	assert.Equal(t, "u", memberDisplayName(&discordgo.Member{User: &discordgo.User{Username: "u"}}))
}

func TestGetDiscordUser(t *testing.T) {
	t.Parallel()
	u := newDiscordUser(t, testUserID)
	member := newCommandInteraction(t, u, commandBeg)
	assert.Equal(t, u, getDiscordUser(member))

	dm := &discordgo.InteractionCreate{Interaction: &discordgo.Interaction{User: u}}
	assert.Equal(t, u, getDiscordUser(dm))

	assert.Nil(t, getDiscordUser(&discordgo.InteractionCreate{Interaction: &discordgo.Interaction{}}))
}

func TestInteractionContextName(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "guild", interactionContextName(discordgo.InteractionContextGuild))
	assert.Equal(t, "bot_dm", interactionContextName(discordgo.InteractionContextBotDM))
	assert.Equal(
		t,
		"private_channel",
		interactionContextName(discordgo.InteractionContextPrivateChannel),
	)
	assert.Equal(t, "unknown", interactionContextName(discordgo.InteractionContextType(99)))
}

func TestStructToSlogValue(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig()
	cfg.Discord.Token = "super secret"
	cfg.API.Secret = "also secret"

	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	logger.Info("config", "config", cfg)

	out := buf.String()
	assert.NotContains(t, out, "super secret")
	assert.NotContains(t, out, "also secret")
	assert.Contains(t, out, "[redacted]")
	assert.Contains(t, out, `"database_type":"sqlite"`)

	assert.Equal(t, slog.AnyValue(nil), structToSlogValue(nil))
	assert.Equal(t, slog.AnyValue(3), structToSlogValue(3))
}

func TestWithLogger(t *testing.T) {
	t.Parallel()
	_, ok := ContextLogger(context.Background())
	assert.False(t, ok)

	logger := slog.Default().With("k", "v")
	got, ok := ContextLogger(WithLogger(context.Background(), logger))
	require.True(t, ok)
	assert.Same(t, logger, got)

	got, ok = ContextLogger(WithLogger(context.Background(), nil))
	require.True(t, ok)
	assert.NotNil(t, got)
}

func TestDBLogLevel(t *testing.T) {
	t.Parallel()

	var lvl DBLogLevel
	require.NoError(t, lvl.Scan("debug"))
	assert.Equal(t, DBLogLevelDebug, lvl)
	require.NoError(t, lvl.Scan([]byte("WARN")))
	assert.Equal(t, DBLogLevelWarn, lvl)
	require.Error(t, lvl.Scan(5))
	require.Error(t, lvl.Scan("loud"))

	value, err := DBLogLevelError.Value()
	require.NoError(t, err)
	assert.Equal(t, "ERROR", value)

	data, err := json.Marshal(DBLogLevelInfo)
	require.NoError(t, err)
	assert.Equal(t, `"INFO"`, string(data))
	require.NoError(t, json.Unmarshal([]byte(`"error"`), &lvl))
	assert.Equal(t, DBLogLevelError, lvl)

	assert.Equal(t, slog.LevelWarn, DBLogLevelWarn.Level())
	assert.Equal(t, slog.LevelInfo, DBLogLevel("nonsense").Level())
}

func TestDiscordgoLoggerFunc(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	handler := slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	logFunc := discordgoLoggerFunc(context.Background(), handler)

	logFunc(discordgo.LogError, 0, "bad thing:\n%s", "oops")
	logFunc(999, 0, "unknown level")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)

	var first map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &first))
	assert.Equal(t, "ERROR", first["level"])
	assert.Equal(t, "bad thing:oops", first["msg"])

	var second map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &second))
	assert.Equal(t, "INFO", second["level"])
}
