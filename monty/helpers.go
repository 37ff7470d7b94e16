package monty

import (
	"context"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"log/slog"
	"reflect"
	"strconv"
	"strings"
	"unicode/utf8"
)

const loggerContextKey contextKey = "logger"

// creditsDisplayPlaces is the number of decimal places shown for balances
const creditsDisplayPlaces = 4

var structValidator = validator.New()

//nolint:gochecknoinits // gotta register the validators
func init() {
	structValidator.SetTagName("binding")
	structValidator.RegisterStructValidation(validateEconomyConfig, EconomyConfig{})
}

type contextKey string

// WithLogger returns a new context with the given logger added.
func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	if logger == nil {
		logger = slog.Default()
	}
	return context.WithValue(ctx, loggerContextKey, logger)
}

// ContextLogger returns a logger from the given context if one
// is present, and a boolean indicating whether a logger was found.
func ContextLogger(ctx context.Context) (*slog.Logger, bool) {
	logger, ok := ctx.Value(loggerContextKey).(*slog.Logger)
	return logger, ok
}

// structToSlogValue renders a struct (or pointer to one) as a slog group
// keyed by each field's json name. A `log:"..."` tag replaces the field's
// value, so secrets can be tagged `log:"[redacted]"`. Nil and empty
// fields are left out.
func structToSlogValue(v any) slog.Value {
	rv := reflect.Indirect(reflect.ValueOf(v))
	if !rv.IsValid() {
		return slog.AnyValue(nil)
	}
	if rv.Kind() != reflect.Struct {
		return slog.AnyValue(v)
	}

	rt := rv.Type()
	attrs := make([]slog.Attr, 0, rt.NumField())
	for i := 0; i < rt.NumField(); i++ {
		field, fv := rt.Field(i), rv.Field(i)
		if !field.IsExported() {
			continue
		}
		name, _, _ := strings.Cut(field.Tag.Get("json"), ",")
		if name == "" {
			name = field.Name
		}
		switch override := field.Tag.Get("log"); {
		case override != "":
			attrs = append(attrs, slog.String(name, override))
		case !emptyLogField(fv):
			attrs = append(attrs, slog.Attr{Key: name, Value: structToSlogValue(fv.Interface())})
		}
	}
	return slog.GroupValue(attrs...)
}

func emptyLogField(fv reflect.Value) bool {
	switch fv.Kind() {
	case reflect.Ptr, reflect.Interface:
		return fv.IsNil()
	case reflect.Map, reflect.Slice, reflect.String:
		return fv.Len() == 0
	}
	return false
}

// parseSnowflake converts a discord snowflake ID string to the int64 used
// as a ledger key.
func parseSnowflake(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid snowflake %q: %w", s, err)
	}
	if id <= 0 {
		return 0, fmt.Errorf("invalid snowflake %q", s)
	}
	return id, nil
}

func formatSnowflake(id int64) string {
	return strconv.FormatInt(id, 10)
}

// formatCredits renders a balance for display, rounded to
// creditsDisplayPlaces with trailing zeros dropped.
func formatCredits(v float64) string {
	return decimal.NewFromFloat(v).Round(creditsDisplayPlaces).String()
}

// discordInteractionOptions indexes a slash command's options by name
func discordInteractionOptions(
	i *discordgo.InteractionCreate,
) map[string]*discordgo.ApplicationCommandInteractionDataOption {
	byName := map[string]*discordgo.ApplicationCommandInteractionDataOption{}
	for _, opt := range i.ApplicationCommandData().Options {
		byName[opt.Name] = opt
	}
	return byName
}

// getDiscordUser returns who invoked the interaction. Guild interactions
// carry the user on Member, DMs on User.
func getDiscordUser(i *discordgo.InteractionCreate) *discordgo.User {
	if i.User != nil {
		return i.User
	}
	if i.Member != nil {
		return i.Member.User
	}
	return nil
}

// memberDisplayName returns the member's nickname, falling back to the
// global name and then the username.
func memberDisplayName(m *discordgo.Member) string {
	if m == nil {
		return ""
	}
	if m.Nick != "" {
		return m.Nick
	}
	if m.User == nil {
		return ""
	}
	if m.User.GlobalName != "" {
		return m.User.GlobalName
	}
	return m.User.Username
}

// interactionLogAttrs are the attributes attached to every log line
// about an interaction. Empty IDs are omitted.
func interactionLogAttrs(i discordgo.InteractionCreate) []any {
	attrs := []any{
		"id", i.ID,
		"type", i.Type.String(),
		"command_context", interactionContextName(i.Context),
	}
	for _, kv := range [][2]string{
		{"guild_id", i.GuildID},
		{"channel_id", i.ChannelID},
		{"app_id", i.AppID},
	} {
		if kv[1] != "" {
			attrs = append(attrs, kv[0], kv[1])
		}
	}
	return attrs
}

// truncate returns at most n runes of s
func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n])
}
