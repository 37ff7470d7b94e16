package monty

import (
	"context"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"golang.org/x/time/rate"
	"strings"
	"sync"
	"time"
)

const (
	reasonBeg = "begging"

	noLeaderboardMessage = "No leaderboard for this server."
	begCooldownMessage   = "Slow down! You can beg again %s."
	guildOnlyMessage     = "This command only works in a server."
)

// begFlavorLines are appended to the /beg payout message. Earlier lines
// are more likely.
var begFlavorLines = []string{
	"Don't spend it all in one place.",
	"Try not to make it weird.",
	"A gift, from me to you.",
	"I found it in the couch cushions.",
	"This is coming out of my retirement fund.",
	"Tell no one where you got this.",
	"The economy thanks you for your service.",
	"Somewhere, an accountant just fainted.",
}

type accountKey struct {
	guildID int64
	userID  int64
}

// cooldowns rate limits an action per (guild, user) pair, allowing one
// every `every`.
type cooldowns struct {
	mu       sync.Mutex
	every    time.Duration
	limiters map[accountKey]*rate.Limiter
}

func newCooldowns(every time.Duration) *cooldowns {
	return &cooldowns{every: every, limiters: map[accountKey]*rate.Limiter{}}
}

// allow reports whether the pair may act now. If not, it returns how long
// until the next attempt would be allowed.
func (c *cooldowns) allow(guildID, userID int64) (bool, time.Duration) {
	if c == nil || c.every <= 0 {
		return true, 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	key := accountKey{guildID: guildID, userID: userID}
	limiter, ok := c.limiters[key]
	if !ok {
		limiter = rate.NewLimiter(rate.Every(c.every), 1)
		c.limiters[key] = limiter
	}
	now := time.Now()
	r := limiter.ReserveN(now, 1)
	if delay := r.DelayFrom(now); delay > 0 {
		r.CancelAt(now)
		return false, delay
	}
	return true, 0
}

// weightedChoice returns an index into weights, picked with probability
// proportional to its weight. randIntN must behave like [rand.IntN].
func weightedChoice(weights []int, randIntN func(int) int) int {
	total := 0
	for _, w := range weights {
		total += w
	}
	if total <= 0 {
		return 0
	}
	n := randIntN(total)
	for idx, w := range weights {
		if n < w {
			return idx
		}
		n -= w
	}
	return len(weights) - 1
}

// chooseWithDistribution picks from options with linearly decreasing
// weights, so the first option is len(options) times as likely as the
// last.
func chooseWithDistribution[T any](options []T, randIntN func(int) int) T {
	weights := make([]int, len(options))
	for idx := range options {
		weights[idx] = len(options) - idx
	}
	return options[weightedChoice(weights, randIntN)]
}

// interactionAccount returns the ledger key for the user who sent the
// interaction.
func interactionAccount(i *discordgo.InteractionCreate) (int64, int64, error) {
	if i.GuildID == "" {
		return 0, 0, errGuildOnly
	}
	guildID, err := parseSnowflake(i.GuildID)
	if err != nil {
		return 0, 0, err
	}
	user := getDiscordUser(i)
	if user == nil {
		return 0, 0, errors.New("no user in interaction")
	}
	userID, err := parseSnowflake(user.ID)
	if err != nil {
		return 0, 0, err
	}
	return guildID, userID, nil
}

var errGuildOnly = errors.New("interaction isn't from a guild")

// respondAccountError sends the guild-only message for DMs, and returns
// other errors to the caller.
func respondAccountError(ctx context.Context, handler InteractionHandler, err error) error {
	if errors.Is(err, errGuildOnly) {
		return handler.Respond(ctx, ephemeralResponse(guildOnlyMessage))
	}
	return err
}

// commandBeg grants the user a random amount of credits.
func (m *Monty) commandBeg(ctx context.Context, handler InteractionHandler) error {
	guildID, userID, err := interactionAccount(handler.GetInteraction())
	if err != nil {
		return respondAccountError(ctx, handler, err)
	}
	logger := handler.Logger()

	if ok, wait := m.begCooldowns.allow(guildID, userID); !ok {
		logger.InfoContext(ctx, "beg on cooldown", "wait", wait)
		retryAt := time.Now().Add(wait)
		return handler.Respond(
			ctx,
			ephemeralResponse(
				fmt.Sprintf(begCooldownMessage, discordTimestamp(retryAt)),
			),
		)
	}

	economy := m.config.Economy
	amount := economy.BegAmounts[weightedChoice(economy.BegWeights, m.randIntN)]
	if _, err = m.ledger.ApplyTransaction(ctx, guildID, userID, amount, reasonBeg); err != nil {
		return err
	}
	flavor := chooseWithDistribution(begFlavorLines, m.randIntN)
	return handler.Respond(
		ctx,
		messageResponse(
			fmt.Sprintf("You have been given `%s` credits.\n%s", formatCredits(amount), flavor),
		),
	)
}

// discordTimestamp formats t as a relative discord timestamp, ex: "in 5
// seconds".
func discordTimestamp(t time.Time) string {
	return fmt.Sprintf("<t:%d:R>", t.Unix())
}

// commandBalance reports the balance of the user, or of the user given in
// the 'user' option.
func (m *Monty) commandBalance(ctx context.Context, handler InteractionHandler) error {
	i := handler.GetInteraction()
	guildID, userID, err := interactionAccount(i)
	if err != nil {
		return respondAccountError(ctx, handler, err)
	}

	opt, ok := discordInteractionOptions(i)[optionUser]
	if !ok || opt == nil {
		balance := m.ledger.Balance(guildID, userID)
		return handler.Respond(
			ctx,
			messageResponse(fmt.Sprintf("You have `%s` credits.", formatCredits(balance))),
		)
	}

	target, ok := opt.Value.(string)
	if !ok {
		return fmt.Errorf("unexpected user option value: %#v", opt.Value)
	}
	targetID, err := parseSnowflake(target)
	if err != nil {
		return err
	}
	balance := m.ledger.Balance(guildID, targetID)
	return handler.Respond(
		ctx,
		messageResponse(
			fmt.Sprintf("<@%s> has `%s` credits.", target, formatCredits(balance)),
		),
	)
}

// commandLeaderboard lists the guild's balances, highest first. Member
// names are looked up after deferring, since each is a REST call.
func (m *Monty) commandLeaderboard(ctx context.Context, handler InteractionHandler) error {
	i := handler.GetInteraction()
	guildID, _, err := interactionAccount(i)
	if err != nil {
		return respondAccountError(ctx, handler, err)
	}

	entries := m.ledger.Leaderboard(guildID)
	if len(entries) == 0 {
		return handler.Respond(ctx, messageResponse(noLeaderboardMessage))
	}

	if err = handler.Respond(ctx, deferredResponse(false)); err != nil {
		return err
	}
	content := truncate(m.formatLeaderboard(i.GuildID, entries), discordMaxMessageLength)
	if _, err = handler.Edit(
		ctx,
		&discordgo.WebhookEdit{
			Content: &content,
			AllowedMentions: &discordgo.MessageAllowedMentions{
				Parse: []discordgo.AllowedMentionType{},
			},
		},
	); err != nil {
		handler.Logger().ErrorContext(ctx, "error editing leaderboard", tint.Err(err))
	}
	return nil
}

// formatLeaderboard renders one line per entry: rank, member name and
// balance.
func (m *Monty) formatLeaderboard(guildID string, entries []LeaderboardEntry) string {
	var sb strings.Builder
	for idx, entry := range entries {
		userID := formatSnowflake(entry.UserID)
		name := userID
		if m.discord != nil {
			name = m.discord.memberName(guildID, userID)
		}
		if idx > 0 {
			sb.WriteString("\n")
		}
		_, _ = fmt.Fprintf(&sb, "`%d` `%s` `%s`", idx+1, name, formatCredits(entry.Balance))
	}
	return sb.String()
}
