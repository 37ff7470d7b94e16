package monty

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"log/slog"
	"sync/atomic"
)

// Discord manages the discord session: connecting, registering commands
// and the gateway event handlers.
type Discord struct {
	session   DiscordSessionHandler
	config    *DiscordConfig
	logger    *slog.Logger
	publicKey ed25519.PublicKey
	metrics   *gatewayMetrics
	connected atomic.Bool

	// removeHandlers detaches the gateway handlers added by the last
	// session setup
	removeHandlers []func()
	m              *Monty
}

// newDiscord initializes a new Discord instance with the provided configuration
func newDiscord(config *DiscordConfig) (*Discord, error) {
	d := &Discord{
		config: config,
		logger: slog.Default(),
	}

	if config.WebhookServer.PublicKey != "" {
		publicKey, err := hex.DecodeString(config.WebhookServer.PublicKey)
		if err != nil {
			return nil, fmt.Errorf("error decoding public key: %w", err)
		}
		if len(publicKey) != ed25519.PublicKeySize {
			return nil, fmt.Errorf(
				"invalid public key length: %d (expected %d)",
				len(publicKey), ed25519.PublicKeySize,
			)
		}
		d.publicKey = ed25519.PublicKey(publicKey)
	}

	return d, nil
}

// newSession creates a discordgo session with the configured token,
// wrapped in a [DiscordSession].
func (d *Discord) newSession() (DiscordSessionHandler, error) {
	disc, err := discordgo.New("Bot " + d.config.Token)
	if err != nil {
		return nil, fmt.Errorf("error creating discord session: %w", err)
	}
	disc.SyncEvents = true
	disc.StateEnabled = false
	if d.config.httpClient != nil {
		disc.Client = d.config.httpClient
	}

	session := DiscordSession{
		Session: disc,
		logger:  d.logger.With(loggerNameKey, "discord_session"),
	}
	if err = session.SetLogLevel(d.config.DiscordGoLogLevel.Level()); err != nil {
		return nil, err
	}
	return session, nil
}

func (d *Discord) handlerReady() func(
	s *discordgo.Session,
	r *discordgo.Ready,
) {
	return func(s *discordgo.Session, r *discordgo.Ready) {
		var username, userID string
		if r.User != nil {
			username = r.User.Username
			userID = r.User.ID
		}
		d.logger.Info(
			"Ready",
			"session_id", r.SessionID,
			"user_id", userID,
			"username", username,
			"guilds", len(r.Guilds),
		)
	}
}

func (d *Discord) handlerConnect() func(
	s *discordgo.Session,
	r *discordgo.Connect,
) {
	return func(s *discordgo.Session, r *discordgo.Connect) {
		d.connected.Store(true)
		d.metrics.observe("connect", true)

		var sessionID string
		if s != nil && s.State != nil {
			sessionID = s.State.SessionID
		}
		d.logger.Info("Connected", "session_id", sessionID)

		if d.m == nil {
			return
		}
		config := d.m.RuntimeConfig()
		if config.DiscordNotificationChannelID != "" && d.config.StartupMessage != "" {
			if _, sendErr := d.session.ChannelMessageSend(
				config.DiscordNotificationChannelID,
				d.config.StartupMessage,
				discordgo.WithRetryOnRatelimit(false),
				discordgo.WithRestRetries(1),
			); sendErr != nil {
				d.logger.Error("unable to send startup message", tint.Err(sendErr))
			} else {
				d.logger.Info("sent startup notification")
			}
		}
	}
}

func (d *Discord) handlerDisconnect() func(
	s *discordgo.Session,
	r *discordgo.Disconnect,
) {
	return func(s *discordgo.Session, r *discordgo.Disconnect) {
		d.connected.Store(false)
		d.metrics.observe("disconnect", false)

		var sessionID string
		if s != nil && s.State != nil {
			sessionID = s.State.SessionID
		}
		d.logger.Info("disconnected", "session_id", sessionID)
	}
}

// registerCommands sends the bot's commands to the discord bulk overwrite
// endpoint
func (d *Discord) registerCommands(
	options ...discordgo.RequestOption,
) ([]*discordgo.ApplicationCommand, error) {
	created, err := d.session.ApplicationCommandBulkOverwrite(
		d.config.ApplicationID,
		d.config.GuildID,
		applicationCommands(),
		options...,
	)
	if err != nil {
		d.logger.Error("error overwriting discord commands", tint.Err(err))
		return created, err
	}
	if len(created) == 0 {
		return created, fmt.Errorf("no commands were created")
	}
	d.logger.Info("registered commands", "count", len(created))
	return created, nil
}

// memberName returns the guild member's display name, or the user ID if
// the member can't be retrieved.
func (d *Discord) memberName(guildID string, userID string) string {
	if d.session == nil {
		return userID
	}
	member, err := d.session.GuildMember(guildID, userID)
	if err != nil {
		d.logger.Warn(
			"unable to get guild member",
			tint.Err(err),
			"guild_id", guildID,
			"user_id", userID,
		)
		return userID
	}
	if name := memberDisplayName(member); name != "" {
		return name
	}
	return userID
}

// DiscordSessionHandler defines the methods from [discordgo.Session] used
// by the bot, to enable testing/mocking.
type DiscordSessionHandler interface {
	// Open creates a websocket connection to Discord
	Open() error

	// Close closes the websocket connection to Discord
	Close() error

	ChannelMessageSend(
		channelID string,
		message string,
		opts ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	ChannelMessageSendEmbed(
		channelID string,
		embed *discordgo.MessageEmbed,
		opts ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	ChannelMessageSendComplex(
		channelID string,
		data *discordgo.MessageSend,
		opts ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	// ChannelMessages returns up to limit messages from the channel,
	// newest first
	ChannelMessages(
		channelID string,
		limit int,
		beforeID string,
		afterID string,
		aroundID string,
		opts ...discordgo.RequestOption,
	) ([]*discordgo.Message, error)

	MessageReactionAdd(
		channelID string,
		messageID string,
		emojiID string,
		opts ...discordgo.RequestOption,
	) error

	GuildEmojis(guildID string, opts ...discordgo.RequestOption) ([]*discordgo.Emoji, error)

	GuildMember(
		guildID string,
		userID string,
		opts ...discordgo.RequestOption,
	) (*discordgo.Member, error)

	ApplicationCommandBulkOverwrite(
		appID string,
		guildID string,
		commands []*discordgo.ApplicationCommand,
		options ...discordgo.RequestOption,
	) ([]*discordgo.ApplicationCommand, error)

	// UpdateCustomStatus sets the bot's user status to the given string.
	// If empty, sets the bot user to active and removes any existing
	// custom status.
	UpdateCustomStatus(status string) error

	// UpdateStatusComplex sends the given status update, untouched
	UpdateStatusComplex(data discordgo.UpdateStatusData) error

	// AddHandler adds a discord gateway event handler
	AddHandler(handler any) func()

	InteractionRespond(
		interaction *discordgo.Interaction,
		resp *discordgo.InteractionResponse,
		options ...discordgo.RequestOption,
	) error

	InteractionResponseEdit(
		interaction *discordgo.Interaction,
		newresp *discordgo.WebhookEdit,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	// SetIdentify sets the identify object that's sent during the initial
	// handshake with the discord gateway
	SetIdentify(discordgo.Identify)

	SetLogLevel(lvl slog.Level) error
}

// DiscordSession satisfies [DiscordSessionHandler] with a live
// [discordgo.Session]. Most methods are promoted from the session as-is.
type DiscordSession struct {
	*discordgo.Session
	logger *slog.Logger
}

var discordgoLevels = map[slog.Level]int{
	slog.LevelDebug: discordgo.LogDebug,
	slog.LevelInfo:  discordgo.LogInformational,
	slog.LevelWarn:  discordgo.LogWarning,
	slog.LevelError: discordgo.LogError,
}

func (d DiscordSession) SetLogLevel(lvl slog.Level) error {
	dgLevel, ok := discordgoLevels[lvl]
	if !ok {
		return fmt.Errorf("no discordgo log level matches %s", lvl)
	}
	d.LogLevel = dgLevel
	return nil
}

func (d DiscordSession) SetIdentify(i discordgo.Identify) {
	d.Identify = i
}

// MessageReactionAdd reacts to the message, logging any failure since
// callers usually ignore it
func (d DiscordSession) MessageReactionAdd(
	channelID string,
	messageID string,
	emojiID string,
	opts ...discordgo.RequestOption,
) error {
	err := d.Session.MessageReactionAdd(channelID, messageID, emojiID, opts...)
	if err != nil {
		d.logger.Warn(
			"reaction failed",
			tint.Err(err),
			"channel_id", channelID,
			"message_id", messageID,
			"emoji", emojiID,
		)
	}
	return err
}

func (d DiscordSession) ApplicationCommandBulkOverwrite(
	appID string,
	guildID string,
	commands []*discordgo.ApplicationCommand,
	options ...discordgo.RequestOption,
) ([]*discordgo.ApplicationCommand, error) {
	registered, err := d.Session.ApplicationCommandBulkOverwrite(appID, guildID, commands, options...)
	for _, c := range registered {
		d.logger.Debug("registered command", "command", c.Name, "command_id", c.ID)
	}
	return registered, err
}
