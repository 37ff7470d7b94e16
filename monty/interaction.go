package monty

import (
	"context"
	"encoding/json"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"log/slog"
)

// InteractionLog is the stored record of every interaction received,
// successful or not.
//
//nolint:lll // struct tags can't be split
type InteractionLog struct {
	ModelUintID
	InteractionID string                          `json:"interaction_id" gorm:"not null"`
	Method        DiscordInteractionReceiveMethod `json:"method" gorm:"type:string"`
	Type          string                          `json:"type" gorm:"type:string"`
	Command       string                          `json:"command" gorm:"type:string;index"`
	UserID        string                          `json:"user_id" gorm:"not null;index"`
	Username      string                          `json:"username" gorm:"type:string"`
	GuildID       string                          `json:"guild_id" gorm:"type:string;index"`
	ChannelID     string                          `json:"channel_id" gorm:"type:string"`
	Context       string                          `json:"context" gorm:"type:string"`
	Payload       string                          `json:"payload" gorm:"type:string"`
	CreatedAt     int64                           `json:"created_at,omitempty" gorm:"autoCreateTime:milli"`
}

func newInteractionLog(
	i *discordgo.InteractionCreate,
	u *discordgo.User,
	handler InteractionHandler,
) (*InteractionLog, error) {
	payload, err := json.Marshal(i)
	if err != nil {
		return nil, fmt.Errorf("error encoding interaction %s: %w", i.ID, err)
	}
	return &InteractionLog{
		InteractionID: i.ID,
		Method:        handler.InteractionReceiveMethod(),
		Type:          i.Type.String(),
		Command:       interactionCommandName(i),
		UserID:        u.ID,
		Username:      u.String(),
		GuildID:       i.GuildID,
		ChannelID:     i.ChannelID,
		Context:       interactionContextName(i.Context),
		Payload:       string(payload),
	}, nil
}

// interactionCommandName is the slash command name, or the custom ID of
// the button that was pressed
func interactionCommandName(i *discordgo.InteractionCreate) string {
	switch i.Type {
	case discordgo.InteractionApplicationCommand:
		return i.ApplicationCommandData().Name
	case discordgo.InteractionMessageComponent:
		return i.MessageComponentData().CustomID
	default:
		return ""
	}
}

func interactionContextName(c discordgo.InteractionContextType) string {
	switch c {
	case discordgo.InteractionContextGuild:
		return "guild"
	case discordgo.InteractionContextBotDM:
		return "bot_dm"
	case discordgo.InteractionContextPrivateChannel:
		return "private_channel"
	default:
		return "unknown"
	}
}

// InteractionHandler responds to a single Discord interaction. Commands
// are written against this interface, so they behave the same whether the
// interaction arrived over the gateway or the webhook server.
type InteractionHandler interface {
	// Respond sends the initial response to the interaction.
	Respond(ctx context.Context, i *discordgo.InteractionResponse) error

	// Edit modifies an existing interaction response.
	Edit(
		ctx context.Context,
		e *discordgo.WebhookEdit,
		opts ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	// GetInteraction returns the original InteractionCreate event.
	GetInteraction() *discordgo.InteractionCreate

	// InteractionReceiveMethod returns the method used to receive the
	// interaction (webhook or gateway).
	InteractionReceiveMethod() DiscordInteractionReceiveMethod

	Logger() *slog.Logger
}

// GatewayHandler answers interactions received over the gateway
// websocket, using the session's REST calls.
type GatewayHandler struct {
	session     DiscordSessionHandler
	interaction *discordgo.InteractionCreate
	logger      *slog.Logger
}

func (GatewayHandler) InteractionReceiveMethod() DiscordInteractionReceiveMethod {
	return discordInteractionReceiveMethodGateway
}

func (g GatewayHandler) GetInteraction() *discordgo.InteractionCreate {
	return g.interaction
}

func (g GatewayHandler) Logger() *slog.Logger {
	return g.logger
}

func (g GatewayHandler) Respond(
	ctx context.Context,
	response *discordgo.InteractionResponse,
) error {
	err := g.session.InteractionRespond(g.interaction.Interaction, response)
	g.logResult(ctx, "respond", err)
	return err
}

func (g GatewayHandler) Edit(
	ctx context.Context,
	edit *discordgo.WebhookEdit,
	opts ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	msg, err := g.session.InteractionResponseEdit(g.interaction.Interaction, edit, opts...)
	g.logResult(ctx, "edit", err)
	return msg, err
}

func (g GatewayHandler) logResult(ctx context.Context, action string, err error) {
	if err != nil {
		g.logger.ErrorContext(ctx, "interaction "+action+" failed", tint.Err(err))
		return
	}
	g.logger.DebugContext(ctx, "interaction "+action+" sent")
}

func channelMessage(data *discordgo.InteractionResponseData) *discordgo.InteractionResponse {
	return &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: data,
	}
}

// messageResponse is a plain text reply. Mentions in content are not
// pinged.
func messageResponse(content string) *discordgo.InteractionResponse {
	return channelMessage(
		&discordgo.InteractionResponseData{
			Content:         content,
			AllowedMentions: &discordgo.MessageAllowedMentions{Parse: []discordgo.AllowedMentionType{}},
		},
	)
}

// ephemeralResponse is a text reply only the invoking user can see
func ephemeralResponse(content string) *discordgo.InteractionResponse {
	rv := messageResponse(content)
	rv.Data.Flags |= discordgo.MessageFlagsEphemeral
	return rv
}

func embedResponse(
	embed *discordgo.MessageEmbed,
	components ...discordgo.MessageComponent,
) *discordgo.InteractionResponse {
	return channelMessage(
		&discordgo.InteractionResponseData{
			Embeds:     []*discordgo.MessageEmbed{embed},
			Components: components,
		},
	)
}

// deferredResponse acknowledges the interaction, so the final response
// can be sent later with Edit.
func deferredResponse(ephemeral bool) *discordgo.InteractionResponse {
	data := &discordgo.InteractionResponseData{}
	if ephemeral {
		data.Flags = discordgo.MessageFlagsEphemeral
	}
	return &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseDeferredChannelMessageWithSource,
		Data: data,
	}
}
