package monty

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/gin-gonic/gin"
	"github.com/lmittmann/tint"
	"log/slog"
	"net/http"
)

const apiDiscordInteractions = "/discord/interactions"

// DiscordWebhookServer receives interactions as signed HTTP POSTs from
// discord, instead of over the gateway.
// See: https://discord.com/developers/docs/interactions/overview#setting-up-an-endpoint
type DiscordWebhookServer struct {
	config     DiscordWebhookServerConfig
	httpServer *http.Server
	engine     *gin.Engine
	logger     *slog.Logger
}

func (d *DiscordWebhookServer) Serve(ctx context.Context) error {
	ln, err := listen(ctx, d.httpServer, d.config.ListenNetwork, d.config.Listen)
	if err != nil {
		return fmt.Errorf("error starting webhook listener: %w", err)
	}
	if d.httpServer.TLSConfig == nil {
		d.logger.WarnContext(ctx, "serving webhooks without TLS", "listen", d.config.Listen)
	}
	return d.httpServer.Serve(ln)
}

func newWebhookServer(
	m *Monty,
	config DiscordWebhookServerConfig,
) (*DiscordWebhookServer, error) {
	engine := gin.New()
	httpServer, err := newHTTPServer(
		engine,
		httpServerOptions{
			ssl:        config.SSL,
			read:       config.ReadTimeout,
			readHeader: config.ReadHeaderTimeout,
			write:      config.WriteTimeout,
			idle:       config.IdleTimeout,
		},
	)
	if err != nil {
		return nil, fmt.Errorf("webhook server: %w", err)
	}

	srv := &DiscordWebhookServer{
		config:     config,
		httpServer: httpServer,
		engine:     engine,
		logger: slog.New(newLogHandler(m.logWriter, config.LogLevel)).With(
			loggerNameKey, "discord_webhook",
		),
	}
	engine.Use(
		gin.Recovery(),
		requestIDMiddleware(),
		ginLoggingMiddleware(srv.logger),
		requireDiscordSignature(m.discord.publicKey),
	)
	engine.POST(apiDiscordInteractions, receiveWebhookInteraction(m))
	return srv, nil
}

// WebhookHandler answers an interaction received by the webhook server.
// The first response goes back as the HTTP response body. Edits still go
// through the REST API via the embedded handler.
type WebhookHandler struct {
	ginContext *gin.Context
	InteractionHandler
}

func (WebhookHandler) InteractionReceiveMethod() DiscordInteractionReceiveMethod {
	return discordInteractionReceiveMethodWebhook
}

func (w WebhookHandler) Respond(
	_ context.Context,
	response *discordgo.InteractionResponse,
) error {
	w.ginContext.JSON(http.StatusOK, response)
	w.ginContext.Writer.Flush()
	return nil
}

func receiveWebhookInteraction(m *Monty) gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID, _ := c.Get(xRequestIDHeader)
		logger := ginContextLogger(c).With(
			"remote_ip", c.RemoteIP(),
			xRequestIDHeader, requestID,
		)
		ctx := WithLogger(c.Request.Context(), logger)

		interaction := &discordgo.InteractionCreate{}
		if err := json.NewDecoder(c.Request.Body).Decode(interaction); err != nil {
			logger.WarnContext(ctx, "undecodable interaction", tint.Err(err))
			c.JSON(http.StatusBadRequest, httpError{Error: "invalid interaction payload"})
			return
		}
		m.handleInteraction(
			ctx,
			WebhookHandler{
				ginContext:         c,
				InteractionHandler: m.interactionHandler(ctx, interaction),
			},
		)
	}
}

// requireDiscordSignature aborts with 401 unless the request carries a
// valid ed25519 signature from discord. A server with no public key
// rejects everything.
func requireDiscordSignature(publicKey ed25519.PublicKey) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !verifyRequest(c.Request, publicKey) {
			ginContextLogger(c).WarnContext(c, "rejected unsigned webhook request")
			c.AbortWithStatusJSON(http.StatusUnauthorized, httpError{Error: "invalid signature"})
			return
		}
		c.Next()
	}
}

// verifyRequest checks the X-Signature-Ed25519 and X-Signature-Timestamp
// headers against the request body, leaving the body readable afterward
func verifyRequest(r *http.Request, key ed25519.PublicKey) bool {
	if len(key) != ed25519.PublicKeySize {
		return false
	}
	return discordgo.VerifyInteraction(r, key)
}
