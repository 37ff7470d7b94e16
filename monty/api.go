package monty

import (
	"context"
	"errors"
	"fmt"
	"github.com/gin-contrib/cors"
	ginPprof "github.com/gin-contrib/pprof"
	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/securecookie"
	gsessions "github.com/gorilla/sessions"
	"github.com/lmittmann/tint"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"
	"log/slog"
	"net"
	"net/http"
	"time"
)

const (
	pprofPrefix                  = "/debug"
	apiPrefix                    = "/api"
	apiPathPause                 = "/pause"
	apiPathResume                = "/resume"
	apiPathQuit                  = "/quit"
	apiPathLogin                 = "/login"
	apiPathLogout                = "/logout"
	apiPathLoggedIn              = "/logged_in"
	apiPathRegisterCommands      = "/discord/register_commands"
	apiHealthCheck               = "/healthz"
	apiPathMetrics               = "/metrics"
	apiPathConfig                = "/config"
	apiPathSetup                 = "/setup"
	apiPathSetupStatus           = "/setup/status"
	apiPathGuildBalances         = "/guilds/:guild_id/balances"
	apiPathGuildUser             = "/guilds/:guild_id/users/:user_id"
	apiPathGuildUserTransactions = "/guilds/:guild_id/users/:user_id/transactions"
)

const (
	xRequestIDHeader = "X-Request-ID"
	sessionVarName   = "user"
	sessionVarField  = "username"

	defaultHistoryLimit = 20
)

// API is the admin HTTP server: ledger inspection and adjustment, and
// runtime controls (pause, resume, quit, config).
type API struct {
	config              *APIConfig
	httpServer          *http.Server
	listener            net.Listener
	engine              *gin.Engine
	store               CookieStore
	loginRequestLimiter *rate.Limiter
	logger              *slog.Logger

	handlers *APIHandlers
}

// newAPI sets up the gin engine, session store, middleware and routes.
func newAPI(m *Monty, config *APIConfig) (*API, error) {
	logger := slog.New(
		newLogHandler(m.logWriter, config.LogLevel),
	).With(loggerNameKey, "api")

	r := gin.New()

	api := &API{
		config:              config,
		engine:              r,
		logger:              logger,
		loginRequestLimiter: rate.NewLimiter(rate.Limit(1), 1),
	}
	handlers := newAPIHandlers(m, api, logger)
	api.handlers = handlers
	api.store = handlers.store

	httpServer, err := newHTTPServer(
		r,
		httpServerOptions{
			ssl:        config.SSL,
			read:       config.ReadTimeout,
			readHeader: config.ReadHeaderTimeout,
			write:      config.WriteTimeout,
			idle:       config.IdleTimeout,
		},
	)
	if err != nil {
		return nil, fmt.Errorf("api: %w", err)
	}
	api.httpServer = httpServer

	corsConfig := config.CORS.GINConfig()
	if len(corsConfig.AllowOrigins) == 0 && config.Development {
		corsConfig.AllowOrigins = []string{"*"}
		corsConfig.AllowCredentials = false
	}

	if !config.Development {
		r.Use(gin.Recovery())
	}
	r.Use(
		requestIDMiddleware(),
		ginLoggingMiddleware(logger),
		m.httpMetrics.middleware(),
		sessions.Sessions(sessionVarName, handlers.store),
	)
	if len(corsConfig.AllowOrigins) > 0 {
		r.Use(cors.New(corsConfig))
	}

	r.GET(apiHealthCheck, handlers.healthCheck)
	r.GET(
		apiPathMetrics,
		gin.WrapH(promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})),
	)
	r.POST(apiPathLogin, handlers.loginHandler)
	r.POST(apiPathLogout, handlers.logoutHandler)
	r.POST(apiPathSetup, handlers.adminSetup)
	r.GET(apiPathSetupStatus, handlers.setupStatus)

	if config.Development {
		ginPprof.Register(r, pprofPrefix)
	}

	protected := r.Group(apiPrefix)
	protected.Use(authMiddleware(m, handlers.store))

	protected.GET(apiPathLoggedIn, handlers.loggedIn)
	protected.GET(apiPathGuildBalances, handlers.getGuildBalances)
	protected.GET(apiPathGuildUser, handlers.getGuildUser)
	protected.POST(apiPathGuildUserTransactions, handlers.createTransaction)
	protected.POST(apiPathPause, handlers.botPause)
	protected.POST(apiPathResume, handlers.botResume)
	protected.POST(apiPathQuit, handlers.botQuit)
	protected.POST(apiPathRegisterCommands, handlers.discordRegisterCommands)
	protected.GET(apiPathConfig, handlers.getConfig)
	protected.PATCH(apiPathConfig, handlers.updateRuntimeConfig)

	return api, nil
}

// Serve listens on the configured address and serves until the server is
// shut down.
func (a *API) Serve(ctx context.Context) error {
	if a.listener == nil {
		ln, err := listen(ctx, a.httpServer, a.config.ListenNetwork, a.config.Listen)
		if err != nil {
			return fmt.Errorf("error starting api listener: %w", err)
		}
		if a.httpServer.TLSConfig == nil {
			a.logger.WarnContext(ctx, "serving api without TLS", "listen", a.config.Listen)
		}
		a.listener = ln
	}
	return a.httpServer.Serve(a.listener)
}

func (a *API) getSessionUsername(c *gin.Context) (string, error) {
	session, err := a.store.Get(c.Request, sessionVarName)
	if err != nil {
		return "", err
	}
	username, ok := session.Values[sessionVarField].(string)
	if !ok || username == "" {
		return "", errors.New("username not found in session")
	}
	return username, nil
}

type CookieStore interface {
	sessions.Store
}

func NewCookieStore(keyPairs ...[]byte) CookieStore {
	return &cookieStore{gsessions.NewCookieStore(keyPairs...)}
}

type cookieStore struct {
	*gsessions.CookieStore
}

func (c *cookieStore) Options(options sessions.Options) {
	c.CookieStore.Options = options.ToGorillaOptions()
}

// APIHandlers contains the handlers for the admin API endpoints.
type APIHandlers struct {
	m      *Monty
	api    *API
	logger *slog.Logger
	store  CookieStore
}

func newAPIHandlers(m *Monty, api *API, logger *slog.Logger) *APIHandlers {
	var secretKey []byte
	switch sk := api.config.Secret; {
	case sk == "":
		logger.Warn(
			"api secret not set, generating random secret " +
				"(sessions will not persist across restarts)",
		)
		secretKey = securecookie.GenerateRandomKey(64)
	default:
		secretKey = derive64ByteKey(sk)
	}

	store := NewCookieStore(secretKey)
	store.Options(api.sessionOptions())
	return &APIHandlers{m: m, api: api, logger: logger, store: store}
}

func (a *API) sessionOptions() sessions.Options {
	sameSite := http.SameSiteStrictMode
	if a.config.Development {
		sameSite = http.SameSiteNoneMode
	}
	return sessions.Options{
		Path:     "/",
		HttpOnly: true,
		Secure:   true,
		MaxAge:   int(a.config.SessionMaxAge.Seconds()),
		SameSite: sameSite,
	}
}

// setupStatus reports whether admin credentials still need to be set.
func (h *APIHandlers) setupStatus(c *gin.Context) {
	c.JSON(http.StatusOK, setupResponse{Required: h.m.pendingSetup.Load()})
}

// adminSetup sets the initial admin credentials. It's only allowed while
// setup is pending.
//
// Responses:
//   - 201 Created: credentials were set
//   - 400 Bad Request: invalid payload
//   - 403 Forbidden: setup isn't pending
//   - 500 Internal Server Error: the credentials couldn't be saved
func (h *APIHandlers) adminSetup(c *gin.Context) {
	h.m.cfgMu.Lock()
	defer h.m.cfgMu.Unlock()

	if !h.m.pendingSetup.Load() {
		c.JSON(http.StatusForbidden, httpError{Error: "Forbidden"})
		return
	}

	logger := ginContextLogger(c)
	logger.Info("first time admin setup")

	var payload adminSetupPayload
	if e := c.ShouldBindJSON(&payload); e != nil {
		logger.Error("bad payload", tint.Err(e))
		c.JSON(http.StatusBadRequest, httpError{Error: e.Error()})
		return
	}

	if err := SetAdminCredentials(
		c.Request.Context(),
		h.m.db,
		h.m.runtimeConfig,
		payload.Username,
		payload.Password,
	); err != nil {
		logger.Error("admin setup failed", tint.Err(err))
		c.JSON(http.StatusInternalServerError, httpError{Error: "error setting admin credentials"})
		return
	}
	h.m.pendingSetup.Store(false)
	c.JSON(http.StatusCreated, httpReply{Message: "admin credentials set"})
}

// loginHandler checks the given credentials against the stored admin
// credentials and starts a session.
//
// Responses:
//   - 200 OK: logged in
//   - 400 Bad Request: invalid payload
//   - 401 Unauthorized: bad credentials, or credentials not set
//   - 429 Too Many Requests: rate limited
func (h *APIHandlers) loginHandler(c *gin.Context) {
	logger := ginContextLogger(c)
	if !h.api.loginRequestLimiter.Allow() {
		logger.Warn("login rate limited")
		c.AbortWithStatusJSON(http.StatusTooManyRequests, httpError{Error: "too many requests"})
		return
	}

	var login userLogin
	if err := c.ShouldBindJSON(&login); err != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}

	switch err := h.m.RuntimeConfig().CheckLogin(login.Username, login.Password); {
	case errors.Is(err, ErrAdminNotConfigured), errors.Is(err, ErrBadCredentials):
		logger.Warn("login rejected", "username", login.Username, tint.Err(err))
		c.JSON(http.StatusUnauthorized, httpError{Error: "Unauthorized"})
		return
	case err != nil:
		logger.Error("login failed", tint.Err(err))
		ginReplyError(c, "internal server error")
		return
	}

	session, err := h.store.New(c.Request, sessionVarName)
	if err != nil || session == nil {
		logger.Error("error creating session", tint.Err(err))
		ginReplyError(c, "internal server error")
		return
	}
	session.Options = h.api.sessionOptions().ToGorillaOptions()
	session.Values[sessionVarField] = login.Username
	if err = session.Save(c.Request, c.Writer); err != nil {
		logger.Error("error saving session", tint.Err(err))
		ginReplyError(c, "internal server error")
		return
	}
	logger.Info("saved user session", "username", login.Username)
	c.JSON(http.StatusOK, loggedInResponse{Username: login.Username})
}

func (h *APIHandlers) logoutHandler(c *gin.Context) {
	logger := ginContextLogger(c)
	session, err := h.store.Get(c.Request, sessionVarName)
	if err != nil {
		logger.Error("error getting session", tint.Err(err))
		c.AbortWithStatus(http.StatusInternalServerError)
		return
	}

	session.Values[sessionVarField] = ""
	session.Options = h.api.sessionOptions().ToGorillaOptions()
	session.Options.MaxAge = -1
	if err = session.Save(c.Request, c.Writer); err != nil {
		logger.Error("error saving cookie", tint.Err(err))
	}
	ginReplyMessage(c, "logged out")
}

func (h *APIHandlers) loggedIn(c *gin.Context) {
	username, err := h.api.getSessionUsername(c)
	if err != nil {
		ginContextLogger(c).Warn("error getting session username", tint.Err(err))
		c.JSON(http.StatusUnauthorized, httpError{Error: "unauthorized"})
		return
	}
	c.JSON(http.StatusOK, loggedInResponse{Username: username})
}

func (h *APIHandlers) healthCheck(c *gin.Context) {
	var connected bool
	if h.m.discord != nil {
		connected = h.m.discord.connected.Load()
	}
	var accounts int
	if h.m.ledger != nil {
		accounts = h.m.ledger.Accounts()
	}
	c.JSON(
		http.StatusOK, healthCheckResponse{
			Paused:                  h.m.paused.Load(),
			DiscordGatewayConnected: connected,
			Accounts:                accounts,
		},
	)
}

// getGuildBalances returns the guild's leaderboard.
func (h *APIHandlers) getGuildBalances(c *gin.Context) {
	guildID, err := parseSnowflake(c.Param("guild_id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}
	c.JSON(
		http.StatusOK, guildBalancesResponse{
			GuildID:  guildID,
			Balances: h.m.ledger.Leaderboard(guildID),
		},
	)
}

// getGuildUser returns a user's balance and most recent transactions.
func (h *APIHandlers) getGuildUser(c *gin.Context) {
	logger := ginContextLogger(c)
	guildID, userID, err := accountParams(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}

	var query historyQuery
	if err = c.ShouldBindQuery(&query); err != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}
	if query.Limit == 0 {
		query.Limit = defaultHistoryLimit
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), dbOperationTimeout)
	defer cancel()

	history, err := h.m.ledger.History(ctx, guildID, userID, query.Limit)
	if err != nil {
		logger.ErrorContext(ctx, "error getting history", tint.Err(err))
		ginReplyError(c, "error getting history")
		return
	}
	c.JSON(
		http.StatusOK, accountResponse{
			GuildID: guildID,
			UserID:  userID,
			Balance: h.m.ledger.Balance(guildID, userID),
			History: history,
		},
	)
}

// createTransaction applies an admin adjustment to a user's balance.
//
// Responses:
//   - 201 Created: the new transaction
//   - 400 Bad Request: invalid IDs or payload
//   - 409 Conflict: the withdrawal exceeds the user's balance
//   - 500 Internal Server Error: the transaction couldn't be recorded
func (h *APIHandlers) createTransaction(c *gin.Context) {
	logger := ginContextLogger(c)
	guildID, userID, err := accountParams(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}

	var payload transactionRequest
	if err = c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}

	username, _ := h.api.getSessionUsername(c)
	logger.Info(
		"admin adjustment",
		"admin", username,
		"guild_id", guildID,
		"user_id", userID,
		"delta", *payload.Delta,
		"reason", payload.Reason,
	)

	txn, err := h.m.ledger.ApplyTransaction(
		c.Request.Context(),
		guildID,
		userID,
		*payload.Delta,
		payload.Reason,
	)
	switch {
	case errors.Is(err, ErrInsufficientFunds):
		c.JSON(http.StatusConflict, httpError{Error: err.Error()})
	case errors.Is(err, ErrInvalidAmount):
		c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
	case err != nil:
		logger.Error("error applying transaction", tint.Err(err))
		ginReplyError(c, "error applying transaction")
	default:
		c.JSON(http.StatusCreated, txn)
	}
}

func (h *APIHandlers) botPause(c *gin.Context) {
	if !h.m.Pause(c.Request.Context()) {
		c.JSON(http.StatusConflict, httpError{Error: "already paused"})
		return
	}
	ginReplyMessage(c, "paused")
}

func (h *APIHandlers) botResume(c *gin.Context) {
	if !h.m.Resume(c.Request.Context()) {
		c.JSON(http.StatusConflict, httpError{Error: "not paused"})
		return
	}
	ginReplyMessage(c, "resumed")
}

func (h *APIHandlers) botQuit(c *gin.Context) {
	log := ginContextLogger(c)
	log.Warn("sending stop signal")
	select {
	case h.m.signalStop <- struct{}{}:
		ginReplyMessage(c, "quitting")
	case <-time.After(5 * time.Second):
		log.Warn("timeout sending stop signal")
		c.JSON(http.StatusGatewayTimeout, httpError{Error: "timeout sending stop signal"})
	}
}

func (h *APIHandlers) discordRegisterCommands(c *gin.Context) {
	log := ginContextLogger(c)
	log.Info("registering commands")

	created, err := h.m.RegisterSlashCommands()
	if err != nil {
		log.Error("error registering commands", tint.Err(err))
		c.JSON(http.StatusInternalServerError, httpError{Error: "error registering commands"})
		return
	}
	c.JSON(http.StatusCreated, created)
}

func (h *APIHandlers) getConfig(c *gin.Context) {
	c.JSON(http.StatusOK, h.m.RuntimeConfig())
}

// updateRuntimeConfig applies a partial [RuntimeConfigUpdate].
func (h *APIHandlers) updateRuntimeConfig(c *gin.Context) {
	logger := ginContextLogger(c)

	var update RuntimeConfigUpdate
	if err := c.ShouldBindJSON(&update); err != nil {
		logger.Error("bad payload", tint.Err(err))
		c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}
	if err := update.validate(); err != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}

	updated, err := h.m.UpdateRuntimeConfig(c.Request.Context(), update)
	if err != nil {
		logger.Error("error updating config", tint.Err(err))
		ginReplyError(c, "error updating config")
		return
	}
	c.JSON(http.StatusAccepted, updated)
}

// accountParams parses the guild and user IDs from the route.
func accountParams(c *gin.Context) (guildID int64, userID int64, err error) {
	guildID, err = parseSnowflake(c.Param("guild_id"))
	if err != nil {
		return 0, 0, err
	}
	userID, err = parseSnowflake(c.Param("user_id"))
	if err != nil {
		return 0, 0, err
	}
	return guildID, userID, nil
}

type historyQuery struct {
	Limit int `form:"limit" binding:"omitempty,min=1,max=100"`
}

type transactionRequest struct {
	Delta  *float64 `json:"delta" binding:"required"`
	Reason string   `json:"reason" binding:"required,max=256"`
}

type guildBalancesResponse struct {
	GuildID  int64              `json:"guild_id,string"`
	Balances []LeaderboardEntry `json:"balances"`
}

type accountResponse struct {
	GuildID int64         `json:"guild_id,string"`
	UserID  int64         `json:"user_id,string"`
	Balance float64       `json:"balance"`
	History []Transaction `json:"history"`
}

type loggedInResponse struct {
	Username string `json:"username"`
}

type healthCheckResponse struct {
	Paused                  bool `json:"paused"`
	DiscordGatewayConnected bool `json:"discord_gateway_connected"`
	Accounts                int  `json:"accounts"`
}

type httpReply struct {
	Message string `json:"message"`
}

type httpError struct {
	Error string `json:"error"`
}

type userLogin struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

type adminSetupPayload struct {
	Username        string `json:"username" binding:"required"`
	Password        string `json:"password" binding:"required,eqfield=ConfirmPassword"`
	ConfirmPassword string `json:"confirm_password" binding:"required"`
}

// setupResponse is returned by the setup status endpoint. Required is
// true until admin credentials have been set.
type setupResponse struct {
	Required bool `json:"required"`
}

// authMiddleware aborts with 401 unless the request carries a session
// for a logged-in admin.
func authMiddleware(m *Monty, store CookieStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		logger := ginContextLogger(c)
		if m.pendingSetup.Load() {
			logger.Warn("admin username and password not set")
			c.AbortWithStatusJSON(http.StatusUnauthorized, httpError{Error: "unauthorized"})
			return
		}

		session, err := store.Get(c.Request, sessionVarName)
		if err != nil || session == nil {
			logger.Warn("error getting session", tint.Err(err))
			c.AbortWithStatusJSON(http.StatusUnauthorized, httpError{Error: "unauthorized"})
			return
		}

		username, ok := session.Values[sessionVarField].(string)
		if !ok || username == "" {
			logger.Warn("username not found in session")
			c.AbortWithStatusJSON(http.StatusUnauthorized, httpError{Error: "unauthorized"})
			return
		}
		c.Next()
	}
}

// requestIDMiddleware assigns each request a UUID, set in the gin context
// and the response headers as X-Request-ID.
func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := uuid.NewString()
		c.Set(xRequestIDHeader, id)
		c.Header(xRequestIDHeader, id)
		c.Next()
	}
}

// ginContextLogger returns the request logger set by ginLoggingMiddleware,
// or creates one from slog.Default().
func ginContextLogger(c *gin.Context) *slog.Logger {
	if logger, ok := c.Get(string(loggerContextKey)); ok {
		if requestLogger, isLogger := logger.(*slog.Logger); isLogger {
			return requestLogger
		}
	}
	return setRequestLogger(c, slog.Default())
}

func setRequestLogger(c *gin.Context, logger *slog.Logger) *slog.Logger {
	requestID, _ := c.Get(xRequestIDHeader)
	path := c.Request.URL.Path
	if raw := c.Request.URL.RawQuery; raw != "" {
		path = path + "?" + raw
	}
	requestLogger := logger.With(
		slog.Group(
			"request",
			"method", c.Request.Method,
			"path", path,
			"remote_ip", c.RemoteIP(),
			"user_agent", c.Request.UserAgent(),
		),
		slog.Any(xRequestIDHeader, requestID),
	)
	c.Set(string(loggerContextKey), requestLogger)
	return requestLogger
}

// ginLoggingMiddleware sets a request logger derived from logger, and logs
// each request when it finishes.
func ginLoggingMiddleware(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		requestLogger := setRequestLogger(c, logger)
		c.Next()
		latency := time.Since(start)

		response := slog.Group(
			"response",
			"status_code", c.Writer.Status(),
			"body_size", c.Writer.Size(),
		)
		if errs := c.Errors.ByType(gin.ErrorTypePrivate); len(errs) > 0 {
			requestLogger.Error(
				fmt.Sprintf("%s %s finished with errors", c.Request.Method, c.Request.URL.Path),
				"duration", latency,
				"errors", errs.Errors(),
				response,
			)
			return
		}
		requestLogger.Info(
			fmt.Sprintf("%s %s finished", c.Request.Method, c.Request.URL.Path),
			"duration", latency,
			response,
		)
	}
}

func ginReplyMessage(c *gin.Context, message string) {
	c.JSON(http.StatusOK, httpReply{Message: message})
}

// ginReplyError aborts with a 500 and the given error message.
func ginReplyError(c *gin.Context, err string) {
	c.AbortWithStatusJSON(http.StatusInternalServerError, httpError{Error: err})
}
