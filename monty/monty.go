package monty

import (
	"context"
	"errors"
	"fmt"
	"github.com/brianvoe/gofakeit/v6"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/robfig/cron"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"
)

var (
	// When building, set these like:
	// -ldflags "-X github.com/burtonwilliamt/Monty/monty.Version=$$(date +'%Y%m%d')"

	Version   = "dev"
	CommitSHA = "unknown"
	BuildTime = "unknown"
)

const pausedMessage = "I'm taking a break, no credits are changing hands right now."

// Monty is the bot: its ledger, discord connection, admin API and
// scheduled jobs.
type Monty struct {
	config *Config

	db     *gorm.DB
	ownsDB bool
	ledger *Ledger

	logger     *slog.Logger
	logHandler slog.Handler
	logWriter  io.Writer

	discord              *Discord
	api                  *API
	discordWebhookServer *DiscordWebhookServer
	dictionary           *dictionaryClient

	registry       *prometheus.Registry
	ledgerMetrics  *ledgerMetrics
	commandMetrics *commandMetrics
	httpMetrics    *httpMetrics

	// signalStop stops Run, ex: from /api/quit
	signalStop chan struct{}

	// signalReady receives a value once Run has finished starting up
	signalReady chan struct{}

	// eventShutdown receives a value when shutdown finishes
	eventShutdown chan struct{}

	runMu     sync.Mutex
	startedAt time.Time

	paused atomic.Bool

	// pendingSetup is true until admin credentials are set. The admin API
	// refuses authenticated routes until then.
	pendingSetup atomic.Bool

	runtimeConfig *RuntimeConfig
	cfgMu         sync.RWMutex

	begCooldowns *cooldowns
	scheduler    *cron.Cron
	faker        *gofakeit.Faker
	randIntN     func(n int) int

	// getInteractionHandlerFunc returns the InteractionHandler for a
	// gateway interaction. Tests swap it out.
	getInteractionHandlerFunc func(
		ctx context.Context,
		i *discordgo.InteractionCreate,
	) InteractionHandler
}

// New creates a Monty from the given config. Nothing is opened or started
// until Run is called. Construction errors are joined.
func New(config *Config) (*Monty, error) {
	var errs []error

	switch config.DatabaseType {
	case dbTypeSQLite, dbTypePostgres:
	default:
		errs = append(
			errs,
			errors.New("invalid database type (must be 'sqlite' or 'postgres')"),
		)
	}

	if config.HTTPClient == nil {
		config.HTTPClient = http.DefaultClient
	}
	defaults := DefaultConfig()
	if config.Economy == nil {
		config.Economy = defaults.Economy
	}
	if config.Schedule == nil {
		config.Schedule = defaults.Schedule
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	defaultRuntimeConfig := DefaultRuntimeConfig()
	m := &Monty{
		config:         config,
		signalStop:     make(chan struct{}, 1),
		signalReady:    make(chan struct{}, 1),
		eventShutdown:  make(chan struct{}, 1),
		registry:       registry,
		ledgerMetrics:  newLedgerMetrics(registry),
		commandMetrics: newCommandMetrics(registry),
		httpMetrics:    newHTTPMetrics(registry),
		runtimeConfig:  &defaultRuntimeConfig,
		begCooldowns:   newCooldowns(config.Economy.BegCooldown),
		faker:          gofakeit.New(0),
		randIntN:       rand.Intn,
		dictionary:     newDictionaryClient(config.DictionaryURL, config.HTTPClient),
	}

	m.logWriter = newLogWriter(config.LogFile)
	m.logHandler = newLogHandler(m.logWriter, config.LogLevel)
	m.logger = slog.New(m.logHandler)
	slog.SetDefault(m.logger)

	config.Discord.httpClient = config.HTTPClient
	disc, err := newDiscord(config.Discord)
	if err != nil {
		errs = append(errs, err)
		return m, errors.Join(errs...)
	}

	discordgo.Logger = discordgoLoggerFunc(
		context.Background(),
		newLogHandler(m.logWriter, config.Discord.DiscordGoLogLevel).WithAttrs(
			[]slog.Attr{slog.String(loggerNameKey, "discordgo")},
		),
	)
	disc.logger = slog.New(
		newLogHandler(m.logWriter, config.Discord.LogLevel),
	).With(loggerNameKey, "discord")
	disc.metrics = newGatewayMetrics(registry)
	disc.m = m
	m.discord = disc

	api, err := newAPI(m, config.API)
	errs = append(errs, err)
	m.api = api

	if config.Discord.WebhookServer.Enabled {
		webhookServer, e := newWebhookServer(m, config.Discord.WebhookServer)
		errs = append(errs, e)
		m.discordWebhookServer = webhookServer
	}

	return m, errors.Join(errs...)
}

// ValidateConfig checks the config's binding tags, and the leaderboard
// cron spec if one is set.
func (m *Monty) ValidateConfig() error {
	if err := structValidator.Struct(m.config); err != nil {
		return err
	}
	if sched := m.config.Schedule; sched != nil && sched.LeaderboardCron != "" {
		if _, err := cron.Parse(sched.LeaderboardCron); err != nil {
			return fmt.Errorf("invalid leaderboard cron spec: %w", err)
		}
	}
	return nil
}

// RuntimeConfig returns a copy of the current runtime configuration
func (m *Monty) RuntimeConfig() RuntimeConfig {
	m.cfgMu.RLock()
	defer m.cfgMu.RUnlock()
	return *m.runtimeConfig
}

// Ledger returns the bot's ledger. It's nil until Run has initialized
// the database.
func (m *Monty) Ledger() *Ledger {
	return m.ledger
}

// RegisterSlashCommands overwrites the bot's application commands.
func (m *Monty) RegisterSlashCommands(options ...discordgo.RequestOption) (
	[]*discordgo.ApplicationCommand,
	error,
) {
	if m.discord.session == nil {
		session, err := m.discord.newSession()
		if err != nil {
			return nil, err
		}
		m.discord.session = session
	}
	return m.discord.registerCommands(options...)
}

// Run initializes the database and ledger, starts the API and webhook
// servers, connects to discord and blocks until ctx is cancelled or a stop
// signal is received, then shuts down.
//
// A [LedgerCorruptionError] while loading balances aborts startup.
func (m *Monty) Run(ctx context.Context) error {
	m.runMu.Lock()
	defer m.runMu.Unlock()

	m.startedAt = time.Now()
	logger := m.logger

	if err := m.ValidateConfig(); err != nil {
		logger.Error("invalid config", tint.Err(err))
		return err
	}

	ctx = WithLogger(ctx, logger)
	logger.LogAttrs(ctx, slog.LevelInfo, "starting", slog.Any("config", m.config))

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		select {
		case <-m.signalStop:
			logger.Warn("got stop signal, canceling")
			cancel()
		case <-ctx.Done():
		}
	}()

	startCtx, startCancel := context.WithTimeout(ctx, m.config.StartupTimeout)
	defer startCancel()

	if err := m.initRun(startCtx); err != nil {
		logger.ErrorContext(ctx, "init error", tint.Err(err))
		m.closeDB()
		return err
	}
	logger.InfoContext(ctx, "init complete")

	servers, serversCtx := errgroup.WithContext(ctx)
	servers.Go(
		func() error {
			return ignoreServerClosed(m.api.Serve(serversCtx))
		},
	)
	if m.discordWebhookServer != nil {
		servers.Go(
			func() error {
				return ignoreServerClosed(m.discordWebhookServer.Serve(serversCtx))
			},
		)
	}

	runtimeWG := &sync.WaitGroup{}
	runtimeCfg := m.RuntimeConfig()
	if m.discordWebhookServer == nil && !runtimeCfg.DiscordGatewayEnabled {
		logger.WarnContext(ctx, "discord gateway and webhook server disabled")
	}

	if err := m.initDiscordSession(ctx, runtimeWG); err != nil {
		logger.ErrorContext(ctx, "error creating discord session", tint.Err(err))
		cancel()
		return errors.Join(err, m.shutdown(ctx, runtimeWG, servers))
	}
	if err := m.discordInit(ctx, runtimeCfg); err != nil {
		cancel()
		return errors.Join(err, m.shutdown(ctx, runtimeWG, servers))
	}
	if _, err := m.RegisterSlashCommands(); err != nil {
		logger.ErrorContext(ctx, "error registering commands", tint.Err(err))
	}
	if err := m.startScheduler(ctx); err != nil {
		cancel()
		return errors.Join(err, m.shutdown(ctx, runtimeWG, servers))
	}

	select {
	case m.signalReady <- struct{}{}:
	default:
	}
	logger.InfoContext(ctx, "ready")

	select {
	case <-ctx.Done():
	case <-serversCtx.Done():
		logger.ErrorContext(ctx, "server stopped unexpectedly")
	}
	return m.shutdown(ctx, runtimeWG, servers)
}

// initRun opens the database, loads the ledger and the runtime config.
func (m *Monty) initRun(ctx context.Context) error {
	if err := m.initDB(ctx); err != nil {
		return fmt.Errorf("error initializing database: %w", err)
	}

	cfg, created, err := LoadRuntimeConfig(ctx, m.db)
	if err != nil {
		return err
	}
	if created {
		m.logger.InfoContext(ctx, "created default runtime config")
	}
	if validationErr := structValidator.Struct(cfg); validationErr != nil {
		return fmt.Errorf("invalid runtime config: %w", validationErr)
	}

	m.pendingSetup.Store(!cfg.HasAdminCredentials())
	if m.pendingSetup.Load() {
		m.logger.WarnContext(
			ctx,
			"admin credentials not set, run 'monty init' or POST "+apiPathSetup,
		)
	}
	m.paused.Store(cfg.Paused)
	m.setRuntimeLevels(cfg)

	m.cfgMu.Lock()
	m.runtimeConfig = &cfg
	m.cfgMu.Unlock()
	return nil
}

// initDB opens the database (unless one was already set), migrates it and
// builds the ledger from the transaction log.
func (m *Monty) initDB(ctx context.Context) error {
	if m.db == nil {
		handler := newLogHandler(m.logWriter, m.config.DatabaseLogLevel)
		gormLogger := newGORMLogger(handler, m.config.DatabaseSlowThreshold)
		db, err := openDB(ctx, m.config.DatabaseType, m.config.Database, gormLogger)
		if err != nil {
			return err
		}
		m.db = db
		m.ownsDB = true
	}

	m.logger.DebugContext(ctx, "migrating database")
	if err := migrateDB(ctx, m.db); err != nil {
		return err
	}

	ledger, err := NewLedger(
		ctx,
		m.db,
		WithLedgerLogger(m.logger),
		withLedgerMetrics(m.ledgerMetrics),
	)
	if err != nil {
		return err
	}
	m.ledger = ledger
	return nil
}

func (m *Monty) closeDB() {
	if m.db == nil || !m.ownsDB {
		return
	}
	sqlDB, err := m.db.DB()
	if err != nil {
		return
	}
	if err = sqlDB.Close(); err != nil {
		m.logger.Error("error closing database", tint.Err(err))
	}
}

// initDiscordSession creates the discord session if needed, and adds the
// gateway event handlers. Each interaction is handled in its own
// goroutine, tracked by runtimeWG.
func (m *Monty) initDiscordSession(ctx context.Context, runtimeWG *sync.WaitGroup) error {
	if m.discord.session == nil {
		session, err := m.discord.newSession()
		if err != nil {
			return fmt.Errorf("error creating discord session: %w", err)
		}
		m.discord.session = session
	}

	for _, remove := range m.discord.removeHandlers {
		remove()
	}

	m.discord.session.SetIdentify(
		discordgo.Identify{
			Intents:  m.config.Discord.GatewayIntents,
			Presence: getDiscordPresenceStatusUpdate(m.RuntimeConfig()),
		},
	)

	m.discord.removeHandlers = []func(){
		m.discord.session.AddHandler(m.discord.handlerConnect()),
		m.discord.session.AddHandler(m.discord.handlerDisconnect()),
		m.discord.session.AddHandler(m.discord.handlerReady()),
		m.discord.session.AddHandler(
			func(_ *discordgo.Session, i *discordgo.InteractionCreate) {
				handler := m.interactionHandler(ctx, i)
				runtimeWG.Add(1)
				go func() {
					defer runtimeWG.Done()
					m.handleInteraction(ctx, handler)
				}()
			},
		),
	}
	return nil
}

// discordInit opens the gateway connection, if it's enabled.
func (m *Monty) discordInit(ctx context.Context, runtimeCfg RuntimeConfig) error {
	if !runtimeCfg.DiscordGatewayEnabled {
		return nil
	}
	m.logger.InfoContext(ctx, "connecting to discord")
	if err := m.discord.session.Open(); err != nil {
		m.logger.ErrorContext(ctx, "error connecting to discord", tint.Err(err))
		return fmt.Errorf("error connecting to discord: %w", err)
	}
	return nil
}

// interactionHandler returns the [InteractionHandler] for an interaction.
func (m *Monty) interactionHandler(
	ctx context.Context,
	i *discordgo.InteractionCreate,
) InteractionHandler {
	if m.getInteractionHandlerFunc != nil {
		return m.getInteractionHandlerFunc(ctx, i)
	}
	logger, ok := ContextLogger(ctx)
	if !ok || logger == nil {
		logger = m.logger
	}
	return GatewayHandler{
		session:     m.discord.session,
		interaction: i,
		logger:      logger.With(slog.Group("interaction", interactionLogAttrs(*i)...)),
	}
}

// handleInteraction records the interaction and dispatches it by type and
// command name.
func (m *Monty) handleInteraction(ctx context.Context, handler InteractionHandler) {
	i := handler.GetInteraction()
	logger := handler.Logger()
	if logger == nil {
		logger = m.logger
	}
	ctx = WithLogger(ctx, logger)

	discordUser := getDiscordUser(i)
	if discordUser == nil {
		logger.ErrorContext(ctx, "no user found in interaction")
		return
	}

	if m.RuntimeConfig().RecoverPanic {
		defer func() {
			if rc := recover(); rc != nil {
				m.handleRecover(ctx, rc)
			}
		}()
	}

	logger.InfoContext(
		ctx,
		"received new interaction",
		"user_id", discordUser.ID,
		"username", discordUser.Username,
	)

	wg := &sync.WaitGroup{}
	defer wg.Wait()

	interactionLog, err := newInteractionLog(i, discordUser, handler)
	switch {
	case err != nil:
		logger.ErrorContext(ctx, "error marshaling interaction", tint.Err(err))
	case m.db != nil:
		wg.Add(1)
		go func() {
			defer wg.Done()
			if createErr := m.db.WithContext(ctx).Create(interactionLog).Error; createErr != nil {
				logger.ErrorContext(ctx, "error logging interaction", tint.Err(createErr))
			}
		}()
	}

	if discordUser.Bot {
		logger.WarnContext(ctx, "user is bot, ignoring")
		return
	}

	switch i.Type {
	case discordgo.InteractionPing:
		err = handler.Respond(
			ctx,
			&discordgo.InteractionResponse{Type: discordgo.InteractionResponsePong},
		)
	case discordgo.InteractionApplicationCommand:
		err = m.runCommand(ctx, handler, i.ApplicationCommandData().Name)
	case discordgo.InteractionMessageComponent:
		err = m.runComponent(ctx, handler, i.MessageComponentData().CustomID)
	default:
		logger.WarnContext(ctx, "unhandled interaction type")
	}

	if err != nil {
		logger.ErrorContext(ctx, "error handling interaction", tint.Err(err))
		if respErr := handler.Respond(
			ctx,
			ephemeralResponse(m.RuntimeConfig().DiscordErrorMessage),
		); respErr != nil {
			logger.ErrorContext(ctx, "error sending error response", tint.Err(respErr))
		}
	}
}

// runCommand runs the named application command. An error is only
// returned when nothing has been sent to the user yet.
func (m *Monty) runCommand(
	ctx context.Context,
	handler InteractionHandler,
	name string,
) error {
	m.commandMetrics.observe(name)

	if economyCommands[name] && m.paused.Load() {
		return handler.Respond(ctx, ephemeralResponse(pausedMessage))
	}

	switch name {
	case commandBeg:
		return m.commandBeg(ctx, handler)
	case commandBalance:
		return m.commandBalance(ctx, handler)
	case commandLeaderboard:
		return m.commandLeaderboard(ctx, handler)
	case commandLootBox:
		return m.commandLootBox(ctx, handler)
	case commandMock:
		return m.commandMock(ctx, handler)
	case commandBehold:
		return m.commandBehold(ctx, handler)
	case commandCeleryMan:
		return m.commandCeleryMan(ctx, handler)
	case commandAnon:
		return m.commandAnon(ctx, handler)
	case commandUD:
		return m.commandUD(ctx, handler)
	case commandRandomEmoji:
		return m.commandRandomEmoji(ctx, handler)
	case commandFakePerson:
		return m.commandFakePerson(ctx, handler)
	default:
		return fmt.Errorf("unknown command: %q", name)
	}
}

// runComponent handles button clicks.
func (m *Monty) runComponent(
	ctx context.Context,
	handler InteractionHandler,
	customID string,
) error {
	switch customID {
	case lootBoxOpenCustomID:
		m.commandMetrics.observe(customID)
		if m.paused.Load() {
			return handler.Respond(ctx, ephemeralResponse(pausedMessage))
		}
		return m.openLootBox(ctx, handler)
	default:
		return fmt.Errorf("unknown component: %q", customID)
	}
}

// handleRecover logs a recovered panic along with its stack trace.
func (*Monty) handleRecover(ctx context.Context, rc any) {
	logger, ok := ContextLogger(ctx)
	if logger == nil || !ok {
		logger = slog.Default()
	}
	stackTrace := string(debug.Stack())
	switch v := rc.(type) {
	case error:
		logger.ErrorContext(ctx, "recovered from panic", tint.Err(v), "stack_trace", stackTrace)
	case string:
		logger.ErrorContext(
			ctx,
			"recovered from panic",
			tint.Err(errors.New(v)),
			"stack_trace", stackTrace,
		)
	default:
		logger.ErrorContext(
			ctx,
			"recovered from panic",
			"panic_arg", rc,
			"stack_trace", stackTrace,
		)
	}
}

// Pause stops economy commands from moving credits. The paused state is
// persisted, so it survives a restart. It returns false if the bot was
// already paused.
func (m *Monty) Pause(ctx context.Context) bool {
	if m.paused.Swap(true) {
		return false
	}
	m.logger.WarnContext(ctx, "bot paused")
	m.setPersistedPause(ctx, true)
	if m.discord != nil && m.discord.connected.Load() {
		if err := m.discord.session.UpdateStatusComplex(
			discordgo.UpdateStatusData{
				AFK:    true,
				Status: string(discordgo.StatusDoNotDisturb),
			},
		); err != nil {
			m.logger.ErrorContext(ctx, "unable to update afk status", tint.Err(err))
		}
	}
	return true
}

// Resume undoes Pause. It returns false if the bot wasn't paused.
func (m *Monty) Resume(ctx context.Context) bool {
	if !m.paused.Swap(false) {
		return false
	}
	m.logger.InfoContext(ctx, "bot resumed")
	m.setPersistedPause(ctx, false)
	if m.discord != nil && m.discord.connected.Load() {
		if err := m.discord.session.UpdateCustomStatus(
			m.RuntimeConfig().DiscordCustomStatus,
		); err != nil {
			m.logger.ErrorContext(ctx, "unable to update online status", tint.Err(err))
		}
	}
	return true
}

func (m *Monty) setPersistedPause(ctx context.Context, paused bool) {
	m.cfgMu.Lock()
	defer m.cfgMu.Unlock()
	if m.runtimeConfig.Paused == paused {
		return
	}
	if m.db != nil {
		if err := m.db.WithContext(ctx).Model(&RuntimeConfig{}).
			Where("id = ?", m.runtimeConfig.ID).
			Update(columnRuntimeConfigPaused, paused).Error; err != nil {
			m.logger.ErrorContext(ctx, "unable to persist paused state", tint.Err(err))
			return
		}
	}
	updated := *m.runtimeConfig
	updated.Paused = paused
	m.runtimeConfig = &updated
}

// UpdateRuntimeConfig persists the non-nil fields of update, then applies
// log levels and discord status changes.
func (m *Monty) UpdateRuntimeConfig(
	ctx context.Context,
	update RuntimeConfigUpdate,
) (RuntimeConfig, error) {
	m.cfgMu.Lock()
	previous := *m.runtimeConfig
	columns := update.columns()
	if len(columns) == 0 {
		m.cfgMu.Unlock()
		return previous, nil
	}

	if err := m.db.WithContext(ctx).Model(&RuntimeConfig{}).
		Where("id = ?", previous.ID).
		Updates(columns).Error; err != nil {
		m.cfgMu.Unlock()
		return previous, fmt.Errorf("error updating runtime config: %w", err)
	}
	current := previous
	update.apply(&current)
	m.runtimeConfig = &current
	m.cfgMu.Unlock()

	m.logger.InfoContext(ctx, "updated runtime config", "updates", columns)
	m.setRuntimeLevels(current)
	m.updateDiscordStatus(ctx, previous, current)
	return current, nil
}

// updateDiscordStatus opens or closes the gateway, or updates the bot's
// status, to match a runtime config change.
func (m *Monty) updateDiscordStatus(ctx context.Context, previous, current RuntimeConfig) {
	if m.discord == nil || m.discord.session == nil {
		return
	}
	session := m.discord.session
	switch {
	case previous.DiscordGatewayEnabled && !current.DiscordGatewayEnabled:
		if err := session.Close(); err != nil {
			m.logger.ErrorContext(ctx, "error closing discord connection", tint.Err(err))
		}
	case !previous.DiscordGatewayEnabled && current.DiscordGatewayEnabled:
		session.SetIdentify(
			discordgo.Identify{
				Intents:  m.config.Discord.GatewayIntents,
				Presence: getDiscordPresenceStatusUpdate(current),
			},
		)
		if err := session.Open(); err != nil {
			m.logger.ErrorContext(ctx, "error opening discord connection", tint.Err(err))
		}
	case current.DiscordGatewayEnabled &&
		!m.paused.Load() &&
		current.DiscordCustomStatus != previous.DiscordCustomStatus:
		if err := session.UpdateCustomStatus(current.DiscordCustomStatus); err != nil {
			m.logger.ErrorContext(ctx, "error updating discord status", tint.Err(err))
		}
	}
}

// setRuntimeLevels sets each component's log level from the runtime config
func (m *Monty) setRuntimeLevels(state RuntimeConfig) {
	setLevel := func(lv *slog.LevelVar, level DBLogLevel) {
		if lv != nil && level != "" {
			lv.Set(level.Level())
		}
	}
	setLevel(m.config.LogLevel, state.LogLevel)
	setLevel(m.config.DatabaseLogLevel, state.DatabaseLogLevel)
	if m.config.API != nil {
		setLevel(m.config.API.LogLevel, state.APILogLevel)
	}
	if m.config.Discord != nil {
		setLevel(m.config.Discord.LogLevel, state.DiscordLogLevel)
		setLevel(m.config.Discord.DiscordGoLogLevel, state.DiscordGoLogLevel)
		setLevel(m.config.Discord.WebhookServer.LogLevel, state.DiscordWebhookLogLevel)
	}
}

// shutdown stops the scheduler, the discord connection and the HTTP
// servers, and waits up to ShutdownTimeout for in-flight interactions.
func (m *Monty) shutdown(
	ctx context.Context,
	runtimeWG *sync.WaitGroup,
	servers *errgroup.Group,
) error {
	m.logger.WarnContext(ctx, "shutting down", "shutdown_timeout", m.config.ShutdownTimeout)
	defer func() {
		select {
		case m.eventShutdown <- struct{}{}:
		default:
		}
	}()

	closeCtx, closeCancel := context.WithTimeout(context.Background(), m.config.ShutdownTimeout)
	defer closeCancel()

	if m.scheduler != nil {
		m.scheduler.Stop()
	}

	var errs []error
	if m.discord != nil && m.discord.session != nil && m.discord.connected.Load() {
		if err := m.discord.session.Close(); err != nil {
			errs = append(errs, fmt.Errorf("error closing discord session: %w", err))
		}
	}

	for _, srv := range m.httpServers() {
		if m.config.ShutdownTimeout <= 0 {
			errs = append(errs, srv.Close())
			continue
		}
		if err := srv.Shutdown(closeCtx); err != nil {
			errs = append(errs, err)
			_ = srv.Close()
		}
	}

	done := make(chan struct{})
	go func() {
		runtimeWG.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-closeCtx.Done():
		errs = append(errs, errors.New("interactions did not finish in time"))
	}

	if err := servers.Wait(); err != nil {
		errs = append(errs, err)
	}
	m.closeDB()

	m.logger.InfoContext(ctx, "shutdown complete", "uptime", time.Since(m.startedAt))
	return errors.Join(errs...)
}

func (m *Monty) httpServers() []*http.Server {
	var rv []*http.Server
	if m.api != nil {
		rv = append(rv, m.api.httpServer)
	}
	if m.discordWebhookServer != nil {
		rv = append(rv, m.discordWebhookServer.httpServer)
	}
	return rv
}

func ignoreServerClosed(err error) error {
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// startScheduler posts the leaderboard on the configured cron schedule.
func (m *Monty) startScheduler(ctx context.Context) error {
	sched := m.config.Schedule
	if sched == nil || !sched.enabled() {
		return nil
	}
	guildID, err := parseSnowflake(sched.LeaderboardGuildID)
	if err != nil {
		return fmt.Errorf("invalid leaderboard guild: %w", err)
	}

	c := cron.New()
	if err = c.AddFunc(
		sched.LeaderboardCron,
		func() {
			m.postLeaderboard(ctx, sched.LeaderboardChannelID, guildID)
		},
	); err != nil {
		return fmt.Errorf("invalid leaderboard cron spec: %w", err)
	}
	c.Start()
	m.scheduler = c
	m.logger.InfoContext(
		ctx,
		"scheduled leaderboard",
		"cron", sched.LeaderboardCron,
		"channel_id", sched.LeaderboardChannelID,
		"guild_id", guildID,
	)
	return nil
}

// postLeaderboard sends the guild's leaderboard to the channel as an embed
func (m *Monty) postLeaderboard(ctx context.Context, channelID string, guildID int64) {
	logger := m.logger.With(loggerNameKey, "scheduler", "guild_id", guildID)
	entries := m.ledger.Leaderboard(guildID)
	if len(entries) == 0 {
		logger.InfoContext(ctx, "no balances, skipping leaderboard")
		return
	}
	embed := &discordgo.MessageEmbed{
		Title:       "Leaderboard",
		Description: m.formatLeaderboard(formatSnowflake(guildID), entries),
		Timestamp:   time.Now().UTC().Format(time.RFC3339),
	}
	if _, err := m.discord.session.ChannelMessageSendEmbed(channelID, embed); err != nil {
		logger.ErrorContext(ctx, "error posting leaderboard", tint.Err(err))
		return
	}
	logger.InfoContext(ctx, "posted leaderboard", "entries", len(entries))
}
