package main

import (
	"context"
	crypto_rand "crypto/rand"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"github.com/medora/healthalert/internal/config"
	"github.com/medora/healthalert/internal/domain/cds"
	"github.com/medora/healthalert/internal/domain/eventlog"
	"github.com/medora/healthalert/internal/domain/inbox"
	"github.com/medora/healthalert/internal/domain/portal"
	"github.com/medora/healthalert/internal/domain/reference"
	"github.com/medora/healthalert/internal/domain/session"
	"github.com/medora/healthalert/internal/platform/auth"
	"github.com/medora/healthalert/internal/platform/db"
	"github.com/medora/healthalert/internal/platform/eventbus"
	"github.com/medora/healthalert/internal/platform/middleware"
	"github.com/medora/healthalert/internal/platform/notification"
	"github.com/medora/healthalert/internal/platform/telemetry"
	"github.com/medora/healthalert/internal/platform/websocket"
)

func newLogger(cfg *config.Config) zerolog.Logger {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if cfg.IsDev() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.LogLevel))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	return logger
}

// backend is an opened event log store plus whatever must be closed with it.
type backend struct {
	kv     eventlog.KVStore
	pool   *pgxpool.Pool
	checks map[string]db.Check
	close  func() error
}

// probeKV treats a miss on a key that never exists as healthy.
func probeKV(kv eventlog.KVStore) db.Check {
	return func(ctx context.Context) error {
		_, err := kv.Get(ctx, "health:probe")
		if err == nil || errors.Is(err, eventlog.ErrNotFound) {
			return nil
		}
		return err
	}
}

func openEventLog(ctx context.Context, cfg *config.Config) (*backend, error) {
	b := &backend{checks: map[string]db.Check{}, close: func() error { return nil }}
	switch cfg.EventLogBackend {
	case config.BackendMemory:
		b.kv = eventlog.NewMemoryKV()
	case config.BackendRedis:
		client, err := eventlog.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			return nil, err
		}
		b.kv = eventlog.NewRedisKV(client, "")
		b.close = client.Close
	case config.BackendBadger:
		bdb, err := eventlog.OpenBadger(cfg.BadgerPath)
		if err != nil {
			return nil, err
		}
		b.kv = eventlog.NewBadgerKV(bdb)
		b.close = bdb.Close
	case config.BackendPostgres:
		pool, err := db.NewPool(ctx, db.PoolConfig{
			URL:      cfg.DatabaseURL,
			MaxConns: cfg.DBMaxConns,
			MinConns: cfg.DBMinConns,
		})
		if err != nil {
			return nil, err
		}
		b.kv = eventlog.NewPGKV(pool)
		b.pool = pool
		b.checks["postgres"] = db.PoolCheck(pool)
		b.close = func() error { pool.Close(); return nil }
	default:
		return nil, fmt.Errorf("unknown event log backend %q", cfg.EventLogBackend)
	}
	b.checks["eventlog"] = probeKV(b.kv)
	return b, nil
}

func referenceSource(ctx context.Context, cfg *config.Config) (reference.Source, error) {
	switch cfg.ReferenceSource {
	case config.SourceFile:
		return reference.FileSource{Path: cfg.ReferencePath}, nil
	case config.SourceHTTP:
		// the request context bounds the fetch
		return reference.NewHTTPSource(cfg.ReferenceURL, 0), nil
	case config.SourceS3:
		return reference.NewS3SourceFromEnv(ctx, cfg.ReferenceS3Bucket, cfg.ReferenceS3Key)
	default:
		return nil, fmt.Errorf("unknown reference source %q", cfg.ReferenceSource)
	}
}

// resolveSigningKey returns the configured session signing key or a random
// 32-byte key. The second return value is true when a key was generated.
func resolveSigningKey(configured string) ([]byte, bool, error) {
	if configured != "" {
		return []byte(configured), false, nil
	}
	key := make([]byte, config.MinSigningKeyBytes)
	if _, err := crypto_rand.Read(key); err != nil {
		return nil, false, fmt.Errorf("generate session signing key: %w", err)
	}
	return key, true, nil
}

func newSMSSender(cfg *config.Config, logger zerolog.Logger) notification.SMSSender {
	if cfg.SMSAPIURL == "" {
		return notification.LogSender{Logger: logger}
	}
	return notification.NewBreakerSender(
		notification.NewHTTPSMSSender(cfg.SMSAPIURL, cfg.SMSAPIKey, cfg.SMSTimeout),
		5, 30*time.Second, logger,
	)
}

// app is the fully wired server.
type app struct {
	echo      *echo.Echo
	kafka     *eventbus.KafkaBus
	reminders *notification.Reminders
	closers   []func() error
	logger    zerolog.Logger
}

func buildApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*app, error) {
	a := &app{logger: logger}

	store, err := openEventLog(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open event log: %w", err)
	}
	a.closers = append(a.closers, store.close)
	logger.Info().Str("backend", cfg.EventLogBackend).Msg("event log ready")

	src, err := referenceSource(ctx, cfg)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("reference source: %w", err)
	}
	accessor := reference.NewAccessor(src, logger)
	store.checks["reference"] = func(ctx context.Context) error {
		_, err := accessor.LoadStrict(ctx)
		return err
	}

	key, generated, err := resolveSigningKey(cfg.SessionSigningKey)
	if err != nil {
		a.close()
		return nil, err
	}
	if generated {
		logger.Warn().Msg("SESSION_SIGNING_KEY not set, using a random key; sessions will not survive a restart")
	}
	issuer := auth.NewIssuer(key, "healthalert", cfg.SessionTTL)

	metrics := telemetry.New()
	events := eventlog.NewStore(store.kv, logger, eventlog.WithMetrics(metrics))
	sessions := session.NewManager(store.kv, accessor, issuer, logger)

	var bus eventbus.Bus = eventbus.NewLocalBus()
	if cfg.KafkaEnabled() {
		kb, err := eventbus.NewKafkaBus(strings.Join(cfg.KafkaBrokers, ","), cfg.KafkaTopic, cfg.KafkaGroupID, logger)
		if err != nil {
			a.close()
			return nil, fmt.Errorf("kafka: %w", err)
		}
		a.kafka = kb
		bus = kb
	}
	a.closers = append(a.closers, bus.Close)

	hub := websocket.NewHub(logger)
	notifier := notification.NewNotifier(newSMSSender(cfg, logger), notification.NewTemplateEngine(), metrics, logger)

	engineOpts := []cds.Option{cds.WithMetrics(metrics)}
	if cfg.MLAPIURL != "" {
		engineOpts = append(engineOpts, cds.WithReportGenerator(cds.NewMLReportGenerator(cfg.MLAPIURL, cfg.MLAPITimeout)))
	}
	engine := cds.NewEngine(logger, engineOpts...)

	feeds := inbox.NewService(events, accessor, logger,
		inbox.WithBus(bus),
		inbox.WithHub(hub),
		inbox.WithNotifier(notifier),
		inbox.WithMetrics(metrics),
	)
	views := portal.NewService(accessor, events, engine, feeds, logger)

	a.reminders, err = notification.NewReminders(feeds, notifier, cfg.ReminderSchedule, logger)
	if err != nil {
		a.close()
		return nil, err
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(metrics.MetricsMiddleware())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", middleware.RequestIDHeader},
	}))
	e.Use(echomw.BodyLimit("1M"))
	e.Use(middleware.RequestTimeout(cfg.RequestTimeout))
	e.Use(auth.Middleware(issuer, auth.AuthSkipper))
	e.Use(sessions.Middleware())
	e.Use(middleware.Audit(logger))

	e.GET("/health", db.HealthHandler(store.checks, store.pool))
	e.GET("/metrics", metrics.PrometheusHandler())

	api := e.Group("/api/v1")
	session.NewHandler(sessions).RegisterRoutes(api, middleware.RateLimit(middleware.DefaultLoginRateLimit()))
	reference.NewHandler(accessor).RegisterRoutes(api)
	cds.NewHandler(engine, views).RegisterRoutes(api)
	inbox.NewHandler(feeds).RegisterRoutes(api)
	portal.NewHandler(views).RegisterRoutes(api)
	notification.NewHandler(a.reminders).RegisterRoutes(api)
	websocket.NewWebSocketHandler(hub, feeds.Access(), cfg.CORSOrigins).RegisterRoutes(e.Group(""))

	a.echo = e
	return a, nil
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn().Err(err).Msg("close failed")
		}
	}
	a.closers = nil
}

// run serves on addr until ctx is cancelled, then shuts down within ten
// seconds.
func (a *app) run(ctx context.Context, addr string) error {
	defer a.close()

	if a.kafka != nil {
		go func() {
			if err := a.kafka.Run(ctx); err != nil {
				a.logger.Error().Err(err).Msg("kafka consumer stopped")
			}
		}()
	}
	a.reminders.Start()
	defer func() { <-a.reminders.Stop().Done() }()

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info().Str("addr", addr).Msg("starting server")
		if err := a.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	a.logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.echo.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	a.logger.Info().Msg("server stopped")
	return nil
}
