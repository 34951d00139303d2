package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/hackgods/clinic-operations/internal/api"
	"github.com/hackgods/clinic-operations/internal/appointment"
	"github.com/hackgods/clinic-operations/internal/billing"
	"github.com/hackgods/clinic-operations/internal/config"
	"github.com/hackgods/clinic-operations/internal/db"
	"github.com/hackgods/clinic-operations/internal/directory"
	"github.com/hackgods/clinic-operations/internal/logging"
	"github.com/hackgods/clinic-operations/internal/metrics"
	"github.com/hackgods/clinic-operations/internal/notify"
	redisclient "github.com/hackgods/clinic-operations/internal/redis"
)

var version = "dev"

func main() {
	cfg, err := config.Load()
	if err != nil {
		bootLogger := logging.New("dev", "info")
		bootLogger.Fatal().Err(err).Msg("config load error")
	}
	logger := logging.New(cfg.Env, cfg.LogLevel).With().Str("component", "api-server").Logger()
	logger.Info().Str("env", cfg.Env).Str("http_port", cfg.HTTPPort).Str("sequencer", cfg.Sequencer).Msg("api-server starting up")

	if cfg.JWTSigningKey == "" {
		logger.Fatal().Msg("JWT_SIGNING_KEY is required")
	}

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Connect Postgres
	pgCtx, cancelPg := context.WithTimeout(rootCtx, 10*time.Second)
	pgPool, err := db.ConnectPostgres(pgCtx, cfg.PostgresDSN, cfg.DBMaxConns)
	cancelPg()
	if err != nil {
		logger.Fatal().Err(err).Msg("postgres connection error")
	}
	defer pgPool.Close()
	logger.Info().Msg("connected to Postgres")

	// Connect Redis
	rdb, err := redisclient.NewRedisClient(rootCtx, cfg.RedisAddr, cfg.RedisUsername, cfg.RedisPassword)
	if err != nil {
		logger.Fatal().Err(err).Msg("redis connection error")
	}
	defer func() {
		if err := rdb.Close(); err != nil {
			logger.Error().Err(err).Msg("error closing redis")
		}
	}()
	logger.Info().Msg("connected to Redis")

	dir := directory.NewPgDirectory(pgPool)
	created, err := dir.EnsureAdmins(rootCtx, cfg.AdminEmails)
	if err != nil {
		logger.Fatal().Err(err).Msg("admin provisioning failed")
	}
	if created > 0 {
		logger.Info().Int("created", created).Msg("provisioned admin accounts")
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	recorder := metrics.New(reg)

	sender, closeSender, err := newSender(cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Str("driver", cfg.NotifyDriver).Msg("notification sender setup failed")
	}
	defer closeSender()
	dispatcher := notify.NewDispatcher(sender, cfg.NotifyTimeout, logger, recorder)

	repo := appointment.NewPgRepository(pgPool)
	appointments := appointment.NewService(
		repo,
		newSequencer(cfg, pgPool, rdb, repo),
		redisclient.NewRedisLocker(rdb, cfg.LockTTL, cfg.LockWait),
		dir,
		dispatcher,
		appointment.WithMetrics(recorder),
		appointment.WithLogger(logger),
	)

	var gateway billing.Gateway
	if cfg.GatewaySecretKey != "" {
		gateway = billing.NewHTTPGateway(cfg.GatewayBaseURL, cfg.GatewaySecretKey, cfg.GatewayTimeout, recorder)
	} else {
		logger.Warn().Msg("GATEWAY_SECRET_KEY not set, card payments use the in-memory gateway")
		gateway = billing.NewFakeGateway()
	}
	allowUnsigned := cfg.WebhookSecret == "" && cfg.Env == "dev"
	switch {
	case allowUnsigned:
		logger.Warn().Msg("GATEWAY_WEBHOOK_SECRET not set, accepting unsigned gateway callbacks in dev")
	case cfg.WebhookSecret == "":
		logger.Warn().Msg("GATEWAY_WEBHOOK_SECRET not set, gateway callbacks are rejected")
	}

	bills := billing.NewService(
		billing.NewPgStore(pgPool),
		gateway,
		dir,
		billing.WithMetrics(recorder),
		billing.WithLogger(logger),
		billing.WithDueAfter(cfg.ReceiptDueAfter),
		billing.WithGatewayTimeout(cfg.GatewayTimeout),
	)

	router := api.NewRouter(api.RouterConfig{
		Appointments:          appointments,
		Billing:               bills,
		Auth:                  api.NewAuthenticator(cfg.JWTSigningKey),
		Metrics:               promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		WebhookSecret:         cfg.WebhookSecret,
		AllowUnsignedWebhooks: allowUnsigned,
		Logger:                logger,
		Env:                   cfg.Env,
		Version:               version,
		Checks: []api.Check{
			{Name: "postgres", Critical: true, Ping: pgPool.Ping},
			{Name: "redis", Critical: true, Ping: func(ctx context.Context) error { return rdb.Ping(ctx).Err() }},
		},
	})

	srv := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", srv.Addr).Msg("HTTP server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("HTTP server error")
		}
	}()

	<-rootCtx.Done()
	logger.Info().Msg("shutting down api-server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("HTTP server shutdown error")
	}
	dispatcher.Wait()

	logger.Info().Msg("api-server stopped")
}

func newSequencer(cfg config.Config, pool db.DBTX, rdb *redis.Client, repo appointment.Store) appointment.Sequencer {
	if cfg.Sequencer == "redis" {
		return appointment.NewRedisSequencer(redisclient.NewCounter(rdb, "seq:appointment_number"), repo)
	}
	return appointment.NewPgSequencer(pool)
}

// newSender builds the configured notification driver and a func releasing its resources.
func newSender(cfg config.Config, logger zerolog.Logger) (notify.Sender, func(), error) {
	noop := func() {}

	switch cfg.NotifyDriver {
	case "sendgrid":
		s := notify.NewSendGridSender(notify.SendGridConfig{
			APIKey:    cfg.SendGridAPIKey,
			FromEmail: cfg.NotifyFromEmail,
			FromName:  cfg.NotifyFromName,
		}, logger)
		if s == nil {
			logger.Warn().Msg("SENDGRID_API_KEY not set, falling back to log notifications")
			return notify.NewLogSender(logger), noop, nil
		}
		return s, noop, nil
	case "rabbitmq":
		conn, err := amqp091.Dial(cfg.RabbitMQURL)
		if err != nil {
			return nil, noop, err
		}
		s, err := notify.NewQueueSender(conn, cfg.NotifyQueue)
		if err != nil {
			_ = conn.Close()
			return nil, noop, err
		}
		return s, func() { _ = conn.Close() }, nil
	default:
		return notify.NewLogSender(logger), noop, nil
	}
}
