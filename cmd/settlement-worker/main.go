package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/hackgods/clinic-operations/internal/billing"
	"github.com/hackgods/clinic-operations/internal/config"
	"github.com/hackgods/clinic-operations/internal/db"
	"github.com/hackgods/clinic-operations/internal/directory"
	"github.com/hackgods/clinic-operations/internal/logging"
	redisclient "github.com/hackgods/clinic-operations/internal/redis"
	"github.com/hackgods/clinic-operations/internal/settlement"
)

const (
	sweepMinAge    = 2 * time.Minute
	sweepBatchSize = 100
	jobLockTTL     = 5 * time.Minute
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		bootLogger := logging.New("dev", "info")
		bootLogger.Fatal().Err(err).Msg("config load error")
	}
	logger := logging.New(cfg.Env, cfg.LogLevel).With().Str("component", "settlement-worker").Logger()
	logger.Info().
		Str("env", cfg.Env).
		Str("sweep_schedule", cfg.SettlementSchedule).
		Str("overdue_schedule", cfg.OverdueSchedule).
		Msg("settlement-worker starting up")

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

	rdb, err := redisclient.NewRedisClient(rootCtx, cfg.RedisAddr, cfg.RedisUsername, cfg.RedisPassword)
	if err != nil {
		logger.Fatal().Err(err).Msg("redis connection error")
	}
	defer func() {
		if err := rdb.Close(); err != nil {
			logger.Error().Err(err).Msg("error closing redis")
		}
	}()

	var gateway billing.Gateway
	if cfg.GatewaySecretKey != "" {
		gateway = billing.NewHTTPGateway(cfg.GatewayBaseURL, cfg.GatewaySecretKey, cfg.GatewayTimeout, nil)
	} else {
		logger.Warn().Msg("GATEWAY_SECRET_KEY not set, sweeping against the in-memory gateway")
		gateway = billing.NewFakeGateway()
	}

	bills := billing.NewService(
		billing.NewPgStore(pgPool),
		gateway,
		directory.NewPgDirectory(pgPool),
		billing.WithLogger(logger),
		billing.WithDueAfter(cfg.ReceiptDueAfter),
		billing.WithGatewayTimeout(cfg.GatewayTimeout),
	)

	jobs := settlement.NewJobs(bills, redisclient.NewRedisLocker(rdb, jobLockTTL, 0), settlement.Config{
		SweepSchedule:   cfg.SettlementSchedule,
		OverdueSchedule: cfg.OverdueSchedule,
		MinAge:          sweepMinAge,
		BatchSize:       sweepBatchSize,
		RunTimeout:      jobLockTTL,
	}, logger)

	// Run once at startup
	jobs.SweepPayments(rootCtx)
	jobs.MarkOverdue(rootCtx)

	c := cron.New()
	if err := jobs.Schedule(rootCtx, c); err != nil {
		logger.Fatal().Err(err).Msg("invalid schedule")
	}
	c.Start()

	<-rootCtx.Done()
	logger.Info().Msg("shutdown signal received, waiting for running jobs")
	<-c.Stop().Done()
	logger.Info().Msg("settlement-worker stopped")
}
