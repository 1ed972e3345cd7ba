package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/hire-africa/docavailable-sub012/internal/clock"
	"github.com/hire-africa/docavailable-sub012/internal/config"
	"github.com/hire-africa/docavailable-sub012/internal/db"
	"github.com/hire-africa/docavailable-sub012/internal/logging"
	"github.com/hire-africa/docavailable-sub012/internal/notify"
	"github.com/hire-africa/docavailable-sub012/internal/redisclient"
	"github.com/hire-africa/docavailable-sub012/internal/session"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config load error: %v", err)
	}

	logger, err := logging.New(cfg.Env)
	if err != nil {
		log.Fatalf("logger init error: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("sweep-worker starting up",
		zap.String("env", cfg.Env),
		zap.Duration("interval", cfg.SweepInterval))

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pgCtx, cancelPg := context.WithTimeout(rootCtx, 10*time.Second)
	pgPool, err := db.ConnectPostgres(pgCtx, cfg.PostgresDSN)
	cancelPg()
	if err != nil {
		logger.Fatal("postgres connection error", zap.Error(err))
	}
	defer pgPool.Close()
	logger.Info("connected to Postgres")

	rdb, err := redisclient.New(cfg.RedisAddr, cfg.RedisUsername, cfg.RedisPassword)
	if err != nil {
		logger.Fatal("redis connection error", zap.Error(err))
	}
	defer func() {
		if err := rdb.Close(); err != nil {
			logger.Warn("error closing redis", zap.Error(err))
		}
	}()
	logger.Info("connected to Redis")

	repo := session.NewPgRepository(pgPool)
	locker := redisclient.NewRedisPairLocker(rdb, cfg.LockTTL)
	delay := redisclient.NewRedisDelayQueue(rdb, "call:promotions")
	notifier := notify.NewLogDispatcher(logger)

	textSvc := session.NewTextService(repo, locker, notifier, cfg.ResponseWindow, clock.System(), logger)
	callSvc := session.NewCallService(repo, locker, delay, notifier, cfg.ConnectGrace, clock.System(), logger)
	sweeper := session.NewSweeper(repo, textSvc, callSvc, delay, cfg.ResponseWindow, cfg.ConnectGrace, clock.System(), logger)

	// Run once at startup
	runOnce(rootCtx, sweeper, logger)

	ticker := time.NewTicker(cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-rootCtx.Done():
			logger.Info("shutdown signal received, stopping sweep worker")
			return
		case <-ticker.C:
			runOnce(rootCtx, sweeper, logger)
		}
	}
}

func runOnce(ctx context.Context, sweeper *session.Sweeper, logger *zap.Logger) {
	runCtx, cancel := context.WithTimeout(ctx, 20*time.Second)
	defer cancel()

	start := time.Now()
	sweeper.Run(runCtx)
	logger.Debug("sweep pass complete", zap.Duration("took", time.Since(start)))
}
