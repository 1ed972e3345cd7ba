package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/hire-africa/docavailable-sub012/internal/api"
	"github.com/hire-africa/docavailable-sub012/internal/clock"
	"github.com/hire-africa/docavailable-sub012/internal/config"
	"github.com/hire-africa/docavailable-sub012/internal/db"
	"github.com/hire-africa/docavailable-sub012/internal/logging"
	"github.com/hire-africa/docavailable-sub012/internal/notify"
	"github.com/hire-africa/docavailable-sub012/internal/payments"
	"github.com/hire-africa/docavailable-sub012/internal/redisclient"
	"github.com/hire-africa/docavailable-sub012/internal/session"
)

const version = "0.1.0"

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

	logger.Info("api-server starting up",
		zap.String("env", cfg.Env),
		zap.String("http_port", cfg.HTTPPort))

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
	paySvc := payments.NewService(payments.NewPgRepository(pgPool), clock.System(), logger)

	router := api.NewRouter(api.RouterConfig{
		TextService: textSvc,
		CallService: callSvc,
		Payments:    paySvc,
		PgPool:      pgPool,
		Redis:       rdb,
		Logger:      logger,
		Env:         cfg.Env,
		Version:     version,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- srv.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("http server error", zap.Error(err))
		}
	case <-rootCtx.Done():
	}

	logger.Info("shutting down api-server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown error", zap.Error(err))
	}
}
