package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/meetscribe/scribe/database/connect"
	"github.com/meetscribe/scribe/internal/botclient"
	"github.com/meetscribe/scribe/internal/config"
	"github.com/meetscribe/scribe/internal/idempotency"
	"github.com/meetscribe/scribe/internal/meetings"
	"github.com/meetscribe/scribe/internal/metrics"
	"github.com/meetscribe/scribe/internal/orchestrator"
	"github.com/meetscribe/scribe/internal/scheduler"
	"github.com/meetscribe/scribe/internal/server"
	"github.com/meetscribe/scribe/internal/stream"
	"github.com/meetscribe/scribe/internal/webhook"
	"github.com/meetscribe/scribe/pkg/health"
	"github.com/meetscribe/scribe/pkg/logger"
	"github.com/meetscribe/scribe/pkg/redis"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		// Logger is not up yet.
		panic(err)
	}

	log := logger.New(logger.Config{
		Environment: cfg.AppEnv,
		LogLevel:    cfg.LogLevel,
		ServiceName: cfg.AppName,
	})
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Fatal("server exited with error", zap.Error(err))
	}
}

func run(ctx context.Context, cfg *config.Config, log *zap.Logger) error {
	rdb, err := redis.NewClient(redis.Config{
		Host:         cfg.RedisHost,
		Port:         cfg.RedisPort,
		Password:     cfg.RedisPassword,
		DB:           cfg.RedisDB,
		PoolSize:     cfg.RedisPoolSize,
		MinIdleConns: cfg.RedisMinIdleConns,
		MaxRetries:   cfg.RedisMaxRetries,
	}, log)
	if err != nil {
		return err
	}
	defer func() { _ = rdb.Close() }()

	db, err := connect.Postgres(ctx, log, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	hostname, _ := os.Hostname()
	locks := idempotency.NewStore(rdb, hostname, log)
	meetingRepo := meetings.NewRepository(db, log)
	broker := stream.NewMemoryBroker(log)
	bots := botclient.NewClient(cfg.BotProviderURL, cfg.BotProviderAPIKey, log)

	poller := botclient.NewPoller(bots, broker, cfg.StatusPollInterval, log)
	if err := poller.Start(); err != nil {
		return err
	}
	defer poller.Stop()

	// The scheduler fires into the orchestrator, and the orchestrator reads
	// schedule records back from the scheduler. Bind the fire function after
	// both exist; no timer runs before Rearm below.
	var onFire scheduler.FireFunc
	sched := scheduler.New(rdb, cfg.JoinLeadTime, func(fireCtx context.Context, meetingKey string) {
		onFire(fireCtx, meetingKey)
	}, log)
	defer sched.Stop()

	orch := orchestrator.New(
		sched, locks, meetingRepo, bots, poller,
		orchestrator.Config{
			DeployLockTTL:       cfg.DeployLockTTL,
			ProcessingRecordTTL: cfg.ProcessingRecordTTL,
		}, log)
	onFire = func(fireCtx context.Context, meetingKey string) {
		if _, err := orch.DeployIfEligible(fireCtx, meetingKey); err != nil {
			log.Error("scheduled deployment failed",
				zap.String("meeting_key", meetingKey), zap.Error(err))
		}
	}

	// Timers do not survive restarts; re-arm from the persisted records.
	if err := sched.Rearm(ctx); err != nil {
		log.Warn("failed to re-arm schedules", zap.Error(err))
	}

	checker := health.NewChecker()
	checker.Register(health.NewPingCheck("redis", rdb))
	checker.Register(health.NewDatabaseCheck("postgres", db))

	verifier := webhook.NewVerifier(cfg.SigningKeyCurrent, cfg.SigningKeyNext)

	httpServer := server.New(cfg.AppPort, log, server.Deps{
		Verifier:         verifier,
		Sched:            sched,
		Meetings:         meetingRepo,
		Deployer:         orch,
		Bots:             bots,
		Broker:           broker,
		Health:           checker,
		BaseURL:          cfg.BaseURL,
		WSAllowedOrigins: cfg.WSAllowedOrigins,
	})
	metricsServer := metrics.NewServer(cfg.MetricsPort)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("starting HTTP server", zap.String("address", cfg.AppPort))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		log.Info("starting metrics server", zap.String("address", cfg.MetricsPort))
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error("HTTP server shutdown failed", zap.Error(err))
		}
		return metricsServer.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
