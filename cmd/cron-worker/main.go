package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/angelmondragon/bodyscan-backend/internal/analyze"
	"github.com/angelmondragon/bodyscan-backend/internal/cron"
	"github.com/angelmondragon/bodyscan-backend/internal/ledger"
	"github.com/angelmondragon/bodyscan-backend/internal/reservation"
	"github.com/angelmondragon/bodyscan-backend/pkg/config"
	"github.com/angelmondragon/bodyscan-backend/pkg/db"
	"github.com/angelmondragon/bodyscan-backend/pkg/logger"
	"github.com/angelmondragon/bodyscan-backend/pkg/metrics"
	"github.com/angelmondragon/bodyscan-backend/pkg/migrate"
	"github.com/angelmondragon/bodyscan-backend/pkg/pubsub"
	"github.com/angelmondragon/bodyscan-backend/pkg/redis"
	"github.com/angelmondragon/bodyscan-backend/pkg/storage/gcs"
)

const lockNameFormat = "cron-worker:%s"

func main() {
	logg := logger.New(logger.Options{ServiceName: "cron-worker"})

	if err := godotenv.Load(); err != nil {
		logg.Warn(context.Background(), ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}

	cfg.Service.Kind = "cron-worker"

	logg = logger.New(logger.Options{
		ServiceName: "cron-worker",
		Env:         cfg.App.Env,
		Format:      cfg.App.LogFormat,
		Level:       logger.ParseLevel(cfg.App.LogLevel),
		WarnStack:   cfg.App.LogWarnStack,
	})

	dbClient, err := db.New(context.Background(), cfg.DB, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to bootstrap database", err)
		os.Exit(1)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			logg.Error(context.Background(), "error closing database", err)
		}
	}()

	if err := migrate.MaybeRunDev(context.Background(), cfg, logg, dbClient); err != nil {
		logg.Error(context.Background(), "failed to run dev migrations", err)
		os.Exit(1)
	}

	redisClient, err := redis.New(context.Background(), cfg.Redis, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to bootstrap redis", err)
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logg.Error(context.Background(), "error closing redis", err)
		}
	}()

	gcsClient, err := gcs.NewClient(context.Background(), cfg.GCS, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to bootstrap gcs", err)
		os.Exit(1)
	}

	ledgerService, err := ledger.NewService(ledger.ServiceParams{
		Repo:    ledger.NewRepository(dbClient.DB()),
		Tx:      dbClient,
		Metrics: metrics.NewLedgerMetrics(prometheus.DefaultRegisterer),
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create ledger service", err)
		os.Exit(1)
	}

	reservationService, err := reservation.NewService(reservation.ServiceParams{Ledger: ledgerService, Tx: dbClient})
	if err != nil {
		logg.Error(context.Background(), "failed to create reservation service", err)
		os.Exit(1)
	}

	var pubsubClient *pubsub.Client
	if cfg.Dispatch.UsesPubSub() {
		pubsubClient, err = pubsub.NewClient(context.Background(), cfg.PubSub, logg)
		if err != nil {
			logg.Error(context.Background(), "failed to bootstrap pubsub", err)
			os.Exit(1)
		}
		defer func() {
			if err := pubsubClient.Close(); err != nil {
				logg.Error(context.Background(), "error closing pubsub", err)
			}
		}()
	}

	queue, err := analyze.NewQueue(context.Background(), analyze.QueueParams{
		Dispatch: cfg.Dispatch,
		PubSub:   cfg.PubSub,
		Streams:  redisClient,
		Stream:   redisClient.StreamKey(cfg.Dispatch.Stream),
		Topics:   pubsubClient,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create dispatch queue", err)
		os.Exit(1)
	}

	analyzeRepo := analyze.NewRepository(dbClient.DB())
	analyzeService, err := analyze.NewService(analyze.ServiceParams{
		Repo:        analyzeRepo,
		Reservation: reservationService,
		Tx:          dbClient,
		Storage:     gcsClient,
		Queue:       queue,
		JWT:         cfg.JWT,
		FrontendURL: cfg.App.FrontendURL,
		Logger:      logg,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create analyze service", err)
		os.Exit(1)
	}

	reconcileJob, err := cron.NewTicketReconcileJob(cron.TicketReconcileJobParams{
		Logger:  logg,
		Jobs:    analyzeRepo,
		Settler: reservationService,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create ticket reconcile job", err)
		os.Exit(1)
	}

	recoveryJob, err := cron.NewAnalyzeRecoveryJob(cron.AnalyzeRecoveryJobParams{
		Logger:            logg,
		Jobs:              analyzeRepo,
		Queue:             queue,
		Settler:           reservationService,
		QueuedStaleAfter:  cfg.Dispatch.QueuedStaleAfter,
		RunningStaleAfter: cfg.Dispatch.RunningStaleAfter,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create analyze recovery job", err)
		os.Exit(1)
	}

	retentionJob, err := cron.NewAnalyzeRetentionJob(cron.AnalyzeRetentionJobParams{
		Logger:         logg,
		Service:        analyzeService,
		PhotoRetention: cfg.Retention.PhotoRetention,
		ModelRetention: cfg.Retention.ModelRetention,
		BatchSize:      cfg.Retention.BatchSize,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create analyze retention job", err)
		os.Exit(1)
	}

	metricsCollector := metrics.NewCronJobMetrics(prometheus.DefaultRegisterer)
	lock, err := cron.NewRedisLock(redisClient, lockName(cfg.App.Env), 0)
	if err != nil {
		logg.Error(context.Background(), "failed to create cron lock", err)
		os.Exit(1)
	}

	registry := cron.NewRegistry(reconcileJob, recoveryJob, retentionJob)
	service, err := cron.NewService(cron.ServiceParams{
		Logger:   logg,
		Registry: registry,
		Lock:     lock,
		Metrics:  metricsCollector,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create cron service", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = logg.WithFields(ctx, map[string]any{
		"env":         cfg.App.Env,
		"serviceKind": cfg.Service.Kind,
	})
	logg.Info(ctx, "starting cron worker")

	if err := service.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logg.Error(ctx, "cron worker stopped unexpectedly", err)
		os.Exit(1)
	}

	logg.Info(ctx, "cron worker shutting down gracefully")
}

func lockName(env string) string {
	if env == "" {
		env = "local"
	}
	return fmt.Sprintf(lockNameFormat, env)
}
