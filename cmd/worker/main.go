package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/angelmondragon/bodyscan-backend/internal/analyze"
	"github.com/angelmondragon/bodyscan-backend/internal/inference"
	"github.com/angelmondragon/bodyscan-backend/internal/ledger"
	"github.com/angelmondragon/bodyscan-backend/internal/reservation"
	"github.com/angelmondragon/bodyscan-backend/pkg/config"
	"github.com/angelmondragon/bodyscan-backend/pkg/db"
	"github.com/angelmondragon/bodyscan-backend/pkg/instance"
	"github.com/angelmondragon/bodyscan-backend/pkg/logger"
	"github.com/angelmondragon/bodyscan-backend/pkg/metrics"
	"github.com/angelmondragon/bodyscan-backend/pkg/migrate"
	"github.com/angelmondragon/bodyscan-backend/pkg/pubsub"
	"github.com/angelmondragon/bodyscan-backend/pkg/redis"
	"github.com/angelmondragon/bodyscan-backend/pkg/storage/gcs"
)

func main() {
	logg := logger.New(logger.Options{ServiceName: "worker"})

	if err := godotenv.Load(); err != nil {
		logg.Warn(context.Background(), ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}
	cfg.Service.Kind = "worker"

	logg = logger.New(logger.Options{
		ServiceName: "worker",
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

	inferenceClient, err := inference.NewClient(cfg.Inference, inference.WithLogger(logg))
	if err != nil {
		logg.Error(context.Background(), "failed to create inference client", err)
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

	consumer := instance.GetID()
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
		Consumer: consumer,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create dispatch queue", err)
		os.Exit(1)
	}

	processor, err := analyze.NewProcessor(analyze.ProcessorParams{
		Repo:        analyze.NewRepository(dbClient.DB()),
		Reservation: reservationService,
		Storage:     gcsClient,
		Inference:   inferenceClient,
		Metrics:     metrics.NewDispatchMetrics(prometheus.DefaultRegisterer),
		Logger:      logg,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create processor", err)
		os.Exit(1)
	}

	dispatcher, err := analyze.NewDispatcher(analyze.DispatcherParams{
		Queue:     queue,
		Processor: processor,
		Workers:   cfg.Dispatch.Workers,
		Logger:    logg,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create dispatcher", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = logg.WithFields(ctx, map[string]any{
		"env":         cfg.App.Env,
		"serviceKind": cfg.Service.Kind,
		"instance":    consumer,
		"workers":     cfg.Dispatch.Workers,
	})
	logg.Info(ctx, "starting dispatch worker")

	if err := dispatcher.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logg.Error(ctx, "dispatch worker stopped unexpectedly", err)
		os.Exit(1)
	}

	logg.Info(ctx, "dispatch worker shutting down gracefully")
}
