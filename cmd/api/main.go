package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/angelmondragon/bodyscan-backend/api/controllers"
	"github.com/angelmondragon/bodyscan-backend/api/routes"
	"github.com/angelmondragon/bodyscan-backend/internal/analyze"
	"github.com/angelmondragon/bodyscan-backend/internal/ledger"
	"github.com/angelmondragon/bodyscan-backend/internal/purchases"
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

const shutdownTimeout = 15 * time.Second

func main() {
	logg := logger.New(logger.Options{ServiceName: "api"})

	if err := godotenv.Load(); err != nil {
		logg.Warn(context.Background(), ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}
	cfg.Service.Kind = "api"

	logg = logger.New(logger.Options{
		ServiceName: "api",
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

	analyzeService, err := analyze.NewService(analyze.ServiceParams{
		Repo:        analyze.NewRepository(dbClient.DB()),
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

	purchaseService, err := purchases.NewService(purchases.ServiceParams{
		Ledger: ledgerService,
		Config: cfg.Creem,
		Logger: logg,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create purchase service", err)
		os.Exit(1)
	}

	creemGuard, err := purchases.NewIdempotencyGuard(redisClient, cfg.Creem.IdempotencyTTL, "creem")
	if err != nil {
		logg.Error(context.Background(), "failed to create webhook guard", err)
		os.Exit(1)
	}

	port := os.Getenv("PORT")
	if port == "" {
		port = cfg.App.Port
	}
	addr := ":" + port

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = logg.WithFields(ctx, map[string]any{
		"env":      cfg.App.Env,
		"addr":     addr,
		"instance": instance.GetID(),
	})
	logg.Info(ctx, "starting api server")

	readiness := map[string]controllers.Pinger{"db": dbClient, "redis": redisClient, "gcs": gcsClient}
	if pubsubClient != nil {
		readiness["pubsub"] = pubsubClient
	}

	server := &http.Server{
		Addr: addr,
		Handler: routes.NewRouter(
			cfg,
			logg,
			readiness,
			redisClient,
			prometheus.DefaultGatherer,
			ledgerService,
			analyzeService,
			purchaseService,
			creemGuard,
		),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logg.Error(shutdownCtx, "api server shutdown failed", err)
		}
	}()

	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logg.Error(ctx, "api server stopped unexpectedly", err)
		os.Exit(1)
	}
	logg.Info(ctx, "api server shut down gracefully")
}
