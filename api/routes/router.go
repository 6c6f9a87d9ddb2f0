package routes

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/angelmondragon/bodyscan-backend/api/controllers"
	webhookcontrollers "github.com/angelmondragon/bodyscan-backend/api/controllers/webhooks"
	"github.com/angelmondragon/bodyscan-backend/api/middleware"
	"github.com/angelmondragon/bodyscan-backend/internal/analyze"
	"github.com/angelmondragon/bodyscan-backend/pkg/config"
	"github.com/angelmondragon/bodyscan-backend/pkg/logger"
	"github.com/angelmondragon/bodyscan-backend/pkg/redis"
)

// requestStore backs the idempotency and rate limit middleware.
type requestStore interface {
	redis.IdempotencyStore
	FixedWindowAllow(ctx context.Context, scope string, limit int64, window time.Duration) (bool, int64, error)
}

type accountService interface {
	middleware.AccountEnsurer
	controllers.TicketSummarizer
	controllers.TicketSpender
}

type webhookGuard interface {
	CheckAndMark(ctx context.Context, eventID string) (bool, error)
	Delete(ctx context.Context, eventID string) error
}

func NewRouter(
	cfg *config.Config,
	logg *logger.Logger,
	readiness map[string]controllers.Pinger,
	store requestStore,
	gatherer prometheus.Gatherer,
	accounts accountService,
	analyzeService analyze.Service,
	creemService webhookcontrollers.CreemWebhookService,
	creemGuard webhookGuard,
) http.Handler {
	r := chi.NewRouter()
	r.Use(
		middleware.Recoverer(logg),
		middleware.RequestID(logg),
		middleware.Logging(logg),
		middleware.CORS(cfg.App.FrontendURL),
	)

	startPolicy := middleware.NewRateLimitPolicy(
		"analyze-start",
		cfg.Analyze.StartRateWindow,
		cfg.Analyze.StartRateLimit,
	)

	r.Route("/health", func(r chi.Router) {
		r.Get("/live", controllers.HealthLive(cfg))
		r.Get("/ready", controllers.HealthReady(cfg, logg, readiness))
	})

	if gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/api/public", func(r chi.Router) {
		r.Get("/share/{token}", controllers.AnalyzeShared(analyzeService, logg))
	})

	r.Route("/api/v1/webhooks", func(r chi.Router) {
		r.Post("/creem", webhookcontrollers.CreemWebhook(creemService, creemGuard, logg))
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Auth(cfg.JWT, accounts, logg))
		r.Use(middleware.Idempotency(store, logg))

		r.Route("/tickets", func(r chi.Router) {
			r.Get("/", controllers.TicketSummary(accounts, logg))
			r.Post("/use", controllers.TicketUse(accounts, logg))
			r.Post("/refund", controllers.TicketRefund(accounts, logg))
		})

		r.Route("/analyze", func(r chi.Router) {
			r.Post("/upload-targets", controllers.AnalyzeUploadTargets(analyzeService, logg))
			r.Get("/jobs", controllers.AnalyzeList(analyzeService, logg))
			r.Route("/jobs/{jobId}", func(r chi.Router) {
				r.Get("/", controllers.AnalyzeGet(analyzeService, logg))
				r.With(middleware.RateLimit(startPolicy, store, logg)).Post("/start", controllers.AnalyzeStart(analyzeService, logg))
				r.Post("/share", controllers.AnalyzeShare(analyzeService, logg))
				r.Get("/recommendation", controllers.AnalyzeRecommend(analyzeService, logg))
			})
		})
	})

	return r
}
