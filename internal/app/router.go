package app

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tillbook/tillbook/internal/audit"
	"github.com/tillbook/tillbook/internal/customers"
	"github.com/tillbook/tillbook/internal/observability"
	"github.com/tillbook/tillbook/internal/payments"
	"github.com/tillbook/tillbook/internal/platform/httpx"
	"github.com/tillbook/tillbook/internal/posting"
	"github.com/tillbook/tillbook/internal/receivables"
	"github.com/tillbook/tillbook/internal/treasury"
	"github.com/tillbook/tillbook/jobs"
)

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger             *slog.Logger
	Config             *Config
	TreasuryHandler    *treasury.Handler
	PaymentsHandler    *payments.Handler
	ReceivablesHandler *receivables.Handler
	CustomersHandler   *customers.Handler
	PostingHandler     *posting.Handler
	AuditHandler       *audit.Handler
	JobHandler         *jobs.Handler
	Pool               *pgxpool.Pool
	Metrics            *observability.Metrics
}

// NewRouter constructs the chi.Router with application defaults.
func NewRouter(params RouterParams) http.Handler {
	r := chi.NewRouter()

	for _, mw := range MiddlewareStack(MiddlewareConfig{
		Logger:  params.Logger,
		Config:  params.Config,
		Metrics: params.Metrics,
	}) {
		r.Use(mw)
	}

	r.Get("/healthz", healthHandler(params.Pool))
	r.Method(http.MethodGet, "/metrics", params.Metrics.Handler())

	r.Route("/api/v1", func(api chi.Router) {
		params.TreasuryHandler.MountRoutes(api)
		params.PaymentsHandler.MountRoutes(api)
		params.ReceivablesHandler.MountRoutes(api)
		params.CustomersHandler.MountRoutes(api)
		params.PostingHandler.MountRoutes(api)
		params.AuditHandler.MountRoutes(api)
		if params.JobHandler != nil {
			api.Route("/jobs", params.JobHandler.MountRoutes)
		}
	})

	return r
}

func healthHandler(pool *pgxpool.Pool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if pool != nil {
			if err := pool.Ping(ctx); err != nil {
				httpx.JSON(w, http.StatusServiceUnavailable, map[string]any{"status": "degraded"})
				return
			}
		}
		httpx.JSON(w, http.StatusOK, map[string]any{"status": "ok"})
	}
}
