package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"github.com/tillbook/tillbook/internal/app"
	"github.com/tillbook/tillbook/internal/audit"
	"github.com/tillbook/tillbook/internal/customers"
	"github.com/tillbook/tillbook/internal/observability"
	"github.com/tillbook/tillbook/internal/payments"
	"github.com/tillbook/tillbook/internal/platform/cache"
	"github.com/tillbook/tillbook/internal/platform/db"
	"github.com/tillbook/tillbook/internal/posting"
	"github.com/tillbook/tillbook/internal/receivables"
	"github.com/tillbook/tillbook/internal/shared"
	"github.com/tillbook/tillbook/internal/treasury"
	"github.com/tillbook/tillbook/jobs"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)

	pool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect database", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	// Redis only backs the payment-method directory cache; the directory
	// falls back to the database when it is unavailable.
	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		logger.Warn("redis unavailable", slog.Any("error", err))
		redisClient = nil
	} else {
		defer func() {
			if err := redisClient.Close(); err != nil {
				logger.Warn("redis close", slog.Any("error", err))
			}
		}()
	}

	auditLogger := shared.NewAuditLogger(pool, logger)
	metrics := observability.NewMetrics()

	treasuryService := treasury.NewService(treasury.NewRepository(pool), auditLogger, logger)
	treasuryHandler := treasury.NewHandler(logger, treasuryService)

	paymentsService := payments.NewService(payments.NewRepository(pool), redisClient, logger)
	paymentsHandler := payments.NewHandler(logger, paymentsService)

	customersService := customers.NewService(customers.NewRepository(pool), auditLogger, logger)
	customersHandler := customers.NewHandler(logger, customersService)

	receivablesService := receivables.NewService(receivables.NewRepository(pool), customersService, logger)
	receivablesHandler := receivables.NewHandler(logger, receivablesService)

	postingService := posting.NewService(posting.NewRepository(pool), treasuryService, paymentsService, auditLogger, metrics, logger)
	postingHandler := posting.NewHandler(logger, postingService)

	auditService := audit.NewService(audit.NewRepository(pool))
	auditHandler := audit.NewHandler(logger, auditService)

	inspector := asynq.NewInspector(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()
	jobHandler := jobs.NewHandler(inspector, logger)

	router := app.NewRouter(app.RouterParams{
		Logger:             logger,
		Config:             cfg,
		TreasuryHandler:    treasuryHandler,
		PaymentsHandler:    paymentsHandler,
		ReceivablesHandler: receivablesHandler,
		CustomersHandler:   customersHandler,
		PostingHandler:     postingHandler,
		AuditHandler:       auditHandler,
		JobHandler:         jobHandler,
		Pool:               pool,
		Metrics:            metrics,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown", slog.Any("error", err))
	}
}
