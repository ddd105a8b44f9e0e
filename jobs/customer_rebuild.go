package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/tillbook/tillbook/internal/customers"
	jobmetrics "github.com/tillbook/tillbook/internal/jobs"
	"github.com/tillbook/tillbook/internal/observability"
)

// CustomerRebuildJob sweeps every customer and recomputes the cached balance
// and activity dates from the transaction history.
type CustomerRebuildJob struct {
	Service *customers.Service
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
	Domain  *observability.Metrics
}

// NewCustomerRebuildJob initialises the rebuild handler.
func NewCustomerRebuildJob(service *customers.Service, logger *slog.Logger, metrics *jobmetrics.Metrics, domain *observability.Metrics) *CustomerRebuildJob {
	return &CustomerRebuildJob{Service: service, Logger: logger, Metrics: metrics, Domain: domain}
}

// Handle executes the rebuild sweep, paging through customers in id order
// until the cursor is exhausted.
func (j *CustomerRebuildJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Service == nil {
		return errors.New("customer rebuild: handler not configured")
	}
	var payload CustomerRebuildPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	if payload.BatchSize <= 0 {
		payload.BatchSize = 200
	}

	tracker := j.metrics().Track(TaskCustomerRebuild)
	var resultErr error
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	logger := j.logger().With(
		slog.Int("batch_size", payload.BatchSize),
		slog.Int64("cursor", payload.Cursor),
	)
	logger.Info("starting customer rebuild")
	start := time.Now()

	cursor := payload.Cursor
	processed := 0
	for {
		if err := ctx.Err(); err != nil {
			resultErr = err
			return resultErr
		}
		stats, err := j.Service.RebuildAll(ctx, payload.BatchSize, cursor)
		if err != nil {
			resultErr = err
			logger.Error("rebuild batch failed", slog.Int64("cursor", cursor), slog.Any("error", err))
			return resultErr
		}
		processed += stats.Processed
		j.Domain.CustomersRebuilt(stats.Processed)
		cursor = stats.NextCursor
		if stats.Done {
			break
		}
	}

	logger.Info("completed customer rebuild",
		slog.Int("processed", processed),
		slog.Duration("duration", time.Since(start)),
	)
	return resultErr
}

func (j *CustomerRebuildJob) metrics() *jobmetrics.Metrics {
	if j == nil {
		return nil
	}
	return j.Metrics
}

func (j *CustomerRebuildJob) logger() *slog.Logger {
	if j == nil || j.Logger == nil {
		return slog.Default()
	}
	return j.Logger
}
