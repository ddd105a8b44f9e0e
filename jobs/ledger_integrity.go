package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	jobmetrics "github.com/tillbook/tillbook/internal/jobs"
	"github.com/tillbook/tillbook/internal/observability"
	"github.com/tillbook/tillbook/internal/shared"
)

// LedgerIntegrityJob verifies that every treasury's cached balance equals its
// opening balance plus the net flow of its entries.
type LedgerIntegrityJob struct {
	Pool    *pgxpool.Pool
	Audit   *shared.AuditLogger
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
	Domain  *observability.Metrics
}

// NewLedgerIntegrityJob initialises the integrity scan handler.
func NewLedgerIntegrityJob(pool *pgxpool.Pool, audit *shared.AuditLogger, logger *slog.Logger, metrics *jobmetrics.Metrics, domain *observability.Metrics) *LedgerIntegrityJob {
	return &LedgerIntegrityJob{Pool: pool, Audit: audit, Logger: logger, Metrics: metrics, Domain: domain}
}

type integrityDrift struct {
	TreasuryID int64
	Code       string
	Cached     decimal.Decimal
	Expected   decimal.Decimal
}

// Handle executes the conservation check.
func (j *LedgerIntegrityJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil {
		return errors.New("ledger integrity: handler not configured")
	}
	var payload LedgerIntegrityPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}

	tracker := j.metrics().Track(TaskLedgerIntegrity)
	var resultErr error
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	logger := j.logger()
	logger.Info("starting ledger integrity scan")
	start := time.Now()

	checked, drifts, err := j.scan(ctx, payload.TreasuryIDs)
	if err != nil {
		resultErr = err
		logger.Error("scan failed", slog.Any("error", err))
		return resultErr
	}

	for _, d := range drifts {
		logger.Warn("ledger balance drift detected",
			slog.Int64("treasury_id", d.TreasuryID),
			slog.String("code", d.Code),
			slog.String("cached", d.Cached.String()),
			slog.String("expected", d.Expected.String()),
		)
		j.Audit.RecordBestEffort(ctx, shared.AuditLog{
			Action:   shared.AuditIntegrityDrift,
			Entity:   "treasury",
			EntityID: fmt.Sprintf("%d", d.TreasuryID),
			Meta: map[string]any{
				"code":     d.Code,
				"cached":   d.Cached.String(),
				"expected": d.Expected.String(),
			},
		})
	}
	j.Domain.IntegrityDrift(len(drifts))

	logger.Info("completed ledger integrity scan",
		slog.Int("treasuries", checked),
		slog.Int("drifts", len(drifts)),
		slog.Duration("duration", time.Since(start)),
	)
	return resultErr
}

func (j *LedgerIntegrityJob) scan(ctx context.Context, treasuryIDs []int64) (int, []integrityDrift, error) {
	if j.Pool == nil {
		return 0, nil, errors.New("ledger integrity: pool not configured")
	}
	if treasuryIDs == nil {
		treasuryIDs = []int64{}
	}
	rows, err := j.Pool.Query(ctx, `
SELECT t.id, t.code, t.current_balance,
       t.opening_balance + COALESCE(SUM(CASE WHEN e.direction='IN' THEN e.amount ELSE -e.amount END), 0) AS expected
FROM treasuries t
LEFT JOIN treasury_entries e ON e.treasury_id = t.id
WHERE NOT t.is_deleted AND (cardinality($1::bigint[]) = 0 OR t.id = ANY($1::bigint[]))
GROUP BY t.id, t.code, t.current_balance, t.opening_balance
ORDER BY t.id`, treasuryIDs)
	if err != nil {
		return 0, nil, err
	}
	defer rows.Close()

	checked := 0
	var drifts []integrityDrift
	for rows.Next() {
		var d integrityDrift
		if err := rows.Scan(&d.TreasuryID, &d.Code, &d.Cached, &d.Expected); err != nil {
			return 0, nil, err
		}
		checked++
		if !d.Cached.Equal(d.Expected) {
			drifts = append(drifts, d)
		}
	}
	if err := rows.Err(); err != nil {
		return 0, nil, err
	}
	return checked, drifts, nil
}

func (j *LedgerIntegrityJob) metrics() *jobmetrics.Metrics {
	if j == nil {
		return nil
	}
	return j.Metrics
}

func (j *LedgerIntegrityJob) logger() *slog.Logger {
	if j == nil || j.Logger == nil {
		return slog.Default()
	}
	return j.Logger
}
