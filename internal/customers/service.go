package customers

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/tillbook/tillbook/internal/shared"
)

const rebuildConcurrency = 4

// Service maintains the cached customer financial summary: incremental
// deltas on every ledger event plus a full recompute path for drift.
type Service struct {
	repo   RepositoryPort
	audit  *shared.AuditLogger
	logger *slog.Logger
}

// NewService builds Service instance.
func NewService(repo RepositoryPort, audit *shared.AuditLogger, logger *slog.Logger) *Service {
	return &Service{repo: repo, audit: audit, logger: logger}
}

// Get returns the customer with its cached financial summary.
func (s *Service) Get(ctx context.Context, id int64) (*Customer, error) {
	return s.repo.Get(ctx, id)
}

// Balance returns the authoritative cached receivable balance.
func (s *Service) Balance(ctx context.Context, customerID int64) (decimal.Decimal, error) {
	return s.repo.Balance(ctx, customerID)
}

// ApplyDelta adjusts the cached summary in its own transaction. Composite
// postings use ApplyDeltaInTx instead so the adjustment commits with the
// ledger entries that caused it.
func (s *Service) ApplyDelta(ctx context.Context, customerID int64, update DeltaUpdate) error {
	return s.repo.WithTx(ctx, func(repo TxRepository) error {
		return repo.ApplyDelta(ctx, customerID, update)
	})
}

// ApplyDeltaInTx applies the adjustment on an in-flight transaction.
func (s *Service) ApplyDeltaInTx(ctx context.Context, repo TxRepository, customerID int64, update DeltaUpdate) error {
	return repo.ApplyDelta(ctx, customerID, update)
}

// RecalculateActivityDates re-derives both activity dates from history. Used
// after structural edits where incremental deltas cannot express the change.
func (s *Service) RecalculateActivityDates(ctx context.Context, customerID int64) error {
	return s.repo.WithTx(ctx, func(repo TxRepository) error {
		return repo.RecalculateActivityDates(ctx, customerID)
	})
}

// Rebuild recomputes balances and activity dates from scratch for the given
// customers, one transaction each so a late failure keeps earlier results.
func (s *Service) Rebuild(ctx context.Context, customerIDs []int64) error {
	for _, id := range customerIDs {
		if err := s.rebuildOne(ctx, id); err != nil {
			return fmt.Errorf("rebuild customer %d: %w", id, err)
		}
	}
	return nil
}

func (s *Service) rebuildOne(ctx context.Context, customerID int64) error {
	var balance decimal.Decimal
	err := s.repo.WithTx(ctx, func(repo TxRepository) error {
		var err error
		balance, err = repo.RebuildFinancials(ctx, customerID)
		return err
	})
	if err != nil {
		return err
	}
	s.logger.Debug("customer financials rebuilt",
		slog.Int64("customer_id", customerID),
		slog.String("balance", balance.String()))
	return nil
}

// RebuildAll processes one ascending-id page of customers starting after
// cursor. Each customer rebuilds in its own short transaction; no lock is
// held across the batch, so day-to-day postings are never blocked. Callers
// loop (or re-enqueue) with the returned cursor until Done.
func (s *Service) RebuildAll(ctx context.Context, batchSize int, cursor int64) (RebuildStats, error) {
	if batchSize <= 0 {
		batchSize = 100
	}
	ids, err := s.repo.ListIDsAfter(ctx, cursor, batchSize)
	if err != nil {
		return RebuildStats{}, err
	}
	if len(ids) == 0 {
		return RebuildStats{NextCursor: cursor, Done: true}, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(rebuildConcurrency)
	for _, id := range ids {
		g.Go(func() error {
			return s.rebuildOne(gctx, id)
		})
	}
	if err := g.Wait(); err != nil {
		return RebuildStats{}, err
	}

	stats := RebuildStats{
		Processed:  len(ids),
		NextCursor: ids[len(ids)-1],
		Done:       len(ids) < batchSize,
	}
	if stats.Done {
		s.audit.RecordBestEffort(ctx, shared.AuditLog{
			Action:   shared.AuditRebuildFinished,
			Entity:   "customer",
			EntityID: strconv.FormatInt(stats.NextCursor, 10),
			Meta:     map[string]any{"processed": stats.Processed, "cursor": cursor},
		})
	}
	return stats, nil
}
