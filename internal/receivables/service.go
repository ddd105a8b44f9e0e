package receivables

import (
	"context"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/tillbook/tillbook/internal/shared"
)

// BalanceSource reads a customer's authoritative cached balance. Satisfied by
// the customers module.
type BalanceSource interface {
	Balance(ctx context.Context, customerID int64) (decimal.Decimal, error)
}

// Service exposes the customer sub-ledger: outstanding invoices, transaction
// history and the allocation primitives used by composite postings.
type Service struct {
	repo     RepositoryPort
	balances BalanceSource
	logger   *slog.Logger
}

// NewService builds Service instance.
func NewService(repo RepositoryPort, balances BalanceSource, logger *slog.Logger) *Service {
	return &Service{repo: repo, balances: balances, logger: logger}
}

// Outstanding lists a customer's open invoices oldest first, reconciled
// against the cached balance. A non-nil override skips the balance lookup.
func (s *Service) Outstanding(ctx context.Context, customerID int64, override *decimal.Decimal) ([]OutstandingRow, error) {
	rows, err := s.repo.ListOutstanding(ctx, customerID)
	if err != nil {
		return nil, err
	}
	authoritative, err := s.resolveBalance(ctx, customerID, override)
	if err != nil {
		return nil, err
	}
	return ReconcileOutstanding(rows, authoritative), nil
}

// OutstandingInTx is the same read bound to an in-flight transaction, used by
// composite postings so allocation sees rows it just inserted.
func (s *Service) OutstandingInTx(ctx context.Context, repo TxRepository, customerID int64, override *decimal.Decimal) ([]OutstandingRow, error) {
	rows, err := repo.ListOutstanding(ctx, customerID)
	if err != nil {
		return nil, err
	}
	authoritative, err := s.resolveBalance(ctx, customerID, override)
	if err != nil {
		return nil, err
	}
	return ReconcileOutstanding(rows, authoritative), nil
}

func (s *Service) resolveBalance(ctx context.Context, customerID int64, override *decimal.Decimal) (decimal.Decimal, error) {
	if override != nil {
		return *override, nil
	}
	return s.balances.Balance(ctx, customerID)
}

// Transactions pages through a customer's debit/credit history, newest first.
func (s *Service) Transactions(ctx context.Context, customerID int64, p shared.Pagination) ([]CustomerTransaction, error) {
	return s.repo.ListTransactions(ctx, customerID, p)
}
