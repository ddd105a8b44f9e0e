package posting

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tillbook/tillbook/internal/customers"
	"github.com/tillbook/tillbook/internal/observability"
	"github.com/tillbook/tillbook/internal/payments"
	"github.com/tillbook/tillbook/internal/receivables"
	"github.com/tillbook/tillbook/internal/shared"
	"github.com/tillbook/tillbook/internal/treasury"
)

// Service is the business-action orchestrator the rest of the application
// calls. Each operation composes the treasury ledger, the customer
// sub-ledger, the allocator and the cached-summary synchroniser inside one
// database transaction.
type Service struct {
	repo     RepositoryPort
	treasury *treasury.Service
	payments *payments.Service
	audit    *shared.AuditLogger
	metrics  *observability.Metrics
	logger   *slog.Logger
}

// NewService builds Service instance.
func NewService(repo RepositoryPort, treasurySvc *treasury.Service, paymentsSvc *payments.Service, audit *shared.AuditLogger, metrics *observability.Metrics, logger *slog.Logger) *Service {
	return &Service{
		repo:     repo,
		treasury: treasurySvc,
		payments: paymentsSvc,
		audit:    audit,
		metrics:  metrics,
		logger:   logger,
	}
}

// RecordSale books an invoice on the customer and collects the paid portion
// into the treasury, method by method.
func (s *Service) RecordSale(ctx context.Context, req SaleRequest) (*PostingResult, error) {
	if req.CustomerID <= 0 {
		return nil, ErrMissingCustomer
	}
	if req.SaleID <= 0 {
		return nil, ErrMissingReference
	}
	total := req.Total.Round(2)
	if !total.IsPositive() {
		return nil, treasury.ErrInvalidAmount
	}
	paid := req.Paid.Round(2)
	if paid.IsNegative() {
		return nil, treasury.ErrInvalidAmount
	}
	invoiceDate := req.InvoiceDate
	if invoiceDate.IsZero() {
		invoiceDate = time.Now()
	}

	var splits []payments.SplitRow
	if paid.IsPositive() {
		var err error
		splits, err = s.payments.ResolveSplits(ctx, paid, req.Splits, req.FallbackMethod)
		if err != nil {
			return nil, err
		}
	}

	result := &PostingResult{Unallocated: decimal.Zero}
	err := s.repo.WithTx(ctx, func(txs TxSet) error {
		// lock the customer first so concurrent postings for the same
		// customer serialise before touching any treasury
		balance, err := txs.Customers.BalanceForUpdate(ctx, req.CustomerID)
		if err != nil {
			return err
		}
		if done, err := s.replayed(ctx, txs, result, receivables.TxnSale, treasury.RefSale, req.SaleID); err != nil || done {
			return err
		}

		entries, idempotent, err := s.postSplitEntries(ctx, txs.Treasury, splitPlan{
			entryType:      treasury.EntrySaleIncome,
			reference:      treasury.Reference{Kind: treasury.RefSale, ID: req.SaleID},
			splits:         splits,
			entryDate:      invoiceDate,
			treasuryID:     req.TreasuryID,
			idempotencyKey: req.IdempotencyKey,
		})
		if err != nil {
			return err
		}
		if idempotent {
			result.Entries = entries
			result.Idempotent = true
			return nil
		}
		result.Entries = entries

		saleRef := treasury.RefSale
		saleID := req.SaleID
		if err := txs.Receivables.InsertTransaction(ctx, &receivables.CustomerTransaction{
			CustomerID:    req.CustomerID,
			Kind:          receivables.TxnSale,
			Debit:         total,
			Credit:        decimal.Zero,
			ReferenceKind: &saleRef,
			ReferenceID:   &saleID,
			OccurredAt:    invoiceDate,
		}); err != nil {
			return err
		}

		update := customers.DeltaUpdate{BalanceDelta: total, ActivityDate: &invoiceDate}
		if paid.IsPositive() {
			if err := txs.Receivables.InsertTransaction(ctx, &receivables.CustomerTransaction{
				CustomerID:    req.CustomerID,
				Kind:          receivables.TxnPayment,
				Debit:         decimal.Zero,
				Credit:        paid,
				ReferenceKind: &saleRef,
				ReferenceID:   &saleID,
				OccurredAt:    invoiceDate,
			}); err != nil {
				return err
			}

			// the sale row above is part of outstanding now; the payment
			// settles it (and older invoices) oldest first
			authoritative := balance.Add(total)
			allocated, unallocated, err := s.allocateInTx(ctx, txs.Receivables, req.CustomerID, authoritative, paid, receivables.SourcePayment, entries[0].ID, invoiceDate)
			if err != nil {
				return err
			}
			result.Allocations = allocated
			result.Unallocated = unallocated

			update.BalanceDelta = total.Sub(paid)
			update.PaymentDate = &invoiceDate
		}
		return txs.Customers.ApplyDelta(ctx, req.CustomerID, update)
	})
	if err != nil {
		return s.recoverDuplicate(ctx, err, treasury.RefSale, req.SaleID)
	}
	s.finish(ctx, result, shared.AuditEntryPosted, "sale", req.SaleID)
	return result, nil
}

// RecordCustomerPayment books money received against the customer's open
// invoices, oldest first. Leftover beyond all invoices stays as an advance.
func (s *Service) RecordCustomerPayment(ctx context.Context, req PaymentRequest) (*PostingResult, error) {
	if req.CustomerID <= 0 {
		return nil, ErrMissingCustomer
	}
	if req.PaymentID <= 0 {
		return nil, ErrMissingReference
	}
	amount := req.Amount.Round(2)
	if !amount.IsPositive() {
		return nil, treasury.ErrInvalidAmount
	}
	paymentDate := req.PaymentDate
	if paymentDate.IsZero() {
		paymentDate = time.Now()
	}

	splits, err := s.payments.ResolveSplits(ctx, amount, req.Splits, req.FallbackMethod)
	if err != nil {
		return nil, err
	}

	result := &PostingResult{Unallocated: decimal.Zero}
	err = s.repo.WithTx(ctx, func(txs TxSet) error {
		balance, err := txs.Customers.BalanceForUpdate(ctx, req.CustomerID)
		if err != nil {
			return err
		}
		if done, err := s.replayed(ctx, txs, result, receivables.TxnPayment, treasury.RefPayment, req.PaymentID); err != nil || done {
			return err
		}

		entries, idempotent, err := s.postSplitEntries(ctx, txs.Treasury, splitPlan{
			entryType:      treasury.EntryCustomerPayment,
			reference:      treasury.Reference{Kind: treasury.RefPayment, ID: req.PaymentID},
			splits:         splits,
			entryDate:      paymentDate,
			treasuryID:     req.TreasuryID,
			idempotencyKey: req.IdempotencyKey,
		})
		if err != nil {
			return err
		}
		if idempotent {
			result.Entries = entries
			result.Idempotent = true
			return nil
		}
		result.Entries = entries

		payRef := treasury.RefPayment
		payID := req.PaymentID
		if err := txs.Receivables.InsertTransaction(ctx, &receivables.CustomerTransaction{
			CustomerID:    req.CustomerID,
			Kind:          receivables.TxnPayment,
			Debit:         decimal.Zero,
			Credit:        amount,
			ReferenceKind: &payRef,
			ReferenceID:   &payID,
			OccurredAt:    paymentDate,
		}); err != nil {
			return err
		}

		allocated, unallocated, err := s.allocateInTx(ctx, txs.Receivables, req.CustomerID, balance, amount, receivables.SourcePayment, entries[0].ID, paymentDate)
		if err != nil {
			return err
		}
		result.Allocations = allocated
		result.Unallocated = unallocated

		return txs.Customers.ApplyDelta(ctx, req.CustomerID, customers.DeltaUpdate{
			BalanceDelta: amount.Neg(),
			ActivityDate: &paymentDate,
			PaymentDate:  &paymentDate,
		})
	})
	if err != nil {
		return s.recoverDuplicate(ctx, err, treasury.RefPayment, req.PaymentID)
	}
	s.finish(ctx, result, shared.AuditEntryPosted, "payment", req.PaymentID)
	return result, nil
}

// RecordDeposit books an advance held for a customer. The money lands in the
// treasury and the balance goes negative-ward; open invoices are settled
// first, the rest stays as credit.
func (s *Service) RecordDeposit(ctx context.Context, req DepositRequest) (*PostingResult, error) {
	if req.CustomerID <= 0 {
		return nil, ErrMissingCustomer
	}
	if req.DepositID <= 0 {
		return nil, ErrMissingReference
	}
	amount := req.Amount.Round(2)
	if !amount.IsPositive() {
		return nil, treasury.ErrInvalidAmount
	}
	depositDate := req.DepositDate
	if depositDate.IsZero() {
		depositDate = time.Now()
	}

	splits, err := s.payments.ResolveSplits(ctx, amount, nil, req.Method)
	if err != nil {
		return nil, err
	}

	result := &PostingResult{Unallocated: decimal.Zero}
	err = s.repo.WithTx(ctx, func(txs TxSet) error {
		balance, err := txs.Customers.BalanceForUpdate(ctx, req.CustomerID)
		if err != nil {
			return err
		}
		if done, err := s.replayed(ctx, txs, result, receivables.TxnPayment, treasury.RefDeposit, req.DepositID); err != nil || done {
			return err
		}

		entries, idempotent, err := s.postSplitEntries(ctx, txs.Treasury, splitPlan{
			entryType:      treasury.EntryDepositIn,
			reference:      treasury.Reference{Kind: treasury.RefDeposit, ID: req.DepositID},
			splits:         splits,
			entryDate:      depositDate,
			treasuryID:     req.TreasuryID,
			idempotencyKey: req.IdempotencyKey,
		})
		if err != nil {
			return err
		}
		if idempotent {
			result.Entries = entries
			result.Idempotent = true
			return nil
		}
		result.Entries = entries

		depRef := treasury.RefDeposit
		depID := req.DepositID
		if err := txs.Receivables.InsertTransaction(ctx, &receivables.CustomerTransaction{
			CustomerID:    req.CustomerID,
			Kind:          receivables.TxnPayment,
			Debit:         decimal.Zero,
			Credit:        amount,
			ReferenceKind: &depRef,
			ReferenceID:   &depID,
			OccurredAt:    depositDate,
		}); err != nil {
			return err
		}

		allocated, unallocated, err := s.allocateInTx(ctx, txs.Receivables, req.CustomerID, balance, amount, receivables.SourceDeposit, entries[0].ID, depositDate)
		if err != nil {
			return err
		}
		result.Allocations = allocated
		result.Unallocated = unallocated

		return txs.Customers.ApplyDelta(ctx, req.CustomerID, customers.DeltaUpdate{
			BalanceDelta: amount.Neg(),
			ActivityDate: &depositDate,
			PaymentDate:  &depositDate,
		})
	})
	if err != nil {
		return s.recoverDuplicate(ctx, err, treasury.RefDeposit, req.DepositID)
	}
	s.finish(ctx, result, shared.AuditEntryPosted, "deposit", req.DepositID)
	return result, nil
}

// RecordRefund pays money back out of a treasury: either a held advance goes
// back to the customer or a merchandise return is refunded in cash.
func (s *Service) RecordRefund(ctx context.Context, req RefundRequest) (*PostingResult, error) {
	if req.CustomerID <= 0 {
		return nil, ErrMissingCustomer
	}
	if req.ReferenceID <= 0 {
		return nil, ErrMissingReference
	}
	amount := req.Amount.Round(2)
	if !amount.IsPositive() {
		return nil, treasury.ErrInvalidAmount
	}
	refundDate := req.RefundDate
	if refundDate.IsZero() {
		refundDate = time.Now()
	}

	var entryType treasury.EntryType
	var ctDebit, ctCredit decimal.Decimal
	switch req.Kind {
	case treasury.RefDeposit:
		// returning a held advance: receivable moves back toward zero
		entryType = treasury.EntryDepositRefund
		ctDebit, ctCredit = amount, decimal.Zero
	case treasury.RefReturn:
		// refunding a merchandise return: receivable is credited
		entryType = treasury.EntryReturnRefund
		ctDebit, ctCredit = decimal.Zero, amount
	default:
		return nil, ErrInvalidReference
	}

	result := &PostingResult{Unallocated: decimal.Zero}
	err := s.repo.WithTx(ctx, func(txs TxSet) error {
		if _, err := txs.Customers.BalanceForUpdate(ctx, req.CustomerID); err != nil {
			return err
		}
		if done, err := s.replayed(ctx, txs, result, receivables.TxnReturn, req.Kind, req.ReferenceID); err != nil || done {
			return err
		}

		entry, err := s.treasury.PostEntryInTx(ctx, txs.Treasury, treasury.PostEntryRequest{
			TreasuryID:     req.TreasuryID,
			Type:           entryType,
			Direction:      treasury.DirectionOut,
			Amount:         amount,
			Reference:      &treasury.Reference{Kind: req.Kind, ID: req.ReferenceID},
			EntryDate:      refundDate,
			IdempotencyKey: req.IdempotencyKey,
			AllowNegative:  req.AllowNegative,
		})
		if err != nil {
			return err
		}
		result.Entries = []treasury.Entry{*entry}
		if entry.Idempotent {
			result.Idempotent = true
			return nil
		}

		kind := req.Kind
		refID := req.ReferenceID
		if err := txs.Receivables.InsertTransaction(ctx, &receivables.CustomerTransaction{
			CustomerID:    req.CustomerID,
			Kind:          receivables.TxnReturn,
			Debit:         ctDebit,
			Credit:        ctCredit,
			ReferenceKind: &kind,
			ReferenceID:   &refID,
			OccurredAt:    refundDate,
		}); err != nil {
			return err
		}

		return txs.Customers.ApplyDelta(ctx, req.CustomerID, customers.DeltaUpdate{
			BalanceDelta: ctDebit.Sub(ctCredit),
			ActivityDate: &refundDate,
		})
	})
	if err != nil {
		return s.recoverDuplicate(ctx, err, req.Kind, req.ReferenceID)
	}
	s.finish(ctx, result, shared.AuditEntryPosted, "refund", req.ReferenceID)
	return result, nil
}

// ReverseReference unwinds everything posted for one business object: ledger
// entries (and their allocations), customer transactions and the cached
// balance effect, then re-derives the activity dates from what remains. Used
// when the parent record is edited or deleted before fresh entries are
// re-posted.
func (s *Service) ReverseReference(ctx context.Context, req ReverseRequest) (*ReverseResult, error) {
	if req.CustomerID <= 0 {
		return nil, ErrMissingCustomer
	}
	if req.ReferenceKind == "" {
		return nil, ErrInvalidReference
	}
	if req.ReferenceID <= 0 {
		return nil, ErrMissingReference
	}

	result := &ReverseResult{}
	err := s.repo.WithTx(ctx, func(txs TxSet) error {
		if _, err := txs.Customers.BalanceForUpdate(ctx, req.CustomerID); err != nil {
			return err
		}

		removed, err := s.treasury.RollbackByReferenceInTx(ctx, txs.Treasury, req.ReferenceKind, req.ReferenceID)
		if err != nil {
			return err
		}
		result.EntriesRemoved = removed

		delta, err := txs.Receivables.DeleteTransactionsByReference(ctx, req.ReferenceKind, req.ReferenceID)
		if err != nil {
			return err
		}
		result.TransactionsRemoved = int(delta.Count)

		if delta.Count > 0 {
			if err := txs.Customers.ApplyDelta(ctx, req.CustomerID, customers.DeltaUpdate{
				BalanceDelta: delta.Credit.Sub(delta.Debit),
			}); err != nil {
				return err
			}
		}
		// deltas cannot shrink activity dates, recompute from history
		return txs.Customers.RecalculateActivityDates(ctx, req.CustomerID)
	})
	if err != nil {
		return nil, err
	}

	s.metrics.Rollback()
	s.audit.RecordBestEffort(ctx, shared.AuditLog{
		Action:   shared.AuditEntryRolledBack,
		Entity:   req.ReferenceKind,
		EntityID: strconv.FormatInt(req.ReferenceID, 10),
		Meta: map[string]any{
			"entries_removed":      result.EntriesRemoved,
			"transactions_removed": result.TransactionsRemoved,
			"customer_id":          req.CustomerID,
		},
	})
	return result, nil
}

type splitPlan struct {
	entryType      treasury.EntryType
	reference      treasury.Reference
	splits         []payments.SplitRow
	entryDate      time.Time
	treasuryID     int64
	idempotencyKey string
}

// postSplitEntries posts one IN entry per split row. Keys derive from the
// base key plus the stable row index; if the first entry replays an existing
// key the whole action already committed and the caller short-circuits.
func (s *Service) postSplitEntries(ctx context.Context, tx treasury.TxRepository, plan splitPlan) ([]treasury.Entry, bool, error) {
	entries := make([]treasury.Entry, 0, len(plan.splits))
	for _, split := range plan.splits {
		methodID := split.MethodID
		ref := plan.reference
		entry, err := s.treasury.PostEntryInTx(ctx, tx, treasury.PostEntryRequest{
			TreasuryID:      plan.treasuryID,
			Type:            plan.entryType,
			Direction:       treasury.DirectionIn,
			Amount:          split.Amount,
			Reference:       &ref,
			PaymentMethodID: &methodID,
			EntryDate:       plan.entryDate,
			IdempotencyKey:  derivedKey(plan.idempotencyKey, split.Index),
		})
		if err != nil {
			return nil, false, err
		}
		if entry.Idempotent {
			return []treasury.Entry{*entry}, true, nil
		}
		entries = append(entries, *entry)
	}
	return entries, false, nil
}

func derivedKey(base string, index int) string {
	if base == "" {
		return ""
	}
	return base + ":" + strconv.Itoa(index)
}

// replayed short-circuits a retried action whose first run posted no treasury
// entry (a zero-paid sale has no split rows, so no idempotency key is ever
// consulted). The sub-ledger row keyed by the business reference is the
// durable witness that the action already committed.
func (s *Service) replayed(ctx context.Context, txs TxSet, result *PostingResult, kind, refKind string, refID int64) (bool, error) {
	exists, err := txs.Receivables.TransactionExists(ctx, kind, refKind, refID)
	if err != nil || !exists {
		return false, err
	}
	entries, err := txs.Treasury.ListEntriesByReference(ctx, refKind, refID)
	if err != nil {
		return false, err
	}
	result.Entries = entries
	result.Idempotent = true
	return true, nil
}

// allocateInTx settles the amount against the customer's open invoices,
// oldest first, and persists the resulting allocation rows.
func (s *Service) allocateInTx(ctx context.Context, repo receivables.TxRepository, customerID int64, authoritative, amount decimal.Decimal, sourceType string, sourceEntryID int64, date time.Time) ([]receivables.PaymentAllocation, decimal.Decimal, error) {
	rows, err := repo.ListOutstanding(ctx, customerID)
	if err != nil {
		return nil, decimal.Zero, err
	}
	rows = receivables.ReconcileOutstanding(rows, authoritative)

	outcome := receivables.ApplyAllocations(rows, amount, sourceType, customerID, sourceEntryID, date)
	if len(outcome.Allocations) > 0 {
		if err := repo.InsertAllocations(ctx, outcome.Allocations); err != nil {
			return nil, decimal.Zero, err
		}
	}
	return outcome.Allocations, outcome.Unallocated, nil
}

// recoverDuplicate handles the commit race on an idempotency key: the losing
// transaction rolled back whole, the winner holds the completed action.
func (s *Service) recoverDuplicate(ctx context.Context, err error, refKind string, refID int64) (*PostingResult, error) {
	if !errors.Is(err, treasury.ErrDuplicateEntryKey) {
		return nil, err
	}
	entries, _, fetchErr := s.treasury.ListEntries(ctx, treasury.EntryFilter{
		ReferenceKind: refKind,
		ReferenceID:   refID,
	})
	if fetchErr != nil {
		return nil, fmt.Errorf("posting: fetch entries after key conflict: %w", fetchErr)
	}
	s.logger.Info("posting replayed after key conflict",
		slog.String("reference_kind", refKind),
		slog.Int64("reference_id", refID))
	s.metrics.IdempotentReplay()
	return &PostingResult{Entries: entries, Unallocated: decimal.Zero, Idempotent: true}, nil
}

func (s *Service) finish(ctx context.Context, result *PostingResult, action, entity string, entityID int64) {
	if result.Idempotent {
		s.metrics.IdempotentReplay()
		return
	}
	for _, entry := range result.Entries {
		s.metrics.EntryPosted(string(entry.Type))
	}
	s.audit.RecordBestEffort(ctx, shared.AuditLog{
		Action:   action,
		Entity:   entity,
		EntityID: strconv.FormatInt(entityID, 10),
		Meta: map[string]any{
			"entries":     len(result.Entries),
			"allocations": len(result.Allocations),
			"unallocated": result.Unallocated.String(),
		},
	})
}
