package treasury

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/tillbook/tillbook/internal/shared"
)

// DefaultCode is the well-known code used when the engine has to create a
// fallback treasury.
const DefaultCode = "MAIN"

// Service implements the ledger engine: idempotent entry posting,
// reference-scoped rollback, transfers and default-treasury resolution.
type Service struct {
	repo   RepositoryPort
	audit  *shared.AuditLogger
	logger *slog.Logger
}

// NewService builds a Service instance.
func NewService(repo RepositoryPort, audit *shared.AuditLogger, logger *slog.Logger) *Service {
	return &Service{repo: repo, audit: audit, logger: logger}
}

// PostEntry appends one ledger entry inside its own transaction.
// Retried requests carrying the same idempotency key return the already
// persisted entry with Idempotent set.
func (s *Service) PostEntry(ctx context.Context, req PostEntryRequest) (*Entry, error) {
	var entry *Entry
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		e, err := s.PostEntryInTx(ctx, tx, req)
		if err != nil {
			return err
		}
		entry = e
		return nil
	})
	if errors.Is(err, ErrDuplicateEntryKey) {
		// A concurrent transaction committed the same key between our
		// existence check and insert. The transaction above rolled back,
		// so no balance change was applied twice.
		existing, fetchErr := s.repo.FindEntryByKey(ctx, req.IdempotencyKey)
		if fetchErr != nil {
			return nil, fmt.Errorf("treasury: fetch entry after key conflict: %w", fetchErr)
		}
		existing.Idempotent = true
		return existing, nil
	}
	if err != nil {
		return nil, err
	}
	if !entry.Idempotent {
		s.recordAudit(ctx, shared.AuditEntryPosted, "treasury_entry", entry.ID, map[string]any{
			"treasury_id": entry.TreasuryID,
			"entry_type":  string(entry.Type),
			"direction":   string(entry.Direction),
			"amount":      entry.Amount.String(),
		})
	}
	return entry, nil
}

// PostEntryInTx appends one ledger entry on an existing transaction. Callers
// composing multiple postings into one business action use this directly;
// they must treat ErrDuplicateEntryKey as "abort, then re-read the committed
// entry outside the transaction".
func (s *Service) PostEntryInTx(ctx context.Context, tx TxRepository, req PostEntryRequest) (*Entry, error) {
	if !req.Type.IsValid() {
		return nil, ErrInvalidEntryType
	}
	if !req.Direction.IsValid() {
		return nil, ErrInvalidDirection
	}
	amount := req.Amount.Round(2)
	if !amount.IsPositive() {
		return nil, ErrInvalidAmount
	}
	entryDate := req.EntryDate
	if entryDate.IsZero() {
		entryDate = time.Now()
	}

	treasuryID, err := s.resolveTreasuryInTx(ctx, tx, req.TreasuryID)
	if err != nil {
		return nil, err
	}

	if req.IdempotencyKey != "" {
		// Serialize all carriers of this key, then look for a winner that
		// committed before we acquired the lock.
		if err := tx.AdvisoryLock(ctx, shared.AdvisoryLockKey(shared.LockScopeEntryKey, req.IdempotencyKey)); err != nil {
			return nil, err
		}
		existing, err := tx.FindEntryByKey(ctx, req.IdempotencyKey)
		if err == nil {
			existing.Idempotent = true
			return existing, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
	}

	t, err := tx.GetTreasuryForUpdate(ctx, treasuryID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrTreasuryNotFound
		}
		return nil, err
	}

	before := t.CurrentBalance
	var after decimal.Decimal
	if req.Direction == DirectionIn {
		after = before.Add(amount)
	} else {
		after = before.Sub(amount)
	}
	if after.IsNegative() && !req.AllowNegative {
		return nil, ErrInsufficientBalance
	}

	if err := tx.UpdateBalance(ctx, treasuryID, after); err != nil {
		return nil, err
	}

	entry := &Entry{
		TreasuryID:      treasuryID,
		Type:            req.Type,
		Direction:       req.Direction,
		Amount:          amount,
		BalanceBefore:   before,
		BalanceAfter:    after,
		Reference:       req.Reference,
		PaymentMethodID: req.PaymentMethodID,
		EntryDate:       entryDate,
		Meta:            req.Meta,
	}
	if req.IdempotencyKey != "" {
		key := req.IdempotencyKey
		entry.IdempotencyKey = &key
	}
	if _, err := tx.InsertEntry(ctx, entry); err != nil {
		return nil, err
	}
	return entry, nil
}

// RollbackByReference reverses every ledger effect tied to one business
// object. The reversal is all-or-nothing: balances, entries and dependent
// payment allocations revert in a single transaction.
func (s *Service) RollbackByReference(ctx context.Context, kind string, refID int64) (*RollbackResult, error) {
	var result RollbackResult
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		count, err := s.RollbackByReferenceInTx(ctx, tx, kind, refID)
		if err != nil {
			return err
		}
		result.Count = count
		return nil
	})
	if err != nil {
		return nil, err
	}
	if result.Count > 0 {
		s.recordAudit(ctx, shared.AuditEntryRolledBack, "reference", refID, map[string]any{
			"reference_type": kind,
			"entries":        result.Count,
		})
	}
	return &result, nil
}

// RollbackByReferenceInTx performs the rollback on an existing transaction
// and returns the number of reversed entries.
func (s *Service) RollbackByReferenceInTx(ctx context.Context, tx TxRepository, kind string, refID int64) (int, error) {
	entries, err := tx.ListEntriesByReference(ctx, kind, refID)
	if err != nil {
		return 0, err
	}
	if len(entries) == 0 {
		return 0, nil
	}

	reversals := map[int64]decimal.Decimal{}
	entryIDs := make([]int64, 0, len(entries))
	for _, e := range entries {
		entryIDs = append(entryIDs, e.ID)
		delta := e.Amount
		if e.Direction == DirectionIn {
			delta = delta.Neg()
		}
		reversals[e.TreasuryID] = reversals[e.TreasuryID].Add(delta)
	}

	// Lock affected treasuries in ascending id order so concurrent
	// rollbacks and transfers cannot deadlock against each other.
	treasuryIDs := make([]int64, 0, len(reversals))
	for id := range reversals {
		treasuryIDs = append(treasuryIDs, id)
	}
	sort.Slice(treasuryIDs, func(i, j int) bool { return treasuryIDs[i] < treasuryIDs[j] })

	for _, id := range treasuryIDs {
		t, err := tx.GetTreasuryForUpdate(ctx, id)
		if err != nil {
			return 0, err
		}
		if err := tx.UpdateBalance(ctx, id, t.CurrentBalance.Add(reversals[id])); err != nil {
			return 0, err
		}
	}

	if _, err := tx.DeleteAllocationsForEntries(ctx, entryIDs); err != nil {
		return 0, err
	}
	if _, err := tx.DeleteEntriesByReference(ctx, kind, refID); err != nil {
		return 0, err
	}
	return len(entries), nil
}

// Transfer moves money between two treasuries. The source leg is balance
// checked; the target leg always receives. Both legs commit or neither does.
func (s *Service) Transfer(ctx context.Context, req TransferRequest) (*TransferResult, error) {
	amount := req.Amount.Round(2)
	if !amount.IsPositive() {
		return nil, ErrInvalidAmount
	}
	if req.SourceTreasuryID == req.TargetTreasuryID {
		return nil, ErrSameTreasury
	}
	entryDate := req.EntryDate
	if entryDate.IsZero() {
		entryDate = time.Now()
	}
	group := uuid.NewString()

	var result TransferResult
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		// Stable lock order by treasury id, independent of direction.
		first, second := req.SourceTreasuryID, req.TargetTreasuryID
		if second < first {
			first, second = second, first
		}
		locked := map[int64]*Treasury{}
		for _, id := range []int64{first, second} {
			t, err := tx.GetTreasuryForUpdate(ctx, id)
			if err != nil {
				if errors.Is(err, ErrNotFound) {
					return ErrTreasuryNotFound
				}
				return err
			}
			if !t.IsActive || t.IsDeleted {
				return ErrTreasuryInactive
			}
			locked[id] = t
		}

		source := locked[req.SourceTreasuryID]
		target := locked[req.TargetTreasuryID]

		outAfter := source.CurrentBalance.Sub(amount)
		if outAfter.IsNegative() {
			return ErrInsufficientBalance
		}
		if err := tx.UpdateBalance(ctx, source.ID, outAfter); err != nil {
			return err
		}
		out := &Entry{
			TreasuryID:    source.ID,
			Type:          EntryTransferOut,
			Direction:     DirectionOut,
			Amount:        amount,
			BalanceBefore: source.CurrentBalance,
			BalanceAfter:  outAfter,
			EntryDate:     entryDate,
			Meta:          map[string]any{"transfer_group": group},
		}
		if _, err := tx.InsertEntry(ctx, out); err != nil {
			return err
		}

		inAfter := target.CurrentBalance.Add(amount)
		if err := tx.UpdateBalance(ctx, target.ID, inAfter); err != nil {
			return err
		}
		in := &Entry{
			TreasuryID:    target.ID,
			Type:          EntryTransferIn,
			Direction:     DirectionIn,
			Amount:        amount,
			BalanceBefore: target.CurrentBalance,
			BalanceAfter:  inAfter,
			EntryDate:     entryDate,
			Meta:          map[string]any{"transfer_group": group, "counterpart_entry_id": out.ID},
		}
		if _, err := tx.InsertEntry(ctx, in); err != nil {
			return err
		}

		out.Meta["counterpart_entry_id"] = in.ID
		if err := tx.UpdateEntryMeta(ctx, out.ID, out.Meta); err != nil {
			return err
		}

		result.Out = out
		result.In = in
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.recordAudit(ctx, shared.AuditTransferPosted, "transfer", result.Out.ID, map[string]any{
		"source_treasury_id": req.SourceTreasuryID,
		"target_treasury_id": req.TargetTreasuryID,
		"amount":             amount.String(),
		"transfer_group":     group,
	})
	return &result, nil
}

// ResolveTreasuryID resolves a requested treasury id to a concrete active
// treasury, falling back to (and creating, if needed) the default.
func (s *Service) ResolveTreasuryID(ctx context.Context, requested int64) (int64, error) {
	var id int64
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		resolved, err := s.resolveTreasuryInTx(ctx, tx, requested)
		if err != nil {
			return err
		}
		id = resolved
		return nil
	})
	return id, err
}

func (s *Service) resolveTreasuryInTx(ctx context.Context, tx TxRepository, requested int64) (int64, error) {
	if requested > 0 {
		t, err := tx.GetTreasury(ctx, requested)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return 0, ErrTreasuryNotFound
			}
			return 0, err
		}
		if !t.IsActive || t.IsDeleted {
			return 0, ErrTreasuryInactive
		}
		return t.ID, nil
	}
	return s.getOrCreateDefaultInTx(ctx, tx)
}

func (s *Service) getOrCreateDefaultInTx(ctx context.Context, tx TxRepository) (int64, error) {
	// Serialize default resolution so concurrent first postings cannot
	// create two fallback treasuries.
	if err := tx.AdvisoryLock(ctx, shared.AdvisoryLockKey(shared.LockScopeDefaultTreasury, DefaultCode)); err != nil {
		return 0, err
	}

	if t, err := tx.FindDefault(ctx); err == nil && t.IsActive {
		return t.ID, nil
	} else if err != nil && !errors.Is(err, ErrNotFound) {
		return 0, err
	}

	if t, err := tx.FindByCode(ctx, DefaultCode); err == nil && t.IsActive {
		return t.ID, nil
	} else if err != nil && !errors.Is(err, ErrNotFound) {
		return 0, err
	}

	if t, err := tx.FindAnyActive(ctx); err == nil {
		return t.ID, nil
	} else if !errors.Is(err, ErrNotFound) {
		return 0, err
	}

	id, err := tx.InsertTreasury(ctx, Treasury{
		Name:           "Main Treasury",
		Code:           DefaultCode,
		OpeningBalance: decimal.Zero,
		CurrentBalance: decimal.Zero,
		IsActive:       true,
		IsDefault:      true,
	})
	if err != nil {
		return 0, err
	}
	if s.logger != nil {
		s.logger.Info("created fallback default treasury", slog.Int64("treasury_id", id))
	}
	return id, nil
}

// SetDefault makes the target treasury the single default. Clearing and
// setting happen inside one transaction so there is never a window with zero
// or two defaults.
func (s *Service) SetDefault(ctx context.Context, id int64) error {
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		t, err := tx.GetTreasury(ctx, id)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return ErrTreasuryNotFound
			}
			return err
		}
		if !t.IsActive || t.IsDeleted {
			return ErrTreasuryInactive
		}
		if err := tx.ClearDefault(ctx); err != nil {
			return err
		}
		return tx.MarkDefault(ctx, id)
	})
	if err != nil {
		return err
	}
	s.recordAudit(ctx, shared.AuditTreasuryDefault, "treasury", id, nil)
	return nil
}

// CreateTreasury registers a new treasury account.
func (s *Service) CreateTreasury(ctx context.Context, req CreateTreasuryRequest) (*Treasury, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, errors.New("treasury: name required")
	}
	code := NormalizeCode(req.Code)
	if code == "" {
		return nil, errors.New("treasury: code required")
	}
	opening := req.OpeningBalance.Round(2)
	if opening.IsNegative() {
		return nil, ErrInvalidAmount
	}

	var created *Treasury
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		t := Treasury{
			Name:           name,
			Code:           code,
			OpeningBalance: opening,
			CurrentBalance: opening,
			IsActive:       true,
		}
		if req.IsDefault {
			if err := tx.ClearDefault(ctx); err != nil {
				return err
			}
			t.IsDefault = true
		}
		id, err := tx.InsertTreasury(ctx, t)
		if err != nil {
			return err
		}
		t.ID = id
		created = &t
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.recordAudit(ctx, shared.AuditTreasuryCreated, "treasury", created.ID, map[string]any{
		"code":            created.Code,
		"opening_balance": created.OpeningBalance.String(),
	})
	return created, nil
}

// ArchiveTreasury soft-deletes a treasury. A treasury with linked entries is
// renamed and re-coded so the history stays attributable; it is never purged.
func (s *Service) ArchiveTreasury(ctx context.Context, id int64) error {
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		t, err := tx.GetTreasuryForUpdate(ctx, id)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return ErrTreasuryNotFound
			}
			return err
		}
		if t.IsDeleted {
			return ErrTreasuryNotFound
		}
		if t.IsDefault {
			return ErrTreasuryIsDefault
		}
		active, err := tx.CountActive(ctx)
		if err != nil {
			return err
		}
		if t.IsActive && active <= 1 {
			return ErrLastActiveTreasury
		}

		name, code := t.Name, t.Code
		linked, err := tx.CountEntries(ctx, id)
		if err != nil {
			return err
		}
		if linked > 0 {
			name = fmt.Sprintf("%s (archived)", t.Name)
			code = fmt.Sprintf("%s-ARC%d", t.Code, t.ID)
		}
		return tx.ArchiveTreasury(ctx, id, name, code)
	})
	if err != nil {
		return err
	}
	s.recordAudit(ctx, shared.AuditTreasuryArchive, "treasury", id, nil)
	return nil
}

// GetTreasury returns one treasury.
func (s *Service) GetTreasury(ctx context.Context, id int64) (*Treasury, error) {
	return s.repo.GetTreasury(ctx, id)
}

// ListTreasuries returns treasuries, optionally including archived ones.
func (s *Service) ListTreasuries(ctx context.Context, includeDeleted bool) ([]Treasury, error) {
	return s.repo.ListTreasuries(ctx, includeDeleted)
}

// ListEntries returns ledger entries matching the filter plus the total count.
func (s *Service) ListEntries(ctx context.Context, filter EntryFilter) ([]Entry, int, error) {
	return s.repo.ListEntries(ctx, filter)
}

// NormalizeCode turns free text into the canonical uppercase token form.
func NormalizeCode(code string) string {
	code = strings.ToUpper(strings.TrimSpace(code))
	return strings.Join(strings.Fields(code), "-")
}

func (s *Service) recordAudit(ctx context.Context, action, entity string, id int64, meta map[string]any) {
	if s.audit == nil {
		return
	}
	s.audit.RecordBestEffort(ctx, shared.AuditLog{
		Action:   action,
		Entity:   entity,
		EntityID: fmt.Sprintf("%d", id),
		Meta:     meta,
	})
}
