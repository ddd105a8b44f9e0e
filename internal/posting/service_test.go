package posting

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tillbook/tillbook/internal/customers"
	"github.com/tillbook/tillbook/internal/payments"
	"github.com/tillbook/tillbook/internal/receivables"
	"github.com/tillbook/tillbook/internal/treasury"
)

// ============================================================================
// IN-MEMORY LEDGER FIXTURE
// ============================================================================

type saleRecord struct {
	customerID  int64
	invoiceDate time.Time
}

// fixture backs every repository interface the orchestrator composes, so a
// whole business action runs against one shared in-memory state.
type fixture struct {
	treasuries   map[int64]*treasury.Treasury
	entries      map[int64]*treasury.Entry
	entriesByKey map[string]int64

	sales       map[int64]saleRecord
	txns        map[int64]*receivables.CustomerTransaction
	allocations map[int64]*receivables.PaymentAllocation

	custs map[int64]*customers.Customer

	nextTreasuryID int64
	nextEntryID    int64
	nextTxnID      int64
	nextAllocID    int64

	insertTxnErr error
}

func newFixture() *fixture {
	return &fixture{
		treasuries:     map[int64]*treasury.Treasury{},
		entries:        map[int64]*treasury.Entry{},
		entriesByKey:   map[string]int64{},
		sales:          map[int64]saleRecord{},
		txns:           map[int64]*receivables.CustomerTransaction{},
		allocations:    map[int64]*receivables.PaymentAllocation{},
		custs:          map[int64]*customers.Customer{},
		nextTreasuryID: 1,
		nextEntryID:    1,
		nextTxnID:      1,
		nextAllocID:    1,
	}
}

type fixtureSnapshot struct {
	treasuries   map[int64]*treasury.Treasury
	entries      map[int64]*treasury.Entry
	entriesByKey map[string]int64
	txns         map[int64]*receivables.CustomerTransaction
	allocations  map[int64]*receivables.PaymentAllocation
	custs        map[int64]*customers.Customer
}

func (f *fixture) snapshot() fixtureSnapshot {
	s := fixtureSnapshot{
		treasuries:   map[int64]*treasury.Treasury{},
		entries:      map[int64]*treasury.Entry{},
		entriesByKey: map[string]int64{},
		txns:         map[int64]*receivables.CustomerTransaction{},
		allocations:  map[int64]*receivables.PaymentAllocation{},
		custs:        map[int64]*customers.Customer{},
	}
	for id, t := range f.treasuries {
		clone := *t
		s.treasuries[id] = &clone
	}
	for id, e := range f.entries {
		clone := *e
		s.entries[id] = &clone
	}
	for k, v := range f.entriesByKey {
		s.entriesByKey[k] = v
	}
	for id, txn := range f.txns {
		clone := *txn
		s.txns[id] = &clone
	}
	for id, a := range f.allocations {
		clone := *a
		s.allocations[id] = &clone
	}
	for id, c := range f.custs {
		clone := *c
		s.custs[id] = &clone
	}
	return s
}

func (f *fixture) restore(s fixtureSnapshot) {
	f.treasuries = s.treasuries
	f.entries = s.entries
	f.entriesByKey = s.entriesByKey
	f.txns = s.txns
	f.allocations = s.allocations
	f.custs = s.custs
}

// WithTx implements the posting unit of work with all-or-nothing semantics.
func (f *fixture) WithTx(ctx context.Context, fn func(TxSet) error) error {
	snap := f.snapshot()
	err := fn(TxSet{
		Treasury:    &treasuryTx{f},
		Receivables: &recvTx{f},
		Customers:   &custTx{f},
	})
	if err != nil {
		f.restore(snap)
		return err
	}
	return nil
}

// ---- treasury.RepositoryPort (pool-level reads for the treasury service)

type treasuryRepo struct {
	f *fixture
}

func (r *treasuryRepo) WithTx(ctx context.Context, fn func(context.Context, treasury.TxRepository) error) error {
	snap := r.f.snapshot()
	if err := fn(ctx, &treasuryTx{r.f}); err != nil {
		r.f.restore(snap)
		return err
	}
	return nil
}

func (r *treasuryRepo) GetTreasury(ctx context.Context, id int64) (*treasury.Treasury, error) {
	return (&treasuryTx{r.f}).GetTreasury(ctx, id)
}

func (r *treasuryRepo) ListTreasuries(ctx context.Context, includeDeleted bool) ([]treasury.Treasury, error) {
	out := []treasury.Treasury{}
	for _, t := range r.f.treasuries {
		if t.IsDeleted && !includeDeleted {
			continue
		}
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *treasuryRepo) FindEntryByKey(ctx context.Context, key string) (*treasury.Entry, error) {
	return (&treasuryTx{r.f}).FindEntryByKey(ctx, key)
}

func (r *treasuryRepo) ListEntries(ctx context.Context, filter treasury.EntryFilter) ([]treasury.Entry, int, error) {
	out := []treasury.Entry{}
	for _, e := range r.f.entries {
		if filter.TreasuryID != 0 && e.TreasuryID != filter.TreasuryID {
			continue
		}
		if filter.ReferenceKind != "" {
			if e.Reference == nil || e.Reference.Kind != filter.ReferenceKind || e.Reference.ID != filter.ReferenceID {
				continue
			}
		}
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, len(out), nil
}

// ---- treasury.TxRepository

type treasuryTx struct {
	f *fixture
}

func (tx *treasuryTx) AdvisoryLock(ctx context.Context, key int64) error { return nil }

func (tx *treasuryTx) GetTreasury(ctx context.Context, id int64) (*treasury.Treasury, error) {
	t, ok := tx.f.treasuries[id]
	if !ok {
		return nil, treasury.ErrNotFound
	}
	clone := *t
	return &clone, nil
}

func (tx *treasuryTx) GetTreasuryForUpdate(ctx context.Context, id int64) (*treasury.Treasury, error) {
	return tx.GetTreasury(ctx, id)
}

func (tx *treasuryTx) FindDefault(ctx context.Context) (*treasury.Treasury, error) {
	for _, t := range tx.f.treasuries {
		if t.IsDefault && !t.IsDeleted {
			clone := *t
			return &clone, nil
		}
	}
	return nil, treasury.ErrNotFound
}

func (tx *treasuryTx) FindByCode(ctx context.Context, code string) (*treasury.Treasury, error) {
	for _, t := range tx.f.treasuries {
		if t.Code == code && !t.IsDeleted {
			clone := *t
			return &clone, nil
		}
	}
	return nil, treasury.ErrNotFound
}

func (tx *treasuryTx) FindAnyActive(ctx context.Context) (*treasury.Treasury, error) {
	var best *treasury.Treasury
	for _, t := range tx.f.treasuries {
		if t.IsActive && !t.IsDeleted && (best == nil || t.ID < best.ID) {
			best = t
		}
	}
	if best == nil {
		return nil, treasury.ErrNotFound
	}
	clone := *best
	return &clone, nil
}

func (tx *treasuryTx) InsertTreasury(ctx context.Context, t treasury.Treasury) (int64, error) {
	t.ID = tx.f.nextTreasuryID
	tx.f.nextTreasuryID++
	tx.f.treasuries[t.ID] = &t
	return t.ID, nil
}

func (tx *treasuryTx) UpdateBalance(ctx context.Context, id int64, balance decimal.Decimal) error {
	t, ok := tx.f.treasuries[id]
	if !ok {
		return treasury.ErrNotFound
	}
	t.CurrentBalance = balance
	return nil
}

func (tx *treasuryTx) ClearDefault(ctx context.Context) error {
	for _, t := range tx.f.treasuries {
		t.IsDefault = false
	}
	return nil
}

func (tx *treasuryTx) MarkDefault(ctx context.Context, id int64) error {
	t, ok := tx.f.treasuries[id]
	if !ok {
		return treasury.ErrNotFound
	}
	t.IsDefault = true
	return nil
}

func (tx *treasuryTx) CountActive(ctx context.Context) (int, error) {
	n := 0
	for _, t := range tx.f.treasuries {
		if t.IsActive && !t.IsDeleted {
			n++
		}
	}
	return n, nil
}

func (tx *treasuryTx) CountEntries(ctx context.Context, treasuryID int64) (int, error) {
	n := 0
	for _, e := range tx.f.entries {
		if e.TreasuryID == treasuryID {
			n++
		}
	}
	return n, nil
}

func (tx *treasuryTx) ArchiveTreasury(ctx context.Context, id int64, name, code string) error {
	t, ok := tx.f.treasuries[id]
	if !ok {
		return treasury.ErrNotFound
	}
	t.Name = name
	t.Code = code
	t.IsActive = false
	t.IsDeleted = true
	t.IsDefault = false
	return nil
}

func (tx *treasuryTx) FindEntryByKey(ctx context.Context, key string) (*treasury.Entry, error) {
	id, ok := tx.f.entriesByKey[key]
	if !ok {
		return nil, treasury.ErrNotFound
	}
	clone := *tx.f.entries[id]
	return &clone, nil
}

func (tx *treasuryTx) InsertEntry(ctx context.Context, e *treasury.Entry) (int64, error) {
	if e.IdempotencyKey != nil {
		if _, exists := tx.f.entriesByKey[*e.IdempotencyKey]; exists {
			return 0, treasury.ErrDuplicateEntryKey
		}
	}
	e.ID = tx.f.nextEntryID
	tx.f.nextEntryID++
	e.CreatedAt = time.Now()
	clone := *e
	tx.f.entries[e.ID] = &clone
	if e.IdempotencyKey != nil {
		tx.f.entriesByKey[*e.IdempotencyKey] = e.ID
	}
	return e.ID, nil
}

func (tx *treasuryTx) UpdateEntryMeta(ctx context.Context, id int64, meta map[string]any) error {
	e, ok := tx.f.entries[id]
	if !ok {
		return treasury.ErrNotFound
	}
	e.Meta = meta
	return nil
}

func (tx *treasuryTx) ListEntriesByReference(ctx context.Context, kind string, refID int64) ([]treasury.Entry, error) {
	out := []treasury.Entry{}
	for _, e := range tx.f.entries {
		if e.Reference != nil && e.Reference.Kind == kind && e.Reference.ID == refID {
			out = append(out, *e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (tx *treasuryTx) DeleteEntriesByReference(ctx context.Context, kind string, refID int64) (int64, error) {
	var removed int64
	for id, e := range tx.f.entries {
		if e.Reference != nil && e.Reference.Kind == kind && e.Reference.ID == refID {
			if e.IdempotencyKey != nil {
				delete(tx.f.entriesByKey, *e.IdempotencyKey)
			}
			delete(tx.f.entries, id)
			removed++
		}
	}
	return removed, nil
}

func (tx *treasuryTx) DeleteAllocationsForEntries(ctx context.Context, entryIDs []int64) (int64, error) {
	ids := map[int64]bool{}
	for _, id := range entryIDs {
		ids[id] = true
	}
	var removed int64
	for id, a := range tx.f.allocations {
		if ids[a.SourceEntryID] {
			delete(tx.f.allocations, id)
			removed++
		}
	}
	return removed, nil
}

// ---- receivables.TxRepository

type recvTx struct {
	f *fixture
}

func (tx *recvTx) ListOutstanding(ctx context.Context, customerID int64) ([]receivables.OutstandingRow, error) {
	rows := []receivables.OutstandingRow{}
	for saleID, sale := range tx.f.sales {
		if sale.customerID != customerID {
			continue
		}
		booked := decimal.Zero
		for _, txn := range tx.f.txns {
			if txn.Kind != receivables.TxnSale && txn.Kind != receivables.TxnReturn {
				continue
			}
			if txn.CustomerID == customerID && txn.ReferenceKind != nil && *txn.ReferenceKind == treasury.RefSale && txn.ReferenceID != nil && *txn.ReferenceID == saleID {
				booked = booked.Add(txn.Debit).Sub(txn.Credit)
			}
		}
		if booked.IsNegative() {
			booked = decimal.Zero
		}
		paid := decimal.Zero
		for _, a := range tx.f.allocations {
			if a.SaleID == saleID {
				paid = paid.Add(a.Amount)
			}
		}
		outstanding := booked.Sub(paid)
		if outstanding.IsPositive() {
			rows = append(rows, receivables.OutstandingRow{
				SaleID:      saleID,
				InvoiceDate: sale.invoiceDate,
				Total:       booked,
				Paid:        paid,
				Outstanding: outstanding,
			})
		}
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].InvoiceDate.Equal(rows[j].InvoiceDate) {
			return rows[i].SaleID < rows[j].SaleID
		}
		return rows[i].InvoiceDate.Before(rows[j].InvoiceDate)
	})
	return rows, nil
}

func (tx *recvTx) TransactionExists(ctx context.Context, kind, referenceKind string, referenceID int64) (bool, error) {
	for _, txn := range tx.f.txns {
		if txn.Kind == kind && txn.ReferenceKind != nil && *txn.ReferenceKind == referenceKind && txn.ReferenceID != nil && *txn.ReferenceID == referenceID {
			return true, nil
		}
	}
	return false, nil
}

func (tx *recvTx) InsertTransaction(ctx context.Context, txn *receivables.CustomerTransaction) error {
	if tx.f.insertTxnErr != nil {
		return tx.f.insertTxnErr
	}
	txn.ID = tx.f.nextTxnID
	tx.f.nextTxnID++
	txn.CreatedAt = time.Now()
	clone := *txn
	tx.f.txns[txn.ID] = &clone
	return nil
}

func (tx *recvTx) InsertAllocations(ctx context.Context, allocations []receivables.PaymentAllocation) error {
	for i := range allocations {
		allocations[i].ID = tx.f.nextAllocID
		tx.f.nextAllocID++
		clone := allocations[i]
		tx.f.allocations[clone.ID] = &clone
	}
	return nil
}

func (tx *recvTx) DeleteTransactionsByReference(ctx context.Context, kind string, id int64) (receivables.Delta, error) {
	delta := receivables.Delta{Debit: decimal.Zero, Credit: decimal.Zero}
	for txnID, txn := range tx.f.txns {
		if txn.ReferenceKind != nil && *txn.ReferenceKind == kind && txn.ReferenceID != nil && *txn.ReferenceID == id {
			delta.Debit = delta.Debit.Add(txn.Debit)
			delta.Credit = delta.Credit.Add(txn.Credit)
			delta.Count++
			delete(tx.f.txns, txnID)
		}
	}
	return delta, nil
}

// ---- customers.TxRepository

type custTx struct {
	f *fixture
}

func (tx *custTx) BalanceForUpdate(ctx context.Context, customerID int64) (decimal.Decimal, error) {
	c, ok := tx.f.custs[customerID]
	if !ok {
		return decimal.Zero, customers.ErrNotFound
	}
	return c.Balance, nil
}

func (tx *custTx) ApplyDelta(ctx context.Context, customerID int64, update customers.DeltaUpdate) error {
	c, ok := tx.f.custs[customerID]
	if !ok {
		return customers.ErrNotFound
	}
	c.Balance = c.Balance.Add(update.BalanceDelta)
	if update.ActivityDate != nil && (c.FirstActivityDate == nil || update.ActivityDate.Before(*c.FirstActivityDate)) {
		d := *update.ActivityDate
		c.FirstActivityDate = &d
	}
	if update.PaymentDate != nil && (c.LastPaymentDate == nil || update.PaymentDate.After(*c.LastPaymentDate)) {
		d := *update.PaymentDate
		c.LastPaymentDate = &d
	}
	c.FinancialsUpdatedAt = time.Now()
	return nil
}

func (tx *custTx) RecalculateActivityDates(ctx context.Context, customerID int64) error {
	c, ok := tx.f.custs[customerID]
	if !ok {
		return customers.ErrNotFound
	}
	var first, lastPayment *time.Time
	for _, sale := range tx.f.sales {
		if sale.customerID == customerID {
			if first == nil || sale.invoiceDate.Before(*first) {
				d := sale.invoiceDate
				first = &d
			}
		}
	}
	for _, txn := range tx.f.txns {
		if txn.CustomerID != customerID || txn.Kind != receivables.TxnPayment {
			continue
		}
		if first == nil || txn.OccurredAt.Before(*first) {
			d := txn.OccurredAt
			first = &d
		}
		if lastPayment == nil || txn.OccurredAt.After(*lastPayment) {
			d := txn.OccurredAt
			lastPayment = &d
		}
	}
	c.FirstActivityDate = first
	c.LastPaymentDate = lastPayment
	c.FinancialsUpdatedAt = time.Now()
	return nil
}

func (tx *custTx) RebuildFinancials(ctx context.Context, customerID int64) (decimal.Decimal, error) {
	c, ok := tx.f.custs[customerID]
	if !ok {
		return decimal.Zero, customers.ErrNotFound
	}
	balance := decimal.Zero
	for _, txn := range tx.f.txns {
		if txn.CustomerID == customerID {
			balance = balance.Add(txn.Debit).Sub(txn.Credit)
		}
	}
	c.Balance = balance
	if err := tx.RecalculateActivityDates(ctx, customerID); err != nil {
		return decimal.Zero, err
	}
	return balance, nil
}

// ---- payments.RepositoryPort

type methodCatalog struct {
	methods []payments.PaymentMethod
}

func (m *methodCatalog) ListMethods(ctx context.Context) ([]payments.PaymentMethod, error) {
	out := make([]payments.PaymentMethod, len(m.methods))
	copy(out, m.methods)
	return out, nil
}

func (m *methodCatalog) ListAliases(ctx context.Context) (map[string]int64, error) {
	return map[string]int64{}, nil
}

func (m *methodCatalog) CreateMethod(ctx context.Context, code, name string) (*payments.PaymentMethod, error) {
	return nil, errors.New("not supported")
}

func (m *methodCatalog) SetMethodActive(ctx context.Context, id int64, active bool) error {
	return errors.New("not supported")
}

func (m *methodCatalog) CreateAlias(ctx context.Context, alias string, methodID int64) error {
	return errors.New("not supported")
}

// ============================================================================
// HARNESS
// ============================================================================

type harness struct {
	f   *fixture
	svc *Service
}

type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Log(strings.TrimSpace(string(p)))
	return len(p), nil
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	f := newFixture()
	logger := slog.New(slog.NewTextHandler(testWriter{t}, nil))

	treasurySvc := treasury.NewService(&treasuryRepo{f}, nil, logger)
	paymentsSvc := payments.NewService(&methodCatalog{methods: []payments.PaymentMethod{
		{ID: 1, Code: "CASH", Name: "Cash", IsActive: true},
		{ID: 2, Code: "CARD", Name: "Credit Card", IsActive: true},
	}}, nil, logger)

	svc := NewService(f, treasurySvc, paymentsSvc, nil, nil, logger)
	return &harness{f: f, svc: svc}
}

func (h *harness) seedMain(t *testing.T, balance string) *treasury.Treasury {
	t.Helper()
	tr := &treasury.Treasury{
		ID:             1,
		Name:           "Main Treasury",
		Code:           "MAIN",
		OpeningBalance: decimal.Zero,
		CurrentBalance: dec(t, balance),
		IsActive:       true,
		IsDefault:      true,
	}
	h.f.treasuries[tr.ID] = tr
	h.f.nextTreasuryID = 2
	return tr
}

func (h *harness) seedCustomer(t *testing.T, id int64) {
	t.Helper()
	h.f.custs[id] = &customers.Customer{ID: id, Name: "Customer", Balance: decimal.Zero}
}

func (h *harness) seedSale(t *testing.T, saleID, customerID int64, date string) {
	t.Helper()
	h.f.sales[saleID] = saleRecord{customerID: customerID, invoiceDate: day(t, date)}
}

func (h *harness) mainBalance() decimal.Decimal {
	return h.f.treasuries[1].CurrentBalance
}

func (h *harness) customerBalance(id int64) decimal.Decimal {
	return h.f.custs[id].Balance
}

func dec(t *testing.T, s string) decimal.Decimal {
	t.Helper()
	d, err := decimal.NewFromString(s)
	require.NoError(t, err)
	return d
}

func day(t *testing.T, s string) time.Time {
	t.Helper()
	ts, err := time.Parse("2006-01-02", s)
	require.NoError(t, err)
	return ts
}

func assertDecimal(t *testing.T, want string, got decimal.Decimal) {
	t.Helper()
	assert.True(t, got.Equal(dec(t, want)), "want %s got %s", want, got.String())
}

// ============================================================================
// TESTS
// ============================================================================

func TestRecordSaleFullyPaid(t *testing.T) {
	h := newHarness(t)
	h.seedMain(t, "0")
	h.seedCustomer(t, 7)
	h.seedSale(t, 10, 7, "2024-03-01")
	ctx := context.Background()

	result, err := h.svc.RecordSale(ctx, SaleRequest{
		CustomerID:     7,
		SaleID:         10,
		InvoiceDate:    day(t, "2024-03-01"),
		Total:          dec(t, "200"),
		Paid:           dec(t, "200"),
		FallbackMethod: "CASH",
		IdempotencyKey: "sale-10",
	})
	require.NoError(t, err)
	require.Len(t, result.Entries, 1)

	entry := result.Entries[0]
	assert.Equal(t, treasury.EntrySaleIncome, entry.Type)
	assertDecimal(t, "0", entry.BalanceBefore)
	assertDecimal(t, "200", entry.BalanceAfter)
	require.NotNil(t, entry.IdempotencyKey)
	assert.Equal(t, "sale-10:0", *entry.IdempotencyKey)

	assertDecimal(t, "200", h.mainBalance())
	assertDecimal(t, "0", h.customerBalance(7))

	// the sale was settled by its own payment
	require.Len(t, result.Allocations, 1)
	assert.Equal(t, int64(10), result.Allocations[0].SaleID)
	assertDecimal(t, "200", result.Allocations[0].Amount)
	assertDecimal(t, "0", result.Unallocated)

	// SALE debit plus PAYMENT credit on the sub-ledger
	assert.Len(t, h.f.txns, 2)
}

func TestRecordSaleOnCredit(t *testing.T) {
	h := newHarness(t)
	h.seedMain(t, "0")
	h.seedCustomer(t, 7)
	h.seedSale(t, 10, 7, "2024-03-01")

	result, err := h.svc.RecordSale(context.Background(), SaleRequest{
		CustomerID:  7,
		SaleID:      10,
		InvoiceDate: day(t, "2024-03-01"),
		Total:       dec(t, "150"),
	})
	require.NoError(t, err)

	assert.Empty(t, result.Entries)
	assert.Empty(t, result.Allocations)
	assertDecimal(t, "0", h.mainBalance())
	assertDecimal(t, "150", h.customerBalance(7))
	assert.Len(t, h.f.txns, 1)
}

func TestRecordSalePartiallyPaid(t *testing.T) {
	h := newHarness(t)
	h.seedMain(t, "0")
	h.seedCustomer(t, 7)
	h.seedSale(t, 10, 7, "2024-03-01")
	ctx := context.Background()

	result, err := h.svc.RecordSale(ctx, SaleRequest{
		CustomerID:     7,
		SaleID:         10,
		InvoiceDate:    day(t, "2024-03-01"),
		Total:          dec(t, "100"),
		Paid:           dec(t, "60"),
		FallbackMethod: "CASH",
		IdempotencyKey: "sale-10",
	})
	require.NoError(t, err)

	require.Len(t, result.Allocations, 1)
	assertDecimal(t, "60", result.Allocations[0].Amount)
	assertDecimal(t, "0", result.Unallocated)
	assertDecimal(t, "60", h.mainBalance())
	assertDecimal(t, "40", h.customerBalance(7))

	// the unpaid remainder still shows as outstanding; the collected portion
	// settles through its allocation, not by shrinking the booked total
	rows, err := (&recvTx{h.f}).ListOutstanding(ctx, 7)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, int64(10), rows[0].SaleID)
	assertDecimal(t, "100", rows[0].Total)
	assertDecimal(t, "60", rows[0].Paid)
	assertDecimal(t, "40", rows[0].Outstanding)

	// a later payment clears the remainder exactly
	followUp, err := h.svc.RecordCustomerPayment(ctx, PaymentRequest{
		CustomerID:     7,
		PaymentID:      100,
		PaymentDate:    day(t, "2024-03-10"),
		Amount:         dec(t, "40"),
		FallbackMethod: "CASH",
		IdempotencyKey: "pay-100",
	})
	require.NoError(t, err)
	require.Len(t, followUp.Allocations, 1)
	assert.Equal(t, int64(10), followUp.Allocations[0].SaleID)
	assertDecimal(t, "40", followUp.Allocations[0].Amount)
	assertDecimal(t, "0", followUp.Unallocated)
	assertDecimal(t, "0", h.customerBalance(7))

	rows, err = (&recvTx{h.f}).ListOutstanding(ctx, 7)
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestRecordSaleOnCreditRetry(t *testing.T) {
	h := newHarness(t)
	h.seedMain(t, "0")
	h.seedCustomer(t, 7)
	h.seedSale(t, 10, 7, "2024-03-01")
	ctx := context.Background()

	req := SaleRequest{
		CustomerID:  7,
		SaleID:      10,
		InvoiceDate: day(t, "2024-03-01"),
		Total:       dec(t, "150"),
	}
	first, err := h.svc.RecordSale(ctx, req)
	require.NoError(t, err)
	assert.False(t, first.Idempotent)

	// no money moved, so no idempotency key was consumed; the retry is
	// caught on the sub-ledger instead
	second, err := h.svc.RecordSale(ctx, req)
	require.NoError(t, err)
	assert.True(t, second.Idempotent)
	assert.Empty(t, second.Entries)

	assertDecimal(t, "150", h.customerBalance(7))
	assert.Len(t, h.f.txns, 1)
}

func TestRecordPaymentAllocatesOldestFirst(t *testing.T) {
	h := newHarness(t)
	h.seedMain(t, "0")
	h.seedCustomer(t, 7)
	h.seedSale(t, 1, 7, "2024-01-01")
	h.seedSale(t, 2, 7, "2024-02-01")
	ctx := context.Background()

	_, err := h.svc.RecordSale(ctx, SaleRequest{CustomerID: 7, SaleID: 1, InvoiceDate: day(t, "2024-01-01"), Total: dec(t, "100")})
	require.NoError(t, err)
	_, err = h.svc.RecordSale(ctx, SaleRequest{CustomerID: 7, SaleID: 2, InvoiceDate: day(t, "2024-02-01"), Total: dec(t, "50")})
	require.NoError(t, err)
	assertDecimal(t, "150", h.customerBalance(7))

	result, err := h.svc.RecordCustomerPayment(ctx, PaymentRequest{
		CustomerID:     7,
		PaymentID:      100,
		PaymentDate:    day(t, "2024-02-15"),
		Amount:         dec(t, "120"),
		FallbackMethod: "CASH",
		IdempotencyKey: "pay-100",
	})
	require.NoError(t, err)

	require.Len(t, result.Allocations, 2)
	assert.Equal(t, int64(1), result.Allocations[0].SaleID)
	assertDecimal(t, "100", result.Allocations[0].Amount)
	assert.Equal(t, int64(2), result.Allocations[1].SaleID)
	assertDecimal(t, "20", result.Allocations[1].Amount)
	assertDecimal(t, "0", result.Unallocated)

	assertDecimal(t, "120", h.mainBalance())
	assertDecimal(t, "30", h.customerBalance(7))

	// remaining outstanding sits on the newer invoice
	rows, err := (&recvTx{h.f}).ListOutstanding(ctx, 7)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, int64(2), rows[0].SaleID)
	assertDecimal(t, "30", rows[0].Outstanding)
}

func TestRecordPaymentSplitAcrossMethods(t *testing.T) {
	h := newHarness(t)
	h.seedMain(t, "0")
	h.seedCustomer(t, 7)
	h.seedSale(t, 1, 7, "2024-01-01")
	ctx := context.Background()

	_, err := h.svc.RecordSale(ctx, SaleRequest{CustomerID: 7, SaleID: 1, InvoiceDate: day(t, "2024-01-01"), Total: dec(t, "100")})
	require.NoError(t, err)

	result, err := h.svc.RecordCustomerPayment(ctx, PaymentRequest{
		CustomerID:  7,
		PaymentID:   100,
		PaymentDate: day(t, "2024-01-10"),
		Amount:      dec(t, "100"),
		Splits: []payments.SplitInput{
			{Method: "CARD", Amount: dec(t, "60")},
			{Method: "CASH", Amount: dec(t, "40")},
		},
		IdempotencyKey: "pay-100",
	})
	require.NoError(t, err)

	require.Len(t, result.Entries, 2)
	require.NotNil(t, result.Entries[0].IdempotencyKey)
	assert.Equal(t, "pay-100:0", *result.Entries[0].IdempotencyKey)
	require.NotNil(t, result.Entries[1].IdempotencyKey)
	assert.Equal(t, "pay-100:1", *result.Entries[1].IdempotencyKey)
	require.NotNil(t, result.Entries[0].PaymentMethodID)
	assert.Equal(t, int64(2), *result.Entries[0].PaymentMethodID)

	assertDecimal(t, "100", h.mainBalance())
	assertDecimal(t, "0", h.customerBalance(7))
}

func TestRecordPaymentIdempotentRetry(t *testing.T) {
	h := newHarness(t)
	h.seedMain(t, "0")
	h.seedCustomer(t, 7)
	h.seedSale(t, 1, 7, "2024-01-01")
	ctx := context.Background()

	_, err := h.svc.RecordSale(ctx, SaleRequest{CustomerID: 7, SaleID: 1, InvoiceDate: day(t, "2024-01-01"), Total: dec(t, "100")})
	require.NoError(t, err)

	req := PaymentRequest{
		CustomerID:     7,
		PaymentID:      100,
		PaymentDate:    day(t, "2024-01-10"),
		Amount:         dec(t, "100"),
		FallbackMethod: "CASH",
		IdempotencyKey: "pay-100",
	}
	first, err := h.svc.RecordCustomerPayment(ctx, req)
	require.NoError(t, err)
	assert.False(t, first.Idempotent)

	second, err := h.svc.RecordCustomerPayment(ctx, req)
	require.NoError(t, err)
	assert.True(t, second.Idempotent)

	// the retry changed nothing
	assertDecimal(t, "100", h.mainBalance())
	assertDecimal(t, "0", h.customerBalance(7))
	assert.Len(t, h.f.allocations, 1)
}

func TestRecordDepositOverpaymentStaysAsAdvance(t *testing.T) {
	h := newHarness(t)
	h.seedMain(t, "0")
	h.seedCustomer(t, 7)
	h.seedSale(t, 1, 7, "2024-01-01")
	ctx := context.Background()

	_, err := h.svc.RecordSale(ctx, SaleRequest{CustomerID: 7, SaleID: 1, InvoiceDate: day(t, "2024-01-01"), Total: dec(t, "30")})
	require.NoError(t, err)

	result, err := h.svc.RecordDeposit(ctx, DepositRequest{
		CustomerID:     7,
		DepositID:      5,
		DepositDate:    day(t, "2024-01-15"),
		Amount:         dec(t, "100"),
		Method:         "CASH",
		IdempotencyKey: "dep-5",
	})
	require.NoError(t, err)

	require.Len(t, result.Entries, 1)
	assert.Equal(t, treasury.EntryDepositIn, result.Entries[0].Type)
	require.Len(t, result.Allocations, 1)
	assert.Equal(t, receivables.SourceDeposit, result.Allocations[0].SourceType)
	assertDecimal(t, "30", result.Allocations[0].Amount)
	assertDecimal(t, "70", result.Unallocated)

	assertDecimal(t, "100", h.mainBalance())
	assertDecimal(t, "-70", h.customerBalance(7))
}

func TestRecordRefundOfDeposit(t *testing.T) {
	h := newHarness(t)
	h.seedMain(t, "100")
	h.seedCustomer(t, 7)
	h.f.custs[7].Balance = dec(t, "-70")
	ctx := context.Background()

	result, err := h.svc.RecordRefund(ctx, RefundRequest{
		CustomerID:     7,
		Kind:           treasury.RefDeposit,
		ReferenceID:    5,
		RefundDate:     day(t, "2024-02-01"),
		Amount:         dec(t, "70"),
		IdempotencyKey: "refund-5",
	})
	require.NoError(t, err)

	require.Len(t, result.Entries, 1)
	assert.Equal(t, treasury.EntryDepositRefund, result.Entries[0].Type)
	assert.Equal(t, treasury.DirectionOut, result.Entries[0].Direction)

	assertDecimal(t, "30", h.mainBalance())
	assertDecimal(t, "0", h.customerBalance(7))
}

func TestRecordRefundRejectsUnknownKind(t *testing.T) {
	h := newHarness(t)
	h.seedMain(t, "100")
	h.seedCustomer(t, 7)

	_, err := h.svc.RecordRefund(context.Background(), RefundRequest{
		CustomerID:  7,
		Kind:        "EXPENSE",
		ReferenceID: 5,
		Amount:      dec(t, "10"),
	})
	assert.ErrorIs(t, err, ErrInvalidReference)
}

func TestRecordRefundInsufficientBalance(t *testing.T) {
	h := newHarness(t)
	h.seedMain(t, "10")
	h.seedCustomer(t, 7)

	_, err := h.svc.RecordRefund(context.Background(), RefundRequest{
		CustomerID:  7,
		Kind:        treasury.RefDeposit,
		ReferenceID: 5,
		Amount:      dec(t, "70"),
	})
	assert.ErrorIs(t, err, treasury.ErrInsufficientBalance)
	assertDecimal(t, "10", h.mainBalance())
}

func TestReverseReferenceRestoresEverything(t *testing.T) {
	h := newHarness(t)
	h.seedMain(t, "0")
	h.seedCustomer(t, 7)
	h.seedSale(t, 10, 7, "2024-03-01")
	ctx := context.Background()

	_, err := h.svc.RecordSale(ctx, SaleRequest{
		CustomerID:     7,
		SaleID:         10,
		InvoiceDate:    day(t, "2024-03-01"),
		Total:          dec(t, "200"),
		Paid:           dec(t, "200"),
		FallbackMethod: "CASH",
		IdempotencyKey: "sale-10",
	})
	require.NoError(t, err)
	assertDecimal(t, "200", h.mainBalance())

	// the collaborator removes the sale row itself; we unwind the money side
	delete(h.f.sales, 10)

	result, err := h.svc.ReverseReference(ctx, ReverseRequest{
		CustomerID:    7,
		ReferenceKind: treasury.RefSale,
		ReferenceID:   10,
	})
	require.NoError(t, err)

	assert.Equal(t, 1, result.EntriesRemoved)
	assert.Equal(t, 2, result.TransactionsRemoved)

	assertDecimal(t, "0", h.mainBalance())
	assertDecimal(t, "0", h.customerBalance(7))
	assert.Empty(t, h.f.entries)
	assert.Empty(t, h.f.txns)
	assert.Empty(t, h.f.allocations)
	assert.Nil(t, h.f.custs[7].FirstActivityDate)
	assert.Nil(t, h.f.custs[7].LastPaymentDate)
}

func TestRecordSaleIsAtomic(t *testing.T) {
	h := newHarness(t)
	h.seedMain(t, "0")
	h.seedCustomer(t, 7)
	h.seedSale(t, 10, 7, "2024-03-01")
	h.f.insertTxnErr = errors.New("disk full")

	_, err := h.svc.RecordSale(context.Background(), SaleRequest{
		CustomerID:     7,
		SaleID:         10,
		InvoiceDate:    day(t, "2024-03-01"),
		Total:          dec(t, "200"),
		Paid:           dec(t, "200"),
		FallbackMethod: "CASH",
	})
	require.Error(t, err)

	// nothing from the failed action persisted
	assertDecimal(t, "0", h.mainBalance())
	assertDecimal(t, "0", h.customerBalance(7))
	assert.Empty(t, h.f.entries)
	assert.Empty(t, h.f.txns)
}

func TestPostingValidation(t *testing.T) {
	h := newHarness(t)
	h.seedMain(t, "0")
	h.seedCustomer(t, 7)
	ctx := context.Background()

	_, err := h.svc.RecordSale(ctx, SaleRequest{SaleID: 10, Total: dec(t, "10")})
	assert.ErrorIs(t, err, ErrMissingCustomer)

	_, err = h.svc.RecordSale(ctx, SaleRequest{CustomerID: 7, Total: dec(t, "10")})
	assert.ErrorIs(t, err, ErrMissingReference)

	_, err = h.svc.RecordSale(ctx, SaleRequest{CustomerID: 7, SaleID: 10, Total: decimal.Zero})
	assert.ErrorIs(t, err, treasury.ErrInvalidAmount)

	_, err = h.svc.RecordCustomerPayment(ctx, PaymentRequest{CustomerID: 7, PaymentID: 1, Amount: dec(t, "-5")})
	assert.ErrorIs(t, err, treasury.ErrInvalidAmount)

	_, err = h.svc.ReverseReference(ctx, ReverseRequest{CustomerID: 7, ReferenceID: 1})
	assert.ErrorIs(t, err, ErrInvalidReference)
}

func TestRecordPaymentUnknownCustomer(t *testing.T) {
	h := newHarness(t)
	h.seedMain(t, "0")

	_, err := h.svc.RecordCustomerPayment(context.Background(), PaymentRequest{
		CustomerID:     99,
		PaymentID:      1,
		Amount:         dec(t, "10"),
		FallbackMethod: "CASH",
	})
	assert.ErrorIs(t, err, customers.ErrNotFound)
}
