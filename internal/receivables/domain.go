package receivables

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// Transaction kinds recorded on the customer sub-ledger. SALE debits the
// customer, PAYMENT and RETURN credit it.
const (
	TxnSale    = "SALE"
	TxnPayment = "PAYMENT"
	TxnReturn  = "RETURN"
)

// CustomerTransaction is one row of a customer's debit/credit history.
// ReferenceKind/ReferenceID point at the business object that caused it.
type CustomerTransaction struct {
	ID            int64           `json:"id"`
	CustomerID    int64           `json:"customer_id"`
	Kind          string          `json:"kind"`
	Debit         decimal.Decimal `json:"debit"`
	Credit        decimal.Decimal `json:"credit"`
	ReferenceKind *string         `json:"reference_kind,omitempty"`
	ReferenceID   *int64          `json:"reference_id,omitempty"`
	OccurredAt    time.Time       `json:"occurred_at"`
	CreatedAt     time.Time       `json:"created_at"`
}

// OutstandingRow is one open invoice with its remaining unpaid amount,
// ordered oldest first for allocation.
type OutstandingRow struct {
	SaleID      int64           `json:"sale_id"`
	InvoiceDate time.Time       `json:"invoice_date"`
	Total       decimal.Decimal `json:"total"`
	Paid        decimal.Decimal `json:"paid"`
	Outstanding decimal.Decimal `json:"outstanding"`
}

// Allocation source kinds: what money is being applied to invoices.
const (
	SourcePayment = "CUSTOMER_PAYMENT"
	SourceDeposit = "DEPOSIT"
)

// PaymentAllocation links a payment ledger entry to the invoice it settles.
type PaymentAllocation struct {
	ID             int64           `json:"id"`
	CustomerID     int64           `json:"customer_id"`
	SaleID         int64           `json:"sale_id"`
	SourceType     string          `json:"source_type"`
	SourceEntryID  int64           `json:"source_entry_id"`
	Amount         decimal.Decimal `json:"amount"`
	AllocationDate time.Time       `json:"allocation_date"`
}

// AllocationResult summarizes how a payment amount was distributed.
type AllocationResult struct {
	Allocations []PaymentAllocation `json:"allocations"`
	Allocated   decimal.Decimal     `json:"allocated"`
	Unallocated decimal.Decimal     `json:"unallocated"`
}

// Delta aggregates the debit/credit effect of removed transactions so the
// cached customer balance can be reversed in one update.
type Delta struct {
	Debit  decimal.Decimal
	Credit decimal.Decimal
	Count  int64
}

// Domain errors.
var (
	ErrInvalidAmount = errors.New("receivables: amount must be positive")
	ErrInvalidKind   = errors.New("receivables: unknown transaction kind")
)
