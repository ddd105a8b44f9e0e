package posting

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tillbook/tillbook/internal/payments"
	"github.com/tillbook/tillbook/internal/receivables"
	"github.com/tillbook/tillbook/internal/treasury"
)

// SaleRequest books an invoice and collects the amount paid at the till.
// Paid may be zero (full credit sale) or exceed Total (overpayment stays on
// the customer as an advance).
type SaleRequest struct {
	CustomerID     int64
	SaleID         int64
	InvoiceDate    time.Time
	Total          decimal.Decimal
	Paid           decimal.Decimal
	Splits         []payments.SplitInput
	FallbackMethod string
	TreasuryID     int64
	IdempotencyKey string
}

// PaymentRequest records money received against a customer's account.
type PaymentRequest struct {
	CustomerID     int64
	PaymentID      int64
	PaymentDate    time.Time
	Amount         decimal.Decimal
	Splits         []payments.SplitInput
	FallbackMethod string
	TreasuryID     int64
	IdempotencyKey string
}

// DepositRequest records an advance held for a customer.
type DepositRequest struct {
	CustomerID     int64
	DepositID      int64
	DepositDate    time.Time
	Amount         decimal.Decimal
	Method         string
	TreasuryID     int64
	IdempotencyKey string
}

// RefundRequest pays money back out of a treasury. Kind selects the flavour:
// treasury.RefDeposit returns a held advance (balance moves back toward
// zero), treasury.RefReturn refunds a merchandise return (credits the
// receivable).
type RefundRequest struct {
	CustomerID     int64
	Kind           string
	ReferenceID    int64
	RefundDate     time.Time
	Amount         decimal.Decimal
	TreasuryID     int64
	IdempotencyKey string
	AllowNegative  bool
}

// ReverseRequest unwinds every ledger effect tied to one business object.
type ReverseRequest struct {
	CustomerID    int64
	ReferenceKind string
	ReferenceID   int64
}

// PostingResult reports what one business action wrote.
type PostingResult struct {
	Entries     []treasury.Entry                `json:"entries"`
	Allocations []receivables.PaymentAllocation `json:"allocations"`
	Unallocated decimal.Decimal                 `json:"unallocated"`
	Idempotent  bool                            `json:"idempotent"`
}

// ReverseResult reports what a reversal removed.
type ReverseResult struct {
	EntriesRemoved      int `json:"entries_removed"`
	TransactionsRemoved int `json:"transactions_removed"`
}

// Domain errors.
var (
	ErrInvalidReference = errors.New("posting: unknown reference kind")
	ErrMissingCustomer  = errors.New("posting: customer id required")
	ErrMissingReference = errors.New("posting: reference id required")
)
