package treasury

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// EntryType enumerates ledger entry types.
type EntryType string

const (
	EntryOpeningBalance  EntryType = "OPENING_BALANCE"
	EntrySaleIncome      EntryType = "SALE_INCOME"
	EntryCustomerPayment EntryType = "CUSTOMER_PAYMENT"
	EntryDepositIn       EntryType = "DEPOSIT_IN"
	EntryDepositRefund   EntryType = "DEPOSIT_REFUND"
	EntryExpensePayment  EntryType = "EXPENSE_PAYMENT"
	EntryPurchasePayment EntryType = "PURCHASE_PAYMENT"
	EntrySupplierPayment EntryType = "SUPPLIER_PAYMENT"
	EntryReturnRefund    EntryType = "RETURN_REFUND"
	EntryManualIn        EntryType = "MANUAL_IN"
	EntryManualOut       EntryType = "MANUAL_OUT"
	EntryTransferIn      EntryType = "TRANSFER_IN"
	EntryTransferOut     EntryType = "TRANSFER_OUT"
	EntryAdjustmentIn    EntryType = "ADJUSTMENT_IN"
	EntryAdjustmentOut   EntryType = "ADJUSTMENT_OUT"
)

// IsValid reports whether the entry type is known.
func (t EntryType) IsValid() bool {
	switch t {
	case EntryOpeningBalance, EntrySaleIncome, EntryCustomerPayment, EntryDepositIn,
		EntryDepositRefund, EntryExpensePayment, EntryPurchasePayment, EntrySupplierPayment,
		EntryReturnRefund, EntryManualIn, EntryManualOut, EntryTransferIn, EntryTransferOut,
		EntryAdjustmentIn, EntryAdjustmentOut:
		return true
	}
	return false
}

// Direction indicates whether an entry adds to or removes from a treasury.
type Direction string

const (
	DirectionIn  Direction = "IN"
	DirectionOut Direction = "OUT"
)

// IsValid reports whether the direction is known.
func (d Direction) IsValid() bool {
	return d == DirectionIn || d == DirectionOut
}

// Reference kinds pointing at the business object that caused an entry.
const (
	RefSale     = "SALE"
	RefPayment  = "PAYMENT"
	RefDeposit  = "DEPOSIT"
	RefReturn   = "RETURN"
	RefExpense  = "EXPENSE"
	RefPurchase = "PURCHASE"
	RefTransfer = "TRANSFER"
	RefManual   = "MANUAL"
)

// Reference is the tagged pointer to the business object behind an entry.
type Reference struct {
	Kind string `json:"kind"`
	ID   int64  `json:"id"`
}

// Treasury is a named cash account with a running balance.
type Treasury struct {
	ID             int64           `json:"id"`
	Name           string          `json:"name"`
	Code           string          `json:"code"`
	OpeningBalance decimal.Decimal `json:"opening_balance"`
	CurrentBalance decimal.Decimal `json:"current_balance"`
	IsActive       bool            `json:"is_active"`
	IsDefault      bool            `json:"is_default"`
	IsDeleted      bool            `json:"is_deleted"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// Entry is an immutable directional ledger row against one treasury.
// BalanceBefore/BalanceAfter snapshot the treasury balance around the entry
// and form the append-only audit trail.
type Entry struct {
	ID              int64           `json:"id"`
	TreasuryID      int64           `json:"treasury_id"`
	Type            EntryType       `json:"entry_type"`
	Direction       Direction       `json:"direction"`
	Amount          decimal.Decimal `json:"amount"`
	BalanceBefore   decimal.Decimal `json:"balance_before"`
	BalanceAfter    decimal.Decimal `json:"balance_after"`
	Reference       *Reference      `json:"reference,omitempty"`
	PaymentMethodID *int64          `json:"payment_method_id,omitempty"`
	IdempotencyKey  *string         `json:"idempotency_key,omitempty"`
	EntryDate       time.Time       `json:"entry_date"`
	Meta            map[string]any  `json:"meta,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`

	// Idempotent is true when this entry was returned unchanged for a
	// retried idempotency key. Not persisted.
	Idempotent bool `json:"idempotent"`
}

// PostEntryRequest carries the arguments for posting one ledger entry.
// TreasuryID zero means "resolve the default treasury".
type PostEntryRequest struct {
	TreasuryID      int64
	Type            EntryType
	Direction       Direction
	Amount          decimal.Decimal
	Reference       *Reference
	PaymentMethodID *int64
	EntryDate       time.Time
	IdempotencyKey  string
	AllowNegative   bool
	Meta            map[string]any
}

// TransferRequest moves money between two treasuries.
type TransferRequest struct {
	SourceTreasuryID int64
	TargetTreasuryID int64
	Amount           decimal.Decimal
	EntryDate        time.Time
}

// TransferResult returns both legs of a completed transfer.
type TransferResult struct {
	Out *Entry `json:"out"`
	In  *Entry `json:"in"`
}

// RollbackResult reports how many entries were reversed.
type RollbackResult struct {
	Count int `json:"count"`
}

// CreateTreasuryRequest creates a treasury account.
type CreateTreasuryRequest struct {
	Name           string
	Code           string
	OpeningBalance decimal.Decimal
	IsDefault      bool
}

// Domain errors returned by the ledger engine.
var (
	ErrNotFound            = errors.New("treasury: not found")
	ErrInvalidAmount       = errors.New("treasury: amount must be positive")
	ErrInvalidEntryType    = errors.New("treasury: unknown entry type")
	ErrInvalidDirection    = errors.New("treasury: unknown direction")
	ErrTreasuryNotFound    = errors.New("treasury: treasury not found")
	ErrTreasuryInactive    = errors.New("treasury: treasury inactive or deleted")
	ErrInsufficientBalance = errors.New("treasury: insufficient balance")
	ErrSameTreasury        = errors.New("treasury: transfer source and target must differ")
	ErrTreasuryIsDefault   = errors.New("treasury: cannot archive the default treasury")
	ErrLastActiveTreasury  = errors.New("treasury: at least one active treasury must remain")
	ErrCodeTaken           = errors.New("treasury: code already in use")
	ErrConstraintViolation = errors.New("treasury: operation conflicts with linked records")
)
