package payments

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// PaymentMethod is one way a customer can pay (cash, card, transfer...).
type PaymentMethod struct {
	ID        int64     `json:"id"`
	Code      string    `json:"code"`
	Name      string    `json:"name"`
	IsActive  bool      `json:"is_active"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SplitInput is one raw row of a multi-method payment breakdown. Method may
// be a numeric id, a method code, a display name or a known alias.
type SplitInput struct {
	Method string          `json:"method"`
	Amount decimal.Decimal `json:"amount"`
}

// SplitRow is a resolved (method, amount) pair. Index preserves the original
// row position so idempotency keys derived from it stay stable across
// retries of the same logical request.
type SplitRow struct {
	Index      int             `json:"index"`
	MethodID   int64           `json:"method_id"`
	MethodCode string          `json:"method_code"`
	Amount     decimal.Decimal `json:"amount"`
}

// SplitTolerance absorbs rounding drift across currency math: a breakdown may
// differ from the requested total by at most one cent and is then adjusted to
// sum exactly.
var SplitTolerance = decimal.NewFromFloat(0.01)

// Domain errors.
var (
	ErrNotFound             = errors.New("payments: method not found")
	ErrInvalidPaymentMethod = errors.New("payments: unknown or inactive payment method")
	ErrSplitMismatch        = errors.New("payments: split amounts do not sum to the requested total")
	ErrInvalidAmount        = errors.New("payments: amount must be positive")
	ErrCodeTaken            = errors.New("payments: method code already in use")
	ErrNoActiveMethods      = errors.New("payments: no active payment method configured")
)
