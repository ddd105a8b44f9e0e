package customers

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// Customer carries the cached financial summary maintained alongside the
// ledger. Balance is the receivable: positive means the customer owes money.
// The cached fields are a materialized view over the transaction history and
// must always be reconcilable back to it.
type Customer struct {
	ID                  int64           `json:"id"`
	Name                string          `json:"name"`
	Balance             decimal.Decimal `json:"balance"`
	FirstActivityDate   *time.Time      `json:"first_activity_date,omitempty"`
	LastPaymentDate     *time.Time      `json:"last_payment_date,omitempty"`
	FinancialsUpdatedAt time.Time       `json:"financials_updated_at"`
	CreatedAt           time.Time       `json:"created_at"`
}

// DeltaUpdate adjusts the cached summary incrementally after one financial
// event. Nil dates leave the corresponding field untouched.
type DeltaUpdate struct {
	BalanceDelta decimal.Decimal
	ActivityDate *time.Time
	PaymentDate  *time.Time
}

// RebuildStats summarizes one batch-rebuild pass.
type RebuildStats struct {
	Processed  int   `json:"processed"`
	NextCursor int64 `json:"next_cursor"`
	Done       bool  `json:"done"`
}

// Domain errors.
var ErrNotFound = errors.New("customers: not found")
