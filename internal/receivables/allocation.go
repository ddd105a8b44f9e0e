package receivables

import (
	"time"

	"github.com/shopspring/decimal"
)

// ReconcileOutstanding caps the computed outstanding rows against the
// customer's authoritative cached balance. Legacy data imported before
// allocation tracking existed can leave the per-invoice sum above what the
// customer actually owes; the excess is absorbed starting from the oldest
// invoice, treating it as settled without an allocation record.
func ReconcileOutstanding(rows []OutstandingRow, authoritative decimal.Decimal) []OutstandingRow {
	sum := decimal.Zero
	for _, row := range rows {
		sum = sum.Add(row.Outstanding)
	}
	excess := sum.Sub(authoritative)
	if !excess.IsPositive() {
		return rows
	}

	out := make([]OutstandingRow, 0, len(rows))
	for _, row := range rows {
		if excess.IsPositive() {
			absorbed := decimal.Min(excess, row.Outstanding)
			row.Outstanding = row.Outstanding.Sub(absorbed)
			excess = excess.Sub(absorbed)
		}
		if row.Outstanding.IsPositive() {
			out = append(out, row)
		}
	}
	return out
}

// ApplyAllocations greedily consumes amount against the rows in the given
// order. Each allocation takes min(remaining, row outstanding) rounded to two
// decimals. Leftover amount beyond all outstanding invoices is returned as
// Unallocated and creates no rows; it stays on the customer as an advance.
func ApplyAllocations(rows []OutstandingRow, amount decimal.Decimal, sourceType string, customerID, sourceEntryID int64, allocationDate time.Time) AllocationResult {
	remaining := amount.Round(2)
	result := AllocationResult{Allocated: decimal.Zero}

	for _, row := range rows {
		if !remaining.IsPositive() {
			break
		}
		take := decimal.Min(remaining, row.Outstanding).Round(2)
		if !take.IsPositive() {
			continue
		}
		result.Allocations = append(result.Allocations, PaymentAllocation{
			CustomerID:     customerID,
			SaleID:         row.SaleID,
			SourceType:     sourceType,
			SourceEntryID:  sourceEntryID,
			Amount:         take,
			AllocationDate: allocationDate,
		})
		result.Allocated = result.Allocated.Add(take)
		remaining = remaining.Sub(take)
	}

	result.Unallocated = remaining
	return result
}
