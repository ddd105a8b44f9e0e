package receivables

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/tillbook/tillbook/internal/platform/db"
	"github.com/tillbook/tillbook/internal/shared"
)

// RepositoryPort defines data access for the customer sub-ledger.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(TxRepository) error) error
	ListOutstanding(ctx context.Context, customerID int64) ([]OutstandingRow, error)
	ListTransactions(ctx context.Context, customerID int64, p shared.Pagination) ([]CustomerTransaction, error)
}

// TxRepository runs sub-ledger statements inside a transaction.
type TxRepository interface {
	ListOutstanding(ctx context.Context, customerID int64) ([]OutstandingRow, error)
	TransactionExists(ctx context.Context, kind, referenceKind string, referenceID int64) (bool, error)
	InsertTransaction(ctx context.Context, txn *CustomerTransaction) error
	InsertAllocations(ctx context.Context, allocations []PaymentAllocation) error
	DeleteTransactionsByReference(ctx context.Context, kind string, id int64) (Delta, error)
}

// Repository provides PostgreSQL backed persistence.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

func (r *Repository) WithTx(ctx context.Context, fn func(TxRepository) error) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(&txRepository{tx: tx})
	})
}

func (r *Repository) ListOutstanding(ctx context.Context, customerID int64) ([]OutstandingRow, error) {
	return listOutstanding(ctx, r.pool, customerID)
}

func (r *Repository) ListTransactions(ctx context.Context, customerID int64, p shared.Pagination) ([]CustomerTransaction, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, customer_id, kind, debit, credit, reference_kind, reference_id, occurred_at, created_at
		FROM customer_transactions
		WHERE customer_id = $1
		ORDER BY occurred_at DESC, id DESC
		LIMIT $2 OFFSET $3`, customerID, p.PerPage, p.Offset())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	txns := []CustomerTransaction{}
	for rows.Next() {
		var txn CustomerTransaction
		if err := rows.Scan(&txn.ID, &txn.CustomerID, &txn.Kind, &txn.Debit, &txn.Credit,
			&txn.ReferenceKind, &txn.ReferenceID, &txn.OccurredAt, &txn.CreatedAt); err != nil {
			return nil, err
		}
		txns = append(txns, txn)
	}
	return txns, rows.Err()
}

// NewTxRepository wraps an existing transaction so composite operations can
// share one unit of work with other modules.
func NewTxRepository(tx pgx.Tx) TxRepository {
	return &txRepository{tx: tx}
}

type txRepository struct {
	tx pgx.Tx
}

type dbtx interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// listOutstanding books each sale as Σ(debit-credit) of its SALE/RETURN rows
// and subtracts allocations already applied, oldest invoice first.
func listOutstanding(ctx context.Context, q dbtx, customerID int64) ([]OutstandingRow, error) {
	rows, err := q.Query(ctx, `
		SELECT s.id,
		       s.invoice_date,
		       GREATEST(COALESCE(ct.booked, 0), 0) AS total,
		       COALESCE(pa.paid, 0) AS paid
		FROM sales s
		LEFT JOIN (
			SELECT reference_id, SUM(debit - credit) AS booked
			FROM customer_transactions
			WHERE customer_id = $1 AND reference_kind = 'SALE' AND kind IN ('SALE', 'RETURN')
			GROUP BY reference_id
		) ct ON ct.reference_id = s.id
		LEFT JOIN (
			SELECT sale_id, SUM(amount) AS paid
			FROM payment_allocations
			GROUP BY sale_id
		) pa ON pa.sale_id = s.id
		WHERE s.customer_id = $1
		  AND GREATEST(COALESCE(ct.booked, 0), 0) - COALESCE(pa.paid, 0) > 0
		ORDER BY s.invoice_date ASC, s.id ASC`, customerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []OutstandingRow{}
	for rows.Next() {
		var row OutstandingRow
		if err := rows.Scan(&row.SaleID, &row.InvoiceDate, &row.Total, &row.Paid); err != nil {
			return nil, err
		}
		row.Outstanding = row.Total.Sub(row.Paid)
		out = append(out, row)
	}
	return out, rows.Err()
}

func (r *txRepository) ListOutstanding(ctx context.Context, customerID int64) ([]OutstandingRow, error) {
	return listOutstanding(ctx, r.tx, customerID)
}

// TransactionExists reports whether a row of the given kind was already booked
// for the reference. Composite postings use it to detect replays that posted
// no treasury entry (and so never hit an idempotency key).
func (r *txRepository) TransactionExists(ctx context.Context, kind, referenceKind string, referenceID int64) (bool, error) {
	var exists bool
	err := r.tx.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM customer_transactions
			WHERE kind = $1 AND reference_kind = $2 AND reference_id = $3
		)`, kind, referenceKind, referenceID).Scan(&exists)
	return exists, err
}

func (r *txRepository) InsertTransaction(ctx context.Context, txn *CustomerTransaction) error {
	return r.tx.QueryRow(ctx, `
		INSERT INTO customer_transactions (customer_id, kind, debit, credit, reference_kind, reference_id, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, created_at`,
		txn.CustomerID, txn.Kind, txn.Debit, txn.Credit, txn.ReferenceKind, txn.ReferenceID, txn.OccurredAt,
	).Scan(&txn.ID, &txn.CreatedAt)
}

func (r *txRepository) InsertAllocations(ctx context.Context, allocations []PaymentAllocation) error {
	for i := range allocations {
		a := &allocations[i]
		err := r.tx.QueryRow(ctx, `
			INSERT INTO payment_allocations (customer_id, sale_id, source_type, source_entry_id, amount, allocation_date)
			VALUES ($1, $2, $3, $4, $5, $6)
			RETURNING id`,
			a.CustomerID, a.SaleID, a.SourceType, a.SourceEntryID, a.Amount, a.AllocationDate,
		).Scan(&a.ID)
		if err != nil {
			return err
		}
	}
	return nil
}

func (r *txRepository) DeleteTransactionsByReference(ctx context.Context, kind string, id int64) (Delta, error) {
	delta := Delta{Debit: decimal.Zero, Credit: decimal.Zero}
	err := r.tx.QueryRow(ctx, `
		WITH removed AS (
			DELETE FROM customer_transactions
			WHERE reference_kind = $1 AND reference_id = $2
			RETURNING debit, credit
		)
		SELECT COALESCE(SUM(debit), 0), COALESCE(SUM(credit), 0), COUNT(*) FROM removed`,
		kind, id,
	).Scan(&delta.Debit, &delta.Credit, &delta.Count)
	return delta, err
}
