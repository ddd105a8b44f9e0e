package customers

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/tillbook/tillbook/internal/platform/db"
)

// RepositoryPort defines data access for customer financial summaries.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(TxRepository) error) error
	Get(ctx context.Context, id int64) (*Customer, error)
	Balance(ctx context.Context, id int64) (decimal.Decimal, error)
	ListIDsAfter(ctx context.Context, cursor int64, limit int) ([]int64, error)
}

// TxRepository mutates cached summaries inside a transaction.
type TxRepository interface {
	BalanceForUpdate(ctx context.Context, customerID int64) (decimal.Decimal, error)
	ApplyDelta(ctx context.Context, customerID int64, update DeltaUpdate) error
	RecalculateActivityDates(ctx context.Context, customerID int64) error
	RebuildFinancials(ctx context.Context, customerID int64) (decimal.Decimal, error)
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

func (r *Repository) Get(ctx context.Context, id int64) (*Customer, error) {
	var c Customer
	err := r.pool.QueryRow(ctx, `
		SELECT id, name, balance, first_activity_date, last_payment_date, financials_updated_at, created_at
		FROM customers
		WHERE id = $1`, id,
	).Scan(&c.ID, &c.Name, &c.Balance, &c.FirstActivityDate, &c.LastPaymentDate, &c.FinancialsUpdatedAt, &c.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *Repository) Balance(ctx context.Context, id int64) (decimal.Decimal, error) {
	var balance decimal.Decimal
	err := r.pool.QueryRow(ctx, `SELECT balance FROM customers WHERE id = $1`, id).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return decimal.Zero, ErrNotFound
	}
	return balance, err
}

func (r *Repository) ListIDsAfter(ctx context.Context, cursor int64, limit int) ([]int64, error) {
	rows, err := r.pool.Query(ctx, `SELECT id FROM customers WHERE id > $1 ORDER BY id ASC LIMIT $2`, cursor, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ids := []int64{}
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// NewTxRepository wraps an existing transaction so composite operations can
// share one unit of work with other modules.
func NewTxRepository(tx pgx.Tx) TxRepository {
	return &txRepository{tx: tx}
}

type txRepository struct {
	tx pgx.Tx
}

// BalanceForUpdate locks the customer row, serialising concurrent financial
// postings for the same customer for the rest of the transaction.
func (r *txRepository) BalanceForUpdate(ctx context.Context, customerID int64) (decimal.Decimal, error) {
	var balance decimal.Decimal
	err := r.tx.QueryRow(ctx, `SELECT balance FROM customers WHERE id = $1 FOR UPDATE`, customerID).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return decimal.Zero, ErrNotFound
	}
	return balance, err
}

// ApplyDelta is a single conditional update so concurrent postings for the
// same customer never lose writes. first_activity_date only moves backward,
// last_payment_date only moves forward; GREATEST/LEAST ignore NULL operands.
func (r *txRepository) ApplyDelta(ctx context.Context, customerID int64, update DeltaUpdate) error {
	tag, err := r.tx.Exec(ctx, `
		UPDATE customers
		SET balance = balance + $2,
		    first_activity_date = LEAST(first_activity_date, COALESCE($3::timestamptz, first_activity_date)),
		    last_payment_date = GREATEST(last_payment_date, COALESCE($4::timestamptz, last_payment_date)),
		    financials_updated_at = NOW()
		WHERE id = $1`,
		customerID, update.BalanceDelta, update.ActivityDate, update.PaymentDate)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *txRepository) RecalculateActivityDates(ctx context.Context, customerID int64) error {
	tag, err := r.tx.Exec(ctx, `
		UPDATE customers
		SET first_activity_date = LEAST(
		        (SELECT MIN(invoice_date) FROM sales WHERE customer_id = customers.id),
		        (SELECT MIN(occurred_at) FROM customer_transactions WHERE customer_id = customers.id AND kind = 'PAYMENT')
		    ),
		    last_payment_date = (SELECT MAX(occurred_at) FROM customer_transactions WHERE customer_id = customers.id AND kind = 'PAYMENT'),
		    financials_updated_at = NOW()
		WHERE id = $1`, customerID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// RebuildFinancials recomputes the cached balance and activity dates from
// the transaction history, overwriting whatever the incremental path left.
func (r *txRepository) RebuildFinancials(ctx context.Context, customerID int64) (decimal.Decimal, error) {
	var balance decimal.Decimal
	err := r.tx.QueryRow(ctx, `
		UPDATE customers
		SET balance = COALESCE((SELECT SUM(debit - credit) FROM customer_transactions WHERE customer_id = customers.id), 0),
		    first_activity_date = LEAST(
		        (SELECT MIN(invoice_date) FROM sales WHERE customer_id = customers.id),
		        (SELECT MIN(occurred_at) FROM customer_transactions WHERE customer_id = customers.id AND kind = 'PAYMENT')
		    ),
		    last_payment_date = (SELECT MAX(occurred_at) FROM customer_transactions WHERE customer_id = customers.id AND kind = 'PAYMENT'),
		    financials_updated_at = NOW()
		WHERE id = $1
		RETURNING balance`, customerID,
	).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return decimal.Zero, ErrNotFound
	}
	return balance, err
}
