package posting

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tillbook/tillbook/internal/customers"
	"github.com/tillbook/tillbook/internal/platform/db"
	"github.com/tillbook/tillbook/internal/receivables"
	"github.com/tillbook/tillbook/internal/treasury"
)

// TxSet bundles the per-module transactional repositories over one database
// transaction, so a business action commits or rolls back as a unit.
type TxSet struct {
	Treasury    treasury.TxRepository
	Receivables receivables.TxRepository
	Customers   customers.TxRepository
}

// RepositoryPort opens the shared unit of work.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(TxSet) error) error
}

// Repository provides PostgreSQL backed persistence.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

func (r *Repository) WithTx(ctx context.Context, fn func(TxSet) error) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(TxSet{
			Treasury:    treasury.NewTxRepository(tx),
			Receivables: receivables.NewTxRepository(tx),
			Customers:   customers.NewTxRepository(tx),
		})
	})
}
