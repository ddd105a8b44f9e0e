package payments

import (
	"context"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tillbook/tillbook/internal/platform/db"
)

// RepositoryPort defines data access for the payment-method directory.
type RepositoryPort interface {
	ListMethods(ctx context.Context) ([]PaymentMethod, error)
	ListAliases(ctx context.Context) (map[string]int64, error)
	CreateMethod(ctx context.Context, code, name string) (*PaymentMethod, error)
	SetMethodActive(ctx context.Context, id int64, active bool) error
	CreateAlias(ctx context.Context, alias string, methodID int64) error
}

// Repository provides PostgreSQL backed persistence.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

func (r *Repository) ListMethods(ctx context.Context) ([]PaymentMethod, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, code, name, is_active, created_at, updated_at FROM payment_methods ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	methods := []PaymentMethod{}
	for rows.Next() {
		var m PaymentMethod
		if err := rows.Scan(&m.ID, &m.Code, &m.Name, &m.IsActive, &m.CreatedAt, &m.UpdatedAt); err != nil {
			return nil, err
		}
		methods = append(methods, m)
	}
	return methods, rows.Err()
}

func (r *Repository) ListAliases(ctx context.Context) (map[string]int64, error) {
	rows, err := r.pool.Query(ctx, `SELECT alias, method_id FROM payment_method_aliases`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	aliases := map[string]int64{}
	for rows.Next() {
		var alias string
		var methodID int64
		if err := rows.Scan(&alias, &methodID); err != nil {
			return nil, err
		}
		aliases[strings.ToUpper(alias)] = methodID
	}
	return aliases, rows.Err()
}

func (r *Repository) CreateMethod(ctx context.Context, code, name string) (*PaymentMethod, error) {
	var m PaymentMethod
	err := r.pool.QueryRow(ctx, `INSERT INTO payment_methods (code, name, is_active, created_at, updated_at)
VALUES ($1, $2, true, NOW(), NOW()) RETURNING id, code, name, is_active, created_at, updated_at`, code, name).
		Scan(&m.ID, &m.Code, &m.Name, &m.IsActive, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		if db.IsUniqueViolation(err, "") {
			return nil, ErrCodeTaken
		}
		return nil, err
	}
	return &m, nil
}

func (r *Repository) SetMethodActive(ctx context.Context, id int64, active bool) error {
	tag, err := r.pool.Exec(ctx, `UPDATE payment_methods SET is_active=$2, updated_at=NOW() WHERE id=$1`, id, active)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *Repository) CreateAlias(ctx context.Context, alias string, methodID int64) error {
	_, err := r.pool.Exec(ctx, `INSERT INTO payment_method_aliases (alias, method_id)
VALUES ($1, $2) ON CONFLICT (alias) DO UPDATE SET method_id=EXCLUDED.method_id`, strings.ToUpper(alias), methodID)
	if err != nil && db.IsForeignKeyViolation(err) {
		return ErrNotFound
	}
	return err
}
