package treasury

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/tillbook/tillbook/internal/platform/db"
)

// ErrDuplicateEntryKey signals the unique index on idempotency_key rejected an
// insert because a concurrent transaction committed the same key first.
var ErrDuplicateEntryKey = errors.New("treasury: duplicate idempotency key")

const entryKeyConstraint = "treasury_entries_idempotency_key_key"

// RepositoryPort defines the data access surface used by Service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetTreasury(ctx context.Context, id int64) (*Treasury, error)
	ListTreasuries(ctx context.Context, includeDeleted bool) ([]Treasury, error)
	FindEntryByKey(ctx context.Context, key string) (*Entry, error)
	ListEntries(ctx context.Context, filter EntryFilter) ([]Entry, int, error)
}

// TxRepository exposes transactional operations. All locking methods must run
// on the same transaction that later mutates balances.
type TxRepository interface {
	AdvisoryLock(ctx context.Context, key int64) error
	GetTreasury(ctx context.Context, id int64) (*Treasury, error)
	GetTreasuryForUpdate(ctx context.Context, id int64) (*Treasury, error)
	FindDefault(ctx context.Context) (*Treasury, error)
	FindByCode(ctx context.Context, code string) (*Treasury, error)
	FindAnyActive(ctx context.Context) (*Treasury, error)
	InsertTreasury(ctx context.Context, t Treasury) (int64, error)
	UpdateBalance(ctx context.Context, id int64, balance decimal.Decimal) error
	ClearDefault(ctx context.Context) error
	MarkDefault(ctx context.Context, id int64) error
	CountActive(ctx context.Context) (int, error)
	CountEntries(ctx context.Context, treasuryID int64) (int, error)
	ArchiveTreasury(ctx context.Context, id int64, name, code string) error
	FindEntryByKey(ctx context.Context, key string) (*Entry, error)
	InsertEntry(ctx context.Context, e *Entry) (int64, error)
	UpdateEntryMeta(ctx context.Context, id int64, meta map[string]any) error
	ListEntriesByReference(ctx context.Context, kind string, refID int64) ([]Entry, error)
	DeleteEntriesByReference(ctx context.Context, kind string, refID int64) (int64, error)
	DeleteAllocationsForEntries(ctx context.Context, entryIDs []int64) (int64, error)
}

// EntryFilter narrows entry listings.
type EntryFilter struct {
	TreasuryID    int64
	Type          EntryType
	ReferenceKind string
	ReferenceID   int64
	From          time.Time
	To            time.Time
	Limit         int
	Offset        int
}

type dbtx interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Repository persists treasuries and ledger entries in PostgreSQL.
type Repository struct {
	db   dbtx
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{db: pool, pool: pool}
}

// NewTxRepository wraps an existing transaction so orchestrators can compose
// ledger writes with other modules inside one business transaction.
func NewTxRepository(tx pgx.Tx) TxRepository {
	return &txRepository{db: tx}
}

type txRepository struct {
	db dbtx
}

// WithTx executes the callback inside a repeatable-read transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if r == nil {
		return errors.New("treasury repository not initialised")
	}
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepository{db: tx})
	})
}

const treasuryColumns = `id, name, code, opening_balance, current_balance, is_active, is_default, is_deleted, created_at, updated_at`

func scanTreasury(row pgx.Row) (*Treasury, error) {
	var t Treasury
	err := row.Scan(&t.ID, &t.Name, &t.Code, &t.OpeningBalance, &t.CurrentBalance, &t.IsActive, &t.IsDefault, &t.IsDeleted, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &t, nil
}

func (r *Repository) GetTreasury(ctx context.Context, id int64) (*Treasury, error) {
	return scanTreasury(r.db.QueryRow(ctx, `SELECT `+treasuryColumns+` FROM treasuries WHERE id=$1`, id))
}

func (r *Repository) ListTreasuries(ctx context.Context, includeDeleted bool) ([]Treasury, error) {
	rows, err := r.db.Query(ctx, `SELECT `+treasuryColumns+` FROM treasuries WHERE ($1 OR NOT is_deleted) ORDER BY id`, includeDeleted)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	treasuries := []Treasury{}
	for rows.Next() {
		var t Treasury
		if err := rows.Scan(&t.ID, &t.Name, &t.Code, &t.OpeningBalance, &t.CurrentBalance, &t.IsActive, &t.IsDefault, &t.IsDeleted, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, err
		}
		treasuries = append(treasuries, t)
	}
	return treasuries, rows.Err()
}

func (r *Repository) FindEntryByKey(ctx context.Context, key string) (*Entry, error) {
	return findEntryByKey(ctx, r.db, key)
}

func (r *Repository) ListEntries(ctx context.Context, filter EntryFilter) ([]Entry, int, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	args := []any{
		nullInt(filter.TreasuryID),
		nullString(string(filter.Type)),
		nullString(filter.ReferenceKind),
		nullInt(filter.ReferenceID),
		nullTime(filter.From),
		nullTime(filter.To),
	}
	where := `($1::bigint IS NULL OR treasury_id=$1)
AND ($2::text IS NULL OR entry_type=$2)
AND ($3::text IS NULL OR reference_type=$3)
AND ($4::bigint IS NULL OR reference_id=$4)
AND entry_date >= COALESCE($5, '-infinity'::timestamptz)
AND entry_date <= COALESCE($6, 'infinity'::timestamptz)`

	var total int
	if err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM treasury_entries WHERE `+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := r.db.Query(ctx, `SELECT `+entryColumns+` FROM treasury_entries WHERE `+where+`
ORDER BY entry_date DESC, id DESC LIMIT $7 OFFSET $8`, append(args, limit, filter.Offset)...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	entries, err := collectEntries(rows)
	if err != nil {
		return nil, 0, err
	}
	return entries, total, nil
}

// --- transactional implementation ---

func (r *txRepository) AdvisoryLock(ctx context.Context, key int64) error {
	_, err := r.db.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, key)
	return err
}

func (r *txRepository) GetTreasury(ctx context.Context, id int64) (*Treasury, error) {
	return scanTreasury(r.db.QueryRow(ctx, `SELECT `+treasuryColumns+` FROM treasuries WHERE id=$1`, id))
}

func (r *txRepository) GetTreasuryForUpdate(ctx context.Context, id int64) (*Treasury, error) {
	return scanTreasury(r.db.QueryRow(ctx, `SELECT `+treasuryColumns+` FROM treasuries WHERE id=$1 FOR UPDATE`, id))
}

func (r *txRepository) FindDefault(ctx context.Context) (*Treasury, error) {
	return scanTreasury(r.db.QueryRow(ctx, `SELECT `+treasuryColumns+` FROM treasuries WHERE is_default AND NOT is_deleted LIMIT 1`))
}

func (r *txRepository) FindByCode(ctx context.Context, code string) (*Treasury, error) {
	return scanTreasury(r.db.QueryRow(ctx, `SELECT `+treasuryColumns+` FROM treasuries WHERE code=$1 AND NOT is_deleted LIMIT 1`, code))
}

func (r *txRepository) FindAnyActive(ctx context.Context) (*Treasury, error) {
	return scanTreasury(r.db.QueryRow(ctx, `SELECT `+treasuryColumns+` FROM treasuries WHERE is_active AND NOT is_deleted ORDER BY id LIMIT 1`))
}

func (r *txRepository) InsertTreasury(ctx context.Context, t Treasury) (int64, error) {
	var id int64
	err := r.db.QueryRow(ctx, `INSERT INTO treasuries (name, code, opening_balance, current_balance, is_active, is_default, is_deleted, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,false,NOW(),NOW()) RETURNING id`, t.Name, t.Code, t.OpeningBalance, t.CurrentBalance, t.IsActive, t.IsDefault).Scan(&id)
	if err != nil {
		if db.IsUniqueViolation(err, "") {
			return 0, ErrCodeTaken
		}
		return 0, err
	}
	return id, nil
}

func (r *txRepository) UpdateBalance(ctx context.Context, id int64, balance decimal.Decimal) error {
	tag, err := r.db.Exec(ctx, `UPDATE treasuries SET current_balance=$2, updated_at=NOW() WHERE id=$1`, id, balance)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *txRepository) ClearDefault(ctx context.Context) error {
	_, err := r.db.Exec(ctx, `UPDATE treasuries SET is_default=false, updated_at=NOW() WHERE is_default`)
	return err
}

func (r *txRepository) MarkDefault(ctx context.Context, id int64) error {
	tag, err := r.db.Exec(ctx, `UPDATE treasuries SET is_default=true, updated_at=NOW() WHERE id=$1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *txRepository) CountActive(ctx context.Context) (int, error) {
	var n int
	err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM treasuries WHERE is_active AND NOT is_deleted`).Scan(&n)
	return n, err
}

func (r *txRepository) CountEntries(ctx context.Context, treasuryID int64) (int, error) {
	var n int
	err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM treasury_entries WHERE treasury_id=$1`, treasuryID).Scan(&n)
	return n, err
}

func (r *txRepository) ArchiveTreasury(ctx context.Context, id int64, name, code string) error {
	tag, err := r.db.Exec(ctx, `UPDATE treasuries SET name=$2, code=$3, is_active=false, is_deleted=true, is_default=false, updated_at=NOW() WHERE id=$1`, id, name, code)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

const entryColumns = `id, treasury_id, entry_type, direction, amount, balance_before, balance_after, reference_type, reference_id, payment_method_id, idempotency_key, entry_date, meta, created_at`

func scanEntry(row pgx.Row) (*Entry, error) {
	var (
		e        Entry
		refKind  *string
		refID    *int64
		metaJSON []byte
	)
	err := row.Scan(&e.ID, &e.TreasuryID, &e.Type, &e.Direction, &e.Amount, &e.BalanceBefore, &e.BalanceAfter,
		&refKind, &refID, &e.PaymentMethodID, &e.IdempotencyKey, &e.EntryDate, &metaJSON, &e.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if refKind != nil && refID != nil {
		e.Reference = &Reference{Kind: *refKind, ID: *refID}
	}
	if len(metaJSON) > 0 {
		_ = json.Unmarshal(metaJSON, &e.Meta)
	}
	return &e, nil
}

func collectEntries(rows pgx.Rows) ([]Entry, error) {
	entries := []Entry{}
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *e)
	}
	return entries, rows.Err()
}

func findEntryByKey(ctx context.Context, q dbtx, key string) (*Entry, error) {
	return scanEntry(q.QueryRow(ctx, `SELECT `+entryColumns+` FROM treasury_entries WHERE idempotency_key=$1`, key))
}

func (r *txRepository) FindEntryByKey(ctx context.Context, key string) (*Entry, error) {
	return findEntryByKey(ctx, r.db, key)
}

func (r *txRepository) InsertEntry(ctx context.Context, e *Entry) (int64, error) {
	metaJSON, err := json.Marshal(e.Meta)
	if err != nil {
		return 0, err
	}
	var refKind any
	var refID any
	if e.Reference != nil {
		refKind, refID = e.Reference.Kind, e.Reference.ID
	}
	var id int64
	err = r.db.QueryRow(ctx, `INSERT INTO treasury_entries
(treasury_id, entry_type, direction, amount, balance_before, balance_after, reference_type, reference_id, payment_method_id, idempotency_key, entry_date, meta, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,NOW()) RETURNING id, created_at`,
		e.TreasuryID, string(e.Type), string(e.Direction), e.Amount, e.BalanceBefore, e.BalanceAfter,
		refKind, refID, e.PaymentMethodID, e.IdempotencyKey, e.EntryDate, metaJSON).Scan(&id, &e.CreatedAt)
	if err != nil {
		if db.IsUniqueViolation(err, entryKeyConstraint) {
			return 0, ErrDuplicateEntryKey
		}
		return 0, err
	}
	e.ID = id
	return id, nil
}

func (r *txRepository) UpdateEntryMeta(ctx context.Context, id int64, meta map[string]any) error {
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	_, err = r.db.Exec(ctx, `UPDATE treasury_entries SET meta=$2 WHERE id=$1`, id, metaJSON)
	return err
}

func (r *txRepository) ListEntriesByReference(ctx context.Context, kind string, refID int64) ([]Entry, error) {
	rows, err := r.db.Query(ctx, `SELECT `+entryColumns+` FROM treasury_entries WHERE reference_type=$1 AND reference_id=$2 ORDER BY id`, kind, refID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectEntries(rows)
}

func (r *txRepository) DeleteEntriesByReference(ctx context.Context, kind string, refID int64) (int64, error) {
	tag, err := r.db.Exec(ctx, `DELETE FROM treasury_entries WHERE reference_type=$1 AND reference_id=$2`, kind, refID)
	if err != nil {
		if db.IsForeignKeyViolation(err) {
			return 0, ErrConstraintViolation
		}
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (r *txRepository) DeleteAllocationsForEntries(ctx context.Context, entryIDs []int64) (int64, error) {
	if len(entryIDs) == 0 {
		return 0, nil
	}
	tag, err := r.db.Exec(ctx, `DELETE FROM payment_allocations WHERE source_entry_id = ANY($1)`, entryIDs)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func nullInt(value int64) any {
	if value == 0 {
		return nil
	}
	return value
}

func nullString(value string) any {
	if value == "" {
		return nil
	}
	return value
}

func nullTime(value time.Time) any {
	if value.IsZero() {
		return nil
	}
	return value
}
