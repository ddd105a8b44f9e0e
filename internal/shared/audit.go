package shared

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Audit actions recorded by the ledger core.
const (
	AuditEntryPosted     = "ledger.entry.posted"
	AuditEntryRolledBack = "ledger.reference.rolled_back"
	AuditTransferPosted  = "ledger.transfer.posted"
	AuditTreasuryDefault = "treasury.default.changed"
	AuditTreasuryCreated = "treasury.created"
	AuditTreasuryArchive = "treasury.archived"
	AuditRebuildFinished = "customer.financials.rebuilt"
	AuditIntegrityDrift  = "ledger.integrity.drift"
)

// AuditLog represents a record stored in audit_logs.
type AuditLog struct {
	ActorID  int64
	Action   string
	Entity   string
	EntityID string
	Meta     map[string]any
	At       time.Time
}

// AuditLogger writes records into audit_logs.
type AuditLogger struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewAuditLogger returns a new AuditLogger.
func NewAuditLogger(pool *pgxpool.Pool, logger *slog.Logger) *AuditLogger {
	return &AuditLogger{pool: pool, logger: logger}
}

// Record persists the log entry.
func (l *AuditLogger) Record(ctx context.Context, log AuditLog) error {
	if l == nil || l.pool == nil {
		return errors.New("audit logger not initialised")
	}
	if log.Action == "" || log.Entity == "" || log.EntityID == "" {
		return errors.New("audit log requires action/entity/entity_id")
	}
	metaJSON, err := json.Marshal(log.Meta)
	if err != nil {
		return err
	}
	_, err = l.pool.Exec(ctx, `INSERT INTO audit_logs (actor_id, action, entity, entity_id, meta, occurred_at) VALUES ($1, $2, $3, $4, $5, COALESCE($6, NOW()))`, log.ActorID, log.Action, log.Entity, log.EntityID, metaJSON, nullTime(log.At))
	return err
}

// RecordBestEffort writes the audit record and downgrades any failure to a
// warning. Audit writes must never abort the business transaction they
// describe.
func (l *AuditLogger) RecordBestEffort(ctx context.Context, log AuditLog) {
	if l == nil {
		return
	}
	if err := l.Record(ctx, log); err != nil && l.logger != nil {
		l.logger.Warn("audit record failed", slog.String("action", log.Action), slog.Any("error", err))
	}
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}
