package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/dvloznov/ledger-engine/internal/audit"
	"github.com/dvloznov/ledger-engine/internal/domain"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// AuditLog is the postgres audit.Log. Rows are insert-only; there is no
// update or delete path.
type AuditLog struct {
	pool *pgxpool.Pool
}

var _ audit.Log = (*AuditLog)(nil)

func NewAuditLog(pool *pgxpool.Pool) *AuditLog {
	return &AuditLog{pool: pool}
}

func (l *AuditLog) Append(ctx context.Context, entry *domain.AuditEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	doc, err := marshalDoc(entry)
	if err != nil {
		return err
	}

	_, err = l.pool.Exec(ctx, `
		INSERT INTO audit_entries (id, entity_type, entity_id, action, actor, created_at, doc)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		entry.ID, entry.EntityType, entry.EntityID, entry.Action, entry.Actor,
		entry.CreatedAt, doc)
	if err != nil {
		return fmt.Errorf("append audit entry: %w", err)
	}
	return nil
}

func (l *AuditLog) List(ctx context.Context, f domain.AuditFilter) ([]*domain.AuditEntry, error) {
	query := `SELECT doc FROM audit_entries WHERE 1=1`
	var args []interface{}
	if f.EntityType != "" {
		args = append(args, f.EntityType)
		query += fmt.Sprintf(` AND entity_type = $%d`, len(args))
	}
	if f.EntityID != "" {
		args = append(args, f.EntityID)
		query += fmt.Sprintf(` AND entity_id = $%d`, len(args))
	}
	if f.Actor != "" {
		args = append(args, f.Actor)
		query += fmt.Sprintf(` AND actor = $%d`, len(args))
	}
	if !f.From.IsZero() {
		args = append(args, f.From)
		query += fmt.Sprintf(` AND created_at >= $%d`, len(args))
	}
	if !f.To.IsZero() {
		args = append(args, f.To)
		query += fmt.Sprintf(` AND created_at <= $%d`, len(args))
	}
	query += ` ORDER BY created_at, id`
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(` LIMIT $%d`, len(args))
	}

	rows, err := l.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list audit entries: %w", err)
	}
	defer rows.Close()

	var out []*domain.AuditEntry
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("list audit entries: %w", err)
		}
		var entry domain.AuditEntry
		if err := unmarshalDoc(doc, &entry); err != nil {
			return nil, err
		}
		out = append(out, &entry)
	}
	return out, rows.Err()
}
