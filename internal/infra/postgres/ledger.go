package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dvloznov/ledger-engine/internal/domain"
	"github.com/dvloznov/ledger-engine/internal/ledger"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository is the postgres ledger.Repository. Dedup-key and link-triple
// uniqueness come from unique indexes; optimistic versioning is a guarded
// UPDATE on the version column.
type Repository struct {
	pool *pgxpool.Pool
}

var _ ledger.Repository = (*Repository)(nil)

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

func (r *Repository) CreateTransaction(ctx context.Context, tx *domain.Transaction) (string, bool, error) {
	cp := *tx
	if cp.ID == "" {
		cp.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	cp.CreatedAt = now
	cp.UpdatedAt = now
	cp.Version = 1

	doc, err := marshalDoc(&cp)
	if err != nil {
		return "", false, err
	}

	tag, err := r.pool.Exec(ctx, `
		INSERT INTO ledger_transactions
			(id, account_id, status, source, merchant_norm, dedup_key, effective_date, created_at, version, doc)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (dedup_key) DO NOTHING`,
		cp.ID, cp.AccountID, cp.Status, cp.Source, cp.MerchantNorm, cp.DedupKey,
		cp.EffectiveDate(), cp.CreatedAt, cp.Version, doc)
	if err != nil {
		return "", false, fmt.Errorf("create transaction: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var existing string
		err := r.pool.QueryRow(ctx,
			`SELECT id FROM ledger_transactions WHERE dedup_key = $1`, *cp.DedupKey).Scan(&existing)
		if err != nil {
			return "", false, fmt.Errorf("create transaction: lookup duplicate: %w", err)
		}
		return existing, false, nil
	}
	return cp.ID, true, nil
}

func (r *Repository) GetTransaction(ctx context.Context, id string) (*domain.Transaction, error) {
	var doc []byte
	err := r.pool.QueryRow(ctx, `SELECT doc FROM ledger_transactions WHERE id = $1`, id).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("transaction %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get transaction: %w", err)
	}
	var tx domain.Transaction
	if err := unmarshalDoc(doc, &tx); err != nil {
		return nil, err
	}
	return &tx, nil
}

func (r *Repository) ListTransactions(ctx context.Context, f ledger.TransactionFilter) ([]*domain.Transaction, error) {
	query := `SELECT doc FROM ledger_transactions WHERE 1=1`
	var args []interface{}
	if f.AccountID != "" {
		args = append(args, f.AccountID)
		query += fmt.Sprintf(` AND account_id = $%d`, len(args))
	}
	if len(f.Statuses) > 0 {
		statuses := make([]string, len(f.Statuses))
		for i, s := range f.Statuses {
			statuses[i] = string(s)
		}
		args = append(args, statuses)
		query += fmt.Sprintf(` AND status = ANY($%d)`, len(args))
	}
	if f.Source != "" {
		args = append(args, f.Source)
		query += fmt.Sprintf(` AND source = $%d`, len(args))
	}
	if f.MerchantNorm != "" {
		args = append(args, f.MerchantNorm)
		query += fmt.Sprintf(` AND merchant_norm = $%d`, len(args))
	}
	if !f.From.IsZero() {
		args = append(args, f.From)
		query += fmt.Sprintf(` AND effective_date >= $%d`, len(args))
	}
	if !f.To.IsZero() {
		args = append(args, f.To)
		query += fmt.Sprintf(` AND effective_date <= $%d`, len(args))
	}
	if len(f.DedupKeys) > 0 {
		args = append(args, f.DedupKeys)
		query += fmt.Sprintf(` AND dedup_key = ANY($%d)`, len(args))
	}
	query += ` ORDER BY created_at, id`

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	defer rows.Close()

	var out []*domain.Transaction
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("list transactions: %w", err)
		}
		var tx domain.Transaction
		if err := unmarshalDoc(doc, &tx); err != nil {
			return nil, err
		}
		out = append(out, &tx)
	}
	return out, rows.Err()
}

func (r *Repository) UpdateTransaction(ctx context.Context, tx *domain.Transaction) error {
	cp := *tx
	cp.UpdatedAt = time.Now().UTC()
	cp.Version = tx.Version + 1

	doc, err := marshalDoc(&cp)
	if err != nil {
		return err
	}

	tag, err := r.pool.Exec(ctx, `
		UPDATE ledger_transactions
		SET status = $2, merchant_norm = $3, effective_date = $4, version = $5, doc = $6
		WHERE id = $1 AND version = $7`,
		cp.ID, cp.Status, cp.MerchantNorm, cp.EffectiveDate(), cp.Version, doc, tx.Version)
	if err != nil {
		return fmt.Errorf("update transaction: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return r.versionError(ctx, "ledger_transactions", "transaction", tx.ID, tx.Version)
	}

	tx.Version = cp.Version
	tx.UpdatedAt = cp.UpdatedAt
	return nil
}

func (r *Repository) DeleteTransaction(ctx context.Context, id string) error {
	return r.deleteByID(ctx, "ledger_transactions", "transaction", id)
}

func (r *Repository) CreateReceipt(ctx context.Context, rc *domain.Receipt) (string, bool, error) {
	cp := *rc
	if cp.ID == "" {
		cp.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	cp.CreatedAt = now
	cp.UpdatedAt = now
	cp.Version = 1
	if cp.Status == "" {
		cp.Status = domain.ReceiptUnmatched
	}

	doc, err := marshalDoc(&cp)
	if err != nil {
		return "", false, err
	}

	tag, err := r.pool.Exec(ctx, `
		INSERT INTO ledger_receipts
			(id, account_id, status, dedup_key, transaction_due_at, claimed_at, created_at, version, doc)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (dedup_key) DO NOTHING`,
		cp.ID, cp.AccountID, cp.Status, cp.DedupKey, cp.TransactionDueAt, cp.ClaimedAt,
		cp.CreatedAt, cp.Version, doc)
	if err != nil {
		return "", false, fmt.Errorf("create receipt: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var existing string
		err := r.pool.QueryRow(ctx,
			`SELECT id FROM ledger_receipts WHERE dedup_key = $1`, *cp.DedupKey).Scan(&existing)
		if err != nil {
			return "", false, fmt.Errorf("create receipt: lookup duplicate: %w", err)
		}
		return existing, false, nil
	}
	return cp.ID, true, nil
}

func (r *Repository) GetReceipt(ctx context.Context, id string) (*domain.Receipt, error) {
	var doc []byte
	err := r.pool.QueryRow(ctx, `SELECT doc FROM ledger_receipts WHERE id = $1`, id).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("receipt %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get receipt: %w", err)
	}
	var rc domain.Receipt
	if err := unmarshalDoc(doc, &rc); err != nil {
		return nil, err
	}
	return &rc, nil
}

func (r *Repository) ListReceipts(ctx context.Context, f ledger.ReceiptFilter) ([]*domain.Receipt, error) {
	query := `SELECT doc FROM ledger_receipts WHERE 1=1`
	var args []interface{}
	if f.AccountID != "" {
		args = append(args, f.AccountID)
		query += fmt.Sprintf(` AND account_id = $%d`, len(args))
	}
	if len(f.Statuses) > 0 {
		statuses := make([]string, len(f.Statuses))
		for i, s := range f.Statuses {
			statuses[i] = string(s)
		}
		args = append(args, statuses)
		query += fmt.Sprintf(` AND status = ANY($%d)`, len(args))
	}
	if !f.DueBefore.IsZero() {
		args = append(args, f.DueBefore)
		query += fmt.Sprintf(` AND transaction_due_at IS NOT NULL AND transaction_due_at <= $%d`, len(args))
		if f.ReclaimBefore.IsZero() {
			query += ` AND claimed_at IS NULL`
		} else {
			args = append(args, f.ReclaimBefore)
			query += fmt.Sprintf(` AND (claimed_at IS NULL OR claimed_at <= $%d)`, len(args))
		}
	}
	if len(f.DedupKeys) > 0 {
		args = append(args, f.DedupKeys)
		query += fmt.Sprintf(` AND dedup_key = ANY($%d)`, len(args))
	}
	query += ` ORDER BY created_at, id`

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list receipts: %w", err)
	}
	defer rows.Close()

	var out []*domain.Receipt
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("list receipts: %w", err)
		}
		var rc domain.Receipt
		if err := unmarshalDoc(doc, &rc); err != nil {
			return nil, err
		}
		out = append(out, &rc)
	}
	return out, rows.Err()
}

func (r *Repository) UpdateReceipt(ctx context.Context, rc *domain.Receipt) error {
	cp := *rc
	cp.UpdatedAt = time.Now().UTC()
	cp.Version = rc.Version + 1

	doc, err := marshalDoc(&cp)
	if err != nil {
		return err
	}

	tag, err := r.pool.Exec(ctx, `
		UPDATE ledger_receipts
		SET status = $2, transaction_due_at = $3, claimed_at = $4, version = $5, doc = $6
		WHERE id = $1 AND version = $7`,
		cp.ID, cp.Status, cp.TransactionDueAt, cp.ClaimedAt, cp.Version, doc, rc.Version)
	if err != nil {
		return fmt.Errorf("update receipt: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return r.versionError(ctx, "ledger_receipts", "receipt", rc.ID, rc.Version)
	}

	rc.Version = cp.Version
	rc.UpdatedAt = cp.UpdatedAt
	return nil
}

func (r *Repository) DeleteReceipt(ctx context.Context, id string) error {
	return r.deleteByID(ctx, "ledger_receipts", "receipt", id)
}

func (r *Repository) CreateLink(ctx context.Context, l *domain.Link) (string, error) {
	cp := *l
	if cp.ID == "" {
		cp.ID = uuid.NewString()
	}
	cp.CreatedAt = time.Now().UTC()

	doc, err := marshalDoc(&cp)
	if err != nil {
		return "", err
	}

	tag, err := r.pool.Exec(ctx, `
		INSERT INTO ledger_links
			(id, source_type, source_id, target_type, target_id, link_type, created_at, doc)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (source_type, source_id, target_type, target_id, link_type) DO NOTHING`,
		cp.ID, cp.SourceType, cp.SourceID, cp.TargetType, cp.TargetID, cp.LinkType,
		cp.CreatedAt, doc)
	if err != nil {
		return "", fmt.Errorf("create link: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return "", fmt.Errorf("duplicate link %s/%s -> %s/%s (%s): %w",
			cp.SourceType, cp.SourceID, cp.TargetType, cp.TargetID, cp.LinkType,
			domain.ErrInvariantViolation)
	}
	return cp.ID, nil
}

func (r *Repository) ListLinks(ctx context.Context, f ledger.LinkFilter) ([]*domain.Link, error) {
	query := `SELECT doc FROM ledger_links WHERE 1=1`
	var args []interface{}
	if f.LinkType != "" {
		args = append(args, f.LinkType)
		query += fmt.Sprintf(` AND link_type = $%d`, len(args))
	}
	if f.EntityID != "" {
		args = append(args, f.EntityID)
		n := len(args)
		if f.EntityType != "" {
			args = append(args, f.EntityType)
			query += fmt.Sprintf(
				` AND ((source_id = $%d AND source_type = $%d) OR (target_id = $%d AND target_type = $%d))`,
				n, n+1, n, n+1)
		} else {
			query += fmt.Sprintf(` AND (source_id = $%d OR target_id = $%d)`, n, n)
		}
	}
	query += ` ORDER BY created_at, id`

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list links: %w", err)
	}
	defer rows.Close()

	var out []*domain.Link
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("list links: %w", err)
		}
		var l domain.Link
		if err := unmarshalDoc(doc, &l); err != nil {
			return nil, err
		}
		out = append(out, &l)
	}
	return out, rows.Err()
}

func (r *Repository) DeleteLink(ctx context.Context, id string) error {
	return r.deleteByID(ctx, "ledger_links", "link", id)
}

func (r *Repository) CreateStatement(ctx context.Context, s *domain.Statement) (string, error) {
	cp := *s
	cp.Lines = append([]domain.StatementLine(nil), s.Lines...)
	if cp.ID == "" {
		cp.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	cp.CreatedAt = now
	cp.UpdatedAt = now
	cp.Version = 1
	for i := range cp.Lines {
		if cp.Lines[i].ID == "" {
			cp.Lines[i].ID = uuid.NewString()
		}
		cp.Lines[i].StatementID = cp.ID
		if cp.Lines[i].MatchStatus == "" {
			cp.Lines[i].MatchStatus = domain.LineUnmatched
		}
	}

	doc, err := marshalDoc(&cp)
	if err != nil {
		return "", err
	}

	_, err = r.pool.Exec(ctx, `
		INSERT INTO ledger_statements (id, account_id, status, created_at, version, doc)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		cp.ID, cp.AccountID, cp.Status, cp.CreatedAt, cp.Version, doc)
	if err != nil {
		return "", fmt.Errorf("create statement: %w", err)
	}

	s.ID = cp.ID
	return cp.ID, nil
}

func (r *Repository) GetStatement(ctx context.Context, id string) (*domain.Statement, error) {
	var doc []byte
	err := r.pool.QueryRow(ctx, `SELECT doc FROM ledger_statements WHERE id = $1`, id).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("statement %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get statement: %w", err)
	}
	var s domain.Statement
	if err := unmarshalDoc(doc, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *Repository) ListStatements(ctx context.Context, f ledger.StatementFilter) ([]*domain.Statement, error) {
	query := `SELECT doc FROM ledger_statements WHERE 1=1`
	var args []interface{}
	if f.AccountID != "" {
		args = append(args, f.AccountID)
		query += fmt.Sprintf(` AND account_id = $%d`, len(args))
	}
	if len(f.Statuses) > 0 {
		statuses := make([]string, len(f.Statuses))
		for i, s := range f.Statuses {
			statuses[i] = string(s)
		}
		args = append(args, statuses)
		query += fmt.Sprintf(` AND status = ANY($%d)`, len(args))
	}
	query += ` ORDER BY created_at, id`

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list statements: %w", err)
	}
	defer rows.Close()

	var out []*domain.Statement
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("list statements: %w", err)
		}
		var s domain.Statement
		if err := unmarshalDoc(doc, &s); err != nil {
			return nil, err
		}
		out = append(out, &s)
	}
	return out, rows.Err()
}

func (r *Repository) UpdateStatement(ctx context.Context, s *domain.Statement) error {
	cp := *s
	cp.UpdatedAt = time.Now().UTC()
	cp.Version = s.Version + 1

	doc, err := marshalDoc(&cp)
	if err != nil {
		return err
	}

	tag, err := r.pool.Exec(ctx, `
		UPDATE ledger_statements
		SET status = $2, version = $3, doc = $4
		WHERE id = $1 AND version = $5`,
		cp.ID, cp.Status, cp.Version, doc, s.Version)
	if err != nil {
		return fmt.Errorf("update statement: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return r.versionError(ctx, "ledger_statements", "statement", s.ID, s.Version)
	}

	s.Version = cp.Version
	s.UpdatedAt = cp.UpdatedAt
	return nil
}

func (r *Repository) CreateSuggestion(ctx context.Context, s *domain.MatchSuggestion) (string, error) {
	cp := *s
	if cp.ID == "" {
		cp.ID = uuid.NewString()
	}
	cp.CreatedAt = time.Now().UTC()
	if cp.Status == "" {
		cp.Status = "pending"
	}

	doc, err := marshalDoc(&cp)
	if err != nil {
		return "", err
	}

	_, err = r.pool.Exec(ctx, `
		INSERT INTO match_suggestions (id, receipt_id, transaction_id, status, created_at, doc)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		cp.ID, cp.ReceiptID, cp.TransactionID, cp.Status, cp.CreatedAt, doc)
	if err != nil {
		return "", fmt.Errorf("create suggestion: %w", err)
	}
	return cp.ID, nil
}

func (r *Repository) ListSuggestions(ctx context.Context, f ledger.SuggestionFilter) ([]*domain.MatchSuggestion, error) {
	query := `SELECT doc FROM match_suggestions WHERE 1=1`
	var args []interface{}
	if f.ReceiptID != "" {
		args = append(args, f.ReceiptID)
		query += fmt.Sprintf(` AND receipt_id = $%d`, len(args))
	}
	if f.TransactionID != "" {
		args = append(args, f.TransactionID)
		query += fmt.Sprintf(` AND transaction_id = $%d`, len(args))
	}
	if f.Status != "" {
		args = append(args, f.Status)
		query += fmt.Sprintf(` AND status = $%d`, len(args))
	}
	query += ` ORDER BY created_at, id`

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list suggestions: %w", err)
	}
	defer rows.Close()

	var out []*domain.MatchSuggestion
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("list suggestions: %w", err)
		}
		var s domain.MatchSuggestion
		if err := unmarshalDoc(doc, &s); err != nil {
			return nil, err
		}
		out = append(out, &s)
	}
	return out, rows.Err()
}

func (r *Repository) UpdateSuggestion(ctx context.Context, s *domain.MatchSuggestion) error {
	doc, err := marshalDoc(s)
	if err != nil {
		return err
	}
	tag, err := r.pool.Exec(ctx, `
		UPDATE match_suggestions SET status = $2, doc = $3 WHERE id = $1`,
		s.ID, s.Status, doc)
	if err != nil {
		return fmt.Errorf("update suggestion: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("suggestion %s: %w", s.ID, domain.ErrNotFound)
	}
	return nil
}

// DeleteByDedupKeys removes derived transactions and receipts along with
// any links touching them, in one database transaction.
func (r *Repository) DeleteByDedupKeys(ctx context.Context, keys []string) (int, error) {
	dbtx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("delete by dedup keys: begin: %w", err)
	}
	defer dbtx.Rollback(ctx)

	var removed []string
	for _, table := range []string{"ledger_transactions", "ledger_receipts"} {
		rows, err := dbtx.Query(ctx,
			fmt.Sprintf(`DELETE FROM %s WHERE dedup_key = ANY($1) RETURNING id`, table), keys)
		if err != nil {
			return 0, fmt.Errorf("delete by dedup keys: %w", err)
		}
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return 0, fmt.Errorf("delete by dedup keys: %w", err)
			}
			removed = append(removed, id)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return 0, fmt.Errorf("delete by dedup keys: %w", err)
		}
	}

	if len(removed) > 0 {
		_, err = dbtx.Exec(ctx,
			`DELETE FROM ledger_links WHERE source_id = ANY($1) OR target_id = ANY($1)`, removed)
		if err != nil {
			return 0, fmt.Errorf("delete by dedup keys: links: %w", err)
		}
	}

	if err := dbtx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("delete by dedup keys: commit: %w", err)
	}
	return len(removed), nil
}

func (r *Repository) deleteByID(ctx context.Context, table, kind, id string) error {
	tag, err := r.pool.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE id = $1`, table), id)
	if err != nil {
		return fmt.Errorf("delete %s: %w", kind, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s %s: %w", kind, id, domain.ErrNotFound)
	}
	return nil
}

// versionError distinguishes a missing row from a stale version after a
// guarded update matched nothing.
func (r *Repository) versionError(ctx context.Context, table, kind, id string, version int64) error {
	var current int64
	err := r.pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT version FROM %s WHERE id = $1`, table), id).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s %s: %w", kind, id, domain.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("update %s: %w", kind, err)
	}
	return fmt.Errorf("%s %s: have v%d, got v%d: %w", kind, id, current, version, domain.ErrVersionConflict)
}
