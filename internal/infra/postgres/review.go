package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dvloznov/ledger-engine/internal/domain"
	"github.com/dvloznov/ledger-engine/internal/review"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ReviewQueue is the postgres review.Queue.
type ReviewQueue struct {
	pool *pgxpool.Pool
}

var _ review.Queue = (*ReviewQueue)(nil)

func NewReviewQueue(pool *pgxpool.Pool) *ReviewQueue {
	return &ReviewQueue{pool: pool}
}

func (q *ReviewQueue) Enqueue(ctx context.Context, item *domain.ReviewItem) (string, error) {
	cp := *item
	if cp.ID == "" {
		cp.ID = uuid.NewString()
	}
	cp.CreatedAt = time.Now().UTC()
	if cp.Status == "" {
		cp.Status = domain.ReviewPending
	}

	doc, err := marshalDoc(&cp)
	if err != nil {
		return "", err
	}

	_, err = q.pool.Exec(ctx, `
		INSERT INTO review_items (id, raw_event_id, status, created_at, doc)
		VALUES ($1, $2, $3, $4, $5)`,
		cp.ID, cp.RawEventID, cp.Status, cp.CreatedAt, doc)
	if err != nil {
		return "", fmt.Errorf("enqueue review item: %w", err)
	}
	return cp.ID, nil
}

func (q *ReviewQueue) Get(ctx context.Context, id string) (*domain.ReviewItem, error) {
	var doc []byte
	err := q.pool.QueryRow(ctx, `SELECT doc FROM review_items WHERE id = $1`, id).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("review item %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get review item: %w", err)
	}
	var item domain.ReviewItem
	if err := unmarshalDoc(doc, &item); err != nil {
		return nil, err
	}
	return &item, nil
}

func (q *ReviewQueue) List(ctx context.Context, f review.Filter) ([]*domain.ReviewItem, error) {
	query := `SELECT doc FROM review_items WHERE 1=1`
	var args []interface{}
	if f.Status != "" {
		args = append(args, f.Status)
		query += fmt.Sprintf(` AND status = $%d`, len(args))
	}
	query += ` ORDER BY created_at, id`
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(` LIMIT $%d`, len(args))
	}

	rows, err := q.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list review items: %w", err)
	}
	defer rows.Close()

	var out []*domain.ReviewItem
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("list review items: %w", err)
		}
		var item domain.ReviewItem
		if err := unmarshalDoc(doc, &item); err != nil {
			return nil, err
		}
		out = append(out, &item)
	}
	return out, rows.Err()
}

func (q *ReviewQueue) Update(ctx context.Context, item *domain.ReviewItem) error {
	doc, err := marshalDoc(item)
	if err != nil {
		return err
	}
	tag, err := q.pool.Exec(ctx, `
		UPDATE review_items SET status = $2, doc = $3 WHERE id = $1`,
		item.ID, item.Status, doc)
	if err != nil {
		return fmt.Errorf("update review item: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("review item %s: %w", item.ID, domain.ErrNotFound)
	}
	return nil
}
