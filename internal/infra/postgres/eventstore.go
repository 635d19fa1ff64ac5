package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dvloznov/ledger-engine/internal/domain"
	"github.com/dvloznov/ledger-engine/internal/eventstore"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// EventStore is the durable event log on postgres. The external_id unique
// constraint carries the idempotency guarantee.
type EventStore struct {
	pool *pgxpool.Pool
}

var _ eventstore.Store = (*EventStore)(nil)

func NewEventStore(pool *pgxpool.Pool) *EventStore {
	return &EventStore{pool: pool}
}

func (s *EventStore) Store(ctx context.Context, ev *domain.RawEvent) (string, bool, error) {
	cp := *ev
	if cp.ID == "" {
		cp.ID = uuid.NewString()
	}
	if cp.ReceivedAt.IsZero() {
		cp.ReceivedAt = time.Now().UTC()
	}

	doc, err := marshalDoc(&cp)
	if err != nil {
		return "", false, err
	}

	tag, err := s.pool.Exec(ctx, `
		INSERT INTO raw_events (id, external_id, received_at, doc)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (external_id) DO NOTHING`,
		cp.ID, cp.ExternalID, cp.ReceivedAt, doc)
	if err != nil {
		return "", false, fmt.Errorf("store event: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var existing string
		err := s.pool.QueryRow(ctx,
			`SELECT id FROM raw_events WHERE external_id = $1`, cp.ExternalID).Scan(&existing)
		if err != nil {
			return "", false, fmt.Errorf("store event: lookup duplicate: %w", err)
		}
		return existing, false, nil
	}

	ev.ID = cp.ID
	ev.ReceivedAt = cp.ReceivedAt
	return cp.ID, true, nil
}

func (s *EventStore) Get(ctx context.Context, id string) (*domain.RawEvent, error) {
	return s.getBy(ctx, `SELECT doc FROM raw_events WHERE id = $1`, id)
}

func (s *EventStore) GetByExternalID(ctx context.Context, externalID string) (*domain.RawEvent, error) {
	return s.getBy(ctx, `SELECT doc FROM raw_events WHERE external_id = $1`, externalID)
}

func (s *EventStore) getBy(ctx context.Context, query, arg string) (*domain.RawEvent, error) {
	var doc []byte
	err := s.pool.QueryRow(ctx, query, arg).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("event %s: %w", arg, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get event: %w", err)
	}
	var ev domain.RawEvent
	if err := unmarshalDoc(doc, &ev); err != nil {
		return nil, err
	}
	return &ev, nil
}

func (s *EventStore) List(ctx context.Context, f eventstore.Filter) ([]*domain.RawEvent, error) {
	query := `SELECT doc FROM raw_events WHERE 1=1`
	var args []interface{}
	if len(f.IDs) > 0 {
		args = append(args, f.IDs)
		query += fmt.Sprintf(` AND external_id = ANY($%d)`, len(args))
	}
	if !f.From.IsZero() {
		args = append(args, f.From)
		query += fmt.Sprintf(` AND received_at >= $%d`, len(args))
	}
	if !f.To.IsZero() {
		args = append(args, f.To)
		query += fmt.Sprintf(` AND received_at <= $%d`, len(args))
	}
	query += ` ORDER BY received_at, id`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var out []*domain.RawEvent
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("list events: %w", err)
		}
		var ev domain.RawEvent
		if err := unmarshalDoc(doc, &ev); err != nil {
			return nil, err
		}
		out = append(out, &ev)
	}
	return out, rows.Err()
}

func (s *EventStore) IncrementReplayCount(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE raw_events
		SET doc = jsonb_set(doc, '{replay_count}', to_jsonb(COALESCE((doc->>'replay_count')::int, 0) + 1))
		WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("increment replay count: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("event %s: %w", id, domain.ErrNotFound)
	}
	return nil
}
