// Package eventstore is the durable, append-only log of raw inbound
// events. It is the system's backup of record: events are never mutated
// (except the replay counter) and never deleted, and no other component's
// cleanup logic touches it.
package eventstore

import (
	"context"
	"time"

	"github.com/dvloznov/ledger-engine/internal/domain"
)

// Filter selects stored events for listing or replay. Zero values mean
// "any". IDs filters on external ids.
type Filter struct {
	IDs  []string
	From time.Time
	To   time.Time
}

// Store is the event store contract. Store is idempotent on external_id:
// a duplicate delivery returns the existing id with created=false and no
// error.
type Store interface {
	// Store persists a raw event. The returned id is stable across
	// duplicate deliveries of the same external_id.
	Store(ctx context.Context, ev *domain.RawEvent) (id string, created bool, err error)

	// Get returns an event by its stored id.
	Get(ctx context.Context, id string) (*domain.RawEvent, error)

	// GetByExternalID returns an event by the provider-assigned id.
	GetByExternalID(ctx context.Context, externalID string) (*domain.RawEvent, error)

	// List returns events matching the filter in arrival order.
	List(ctx context.Context, f Filter) ([]*domain.RawEvent, error)

	// IncrementReplayCount bumps the only mutable field of a stored event.
	IncrementReplayCount(ctx context.Context, id string) error
}
