package eventstore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dvloznov/ledger-engine/internal/domain"
	"github.com/google/uuid"
)

// InMemory is an in-memory Store. It is safe for concurrent use and keeps
// arrival order. Suitable for tests and single-instance deployments; the
// Postgres store is the durable production implementation.
type InMemory struct {
	mu         sync.RWMutex
	byID       map[string]*domain.RawEvent
	byExternal map[string]string // external_id -> id
	order      []string
}

// NewInMemory creates an empty in-memory event store.
func NewInMemory() *InMemory {
	return &InMemory{
		byID:       make(map[string]*domain.RawEvent),
		byExternal: make(map[string]string),
	}
}

// Store implements the Store interface.
func (s *InMemory) Store(ctx context.Context, ev *domain.RawEvent) (string, bool, error) {
	if ev.ExternalID == "" {
		return "", false, fmt.Errorf("eventstore: external id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.byExternal[ev.ExternalID]; ok {
		return existing, false, nil
	}

	stored := copyEvent(ev)
	if stored.ID == "" {
		stored.ID = uuid.NewString()
	}
	if stored.ReceivedAt.IsZero() {
		stored.ReceivedAt = time.Now().UTC()
	}

	s.byID[stored.ID] = stored
	s.byExternal[stored.ExternalID] = stored.ID
	s.order = append(s.order, stored.ID)

	return stored.ID, true, nil
}

// Get implements the Store interface.
func (s *InMemory) Get(ctx context.Context, id string) (*domain.RawEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ev, ok := s.byID[id]
	if !ok {
		return nil, fmt.Errorf("eventstore: event %s: %w", id, domain.ErrNotFound)
	}
	return copyEvent(ev), nil
}

// GetByExternalID implements the Store interface.
func (s *InMemory) GetByExternalID(ctx context.Context, externalID string) (*domain.RawEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byExternal[externalID]
	if !ok {
		return nil, fmt.Errorf("eventstore: external id %s: %w", externalID, domain.ErrNotFound)
	}
	return copyEvent(s.byID[id]), nil
}

// List implements the Store interface.
func (s *InMemory) List(ctx context.Context, f Filter) ([]*domain.RawEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	wantIDs := make(map[string]bool, len(f.IDs))
	for _, id := range f.IDs {
		wantIDs[id] = true
	}

	var out []*domain.RawEvent
	for _, id := range s.order {
		ev := s.byID[id]
		if len(wantIDs) > 0 && !wantIDs[ev.ExternalID] {
			continue
		}
		if !f.From.IsZero() && ev.ReceivedAt.Before(f.From) {
			continue
		}
		if !f.To.IsZero() && ev.ReceivedAt.After(f.To) {
			continue
		}
		out = append(out, copyEvent(ev))
	}
	return out, nil
}

// IncrementReplayCount implements the Store interface.
func (s *InMemory) IncrementReplayCount(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ev, ok := s.byID[id]
	if !ok {
		return fmt.Errorf("eventstore: event %s: %w", id, domain.ErrNotFound)
	}
	ev.ReplayCount++
	return nil
}

func copyEvent(ev *domain.RawEvent) *domain.RawEvent {
	c := *ev
	if ev.Headers != nil {
		c.Headers = make(map[string]string, len(ev.Headers))
		for k, v := range ev.Headers {
			c.Headers[k] = v
		}
	}
	c.Attachments = append([]domain.Attachment(nil), ev.Attachments...)
	return &c
}

var _ Store = (*InMemory)(nil)
