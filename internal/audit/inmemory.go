package audit

import (
	"context"
	"sync"
	"time"

	"github.com/dvloznov/ledger-engine/internal/domain"
	"github.com/google/uuid"
)

// InMemory is an append-only in-process log, used in tests and as the
// fallback when no database is configured.
type InMemory struct {
	mu      sync.RWMutex
	entries []*domain.AuditEntry
}

var _ Log = (*InMemory)(nil)

func NewInMemory() *InMemory {
	return &InMemory{}
}

func (l *InMemory) Append(ctx context.Context, entry *domain.AuditEntry) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	stored := *entry
	if stored.ID == "" {
		stored.ID = uuid.NewString()
	}
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now().UTC()
	}
	l.entries = append(l.entries, &stored)

	entry.ID = stored.ID
	entry.CreatedAt = stored.CreatedAt
	return nil
}

func (l *InMemory) List(ctx context.Context, filter domain.AuditFilter) ([]*domain.AuditEntry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []*domain.AuditEntry
	for _, e := range l.entries {
		if filter.EntityType != "" && e.EntityType != filter.EntityType {
			continue
		}
		if filter.EntityID != "" && e.EntityID != filter.EntityID {
			continue
		}
		if filter.Actor != "" && e.Actor != filter.Actor {
			continue
		}
		if !filter.From.IsZero() && e.CreatedAt.Before(filter.From) {
			continue
		}
		if !filter.To.IsZero() && e.CreatedAt.After(filter.To) {
			continue
		}
		cp := *e
		out = append(out, &cp)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}
