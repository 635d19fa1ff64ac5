package review

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dvloznov/ledger-engine/internal/domain"
	"github.com/google/uuid"
)

// InMemory is a map-backed Queue for tests and single-process runs.
type InMemory struct {
	mu    sync.RWMutex
	items map[string]*domain.ReviewItem
	order []string
}

var _ Queue = (*InMemory)(nil)

func NewInMemory() *InMemory {
	return &InMemory{items: make(map[string]*domain.ReviewItem)}
}

func (q *InMemory) Enqueue(ctx context.Context, item *domain.ReviewItem) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	stored := copyItem(item)
	if stored.ID == "" {
		stored.ID = uuid.NewString()
	}
	stored.CreatedAt = time.Now().UTC()
	if stored.Status == "" {
		stored.Status = domain.ReviewPending
	}
	q.items[stored.ID] = stored
	q.order = append(q.order, stored.ID)
	return stored.ID, nil
}

func (q *InMemory) Get(ctx context.Context, id string) (*domain.ReviewItem, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	item, ok := q.items[id]
	if !ok {
		return nil, fmt.Errorf("review item %s: %w", id, domain.ErrNotFound)
	}
	return copyItem(item), nil
}

func (q *InMemory) List(ctx context.Context, f Filter) ([]*domain.ReviewItem, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	var out []*domain.ReviewItem
	for _, id := range q.order {
		item := q.items[id]
		if f.Status != "" && item.Status != f.Status {
			continue
		}
		out = append(out, copyItem(item))
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out, nil
}

func (q *InMemory) Update(ctx context.Context, item *domain.ReviewItem) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.items[item.ID]; !ok {
		return fmt.Errorf("review item %s: %w", item.ID, domain.ErrNotFound)
	}
	q.items[item.ID] = copyItem(item)
	return nil
}

func copyItem(item *domain.ReviewItem) *domain.ReviewItem {
	cp := *item
	if item.Classification != nil {
		c := *item.Classification
		cp.Classification = &c
	}
	if item.ResolvedAt != nil {
		t := *item.ResolvedAt
		cp.ResolvedAt = &t
	}
	return &cp
}
