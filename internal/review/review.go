// Package review is the parking lot for inputs the pipeline could not
// finish on its own: ambiguous classifications, parse failures, exhausted
// extraction retries. Items keep their raw content so an operator (or a
// replay after a fix) can always recover them.
package review

import (
	"context"
	"fmt"
	"time"

	"github.com/dvloznov/ledger-engine/internal/domain"
	"github.com/rs/zerolog"
)

// Filter narrows a queue listing.
type Filter struct {
	Status domain.ReviewStatus
	Limit  int
}

// Queue stores review items.
type Queue interface {
	Enqueue(ctx context.Context, item *domain.ReviewItem) (string, error)
	Get(ctx context.Context, id string) (*domain.ReviewItem, error)
	List(ctx context.Context, f Filter) ([]*domain.ReviewItem, error)
	Update(ctx context.Context, item *domain.ReviewItem) error
}

// Service applies operator resolutions to the queue.
type Service struct {
	queue Queue
	log   zerolog.Logger
}

func NewService(queue Queue, log zerolog.Logger) *Service {
	return &Service{queue: queue, log: log}
}

// Park enqueues an unresolved input as pending.
func (s *Service) Park(ctx context.Context, ev *domain.RawEvent, classification *domain.ClassificationResult, parseAttempt string) (*domain.ReviewItem, error) {
	item := &domain.ReviewItem{
		RawEventID:     ev.ID,
		RawContent:     fmt.Sprintf("Subject: %s\n\n%s", ev.Subject(), ev.Body),
		Classification: classification,
		ParseAttempt:   parseAttempt,
		Status:         domain.ReviewPending,
	}
	id, err := s.queue.Enqueue(ctx, item)
	if err != nil {
		return nil, err
	}
	item.ID = id
	s.log.Info().Str("review_id", id).Str("event_id", ev.ID).Msg("parked for review")
	return item, nil
}

// Accept closes an item, confirming the recorded classification was right
// (the operator handled any follow-up out of band).
func (s *Service) Accept(ctx context.Context, id, actor string) (*domain.ReviewItem, error) {
	return s.resolve(ctx, id, actor, domain.ReviewAccepted, "")
}

// Reclassify closes an item with a corrected kind. The caller is expected
// to re-run the event through the pipeline with the forced kind.
func (s *Service) Reclassify(ctx context.Context, id, actor string, kind domain.EventKind) (*domain.ReviewItem, error) {
	if kind == "" || kind == domain.EventKindUnknown {
		return nil, fmt.Errorf("reclassification needs a concrete kind: %w", domain.ErrInvariantViolation)
	}
	return s.resolve(ctx, id, actor, domain.ReviewReclassified, kind)
}

// Dismiss closes an item as irrelevant. The raw event stays in the event
// store untouched.
func (s *Service) Dismiss(ctx context.Context, id, actor string) (*domain.ReviewItem, error) {
	return s.resolve(ctx, id, actor, domain.ReviewDismissed, "")
}

// Pending lists open items, oldest first.
func (s *Service) Pending(ctx context.Context, limit int) ([]*domain.ReviewItem, error) {
	return s.queue.List(ctx, Filter{Status: domain.ReviewPending, Limit: limit})
}

func (s *Service) resolve(ctx context.Context, id, actor string, status domain.ReviewStatus, kind domain.EventKind) (*domain.ReviewItem, error) {
	if actor == "" {
		return nil, fmt.Errorf("review resolution needs an actor: %w", domain.ErrInvariantViolation)
	}
	item, err := s.queue.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if item.Status != domain.ReviewPending {
		return nil, fmt.Errorf("review item %s is already %s: %w", id, item.Status, domain.ErrInvariantViolation)
	}

	now := time.Now().UTC()
	item.Status = status
	item.ResolvedAt = &now
	item.ResolvedBy = actor
	item.ReclassifiedAs = kind
	if err := s.queue.Update(ctx, item); err != nil {
		return nil, err
	}
	return item, nil
}
