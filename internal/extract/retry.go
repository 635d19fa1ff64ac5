package extract

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dvloznov/ledger-engine/internal/config"
	"github.com/dvloznov/ledger-engine/internal/domain"
)

// Retrying wraps an Extractor with the call policy from §5: per-attempt
// timeout, retry with exponential backoff, and ErrExtractionUnavailable
// once the policy is exhausted so the caller can route to the review queue
// instead of blocking ingestion.
type Retrying struct {
	inner       Extractor
	timeout     time.Duration
	maxAttempts int
	baseBackoff time.Duration
	sleep       func(context.Context, time.Duration) error
}

// NewRetrying builds the policy wrapper from configuration.
func NewRetrying(inner Extractor, cfg config.Extraction) *Retrying {
	return &Retrying{
		inner:       inner,
		timeout:     cfg.Timeout,
		maxAttempts: cfg.MaxAttempts,
		baseBackoff: cfg.BaseBackoff,
		sleep:       sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Extract runs the inner extractor under the retry policy.
func (r *Retrying) Extract(ctx context.Context, content string, schema Schema) (*Result, error) {
	var lastErr error

	for attempt := 1; attempt <= r.maxAttempts; attempt++ {
		attemptCtx := ctx
		var cancel context.CancelFunc
		if r.timeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, r.timeout)
		}
		res, err := r.inner.Extract(attemptCtx, content, schema)
		if cancel != nil {
			cancel()
		}
		if err == nil {
			return res, nil
		}
		lastErr = err

		// The caller going away is not a service outage.
		if errors.Is(err, context.Canceled) && ctx.Err() != nil {
			return nil, err
		}

		if attempt < r.maxAttempts {
			backoff := r.baseBackoff * time.Duration(1<<(attempt-1))
			if serr := r.sleep(ctx, backoff); serr != nil {
				return nil, serr
			}
		}
	}

	return nil, fmt.Errorf("extract: %d attempts failed: %v: %w", r.maxAttempts, lastErr, domain.ErrExtractionUnavailable)
}

var _ Extractor = (*Retrying)(nil)
