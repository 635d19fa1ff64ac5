package eventstore

import (
	"context"

	"github.com/dvloznov/ledger-engine/internal/domain"
	"github.com/rs/zerolog"
)

// Processor is the single processing entry point shared by live delivery
// and replay. There is deliberately no pipeline code path reachable only
// from live ingestion.
type Processor interface {
	ProcessEvent(ctx context.Context, ev *domain.RawEvent) (*ProcessResult, error)
}

// ProcessResult reports what a single pass over one event produced.
type ProcessResult struct {
	CreatedEntities int
}

// Cleaner removes event-derived ledger entities ahead of a clean replay.
// Manual entries are never touched.
type Cleaner interface {
	DeleteDerived(ctx context.Context, externalIDs []string) (int, error)
}

// ReplayReport summarizes a replay run.
type ReplayReport struct {
	Processed int `json:"processed"`
	Created   int `json:"created"`
	Errors    int `json:"errors"`
	Deleted   int `json:"deleted,omitempty"`
}

// Replayer re-feeds stored events through the pipeline. Replay is
// idempotent by construction: downstream writes key on dedup keys derived
// from external ids, so a second pass degrades to no-ops.
type Replayer struct {
	store   Store
	proc    Processor
	cleaner Cleaner
	log     zerolog.Logger
}

// NewReplayer wires the replay control surface.
func NewReplayer(store Store, proc Processor, cleaner Cleaner, log zerolog.Logger) *Replayer {
	return &Replayer{store: store, proc: proc, cleaner: cleaner, log: log}
}

// Replay processes all events matching the filter. With clean set, derived
// transactions and receipts are deleted first; used for schema evolution,
// never on a first run. Errors on individual events are counted and logged,
// not fatal: an event that fails replay stays in the store untouched.
func (r *Replayer) Replay(ctx context.Context, f Filter, clean bool) (*ReplayReport, error) {
	events, err := r.store.List(ctx, f)
	if err != nil {
		return nil, err
	}

	report := &ReplayReport{}

	if clean {
		ids := make([]string, 0, len(events))
		for _, ev := range events {
			ids = append(ids, ev.ExternalID)
		}
		deleted, err := r.cleaner.DeleteDerived(ctx, ids)
		if err != nil {
			return nil, err
		}
		report.Deleted = deleted
		r.log.Info().Int("deleted", deleted).Msg("Clean replay: derived entities removed")
	}

	for _, ev := range events {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		if err := r.store.IncrementReplayCount(ctx, ev.ID); err != nil {
			r.log.Error().Err(err).Str("event_id", ev.ID).Msg("Failed to bump replay count")
		}

		res, err := r.proc.ProcessEvent(ctx, ev)
		report.Processed++
		if err != nil {
			report.Errors++
			r.log.Error().Err(err).
				Str("event_id", ev.ID).
				Str("external_id", ev.ExternalID).
				Msg("Replay: event failed")
			continue
		}
		report.Created += res.CreatedEntities
	}

	r.log.Info().
		Int("processed", report.Processed).
		Int("created", report.Created).
		Int("errors", report.Errors).
		Msg("Replay finished")

	return report, nil
}
