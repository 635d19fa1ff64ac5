// Package ingest is the processing pipeline for stored raw events:
// classify, parse, propose, match, write. It is the single entry point for
// both live delivery and replay, so reprocessing an event always walks the
// exact same path. Unresolvable inputs are parked in the review queue and
// the pipeline reports success; the raw event stays untouched either way.
package ingest

import (
	"context"
	"errors"
	"fmt"

	"github.com/dvloznov/ledger-engine/internal/blobstore"
	"github.com/dvloznov/ledger-engine/internal/classify"
	"github.com/dvloznov/ledger-engine/internal/domain"
	"github.com/dvloznov/ledger-engine/internal/eventstore"
	"github.com/dvloznov/ledger-engine/internal/extract"
	"github.com/dvloznov/ledger-engine/internal/parse"
	"github.com/dvloznov/ledger-engine/internal/review"
	"github.com/rs/zerolog"
)

// accountHeader names the header that routes an event to an account.
const accountHeader = "X-Account-ID"

// State is the shared state across pipeline steps for one event.
type State struct {
	Event      *domain.RawEvent
	AccountID  string
	ForcedKind domain.EventKind

	Classification *domain.ClassificationResult
	Attachments    []extract.File

	TxCandidate        *parse.TransactionCandidate
	ReceiptCandidate   *parse.ReceiptCandidate
	StatementCandidate *parse.StatementCandidate

	Created int
	// Parked is set when the event lands in the review queue; later steps
	// are skipped.
	Parked *domain.ReviewItem
	// Done is set when the pipeline finished early on purpose (irrelevant
	// events, duplicates).
	Done bool
}

// Step is a single stage of the pipeline.
type Step interface {
	Execute(ctx context.Context, state *State) error
}

// Pipeline wires the steps and implements eventstore.Processor.
type Pipeline struct {
	steps          []Step
	reviews        *review.Service
	defaultAccount string
	log            zerolog.Logger
}

var _ eventstore.Processor = (*Pipeline)(nil)

// Config collects the pipeline's collaborators.
type Config struct {
	Classifier *classify.Classifier
	Blobs      blobstore.Store
	Alerts     *parse.AlertParser
	Receipts   *parse.ReceiptParser
	Statements *parse.StatementParser
	Writer     *Writer
	Reviews    *review.Service

	// DefaultAccount receives events that carry no account header.
	DefaultAccount string
}

func New(cfg Config, log zerolog.Logger) *Pipeline {
	return &Pipeline{
		steps: []Step{
			&ClassifyStep{classifier: cfg.Classifier, reviews: cfg.Reviews},
			&FetchAttachmentsStep{blobs: cfg.Blobs},
			&ParseStep{
				alerts:     cfg.Alerts,
				receipts:   cfg.Receipts,
				statements: cfg.Statements,
				reviews:    cfg.Reviews,
			},
			cfg.Writer,
		},
		reviews:        cfg.Reviews,
		defaultAccount: cfg.DefaultAccount,
		log:            log,
	}
}

// ProcessEvent runs one stored event through the pipeline.
func (p *Pipeline) ProcessEvent(ctx context.Context, ev *domain.RawEvent) (*eventstore.ProcessResult, error) {
	return p.processWithKind(ctx, ev, "")
}

// Reprocess runs an event again with an operator-forced kind, after a
// review-queue reclassification.
func (p *Pipeline) Reprocess(ctx context.Context, ev *domain.RawEvent, kind domain.EventKind) (*eventstore.ProcessResult, error) {
	return p.processWithKind(ctx, ev, kind)
}

func (p *Pipeline) processWithKind(ctx context.Context, ev *domain.RawEvent, kind domain.EventKind) (*eventstore.ProcessResult, error) {
	state := &State{
		Event:      ev,
		AccountID:  p.accountFor(ev),
		ForcedKind: kind,
	}

	log := p.log.With().Str("event_id", ev.ID).Str("external_id", ev.ExternalID).Logger()
	for _, step := range p.steps {
		if err := step.Execute(ctx, state); err != nil {
			return nil, fmt.Errorf("event %s: %w", ev.ID, err)
		}
		if state.Parked != nil {
			log.Info().Str("review_id", state.Parked.ID).Msg("event parked for review")
			return &eventstore.ProcessResult{}, nil
		}
		if state.Done {
			break
		}
	}

	log.Debug().Int("created", state.Created).Msg("event processed")
	return &eventstore.ProcessResult{CreatedEntities: state.Created}, nil
}

func (p *Pipeline) accountFor(ev *domain.RawEvent) string {
	if acct := ev.Headers[accountHeader]; acct != "" {
		return acct
	}
	return p.defaultAccount
}

// ClassifyStep decides the event's kind. Unknown verdicts park the event;
// irrelevant ones finish the pipeline without writes.
type ClassifyStep struct {
	classifier *classify.Classifier
	reviews    *review.Service
}

func (s *ClassifyStep) Execute(ctx context.Context, state *State) error {
	if state.ForcedKind != "" {
		state.Classification = &domain.ClassificationResult{
			Kind:       state.ForcedKind,
			Confidence: 1,
			Reasoning:  "operator reclassification",
		}
		return nil
	}

	res, err := s.classifier.Classify(ctx, state.Event)
	if err != nil {
		if errors.Is(err, domain.ErrExtractionUnavailable) {
			parked, perr := s.reviews.Park(ctx, state.Event, nil, "classification: "+err.Error())
			if perr != nil {
				return perr
			}
			state.Parked = parked
			return nil
		}
		return err
	}
	state.Classification = res

	switch res.Kind {
	case domain.EventKindIrrelevant:
		state.Done = true
	case domain.EventKindUnknown:
		parked, err := s.reviews.Park(ctx, state.Event, res, "")
		if err != nil {
			return err
		}
		state.Parked = parked
	}
	return nil
}

// FetchAttachmentsStep pulls attachment bytes from the blob store. A
// missing blob is not fatal; parsing proceeds on the body alone.
type FetchAttachmentsStep struct {
	blobs blobstore.Store
}

func (s *FetchAttachmentsStep) Execute(ctx context.Context, state *State) error {
	if s.blobs == nil {
		return nil
	}
	for _, att := range state.Event.Attachments {
		data, err := s.blobs.Fetch(ctx, att.BlobURI)
		if err != nil {
			continue
		}
		state.Attachments = append(state.Attachments, extract.File{
			Name:        att.Filename,
			ContentType: att.ContentType,
			Data:        data,
		})
	}
	return nil
}

// ParseStep dispatches to the parser for the classified kind. Parse
// failures and exhausted extraction retries park the event with the raw
// content attached.
type ParseStep struct {
	alerts     *parse.AlertParser
	receipts   *parse.ReceiptParser
	statements *parse.StatementParser
	reviews    *review.Service
}

func (s *ParseStep) Execute(ctx context.Context, state *State) error {
	var err error
	switch state.Classification.Kind {
	case domain.EventKindAlert:
		state.TxCandidate, err = s.alerts.Parse(ctx, state.Event, state.AccountID)
	case domain.EventKindReceipt:
		state.ReceiptCandidate, err = s.receipts.Parse(ctx, state.Event, state.AccountID, state.Attachments)
	case domain.EventKindStatement:
		if len(state.Attachments) == 0 {
			err = fmt.Errorf("statement event has no attachment: %w", domain.ErrParseFailure)
		} else {
			state.StatementCandidate, err = s.statements.Parse(ctx, state.Attachments[0], state.AccountID)
		}
	default:
		return fmt.Errorf("unparseable kind %q: %w", state.Classification.Kind, domain.ErrParseFailure)
	}

	if err != nil {
		if errors.Is(err, domain.ErrParseFailure) || errors.Is(err, domain.ErrExtractionUnavailable) {
			parked, perr := s.reviews.Park(ctx, state.Event, state.Classification, err.Error())
			if perr != nil {
				return perr
			}
			state.Parked = parked
			return nil
		}
		return err
	}
	return nil
}
