// Package app assembles the engine from configuration. All entry points
// build the same object graph through here, so a CLI run and the server
// process behave identically.
package app

import (
	"context"
	"fmt"

	"github.com/dvloznov/ledger-engine/internal/audit"
	"github.com/dvloznov/ledger-engine/internal/blobstore"
	"github.com/dvloznov/ledger-engine/internal/classify"
	"github.com/dvloznov/ledger-engine/internal/config"
	"github.com/dvloznov/ledger-engine/internal/domain"
	"github.com/dvloznov/ledger-engine/internal/eventstore"
	"github.com/dvloznov/ledger-engine/internal/extract"
	"github.com/dvloznov/ledger-engine/internal/infra/postgres"
	"github.com/dvloznov/ledger-engine/internal/ingest"
	"github.com/dvloznov/ledger-engine/internal/jobs"
	jobsmem "github.com/dvloznov/ledger-engine/internal/jobs/inmemory"
	"github.com/dvloznov/ledger-engine/internal/ledger"
	"github.com/dvloznov/ledger-engine/internal/logger"
	"github.com/dvloznov/ledger-engine/internal/match"
	"github.com/dvloznov/ledger-engine/internal/normalizer"
	"github.com/dvloznov/ledger-engine/internal/parse"
	"github.com/dvloznov/ledger-engine/internal/reconcile"
	"github.com/dvloznov/ledger-engine/internal/review"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// App is the assembled engine.
type App struct {
	Config *config.Config

	Events   eventstore.Store
	Ledger   *ledger.Service
	Match    *match.Engine
	Workflow *reconcile.Workflow
	Reviews  *review.Service
	Audit    audit.Log
	Blobs    blobstore.Store
	Pipeline *ingest.Pipeline
	Replayer *eventstore.Replayer
	Sweeper  *jobs.Sweeper
	JobStore jobs.JobStore

	pool *pgxpool.Pool
}

// Build assembles the engine. With no DATABASE_URL everything runs on
// in-memory stores, which is enough for a single-process trial run.
func Build(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*App, error) {
	a := &App{Config: cfg}

	if cfg.DatabaseURL != "" {
		pool, err := postgres.Connect(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		a.pool = pool
		a.Events = postgres.NewEventStore(pool)
		a.Audit = postgres.NewAuditLog(pool)
		a.JobStore = postgres.NewJobStore(pool)
		a.Ledger = ledger.NewService(postgres.NewRepository(pool), a.Audit, log)
		a.Reviews = review.NewService(postgres.NewReviewQueue(pool), log)
		log.Info().Msg("Using postgres storage")
	} else {
		a.Events = eventstore.NewInMemory()
		a.Audit = audit.NewInMemory()
		a.JobStore = jobsmem.NewStore()
		a.Ledger = ledger.NewService(ledger.NewInMemory(), a.Audit, log)
		a.Reviews = review.NewService(review.NewInMemory(), log)
		log.Warn().Msg("No DATABASE_URL configured, using in-memory storage")
	}

	if cfg.BlobBucket != "" {
		gcs, err := blobstore.NewGCS(ctx, cfg.BlobBucket)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("blob store: %w", err)
		}
		a.Blobs = gcs
	} else {
		a.Blobs = blobstore.NewInMemory()
		log.Warn().Msg("No BLOB_BUCKET configured, attachments held in memory")
	}

	ext, err := extract.New(ctx, cfg.Extraction)
	if err != nil {
		a.Close()
		return nil, err
	}
	// PDF layout extraction rides on the same provider when it supports it.
	var pdfLayout extract.LayoutParser
	if g, ok := ext.(extract.LayoutParser); ok {
		pdfLayout = g
	}
	retrying := extract.NewRetrying(ext, cfg.Extraction)

	classifier, err := classify.New(cfg.Classifier, retrying)
	if err != nil {
		a.Close()
		return nil, err
	}

	norm := normalizer.New(nil)
	a.Match = match.New(a.Ledger, norm, cfg.Matching, logger.ForComponent(log, "matcher"))
	a.Workflow = reconcile.New(a.Ledger, a.Match, cfg.Matching, logger.ForComponent(log, "reconciler"))

	layout := extract.NewDocumentLayoutParser(pdfLayout)
	writer := ingest.NewWriter(a.Ledger, a.Match, a.Workflow, norm, cfg.GracePeriod, logger.ForComponent(log, "writer"))
	a.Pipeline = ingest.New(ingest.Config{
		Classifier:     classifier,
		Blobs:          a.Blobs,
		Alerts:         parse.NewAlertParser(retrying),
		Receipts:       parse.NewReceiptParser(retrying, layout),
		Statements:     parse.NewStatementParser(layout),
		Writer:         writer,
		Reviews:        a.Reviews,
		DefaultAccount: cfg.DefaultAccount,
	}, logger.ForComponent(log, "pipeline"))

	a.Replayer = eventstore.NewReplayer(a.Events, a.Pipeline, a.Ledger, logger.ForComponent(log, "replayer"))
	a.Sweeper = jobs.NewSweeper(a.Ledger, logger.ForComponent(log, "sweeper"))
	return a, nil
}

// ProcessJob is the worker handler: it loads the stored event and runs it
// through the pipeline, honoring an operator-forced kind.
func (a *App) ProcessJob(ctx context.Context, job *jobs.ProcessEventJob) error {
	ev, err := a.Events.Get(ctx, job.EventID)
	if err != nil {
		return err
	}
	if job.ForcedKind != "" {
		_, err = a.Pipeline.Reprocess(ctx, ev, domain.EventKind(job.ForcedKind))
		return err
	}
	_, err = a.Pipeline.ProcessEvent(ctx, ev)
	return err
}

// Close releases held resources.
func (a *App) Close() {
	if a.pool != nil {
		a.pool.Close()
	}
}
