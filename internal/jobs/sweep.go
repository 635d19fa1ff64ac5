package jobs

import (
	"context"
	"errors"
	"time"

	"github.com/dvloznov/ledger-engine/internal/domain"
	"github.com/dvloznov/ledger-engine/internal/ledger"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Sweeper materializes transactions from receipts whose grace period ran
// out without a corroborating alert. Each due receipt is claimed with a
// versioned update first, so concurrent sweeps never double-create.
type Sweeper struct {
	svc *ledger.Service
	log zerolog.Logger
}

func NewSweeper(svc *ledger.Service, log zerolog.Logger) *Sweeper {
	return &Sweeper{svc: svc, log: log}
}

// SweepReport summarizes one sweep run.
type SweepReport struct {
	Due     int `json:"due"`
	Created int `json:"created"`
	Skipped int `json:"skipped"`
}

// staleClaimAge is how long a claim may sit without a result before a
// later sweep takes the receipt over again.
const staleClaimAge = time.Hour

// Run processes all receipts due at the given instant, including ones
// stranded by a crash between the claim and the create.
func (s *Sweeper) Run(ctx context.Context, now time.Time) (*SweepReport, error) {
	due, err := s.svc.Repo().ListReceipts(ctx, ledger.ReceiptFilter{
		Statuses:      []domain.ReceiptStatus{domain.ReceiptUnmatched},
		DueBefore:     now,
		ReclaimBefore: now.Add(-staleClaimAge),
	})
	if err != nil {
		return nil, err
	}

	report := &SweepReport{Due: len(due)}
	for _, r := range due {
		created, err := s.sweepOne(ctx, r, now)
		if err != nil {
			if errors.Is(err, domain.ErrVersionConflict) {
				// Another sweep claimed it first.
				report.Skipped++
				continue
			}
			return report, err
		}
		if created {
			report.Created++
		} else {
			report.Skipped++
		}
	}

	s.log.Info().
		Int("due", report.Due).
		Int("created", report.Created).
		Int("skipped", report.Skipped).
		Msg("grace-period sweep finished")
	return report, nil
}

func (s *Sweeper) sweepOne(ctx context.Context, r *domain.Receipt, now time.Time) (bool, error) {
	claimed := now
	r.ClaimedAt = &claimed
	if err := s.svc.Repo().UpdateReceipt(ctx, r); err != nil {
		return false, err
	}

	// A receipt that found its transaction in the meantime needs nothing.
	if r.Status != domain.ReceiptUnmatched {
		return false, nil
	}

	// The dedup key ties the transaction to its receipt, so re-sweeping
	// the same receipt degrades to a no-op instead of a duplicate.
	key := domain.DeriveDedupKey(r.ID, "sweep")
	tx := &domain.Transaction{
		AccountID:    r.AccountID,
		AmountAlert:  r.TotalAmount,
		Currency:     r.Currency,
		Direction:    domain.DirectionDebit,
		DateAlert:    r.Date,
		MerchantName: r.MerchantName,
		MerchantNorm: r.MerchantNorm,
		Status:       domain.TransactionUnconfirmed,
		Source:       domain.SourceReceipt,
		DedupKey:     &key,
	}
	stored, created, err := s.svc.RecordTransaction(ctx, tx, "sweep")
	if err != nil {
		return false, err
	}

	_, err = s.svc.CreateLink(ctx, &domain.Link{
		SourceType:      domain.EntityReceipt,
		SourceID:        r.ID,
		TargetType:      domain.EntityTransaction,
		TargetID:        stored.ID,
		LinkType:        domain.LinkReceiptMatch,
		CreatedBy:       domain.CreatedByAuto,
		ConfidenceScore: 1,
	}, "sweep")
	if err != nil {
		// An earlier sweep may have linked the pair before crashing.
		if created || !errors.Is(err, domain.ErrInvariantViolation) {
			return false, err
		}
	}

	s.log.Info().
		Str("receipt_id", r.ID).
		Str("transaction_id", stored.ID).
		Msg("created transaction from overdue receipt")
	return created, nil
}

// Scheduler runs the sweep on a cron schedule.
type Scheduler struct {
	cron *cron.Cron
	log  zerolog.Logger
}

// NewScheduler registers the sweep under the given cron expression
// (standard five-field format).
func NewScheduler(schedule string, sweeper *Sweeper, log zerolog.Logger) (*Scheduler, error) {
	c := cron.New()
	_, err := c.AddFunc(schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		if _, err := sweeper.Run(ctx, time.Now()); err != nil {
			log.Error().Err(err).Msg("sweep failed")
		}
	})
	if err != nil {
		return nil, err
	}
	return &Scheduler{cron: c, log: log}, nil
}

func (s *Scheduler) Start() {
	s.cron.Start()
	s.log.Info().Msg("sweep scheduler started")
}

// Stop halts scheduling and waits for a running sweep to finish.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.log.Info().Msg("sweep scheduler stopped")
}
