// Package match pairs receipts with transactions. It scores candidate
// pairs on amount, merchant and date proximity, links automatically above
// the high threshold, suggests in the medium band, and falls back to a
// bounded sum-match when no single candidate fits. The engine never writes
// entities directly; every link goes through the ledger service so
// invariants and the CAS re-check apply.
package match

import (
	"context"
	"errors"
	"math"
	"sort"
	"time"

	"github.com/dvloznov/ledger-engine/internal/config"
	"github.com/dvloznov/ledger-engine/internal/domain"
	"github.com/dvloznov/ledger-engine/internal/ledger"
	"github.com/dvloznov/ledger-engine/internal/normalizer"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// Action is what the engine decided for one arrival.
type Action string

const (
	ActionLinked    Action = "linked"
	ActionSumLinked Action = "sum_linked"
	ActionSuggested Action = "suggested"
	ActionNone      Action = "none"
)

// Outcome reports the decision and what it produced.
type Outcome struct {
	Action     Action
	Links      []*domain.Link
	Suggestion *domain.MatchSuggestion
	Score      float64
}

// Engine runs the matching policy.
type Engine struct {
	svc  *ledger.Service
	norm *normalizer.Normalizer
	cfg  config.Matching
	log  zerolog.Logger
}

func New(svc *ledger.Service, norm *normalizer.Normalizer, cfg config.Matching, log zerolog.Logger) *Engine {
	return &Engine{svc: svc, norm: norm, cfg: cfg, log: log}
}

// Score rates a receipt/transaction pair in [0, 1].
func (e *Engine) Score(r *domain.Receipt, tx *domain.Transaction) float64 {
	amount := e.amountScore(r.TotalAmount.Abs(), tx.EffectiveAmount().Abs())
	merchant := e.norm.Similarity(r.MerchantName, tx.MerchantName)
	date := e.dateScore(r.Date, tx.EffectiveDate())
	return e.cfg.AmountWeight*amount + e.cfg.MerchantWeight*merchant + e.cfg.DateWeight*date
}

// LineScore rates a statement line against a transaction with the same
// weights, using the line description in place of a merchant name. Batch
// statement matching runs on this.
func (e *Engine) LineScore(line *domain.StatementLine, tx *domain.Transaction) float64 {
	amount := e.amountScore(line.Amount.Abs(), tx.EffectiveAmount().Abs())
	merchant := e.norm.Similarity(line.Description, tx.MerchantName)
	date := e.dateScore(line.Date, tx.EffectiveDate())
	return e.cfg.AmountWeight*amount + e.cfg.MerchantWeight*merchant + e.cfg.DateWeight*date
}

// amountScore is 1 within the relative tolerance and decays linearly to
// zero at 10% drift.
func (e *Engine) amountScore(a, b decimal.Decimal) float64 {
	if a.IsZero() && b.IsZero() {
		return 1
	}
	larger := decimal.Max(a, b)
	if larger.IsZero() {
		return 0
	}
	rel, _ := a.Sub(b).Abs().Div(larger).Float64()
	const zeroAt = 0.10
	switch {
	case rel <= e.cfg.AmountTolerance:
		return 1
	case rel >= zeroAt:
		return 0
	default:
		return (zeroAt - rel) / (zeroAt - e.cfg.AmountTolerance)
	}
}

// dateScore decays linearly over the configured window and is zero beyond
// it.
func (e *Engine) dateScore(a, b time.Time) float64 {
	days := math.Abs(a.Sub(b).Hours()) / 24
	window := float64(e.cfg.DateWindowDays)
	if days > window {
		return 0
	}
	if window == 0 {
		return 1
	}
	return 1 - days/window
}

// MatchReceipt runs the policy for a newly arrived receipt against the
// account's open transactions.
func (e *Engine) MatchReceipt(ctx context.Context, r *domain.Receipt) (*Outcome, error) {
	pool, err := e.openTransactions(ctx, r.AccountID)
	if err != nil {
		return nil, err
	}
	if len(pool) == 0 {
		return &Outcome{Action: ActionNone}, nil
	}

	best, bestScore := e.bestTransaction(r, pool)
	log := e.log.With().Str("receipt_id", r.ID).Logger()

	switch {
	case bestScore >= e.cfg.HighThreshold:
		link := &domain.Link{
			SourceType: domain.EntityReceipt, SourceID: r.ID,
			TargetType: domain.EntityTransaction, TargetID: best.ID,
			LinkType:        domain.LinkReceiptMatch,
			CreatedBy:       domain.CreatedByAuto,
			ConfidenceScore: bestScore,
		}
		if _, err := e.svc.CreateLink(ctx, link, "matcher"); err != nil {
			if !downgradeable(err) {
				return nil, err
			}
			// The candidate was consumed or over-allocated concurrently;
			// degrade to a suggestion instead of failing ingestion.
			log.Warn().Err(err).Str("transaction_id", best.ID).Msg("auto-link rejected, suggesting instead")
			return e.suggest(ctx, r.ID, best.ID, bestScore)
		}
		log.Info().Str("transaction_id", best.ID).Float64("score", bestScore).Msg("auto-linked receipt")
		return &Outcome{Action: ActionLinked, Links: []*domain.Link{link}, Score: bestScore}, nil

	case bestScore >= e.cfg.MediumThreshold:
		log.Info().Str("transaction_id", best.ID).Float64("score", bestScore).Msg("suggested match")
		return e.suggest(ctx, r.ID, best.ID, bestScore)
	}

	// No single candidate fits: one receipt may cover several charges.
	return e.sumMatchReceipt(ctx, r, pool)
}

// MatchTransaction runs the policy for a newly arrived transaction against
// the account's open receipts.
func (e *Engine) MatchTransaction(ctx context.Context, tx *domain.Transaction) (*Outcome, error) {
	receipts, err := e.svc.Repo().ListReceipts(ctx, ledger.ReceiptFilter{
		AccountID: tx.AccountID,
		Statuses:  []domain.ReceiptStatus{domain.ReceiptUnmatched, domain.ReceiptPartiallyMatched},
	})
	if err != nil {
		return nil, err
	}
	if len(receipts) == 0 {
		return &Outcome{Action: ActionNone}, nil
	}
	sortReceipts(receipts)

	var best *domain.Receipt
	bestScore := -1.0
	for _, r := range receipts {
		if s := e.Score(r, tx); s > bestScore {
			best, bestScore = r, s
		}
	}

	switch {
	case bestScore >= e.cfg.HighThreshold:
		link := &domain.Link{
			SourceType: domain.EntityReceipt, SourceID: best.ID,
			TargetType: domain.EntityTransaction, TargetID: tx.ID,
			LinkType:        domain.LinkReceiptMatch,
			CreatedBy:       domain.CreatedByAuto,
			ConfidenceScore: bestScore,
		}
		if _, err := e.svc.CreateLink(ctx, link, "matcher"); err != nil {
			if !downgradeable(err) {
				return nil, err
			}
			e.log.Warn().Err(err).
				Str("receipt_id", best.ID).
				Str("transaction_id", tx.ID).
				Msg("auto-link rejected, suggesting instead")
			return e.suggest(ctx, best.ID, tx.ID, bestScore)
		}
		return &Outcome{Action: ActionLinked, Links: []*domain.Link{link}, Score: bestScore}, nil

	case bestScore >= e.cfg.MediumThreshold:
		return e.suggest(ctx, best.ID, tx.ID, bestScore)
	}

	return &Outcome{Action: ActionNone, Score: bestScore}, nil
}

// suggest records a pending medium-band suggestion.
func (e *Engine) suggest(ctx context.Context, receiptID, txID string, score float64) (*Outcome, error) {
	sug := &domain.MatchSuggestion{
		ReceiptID:     receiptID,
		TransactionID: txID,
		Score:         score,
		Status:        "pending",
	}
	id, err := e.svc.Repo().CreateSuggestion(ctx, sug)
	if err != nil {
		return nil, err
	}
	sug.ID = id
	return &Outcome{Action: ActionSuggested, Suggestion: sug, Score: score}, nil
}

// downgradeable reports whether a link rejection should degrade the match
// instead of failing the caller's ingestion: the candidate was consumed or
// over-allocated by a concurrent writer, or sits in a locked period.
func downgradeable(err error) bool {
	return errors.Is(err, domain.ErrInvariantViolation) ||
		errors.Is(err, domain.ErrVersionConflict) ||
		errors.Is(err, domain.ErrLockedPeriod)
}

// AcceptSuggestion turns a pending suggestion into a manual link.
func (e *Engine) AcceptSuggestion(ctx context.Context, id, actor string) (*domain.Link, error) {
	sugs, err := e.svc.Repo().ListSuggestions(ctx, ledger.SuggestionFilter{})
	if err != nil {
		return nil, err
	}
	var sug *domain.MatchSuggestion
	for _, s := range sugs {
		if s.ID == id {
			sug = s
			break
		}
	}
	if sug == nil {
		return nil, domain.ErrNotFound
	}

	link := &domain.Link{
		SourceType: domain.EntityReceipt, SourceID: sug.ReceiptID,
		TargetType: domain.EntityTransaction, TargetID: sug.TransactionID,
		LinkType:        domain.LinkReceiptMatch,
		CreatedBy:       domain.CreatedByManual,
		ConfidenceScore: sug.Score,
	}
	if _, err := e.svc.CreateLink(ctx, link, actor); err != nil {
		return nil, err
	}
	sug.Status = "accepted"
	if err := e.svc.Repo().UpdateSuggestion(ctx, sug); err != nil {
		return nil, err
	}
	return link, nil
}

// DismissSuggestion marks a pending suggestion rejected.
func (e *Engine) DismissSuggestion(ctx context.Context, id string) error {
	sugs, err := e.svc.Repo().ListSuggestions(ctx, ledger.SuggestionFilter{})
	if err != nil {
		return err
	}
	for _, s := range sugs {
		if s.ID == id {
			s.Status = "dismissed"
			return e.svc.Repo().UpdateSuggestion(ctx, s)
		}
	}
	return domain.ErrNotFound
}

// openTransactions is the candidate pool: unreconciled transactions on the
// account that no receipt has consumed yet.
func (e *Engine) openTransactions(ctx context.Context, accountID string) ([]*domain.Transaction, error) {
	txs, err := e.svc.Repo().ListTransactions(ctx, ledger.TransactionFilter{
		AccountID: accountID,
		Statuses:  []domain.TransactionStatus{domain.TransactionUnconfirmed, domain.TransactionConfirmed},
	})
	if err != nil {
		return nil, err
	}

	var open []*domain.Transaction
	for _, tx := range txs {
		links, err := e.svc.Repo().ListLinks(ctx, ledger.LinkFilter{
			EntityType: domain.EntityTransaction,
			EntityID:   tx.ID,
			LinkType:   domain.LinkReceiptMatch,
		})
		if err != nil {
			return nil, err
		}
		if len(links) == 0 {
			open = append(open, tx)
		}
	}
	sortTransactions(open)
	return open, nil
}

// bestTransaction picks the highest-scoring candidate. Ties break toward
// the earlier effective date, then the lower id, so reruns are
// deterministic.
func (e *Engine) bestTransaction(r *domain.Receipt, pool []*domain.Transaction) (*domain.Transaction, float64) {
	var best *domain.Transaction
	bestScore := -1.0
	for _, tx := range pool {
		if s := e.Score(r, tx); s > bestScore {
			best, bestScore = tx, s
		}
	}
	return best, bestScore
}

func sortTransactions(txs []*domain.Transaction) {
	sort.SliceStable(txs, func(i, j int) bool {
		di, dj := txs[i].EffectiveDate(), txs[j].EffectiveDate()
		if !di.Equal(dj) {
			return di.Before(dj)
		}
		return txs[i].ID < txs[j].ID
	})
}

func sortReceipts(rs []*domain.Receipt) {
	sort.SliceStable(rs, func(i, j int) bool {
		if !rs[i].Date.Equal(rs[j].Date) {
			return rs[i].Date.Before(rs[j].Date)
		}
		return rs[i].ID < rs[j].ID
	})
}
