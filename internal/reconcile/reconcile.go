// Package reconcile drives the statement import workflow: parse results
// become a Statement, a batch run of the matching core assigns lines to
// transactions over the whole period, discrepancies collect explicit
// operator resolutions, and a fully resolved statement can be locked.
// Line results commit incrementally; nothing waits for the whole
// statement to finish.
package reconcile

import (
	"context"
	"fmt"
	"time"

	"github.com/dvloznov/ledger-engine/internal/config"
	"github.com/dvloznov/ledger-engine/internal/domain"
	"github.com/dvloznov/ledger-engine/internal/ledger"
	"github.com/dvloznov/ledger-engine/internal/match"
	"github.com/dvloznov/ledger-engine/internal/parse"
	"github.com/rs/zerolog"
)

// Workflow runs statement imports against the ledger.
type Workflow struct {
	svc *ledger.Service
	eng *match.Engine
	cfg config.Matching
	log zerolog.Logger
}

func New(svc *ledger.Service, eng *match.Engine, cfg config.Matching, log zerolog.Logger) *Workflow {
	return &Workflow{svc: svc, eng: eng, cfg: cfg, log: log}
}

// Import persists a parsed statement and runs the batch match. The
// statement is created as processing and becomes ready once every line
// has an initial outcome.
func (w *Workflow) Import(ctx context.Context, cand *parse.StatementCandidate, sourceEventID string) (*domain.Statement, error) {
	st := &domain.Statement{
		AccountID: cand.AccountID,
		Period:    domain.Period{Start: cand.PeriodStart, End: cand.PeriodEnd},
		Status:    domain.StatementProcessing,
		Lines:     make([]domain.StatementLine, len(cand.Lines)),

		SourceEventID: sourceEventID,
	}
	for i, lc := range cand.Lines {
		st.Lines[i] = domain.StatementLine{
			Date:        lc.Date,
			Description: lc.Description,
			Amount:      lc.Amount,
			MatchStatus: domain.LineUnmatched,
		}
	}

	if _, err := w.svc.Repo().CreateStatement(ctx, st); err != nil {
		return nil, err
	}
	stored, err := w.svc.Repo().GetStatement(ctx, st.ID)
	if err != nil {
		return nil, err
	}

	if err := w.batchMatch(ctx, stored); err != nil {
		return nil, err
	}

	stored.Status = domain.StatementReady
	if err := w.svc.UpdateStatement(ctx, stored, "reconciler"); err != nil {
		return nil, err
	}
	w.log.Info().
		Str("statement_id", stored.ID).
		Int("lines", len(stored.Lines)).
		Msg("statement imported")
	return stored, nil
}

// batchMatch assigns statement lines to the account's transactions in the
// period. Single-candidate scoring runs first; leftover lines are tried as
// split postings of one transaction via the sum-match.
func (w *Workflow) batchMatch(ctx context.Context, st *domain.Statement) error {
	pool, err := w.periodTransactions(ctx, st)
	if err != nil {
		return err
	}

	taken := make(map[string]bool)
	for i := range st.Lines {
		// The batch is cancellable; lines committed so far keep their
		// results.
		if err := ctx.Err(); err != nil {
			return err
		}
		line := &st.Lines[i]
		var best *domain.Transaction
		bestScore := -1.0
		for _, tx := range pool {
			if taken[tx.ID] {
				continue
			}
			if s := w.eng.LineScore(line, tx); s > bestScore {
				best, bestScore = tx, s
			}
		}
		if best == nil || bestScore < w.cfg.HighThreshold {
			continue
		}

		taken[best.ID] = true
		id := best.ID
		line.MatchStatus = domain.LineMatched
		line.MatchedTransactionID = &id
		line.HasDiscrepancy = w.isDiscrepancy(line, best)

		// The line's result commits before its side effects, so a crash
		// never keeps a settlement without the line that explains it.
		if err := w.svc.UpdateStatement(ctx, st, "reconciler"); err != nil {
			return err
		}

		// Clean matches settle immediately; discrepancies wait for the
		// operator's resolution.
		if !line.HasDiscrepancy {
			amt := line.Amount.Abs()
			d := line.Date
			if _, err := w.svc.Settle(ctx, best.ID, &amt, &d, "reconciler"); err != nil {
				return err
			}
		}
	}

	return w.sumMatchLeftovers(ctx, st, pool, taken)
}

// sumMatchLeftovers tries to explain an orphan transaction as several
// statement lines (the bank split one charge across postings).
func (w *Workflow) sumMatchLeftovers(ctx context.Context, st *domain.Statement, pool []*domain.Transaction, taken map[string]bool) error {
	var openLines []match.SumItem
	lineByID := make(map[string]*domain.StatementLine)
	for i := range st.Lines {
		line := &st.Lines[i]
		if line.MatchStatus != domain.LineUnmatched {
			continue
		}
		item := match.SumItem{ID: line.ID, Amount: line.Amount.Abs()}
		openLines = append(openLines, item)
		lineByID[line.ID] = line
	}
	if len(openLines) < 2 {
		return nil
	}

	for _, tx := range pool {
		if err := ctx.Err(); err != nil {
			return err
		}
		if taken[tx.ID] {
			continue
		}
		chosen := w.eng.FindSum(tx.EffectiveAmount().Abs(), openLines)
		if chosen == nil {
			continue
		}

		taken[tx.ID] = true
		id := tx.ID
		for _, c := range chosen {
			line := lineByID[c.ID]
			line.MatchStatus = domain.LineMatched
			line.MatchedTransactionID = &id
			delete(lineByID, c.ID)
		}
		if err := w.svc.UpdateStatement(ctx, st, "reconciler"); err != nil {
			return err
		}
		openLines = openLines[:0]
		for lid := range lineByID {
			openLines = append(openLines, match.SumItem{ID: lid, Amount: lineByID[lid].Amount.Abs()})
		}
		if len(openLines) < 2 {
			return nil
		}
	}
	return nil
}

// isDiscrepancy reports whether a matched line disagrees with its
// transaction on amount (beyond tolerance) or calendar day.
func (w *Workflow) isDiscrepancy(line *domain.StatementLine, tx *domain.Transaction) bool {
	diff := line.Amount.Abs().Sub(tx.EffectiveAmount().Abs()).Abs()
	if diff.GreaterThan(w.cfg.AmountToleranceFor(line.Amount.Abs())) {
		return true
	}
	ly, lm, ld := line.Date.Date()
	ty, tm, td := tx.EffectiveDate().Date()
	return ly != ty || lm != tm || ld != td
}

// periodTransactions is the batch candidate pool: open transactions whose
// effective date falls in the period, padded by the date window for
// alert-versus-settlement drift.
func (w *Workflow) periodTransactions(ctx context.Context, st *domain.Statement) ([]*domain.Transaction, error) {
	pad := time.Duration(w.cfg.DateWindowDays) * 24 * time.Hour
	return w.svc.Repo().ListTransactions(ctx, ledger.TransactionFilter{
		AccountID: st.AccountID,
		Statuses:  []domain.TransactionStatus{domain.TransactionUnconfirmed, domain.TransactionConfirmed},
		From:      st.Period.Start.Add(-pad),
		To:        st.Period.End.Add(pad),
	})
}

// Orphans lists the open transactions in the statement's period that no
// line claimed. The operator resolves them outside the line loop (they
// may be pending charges that settle next period).
func (w *Workflow) Orphans(ctx context.Context, statementID string) ([]*domain.Transaction, error) {
	st, err := w.svc.Repo().GetStatement(ctx, statementID)
	if err != nil {
		return nil, err
	}
	pool, err := w.periodTransactions(ctx, st)
	if err != nil {
		return nil, err
	}

	matched := make(map[string]bool)
	for _, ln := range st.Lines {
		if ln.MatchedTransactionID != nil {
			matched[*ln.MatchedTransactionID] = true
		}
	}
	var out []*domain.Transaction
	for _, tx := range pool {
		if !matched[tx.ID] {
			out = append(out, tx)
		}
	}
	return out, nil
}

// ResolveLine applies one operator decision to one line and commits it
// immediately. manualTxID is only consulted for manual_match.
func (w *Workflow) ResolveLine(ctx context.Context, statementID, lineID string, res domain.Resolution, manualTxID, actor string) (*domain.Statement, error) {
	st, err := w.svc.Repo().GetStatement(ctx, statementID)
	if err != nil {
		return nil, err
	}
	if st.Status == domain.StatementLocked {
		return nil, fmt.Errorf("statement %s is locked: %w", statementID, domain.ErrLockedPeriod)
	}

	var line *domain.StatementLine
	for i := range st.Lines {
		if st.Lines[i].ID == lineID {
			line = &st.Lines[i]
			break
		}
	}
	if line == nil {
		return nil, fmt.Errorf("line %s: %w", lineID, domain.ErrNotFound)
	}

	switch res {
	case domain.ResolutionAcceptStatement:
		if line.MatchedTransactionID == nil {
			return nil, fmt.Errorf("line %s has no matched transaction to settle: %w", lineID, domain.ErrInvariantViolation)
		}
		amt := line.Amount.Abs()
		d := line.Date
		if _, err := w.svc.Settle(ctx, *line.MatchedTransactionID, &amt, &d, actor); err != nil {
			return nil, err
		}

	case domain.ResolutionKeepApp:
		if line.MatchedTransactionID == nil {
			return nil, fmt.Errorf("line %s has no matched transaction to keep: %w", lineID, domain.ErrInvariantViolation)
		}

	case domain.ResolutionManualMatch:
		if manualTxID == "" {
			return nil, fmt.Errorf("manual match needs a transaction id: %w", domain.ErrInvariantViolation)
		}
		if _, err := w.svc.Repo().GetTransaction(ctx, manualTxID); err != nil {
			return nil, err
		}
		line.MatchStatus = domain.LineMatched
		line.MatchedTransactionID = &manualTxID

	case domain.ResolutionSkip:
		line.MatchStatus = domain.LineSkipped
		line.MatchedTransactionID = nil

	default:
		return nil, fmt.Errorf("unknown resolution %q: %w", res, domain.ErrInvariantViolation)
	}

	line.Resolution = res
	if err := w.svc.UpdateStatement(ctx, st, actor); err != nil {
		return nil, err
	}
	return st, nil
}

// Lock finalizes the statement once everything is resolved (ledger.Service
// enforces that) and reconciles the touched transactions.
func (w *Workflow) Lock(ctx context.Context, statementID, actor string) (*domain.Statement, error) {
	return w.svc.LockStatement(ctx, statementID, actor)
}

// Unlock reopens a locked statement with an audited actor and reason.
func (w *Workflow) Unlock(ctx context.Context, statementID, actor, reason string) (*domain.Statement, error) {
	return w.svc.UnlockStatement(ctx, statementID, actor, reason)
}

// CreateTransfer pairs two transactions as the legs of an internal
// transfer. Both legs are marked through the audited service path first
// and the link is written last; a failure on either step unwinds the
// markers already applied, so the pair is all-or-nothing.
func (w *Workflow) CreateTransfer(ctx context.Context, outID, inID, actor string) (*domain.Link, error) {
	out, err := w.svc.Repo().GetTransaction(ctx, outID)
	if err != nil {
		return nil, err
	}
	in, err := w.svc.Repo().GetTransaction(ctx, inID)
	if err != nil {
		return nil, err
	}
	if out.Direction != domain.DirectionDebit || in.Direction != domain.DirectionCredit {
		return nil, fmt.Errorf("transfer legs must be a debit and a credit: %w", domain.ErrInvariantViolation)
	}

	outParty, inParty := in.AccountID, out.AccountID
	if _, err := w.svc.MarkTransfer(ctx, outID, &outParty, actor, "internal transfer"); err != nil {
		return nil, err
	}
	if _, err := w.svc.MarkTransfer(ctx, inID, &inParty, actor, "internal transfer"); err != nil {
		w.unmarkTransfer(ctx, actor, outID)
		return nil, err
	}

	link := &domain.Link{
		SourceType: domain.EntityTransaction, SourceID: outID,
		TargetType: domain.EntityTransaction, TargetID: inID,
		LinkType:  domain.LinkInternalTransfer,
		CreatedBy: domain.CreatedByManual,
	}
	if _, err := w.svc.CreateLink(ctx, link, actor); err != nil {
		w.unmarkTransfer(ctx, actor, outID, inID)
		return nil, err
	}
	return link, nil
}

// unmarkTransfer rolls the transfer marker back off the given legs.
func (w *Workflow) unmarkTransfer(ctx context.Context, actor string, ids ...string) {
	for _, id := range ids {
		if _, err := w.svc.MarkTransfer(ctx, id, nil, actor, "transfer rollback"); err != nil {
			w.log.Error().Err(err).Str("transaction_id", id).Msg("transfer rollback failed")
		}
	}
}
