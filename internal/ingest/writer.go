package ingest

import (
	"context"
	"time"

	"github.com/dvloznov/ledger-engine/internal/domain"
	"github.com/dvloznov/ledger-engine/internal/ledger"
	"github.com/dvloznov/ledger-engine/internal/match"
	"github.com/dvloznov/ledger-engine/internal/normalizer"
	"github.com/dvloznov/ledger-engine/internal/reconcile"
	"github.com/rs/zerolog"
)

// Writer is the final pipeline step: it turns parsed candidates into
// ledger writes and triggers matching. Dedup keys are derived from the
// event's external id, so reprocessing the same delivery is a no-op.
type Writer struct {
	svc   *ledger.Service
	eng   *match.Engine
	wf    *reconcile.Workflow
	norm  *normalizer.Normalizer
	grace time.Duration
	log   zerolog.Logger
}

var _ Step = (*Writer)(nil)

func NewWriter(svc *ledger.Service, eng *match.Engine, wf *reconcile.Workflow, norm *normalizer.Normalizer, grace time.Duration, log zerolog.Logger) *Writer {
	return &Writer{svc: svc, eng: eng, wf: wf, norm: norm, grace: grace, log: log}
}

func (w *Writer) Execute(ctx context.Context, state *State) error {
	switch {
	case state.TxCandidate != nil:
		return w.writeTransaction(ctx, state)
	case state.ReceiptCandidate != nil:
		return w.writeReceipt(ctx, state)
	case state.StatementCandidate != nil:
		return w.writeStatement(ctx, state)
	default:
		return nil
	}
}

func (w *Writer) writeTransaction(ctx context.Context, state *State) error {
	cand := state.TxCandidate
	key := domain.DeriveDedupKey(state.Event.ExternalID, "transaction")
	tx := &domain.Transaction{
		AccountID:    cand.AccountID,
		AmountAlert:  cand.Amount,
		Currency:     cand.Currency,
		Direction:    cand.Direction,
		DateAlert:    cand.Date,
		MerchantName: cand.MerchantName,
		MerchantNorm: w.norm.Canonical(cand.MerchantName),
		Status:       domain.TransactionUnconfirmed,
		Flags:        cand.Flags,
		Source:       domain.SourceAlert,
		DedupKey:     &key,
	}

	stored, created, err := w.svc.RecordTransaction(ctx, tx, "pipeline")
	if err != nil {
		return err
	}
	if !created {
		state.Done = true
		return nil
	}
	state.Created++

	out, err := w.eng.MatchTransaction(ctx, stored)
	if err != nil {
		return err
	}
	state.Created += len(out.Links)
	return nil
}

func (w *Writer) writeReceipt(ctx context.Context, state *State) error {
	cand := state.ReceiptCandidate
	key := domain.DeriveDedupKey(state.Event.ExternalID, "receipt")
	due := state.Event.ReceivedAt.Add(w.grace)
	r := &domain.Receipt{
		AccountID:    cand.AccountID,
		MerchantName: cand.MerchantName,
		MerchantNorm: w.norm.Canonical(cand.MerchantName),
		Date:         cand.Date,
		TotalAmount:  cand.TotalAmount,
		Subtotal:     cand.Subtotal,
		Tax:          cand.Tax,
		Tip:          cand.Tip,
		Currency:     cand.Currency,
		LineItems:    cand.LineItems,
		Status:       domain.ReceiptUnmatched,
		Flags:        cand.Flags,
		Source:       domain.SourceReceipt,
		DedupKey:     &key,

		// If no corroborating alert shows up before this, the sweep
		// creates a transaction from the receipt itself.
		TransactionDueAt: &due,
	}

	stored, created, err := w.svc.RecordReceipt(ctx, r, "pipeline")
	if err != nil {
		return err
	}
	if !created {
		state.Done = true
		return nil
	}
	state.Created++

	out, err := w.eng.MatchReceipt(ctx, stored)
	if err != nil {
		return err
	}
	state.Created += len(out.Links)
	return nil
}

func (w *Writer) writeStatement(ctx context.Context, state *State) error {
	// Statements dedup on the source event: re-delivery of the same upload
	// must not import twice.
	existing, err := w.svc.Repo().ListStatements(ctx, ledger.StatementFilter{AccountID: state.StatementCandidate.AccountID})
	if err != nil {
		return err
	}
	for _, s := range existing {
		if s.SourceEventID == state.Event.ID {
			state.Done = true
			return nil
		}
	}

	st, err := w.wf.Import(ctx, state.StatementCandidate, state.Event.ID)
	if err != nil {
		return err
	}
	state.Created += 1 + len(st.Lines)
	return nil
}
