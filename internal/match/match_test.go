package match

import (
	"context"
	"testing"
	"time"

	"github.com/dvloznov/ledger-engine/internal/audit"
	"github.com/dvloznov/ledger-engine/internal/config"
	"github.com/dvloznov/ledger-engine/internal/domain"
	"github.com/dvloznov/ledger-engine/internal/ledger"
	"github.com/dvloznov/ledger-engine/internal/normalizer"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

func newTestEngine() (*Engine, *ledger.Service) {
	svc := ledger.NewService(ledger.NewInMemory(), audit.NewInMemory(), zerolog.Nop())
	eng := New(svc, normalizer.New(nil), config.Default().Matching, zerolog.Nop())
	return eng, svc
}

func day(d int) time.Time {
	return time.Date(2026, 3, d, 0, 0, 0, 0, time.UTC)
}

func seedTransaction(t *testing.T, svc *ledger.Service, amount, merchant string, date time.Time) *domain.Transaction {
	t.Helper()
	tx, _, err := svc.RecordTransaction(context.Background(), &domain.Transaction{
		AccountID:    "acct-1",
		AmountAlert:  decimal.RequireFromString(amount),
		Currency:     "USD",
		Direction:    domain.DirectionDebit,
		DateAlert:    date,
		MerchantName: merchant,
		Source:       domain.SourceAlert,
	}, "test")
	if err != nil {
		t.Fatalf("seed transaction: %v", err)
	}
	return tx
}

func seedReceipt(t *testing.T, svc *ledger.Service, amount, merchant string, date time.Time) *domain.Receipt {
	t.Helper()
	r, _, err := svc.RecordReceipt(context.Background(), &domain.Receipt{
		AccountID:    "acct-1",
		MerchantName: merchant,
		Date:         date,
		TotalAmount:  decimal.RequireFromString(amount),
		Currency:     "USD",
		Source:       domain.SourceReceipt,
	}, "test")
	if err != nil {
		t.Fatalf("seed receipt: %v", err)
	}
	return r
}

func TestAutoLinkExactMatch(t *testing.T) {
	eng, svc := newTestEngine()
	ctx := context.Background()

	tx := seedTransaction(t, svc, "42.17", "STARBUCKS #4821", day(12))
	r := seedReceipt(t, svc, "42.17", "Starbucks", day(12))

	out, err := eng.MatchReceipt(ctx, r)
	if err != nil {
		t.Fatalf("MatchReceipt() error = %v", err)
	}
	if out.Action != ActionLinked {
		t.Fatalf("Action = %s, want linked (score %v)", out.Action, out.Score)
	}
	if out.Links[0].TargetID != tx.ID {
		t.Errorf("linked transaction = %s, want %s", out.Links[0].TargetID, tx.ID)
	}
	if out.Links[0].CreatedBy != domain.CreatedByAuto {
		t.Errorf("CreatedBy = %s, want auto", out.Links[0].CreatedBy)
	}
	if out.Links[0].ConfidenceScore < eng.cfg.HighThreshold {
		t.Errorf("ConfidenceScore = %v, want >= high threshold", out.Links[0].ConfidenceScore)
	}

	// Side effects: receipt matched, transaction confirmed.
	gotR, _ := svc.Repo().GetReceipt(ctx, r.ID)
	if gotR.Status != domain.ReceiptMatched {
		t.Errorf("receipt status = %s, want matched", gotR.Status)
	}
	gotTx, _ := svc.Repo().GetTransaction(ctx, tx.ID)
	if gotTx.Status != domain.TransactionConfirmed {
		t.Errorf("transaction status = %s, want confirmed", gotTx.Status)
	}
}

func TestMediumBandSuggestsInsteadOfLinking(t *testing.T) {
	eng, svc := newTestEngine()
	ctx := context.Background()

	// Same amount but unrelated merchant and a 5 day gap: lands between
	// the medium and high thresholds.
	seedTransaction(t, svc, "42.17", "ACME HARDWARE", day(7))
	r := seedReceipt(t, svc, "42.17", "Blue Bottle Coffee", day(12))

	out, err := eng.MatchReceipt(ctx, r)
	if err != nil {
		t.Fatalf("MatchReceipt() error = %v", err)
	}
	if out.Action != ActionSuggested {
		t.Fatalf("Action = %s (score %v), want suggested", out.Action, out.Score)
	}

	links, _ := svc.Repo().ListLinks(ctx, ledger.LinkFilter{})
	if len(links) != 0 {
		t.Errorf("medium band created %d links, want 0", len(links))
	}
	sugs, _ := svc.Repo().ListSuggestions(ctx, ledger.SuggestionFilter{Status: "pending"})
	if len(sugs) != 1 {
		t.Fatalf("pending suggestions = %d, want 1", len(sugs))
	}

	// Accepting the suggestion creates the link manually.
	link, err := eng.AcceptSuggestion(ctx, sugs[0].ID, "user-7")
	if err != nil {
		t.Fatalf("AcceptSuggestion() error = %v", err)
	}
	if link.CreatedBy != domain.CreatedByManual {
		t.Errorf("accepted link CreatedBy = %s, want manual", link.CreatedBy)
	}
}

func TestBelowMediumNoAction(t *testing.T) {
	eng, svc := newTestEngine()
	ctx := context.Background()

	seedTransaction(t, svc, "900.00", "AIRLINE TICKETS", day(1))
	r := seedReceipt(t, svc, "8.40", "Corner Deli", day(20))

	out, err := eng.MatchReceipt(ctx, r)
	if err != nil {
		t.Fatalf("MatchReceipt() error = %v", err)
	}
	if out.Action != ActionNone {
		t.Errorf("Action = %s (score %v), want none", out.Action, out.Score)
	}
}

func TestSumMatchSplitTender(t *testing.T) {
	eng, svc := newTestEngine()
	ctx := context.Background()

	ids := []string{
		seedTransaction(t, svc, "50.00", "FURNITURE MART 1/3", day(10)).ID,
		seedTransaction(t, svc, "50.00", "FURNITURE MART 2/3", day(10)).ID,
		seedTransaction(t, svc, "50.00", "FURNITURE MART 3/3", day(10)).ID,
	}
	r := seedReceipt(t, svc, "150.00", "Furniture Mart", day(10))

	out, err := eng.MatchReceipt(ctx, r)
	if err != nil {
		t.Fatalf("MatchReceipt() error = %v", err)
	}
	if out.Action != ActionSumLinked {
		t.Fatalf("Action = %s, want sum_linked", out.Action)
	}
	if len(out.Links) != 3 {
		t.Fatalf("links = %d, want 3", len(out.Links))
	}
	linked := map[string]bool{}
	for _, l := range out.Links {
		linked[l.TargetID] = true
		if l.AttributedAmount == nil || !l.AttributedAmount.Equal(decimal.RequireFromString("50.00")) {
			t.Errorf("AttributedAmount = %v, want 50.00", l.AttributedAmount)
		}
	}
	for _, id := range ids {
		if !linked[id] {
			t.Errorf("transaction %s not covered by sum-match", id)
		}
	}

	gotR, _ := svc.Repo().GetReceipt(ctx, r.ID)
	if gotR.Status != domain.ReceiptMatched {
		t.Errorf("receipt status = %s, want matched", gotR.Status)
	}
}

func TestSumMatchRespectsCombinationCap(t *testing.T) {
	eng, svc := newTestEngine()
	eng.cfg.MaxCombinations = 3
	ctx := context.Background()

	// The target needs a 3-item subset late in the search order; the tiny
	// cap stops the walk before it gets there.
	for i := 0; i < 8; i++ {
		seedTransaction(t, svc, "11.00", "NOISE", day(1+i))
	}
	seedTransaction(t, svc, "70.00", "PART A", day(9))
	seedTransaction(t, svc, "80.00", "PART B", day(9))
	r := seedReceipt(t, svc, "150.00", "Unrelated Shop", day(9))

	out, err := eng.MatchReceipt(ctx, r)
	if err != nil {
		t.Fatalf("MatchReceipt() error = %v", err)
	}
	if out.Action != ActionNone {
		t.Errorf("Action = %s, want none under a 3-combination budget", out.Action)
	}
}

func TestMatchIsDeterministic(t *testing.T) {
	// Two candidates identical except for date: the closer (earlier) one
	// must win, and the same one must win every run.
	for run := 0; run < 3; run++ {
		eng, svc := newTestEngine()
		ctx := context.Background()

		early := seedTransaction(t, svc, "25.00", "Corner Deli", day(10))
		seedTransaction(t, svc, "25.00", "Corner Deli", day(14))
		r := seedReceipt(t, svc, "25.00", "Corner Deli", day(8))

		// Equal amount and merchant; both dates are inside the window but
		// the earlier one is closer to the receipt date.
		out, err := eng.MatchReceipt(ctx, r)
		if err != nil {
			t.Fatalf("run %d: MatchReceipt() error = %v", run, err)
		}
		if out.Action != ActionLinked {
			t.Fatalf("run %d: Action = %s, want linked", run, out.Action)
		}
		if out.Links[0].TargetID != early.ID {
			t.Errorf("run %d: linked %s, want earlier transaction %s", run, out.Links[0].TargetID, early.ID)
		}
	}
}

func TestConsumedTransactionLeavesPool(t *testing.T) {
	eng, svc := newTestEngine()
	ctx := context.Background()

	tx := seedTransaction(t, svc, "42.17", "Corner Deli", day(12))
	r1 := seedReceipt(t, svc, "42.17", "Corner Deli", day(12))
	r2 := seedReceipt(t, svc, "42.17", "Corner Deli", day(12))

	if out, err := eng.MatchReceipt(ctx, r1); err != nil || out.Action != ActionLinked {
		t.Fatalf("first MatchReceipt() = %+v, %v", out, err)
	}

	// The transaction is consumed; the second receipt must not double-link.
	out, err := eng.MatchReceipt(ctx, r2)
	if err != nil {
		t.Fatalf("second MatchReceipt() error = %v", err)
	}
	if out.Action != ActionNone {
		t.Errorf("second receipt Action = %s, want none", out.Action)
	}

	links, _ := svc.Repo().ListLinks(ctx, ledger.LinkFilter{
		EntityType: domain.EntityTransaction, EntityID: tx.ID,
	})
	if len(links) != 1 {
		t.Errorf("links on transaction = %d, want 1", len(links))
	}
}

func TestMatchTransactionAgainstWaitingReceipt(t *testing.T) {
	eng, svc := newTestEngine()
	ctx := context.Background()

	r := seedReceipt(t, svc, "42.17", "Corner Deli", day(12))
	tx := seedTransaction(t, svc, "42.17", "CORNER DELI 042", day(12))

	out, err := eng.MatchTransaction(ctx, tx)
	if err != nil {
		t.Fatalf("MatchTransaction() error = %v", err)
	}
	if out.Action != ActionLinked {
		t.Fatalf("Action = %s (score %v), want linked", out.Action, out.Score)
	}
	if out.Links[0].SourceID != r.ID {
		t.Errorf("linked receipt = %s, want %s", out.Links[0].SourceID, r.ID)
	}
}

func TestScoreComponents(t *testing.T) {
	eng, _ := newTestEngine()

	r := &domain.Receipt{
		MerchantName: "Corner Deli",
		Date:         day(12),
		TotalAmount:  decimal.RequireFromString("42.17"),
	}
	exact := &domain.Transaction{
		MerchantName: "Corner Deli",
		DateAlert:    day(12),
		AmountAlert:  decimal.RequireFromString("42.17"),
	}
	if got := eng.Score(r, exact); got < 0.99 {
		t.Errorf("exact pair score = %v, want ~1", got)
	}

	farAmount := &domain.Transaction{
		MerchantName: "Corner Deli",
		DateAlert:    day(12),
		AmountAlert:  decimal.RequireFromString("400.00"),
	}
	if got := eng.Score(r, farAmount); got >= eng.Score(r, exact) {
		t.Errorf("distant amount scored %v, want below exact pair", got)
	}

	outsideWindow := &domain.Transaction{
		MerchantName: "Corner Deli",
		DateAlert:    day(28),
		AmountAlert:  decimal.RequireFromString("42.17"),
	}
	want := eng.cfg.AmountWeight + eng.cfg.MerchantWeight
	if got := eng.Score(r, outsideWindow); got > want+1e-9 {
		t.Errorf("outside-window date contributed to score: %v > %v", got, want)
	}
}

func TestRejectedAutoLinkDowngradesToSuggestion(t *testing.T) {
	eng, svc := newTestEngine()
	ctx := context.Background()

	// A $100 receipt already has $60 of it attributed to an earlier
	// transaction, so a full-amount auto-link can no longer fit.
	r := seedReceipt(t, svc, "100.00", "Corner Deli", day(12))
	prior := seedTransaction(t, svc, "60.00", "Corner Deli", day(12))
	part := decimal.RequireFromString("60.00")
	if _, err := svc.CreateLink(ctx, &domain.Link{
		SourceType: domain.EntityReceipt, SourceID: r.ID,
		TargetType: domain.EntityTransaction, TargetID: prior.ID,
		LinkType:         domain.LinkReceiptMatch,
		CreatedBy:        domain.CreatedByManual,
		AttributedAmount: &part,
		ConfidenceScore:  1,
	}, "test"); err != nil {
		t.Fatalf("seed partial link: %v", err)
	}

	tx := seedTransaction(t, svc, "100.00", "Corner Deli", day(12))
	out, err := eng.MatchTransaction(ctx, tx)
	if err != nil {
		t.Fatalf("MatchTransaction() error = %v", err)
	}
	if out.Action != ActionSuggested {
		t.Fatalf("Action = %s, want suggested", out.Action)
	}
	if out.Suggestion.ReceiptID != r.ID || out.Suggestion.TransactionID != tx.ID {
		t.Errorf("suggestion pairs %s/%s, want %s/%s",
			out.Suggestion.ReceiptID, out.Suggestion.TransactionID, r.ID, tx.ID)
	}

	links, err := svc.Repo().ListLinks(ctx, ledger.LinkFilter{EntityID: tx.ID})
	if err != nil {
		t.Fatalf("ListLinks() error = %v", err)
	}
	if len(links) != 0 {
		t.Errorf("got %d links on the new transaction, want 0", len(links))
	}
}
