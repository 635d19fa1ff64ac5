package reconcile

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/dvloznov/ledger-engine/internal/audit"
	"github.com/dvloznov/ledger-engine/internal/config"
	"github.com/dvloznov/ledger-engine/internal/domain"
	"github.com/dvloznov/ledger-engine/internal/ledger"
	"github.com/dvloznov/ledger-engine/internal/match"
	"github.com/dvloznov/ledger-engine/internal/normalizer"
	"github.com/dvloznov/ledger-engine/internal/parse"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

func newTestWorkflow() (*Workflow, *ledger.Service) {
	cfg := config.Default().Matching
	svc := ledger.NewService(ledger.NewInMemory(), audit.NewInMemory(), zerolog.Nop())
	eng := match.New(svc, normalizer.New(nil), cfg, zerolog.Nop())
	return New(svc, eng, cfg, zerolog.Nop()), svc
}

func day(d int) time.Time {
	return time.Date(2026, 3, d, 0, 0, 0, 0, time.UTC)
}

func seedTx(t *testing.T, svc *ledger.Service, amount, merchant string, date time.Time) *domain.Transaction {
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

func statementOf(lines ...parse.StatementLineCandidate) *parse.StatementCandidate {
	cand := &parse.StatementCandidate{AccountID: "acct-1"}
	for _, ln := range lines {
		cand.Lines = append(cand.Lines, ln)
		if cand.PeriodStart.IsZero() || ln.Date.Before(cand.PeriodStart) {
			cand.PeriodStart = ln.Date
		}
		if cand.PeriodEnd.IsZero() || ln.Date.After(cand.PeriodEnd) {
			cand.PeriodEnd = ln.Date
		}
	}
	return cand
}

func line(d int, desc, amount string) parse.StatementLineCandidate {
	return parse.StatementLineCandidate{
		Date:        day(d),
		Description: desc,
		Amount:      decimal.RequireFromString(amount),
	}
}

func TestImportCleanMatchSettles(t *testing.T) {
	w, svc := newTestWorkflow()
	ctx := context.Background()

	tx := seedTx(t, svc, "54.10", "Grocery Mart", day(3))
	st, err := w.Import(ctx, statementOf(line(3, "GROCERY MART 0042", "-54.10")), "evt-1")
	if err != nil {
		t.Fatalf("Import() error = %v", err)
	}
	if st.Status != domain.StatementReady {
		t.Errorf("statement status = %s, want ready", st.Status)
	}
	if st.Lines[0].MatchStatus != domain.LineMatched {
		t.Fatalf("line match status = %s, want matched", st.Lines[0].MatchStatus)
	}
	if st.Lines[0].HasDiscrepancy {
		t.Error("identical amount and day flagged as discrepancy")
	}

	got, _ := svc.Repo().GetTransaction(ctx, tx.ID)
	if got.AmountSettled == nil || !got.AmountSettled.Equal(decimal.RequireFromString("54.10")) {
		t.Errorf("AmountSettled = %v, want 54.10", got.AmountSettled)
	}
	if got.HasFlag(domain.FlagAmountMismatch) {
		t.Error("clean settle set amount_mismatch")
	}
}

func TestAmountDiscrepancyNeedsResolution(t *testing.T) {
	w, svc := newTestWorkflow()
	ctx := context.Background()

	// App recorded $85 from the alert; the bank settled $88.
	tx := seedTx(t, svc, "85.00", "Corner Bistro", day(14))
	st, err := w.Import(ctx, statementOf(line(14, "CORNER BISTRO", "-88.00")), "evt-1")
	if err != nil {
		t.Fatalf("Import() error = %v", err)
	}
	if st.Lines[0].MatchStatus != domain.LineMatched {
		t.Fatalf("line not matched (status %s)", st.Lines[0].MatchStatus)
	}
	if !st.Lines[0].HasDiscrepancy {
		t.Fatal("3 dollar drift not flagged as discrepancy")
	}

	// The drift is pending, so the transaction is not settled yet and the
	// statement cannot lock.
	got, _ := svc.Repo().GetTransaction(ctx, tx.ID)
	if got.AmountSettled != nil {
		t.Errorf("AmountSettled = %v before resolution, want nil", got.AmountSettled)
	}
	if _, err := w.Lock(ctx, st.ID, "user-7"); !errors.Is(err, domain.ErrInvariantViolation) {
		t.Fatalf("Lock() with open discrepancy error = %v, want ErrInvariantViolation", err)
	}

	// Accepting the statement value settles at 88 and flags the mismatch.
	st, err = w.ResolveLine(ctx, st.ID, st.Lines[0].ID, domain.ResolutionAcceptStatement, "", "user-7")
	if err != nil {
		t.Fatalf("ResolveLine() error = %v", err)
	}
	got, _ = svc.Repo().GetTransaction(ctx, tx.ID)
	if got.AmountSettled == nil || !got.AmountSettled.Equal(decimal.RequireFromString("88.00")) {
		t.Errorf("AmountSettled = %v, want 88.00", got.AmountSettled)
	}
	if !got.HasFlag(domain.FlagAmountMismatch) {
		t.Error("accept_statement with differing amount did not set amount_mismatch")
	}

	locked, err := w.Lock(ctx, st.ID, "user-7")
	if err != nil {
		t.Fatalf("Lock() error = %v", err)
	}
	if locked.Status != domain.StatementLocked {
		t.Errorf("statement status = %s, want locked", locked.Status)
	}
	got, _ = svc.Repo().GetTransaction(ctx, tx.ID)
	if got.Status != domain.TransactionReconciled {
		t.Errorf("transaction status = %s, want reconciled", got.Status)
	}
}

func TestUnmatchedLineSkipAndManualMatch(t *testing.T) {
	w, svc := newTestWorkflow()
	ctx := context.Background()

	tx := seedTx(t, svc, "19.99", "Stream Service", day(20))
	st, err := w.Import(ctx, statementOf(
		line(2, "UNKNOWN FEE", "-3.00"),
		line(20, "STRM*SERVICE", "-19.99"),
	), "evt-1")
	if err != nil {
		t.Fatalf("Import() error = %v", err)
	}

	var unknown, matched *domain.StatementLine
	for i := range st.Lines {
		switch st.Lines[i].Description {
		case "UNKNOWN FEE":
			unknown = &st.Lines[i]
		default:
			matched = &st.Lines[i]
		}
	}
	if matched.MatchStatus != domain.LineMatched || *matched.MatchedTransactionID != tx.ID {
		t.Fatalf("stream line = %+v, want matched to %s", matched, tx.ID)
	}
	if unknown.MatchStatus != domain.LineUnmatched {
		t.Fatalf("unknown fee line = %s, want unmatched", unknown.MatchStatus)
	}

	// Re-point the unknown line manually, then change course and skip it.
	other := seedTx(t, svc, "3.00", "Bank Fee", day(2))
	st, err = w.ResolveLine(ctx, st.ID, unknown.ID, domain.ResolutionManualMatch, other.ID, "user-7")
	if err != nil {
		t.Fatalf("ResolveLine(manual) error = %v", err)
	}
	st, err = w.ResolveLine(ctx, st.ID, unknown.ID, domain.ResolutionSkip, "", "user-7")
	if err != nil {
		t.Fatalf("ResolveLine(skip) error = %v", err)
	}

	if _, err := w.Lock(ctx, st.ID, "user-7"); err != nil {
		t.Fatalf("Lock() after resolutions error = %v", err)
	}
}

func TestSplitPostingSumMatch(t *testing.T) {
	w, svc := newTestWorkflow()
	ctx := context.Background()

	// One $150 charge in the app; the bank posted it as three lines whose
	// descriptions resemble nothing.
	tx := seedTx(t, svc, "150.00", "Furniture Mart", day(10))
	st, err := w.Import(ctx, statementOf(
		line(10, "POS 5512-A", "-50.00"),
		line(10, "POS 5512-B", "-50.00"),
		line(10, "POS 5512-C", "-50.00"),
	), "evt-1")
	if err != nil {
		t.Fatalf("Import() error = %v", err)
	}

	for i, ln := range st.Lines {
		if ln.MatchStatus != domain.LineMatched {
			t.Errorf("line %d = %s, want matched via sum", i, ln.MatchStatus)
			continue
		}
		if ln.MatchedTransactionID == nil || *ln.MatchedTransactionID != tx.ID {
			t.Errorf("line %d matched to %v, want %s", i, ln.MatchedTransactionID, tx.ID)
		}
	}
}

func TestOrphansListed(t *testing.T) {
	w, svc := newTestWorkflow()
	ctx := context.Background()

	seedTx(t, svc, "54.10", "Grocery Mart", day(3))
	orphan := seedTx(t, svc, "200.00", "Pending Hotel", day(5))

	st, err := w.Import(ctx, statementOf(line(3, "GROCERY MART", "-54.10")), "evt-1")
	if err != nil {
		t.Fatalf("Import() error = %v", err)
	}

	orphans, err := w.Orphans(ctx, st.ID)
	if err != nil {
		t.Fatalf("Orphans() error = %v", err)
	}
	if len(orphans) != 1 || orphans[0].ID != orphan.ID {
		t.Fatalf("Orphans() = %+v, want just the hotel charge", orphans)
	}
}

func TestResolveRejectedOnLockedStatement(t *testing.T) {
	w, svc := newTestWorkflow()
	ctx := context.Background()

	seedTx(t, svc, "10.00", "Corner Deli", day(3))
	st, err := w.Import(ctx, statementOf(line(3, "CORNER DELI", "-10.00")), "evt-1")
	if err != nil {
		t.Fatalf("Import() error = %v", err)
	}
	if _, err := w.Lock(ctx, st.ID, "user-7"); err != nil {
		t.Fatalf("Lock() error = %v", err)
	}

	_, err = w.ResolveLine(ctx, st.ID, st.Lines[0].ID, domain.ResolutionSkip, "", "user-7")
	if !errors.Is(err, domain.ErrLockedPeriod) {
		t.Fatalf("ResolveLine() on locked error = %v, want ErrLockedPeriod", err)
	}

	// Unlock reopens the workflow.
	if _, err := w.Unlock(ctx, st.ID, "user-7", "late fee arrived"); err != nil {
		t.Fatalf("Unlock() error = %v", err)
	}
	if _, err := w.ResolveLine(ctx, st.ID, st.Lines[0].ID, domain.ResolutionKeepApp, "", "user-7"); err != nil {
		t.Fatalf("ResolveLine() after unlock error = %v", err)
	}
}

func TestCreateTransfer(t *testing.T) {
	w, svc := newTestWorkflow()
	ctx := context.Background()

	out := seedTx(t, svc, "500.00", "Transfer to savings", day(1))
	in, _, err := svc.RecordTransaction(ctx, &domain.Transaction{
		AccountID:    "acct-2",
		AmountAlert:  decimal.RequireFromString("500.00"),
		Currency:     "USD",
		Direction:    domain.DirectionCredit,
		DateAlert:    day(1),
		MerchantName: "Transfer from checking",
		Source:       domain.SourceAlert,
	}, "test")
	if err != nil {
		t.Fatalf("seed credit: %v", err)
	}

	link, err := w.CreateTransfer(ctx, out.ID, in.ID, "user-7")
	if err != nil {
		t.Fatalf("CreateTransfer() error = %v", err)
	}
	if link.LinkType != domain.LinkInternalTransfer {
		t.Errorf("LinkType = %s, want internal_transfer", link.LinkType)
	}

	gotOut, _ := svc.Repo().GetTransaction(ctx, out.ID)
	if !gotOut.IsTransfer || gotOut.TransferParty == nil || *gotOut.TransferParty != "acct-2" {
		t.Errorf("debit leg = transfer %v party %v, want acct-2", gotOut.IsTransfer, gotOut.TransferParty)
	}

	// Two credits cannot form a transfer.
	if _, err := w.CreateTransfer(ctx, in.ID, in.ID, "user-7"); !errors.Is(err, domain.ErrInvariantViolation) {
		t.Fatalf("bad legs error = %v, want ErrInvariantViolation", err)
	}
}

// failingRepo rejects every update of one transaction.
type failingRepo struct {
	ledger.Repository
	failID string
}

func (f *failingRepo) UpdateTransaction(ctx context.Context, tx *domain.Transaction) error {
	if tx.ID == f.failID {
		return errors.New("update rejected")
	}
	return f.Repository.UpdateTransaction(ctx, tx)
}

func TestCreateTransferRollsBackOnLegFailure(t *testing.T) {
	ctx := context.Background()
	cfg := config.Default().Matching
	repo := ledger.NewInMemory()
	aud := audit.NewInMemory()

	seedSvc := ledger.NewService(repo, aud, zerolog.Nop())
	out := seedTx(t, seedSvc, "500.00", "Transfer to savings", day(1))
	in, _, err := seedSvc.RecordTransaction(ctx, &domain.Transaction{
		AccountID:    "acct-2",
		AmountAlert:  decimal.RequireFromString("500.00"),
		Currency:     "USD",
		Direction:    domain.DirectionCredit,
		DateAlert:    day(1),
		MerchantName: "Transfer from checking",
		Source:       domain.SourceAlert,
	}, "test")
	if err != nil {
		t.Fatalf("seed credit: %v", err)
	}

	svc := ledger.NewService(&failingRepo{Repository: repo, failID: in.ID}, aud, zerolog.Nop())
	eng := match.New(svc, normalizer.New(nil), cfg, zerolog.Nop())
	w := New(svc, eng, cfg, zerolog.Nop())

	if _, err := w.CreateTransfer(ctx, out.ID, in.ID, "user-7"); err == nil {
		t.Fatal("CreateTransfer() succeeded with a failing leg")
	}

	links, err := svc.Repo().ListLinks(ctx, ledger.LinkFilter{EntityID: out.ID})
	if err != nil {
		t.Fatalf("ListLinks() error = %v", err)
	}
	if len(links) != 0 {
		t.Errorf("got %d links after failed transfer, want 0", len(links))
	}
	gotOut, _ := svc.Repo().GetTransaction(ctx, out.ID)
	if gotOut.IsTransfer || gotOut.TransferParty != nil {
		t.Error("first leg kept its transfer marker after rollback")
	}
}

func TestCreateTransferAuditsBothLegs(t *testing.T) {
	ctx := context.Background()
	cfg := config.Default().Matching
	aud := audit.NewInMemory()
	svc := ledger.NewService(ledger.NewInMemory(), aud, zerolog.Nop())
	eng := match.New(svc, normalizer.New(nil), cfg, zerolog.Nop())
	w := New(svc, eng, cfg, zerolog.Nop())

	out := seedTx(t, svc, "500.00", "Transfer to savings", day(1))
	in, _, err := svc.RecordTransaction(ctx, &domain.Transaction{
		AccountID:    "acct-2",
		AmountAlert:  decimal.RequireFromString("500.00"),
		Currency:     "USD",
		Direction:    domain.DirectionCredit,
		DateAlert:    day(1),
		MerchantName: "Transfer from checking",
		Source:       domain.SourceAlert,
	}, "test")
	if err != nil {
		t.Fatalf("seed credit: %v", err)
	}

	if _, err := w.CreateTransfer(ctx, out.ID, in.ID, "user-7"); err != nil {
		t.Fatalf("CreateTransfer() error = %v", err)
	}

	for _, legID := range []string{out.ID, in.ID} {
		entries, err := aud.List(ctx, domain.AuditFilter{EntityType: domain.EntityTransaction, EntityID: legID})
		if err != nil {
			t.Fatalf("audit list: %v", err)
		}
		marked := false
		for _, e := range entries {
			if e.Action == domain.AuditUpdate && e.Actor == "user-7" {
				marked = true
			}
		}
		if !marked {
			t.Errorf("leg %s has no audited transfer marking", legID)
		}
	}
}

// cancelAfterFirstUpdate stops the batch after the first committed line.
type cancelAfterFirstUpdate struct {
	ledger.Repository
	cancel  context.CancelFunc
	updates int
}

func (c *cancelAfterFirstUpdate) UpdateStatement(ctx context.Context, s *domain.Statement) error {
	err := c.Repository.UpdateStatement(ctx, s)
	c.updates++
	if c.updates == 1 {
		c.cancel()
	}
	return err
}

func TestBatchMatchCommitsPerLineAndHonorsCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	cfg := config.Default().Matching
	repo := ledger.NewInMemory()
	svc := ledger.NewService(&cancelAfterFirstUpdate{Repository: repo, cancel: cancel}, audit.NewInMemory(), zerolog.Nop())
	eng := match.New(svc, normalizer.New(nil), cfg, zerolog.Nop())
	w := New(svc, eng, cfg, zerolog.Nop())

	seedTx(t, svc, "54.10", "Grocery Mart", day(3))
	seedTx(t, svc, "21.00", "Book Nook", day(5))

	_, err := w.Import(ctx, statementOf(
		line(3, "GROCERY MART 0042", "-54.10"),
		line(5, "BOOK NOOK", "-21.00"),
	), "evt-1")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Import() error = %v, want context.Canceled", err)
	}

	// The line committed before cancellation survives; nothing after it
	// was written.
	sts, err := svc.Repo().ListStatements(context.Background(), ledger.StatementFilter{})
	if err != nil {
		t.Fatalf("ListStatements() error = %v", err)
	}
	if len(sts) != 1 {
		t.Fatalf("got %d statements, want 1", len(sts))
	}
	st := sts[0]
	if st.Status != domain.StatementProcessing {
		t.Errorf("statement status = %s, want processing after interrupted batch", st.Status)
	}
	matched := 0
	for _, ln := range st.Lines {
		if ln.MatchStatus == domain.LineMatched {
			matched++
		}
	}
	if matched != 1 {
		t.Errorf("committed matched lines = %d, want 1", matched)
	}
}
