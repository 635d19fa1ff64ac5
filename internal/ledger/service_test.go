package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dvloznov/ledger-engine/internal/audit"
	"github.com/dvloznov/ledger-engine/internal/domain"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

func newTestService() (*Service, *audit.InMemory) {
	aud := audit.NewInMemory()
	return NewService(NewInMemory(), aud, zerolog.Nop()), aud
}

func testTransaction(amount string) *domain.Transaction {
	return &domain.Transaction{
		AccountID:    "acct-1",
		AmountAlert:  decimal.RequireFromString(amount),
		Currency:     "USD",
		Direction:    domain.DirectionDebit,
		DateAlert:    time.Date(2026, 3, 12, 0, 0, 0, 0, time.UTC),
		MerchantName: "Corner Deli",
		MerchantNorm: "corner deli",
		Source:       domain.SourceAlert,
	}
}

func testReceipt(amount string) *domain.Receipt {
	return &domain.Receipt{
		AccountID:    "acct-1",
		MerchantName: "Corner Deli",
		MerchantNorm: "corner deli",
		Date:         time.Date(2026, 3, 12, 0, 0, 0, 0, time.UTC),
		TotalAmount:  decimal.RequireFromString(amount),
		Currency:     "USD",
		Source:       domain.SourceReceipt,
	}
}

func TestRecordTransactionDedupIsNoOp(t *testing.T) {
	svc, aud := newTestService()
	ctx := context.Background()

	key := domain.DeriveDedupKey("msg-1", "transaction")
	tx := testTransaction("42.17")
	tx.DedupKey = &key

	first, created, err := svc.RecordTransaction(ctx, tx, "system")
	if err != nil || !created {
		t.Fatalf("first RecordTransaction() = created %v, err %v", created, err)
	}

	dup := testTransaction("42.17")
	dup.DedupKey = &key
	second, created, err := svc.RecordTransaction(ctx, dup, "system")
	if err != nil {
		t.Fatalf("second RecordTransaction() error = %v", err)
	}
	if created {
		t.Error("duplicate dedup key reported created = true")
	}
	if second.ID != first.ID {
		t.Errorf("duplicate returned id %s, want existing %s", second.ID, first.ID)
	}

	entries, _ := aud.List(ctx, domain.AuditFilter{EntityType: domain.EntityTransaction})
	if len(entries) != 1 {
		t.Errorf("audit entries = %d, want 1 (no entry for the no-op)", len(entries))
	}
}

func TestStatusMonotonicity(t *testing.T) {
	svc, aud := newTestService()
	ctx := context.Background()

	tx, _, err := svc.RecordTransaction(ctx, testTransaction("10"), "system")
	if err != nil {
		t.Fatalf("RecordTransaction() error = %v", err)
	}
	if tx.Status != domain.TransactionUnconfirmed {
		t.Fatalf("initial status = %s, want unconfirmed", tx.Status)
	}

	if _, err := svc.AdvanceStatus(ctx, tx.ID, domain.TransactionConfirmed, "user-7", ""); err != nil {
		t.Fatalf("advance to confirmed: %v", err)
	}
	if _, err := svc.AdvanceStatus(ctx, tx.ID, domain.TransactionReconciled, "user-7", ""); err != nil {
		t.Fatalf("advance to reconciled: %v", err)
	}

	_, err = svc.AdvanceStatus(ctx, tx.ID, domain.TransactionConfirmed, "user-7", "")
	if !errors.Is(err, domain.ErrInvariantViolation) {
		t.Fatalf("backward advance error = %v, want ErrInvariantViolation", err)
	}

	// Regression goes through unlock, which demands actor and reason.
	if _, err := svc.Unlock(ctx, tx.ID, domain.TransactionConfirmed, "", ""); !errors.Is(err, domain.ErrInvariantViolation) {
		t.Fatalf("unlock without actor error = %v, want ErrInvariantViolation", err)
	}
	got, err := svc.Unlock(ctx, tx.ID, domain.TransactionConfirmed, "user-7", "bank corrected the posting")
	if err != nil {
		t.Fatalf("Unlock() error = %v", err)
	}
	if got.Status != domain.TransactionConfirmed {
		t.Errorf("status after unlock = %s, want confirmed", got.Status)
	}

	entries, _ := aud.List(ctx, domain.AuditFilter{EntityType: domain.EntityTransaction, EntityID: tx.ID})
	var unlocks int
	for _, e := range entries {
		if e.Action == domain.AuditUnlock {
			unlocks++
			if e.Reason == "" {
				t.Error("unlock audit entry has no reason")
			}
		}
	}
	if unlocks != 1 {
		t.Errorf("unlock audit entries = %d, want 1", unlocks)
	}
}

func TestSettleMismatchSetsFlag(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	tx, _, err := svc.RecordTransaction(ctx, testTransaction("85.00"), "system")
	if err != nil {
		t.Fatalf("RecordTransaction() error = %v", err)
	}

	settled := decimal.RequireFromString("88.00")
	got, err := svc.Settle(ctx, tx.ID, &settled, nil, "reconciler")
	if err != nil {
		t.Fatalf("Settle() error = %v", err)
	}
	if !got.HasFlag(domain.FlagAmountMismatch) {
		t.Error("settled 88 against alert 85 without amount_mismatch flag")
	}
	if got.AmountSettled == nil || !got.AmountSettled.Equal(settled) {
		t.Errorf("AmountSettled = %v, want 88.00", got.AmountSettled)
	}
	if !got.EffectiveAmount().Equal(settled) {
		t.Errorf("EffectiveAmount() = %s, want settled value", got.EffectiveAmount())
	}

	// The flag survives a matching re-settle; it is never auto-cleared.
	same := decimal.RequireFromString("85.00")
	got, err = svc.Settle(ctx, tx.ID, &same, nil, "reconciler")
	if err != nil {
		t.Fatalf("re-Settle() error = %v", err)
	}
	if !got.HasFlag(domain.FlagAmountMismatch) {
		t.Error("amount_mismatch was auto-cleared")
	}

	got, err = svc.AcknowledgeFlag(ctx, tx.ID, domain.FlagAmountMismatch, "user-7", "bank fee, expected")
	if err != nil {
		t.Fatalf("AcknowledgeFlag() error = %v", err)
	}
	if got.HasFlag(domain.FlagAmountMismatch) {
		t.Error("flag still present after acknowledgement")
	}
}

func TestSettleRejectedWhenReconciled(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	tx, _, _ := svc.RecordTransaction(ctx, testTransaction("10"), "system")
	if _, err := svc.AdvanceStatus(ctx, tx.ID, domain.TransactionReconciled, "system", ""); err != nil {
		t.Fatalf("advance: %v", err)
	}

	amt := decimal.RequireFromString("11")
	_, err := svc.Settle(ctx, tx.ID, &amt, nil, "reconciler")
	if !errors.Is(err, domain.ErrLockedPeriod) {
		t.Fatalf("Settle() on reconciled error = %v, want ErrLockedPeriod", err)
	}
}

func TestCategoryAttributionsMustSum(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	tx, _, _ := svc.RecordTransaction(ctx, testTransaction("30"), "system")

	bad := []domain.CategoryAttribution{
		{CategoryID: "groceries", Amount: decimal.RequireFromString("20")},
		{CategoryID: "household", Amount: decimal.RequireFromString("5")},
	}
	if _, err := svc.SetCategoryAttributions(ctx, tx.ID, bad, "user-7"); !errors.Is(err, domain.ErrInvariantViolation) {
		t.Fatalf("short attribution error = %v, want ErrInvariantViolation", err)
	}

	good := []domain.CategoryAttribution{
		{CategoryID: "groceries", Amount: decimal.RequireFromString("20")},
		{CategoryID: "household", Amount: decimal.RequireFromString("10")},
	}
	got, err := svc.SetCategoryAttributions(ctx, tx.ID, good, "user-7")
	if err != nil {
		t.Fatalf("SetCategoryAttributions() error = %v", err)
	}
	if len(got.CategoryAttributions) != 2 {
		t.Errorf("attributions = %d, want 2", len(got.CategoryAttributions))
	}
}

func TestLinkInvariants(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	tx, _, _ := svc.RecordTransaction(ctx, testTransaction("42.17"), "system")
	r, _, _ := svc.RecordReceipt(ctx, testReceipt("42.17"), "system")

	link := &domain.Link{
		SourceType: domain.EntityReceipt, SourceID: r.ID,
		TargetType: domain.EntityTransaction, TargetID: tx.ID,
		LinkType:  domain.LinkReceiptMatch,
		CreatedBy: domain.CreatedByAuto, ConfidenceScore: 0.91,
	}
	if _, err := svc.CreateLink(ctx, link, "system"); err != nil {
		t.Fatalf("CreateLink() error = %v", err)
	}

	// Full-amount link consumes both sides: the duplicate triple and any
	// further attribution are both rejected.
	dup := *link
	dup.ID = ""
	if _, err := svc.CreateLink(ctx, &dup, "system"); !errors.Is(err, domain.ErrInvariantViolation) {
		t.Fatalf("duplicate link error = %v, want ErrInvariantViolation", err)
	}

	r2, _, _ := svc.RecordReceipt(ctx, testReceipt("5.00"), "system")
	over := &domain.Link{
		SourceType: domain.EntityReceipt, SourceID: r2.ID,
		TargetType: domain.EntityTransaction, TargetID: tx.ID,
		LinkType:  domain.LinkReceiptMatch,
		CreatedBy: domain.CreatedByManual,
	}
	if _, err := svc.CreateLink(ctx, over, "user-7"); !errors.Is(err, domain.ErrInvariantViolation) {
		t.Fatalf("over-allocating link error = %v, want ErrInvariantViolation", err)
	}
}

func TestReceiptStatusDerivedFromLinks(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	r, _, _ := svc.RecordReceipt(ctx, testReceipt("100.00"), "system")
	tx1, _, _ := svc.RecordTransaction(ctx, testTransaction("60.00"), "system")
	tx2, _, _ := svc.RecordTransaction(ctx, testTransaction("40.00"), "system")

	part := decimal.RequireFromString("60.00")
	l1 := &domain.Link{
		SourceType: domain.EntityReceipt, SourceID: r.ID,
		TargetType: domain.EntityTransaction, TargetID: tx1.ID,
		LinkType: domain.LinkReceiptMatch, AttributedAmount: &part,
		CreatedBy: domain.CreatedByAuto,
	}
	if _, err := svc.CreateLink(ctx, l1, "system"); err != nil {
		t.Fatalf("CreateLink(60) error = %v", err)
	}
	got, _ := svc.Repo().GetReceipt(ctx, r.ID)
	if got.Status != domain.ReceiptPartiallyMatched {
		t.Errorf("status after partial link = %s, want partially_matched", got.Status)
	}

	rest := decimal.RequireFromString("40.00")
	l2 := &domain.Link{
		SourceType: domain.EntityReceipt, SourceID: r.ID,
		TargetType: domain.EntityTransaction, TargetID: tx2.ID,
		LinkType: domain.LinkReceiptMatch, AttributedAmount: &rest,
		CreatedBy: domain.CreatedByAuto,
	}
	if _, err := svc.CreateLink(ctx, l2, "system"); err != nil {
		t.Fatalf("CreateLink(40) error = %v", err)
	}
	got, _ = svc.Repo().GetReceipt(ctx, r.ID)
	if got.Status != domain.ReceiptMatched {
		t.Errorf("status after full coverage = %s, want matched", got.Status)
	}

	// Removing a link re-derives backwards.
	if err := svc.RemoveLink(ctx, l2.ID, "user-7", "wrong match"); err != nil {
		t.Fatalf("RemoveLink() error = %v", err)
	}
	got, _ = svc.Repo().GetReceipt(ctx, r.ID)
	if got.Status != domain.ReceiptPartiallyMatched {
		t.Errorf("status after unlink = %s, want partially_matched", got.Status)
	}
}

func TestReceiptMatchConfirmsTransaction(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	tx, _, _ := svc.RecordTransaction(ctx, testTransaction("42.17"), "system")
	r, _, _ := svc.RecordReceipt(ctx, testReceipt("42.17"), "system")

	link := &domain.Link{
		SourceType: domain.EntityReceipt, SourceID: r.ID,
		TargetType: domain.EntityTransaction, TargetID: tx.ID,
		LinkType:  domain.LinkReceiptMatch,
		CreatedBy: domain.CreatedByAuto,
	}
	if _, err := svc.CreateLink(ctx, link, "system"); err != nil {
		t.Fatalf("CreateLink() error = %v", err)
	}

	got, _ := svc.Repo().GetTransaction(ctx, tx.ID)
	if got.Status != domain.TransactionConfirmed {
		t.Errorf("transaction status = %s, want confirmed after receipt match", got.Status)
	}
}

func TestStatementLockLifecycle(t *testing.T) {
	svc, aud := newTestService()
	ctx := context.Background()

	tx, _, _ := svc.RecordTransaction(ctx, testTransaction("54.10"), "system")
	if _, err := svc.AdvanceStatus(ctx, tx.ID, domain.TransactionConfirmed, "system", ""); err != nil {
		t.Fatalf("advance: %v", err)
	}

	st := &domain.Statement{
		AccountID: "acct-1",
		Period: domain.Period{
			Start: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
			End:   time.Date(2026, 3, 31, 0, 0, 0, 0, time.UTC),
		},
		Status: domain.StatementReady,
		Lines: []domain.StatementLine{
			{
				Date: time.Date(2026, 3, 12, 0, 0, 0, 0, time.UTC), Description: "CORNER DELI",
				Amount: decimal.RequireFromString("-54.10"), MatchStatus: domain.LineUnmatched,
			},
		},
	}
	id, err := svc.Repo().CreateStatement(ctx, st)
	if err != nil {
		t.Fatalf("CreateStatement() error = %v", err)
	}

	// Unresolved line blocks locking.
	if _, err := svc.LockStatement(ctx, id, "user-7"); !errors.Is(err, domain.ErrInvariantViolation) {
		t.Fatalf("LockStatement() with unresolved line error = %v, want ErrInvariantViolation", err)
	}

	stored, _ := svc.Repo().GetStatement(ctx, id)
	stored.Lines[0].MatchStatus = domain.LineMatched
	stored.Lines[0].MatchedTransactionID = &tx.ID
	if err := svc.UpdateStatement(ctx, stored, "user-7"); err != nil {
		t.Fatalf("UpdateStatement() error = %v", err)
	}

	locked, err := svc.LockStatement(ctx, id, "user-7")
	if err != nil {
		t.Fatalf("LockStatement() error = %v", err)
	}
	if locked.Status != domain.StatementLocked {
		t.Errorf("statement status = %s, want locked", locked.Status)
	}
	gotTx, _ := svc.Repo().GetTransaction(ctx, tx.ID)
	if gotTx.Status != domain.TransactionReconciled {
		t.Errorf("touched transaction = %s, want reconciled", gotTx.Status)
	}

	// Locked statement rejects further mutation.
	locked.Lines[0].Description = "EDITED"
	if err := svc.UpdateStatement(ctx, locked, "user-7"); !errors.Is(err, domain.ErrLockedPeriod) {
		t.Fatalf("UpdateStatement() on locked error = %v, want ErrLockedPeriod", err)
	}
	amt := decimal.RequireFromString("60")
	if _, err := svc.Settle(ctx, tx.ID, &amt, nil, "user-7"); !errors.Is(err, domain.ErrLockedPeriod) {
		t.Fatalf("Settle() on reconciled error = %v, want ErrLockedPeriod", err)
	}

	// Explicit unlock reopens everything, audited.
	reopened, err := svc.UnlockStatement(ctx, id, "user-7", "missed a pending charge")
	if err != nil {
		t.Fatalf("UnlockStatement() error = %v", err)
	}
	if reopened.Status != domain.StatementReady {
		t.Errorf("statement status after unlock = %s, want ready", reopened.Status)
	}
	gotTx, _ = svc.Repo().GetTransaction(ctx, tx.ID)
	if gotTx.Status != domain.TransactionConfirmed {
		t.Errorf("transaction after unlock = %s, want confirmed", gotTx.Status)
	}

	entries, _ := aud.List(ctx, domain.AuditFilter{EntityType: domain.EntityStatement, EntityID: id})
	var sawLock, sawUnlock bool
	for _, e := range entries {
		switch e.Action {
		case domain.AuditLock:
			sawLock = true
		case domain.AuditUnlock:
			sawUnlock = true
		}
	}
	if !sawLock || !sawUnlock {
		t.Errorf("audit trail lock/unlock = %v/%v, want both", sawLock, sawUnlock)
	}
}

func TestUpdateTransactionVersionConflict(t *testing.T) {
	repo := NewInMemory()
	ctx := context.Background()

	id, _, err := repo.CreateTransaction(ctx, testTransaction("10"))
	if err != nil {
		t.Fatalf("CreateTransaction() error = %v", err)
	}

	a, _ := repo.GetTransaction(ctx, id)
	b, _ := repo.GetTransaction(ctx, id)

	a.MerchantName = "First Writer"
	if err := repo.UpdateTransaction(ctx, a); err != nil {
		t.Fatalf("first update error = %v", err)
	}

	b.MerchantName = "Second Writer"
	if err := repo.UpdateTransaction(ctx, b); !errors.Is(err, domain.ErrVersionConflict) {
		t.Fatalf("stale update error = %v, want ErrVersionConflict", err)
	}
}

func TestDeleteDerived(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	key := domain.DeriveDedupKey("msg-9", "transaction")
	tx := testTransaction("10")
	tx.DedupKey = &key
	stored, _, err := svc.RecordTransaction(ctx, tx, "system")
	if err != nil {
		t.Fatalf("RecordTransaction() error = %v", err)
	}

	n, err := svc.DeleteDerived(ctx, []string{"msg-9"})
	if err != nil {
		t.Fatalf("DeleteDerived() error = %v", err)
	}
	if n != 1 {
		t.Errorf("deleted = %d, want 1", n)
	}
	if _, err := svc.Repo().GetTransaction(ctx, stored.ID); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("GetTransaction() after delete error = %v, want ErrNotFound", err)
	}
}

func TestConcurrentLinkCreationConservesAttribution(t *testing.T) {
	ctx := context.Background()
	total := decimal.RequireFromString("100.00")

	for iter := 0; iter < 100; iter++ {
		svc, _ := newTestService()
		tx, _, err := svc.RecordTransaction(ctx, testTransaction("100.00"), "system")
		if err != nil {
			t.Fatalf("RecordTransaction() error = %v", err)
		}

		const contenders = 8
		receipts := make([]*domain.Receipt, contenders)
		for i := range receipts {
			r, _, err := svc.RecordReceipt(ctx, testReceipt("100.00"), "system")
			if err != nil {
				t.Fatalf("RecordReceipt() error = %v", err)
			}
			receipts[i] = r
		}

		// Every contender races to attach a full-amount receipt_match to
		// the same transaction; at most one may win.
		start := make(chan struct{})
		var wg sync.WaitGroup
		for _, r := range receipts {
			wg.Add(1)
			go func(r *domain.Receipt) {
				defer wg.Done()
				<-start
				_, _ = svc.CreateLink(ctx, &domain.Link{
					SourceType: domain.EntityReceipt, SourceID: r.ID,
					TargetType: domain.EntityTransaction, TargetID: tx.ID,
					LinkType:        domain.LinkReceiptMatch,
					CreatedBy:       domain.CreatedByAuto,
					ConfidenceScore: 1,
				}, "matcher")
			}(r)
		}
		close(start)
		wg.Wait()

		links, err := svc.Repo().ListLinks(ctx, LinkFilter{EntityType: domain.EntityTransaction, EntityID: tx.ID})
		if err != nil {
			t.Fatalf("ListLinks() error = %v", err)
		}
		allocated := decimal.Zero
		for _, l := range links {
			allocated = allocated.Add(attributedOrFull(l.AttributedAmount, total))
		}
		if allocated.GreaterThan(total) {
			t.Fatalf("iteration %d: %d links allocate %s on a %s transaction",
				iter, len(links), allocated, total)
		}
	}
}
