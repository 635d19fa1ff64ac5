package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dvloznov/ledger-engine/internal/audit"
	"github.com/dvloznov/ledger-engine/internal/domain"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// Service wraps the Repository with the invariants the storage layer does
// not know about: the forward-only status machine, attribution
// conservation, locked-period protection, and the audit trail. Every
// mutating method appends its audit entry in the same unit of work.
type Service struct {
	repo Repository
	aud  audit.Log
	log  zerolog.Logger
}

func NewService(repo Repository, aud audit.Log, log zerolog.Logger) *Service {
	return &Service{repo: repo, aud: aud, log: log}
}

// Repo exposes the underlying repository for read-only access.
func (s *Service) Repo() Repository {
	return s.repo
}

// RecordTransaction persists a proposed transaction. Duplicates (by dedup
// key) are an idempotent no-op: the existing record is returned and no
// audit entry is written.
func (s *Service) RecordTransaction(ctx context.Context, tx *domain.Transaction, actor string) (*domain.Transaction, bool, error) {
	if tx.Status == "" {
		tx.Status = domain.TransactionUnconfirmed
	}
	if err := checkAttributions(tx.CategoryAttributions, tx.EffectiveAmount()); err != nil {
		return nil, false, err
	}

	id, created, err := s.repo.CreateTransaction(ctx, tx)
	if err != nil {
		return nil, false, err
	}
	stored, err := s.repo.GetTransaction(ctx, id)
	if err != nil {
		return nil, false, err
	}
	if !created {
		s.log.Debug().Str("transaction_id", id).Msg("duplicate transaction, no-op")
		return stored, false, nil
	}

	err = s.aud.Append(ctx, &domain.AuditEntry{
		EntityType: domain.EntityTransaction,
		EntityID:   id,
		Action:     domain.AuditCreate,
		Actor:      actor,
		After:      audit.Snapshot(stored),
	})
	return stored, true, err
}

// RecordReceipt persists a proposed receipt with the same idempotency
// contract as RecordTransaction.
func (s *Service) RecordReceipt(ctx context.Context, r *domain.Receipt, actor string) (*domain.Receipt, bool, error) {
	if r.Status == "" {
		r.Status = domain.ReceiptUnmatched
	}

	id, created, err := s.repo.CreateReceipt(ctx, r)
	if err != nil {
		return nil, false, err
	}
	stored, err := s.repo.GetReceipt(ctx, id)
	if err != nil {
		return nil, false, err
	}
	if !created {
		s.log.Debug().Str("receipt_id", id).Msg("duplicate receipt, no-op")
		return stored, false, nil
	}

	err = s.aud.Append(ctx, &domain.AuditEntry{
		EntityType: domain.EntityReceipt,
		EntityID:   id,
		Action:     domain.AuditCreate,
		Actor:      actor,
		After:      audit.Snapshot(stored),
	})
	return stored, true, err
}

// AdvanceStatus moves a transaction forward in its lifecycle. Backward
// moves are rejected; they require Unlock.
func (s *Service) AdvanceStatus(ctx context.Context, id string, next domain.TransactionStatus, actor, reason string) (*domain.Transaction, error) {
	tx, err := s.repo.GetTransaction(ctx, id)
	if err != nil {
		return nil, err
	}
	if !tx.Status.CanAdvanceTo(next) {
		return nil, fmt.Errorf("transaction %s: %s -> %s is not a forward transition: %w",
			id, tx.Status, next, domain.ErrInvariantViolation)
	}

	before := audit.Snapshot(tx)
	tx.Status = next
	if err := s.repo.UpdateTransaction(ctx, tx); err != nil {
		return nil, err
	}

	err = s.aud.Append(ctx, &domain.AuditEntry{
		EntityType: domain.EntityTransaction,
		EntityID:   id,
		Action:     domain.AuditAdvance,
		Actor:      actor,
		Reason:     reason,
		Before:     before,
		After:      audit.Snapshot(tx),
	})
	return tx, err
}

// Unlock regresses a transaction's status. The actor and reason are
// mandatory; the regression is recorded before it takes effect.
func (s *Service) Unlock(ctx context.Context, id string, to domain.TransactionStatus, actor, reason string) (*domain.Transaction, error) {
	if actor == "" || reason == "" {
		return nil, fmt.Errorf("unlock requires an actor and a reason: %w", domain.ErrInvariantViolation)
	}
	tx, err := s.repo.GetTransaction(ctx, id)
	if err != nil {
		return nil, err
	}
	if !to.CanAdvanceTo(tx.Status) {
		return nil, fmt.Errorf("transaction %s: unlock %s -> %s is not a regression: %w",
			id, tx.Status, to, domain.ErrInvariantViolation)
	}

	before := audit.Snapshot(tx)
	tx.Status = to
	if err := s.repo.UpdateTransaction(ctx, tx); err != nil {
		return nil, err
	}

	err = s.aud.Append(ctx, &domain.AuditEntry{
		EntityType: domain.EntityTransaction,
		EntityID:   id,
		Action:     domain.AuditUnlock,
		Actor:      actor,
		Reason:     reason,
		Before:     before,
		After:      audit.Snapshot(tx),
	})
	return tx, err
}

// Settle writes the statement-confirmed amount and/or date. A settled
// amount differing from the alert amount sets amount_mismatch; a settled
// date on a different day sets date_mismatch. Flags are never auto-cleared.
func (s *Service) Settle(ctx context.Context, id string, amount *decimal.Decimal, date *time.Time, actor string) (*domain.Transaction, error) {
	tx, err := s.repo.GetTransaction(ctx, id)
	if err != nil {
		return nil, err
	}
	if tx.Status == domain.TransactionReconciled {
		return nil, fmt.Errorf("transaction %s is reconciled: %w", id, domain.ErrLockedPeriod)
	}

	before := audit.Snapshot(tx)
	if amount != nil {
		a := *amount
		tx.AmountSettled = &a
		if !a.Equal(tx.AmountAlert) {
			tx.AddFlag(domain.FlagAmountMismatch)
		}
	}
	if date != nil {
		d := *date
		tx.DateSettled = &d
		if !sameDay(d, tx.DateAlert) {
			tx.AddFlag(domain.FlagDateMismatch)
		}
	}
	if err := s.repo.UpdateTransaction(ctx, tx); err != nil {
		return nil, err
	}

	err = s.aud.Append(ctx, &domain.AuditEntry{
		EntityType: domain.EntityTransaction,
		EntityID:   id,
		Action:     domain.AuditUpdate,
		Actor:      actor,
		Before:     before,
		After:      audit.Snapshot(tx),
	})
	return tx, err
}

// AcknowledgeFlag clears a flag on a transaction. This is the only way a
// flag goes away, and it is audited with the operator's reason.
func (s *Service) AcknowledgeFlag(ctx context.Context, id, flag, actor, reason string) (*domain.Transaction, error) {
	if actor == "" {
		return nil, fmt.Errorf("flag acknowledgement requires an actor: %w", domain.ErrInvariantViolation)
	}
	tx, err := s.repo.GetTransaction(ctx, id)
	if err != nil {
		return nil, err
	}
	if !tx.HasFlag(flag) {
		return tx, nil
	}

	before := audit.Snapshot(tx)
	kept := tx.Flags[:0]
	for _, f := range tx.Flags {
		if f != flag {
			kept = append(kept, f)
		}
	}
	tx.Flags = kept
	if err := s.repo.UpdateTransaction(ctx, tx); err != nil {
		return nil, err
	}

	err = s.aud.Append(ctx, &domain.AuditEntry{
		EntityType: domain.EntityTransaction,
		EntityID:   id,
		Action:     domain.AuditUpdate,
		Actor:      actor,
		Reason:     reason,
		Before:     before,
		After:      audit.Snapshot(tx),
	})
	return tx, err
}

// SetCategoryAttributions replaces a transaction's category split. When
// non-empty the amounts must sum exactly to the effective amount.
func (s *Service) SetCategoryAttributions(ctx context.Context, id string, attrs []domain.CategoryAttribution, actor string) (*domain.Transaction, error) {
	tx, err := s.repo.GetTransaction(ctx, id)
	if err != nil {
		return nil, err
	}
	if tx.Status == domain.TransactionReconciled {
		return nil, fmt.Errorf("transaction %s is reconciled: %w", id, domain.ErrLockedPeriod)
	}
	if err := checkAttributions(attrs, tx.EffectiveAmount()); err != nil {
		return nil, err
	}

	before := audit.Snapshot(tx)
	tx.CategoryAttributions = attrs
	if err := s.repo.UpdateTransaction(ctx, tx); err != nil {
		return nil, err
	}

	err = s.aud.Append(ctx, &domain.AuditEntry{
		EntityType: domain.EntityTransaction,
		EntityID:   id,
		Action:     domain.AuditUpdate,
		Actor:      actor,
		Before:     before,
		After:      audit.Snapshot(tx),
	})
	return tx, err
}

// MarkTransfer sets or clears a transaction's internal-transfer marker.
// A nil party clears it. Reconciled legs are immutable.
func (s *Service) MarkTransfer(ctx context.Context, id string, party *string, actor, reason string) (*domain.Transaction, error) {
	tx, err := s.repo.GetTransaction(ctx, id)
	if err != nil {
		return nil, err
	}
	if tx.Status == domain.TransactionReconciled {
		return nil, fmt.Errorf("transaction %s is reconciled: %w", id, domain.ErrLockedPeriod)
	}

	before := audit.Snapshot(tx)
	tx.IsTransfer = party != nil
	tx.TransferParty = party
	if err := s.repo.UpdateTransaction(ctx, tx); err != nil {
		return nil, err
	}

	err = s.aud.Append(ctx, &domain.AuditEntry{
		EntityType: domain.EntityTransaction,
		EntityID:   id,
		Action:     domain.AuditUpdate,
		Actor:      actor,
		Reason:     reason,
		Before:     before,
		After:      audit.Snapshot(tx),
	})
	return tx, err
}

// CreateLink associates two ledger entities after re-checking that neither
// side has been consumed by a concurrent match and that attribution sums
// stay within each entity's amount. The check and the insert are
// serialized per endpoint through the entities' optimistic versions: each
// amount-bearing endpoint is claimed with a CAS bump taken from the same
// snapshot its capacity was checked against, so two concurrent matchers
// cannot both consume the last of an entity's capacity. A receipt_match
// link corroborates an unconfirmed transaction, advancing it to confirmed.
func (s *Service) CreateLink(ctx context.Context, link *domain.Link, actor string) (*domain.Link, error) {
	const attempts = 3
	var lastErr error
	for i := 0; i < attempts; i++ {
		created, err := s.tryCreateLink(ctx, link, actor)
		if err == nil {
			return created, nil
		}
		if !errors.Is(err, domain.ErrVersionConflict) {
			return nil, err
		}
		lastErr = err
	}
	return nil, lastErr
}

// tryCreateLink runs one optimistic attempt: snapshot both endpoints,
// check capacity against the links visible at those snapshots, insert the
// link, then claim each endpoint via CAS on the snapshot's version. A
// failed claim means a concurrent writer got between the check and the
// insert; the fresh link is removed and the conflict reported so the
// caller can re-check.
func (s *Service) tryCreateLink(ctx context.Context, link *domain.Link, actor string) (*domain.Link, error) {
	var claims []func(context.Context) error
	// Transfer pairings carry no attribution, so they have no capacity
	// to claim.
	if link.LinkType != domain.LinkInternalTransfer {
		for _, end := range []struct {
			t  domain.EntityType
			id string
		}{{link.SourceType, link.SourceID}, {link.TargetType, link.TargetID}} {
			claim, err := s.checkCapacity(ctx, end.t, end.id, link)
			if err != nil {
				return nil, err
			}
			if claim != nil {
				claims = append(claims, claim)
			}
		}
	}

	id, err := s.repo.CreateLink(ctx, link)
	if err != nil {
		return nil, err
	}
	link.ID = id

	for _, claim := range claims {
		if err := claim(ctx); err != nil {
			if delErr := s.repo.DeleteLink(ctx, id); delErr != nil {
				s.log.Error().Err(delErr).Str("link_id", id).Msg("failed to remove link after lost claim")
			}
			link.ID = ""
			return nil, err
		}
	}

	if err := s.aud.Append(ctx, &domain.AuditEntry{
		EntityType: domain.EntityLink,
		EntityID:   id,
		Action:     domain.AuditLink,
		Actor:      actor,
		After:      audit.Snapshot(link),
	}); err != nil {
		return nil, err
	}

	if link.LinkType == domain.LinkReceiptMatch {
		if err := s.afterReceiptMatch(ctx, link, actor); err != nil {
			return nil, err
		}
	}
	return link, nil
}

// RemoveLink deletes a link and re-derives the affected receipt's status.
func (s *Service) RemoveLink(ctx context.Context, linkID, actor, reason string) error {
	links, err := s.repo.ListLinks(ctx, LinkFilter{})
	if err != nil {
		return err
	}
	var link *domain.Link
	for _, l := range links {
		if l.ID == linkID {
			link = l
			break
		}
	}
	if link == nil {
		return fmt.Errorf("link %s: %w", linkID, domain.ErrNotFound)
	}

	if err := s.repo.DeleteLink(ctx, linkID); err != nil {
		return err
	}
	if err := s.aud.Append(ctx, &domain.AuditEntry{
		EntityType: domain.EntityLink,
		EntityID:   linkID,
		Action:     domain.AuditDelete,
		Actor:      actor,
		Reason:     reason,
		Before:     audit.Snapshot(link),
	}); err != nil {
		return err
	}

	for _, end := range []struct {
		t  domain.EntityType
		id string
	}{{link.SourceType, link.SourceID}, {link.TargetType, link.TargetID}} {
		if end.t == domain.EntityReceipt {
			if err := s.refreshReceiptStatus(ctx, end.id); err != nil {
				return err
			}
		}
	}
	return nil
}

// checkCapacity enforces attribution conservation for one end of a new
// link: existing attributions plus the new one must not exceed the
// entity's amount. A nil attributed amount counts as the full amount. The
// returned claim bumps the entity's version from the snapshot the check
// ran against; a nil claim means the entity kind carries no amount.
func (s *Service) checkCapacity(ctx context.Context, entityType domain.EntityType, entityID string, link *domain.Link) (func(context.Context) error, error) {
	var (
		total decimal.Decimal
		claim func(context.Context) error
	)
	switch entityType {
	case domain.EntityTransaction:
		tx, err := s.repo.GetTransaction(ctx, entityID)
		if err != nil {
			return nil, err
		}
		if tx.Status == domain.TransactionReconciled {
			return nil, fmt.Errorf("transaction %s is reconciled: %w", entityID, domain.ErrLockedPeriod)
		}
		total = tx.EffectiveAmount().Abs()
		claim = func(ctx context.Context) error { return s.repo.UpdateTransaction(ctx, tx) }
	case domain.EntityReceipt:
		r, err := s.repo.GetReceipt(ctx, entityID)
		if err != nil {
			return nil, err
		}
		total = r.TotalAmount.Abs()
		claim = func(ctx context.Context) error { return s.repo.UpdateReceipt(ctx, r) }
	default:
		return nil, nil
	}

	existing, err := s.repo.ListLinks(ctx, LinkFilter{EntityType: entityType, EntityID: entityID})
	if err != nil {
		return nil, err
	}
	allocated := decimal.Zero
	for _, l := range existing {
		if l.LinkType == domain.LinkInternalTransfer {
			continue
		}
		allocated = allocated.Add(attributedOrFull(l.AttributedAmount, total))
	}
	allocated = allocated.Add(attributedOrFull(link.AttributedAmount, total))

	if allocated.GreaterThan(total) {
		return nil, fmt.Errorf("%s %s: attributed %s exceeds amount %s: %w",
			entityType, entityID, allocated, total, domain.ErrInvariantViolation)
	}
	return claim, nil
}

// afterReceiptMatch re-derives the receipt's status and confirms the
// transaction side of a fresh receipt_match link.
func (s *Service) afterReceiptMatch(ctx context.Context, link *domain.Link, actor string) error {
	for _, end := range []struct {
		t  domain.EntityType
		id string
	}{{link.SourceType, link.SourceID}, {link.TargetType, link.TargetID}} {
		switch end.t {
		case domain.EntityReceipt:
			if err := s.refreshReceiptStatus(ctx, end.id); err != nil {
				return err
			}
		case domain.EntityTransaction:
			tx, err := s.repo.GetTransaction(ctx, end.id)
			if err != nil {
				return err
			}
			if tx.Status == domain.TransactionUnconfirmed {
				if _, err := s.AdvanceStatus(ctx, end.id, domain.TransactionConfirmed, actor, "receipt corroboration"); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// refreshReceiptStatus derives the receipt status from its links. The
// status is never set directly anywhere else.
func (s *Service) refreshReceiptStatus(ctx context.Context, receiptID string) error {
	r, err := s.repo.GetReceipt(ctx, receiptID)
	if err != nil {
		return err
	}
	links, err := s.repo.ListLinks(ctx, LinkFilter{EntityType: domain.EntityReceipt, EntityID: receiptID})
	if err != nil {
		return err
	}

	total := r.TotalAmount.Abs()
	allocated := decimal.Zero
	for _, l := range links {
		if l.LinkType != domain.LinkReceiptMatch {
			continue
		}
		allocated = allocated.Add(attributedOrFull(l.AttributedAmount, total))
	}

	status := domain.ReceiptUnmatched
	switch {
	case allocated.GreaterThanOrEqual(total) && total.IsPositive():
		status = domain.ReceiptMatched
	case allocated.IsPositive():
		status = domain.ReceiptPartiallyMatched
	}

	if r.Status == status {
		return nil
	}
	r.Status = status
	return s.repo.UpdateReceipt(ctx, r)
}

// LockStatement finalizes a fully resolved statement: every touched
// transaction becomes reconciled and the statement becomes locked.
func (s *Service) LockStatement(ctx context.Context, id, actor string) (*domain.Statement, error) {
	st, err := s.repo.GetStatement(ctx, id)
	if err != nil {
		return nil, err
	}
	if st.Status == domain.StatementLocked {
		return st, nil
	}
	if unresolved := st.Unresolved(); len(unresolved) > 0 {
		return nil, fmt.Errorf("statement %s has %d unresolved lines: %w",
			id, len(unresolved), domain.ErrInvariantViolation)
	}

	before := audit.Snapshot(st)
	for _, ln := range st.Lines {
		if ln.MatchedTransactionID == nil {
			continue
		}
		tx, err := s.repo.GetTransaction(ctx, *ln.MatchedTransactionID)
		if err != nil {
			return nil, err
		}
		if tx.Status == domain.TransactionReconciled {
			continue
		}
		if _, err := s.AdvanceStatus(ctx, tx.ID, domain.TransactionReconciled, actor, "statement lock"); err != nil {
			return nil, err
		}
	}

	st.Status = domain.StatementLocked
	if err := s.repo.UpdateStatement(ctx, st); err != nil {
		return nil, err
	}

	err = s.aud.Append(ctx, &domain.AuditEntry{
		EntityType: domain.EntityStatement,
		EntityID:   id,
		Action:     domain.AuditLock,
		Actor:      actor,
		Before:     before,
		After:      audit.Snapshot(st),
	})
	return st, err
}

// UnlockStatement reopens a locked statement, regressing its reconciled
// transactions to confirmed. Actor and reason are mandatory.
func (s *Service) UnlockStatement(ctx context.Context, id, actor, reason string) (*domain.Statement, error) {
	if actor == "" || reason == "" {
		return nil, fmt.Errorf("unlock requires an actor and a reason: %w", domain.ErrInvariantViolation)
	}
	st, err := s.repo.GetStatement(ctx, id)
	if err != nil {
		return nil, err
	}
	if st.Status != domain.StatementLocked {
		return nil, fmt.Errorf("statement %s is not locked: %w", id, domain.ErrInvariantViolation)
	}

	before := audit.Snapshot(st)
	for _, ln := range st.Lines {
		if ln.MatchedTransactionID == nil {
			continue
		}
		tx, err := s.repo.GetTransaction(ctx, *ln.MatchedTransactionID)
		if err != nil {
			return nil, err
		}
		if tx.Status != domain.TransactionReconciled {
			continue
		}
		if _, err := s.Unlock(ctx, tx.ID, domain.TransactionConfirmed, actor, reason); err != nil {
			return nil, err
		}
	}

	st.Status = domain.StatementReady
	if err := s.repo.UpdateStatement(ctx, st); err != nil {
		return nil, err
	}

	err = s.aud.Append(ctx, &domain.AuditEntry{
		EntityType: domain.EntityStatement,
		EntityID:   id,
		Action:     domain.AuditUnlock,
		Actor:      actor,
		Reason:     reason,
		Before:     before,
		After:      audit.Snapshot(st),
	})
	return st, err
}

// UpdateStatement applies a statement change, rejecting writes against a
// locked statement.
func (s *Service) UpdateStatement(ctx context.Context, st *domain.Statement, actor string) error {
	current, err := s.repo.GetStatement(ctx, st.ID)
	if err != nil {
		return err
	}
	if current.Status == domain.StatementLocked {
		return fmt.Errorf("statement %s is locked: %w", st.ID, domain.ErrLockedPeriod)
	}

	before := audit.Snapshot(current)
	if err := s.repo.UpdateStatement(ctx, st); err != nil {
		return err
	}
	return s.aud.Append(ctx, &domain.AuditEntry{
		EntityType: domain.EntityStatement,
		EntityID:   st.ID,
		Action:     domain.AuditUpdate,
		Actor:      actor,
		Before:     before,
		After:      audit.Snapshot(st),
	})
}

// DeleteDerived removes all ledger entities derived from the given
// external event ids. Replay's clean mode calls this before reprocessing.
func (s *Service) DeleteDerived(ctx context.Context, externalIDs []string) (int, error) {
	var keys []string
	for _, ext := range externalIDs {
		for _, role := range []string{"transaction", "receipt", "statement"} {
			keys = append(keys, domain.DeriveDedupKey(ext, role))
		}
	}
	return s.repo.DeleteByDedupKeys(ctx, keys)
}

func checkAttributions(attrs []domain.CategoryAttribution, total decimal.Decimal) error {
	if len(attrs) == 0 {
		return nil
	}
	sum := decimal.Zero
	for _, a := range attrs {
		sum = sum.Add(a.Amount)
	}
	if !sum.Equal(total) {
		return fmt.Errorf("category attributions sum to %s, transaction amount is %s: %w",
			sum, total, domain.ErrInvariantViolation)
	}
	return nil
}

func attributedOrFull(attributed *decimal.Decimal, full decimal.Decimal) decimal.Decimal {
	if attributed != nil {
		return attributed.Abs()
	}
	return full
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}
