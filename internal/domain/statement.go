package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// StatementStatus is the statement import lifecycle.
type StatementStatus string

const (
	StatementProcessing StatementStatus = "processing"
	StatementReady      StatementStatus = "ready"
	StatementReconciled StatementStatus = "reconciled"
	StatementLocked     StatementStatus = "locked"
)

// LineMatchStatus is the per-line outcome of batch matching.
type LineMatchStatus string

const (
	LineUnmatched LineMatchStatus = "unmatched"
	LineMatched   LineMatchStatus = "matched"
	LineSkipped   LineMatchStatus = "skipped"
)

// Resolution is the operator's decision for a reconciliation discrepancy.
type Resolution string

const (
	ResolutionAcceptStatement Resolution = "accept_statement"
	ResolutionKeepApp         Resolution = "keep_app"
	ResolutionManualMatch     Resolution = "manual_match"
	ResolutionSkip            Resolution = "skip"
)

// StatementLine is one settled movement on a bank statement.
type StatementLine struct {
	ID          string          `json:"id"`
	StatementID string          `json:"statement_id"`
	Date        time.Time       `json:"date"`
	Description string          `json:"description"`
	Amount      decimal.Decimal `json:"amount"`

	MatchStatus          LineMatchStatus `json:"match_status"`
	MatchedTransactionID *string         `json:"matched_transaction_id,omitempty"`

	// Discrepancy bookkeeping. HasDiscrepancy lines require an explicit
	// resolution before the statement can be locked.
	HasDiscrepancy bool       `json:"has_discrepancy"`
	Resolution     Resolution `json:"resolution,omitempty"`
}

// Period identifies a statement's month for an account.
type Period struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Contains reports whether t falls within the period, inclusive.
func (p Period) Contains(t time.Time) bool {
	return !t.Before(p.Start) && !t.After(p.End)
}

// Statement is a bank-issued periodic record of settled transactions. It is
// the canonical source during reconciliation.
type Statement struct {
	ID        string          `json:"id"`
	AccountID string          `json:"account_id"`
	Period    Period          `json:"period"`
	Status    StatementStatus `json:"status"`
	Lines     []StatementLine `json:"lines"`

	SourceEventID string    `json:"source_event_id,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
	Version       int64     `json:"version"`
}

// Unresolved returns the lines that still block locking: unmatched lines
// without a resolution and matched lines with an unresolved discrepancy.
func (s *Statement) Unresolved() []StatementLine {
	var out []StatementLine
	for _, ln := range s.Lines {
		if ln.Resolution != "" || ln.MatchStatus == LineSkipped {
			continue
		}
		if ln.MatchStatus == LineUnmatched || ln.HasDiscrepancy {
			out = append(out, ln)
		}
	}
	return out
}
