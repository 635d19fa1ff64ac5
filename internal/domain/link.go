package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// EntityType names the ledger entity kinds that links and audit entries
// refer to.
type EntityType string

const (
	EntityTransaction   EntityType = "transaction"
	EntityReceipt       EntityType = "receipt"
	EntityLink          EntityType = "link"
	EntityStatement     EntityType = "statement"
	EntityStatementLine EntityType = "statement_line"
	EntityRawEvent      EntityType = "raw_event"
)

// LinkType describes the semantic of an association between two entities.
type LinkType string

const (
	LinkReceiptMatch     LinkType = "receipt_match"
	LinkReimbursement    LinkType = "reimbursement"
	LinkBNPLInstallment  LinkType = "bnpl_installment"
	LinkInternalTransfer LinkType = "internal_transfer"
)

// CreatedBy distinguishes automatic decisions from manual ones.
type CreatedBy string

const (
	CreatedByAuto   CreatedBy = "auto"
	CreatedByManual CreatedBy = "manual"
)

// Link is a directed, amount-attributed association between two ledger
// entities. The (source, target, link_type) triple is unique.
type Link struct {
	ID string `json:"id"`

	SourceType EntityType `json:"source_type"`
	SourceID   string     `json:"source_id"`
	TargetType EntityType `json:"target_type"`
	TargetID   string     `json:"target_id"`

	LinkType LinkType `json:"link_type"`

	// AttributedAmount is the share of the source's amount this link
	// accounts for. Nil means the full amount.
	AttributedAmount *decimal.Decimal `json:"attributed_amount,omitempty"`

	CreatedBy       CreatedBy `json:"created_by"`
	ConfidenceScore float64   `json:"confidence_score"`
	CreatedAt       time.Time `json:"created_at"`
}

// MatchSuggestion is a medium-confidence candidate pairing surfaced for user
// confirmation instead of being linked automatically.
type MatchSuggestion struct {
	ID            string    `json:"id"`
	ReceiptID     string    `json:"receipt_id"`
	TransactionID string    `json:"transaction_id"`
	Score         float64   `json:"score"`
	Status        string    `json:"status"` // pending, accepted, dismissed
	CreatedAt     time.Time `json:"created_at"`
}
