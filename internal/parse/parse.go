// Package parse turns classified raw content into structured candidate
// records with per-field confidence. Parsers never write to the ledger;
// they propose candidates that the pipeline hands to matching and the
// repository. Failures carry the raw content and are routed to review by
// the caller, never dropped.
package parse

import (
	"fmt"
	"time"

	"github.com/dvloznov/ledger-engine/internal/domain"
	"github.com/shopspring/decimal"
)

// FieldConfidence maps field name to confidence in [0, 1]. Template
// matches are fixed at 1 per matched field.
type FieldConfidence map[string]float64

// TransactionCandidate is a proposed money movement parsed from an alert.
type TransactionCandidate struct {
	AccountID    string
	Amount       decimal.Decimal
	Currency     string
	Direction    domain.Direction
	Date         time.Time
	MerchantName string

	Confidence FieldConfidence
	Flags      []string
}

// ReceiptCandidate is a proposed receipt parsed from a receipt email or
// scan.
type ReceiptCandidate struct {
	AccountID    string
	MerchantName string
	Date         time.Time
	TotalAmount  decimal.Decimal
	Subtotal     *decimal.Decimal
	Tax          *decimal.Decimal
	Tip          *decimal.Decimal
	Currency     string
	LineItems    []domain.ReceiptLineItem

	Confidence FieldConfidence
	Flags      []string
}

// StatementLineCandidate is one row of a parsed statement.
type StatementLineCandidate struct {
	Date        time.Time
	Description string
	Amount      decimal.Decimal
}

// StatementCandidate is a proposed statement with its lines and inferred
// period.
type StatementCandidate struct {
	AccountID   string
	PeriodStart time.Time
	PeriodEnd   time.Time
	Lines       []StatementLineCandidate

	Confidence FieldConfidence
	Flags      []string
}

// failure builds a ParseFailure carrying context. errors.Is matches
// domain.ErrParseFailure.
func failure(format string, args ...interface{}) error {
	return fmt.Errorf(format+": %w", append(args, domain.ErrParseFailure)...)
}
