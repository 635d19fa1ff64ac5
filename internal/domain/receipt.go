package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// ReceiptStatus is always derived from the receipt's links, never set
// directly by callers.
type ReceiptStatus string

const (
	ReceiptUnmatched        ReceiptStatus = "unmatched"
	ReceiptPartiallyMatched ReceiptStatus = "partially_matched"
	ReceiptMatched          ReceiptStatus = "matched"
)

// ReceiptLineItem is one purchased item on a receipt.
type ReceiptLineItem struct {
	Description string          `json:"description"`
	Quantity    decimal.Decimal `json:"quantity"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
	Total       decimal.Decimal `json:"total"`
}

// Receipt is an itemized proof of purchase awaiting association with one or
// more transactions.
type Receipt struct {
	ID        string `json:"id"`
	AccountID string `json:"account_id"`

	MerchantName string `json:"merchant_name"`
	MerchantNorm string `json:"merchant_norm"`

	Date        time.Time         `json:"date"`
	TotalAmount decimal.Decimal   `json:"total_amount"`
	Subtotal    *decimal.Decimal  `json:"subtotal,omitempty"`
	Tax         *decimal.Decimal  `json:"tax,omitempty"`
	Tip         *decimal.Decimal  `json:"tip,omitempty"`
	Currency    string            `json:"currency"`
	LineItems   []ReceiptLineItem `json:"line_items,omitempty"`

	Status   ReceiptStatus `json:"status"`
	Flags    []string      `json:"flags,omitempty"`
	Source   Source        `json:"source"`
	DedupKey *string       `json:"dedup_key,omitempty"`

	// Grace period: when set, a corroborating alert is awaited until this
	// time before a transaction is created from the receipt itself.
	TransactionDueAt *time.Time `json:"transaction_due_at,omitempty"`
	// ClaimedAt marks the sweep that took ownership of the due work item.
	ClaimedAt *time.Time `json:"claimed_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Version   int64     `json:"version"`
}

// HasFlag reports whether the named flag is set.
func (r *Receipt) HasFlag(name string) bool {
	for _, f := range r.Flags {
		if f == name {
			return true
		}
	}
	return false
}

// AddFlag sets the named flag if not already present.
func (r *Receipt) AddFlag(name string) {
	if !r.HasFlag(name) {
		r.Flags = append(r.Flags, name)
	}
}
