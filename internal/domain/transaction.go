package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// TransactionStatus is the position of a transaction in its lifecycle.
// Transitions only ever move forward; any regression goes through an
// explicit, audited unlock.
type TransactionStatus string

const (
	TransactionUnconfirmed TransactionStatus = "unconfirmed"
	TransactionConfirmed   TransactionStatus = "confirmed"
	TransactionReconciled  TransactionStatus = "reconciled"
)

// statusRank orders statuses for monotonicity checks.
var statusRank = map[TransactionStatus]int{
	TransactionUnconfirmed: 0,
	TransactionConfirmed:   1,
	TransactionReconciled:  2,
}

// CanAdvanceTo reports whether moving from s to next is a forward transition.
func (s TransactionStatus) CanAdvanceTo(next TransactionStatus) bool {
	from, ok1 := statusRank[s]
	to, ok2 := statusRank[next]
	return ok1 && ok2 && to > from
}

// Direction distinguishes money out from money in.
type Direction string

const (
	DirectionDebit  Direction = "debit"
	DirectionCredit Direction = "credit"
)

// Source records which ingestion path produced a ledger entity.
type Source string

const (
	SourceManual    Source = "manual"
	SourceAlert     Source = "alert"
	SourceReceipt   Source = "receipt"
	SourceStatement Source = "statement"
)

// Transaction flags. Flags are only ever added or acknowledged, never
// silently cleared.
const (
	FlagAmountMismatch = "amount_mismatch"
	FlagDateMismatch   = "date_mismatch"
	FlagTotalsDisagree = "totals_disagree"
)

// CategoryAttribution splits a transaction's amount across categories.
// When non-empty, the attributed amounts must sum to the transaction amount.
type CategoryAttribution struct {
	CategoryID string          `json:"category_id"`
	Amount     decimal.Decimal `json:"amount"`
}

// Transaction is the canonical money-movement record.
type Transaction struct {
	ID        string `json:"id"`
	AccountID string `json:"account_id"`

	AmountAlert         decimal.Decimal  `json:"amount_alert"`
	AmountSettled       *decimal.Decimal `json:"amount_settled,omitempty"`
	Currency            string           `json:"currency"`
	ExchangeRateAlert   *decimal.Decimal `json:"exchange_rate_alert,omitempty"`
	ExchangeRateSettled *decimal.Decimal `json:"exchange_rate_settled,omitempty"`

	Direction   Direction  `json:"direction"`
	DateAlert   time.Time  `json:"date_alert"`
	DateSettled *time.Time `json:"date_settled,omitempty"`

	MerchantName string `json:"merchant_name"`
	MerchantNorm string `json:"merchant_norm"`

	Status               TransactionStatus     `json:"status"`
	CategoryAttributions []CategoryAttribution `json:"category_attributions,omitempty"`

	IsTransfer    bool    `json:"is_transfer"`
	TransferParty *string `json:"transfer_party,omitempty"`

	Flags    []string `json:"flags,omitempty"`
	Source   Source   `json:"source"`
	DedupKey *string  `json:"dedup_key,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// Version supports optimistic concurrency at the repository boundary.
	Version int64 `json:"version"`
}

// EffectiveAmount is the settled amount when present, the alert amount
// otherwise. Link attribution conservation is checked against this value.
func (t *Transaction) EffectiveAmount() decimal.Decimal {
	if t.AmountSettled != nil {
		return *t.AmountSettled
	}
	return t.AmountAlert
}

// EffectiveDate is the settled date when present, the alert date otherwise.
func (t *Transaction) EffectiveDate() time.Time {
	if t.DateSettled != nil {
		return *t.DateSettled
	}
	return t.DateAlert
}

// HasFlag reports whether the named flag is set.
func (t *Transaction) HasFlag(name string) bool {
	for _, f := range t.Flags {
		if f == name {
			return true
		}
	}
	return false
}

// AddFlag sets the named flag if not already present.
func (t *Transaction) AddFlag(name string) {
	if !t.HasFlag(name) {
		t.Flags = append(t.Flags, name)
	}
}
