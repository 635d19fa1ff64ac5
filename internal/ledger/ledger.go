// Package ledger owns the canonical entities (Transaction, Receipt, Link,
// Statement) and enforces the status state machine and the linking
// invariants. Parsers and the matcher only propose writes; every mutation
// passes through here so invariants and audit entries apply uniformly.
package ledger

import (
	"context"
	"time"

	"github.com/dvloznov/ledger-engine/internal/domain"
)

// TransactionFilter narrows a transaction listing. Zero values mean "any".
// From/To bound the effective date, inclusive.
type TransactionFilter struct {
	AccountID    string
	Statuses     []domain.TransactionStatus
	Source       domain.Source
	MerchantNorm string
	From         time.Time
	To           time.Time
	DedupKeys    []string
}

// ReceiptFilter narrows a receipt listing. DueBefore selects unclaimed
// receipts whose grace period has expired; ReclaimBefore additionally
// admits receipts whose claim predates it, so a claim stranded by a crash
// can be swept again.
type ReceiptFilter struct {
	AccountID     string
	Statuses      []domain.ReceiptStatus
	DueBefore     time.Time
	ReclaimBefore time.Time
	DedupKeys     []string
}

// LinkFilter narrows a link listing. EntityID matches either end of the
// link when EntityType is unset, the named end otherwise.
type LinkFilter struct {
	EntityType domain.EntityType
	EntityID   string
	LinkType   domain.LinkType
}

// SuggestionFilter narrows a suggestion listing.
type SuggestionFilter struct {
	ReceiptID     string
	TransactionID string
	Status        string
}

// StatementFilter narrows a statement listing.
type StatementFilter struct {
	AccountID string
	Statuses  []domain.StatementStatus
}

// Repository is the storage boundary for ledger entities. It guarantees
// dedup-key uniqueness, link-triple uniqueness and optimistic versioning;
// the Service layers the state machine and attribution invariants on top.
type Repository interface {
	// CreateTransaction stores the transaction. When its dedup key is
	// already present the call is an idempotent no-op returning the
	// existing id and created=false.
	CreateTransaction(ctx context.Context, tx *domain.Transaction) (string, bool, error)
	GetTransaction(ctx context.Context, id string) (*domain.Transaction, error)
	ListTransactions(ctx context.Context, f TransactionFilter) ([]*domain.Transaction, error)
	// UpdateTransaction replaces the stored record when the version
	// matches, returning domain.ErrVersionConflict otherwise.
	UpdateTransaction(ctx context.Context, tx *domain.Transaction) error
	DeleteTransaction(ctx context.Context, id string) error

	CreateReceipt(ctx context.Context, r *domain.Receipt) (string, bool, error)
	GetReceipt(ctx context.Context, id string) (*domain.Receipt, error)
	ListReceipts(ctx context.Context, f ReceiptFilter) ([]*domain.Receipt, error)
	UpdateReceipt(ctx context.Context, r *domain.Receipt) error
	DeleteReceipt(ctx context.Context, id string) error

	// CreateLink rejects a duplicate (source, target, link_type) triple
	// with domain.ErrInvariantViolation.
	CreateLink(ctx context.Context, l *domain.Link) (string, error)
	ListLinks(ctx context.Context, f LinkFilter) ([]*domain.Link, error)
	DeleteLink(ctx context.Context, id string) error

	CreateStatement(ctx context.Context, s *domain.Statement) (string, error)
	GetStatement(ctx context.Context, id string) (*domain.Statement, error)
	ListStatements(ctx context.Context, f StatementFilter) ([]*domain.Statement, error)
	UpdateStatement(ctx context.Context, s *domain.Statement) error

	CreateSuggestion(ctx context.Context, s *domain.MatchSuggestion) (string, error)
	ListSuggestions(ctx context.Context, f SuggestionFilter) ([]*domain.MatchSuggestion, error)
	UpdateSuggestion(ctx context.Context, s *domain.MatchSuggestion) error

	// DeleteByDedupKeys removes transactions and receipts carrying any of
	// the given dedup keys, along with their links. Used by replay's clean
	// mode.
	DeleteByDedupKeys(ctx context.Context, keys []string) (int, error)
}
