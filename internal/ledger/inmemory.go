package ledger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dvloznov/ledger-engine/internal/domain"
	"github.com/google/uuid"
)

// InMemory is a map-backed Repository used in tests and for single-process
// runs without a database. All returned entities are copies.
type InMemory struct {
	mu sync.RWMutex

	transactions map[string]*domain.Transaction
	txByDedup    map[string]string
	txOrder      []string

	receipts  map[string]*domain.Receipt
	rcByDedup map[string]string
	rcOrder   []string

	links     map[string]*domain.Link
	linkOrder []string

	statements map[string]*domain.Statement
	stOrder    []string

	suggestions map[string]*domain.MatchSuggestion
	sgOrder     []string
}

var _ Repository = (*InMemory)(nil)

func NewInMemory() *InMemory {
	return &InMemory{
		transactions: make(map[string]*domain.Transaction),
		txByDedup:    make(map[string]string),
		receipts:     make(map[string]*domain.Receipt),
		rcByDedup:    make(map[string]string),
		links:        make(map[string]*domain.Link),
		statements:   make(map[string]*domain.Statement),
		suggestions:  make(map[string]*domain.MatchSuggestion),
	}
}

func (m *InMemory) CreateTransaction(ctx context.Context, tx *domain.Transaction) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if tx.DedupKey != nil {
		if existing, ok := m.txByDedup[*tx.DedupKey]; ok {
			return existing, false, nil
		}
	}

	stored := copyTransaction(tx)
	if stored.ID == "" {
		stored.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	stored.CreatedAt = now
	stored.UpdatedAt = now
	stored.Version = 1

	m.transactions[stored.ID] = stored
	m.txOrder = append(m.txOrder, stored.ID)
	if stored.DedupKey != nil {
		m.txByDedup[*stored.DedupKey] = stored.ID
	}
	return stored.ID, true, nil
}

func (m *InMemory) GetTransaction(ctx context.Context, id string) (*domain.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	tx, ok := m.transactions[id]
	if !ok {
		return nil, fmt.Errorf("transaction %s: %w", id, domain.ErrNotFound)
	}
	return copyTransaction(tx), nil
}

func (m *InMemory) ListTransactions(ctx context.Context, f TransactionFilter) ([]*domain.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*domain.Transaction
	for _, id := range m.txOrder {
		tx, ok := m.transactions[id]
		if !ok {
			continue
		}
		if f.AccountID != "" && tx.AccountID != f.AccountID {
			continue
		}
		if f.Source != "" && tx.Source != f.Source {
			continue
		}
		if f.MerchantNorm != "" && tx.MerchantNorm != f.MerchantNorm {
			continue
		}
		if len(f.Statuses) > 0 && !containsStatus(f.Statuses, tx.Status) {
			continue
		}
		d := tx.EffectiveDate()
		if !f.From.IsZero() && d.Before(f.From) {
			continue
		}
		if !f.To.IsZero() && d.After(f.To) {
			continue
		}
		if len(f.DedupKeys) > 0 && (tx.DedupKey == nil || !containsString(f.DedupKeys, *tx.DedupKey)) {
			continue
		}
		out = append(out, copyTransaction(tx))
	}
	return out, nil
}

func (m *InMemory) UpdateTransaction(ctx context.Context, tx *domain.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.transactions[tx.ID]
	if !ok {
		return fmt.Errorf("transaction %s: %w", tx.ID, domain.ErrNotFound)
	}
	if current.Version != tx.Version {
		return fmt.Errorf("transaction %s: have v%d, got v%d: %w",
			tx.ID, current.Version, tx.Version, domain.ErrVersionConflict)
	}

	stored := copyTransaction(tx)
	stored.CreatedAt = current.CreatedAt
	stored.UpdatedAt = time.Now().UTC()
	stored.Version = current.Version + 1
	m.transactions[tx.ID] = stored

	tx.Version = stored.Version
	tx.UpdatedAt = stored.UpdatedAt
	return nil
}

func (m *InMemory) DeleteTransaction(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx, ok := m.transactions[id]
	if !ok {
		return fmt.Errorf("transaction %s: %w", id, domain.ErrNotFound)
	}
	if tx.DedupKey != nil {
		delete(m.txByDedup, *tx.DedupKey)
	}
	delete(m.transactions, id)
	return nil
}

func (m *InMemory) CreateReceipt(ctx context.Context, r *domain.Receipt) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if r.DedupKey != nil {
		if existing, ok := m.rcByDedup[*r.DedupKey]; ok {
			return existing, false, nil
		}
	}

	stored := copyReceipt(r)
	if stored.ID == "" {
		stored.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	stored.CreatedAt = now
	stored.UpdatedAt = now
	stored.Version = 1
	if stored.Status == "" {
		stored.Status = domain.ReceiptUnmatched
	}

	m.receipts[stored.ID] = stored
	m.rcOrder = append(m.rcOrder, stored.ID)
	if stored.DedupKey != nil {
		m.rcByDedup[*stored.DedupKey] = stored.ID
	}
	return stored.ID, true, nil
}

func (m *InMemory) GetReceipt(ctx context.Context, id string) (*domain.Receipt, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.receipts[id]
	if !ok {
		return nil, fmt.Errorf("receipt %s: %w", id, domain.ErrNotFound)
	}
	return copyReceipt(r), nil
}

func (m *InMemory) ListReceipts(ctx context.Context, f ReceiptFilter) ([]*domain.Receipt, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*domain.Receipt
	for _, id := range m.rcOrder {
		r, ok := m.receipts[id]
		if !ok {
			continue
		}
		if f.AccountID != "" && r.AccountID != f.AccountID {
			continue
		}
		if len(f.Statuses) > 0 && !containsReceiptStatus(f.Statuses, r.Status) {
			continue
		}
		if !f.DueBefore.IsZero() {
			if r.TransactionDueAt == nil || r.TransactionDueAt.After(f.DueBefore) {
				continue
			}
			if r.ClaimedAt != nil && (f.ReclaimBefore.IsZero() || r.ClaimedAt.After(f.ReclaimBefore)) {
				continue
			}
		}
		if len(f.DedupKeys) > 0 && (r.DedupKey == nil || !containsString(f.DedupKeys, *r.DedupKey)) {
			continue
		}
		out = append(out, copyReceipt(r))
	}
	return out, nil
}

func (m *InMemory) UpdateReceipt(ctx context.Context, r *domain.Receipt) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.receipts[r.ID]
	if !ok {
		return fmt.Errorf("receipt %s: %w", r.ID, domain.ErrNotFound)
	}
	if current.Version != r.Version {
		return fmt.Errorf("receipt %s: have v%d, got v%d: %w",
			r.ID, current.Version, r.Version, domain.ErrVersionConflict)
	}

	stored := copyReceipt(r)
	stored.CreatedAt = current.CreatedAt
	stored.UpdatedAt = time.Now().UTC()
	stored.Version = current.Version + 1
	m.receipts[r.ID] = stored

	r.Version = stored.Version
	r.UpdatedAt = stored.UpdatedAt
	return nil
}

func (m *InMemory) DeleteReceipt(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.receipts[id]
	if !ok {
		return fmt.Errorf("receipt %s: %w", id, domain.ErrNotFound)
	}
	if r.DedupKey != nil {
		delete(m.rcByDedup, *r.DedupKey)
	}
	delete(m.receipts, id)
	return nil
}

func (m *InMemory) CreateLink(ctx context.Context, l *domain.Link) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.links {
		if existing.SourceType == l.SourceType && existing.SourceID == l.SourceID &&
			existing.TargetType == l.TargetType && existing.TargetID == l.TargetID &&
			existing.LinkType == l.LinkType {
			return "", fmt.Errorf("duplicate link %s/%s -> %s/%s (%s): %w",
				l.SourceType, l.SourceID, l.TargetType, l.TargetID, l.LinkType,
				domain.ErrInvariantViolation)
		}
	}

	stored := copyLink(l)
	if stored.ID == "" {
		stored.ID = uuid.NewString()
	}
	stored.CreatedAt = time.Now().UTC()
	m.links[stored.ID] = stored
	m.linkOrder = append(m.linkOrder, stored.ID)
	return stored.ID, nil
}

func (m *InMemory) ListLinks(ctx context.Context, f LinkFilter) ([]*domain.Link, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*domain.Link
	for _, id := range m.linkOrder {
		l, ok := m.links[id]
		if !ok {
			continue
		}
		if f.LinkType != "" && l.LinkType != f.LinkType {
			continue
		}
		if f.EntityID != "" {
			sourceHit := l.SourceID == f.EntityID && (f.EntityType == "" || l.SourceType == f.EntityType)
			targetHit := l.TargetID == f.EntityID && (f.EntityType == "" || l.TargetType == f.EntityType)
			if !sourceHit && !targetHit {
				continue
			}
		}
		out = append(out, copyLink(l))
	}
	return out, nil
}

func (m *InMemory) DeleteLink(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.links[id]; !ok {
		return fmt.Errorf("link %s: %w", id, domain.ErrNotFound)
	}
	delete(m.links, id)
	return nil
}

func (m *InMemory) CreateStatement(ctx context.Context, s *domain.Statement) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored := copyStatement(s)
	if stored.ID == "" {
		stored.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	stored.CreatedAt = now
	stored.UpdatedAt = now
	stored.Version = 1
	for i := range stored.Lines {
		if stored.Lines[i].ID == "" {
			stored.Lines[i].ID = uuid.NewString()
		}
		stored.Lines[i].StatementID = stored.ID
		if stored.Lines[i].MatchStatus == "" {
			stored.Lines[i].MatchStatus = domain.LineUnmatched
		}
	}
	m.statements[stored.ID] = stored
	m.stOrder = append(m.stOrder, stored.ID)

	s.ID = stored.ID
	return stored.ID, nil
}

func (m *InMemory) GetStatement(ctx context.Context, id string) (*domain.Statement, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.statements[id]
	if !ok {
		return nil, fmt.Errorf("statement %s: %w", id, domain.ErrNotFound)
	}
	return copyStatement(s), nil
}

func (m *InMemory) ListStatements(ctx context.Context, f StatementFilter) ([]*domain.Statement, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*domain.Statement
	for _, id := range m.stOrder {
		s, ok := m.statements[id]
		if !ok {
			continue
		}
		if f.AccountID != "" && s.AccountID != f.AccountID {
			continue
		}
		if len(f.Statuses) > 0 && !containsStatementStatus(f.Statuses, s.Status) {
			continue
		}
		out = append(out, copyStatement(s))
	}
	return out, nil
}

func (m *InMemory) UpdateStatement(ctx context.Context, s *domain.Statement) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.statements[s.ID]
	if !ok {
		return fmt.Errorf("statement %s: %w", s.ID, domain.ErrNotFound)
	}
	if current.Version != s.Version {
		return fmt.Errorf("statement %s: have v%d, got v%d: %w",
			s.ID, current.Version, s.Version, domain.ErrVersionConflict)
	}

	stored := copyStatement(s)
	stored.CreatedAt = current.CreatedAt
	stored.UpdatedAt = time.Now().UTC()
	stored.Version = current.Version + 1
	m.statements[s.ID] = stored

	s.Version = stored.Version
	s.UpdatedAt = stored.UpdatedAt
	return nil
}

func (m *InMemory) CreateSuggestion(ctx context.Context, s *domain.MatchSuggestion) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored := *s
	if stored.ID == "" {
		stored.ID = uuid.NewString()
	}
	stored.CreatedAt = time.Now().UTC()
	if stored.Status == "" {
		stored.Status = "pending"
	}
	m.suggestions[stored.ID] = &stored
	m.sgOrder = append(m.sgOrder, stored.ID)
	return stored.ID, nil
}

func (m *InMemory) ListSuggestions(ctx context.Context, f SuggestionFilter) ([]*domain.MatchSuggestion, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*domain.MatchSuggestion
	for _, id := range m.sgOrder {
		s, ok := m.suggestions[id]
		if !ok {
			continue
		}
		if f.ReceiptID != "" && s.ReceiptID != f.ReceiptID {
			continue
		}
		if f.TransactionID != "" && s.TransactionID != f.TransactionID {
			continue
		}
		if f.Status != "" && s.Status != f.Status {
			continue
		}
		cp := *s
		out = append(out, &cp)
	}
	return out, nil
}

func (m *InMemory) UpdateSuggestion(ctx context.Context, s *domain.MatchSuggestion) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.suggestions[s.ID]; !ok {
		return fmt.Errorf("suggestion %s: %w", s.ID, domain.ErrNotFound)
	}
	cp := *s
	m.suggestions[s.ID] = &cp
	return nil
}

func (m *InMemory) DeleteByDedupKeys(ctx context.Context, keys []string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	deleted := 0
	removed := make(map[string]bool)
	for _, key := range keys {
		if id, ok := m.txByDedup[key]; ok {
			delete(m.transactions, id)
			delete(m.txByDedup, key)
			removed[id] = true
			deleted++
		}
		if id, ok := m.rcByDedup[key]; ok {
			delete(m.receipts, id)
			delete(m.rcByDedup, key)
			removed[id] = true
			deleted++
		}
	}

	// Links pointing at removed entities go with them.
	for id, l := range m.links {
		if removed[l.SourceID] || removed[l.TargetID] {
			delete(m.links, id)
		}
	}
	return deleted, nil
}

func copyTransaction(tx *domain.Transaction) *domain.Transaction {
	cp := *tx
	cp.CategoryAttributions = append([]domain.CategoryAttribution(nil), tx.CategoryAttributions...)
	cp.Flags = append([]string(nil), tx.Flags...)
	return &cp
}

func copyReceipt(r *domain.Receipt) *domain.Receipt {
	cp := *r
	cp.LineItems = append([]domain.ReceiptLineItem(nil), r.LineItems...)
	cp.Flags = append([]string(nil), r.Flags...)
	return &cp
}

func copyLink(l *domain.Link) *domain.Link {
	cp := *l
	return &cp
}

func copyStatement(s *domain.Statement) *domain.Statement {
	cp := *s
	cp.Lines = append([]domain.StatementLine(nil), s.Lines...)
	return &cp
}

func containsStatus(haystack []domain.TransactionStatus, needle domain.TransactionStatus) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}

func containsReceiptStatus(haystack []domain.ReceiptStatus, needle domain.ReceiptStatus) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}

func containsStatementStatus(haystack []domain.StatementStatus, needle domain.StatementStatus) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}

func containsString(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}
