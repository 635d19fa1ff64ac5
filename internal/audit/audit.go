// Package audit is the append-only record of ledger mutations. Entries are
// written by the ledger service in the same unit of work as the mutation
// they describe and are never updated or deleted.
package audit

import (
	"context"
	"encoding/json"

	"github.com/dvloznov/ledger-engine/internal/domain"
)

// Log stores and queries audit entries.
type Log interface {
	// Append records one entry. The store assigns ID and CreatedAt when
	// unset.
	Append(ctx context.Context, entry *domain.AuditEntry) error

	// List returns entries matching the filter, oldest first.
	List(ctx context.Context, filter domain.AuditFilter) ([]*domain.AuditEntry, error)
}

// Snapshot serializes an entity for a Before/After diff. Marshal errors
// collapse to null rather than failing the mutation.
func Snapshot(v interface{}) json.RawMessage {
	if v == nil {
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return b
}
