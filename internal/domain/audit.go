package domain

import (
	"encoding/json"
	"time"
)

// AuditAction names the mutation recorded by an audit entry.
type AuditAction string

const (
	AuditCreate  AuditAction = "create"
	AuditUpdate  AuditAction = "update"
	AuditDelete  AuditAction = "delete"
	AuditAdvance AuditAction = "status_advance"
	AuditUnlock  AuditAction = "unlock"
	AuditLock    AuditAction = "lock"
	AuditLink    AuditAction = "link"
)

// AuditEntry is one append-only record of a ledger mutation, written in the
// same unit of work as the mutation itself. Before/After hold JSON
// snapshots of the entity around the change.
type AuditEntry struct {
	ID         string      `json:"id"`
	EntityType EntityType  `json:"entity_type"`
	EntityID   string      `json:"entity_id"`
	Action     AuditAction `json:"action"`

	Actor  string `json:"actor"`
	Reason string `json:"reason,omitempty"`

	Before json.RawMessage `json:"before,omitempty"`
	After  json.RawMessage `json:"after,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// AuditFilter narrows an audit query. Zero values mean "any".
type AuditFilter struct {
	EntityType EntityType
	EntityID   string
	Actor      string
	From       time.Time
	To         time.Time
	Limit      int
}
