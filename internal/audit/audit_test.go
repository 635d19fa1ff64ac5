package audit

import (
	"context"
	"testing"
	"time"

	"github.com/dvloznov/ledger-engine/internal/domain"
)

func TestAppendAssignsIDAndTimestamp(t *testing.T) {
	log := NewInMemory()
	entry := &domain.AuditEntry{
		EntityType: domain.EntityTransaction,
		EntityID:   "tx-1",
		Action:     domain.AuditCreate,
		Actor:      "system",
	}
	if err := log.Append(context.Background(), entry); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if entry.ID == "" {
		t.Error("Append() did not assign an ID")
	}
	if entry.CreatedAt.IsZero() {
		t.Error("Append() did not assign CreatedAt")
	}
}

func TestListFilters(t *testing.T) {
	log := NewInMemory()
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	entries := []*domain.AuditEntry{
		{EntityType: domain.EntityTransaction, EntityID: "tx-1", Action: domain.AuditCreate, Actor: "system", CreatedAt: base},
		{EntityType: domain.EntityTransaction, EntityID: "tx-1", Action: domain.AuditUpdate, Actor: "user-7", CreatedAt: base.Add(time.Hour)},
		{EntityType: domain.EntityStatement, EntityID: "st-1", Action: domain.AuditLock, Actor: "user-7", CreatedAt: base.Add(2 * time.Hour)},
	}
	for _, e := range entries {
		if err := log.Append(ctx, e); err != nil {
			t.Fatalf("Append() error = %v", err)
		}
	}

	byEntity, err := log.List(ctx, domain.AuditFilter{EntityType: domain.EntityTransaction, EntityID: "tx-1"})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(byEntity) != 2 {
		t.Errorf("List(by entity) = %d entries, want 2", len(byEntity))
	}

	byActor, err := log.List(ctx, domain.AuditFilter{Actor: "user-7"})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(byActor) != 2 {
		t.Errorf("List(by actor) = %d entries, want 2", len(byActor))
	}

	windowed, err := log.List(ctx, domain.AuditFilter{From: base.Add(30 * time.Minute), Limit: 1})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(windowed) != 1 || windowed[0].Action != domain.AuditUpdate {
		t.Errorf("List(windowed) = %+v, want single update entry", windowed)
	}
}

func TestListReturnsCopies(t *testing.T) {
	log := NewInMemory()
	ctx := context.Background()
	if err := log.Append(ctx, &domain.AuditEntry{EntityType: domain.EntityReceipt, EntityID: "r-1", Action: domain.AuditCreate}); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	got, _ := log.List(ctx, domain.AuditFilter{})
	got[0].EntityID = "mutated"
	again, _ := log.List(ctx, domain.AuditFilter{})
	if again[0].EntityID != "r-1" {
		t.Error("List() exposed internal entry to caller mutation")
	}
}
