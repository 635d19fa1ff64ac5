package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/dvloznov/ledger-engine/internal/api/middleware"
	"github.com/dvloznov/ledger-engine/internal/audit"
	"github.com/dvloznov/ledger-engine/internal/domain"
)

// AuditHandler exposes the append-only audit trail, read-only.
type AuditHandler struct {
	log audit.Log
}

// List handles GET /api/audit.
func (h *AuditHandler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := domain.AuditFilter{
		EntityType: domain.EntityType(q.Get("entity_type")),
		EntityID:   q.Get("entity_id"),
		Actor:      q.Get("actor"),
	}
	if v := q.Get("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			middleware.WriteError(w, http.StatusBadRequest, "from must be RFC3339")
			return
		}
		f.From = t
	}
	if v := q.Get("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			middleware.WriteError(w, http.StatusBadRequest, "to must be RFC3339")
			return
		}
		f.To = t
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			middleware.WriteError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		f.Limit = n
	}

	entries, err := h.log.List(r.Context(), f)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"entries": entries,
		"count":   len(entries),
	})
}
