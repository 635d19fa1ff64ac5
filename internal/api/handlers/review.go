package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/dvloznov/ledger-engine/internal/api/middleware"
	"github.com/dvloznov/ledger-engine/internal/domain"
	"github.com/dvloznov/ledger-engine/internal/jobs"
	"github.com/dvloznov/ledger-engine/internal/review"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
)

// ReviewHandler covers the human review queue.
type ReviewHandler struct {
	svc       *review.Service
	publisher jobs.Publisher
	log       zerolog.Logger
}

// List handles GET /api/review. Returns pending items oldest first.
func (h *ReviewHandler) List(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			middleware.WriteError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	items, err := h.svc.Pending(r.Context(), limit)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"items": items,
		"count": len(items),
	})
}

// Accept handles POST /api/review/{id}/accept.
func (h *ReviewHandler) Accept(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Actor string `json:"actor"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		middleware.WriteError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	item, err := h.svc.Accept(r.Context(), mux.Vars(r)["id"], actorOf(r, req.Actor))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, item)
}

// Reclassify handles POST /api/review/{id}/reclassify: the item is
// resolved and the underlying event is reprocessed with the corrected kind.
func (h *ReviewHandler) Reclassify(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Kind  domain.EventKind `json:"kind"`
		Actor string           `json:"actor"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		middleware.WriteError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	item, err := h.svc.Reclassify(r.Context(), mux.Vars(r)["id"], actorOf(r, req.Actor), req.Kind)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	job := &jobs.ProcessEventJob{
		EventID:    item.RawEventID,
		ForcedKind: string(req.Kind),
	}
	if err := h.publisher.PublishProcessEvent(r.Context(), job); err != nil {
		h.log.Error().Err(err).Str("event_id", item.RawEventID).Msg("Failed to enqueue reprocessing")
		middleware.WriteError(w, http.StatusInternalServerError, "Failed to enqueue reprocessing")
		return
	}
	middleware.WriteJSON(w, http.StatusOK, item)
}

// Dismiss handles POST /api/review/{id}/dismiss.
func (h *ReviewHandler) Dismiss(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Actor string `json:"actor"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		middleware.WriteError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	item, err := h.svc.Dismiss(r.Context(), mux.Vars(r)["id"], actorOf(r, req.Actor))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, item)
}
