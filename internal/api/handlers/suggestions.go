package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/dvloznov/ledger-engine/internal/api/middleware"
	"github.com/dvloznov/ledger-engine/internal/ledger"
	"github.com/dvloznov/ledger-engine/internal/match"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
)

// SuggestionsHandler surfaces medium-confidence match candidates for
// confirmation or dismissal.
type SuggestionsHandler struct {
	svc *ledger.Service
	eng *match.Engine
	log zerolog.Logger
}

// List handles GET /api/suggestions. Defaults to pending.
func (h *SuggestionsHandler) List(w http.ResponseWriter, r *http.Request) {
	status := r.URL.Query().Get("status")
	if status == "" {
		status = "pending"
	}

	suggestions, err := h.svc.Repo().ListSuggestions(r.Context(), ledger.SuggestionFilter{Status: status})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"suggestions": suggestions,
		"count":       len(suggestions),
	})
}

// Accept handles POST /api/suggestions/{id}/accept: the confirmed pairing
// becomes a manual link.
func (h *SuggestionsHandler) Accept(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Actor string `json:"actor"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		middleware.WriteError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	link, err := h.eng.AcceptSuggestion(r.Context(), mux.Vars(r)["id"], actorOf(r, req.Actor))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, link)
}

// Dismiss handles POST /api/suggestions/{id}/dismiss.
func (h *SuggestionsHandler) Dismiss(w http.ResponseWriter, r *http.Request) {
	if err := h.eng.DismissSuggestion(r.Context(), mux.Vars(r)["id"]); err != nil {
		writeDomainError(w, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, map[string]string{"status": "dismissed"})
}
