// Package handlers exposes the engine over HTTP. Handlers decode, call a
// service, and encode; invariants live in the services, not here.
package handlers

import (
	"errors"
	"net/http"

	"github.com/dvloznov/ledger-engine/internal/api/middleware"
	"github.com/dvloznov/ledger-engine/internal/audit"
	"github.com/dvloznov/ledger-engine/internal/blobstore"
	"github.com/dvloznov/ledger-engine/internal/domain"
	"github.com/dvloznov/ledger-engine/internal/eventstore"
	"github.com/dvloznov/ledger-engine/internal/jobs"
	"github.com/dvloznov/ledger-engine/internal/ledger"
	"github.com/dvloznov/ledger-engine/internal/match"
	"github.com/dvloznov/ledger-engine/internal/reconcile"
	"github.com/dvloznov/ledger-engine/internal/review"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
)

// Deps collects everything the HTTP surface needs.
type Deps struct {
	Events    eventstore.Store
	Replayer  *eventstore.Replayer
	Ledger    *ledger.Service
	Match     *match.Engine
	Reconcile *reconcile.Workflow
	Reviews   *review.Service
	Audit     audit.Log
	Publisher jobs.Publisher
	Blobs     blobstore.Store
	Log       zerolog.Logger
}

// NewRouter builds the full route table with the standard middleware chain.
func NewRouter(d Deps) *mux.Router {
	r := mux.NewRouter()
	r.Use(middleware.Recovery(d.Log))
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger(d.Log))
	r.Use(middleware.CORS)

	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		middleware.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}).Methods(http.MethodGet)

	events := &EventsHandler{store: d.Events, replayer: d.Replayer, publisher: d.Publisher, blobs: d.Blobs, log: d.Log}
	r.HandleFunc("/api/events", events.Intake).Methods(http.MethodPost)
	r.HandleFunc("/api/events/{id}", events.Get).Methods(http.MethodGet)
	r.HandleFunc("/api/replay", events.Replay).Methods(http.MethodPost)

	txs := &LedgerHandler{svc: d.Ledger, eng: d.Match, wf: d.Reconcile, log: d.Log}
	r.HandleFunc("/api/transactions", txs.List).Methods(http.MethodGet)
	r.HandleFunc("/api/transactions", txs.Create).Methods(http.MethodPost)
	r.HandleFunc("/api/transactions/{id}", txs.Get).Methods(http.MethodGet)
	r.HandleFunc("/api/transactions/{id}/advance", txs.Advance).Methods(http.MethodPost)
	r.HandleFunc("/api/transactions/{id}/unlock", txs.Unlock).Methods(http.MethodPost)
	r.HandleFunc("/api/transactions/{id}/acknowledge", txs.AcknowledgeFlag).Methods(http.MethodPost)
	r.HandleFunc("/api/transactions/{id}/attributions", txs.SetAttributions).Methods(http.MethodPost)
	r.HandleFunc("/api/receipts", txs.ListReceipts).Methods(http.MethodGet)
	r.HandleFunc("/api/receipts/{id}", txs.GetReceipt).Methods(http.MethodGet)
	r.HandleFunc("/api/links", txs.CreateLink).Methods(http.MethodPost)
	r.HandleFunc("/api/links/{id}", txs.DeleteLink).Methods(http.MethodDelete)
	r.HandleFunc("/api/transfers", txs.CreateTransfer).Methods(http.MethodPost)

	sugg := &SuggestionsHandler{svc: d.Ledger, eng: d.Match, log: d.Log}
	r.HandleFunc("/api/suggestions", sugg.List).Methods(http.MethodGet)
	r.HandleFunc("/api/suggestions/{id}/accept", sugg.Accept).Methods(http.MethodPost)
	r.HandleFunc("/api/suggestions/{id}/dismiss", sugg.Dismiss).Methods(http.MethodPost)

	st := &StatementsHandler{svc: d.Ledger, wf: d.Reconcile, store: d.Events, publisher: d.Publisher, blobs: d.Blobs, log: d.Log}
	r.HandleFunc("/api/statements", st.List).Methods(http.MethodGet)
	r.HandleFunc("/api/statements/upload", st.Upload).Methods(http.MethodPost)
	r.HandleFunc("/api/statements/{id}", st.Get).Methods(http.MethodGet)
	r.HandleFunc("/api/statements/{id}/orphans", st.Orphans).Methods(http.MethodGet)
	r.HandleFunc("/api/statements/{id}/lock", st.Lock).Methods(http.MethodPost)
	r.HandleFunc("/api/statements/{id}/unlock", st.Unlock).Methods(http.MethodPost)
	r.HandleFunc("/api/statements/{id}/lines/{lineID}/resolve", st.ResolveLine).Methods(http.MethodPost)

	rev := &ReviewHandler{svc: d.Reviews, publisher: d.Publisher, log: d.Log}
	r.HandleFunc("/api/review", rev.List).Methods(http.MethodGet)
	r.HandleFunc("/api/review/{id}/accept", rev.Accept).Methods(http.MethodPost)
	r.HandleFunc("/api/review/{id}/reclassify", rev.Reclassify).Methods(http.MethodPost)
	r.HandleFunc("/api/review/{id}/dismiss", rev.Dismiss).Methods(http.MethodPost)

	aud := &AuditHandler{log: d.Audit}
	r.HandleFunc("/api/audit", aud.List).Methods(http.MethodGet)

	return r
}

// writeDomainError maps domain sentinel errors to HTTP statuses.
func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		middleware.WriteError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, domain.ErrVersionConflict),
		errors.Is(err, domain.ErrDuplicateEvent):
		middleware.WriteError(w, http.StatusConflict, err.Error())
	case errors.Is(err, domain.ErrInvariantViolation),
		errors.Is(err, domain.ErrParseFailure):
		middleware.WriteError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, domain.ErrLockedPeriod):
		middleware.WriteError(w, http.StatusLocked, err.Error())
	default:
		middleware.WriteError(w, http.StatusInternalServerError, err.Error())
	}
}
