package handlers

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/dvloznov/ledger-engine/internal/api/middleware"
	"github.com/dvloznov/ledger-engine/internal/blobstore"
	"github.com/dvloznov/ledger-engine/internal/domain"
	"github.com/dvloznov/ledger-engine/internal/eventstore"
	"github.com/dvloznov/ledger-engine/internal/jobs"
	"github.com/dvloznov/ledger-engine/internal/ledger"
	"github.com/dvloznov/ledger-engine/internal/reconcile"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
)

const maxUploadSize = 32 << 20 // 32 MiB

// StatementsHandler covers statement upload and the reconciliation
// workflow endpoints.
type StatementsHandler struct {
	svc       *ledger.Service
	wf        *reconcile.Workflow
	store     eventstore.Store
	publisher jobs.Publisher
	blobs     blobstore.Store
	log       zerolog.Logger
}

// Upload handles POST /api/statements/upload. The file lands in the blob
// store and enters the system as a raw upload event, so statement imports
// share the pipeline's dedup and replay guarantees.
func (h *StatementsHandler) Upload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if err := r.ParseMultipartForm(maxUploadSize); err != nil {
		middleware.WriteError(w, http.StatusBadRequest, "Invalid multipart form")
		return
	}
	accountID := r.FormValue("account_id")
	if accountID == "" {
		middleware.WriteError(w, http.StatusBadRequest, "account_id is required")
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		middleware.WriteError(w, http.StatusBadRequest, "file is required")
		return
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, maxUploadSize))
	if err != nil {
		middleware.WriteError(w, http.StatusBadRequest, "Failed to read file")
		return
	}

	contentType := header.Header.Get("Content-Type")
	uri, err := h.blobs.Put(ctx, uuid.NewString()+"-"+header.Filename, data, contentType)
	if err != nil {
		h.log.Error().Err(err).Str("filename", header.Filename).Msg("Failed to store upload")
		middleware.WriteError(w, http.StatusInternalServerError, "Failed to store upload")
		return
	}

	externalID := r.FormValue("external_id")
	if externalID == "" {
		externalID = "upload-" + uuid.NewString()
	}

	ev := &domain.RawEvent{
		ExternalID: externalID,
		SourceKind: domain.SourceKindUpload,
		Headers:    map[string]string{"X-Account-ID": accountID},
		Body:       fmt.Sprintf("statement upload %s", header.Filename),
		Attachments: []domain.Attachment{{
			Filename:    header.Filename,
			ContentType: contentType,
			BlobURI:     uri,
		}},
	}

	id, created, err := h.store.Store(ctx, ev)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if created {
		if err := h.publisher.PublishProcessEvent(ctx, &jobs.ProcessEventJob{EventID: id}); err != nil {
			h.log.Error().Err(err).Str("event_id", id).Msg("Failed to enqueue processing")
			middleware.WriteError(w, http.StatusInternalServerError, "Failed to enqueue processing")
			return
		}
	}

	status := http.StatusAccepted
	if !created {
		status = http.StatusOK
	}
	middleware.WriteJSON(w, status, map[string]interface{}{
		"event_id": id,
		"created":  created,
	})
}

// List handles GET /api/statements.
func (h *StatementsHandler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := ledger.StatementFilter{AccountID: q.Get("account_id")}
	if s := q.Get("status"); s != "" {
		f.Statuses = []domain.StatementStatus{domain.StatementStatus(s)}
	}

	statements, err := h.svc.Repo().ListStatements(r.Context(), f)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"statements": statements,
		"count":      len(statements),
	})
}

// Get handles GET /api/statements/{id}.
func (h *StatementsHandler) Get(w http.ResponseWriter, r *http.Request) {
	st, err := h.svc.Repo().GetStatement(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeDomainError(w, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, st)
}

// Orphans handles GET /api/statements/{id}/orphans: app transactions in
// the statement period that no line explains.
func (h *StatementsHandler) Orphans(w http.ResponseWriter, r *http.Request) {
	txs, err := h.wf.Orphans(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeDomainError(w, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"orphans": txs,
		"count":   len(txs),
	})
}

// ResolveLine handles POST /api/statements/{id}/lines/{lineID}/resolve.
func (h *StatementsHandler) ResolveLine(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Resolution    domain.Resolution `json:"resolution"`
		TransactionID string            `json:"transaction_id"`
		Actor         string            `json:"actor"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		middleware.WriteError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	vars := mux.Vars(r)
	st, err := h.wf.ResolveLine(r.Context(), vars["id"], vars["lineID"], req.Resolution, req.TransactionID, actorOf(r, req.Actor))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, st)
}

// Lock handles POST /api/statements/{id}/lock.
func (h *StatementsHandler) Lock(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Actor string `json:"actor"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		middleware.WriteError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	st, err := h.wf.Lock(r.Context(), mux.Vars(r)["id"], actorOf(r, req.Actor))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, st)
}

// Unlock handles POST /api/statements/{id}/unlock.
func (h *StatementsHandler) Unlock(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Actor  string `json:"actor"`
		Reason string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		middleware.WriteError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Actor == "" || req.Reason == "" {
		middleware.WriteError(w, http.StatusBadRequest, "actor and reason are required")
		return
	}

	st, err := h.wf.Unlock(r.Context(), mux.Vars(r)["id"], req.Actor, req.Reason)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, st)
}
