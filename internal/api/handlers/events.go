package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/dvloznov/ledger-engine/internal/api/middleware"
	"github.com/dvloznov/ledger-engine/internal/blobstore"
	"github.com/dvloznov/ledger-engine/internal/domain"
	"github.com/dvloznov/ledger-engine/internal/eventstore"
	"github.com/dvloznov/ledger-engine/internal/jobs"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
)

// EventsHandler covers raw event intake and replay control.
type EventsHandler struct {
	store     eventstore.Store
	replayer  *eventstore.Replayer
	publisher jobs.Publisher
	blobs     blobstore.Store
	log       zerolog.Logger
}

type intakeAttachment struct {
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	// Data is base64 in JSON.
	Data []byte `json:"data"`
}

type intakeRequest struct {
	ExternalID  string             `json:"external_id"`
	SourceKind  string             `json:"source_kind"`
	Headers     map[string]string  `json:"headers"`
	Body        string             `json:"body"`
	Attachments []intakeAttachment `json:"attachments"`
}

// Intake handles POST /api/events. Storing is idempotent on external_id;
// processing happens asynchronously on the worker.
func (h *EventsHandler) Intake(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req intakeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		middleware.WriteError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.ExternalID == "" {
		middleware.WriteError(w, http.StatusBadRequest, "external_id is required")
		return
	}
	kind := domain.SourceKind(req.SourceKind)
	switch kind {
	case domain.SourceKindEmail, domain.SourceKindUpload, domain.SourceKindManual:
	default:
		middleware.WriteError(w, http.StatusBadRequest, fmt.Sprintf("unknown source_kind %q", req.SourceKind))
		return
	}

	ev := &domain.RawEvent{
		ExternalID: req.ExternalID,
		SourceKind: kind,
		Headers:    req.Headers,
		Body:       req.Body,
	}
	for _, att := range req.Attachments {
		uri, err := h.blobs.Put(ctx, uuid.NewString()+"-"+att.Filename, att.Data, att.ContentType)
		if err != nil {
			h.log.Error().Err(err).Str("filename", att.Filename).Msg("Failed to store attachment")
			middleware.WriteError(w, http.StatusInternalServerError, "Failed to store attachment")
			return
		}
		ev.Attachments = append(ev.Attachments, domain.Attachment{
			Filename:    att.Filename,
			ContentType: att.ContentType,
			BlobURI:     uri,
		})
	}

	id, created, err := h.store.Store(ctx, ev)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	if created {
		job := &jobs.ProcessEventJob{EventID: id}
		if err := h.publisher.PublishProcessEvent(ctx, job); err != nil {
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

// Get handles GET /api/events/{id}.
func (h *EventsHandler) Get(w http.ResponseWriter, r *http.Request) {
	ev, err := h.store.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeDomainError(w, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, ev)
}

type replayRequest struct {
	ExternalIDs []string   `json:"external_ids"`
	From        *time.Time `json:"from"`
	To          *time.Time `json:"to"`
	Clean       bool       `json:"clean"`
}

// Replay handles POST /api/replay.
func (h *EventsHandler) Replay(w http.ResponseWriter, r *http.Request) {
	var req replayRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		middleware.WriteError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	f := eventstore.Filter{IDs: req.ExternalIDs}
	if req.From != nil {
		f.From = *req.From
	}
	if req.To != nil {
		f.To = *req.To
	}

	report, err := h.replayer.Replay(r.Context(), f, req.Clean)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, report)
}
