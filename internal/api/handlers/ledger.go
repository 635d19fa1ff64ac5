package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/dvloznov/ledger-engine/internal/api/middleware"
	"github.com/dvloznov/ledger-engine/internal/domain"
	"github.com/dvloznov/ledger-engine/internal/ledger"
	"github.com/dvloznov/ledger-engine/internal/match"
	"github.com/dvloznov/ledger-engine/internal/reconcile"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
)

// LedgerHandler covers transactions, receipts, links and transfers.
type LedgerHandler struct {
	svc *ledger.Service
	eng *match.Engine
	wf  *reconcile.Workflow
	log zerolog.Logger
}

// List handles GET /api/transactions.
func (h *LedgerHandler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := ledger.TransactionFilter{
		AccountID:    q.Get("account_id"),
		MerchantNorm: q.Get("merchant_norm"),
		Source:       domain.Source(q.Get("source")),
	}
	if s := q.Get("status"); s != "" {
		f.Statuses = []domain.TransactionStatus{domain.TransactionStatus(s)}
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

	txs, err := h.svc.Repo().ListTransactions(r.Context(), f)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"transactions": txs,
		"count":        len(txs),
	})
}

// Create handles POST /api/transactions, the manual-entry path.
func (h *LedgerHandler) Create(w http.ResponseWriter, r *http.Request) {
	var tx domain.Transaction
	if err := json.NewDecoder(r.Body).Decode(&tx); err != nil {
		middleware.WriteError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if tx.AccountID == "" || tx.AmountAlert.IsZero() {
		middleware.WriteError(w, http.StatusBadRequest, "account_id and amount_alert are required")
		return
	}
	tx.Source = domain.SourceManual
	tx.DedupKey = nil

	stored, _, err := h.svc.RecordTransaction(r.Context(), &tx, actorOf(r, ""))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	middleware.WriteJSON(w, http.StatusCreated, stored)
}

// Get handles GET /api/transactions/{id}, including the transaction's links.
func (h *LedgerHandler) Get(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := mux.Vars(r)["id"]

	tx, err := h.svc.Repo().GetTransaction(ctx, id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	links, err := h.svc.Repo().ListLinks(ctx, ledger.LinkFilter{EntityID: id})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"transaction": tx,
		"links":       links,
	})
}

type statusRequest struct {
	Status domain.TransactionStatus `json:"status"`
	Actor  string                   `json:"actor"`
	Reason string                   `json:"reason"`
}

// Advance handles POST /api/transactions/{id}/advance.
func (h *LedgerHandler) Advance(w http.ResponseWriter, r *http.Request) {
	var req statusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		middleware.WriteError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	tx, err := h.svc.AdvanceStatus(r.Context(), mux.Vars(r)["id"], req.Status, req.Actor, req.Reason)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, tx)
}

// Unlock handles POST /api/transactions/{id}/unlock, the only status
// regression path.
func (h *LedgerHandler) Unlock(w http.ResponseWriter, r *http.Request) {
	var req statusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		middleware.WriteError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Actor == "" || req.Reason == "" {
		middleware.WriteError(w, http.StatusBadRequest, "actor and reason are required")
		return
	}
	tx, err := h.svc.Unlock(r.Context(), mux.Vars(r)["id"], req.Status, req.Actor, req.Reason)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, tx)
}

// AcknowledgeFlag handles POST /api/transactions/{id}/acknowledge.
func (h *LedgerHandler) AcknowledgeFlag(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Flag   string `json:"flag"`
		Actor  string `json:"actor"`
		Reason string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		middleware.WriteError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	tx, err := h.svc.AcknowledgeFlag(r.Context(), mux.Vars(r)["id"], req.Flag, req.Actor, req.Reason)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, tx)
}

// SetAttributions handles POST /api/transactions/{id}/attributions.
func (h *LedgerHandler) SetAttributions(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Attributions []domain.CategoryAttribution `json:"attributions"`
		Actor        string                       `json:"actor"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		middleware.WriteError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	tx, err := h.svc.SetCategoryAttributions(r.Context(), mux.Vars(r)["id"], req.Attributions, actorOf(r, req.Actor))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, tx)
}

// ListReceipts handles GET /api/receipts.
func (h *LedgerHandler) ListReceipts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := ledger.ReceiptFilter{AccountID: q.Get("account_id")}
	if s := q.Get("status"); s != "" {
		f.Statuses = []domain.ReceiptStatus{domain.ReceiptStatus(s)}
	}

	receipts, err := h.svc.Repo().ListReceipts(r.Context(), f)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"receipts": receipts,
		"count":    len(receipts),
	})
}

// GetReceipt handles GET /api/receipts/{id}.
func (h *LedgerHandler) GetReceipt(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := mux.Vars(r)["id"]

	rc, err := h.svc.Repo().GetReceipt(ctx, id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	links, err := h.svc.Repo().ListLinks(ctx, ledger.LinkFilter{EntityID: id})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"receipt": rc,
		"links":   links,
	})
}

// CreateLink handles POST /api/links, the manual linking path.
func (h *LedgerHandler) CreateLink(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Link  domain.Link `json:"link"`
		Actor string      `json:"actor"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		middleware.WriteError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	req.Link.CreatedBy = domain.CreatedByManual

	link, err := h.svc.CreateLink(r.Context(), &req.Link, actorOf(r, req.Actor))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	middleware.WriteJSON(w, http.StatusCreated, link)
}

// DeleteLink handles DELETE /api/links/{id}.
func (h *LedgerHandler) DeleteLink(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	err := h.svc.RemoveLink(r.Context(), mux.Vars(r)["id"], actorOf(r, q.Get("actor")), q.Get("reason"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// CreateTransfer handles POST /api/transfers, pairing two existing
// transactions as an internal transfer.
func (h *LedgerHandler) CreateTransfer(w http.ResponseWriter, r *http.Request) {
	var req struct {
		OutTransactionID string `json:"out_transaction_id"`
		InTransactionID  string `json:"in_transaction_id"`
		Actor            string `json:"actor"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		middleware.WriteError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.OutTransactionID == "" || req.InTransactionID == "" {
		middleware.WriteError(w, http.StatusBadRequest, "out_transaction_id and in_transaction_id are required")
		return
	}

	link, err := h.wf.CreateTransfer(r.Context(), req.OutTransactionID, req.InTransactionID, actorOf(r, req.Actor))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	middleware.WriteJSON(w, http.StatusCreated, link)
}

// actorOf falls back to a default actor when the request named none.
func actorOf(r *http.Request, given string) string {
	if given != "" {
		return given
	}
	if a := r.Header.Get("X-Actor"); a != "" {
		return a
	}
	return "api"
}
