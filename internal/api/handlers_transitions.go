package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/ministryofjustice/money-to-prisoners-api-sub000/internal/domain"
)

type creditActionRequest struct {
	CreditIDs []uuid.UUID `json:"credit_ids"`
}

type reconcileRequest struct {
	ReceivedAtGTE time.Time `json:"received_at__gte"`
	ReceivedAtLT  time.Time `json:"received_at__lt"`
}

type disbursementActionRequest struct {
	DisbursementIDs []uuid.UUID `json:"disbursement_ids"`
}

// CreditActionHandler applies credit, manual, refund or review to a batch of credits.
func (h *Handlers) CreditActionHandler(w http.ResponseWriter, r *http.Request) {
	reviewer, ok := h.reviewer(w, r)
	if !ok {
		return
	}
	action, ok := domain.ParseCreditAction(chi.URLParam(r, "action"))
	if !ok {
		writeError(w, http.StatusNotFound, "Unknown credit action")
		return
	}
	var req creditActionRequest
	if err := decodeBody(r, &req, false); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if err := h.transitions.TransitionCredits(r.Context(), req.CreditIDs, action, reviewer.ID); err != nil {
		h.writeServiceError(w, "credit_action", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ReconcileCreditsHandler marks credited credits in a received_at range as reconciled.
func (h *Handlers) ReconcileCreditsHandler(w http.ResponseWriter, r *http.Request) {
	reviewer, ok := h.reviewer(w, r)
	if !ok {
		return
	}
	var req reconcileRequest
	if err := decodeBody(r, &req, false); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	n, err := h.transitions.Reconcile(r.Context(), req.ReceivedAtGTE, req.ReceivedAtLT, reviewer.ID)
	if err != nil {
		h.writeServiceError(w, "reconcile_credits", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"reconciled": n})
}

// DisbursementActionHandler moves a batch of disbursements to the resolution in the path.
func (h *Handlers) DisbursementActionHandler(w http.ResponseWriter, r *http.Request) {
	reviewer, ok := h.reviewer(w, r)
	if !ok {
		return
	}
	resolution := chi.URLParam(r, "resolution")
	if !domain.IsDisbursementResolution(resolution) || resolution == string(domain.DisbursementResolutionPending) {
		writeError(w, http.StatusNotFound, "Unknown disbursement resolution")
		return
	}
	var req disbursementActionRequest
	if err := decodeBody(r, &req, false); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	err := h.transitions.TransitionDisbursements(r.Context(), req.DisbursementIDs, domain.DisbursementResolution(resolution), reviewer.ID)
	if err != nil {
		h.writeServiceError(w, "disbursement_action", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
