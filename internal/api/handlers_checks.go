package api

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/ministryofjustice/money-to-prisoners-api-sub000/internal/domain"
	"github.com/ministryofjustice/money-to-prisoners-api-sub000/internal/store"
)

type checkDecisionRequest struct {
	DecisionReason   string         `json:"decision_reason"`
	RejectionReasons map[string]any `json:"rejection_reasons"`
}

// assignCheckRequest carries the new assignee; null unassigns.
type assignCheckRequest struct {
	AssignedTo *uuid.UUID `json:"assigned_to"`
}

// ListChecksHandler lists checks, optionally filtered by status or assignee.
func (h *Handlers) ListChecksHandler(w http.ResponseWriter, r *http.Request) {
	limit, offset, ok := pagination(w, r, 100)
	if !ok {
		return
	}
	filter := store.CheckListFilter{
		Status: domain.CheckStatus(r.URL.Query().Get("status")),
		Limit:  limit,
		Offset: offset,
	}
	if raw := r.URL.Query().Get("assigned_to"); raw != "" {
		assignee, err := uuid.Parse(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid assigned_to")
			return
		}
		filter.AssignedTo = &assignee
	}

	checks, err := h.checks.List(r.Context(), filter)
	if err != nil {
		h.writeServiceError(w, "list_checks", err)
		return
	}
	writeJSON(w, http.StatusOK, newListResponse(checks))
}

func (h *Handlers) GetCheckHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}
	check, err := h.checks.Get(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, "get_check", err)
		return
	}
	writeJSON(w, http.StatusOK, check)
}

// AcceptCheckHandler accepts a pending check. Rejection reasons are not allowed here.
func (h *Handlers) AcceptCheckHandler(w http.ResponseWriter, r *http.Request) {
	reviewer, ok := h.reviewer(w, r)
	if !ok {
		return
	}
	id, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}
	var req checkDecisionRequest
	if err := decodeBody(r, &req, true); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if len(req.RejectionReasons) > 0 {
		writeJSON(w, http.StatusBadRequest, validationResponse{
			Error: "Rejection reasons cannot be given when accepting a check",
			Field: "rejection_reasons",
		})
		return
	}

	check, err := h.checks.Accept(r.Context(), id, reviewer.ID, req.DecisionReason)
	if err != nil {
		h.writeServiceError(w, "accept_check", err)
		return
	}
	writeJSON(w, http.StatusOK, check)
}

func (h *Handlers) RejectCheckHandler(w http.ResponseWriter, r *http.Request) {
	reviewer, ok := h.reviewer(w, r)
	if !ok {
		return
	}
	id, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}
	var req checkDecisionRequest
	if err := decodeBody(r, &req, false); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	check, err := h.checks.Reject(r.Context(), id, reviewer.ID, req.DecisionReason, req.RejectionReasons)
	if err != nil {
		h.writeServiceError(w, "reject_check", err)
		return
	}
	writeJSON(w, http.StatusOK, check)
}

// AssignCheckHandler sets or clears the check's assignee.
func (h *Handlers) AssignCheckHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}
	var req assignCheckRequest
	if err := decodeBody(r, &req, false); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	check, err := h.checks.Assign(r.Context(), id, req.AssignedTo)
	if err != nil {
		h.writeServiceError(w, "assign_check", err)
		return
	}
	writeJSON(w, http.StatusOK, check)
}

// CreditRulesHandler reports every applicable rule for a credit.
func (h *Handlers) CreditRulesHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}
	report, err := h.checks.CreditRuleReport(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, "credit_rules", err)
		return
	}
	writeJSON(w, http.StatusOK, newListResponse(report))
}
