package api

import (
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"github.com/ministryofjustice/money-to-prisoners-api-sub000/internal/app"
	"github.com/ministryofjustice/money-to-prisoners-api-sub000/internal/store"
)

type createAutoAcceptRuleRequest struct {
	DebitCardSenderDetails uuid.UUID `json:"debit_card_sender_details"`
	PrisonerProfile        uuid.UUID `json:"prisoner_profile"`
	Reason                 string    `json:"reason"`
}

type autoAcceptStateRequest struct {
	Active *bool  `json:"active"`
	Reason string `json:"reason"`
}

func (h *Handlers) ListAutoAcceptRulesHandler(w http.ResponseWriter, r *http.Request) {
	limit, offset, ok := pagination(w, r, 100)
	if !ok {
		return
	}
	filter := store.AutoAcceptListFilter{Limit: limit, Offset: offset}
	if raw := r.URL.Query().Get("is_active"); raw != "" {
		active, err := strconv.ParseBool(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid is_active")
			return
		}
		filter.Active = &active
	}
	if raw := r.URL.Query().Get("prisoner_profile"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid prisoner_profile")
			return
		}
		filter.PrisonerProfileID = &id
	}

	rules, err := h.autoAccept.List(r.Context(), filter)
	if err != nil {
		h.writeServiceError(w, "list_auto_accept_rules", err)
		return
	}
	writeJSON(w, http.StatusOK, newListResponse(rules))
}

func (h *Handlers) CreateAutoAcceptRuleHandler(w http.ResponseWriter, r *http.Request) {
	reviewer, ok := h.reviewer(w, r)
	if !ok {
		return
	}
	var req createAutoAcceptRuleRequest
	if err := decodeBody(r, &req, false); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	rule, err := h.autoAccept.Create(r.Context(), app.CreateAutoAcceptRuleParams{
		DebitCardSenderDetailsID: req.DebitCardSenderDetails,
		PrisonerProfileID:        req.PrisonerProfile,
		Reason:                   req.Reason,
		AddedBy:                  &reviewer.ID,
	})
	if err != nil {
		h.writeServiceError(w, "create_auto_accept_rule", err)
		return
	}
	writeJSON(w, http.StatusCreated, rule)
}

func (h *Handlers) GetAutoAcceptRuleHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}
	rule, err := h.autoAccept.Get(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, "get_auto_accept_rule", err)
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

// AppendAutoAcceptStateHandler activates or deactivates a rule.
func (h *Handlers) AppendAutoAcceptStateHandler(w http.ResponseWriter, r *http.Request) {
	reviewer, ok := h.reviewer(w, r)
	if !ok {
		return
	}
	id, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}
	var req autoAcceptStateRequest
	if err := decodeBody(r, &req, false); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Active == nil {
		writeJSON(w, http.StatusBadRequest, validationResponse{Error: "This field is required", Field: "active"})
		return
	}

	rule, err := h.autoAccept.AppendState(r.Context(), id, *req.Active, req.Reason, &reviewer.ID)
	if err != nil {
		h.writeServiceError(w, "append_auto_accept_state", err)
		return
	}
	writeJSON(w, http.StatusOK, rule)
}
