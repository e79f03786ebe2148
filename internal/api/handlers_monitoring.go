package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ministryofjustice/money-to-prisoners-api-sub000/internal/domain"
)

// profileKindFromPath maps the plural path segment to a profile kind.
func profileKindFromPath(segment string) (domain.ProfileKind, bool) {
	switch segment {
	case "senders":
		return domain.ProfileKindSender, true
	case "prisoners":
		return domain.ProfileKindPrisoner, true
	case "recipients":
		return domain.ProfileKindRecipient, true
	}
	return "", false
}

func (h *Handlers) monitorTarget(w http.ResponseWriter, r *http.Request) (domain.ProfileRef, Reviewer, bool) {
	reviewer, ok := h.reviewer(w, r)
	if !ok {
		return domain.ProfileRef{}, Reviewer{}, false
	}
	kind, ok := profileKindFromPath(chi.URLParam(r, "kind"))
	if !ok {
		writeError(w, http.StatusNotFound, "Not found.")
		return domain.ProfileRef{}, Reviewer{}, false
	}
	id, ok := uuidParam(w, r, "id")
	if !ok {
		return domain.ProfileRef{}, Reviewer{}, false
	}
	return domain.ProfileRef{Kind: kind, ID: id}, reviewer, true
}

// MonitorProfileHandler adds the reviewer to the profile's monitoring users.
func (h *Handlers) MonitorProfileHandler(w http.ResponseWriter, r *http.Request) {
	profile, reviewer, ok := h.monitorTarget(w, r)
	if !ok {
		return
	}
	if err := h.monitoring.Monitor(r.Context(), profile, reviewer.ID); err != nil {
		h.writeServiceError(w, "monitor_profile", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) UnmonitorProfileHandler(w http.ResponseWriter, r *http.Request) {
	profile, reviewer, ok := h.monitorTarget(w, r)
	if !ok {
		return
	}
	if err := h.monitoring.Unmonitor(r.Context(), profile, reviewer.ID); err != nil {
		h.writeServiceError(w, "unmonitor_profile", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
