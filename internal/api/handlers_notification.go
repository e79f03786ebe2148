package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/ministryofjustice/money-to-prisoners-api-sub000/internal/store"
)

// ListNotificationEventsHandler lists the events visible to the reviewer: events raised for
// everyone plus the reviewer's own monitoring events.
func (h *Handlers) ListNotificationEventsHandler(w http.ResponseWriter, r *http.Request) {
	reviewer, ok := h.reviewer(w, r)
	if !ok {
		return
	}
	limit, offset, ok := pagination(w, r, 50)
	if !ok {
		return
	}

	filter := store.NotificationListFilter{UserID: reviewer.ID, Limit: limit, Offset: offset}
	if raw := strings.TrimSpace(r.URL.Query().Get("rule")); raw != "" {
		filter.Rule = strings.ToUpper(raw)
	}
	if raw := strings.TrimSpace(r.URL.Query().Get("since")); raw != "" {
		since, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, validationResponse{Error: "Expected an RFC 3339 timestamp", Field: "since"})
			return
		}
		filter.Since = &since
	}

	events, err := h.notifications.List(r.Context(), filter)
	if err != nil {
		h.writeServiceError(w, "list_notification_events", err)
		return
	}
	writeJSON(w, http.StatusOK, newListResponse(events))
}
