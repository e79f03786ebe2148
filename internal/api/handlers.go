/**
 * @description
 * This file contains the HTTP handlers for the security review API. Handlers parse the
 * request, call the application services, and map domain errors to status codes. They act
 * as the bridge between the web layer and the screening logic.
 *
 * @notes
 * - ValidationError -> 400, ConflictError -> 409 with the sorted conflicting ids,
 *   missing records -> 404. Anything else is logged and reported as 500.
 */

package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ministryofjustice/money-to-prisoners-api-sub000/internal/app"
	"github.com/ministryofjustice/money-to-prisoners-api-sub000/internal/domain"
	"github.com/ministryofjustice/money-to-prisoners-api-sub000/internal/store"
)

// CheckService is the check workflow used by the handlers.
type CheckService interface {
	Get(ctx context.Context, id uuid.UUID) (*domain.Check, error)
	List(ctx context.Context, filter store.CheckListFilter) ([]domain.Check, error)
	Accept(ctx context.Context, id, by uuid.UUID, reason string) (*domain.Check, error)
	Reject(ctx context.Context, id, by uuid.UUID, reason string, rejectionReasons map[string]any) (*domain.Check, error)
	Assign(ctx context.Context, id uuid.UUID, assignee *uuid.UUID) (*domain.Check, error)
	CreditRuleReport(ctx context.Context, creditID uuid.UUID) ([]app.RuleResult, error)
}

// AutoAcceptService manages auto-accept rules.
type AutoAcceptService interface {
	Create(ctx context.Context, params app.CreateAutoAcceptRuleParams) (*domain.CheckAutoAcceptRule, error)
	AppendState(ctx context.Context, ruleID uuid.UUID, active bool, reason string, addedBy *uuid.UUID) (*domain.CheckAutoAcceptRule, error)
	Get(ctx context.Context, ruleID uuid.UUID) (*domain.CheckAutoAcceptRule, error)
	List(ctx context.Context, filter store.AutoAcceptListFilter) ([]domain.CheckAutoAcceptRule, error)
}

// MonitoringService adds and removes profile monitors.
type MonitoringService interface {
	Monitor(ctx context.Context, profile domain.ProfileRef, userID uuid.UUID) error
	Unmonitor(ctx context.Context, profile domain.ProfileRef, userID uuid.UUID) error
}

// TransitionService applies bulk transitions.
type TransitionService interface {
	TransitionCredits(ctx context.Context, ids []uuid.UUID, action domain.CreditAction, by uuid.UUID) error
	Reconcile(ctx context.Context, from, to time.Time, by uuid.UUID) (int64, error)
	TransitionDisbursements(ctx context.Context, ids []uuid.UUID, next domain.DisbursementResolution, by uuid.UUID) error
}

// NotificationFeed lists notification events.
type NotificationFeed interface {
	List(ctx context.Context, filter store.NotificationListFilter) ([]domain.NotificationEvent, error)
}

// JobRunner runs scheduled jobs on demand.
type JobRunner interface {
	Run(ctx context.Context, name string) error
}

// Services groups the dependencies of Handlers.
type Services struct {
	Checks        CheckService
	AutoAccept    AutoAcceptService
	Monitoring    MonitoringService
	Transitions   TransitionService
	Notifications NotificationFeed
	Jobs          JobRunner
}

// Handlers holds the application services that handlers use.
type Handlers struct {
	checks        CheckService
	autoAccept    AutoAcceptService
	monitoring    MonitoringService
	transitions   TransitionService
	notifications NotificationFeed
	jobs          JobRunner
	logger        *zap.Logger
}

func NewHandlers(services Services, logger *zap.Logger) *Handlers {
	return &Handlers{
		checks:        services.Checks,
		autoAccept:    services.AutoAccept,
		monitoring:    services.Monitoring,
		transitions:   services.Transitions,
		notifications: services.Notifications,
		jobs:          services.Jobs,
		logger:        logger.Named("api"),
	}
}

type listResponse[T any] struct {
	Count   int `json:"count"`
	Results []T `json:"results"`
}

func newListResponse[T any](items []T) listResponse[T] {
	if items == nil {
		items = []T{}
	}
	return listResponse[T]{Count: len(items), Results: items}
}

// writeJSON is a helper for writing JSON responses.
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// writeError is a helper for writing JSON error responses.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

type validationResponse struct {
	Error string `json:"error"`
	Field string `json:"field,omitempty"`
}

type conflictResponse struct {
	Error       string   `json:"error"`
	ConflictIDs []string `json:"conflict_ids"`
}

// writeServiceError maps service errors to responses.
func (h *Handlers) writeServiceError(w http.ResponseWriter, endpoint string, err error) {
	var validation *domain.ValidationError
	var conflict *domain.ConflictError
	switch {
	case errors.As(err, &validation):
		writeJSON(w, http.StatusBadRequest, validationResponse{Error: validation.Message, Field: validation.Field})
	case errors.As(err, &conflict):
		writeJSON(w, http.StatusConflict, conflictResponse{
			Error:       "Some records could not be updated because they changed in the meantime",
			ConflictIDs: conflict.SortedIDs(),
		})
	case errors.Is(err, store.ErrCheckNotFound),
		errors.Is(err, store.ErrCreditNotFound),
		errors.Is(err, store.ErrDisbursementNotFound),
		errors.Is(err, store.ErrProfileNotFound),
		errors.Is(err, store.ErrAutoAcceptRuleNotFound),
		errors.Is(err, store.ErrDebitCardNotFound):
		writeError(w, http.StatusNotFound, "Not found.")
	case errors.Is(err, store.ErrCheckStateChanged):
		writeError(w, http.StatusConflict, "The check changed while it was being updated; please retry.")
	default:
		h.logger.Error("request failed", zap.String("endpoint", endpoint), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Internal server error")
	}
}

// reviewer returns the authenticated reviewer or writes a 401.
func (h *Handlers) reviewer(w http.ResponseWriter, r *http.Request) (Reviewer, bool) {
	reviewer, ok := ReviewerFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Authentication required")
		return Reviewer{}, false
	}
	return reviewer, true
}

// decodeBody decodes a JSON request body into dst. An empty body leaves dst untouched when
// allowEmpty is set.
func decodeBody(r *http.Request, dst interface{}, allowEmpty bool) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		if allowEmpty && errors.Is(err, io.EOF) {
			return nil
		}
		return err
	}
	return nil
}

func uuidParam(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid "+name)
		return uuid.Nil, false
	}
	return id, true
}

func parseOptionalPositiveInt(raw string, defaultValue int) (int, error) {
	if strings.TrimSpace(raw) == "" {
		return defaultValue, nil
	}
	value, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, err
	}
	if value < 0 {
		return 0, errors.New("must be >= 0")
	}
	return value, nil
}

// pagination reads limit and offset, writing a 400 on bad input.
func pagination(w http.ResponseWriter, r *http.Request, defaultLimit int) (limit, offset int, ok bool) {
	limit, err := parseOptionalPositiveInt(r.URL.Query().Get("limit"), defaultLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid limit")
		return 0, 0, false
	}
	offset, err = parseOptionalPositiveInt(r.URL.Query().Get("offset"), 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid offset")
		return 0, 0, false
	}
	return limit, offset, true
}

// RunJobHandler triggers a scheduled job synchronously.
func (h *Handlers) RunJobHandler(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if !app.KnownJob(name) {
		writeError(w, http.StatusNotFound, "Unknown job")
		return
	}
	err := h.jobs.Run(r.Context(), name)
	if errors.Is(err, app.ErrJobLocked) {
		writeError(w, http.StatusConflict, "Job is already running")
		return
	}
	if err != nil {
		h.logger.Error("job failed", zap.String("job", name), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Job failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"job": name, "status": "finished"})
}
