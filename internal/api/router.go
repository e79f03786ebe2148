/**
 * @description
 * HTTP router setup for the security screening API using go-chi/chi.
 *
 * @notes
 * - /security routes need a reviewer token carrying the Security group.
 * - /internal routes are for the scheduler and operators and use the internal API key.
 */
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"
)

// NewRouter creates a new Chi router and registers the security routes.
func NewRouter(h *Handlers, auth func(http.Handler) http.Handler, internalKey string, corsOrigins []string, logger *zap.Logger) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger(logger))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	if len(corsOrigins) == 0 {
		corsOrigins = []string{"https://*", "http://*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   corsOrigins,
		AllowedMethods:   []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token", "X-Internal-API-Key"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("Security service is healthy"))
	})

	r.Route("/internal", func(r chi.Router) {
		r.Use(InternalAuthMiddleware(internalKey))
		r.Post("/jobs/{name}", h.RunJobHandler)
	})

	r.Route("/security", func(r chi.Router) {
		r.Use(auth)
		r.Use(RequireGroup(SecurityGroup))

		r.Get("/checks", h.ListChecksHandler)
		r.Get("/checks/{id}", h.GetCheckHandler)
		r.Patch("/checks/{id}", h.AssignCheckHandler)
		r.Post("/checks/{id}/accept", h.AcceptCheckHandler)
		r.Post("/checks/{id}/reject", h.RejectCheckHandler)

		r.Get("/auto-accept-rules", h.ListAutoAcceptRulesHandler)
		r.Post("/auto-accept-rules", h.CreateAutoAcceptRuleHandler)
		r.Get("/auto-accept-rules/{id}", h.GetAutoAcceptRuleHandler)
		r.Post("/auto-accept-rules/{id}/states", h.AppendAutoAcceptStateHandler)

		r.Post("/{kind}/{id}/monitor", h.MonitorProfileHandler)
		r.Delete("/{kind}/{id}/monitor", h.UnmonitorProfileHandler)

		r.Get("/credits/{id}/rules", h.CreditRulesHandler)
		r.Post("/credits/actions/reconcile", h.ReconcileCreditsHandler)
		r.Post("/credits/actions/{action}", h.CreditActionHandler)
		r.Post("/disbursements/actions/{resolution}", h.DisbursementActionHandler)

		r.Get("/events", h.ListNotificationEventsHandler)
	})

	return r
}
