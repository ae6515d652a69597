/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request, echoed in access logs
  2. Logger:     Request logging through zerolog
  3. Context:    Request-scoped logger carrying request_id
  4. Recoverer:  Panic recovery (500 instead of crash)
  5. CORS:       Cross-origin requests for frontends

ROUTE GROUPS:
  /healthz              Liveness + storage ping
  /api/approvals/*      Approval chains
  /api/delegations/*    Delegation management
  /api/payrolls/*       Payroll two-stage approval
  /api/leave-requests/* Leave requests
  /api/audit            Audit trail
  /api/scenarios/*      Demo data loaders (when enabled)

SECURITY NOTE:
  No authentication middleware. Actors are named in request bodies and
  authorized by the engine; put the service behind an authenticating
  gateway.

SEE ALSO:
  - handlers.go, records.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/warp/hris-approvals/logging"
)

// RouterOptions tunes cross-cutting behaviour.
type RouterOptions struct {
	// CORSOrigins lists allowed origins; empty allows none.
	CORSOrigins []string
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	r := chi.NewRouter()

	accessLog := h.Log.With().Str("component", "http").Logger()
	r.Use(middleware.RequestID)
	r.Use(middleware.RequestLogger(&middleware.DefaultLogFormatter{Logger: &accessLog, NoColor: true}))
	r.Use(requestLogger(h))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: opts.CORSOrigins,
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
	}))

	r.Get("/healthz", h.Healthz)

	r.Route("/api", func(r chi.Router) {
		r.Route("/approvals", func(r chi.Router) {
			r.Post("/", h.CreateChain)
			r.Get("/pending", h.ListPending)
			r.Get("/chains/{type}/{requestID}", h.GetChain)
			r.Get("/{id}", h.GetApproval)
			r.Post("/{id}/approve", h.Approve)
			r.Post("/{id}/reject", h.Reject)
			r.Post("/{id}/cancel", h.Cancel)
		})

		r.Route("/delegations", func(r chi.Router) {
			r.Post("/", h.CreateDelegation)
			r.Get("/", h.ListDelegations)
			r.Get("/effective", h.EffectiveApprover)
			r.Get("/{id}", h.GetDelegation)
			r.Put("/{id}", h.UpdateDelegation)
			r.Post("/{id}/deactivate", h.DeactivateDelegation)
		})

		if h.Payroll != nil {
			r.Route("/payrolls", func(r chi.Router) {
				r.Post("/", h.CreatePayroll)
				r.Get("/", h.ListPayrolls)
				r.Get("/{id}", h.GetPayroll)
				r.Delete("/{id}", h.DeletePayroll)
				r.Post("/{id}/submit", h.SubmitPayroll())
				r.Post("/{id}/finance/approve", h.payrollAction(h.Payroll.FinanceApprove))
				r.Post("/{id}/finance/reject", h.payrollAction(h.Payroll.FinanceReject))
				r.Post("/{id}/ceo/approve", h.payrollAction(h.Payroll.CEOApprove))
				r.Post("/{id}/ceo/reject", h.payrollAction(h.Payroll.CEOReject))
				r.Post("/{id}/process", h.ProcessPayroll())
			})
		}

		if h.Leave != nil {
			r.Route("/leave-requests", func(r chi.Router) {
				r.Post("/", h.SubmitLeave)
				r.Get("/", h.ListLeave)
				r.Get("/{id}", h.GetLeave)
				r.Post("/{id}/cancel", h.CancelLeave)
			})
		}

		r.Get("/audit", h.QueryAudit)

		if h.Scenarios != nil {
			r.Route("/scenarios", func(r chi.Router) {
				r.Get("/", h.ListScenarios)
				r.Get("/current", h.GetCurrentScenario)
				r.Post("/load", h.LoadScenario)
			})
		}
	})

	return r
}

// requestLogger puts a logger tagged with the request id in the context;
// handlers read it back with logging.FromContext.
func requestLogger(h *Handler) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			l := h.Log.With().Str("request_id", middleware.GetReqID(r.Context())).Logger()
			next.ServeHTTP(w, r.WithContext(logging.WithContext(r.Context(), l)))
		})
	}
}
