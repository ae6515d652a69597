/*
handlers.go - HTTP API handlers for the approval engine

PURPOSE:
  Exposes the approval engine, delegation management and the payroll and
  leave modules via REST API. Handles HTTP request/response and JSON
  serialization, and delegates to domain logic.

ENDPOINTS:
  Approvals:
    POST   /api/approvals                          Open a chain
    GET    /api/approvals/pending?approver_id=     Pending queue (incl. delegated)
    GET    /api/approvals/chains/{type}/{requestID} Latest chain for an entity
    GET    /api/approvals/{id}                     One chain level
    POST   /api/approvals/{id}/approve|reject|cancel

  Delegations:
    POST   /api/delegations                        Create
    GET    /api/delegations?supervisor_id=         List by supervisor
    GET    /api/delegations/effective?approver_id=&date=
    GET    /api/delegations/{id}
    PUT    /api/delegations/{id}                   Patch
    POST   /api/delegations/{id}/deactivate

  Audit:
    GET    /api/audit?request_type=&request_id=&actor_id=

  Scenarios (demo data, only when configured):
    GET    /api/scenarios
    GET    /api/scenarios/current
    POST   /api/scenarios/load

ERROR HANDLING:
  Domain errors map to HTTP status in writeDomainError:
  - 400: Validation errors, invalid input
  - 403: Actor is not the effective approver / requester
  - 404: Resource not found
  - 409: Status does not allow the operation
  - 503: Concurrent modification or busy store, safe to retry
  - 500: Org misconfiguration and internal errors

SEE ALSO:
  - records.go: Payroll and leave handlers
  - scenarios.go: Demo scenario loaders
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/warp/hris-approvals/approval"
	"github.com/warp/hris-approvals/leave"
	"github.com/warp/hris-approvals/logging"
	"github.com/warp/hris-approvals/payroll"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Pinger reports storage health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Engine      *approval.Engine
	Delegations *approval.DelegationManager
	Payroll     *payroll.Service
	Leave       *leave.Service
	AuditLog    approval.AuditLog // optional, /api/audit is 404 without it
	Health      Pinger            // optional
	Log         zerolog.Logger

	// Scenarios wipes storage before a demo load; nil disables
	// /api/scenarios. Directory receives the demo org chart.
	Scenarios Resetter
	Directory *approval.StaticDirectory

	scenarioMu      sync.Mutex
	currentScenario string
}

// =============================================================================
// HEALTH
// =============================================================================

// Healthz reports liveness and storage reachability.
// GET /healthz
func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	if h.Health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.Health.Ping(ctx); err != nil {
			writeError(w, http.StatusServiceUnavailable, "Storage unreachable", err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// =============================================================================
// APPROVAL HANDLERS
// =============================================================================

// CreateChain opens an approval chain.
// POST /api/approvals
func (h *Handler) CreateChain(w http.ResponseWriter, r *http.Request) {
	var req CreateChainRequest
	if !decode(w, r, &req) {
		return
	}
	requestType, err := approval.ParseRequestType(req.RequestType)
	if err != nil {
		writeDomainError(w, logging.FromContext(r.Context()), err)
		return
	}

	created, err := h.Engine.CreateChain(r.Context(), approval.ChainSpec{
		ID:          req.ID,
		TenantID:    approval.TenantID(req.TenantID),
		RequestType: requestType,
		RequestID:   req.RequestID,
		EmployeeID:  approval.EmployeeID(req.EmployeeID),
		ApproverID:  approval.EmployeeID(req.ApproverID),
		Comments:    req.Comments,
	})
	if err != nil {
		writeDomainError(w, logging.FromContext(r.Context()), err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

// GetApproval returns one chain level.
// GET /api/approvals/{id}
func (h *Handler) GetApproval(w http.ResponseWriter, r *http.Request) {
	req, err := h.Engine.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, logging.FromContext(r.Context()), err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

// ListPending returns the approver's queue, including requests addressed
// to supervisors they currently stand in for.
// GET /api/approvals/pending?approver_id=
func (h *Handler) ListPending(w http.ResponseWriter, r *http.Request) {
	approver := approval.EmployeeID(r.URL.Query().Get("approver_id"))
	pending, err := h.Engine.ListPendingFor(r.Context(), approver)
	if err != nil {
		writeDomainError(w, logging.FromContext(r.Context()), err)
		return
	}
	if pending == nil {
		pending = []*approval.ApprovalRequest{}
	}
	writeJSON(w, http.StatusOK, pending)
}

// GetChain returns the latest chain for a business entity.
// GET /api/approvals/chains/{type}/{requestID}
func (h *Handler) GetChain(w http.ResponseWriter, r *http.Request) {
	requestType, err := approval.ParseRequestType(chi.URLParam(r, "type"))
	if err != nil {
		writeDomainError(w, logging.FromContext(r.Context()), err)
		return
	}
	chain, err := h.Engine.Chain(r.Context(), requestType, chi.URLParam(r, "requestID"))
	if err != nil {
		writeDomainError(w, logging.FromContext(r.Context()), err)
		return
	}
	writeJSON(w, http.StatusOK, toChainDTO(chain))
}

// Approve approves the pending level.
// POST /api/approvals/{id}/approve
func (h *Handler) Approve(w http.ResponseWriter, r *http.Request) {
	var req DecisionRequest
	if !decode(w, r, &req) {
		return
	}
	decision, err := h.Engine.Approve(r.Context(), chi.URLParam(r, "id"), approval.EmployeeID(req.ActorID), req.Comments)
	if err != nil {
		writeDomainError(w, logging.FromContext(r.Context()), err)
		return
	}
	writeJSON(w, http.StatusOK, decision)
}

// Reject rejects the pending level and ends the chain.
// POST /api/approvals/{id}/reject
func (h *Handler) Reject(w http.ResponseWriter, r *http.Request) {
	var req DecisionRequest
	if !decode(w, r, &req) {
		return
	}
	reason := req.Reason
	if reason == "" {
		reason = req.Comments
	}
	rejected, err := h.Engine.Reject(r.Context(), chi.URLParam(r, "id"), approval.EmployeeID(req.ActorID), reason)
	if err != nil {
		writeDomainError(w, logging.FromContext(r.Context()), err)
		return
	}
	writeJSON(w, http.StatusOK, rejected)
}

// Cancel withdraws a pending request. Only the requester may cancel.
// POST /api/approvals/{id}/cancel
func (h *Handler) Cancel(w http.ResponseWriter, r *http.Request) {
	var req DecisionRequest
	if !decode(w, r, &req) {
		return
	}
	cancelled, err := h.Engine.Cancel(r.Context(), chi.URLParam(r, "id"), approval.EmployeeID(req.ActorID))
	if err != nil {
		writeDomainError(w, logging.FromContext(r.Context()), err)
		return
	}
	writeJSON(w, http.StatusOK, cancelled)
}

// =============================================================================
// DELEGATION HANDLERS
// =============================================================================

// CreateDelegation stores a new delegation.
// POST /api/delegations
func (h *Handler) CreateDelegation(w http.ResponseWriter, r *http.Request) {
	var req CreateDelegationRequest
	if !decode(w, r, &req) {
		return
	}
	active := approval.Flag(true)
	if req.IsActive != nil {
		active = *req.IsActive
	}

	d, err := h.Delegations.Create(r.Context(), approval.EmployeeID(req.ActorID), approval.Delegation{
		SupervisorID: approval.EmployeeID(req.SupervisorID),
		DelegateID:   approval.EmployeeID(req.DelegateID),
		StartDate:    req.StartDate,
		EndDate:      req.EndDate,
		IsActive:     active,
		Reason:       req.Reason,
	})
	if err != nil {
		writeDomainError(w, logging.FromContext(r.Context()), err)
		return
	}
	writeJSON(w, http.StatusCreated, d)
}

// GetDelegation returns one delegation.
// GET /api/delegations/{id}
func (h *Handler) GetDelegation(w http.ResponseWriter, r *http.Request) {
	d, err := h.Delegations.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, logging.FromContext(r.Context()), err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

// ListDelegations lists a supervisor's delegations.
// GET /api/delegations?supervisor_id=
func (h *Handler) ListDelegations(w http.ResponseWriter, r *http.Request) {
	supervisor := r.URL.Query().Get("supervisor_id")
	if supervisor == "" {
		writeError(w, http.StatusBadRequest, "supervisor_id is required", nil)
		return
	}
	ds, err := h.Delegations.ListBySupervisor(r.Context(), approval.EmployeeID(supervisor))
	if err != nil {
		writeDomainError(w, logging.FromContext(r.Context()), err)
		return
	}
	if ds == nil {
		ds = []*approval.Delegation{}
	}
	writeJSON(w, http.StatusOK, ds)
}

// UpdateDelegation patches a delegation.
// PUT /api/delegations/{id}
func (h *Handler) UpdateDelegation(w http.ResponseWriter, r *http.Request) {
	var req UpdateDelegationRequest
	if !decode(w, r, &req) {
		return
	}
	patch := approval.DelegationPatch{
		StartDate: req.StartDate,
		EndDate:   req.EndDate,
		Reason:    req.Reason,
	}
	if req.IsActive != nil {
		active := bool(*req.IsActive)
		patch.IsActive = &active
	}
	if req.DelegateID != nil {
		delegate := approval.EmployeeID(*req.DelegateID)
		patch.DelegateID = &delegate
	}

	d, err := h.Delegations.Update(r.Context(), approval.EmployeeID(req.ActorID), chi.URLParam(r, "id"), patch)
	if err != nil {
		writeDomainError(w, logging.FromContext(r.Context()), err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

// DeactivateDelegation switches a delegation off.
// POST /api/delegations/{id}/deactivate
func (h *Handler) DeactivateDelegation(w http.ResponseWriter, r *http.Request) {
	var req ActorRequest
	if !decode(w, r, &req) {
		return
	}
	d, err := h.Delegations.Deactivate(r.Context(), approval.EmployeeID(req.ActorID), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, logging.FromContext(r.Context()), err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

// EffectiveApprover resolves who decides for an approver on a day.
// GET /api/delegations/effective?approver_id=&date=YYYY-MM-DD
func (h *Handler) EffectiveApprover(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	approver := q.Get("approver_id")
	if approver == "" {
		writeError(w, http.StatusBadRequest, "approver_id is required", nil)
		return
	}

	at := time.Now().UTC()
	if raw := q.Get("date"); raw != "" {
		day, err := approval.ParseDate(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid date format (use YYYY-MM-DD)", err)
			return
		}
		at = day.Time()
	}

	effective, err := h.Engine.EffectiveApprover(r.Context(), approval.EmployeeID(approver), at)
	if err != nil {
		writeDomainError(w, logging.FromContext(r.Context()), err)
		return
	}
	writeJSON(w, http.StatusOK, EffectiveApproverDTO{
		ApproverID: approver,
		Date:       approval.DateOf(at).String(),
		Effective:  string(effective),
		Delegated:  string(effective) != approver,
	})
}

// =============================================================================
// AUDIT
// =============================================================================

// QueryAudit returns audit entries, oldest first.
// GET /api/audit?request_type=&request_id=&actor_id=
func (h *Handler) QueryAudit(w http.ResponseWriter, r *http.Request) {
	if h.AuditLog == nil {
		writeError(w, http.StatusNotFound, "Audit log not configured", nil)
		return
	}

	q := r.URL.Query()
	var f approval.AuditFilter
	if v := q.Get("request_type"); v != "" {
		rt, err := approval.ParseRequestType(v)
		if err != nil {
			writeDomainError(w, logging.FromContext(r.Context()), err)
			return
		}
		f.RequestType = &rt
	}
	if v := q.Get("request_id"); v != "" {
		f.RequestID = &v
	}
	if v := q.Get("actor_id"); v != "" {
		actor := approval.EmployeeID(v)
		f.ActorID = &actor
	}

	entries, err := h.AuditLog.Query(r.Context(), f)
	if err != nil {
		writeDomainError(w, logging.FromContext(r.Context()), err)
		return
	}
	if entries == nil {
		entries = []approval.AuditEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// =============================================================================
// HELPERS
// =============================================================================

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// writeDomainError maps engine errors to HTTP status codes.
func writeDomainError(w http.ResponseWriter, log zerolog.Logger, err error) {
	switch {
	case approval.IsNotFound(err):
		writeError(w, http.StatusNotFound, "Not found", err)
	case errors.Is(err, approval.ErrForbidden):
		writeError(w, http.StatusForbidden, "Forbidden", err)
	case errors.Is(err, approval.ErrInvalidStatusTransition):
		writeError(w, http.StatusConflict, "Invalid status transition", err)
	case errors.Is(err, approval.ErrValidation):
		writeError(w, http.StatusBadRequest, "Validation failed", err)
	case approval.IsRetryable(err):
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusServiceUnavailable, "Concurrent update, retry", err)
	case approval.IsConfigurationError(err):
		log.Error().Err(err).Msg("approval routing misconfigured")
		writeError(w, http.StatusInternalServerError, "Approval routing is misconfigured", err)
	default:
		log.Error().Err(err).Msg("request failed")
		writeError(w, http.StatusInternalServerError, "Internal error", nil)
	}
}
