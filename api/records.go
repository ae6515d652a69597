/*
records.go - HTTP handlers for the payroll and leave modules

ENDPOINTS:
  Payroll:
    POST   /api/payrolls                       Create DRAFT
    GET    /api/payrolls?status=&year=&month=  List
    GET    /api/payrolls/{id}
    DELETE /api/payrolls/{id}?actor_id=        Soft delete (DRAFT/REJECTED)
    POST   /api/payrolls/{id}/submit
    POST   /api/payrolls/{id}/finance/approve|finance/reject
    POST   /api/payrolls/{id}/ceo/approve|ceo/reject
    POST   /api/payrolls/{id}/process

  Leave:
    POST   /api/leave-requests                 Submit (opens a chain)
    GET    /api/leave-requests?employee_id=
    GET    /api/leave-requests/{id}
    POST   /api/leave-requests/{id}/cancel

SEE ALSO:
  - payroll/service.go, leave/service.go: Business rules
*/
package api

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/warp/hris-approvals/approval"
	"github.com/warp/hris-approvals/leave"
	"github.com/warp/hris-approvals/logging"
	"github.com/warp/hris-approvals/payroll"
)

// =============================================================================
// PAYROLL HANDLERS
// =============================================================================

// CreatePayroll stores a DRAFT batch.
// POST /api/payrolls
func (h *Handler) CreatePayroll(w http.ResponseWriter, r *http.Request) {
	var req CreatePayrollRequest
	if !decode(w, r, &req) {
		return
	}
	p, err := h.Payroll.Create(r.Context(), payroll.CreateInput{
		TenantID:      approval.TenantID(req.TenantID),
		Month:         req.Month,
		Year:          req.Year,
		TotalGross:    req.TotalGross,
		TotalNet:      req.TotalNet,
		EmployeeCount: req.EmployeeCount,
		CreatedBy:     approval.EmployeeID(req.ActorID),
	})
	if err != nil {
		writeDomainError(w, logging.FromContext(r.Context()), err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

// GetPayroll returns one batch.
// GET /api/payrolls/{id}
func (h *Handler) GetPayroll(w http.ResponseWriter, r *http.Request) {
	p, err := h.Payroll.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, logging.FromContext(r.Context()), err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// ListPayrolls lists live batches, newest period first.
// GET /api/payrolls?status=&year=&month=&tenant_id=
func (h *Handler) ListPayrolls(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := payroll.Filter{
		TenantID: approval.TenantID(q.Get("tenant_id")),
		Status:   payroll.Status(strings.ToUpper(q.Get("status"))),
	}
	for _, p := range []struct {
		name string
		dst  *int
	}{{"year", &filter.Year}, {"month", &filter.Month}} {
		raw := q.Get(p.name)
		if raw == "" {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid "+p.name, err)
			return
		}
		*p.dst = n
	}

	list, err := h.Payroll.List(r.Context(), filter)
	if err != nil {
		writeDomainError(w, logging.FromContext(r.Context()), err)
		return
	}
	if list == nil {
		list = []*payroll.Payroll{}
	}
	writeJSON(w, http.StatusOK, list)
}

// DeletePayroll soft-deletes a DRAFT or REJECTED batch.
// DELETE /api/payrolls/{id}?actor_id=
func (h *Handler) DeletePayroll(w http.ResponseWriter, r *http.Request) {
	actor := approval.EmployeeID(r.URL.Query().Get("actor_id"))
	if err := h.Payroll.Delete(r.Context(), chi.URLParam(r, "id"), actor); err != nil {
		writeDomainError(w, logging.FromContext(r.Context()), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// payrollAction adapts a payroll transition to a handler. The body is a
// DecisionRequest; reason falls back to comments for rejections.
func (h *Handler) payrollAction(
	do func(ctx context.Context, id string, actor approval.EmployeeID, note string) (*payroll.Payroll, error),
) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req DecisionRequest
		if !decode(w, r, &req) {
			return
		}
		note := req.Comments
		if req.Reason != "" {
			note = req.Reason
		}
		p, err := do(r.Context(), chi.URLParam(r, "id"), approval.EmployeeID(req.ActorID), note)
		if err != nil {
			writeDomainError(w, logging.FromContext(r.Context()), err)
			return
		}
		writeJSON(w, http.StatusOK, p)
	}
}

func (h *Handler) SubmitPayroll() http.HandlerFunc {
	return h.payrollAction(func(ctx context.Context, id string, actor approval.EmployeeID, _ string) (*payroll.Payroll, error) {
		return h.Payroll.Submit(ctx, id, actor)
	})
}

func (h *Handler) ProcessPayroll() http.HandlerFunc {
	return h.payrollAction(func(ctx context.Context, id string, actor approval.EmployeeID, _ string) (*payroll.Payroll, error) {
		return h.Payroll.MarkProcessed(ctx, id, actor)
	})
}

// =============================================================================
// LEAVE HANDLERS
// =============================================================================

// SubmitLeave stores a leave request and opens its chain.
// POST /api/leave-requests
func (h *Handler) SubmitLeave(w http.ResponseWriter, r *http.Request) {
	var req SubmitLeaveRequest
	if !decode(w, r, &req) {
		return
	}
	lr, err := h.Leave.Submit(r.Context(), leave.SubmitInput{
		TenantID:   approval.TenantID(req.TenantID),
		EmployeeID: approval.EmployeeID(req.EmployeeID),
		Kind:       leave.Kind(strings.ToLower(req.Kind)),
		StartDate:  req.StartDate,
		EndDate:    req.EndDate,
		Reason:     req.Reason,
	})
	if err != nil {
		writeDomainError(w, logging.FromContext(r.Context()), err)
		return
	}
	writeJSON(w, http.StatusCreated, lr)
}

// GetLeave returns one leave request.
// GET /api/leave-requests/{id}
func (h *Handler) GetLeave(w http.ResponseWriter, r *http.Request) {
	lr, err := h.Leave.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, logging.FromContext(r.Context()), err)
		return
	}
	writeJSON(w, http.StatusOK, lr)
}

// ListLeave lists an employee's leave requests, newest first.
// GET /api/leave-requests?employee_id=
func (h *Handler) ListLeave(w http.ResponseWriter, r *http.Request) {
	employee := r.URL.Query().Get("employee_id")
	if employee == "" {
		writeError(w, http.StatusBadRequest, "employee_id is required", nil)
		return
	}
	list, err := h.Leave.ListForEmployee(r.Context(), approval.EmployeeID(employee))
	if err != nil {
		writeDomainError(w, logging.FromContext(r.Context()), err)
		return
	}
	if list == nil {
		list = []*leave.Request{}
	}
	writeJSON(w, http.StatusOK, list)
}

// CancelLeave withdraws a pending leave request.
// POST /api/leave-requests/{id}/cancel
func (h *Handler) CancelLeave(w http.ResponseWriter, r *http.Request) {
	var req ActorRequest
	if !decode(w, r, &req) {
		return
	}
	lr, err := h.Leave.Cancel(r.Context(), chi.URLParam(r, "id"), approval.EmployeeID(req.ActorID))
	if err != nil {
		writeDomainError(w, logging.FromContext(r.Context()), err)
		return
	}
	writeJSON(w, http.StatusOK, lr)
}
