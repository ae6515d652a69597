/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. Request bodies are
  decoupled from the domain model; responses reuse the domain types'
  JSON tags where the shapes already match.

NAMING CONVENTION:
  - *Request: Request body types from clients
  - *DTO: Response types built for the API only

ACTOR IDENTITY:
  There is no authentication layer. Every mutating request names its
  actor in the body (actor_id); the engine authorizes that id.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"github.com/shopspring/decimal"

	"github.com/warp/hris-approvals/approval"
)

// =============================================================================
// APPROVALS
// =============================================================================

// CreateChainRequest opens a chain. ID is optional; resending the same ID
// returns the existing level 1.
type CreateChainRequest struct {
	ID          string `json:"id,omitempty"`
	TenantID    string `json:"tenant_id,omitempty"`
	RequestType string `json:"request_type"`
	RequestID   string `json:"request_id"`
	EmployeeID  string `json:"employee_id"`
	ApproverID  string `json:"approver_id,omitempty"`
	Comments    string `json:"comments,omitempty"`
}

// DecisionRequest is the body of approve, reject and cancel.
type DecisionRequest struct {
	ActorID  string `json:"actor_id"`
	Comments string `json:"comments,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// ChainDTO is one chain with its derived outcome.
type ChainDTO struct {
	RequestType string                      `json:"request_type"`
	RequestID   string                      `json:"request_id"`
	EmployeeID  string                      `json:"employee_id"`
	Outcome     approval.Outcome            `json:"outcome"`
	Levels      []*approval.ApprovalRequest `json:"levels"`
}

func toChainDTO(c *approval.Chain) ChainDTO {
	return ChainDTO{
		RequestType: string(c.Ref.RequestType),
		RequestID:   c.Ref.RequestID,
		EmployeeID:  string(c.Ref.EmployeeID),
		Outcome:     c.Outcome(),
		Levels:      c.Levels,
	}
}

// =============================================================================
// DELEGATIONS
// =============================================================================

type CreateDelegationRequest struct {
	ActorID      string         `json:"actor_id"`
	SupervisorID string         `json:"supervisor_id"`
	DelegateID   string         `json:"delegate_id"`
	StartDate    approval.Date  `json:"start_date"`
	EndDate      approval.Date  `json:"end_date"`
	IsActive     *approval.Flag `json:"is_active,omitempty"` // default true; "true"/"1" accepted
	Reason       string         `json:"reason,omitempty"`
}

// UpdateDelegationRequest patches a delegation; absent fields are unchanged.
type UpdateDelegationRequest struct {
	ActorID    string         `json:"actor_id"`
	DelegateID *string        `json:"delegate_id,omitempty"`
	StartDate  *approval.Date `json:"start_date,omitempty"`
	EndDate    *approval.Date `json:"end_date,omitempty"`
	IsActive   *approval.Flag `json:"is_active,omitempty"`
	Reason     *string        `json:"reason,omitempty"`
}

type ActorRequest struct {
	ActorID string `json:"actor_id"`
}

// EffectiveApproverDTO answers "who decides for this approver on this day".
type EffectiveApproverDTO struct {
	ApproverID string `json:"approver_id"`
	Date       string `json:"date"`
	Effective  string `json:"effective_approver_id"`
	Delegated  bool   `json:"delegated"`
}

// =============================================================================
// PAYROLL + LEAVE
// =============================================================================

type CreatePayrollRequest struct {
	TenantID      string          `json:"tenant_id,omitempty"`
	Month         int             `json:"month"`
	Year          int             `json:"year"`
	TotalGross    decimal.Decimal `json:"total_gross"`
	TotalNet      decimal.Decimal `json:"total_net"`
	EmployeeCount int             `json:"employee_count"`
	ActorID       string          `json:"actor_id"`
}

type SubmitLeaveRequest struct {
	TenantID   string        `json:"tenant_id,omitempty"`
	EmployeeID string        `json:"employee_id"`
	Kind       string        `json:"kind"`
	StartDate  approval.Date `json:"start_date"`
	EndDate    approval.Date `json:"end_date"`
	Reason     string        `json:"reason,omitempty"`
}

// =============================================================================
// SCENARIOS
// =============================================================================

// ScenarioDTO describes a demo scenario.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Category    string `json:"category"`
}

type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id"`
}

// =============================================================================
// ERRORS
// =============================================================================

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}
