/*
Package payroll implements the two-stage financial approval of payroll batches.

PURPOSE:
  A payroll batch is prepared by HR, checked by Finance and signed off by
  the CEO before it can be paid out. The approval itself runs on the
  generic approval engine as a two-level chain; this package owns the
  payroll status and keeps it in step with the chain through callbacks.

LIFECYCLE:
  DRAFT --submit--> PENDING_FINANCE --finance approve--> PENDING_CEO --ceo approve--> APPROVED
                          |                                   |                          |
                    finance reject                        ceo reject                  process
                          |                                   |                          v
                          +-------------> REJECTED <----------+                      PROCESSED

  The transition table below is the only source of legal moves. REJECTED
  and PROCESSED are terminal; a rejected batch is corrected by creating a
  new DRAFT for the same period.

SEE ALSO:
  - service.go: Operations and engine callbacks
  - approval/engine.go: Chain mechanics
*/
package payroll

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/hris-approvals/approval"
)

// =============================================================================
// STATUS + TRANSITIONS
// =============================================================================

type Status string

const (
	StatusDraft          Status = "DRAFT"
	StatusPendingFinance Status = "PENDING_FINANCE"
	StatusPendingCEO     Status = "PENDING_CEO"
	StatusApproved       Status = "APPROVED"
	StatusRejected       Status = "REJECTED"
	StatusProcessed      Status = "PROCESSED"
)

func (s Status) Valid() bool {
	switch s {
	case StatusDraft, StatusPendingFinance, StatusPendingCEO, StatusApproved, StatusRejected, StatusProcessed:
		return true
	}
	return false
}

type Action string

const (
	ActionSubmit         Action = "submit"
	ActionFinanceApprove Action = "finance_approve"
	ActionFinanceReject  Action = "finance_reject"
	ActionCEOApprove     Action = "ceo_approve"
	ActionCEOReject      Action = "ceo_reject"
	ActionProcess        Action = "process"
)

var transitions = map[Status]map[Action]Status{
	StatusDraft: {
		ActionSubmit: StatusPendingFinance,
	},
	StatusPendingFinance: {
		ActionFinanceApprove: StatusPendingCEO,
		ActionFinanceReject:  StatusRejected,
	},
	StatusPendingCEO: {
		ActionCEOApprove: StatusApproved,
		ActionCEOReject:  StatusRejected,
	},
	StatusApproved: {
		ActionProcess: StatusProcessed,
	},
}

// Next returns the status reached by applying action in from.
func Next(from Status, action Action) (Status, error) {
	if to, ok := transitions[from][action]; ok {
		return to, nil
	}
	return "", &approval.TransitionError{Entity: "payroll", From: string(from), To: string(action)}
}

// CanTransition reports whether some action moves from to to.
func CanTransition(from, to Status) bool {
	for _, target := range transitions[from] {
		if target == to {
			return true
		}
	}
	return false
}

// ValidateTransition returns InvalidStatusTransition unless from -> to is
// in the table.
func ValidateTransition(from, to Status) error {
	if CanTransition(from, to) {
		return nil
	}
	return &approval.TransitionError{Entity: "payroll", From: string(from), To: string(to)}
}

// =============================================================================
// PAYROLL
// =============================================================================

type Payroll struct {
	ID            string              `json:"id"`
	TenantID      approval.TenantID   `json:"tenant_id"`
	Month         int                 `json:"month"`
	Year          int                 `json:"year"`
	Status        Status              `json:"status"`
	TotalGross    decimal.Decimal     `json:"total_gross"`
	TotalNet      decimal.Decimal     `json:"total_net"`
	EmployeeCount int                 `json:"employee_count"`
	CreatedBy     approval.EmployeeID `json:"created_by"`

	SubmittedAt       *time.Time          `json:"submitted_at,omitempty"`
	SubmittedBy       approval.EmployeeID `json:"submitted_by,omitempty"`
	FinanceReviewedAt *time.Time          `json:"finance_reviewed_at,omitempty"`
	FinanceReviewedBy approval.EmployeeID `json:"finance_reviewed_by,omitempty"`
	CEOApprovedAt     *time.Time          `json:"ceo_approved_at,omitempty"`
	CEOApprovedBy     approval.EmployeeID `json:"ceo_approved_by,omitempty"`
	RejectionReason   string              `json:"rejection_reason,omitempty"`
	ProcessedAt       *time.Time          `json:"processed_at,omitempty"`
	ProcessedBy       approval.EmployeeID `json:"processed_by,omitempty"`

	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	DeletedAt *time.Time `json:"deleted_at,omitempty"`
}

// Period renders the batch period as YYYY-MM.
func (p *Payroll) Period() string {
	return time.Date(p.Year, time.Month(p.Month), 1, 0, 0, 0, 0, time.UTC).Format("2006-01")
}

func (p *Payroll) Validate() error {
	if p.Month < 1 || p.Month > 12 {
		return approval.Invalid("month", "must be 1-12, got %d", p.Month)
	}
	if p.Year < 2000 || p.Year > 2200 {
		return approval.Invalid("year", "out of range: %d", p.Year)
	}
	if p.TotalGross.IsNegative() {
		return approval.Invalid("total_gross", "must not be negative")
	}
	if p.TotalNet.IsNegative() {
		return approval.Invalid("total_net", "must not be negative")
	}
	if p.TotalNet.GreaterThan(p.TotalGross) {
		return approval.Invalid("total_net", "net %s exceeds gross %s", p.TotalNet, p.TotalGross)
	}
	if p.EmployeeCount < 0 {
		return approval.Invalid("employee_count", "must not be negative")
	}
	if p.CreatedBy == "" {
		return approval.Invalid("created_by", "required")
	}
	if !p.Status.Valid() {
		return approval.Invalid("status", "unknown status %q", p.Status)
	}
	return nil
}

func (p *Payroll) clone() *Payroll {
	c := *p
	for _, f := range []**time.Time{&c.SubmittedAt, &c.FinanceReviewedAt, &c.CEOApprovedAt, &c.ProcessedAt, &c.DeletedAt} {
		if *f != nil {
			t := **f
			*f = &t
		}
	}
	return &c
}
