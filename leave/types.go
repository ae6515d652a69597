// Package leave implements employee leave requests on top of the approval
// engine. The supervisor approves every request; long requests also need
// the HR manager.
package leave

import (
	"time"

	"github.com/warp/hris-approvals/approval"
)

// =============================================================================
// LEAVE KIND
// =============================================================================

type Kind string

const (
	KindAnnual      Kind = "annual"
	KindSick        Kind = "sick"
	KindPersonal    Kind = "personal"
	KindParental    Kind = "parental"
	KindBereavement Kind = "bereavement"
	KindUnpaid      Kind = "unpaid"
)

func (k Kind) Valid() bool {
	switch k {
	case KindAnnual, KindSick, KindPersonal, KindParental, KindBereavement, KindUnpaid:
		return true
	}
	return false
}

// =============================================================================
// REQUEST
// =============================================================================

type Status string

const (
	StatusPending   Status = "pending"
	StatusApproved  Status = "approved"
	StatusRejected  Status = "rejected"
	StatusCancelled Status = "cancelled"
)

// Request is a leave request. Its status follows the approval chain.
type Request struct {
	ID         string              `json:"id"`
	TenantID   approval.TenantID   `json:"tenant_id"`
	EmployeeID approval.EmployeeID `json:"employee_id"`
	Kind       Kind                `json:"kind"`
	StartDate  approval.Date       `json:"start_date"`
	EndDate    approval.Date       `json:"end_date"`
	Days       int                 `json:"days"` // workdays in [StartDate, EndDate]
	Reason     string              `json:"reason,omitempty"`
	Status     Status              `json:"status"`

	DecidedBy      approval.EmployeeID `json:"decided_by,omitempty"`
	DecidedAt      *time.Time          `json:"decided_at,omitempty"`
	DecisionReason string              `json:"decision_reason,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (r *Request) Validate() error {
	if r.EmployeeID == "" {
		return approval.Invalid("employee_id", "required")
	}
	if !r.Kind.Valid() {
		return approval.Invalid("kind", "unknown leave kind %q", r.Kind)
	}
	if r.StartDate.IsZero() || r.EndDate.IsZero() {
		return approval.Invalid("start_date", "start_date and end_date are required")
	}
	if r.EndDate.Before(r.StartDate) {
		return approval.Invalid("end_date", "end_date %s is before start_date %s", r.EndDate, r.StartDate)
	}
	if r.Days < 1 {
		return approval.Invalid("end_date", "%s to %s contains no workdays", r.StartDate, r.EndDate)
	}
	return nil
}

func (r *Request) clone() *Request {
	c := *r
	if r.DecidedAt != nil {
		t := *r.DecidedAt
		c.DecidedAt = &t
	}
	return &c
}

// Workdays counts Monday to Friday in [start, end].
func Workdays(start, end approval.Date) int {
	n := 0
	for d := start; !d.After(end); d = d.AddDays(1) {
		switch d.Time().Weekday() {
		case time.Saturday, time.Sunday:
		default:
			n++
		}
	}
	return n
}
