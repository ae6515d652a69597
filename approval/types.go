/*
Package approval provides the generic multi-level approval engine.

PURPOSE:
  Every HR business module that needs a sign-off (leave, travel, payroll,
  grievance, ...) opens an approval chain here. A chain is a sequence of
  ApprovalRequest records, one per level, linked by PreviousApprovalID.
  The engine decides who may act on a level, creates the next level when a
  non-final level is approved, and tells the owning module when the chain
  finishes.

KEY CONCEPTS IN THIS FILE (types.go):
  - RequestType: Closed set of business request kinds
  - Status: Lifecycle of a single level (pending -> approved|rejected|cancelled)
  - ApprovalRequest: One level of a chain
  - Delegation: Time-bounded handover of approval authority
  - Date: Day-granularity calendar date used by delegation windows

CHAIN SHAPE:
  level 1 (approver A, next B)  --approved-->  level 2 (approver B, final)
       ^ previous_approval_id ------------------------'

  Only the tail of a chain can be pending. Rejection or cancellation ends it.

SEE ALSO:
  - engine.go: Decision engine (create, approve, reject, cancel)
  - delegation.go: Effective approver resolution
  - policy.go: Per request type is_final policies
*/
package approval

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type EmployeeID string
type TenantID string

// =============================================================================
// REQUEST TYPE - Closed variant, unknown strings are rejected
// =============================================================================

type RequestType string

const (
	RequestLeave        RequestType = "leave"
	RequestTravel       RequestType = "travel"
	RequestTimesheet    RequestType = "timesheet"
	RequestPerformance  RequestType = "performance"
	RequestExpense      RequestType = "expense"
	RequestPayroll      RequestType = "payroll"
	RequestSafeguarding RequestType = "safeguarding"
	RequestGrievance    RequestType = "grievance"
	RequestWorkforce    RequestType = "workforce"
	RequestResignation  RequestType = "resignation"
)

var requestTypes = map[RequestType]struct{}{
	RequestLeave:        {},
	RequestTravel:       {},
	RequestTimesheet:    {},
	RequestPerformance:  {},
	RequestExpense:      {},
	RequestPayroll:      {},
	RequestSafeguarding: {},
	RequestGrievance:    {},
	RequestWorkforce:    {},
	RequestResignation:  {},
}

// ParseRequestType converts a wire string into a RequestType.
func ParseRequestType(s string) (RequestType, error) {
	rt := RequestType(strings.ToLower(strings.TrimSpace(s)))
	if !rt.Valid() {
		return "", Invalid("request_type", "unknown request type %q", s)
	}
	return rt, nil
}

func (t RequestType) Valid() bool {
	_, ok := requestTypes[t]
	return ok
}

func (t RequestType) String() string { return string(t) }

// RequestTypes returns all known request types in a stable order.
func RequestTypes() []RequestType {
	out := make([]RequestType, 0, len(requestTypes))
	for t := range requestTypes {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// =============================================================================
// STATUS
// =============================================================================

type Status string

const (
	StatusPending   Status = "pending"
	StatusApproved  Status = "approved"
	StatusRejected  Status = "rejected"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further change is allowed.
func (s Status) Terminal() bool {
	return s == StatusApproved || s == StatusRejected || s == StatusCancelled
}

func (s Status) Valid() bool {
	return s == StatusPending || s.Terminal()
}

// =============================================================================
// APPROVAL REQUEST - One level of a chain
// =============================================================================

type ApprovalRequest struct {
	ID                 string      `json:"id"`
	TenantID           TenantID    `json:"tenant_id"`
	RequestType        RequestType `json:"request_type"`
	RequestID          string      `json:"request_id"`
	EmployeeID         EmployeeID  `json:"employee_id"`
	ApproverID         EmployeeID  `json:"approver_id"`
	ApprovalLevel      int         `json:"approval_level"`
	PreviousApprovalID string      `json:"previous_approval_id,omitempty"`
	NextApproverID     EmployeeID  `json:"next_approver_id,omitempty"`
	IsFinalApproval    bool        `json:"is_final_approval"`
	Status             Status      `json:"status"`
	Comments           string      `json:"comments,omitempty"`
	DecidedBy          EmployeeID  `json:"decided_by,omitempty"`
	SubmittedAt        time.Time   `json:"submitted_at"`
	ReviewedAt         *time.Time  `json:"reviewed_at,omitempty"`
	UpdatedAt          time.Time   `json:"updated_at"`
	DeletedAt          *time.Time  `json:"deleted_at,omitempty"`
}

// Ref identifies the business entity the chain belongs to.
func (r *ApprovalRequest) Ref() ChainRef {
	return ChainRef{
		TenantID:    r.TenantID,
		RequestType: r.RequestType,
		RequestID:   r.RequestID,
		EmployeeID:  r.EmployeeID,
	}
}

// Validate checks the structural invariants of a single record.
func (r *ApprovalRequest) Validate() error {
	if !r.RequestType.Valid() {
		return Invalid("request_type", "unknown request type %q", r.RequestType)
	}
	if r.RequestID == "" {
		return Invalid("request_id", "required")
	}
	if r.EmployeeID == "" {
		return Invalid("employee_id", "required")
	}
	if r.ApproverID == "" {
		return Invalid("approver_id", "required")
	}
	if r.ApprovalLevel < 1 {
		return Invalid("approval_level", "must be >= 1, got %d", r.ApprovalLevel)
	}
	if r.ApprovalLevel == 1 && r.PreviousApprovalID != "" {
		return Invalid("previous_approval_id", "must be empty at level 1")
	}
	if r.ApprovalLevel > 1 && r.PreviousApprovalID == "" {
		return Invalid("previous_approval_id", "required above level 1")
	}
	if r.IsFinalApproval && r.NextApproverID != "" {
		return Invalid("next_approver_id", "must be empty on the final level")
	}
	if !r.IsFinalApproval && r.NextApproverID == "" {
		return Invalid("next_approver_id", "required on a non-final level")
	}
	if !r.Status.Valid() {
		return Invalid("status", "unknown status %q", r.Status)
	}
	return nil
}

// ChainRef identifies a chain from the business module's side.
type ChainRef struct {
	TenantID    TenantID
	RequestType RequestType
	RequestID   string
	EmployeeID  EmployeeID
}

// Outcome summarises a whole chain.
type Outcome string

const (
	OutcomePending   Outcome = "pending"
	OutcomeApproved  Outcome = "approved"
	OutcomeRejected  Outcome = "rejected"
	OutcomeCancelled Outcome = "cancelled"
)

// Chain is an ordered, level-1-first view of the records of one chain.
type Chain struct {
	Ref    ChainRef           `json:"-"`
	Levels []*ApprovalRequest `json:"levels"`
}

// Tail returns the highest level, or nil for an empty chain.
func (c *Chain) Tail() *ApprovalRequest {
	if len(c.Levels) == 0 {
		return nil
	}
	return c.Levels[len(c.Levels)-1]
}

// Outcome derives the chain status from its tail.
func (c *Chain) Outcome() Outcome {
	tail := c.Tail()
	if tail == nil {
		return OutcomePending
	}
	switch tail.Status {
	case StatusApproved:
		if tail.IsFinalApproval {
			return OutcomeApproved
		}
		return OutcomePending
	case StatusRejected:
		return OutcomeRejected
	case StatusCancelled:
		return OutcomeCancelled
	default:
		return OutcomePending
	}
}

// =============================================================================
// DELEGATION
// =============================================================================

type Delegation struct {
	ID           string     `json:"id"`
	SupervisorID EmployeeID `json:"supervisor_id"`
	DelegateID   EmployeeID `json:"delegate_id"`
	StartDate    Date       `json:"start_date"`
	EndDate      Date       `json:"end_date"`
	IsActive     Flag       `json:"is_active"`
	Reason       string     `json:"reason,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// Covers reports whether the delegation is active on the given day.
func (d *Delegation) Covers(on Date) bool {
	return bool(d.IsActive) && !on.Before(d.StartDate) && !on.After(d.EndDate)
}

// Overlaps reports whether two delegation windows share at least one day.
func (d *Delegation) Overlaps(other *Delegation) bool {
	return !d.EndDate.Before(other.StartDate) && !other.EndDate.Before(d.StartDate)
}

// Validate checks the fields that do not need the store.
func (d *Delegation) Validate() error {
	if d.SupervisorID == "" {
		return Invalid("supervisor_id", "required")
	}
	if d.DelegateID == "" {
		return Invalid("delegate_id", "required")
	}
	if d.SupervisorID == d.DelegateID {
		return Invalid("delegate_id", "cannot delegate to yourself")
	}
	if d.StartDate.IsZero() || d.EndDate.IsZero() {
		return Invalid("start_date", "start_date and end_date are required")
	}
	if d.EndDate.Before(d.StartDate) {
		return Invalid("end_date", "end_date %s is before start_date %s", d.EndDate, d.StartDate)
	}
	return nil
}

// Flag is a boolean that also accepts the legacy string encodings
// "true"/"false" and "1"/"0" on input.
type Flag bool

func ParseFlag(s string) (Flag, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "true", "1", "t", "yes":
		return true, nil
	case "false", "0", "f", "no", "":
		return false, nil
	}
	return false, fmt.Errorf("invalid boolean %q", s)
}

func (f *Flag) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch x := v.(type) {
	case bool:
		*f = Flag(x)
	case float64:
		*f = x != 0
	case string:
		parsed, err := ParseFlag(x)
		if err != nil {
			return err
		}
		*f = parsed
	case nil:
		*f = false
	default:
		return fmt.Errorf("invalid boolean %s", string(b))
	}
	return nil
}

// =============================================================================
// DATE - Day granularity, UTC
// =============================================================================

const DateLayout = "2006-01-02"

type Date struct {
	t time.Time
}

func NewDate(year int, month time.Month, day int) Date {
	return Date{t: time.Date(year, month, day, 0, 0, 0, 0, time.UTC)}
}

// DateOf truncates a timestamp to its UTC calendar day.
func DateOf(t time.Time) Date {
	u := t.UTC()
	return NewDate(u.Year(), u.Month(), u.Day())
}

func ParseDate(s string) (Date, error) {
	t, err := time.Parse(DateLayout, s)
	if err != nil {
		// legacy rows sometimes carry a full timestamp
		if ts, err2 := time.Parse(time.RFC3339, s); err2 == nil {
			return DateOf(ts), nil
		}
		return Date{}, err
	}
	return Date{t: t}, nil
}

func (d Date) Time() time.Time        { return d.t }
func (d Date) IsZero() bool           { return d.t.IsZero() }
func (d Date) Before(other Date) bool { return d.t.Before(other.t) }
func (d Date) After(other Date) bool  { return d.t.After(other.t) }
func (d Date) Equal(other Date) bool  { return d.t.Equal(other.t) }
func (d Date) AddDays(n int) Date     { return Date{t: d.t.AddDate(0, 0, n)} }
func (d Date) String() string         { return d.t.Format(DateLayout) }

func (d Date) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Date) UnmarshalJSON(b []byte) error {
	s, err := strconv.Unquote(string(b))
	if err != nil {
		return fmt.Errorf("date must be a string: %w", err)
	}
	parsed, err := ParseDate(s)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}
