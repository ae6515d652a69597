/*
store.go - Persistence interface for approval chains and delegations

PURPOSE:
  Defines the interface between the decision engine and the database.
  Chains are stored as flat records with a parent index; the engine
  walks them by following PreviousApprovalID.

KEY INTERFACES:
  Store:           Approval request persistence (insert, compare-and-set, lookups)
  TxStore:         Transactional operations (approve = update + insert)
  DelegationStore: Delegation records
  AuditLog:        Append-only who-did-what-when trail

CONCURRENCY CONTRACT:
  - UpdateStatus only succeeds if the stored status is still pending,
    otherwise ErrConcurrentModification.
  - Insert of a pending record for a (request_type, request_id, level) that
    already has a pending record fails with ErrDuplicatePendingLevel.
  Together these make a double approve impossible.

IMPLEMENTATIONS:
  - approval/store/memory.go: In-memory for testing
  - store/sqlite/sqlite.go: SQLite
  - store/postgres/postgres.go: PostgreSQL

SEE ALSO:
  - engine.go: Uses TxStore
  - delegation.go: Uses DelegationStore
*/
package approval

import (
	"context"
	"time"
)

// =============================================================================
// STORE - Approval requests (soft delete only)
// =============================================================================

type Store interface {
	// Insert persists a new record.
	Insert(ctx context.Context, req *ApprovalRequest) error

	// UpdateStatus moves a pending record to a terminal status.
	UpdateStatus(ctx context.Context, id string, update StatusUpdate) error

	// Get returns nil, nil when the record doesn't exist.
	Get(ctx context.Context, id string) (*ApprovalRequest, error)

	// ListBySource returns every level of every chain for the entity, any order.
	ListBySource(ctx context.Context, requestType RequestType, requestID string) ([]*ApprovalRequest, error)

	// ListPending returns pending records whose nominal approver is one of approvers.
	ListPending(ctx context.Context, approvers []EmployeeID) ([]*ApprovalRequest, error)

	// ListPendingSubmittedBefore feeds the reminder job.
	ListPendingSubmittedBefore(ctx context.Context, before time.Time) ([]*ApprovalRequest, error)
}

// StatusUpdate carries the fields written by a decision.
type StatusUpdate struct {
	Status     Status
	DecidedBy  EmployeeID
	Comments   string
	ReviewedAt time.Time
}

// TxStore wraps Store with transaction support.
type TxStore interface {
	Store

	// WithTx executes fn within a transaction.
	// If fn returns error, transaction is rolled back.
	// If fn returns nil, transaction is committed.
	// The ctx handed to fn carries the transaction, so stores of other
	// tables backed by the same database join it.
	WithTx(ctx context.Context, fn func(ctx context.Context, s Store) error) error
}

// =============================================================================
// DELEGATION STORE
// =============================================================================

type DelegationStore interface {
	SaveDelegation(ctx context.Context, d *Delegation) error

	// GetDelegation returns nil, nil when the record doesn't exist.
	GetDelegation(ctx context.Context, id string) (*Delegation, error)

	ListDelegationsBySupervisor(ctx context.Context, supervisor EmployeeID) ([]*Delegation, error)

	// ListActiveDelegations returns active delegations covering the day,
	// filtered by supervisor or delegate when non-empty.
	ListActiveDelegations(ctx context.Context, filter DelegationFilter) ([]*Delegation, error)
}

type DelegationFilter struct {
	SupervisorID EmployeeID
	DelegateID   EmployeeID
	On           Date
}

// =============================================================================
// AUDIT LOG - Tracks who did what when
// =============================================================================

type AuditEntry struct {
	ID          string         `json:"id"`
	Timestamp   time.Time      `json:"timestamp"`
	ActorID     EmployeeID     `json:"actor_id"`
	Action      AuditAction    `json:"action"`
	RequestType RequestType    `json:"request_type,omitempty"`
	RequestID   string         `json:"request_id,omitempty"`
	ApprovalID  string         `json:"approval_id,omitempty"`
	Payload     map[string]any `json:"payload,omitempty"`
}

type AuditAction string

const (
	AuditChainCreated          AuditAction = "chain_created"
	AuditLevelApproved         AuditAction = "level_approved"
	AuditChainApproved         AuditAction = "chain_approved"
	AuditChainRejected         AuditAction = "chain_rejected"
	AuditRequestCancelled      AuditAction = "request_cancelled"
	AuditDelegationCreated     AuditAction = "delegation_created"
	AuditDelegationUpdated     AuditAction = "delegation_updated"
	AuditDelegationDeactivated AuditAction = "delegation_deactivated"
	AuditPayrollTransition     AuditAction = "payroll_transition"
)

// AuditLog stores audit entries. Append-only.
type AuditLog interface {
	Append(ctx context.Context, entry AuditEntry) error
	Query(ctx context.Context, filter AuditFilter) ([]AuditEntry, error)
}

type AuditFilter struct {
	RequestType *RequestType
	RequestID   *string
	ActorID     *EmployeeID
	Actions     []AuditAction
	From        *time.Time
	To          *time.Time
}

// Matches applies the filter in memory.
func (f AuditFilter) Matches(e AuditEntry) bool {
	if f.RequestType != nil && e.RequestType != *f.RequestType {
		return false
	}
	if f.RequestID != nil && e.RequestID != *f.RequestID {
		return false
	}
	if f.ActorID != nil && e.ActorID != *f.ActorID {
		return false
	}
	if len(f.Actions) > 0 {
		found := false
		for _, a := range f.Actions {
			if a == e.Action {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.From != nil && e.Timestamp.Before(*f.From) {
		return false
	}
	if f.To != nil && e.Timestamp.After(*f.To) {
		return false
	}
	return true
}
