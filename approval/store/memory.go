// Package store provides in-memory implementations of the approval stores.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/warp/hris-approvals/approval"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory implements approval.Store, approval.DelegationStore and
// approval.AuditLog. Each table group has its own lock so a transaction on
// requests can still read delegations.
type Memory struct {
	mu       sync.RWMutex
	requests map[string]*approval.ApprovalRequest

	dmu         sync.RWMutex
	delegations map[string]*approval.Delegation

	amu   sync.RWMutex
	audit []approval.AuditEntry
}

func NewMemory() *Memory {
	return &Memory{
		requests:    make(map[string]*approval.ApprovalRequest),
		delegations: make(map[string]*approval.Delegation),
	}
}

func (m *Memory) Insert(_ context.Context, req *approval.ApprovalRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.insertLocked(req)
}

func (m *Memory) insertLocked(req *approval.ApprovalRequest) error {
	if _, ok := m.requests[req.ID]; ok {
		return approval.Invalid("id", "approval request %s already exists", req.ID)
	}
	if req.Status == approval.StatusPending {
		for _, r := range m.requests {
			if r.Status == approval.StatusPending &&
				r.RequestType == req.RequestType &&
				r.RequestID == req.RequestID &&
				r.ApprovalLevel == req.ApprovalLevel {
				return approval.ErrDuplicatePendingLevel
			}
		}
	}
	m.requests[req.ID] = cloneRequest(req)
	return nil
}

func (m *Memory) UpdateStatus(_ context.Context, id string, u approval.StatusUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updateStatusLocked(id, u)
}

func (m *Memory) updateStatusLocked(id string, u approval.StatusUpdate) error {
	r, ok := m.requests[id]
	if !ok {
		return &approval.NotFoundError{Kind: "approval_request", ID: id}
	}
	if r.Status != approval.StatusPending {
		return approval.ErrConcurrentModification
	}
	at := u.ReviewedAt
	r.Status = u.Status
	r.DecidedBy = u.DecidedBy
	if u.Comments != "" {
		r.Comments = u.Comments
	}
	r.ReviewedAt = &at
	r.UpdatedAt = at
	return nil
}

func (m *Memory) Get(_ context.Context, id string) (*approval.ApprovalRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getLocked(id), nil
}

func (m *Memory) getLocked(id string) *approval.ApprovalRequest {
	if r, ok := m.requests[id]; ok {
		return cloneRequest(r)
	}
	return nil
}

func (m *Memory) ListBySource(_ context.Context, requestType approval.RequestType, requestID string) ([]*approval.ApprovalRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.filterLocked(func(r *approval.ApprovalRequest) bool {
		return r.RequestType == requestType && r.RequestID == requestID
	}), nil
}

func (m *Memory) ListPending(_ context.Context, approvers []approval.EmployeeID) ([]*approval.ApprovalRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.pendingLocked(approvers), nil
}

func (m *Memory) pendingLocked(approvers []approval.EmployeeID) []*approval.ApprovalRequest {
	want := make(map[approval.EmployeeID]bool, len(approvers))
	for _, a := range approvers {
		want[a] = true
	}
	return m.filterLocked(func(r *approval.ApprovalRequest) bool {
		return r.Status == approval.StatusPending && want[r.ApproverID]
	})
}

func (m *Memory) ListPendingSubmittedBefore(_ context.Context, before time.Time) ([]*approval.ApprovalRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.filterLocked(func(r *approval.ApprovalRequest) bool {
		return r.Status == approval.StatusPending && r.SubmittedAt.Before(before)
	}), nil
}

func (m *Memory) filterLocked(keep func(*approval.ApprovalRequest) bool) []*approval.ApprovalRequest {
	var out []*approval.ApprovalRequest
	for _, r := range m.requests {
		if r.DeletedAt == nil && keep(r) {
			out = append(out, cloneRequest(r))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].SubmittedAt.Equal(out[j].SubmittedAt) {
			return out[i].SubmittedAt.Before(out[j].SubmittedAt)
		}
		return out[i].ApprovalLevel < out[j].ApprovalLevel
	})
	return out
}

func cloneRequest(r *approval.ApprovalRequest) *approval.ApprovalRequest {
	c := *r
	if r.ReviewedAt != nil {
		t := *r.ReviewedAt
		c.ReviewedAt = &t
	}
	if r.DeletedAt != nil {
		t := *r.DeletedAt
		c.DeletedAt = &t
	}
	return &c
}

// =============================================================================
// DELEGATIONS
// =============================================================================

func (m *Memory) SaveDelegation(_ context.Context, d *approval.Delegation) error {
	m.dmu.Lock()
	defer m.dmu.Unlock()
	c := *d
	m.delegations[d.ID] = &c
	return nil
}

func (m *Memory) GetDelegation(_ context.Context, id string) (*approval.Delegation, error) {
	m.dmu.RLock()
	defer m.dmu.RUnlock()
	if d, ok := m.delegations[id]; ok {
		c := *d
		return &c, nil
	}
	return nil, nil
}

func (m *Memory) ListDelegationsBySupervisor(_ context.Context, supervisor approval.EmployeeID) ([]*approval.Delegation, error) {
	return m.filterDelegations(func(d *approval.Delegation) bool {
		return d.SupervisorID == supervisor
	}), nil
}

func (m *Memory) ListActiveDelegations(_ context.Context, f approval.DelegationFilter) ([]*approval.Delegation, error) {
	return m.filterDelegations(func(d *approval.Delegation) bool {
		if f.SupervisorID != "" && d.SupervisorID != f.SupervisorID {
			return false
		}
		if f.DelegateID != "" && d.DelegateID != f.DelegateID {
			return false
		}
		return d.Covers(f.On)
	}), nil
}

func (m *Memory) filterDelegations(keep func(*approval.Delegation) bool) []*approval.Delegation {
	m.dmu.RLock()
	defer m.dmu.RUnlock()
	var out []*approval.Delegation
	for _, d := range m.delegations {
		if keep(d) {
			c := *d
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].StartDate.Before(out[j].StartDate) ||
			(out[i].StartDate.Equal(out[j].StartDate) && out[i].ID < out[j].ID)
	})
	return out
}

// =============================================================================
// AUDIT LOG
// =============================================================================

func (m *Memory) Append(_ context.Context, entry approval.AuditEntry) error {
	m.amu.Lock()
	defer m.amu.Unlock()
	m.audit = append(m.audit, entry)
	return nil
}

func (m *Memory) Query(_ context.Context, filter approval.AuditFilter) ([]approval.AuditEntry, error) {
	m.amu.RLock()
	defer m.amu.RUnlock()
	var out []approval.AuditEntry
	for _, e := range m.audit {
		if filter.Matches(e) {
			out = append(out, e)
		}
	}
	return out, nil
}

// =============================================================================
// TX MEMORY - Snapshot + rollback
// =============================================================================

type TxMemory struct {
	*Memory
}

func NewTxMemory() *TxMemory {
	return &TxMemory{Memory: NewMemory()}
}

type txKey struct{}

// WithTx executes fn within a transaction.
// For memory store, this is simulated with a snapshot + rollback on error.
// Only approval requests take part; delegations and audit are outside.
// A nested call joins the outer transaction.
func (tm *TxMemory) WithTx(ctx context.Context, fn func(context.Context, approval.Store) error) error {
	if outer, ok := ctx.Value(txKey{}).(*TxMemory); ok && outer == tm {
		return fn(ctx, &txMemoryView{parent: tm})
	}

	tm.mu.Lock()
	defer tm.mu.Unlock()

	snapshot := make(map[string]*approval.ApprovalRequest, len(tm.requests))
	for k, v := range tm.requests {
		snapshot[k] = cloneRequest(v)
	}

	ctx = context.WithValue(ctx, txKey{}, tm)
	if err := fn(ctx, &txMemoryView{parent: tm}); err != nil {
		tm.requests = snapshot
		return err
	}
	return nil
}

// txMemoryView reads and writes without taking the lock WithTx holds.
type txMemoryView struct {
	parent *TxMemory
}

func (tv *txMemoryView) Insert(_ context.Context, req *approval.ApprovalRequest) error {
	return tv.parent.insertLocked(req)
}

func (tv *txMemoryView) UpdateStatus(_ context.Context, id string, u approval.StatusUpdate) error {
	return tv.parent.updateStatusLocked(id, u)
}

func (tv *txMemoryView) Get(_ context.Context, id string) (*approval.ApprovalRequest, error) {
	return tv.parent.getLocked(id), nil
}

func (tv *txMemoryView) ListBySource(_ context.Context, requestType approval.RequestType, requestID string) ([]*approval.ApprovalRequest, error) {
	return tv.parent.filterLocked(func(r *approval.ApprovalRequest) bool {
		return r.RequestType == requestType && r.RequestID == requestID
	}), nil
}

func (tv *txMemoryView) ListPending(_ context.Context, approvers []approval.EmployeeID) ([]*approval.ApprovalRequest, error) {
	return tv.parent.pendingLocked(approvers), nil
}

func (tv *txMemoryView) ListPendingSubmittedBefore(_ context.Context, before time.Time) ([]*approval.ApprovalRequest, error) {
	return tv.parent.filterLocked(func(r *approval.ApprovalRequest) bool {
		return r.Status == approval.StatusPending && r.SubmittedAt.Before(before)
	}), nil
}
