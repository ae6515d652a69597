package leave

import (
	"context"
	"sort"
	"sync"

	"github.com/warp/hris-approvals/approval"
)

type Store interface {
	SaveLeaveRequest(ctx context.Context, r *Request) error

	// GetLeaveRequest returns nil, nil when the record doesn't exist.
	GetLeaveRequest(ctx context.Context, id string) (*Request, error)

	// ListLeaveRequests returns an employee's requests, newest first.
	ListLeaveRequests(ctx context.Context, employee approval.EmployeeID) ([]*Request, error)
}

// MemoryStore is an in-memory Store for tests and dev.
type MemoryStore struct {
	mu       sync.RWMutex
	requests map[string]*Request
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{requests: make(map[string]*Request)}
}

func (m *MemoryStore) SaveLeaveRequest(_ context.Context, r *Request) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests[r.ID] = r.clone()
	return nil
}

func (m *MemoryStore) GetLeaveRequest(_ context.Context, id string) (*Request, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if r, ok := m.requests[id]; ok {
		return r.clone(), nil
	}
	return nil, nil
}

func (m *MemoryStore) ListLeaveRequests(_ context.Context, employee approval.EmployeeID) ([]*Request, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Request
	for _, r := range m.requests {
		if r.EmployeeID == employee {
			out = append(out, r.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}
