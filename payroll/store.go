package payroll

import (
	"context"
	"sort"
	"sync"

	"github.com/warp/hris-approvals/approval"
)

// Store persists payroll batches. Records are soft-deleted only.
type Store interface {
	SavePayroll(ctx context.Context, p *Payroll) error

	// GetPayroll returns nil, nil when the record doesn't exist.
	GetPayroll(ctx context.Context, id string) (*Payroll, error)

	ListPayrolls(ctx context.Context, filter Filter) ([]*Payroll, error)
}

type Filter struct {
	TenantID       approval.TenantID
	Status         Status
	Year           int
	Month          int
	IncludeDeleted bool
}

func (f Filter) Matches(p *Payroll) bool {
	if !f.IncludeDeleted && p.DeletedAt != nil {
		return false
	}
	if f.TenantID != "" && p.TenantID != f.TenantID {
		return false
	}
	if f.Status != "" && p.Status != f.Status {
		return false
	}
	if f.Year != 0 && p.Year != f.Year {
		return false
	}
	if f.Month != 0 && p.Month != f.Month {
		return false
	}
	return true
}

// MemoryStore is an in-memory Store for tests and dev.
type MemoryStore struct {
	mu       sync.RWMutex
	payrolls map[string]*Payroll
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{payrolls: make(map[string]*Payroll)}
}

func (m *MemoryStore) SavePayroll(_ context.Context, p *Payroll) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.payrolls[p.ID] = p.clone()
	return nil
}

func (m *MemoryStore) GetPayroll(_ context.Context, id string) (*Payroll, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if p, ok := m.payrolls[id]; ok {
		return p.clone(), nil
	}
	return nil, nil
}

func (m *MemoryStore) ListPayrolls(_ context.Context, filter Filter) ([]*Payroll, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Payroll
	for _, p := range m.payrolls {
		if filter.Matches(p) {
			out = append(out, p.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Year != out[j].Year {
			return out[i].Year > out[j].Year
		}
		if out[i].Month != out[j].Month {
			return out[i].Month > out[j].Month
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}
