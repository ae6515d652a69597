/*
delegation.go - Effective approver resolution and delegation management

PURPOSE:
  A supervisor can hand approval authority to a delegate for a date window
  (holiday, sick leave). The ApprovalRequest keeps the nominal approver;
  delegation is applied only when someone tries to decide, or when a
  delegate asks for their pending queue.

KEY COMPONENTS:
  DelegationResolver: Read side, with a short TTL cache
  DelegationManager:  Write side, validation + overlap guard + audit

RULES:
  - start_date <= end_date, supervisor != delegate
  - A supervisor has at most one active delegation on any given day.
    Overlapping windows are rejected when written. Should legacy data
    still hold several, the most recently started window wins.

SEE ALSO:
  - engine.go: Calls EffectiveApprover during approve/reject
  - store.go: DelegationStore
*/
package approval

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// DefaultDelegationCacheTTL bounds how stale a delegation lookup may be.
const DefaultDelegationCacheTTL = 30 * time.Second

// =============================================================================
// RESOLVER
// =============================================================================

type timedEntry[T any] struct {
	value   T
	expires time.Time
}

type delegationKey struct {
	employee EmployeeID
	on       Date
}

// DelegationResolver answers "who can act for whom today".
type DelegationResolver struct {
	store DelegationStore
	ttl   time.Duration
	now   func() time.Time

	mu           sync.Mutex
	effective    map[delegationKey]timedEntry[EmployeeID]
	delegatorsOf map[delegationKey]timedEntry[[]EmployeeID]
}

// NewDelegationResolver creates a resolver. A ttl <= 0 disables caching.
func NewDelegationResolver(store DelegationStore, ttl time.Duration) *DelegationResolver {
	return &DelegationResolver{
		store:        store,
		ttl:          ttl,
		now:          time.Now,
		effective:    make(map[delegationKey]timedEntry[EmployeeID]),
		delegatorsOf: make(map[delegationKey]timedEntry[[]EmployeeID]),
	}
}

// EffectiveApprover returns the delegate standing in for nominal on the
// given day, or nominal itself.
func (r *DelegationResolver) EffectiveApprover(ctx context.Context, nominal EmployeeID, on Date) (EmployeeID, error) {
	key := delegationKey{employee: nominal, on: on}
	if v, ok := r.cachedEffective(key); ok {
		return v, nil
	}

	active, err := r.store.ListActiveDelegations(ctx, DelegationFilter{SupervisorID: nominal, On: on})
	if err != nil {
		return "", fmt.Errorf("list delegations for %s: %w", nominal, err)
	}
	result := nominal
	if d := latestStarted(active, on); d != nil {
		result = d.DelegateID
	}

	r.mu.Lock()
	if r.ttl > 0 {
		r.effective[key] = timedEntry[EmployeeID]{value: result, expires: r.now().Add(r.ttl)}
	}
	r.mu.Unlock()
	return result, nil
}

// DelegatorsFor returns the nominal approvers delegate currently acts for.
func (r *DelegationResolver) DelegatorsFor(ctx context.Context, delegate EmployeeID, on Date) ([]EmployeeID, error) {
	key := delegationKey{employee: delegate, on: on}
	r.mu.Lock()
	if e, ok := r.delegatorsOf[key]; ok && r.now().Before(e.expires) {
		r.mu.Unlock()
		return append([]EmployeeID(nil), e.value...), nil
	}
	r.mu.Unlock()

	active, err := r.store.ListActiveDelegations(ctx, DelegationFilter{DelegateID: delegate, On: on})
	if err != nil {
		return nil, fmt.Errorf("list delegations to %s: %w", delegate, err)
	}

	// A supervisor only counts if this delegate is their winning delegation.
	bySupervisor := make(map[EmployeeID][]*Delegation)
	for _, d := range active {
		bySupervisor[d.SupervisorID] = append(bySupervisor[d.SupervisorID], d)
	}
	var out []EmployeeID
	for sup := range bySupervisor {
		all, err := r.store.ListActiveDelegations(ctx, DelegationFilter{SupervisorID: sup, On: on})
		if err != nil {
			return nil, fmt.Errorf("list delegations for %s: %w", sup, err)
		}
		if d := latestStarted(all, on); d != nil && d.DelegateID == delegate {
			out = append(out, sup)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })

	r.mu.Lock()
	if r.ttl > 0 {
		r.delegatorsOf[key] = timedEntry[[]EmployeeID]{value: out, expires: r.now().Add(r.ttl)}
	}
	r.mu.Unlock()
	return append([]EmployeeID(nil), out...), nil
}

// Invalidate drops every cached lookup.
func (r *DelegationResolver) Invalidate() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.effective = make(map[delegationKey]timedEntry[EmployeeID])
	r.delegatorsOf = make(map[delegationKey]timedEntry[[]EmployeeID])
}

func (r *DelegationResolver) cachedEffective(key delegationKey) (EmployeeID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.effective[key]
	if !ok {
		return "", false
	}
	if !r.now().Before(e.expires) {
		delete(r.effective, key)
		return "", false
	}
	return e.value, true
}

func latestStarted(ds []*Delegation, on Date) *Delegation {
	var best *Delegation
	for _, d := range ds {
		if !d.Covers(on) {
			continue
		}
		if best == nil || d.StartDate.After(best.StartDate) ||
			(d.StartDate.Equal(best.StartDate) && d.CreatedAt.After(best.CreatedAt)) {
			best = d
		}
	}
	return best
}

// =============================================================================
// MANAGER
// =============================================================================

// DelegationManager validates and persists delegations.
type DelegationManager struct {
	Store    DelegationStore
	Resolver *DelegationResolver
	Audit    AuditLog
	Log      zerolog.Logger
	Now      func() time.Time
}

// DelegationPatch holds the editable fields; nil means unchanged.
type DelegationPatch struct {
	DelegateID *EmployeeID
	StartDate  *Date
	EndDate    *Date
	IsActive   *bool
	Reason     *string
}

func (m *DelegationManager) now() time.Time {
	if m.Now != nil {
		return m.Now().UTC()
	}
	return time.Now().UTC()
}

// Create validates and stores a new delegation.
func (m *DelegationManager) Create(ctx context.Context, actor EmployeeID, d Delegation) (*Delegation, error) {
	if d.ID == "" {
		d.ID = uuid.New().String()
	}
	now := m.now()
	d.CreatedAt = now
	d.UpdatedAt = now
	if err := d.Validate(); err != nil {
		return nil, err
	}
	if err := m.checkOverlap(ctx, &d); err != nil {
		return nil, err
	}
	if err := m.Store.SaveDelegation(ctx, &d); err != nil {
		return nil, fmt.Errorf("save delegation: %w", err)
	}
	m.afterWrite(ctx, actor, AuditDelegationCreated, &d)
	return &d, nil
}

// Update applies a patch to an existing delegation.
func (m *DelegationManager) Update(ctx context.Context, actor EmployeeID, id string, patch DelegationPatch) (*Delegation, error) {
	d, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if patch.DelegateID != nil {
		d.DelegateID = *patch.DelegateID
	}
	if patch.StartDate != nil {
		d.StartDate = *patch.StartDate
	}
	if patch.EndDate != nil {
		d.EndDate = *patch.EndDate
	}
	if patch.IsActive != nil {
		d.IsActive = Flag(*patch.IsActive)
	}
	if patch.Reason != nil {
		d.Reason = *patch.Reason
	}
	d.UpdatedAt = m.now()
	if err := d.Validate(); err != nil {
		return nil, err
	}
	if err := m.checkOverlap(ctx, d); err != nil {
		return nil, err
	}
	if err := m.Store.SaveDelegation(ctx, d); err != nil {
		return nil, fmt.Errorf("save delegation: %w", err)
	}
	m.afterWrite(ctx, actor, AuditDelegationUpdated, d)
	return d, nil
}

// Deactivate switches a delegation off. Deactivating twice is a no-op.
func (m *DelegationManager) Deactivate(ctx context.Context, actor EmployeeID, id string) (*Delegation, error) {
	d, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !d.IsActive {
		return d, nil
	}
	d.IsActive = false
	d.UpdatedAt = m.now()
	if err := m.Store.SaveDelegation(ctx, d); err != nil {
		return nil, fmt.Errorf("save delegation: %w", err)
	}
	m.afterWrite(ctx, actor, AuditDelegationDeactivated, d)
	return d, nil
}

func (m *DelegationManager) Get(ctx context.Context, id string) (*Delegation, error) {
	d, err := m.Store.GetDelegation(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get delegation: %w", err)
	}
	if d == nil {
		return nil, &NotFoundError{Kind: "delegation", ID: id}
	}
	return d, nil
}

func (m *DelegationManager) ListBySupervisor(ctx context.Context, supervisor EmployeeID) ([]*Delegation, error) {
	return m.Store.ListDelegationsBySupervisor(ctx, supervisor)
}

func (m *DelegationManager) checkOverlap(ctx context.Context, d *Delegation) error {
	if !d.IsActive {
		return nil
	}
	existing, err := m.Store.ListDelegationsBySupervisor(ctx, d.SupervisorID)
	if err != nil {
		return fmt.Errorf("list delegations: %w", err)
	}
	for _, other := range existing {
		if other.ID == d.ID || !other.IsActive {
			continue
		}
		if d.Overlaps(other) {
			return Invalid("start_date", "overlaps active delegation %s (%s to %s)",
				other.ID, other.StartDate, other.EndDate)
		}
	}
	return nil
}

func (m *DelegationManager) afterWrite(ctx context.Context, actor EmployeeID, action AuditAction, d *Delegation) {
	if m.Resolver != nil {
		m.Resolver.Invalidate()
	}
	m.Log.Info().
		Str("delegation_id", d.ID).
		Str("supervisor_id", string(d.SupervisorID)).
		Str("delegate_id", string(d.DelegateID)).
		Str("action", string(action)).
		Msg("delegation changed")
	if m.Audit == nil {
		return
	}
	entry := AuditEntry{
		ID:        uuid.New().String(),
		Timestamp: m.now(),
		ActorID:   actor,
		Action:    action,
		Payload: map[string]any{
			"delegation_id": d.ID,
			"supervisor_id": string(d.SupervisorID),
			"delegate_id":   string(d.DelegateID),
			"start_date":    d.StartDate.String(),
			"end_date":      d.EndDate.String(),
			"is_active":     bool(d.IsActive),
		},
	}
	if err := m.Audit.Append(ctx, entry); err != nil {
		m.Log.Warn().Err(err).Str("delegation_id", d.ID).Msg("failed to append audit entry")
	}
}
