/*
policy.go - Per request type approval policies

PURPOSE:
  A Policy decides how many levels a chain has and who approves each
  level. The engine asks it when a chain is opened and every time a
  non-final level is approved, which is how is_final_approval and
  next_approver_id get their values.

HOW IT WORKS:
  1. Business modules register a Policy for their RequestType
  2. CreateChain looks the policy up (SingleLevel when none is registered)
  3. Level N is final iff N == Levels(ref)
  4. next_approver_id of level N is ApproverFor(ref, N+1)

USAGE:
  registry.Register(approval.RequestPayroll, approval.RolePolicy{
      Roles:    []string{approval.RoleFinanceManager, approval.RoleCEO},
      Resolver: directory,
  })

SEE ALSO:
  - engine.go: Consumer
  - payroll/service.go, leave/service.go: Registrations
*/
package approval

import (
	"context"
	"fmt"
	"sync"
)

// Policy plans the levels of a chain.
type Policy interface {
	// Levels returns the total number of levels for the chain, >= 1.
	Levels(ctx context.Context, ref ChainRef) (int, error)

	// ApproverFor returns the nominal approver of level (1-based).
	ApproverFor(ctx context.Context, ref ChainRef, level int) (EmployeeID, error)
}

// =============================================================================
// POLICY REGISTRY
// =============================================================================

type PolicyRegistry struct {
	mu       sync.RWMutex
	policies map[RequestType]Policy
}

func NewPolicyRegistry() *PolicyRegistry {
	return &PolicyRegistry{policies: make(map[RequestType]Policy)}
}

// Register sets the policy for a request type, replacing any previous one.
func (r *PolicyRegistry) Register(t RequestType, p Policy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.policies[t] = p
}

// Lookup returns the registered policy, or SingleLevel.
func (r *PolicyRegistry) Lookup(t RequestType) Policy {
	if r == nil {
		return SingleLevel{}
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if p, ok := r.policies[t]; ok {
		return p
	}
	return SingleLevel{}
}

// =============================================================================
// BUILT-IN POLICIES
// =============================================================================

// SingleLevel is a one-level chain; the approver is supplied by the caller.
type SingleLevel struct{}

func (SingleLevel) Levels(context.Context, ChainRef) (int, error) { return 1, nil }

func (SingleLevel) ApproverFor(_ context.Context, _ ChainRef, level int) (EmployeeID, error) {
	return "", Invalid("approver_id", "single-level chains need an explicit approver (level %d)", level)
}

// FixedApprovers uses the same list of approvers for every chain.
type FixedApprovers []EmployeeID

func (f FixedApprovers) Levels(context.Context, ChainRef) (int, error) {
	if len(f) == 0 {
		return 0, &ConfigurationError{Err: fmt.Errorf("fixed approver policy is empty")}
	}
	return len(f), nil
}

func (f FixedApprovers) ApproverFor(_ context.Context, _ ChainRef, level int) (EmployeeID, error) {
	if level < 1 || level > len(f) {
		return "", fmt.Errorf("level %d out of range 1..%d", level, len(f))
	}
	return f[level-1], nil
}

// RolePolicy resolves each level from an org role. RoleSupervisor maps
// to the requester's direct supervisor.
type RolePolicy struct {
	Roles    []string
	Resolver RoleResolver
}

func (p RolePolicy) Levels(context.Context, ChainRef) (int, error) {
	if len(p.Roles) == 0 {
		return 0, &ConfigurationError{Err: fmt.Errorf("role policy has no roles")}
	}
	return len(p.Roles), nil
}

func (p RolePolicy) ApproverFor(ctx context.Context, ref ChainRef, level int) (EmployeeID, error) {
	if level < 1 || level > len(p.Roles) {
		return "", fmt.Errorf("level %d out of range 1..%d", level, len(p.Roles))
	}
	return resolveRole(ctx, p.Resolver, p.Roles[level-1], ref.TenantID, ref.EmployeeID)
}

// PolicyFunc adapts a function returning a role list per chain, for
// policies whose depth depends on the business entity.
type PolicyFunc struct {
	RolesFor func(ctx context.Context, ref ChainRef) ([]string, error)
	Resolver RoleResolver
}

func (p PolicyFunc) roles(ctx context.Context, ref ChainRef) (RolePolicy, error) {
	roles, err := p.RolesFor(ctx, ref)
	if err != nil {
		return RolePolicy{}, err
	}
	return RolePolicy{Roles: roles, Resolver: p.Resolver}, nil
}

func (p PolicyFunc) Levels(ctx context.Context, ref ChainRef) (int, error) {
	rp, err := p.roles(ctx, ref)
	if err != nil {
		return 0, err
	}
	return rp.Levels(ctx, ref)
}

func (p PolicyFunc) ApproverFor(ctx context.Context, ref ChainRef, level int) (EmployeeID, error) {
	rp, err := p.roles(ctx, ref)
	if err != nil {
		return "", err
	}
	return rp.ApproverFor(ctx, ref, level)
}
