package approval

import (
	"context"
	"fmt"
	"io"
	"sync"

	"gopkg.in/yaml.v3"
)

// Well-known org roles.
const (
	RoleSupervisor     = "supervisor" // resolved through SupervisorOf, not ResolveRole
	RoleFinanceManager = "finance_manager"
	RoleCEO            = "ceo"
	RoleHRManager      = "hr_manager"
)

// RoleResolver maps org roles to employees. It is owned by the employee/org
// subsystem; the engine only consumes it.
type RoleResolver interface {
	// ResolveRole returns the current holder of role in tenant.
	// Returns ErrRoleNotResolved when the role is vacant.
	ResolveRole(ctx context.Context, role string, tenant TenantID) (EmployeeID, error)

	// SupervisorOf returns the direct supervisor, ok=false when there is none.
	SupervisorOf(ctx context.Context, employee EmployeeID) (EmployeeID, bool, error)
}

// resolveRole wraps resolver failures as configuration errors.
func resolveRole(ctx context.Context, r RoleResolver, role string, tenant TenantID, employee EmployeeID) (EmployeeID, error) {
	if r == nil {
		return "", &ConfigurationError{Err: fmt.Errorf("%w: no role resolver configured for %s", ErrRoleNotResolved, role)}
	}
	if role == RoleSupervisor {
		sup, ok, err := r.SupervisorOf(ctx, employee)
		if err != nil {
			return "", &ConfigurationError{Err: fmt.Errorf("supervisor of %s: %w", employee, err)}
		}
		if !ok || sup == "" {
			return "", &ConfigurationError{Err: fmt.Errorf("%w: employee %s has no supervisor", ErrRoleNotResolved, employee)}
		}
		return sup, nil
	}
	id, err := r.ResolveRole(ctx, role, tenant)
	if err != nil {
		return "", &ConfigurationError{Err: fmt.Errorf("role %s in tenant %q: %w", role, tenant, err)}
	}
	if id == "" {
		return "", &ConfigurationError{Err: fmt.Errorf("%w: role %s in tenant %q", ErrRoleNotResolved, role, tenant)}
	}
	return id, nil
}

// =============================================================================
// STATIC DIRECTORY - In-memory org chart
// =============================================================================

// StaticDirectory is a RoleResolver backed by maps. Roles registered for
// the empty tenant apply to every tenant without an override.
type StaticDirectory struct {
	mu          sync.RWMutex
	roles       map[TenantID]map[string]EmployeeID
	supervisors map[EmployeeID]EmployeeID
}

func NewStaticDirectory() *StaticDirectory {
	return &StaticDirectory{
		roles:       make(map[TenantID]map[string]EmployeeID),
		supervisors: make(map[EmployeeID]EmployeeID),
	}
}

func (d *StaticDirectory) SetRole(tenant TenantID, role string, holder EmployeeID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.roles[tenant] == nil {
		d.roles[tenant] = make(map[string]EmployeeID)
	}
	d.roles[tenant][role] = holder
}

func (d *StaticDirectory) SetSupervisor(employee, supervisor EmployeeID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.supervisors[employee] = supervisor
}

func (d *StaticDirectory) ResolveRole(_ context.Context, role string, tenant TenantID) (EmployeeID, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if id, ok := d.roles[tenant][role]; ok {
		return id, nil
	}
	if id, ok := d.roles[""][role]; ok {
		return id, nil
	}
	return "", ErrRoleNotResolved
}

func (d *StaticDirectory) SupervisorOf(_ context.Context, employee EmployeeID) (EmployeeID, bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	sup, ok := d.supervisors[employee]
	return sup, ok, nil
}

// directoryFile is the on-disk shape of an org seed file:
//
//	roles:
//	  default:       {ceo: emp-1, finance_manager: emp-2}
//	  tenant-ke:     {hr_manager: emp-7}
//	supervisors:
//	  emp-10: emp-3
type directoryFile struct {
	Roles       map[string]map[string]string `yaml:"roles"`
	Supervisors map[string]string            `yaml:"supervisors"`
}

// LoadDirectory reads a YAML org seed file.
func LoadDirectory(r io.Reader) (*StaticDirectory, error) {
	var f directoryFile
	if err := yaml.NewDecoder(r).Decode(&f); err != nil && err != io.EOF {
		return nil, fmt.Errorf("decode org directory: %w", err)
	}
	d := NewStaticDirectory()
	d.Merge(f.Roles, f.Supervisors)
	return d, nil
}

// Merge adds role holders and supervisor links from plain string maps.
func (d *StaticDirectory) Merge(roles map[string]map[string]string, supervisors map[string]string) {
	for tenant, byRole := range roles {
		if tenant == "*" || tenant == "default" {
			tenant = ""
		}
		for role, holder := range byRole {
			d.SetRole(TenantID(tenant), role, EmployeeID(holder))
		}
	}
	for emp, sup := range supervisors {
		d.SetSupervisor(EmployeeID(emp), EmployeeID(sup))
	}
}
