/*
errors.go - Centralized error types for the approval engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  Business modules (payroll, leave) return these errors unchanged or wrap
  them with additional context; the HTTP layer maps them to status codes.

ERROR CATEGORIES:
  1. NotFound - Missing approval request, delegation, payroll, ...
  2. Forbidden - Caller is neither the approver nor an active delegate
  3. InvalidStatusTransition - Request or payroll is not in the expected state
  4. Validation - Malformed input (self-approval, bad dates, unknown type)
  5. Store errors - Concurrency conflicts, retryable

USAGE:
    if errors.Is(err, approval.ErrForbidden) {
        // 403
    }

SEE ALSO:
  - engine.go: Produces most of these errors
  - api/handlers.go: Maps them to HTTP responses
*/
package approval

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrNotFound is returned when a referenced record doesn't exist.
	ErrNotFound = errors.New("not found")

	// ErrForbidden is returned when the caller may not act on a request.
	ErrForbidden = errors.New("forbidden")

	// ErrInvalidStatusTransition is returned when a record is not in a state
	// that allows the requested operation.
	ErrInvalidStatusTransition = errors.New("invalid status transition")

	// ErrValidation is returned for malformed input.
	ErrValidation = errors.New("validation failed")

	// ErrConcurrentModification is returned when a compare-and-set update
	// loses a race. The caller may retry.
	ErrConcurrentModification = errors.New("concurrent modification detected")

	// ErrDuplicatePendingLevel is returned when a pending request already
	// exists for the same (request_type, request_id, approval_level).
	ErrDuplicatePendingLevel = errors.New("pending approval already exists for level")

	// ErrRoleNotResolved is returned when an org role has no holder.
	// This is a configuration problem, never a business rejection.
	ErrRoleNotResolved = errors.New("role not resolved")

	// ErrStoreBusy is returned when the database stayed locked after retries.
	ErrStoreBusy = errors.New("store busy")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// NotFoundError names the missing record.
type NotFoundError struct {
	Kind string // "approval_request", "delegation", "payroll", ...
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Kind, e.ID)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// ForbiddenError explains who tried to act on what.
type ForbiddenError struct {
	ActorID    EmployeeID
	ApprovalID string
	Reason     string
}

func (e *ForbiddenError) Error() string {
	return fmt.Sprintf("employee %s may not act on approval %s: %s", e.ActorID, e.ApprovalID, e.Reason)
}

func (e *ForbiddenError) Unwrap() error { return ErrForbidden }

// TransitionError provides details about a rejected state change.
type TransitionError struct {
	Entity string
	ID     string
	From   string
	To     string
}

func (e *TransitionError) Error() string {
	if e.To == "" {
		return fmt.Sprintf("%s %s is %s, operation not allowed", e.Entity, e.ID, e.From)
	}
	return fmt.Sprintf("%s %s cannot move from %s to %s", e.Entity, e.ID, e.From, e.To)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidStatusTransition }

// ValidationError points at the offending field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// Invalid is shorthand for a ValidationError.
func Invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// ConfigurationError wraps failures caused by deployment setup, such as a
// role with no holder for a tenant.
type ConfigurationError struct {
	Err error
}

func (e *ConfigurationError) Error() string { return "configuration: " + e.Err.Error() }

func (e *ConfigurationError) Unwrap() error { return e.Err }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrentModification) ||
		errors.Is(err, ErrDuplicatePendingLevel) ||
		errors.Is(err, ErrStoreBusy)
}

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrForbidden) ||
		errors.Is(err, ErrInvalidStatusTransition)
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsConfigurationError returns true if the failure is an org setup problem.
func IsConfigurationError(err error) bool {
	var ce *ConfigurationError
	return errors.As(err, &ce) || errors.Is(err, ErrRoleNotResolved)
}
