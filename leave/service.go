package leave

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/warp/hris-approvals/approval"
)

// DefaultLongLeaveDays is the length above which HR must also approve.
const DefaultLongLeaveDays = 5

// =============================================================================
// SERVICE - Request lifecycle, status driven by the approval chain
// =============================================================================

type Service struct {
	Store         Store
	Engine        *approval.Engine
	Roles         approval.RoleResolver
	LongLeaveDays int // 0 means DefaultLongLeaveDays
	Log           zerolog.Logger
	Now           func() time.Time
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

func (s *Service) longLeaveDays() int {
	if s.LongLeaveDays > 0 {
		return s.LongLeaveDays
	}
	return DefaultLongLeaveDays
}

// Policy sends every request to the supervisor and adds an HR manager
// level for requests longer than LongLeaveDays.
func (s *Service) Policy() approval.Policy {
	return approval.PolicyFunc{
		Resolver: s.Roles,
		RolesFor: func(ctx context.Context, ref approval.ChainRef) ([]string, error) {
			r, err := s.Store.GetLeaveRequest(ctx, ref.RequestID)
			if err != nil {
				return nil, fmt.Errorf("get leave request: %w", err)
			}
			if r == nil {
				return nil, &approval.NotFoundError{Kind: "leave_request", ID: ref.RequestID}
			}
			if r.Days > s.longLeaveDays() {
				return []string{approval.RoleSupervisor, approval.RoleHRManager}, nil
			}
			return []string{approval.RoleSupervisor}, nil
		},
	}
}

func (s *Service) Register(policies *approval.PolicyRegistry, callbacks *approval.CallbackRegistry) {
	policies.Register(approval.RequestLeave, s.Policy())
	callbacks.Register(approval.RequestLeave, s)
}

type SubmitInput struct {
	TenantID   approval.TenantID
	EmployeeID approval.EmployeeID
	Kind       Kind
	StartDate  approval.Date
	EndDate    approval.Date
	Reason     string
}

// Submit stores a pending leave request and opens its approval chain.
func (s *Service) Submit(ctx context.Context, in SubmitInput) (*Request, error) {
	now := s.now()
	r := &Request{
		ID:         uuid.New().String(),
		TenantID:   in.TenantID,
		EmployeeID: in.EmployeeID,
		Kind:       in.Kind,
		StartDate:  in.StartDate,
		EndDate:    in.EndDate,
		Reason:     in.Reason,
		Status:     StatusPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if !r.StartDate.IsZero() && !r.EndDate.IsZero() {
		r.Days = Workdays(r.StartDate, r.EndDate)
	}
	if err := r.Validate(); err != nil {
		return nil, err
	}

	var saved bool
	err := s.Engine.Store.WithTx(ctx, func(ctx context.Context, _ approval.Store) error {
		saved = false
		if err := s.Store.SaveLeaveRequest(ctx, r); err != nil {
			return fmt.Errorf("save leave request: %w", err)
		}
		saved = true
		_, err := s.Engine.CreateChain(ctx, approval.ChainSpec{
			TenantID:    r.TenantID,
			RequestType: approval.RequestLeave,
			RequestID:   r.ID,
			EmployeeID:  r.EmployeeID,
			Comments:    r.Reason,
		})
		return err
	})
	if err != nil {
		if !saved {
			return nil, err
		}
		// the request is kept for the record but can never be decided
		r.Status = StatusCancelled
		r.DecisionReason = "approval chain could not be opened"
		r.UpdatedAt = s.now()
		if saveErr := s.Store.SaveLeaveRequest(ctx, r); saveErr != nil {
			s.Log.Error().Err(saveErr).Str("leave_id", r.ID).Msg("failed to close leave request after chain error")
		}
		return nil, err
	}

	s.Log.Info().
		Str("leave_id", r.ID).
		Str("employee_id", string(r.EmployeeID)).
		Int("days", r.Days).
		Msg("leave request submitted")
	return r, nil
}

func (s *Service) Get(ctx context.Context, id string) (*Request, error) {
	r, err := s.Store.GetLeaveRequest(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get leave request: %w", err)
	}
	if r == nil {
		return nil, &approval.NotFoundError{Kind: "leave_request", ID: id}
	}
	return r, nil
}

func (s *Service) ListForEmployee(ctx context.Context, employee approval.EmployeeID) ([]*Request, error) {
	return s.Store.ListLeaveRequests(ctx, employee)
}

// Cancel withdraws a pending request. Only the requester may cancel.
func (s *Service) Cancel(ctx context.Context, id string, actor approval.EmployeeID) (*Request, error) {
	r, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if r.Status != StatusPending {
		return nil, &approval.TransitionError{Entity: "leave_request", ID: id, From: string(r.Status), To: string(StatusCancelled)}
	}
	chain, err := s.Engine.Chain(ctx, approval.RequestLeave, id)
	if err != nil {
		return nil, err
	}
	if _, err := s.Engine.Cancel(ctx, chain.Tail().ID, actor); err != nil {
		return nil, err
	}
	return s.Get(ctx, id)
}

// =============================================================================
// CHAIN CALLBACKS
// =============================================================================

func (s *Service) OnChainApproved(ctx context.Context, ref approval.ChainRef, final *approval.ApprovalRequest) error {
	return s.settle(ctx, ref.RequestID, StatusApproved, final)
}

func (s *Service) OnChainRejected(ctx context.Context, ref approval.ChainRef, rejected *approval.ApprovalRequest) error {
	return s.settle(ctx, ref.RequestID, StatusRejected, rejected)
}

func (s *Service) OnChainCancelled(ctx context.Context, ref approval.ChainRef, cancelled *approval.ApprovalRequest) error {
	return s.settle(ctx, ref.RequestID, StatusCancelled, cancelled)
}

// settle moves a pending request to its final status. Repeating the same
// outcome is a no-op.
func (s *Service) settle(ctx context.Context, id string, to Status, decided *approval.ApprovalRequest) error {
	r, err := s.Store.GetLeaveRequest(ctx, id)
	if err != nil {
		return fmt.Errorf("get leave request: %w", err)
	}
	if r == nil {
		return &approval.NotFoundError{Kind: "leave_request", ID: id}
	}
	if r.Status == to {
		return nil
	}
	if r.Status != StatusPending {
		return &approval.TransitionError{Entity: "leave_request", ID: id, From: string(r.Status), To: string(to)}
	}
	r.Status = to
	r.DecidedBy = decided.DecidedBy
	r.DecidedAt = decided.ReviewedAt
	if to == StatusRejected {
		r.DecisionReason = decided.Comments
	}
	r.UpdatedAt = s.now()
	if err := s.Store.SaveLeaveRequest(ctx, r); err != nil {
		return fmt.Errorf("save leave request: %w", err)
	}
	s.Log.Info().Str("leave_id", id).Str("status", string(to)).Msg("leave request settled")
	return nil
}
