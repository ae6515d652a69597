package payroll

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/warp/hris-approvals/approval"
	"github.com/warp/hris-approvals/notify"
)

// =============================================================================
// SERVICE
// =============================================================================

// Service runs payroll batches through Finance and CEO approval. It is
// also the approval.Callbacks implementation for payroll chains, which is
// how the payroll status follows the chain.
type Service struct {
	Store     Store
	Engine    *approval.Engine
	Roles     approval.RoleResolver
	AuditLog  approval.AuditLog // optional
	Publisher notify.Publisher  // optional
	Log       zerolog.Logger
	Now       func() time.Time
}

// Policy is the two-level payroll chain: finance manager, then CEO.
func (s *Service) Policy() approval.Policy {
	return approval.RolePolicy{
		Roles:    []string{approval.RoleFinanceManager, approval.RoleCEO},
		Resolver: s.Roles,
	}
}

// Register installs the payroll policy and callbacks on the engine registries.
func (s *Service) Register(policies *approval.PolicyRegistry, callbacks *approval.CallbackRegistry) {
	policies.Register(approval.RequestPayroll, s.Policy())
	callbacks.Register(approval.RequestPayroll, s)
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

// CreateInput holds the fields HR supplies for a new batch.
type CreateInput struct {
	TenantID      approval.TenantID
	Month         int
	Year          int
	TotalGross    decimal.Decimal
	TotalNet      decimal.Decimal
	EmployeeCount int
	CreatedBy     approval.EmployeeID
}

// Create stores a new DRAFT batch. Only one live batch per period is
// allowed; a REJECTED one may be replaced.
func (s *Service) Create(ctx context.Context, in CreateInput) (*Payroll, error) {
	now := s.now()
	p := &Payroll{
		ID:            uuid.New().String(),
		TenantID:      in.TenantID,
		Month:         in.Month,
		Year:          in.Year,
		Status:        StatusDraft,
		TotalGross:    in.TotalGross,
		TotalNet:      in.TotalNet,
		EmployeeCount: in.EmployeeCount,
		CreatedBy:     in.CreatedBy,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}

	existing, err := s.Store.ListPayrolls(ctx, Filter{TenantID: in.TenantID, Year: in.Year, Month: in.Month})
	if err != nil {
		return nil, fmt.Errorf("list payrolls: %w", err)
	}
	for _, other := range existing {
		if other.Status != StatusRejected {
			return nil, approval.Invalid("month", "payroll for %s already exists (%s, %s)", p.Period(), other.ID, other.Status)
		}
	}

	if err := s.Store.SavePayroll(ctx, p); err != nil {
		return nil, fmt.Errorf("save payroll: %w", err)
	}
	s.Log.Info().Str("payroll_id", p.ID).Str("period", p.Period()).Msg("payroll created")
	s.appendAudit(ctx, in.CreatedBy, p, "", StatusDraft, "create")
	return p, nil
}

// Get returns a live batch.
func (s *Service) Get(ctx context.Context, id string) (*Payroll, error) {
	p, err := s.Store.GetPayroll(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get payroll: %w", err)
	}
	if p == nil || p.DeletedAt != nil {
		return nil, &approval.NotFoundError{Kind: "payroll", ID: id}
	}
	return p, nil
}

func (s *Service) List(ctx context.Context, filter Filter) ([]*Payroll, error) {
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, approval.Invalid("status", "unknown status %q", filter.Status)
	}
	return s.Store.ListPayrolls(ctx, filter)
}

// =============================================================================
// TRANSITIONS
// =============================================================================

// Submit sends a DRAFT batch to Finance and opens its approval chain.
func (s *Service) Submit(ctx context.Context, id string, actor approval.EmployeeID) (*Payroll, error) {
	p, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	to, err := s.next(p, ActionSubmit)
	if err != nil {
		return nil, err
	}

	prev := p.clone()
	now := s.now()
	p.Status = to
	p.SubmittedAt = &now
	p.SubmittedBy = actor
	p.RejectionReason = ""
	p.UpdatedAt = now
	err = s.Engine.Store.WithTx(ctx, func(ctx context.Context, _ approval.Store) error {
		if err := s.Store.SavePayroll(ctx, p); err != nil {
			return fmt.Errorf("save payroll: %w", err)
		}
		_, err := s.Engine.CreateChain(ctx, approval.ChainSpec{
			TenantID:    p.TenantID,
			RequestType: approval.RequestPayroll,
			RequestID:   p.ID,
			EmployeeID:  actor,
			Comments:    fmt.Sprintf("payroll %s", p.Period()),
		})
		return err
	})
	if err != nil {
		// SQL stores rolled the save back already; the memory store did not
		if restoreErr := s.Store.SavePayroll(ctx, prev); restoreErr != nil {
			s.Log.Error().Err(restoreErr).Str("payroll_id", p.ID).Msg("failed to restore payroll after chain error")
		}
		return nil, err
	}

	s.afterTransition(ctx, actor, p, prev.Status, ActionSubmit)
	return p, nil
}

// FinanceApprove approves the finance level; the batch moves to PENDING_CEO.
func (s *Service) FinanceApprove(ctx context.Context, id string, decider approval.EmployeeID, comments string) (*Payroll, error) {
	return s.decide(ctx, id, decider, ActionFinanceApprove, comments)
}

// FinanceReject rejects at the finance level.
func (s *Service) FinanceReject(ctx context.Context, id string, decider approval.EmployeeID, reason string) (*Payroll, error) {
	return s.decide(ctx, id, decider, ActionFinanceReject, reason)
}

// CEOApprove gives the final sign-off; the batch becomes APPROVED.
func (s *Service) CEOApprove(ctx context.Context, id string, decider approval.EmployeeID, comments string) (*Payroll, error) {
	return s.decide(ctx, id, decider, ActionCEOApprove, comments)
}

// CEOReject rejects at the CEO level.
func (s *Service) CEOReject(ctx context.Context, id string, decider approval.EmployeeID, reason string) (*Payroll, error) {
	return s.decide(ctx, id, decider, ActionCEOReject, reason)
}

// decide checks the payroll side of the transition, then lets the engine
// authorise and record the decision. The status itself is written by the
// chain callbacks.
func (s *Service) decide(ctx context.Context, id string, decider approval.EmployeeID, action Action, comments string) (*Payroll, error) {
	p, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if _, err := s.next(p, action); err != nil {
		return nil, err
	}

	level := 1
	if p.Status == StatusPendingCEO {
		level = 2
	}
	pending, err := s.pendingLevel(ctx, p, level)
	if err != nil {
		return nil, err
	}

	switch action {
	case ActionFinanceApprove, ActionCEOApprove:
		_, err = s.Engine.Approve(ctx, pending.ID, decider, comments)
	default:
		_, err = s.Engine.Reject(ctx, pending.ID, decider, comments)
	}
	if err != nil {
		return nil, err
	}

	updated, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	s.afterTransition(ctx, decider, updated, p.Status, action)
	return updated, nil
}

func (s *Service) pendingLevel(ctx context.Context, p *Payroll, level int) (*approval.ApprovalRequest, error) {
	chain, err := s.Engine.Chain(ctx, approval.RequestPayroll, p.ID)
	if err != nil {
		return nil, err
	}
	tail := chain.Tail()
	if tail.Status != approval.StatusPending || tail.ApprovalLevel != level {
		return nil, fmt.Errorf("payroll %s is %s but approval level %d is %s: %w",
			p.ID, p.Status, tail.ApprovalLevel, tail.Status, approval.ErrConcurrentModification)
	}
	return tail, nil
}

// MarkProcessed records that an APPROVED batch was paid out. Only the
// finance manager, or their active delegate, may do this.
func (s *Service) MarkProcessed(ctx context.Context, id string, decider approval.EmployeeID) (*Payroll, error) {
	p, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	to, err := s.next(p, ActionProcess)
	if err != nil {
		return nil, err
	}

	now := s.now()
	finance, err := s.Roles.ResolveRole(ctx, approval.RoleFinanceManager, p.TenantID)
	if err != nil {
		return nil, &approval.ConfigurationError{Err: fmt.Errorf("role %s: %w", approval.RoleFinanceManager, err)}
	}
	effective, err := s.Engine.EffectiveApprover(ctx, finance, now)
	if err != nil {
		return nil, err
	}
	if decider != effective {
		return nil, &approval.ForbiddenError{ActorID: decider, ApprovalID: p.ID, Reason: "only the finance manager can mark payroll processed"}
	}

	from := p.Status
	p.Status = to
	p.ProcessedAt = &now
	p.ProcessedBy = decider
	p.UpdatedAt = now
	if err := s.Store.SavePayroll(ctx, p); err != nil {
		return nil, fmt.Errorf("save payroll: %w", err)
	}
	s.afterTransition(ctx, decider, p, from, ActionProcess)
	return p, nil
}

// Delete soft-deletes a DRAFT or REJECTED batch.
func (s *Service) Delete(ctx context.Context, id string, actor approval.EmployeeID) error {
	p, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if p.Status != StatusDraft && p.Status != StatusRejected {
		return &approval.TransitionError{Entity: "payroll", ID: p.ID, From: string(p.Status), To: "deleted"}
	}
	now := s.now()
	p.DeletedAt = &now
	p.UpdatedAt = now
	if err := s.Store.SavePayroll(ctx, p); err != nil {
		return fmt.Errorf("save payroll: %w", err)
	}
	s.appendAudit(ctx, actor, p, p.Status, p.Status, "delete")
	return nil
}

// =============================================================================
// CHAIN CALLBACKS - Idempotent, run inside the engine's transaction
// =============================================================================

func (s *Service) OnLevelApproved(ctx context.Context, ref approval.ChainRef, approved, _ *approval.ApprovalRequest) error {
	return s.mirror(ctx, ref.RequestID, StatusPendingCEO, func(p *Payroll) (Action, error) {
		p.FinanceReviewedAt = approved.ReviewedAt
		p.FinanceReviewedBy = approved.DecidedBy
		return ActionFinanceApprove, nil
	})
}

func (s *Service) OnChainApproved(ctx context.Context, ref approval.ChainRef, final *approval.ApprovalRequest) error {
	return s.mirror(ctx, ref.RequestID, StatusApproved, func(p *Payroll) (Action, error) {
		p.CEOApprovedAt = final.ReviewedAt
		p.CEOApprovedBy = final.DecidedBy
		return ActionCEOApprove, nil
	})
}

func (s *Service) OnChainRejected(ctx context.Context, ref approval.ChainRef, rejected *approval.ApprovalRequest) error {
	return s.mirror(ctx, ref.RequestID, StatusRejected, func(p *Payroll) (Action, error) {
		p.RejectionReason = rejected.Comments
		switch p.Status {
		case StatusPendingFinance:
			p.FinanceReviewedAt = rejected.ReviewedAt
			p.FinanceReviewedBy = rejected.DecidedBy
			return ActionFinanceReject, nil
		case StatusPendingCEO:
			return ActionCEOReject, nil
		}
		return "", &approval.TransitionError{Entity: "payroll", ID: p.ID, From: string(p.Status), To: string(StatusRejected)}
	})
}

// OnChainCancelled refuses: a submitted batch is rejected, never withdrawn.
func (s *Service) OnChainCancelled(_ context.Context, ref approval.ChainRef, _ *approval.ApprovalRequest) error {
	return &approval.TransitionError{Entity: "payroll", ID: ref.RequestID, From: "submitted", To: "cancelled"}
}

// mirror applies the transition chosen by apply unless the batch already
// reached target.
func (s *Service) mirror(ctx context.Context, id string, target Status, apply func(*Payroll) (Action, error)) error {
	p, err := s.Store.GetPayroll(ctx, id)
	if err != nil {
		return fmt.Errorf("get payroll: %w", err)
	}
	if p == nil {
		return &approval.NotFoundError{Kind: "payroll", ID: id}
	}
	if p.Status == target {
		return nil
	}
	action, err := apply(p)
	if err != nil {
		return err
	}
	to, err := s.next(p, action)
	if err != nil {
		return err
	}
	p.Status = to
	p.UpdatedAt = s.now()
	if err := s.Store.SavePayroll(ctx, p); err != nil {
		return fmt.Errorf("save payroll: %w", err)
	}
	s.Log.Debug().Str("payroll_id", id).Str("status", string(to)).Msg("payroll status mirrored from chain")
	return nil
}

// =============================================================================
// HELPERS
// =============================================================================

func (s *Service) next(p *Payroll, action Action) (Status, error) {
	to, err := Next(p.Status, action)
	if err != nil {
		return "", &approval.TransitionError{Entity: "payroll", ID: p.ID, From: string(p.Status), To: string(action)}
	}
	return to, nil
}

func (s *Service) afterTransition(ctx context.Context, actor approval.EmployeeID, p *Payroll, from Status, action Action) {
	s.Log.Info().
		Str("payroll_id", p.ID).
		Str("period", p.Period()).
		Str("from", string(from)).
		Str("to", string(p.Status)).
		Str("actor", string(actor)).
		Msg("payroll transition")
	s.appendAudit(ctx, actor, p, from, p.Status, string(action))

	if s.Publisher == nil {
		return
	}
	recipients := []string{string(p.CreatedBy)}
	if p.SubmittedBy != "" && p.SubmittedBy != p.CreatedBy {
		recipients = append(recipients, string(p.SubmittedBy))
	}
	s.Publisher.Publish(ctx, notify.Event{
		EventType:    notify.EventPayrollStatusChanged,
		TenantID:     string(p.TenantID),
		ActorID:      string(actor),
		Recipients:   recipients,
		ResourceType: string(approval.RequestPayroll),
		ResourceID:   p.ID,
		OccurredAt:   s.now(),
		Payload: map[string]any{
			"period": p.Period(),
			"from":   string(from),
			"to":     string(p.Status),
		},
	})
}

func (s *Service) appendAudit(ctx context.Context, actor approval.EmployeeID, p *Payroll, from, to Status, action string) {
	if s.AuditLog == nil {
		return
	}
	entry := approval.AuditEntry{
		ID:          uuid.New().String(),
		Timestamp:   s.now(),
		ActorID:     actor,
		Action:      approval.AuditPayrollTransition,
		RequestType: approval.RequestPayroll,
		RequestID:   p.ID,
		Payload: map[string]any{
			"action": action,
			"from":   string(from),
			"to":     string(to),
			"period": p.Period(),
		},
	}
	if err := s.AuditLog.Append(ctx, entry); err != nil {
		s.Log.Warn().Err(err).Str("payroll_id", p.ID).Msg("failed to append audit entry")
	}
}
