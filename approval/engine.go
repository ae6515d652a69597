/*
engine.go - Approval decision engine

PURPOSE:
  Opens approval chains and applies decisions to them. This is the only
  code that changes an ApprovalRequest's status.

OPERATIONS:
  CreateChain:    Insert level 1 (approver and finality from the policy)
  Approve:        pending -> approved; final fires OnChainApproved,
                  non-final inserts level N+1 in the same transaction
  Reject:         pending -> rejected; fires OnChainRejected, chain ends
  Cancel:         pending -> cancelled by the requester only
  ListPendingFor: Queue of an approver, including delegated work
  Chain:          Levels of the latest chain for a business entity

APPROVE FLOW:
  1. Load request                      (NotFound)
  2. Status == pending?                (InvalidStatusTransition)
  3. Decider is not the requester and
     is the effective approver?        (Forbidden)
  4. Compare-and-set status            (ConcurrentModification, retryable)
  5. Final: callback. Else insert next level (DuplicatePendingLevel, retryable)
  All steps share one transaction; any error rolls all of them back.

  No level of a chain may be addressed to the requester. CreateChain
  checks every planned approver, and each new level is checked again.

AFTER COMMIT:
  Audit entries and notifications are best effort. A failure is logged
  and never undoes a committed decision.

SEE ALSO:
  - delegation.go: Effective approver
  - policy.go: Levels and approvers
  - callbacks.go: Business module hooks
*/
package approval

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/warp/hris-approvals/notify"
	"github.com/warp/hris-approvals/tracing"
)

// =============================================================================
// ENGINE
// =============================================================================

type Engine struct {
	Store       TxStore
	Delegations *DelegationResolver // optional, nil disables delegation
	Policies    *PolicyRegistry     // optional, SingleLevel for every type
	Callbacks   *CallbackRegistry   // optional
	AuditLog    AuditLog            // optional
	Publisher   notify.Publisher    // optional
	Log         zerolog.Logger
	Now         func() time.Time
}

// ChainSpec describes a chain to open.
type ChainSpec struct {
	// ID is the level-1 record id. Callers that retry should generate it
	// once and resend it; a second create with the same id is a no-op.
	ID          string
	TenantID    TenantID
	RequestType RequestType
	RequestID   string
	EmployeeID  EmployeeID
	// ApproverID overrides the policy's level-1 approver when set.
	ApproverID EmployeeID
	Comments   string
}

// Decision is the result of Approve.
type Decision struct {
	Request *ApprovalRequest `json:"request"`
	// Next is the newly created level, nil when the chain completed.
	Next          *ApprovalRequest `json:"next,omitempty"`
	ChainComplete bool             `json:"chain_complete"`
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now().UTC()
	}
	return time.Now().UTC()
}

// =============================================================================
// CREATE CHAIN
// =============================================================================

func (e *Engine) CreateChain(ctx context.Context, spec ChainSpec) (req *ApprovalRequest, err error) {
	ctx, span := tracing.StartSpan(ctx, "approval.CreateChain",
		"request_type", string(spec.RequestType), "request_id", spec.RequestID)
	defer func() { tracing.EndSpan(span, err) }()

	if !spec.RequestType.Valid() {
		return nil, Invalid("request_type", "unknown request type %q", spec.RequestType)
	}
	if spec.RequestID == "" {
		return nil, Invalid("request_id", "required")
	}
	if spec.EmployeeID == "" {
		return nil, Invalid("employee_id", "required")
	}

	ref := ChainRef{
		TenantID:    spec.TenantID,
		RequestType: spec.RequestType,
		RequestID:   spec.RequestID,
		EmployeeID:  spec.EmployeeID,
	}
	policy := e.Policies.Lookup(spec.RequestType)

	levels, err := policy.Levels(ctx, ref)
	if err != nil {
		return nil, err
	}
	if levels < 1 {
		return nil, &ConfigurationError{Err: fmt.Errorf("policy for %s returned %d levels", spec.RequestType, levels)}
	}

	approver := spec.ApproverID
	if approver == "" {
		if approver, err = policy.ApproverFor(ctx, ref, 1); err != nil {
			return nil, err
		}
	}
	if approver == spec.EmployeeID {
		return nil, Invalid("approver_id", "employee %s cannot approve their own request", spec.EmployeeID)
	}

	now := e.now()
	req = &ApprovalRequest{
		ID:              spec.ID,
		TenantID:        spec.TenantID,
		RequestType:     spec.RequestType,
		RequestID:       spec.RequestID,
		EmployeeID:      spec.EmployeeID,
		ApproverID:      approver,
		ApprovalLevel:   1,
		IsFinalApproval: levels == 1,
		Status:          StatusPending,
		Comments:        spec.Comments,
		SubmittedAt:     now,
		UpdatedAt:       now,
	}
	if req.ID == "" {
		req.ID = uuid.New().String()
	}
	for level := 2; level <= levels; level++ {
		planned, err := policy.ApproverFor(ctx, ref, level)
		if err != nil {
			return nil, err
		}
		if planned == spec.EmployeeID {
			return nil, Invalid("approver_id", "employee %s cannot approve their own request at level %d", spec.EmployeeID, level)
		}
		if level == 2 {
			req.NextApproverID = planned
		}
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}

	created := true
	err = e.Store.WithTx(ctx, func(ctx context.Context, s Store) error {
		existing, err := s.Get(ctx, req.ID)
		if err != nil {
			return fmt.Errorf("get approval request: %w", err)
		}
		if existing != nil {
			if existing.RequestType != req.RequestType || existing.RequestID != req.RequestID {
				return Invalid("id", "approval id %s already used by %s/%s",
					req.ID, existing.RequestType, existing.RequestID)
			}
			req = existing
			created = false
			return nil
		}

		records, err := s.ListBySource(ctx, req.RequestType, req.RequestID)
		if err != nil {
			return fmt.Errorf("list chain: %w", err)
		}
		for _, r := range records {
			if r.Status == StatusPending {
				return Invalid("request_id", "%s %s already has a pending approval at level %d",
					r.RequestType, r.RequestID, r.ApprovalLevel)
			}
		}
		return s.Insert(ctx, req)
	})
	if err != nil {
		return nil, err
	}
	if !created {
		return req, nil
	}

	e.Log.Info().
		Str("approval_id", req.ID).
		Str("request_type", string(req.RequestType)).
		Str("request_id", req.RequestID).
		Str("approver_id", string(req.ApproverID)).
		Bool("is_final", req.IsFinalApproval).
		Msg("approval chain created")
	e.appendAudit(ctx, spec.EmployeeID, AuditChainCreated, req, map[string]any{
		"approver_id": string(req.ApproverID),
		"is_final":    req.IsFinalApproval,
	})
	e.publishRequested(ctx, req)
	return req, nil
}

// =============================================================================
// APPROVE
// =============================================================================

func (e *Engine) Approve(ctx context.Context, id string, decider EmployeeID, comments string) (d *Decision, err error) {
	ctx, span := tracing.StartSpan(ctx, "approval.Approve", "approval_id", id, "decider", string(decider))
	defer func() { tracing.EndSpan(span, err) }()

	now := e.now()
	d = &Decision{}
	err = e.Store.WithTx(ctx, func(ctx context.Context, s Store) error {
		req, err := e.authorize(ctx, s, id, decider, StatusApproved, now)
		if err != nil {
			return err
		}

		if err := s.UpdateStatus(ctx, id, StatusUpdate{
			Status:     StatusApproved,
			DecidedBy:  decider,
			Comments:   comments,
			ReviewedAt: now,
		}); err != nil {
			return err
		}
		applyDecision(req, StatusApproved, decider, comments, now)
		d.Request = req

		cb := e.Callbacks.Lookup(req.RequestType)
		if req.IsFinalApproval {
			d.ChainComplete = true
			if cb != nil {
				if err := cb.OnChainApproved(ctx, req.Ref(), req); err != nil {
					return fmt.Errorf("completion callback for %s %s: %w", req.RequestType, req.RequestID, err)
				}
			}
			return nil
		}

		next, err := e.nextLevel(ctx, req, now)
		if err != nil {
			return err
		}
		if err := s.Insert(ctx, next); err != nil {
			return err
		}
		d.Next = next
		if obs, ok := cb.(LevelObserver); ok {
			if err := obs.OnLevelApproved(ctx, req.Ref(), req, next); err != nil {
				return fmt.Errorf("level callback for %s %s: %w", req.RequestType, req.RequestID, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	req := d.Request
	logEvt := e.Log.Info().
		Str("approval_id", req.ID).
		Str("request_type", string(req.RequestType)).
		Str("request_id", req.RequestID).
		Int("level", req.ApprovalLevel).
		Str("decided_by", string(decider))
	if d.Next != nil {
		logEvt.Str("next_approval_id", d.Next.ID).Msg("approval level approved")
		e.appendAudit(ctx, decider, AuditLevelApproved, req, map[string]any{
			"level":            req.ApprovalLevel,
			"next_approval_id": d.Next.ID,
			"next_approver_id": string(d.Next.ApproverID),
		})
		e.publishRequested(ctx, d.Next)
	} else {
		logEvt.Msg("approval chain approved")
		e.appendAudit(ctx, decider, AuditChainApproved, req, map[string]any{"level": req.ApprovalLevel})
		e.publish(ctx, notify.EventApprovalApproved, req, decider, []EmployeeID{req.EmployeeID}, nil)
	}
	return d, nil
}

// nextLevel builds level N+1 from an approved, non-final level N.
func (e *Engine) nextLevel(ctx context.Context, parent *ApprovalRequest, now time.Time) (*ApprovalRequest, error) {
	ref := parent.Ref()
	policy := e.Policies.Lookup(parent.RequestType)
	levels, err := policy.Levels(ctx, ref)
	if err != nil {
		return nil, err
	}

	next := &ApprovalRequest{
		ID:                 uuid.New().String(),
		TenantID:           parent.TenantID,
		RequestType:        parent.RequestType,
		RequestID:          parent.RequestID,
		EmployeeID:         parent.EmployeeID,
		ApproverID:         parent.NextApproverID,
		ApprovalLevel:      parent.ApprovalLevel + 1,
		PreviousApprovalID: parent.ID,
		IsFinalApproval:    parent.ApprovalLevel+1 >= levels,
		Status:             StatusPending,
		SubmittedAt:        now,
		UpdatedAt:          now,
	}
	if !next.IsFinalApproval {
		if next.NextApproverID, err = policy.ApproverFor(ctx, ref, next.ApprovalLevel+1); err != nil {
			return nil, err
		}
	}
	for _, approver := range []EmployeeID{next.ApproverID, next.NextApproverID} {
		if approver == parent.EmployeeID {
			return nil, Invalid("approver_id", "employee %s cannot approve their own request at level %d", parent.EmployeeID, next.ApprovalLevel)
		}
	}
	if err := next.Validate(); err != nil {
		return nil, fmt.Errorf("build level %d: %w", next.ApprovalLevel, err)
	}
	return next, nil
}

// =============================================================================
// REJECT
// =============================================================================

func (e *Engine) Reject(ctx context.Context, id string, decider EmployeeID, reason string) (req *ApprovalRequest, err error) {
	ctx, span := tracing.StartSpan(ctx, "approval.Reject", "approval_id", id, "decider", string(decider))
	defer func() { tracing.EndSpan(span, err) }()

	now := e.now()
	err = e.Store.WithTx(ctx, func(ctx context.Context, s Store) error {
		r, err := e.authorize(ctx, s, id, decider, StatusRejected, now)
		if err != nil {
			return err
		}
		if err := s.UpdateStatus(ctx, id, StatusUpdate{
			Status:     StatusRejected,
			DecidedBy:  decider,
			Comments:   reason,
			ReviewedAt: now,
		}); err != nil {
			return err
		}
		applyDecision(r, StatusRejected, decider, reason, now)
		req = r

		if cb := e.Callbacks.Lookup(r.RequestType); cb != nil {
			if err := cb.OnChainRejected(ctx, r.Ref(), r); err != nil {
				return fmt.Errorf("rejection callback for %s %s: %w", r.RequestType, r.RequestID, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.Log.Info().
		Str("approval_id", req.ID).
		Str("request_type", string(req.RequestType)).
		Str("request_id", req.RequestID).
		Int("level", req.ApprovalLevel).
		Str("decided_by", string(decider)).
		Msg("approval chain rejected")
	e.appendAudit(ctx, decider, AuditChainRejected, req, map[string]any{
		"level":  req.ApprovalLevel,
		"reason": reason,
	})
	e.publish(ctx, notify.EventApprovalRejected, req, decider, []EmployeeID{req.EmployeeID},
		map[string]any{"reason": reason})
	return req, nil
}

// =============================================================================
// CANCEL
// =============================================================================

func (e *Engine) Cancel(ctx context.Context, id string, requester EmployeeID) (req *ApprovalRequest, err error) {
	ctx, span := tracing.StartSpan(ctx, "approval.Cancel", "approval_id", id, "requester", string(requester))
	defer func() { tracing.EndSpan(span, err) }()

	now := e.now()
	err = e.Store.WithTx(ctx, func(ctx context.Context, s Store) error {
		r, err := s.Get(ctx, id)
		if err != nil {
			return fmt.Errorf("get approval request: %w", err)
		}
		if r == nil {
			return &NotFoundError{Kind: "approval_request", ID: id}
		}
		if r.Status != StatusPending {
			return &TransitionError{Entity: "approval_request", ID: id, From: string(r.Status), To: string(StatusCancelled)}
		}
		if r.EmployeeID != requester {
			return &ForbiddenError{ActorID: requester, ApprovalID: id, Reason: "only the requester can cancel"}
		}
		if err := s.UpdateStatus(ctx, id, StatusUpdate{
			Status:     StatusCancelled,
			DecidedBy:  requester,
			ReviewedAt: now,
		}); err != nil {
			return err
		}
		applyDecision(r, StatusCancelled, requester, r.Comments, now)
		req = r

		if obs, ok := e.Callbacks.Lookup(r.RequestType).(CancelObserver); ok {
			if err := obs.OnChainCancelled(ctx, r.Ref(), r); err != nil {
				return fmt.Errorf("cancel callback for %s %s: %w", r.RequestType, r.RequestID, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.Log.Info().
		Str("approval_id", req.ID).
		Str("request_type", string(req.RequestType)).
		Str("request_id", req.RequestID).
		Msg("approval request cancelled")
	e.appendAudit(ctx, requester, AuditRequestCancelled, req, map[string]any{"level": req.ApprovalLevel})
	e.publish(ctx, notify.EventApprovalCancelled, req, requester, []EmployeeID{req.ApproverID}, nil)
	return req, nil
}

// =============================================================================
// QUERIES
// =============================================================================

// Get returns one approval request.
func (e *Engine) Get(ctx context.Context, id string) (*ApprovalRequest, error) {
	req, err := e.Store.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get approval request: %w", err)
	}
	if req == nil {
		return nil, &NotFoundError{Kind: "approval_request", ID: id}
	}
	return req, nil
}

// ListPendingFor returns the pending queue of approver, oldest first. It
// includes requests addressed to supervisors the approver currently
// stands in for.
func (e *Engine) ListPendingFor(ctx context.Context, approver EmployeeID) ([]*ApprovalRequest, error) {
	if approver == "" {
		return nil, Invalid("approver_id", "required")
	}
	approvers := []EmployeeID{approver}
	if e.Delegations != nil {
		delegators, err := e.Delegations.DelegatorsFor(ctx, approver, DateOf(e.now()))
		if err != nil {
			return nil, err
		}
		approvers = append(approvers, delegators...)
	}
	pending, err := e.Store.ListPending(ctx, approvers)
	if err != nil {
		return nil, fmt.Errorf("list pending: %w", err)
	}
	sort.SliceStable(pending, func(i, j int) bool {
		return pending[i].SubmittedAt.Before(pending[j].SubmittedAt)
	})
	return pending, nil
}

// Chain returns the most recent chain for a business entity, level 1 first.
func (e *Engine) Chain(ctx context.Context, requestType RequestType, requestID string) (*Chain, error) {
	chains, err := e.Chains(ctx, requestType, requestID)
	if err != nil {
		return nil, err
	}
	if len(chains) == 0 {
		return nil, &NotFoundError{Kind: "approval_chain", ID: string(requestType) + "/" + requestID}
	}
	return chains[len(chains)-1], nil
}

// Chains returns every chain ever opened for a business entity, oldest
// first. An entity has more than one chain when it was resubmitted after a
// rejection or cancellation.
func (e *Engine) Chains(ctx context.Context, requestType RequestType, requestID string) ([]*Chain, error) {
	records, err := e.Store.ListBySource(ctx, requestType, requestID)
	if err != nil {
		return nil, fmt.Errorf("list chain: %w", err)
	}
	return BuildChains(records), nil
}

// BuildChains links flat records into chains by following
// PreviousApprovalID from every level-1 root.
func BuildChains(records []*ApprovalRequest) []*Chain {
	children := make(map[string]*ApprovalRequest, len(records))
	var roots []*ApprovalRequest
	for _, r := range records {
		if r.PreviousApprovalID == "" {
			roots = append(roots, r)
			continue
		}
		children[r.PreviousApprovalID] = r
	}
	sort.SliceStable(roots, func(i, j int) bool {
		return roots[i].SubmittedAt.Before(roots[j].SubmittedAt)
	})

	chains := make([]*Chain, 0, len(roots))
	for _, root := range roots {
		c := &Chain{Ref: root.Ref()}
		seen := make(map[string]bool)
		for cur := root; cur != nil && !seen[cur.ID]; cur = children[cur.ID] {
			seen[cur.ID] = true
			c.Levels = append(c.Levels, cur)
		}
		chains = append(chains, c)
	}
	return chains
}

// =============================================================================
// HELPERS
// =============================================================================

// authorize loads a pending request and checks decider against the
// effective approver for today. A decided request fails with a transition
// error before the decider is looked at.
func (e *Engine) authorize(ctx context.Context, s Store, id string, decider EmployeeID, to Status, now time.Time) (*ApprovalRequest, error) {
	req, err := s.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get approval request: %w", err)
	}
	if req == nil {
		return nil, &NotFoundError{Kind: "approval_request", ID: id}
	}
	if req.Status != StatusPending {
		return nil, &TransitionError{Entity: "approval_request", ID: id, From: string(req.Status), To: string(to)}
	}
	if decider == req.EmployeeID {
		return nil, &ForbiddenError{ActorID: decider, ApprovalID: id, Reason: "requester cannot decide their own request"}
	}
	effective, err := e.EffectiveApprover(ctx, req.ApproverID, now)
	if err != nil {
		return nil, err
	}
	if decider != effective {
		reason := fmt.Sprintf("effective approver is %s", effective)
		if effective != req.ApproverID {
			reason = fmt.Sprintf("approval delegated from %s to %s", req.ApproverID, effective)
		}
		return nil, &ForbiddenError{ActorID: decider, ApprovalID: id, Reason: reason}
	}
	return req, nil
}

// EffectiveApprover applies any active delegation for the day of at.
func (e *Engine) EffectiveApprover(ctx context.Context, nominal EmployeeID, at time.Time) (EmployeeID, error) {
	if e.Delegations == nil {
		return nominal, nil
	}
	return e.Delegations.EffectiveApprover(ctx, nominal, DateOf(at))
}

func applyDecision(req *ApprovalRequest, status Status, decidedBy EmployeeID, comments string, at time.Time) {
	req.Status = status
	req.DecidedBy = decidedBy
	if comments != "" {
		req.Comments = comments
	}
	req.ReviewedAt = &at
	req.UpdatedAt = at
}

func (e *Engine) appendAudit(ctx context.Context, actor EmployeeID, action AuditAction, req *ApprovalRequest, payload map[string]any) {
	if e.AuditLog == nil {
		return
	}
	entry := AuditEntry{
		ID:          uuid.New().String(),
		Timestamp:   e.now(),
		ActorID:     actor,
		Action:      action,
		RequestType: req.RequestType,
		RequestID:   req.RequestID,
		ApprovalID:  req.ID,
		Payload:     payload,
	}
	if err := e.AuditLog.Append(ctx, entry); err != nil {
		e.Log.Warn().Err(err).
			Str("approval_id", req.ID).
			Str("action", string(action)).
			Msg("failed to append audit entry")
	}
}

func (e *Engine) publishRequested(ctx context.Context, req *ApprovalRequest) {
	recipients := []EmployeeID{req.ApproverID}
	if effective, err := e.EffectiveApprover(ctx, req.ApproverID, e.now()); err == nil && effective != req.ApproverID {
		recipients = append(recipients, effective)
	}
	e.publish(ctx, notify.EventApprovalRequested, req, req.EmployeeID, recipients, map[string]any{
		"level":    req.ApprovalLevel,
		"is_final": req.IsFinalApproval,
	})
}

func (e *Engine) publish(ctx context.Context, eventType string, req *ApprovalRequest, actor EmployeeID, recipients []EmployeeID, payload map[string]any) {
	if e.Publisher == nil {
		return
	}
	to := make([]string, 0, len(recipients))
	for _, r := range recipients {
		to = append(to, string(r))
	}
	e.Publisher.Publish(ctx, notify.Event{
		EventType:    eventType,
		TenantID:     string(req.TenantID),
		ActorID:      string(actor),
		Recipients:   to,
		ResourceType: string(req.RequestType),
		ResourceID:   req.RequestID,
		ApprovalID:   req.ID,
		IsActionable: eventType == notify.EventApprovalRequested || eventType == notify.EventApprovalReminder,
		OccurredAt:   e.now(),
		Payload:      payload,
	})
}

// Remind publishes a reminder for a pending request.
func (e *Engine) Remind(ctx context.Context, req *ApprovalRequest) {
	recipients := []EmployeeID{req.ApproverID}
	if effective, err := e.EffectiveApprover(ctx, req.ApproverID, e.now()); err == nil && effective != req.ApproverID {
		recipients = append(recipients, effective)
	}
	e.publish(ctx, notify.EventApprovalReminder, req, "", recipients, map[string]any{
		"level":        req.ApprovalLevel,
		"submitted_at": req.SubmittedAt.Format(time.RFC3339),
	})
}
