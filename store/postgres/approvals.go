package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/warp/hris-approvals/approval"
)

// =============================================================================
// APPROVAL REQUESTS (approval.Store)
// =============================================================================

const requestColumns = `id, tenant_id, request_type, request_id, employee_id, approver_id,
	approval_level, previous_approval_id, next_approver_id, is_final_approval, status,
	comments, decided_by, submitted_at, reviewed_at, updated_at, deleted_at`

func (s *Store) Insert(ctx context.Context, req *approval.ApprovalRequest) error {
	_, err := s.q(ctx).Exec(ctx, `
		INSERT INTO approval_requests (`+requestColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
	`,
		req.ID, string(req.TenantID), string(req.RequestType), req.RequestID,
		string(req.EmployeeID), string(req.ApproverID), req.ApprovalLevel,
		nullable(req.PreviousApprovalID), nullable(string(req.NextApproverID)),
		req.IsFinalApproval, string(req.Status),
		nullable(req.Comments), nullable(string(req.DecidedBy)),
		req.SubmittedAt.UTC(), utcPtr(req.ReviewedAt), req.UpdatedAt.UTC(), utcPtr(req.DeletedAt),
	)
	return mapError(err, "insert approval request")
}

// UpdateStatus is a compare-and-set on status = 'pending'.
func (s *Store) UpdateStatus(ctx context.Context, id string, u approval.StatusUpdate) error {
	q := s.q(ctx)
	var updated string
	err := q.QueryRow(ctx, `
		UPDATE approval_requests SET
			status = $1,
			decided_by = $2,
			comments = COALESCE(NULLIF($3, ''), comments),
			reviewed_at = $4,
			updated_at = $4
		WHERE id = $5 AND status = 'pending'
		RETURNING id
	`, string(u.Status), nullable(string(u.DecidedBy)), u.Comments, u.ReviewedAt.UTC(), id).Scan(&updated)
	if err == nil {
		return nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return mapError(err, "update approval request")
	}

	var exists bool
	if err := q.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM approval_requests WHERE id = $1)`, id).Scan(&exists); err != nil {
		return mapError(err, "update approval request")
	}
	if !exists {
		return &approval.NotFoundError{Kind: "approval_request", ID: id}
	}
	return approval.ErrConcurrentModification
}

func (s *Store) Get(ctx context.Context, id string) (*approval.ApprovalRequest, error) {
	req, err := scanRequest(s.q(ctx).QueryRow(ctx, `SELECT `+requestColumns+` FROM approval_requests WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, mapError(err, "get approval request")
	}
	return req, nil
}

func (s *Store) ListBySource(ctx context.Context, requestType approval.RequestType, requestID string) ([]*approval.ApprovalRequest, error) {
	return s.queryRequests(ctx, `
		SELECT `+requestColumns+` FROM approval_requests
		WHERE request_type = $1 AND request_id = $2 AND deleted_at IS NULL
		ORDER BY submitted_at ASC, approval_level ASC
	`, string(requestType), requestID)
}

func (s *Store) ListPending(ctx context.Context, approvers []approval.EmployeeID) ([]*approval.ApprovalRequest, error) {
	if len(approvers) == 0 {
		return nil, nil
	}
	ids := make([]string, len(approvers))
	for i, a := range approvers {
		ids[i] = string(a)
	}
	return s.queryRequests(ctx, `
		SELECT `+requestColumns+` FROM approval_requests
		WHERE status = 'pending' AND deleted_at IS NULL AND approver_id = ANY($1)
		ORDER BY submitted_at ASC, approval_level ASC
	`, ids)
}

func (s *Store) ListPendingSubmittedBefore(ctx context.Context, before time.Time) ([]*approval.ApprovalRequest, error) {
	return s.queryRequests(ctx, `
		SELECT `+requestColumns+` FROM approval_requests
		WHERE status = 'pending' AND deleted_at IS NULL AND submitted_at < $1
		ORDER BY submitted_at ASC
	`, before.UTC())
}

func (s *Store) queryRequests(ctx context.Context, query string, args ...any) ([]*approval.ApprovalRequest, error) {
	rows, err := s.q(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, mapError(err, "query approval requests")
	}
	defer rows.Close()

	var out []*approval.ApprovalRequest
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan approval request: %w", err)
		}
		out = append(out, req)
	}
	return out, rows.Err()
}

func scanRequest(row pgx.Row) (*approval.ApprovalRequest, error) {
	var (
		r                                  approval.ApprovalRequest
		tenantID, requestType, employeeID  string
		approverID, status                 string
		previousID, nextApprover, comments *string
		decidedBy                          *string
	)
	err := row.Scan(
		&r.ID, &tenantID, &requestType, &r.RequestID, &employeeID, &approverID,
		&r.ApprovalLevel, &previousID, &nextApprover, &r.IsFinalApproval, &status,
		&comments, &decidedBy, &r.SubmittedAt, &r.ReviewedAt, &r.UpdatedAt, &r.DeletedAt,
	)
	if err != nil {
		return nil, err
	}

	r.TenantID = approval.TenantID(tenantID)
	r.RequestType = approval.RequestType(requestType)
	r.EmployeeID = approval.EmployeeID(employeeID)
	r.ApproverID = approval.EmployeeID(approverID)
	r.PreviousApprovalID = deref(previousID)
	r.NextApproverID = approval.EmployeeID(deref(nextApprover))
	r.Status = approval.Status(status)
	r.Comments = deref(comments)
	r.DecidedBy = approval.EmployeeID(deref(decidedBy))
	r.SubmittedAt = r.SubmittedAt.UTC()
	r.ReviewedAt = utcPtr(r.ReviewedAt)
	r.UpdatedAt = r.UpdatedAt.UTC()
	r.DeletedAt = utcPtr(r.DeletedAt)
	return &r, nil
}

// =============================================================================
// DELEGATIONS (approval.DelegationStore)
// =============================================================================

const delegationColumns = `id, supervisor_id, delegate_id, start_date, end_date, is_active,
	reason, created_at, updated_at`

func (s *Store) SaveDelegation(ctx context.Context, d *approval.Delegation) error {
	_, err := s.q(ctx).Exec(ctx, `
		INSERT INTO approval_delegations (`+delegationColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			delegate_id = EXCLUDED.delegate_id,
			start_date = EXCLUDED.start_date,
			end_date = EXCLUDED.end_date,
			is_active = EXCLUDED.is_active,
			reason = EXCLUDED.reason,
			updated_at = EXCLUDED.updated_at
	`,
		d.ID, string(d.SupervisorID), string(d.DelegateID),
		d.StartDate.Time(), d.EndDate.Time(), bool(d.IsActive),
		nullable(d.Reason), d.CreatedAt.UTC(), d.UpdatedAt.UTC(),
	)
	return mapError(err, "save delegation")
}

func (s *Store) GetDelegation(ctx context.Context, id string) (*approval.Delegation, error) {
	d, err := scanDelegation(s.q(ctx).QueryRow(ctx, `SELECT `+delegationColumns+` FROM approval_delegations WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, mapError(err, "get delegation")
	}
	return d, nil
}

func (s *Store) ListDelegationsBySupervisor(ctx context.Context, supervisor approval.EmployeeID) ([]*approval.Delegation, error) {
	return s.queryDelegations(ctx, `
		SELECT `+delegationColumns+` FROM approval_delegations
		WHERE supervisor_id = $1
		ORDER BY start_date ASC, id ASC
	`, string(supervisor))
}

func (s *Store) ListActiveDelegations(ctx context.Context, f approval.DelegationFilter) ([]*approval.Delegation, error) {
	conds := []string{"is_active", "start_date <= $1", "end_date >= $1"}
	args := []any{f.On.Time()}
	if f.SupervisorID != "" {
		args = append(args, string(f.SupervisorID))
		conds = append(conds, fmt.Sprintf("supervisor_id = $%d", len(args)))
	}
	if f.DelegateID != "" {
		args = append(args, string(f.DelegateID))
		conds = append(conds, fmt.Sprintf("delegate_id = $%d", len(args)))
	}
	return s.queryDelegations(ctx, `
		SELECT `+delegationColumns+` FROM approval_delegations
		WHERE `+strings.Join(conds, " AND ")+`
		ORDER BY start_date ASC, id ASC
	`, args...)
}

func (s *Store) queryDelegations(ctx context.Context, query string, args ...any) ([]*approval.Delegation, error) {
	rows, err := s.q(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, mapError(err, "query delegations")
	}
	defer rows.Close()

	var out []*approval.Delegation
	for rows.Next() {
		d, err := scanDelegation(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan delegation: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func scanDelegation(row pgx.Row) (*approval.Delegation, error) {
	var (
		d                        approval.Delegation
		supervisorID, delegateID string
		startDate, endDate       time.Time
		isActive                 bool
		reason                   *string
	)
	if err := row.Scan(&d.ID, &supervisorID, &delegateID, &startDate, &endDate,
		&isActive, &reason, &d.CreatedAt, &d.UpdatedAt); err != nil {
		return nil, err
	}

	d.SupervisorID = approval.EmployeeID(supervisorID)
	d.DelegateID = approval.EmployeeID(delegateID)
	d.StartDate = approval.NewDate(startDate.Year(), startDate.Month(), startDate.Day())
	d.EndDate = approval.NewDate(endDate.Year(), endDate.Month(), endDate.Day())
	d.IsActive = approval.Flag(isActive)
	d.Reason = deref(reason)
	d.CreatedAt = d.CreatedAt.UTC()
	d.UpdatedAt = d.UpdatedAt.UTC()
	return &d, nil
}

// =============================================================================
// AUDIT LOG (approval.AuditLog)
// =============================================================================

func (s *Store) Append(ctx context.Context, entry approval.AuditEntry) error {
	payload, err := json.Marshal(entry.Payload)
	if err != nil {
		return fmt.Errorf("failed to encode audit payload: %w", err)
	}

	_, err = s.q(ctx).Exec(ctx, `
		INSERT INTO audit_log (id, timestamp, actor_id, action, request_type, request_id, approval_id, payload)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`,
		entry.ID, entry.Timestamp.UTC(), string(entry.ActorID), string(entry.Action),
		nullable(string(entry.RequestType)), nullable(entry.RequestID),
		nullable(entry.ApprovalID), payload,
	)
	return mapError(err, "append audit entry")
}

func (s *Store) Query(ctx context.Context, f approval.AuditFilter) ([]approval.AuditEntry, error) {
	var (
		conds []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if f.RequestType != nil {
		add("request_type = $%d", string(*f.RequestType))
	}
	if f.RequestID != nil {
		add("request_id = $%d", *f.RequestID)
	}
	if f.ActorID != nil {
		add("actor_id = $%d", string(*f.ActorID))
	}
	if len(f.Actions) > 0 {
		actions := make([]string, len(f.Actions))
		for i, a := range f.Actions {
			actions[i] = string(a)
		}
		add("action = ANY($%d)", actions)
	}
	if f.From != nil {
		add("timestamp >= $%d", f.From.UTC())
	}
	if f.To != nil {
		add("timestamp <= $%d", f.To.UTC())
	}

	query := `SELECT id, timestamp, actor_id, action, request_type, request_id, approval_id, payload FROM audit_log`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY timestamp ASC, seq ASC"

	rows, err := s.q(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, mapError(err, "query audit log")
	}
	defer rows.Close()

	var out []approval.AuditEntry
	for rows.Next() {
		var (
			e                                  approval.AuditEntry
			actor, action                      string
			requestType, requestID, approvalID *string
			payload                            []byte
		)
		if err := rows.Scan(&e.ID, &e.Timestamp, &actor, &action, &requestType, &requestID, &approvalID, &payload); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		e.Timestamp = e.Timestamp.UTC()
		e.ActorID = approval.EmployeeID(actor)
		e.Action = approval.AuditAction(action)
		e.RequestType = approval.RequestType(deref(requestType))
		e.RequestID = deref(requestID)
		e.ApprovalID = deref(approvalID)
		if len(payload) > 0 && string(payload) != "null" {
			if err := json.Unmarshal(payload, &e.Payload); err != nil {
				return nil, fmt.Errorf("failed to decode audit payload %s: %w", e.ID, err)
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
