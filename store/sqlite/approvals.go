package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/warp/hris-approvals/approval"
)

// =============================================================================
// APPROVAL REQUESTS (approval.Store)
// =============================================================================

const requestColumns = `id, tenant_id, request_type, request_id, employee_id, approver_id,
	approval_level, previous_approval_id, next_approver_id, is_final_approval, status,
	comments, decided_by, submitted_at, reviewed_at, updated_at, deleted_at`

// Insert adds one chain level.
func (s *Store) Insert(ctx context.Context, req *approval.ApprovalRequest) error {
	query := `INSERT INTO approval_requests (` + requestColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	return s.write(ctx, func(db execer) error {
		_, err := db.ExecContext(ctx, query,
			req.ID, string(req.TenantID), string(req.RequestType), req.RequestID,
			string(req.EmployeeID), string(req.ApproverID), req.ApprovalLevel,
			nullString(req.PreviousApprovalID), nullString(string(req.NextApproverID)),
			boolInt(req.IsFinalApproval), string(req.Status),
			nullString(req.Comments), nullString(string(req.DecidedBy)),
			formatTime(req.SubmittedAt), formatTimePtr(req.ReviewedAt),
			formatTime(req.UpdatedAt), formatTimePtr(req.DeletedAt),
		)
		if err != nil {
			if isUniqueConstraintError(err) {
				if isPendingLevelError(err) {
					return approval.ErrDuplicatePendingLevel
				}
				return approval.Invalid("id", "approval request %s already exists", req.ID)
			}
			return mapError(err, "insert approval request")
		}
		return nil
	})
}

// UpdateStatus is a compare-and-set on status = 'pending'.
func (s *Store) UpdateStatus(ctx context.Context, id string, u approval.StatusUpdate) error {
	query := `
		UPDATE approval_requests SET
			status = ?,
			decided_by = ?,
			comments = COALESCE(NULLIF(?, ''), comments),
			reviewed_at = ?,
			updated_at = ?
		WHERE id = ? AND status = 'pending'
	`

	return s.write(ctx, func(db execer) error {
		at := formatTime(u.ReviewedAt)
		res, err := db.ExecContext(ctx, query,
			string(u.Status), nullString(string(u.DecidedBy)), u.Comments, at, at, id)
		if err != nil {
			return mapError(err, "update approval request")
		}
		n, err := res.RowsAffected()
		if err != nil {
			return mapError(err, "update approval request")
		}
		if n == 1 {
			return nil
		}

		var count int
		if err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM approval_requests WHERE id = ?", id).Scan(&count); err != nil {
			return mapError(err, "update approval request")
		}
		if count == 0 {
			return &approval.NotFoundError{Kind: "approval_request", ID: id}
		}
		return approval.ErrConcurrentModification
	})
}

// Get retrieves one chain level by ID.
func (s *Store) Get(ctx context.Context, id string) (*approval.ApprovalRequest, error) {
	db, unlock := s.reader(ctx)
	defer unlock()

	row := db.QueryRowContext(ctx, `SELECT `+requestColumns+` FROM approval_requests WHERE id = ?`, id)
	req, err := scanRequest(row)
	if err == sql.ErrNoRows {
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
		WHERE request_type = ? AND request_id = ? AND deleted_at IS NULL
		ORDER BY submitted_at ASC, approval_level ASC
	`, string(requestType), requestID)
}

func (s *Store) ListPending(ctx context.Context, approvers []approval.EmployeeID) ([]*approval.ApprovalRequest, error) {
	if len(approvers) == 0 {
		return nil, nil
	}
	args := make([]any, len(approvers))
	for i, a := range approvers {
		args[i] = string(a)
	}
	return s.queryRequests(ctx, `
		SELECT `+requestColumns+` FROM approval_requests
		WHERE status = 'pending' AND deleted_at IS NULL
		  AND approver_id IN (`+placeholders(len(approvers))+`)
		ORDER BY submitted_at ASC, approval_level ASC
	`, args...)
}

func (s *Store) ListPendingSubmittedBefore(ctx context.Context, before time.Time) ([]*approval.ApprovalRequest, error) {
	return s.queryRequests(ctx, `
		SELECT `+requestColumns+` FROM approval_requests
		WHERE status = 'pending' AND deleted_at IS NULL AND submitted_at < ?
		ORDER BY submitted_at ASC
	`, formatTime(before))
}

func (s *Store) queryRequests(ctx context.Context, query string, args ...any) ([]*approval.ApprovalRequest, error) {
	db, unlock := s.reader(ctx)
	defer unlock()

	rows, err := db.QueryContext(ctx, query, args...)
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

type scanner interface {
	Scan(dest ...any) error
}

func scanRequest(row scanner) (*approval.ApprovalRequest, error) {
	var (
		r                                  approval.ApprovalRequest
		tenantID, requestType, employeeID  string
		approverID, status                 string
		previousID, nextApprover, comments sql.NullString
		decidedBy, reviewedAt, deletedAt   sql.NullString
		submittedAt, updatedAt             string
		isFinal                            int
	)
	err := row.Scan(
		&r.ID, &tenantID, &requestType, &r.RequestID, &employeeID, &approverID,
		&r.ApprovalLevel, &previousID, &nextApprover, &isFinal, &status,
		&comments, &decidedBy, &submittedAt, &reviewedAt, &updatedAt, &deletedAt,
	)
	if err != nil {
		return nil, err
	}

	r.TenantID = approval.TenantID(tenantID)
	r.RequestType = approval.RequestType(requestType)
	r.EmployeeID = approval.EmployeeID(employeeID)
	r.ApproverID = approval.EmployeeID(approverID)
	r.PreviousApprovalID = previousID.String
	r.NextApproverID = approval.EmployeeID(nextApprover.String)
	r.IsFinalApproval = isFinal != 0
	r.Status = approval.Status(status)
	r.Comments = comments.String
	r.DecidedBy = approval.EmployeeID(decidedBy.String)
	r.SubmittedAt = parseTime(submittedAt)
	r.ReviewedAt = parseTimePtr(reviewedAt)
	r.UpdatedAt = parseTime(updatedAt)
	r.DeletedAt = parseTimePtr(deletedAt)
	return &r, nil
}

// =============================================================================
// DELEGATIONS (approval.DelegationStore)
// =============================================================================

const delegationColumns = `id, supervisor_id, delegate_id, start_date, end_date, is_active,
	reason, created_at, updated_at`

func (s *Store) SaveDelegation(ctx context.Context, d *approval.Delegation) error {
	query := `
		INSERT INTO approval_delegations (` + delegationColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			delegate_id = excluded.delegate_id,
			start_date = excluded.start_date,
			end_date = excluded.end_date,
			is_active = excluded.is_active,
			reason = excluded.reason,
			updated_at = excluded.updated_at
	`

	return s.write(ctx, func(db execer) error {
		_, err := db.ExecContext(ctx, query,
			d.ID, string(d.SupervisorID), string(d.DelegateID),
			d.StartDate.String(), d.EndDate.String(), boolInt(bool(d.IsActive)),
			nullString(d.Reason), formatTime(d.CreatedAt), formatTime(d.UpdatedAt),
		)
		return mapError(err, "save delegation")
	})
}

func (s *Store) GetDelegation(ctx context.Context, id string) (*approval.Delegation, error) {
	db, unlock := s.reader(ctx)
	defer unlock()

	row := db.QueryRowContext(ctx, `SELECT `+delegationColumns+` FROM approval_delegations WHERE id = ?`, id)
	d, err := scanDelegation(row)
	if err == sql.ErrNoRows {
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
		WHERE supervisor_id = ?
		ORDER BY start_date ASC, id ASC
	`, string(supervisor))
}

// ListActiveDelegations narrows by date in SQL and applies the active
// flag after parsing, since imported rows may carry it as text.
func (s *Store) ListActiveDelegations(ctx context.Context, f approval.DelegationFilter) ([]*approval.Delegation, error) {
	day := f.On.String()
	conds := []string{"start_date <= ?", "end_date >= ?"}
	args := []any{day, day}
	if f.SupervisorID != "" {
		conds = append(conds, "supervisor_id = ?")
		args = append(args, string(f.SupervisorID))
	}
	if f.DelegateID != "" {
		conds = append(conds, "delegate_id = ?")
		args = append(args, string(f.DelegateID))
	}

	all, err := s.queryDelegations(ctx, `
		SELECT `+delegationColumns+` FROM approval_delegations
		WHERE `+strings.Join(conds, " AND ")+`
		ORDER BY start_date ASC, id ASC
	`, args...)
	if err != nil {
		return nil, err
	}
	var out []*approval.Delegation
	for _, d := range all {
		if d.Covers(f.On) {
			out = append(out, d)
		}
	}
	return out, nil
}

func (s *Store) queryDelegations(ctx context.Context, query string, args ...any) ([]*approval.Delegation, error) {
	db, unlock := s.reader(ctx)
	defer unlock()

	rows, err := db.QueryContext(ctx, query, args...)
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

func scanDelegation(row scanner) (*approval.Delegation, error) {
	var (
		d                        approval.Delegation
		supervisorID, delegateID string
		startDate, endDate       string
		isActive, reason         sql.NullString
		createdAt, updatedAt     string
	)
	if err := row.Scan(&d.ID, &supervisorID, &delegateID, &startDate, &endDate,
		&isActive, &reason, &createdAt, &updatedAt); err != nil {
		return nil, err
	}

	var err error
	d.SupervisorID = approval.EmployeeID(supervisorID)
	d.DelegateID = approval.EmployeeID(delegateID)
	if d.StartDate, err = approval.ParseDate(startDate); err != nil {
		return nil, fmt.Errorf("delegation %s start_date: %w", d.ID, err)
	}
	if d.EndDate, err = approval.ParseDate(endDate); err != nil {
		return nil, fmt.Errorf("delegation %s end_date: %w", d.ID, err)
	}
	if d.IsActive, err = approval.ParseFlag(isActive.String); err != nil {
		return nil, fmt.Errorf("delegation %s is_active: %w", d.ID, err)
	}
	d.Reason = reason.String
	d.CreatedAt = parseTime(createdAt)
	d.UpdatedAt = parseTime(updatedAt)
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

	return s.write(ctx, func(db execer) error {
		_, err := db.ExecContext(ctx, `
			INSERT INTO audit_log (id, timestamp, actor_id, action, request_type, request_id, approval_id, payload_json)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`,
			entry.ID, formatTime(entry.Timestamp), string(entry.ActorID), string(entry.Action),
			nullString(string(entry.RequestType)), nullString(entry.RequestID),
			nullString(entry.ApprovalID), string(payload),
		)
		return mapError(err, "append audit entry")
	})
}

func (s *Store) Query(ctx context.Context, f approval.AuditFilter) ([]approval.AuditEntry, error) {
	var (
		conds []string
		args  []any
	)
	if f.RequestType != nil {
		conds = append(conds, "request_type = ?")
		args = append(args, string(*f.RequestType))
	}
	if f.RequestID != nil {
		conds = append(conds, "request_id = ?")
		args = append(args, *f.RequestID)
	}
	if f.ActorID != nil {
		conds = append(conds, "actor_id = ?")
		args = append(args, string(*f.ActorID))
	}
	if len(f.Actions) > 0 {
		conds = append(conds, "action IN ("+placeholders(len(f.Actions))+")")
		for _, a := range f.Actions {
			args = append(args, string(a))
		}
	}
	if f.From != nil {
		conds = append(conds, "timestamp >= ?")
		args = append(args, formatTime(*f.From))
	}
	if f.To != nil {
		conds = append(conds, "timestamp <= ?")
		args = append(args, formatTime(*f.To))
	}

	query := `SELECT id, timestamp, actor_id, action, request_type, request_id, approval_id, payload_json FROM audit_log`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY timestamp ASC, rowid ASC"

	db, unlock := s.reader(ctx)
	defer unlock()

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapError(err, "query audit log")
	}
	defer rows.Close()

	var out []approval.AuditEntry
	for rows.Next() {
		var (
			e                                  approval.AuditEntry
			ts, actor, action                  string
			requestType, requestID, approvalID sql.NullString
			payload                            sql.NullString
		)
		if err := rows.Scan(&e.ID, &ts, &actor, &action, &requestType, &requestID, &approvalID, &payload); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		e.Timestamp = parseTime(ts)
		e.ActorID = approval.EmployeeID(actor)
		e.Action = approval.AuditAction(action)
		e.RequestType = approval.RequestType(requestType.String)
		e.RequestID = requestID.String
		e.ApprovalID = approvalID.String
		if payload.Valid && payload.String != "" && payload.String != "null" {
			if err := json.Unmarshal([]byte(payload.String), &e.Payload); err != nil {
				return nil, fmt.Errorf("failed to decode audit payload %s: %w", e.ID, err)
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
