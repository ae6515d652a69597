package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/warp/hris-approvals/approval"
	"github.com/warp/hris-approvals/leave"
	"github.com/warp/hris-approvals/payroll"
)

// =============================================================================
// PAYROLL STORE (payroll.Store)
// =============================================================================

const payrollColumns = `id, tenant_id, month, year, status, total_gross, total_net, employee_count,
	created_by, submitted_at, submitted_by, finance_reviewed_at, finance_reviewed_by,
	ceo_approved_at, ceo_approved_by, rejection_reason, processed_at, processed_by,
	created_at, updated_at, deleted_at`

// Totals round-trip as text so NUMERIC precision never passes through float64.
const payrollSelect = `SELECT id, tenant_id, month, year, status, total_gross::text, total_net::text,
	employee_count, created_by, submitted_at, submitted_by, finance_reviewed_at, finance_reviewed_by,
	ceo_approved_at, ceo_approved_by, rejection_reason, processed_at, processed_by,
	created_at, updated_at, deleted_at FROM payrolls`

func (s *Store) SavePayroll(ctx context.Context, p *payroll.Payroll) error {
	_, err := s.q(ctx).Exec(ctx, `
		INSERT INTO payrolls (`+payrollColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6::numeric, $7::numeric, $8, $9, $10, $11, $12, $13,
			$14, $15, $16, $17, $18, $19, $20, $21)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			total_gross = EXCLUDED.total_gross,
			total_net = EXCLUDED.total_net,
			employee_count = EXCLUDED.employee_count,
			submitted_at = EXCLUDED.submitted_at,
			submitted_by = EXCLUDED.submitted_by,
			finance_reviewed_at = EXCLUDED.finance_reviewed_at,
			finance_reviewed_by = EXCLUDED.finance_reviewed_by,
			ceo_approved_at = EXCLUDED.ceo_approved_at,
			ceo_approved_by = EXCLUDED.ceo_approved_by,
			rejection_reason = EXCLUDED.rejection_reason,
			processed_at = EXCLUDED.processed_at,
			processed_by = EXCLUDED.processed_by,
			updated_at = EXCLUDED.updated_at,
			deleted_at = EXCLUDED.deleted_at
	`,
		p.ID, string(p.TenantID), p.Month, p.Year, string(p.Status),
		p.TotalGross.String(), p.TotalNet.String(), p.EmployeeCount,
		string(p.CreatedBy),
		utcPtr(p.SubmittedAt), nullable(string(p.SubmittedBy)),
		utcPtr(p.FinanceReviewedAt), nullable(string(p.FinanceReviewedBy)),
		utcPtr(p.CEOApprovedAt), nullable(string(p.CEOApprovedBy)),
		nullable(p.RejectionReason),
		utcPtr(p.ProcessedAt), nullable(string(p.ProcessedBy)),
		p.CreatedAt.UTC(), p.UpdatedAt.UTC(), utcPtr(p.DeletedAt),
	)
	return mapError(err, "save payroll")
}

func (s *Store) GetPayroll(ctx context.Context, id string) (*payroll.Payroll, error) {
	p, err := scanPayroll(s.q(ctx).QueryRow(ctx, payrollSelect+` WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, mapError(err, "get payroll")
	}
	return p, nil
}

func (s *Store) ListPayrolls(ctx context.Context, f payroll.Filter) ([]*payroll.Payroll, error) {
	var (
		conds []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if !f.IncludeDeleted {
		conds = append(conds, "deleted_at IS NULL")
	}
	if f.TenantID != "" {
		add("tenant_id = $%d", string(f.TenantID))
	}
	if f.Status != "" {
		add("status = $%d", string(f.Status))
	}
	if f.Year != 0 {
		add("year = $%d", f.Year)
	}
	if f.Month != 0 {
		add("month = $%d", f.Month)
	}

	query := payrollSelect
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY year DESC, month DESC, created_at DESC"

	rows, err := s.q(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, mapError(err, "list payrolls")
	}
	defer rows.Close()

	var out []*payroll.Payroll
	for rows.Next() {
		p, err := scanPayroll(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan payroll: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func scanPayroll(row pgx.Row) (*payroll.Payroll, error) {
	var (
		p                                          payroll.Payroll
		tenantID, status, gross, net, createdBy    string
		submittedBy, financeBy, ceoBy, processedBy *string
		rejectionReason                            *string
	)
	err := row.Scan(
		&p.ID, &tenantID, &p.Month, &p.Year, &status, &gross, &net, &p.EmployeeCount,
		&createdBy, &p.SubmittedAt, &submittedBy, &p.FinanceReviewedAt, &financeBy,
		&p.CEOApprovedAt, &ceoBy, &rejectionReason, &p.ProcessedAt, &processedBy,
		&p.CreatedAt, &p.UpdatedAt, &p.DeletedAt,
	)
	if err != nil {
		return nil, err
	}

	if p.TotalGross, err = decimal.NewFromString(gross); err != nil {
		return nil, fmt.Errorf("payroll %s total_gross: %w", p.ID, err)
	}
	if p.TotalNet, err = decimal.NewFromString(net); err != nil {
		return nil, fmt.Errorf("payroll %s total_net: %w", p.ID, err)
	}
	p.TenantID = approval.TenantID(tenantID)
	p.Status = payroll.Status(status)
	p.CreatedBy = approval.EmployeeID(createdBy)
	p.SubmittedBy = approval.EmployeeID(deref(submittedBy))
	p.FinanceReviewedBy = approval.EmployeeID(deref(financeBy))
	p.CEOApprovedBy = approval.EmployeeID(deref(ceoBy))
	p.RejectionReason = deref(rejectionReason)
	p.ProcessedBy = approval.EmployeeID(deref(processedBy))
	p.SubmittedAt = utcPtr(p.SubmittedAt)
	p.FinanceReviewedAt = utcPtr(p.FinanceReviewedAt)
	p.CEOApprovedAt = utcPtr(p.CEOApprovedAt)
	p.ProcessedAt = utcPtr(p.ProcessedAt)
	p.CreatedAt = p.CreatedAt.UTC()
	p.UpdatedAt = p.UpdatedAt.UTC()
	p.DeletedAt = utcPtr(p.DeletedAt)
	return &p, nil
}

// =============================================================================
// LEAVE STORE (leave.Store)
// =============================================================================

const leaveColumns = `id, tenant_id, employee_id, kind, start_date, end_date, days, reason,
	status, decided_by, decided_at, decision_reason, created_at, updated_at`

func (s *Store) SaveLeaveRequest(ctx context.Context, r *leave.Request) error {
	_, err := s.q(ctx).Exec(ctx, `
		INSERT INTO leave_requests (`+leaveColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			decided_by = EXCLUDED.decided_by,
			decided_at = EXCLUDED.decided_at,
			decision_reason = EXCLUDED.decision_reason,
			updated_at = EXCLUDED.updated_at
	`,
		r.ID, string(r.TenantID), string(r.EmployeeID), string(r.Kind),
		r.StartDate.Time(), r.EndDate.Time(), r.Days, nullable(r.Reason),
		string(r.Status), nullable(string(r.DecidedBy)), utcPtr(r.DecidedAt),
		nullable(r.DecisionReason), r.CreatedAt.UTC(), r.UpdatedAt.UTC(),
	)
	return mapError(err, "save leave request")
}

func (s *Store) GetLeaveRequest(ctx context.Context, id string) (*leave.Request, error) {
	r, err := scanLeave(s.q(ctx).QueryRow(ctx, `SELECT `+leaveColumns+` FROM leave_requests WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, mapError(err, "get leave request")
	}
	return r, nil
}

func (s *Store) ListLeaveRequests(ctx context.Context, employee approval.EmployeeID) ([]*leave.Request, error) {
	rows, err := s.q(ctx).Query(ctx, `
		SELECT `+leaveColumns+` FROM leave_requests
		WHERE employee_id = $1
		ORDER BY created_at DESC
	`, string(employee))
	if err != nil {
		return nil, mapError(err, "list leave requests")
	}
	defer rows.Close()

	var out []*leave.Request
	for rows.Next() {
		r, err := scanLeave(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan leave request: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func scanLeave(row pgx.Row) (*leave.Request, error) {
	var (
		r                                  leave.Request
		tenantID, employeeID, kind, status string
		startDate, endDate                 time.Time
		reason, decidedBy, decisionReason  *string
	)
	err := row.Scan(
		&r.ID, &tenantID, &employeeID, &kind, &startDate, &endDate, &r.Days, &reason,
		&status, &decidedBy, &r.DecidedAt, &decisionReason, &r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	r.TenantID = approval.TenantID(tenantID)
	r.EmployeeID = approval.EmployeeID(employeeID)
	r.Kind = leave.Kind(kind)
	r.StartDate = approval.NewDate(startDate.Year(), startDate.Month(), startDate.Day())
	r.EndDate = approval.NewDate(endDate.Year(), endDate.Month(), endDate.Day())
	r.Reason = deref(reason)
	r.Status = leave.Status(status)
	r.DecidedBy = approval.EmployeeID(deref(decidedBy))
	r.DecidedAt = utcPtr(r.DecidedAt)
	r.DecisionReason = deref(decisionReason)
	r.CreatedAt = r.CreatedAt.UTC()
	r.UpdatedAt = r.UpdatedAt.UTC()
	return &r, nil
}
