package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

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

// SavePayroll upserts a batch. Totals are stored as decimal text.
func (s *Store) SavePayroll(ctx context.Context, p *payroll.Payroll) error {
	query := `
		INSERT INTO payrolls (` + payrollColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			total_gross = excluded.total_gross,
			total_net = excluded.total_net,
			employee_count = excluded.employee_count,
			submitted_at = excluded.submitted_at,
			submitted_by = excluded.submitted_by,
			finance_reviewed_at = excluded.finance_reviewed_at,
			finance_reviewed_by = excluded.finance_reviewed_by,
			ceo_approved_at = excluded.ceo_approved_at,
			ceo_approved_by = excluded.ceo_approved_by,
			rejection_reason = excluded.rejection_reason,
			processed_at = excluded.processed_at,
			processed_by = excluded.processed_by,
			updated_at = excluded.updated_at,
			deleted_at = excluded.deleted_at
	`

	return s.write(ctx, func(db execer) error {
		_, err := db.ExecContext(ctx, query,
			p.ID, string(p.TenantID), p.Month, p.Year, string(p.Status),
			p.TotalGross.String(), p.TotalNet.String(), p.EmployeeCount,
			string(p.CreatedBy),
			formatTimePtr(p.SubmittedAt), nullString(string(p.SubmittedBy)),
			formatTimePtr(p.FinanceReviewedAt), nullString(string(p.FinanceReviewedBy)),
			formatTimePtr(p.CEOApprovedAt), nullString(string(p.CEOApprovedBy)),
			nullString(p.RejectionReason),
			formatTimePtr(p.ProcessedAt), nullString(string(p.ProcessedBy)),
			formatTime(p.CreatedAt), formatTime(p.UpdatedAt), formatTimePtr(p.DeletedAt),
		)
		return mapError(err, "save payroll")
	})
}

func (s *Store) GetPayroll(ctx context.Context, id string) (*payroll.Payroll, error) {
	db, unlock := s.reader(ctx)
	defer unlock()

	p, err := scanPayroll(db.QueryRowContext(ctx, `SELECT `+payrollColumns+` FROM payrolls WHERE id = ?`, id))
	if err == sql.ErrNoRows {
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
	if !f.IncludeDeleted {
		conds = append(conds, "deleted_at IS NULL")
	}
	if f.TenantID != "" {
		conds = append(conds, "tenant_id = ?")
		args = append(args, string(f.TenantID))
	}
	if f.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, string(f.Status))
	}
	if f.Year != 0 {
		conds = append(conds, "year = ?")
		args = append(args, f.Year)
	}
	if f.Month != 0 {
		conds = append(conds, "month = ?")
		args = append(args, f.Month)
	}

	query := `SELECT ` + payrollColumns + ` FROM payrolls`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY year DESC, month DESC, created_at DESC"

	db, unlock := s.reader(ctx)
	defer unlock()

	rows, err := db.QueryContext(ctx, query, args...)
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

func scanPayroll(row scanner) (*payroll.Payroll, error) {
	var (
		p                                          payroll.Payroll
		tenantID, status, gross, net, createdBy    string
		submittedAt, financeAt, ceoAt, processedAt sql.NullString
		submittedBy, financeBy, ceoBy, processedBy sql.NullString
		rejectionReason, deletedAt                 sql.NullString
		createdAt, updatedAt                       string
	)
	err := row.Scan(
		&p.ID, &tenantID, &p.Month, &p.Year, &status, &gross, &net, &p.EmployeeCount,
		&createdBy, &submittedAt, &submittedBy, &financeAt, &financeBy,
		&ceoAt, &ceoBy, &rejectionReason, &processedAt, &processedBy,
		&createdAt, &updatedAt, &deletedAt,
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
	p.SubmittedAt = parseTimePtr(submittedAt)
	p.SubmittedBy = approval.EmployeeID(submittedBy.String)
	p.FinanceReviewedAt = parseTimePtr(financeAt)
	p.FinanceReviewedBy = approval.EmployeeID(financeBy.String)
	p.CEOApprovedAt = parseTimePtr(ceoAt)
	p.CEOApprovedBy = approval.EmployeeID(ceoBy.String)
	p.RejectionReason = rejectionReason.String
	p.ProcessedAt = parseTimePtr(processedAt)
	p.ProcessedBy = approval.EmployeeID(processedBy.String)
	p.CreatedAt = parseTime(createdAt)
	p.UpdatedAt = parseTime(updatedAt)
	p.DeletedAt = parseTimePtr(deletedAt)
	return &p, nil
}

// =============================================================================
// LEAVE STORE (leave.Store)
// =============================================================================

const leaveColumns = `id, tenant_id, employee_id, kind, start_date, end_date, days, reason,
	status, decided_by, decided_at, decision_reason, created_at, updated_at`

func (s *Store) SaveLeaveRequest(ctx context.Context, r *leave.Request) error {
	query := `
		INSERT INTO leave_requests (` + leaveColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			decided_by = excluded.decided_by,
			decided_at = excluded.decided_at,
			decision_reason = excluded.decision_reason,
			updated_at = excluded.updated_at
	`

	return s.write(ctx, func(db execer) error {
		_, err := db.ExecContext(ctx, query,
			r.ID, string(r.TenantID), string(r.EmployeeID), string(r.Kind),
			r.StartDate.String(), r.EndDate.String(), r.Days, nullString(r.Reason),
			string(r.Status), nullString(string(r.DecidedBy)), formatTimePtr(r.DecidedAt),
			nullString(r.DecisionReason), formatTime(r.CreatedAt), formatTime(r.UpdatedAt),
		)
		return mapError(err, "save leave request")
	})
}

func (s *Store) GetLeaveRequest(ctx context.Context, id string) (*leave.Request, error) {
	db, unlock := s.reader(ctx)
	defer unlock()

	r, err := scanLeave(db.QueryRowContext(ctx, `SELECT `+leaveColumns+` FROM leave_requests WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, mapError(err, "get leave request")
	}
	return r, nil
}

func (s *Store) ListLeaveRequests(ctx context.Context, employee approval.EmployeeID) ([]*leave.Request, error) {
	db, unlock := s.reader(ctx)
	defer unlock()

	rows, err := db.QueryContext(ctx, `
		SELECT `+leaveColumns+` FROM leave_requests
		WHERE employee_id = ?
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

func scanLeave(row scanner) (*leave.Request, error) {
	var (
		r                                    leave.Request
		tenantID, employeeID, kind, status   string
		startDate, endDate                   string
		reason, decidedBy, decidedAt, reject sql.NullString
		createdAt, updatedAt                 string
	)
	err := row.Scan(
		&r.ID, &tenantID, &employeeID, &kind, &startDate, &endDate, &r.Days, &reason,
		&status, &decidedBy, &decidedAt, &reject, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	if r.StartDate, err = approval.ParseDate(startDate); err != nil {
		return nil, fmt.Errorf("leave request %s start_date: %w", r.ID, err)
	}
	if r.EndDate, err = approval.ParseDate(endDate); err != nil {
		return nil, fmt.Errorf("leave request %s end_date: %w", r.ID, err)
	}
	r.TenantID = approval.TenantID(tenantID)
	r.EmployeeID = approval.EmployeeID(employeeID)
	r.Kind = leave.Kind(kind)
	r.Reason = reason.String
	r.Status = leave.Status(status)
	r.DecidedBy = approval.EmployeeID(decidedBy.String)
	r.DecidedAt = parseTimePtr(decidedAt)
	r.DecisionReason = reject.String
	r.CreatedAt = parseTime(createdAt)
	r.UpdatedAt = parseTime(updatedAt)
	return &r, nil
}
