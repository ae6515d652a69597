/*
Package postgres provides a PostgreSQL-backed implementation of the storage interfaces.

PURPOSE:
  Production storage for multi-instance deployments. Same interfaces and
  contracts as store/sqlite; concurrency is left to the database instead
  of a process-local lock.

INTERFACES IMPLEMENTED:
  approval.TxStore, approval.DelegationStore, approval.AuditLog,
  payroll.Store, leave.Store

TRANSACTIONS:
  WithTx opens a SERIALIZABLE transaction and carries it in the context,
  so payroll and leave callbacks join the approval decision.
  Serialization failures (40001) and deadlocks (40P01) surface as
  approval.ErrConcurrentModification; callers may retry.

CONSTRAINTS:
  idx_unique_pending_level enforces one pending row per
  (request_type, request_id, approval_level). A violation surfaces as
  approval.ErrDuplicatePendingLevel.

SEE ALSO:
  - store/sqlite: Embedded implementation with the same schema shape
*/
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/warp/hris-approvals/approval"
)

// SQLSTATE codes the store maps to engine errors.
const (
	codeUniqueViolation      = "23505"
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
)

// Store implements all storage interfaces on a pgx connection pool.
type Store struct {
	pool *pgxpool.Pool
}

// New connects to dsn and migrates the schema.
func New(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to connect: %w", err)
	}

	s := &Store{pool: pool}
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS approval_requests (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL DEFAULT '',
		request_type TEXT NOT NULL,
		request_id TEXT NOT NULL,
		employee_id TEXT NOT NULL,
		approver_id TEXT NOT NULL,
		approval_level INTEGER NOT NULL CHECK (approval_level >= 1),
		previous_approval_id TEXT REFERENCES approval_requests(id),
		next_approver_id TEXT,
		is_final_approval BOOLEAN NOT NULL,
		status TEXT NOT NULL,
		comments TEXT,
		decided_by TEXT,
		submitted_at TIMESTAMPTZ NOT NULL,
		reviewed_at TIMESTAMPTZ,
		updated_at TIMESTAMPTZ NOT NULL,
		deleted_at TIMESTAMPTZ
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_unique_pending_level
		ON approval_requests(request_type, request_id, approval_level)
		WHERE status = 'pending'`,
	`CREATE INDEX IF NOT EXISTS idx_approval_requests_source
		ON approval_requests(request_type, request_id)`,
	`CREATE INDEX IF NOT EXISTS idx_approval_requests_pending
		ON approval_requests(approver_id, submitted_at)
		WHERE status = 'pending'`,
	`CREATE TABLE IF NOT EXISTS approval_delegations (
		id TEXT PRIMARY KEY,
		supervisor_id TEXT NOT NULL,
		delegate_id TEXT NOT NULL,
		start_date DATE NOT NULL,
		end_date DATE NOT NULL,
		is_active BOOLEAN NOT NULL DEFAULT TRUE,
		reason TEXT,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		CHECK (start_date <= end_date),
		CHECK (supervisor_id <> delegate_id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_delegations_supervisor
		ON approval_delegations(supervisor_id, start_date)`,
	`CREATE INDEX IF NOT EXISTS idx_delegations_delegate
		ON approval_delegations(delegate_id, start_date)`,
	`CREATE TABLE IF NOT EXISTS audit_log (
		seq BIGSERIAL PRIMARY KEY,
		id TEXT NOT NULL UNIQUE,
		timestamp TIMESTAMPTZ NOT NULL,
		actor_id TEXT NOT NULL,
		action TEXT NOT NULL,
		request_type TEXT,
		request_id TEXT,
		approval_id TEXT,
		payload JSONB
	)`,
	`CREATE INDEX IF NOT EXISTS idx_audit_request ON audit_log(request_type, request_id)`,
	`CREATE TABLE IF NOT EXISTS payrolls (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL DEFAULT '',
		month INTEGER NOT NULL CHECK (month BETWEEN 1 AND 12),
		year INTEGER NOT NULL,
		status TEXT NOT NULL,
		total_gross NUMERIC(18, 2) NOT NULL,
		total_net NUMERIC(18, 2) NOT NULL,
		employee_count INTEGER NOT NULL DEFAULT 0,
		created_by TEXT NOT NULL,
		submitted_at TIMESTAMPTZ,
		submitted_by TEXT,
		finance_reviewed_at TIMESTAMPTZ,
		finance_reviewed_by TEXT,
		ceo_approved_at TIMESTAMPTZ,
		ceo_approved_by TEXT,
		rejection_reason TEXT,
		processed_at TIMESTAMPTZ,
		processed_by TEXT,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		deleted_at TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS idx_payrolls_period ON payrolls(tenant_id, year, month)`,
	`CREATE TABLE IF NOT EXISTS leave_requests (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL DEFAULT '',
		employee_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		start_date DATE NOT NULL,
		end_date DATE NOT NULL,
		days INTEGER NOT NULL,
		reason TEXT,
		status TEXT NOT NULL,
		decided_by TEXT,
		decided_at TIMESTAMPTZ,
		decision_reason TEXT,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_leave_requests_employee ON leave_requests(employee_id, created_at)`,
}

// Migrate creates the schema. Statements are idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// Reset truncates every table. For tests.
func (s *Store) Reset(ctx context.Context) error {
	_, err := s.pool.Exec(ctx,
		`TRUNCATE leave_requests, payrolls, audit_log, approval_delegations, approval_requests`)
	return err
}

// =============================================================================
// TRANSACTIONS (approval.TxStore)
// =============================================================================

type txKey struct{}

type txState struct {
	store *Store
	tx    pgx.Tx
}

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (s *Store) q(ctx context.Context) querier {
	if st, ok := ctx.Value(txKey{}).(*txState); ok && st.store == s {
		return st.tx
	}
	return s.pool
}

// WithTx runs fn in a SERIALIZABLE transaction. A nested call joins the
// outer transaction.
func (s *Store) WithTx(ctx context.Context, fn func(ctx context.Context, store approval.Store) error) error {
	if st, ok := ctx.Value(txKey{}).(*txState); ok && st.store == s {
		return fn(ctx, s)
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	txCtx := context.WithValue(ctx, txKey{}, &txState{store: s, tx: tx})
	if err := fn(txCtx, s); err != nil {
		return mapError(err, "transaction")
	}
	if err := tx.Commit(ctx); err != nil {
		return mapError(err, "commit")
	}
	return nil
}

// =============================================================================
// HELPERS
// =============================================================================

// mapError turns PostgreSQL errors into the engine's sentinels. Errors
// that already carry engine meaning pass through.
func mapError(err error, op string) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch pgErr.Code {
	case codeSerializationFailure, codeDeadlockDetected:
		return fmt.Errorf("%s: %w: %s", op, approval.ErrConcurrentModification, pgErr.Message)
	case codeUniqueViolation:
		if pgErr.ConstraintName == "idx_unique_pending_level" {
			return approval.ErrDuplicatePendingLevel
		}
		return approval.Invalid("id", "%s: duplicate key (%s)", op, pgErr.ConstraintName)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
