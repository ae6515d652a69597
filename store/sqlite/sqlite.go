/*
Package sqlite provides a SQLite-backed implementation of the storage interfaces.

PURPOSE:
  Persists approval chains, delegations, the audit trail and the business
  records (payroll batches, leave requests) in one SQLite database, so a
  decision and the business status it drives commit together.

INTERFACES IMPLEMENTED:
  approval.TxStore:         Approval requests + transactions
  approval.DelegationStore: Delegations
  approval.AuditLog:        Audit trail
  payroll.Store:            Payroll batches
  leave.Store:              Leave requests

KEY TABLES:
  approval_requests:    One row per chain level, linked by previous_approval_id
  approval_delegations: Supervisor -> delegate windows
  audit_log:            Append-only, JSON payload
  payrolls:             Payroll batches, soft delete
  leave_requests:       Leave requests

INDEXES:
  - idx_unique_pending_level: At most one pending row per
    (request_type, request_id, approval_level). Two racing approvals of
    the same level cannot both insert the next level.
  - idx_approval_requests_source: Chain reconstruction
  - idx_approval_requests_pending: Approver queues

TRANSACTIONS:
  WithTx stores the *sql.Tx in the context it hands to fn. Every method
  looks for it there first, so the payroll and leave callbacks that run
  inside an approval join the same transaction. Outside a transaction
  access is serialised with sync.RWMutex like before; inside one the
  lock is already held by WithTx.

BUSY HANDLING:
  SQLITE_BUSY / SQLITE_LOCKED are retried with exponential backoff
  (see retry.go). A whole WithTx is retried, so fn must be re-runnable.

TIMESTAMPS:
  Stored as fixed-width UTC text so string order is time order. Dates
  (delegation windows) are stored as YYYY-MM-DD.

SEE ALSO:
  - approval/store.go: Interface definitions
  - approval/store/memory.go: In-memory implementation for testing
  - store/postgres: PostgreSQL implementation
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/warp/hris-approvals/approval"
)

// Store implements all storage interfaces using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dbPath == ":memory:" {
		// every connection would get its own empty database
		db.SetMaxOpenConns(1)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the connection, used by the health endpoint.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	-- Approval chain levels
	CREATE TABLE IF NOT EXISTS approval_requests (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL DEFAULT '',
		request_type TEXT NOT NULL,
		request_id TEXT NOT NULL,
		employee_id TEXT NOT NULL,
		approver_id TEXT NOT NULL,
		approval_level INTEGER NOT NULL,
		previous_approval_id TEXT REFERENCES approval_requests(id),
		next_approver_id TEXT,
		is_final_approval INTEGER NOT NULL,
		status TEXT NOT NULL,
		comments TEXT,
		decided_by TEXT,
		submitted_at TEXT NOT NULL,
		reviewed_at TEXT,
		updated_at TEXT NOT NULL,
		deleted_at TEXT
	);

	-- CRITICAL: one pending row per level of a source entity
	CREATE UNIQUE INDEX IF NOT EXISTS idx_unique_pending_level
		ON approval_requests(request_type, request_id, approval_level)
		WHERE status = 'pending';

	CREATE INDEX IF NOT EXISTS idx_approval_requests_source
		ON approval_requests(request_type, request_id);
	CREATE INDEX IF NOT EXISTS idx_approval_requests_pending
		ON approval_requests(approver_id, submitted_at)
		WHERE status = 'pending';

	-- Delegations. is_active may hold legacy text ('true', '1') from imports.
	CREATE TABLE IF NOT EXISTS approval_delegations (
		id TEXT PRIMARY KEY,
		supervisor_id TEXT NOT NULL,
		delegate_id TEXT NOT NULL,
		start_date TEXT NOT NULL,
		end_date TEXT NOT NULL,
		is_active INTEGER NOT NULL DEFAULT 1,
		reason TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_delegations_supervisor
		ON approval_delegations(supervisor_id, start_date);
	CREATE INDEX IF NOT EXISTS idx_delegations_delegate
		ON approval_delegations(delegate_id, start_date);

	-- Audit trail (append-only)
	CREATE TABLE IF NOT EXISTS audit_log (
		id TEXT PRIMARY KEY,
		timestamp TEXT NOT NULL,
		actor_id TEXT NOT NULL,
		action TEXT NOT NULL,
		request_type TEXT,
		request_id TEXT,
		approval_id TEXT,
		payload_json TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_audit_request
		ON audit_log(request_type, request_id);
	CREATE INDEX IF NOT EXISTS idx_audit_timestamp
		ON audit_log(timestamp);

	-- Payroll batches
	CREATE TABLE IF NOT EXISTS payrolls (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL DEFAULT '',
		month INTEGER NOT NULL,
		year INTEGER NOT NULL,
		status TEXT NOT NULL,
		total_gross TEXT NOT NULL,
		total_net TEXT NOT NULL,
		employee_count INTEGER NOT NULL DEFAULT 0,
		created_by TEXT NOT NULL,
		submitted_at TEXT,
		submitted_by TEXT,
		finance_reviewed_at TEXT,
		finance_reviewed_by TEXT,
		ceo_approved_at TEXT,
		ceo_approved_by TEXT,
		rejection_reason TEXT,
		processed_at TEXT,
		processed_by TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		deleted_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_payrolls_period
		ON payrolls(tenant_id, year, month);
	CREATE INDEX IF NOT EXISTS idx_payrolls_status
		ON payrolls(status);

	-- Leave requests
	CREATE TABLE IF NOT EXISTS leave_requests (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL DEFAULT '',
		employee_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		start_date TEXT NOT NULL,
		end_date TEXT NOT NULL,
		days INTEGER NOT NULL,
		reason TEXT,
		status TEXT NOT NULL,
		decided_by TEXT,
		decided_at TEXT,
		decision_reason TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_leave_requests_employee
		ON leave_requests(employee_id, created_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Reset deletes all data. For tests and demo environments.
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, table := range []string{"leave_requests", "payrolls", "audit_log", "approval_delegations", "approval_requests"} {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return fmt.Errorf("failed to reset %s: %w", table, err)
		}
	}
	return nil
}

// =============================================================================
// TRANSACTIONS (approval.TxStore)
// =============================================================================

type txKey struct{}

// txState ties a transaction to the store that opened it.
type txState struct {
	store *Store
	tx    *sql.Tx
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Store) txFrom(ctx context.Context) *sql.Tx {
	if st, ok := ctx.Value(txKey{}).(*txState); ok && st.store == s {
		return st.tx
	}
	return nil
}

// reader returns the transaction in ctx or the db under a read lock.
func (s *Store) reader(ctx context.Context) (execer, func()) {
	if tx := s.txFrom(ctx); tx != nil {
		return tx, func() {}
	}
	s.mu.RLock()
	return s.db, s.mu.RUnlock
}

// write runs fn against the transaction in ctx, or against the db under
// the write lock with busy retry.
func (s *Store) write(ctx context.Context, fn func(db execer) error) error {
	if tx := s.txFrom(ctx); tx != nil {
		return fn(tx)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return withRetry(ctx, defaultRetryAttempts, defaultRetryBackoff, func() error {
		return fn(s.db)
	})
}

// WithTx executes a function within a database transaction. A nested
// call joins the outer transaction.
func (s *Store) WithTx(ctx context.Context, fn func(ctx context.Context, store approval.Store) error) error {
	if s.txFrom(ctx) != nil {
		return fn(ctx, s)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return withRetry(ctx, defaultRetryAttempts, defaultRetryBackoff, func() error {
		sqlTx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		defer sqlTx.Rollback()

		txCtx := context.WithValue(ctx, txKey{}, &txState{store: s, tx: sqlTx})
		if err := fn(txCtx, s); err != nil {
			return err
		}
		if err := sqlTx.Commit(); err != nil {
			return mapError(err, "commit")
		}
		return nil
	})
}

// =============================================================================
// HELPERS
// =============================================================================

// timeLayout is fixed width so that TEXT comparison orders by time.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func formatTimePtr(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseTime(s string) time.Time {
	if t, err := time.Parse(timeLayout, s); err == nil {
		return t
	}
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t.UTC()
}

func parseTimePtr(ns sql.NullString) *time.Time {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	t := parseTime(ns.String)
	return &t
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func isUniqueConstraintError(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.ExtendedCode == sqlite3.ErrConstraintUnique || se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return err != nil && (strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "duplicate key"))
}

func isPendingLevelError(err error) bool {
	return err != nil && (strings.Contains(err.Error(), "idx_unique_pending_level") ||
		strings.Contains(err.Error(), "approval_requests.request_type"))
}

// mapError turns driver errors into the engine's sentinels.
func mapError(err error, op string) error {
	if err == nil {
		return nil
	}
	if isBusyError(err) {
		return fmt.Errorf("%s: %w: %v", op, approval.ErrStoreBusy, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}
