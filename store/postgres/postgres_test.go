package postgres_test

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/hris-approvals/approval"
	"github.com/warp/hris-approvals/leave"
	"github.com/warp/hris-approvals/payroll"
	"github.com/warp/hris-approvals/store/postgres"
)

// These tests need a disposable database:
//
//	HRIS_TEST_POSTGRES_DSN=postgres://localhost:5432/hris_test?sslmode=disable go test ./store/postgres/
//
// Every test truncates all tables.

var testNow = time.Date(2026, time.March, 10, 9, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) *postgres.Store {
	if testing.Short() {
		t.Skip("short")
	}
	dsn := os.Getenv("HRIS_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("HRIS_TEST_POSTGRES_DSN not set")
	}

	ctx := context.Background()
	store, err := postgres.New(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	require.NoError(t, store.Reset(ctx))
	return store
}

func newEngine(store *postgres.Store) *approval.Engine {
	policies := approval.NewPolicyRegistry()
	policies.Register(approval.RequestTravel, approval.FixedApprovers{"A", "B"})
	return &approval.Engine{
		Store:       store,
		Delegations: approval.NewDelegationResolver(store, 0),
		Policies:    policies,
		Callbacks:   approval.NewCallbackRegistry(),
		AuditLog:    store,
		Now:         func() time.Time { return testNow },
	}
}

func level1(id, requestID string) *approval.ApprovalRequest {
	return &approval.ApprovalRequest{
		ID: id, TenantID: "t1", RequestType: approval.RequestTravel, RequestID: requestID,
		EmployeeID: "E", ApproverID: "A", ApprovalLevel: 1, NextApproverID: "B",
		Status: approval.StatusPending, SubmittedAt: testNow, UpdatedAt: testNow,
	}
}

// =============================================================================
// APPROVAL REQUESTS
// =============================================================================

func TestApprovalRequest_RoundTripAndConstraints(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Insert(ctx, level1("ar-1", "trip-1")))

	got, err := store.Get(ctx, "ar-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, approval.EmployeeID("B"), got.NextApproverID)
	assert.True(t, testNow.Equal(got.SubmittedAt))
	assert.Equal(t, time.UTC, got.SubmittedAt.Location())

	missing, err := store.Get(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)

	err = store.Insert(ctx, level1("ar-2", "trip-1"))
	assert.ErrorIs(t, err, approval.ErrDuplicatePendingLevel)

	err = store.Insert(ctx, level1("ar-1", "trip-9"))
	assert.ErrorIs(t, err, approval.ErrValidation)
}

func TestUpdateStatus_CompareAndSet(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.Insert(ctx, level1("ar-1", "trip-1")))

	update := approval.StatusUpdate{Status: approval.StatusApproved, DecidedBy: "A", Comments: "ok", ReviewedAt: testNow}
	require.NoError(t, store.UpdateStatus(ctx, "ar-1", update))
	assert.ErrorIs(t, store.UpdateStatus(ctx, "ar-1", update), approval.ErrConcurrentModification)
	assert.True(t, approval.IsNotFound(store.UpdateStatus(ctx, "missing", update)))

	queue, err := store.ListPending(ctx, []approval.EmployeeID{"A"})
	require.NoError(t, err)
	assert.Empty(t, queue)
}

func TestWithTx_RollbackCoversAllTables(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := store.WithTx(ctx, func(ctx context.Context, s approval.Store) error {
		require.NoError(t, s.Insert(ctx, level1("ar-1", "trip-1")))
		require.NoError(t, store.SavePayroll(ctx, &payroll.Payroll{
			ID: "p-1", Month: 3, Year: 2026, Status: payroll.StatusDraft, CreatedBy: "HR",
			CreatedAt: testNow, UpdatedAt: testNow,
		}))
		return boom
	})
	assert.ErrorIs(t, err, boom)

	got, err := store.Get(ctx, "ar-1")
	require.NoError(t, err)
	assert.Nil(t, got)
	p, err := store.GetPayroll(ctx, "p-1")
	require.NoError(t, err)
	assert.Nil(t, p)
}

// =============================================================================
// ENGINE ON POSTGRES
// =============================================================================

func TestEngine_ConcurrentApprove_ExactlyOneWins(t *testing.T) {
	// GIVEN: A pending level 1 on PostgreSQL
	// WHEN: Ten goroutines approve it at once
	// THEN: Serializable isolation lets exactly one through

	store := newTestStore(t)
	ctx := context.Background()
	engine := newEngine(store)

	req, err := engine.CreateChain(ctx, approval.ChainSpec{
		RequestType: approval.RequestTravel, RequestID: "trip-1", EmployeeID: "E",
	})
	require.NoError(t, err)

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := engine.Approve(ctx, req.ID, "A", ""); err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
			} else {
				assert.True(t,
					errors.Is(err, approval.ErrInvalidStatusTransition) || approval.IsRetryable(err),
					"unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, successes)
	chain, err := engine.Chain(ctx, approval.RequestTravel, "trip-1")
	require.NoError(t, err)
	assert.Len(t, chain.Levels, 2)
}

func TestEngine_DelegateDecides(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	engine := newEngine(store)
	require.NoError(t, store.SaveDelegation(ctx, &approval.Delegation{
		ID: "d-1", SupervisorID: "A", DelegateID: "D",
		StartDate: approval.NewDate(2026, 3, 1), EndDate: approval.NewDate(2026, 3, 31),
		IsActive: true, CreatedAt: testNow, UpdatedAt: testNow,
	}))

	active, err := store.ListActiveDelegations(ctx, approval.DelegationFilter{SupervisorID: "A", On: approval.NewDate(2026, 3, 10)})
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.True(t, active[0].StartDate.Equal(approval.NewDate(2026, 3, 1)))

	req, err := engine.CreateChain(ctx, approval.ChainSpec{
		RequestType: approval.RequestTravel, RequestID: "trip-1", EmployeeID: "E",
	})
	require.NoError(t, err)

	_, err = engine.Approve(ctx, req.ID, "A", "")
	assert.ErrorIs(t, err, approval.ErrForbidden)
	d, err := engine.Approve(ctx, req.ID, "D", "")
	require.NoError(t, err)
	assert.Equal(t, approval.EmployeeID("D"), d.Request.DecidedBy)
}

func TestPayrollLifecycle(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	engine := newEngine(store)

	dir := approval.NewStaticDirectory()
	dir.SetRole("", approval.RoleFinanceManager, "FIN")
	dir.SetRole("", approval.RoleCEO, "CEO")
	svc := &payroll.Service{
		Store: store, Engine: engine, Roles: dir, AuditLog: store,
		Now: func() time.Time { return testNow },
	}
	svc.Register(engine.Policies, engine.Callbacks)

	p, err := svc.Create(ctx, payroll.CreateInput{
		Month: 2, Year: 2026, CreatedBy: "HR",
		TotalGross: decimal.RequireFromString("123456.78"), TotalNet: decimal.RequireFromString("98765.43"),
		EmployeeCount: 12,
	})
	require.NoError(t, err)
	_, err = svc.Submit(ctx, p.ID, "HR")
	require.NoError(t, err)
	_, err = svc.FinanceApprove(ctx, p.ID, "FIN", "")
	require.NoError(t, err)
	_, err = svc.CEOApprove(ctx, p.ID, "CEO", "")
	require.NoError(t, err)

	got, err := store.GetPayroll(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, payroll.StatusApproved, got.Status)
	assert.True(t, got.TotalGross.Equal(decimal.RequireFromString("123456.78")))

	reqType := approval.RequestPayroll
	entries, err := store.Query(ctx, approval.AuditFilter{
		RequestType: &reqType, RequestID: &p.ID,
		Actions: []approval.AuditAction{approval.AuditChainApproved},
	})
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestLeaveStore_RoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	r := &leave.Request{
		ID: "lv-1", EmployeeID: "E1", Kind: leave.KindAnnual,
		StartDate: approval.NewDate(2026, 3, 9), EndDate: approval.NewDate(2026, 3, 13), Days: 5,
		Status: leave.StatusPending, CreatedAt: testNow, UpdatedAt: testNow,
	}
	require.NoError(t, store.SaveLeaveRequest(ctx, r))

	got, err := store.GetLeaveRequest(ctx, "lv-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.True(t, got.EndDate.Equal(r.EndDate))
	assert.Equal(t, 5, got.Days)

	list, err := store.ListLeaveRequests(ctx, "E1")
	require.NoError(t, err)
	assert.Len(t, list, 1)
}
