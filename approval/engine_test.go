package approval_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/hris-approvals/approval"
	"github.com/warp/hris-approvals/approval/store"
	"github.com/warp/hris-approvals/notify"
)

// =============================================================================
// TEST SETUP
// =============================================================================

var testNow = time.Date(2026, time.March, 10, 9, 0, 0, 0, time.UTC)

type recordingCallbacks struct {
	mu        sync.Mutex
	approved  []string
	rejected  []string
	cancelled []string
	levels    []int
	failWith  error
}

func (c *recordingCallbacks) OnChainApproved(_ context.Context, ref approval.ChainRef, _ *approval.ApprovalRequest) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failWith != nil {
		return c.failWith
	}
	c.approved = append(c.approved, ref.RequestID)
	return nil
}

func (c *recordingCallbacks) OnChainRejected(_ context.Context, ref approval.ChainRef, _ *approval.ApprovalRequest) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rejected = append(c.rejected, ref.RequestID)
	return nil
}

func (c *recordingCallbacks) OnLevelApproved(_ context.Context, _ approval.ChainRef, approved, _ *approval.ApprovalRequest) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.levels = append(c.levels, approved.ApprovalLevel)
	return nil
}

func (c *recordingCallbacks) OnChainCancelled(_ context.Context, ref approval.ChainRef, _ *approval.ApprovalRequest) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancelled = append(c.cancelled, ref.RequestID)
	return nil
}

type fixture struct {
	engine      *approval.Engine
	store       *store.TxMemory
	delegations *approval.DelegationManager
	callbacks   *recordingCallbacks
	events      *notify.Recorder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mem := store.NewTxMemory()
	resolver := approval.NewDelegationResolver(mem, time.Minute)
	callbacks := &recordingCallbacks{}
	registry := approval.NewCallbackRegistry()
	for _, rt := range approval.RequestTypes() {
		registry.Register(rt, callbacks)
	}
	policies := approval.NewPolicyRegistry()
	policies.Register(approval.RequestTravel, approval.FixedApprovers{"A", "B"})
	policies.Register(approval.RequestExpense, approval.FixedApprovers{"A", "B", "C"})
	events := &notify.Recorder{}
	clock := func() time.Time { return testNow }

	return &fixture{
		engine: &approval.Engine{
			Store:       mem,
			Delegations: resolver,
			Policies:    policies,
			Callbacks:   registry,
			AuditLog:    mem,
			Publisher:   events,
			Now:         clock,
		},
		store: mem,
		delegations: &approval.DelegationManager{
			Store:    mem,
			Resolver: resolver,
			Audit:    mem,
			Now:      clock,
		},
		callbacks: callbacks,
		events:    events,
	}
}

func (f *fixture) twoLevelChain(t *testing.T, requestID string) *approval.ApprovalRequest {
	t.Helper()
	req, err := f.engine.CreateChain(context.Background(), approval.ChainSpec{
		RequestType: approval.RequestTravel,
		RequestID:   requestID,
		EmployeeID:  "E",
	})
	require.NoError(t, err)
	return req
}

// =============================================================================
// CREATE CHAIN
// =============================================================================

func TestCreateChain_SingleLevel_IsFinal(t *testing.T) {
	// GIVEN: No policy registered for leave
	// WHEN: Opening a chain with an explicit approver
	// THEN: Level 1 is final and has no next approver

	f := newFixture(t)
	req, err := f.engine.CreateChain(context.Background(), approval.ChainSpec{
		TenantID:    "t1",
		RequestType: approval.RequestLeave,
		RequestID:   "leave-1",
		EmployeeID:  "E",
		ApproverID:  "A",
	})
	require.NoError(t, err)

	assert.NotEmpty(t, req.ID)
	assert.Equal(t, 1, req.ApprovalLevel)
	assert.True(t, req.IsFinalApproval)
	assert.Empty(t, req.NextApproverID)
	assert.Empty(t, req.PreviousApprovalID)
	assert.Equal(t, approval.StatusPending, req.Status)
	assert.Equal(t, testNow, req.SubmittedAt)

	requested := f.events.OfType(notify.EventApprovalRequested)
	require.Len(t, requested, 1)
	assert.Equal(t, []string{"A"}, requested[0].Recipients)
}

func TestCreateChain_TwoLevelPolicy_SetsNextApprover(t *testing.T) {
	f := newFixture(t)
	req := f.twoLevelChain(t, "travel-1")

	assert.Equal(t, approval.EmployeeID("A"), req.ApproverID)
	assert.Equal(t, approval.EmployeeID("B"), req.NextApproverID)
	assert.False(t, req.IsFinalApproval)
}

func TestCreateChain_SelfApproval_Rejected(t *testing.T) {
	// GIVEN: Employee A names themselves as approver
	// WHEN: Opening the chain
	// THEN: ValidationError, nothing stored

	f := newFixture(t)
	_, err := f.engine.CreateChain(context.Background(), approval.ChainSpec{
		RequestType: approval.RequestLeave,
		RequestID:   "leave-1",
		EmployeeID:  "A",
		ApproverID:  "A",
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, approval.ErrValidation))

	records, err := f.store.ListBySource(context.Background(), approval.RequestLeave, "leave-1")
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestCreateChain_UnknownRequestType_Rejected(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.CreateChain(context.Background(), approval.ChainSpec{
		RequestType: "holiday",
		RequestID:   "x",
		EmployeeID:  "E",
		ApproverID:  "A",
	})
	assert.ErrorIs(t, err, approval.ErrValidation)
}

func TestCreateChain_PendingChainExists_Rejected(t *testing.T) {
	f := newFixture(t)
	f.twoLevelChain(t, "travel-1")

	_, err := f.engine.CreateChain(context.Background(), approval.ChainSpec{
		RequestType: approval.RequestTravel,
		RequestID:   "travel-1",
		EmployeeID:  "E",
	})
	assert.ErrorIs(t, err, approval.ErrValidation)
}

func TestCreateChain_SameClientID_IsIdempotent(t *testing.T) {
	// GIVEN: A client retries a create with the id it generated
	// WHEN: The second create arrives
	// THEN: The first record is returned and no second row exists

	f := newFixture(t)
	ctx := context.Background()
	spec := approval.ChainSpec{
		ID:          "client-id-1",
		RequestType: approval.RequestLeave,
		RequestID:   "leave-1",
		EmployeeID:  "E",
		ApproverID:  "A",
	}
	first, err := f.engine.CreateChain(ctx, spec)
	require.NoError(t, err)
	second, err := f.engine.CreateChain(ctx, spec)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	records, err := f.store.ListBySource(ctx, approval.RequestLeave, "leave-1")
	require.NoError(t, err)
	assert.Len(t, records, 1)
	assert.Len(t, f.events.OfType(notify.EventApprovalRequested), 1)
}

// =============================================================================
// APPROVE
// =============================================================================

func TestApprove_TwoLevelChain(t *testing.T) {
	// GIVEN: Level 1 approver A, next approver B
	// WHEN: A approves, then B approves level 2
	// THEN: Level 2 is created for B and linked; completion fires once

	f := newFixture(t)
	ctx := context.Background()
	level1 := f.twoLevelChain(t, "travel-1")

	d1, err := f.engine.Approve(ctx, level1.ID, "A", "fine by me")
	require.NoError(t, err)
	assert.False(t, d1.ChainComplete)
	require.NotNil(t, d1.Next)
	assert.Equal(t, approval.StatusApproved, d1.Request.Status)
	assert.Equal(t, approval.EmployeeID("A"), d1.Request.DecidedBy)
	require.NotNil(t, d1.Request.ReviewedAt)

	level2 := d1.Next
	assert.Equal(t, 2, level2.ApprovalLevel)
	assert.Equal(t, approval.EmployeeID("B"), level2.ApproverID)
	assert.Equal(t, level1.ID, level2.PreviousApprovalID)
	assert.True(t, level2.IsFinalApproval)
	assert.Empty(t, level2.NextApproverID)
	assert.Empty(t, f.callbacks.approved)
	assert.Equal(t, []int{1}, f.callbacks.levels)

	d2, err := f.engine.Approve(ctx, level2.ID, "B", "")
	require.NoError(t, err)
	assert.True(t, d2.ChainComplete)
	assert.Nil(t, d2.Next)
	assert.Equal(t, []string{"travel-1"}, f.callbacks.approved)

	chain, err := f.engine.Chain(ctx, approval.RequestTravel, "travel-1")
	require.NoError(t, err)
	require.Len(t, chain.Levels, 2)
	assert.Equal(t, level1.ID, chain.Levels[0].ID)
	assert.Equal(t, level2.ID, chain.Levels[1].ID)
	assert.Equal(t, approval.OutcomeApproved, chain.Outcome())
}

func TestApprove_ThreeLevels_NextApproverFromPolicy(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	req, err := f.engine.CreateChain(ctx, approval.ChainSpec{
		RequestType: approval.RequestExpense,
		RequestID:   "exp-1",
		EmployeeID:  "E",
	})
	require.NoError(t, err)

	d1, err := f.engine.Approve(ctx, req.ID, "A", "")
	require.NoError(t, err)
	assert.Equal(t, approval.EmployeeID("C"), d1.Next.NextApproverID)
	assert.False(t, d1.Next.IsFinalApproval)

	d2, err := f.engine.Approve(ctx, d1.Next.ID, "B", "")
	require.NoError(t, err)
	assert.Equal(t, 3, d2.Next.ApprovalLevel)
	assert.True(t, d2.Next.IsFinalApproval)
}

func TestApprove_WrongApprover_Forbidden(t *testing.T) {
	// GIVEN: Level 1 belongs to A
	// WHEN: C tries to approve
	// THEN: Forbidden and the request stays pending

	f := newFixture(t)
	ctx := context.Background()
	req := f.twoLevelChain(t, "travel-1")

	_, err := f.engine.Approve(ctx, req.ID, "C", "")
	require.Error(t, err)
	assert.ErrorIs(t, err, approval.ErrForbidden)

	stored, err := f.engine.Get(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, approval.StatusPending, stored.Status)
}

func TestDecide_DecidedRequest_TransitionBeforeForbidden(t *testing.T) {
	// GIVEN: A approved level 1
	// WHEN: C, who never owned it, approves, rejects or cancels it
	// THEN: each fails as an invalid transition, not as forbidden

	f := newFixture(t)
	ctx := context.Background()
	req := f.twoLevelChain(t, "travel-1")
	_, err := f.engine.Approve(ctx, req.ID, "A", "")
	require.NoError(t, err)

	_, err = f.engine.Approve(ctx, req.ID, "C", "")
	assert.ErrorIs(t, err, approval.ErrInvalidStatusTransition)
	_, err = f.engine.Reject(ctx, req.ID, "C", "no")
	assert.ErrorIs(t, err, approval.ErrInvalidStatusTransition)
	_, err = f.engine.Cancel(ctx, req.ID, "C")
	assert.ErrorIs(t, err, approval.ErrInvalidStatusTransition)
}

func TestApprove_NotFound(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.Approve(context.Background(), "missing", "A", "")
	assert.True(t, approval.IsNotFound(err))
}

func TestApprove_Twice_SecondIsInvalidTransition(t *testing.T) {
	// GIVEN: A already approved level 1
	// WHEN: A approves again
	// THEN: InvalidStatusTransition and still exactly one level 2

	f := newFixture(t)
	ctx := context.Background()
	req := f.twoLevelChain(t, "travel-1")

	_, err := f.engine.Approve(ctx, req.ID, "A", "")
	require.NoError(t, err)
	_, err = f.engine.Approve(ctx, req.ID, "A", "")
	assert.ErrorIs(t, err, approval.ErrInvalidStatusTransition)

	records, err := f.store.ListBySource(ctx, approval.RequestTravel, "travel-1")
	require.NoError(t, err)
	assert.Len(t, records, 2)
}

func TestApprove_FinalTwice_OneCompletionCallback(t *testing.T) {
	// GIVEN: Both levels of travel-1 approved
	// WHEN: B retries the final approval
	// THEN: InvalidStatusTransition and the completion callback ran once

	f := newFixture(t)
	ctx := context.Background()
	req := f.twoLevelChain(t, "travel-1")
	d, err := f.engine.Approve(ctx, req.ID, "A", "")
	require.NoError(t, err)

	final, err := f.engine.Approve(ctx, d.Next.ID, "B", "ok")
	require.NoError(t, err)
	require.True(t, final.ChainComplete)

	_, err = f.engine.Approve(ctx, d.Next.ID, "B", "ok")
	assert.ErrorIs(t, err, approval.ErrInvalidStatusTransition)
	assert.Equal(t, []string{"travel-1"}, f.callbacks.approved)
}

func TestApprove_EmptyComments_KeepStoredComments(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	req, err := f.engine.CreateChain(ctx, approval.ChainSpec{
		RequestType: approval.RequestTravel,
		RequestID:   "travel-1",
		EmployeeID:  "E",
		Comments:    "Berlin offsite",
	})
	require.NoError(t, err)

	d, err := f.engine.Approve(ctx, req.ID, "A", "")
	require.NoError(t, err)
	stored, err := f.engine.Get(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, "Berlin offsite", stored.Comments)
	assert.Equal(t, stored.Comments, d.Request.Comments)
}

func TestApprove_Concurrent_ExactlyOneWins(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	req := f.twoLevelChain(t, "travel-1")

	const workers = 8
	var wg sync.WaitGroup
	results := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.engine.Approve(ctx, req.ID, "A", "")
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	succeeded := 0
	for err := range results {
		if err == nil {
			succeeded++
			continue
		}
		assert.True(t, errors.Is(err, approval.ErrInvalidStatusTransition) || approval.IsRetryable(err), err)
	}
	assert.Equal(t, 1, succeeded)

	records, err := f.store.ListBySource(ctx, approval.RequestTravel, "travel-1")
	require.NoError(t, err)
	assert.Len(t, records, 2)
}

func TestApprove_CallbackFailure_RollsBack(t *testing.T) {
	// GIVEN: The owning module fails its completion callback
	// WHEN: The final level is approved
	// THEN: The error surfaces and the level is still pending

	f := newFixture(t)
	ctx := context.Background()
	f.callbacks.failWith = errors.New("leave store down")
	req, err := f.engine.CreateChain(ctx, approval.ChainSpec{
		RequestType: approval.RequestLeave,
		RequestID:   "leave-1",
		EmployeeID:  "E",
		ApproverID:  "A",
	})
	require.NoError(t, err)

	_, err = f.engine.Approve(ctx, req.ID, "A", "")
	require.Error(t, err)

	stored, err := f.engine.Get(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, approval.StatusPending, stored.Status)
	assert.Empty(t, f.events.OfType(notify.EventApprovalApproved))

	// the module recovers and the retry goes through
	f.callbacks.failWith = nil
	_, err = f.engine.Approve(ctx, req.ID, "A", "")
	require.NoError(t, err)
	assert.Equal(t, []string{"leave-1"}, f.callbacks.approved)
}

// =============================================================================
// REJECT
// =============================================================================

func TestReject_ShortCircuitsChain(t *testing.T) {
	// GIVEN: A two-level chain
	// WHEN: A rejects level 1
	// THEN: No level 2, rejection callback fires, later approve fails

	f := newFixture(t)
	ctx := context.Background()
	req := f.twoLevelChain(t, "travel-1")

	rejected, err := f.engine.Reject(ctx, req.ID, "A", "budget")
	require.NoError(t, err)
	assert.Equal(t, approval.StatusRejected, rejected.Status)
	assert.Equal(t, "budget", rejected.Comments)
	assert.Equal(t, []string{"travel-1"}, f.callbacks.rejected)

	records, err := f.store.ListBySource(ctx, approval.RequestTravel, "travel-1")
	require.NoError(t, err)
	assert.Len(t, records, 1)

	_, err = f.engine.Approve(ctx, req.ID, "A", "")
	assert.ErrorIs(t, err, approval.ErrInvalidStatusTransition)

	chain, err := f.engine.Chain(ctx, approval.RequestTravel, "travel-1")
	require.NoError(t, err)
	assert.Equal(t, approval.OutcomeRejected, chain.Outcome())
}

func TestReject_AtLevelTwo(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	req := f.twoLevelChain(t, "travel-1")
	d, err := f.engine.Approve(ctx, req.ID, "A", "")
	require.NoError(t, err)

	_, err = f.engine.Reject(ctx, d.Next.ID, "A", "not mine")
	assert.ErrorIs(t, err, approval.ErrForbidden)

	_, err = f.engine.Reject(ctx, d.Next.ID, "B", "no")
	require.NoError(t, err)
	assert.Equal(t, []string{"travel-1"}, f.callbacks.rejected)
	assert.Empty(t, f.callbacks.approved)
}

func TestResubmitAfterRejection_NewChain(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	first := f.twoLevelChain(t, "travel-1")
	_, err := f.engine.Reject(ctx, first.ID, "A", "fix dates")
	require.NoError(t, err)

	second := f.twoLevelChain(t, "travel-1")
	assert.NotEqual(t, first.ID, second.ID)

	chains, err := f.engine.Chains(ctx, approval.RequestTravel, "travel-1")
	require.NoError(t, err)
	assert.Len(t, chains, 2)

	latest, err := f.engine.Chain(ctx, approval.RequestTravel, "travel-1")
	require.NoError(t, err)
	assert.Equal(t, approval.OutcomePending, latest.Outcome())
}

// =============================================================================
// SELF-APPROVAL
// =============================================================================

func TestCreateChain_RequesterAtLaterLevel_Invalid(t *testing.T) {
	// GIVEN: Travel goes A then B
	// WHEN: B opens a travel chain for themselves
	// THEN: ValidationError and nothing is stored

	f := newFixture(t)
	ctx := context.Background()
	_, err := f.engine.CreateChain(ctx, approval.ChainSpec{
		RequestType: approval.RequestTravel,
		RequestID:   "travel-1",
		EmployeeID:  "B",
	})
	assert.ErrorIs(t, err, approval.ErrValidation)

	records, err := f.store.ListBySource(ctx, approval.RequestTravel, "travel-1")
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestApprove_PolicyNowRoutesToRequester_Invalid(t *testing.T) {
	// GIVEN: A travel chain for C opened under the A, B policy
	// WHEN: The policy gains a third level held by C and A approves
	// THEN: ValidationError, level 1 stays pending and no level 2 exists

	f := newFixture(t)
	ctx := context.Background()
	req, err := f.engine.CreateChain(ctx, approval.ChainSpec{
		RequestType: approval.RequestTravel,
		RequestID:   "travel-1",
		EmployeeID:  "C",
	})
	require.NoError(t, err)
	f.engine.Policies.Register(approval.RequestTravel, approval.FixedApprovers{"A", "B", "C"})

	_, err = f.engine.Approve(ctx, req.ID, "A", "")
	assert.ErrorIs(t, err, approval.ErrValidation)

	records, err := f.store.ListBySource(ctx, approval.RequestTravel, "travel-1")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, approval.StatusPending, records[0].Status)
}

func TestApprove_DelegatedToRequester_Forbidden(t *testing.T) {
	// GIVEN: A delegated to E, and E has a travel request at A's level
	// WHEN: E approves their own request
	// THEN: Forbidden; once the delegation ends A decides again

	f := newFixture(t)
	ctx := context.Background()
	d := delegate(t, f, "A", "E", approval.NewDate(2026, 3, 1), approval.NewDate(2026, 3, 31))
	req := f.twoLevelChain(t, "travel-1")

	_, err := f.engine.Approve(ctx, req.ID, "E", "")
	assert.ErrorIs(t, err, approval.ErrForbidden)
	_, err = f.engine.Reject(ctx, req.ID, "E", "no")
	assert.ErrorIs(t, err, approval.ErrForbidden)

	_, err = f.delegations.Deactivate(ctx, "A", d.ID)
	require.NoError(t, err)
	_, err = f.engine.Approve(ctx, req.ID, "A", "")
	assert.NoError(t, err)
}

// =============================================================================
// CANCEL
// =============================================================================

func TestCancel_OnlyRequester(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	req := f.twoLevelChain(t, "travel-1")

	_, err := f.engine.Cancel(ctx, req.ID, "A")
	assert.ErrorIs(t, err, approval.ErrForbidden)

	cancelled, err := f.engine.Cancel(ctx, req.ID, "E")
	require.NoError(t, err)
	assert.Equal(t, approval.StatusCancelled, cancelled.Status)
	assert.Equal(t, []string{"travel-1"}, f.callbacks.cancelled)

	_, err = f.engine.Approve(ctx, req.ID, "A", "")
	assert.ErrorIs(t, err, approval.ErrInvalidStatusTransition)
}

func TestCancel_AfterApproval_InvalidTransition(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	req, err := f.engine.CreateChain(ctx, approval.ChainSpec{
		RequestType: approval.RequestLeave,
		RequestID:   "leave-1",
		EmployeeID:  "E",
		ApproverID:  "A",
	})
	require.NoError(t, err)
	_, err = f.engine.Approve(ctx, req.ID, "A", "")
	require.NoError(t, err)

	_, err = f.engine.Cancel(ctx, req.ID, "E")
	assert.ErrorIs(t, err, approval.ErrInvalidStatusTransition)
}

// =============================================================================
// DELEGATION AT DECISION TIME
// =============================================================================

func delegate(t *testing.T, f *fixture, supervisor, to approval.EmployeeID, start, end approval.Date) *approval.Delegation {
	t.Helper()
	d, err := f.delegations.Create(context.Background(), supervisor, approval.Delegation{
		SupervisorID: supervisor,
		DelegateID:   to,
		StartDate:    start,
		EndDate:      end,
		IsActive:     true,
	})
	require.NoError(t, err)
	return d
}

func TestApprove_ActiveDelegation_DelegateDecides(t *testing.T) {
	// GIVEN: A delegated to D for a window covering today
	// WHEN: D approves, and A tries on another request
	// THEN: D succeeds; A is forbidden while the delegation is active;
	//       the stored approver stays A

	f := newFixture(t)
	ctx := context.Background()
	delegate(t, f, "A", "D", approval.NewDate(2026, 3, 1), approval.NewDate(2026, 3, 31))

	req := f.twoLevelChain(t, "travel-1")
	d, err := f.engine.Approve(ctx, req.ID, "D", "on behalf of A")
	require.NoError(t, err)
	assert.Equal(t, approval.EmployeeID("A"), d.Request.ApproverID)
	assert.Equal(t, approval.EmployeeID("D"), d.Request.DecidedBy)

	other := f.twoLevelChain(t, "travel-2")
	_, err = f.engine.Approve(ctx, other.ID, "A", "")
	assert.ErrorIs(t, err, approval.ErrForbidden)
}

func TestApprove_ExpiredDelegation_DelegateForbidden(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	delegate(t, f, "A", "D", approval.NewDate(2026, 2, 1), approval.NewDate(2026, 3, 9))

	req := f.twoLevelChain(t, "travel-1")
	_, err := f.engine.Approve(ctx, req.ID, "D", "")
	assert.ErrorIs(t, err, approval.ErrForbidden)

	_, err = f.engine.Approve(ctx, req.ID, "A", "")
	assert.NoError(t, err)
}

func TestApprove_DeactivatedDelegation_NominalApproverBack(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	d := delegate(t, f, "A", "D", approval.NewDate(2026, 3, 1), approval.NewDate(2026, 3, 31))
	req := f.twoLevelChain(t, "travel-1")

	// warm the cache
	_, err := f.engine.Approve(ctx, req.ID, "A", "")
	require.ErrorIs(t, err, approval.ErrForbidden)

	_, err = f.delegations.Deactivate(ctx, "A", d.ID)
	require.NoError(t, err)

	_, err = f.engine.Approve(ctx, req.ID, "A", "")
	assert.NoError(t, err)
}

func TestListPendingFor_IncludesDelegatedQueue(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	delegate(t, f, "A", "D", approval.NewDate(2026, 3, 1), approval.NewDate(2026, 3, 31))
	f.twoLevelChain(t, "travel-1")
	_, err := f.engine.CreateChain(ctx, approval.ChainSpec{
		RequestType: approval.RequestLeave,
		RequestID:   "leave-1",
		EmployeeID:  "E",
		ApproverID:  "D",
	})
	require.NoError(t, err)

	forD, err := f.engine.ListPendingFor(ctx, "D")
	require.NoError(t, err)
	assert.Len(t, forD, 2)

	forA, err := f.engine.ListPendingFor(ctx, "A")
	require.NoError(t, err)
	require.Len(t, forA, 1)
	assert.Equal(t, "travel-1", forA[0].RequestID)

	forB, err := f.engine.ListPendingFor(ctx, "B")
	require.NoError(t, err)
	assert.Empty(t, forB)
}

// =============================================================================
// AUDIT
// =============================================================================

func TestDecisions_AreAudited(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	req := f.twoLevelChain(t, "travel-1")
	d, err := f.engine.Approve(ctx, req.ID, "A", "")
	require.NoError(t, err)
	_, err = f.engine.Approve(ctx, d.Next.ID, "B", "")
	require.NoError(t, err)

	id := "travel-1"
	entries, err := f.store.Query(ctx, approval.AuditFilter{RequestID: &id})
	require.NoError(t, err)
	var actions []approval.AuditAction
	for _, e := range entries {
		actions = append(actions, e.Action)
	}
	assert.Equal(t, []approval.AuditAction{
		approval.AuditChainCreated,
		approval.AuditLevelApproved,
		approval.AuditChainApproved,
	}, actions)
}
