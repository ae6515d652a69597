package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/hris-approvals/api"
	"github.com/warp/hris-approvals/approval"
	"github.com/warp/hris-approvals/leave"
	"github.com/warp/hris-approvals/notify"
	"github.com/warp/hris-approvals/payroll"
	"github.com/warp/hris-approvals/store/sqlite"
)

// =============================================================================
// TEST SETUP
// =============================================================================

var testNow = time.Date(2026, time.March, 2, 9, 0, 0, 0, time.UTC)

type testServer struct {
	*httptest.Server
	store  *sqlite.Store
	engine *approval.Engine
	events *notify.Recorder
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	clock := func() time.Time { return testNow }
	dir := approval.NewStaticDirectory()
	dir.SetRole("", approval.RoleFinanceManager, "FIN")
	dir.SetRole("", approval.RoleCEO, "CEO")
	dir.SetRole("", approval.RoleHRManager, "HRM")
	dir.SetSupervisor("E1", "SUP")

	resolver := approval.NewDelegationResolver(store, 0)
	policies := approval.NewPolicyRegistry()
	policies.Register(approval.RequestTravel, approval.FixedApprovers{"A", "B"})
	callbacks := approval.NewCallbackRegistry()
	events := &notify.Recorder{}

	engine := &approval.Engine{
		Store: store, Delegations: resolver, Policies: policies, Callbacks: callbacks,
		AuditLog: store, Publisher: events, Now: clock,
	}
	payrollSvc := &payroll.Service{
		Store: store, Engine: engine, Roles: dir, AuditLog: store, Publisher: events, Now: clock,
	}
	payrollSvc.Register(policies, callbacks)
	leaveSvc := &leave.Service{Store: store, Engine: engine, Roles: dir, Now: clock}
	leaveSvc.Register(policies, callbacks)

	h := &api.Handler{
		Engine:      engine,
		Delegations: &approval.DelegationManager{Store: store, Resolver: resolver, Audit: store, Now: clock},
		Payroll:     payrollSvc,
		Leave:       leaveSvc,
		AuditLog:    store,
		Health:      store,
		Log:         zerolog.Nop(),
	}
	srv := httptest.NewServer(api.NewRouter(h, api.RouterOptions{CORSOrigins: []string{"*"}}))
	t.Cleanup(srv.Close)

	return &testServer{Server: srv, store: store, engine: engine, events: events}
}

func (s *testServer) do(t *testing.T, method, path string, body any, out any) int {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, s.URL+path, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil && resp.StatusCode != http.StatusNoContent {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func (s *testServer) openTravelChain(t *testing.T, tripID string) approval.ApprovalRequest {
	t.Helper()
	var created approval.ApprovalRequest
	status := s.do(t, http.MethodPost, "/api/approvals", api.CreateChainRequest{
		RequestType: "travel", RequestID: tripID, EmployeeID: "E1",
	}, &created)
	require.Equal(t, http.StatusCreated, status)
	return created
}

// =============================================================================
// APPROVALS
// =============================================================================

func TestHealthz(t *testing.T) {
	s := newTestServer(t)
	var body map[string]string
	assert.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/healthz", nil, &body))
	assert.Equal(t, "healthy", body["status"])
}

func TestApprovalChain_TwoLevels(t *testing.T) {
	// GIVEN: A travel chain A -> B
	// WHEN: The wrong person, then A, then B decide over HTTP
	// THEN: 403 for the stranger, level 2 opens for B, chain ends approved

	s := newTestServer(t)
	created := s.openTravelChain(t, "trip-1")
	assert.Equal(t, approval.EmployeeID("A"), created.ApproverID)
	assert.False(t, created.IsFinalApproval)

	var errResp api.ErrorResponse
	status := s.do(t, http.MethodPost, "/api/approvals/"+created.ID+"/approve",
		api.DecisionRequest{ActorID: "X"}, &errResp)
	assert.Equal(t, http.StatusForbidden, status)
	assert.NotEmpty(t, errResp.Details)

	var decision approval.Decision
	status = s.do(t, http.MethodPost, "/api/approvals/"+created.ID+"/approve",
		api.DecisionRequest{ActorID: "A", Comments: "fine"}, &decision)
	require.Equal(t, http.StatusOK, status)
	require.NotNil(t, decision.Next)
	assert.False(t, decision.ChainComplete)

	var queue []approval.ApprovalRequest
	require.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/api/approvals/pending?approver_id=B", nil, &queue))
	require.Len(t, queue, 1)
	assert.Equal(t, 2, queue[0].ApprovalLevel)

	status = s.do(t, http.MethodPost, "/api/approvals/"+decision.Next.ID+"/approve",
		api.DecisionRequest{ActorID: "B"}, &decision)
	require.Equal(t, http.StatusOK, status)
	assert.True(t, decision.ChainComplete)

	var chain api.ChainDTO
	require.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/api/approvals/chains/travel/trip-1", nil, &chain))
	assert.Equal(t, approval.OutcomeApproved, chain.Outcome)
	assert.Len(t, chain.Levels, 2)

	// deciding again is a conflict
	status = s.do(t, http.MethodPost, "/api/approvals/"+created.ID+"/approve",
		api.DecisionRequest{ActorID: "A"}, &errResp)
	assert.Equal(t, http.StatusConflict, status)
}

func TestApprovalChain_RejectAndCancel(t *testing.T) {
	s := newTestServer(t)

	first := s.openTravelChain(t, "trip-1")
	var rejected approval.ApprovalRequest
	status := s.do(t, http.MethodPost, "/api/approvals/"+first.ID+"/reject",
		api.DecisionRequest{ActorID: "A", Reason: "budget"}, &rejected)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, approval.StatusRejected, rejected.Status)
	assert.Equal(t, "budget", rejected.Comments)

	second := s.openTravelChain(t, "trip-2")
	var errResp api.ErrorResponse
	assert.Equal(t, http.StatusForbidden, s.do(t, http.MethodPost, "/api/approvals/"+second.ID+"/cancel",
		api.DecisionRequest{ActorID: "A"}, &errResp), "only the requester cancels")

	var cancelled approval.ApprovalRequest
	require.Equal(t, http.StatusOK, s.do(t, http.MethodPost, "/api/approvals/"+second.ID+"/cancel",
		api.DecisionRequest{ActorID: "E1"}, &cancelled))
	assert.Equal(t, approval.StatusCancelled, cancelled.Status)
}

func TestApprovals_ClientErrors(t *testing.T) {
	s := newTestServer(t)
	var errResp api.ErrorResponse

	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodGet, "/api/approvals/missing", nil, &errResp))
	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodGet, "/api/approvals/chains/travel/none", nil, &errResp))
	assert.Equal(t, http.StatusBadRequest, s.do(t, http.MethodPost, "/api/approvals",
		api.CreateChainRequest{RequestType: "bogus", RequestID: "x", EmployeeID: "E1"}, &errResp))
	assert.Equal(t, http.StatusBadRequest, s.do(t, http.MethodGet, "/api/approvals/pending", nil, &errResp))

	resp, err := s.Client().Post(s.URL+"/api/approvals", "application/json", bytes.NewBufferString("{not json"))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCreateChain_IdempotentWithClientID(t *testing.T) {
	s := newTestServer(t)
	body := api.CreateChainRequest{ID: "client-1", RequestType: "travel", RequestID: "trip-1", EmployeeID: "E1"}

	var first, second approval.ApprovalRequest
	require.Equal(t, http.StatusCreated, s.do(t, http.MethodPost, "/api/approvals", body, &first))
	require.Equal(t, http.StatusCreated, s.do(t, http.MethodPost, "/api/approvals", body, &second))
	assert.Equal(t, "client-1", first.ID)
	assert.Equal(t, first.ID, second.ID)
}

// =============================================================================
// DELEGATIONS
// =============================================================================

func TestDelegation_DelegateDecides(t *testing.T) {
	// GIVEN: A delegates to D for March
	// WHEN: D looks at their queue and approves
	// THEN: The request shows up for D, A is refused, decided_by is D

	s := newTestServer(t)
	var d approval.Delegation
	status := s.do(t, http.MethodPost, "/api/delegations", api.CreateDelegationRequest{
		ActorID: "A", SupervisorID: "A", DelegateID: "D",
		StartDate: approval.NewDate(2026, 3, 1), EndDate: approval.NewDate(2026, 3, 31),
		Reason: "vacation",
	}, &d)
	require.Equal(t, http.StatusCreated, status)
	assert.True(t, bool(d.IsActive))

	var eff api.EffectiveApproverDTO
	require.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/api/delegations/effective?approver_id=A&date=2026-03-15", nil, &eff))
	assert.Equal(t, "D", eff.Effective)
	assert.True(t, eff.Delegated)

	created := s.openTravelChain(t, "trip-1")

	var queue []approval.ApprovalRequest
	require.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/api/approvals/pending?approver_id=D", nil, &queue))
	assert.Len(t, queue, 1)

	var errResp api.ErrorResponse
	assert.Equal(t, http.StatusForbidden, s.do(t, http.MethodPost, "/api/approvals/"+created.ID+"/approve",
		api.DecisionRequest{ActorID: "A"}, &errResp))

	var decision approval.Decision
	require.Equal(t, http.StatusOK, s.do(t, http.MethodPost, "/api/approvals/"+created.ID+"/approve",
		api.DecisionRequest{ActorID: "D"}, &decision))
	assert.Equal(t, approval.EmployeeID("D"), decision.Request.DecidedBy)
	assert.Equal(t, approval.EmployeeID("A"), decision.Request.ApproverID)
}

func TestDelegation_OverlapUpdateDeactivate(t *testing.T) {
	s := newTestServer(t)
	march := api.CreateDelegationRequest{
		ActorID: "A", SupervisorID: "A", DelegateID: "D",
		StartDate: approval.NewDate(2026, 3, 1), EndDate: approval.NewDate(2026, 3, 31),
	}
	var d approval.Delegation
	require.Equal(t, http.StatusCreated, s.do(t, http.MethodPost, "/api/delegations", march, &d))

	overlap := march
	overlap.DelegateID = "D2"
	overlap.StartDate = approval.NewDate(2026, 3, 20)
	var errResp api.ErrorResponse
	assert.Equal(t, http.StatusBadRequest, s.do(t, http.MethodPost, "/api/delegations", overlap, &errResp))

	end := approval.NewDate(2026, 3, 15)
	var updated approval.Delegation
	require.Equal(t, http.StatusOK, s.do(t, http.MethodPut, "/api/delegations/"+d.ID,
		api.UpdateDelegationRequest{ActorID: "A", EndDate: &end}, &updated))
	assert.True(t, updated.EndDate.Equal(end))

	var deactivated approval.Delegation
	require.Equal(t, http.StatusOK, s.do(t, http.MethodPost, "/api/delegations/"+d.ID+"/deactivate",
		api.ActorRequest{ActorID: "A"}, &deactivated))
	assert.False(t, bool(deactivated.IsActive))

	var list []approval.Delegation
	require.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/api/delegations?supervisor_id=A", nil, &list))
	assert.Len(t, list, 1)

	var eff api.EffectiveApproverDTO
	require.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/api/delegations/effective?approver_id=A&date=2026-03-10", nil, &eff))
	assert.False(t, eff.Delegated)

	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodGet, "/api/delegations/missing", nil, &errResp))
	assert.Equal(t, http.StatusBadRequest, s.do(t, http.MethodGet, "/api/delegations/effective?approver_id=A&date=03/10/2026", nil, &errResp))
}

func TestDelegation_LegacyStringFlags(t *testing.T) {
	// GIVEN: A client that still sends is_active as a string
	// WHEN: It creates a delegation with "true" and patches it with "0"
	// THEN: Both are accepted and stored as booleans

	s := newTestServer(t)

	var d approval.Delegation
	status := s.do(t, http.MethodPost, "/api/delegations", json.RawMessage(`{
		"actor_id": "A", "supervisor_id": "A", "delegate_id": "D",
		"start_date": "2026-03-01", "end_date": "2026-03-31", "is_active": "true"
	}`), &d)
	require.Equal(t, http.StatusCreated, status)
	assert.True(t, bool(d.IsActive))

	var eff api.EffectiveApproverDTO
	require.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/api/delegations/effective?approver_id=A&date=2026-03-10", nil, &eff))
	assert.Equal(t, "D", eff.ApproverID)

	var updated approval.Delegation
	require.Equal(t, http.StatusOK, s.do(t, http.MethodPut, "/api/delegations/"+d.ID,
		json.RawMessage(`{"actor_id": "A", "is_active": "0"}`), &updated))
	assert.False(t, bool(updated.IsActive))

	var errResp api.ErrorResponse
	assert.Equal(t, http.StatusBadRequest, s.do(t, http.MethodPut, "/api/delegations/"+d.ID,
		json.RawMessage(`{"actor_id": "A", "is_active": "maybe"}`), &errResp))
}

// =============================================================================
// PAYROLL + LEAVE
// =============================================================================

func TestPayroll_OverHTTP(t *testing.T) {
	s := newTestServer(t)

	var p payroll.Payroll
	status := s.do(t, http.MethodPost, "/api/payrolls", json.RawMessage(`{
		"month": 2, "year": 2026, "total_gross": "10500.25", "total_net": "8400.20",
		"employee_count": 7, "actor_id": "HR"
	}`), &p)
	require.Equal(t, http.StatusCreated, status)
	assert.Equal(t, payroll.StatusDraft, p.Status)
	assert.Equal(t, "10500.25", p.TotalGross.StringFixed(2))

	step := func(path, actor string) (int, payroll.Payroll) {
		var out payroll.Payroll
		code := s.do(t, http.MethodPost, "/api/payrolls/"+p.ID+path, api.DecisionRequest{ActorID: actor}, &out)
		return code, out
	}

	code, out := step("/submit", "HR")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, payroll.StatusPendingFinance, out.Status)

	code, _ = step("/ceo/approve", "CEO")
	assert.Equal(t, http.StatusConflict, code, "CEO cannot act while Finance is pending")

	code, out = step("/finance/approve", "FIN")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, payroll.StatusPendingCEO, out.Status)

	code, out = step("/ceo/approve", "CEO")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, payroll.StatusApproved, out.Status)

	code, _ = step("/process", "CEO")
	assert.Equal(t, http.StatusForbidden, code)
	code, out = step("/process", "FIN")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, payroll.StatusProcessed, out.Status)

	var list []payroll.Payroll
	require.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/api/payrolls?status=processed&year=2026", nil, &list))
	assert.Len(t, list, 1)

	var errResp api.ErrorResponse
	assert.Equal(t, http.StatusBadRequest, s.do(t, http.MethodGet, "/api/payrolls?month=feb", nil, &errResp))
	assert.Equal(t, http.StatusConflict, s.do(t, http.MethodDelete, "/api/payrolls/"+p.ID+"?actor_id=HR", nil, &errResp))

	assert.Len(t, s.events.OfType(notify.EventPayrollStatusChanged), 4)

	var audit []approval.AuditEntry
	require.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/api/audit?request_type=payroll&request_id="+p.ID, nil, &audit))
	assert.NotEmpty(t, audit)
}

func TestPayroll_RejectThenDelete(t *testing.T) {
	s := newTestServer(t)

	var p payroll.Payroll
	require.Equal(t, http.StatusCreated, s.do(t, http.MethodPost, "/api/payrolls", json.RawMessage(`{
		"month": 3, "year": 2026, "total_gross": 100, "total_net": 90, "employee_count": 1, "actor_id": "HR"
	}`), &p))
	require.Equal(t, http.StatusOK, s.do(t, http.MethodPost, "/api/payrolls/"+p.ID+"/submit", api.DecisionRequest{ActorID: "HR"}, &p))

	require.Equal(t, http.StatusOK, s.do(t, http.MethodPost, "/api/payrolls/"+p.ID+"/finance/reject",
		api.DecisionRequest{ActorID: "FIN", Reason: "totals off"}, &p))
	assert.Equal(t, payroll.StatusRejected, p.Status)
	assert.Equal(t, "totals off", p.RejectionReason)

	assert.Equal(t, http.StatusNoContent, s.do(t, http.MethodDelete, "/api/payrolls/"+p.ID+"?actor_id=HR", nil, nil))
	var errResp api.ErrorResponse
	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodGet, "/api/payrolls/"+p.ID, nil, &errResp))
}

func TestLeave_OverHTTP(t *testing.T) {
	// GIVEN: E1 reports to SUP
	// WHEN: E1 submits five days of annual leave and SUP approves the chain
	// THEN: The leave request is approved by SUP

	s := newTestServer(t)

	var lr leave.Request
	status := s.do(t, http.MethodPost, "/api/leave-requests", api.SubmitLeaveRequest{
		EmployeeID: "E1", Kind: "Annual",
		StartDate: approval.NewDate(2026, 3, 9), EndDate: approval.NewDate(2026, 3, 13),
	}, &lr)
	require.Equal(t, http.StatusCreated, status)
	assert.Equal(t, 5, lr.Days)

	var queue []approval.ApprovalRequest
	require.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/api/approvals/pending?approver_id=SUP", nil, &queue))
	require.Len(t, queue, 1)
	assert.True(t, queue[0].IsFinalApproval)

	var decision approval.Decision
	require.Equal(t, http.StatusOK, s.do(t, http.MethodPost, "/api/approvals/"+queue[0].ID+"/approve",
		api.DecisionRequest{ActorID: "SUP"}, &decision))

	require.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/api/leave-requests/"+lr.ID, nil, &lr))
	assert.Equal(t, leave.StatusApproved, lr.Status)
	assert.Equal(t, approval.EmployeeID("SUP"), lr.DecidedBy)

	var list []leave.Request
	require.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/api/leave-requests?employee_id=E1", nil, &list))
	assert.Len(t, list, 1)

	var errResp api.ErrorResponse
	assert.Equal(t, http.StatusConflict, s.do(t, http.MethodPost, "/api/leave-requests/"+lr.ID+"/cancel",
		api.ActorRequest{ActorID: "E1"}, &errResp))
}

func TestLeave_NoSupervisorIsServerError(t *testing.T) {
	s := newTestServer(t)
	var errResp api.ErrorResponse
	status := s.do(t, http.MethodPost, "/api/leave-requests", api.SubmitLeaveRequest{
		EmployeeID: "ORPHAN", Kind: "sick",
		StartDate: approval.NewDate(2026, 3, 9), EndDate: approval.NewDate(2026, 3, 9),
	}, &errResp)
	assert.Equal(t, http.StatusInternalServerError, status)
	assert.Equal(t, "Approval routing is misconfigured", errResp.Error)
}

// =============================================================================
// REMINDERS
// =============================================================================

func TestReminderScheduler_Sweep(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()
	s.openTravelChain(t, "trip-1")

	rs := api.NewReminderScheduler(s.engine, s.store, zerolog.Nop())
	rs.StaleAfter = 24 * time.Hour

	rs.Now = func() time.Time { return testNow.Add(time.Hour) }
	assert.Zero(t, rs.Sweep(ctx), "not stale yet")

	rs.Now = func() time.Time { return testNow.Add(25 * time.Hour) }
	assert.Equal(t, 1, rs.Sweep(ctx))

	reminders := s.events.OfType(notify.EventApprovalReminder)
	require.Len(t, reminders, 1)
	assert.Contains(t, reminders[0].Recipients, "A")
}

func TestReminderScheduler_StartStop(t *testing.T) {
	s := newTestServer(t)
	rs := api.NewReminderScheduler(s.engine, s.store, zerolog.Nop())
	rs.CheckInterval = 10 * time.Millisecond

	rs.Start()
	rs.Start() // second start is a no-op
	rs.Stop()
	rs.Stop()

	rs.Enabled = false
	rs.Start()
	rs.Stop()
}
