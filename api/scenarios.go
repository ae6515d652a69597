/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Provides pre-built scenarios that populate storage with realistic
	approval traffic for demos and manual testing. Each scenario installs
	the demo org chart, then drives the real engine and services so every
	record, audit entry and event looks like production traffic.

AVAILABLE SCENARIOS:

	leave-simple:     One short leave request waiting for the supervisor
	leave-delegated:  Supervisor on vacation, delegate sees the queue
	long-leave:       Two-week leave past the supervisor, waiting for HR
	payroll-month:    Last month's payroll approved by Finance, waiting for CEO
	expense-rejected: Explicit single-level expense chain, rejected

DEMO ORG:

	emp-001 Alice, emp-002 Bob  ->  mgr-001  ->  dir-001
	mgr-002 covers for mgr-001
	hr-001 hr_manager, fin-001 finance_manager, ceo-001 ceo

HOW SCENARIOS WORK:
 1. Reset storage (clear all data) and the delegation cache
 2. Install the demo org into the directory
 3. Create delegations, payrolls and leave requests via the services
 4. Approve/reject some levels so chains are mid-flight

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "leave-delegated"}

NOTE:

	Scenarios reset the database. Only use in development/demo environments.

SEE ALSO:
  - handlers.go: Handler.Scenarios, Handler.Directory
  - leave/service.go, payroll/service.go: Business rules the loaders drive
*/
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/hris-approvals/approval"
	"github.com/warp/hris-approvals/leave"
	"github.com/warp/hris-approvals/payroll"
)

// Resetter clears all stored data.
type Resetter interface {
	Reset(ctx context.Context) error
}

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "leave-simple",
		Name:        "Simple Leave",
		Description: "Alice asks for three days off; mgr-001 has it in their queue",
		Category:    "leave",
	},
	{
		ID:          "leave-delegated",
		Name:        "Delegated Approver",
		Description: "mgr-001 is away and delegated to mgr-002, who now decides Alice's leave",
		Category:    "delegation",
	},
	{
		ID:          "long-leave",
		Name:        "Long Leave",
		Description: "Bob's two-week leave was approved by mgr-001 and waits for HR",
		Category:    "leave",
	},
	{
		ID:          "payroll-month",
		Name:        "Monthly Payroll",
		Description: "Last month's payroll passed Finance and waits for the CEO",
		Category:    "payroll",
	},
	{
		ID:          "expense-rejected",
		Name:        "Rejected Expense",
		Description: "Single-level expense chain rejected by the named approver",
		Category:    "approvals",
	},
}

const (
	demoAlice    approval.EmployeeID = "emp-001"
	demoBob      approval.EmployeeID = "emp-002"
	demoManager  approval.EmployeeID = "mgr-001"
	demoCover    approval.EmployeeID = "mgr-002"
	demoDirector approval.EmployeeID = "dir-001"
	demoHR       approval.EmployeeID = "hr-001"
	demoFinance  approval.EmployeeID = "fin-001"
	demoCEO      approval.EmployeeID = "ceo-001"
)

// ListScenarios returns available scenarios.
// GET /api/scenarios
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// GetCurrentScenario returns the currently loaded scenario, if any.
// GET /api/scenarios/current
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	h.scenarioMu.Lock()
	current := h.currentScenario
	h.scenarioMu.Unlock()

	if current == "" {
		writeJSON(w, http.StatusOK, nil)
		return
	}
	for _, s := range scenarios {
		if s.ID == current {
			writeJSON(w, http.StatusOK, s)
			return
		}
	}
	writeJSON(w, http.StatusOK, ScenarioDTO{ID: current, Name: current})
}

// LoadScenario resets storage and loads a predefined scenario.
// POST /api/scenarios/load
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if !decode(w, r, &req) {
		return
	}
	if findScenario(req.ScenarioID) == nil {
		writeError(w, http.StatusBadRequest, "Unknown scenario", nil)
		return
	}

	if err := h.loadScenario(r.Context(), req.ScenarioID); err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to load scenario: %v", err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "loaded", "scenario": req.ScenarioID})
}

func findScenario(id string) *ScenarioDTO {
	for i := range scenarios {
		if scenarios[i].ID == id {
			return &scenarios[i]
		}
	}
	return nil
}

// loadScenario holds scenarioMu for the whole load so two loads cannot
// interleave their resets.
func (h *Handler) loadScenario(ctx context.Context, id string) error {
	h.scenarioMu.Lock()
	defer h.scenarioMu.Unlock()

	if err := h.Scenarios.Reset(ctx); err != nil {
		return fmt.Errorf("reset: %w", err)
	}
	if h.Delegations != nil && h.Delegations.Resolver != nil {
		h.Delegations.Resolver.Invalidate()
	}
	h.currentScenario = ""
	h.installDemoOrg()

	var err error
	switch id {
	case "leave-simple":
		err = h.loadLeaveSimpleScenario(ctx)
	case "leave-delegated":
		err = h.loadLeaveDelegatedScenario(ctx)
	case "long-leave":
		err = h.loadLongLeaveScenario(ctx)
	case "payroll-month":
		err = h.loadPayrollMonthScenario(ctx)
	case "expense-rejected":
		err = h.loadExpenseRejectedScenario(ctx)
	default:
		return fmt.Errorf("unknown scenario %q", id)
	}
	if err != nil {
		return err
	}

	h.currentScenario = id
	h.Log.Info().Str("scenario", id).Msg("scenario loaded")
	return nil
}

func (h *Handler) installDemoOrg() {
	if h.Directory == nil {
		return
	}
	h.Directory.SetSupervisor(demoAlice, demoManager)
	h.Directory.SetSupervisor(demoBob, demoManager)
	h.Directory.SetSupervisor(demoManager, demoDirector)
	h.Directory.SetSupervisor(demoCover, demoDirector)
	h.Directory.SetRole("", approval.RoleHRManager, demoHR)
	h.Directory.SetRole("", approval.RoleFinanceManager, demoFinance)
	h.Directory.SetRole("", approval.RoleCEO, demoCEO)
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

func (h *Handler) loadLeaveSimpleScenario(ctx context.Context) error {
	start := nextMonday(h.today())
	_, err := h.submitLeave(ctx, demoAlice, leave.KindAnnual, start, start.AddDays(2), "Long weekend trip")
	return err
}

func (h *Handler) loadLeaveDelegatedScenario(ctx context.Context) error {
	today := h.today()
	if _, err := h.Delegations.Create(ctx, demoManager, approval.Delegation{
		SupervisorID: demoManager,
		DelegateID:   demoCover,
		StartDate:    today,
		EndDate:      today.AddDays(14),
		IsActive:     true,
		Reason:       "Annual vacation",
	}); err != nil {
		return fmt.Errorf("create delegation: %w", err)
	}

	start := nextMonday(today)
	_, err := h.submitLeave(ctx, demoAlice, leave.KindPersonal, start, start, "Moving house")
	return err
}

func (h *Handler) loadLongLeaveScenario(ctx context.Context) error {
	start := nextMonday(h.today()).AddDays(7)
	lr, err := h.submitLeave(ctx, demoBob, leave.KindParental, start, start.AddDays(11), "Newborn")
	if err != nil {
		return err
	}

	chain, err := h.Engine.Chain(ctx, approval.RequestLeave, lr.ID)
	if err != nil {
		return fmt.Errorf("load chain: %w", err)
	}
	if _, err := h.Engine.Approve(ctx, chain.Tail().ID, demoManager, "Congratulations!"); err != nil {
		return fmt.Errorf("supervisor approval: %w", err)
	}
	return nil
}

func (h *Handler) loadPayrollMonthScenario(ctx context.Context) error {
	if h.Payroll == nil {
		return fmt.Errorf("payroll module not configured")
	}
	last := h.today().Time().AddDate(0, -1, 0)

	p, err := h.Payroll.Create(ctx, payroll.CreateInput{
		Month:         int(last.Month()),
		Year:          last.Year(),
		TotalGross:    decimal.RequireFromString("184250.00"),
		TotalNet:      decimal.RequireFromString("139877.45"),
		EmployeeCount: 42,
		CreatedBy:     demoHR,
	})
	if err != nil {
		return fmt.Errorf("create payroll: %w", err)
	}
	if _, err := h.Payroll.Submit(ctx, p.ID, demoHR); err != nil {
		return fmt.Errorf("submit payroll: %w", err)
	}
	if _, err := h.Payroll.FinanceApprove(ctx, p.ID, demoFinance, "Totals reconciled with ledger"); err != nil {
		return fmt.Errorf("finance approval: %w", err)
	}
	return nil
}

func (h *Handler) loadExpenseRejectedScenario(ctx context.Context) error {
	first, err := h.Engine.CreateChain(ctx, approval.ChainSpec{
		RequestType: approval.RequestExpense,
		RequestID:   "exp-2031",
		EmployeeID:  demoBob,
		ApproverID:  demoManager,
		Comments:    "Client dinner, 4 guests",
	})
	if err != nil {
		return fmt.Errorf("open expense chain: %w", err)
	}
	if _, err := h.Engine.Reject(ctx, first.ID, demoManager, "Missing itemised receipt"); err != nil {
		return fmt.Errorf("reject expense: %w", err)
	}
	return nil
}

// =============================================================================
// HELPERS
// =============================================================================

func (h *Handler) submitLeave(ctx context.Context, employee approval.EmployeeID, kind leave.Kind, start, end approval.Date, reason string) (*leave.Request, error) {
	if h.Leave == nil {
		return nil, fmt.Errorf("leave module not configured")
	}
	lr, err := h.Leave.Submit(ctx, leave.SubmitInput{
		EmployeeID: employee,
		Kind:       kind,
		StartDate:  start,
		EndDate:    end,
		Reason:     reason,
	})
	if err != nil {
		return nil, fmt.Errorf("submit leave for %s: %w", employee, err)
	}
	return lr, nil
}

func (h *Handler) today() approval.Date {
	if h.Engine != nil && h.Engine.Now != nil {
		return approval.DateOf(h.Engine.Now())
	}
	return approval.DateOf(time.Now().UTC())
}

// nextMonday returns the first Monday strictly after day.
func nextMonday(day approval.Date) approval.Date {
	offset := (8 - int(day.Time().Weekday())) % 7
	if offset == 0 {
		offset = 7
	}
	return day.AddDays(offset)
}
