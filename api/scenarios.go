/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Provides pre-built scenarios that populate the database with realistic
	data for testing and demos. Each scenario creates resources, clients and
	a hierarchy, then drives the engines to the interesting state.

AVAILABLE SCENARIOS:

	margin-bonus:       €20/h resource at default margins (€40/h), task
	                    estimated 10h and completed in 8h (bonus €8)
	insufficient-hours: 100h project pool and a 150h task; committing it fails
	reassignment:       Task A with 50 min credit, Task B with 40 min debit
	organisation:       All of the above under two clients

HOW SCENARIOS WORK:
 1. Reset database (clear all data)
 2. Create resources and clients
 3. Create the project → area → activity → task chain
 4. Assign hours and evaluate tasks through the engines

USAGE VIA API:

	POST /api/scenarios/load
	{"scenarioId": "margin-bonus"}

NOTE:

	Scenarios reset the database. Only use in development/demo environments.

SEE ALSO:
  - handlers.go: Engines used by the loaders
*/
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/hours-engine/bonus"
	"github.com/warp/hours-engine/core"
	"github.com/warp/hours-engine/ledger"
)

const scenarioActor = "scenario-loader"

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "margin-bonus",
		Name:        "Margin & Bonus",
		Description: "€20/h at default margins gives €40/h; 10h task done in 8h earns €8",
	},
	{
		ID:          "insufficient-hours",
		Name:        "Insufficient Hours",
		Description: "100h project pool; committing 150h to a task is rejected",
	},
	{
		ID:          "reassignment",
		Name:        "Reassignment",
		Description: "Task A has 50 min credit, Task B 40 min debit; move 30 min",
	},
	{
		ID:          "organisation",
		Name:        "Organisation",
		Description: "All scenarios under two clients for the drill-down",
	},
}

var scenarioLoaders = map[string]func(h *Handler, ctx context.Context) error{
	"margin-bonus":       (*Handler).loadMarginBonusScenario,
	"insufficient-hours": (*Handler).loadInsufficientHoursScenario,
	"reassignment":       (*Handler).loadReassignmentScenario,
	"organisation":       (*Handler).loadOrganisationScenario,
}

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// GetCurrentScenario returns the currently loaded scenario, if any.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	current := h.currentScenario
	h.mu.Unlock()

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

// LoadScenario resets the database and loads a predefined scenario.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, err)
		return
	}
	load, ok := scenarioLoaders[req.ScenarioID]
	if !ok {
		h.writeError(w, core.NewValidationError("scenarioId", fmt.Sprintf("unknown scenario %q", req.ScenarioID)))
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	ctx := r.Context()
	if err := h.Store.Reset(ctx); err != nil {
		h.writeError(w, fmt.Errorf("failed to reset database: %w", err))
		return
	}
	h.currentScenario = ""

	if err := load(h, ctx); err != nil {
		h.writeError(w, fmt.Errorf("failed to load scenario %s: %w", req.ScenarioID, err))
		return
	}
	h.currentScenario = req.ScenarioID

	h.Logger.WithField("scenario", req.ScenarioID).Info("scenario loaded")
	writeJSON(w, http.StatusOK, map[string]string{"status": "loaded", "scenario": req.ScenarioID})
}

// ResetDatabase clears all data.
func (h *Handler) ResetDatabase(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.Store.Reset(r.Context()); err != nil {
		h.writeError(w, fmt.Errorf("failed to reset database: %w", err))
		return
	}
	h.currentScenario = ""
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

func (h *Handler) loadMarginBonusScenario(ctx context.Context) error {
	if err := h.seedResource(ctx, "res-mario", "Mario Rossi", 20, 1500, 100); err != nil {
		return err
	}
	if err := h.seedClient(ctx, "client-acme", "Acme S.p.A.", euros(50000)); err != nil {
		return err
	}
	if err := h.seedChain(ctx, "client-acme", "acme", "Portale Clienti", "res-mario",
		taskSeed{ID: "task-login", Name: "Login page", Estimated: core.Hours(10)}); err != nil {
		return err
	}

	if _, err := h.Ledger.Assign(ctx, ledger.AssignRequest{
		ResourceID: "res-mario",
		ClientID:   "client-acme",
		Pool:       core.PoolProject,
		Level:      core.LevelTask,
		TargetID:   "task-login",
		Hours:      core.Hours(10),
		Actor:      scenarioActor,
	}); err != nil {
		return err
	}

	pct := decimal.NewFromInt(10)
	_, err := h.Bonus.EvaluateTask(ctx, bonus.EvaluateRequest{
		TaskID:          "task-login",
		ActualHours:     decimal.NewFromInt(8),
		BonusPercentage: &pct,
		Actor:           scenarioActor,
	})
	return err
}

func (h *Handler) loadInsufficientHoursScenario(ctx context.Context) error {
	if err := h.seedResource(ctx, "res-giulia", "Giulia Bianchi", 25, 100, 20); err != nil {
		return err
	}
	if err := h.seedClient(ctx, "client-beta", "Beta S.r.l.", nil); err != nil {
		return err
	}
	return h.seedChain(ctx, "client-beta", "beta", "Migrazione ERP", "res-giulia",
		taskSeed{ID: "task-migration", Name: "Data migration", Estimated: core.Hours(150)})
}

// loadReassignmentScenario seeds two tasks already completed: A ran 50 minutes
// under its estimate, B 40 minutes over.
func (h *Handler) loadReassignmentScenario(ctx context.Context) error {
	if err := h.seedResource(ctx, "res-luca", "Luca Verdi", 30, 1200, 200); err != nil {
		return err
	}
	if err := h.seedClient(ctx, "client-gamma", "Gamma SpA", nil); err != nil {
		return err
	}

	actualA := core.Minutes(550)
	actualB := core.Minutes(340)
	return h.seedChain(ctx, "client-gamma", "gamma", "App Mobile", "res-luca",
		taskSeed{ID: "task-a", Name: "Task A", Estimated: core.Minutes(600), Actual: &actualA},
		taskSeed{ID: "task-b", Name: "Task B", Estimated: core.Minutes(300), Actual: &actualB},
	)
}

func (h *Handler) loadOrganisationScenario(ctx context.Context) error {
	if err := h.loadMarginBonusScenario(ctx); err != nil {
		return err
	}
	if err := h.loadReassignmentScenario(ctx); err != nil {
		return err
	}

	// A second project for Acme, staffed by Luca on the reserve pool.
	if err := h.seedChain(ctx, "client-acme", "acme-2", "Analytics", "res-luca",
		taskSeed{ID: "task-dashboard", Name: "Dashboard", Estimated: core.Hours(6)}); err != nil {
		return err
	}
	_, err := h.Ledger.Assign(ctx, ledger.AssignRequest{
		ResourceID: "res-luca",
		ClientID:   "client-acme",
		Pool:       core.PoolReserve,
		Level:      core.LevelTask,
		TargetID:   "task-dashboard",
		Hours:      core.Hours(6),
		Actor:      scenarioActor,
	})
	return err
}

// =============================================================================
// SEED HELPERS
// =============================================================================

type taskSeed struct {
	ID        core.NodeID
	Name      string
	Estimated core.Amount
	Actual    *core.Amount // set for tasks seeded as completed
}

func (h *Handler) seedResource(ctx context.Context, id core.ResourceID, name string, baseCost, normal, reserve int64) error {
	res := core.Resource{
		ID:               id,
		Name:             name,
		BaseHourlyCost:   decimal.NewFromInt(baseCost),
		AnnualTotalHours: decimal.NewFromInt(normal + reserve),
		NormalHours:      decimal.NewFromInt(normal),
		ReserveHours:     decimal.NewFromInt(reserve),
		Role:             core.RoleProjectManager,
	}
	if err := res.Validate(); err != nil {
		return err
	}
	return h.Store.SaveResource(ctx, res)
}

// seedClient saves a client; a budget of nil leaves rated commits ungated.
func (h *Handler) seedClient(ctx context.Context, id core.ClientID, name string, budget *decimal.Decimal) error {
	return h.Store.SaveClient(ctx, core.Client{ID: id, Name: name, AuthorizedBudget: budget})
}

func euros(v int64) *decimal.Decimal { return core.Budget(decimal.NewFromInt(v)) }

// seedChain creates project → area → activity for a client and the given
// tasks under the activity. Node ids are prefixed with prefix.
func (h *Handler) seedChain(ctx context.Context, cid core.ClientID, prefix, project string, rid core.ResourceID, tasks ...taskSeed) error {
	now := time.Now().UTC()
	projectID := core.NodeID("proj-" + prefix)
	areaID := core.NodeID("area-" + prefix)
	activityID := core.NodeID("act-" + prefix)

	total := core.ZeroHours()
	for _, t := range tasks {
		total = total.Add(t.Estimated)
	}

	chain := []core.Node{
		{ID: projectID, Level: core.LevelProject, ClientID: cid, Name: project},
		{ID: areaID, Level: core.LevelArea, ParentID: projectID, ClientID: cid, Name: "Sviluppo"},
		{ID: activityID, Level: core.LevelActivity, ParentID: areaID, ClientID: cid, Name: "Implementazione"},
	}
	for _, n := range chain {
		n.Status = core.StatusInProgress
		n.Estimated = total
		n.CreatedAt, n.UpdatedAt = now, now
		if err := h.Store.SaveNode(ctx, n); err != nil {
			return err
		}
	}

	for _, t := range tasks {
		n := core.Node{
			ID:         t.ID,
			Level:      core.LevelTask,
			ParentID:   activityID,
			ClientID:   cid,
			Name:       t.Name,
			Status:     core.StatusPlanned,
			Estimated:  t.Estimated,
			ResourceID: rid,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		if t.Actual != nil {
			n.Actual = t.Actual
			n.Status = core.StatusCompleted
		}
		if err := h.Store.SaveNode(ctx, n); err != nil {
			return err
		}
	}
	return nil
}
