/*
handlers.go - HTTP API handlers for the hours engine

PURPOSE:
  Exposes the ledger, margin, bonus, reassignment and roll-up engines via
  a REST API. Handles HTTP request/response and JSON serialization, and
  delegates every decision to the engines.

ENDPOINTS:
  Allocations:
    POST   /api/allocations                       Assign hours (margin + commit)
    POST   /api/allocations/release               Release committed hours
    GET    /api/resources/{id}/pool               Project and reserve pools
    GET    /api/resources/{id}/transactions       Hour ledger of a resource
    GET    /api/clients/{id}/budget               Authorized vs consumed budget

  Margins:
    GET    /api/resources/{id}/margins/{clientId} Stored margin configuration
    PUT    /api/resources/{id}/margins/{clientId} Save margin configuration
    POST   /api/margins/preview                   Compute without saving

  Bonus:
    POST   /api/bonus/evaluate                    Complete a task and evaluate it
    GET    /api/bonus                             List records (resource_id, state)
    GET    /api/bonus/{id}                        One record
    POST   /api/bonus/{id}/pay                    pending -> paid
    POST   /api/bonus/{id}/convert-hours          pending positivo -> converted_hours
    POST   /api/bonus/{id}/recovery-task          pending negativo -> converted_recovery

  Reassignments:
    GET    /api/reassignments/candidates          Credits and debits
    POST   /api/reassignments                     Move minutes
    GET    /api/reassignments                     History (task_id)

  Hierarchy:
    GET    /api/hierarchy                         Organisation drill-down (client_id)
    GET    /api/resources/{id}/hierarchy          Drill-down for one resource

ACTOR:
  Every mutation records the principal resolved by the auth middleware.
  Nothing is read from a process-wide session.

ERROR HANDLING:
  Engine errors are classified with core.KindOf and returned as
  {error, kind, details}:
  - 400: validation
  - 404: not_found
  - 409: conflict (insufficient hours, stale credit, budget, state)
  - 422: computation (undefined rate)
  - 500: invariant, internal

SEE ALSO:
  - dto.go: Request/response data structures
  - scenarios.go: Demo scenario loaders
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/warp/hours-engine/bonus"
	"github.com/warp/hours-engine/core"
	"github.com/warp/hours-engine/factory"
	"github.com/warp/hours-engine/ledger"
	"github.com/warp/hours-engine/margin"
	"github.com/warp/hours-engine/reassign"
	"github.com/warp/hours-engine/rollup"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Store is the persistence the API needs: the engine store plus a reset for
// demo scenarios.
type Store interface {
	core.TxStore
	Reset(ctx context.Context) error
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store    Store
	Margins  *factory.MarginFactory
	Ledger   *ledger.Service
	Bonus    *bonus.Service
	Reassign *reassign.Engine
	Rollup   *rollup.Aggregator
	Logger   logrus.FieldLogger

	// Track currently loaded scenario
	mu              sync.Mutex
	currentScenario string
}

// NewHandler wires the engines over one store and one lock table.
func NewHandler(store Store, margins *factory.MarginFactory, logger logrus.FieldLogger) *Handler {
	if margins == nil {
		margins = factory.NewMarginFactory()
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	locks := core.NewKeyedMutex()

	ledgerSvc := ledger.NewService(store, locks, logger.WithField("component", "ledger"))
	ledgerSvc.Policy = margins.DefaultPolicy
	ledgerSvc.DefaultLines = margins.DefaultLines

	bonusSvc := bonus.NewService(store, locks, logger.WithField("component", "bonus"))
	bonusSvc.DefaultPercentage = margins.DefaultBonusRate

	return &Handler{
		Store:    store,
		Margins:  margins,
		Ledger:   ledgerSvc,
		Bonus:    bonusSvc,
		Reassign: reassign.NewEngine(store, locks, logger.WithField("component", "reassign")),
		Rollup:   rollup.New(store),
		Logger:   logger,
	}
}

// Health reports liveness.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// ALLOCATION HANDLERS
// =============================================================================

// Assign resolves the margin for (resource, client) and commits hours.
func (h *Handler) Assign(w http.ResponseWriter, r *http.Request) {
	var req AssignRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, err)
		return
	}

	pool, err := core.ParsePool(req.Pool)
	if err != nil {
		h.writeError(w, err)
		return
	}
	level, err := core.ParseLevel(req.TargetLevel)
	if err != nil {
		h.writeError(w, err)
		return
	}
	hours, err := amountFrom(req.Hours, req.Unit)
	if err != nil {
		h.writeError(w, err)
		return
	}

	assign := ledger.AssignRequest{
		ResourceID: core.ResourceID(req.ResourceID),
		ClientID:   core.ClientID(req.ClientID),
		Pool:       pool,
		Level:      level,
		TargetID:   core.NodeID(req.TargetID),
		Hours:      hours,
		Actor:      actorFromContext(r.Context()),
	}
	if req.MarginConfig != nil {
		policy, lines, err := h.Margins.FromJSON(*req.MarginConfig)
		if err != nil {
			h.writeError(w, err)
			return
		}
		assign.Margin = &ledger.MarginInput{Policy: policy, Lines: lines}
	}

	result, err := h.Ledger.Assign(r.Context(), assign)
	if err != nil {
		h.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, AssignResponse{
		Committed:            result.Committed,
		RemainingHoursInPool: hoursFloat(result.RemainingHoursInPool),
		FinalHourlyCost:      f64(result.FinalHourlyCost),
		TransactionID:        result.Transaction.ID,
	})
}

// Release gives hours back from a node to its pool.
func (h *Handler) Release(w http.ResponseWriter, r *http.Request) {
	var req ReleaseRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, err)
		return
	}
	pool, err := core.ParsePool(req.Pool)
	if err != nil {
		h.writeError(w, err)
		return
	}
	hours, err := amountFrom(req.Hours, req.Unit)
	if err != nil {
		h.writeError(w, err)
		return
	}

	result, err := h.Ledger.Release(r.Context(), ledger.ReleaseRequest{
		ResourceID: core.ResourceID(req.ResourceID),
		Pool:       pool,
		NodeID:     core.NodeID(req.TargetID),
		Hours:      hours,
		Reason:     req.Reason,
		Actor:      actorFromContext(r.Context()),
	})
	if err != nil {
		h.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, ReleaseResponse{
		Released:             true,
		RemainingHoursInPool: hoursFloat(result.Remaining),
		TransactionID:        result.Transaction.ID,
	})
}

// GetPool returns both pools of a resource.
func (h *Handler) GetPool(w http.ResponseWriter, r *http.Request) {
	view, err := h.Ledger.Pool(r.Context(), core.ResourceID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, PoolDTO{
		ResourceID: string(view.ResourceID),
		Project:    toPoolBalanceDTO(view.Project),
		Reserve:    toPoolBalanceDTO(view.Reserve),
	})
}

// GetTransactions returns a resource's hour ledger in insertion order.
func (h *Handler) GetTransactions(w http.ResponseWriter, r *http.Request) {
	filter := core.HourFilter{
		ResourceID: core.ResourceID(chi.URLParam(r, "id")),
		NodeID:     core.NodeID(r.URL.Query().Get("node_id")),
	}
	if p := r.URL.Query().Get("pool"); p != "" {
		pool, err := core.ParsePool(p)
		if err != nil {
			h.writeError(w, err)
			return
		}
		filter.Pool = pool
	}

	txs, err := h.Ledger.Transactions(r.Context(), filter)
	if err != nil {
		h.writeError(w, err)
		return
	}
	dtos := make([]HourTransactionDTO, len(txs))
	for i, tx := range txs {
		dtos[i] = HourTransactionDTO{
			ID:        tx.ID,
			Type:      string(tx.Type),
			Pool:      string(tx.Pool),
			Level:     string(tx.Level),
			NodeID:    string(tx.NodeID),
			ClientID:  string(tx.ClientID),
			Hours:     hoursFloat(tx.Delta),
			Rate:      f64(tx.Rate),
			Reason:    tx.Reason,
			CreatedBy: tx.CreatedBy,
			CreatedAt: tx.CreatedAt.Format(time.RFC3339),
		}
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetBudget returns a client's authorized and consumed budget.
func (h *Handler) GetBudget(w http.ResponseWriter, r *http.Request) {
	view, err := h.Ledger.Budget(r.Context(), core.ClientID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, BudgetDTO{
		ClientID:   string(view.ClientID),
		Authorized: f64Ptr(view.Authorized),
		Consumed:   f64(view.Consumed),
		Remaining:  f64Ptr(view.Remaining),
	})
}

// =============================================================================
// MARGIN HANDLERS
// =============================================================================

// GetMarginConfig returns the stored configuration of (resource, client).
func (h *Handler) GetMarginConfig(w http.ResponseWriter, r *http.Request) {
	cfg, err := h.Ledger.MarginConfig(r.Context(),
		core.ResourceID(chi.URLParam(r, "id")), core.ClientID(chi.URLParam(r, "clientId")))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toMarginConfigDTO(*cfg))
}

// SaveMarginConfig replaces the configuration of (resource, client).
func (h *Handler) SaveMarginConfig(w http.ResponseWriter, r *http.Request) {
	var req factory.MarginJSON
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, err)
		return
	}
	policy, lines, err := h.Margins.FromJSON(req)
	if err != nil {
		h.writeError(w, err)
		return
	}

	cfg, err := h.Ledger.SaveMarginConfig(r.Context(),
		core.ResourceID(chi.URLParam(r, "id")), core.ClientID(chi.URLParam(r, "clientId")),
		ledger.MarginInput{Policy: policy, Lines: lines}, actorFromContext(r.Context()))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toMarginConfigDTO(*cfg))
}

// PreviewMargin computes the final hourly cost without saving.
func (h *Handler) PreviewMargin(w http.ResponseWriter, r *http.Request) {
	var req MarginPreviewRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, err)
		return
	}
	policy, lines, err := h.Margins.FromJSON(req.MarginJSON)
	if err != nil {
		h.writeError(w, err)
		return
	}

	res, err := h.Ledger.Preview(r.Context(), core.ResourceID(req.ResourceID), req.BaseCost,
		ledger.MarginInput{Policy: policy, Lines: lines})
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toMarginPreviewResponse(res))
}

// =============================================================================
// BONUS HANDLERS
// =============================================================================

// EvaluateBonus completes a task with its actual hours and evaluates it.
func (h *Handler) EvaluateBonus(w http.ResponseWriter, r *http.Request) {
	var req EvaluateBonusRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, err)
		return
	}

	rec, err := h.Bonus.EvaluateTask(r.Context(), bonus.EvaluateRequest{
		TaskID:          core.NodeID(req.TaskID),
		EstimatedHours:  req.EstimatedHours,
		ActualHours:     req.ActualHours,
		FinalHourlyCost: req.FinalHourlyCost,
		BonusPercentage: req.BonusPercentage,
		Actor:           actorFromContext(r.Context()),
	})
	if err != nil {
		h.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, EvaluateBonusResponse{
		BonusRecordID:  rec.ID,
		Classification: string(rec.Classification),
		Amount:         f64(rec.Amount),
		VarianceHours:  f64(rec.VarianceHours),
		State:          string(rec.State),
	})
}

// ListBonus returns bonus records, optionally by resource and state.
func (h *Handler) ListBonus(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	records, err := h.Bonus.List(r.Context(), core.BonusFilter{
		ResourceID: core.ResourceID(q.Get("resource_id")),
		State:      core.BonusState(q.Get("state")),
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	dtos := make([]BonusRecordDTO, len(records))
	for i, rec := range records {
		dtos[i] = toBonusRecordDTO(rec)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetBonus returns one bonus record.
func (h *Handler) GetBonus(w http.ResponseWriter, r *http.Request) {
	rec, err := h.Bonus.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toBonusRecordDTO(*rec))
}

// PayBonus marks a pending record as paid.
func (h *Handler) PayBonus(w http.ResponseWriter, r *http.Request) {
	rec, err := h.Bonus.Pay(r.Context(), chi.URLParam(r, "id"), actorFromContext(r.Context()))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toBonusRecordDTO(*rec))
}

// ConvertBonusToHours turns a pending positive bonus into reassignable credit.
func (h *Handler) ConvertBonusToHours(w http.ResponseWriter, r *http.Request) {
	rec, err := h.Bonus.ConvertToHours(r.Context(), chi.URLParam(r, "id"), actorFromContext(r.Context()))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toBonusRecordDTO(*rec))
}

// CreateRecoveryTask turns a pending negative bonus into a recovery task.
func (h *Handler) CreateRecoveryTask(w http.ResponseWriter, r *http.Request) {
	var req RecoveryTaskRequest
	if err := decodeOptionalJSON(r, &req); err != nil {
		h.writeError(w, err)
		return
	}

	rec, task, err := h.Bonus.CreateRecoveryTask(r.Context(), chi.URLParam(r, "id"), actorFromContext(r.Context()), req.Name)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, RecoveryTaskResponse{Record: toBonusRecordDTO(*rec), TaskID: string(task.ID)})
}

// =============================================================================
// REASSIGNMENT HANDLERS
// =============================================================================

// ListCandidates returns the credit and debit lists.
func (h *Handler) ListCandidates(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	c, err := h.Reassign.Candidates(r.Context(), reassign.CandidateFilter{
		ResourceID: core.ResourceID(q.Get("resource_id")),
		ClientID:   core.ClientID(q.Get("client_id")),
	})
	if err != nil {
		h.writeError(w, err)
		return
	}

	dto := CandidatesDTO{Credits: []CreditDTO{}, Debits: []DebitDTO{}}
	for _, cr := range c.Credits {
		dto.Credits = append(dto.Credits, CreditDTO{
			TaskID:        string(cr.TaskID),
			TaskName:      cr.TaskName,
			ProjectName:   cr.ProjectName,
			ResourceName:  cr.ResourceName,
			CreditMinutes: cr.Minutes,
		})
	}
	for _, db := range c.Debits {
		dto.Debits = append(dto.Debits, DebitDTO{
			TaskID:       string(db.TaskID),
			TaskName:     db.TaskName,
			ProjectName:  db.ProjectName,
			ResourceName: db.ResourceName,
			DebitMinutes: db.Minutes,
		})
	}
	writeJSON(w, http.StatusOK, dto)
}

// ExecuteReassignment moves minutes from a credit task to a debit task.
func (h *Handler) ExecuteReassignment(w http.ResponseWriter, r *http.Request) {
	var req ReassignRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, err)
		return
	}

	res, err := h.Reassign.Execute(r.Context(), reassign.Request{
		SourceTaskID: core.NodeID(req.SourceTaskID),
		Minutes:      req.Minutes,
		Destination: reassign.Destination{
			TaskID:      core.NodeID(req.Destination.TaskID),
			ProjectID:   core.NodeID(req.Destination.ProjectID),
			NewTaskName: req.Destination.NewTaskName,
		},
		Justification:  req.Justification,
		Actor:          actorFromContext(r.Context()),
		ExpectedCredit: req.ExpectedCredit,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, ReassignResponse{
		ReassignmentID:            res.Record.ID,
		SourceRemainingCredit:     res.SourceRemainingCredit,
		DestinationRemainingDebit: res.DestinationRemainingDebit,
		DestinationTaskID:         string(res.Record.DestinationTaskID),
		CreatedTask:               res.Record.CreatedTask,
	})
}

// ListReassignments returns the history, newest first.
func (h *Handler) ListReassignments(w http.ResponseWriter, r *http.Request) {
	records, err := h.Reassign.History(r.Context(), core.NodeID(r.URL.Query().Get("task_id")))
	if err != nil {
		h.writeError(w, err)
		return
	}
	dtos := make([]ReassignmentDTO, len(records))
	for i, rec := range records {
		dtos[i] = ReassignmentDTO{
			ID:                     rec.ID,
			SourceTaskID:           string(rec.SourceTaskID),
			DestinationTaskID:      string(rec.DestinationTaskID),
			CreatedTask:            rec.CreatedTask,
			ProjectID:              string(rec.ProjectID),
			Minutes:                rec.Minutes,
			Justification:          rec.Justification,
			SourceCreditBefore:     rec.SourceCreditBefore,
			SourceCreditAfter:      rec.SourceCreditAfter,
			DestinationDebitBefore: rec.DestinationDebitBefore,
			DestinationDebitAfter:  rec.DestinationDebitAfter,
			CreatedBy:              rec.CreatedBy,
			CreatedAt:              rec.CreatedAt.Format(time.RFC3339),
		}
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// HIERARCHY HANDLERS
// =============================================================================

// GetHierarchy returns the organisation drill-down, optionally for one client.
func (h *Handler) GetHierarchy(w http.ResponseWriter, r *http.Request) {
	h.writeHierarchy(w, r, rollup.Scope{
		ClientID:   core.ClientID(r.URL.Query().Get("client_id")),
		ResourceID: core.ResourceID(r.URL.Query().Get("resource_id")),
	})
}

// GetResourceHierarchy returns the drill-down of one resource.
func (h *Handler) GetResourceHierarchy(w http.ResponseWriter, r *http.Request) {
	rid := core.ResourceID(chi.URLParam(r, "id"))
	res, err := h.Store.GetResource(r.Context(), rid)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if res == nil {
		h.writeError(w, core.NotFound("resource", string(rid)))
		return
	}
	h.writeHierarchy(w, r, rollup.Scope{ResourceID: rid, ClientID: core.ClientID(r.URL.Query().Get("client_id"))})
}

func (h *Handler) writeHierarchy(w http.ResponseWriter, r *http.Request, scope rollup.Scope) {
	report, err := h.Rollup.Build(r.Context(), scope)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if err := rollup.Verify(report); err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toHierarchyDTO(report))
}

// =============================================================================
// CONVERSION HELPERS
// =============================================================================

func toPoolBalanceDTO(b ledger.PoolBalance) PoolBalanceDTO {
	return PoolBalanceDTO{
		Pool:      string(b.Pool),
		Capacity:  hoursFloat(b.Capacity),
		Committed: hoursFloat(b.Committed),
		Available: hoursFloat(b.Available),
	}
}

func toMarginConfigDTO(cfg core.MarginConfig) MarginConfigDTO {
	components := make([]ComponentDTO, len(cfg.Components))
	for i, c := range cfg.Components {
		components[i] = ComponentDTO{Name: c.Name, Percentage: f64(c.Percentage), Active: c.Active}
	}
	return MarginConfigDTO{
		ID:              cfg.ID,
		ResourceID:      string(cfg.ResourceID),
		ClientID:        string(cfg.ClientID),
		Policy:          cfg.Policy,
		Components:      components,
		BaseHourlyCost:  f64(cfg.BaseHourlyCost),
		FinalHourlyCost: f64(cfg.FinalHourlyCost),
		UpdatedBy:       cfg.UpdatedBy,
		UpdatedAt:       cfg.UpdatedAt.Format(time.RFC3339),
	}
}

func toMarginPreviewResponse(res margin.Result) MarginPreviewResponse {
	return MarginPreviewResponse{
		Policy:                string(res.Policy),
		BaseCost:              f64(res.Base),
		FinalHourlyCost:       f64(res.Final),
		TotalMarkupPercentage: f64(res.TotalMarkupPercentage),
	}
}

func toBonusRecordDTO(rec core.BonusRecord) BonusRecordDTO {
	dto := BonusRecordDTO{
		ID:              rec.ID,
		TaskID:          string(rec.TaskID),
		ResourceID:      string(rec.ResourceID),
		EstimatedHours:  f64(rec.EstimatedHours),
		ActualHours:     f64(rec.ActualHours),
		VarianceHours:   f64(rec.VarianceHours),
		Classification:  string(rec.Classification),
		Percentage:      f64(rec.Percentage),
		BaseHourlyCost:  f64(rec.BaseHourlyCost),
		FinalHourlyCost: f64(rec.FinalHourlyCost),
		Amount:          f64(rec.Amount),
		State:           string(rec.State),
		RecoveryTaskID:  string(rec.RecoveryTaskID),
		CreatedBy:       rec.CreatedBy,
		CreatedAt:       rec.CreatedAt.Format(time.RFC3339),
		ManagedBy:       rec.ManagedBy,
	}
	if rec.ManagedAt != nil {
		s := rec.ManagedAt.Format(time.RFC3339)
		dto.ManagedAt = &s
	}
	return dto
}

func toHierarchyDTO(report *rollup.Report) HierarchyDTO {
	dto := HierarchyDTO{
		ResourceID:   string(report.Scope.ResourceID),
		ClientID:     string(report.Scope.ClientID),
		OreStimate:   f64(report.EstimatedHours()),
		OreEffettive: f64(report.ActualHours()),
		BonusTotale:  f64(report.Bonus),
		Clients:      make([]HierarchyNodeDTO, len(report.Clients)),
	}
	for i, c := range report.Clients {
		dto.Clients[i] = toHierarchyNodeDTO(c)
	}
	return dto
}

// toHierarchyNodeDTO recurses at most five levels deep.
func toHierarchyNodeDTO(n *rollup.Node) HierarchyNodeDTO {
	dto := HierarchyNodeDTO{
		ID:               string(n.ID),
		Level:            string(n.Level),
		Name:             n.Name,
		Status:           string(n.Status),
		ResourceID:       string(n.Resource),
		OreStimate:       f64(n.EstimatedHours()),
		OreEffettive:     f64(n.ActualHours()),
		BonusTotale:      f64(n.Bonus),
		FromReassignment: n.FromReassignment,
		Children:         make([]HierarchyNodeDTO, len(n.Children)),
	}
	if n.BonusRecord != nil {
		dto.BonusRecordID = n.BonusRecord.ID
		dto.BonusState = string(n.BonusRecord.State)
	}
	for i, c := range n.Children {
		dto.Children[i] = toHierarchyNodeDTO(c)
	}
	return dto
}

// amountFrom builds an hours or minutes amount from a request.
func amountFrom(value decimal.Decimal, unit string) (core.Amount, error) {
	switch unit {
	case "", string(core.UnitHours):
		return core.HoursDec(value), nil
	case string(core.UnitMinutes):
		return core.Amount{Value: value, Unit: core.UnitMinutes}, nil
	}
	return core.Amount{}, core.NewValidationError("unit", fmt.Sprintf("unknown unit %q", unit))
}

func hoursFloat(a core.Amount) float64 {
	return f64(a.In(core.UnitHours).Value)
}

// f64 converts for display; engines keep exact decimals.
func f64(d decimal.Decimal) float64 {
	return d.Round(4).InexactFloat64()
}

func f64Ptr(d *decimal.Decimal) *float64 {
	if d == nil {
		return nil
	}
	v := f64(*d)
	return &v
}

// =============================================================================
// JSON & ERRORS
// =============================================================================

func decodeJSON(r *http.Request, v any) error {
	return decodeBody(r, v, false)
}

// decodeOptionalJSON accepts an empty body.
func decodeOptionalJSON(r *http.Request, v any) error {
	return decodeBody(r, v, true)
}

func decodeBody(r *http.Request, v any, optional bool) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if optional && errors.Is(err, io.EOF) {
			return nil
		}
		return core.NewValidationError("body", fmt.Sprintf("invalid request body: %v", err))
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeErrorBody(w http.ResponseWriter, status int, message, kind string, details map[string]any) {
	writeJSON(w, status, ErrorDTO{Error: message, Kind: kind, Details: details})
}

var kindStatus = map[core.ErrorKind]int{
	core.KindValidation:  http.StatusBadRequest,
	core.KindConflict:    http.StatusConflict,
	core.KindNotFound:    http.StatusNotFound,
	core.KindComputation: http.StatusUnprocessableEntity,
	core.KindInvariant:   http.StatusInternalServerError,
	core.KindInternal:    http.StatusInternalServerError,
}

// writeError classifies an engine error and writes {error, kind, details}.
// Internal errors are logged and their text is not exposed.
func (h *Handler) writeError(w http.ResponseWriter, err error) {
	kind := core.KindOf(err)
	status := kindStatus[kind]
	entry := h.Logger.WithError(err).WithField("kind", kind)
	if core.IsClientError(err) {
		entry.Debug("request rejected")
	} else {
		entry.Error("request failed")
	}
	message := err.Error()
	if kind == core.KindInternal {
		message = "internal error"
	}
	writeErrorBody(w, status, message, string(kind), errorDetails(err))
}

func errorDetails(err error) map[string]any {
	var (
		ve *core.ValidationError
		ih *core.InsufficientHoursError
		sc *core.StaleCreditError
		be *core.BudgetExceededError
		ir *core.InvalidRateError
		iv *core.InvariantViolationError
		nf *core.NotFoundError
	)
	switch {
	case errors.As(err, &ve):
		return map[string]any{"field": ve.Field}
	case errors.As(err, &ih):
		return map[string]any{
			"resourceId":     string(ih.ResourceID),
			"pool":           string(ih.Pool),
			"availableHours": hoursFloat(ih.Available),
			"requestedHours": hoursFloat(ih.Requested),
		}
	case errors.As(err, &sc):
		d := map[string]any{
			"taskId":           string(sc.TaskID),
			"requestedMinutes": sc.Requested,
			"currentCredit":    sc.Current,
		}
		if sc.Expected != nil {
			d["expectedCredit"] = *sc.Expected
		}
		return d
	case errors.As(err, &be):
		return map[string]any{
			"clientId":   string(be.ClientID),
			"authorized": f64(be.Authorized),
			"consumed":   f64(be.Consumed),
			"requested":  f64(be.Requested),
		}
	case errors.As(err, &ir):
		return map[string]any{"rate": f64(ir.Rate)}
	case errors.As(err, &iv):
		return map[string]any{"invariant": iv.Invariant}
	case errors.As(err, &nf):
		return map[string]any{"kind": nf.Kind, "id": nf.ID}
	}
	return nil
}
