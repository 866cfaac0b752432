/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the internal domain model from the external API contract, allowing:
  - Field renaming without breaking clients
  - API-specific validation
  - Version evolution

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Operation results

NUMBERS:
  Request amounts are decoded as decimals (JSON numbers or strings) so no
  precision is lost on the way in. Responses carry plain JSON numbers.

TYPES:
  Allocations:  AssignRequest, AssignResponse, ReleaseRequest, PoolDTO
  Margins:      MarginConfigDTO, MarginPreviewRequest, MarginPreviewResponse
  Bonus:        EvaluateBonusRequest, EvaluateBonusResponse, BonusRecordDTO
  Reassignment: CandidatesDTO, ReassignRequest, ReassignResponse, ReassignmentDTO
  Hierarchy:    HierarchyDTO, HierarchyNodeDTO
  Scenarios:    ScenarioDTO, LoadScenarioRequest
  Errors:       ErrorDTO

VALIDATION:
  Validation is done by the engines, not in DTOs. DTOs are pure data carriers.

SEE ALSO:
  - handlers.go: Uses these types
  - factory/policy.go: MarginJSON type
*/
package api

import (
	"github.com/shopspring/decimal"

	"github.com/warp/hours-engine/factory"
)

// =============================================================================
// ALLOCATIONS
// =============================================================================

// AssignRequest commits hours from a pool to a hierarchy node.
type AssignRequest struct {
	ResourceID   string              `json:"resourceId"`
	ClientID     string              `json:"clientId"`
	Pool         string              `json:"pool"`
	TargetLevel  string              `json:"targetLevel"`
	TargetID     string              `json:"targetId"`
	Hours        decimal.Decimal     `json:"hours"`
	Unit         string              `json:"unit,omitempty"` // hours (default) or minutes
	MarginConfig *factory.MarginJSON `json:"marginConfig,omitempty"`
}

type AssignResponse struct {
	Committed            bool    `json:"committed"`
	RemainingHoursInPool float64 `json:"remainingHoursInPool"`
	FinalHourlyCost      float64 `json:"finalHourlyCost"`
	TransactionID        string  `json:"transactionId"`
}

// ReleaseRequest gives committed hours back to the pool.
type ReleaseRequest struct {
	ResourceID string          `json:"resourceId"`
	Pool       string          `json:"pool"`
	TargetID   string          `json:"targetId"`
	Hours      decimal.Decimal `json:"hours"`
	Unit       string          `json:"unit,omitempty"`
	Reason     string          `json:"reason,omitempty"`
}

type ReleaseResponse struct {
	Released             bool    `json:"released"`
	RemainingHoursInPool float64 `json:"remainingHoursInPool"`
	TransactionID        string  `json:"transactionId"`
}

type PoolBalanceDTO struct {
	Pool      string  `json:"pool"`
	Capacity  float64 `json:"capacity"`
	Committed float64 `json:"committed"`
	Available float64 `json:"available"`
}

type PoolDTO struct {
	ResourceID string         `json:"resourceId"`
	Project    PoolBalanceDTO `json:"project"`
	Reserve    PoolBalanceDTO `json:"reserve"`
}

type HourTransactionDTO struct {
	ID        string  `json:"id"`
	Type      string  `json:"type"`
	Pool      string  `json:"pool"`
	Level     string  `json:"level"`
	NodeID    string  `json:"nodeId"`
	ClientID  string  `json:"clientId,omitempty"`
	Hours     float64 `json:"hours"`
	Rate      float64 `json:"rate"`
	Reason    string  `json:"reason,omitempty"`
	CreatedBy string  `json:"createdBy,omitempty"`
	CreatedAt string  `json:"createdAt"`
}

// BudgetDTO carries null authorized and remaining values when the client
// has no recorded budget.
type BudgetDTO struct {
	ClientID   string   `json:"clientId"`
	Authorized *float64 `json:"authorized"`
	Consumed   float64  `json:"consumed"`
	Remaining  *float64 `json:"remaining"`
}

// =============================================================================
// MARGINS
// =============================================================================

type ComponentDTO struct {
	Name       string  `json:"name"`
	Percentage float64 `json:"percentage"`
	Active     bool    `json:"active"`
}

type MarginConfigDTO struct {
	ID              string         `json:"id"`
	ResourceID      string         `json:"resourceId"`
	ClientID        string         `json:"clientId"`
	Policy          string         `json:"policy"`
	Components      []ComponentDTO `json:"components"`
	BaseHourlyCost  float64        `json:"baseHourlyCost"`
	FinalHourlyCost float64        `json:"finalHourlyCost"`
	UpdatedBy       string         `json:"updatedBy,omitempty"`
	UpdatedAt       string         `json:"updatedAt"`
}

// MarginPreviewRequest computes a rate without saving it. Without a
// baseCost the resource's base cost is used.
type MarginPreviewRequest struct {
	ResourceID string           `json:"resourceId"`
	BaseCost   *decimal.Decimal `json:"baseCost"`
	factory.MarginJSON
}

type MarginPreviewResponse struct {
	Policy                string  `json:"policy"`
	BaseCost              float64 `json:"baseCost"`
	FinalHourlyCost       float64 `json:"finalHourlyCost"`
	TotalMarkupPercentage float64 `json:"totalMarkupPercentage"`
}

// =============================================================================
// BONUS
// =============================================================================

type EvaluateBonusRequest struct {
	TaskID          string           `json:"taskId"`
	EstimatedHours  *decimal.Decimal `json:"estimatedHours,omitempty"`
	ActualHours     decimal.Decimal  `json:"actualHours"`
	FinalHourlyCost *decimal.Decimal `json:"finalHourlyCost,omitempty"`
	BonusPercentage *decimal.Decimal `json:"bonusPercentage,omitempty"`
}

type EvaluateBonusResponse struct {
	BonusRecordID  string  `json:"bonusRecordId"`
	Classification string  `json:"classification"`
	Amount         float64 `json:"amount"`
	VarianceHours  float64 `json:"varianceHours"`
	State          string  `json:"state"`
}

type BonusRecordDTO struct {
	ID              string  `json:"id"`
	TaskID          string  `json:"taskId"`
	ResourceID      string  `json:"resourceId"`
	EstimatedHours  float64 `json:"estimatedHours"`
	ActualHours     float64 `json:"actualHours"`
	VarianceHours   float64 `json:"varianceHours"`
	Classification  string  `json:"classification"`
	Percentage      float64 `json:"percentage"`
	BaseHourlyCost  float64 `json:"baseHourlyCost"`
	FinalHourlyCost float64 `json:"finalHourlyCost"`
	Amount          float64 `json:"amount"`
	State           string  `json:"state"`
	RecoveryTaskID  string  `json:"recoveryTaskId,omitempty"`
	CreatedBy       string  `json:"createdBy,omitempty"`
	CreatedAt       string  `json:"createdAt"`
	ManagedBy       string  `json:"managedBy,omitempty"`
	ManagedAt       *string `json:"managedAt,omitempty"`
}

type RecoveryTaskRequest struct {
	Name string `json:"name,omitempty"`
}

type RecoveryTaskResponse struct {
	Record BonusRecordDTO `json:"record"`
	TaskID string         `json:"taskId"`
}

// =============================================================================
// REASSIGNMENT
// =============================================================================

type CreditDTO struct {
	TaskID        string `json:"taskId"`
	TaskName      string `json:"taskName"`
	ProjectName   string `json:"projectName"`
	ResourceName  string `json:"resourceName"`
	CreditMinutes int64  `json:"creditMinutes"`
}

type DebitDTO struct {
	TaskID       string `json:"taskId"`
	TaskName     string `json:"taskName"`
	ProjectName  string `json:"projectName"`
	ResourceName string `json:"resourceName"`
	DebitMinutes int64  `json:"debitMinutes"`
}

type CandidatesDTO struct {
	Credits []CreditDTO `json:"credits"`
	Debits  []DebitDTO  `json:"debits"`
}

type DestinationDTO struct {
	TaskID      string `json:"taskId,omitempty"`
	ProjectID   string `json:"projectId,omitempty"`
	NewTaskName string `json:"newTaskName,omitempty"`
}

type ReassignRequest struct {
	SourceTaskID   string         `json:"sourceTaskId"`
	Minutes        int64          `json:"minutes"`
	Destination    DestinationDTO `json:"destination"`
	Justification  string         `json:"justification"`
	ExpectedCredit *int64         `json:"expectedCredit,omitempty"`
}

type ReassignResponse struct {
	ReassignmentID            string `json:"reassignmentId"`
	SourceRemainingCredit     int64  `json:"sourceRemainingCredit"`
	DestinationRemainingDebit int64  `json:"destinationRemainingDebit"`
	DestinationTaskID         string `json:"destinationTaskId"`
	CreatedTask               bool   `json:"createdTask"`
}

type ReassignmentDTO struct {
	ID                     string `json:"id"`
	SourceTaskID           string `json:"sourceTaskId"`
	DestinationTaskID      string `json:"destinationTaskId"`
	CreatedTask            bool   `json:"createdTask"`
	ProjectID              string `json:"projectId,omitempty"`
	Minutes                int64  `json:"minutes"`
	Justification          string `json:"justification"`
	SourceCreditBefore     int64  `json:"sourceCreditBefore"`
	SourceCreditAfter      int64  `json:"sourceCreditAfter"`
	DestinationDebitBefore int64  `json:"destinationDebitBefore"`
	DestinationDebitAfter  int64  `json:"destinationDebitAfter"`
	CreatedBy              string `json:"createdBy,omitempty"`
	CreatedAt              string `json:"createdAt"`
}

// =============================================================================
// HIERARCHY
// =============================================================================

// HierarchyNodeDTO is one node of the drill-down tree. Totals keep the
// field names the UI reads.
type HierarchyNodeDTO struct {
	ID               string             `json:"id"`
	Level            string             `json:"level"`
	Name             string             `json:"name"`
	Status           string             `json:"status,omitempty"`
	ResourceID       string             `json:"resourceId,omitempty"`
	OreStimate       float64            `json:"ore_stimate"`
	OreEffettive     float64            `json:"ore_effettive"`
	BonusTotale      float64            `json:"bonus_totale"`
	BonusRecordID    string             `json:"bonusRecordId,omitempty"`
	BonusState       string             `json:"bonusState,omitempty"`
	FromReassignment bool               `json:"fromReassignment,omitempty"`
	Children         []HierarchyNodeDTO `json:"children"`
}

type HierarchyDTO struct {
	ResourceID   string             `json:"resourceId,omitempty"`
	ClientID     string             `json:"clientId,omitempty"`
	OreStimate   float64            `json:"ore_stimate"`
	OreEffettive float64            `json:"ore_effettive"`
	BonusTotale  float64            `json:"bonus_totale"`
	Clients      []HierarchyNodeDTO `json:"clients"`
}

// =============================================================================
// SCENARIOS & ERRORS
// =============================================================================

// ScenarioDTO represents a demo scenario.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// LoadScenarioRequest is the request to load a scenario.
type LoadScenarioRequest struct {
	ScenarioID string `json:"scenarioId"`
}

// ErrorDTO is the body of every failed request.
type ErrorDTO struct {
	Error   string         `json:"error"`
	Kind    string         `json:"kind"`
	Details map[string]any `json:"details,omitempty"`
}
