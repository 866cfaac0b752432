package core

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// HOUR TRANSACTION - Append-only entry of the hour ledger
// =============================================================================

type HourTxType string

const (
	TxCommit  HourTxType = "commit"  // hours taken from a pool for a node (negative delta)
	TxRelease HourTxType = "release" // hours given back to the pool (positive delta)
)

// HourTransaction records one movement of a resource's pool.
// Pool balance is never stored; it is capacity + Σ Delta.
//
// Cost is Delta × Rate (negative for commits) and drives the client budget.
type HourTransaction struct {
	ID         string
	ResourceID ResourceID
	ClientID   ClientID
	Pool       Pool
	Level      Level
	NodeID     NodeID
	Delta      Amount
	Rate       decimal.Decimal
	Type       HourTxType
	Reason     string
	CreatedBy  string
	CreatedAt  time.Time
}

// Cost returns the signed money value of the movement.
func (t HourTransaction) Cost() decimal.Decimal {
	return t.Delta.In(UnitMinutes).Value.Mul(t.Rate).Div(sixty)
}

type HourFilter struct {
	ResourceID ResourceID
	ClientID   ClientID
	NodeID     NodeID
	Pool       Pool
}

func (f HourFilter) Match(t HourTransaction) bool {
	return (f.ResourceID == "" || t.ResourceID == f.ResourceID) &&
		(f.ClientID == "" || t.ClientID == f.ClientID) &&
		(f.NodeID == "" || t.NodeID == f.NodeID) &&
		(f.Pool == "" || t.Pool == f.Pool)
}

// =============================================================================
// MARGIN CONFIGURATION - Markup components per (resource, client)
// =============================================================================

type MarginComponent struct {
	Name       string
	Percentage decimal.Decimal
	Active     bool
}

type MarginConfig struct {
	ID              string
	ResourceID      ResourceID
	ClientID        ClientID
	Policy          string
	Components      []MarginComponent
	BaseHourlyCost  decimal.Decimal
	FinalHourlyCost decimal.Decimal
	UpdatedBy       string
	UpdatedAt       time.Time
}

// =============================================================================
// BONUS RECORD - Result of evaluating one completed task
// =============================================================================

type Classification string

const (
	ClassPositive Classification = "positivo"
	ClassNegative Classification = "negativo"
	ClassZero     Classification = "zero"
)

type BonusState string

const (
	BonusPending           BonusState = "pending"
	BonusPaid              BonusState = "paid"
	BonusConvertedHours    BonusState = "converted_hours"
	BonusConvertedRecovery BonusState = "converted_recovery"
)

// BonusRecord is immutable except for its management fields
// (State, RecoveryTaskID, ManagedBy, ManagedAt).
type BonusRecord struct {
	ID              string
	TaskID          NodeID
	ResourceID      ResourceID
	EstimatedHours  decimal.Decimal
	ActualHours     decimal.Decimal
	VarianceHours   decimal.Decimal
	Classification  Classification
	Percentage      decimal.Decimal
	BaseHourlyCost  decimal.Decimal
	FinalHourlyCost decimal.Decimal
	Amount          decimal.Decimal
	State           BonusState
	RecoveryTaskID  NodeID
	CreatedBy       string
	CreatedAt       time.Time
	ManagedBy       string
	ManagedAt       *time.Time
}

type BonusFilter struct {
	ResourceID ResourceID
	State      BonusState
}

// =============================================================================
// REASSIGNMENT RECORD - Append-only history of hour transfers
// =============================================================================

type ReassignmentRecord struct {
	ID                     string
	SourceTaskID           NodeID
	DestinationTaskID      NodeID
	CreatedTask            bool
	ProjectID              NodeID
	Minutes                int64
	Justification          string
	SourceCreditBefore     int64
	SourceCreditAfter      int64
	DestinationDebitBefore int64
	DestinationDebitAfter  int64
	CreatedBy              string
	CreatedAt              time.Time
}

type ReassignmentFilter struct {
	TaskID NodeID // matches source or destination
}
