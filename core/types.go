/*
Package core provides the shared domain model of the hours engine.

PURPOSE:
  This package contains the types every engine component agrees on: hour
  amounts, identifiers, the Client → Project → Area → Activity → Task
  hierarchy, resources and their pools, and the error taxonomy. The
  calculators (margin, bonus) and the stateful engines (ledger, reassign,
  rollup) all speak in these types.

KEY CONCEPTS IN THIS FILE (types.go):
  - Amount: A decimal quantity of hours or minutes
  - Level: Position of a node in the hierarchy
  - Pool: Which bucket of a resource's annual hours is drawn from
  - Role: Which hierarchy levels a resource may be assigned at

DESIGN PRINCIPLES:
  1. Precision: Uses decimal.Decimal for every hour and money value
  2. Type Safety: Distinct id types prevent mixing resources, clients, nodes
  3. Minutes are integers: credit/debit bookkeeping never rounds twice
  4. Ledger sums are exact: hours convert to minutes without loss

USAGE:
  est := core.Hours(10)
  act := core.Hours(8)
  saved := est.Sub(act).Minutes() // 120

SEE ALSO:
  - model.go: Resource, Client, Node records
  - errors.go: Error taxonomy
  - store.go: Persistence interfaces
*/
package core

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// AMOUNT - Quantity of time
// =============================================================================

type Amount struct {
	Value decimal.Decimal
	Unit  Unit
}

type Unit string

const (
	UnitHours   Unit = "hours"
	UnitMinutes Unit = "minutes"
)

var sixty = decimal.NewFromInt(60)

// Hours builds an hour amount from a float. Use HoursDec for exact values.
func Hours(v float64) Amount { return Amount{Value: decimal.NewFromFloat(v), Unit: UnitHours} }

func HoursDec(v decimal.Decimal) Amount { return Amount{Value: v, Unit: UnitHours} }

func Minutes(m int64) Amount { return Amount{Value: decimal.NewFromInt(m), Unit: UnitMinutes} }

func MinutesDec(v decimal.Decimal) Amount { return Amount{Value: v, Unit: UnitMinutes} }

func ZeroHours() Amount { return Amount{Value: decimal.Zero, Unit: UnitHours} }

func MustParseDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

// Normalize fills in the implicit hours unit.
func (a Amount) Normalize() Amount { return Amount{Value: a.Value, Unit: a.unit()} }

// In converts the amount to the given unit. Hours to minutes is exact;
// minutes to hours may not terminate, so sums are taken in minutes.
func (a Amount) In(unit Unit) Amount {
	from := a.unit()
	if from == unit {
		return Amount{Value: a.Value, Unit: unit}
	}
	if from == UnitHours && unit == UnitMinutes {
		return Amount{Value: a.Value.Mul(sixty), Unit: UnitMinutes}
	}
	return Amount{Value: a.Value.Div(sixty), Unit: UnitHours}
}

// Minutes returns the amount as whole minutes, rounding half away from zero.
func (a Amount) Minutes() int64 {
	return a.In(UnitMinutes).Value.Round(0).IntPart()
}

func (a Amount) Add(b Amount) Amount          { return Amount{Value: a.Value.Add(b.In(a.unit()).Value), Unit: a.unit()} }
func (a Amount) Sub(b Amount) Amount          { return Amount{Value: a.Value.Sub(b.In(a.unit()).Value), Unit: a.unit()} }
func (a Amount) Mul(s decimal.Decimal) Amount { return Amount{Value: a.Value.Mul(s), Unit: a.Unit} }
func (a Amount) Neg() Amount                  { return Amount{Value: a.Value.Neg(), Unit: a.Unit} }
func (a Amount) Abs() Amount                  { return Amount{Value: a.Value.Abs(), Unit: a.Unit} }
func (a Amount) IsNegative() bool             { return a.Value.IsNegative() }
func (a Amount) IsZero() bool                 { return a.Value.IsZero() }
func (a Amount) IsPositive() bool             { return a.Value.IsPositive() }
func (a Amount) GreaterThan(b Amount) bool    { return a.Value.GreaterThan(b.In(a.unit()).Value) }
func (a Amount) LessThan(b Amount) bool       { return a.Value.LessThan(b.In(a.unit()).Value) }
func (a Amount) Equal(b Amount) bool          { return a.Value.Equal(b.In(a.unit()).Value) }

func (a Amount) String() string { return fmt.Sprintf("%s %s", a.Value.String(), a.unit()) }

func (a Amount) unit() Unit {
	if a.Unit == "" {
		return UnitHours
	}
	return a.Unit
}

// =============================================================================
// IDENTIFIERS
// =============================================================================

type ResourceID string
type ClientID string
type NodeID string

// =============================================================================
// HIERARCHY LEVELS
// =============================================================================

type Level string

const (
	LevelClient   Level = "client"
	LevelProject  Level = "project"
	LevelArea     Level = "area"
	LevelActivity Level = "activity"
	LevelTask     Level = "task"
)

var levelDepth = map[Level]int{
	LevelClient:   0,
	LevelProject:  1,
	LevelArea:     2,
	LevelActivity: 3,
	LevelTask:     4,
}

// Depth returns the position in the hierarchy (client = 0, task = 4), or -1.
func (l Level) Depth() int {
	d, ok := levelDepth[l]
	if !ok {
		return -1
	}
	return d
}

// Assignable reports whether hours can be committed against the level.
func (l Level) Assignable() bool { return l.Depth() >= 1 }

func ParseLevel(s string) (Level, error) {
	l := Level(s)
	if !l.Assignable() {
		return "", NewValidationError("targetLevel", fmt.Sprintf("unknown level %q", s))
	}
	return l, nil
}

// =============================================================================
// POOLS
// =============================================================================

// Pool selects which part of a resource's annual hours is drawn from.
type Pool string

const (
	PoolProject Pool = "project"
	PoolReserve Pool = "reserve" // the "tesoretto"
)

func ParsePool(s string) (Pool, error) {
	switch Pool(s) {
	case PoolProject, PoolReserve:
		return Pool(s), nil
	}
	return "", NewValidationError("pool", fmt.Sprintf("unknown pool %q", s))
}

// =============================================================================
// STATUS & ROLE
// =============================================================================

type Status string

const (
	StatusPlanned    Status = "planned"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
)

// Role drives the hierarchy levels a resource may be assigned at.
type Role string

const (
	RoleProjectManager Role = "project_manager"
	RoleAreaManager    Role = "area_manager"
	RoleActivityLead   Role = "activity_lead"
	RoleContributor    Role = "contributor"
)

var roleTopLevel = map[Role]Level{
	RoleProjectManager: LevelProject,
	RoleAreaManager:    LevelArea,
	RoleActivityLead:   LevelActivity,
	RoleContributor:    LevelTask,
}

// Permits reports whether a resource with this role can hold hours at level.
// A role permits its own level and every level below it.
func (r Role) Permits(l Level) bool {
	top, ok := roleTopLevel[r]
	if !ok || !l.Assignable() {
		return false
	}
	return l.Depth() >= top.Depth()
}
