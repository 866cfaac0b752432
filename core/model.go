package core

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// RESOURCE - Employee or contractor with an annual pool of hours
// =============================================================================

// Resource is a person whose billable hours are allocated.
//
// INVARIANT: NormalHours + ReserveHours <= AnnualTotalHours.
// NormalHours is the capacity of the project pool, ReserveHours the capacity
// of the reserve pool.
type Resource struct {
	ID               ResourceID
	Name             string
	BaseHourlyCost   decimal.Decimal
	AnnualTotalHours decimal.Decimal
	NormalHours      decimal.Decimal
	ReserveHours     decimal.Decimal
	Role             Role
}

// Capacity returns the configured size of a pool.
func (r Resource) Capacity(pool Pool) Amount {
	if pool == PoolReserve {
		return HoursDec(r.ReserveHours)
	}
	return HoursDec(r.NormalHours)
}

func (r Resource) Validate() error {
	if r.ID == "" {
		return NewValidationError("id", "resource id is required")
	}
	if !r.BaseHourlyCost.IsPositive() {
		return NewValidationError("baseHourlyCost", "base hourly cost must be positive")
	}
	if r.NormalHours.IsNegative() || r.ReserveHours.IsNegative() {
		return NewValidationError("hours", "pool capacities cannot be negative")
	}
	if r.NormalHours.Add(r.ReserveHours).GreaterThan(r.AnnualTotalHours) {
		return NewValidationError("hours", "project and reserve pools exceed annual total hours")
	}
	if _, ok := roleTopLevel[r.Role]; !ok {
		return NewValidationError("role", "unknown role "+string(r.Role))
	}
	return nil
}

// =============================================================================
// CLIENT
// =============================================================================

// Client is the root of the hierarchy. AuthorizedBudget is the money the
// client agreed to; consumption is derived from the hour ledger. A nil
// budget means none was recorded and rated commits are not gated; a zero
// budget authorizes nothing.
type Client struct {
	ID               ClientID
	Name             string
	AuthorizedBudget *decimal.Decimal
}

// Budget returns a pointer to v for Client.AuthorizedBudget.
func Budget(v decimal.Decimal) *decimal.Decimal { return &v }

// =============================================================================
// NODE - Project, Area, Activity or Task
// =============================================================================

// Node is one element of the Project → Area → Activity → Task hierarchy.
// Projects have an empty ParentID and hang off ClientID.
//
// Task-only fields:
//   - ResourceID: the assignee
//   - ReassignedMinutes: credit already moved out by reassignments
//   - CompensatedMinutes: debit already covered by reassignments
//   - FromReassignment: the task was created by a reassignment
type Node struct {
	ID        NodeID
	Level     Level
	ParentID  NodeID
	ClientID  ClientID
	Name      string
	Status    Status
	Estimated Amount
	Actual    *Amount // nil until work is logged

	ResourceID         ResourceID
	ReassignedMinutes  int64
	CompensatedMinutes int64
	FromReassignment   bool

	CreatedAt time.Time
	UpdatedAt time.Time
}

func (n Node) IsTask() bool { return n.Level == LevelTask }

// ActualOrZero returns the logged hours, or zero when nothing was logged.
func (n Node) ActualOrZero() Amount {
	if n.Actual == nil {
		return ZeroHours()
	}
	return *n.Actual
}

// VarianceMinutes is estimated minus actual in exact, possibly fractional,
// minutes. Zero until the task is completed with actual hours.
func (n Node) VarianceMinutes() decimal.Decimal {
	if n.Status != StatusCompleted || n.Actual == nil {
		return decimal.Zero
	}
	return n.Estimated.In(UnitMinutes).Value.Sub(n.Actual.In(UnitMinutes).Value)
}

// CreditMinutes is the unclaimed surplus of a completed task in whole
// minutes. The surplus is floored so credit never exceeds what was saved.
func (n Node) CreditMinutes() int64 {
	v := n.VarianceMinutes().Floor().IntPart() - n.ReassignedMinutes
	if v < 0 {
		return 0
	}
	return v
}

// DebitMinutes is the uncompensated overrun of a completed task in whole
// minutes. The overrun is rounded up so any overrun leaves a debit.
func (n Node) DebitMinutes() int64 {
	v := n.VarianceMinutes().Neg().Ceil().IntPart() - n.CompensatedMinutes
	if v < 0 {
		return 0
	}
	return v
}

// NodeFilter narrows ListNodes. Zero fields match everything.
type NodeFilter struct {
	Level      Level
	ParentID   *NodeID
	ClientID   ClientID
	ResourceID ResourceID
	Status     Status
}

func (f NodeFilter) Match(n Node) bool {
	if f.Level != "" && n.Level != f.Level {
		return false
	}
	if f.ParentID != nil && n.ParentID != *f.ParentID {
		return false
	}
	if f.ClientID != "" && n.ClientID != f.ClientID {
		return false
	}
	if f.ResourceID != "" && n.ResourceID != f.ResourceID {
		return false
	}
	if f.Status != "" && n.Status != f.Status {
		return false
	}
	return true
}
