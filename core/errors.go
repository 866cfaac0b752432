/*
errors.go - Centralized error types for the hours engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  Every structured error unwraps to a category sentinel, so callers
  (and the HTTP layer) can classify failures with errors.Is.

ERROR CATEGORIES:
  1. Validation  - client-correctable input problems, never retried
  2. Conflict    - state changed or is insufficient (hours, credit, budget)
  3. Not found   - referenced record is missing
  4. Invariant   - should never happen with correct callers; logged, rejected
  5. Computation - an amount cannot be computed (undefined rate)

USAGE:
  if errors.Is(err, core.ErrConflict) {
      // re-fetch state and let the user retry
  }
  var ih *core.InsufficientHoursError
  if errors.As(err, &ih) {
      fmt.Println(ih.Available)
  }
*/
package core

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	ErrValidation  = errors.New("validation failed")
	ErrConflict    = errors.New("conflict")
	ErrNotFound    = errors.New("not found")
	ErrInvariant   = errors.New("invariant violation")
	ErrComputation = errors.New("computation error")

	// ErrInsufficientHours is returned when a pool cannot cover a commit.
	ErrInsufficientHours = fmt.Errorf("%w: insufficient hours", ErrConflict)

	// ErrStaleCredit is returned when a source task no longer has the credit
	// a reassignment request was built on.
	ErrStaleCredit = fmt.Errorf("%w: stale credit", ErrConflict)

	// ErrBudgetExceeded is returned when a client's authorized budget would be exceeded.
	ErrBudgetExceeded = fmt.Errorf("%w: budget exceeded", ErrConflict)

	// ErrAlreadyEvaluated is returned when a task already has a bonus record.
	ErrAlreadyEvaluated = fmt.Errorf("%w: task already evaluated", ErrConflict)

	// ErrDestinationCompensated is returned when a debit task has no debit left.
	ErrDestinationCompensated = fmt.Errorf("%w: destination already fully compensated", ErrConflict)

	// ErrInvalidState is returned when a management action does not apply to a record's state.
	ErrInvalidState = fmt.Errorf("%w: invalid state transition", ErrConflict)

	// ErrInvalidRate is returned when the final hourly cost is zero or undefined.
	ErrInvalidRate = fmt.Errorf("%w: invalid hourly rate", ErrComputation)

	// ErrCyclicHierarchy is returned when parent references loop.
	ErrCyclicHierarchy = fmt.Errorf("%w: cyclic hierarchy", ErrValidation)
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// ValidationError describes a malformed field.
type ValidationError struct {
	Field   string
	Message string
}

func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{Field: field, Message: message}
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// InsufficientHoursError provides details about a pool shortage.
type InsufficientHoursError struct {
	ResourceID ResourceID
	Pool       Pool
	Available  Amount
	Requested  Amount
}

func (e *InsufficientHoursError) Error() string {
	return fmt.Sprintf("insufficient hours in %s pool of %s: available %s, requested %s",
		e.Pool, e.ResourceID, e.Available.Value, e.Requested.Value)
}

func (e *InsufficientHoursError) Unwrap() error { return ErrInsufficientHours }

// StaleCreditError is returned when the source credit moved under the caller.
type StaleCreditError struct {
	TaskID    NodeID
	Requested int64
	Expected  *int64
	Current   int64
}

func (e *StaleCreditError) Error() string {
	if e.Expected != nil {
		return fmt.Sprintf("credit of task %s changed: expected %d min, current %d min",
			e.TaskID, *e.Expected, e.Current)
	}
	return fmt.Sprintf("credit of task %s is %d min, cannot move %d min",
		e.TaskID, e.Current, e.Requested)
}

func (e *StaleCreditError) Unwrap() error { return ErrStaleCredit }

// BudgetExceededError reports a client budget overrun.
type BudgetExceededError struct {
	ClientID   ClientID
	Authorized decimal.Decimal
	Consumed   decimal.Decimal
	Requested  decimal.Decimal
}

func (e *BudgetExceededError) Error() string {
	return fmt.Sprintf("budget of client %s exceeded: authorized %s, consumed %s, requested %s",
		e.ClientID, e.Authorized.StringFixed(2), e.Consumed.StringFixed(2), e.Requested.StringFixed(2))
}

func (e *BudgetExceededError) Unwrap() error { return ErrBudgetExceeded }

// InvalidRateError is returned instead of a zero or undefined bonus amount.
type InvalidRateError struct {
	Rate decimal.Decimal
}

func (e *InvalidRateError) Error() string {
	return fmt.Sprintf("final hourly cost must be positive, got %s", e.Rate)
}

func (e *InvalidRateError) Unwrap() error { return ErrInvalidRate }

// InvariantViolationError is fatal for the operation; it is logged and the
// write is rejected, never corrected.
type InvariantViolationError struct {
	Invariant string
	Detail    string
}

func (e *InvariantViolationError) Error() string {
	return fmt.Sprintf("invariant %q violated: %s", e.Invariant, e.Detail)
}

func (e *InvariantViolationError) Unwrap() error { return ErrInvariant }

// NotFoundError names the missing record.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string { return fmt.Sprintf("%s %s not found", e.Kind, e.ID) }

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

func NotFound(kind, id string) error { return &NotFoundError{Kind: kind, ID: id} }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// ErrorKind is the machine-readable category surfaced to callers.
type ErrorKind string

const (
	KindValidation  ErrorKind = "validation"
	KindConflict    ErrorKind = "conflict"
	KindNotFound    ErrorKind = "not_found"
	KindInvariant   ErrorKind = "invariant"
	KindComputation ErrorKind = "computation"
	KindInternal    ErrorKind = "internal"
)

func KindOf(err error) ErrorKind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrValidation):
		return KindValidation
	case errors.Is(err, ErrConflict):
		return KindConflict
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrInvariant):
		return KindInvariant
	case errors.Is(err, ErrComputation):
		return KindComputation
	}
	return KindInternal
}

// IsClientError returns true if the caller can correct the request.
func IsClientError(err error) bool {
	k := KindOf(err)
	return k == KindValidation || k == KindConflict || k == KindNotFound || k == KindComputation
}
