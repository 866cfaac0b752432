/*
Package bonus evaluates a completed task's estimated vs actual hours into
a bonus or a penalty, and applies the management actions on the result.

ALGORITHM:
  variance = estimated - actual           (hours, signed)
  variance > 0  → "positivo"  (finished under estimate, payable bonus)
  variance < 0  → "negativo"  (overran, penalty / chargeback)
  variance == 0 → "zero"
  amount = |variance| × final hourly cost × percentage / 100
  signed positive for positivo, negative for negativo

FAIL CLOSED:
  A zero or negative final hourly cost is an InvalidRateError. The
  evaluator never emits an undefined or silently zeroed amount.

LIFECYCLE:
  A record is created once per task, in state pending, when the task is
  completed with actual hours. Only management actions change it:

    pending ──Pay──────────────► paid
    pending ──ConvertToHours───► converted_hours     (positivo only)
    pending ──CreateRecovery───► converted_recovery  (negativo only)

  Reassigning credit out of a task moves its pending positivo record to
  converted_hours. Nothing is ever recomputed retroactively.

SEE ALSO:
  - service.go: EvaluateTask and management actions
  - reassign/: consumes converted credit
*/
package bonus

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/warp/hours-engine/core"
)

var hundred = decimal.NewFromInt(100)

// Input is one evaluation. Estimated and Actual may be in hours or minutes.
type Input struct {
	Estimated       core.Amount
	Actual          core.Amount
	FinalHourlyCost decimal.Decimal
	Percentage      decimal.Decimal
}

type Evaluation struct {
	Variance       decimal.Decimal // hours, estimated - actual
	Classification core.Classification
	Amount         decimal.Decimal
}

// Evaluate classifies the variance and computes the signed amount. Pure.
func Evaluate(in Input) (Evaluation, error) {
	if !in.FinalHourlyCost.IsPositive() {
		return Evaluation{}, &core.InvalidRateError{Rate: in.FinalHourlyCost}
	}
	if in.Percentage.IsNegative() || in.Percentage.GreaterThan(hundred) {
		return Evaluation{}, core.NewValidationError("bonusPercentage",
			fmt.Sprintf("must be within [0, 100], got %s", in.Percentage))
	}
	est := in.Estimated.In(core.UnitHours).Value
	act := in.Actual.In(core.UnitHours).Value
	if est.IsNegative() {
		return Evaluation{}, core.NewValidationError("estimatedHours", "cannot be negative")
	}
	if act.IsNegative() {
		return Evaluation{}, core.NewValidationError("actualHours", "cannot be negative")
	}

	variance := est.Sub(act)
	amount := variance.Abs().Mul(in.FinalHourlyCost).Mul(in.Percentage).Div(hundred)

	ev := Evaluation{Variance: variance}
	switch variance.Sign() {
	case 1:
		ev.Classification = core.ClassPositive
		ev.Amount = amount
	case -1:
		ev.Classification = core.ClassNegative
		ev.Amount = amount.Neg()
	default:
		ev.Classification = core.ClassZero
		ev.Amount = decimal.Zero
	}
	return ev, nil
}
