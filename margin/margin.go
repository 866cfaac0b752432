/*
Package margin converts a resource's base hourly cost into the final hourly
cost billed to a client.

PURPOSE:
  A client engagement marks up the base cost with a fixed set of named
  percentage components. Each component can be switched on or off per
  (resource, client) pair. This package is the single place the final
  rate is computed; callers persist the result with the configuration.

COMPONENTS (canonical order, default percentage):
  costo_azienda            25
  utile_gestore_azienda    12.5
  utile_igs                12.5
  costi_professionista     20
  bonus_professionista      5
  gestore_societa           3
  commerciale               8
  centrale_igs              4
  network_igs              10

POLICIES:
  Two formulas exist for the same inputs and they are kept distinct. A
  call site picks one explicitly; they are never mixed.

  PolicyAdditive:
    final = base × (1 + Σ active% / 100)
    Inactive components contribute nothing. Σ of all percentages must be
    within [0, 200].

  PolicyFullStack:
    full  = base × 5
    final = full − Σ (full × inactive% / 100)
    The percentages are calibrated so that the fully loaded cost is 5×
    base. Components absent from the list are not subtracted.

INVARIANT:
  The final rate is never below the base cost. Additive can't go below
  by construction; a full-stack configuration that would is rejected.

EXAMPLE:
  res, err := margin.Calculate(decimal.NewFromInt(20), margin.PolicyAdditive, margin.Defaults())
  // res.Final == 40, res.TotalMarkupPercentage == 100
*/
package margin

import (
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/warp/hours-engine/core"
)

// =============================================================================
// COMPONENTS
// =============================================================================

type Component string

const (
	CostoAzienda        Component = "costo_azienda"
	UtileGestoreAzienda Component = "utile_gestore_azienda"
	UtileIGS            Component = "utile_igs"
	CostiProfessionista Component = "costi_professionista"
	BonusProfessionista Component = "bonus_professionista"
	GestoreSocieta      Component = "gestore_societa"
	Commerciale         Component = "commerciale"
	CentraleIGS         Component = "centrale_igs"
	NetworkIGS          Component = "network_igs"
)

// Components lists every known component in canonical order.
var Components = []Component{
	CostoAzienda,
	UtileGestoreAzienda,
	UtileIGS,
	CostiProfessionista,
	BonusProfessionista,
	GestoreSocieta,
	Commerciale,
	CentraleIGS,
	NetworkIGS,
}

var defaultPercentages = map[Component]string{
	CostoAzienda:        "25",
	UtileGestoreAzienda: "12.5",
	UtileIGS:            "12.5",
	CostiProfessionista: "20",
	BonusProfessionista: "5",
	GestoreSocieta:      "3",
	Commerciale:         "8",
	CentraleIGS:         "4",
	NetworkIGS:          "10",
}

func (c Component) Valid() bool {
	_, ok := defaultPercentages[c]
	return ok
}

// DefaultPercentage returns the configured default for a component.
func (c Component) DefaultPercentage() decimal.Decimal {
	return core.MustParseDecimal(defaultPercentages[c])
}

// =============================================================================
// POLICY
// =============================================================================

type Policy string

const (
	PolicyAdditive  Policy = "additive"
	PolicyFullStack Policy = "full_stack"
)

func ParsePolicy(s string) (Policy, error) {
	switch Policy(s) {
	case PolicyAdditive, PolicyFullStack:
		return Policy(s), nil
	}
	return "", core.NewValidationError("policy", fmt.Sprintf("unknown margin policy %q", s))
}

// FullStackMultiplier is the fully loaded cost as a multiple of base.
var FullStackMultiplier = decimal.NewFromInt(5)

var (
	hundred        = decimal.NewFromInt(100)
	maxAdditiveSum = decimal.NewFromInt(200)
)

// =============================================================================
// LINES
// =============================================================================

// Line is one component of a margin configuration.
type Line struct {
	Name       Component
	Percentage decimal.Decimal
	Active     bool
}

// Defaults returns every component at its default percentage, all active.
func Defaults() []Line {
	lines := make([]Line, len(Components))
	for i, c := range Components {
		lines[i] = Line{Name: c, Percentage: c.DefaultPercentage(), Active: true}
	}
	return lines
}

// WithOverrides returns Defaults() with the given percentages replacing the
// built-in ones. Used to apply a configured preset.
func WithOverrides(overrides map[Component]decimal.Decimal) []Line {
	lines := Defaults()
	for i := range lines {
		if p, ok := overrides[lines[i].Name]; ok {
			lines[i].Percentage = p
		}
	}
	return lines
}

// Validate checks the lines independently of a base cost.
func Validate(policy Policy, lines []Line) error {
	if _, err := ParsePolicy(string(policy)); err != nil {
		return err
	}
	seen := make(map[Component]bool, len(lines))
	sum := decimal.Zero
	for _, l := range lines {
		if !l.Name.Valid() {
			return core.NewValidationError("components", fmt.Sprintf("unknown component %q", l.Name))
		}
		if seen[l.Name] {
			return core.NewValidationError("components", fmt.Sprintf("duplicate component %q", l.Name))
		}
		seen[l.Name] = true
		if l.Percentage.IsNegative() || l.Percentage.GreaterThan(hundred) {
			return core.NewValidationError("components",
				fmt.Sprintf("percentage of %s must be within [0, 100], got %s", l.Name, l.Percentage))
		}
		sum = sum.Add(l.Percentage)
	}
	if policy == PolicyAdditive && sum.GreaterThan(maxAdditiveSum) {
		return core.NewValidationError("components",
			fmt.Sprintf("sum of percentages must be within [0, 200], got %s", sum))
	}
	return nil
}

// =============================================================================
// CALCULATION
// =============================================================================

// Result is the outcome of a margin calculation.
type Result struct {
	Policy                Policy
	Base                  decimal.Decimal
	Final                 decimal.Decimal
	TotalMarkupPercentage decimal.Decimal
}

// Calculate computes the final hourly cost. Pure; no side effects.
func Calculate(base decimal.Decimal, policy Policy, lines []Line) (Result, error) {
	if !base.IsPositive() {
		return Result{}, core.NewValidationError("baseCost", "base hourly cost must be positive")
	}
	if err := Validate(policy, lines); err != nil {
		return Result{}, err
	}

	var final, markup decimal.Decimal
	switch policy {
	case PolicyAdditive:
		for _, l := range lines {
			if l.Active {
				markup = markup.Add(l.Percentage)
			}
		}
		final = base.Mul(decimal.NewFromInt(1).Add(markup.Div(hundred)))
	case PolicyFullStack:
		full := base.Mul(FullStackMultiplier)
		final = full
		for _, l := range lines {
			if !l.Active {
				final = final.Sub(full.Mul(l.Percentage).Div(hundred))
			}
		}
		if final.LessThan(base) {
			return Result{}, core.NewValidationError("components",
				fmt.Sprintf("inactive components reduce the final cost %s below the base cost %s", final, base))
		}
		markup = final.Div(base).Sub(decimal.NewFromInt(1)).Mul(hundred)
	}

	return Result{
		Policy:                policy,
		Base:                  base,
		Final:                 final,
		TotalMarkupPercentage: markup,
	}, nil
}

// =============================================================================
// CONVERSION - core record shape
// =============================================================================

func ToCore(lines []Line) []core.MarginComponent {
	out := make([]core.MarginComponent, len(lines))
	for i, l := range lines {
		out[i] = core.MarginComponent{Name: string(l.Name), Percentage: l.Percentage, Active: l.Active}
	}
	return out
}

func FromCore(components []core.MarginComponent) []Line {
	out := make([]Line, len(components))
	for i, c := range components {
		out[i] = Line{Name: Component(c.Name), Percentage: c.Percentage, Active: c.Active}
	}
	return out
}
