/*
Package factory provides JSON and YAML to Go margin conversion.

PURPOSE:
  Converts margin configuration payloads (API requests, stored presets)
  into margin.Policy and []margin.Line values, and loads the policy file
  that carries the defaults an installation bills with. Commercial staff
  can tune percentages without code changes.

JSON SCHEMA (margin configuration):
  {
    "policy": "additive",
    "preset": "lean",                      // optional, see presets below
    "components": [
      {"name": "costo_azienda", "percentage": 25, "active": true},
      {"name": "commerciale", "percentage": 8, "active": false}
    ]
  }

  "active" defaults to true. Components omitted from the list are not part
  of the configuration. When "components" is empty the preset (or the
  installation defaults) fill it in.

YAML SCHEMA (hours.yml):
  bonus:
    default_percentage: 10
  margin:
    policy: additive
    components:
      costo_azienda: 25
      network_igs: 10
  presets:
    lean:
      policy: additive
      components:
        - {name: costo_azienda, percentage: 25}
        - {name: commerciale, percentage: 8, active: false}

USAGE:
  f := factory.NewMarginFactory()
  if err := f.LoadPolicyFile("hours.yml"); err != nil { ... }

  policy, lines, err := f.ParseMargin(`{"policy":"full_stack"}`)
  svc.SaveMarginConfig(ctx, rid, cid, ledger.MarginInput{Policy: policy, Lines: lines}, actor)

SEE ALSO:
  - margin/margin.go: Components, policies and the calculation
  - config/config.go: Where the policy file path comes from
*/
package factory

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/warp/hours-engine/core"
	"github.com/warp/hours-engine/margin"
)

// =============================================================================
// JSON SCHEMA TYPES
// =============================================================================

// MarginJSON is the JSON (and YAML preset) representation of a margin
// configuration.
type MarginJSON struct {
	Policy     string          `json:"policy,omitempty" yaml:"policy"`
	Preset     string          `json:"preset,omitempty" yaml:"-"`
	Components []ComponentJSON `json:"components,omitempty" yaml:"components"`
}

// ComponentJSON represents one margin line.
type ComponentJSON struct {
	Name       string          `json:"name" yaml:"name"`
	Percentage decimal.Decimal `json:"percentage" yaml:"percentage"`
	Active     *bool           `json:"active,omitempty" yaml:"active,omitempty"` // default true
}

// =============================================================================
// POLICY FILE
// =============================================================================

// PolicyFile models hours.yml.
type PolicyFile struct {
	Bonus struct {
		DefaultPercentage *decimal.Decimal `yaml:"default_percentage"`
	} `yaml:"bonus"`
	Margin struct {
		Policy     string                     `yaml:"policy"`
		Components map[string]decimal.Decimal `yaml:"components"`
	} `yaml:"margin"`
	Presets map[string]MarginJSON `yaml:"presets"`
}

// Validate ensures the file only names known policies and components.
func (p *PolicyFile) Validate() error {
	if p.Bonus.DefaultPercentage != nil {
		pct := *p.Bonus.DefaultPercentage
		if pct.IsNegative() || pct.GreaterThan(decimal.NewFromInt(100)) {
			return fmt.Errorf("bonus.default_percentage must be within [0, 100], got %s", pct)
		}
	}
	if p.Margin.Policy != "" {
		if _, err := margin.ParsePolicy(p.Margin.Policy); err != nil {
			return fmt.Errorf("margin.policy: %w", err)
		}
	}
	for name := range p.Margin.Components {
		if !margin.Component(name).Valid() {
			return fmt.Errorf("margin.components: unknown component %q", name)
		}
	}
	for name, preset := range p.Presets {
		if name == "" {
			return fmt.Errorf("presets contains an empty name")
		}
		if _, err := margin.ParsePolicy(preset.Policy); err != nil {
			return fmt.Errorf("preset %s: %w", name, err)
		}
		if err := margin.Validate(margin.Policy(preset.Policy), toLines(preset.Components)); err != nil {
			return fmt.Errorf("preset %s: %w", name, err)
		}
	}
	return nil
}

// PolicyFromYAML parses and validates a policy file from raw YAML bytes.
func PolicyFromYAML(data []byte) (*PolicyFile, error) {
	var pf PolicyFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return nil, fmt.Errorf("invalid policy yaml: %w", err)
	}
	if err := pf.Validate(); err != nil {
		return nil, err
	}
	return &pf, nil
}

// =============================================================================
// MARGIN FACTORY
// =============================================================================

// MarginFactory converts margin payloads to Go values using the installation
// defaults and presets.
type MarginFactory struct {
	DefaultPolicy    margin.Policy
	DefaultLines     []margin.Line
	DefaultBonusRate decimal.Decimal
	presets          map[string]MarginJSON
}

// NewMarginFactory creates a factory with the built-in defaults.
func NewMarginFactory() *MarginFactory {
	return &MarginFactory{
		DefaultPolicy:    margin.PolicyAdditive,
		DefaultLines:     margin.Defaults(),
		DefaultBonusRate: decimal.NewFromInt(10),
		presets:          map[string]MarginJSON{},
	}
}

// LoadPolicyFile reads path and applies it. A missing file keeps the
// built-in defaults.
func (f *MarginFactory) LoadPolicyFile(path string) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	pf, err := PolicyFromYAML(data)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	f.Apply(pf)
	return nil
}

// Apply installs the defaults and presets of a validated policy file.
func (f *MarginFactory) Apply(pf *PolicyFile) {
	if pf.Bonus.DefaultPercentage != nil {
		f.DefaultBonusRate = *pf.Bonus.DefaultPercentage
	}
	if pf.Margin.Policy != "" {
		f.DefaultPolicy = margin.Policy(pf.Margin.Policy)
	}
	if len(pf.Margin.Components) > 0 {
		overrides := make(map[margin.Component]decimal.Decimal, len(pf.Margin.Components))
		for name, pct := range pf.Margin.Components {
			overrides[margin.Component(name)] = pct
		}
		f.DefaultLines = margin.WithOverrides(overrides)
	}
	for name, preset := range pf.Presets {
		f.presets[name] = preset
	}
}

// Presets returns the preset names in order.
func (f *MarginFactory) Presets() []string {
	names := make([]string, 0, len(f.presets))
	for name := range f.presets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ParseMargin parses a JSON string into a policy and its lines.
func (f *MarginFactory) ParseMargin(jsonStr string) (margin.Policy, []margin.Line, error) {
	var mj MarginJSON
	if err := json.Unmarshal([]byte(jsonStr), &mj); err != nil {
		return "", nil, core.NewValidationError("margin", fmt.Sprintf("failed to parse margin JSON: %v", err))
	}
	return f.FromJSON(mj)
}

// FromJSON converts MarginJSON to a validated policy and lines.
//
// Resolution order for each part: the payload, then the named preset, then
// the installation defaults.
func (f *MarginFactory) FromJSON(mj MarginJSON) (margin.Policy, []margin.Line, error) {
	policyName := mj.Policy
	components := mj.Components

	if mj.Preset != "" {
		preset, ok := f.presets[mj.Preset]
		if !ok {
			return "", nil, core.NewValidationError("preset", fmt.Sprintf("unknown margin preset %q", mj.Preset))
		}
		if policyName == "" {
			policyName = preset.Policy
		}
		if len(components) == 0 {
			components = preset.Components
		}
	}

	policy := f.DefaultPolicy
	if policyName != "" {
		p, err := margin.ParsePolicy(policyName)
		if err != nil {
			return "", nil, err
		}
		policy = p
	}

	lines := append([]margin.Line{}, f.DefaultLines...)
	if len(components) > 0 {
		lines = toLines(components)
	}
	if err := margin.Validate(policy, lines); err != nil {
		return "", nil, err
	}
	return policy, lines, nil
}

// ToJSON converts a policy and lines back to MarginJSON.
func (f *MarginFactory) ToJSON(policy margin.Policy, lines []margin.Line) MarginJSON {
	mj := MarginJSON{Policy: string(policy)}
	for _, l := range lines {
		active := l.Active
		mj.Components = append(mj.Components, ComponentJSON{
			Name:       string(l.Name),
			Percentage: l.Percentage,
			Active:     &active,
		})
	}
	return mj
}

// =============================================================================
// PARSING HELPERS
// =============================================================================

func toLines(components []ComponentJSON) []margin.Line {
	lines := make([]margin.Line, len(components))
	for i, c := range components {
		active := true
		if c.Active != nil {
			active = *c.Active
		}
		lines[i] = margin.Line{Name: margin.Component(c.Name), Percentage: c.Percentage, Active: active}
	}
	return lines
}
