package fraud

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"example.com/settlement/internal/domain"
)

// Policy holds the plausibility thresholds. The numbers are policy, not mechanism:
// deployments override them through a YAML file.
type Policy struct {
	// MaxSpeedMPS is the ceiling on distance/duration per activity type, in metres per second.
	MaxSpeedMPS map[domain.ActivityType]float64 `yaml:"max_speed_mps"`
	// DefaultMaxSpeedMPS applies to activity types missing from MaxSpeedMPS.
	DefaultMaxSpeedMPS float64 `yaml:"default_max_speed_mps"`
	MinKcalPerMinute   float64 `yaml:"min_kcal_per_minute"`
	MaxKcalPerMinute   float64 `yaml:"max_kcal_per_minute"`
	// RouteTolerance is the allowed relative gap between route length and reported distance.
	RouteTolerance float64 `yaml:"route_tolerance"`
}

// DefaultPolicy returns the built-in thresholds.
func DefaultPolicy() Policy {
	return Policy{
		MaxSpeedMPS: map[domain.ActivityType]float64{
			domain.ActivityTypeCycling: 25,
			domain.ActivityTypeRunning: 12.5,
			domain.ActivityTypeWalking: 3.5,
		},
		DefaultMaxSpeedMPS: 25,
		MinKcalPerMinute:   0,
		MaxKcalPerMinute:   25,
		RouteTolerance:     0.2,
	}
}

// LoadPolicy reads a YAML policy file on top of the defaults. An empty path returns the defaults.
func LoadPolicy(path string) (Policy, error) {
	policy := DefaultPolicy()
	if path == "" {
		return policy, nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return Policy{}, fmt.Errorf("read fraud policy: %w", err)
	}
	var override Policy
	if err := yaml.Unmarshal(raw, &override); err != nil {
		return Policy{}, fmt.Errorf("parse fraud policy: %w", err)
	}
	policy.merge(override)
	return policy, policy.check()
}

func (p *Policy) merge(o Policy) {
	for k, v := range o.MaxSpeedMPS {
		p.MaxSpeedMPS[k] = v
	}
	if o.DefaultMaxSpeedMPS > 0 {
		p.DefaultMaxSpeedMPS = o.DefaultMaxSpeedMPS
	}
	if o.MinKcalPerMinute > 0 {
		p.MinKcalPerMinute = o.MinKcalPerMinute
	}
	if o.MaxKcalPerMinute > 0 {
		p.MaxKcalPerMinute = o.MaxKcalPerMinute
	}
	if o.RouteTolerance > 0 {
		p.RouteTolerance = o.RouteTolerance
	}
}

func (p Policy) check() error {
	if p.MinKcalPerMinute > p.MaxKcalPerMinute {
		return fmt.Errorf("fraud policy: min_kcal_per_minute %.2f exceeds max %.2f", p.MinKcalPerMinute, p.MaxKcalPerMinute)
	}
	for kind, v := range p.MaxSpeedMPS {
		if v <= 0 {
			return fmt.Errorf("fraud policy: max speed for %s must be positive", kind)
		}
	}
	return nil
}

func (p Policy) maxSpeed(t domain.ActivityType) float64 {
	if v, ok := p.MaxSpeedMPS[t]; ok {
		return v
	}
	return p.DefaultMaxSpeedMPS
}
