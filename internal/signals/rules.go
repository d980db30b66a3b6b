package signals

import (
	"fmt"
	"strings"
	"time"

	"github.com/ashita-ai/kokoro/internal/model"
)

// IdentityRule maps keywords to a Self or Part label. Rules are evaluated in
// declaration order and the first match per family wins.
type IdentityRule struct {
	Kind     model.SignalKind `yaml:"kind"`
	Label    string           `yaml:"label"`
	Lang     string           `yaml:"lang"`
	Keywords []string         `yaml:"keywords"`
}

// RiskRule maps keywords to one of the five risk categories.
type RiskRule struct {
	Kind     model.SignalKind `yaml:"kind"`
	Label    string           `yaml:"label"`
	Keywords []string         `yaml:"keywords"`
}

// RiskLevels holds the message-level classification keywords.
type RiskLevels struct {
	Strong         []string      `yaml:"strong"`
	Weak           []string      `yaml:"weak"`
	StrongCooldown time.Duration `yaml:"strong_cooldown"`
	WeakCooldown   time.Duration `yaml:"weak_cooldown"`
}

// Rules is the complete rule table set for the extractor.
type Rules struct {
	Identity []IdentityRule `yaml:"identity"`
	Risk     []RiskRule     `yaml:"risk"`
	Levels   RiskLevels     `yaml:"levels"`
}

const (
	defaultStrongCooldown = 24 * time.Hour
	defaultWeakCooldown   = 30 * time.Minute
)

// Validate checks rule kinds and fills cooldown defaults.
func (r *Rules) Validate() error {
	for i, rule := range r.Identity {
		if !rule.Kind.IsIdentity() {
			return fmt.Errorf("signals: identity rule %d: kind %q is not self or part", i, rule.Kind)
		}
		if strings.TrimSpace(rule.Label) == "" {
			return fmt.Errorf("signals: identity rule %d: label is required", i)
		}
	}
	for i, rule := range r.Risk {
		if !rule.Kind.IsRisk() || !rule.Kind.Valid() {
			return fmt.Errorf("signals: risk rule %d: kind %q is not a risk category", i, rule.Kind)
		}
	}
	if r.Levels.StrongCooldown <= 0 {
		r.Levels.StrongCooldown = defaultStrongCooldown
	}
	if r.Levels.WeakCooldown <= 0 {
		r.Levels.WeakCooldown = defaultWeakCooldown
	}
	return nil
}

// compiled lowercases every keyword once so matching stays allocation-light.
type compiled struct {
	identity []IdentityRule
	risk     []RiskRule
	strong   []string
	weak     []string
	levels   RiskLevels
}

func compile(r Rules) compiled {
	c := compiled{levels: r.Levels}
	for _, rule := range r.Identity {
		rule.Keywords = lowerAll(rule.Keywords)
		c.identity = append(c.identity, rule)
	}
	for _, rule := range r.Risk {
		rule.Keywords = lowerAll(rule.Keywords)
		c.risk = append(c.risk, rule)
	}
	c.strong = lowerAll(r.Levels.Strong)
	c.weak = lowerAll(r.Levels.Weak)
	return c
}

func lowerAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		s = strings.ToLower(strings.TrimSpace(s))
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}
