package state

import (
	"fmt"
	"strings"
)

// DefenseRule detects a defense mechanism. A message hits the rule when it
// matches at least one marker from every group in AllOf; the mechanism is
// present once MinHits messages have hit.
type DefenseRule struct {
	Name    string     `yaml:"name"`
	AllOf   [][]string `yaml:"all_of"`
	MinHits int        `yaml:"min_hits"`
}

// AttachmentRule scores one attachment pattern by marker hits.
type AttachmentRule struct {
	Pattern string   `yaml:"pattern"`
	Markers []string `yaml:"markers"`
}

// ThemeRule detects a theme by keyword.
type ThemeRule struct {
	Theme    string   `yaml:"theme"`
	Keywords []string `yaml:"keywords"`
}

// Config holds the tunables and marker tables of the aggregator.
type Config struct {
	Window               int      `yaml:"window"`                 // K: turns considered for intensity
	HalfLifeTurns        float64  `yaml:"half_life_turns"`        // decay of older risk signals
	RiskSaturation       int      `yaml:"risk_saturation"`        // distinct categories for full per-turn density
	StrongFloor          *float64 `yaml:"strong_floor"`           // intensity floor for a strong risk flag; 0 disables
	MinTurns             int      `yaml:"min_turns"`              // turns before patterns are classified
	TrajectoryWindow     int      `yaml:"trajectory_window"`      // M: turns used for the slope
	SmoothingAlpha       float64  `yaml:"smoothing_alpha"`        // EMA factor for trajectory
	SlopeThreshold       float64  `yaml:"slope_threshold"`        // noise band around zero slope
	RecurringThemeMin    int      `yaml:"recurring_theme_min"`    // distinct messages for a recurring theme
	DepthTurnRate        float64  `yaml:"depth_turn_rate"`        // depth contribution per turn
	DepthLabelRate       float64  `yaml:"depth_label_rate"`       // depth contribution per distinct label
	ClarityBase          float64  `yaml:"clarity_base"`           // clarity with no hedging
	ClarityHedgePenalty  float64  `yaml:"clarity_hedge_penalty"`  // divisor growth per hedge marker
	ClarityIdentityBonus *float64 `yaml:"clarity_identity_bonus"` // offset when an identity label is named; 0 disables

	HedgeMarkers []string         `yaml:"hedge_markers"`
	Defenses     []DefenseRule    `yaml:"defenses"`
	Attachments  []AttachmentRule `yaml:"attachments"`
	Themes       []ThemeRule      `yaml:"themes"`
}

// WithDefaults fills unset tunables. StrongFloor and ClarityIdentityBonus
// are pointers so an explicit 0 stays 0; the remaining tunables must be
// positive and treat 0 as unset.
func (c Config) WithDefaults() Config {
	if c.Window <= 0 {
		c.Window = 5
	}
	if c.HalfLifeTurns <= 0 {
		c.HalfLifeTurns = 3
	}
	if c.RiskSaturation <= 0 {
		c.RiskSaturation = 3
	}
	if c.StrongFloor == nil {
		c.StrongFloor = ptr(0.8)
	}
	if c.MinTurns <= 0 {
		c.MinTurns = 3
	}
	if c.TrajectoryWindow <= 1 {
		c.TrajectoryWindow = 5
	}
	if c.SmoothingAlpha <= 0 || c.SmoothingAlpha > 1 {
		c.SmoothingAlpha = 0.5
	}
	if c.SlopeThreshold <= 0 {
		c.SlopeThreshold = 0.05
	}
	if c.RecurringThemeMin <= 0 {
		c.RecurringThemeMin = 2
	}
	if c.DepthTurnRate <= 0 {
		c.DepthTurnRate = 0.08
	}
	if c.DepthLabelRate <= 0 {
		c.DepthLabelRate = 0.25
	}
	if c.ClarityBase <= 0 {
		c.ClarityBase = 0.85
	}
	if c.ClarityHedgePenalty <= 0 {
		c.ClarityHedgePenalty = 0.5
	}
	if c.ClarityIdentityBonus == nil {
		c.ClarityIdentityBonus = ptr(0.15)
	}
	for i := range c.Defenses {
		if c.Defenses[i].MinHits <= 0 {
			c.Defenses[i].MinHits = 1
		}
	}
	return c
}

func ptr(v float64) *float64 { return &v }

// Validate rejects marker tables that cannot be evaluated and offsets
// outside [0,1].
func (c Config) Validate() error {
	if f := c.StrongFloor; f != nil && (*f < 0 || *f > 1) {
		return fmt.Errorf("state: strong_floor %v outside [0,1]", *f)
	}
	if b := c.ClarityIdentityBonus; b != nil && (*b < 0 || *b > 1) {
		return fmt.Errorf("state: clarity_identity_bonus %v outside [0,1]", *b)
	}
	for i, d := range c.Defenses {
		if strings.TrimSpace(d.Name) == "" {
			return fmt.Errorf("state: defense rule %d: name is required", i)
		}
		if len(d.AllOf) == 0 {
			return fmt.Errorf("state: defense rule %s: all_of is empty", d.Name)
		}
	}
	for i, a := range c.Attachments {
		if strings.TrimSpace(a.Pattern) == "" {
			return fmt.Errorf("state: attachment rule %d: pattern is required", i)
		}
	}
	for i, t := range c.Themes {
		if strings.TrimSpace(t.Theme) == "" {
			return fmt.Errorf("state: theme rule %d: theme is required", i)
		}
	}
	return nil
}
