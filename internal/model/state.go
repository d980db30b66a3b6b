package model

import "time"

// EmotionalState is the per-turn emotional estimate. It is recomputed from
// the signal log on every turn and never patched field by field.
type EmotionalState struct {
	Intensity float64   `json:"intensity"`
	Clarity   float64   `json:"clarity"`
	Depth     float64   `json:"depth"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Trajectory is the smoothed direction of change of intensity.
type Trajectory string

const (
	TrajectoryEscalating       Trajectory = "escalating"
	TrajectoryStabilizing      Trajectory = "stabilizing"
	TrajectoryFlat             Trajectory = "flat"
	TrajectoryInsufficientData Trajectory = "insufficient_data"
)

// Attachment sentinels. Named patterns (e.g. "anxious") come from the catalog.
const (
	AttachmentNone             = "none"
	AttachmentInsufficientData = "insufficient_data"
)

// PatternProfile is derived from the full history. Until the minimum number
// of user turns is reached, Attachment and Trajectory stay insufficient_data.
type PatternProfile struct {
	DefenseMechanisms []string   `json:"defense_mechanisms"`
	Attachment        string     `json:"attachment_pattern"`
	Confidence        float64    `json:"confidence"`
	RecurringThemes   []string   `json:"recurring_themes"`
	Trajectory        Trajectory `json:"trajectory"`
	UserTurns         int        `json:"user_turns"`
}

// InsufficientProfile returns the profile emitted before enough turns exist.
func InsufficientProfile(turns int) PatternProfile {
	return PatternProfile{
		DefenseMechanisms: []string{},
		Attachment:        AttachmentInsufficientData,
		RecurringThemes:   []string{},
		Trajectory:        TrajectoryInsufficientData,
		UserTurns:         turns,
	}
}

// HasDefense reports whether name is among the detected defense mechanisms.
func (p PatternProfile) HasDefense(name string) bool {
	for _, d := range p.DefenseMechanisms {
		if d == name {
			return true
		}
	}
	return false
}

// HasTheme reports whether name is among the recurring themes.
func (p PatternProfile) HasTheme(name string) bool {
	for _, t := range p.RecurringThemes {
		if t == name {
			return true
		}
	}
	return false
}
