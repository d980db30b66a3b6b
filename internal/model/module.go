package model

import "time"

// ModuleDefinition describes one guided exercise. Loaded once from the
// catalog and read-only afterwards.
type ModuleDefinition struct {
	ID              string           `json:"module_id" yaml:"id"`
	Name            string           `json:"name" yaml:"name"`
	Icon            string           `json:"icon" yaml:"icon"`
	Trigger         TriggerCondition `json:"trigger_conditions" yaml:"trigger"`
	BasePriority    float64          `json:"base_priority" yaml:"base_priority"`
	QuestionnaireID string           `json:"questionnaire_id,omitempty" yaml:"questionnaire_id"`
}

// TriggerCondition is the data form of a module's relevance rule.
// The raw match score is the weighted mean of the term metrics, and is
// zero when any requirement is not met.
type TriggerCondition struct {
	Terms    []TriggerTerm        `json:"terms" yaml:"terms"`
	Requires []TriggerRequirement `json:"requires,omitempty" yaml:"requires"`
}

// TriggerTerm weighs one metric of the state or pattern profile.
type TriggerTerm struct {
	Metric string  `json:"metric" yaml:"metric"`
	Weight float64 `json:"weight" yaml:"weight"`
}

// TriggerRequirement gates a trigger on a metric reaching a minimum.
type TriggerRequirement struct {
	Metric string  `json:"metric" yaml:"metric"`
	Min    float64 `json:"min" yaml:"min"`
}

// ModuleProgress is the status of one module within a conversation.
type ModuleProgress struct {
	RecommendedAt  *time.Time     `json:"recommended_at,omitempty"`
	CompletedAt    *time.Time     `json:"completed_at,omitempty"`
	CompletionData map[string]any `json:"completion_data,omitempty"`
}

// ModuleStatus maps module_id to its progress for one conversation.
type ModuleStatus map[string]ModuleProgress

// Completed reports whether the module has a completion timestamp.
func (s ModuleStatus) Completed(moduleID string) bool {
	p, ok := s[moduleID]
	return ok && p.CompletedAt != nil
}

// Recommended reports whether the module was ever offered.
func (s ModuleStatus) Recommended(moduleID string) bool {
	p, ok := s[moduleID]
	return ok && p.RecommendedAt != nil
}

// Recommendation is one ranked candidate for a single turn.
type Recommendation struct {
	ModuleID string   `json:"module_id"`
	Name     string   `json:"name"`
	Icon     string   `json:"icon,omitempty"`
	Score    float64  `json:"score"`
	Priority float64  `json:"priority"`
	Reasons  []string `json:"reasons"`
}
