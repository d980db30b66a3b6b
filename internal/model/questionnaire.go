package model

import (
	"time"

	"github.com/google/uuid"
)

// ScoringStrategy selects how a questionnaire is scored. The set is closed:
// every switch over it must handle each case.
type ScoringStrategy string

const (
	StrategySimpleSum        ScoringStrategy = "simple_sum"
	StrategyCategoryGrouped  ScoringStrategy = "category_grouped"
	StrategyPatternDominance ScoringStrategy = "pattern_dominance"
	StrategyWeighted         ScoringStrategy = "weighted"
)

// Question is one item of a questionnaire.
type Question struct {
	ID         int      `json:"id" yaml:"id"`
	Position   int      `json:"position" yaml:"-"`
	Text       string   `json:"text" yaml:"text"`
	SubSection string   `json:"sub_section,omitempty" yaml:"sub_section"`
	Category   string   `json:"category,omitempty" yaml:"category"`
	Optional   bool     `json:"optional,omitempty" yaml:"optional"`
	Min        *float64 `json:"min,omitempty" yaml:"min"`
	Max        *float64 `json:"max,omitempty" yaml:"max"`
	Reverse    bool     `json:"reverse,omitempty" yaml:"reverse"`
}

// Band maps a closed score range to an interpretation level.
type Band struct {
	Min         float64 `json:"min" yaml:"min"`
	Max         float64 `json:"max" yaml:"max"`
	Level       string  `json:"level" yaml:"level"`
	Description string  `json:"description" yaml:"description"`
}

// Contains reports whether v lies within [Min, Max].
func (b Band) Contains(v float64) bool {
	return v >= b.Min && v <= b.Max
}

// FormulaTerm references a question by its 1-based position.
type FormulaTerm struct {
	Position int     `json:"position" yaml:"position"`
	Weight   float64 `json:"weight" yaml:"weight"`
}

// Formula computes a standardized score: (Σ weight·answer + Offset) × Scale.
type Formula struct {
	Terms  []FormulaTerm `json:"terms" yaml:"terms"`
	Offset float64       `json:"offset" yaml:"offset"`
	Scale  float64       `json:"scale" yaml:"scale"`
}

// QuestionnaireDefinition is a static questionnaire loaded from the catalog.
type QuestionnaireDefinition struct {
	ID                 string          `json:"id" yaml:"id"`
	Name               string          `json:"name" yaml:"name"`
	Strategy           ScoringStrategy `json:"scoring_strategy" yaml:"strategy"`
	Questions          []Question      `json:"questions" yaml:"questions"`
	Bands              []Band          `json:"bands,omitempty" yaml:"bands"`
	DominantSubSection string          `json:"dominant_sub_section,omitempty" yaml:"dominant_sub_section"`
	Formula            *Formula        `json:"formula,omitempty" yaml:"formula"`
}

// CategoryScore accumulates answers for one (sub_section, category) group.
type CategoryScore struct {
	SubSection string  `json:"sub_section"`
	Category   string  `json:"category"`
	Score      float64 `json:"score"`
	Count      int     `json:"count"`
}

// Interpretation is the structured reading of a score.
type Interpretation struct {
	Level           string   `json:"level,omitempty"`
	Description     string   `json:"description,omitempty"`
	BandMin         *float64 `json:"band_min,omitempty"`
	BandMax         *float64 `json:"band_max,omitempty"`
	DominantPattern string   `json:"dominant_pattern,omitempty"`
	DominanceRatio  *float64 `json:"dominance_ratio,omitempty"`
}

// ScoreResult is the deterministic output of scoring one submission.
type ScoreResult struct {
	QuestionnaireID   string          `json:"questionnaire_id"`
	Strategy          ScoringStrategy `json:"strategy"`
	TotalScore        float64         `json:"total_score"`
	CategoryScores    []CategoryScore `json:"category_scores"`
	Interpretation    *Interpretation `json:"interpretation"`
	StandardizedScore *float64        `json:"standardized_score"`
}

// Answers maps question id to the submitted value.
type Answers map[int]float64

// ScoreRecord is the persisted envelope around a ScoreResult.
type ScoreRecord struct {
	ID              uuid.UUID   `json:"id"`
	ConversationID  string      `json:"conversation_id,omitempty"`
	QuestionnaireID string      `json:"questionnaire_id"`
	Answers         Answers     `json:"answers"`
	Result          ScoreResult `json:"result"`
	CreatedAt       time.Time   `json:"created_at"`
}
