// Package scoring computes questionnaire results.
//
// Scoring is deterministic: the same definition and answers always produce
// the same ScoreResult, since results are persisted for audit. Strategies
// form a closed set and are dispatched by an exhaustive switch.
package scoring

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"slices"

	"github.com/ashita-ai/kokoro/internal/model"
)

// Engine scores submissions. Safe for concurrent use.
type Engine struct {
	logger  *slog.Logger
	onError func(*model.ConfigurationError)
}

// Option configures an Engine.
type Option func(*Engine)

// WithConfigErrorHook registers a callback invoked when a formula is
// malformed and a standardized score degrades to null.
func WithConfigErrorHook(fn func(*model.ConfigurationError)) Option {
	return func(e *Engine) { e.onError = fn }
}

// New creates a scoring Engine.
func New(logger *slog.Logger, opts ...Option) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{logger: logger}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Score scores answers against def.
//
// Returns model.ErrInvalidAnswers (wrapped) when an answer references an
// unknown question, is out of the question's range, or a required answer is
// missing. Missing optional answers contribute zero.
func (e *Engine) Score(def model.QuestionnaireDefinition, answers model.Answers) (model.ScoreResult, error) {
	if err := CheckDefinition(def); err != nil {
		return model.ScoreResult{}, err
	}
	values, answered, err := effectiveValues(def, answers)
	if err != nil {
		return model.ScoreResult{}, err
	}

	res := model.ScoreResult{QuestionnaireID: def.ID, Strategy: def.Strategy}
	for _, v := range values {
		res.TotalScore += v
	}

	switch def.Strategy {
	case model.StrategySimpleSum:
		res.Interpretation = bandInterpretation(def.Bands, res.TotalScore)
	case model.StrategyCategoryGrouped:
		res.CategoryScores = group(def, values)
		res.Interpretation = bandInterpretation(def.Bands, res.TotalScore)
	case model.StrategyPatternDominance:
		res.CategoryScores = group(def, values)
		res.Interpretation = dominance(def, res.CategoryScores, res.TotalScore)
	case model.StrategyWeighted:
		res.StandardizedScore = e.standardized(def, values, answered)
		basis := res.TotalScore
		if res.StandardizedScore != nil {
			basis = *res.StandardizedScore
		}
		res.Interpretation = bandInterpretation(def.Bands, basis)
	default:
		return model.ScoreResult{}, &model.ConfigurationError{
			Component: "questionnaire", Subject: def.ID,
			Reason: fmt.Sprintf("unknown scoring strategy %q", def.Strategy),
		}
	}
	return res, nil
}

// CheckDefinition rejects questionnaire definitions that cannot be scored
// at all. Formula problems are not fatal and are not reported here.
func CheckDefinition(def model.QuestionnaireDefinition) error {
	bad := func(reason string) error {
		return &model.ConfigurationError{Component: "questionnaire", Subject: def.ID, Reason: reason}
	}
	switch def.Strategy {
	case model.StrategySimpleSum, model.StrategyCategoryGrouped, model.StrategyWeighted:
	case model.StrategyPatternDominance:
		if def.DominantSubSection == "" {
			return bad("pattern_dominance needs dominant_sub_section")
		}
	default:
		return bad(fmt.Sprintf("unknown scoring strategy %q", def.Strategy))
	}
	seen := make(map[int]bool, len(def.Questions))
	for _, q := range def.Questions {
		if seen[q.ID] {
			return bad(fmt.Sprintf("duplicate question id %d", q.ID))
		}
		seen[q.ID] = true
		if q.Min != nil && q.Max != nil && *q.Min > *q.Max {
			return bad(fmt.Sprintf("question %d: min above max", q.ID))
		}
		if q.Reverse && (q.Min == nil || q.Max == nil) {
			return bad(fmt.Sprintf("question %d: reverse scoring needs min and max", q.ID))
		}
	}
	return nil
}

// CheckFormula reports a malformed weighted formula, or nil.
func CheckFormula(def model.QuestionnaireDefinition) *model.ConfigurationError {
	bad := func(reason string) *model.ConfigurationError {
		return &model.ConfigurationError{Component: "formula", Subject: def.ID, Reason: reason}
	}
	if def.Formula == nil || len(def.Formula.Terms) == 0 {
		return bad("no formula terms")
	}
	for _, t := range def.Formula.Terms {
		if t.Position < 1 || t.Position > len(def.Questions) {
			return bad(fmt.Sprintf("position %d outside 1..%d", t.Position, len(def.Questions)))
		}
		if math.IsNaN(t.Weight) || math.IsInf(t.Weight, 0) {
			return bad(fmt.Sprintf("position %d: weight is not finite", t.Position))
		}
	}
	return nil
}

// effectiveValues returns one value per question in declaration order, with
// reverse scoring applied, and which questions were actually answered.
func effectiveValues(def model.QuestionnaireDefinition, answers model.Answers) ([]float64, []bool, error) {
	byID := make(map[int]model.Question, len(def.Questions))
	for _, q := range def.Questions {
		byID[q.ID] = q
	}

	ids := make([]int, 0, len(answers))
	for id := range answers {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	var errs []error
	for _, id := range ids {
		v := answers[id]
		q, ok := byID[id]
		switch {
		case !ok:
			errs = append(errs, fmt.Errorf("question %d does not exist", id))
		case math.IsNaN(v) || math.IsInf(v, 0):
			errs = append(errs, fmt.Errorf("question %d: answer is not finite", id))
		case q.Min != nil && v < *q.Min:
			errs = append(errs, fmt.Errorf("question %d: answer %v below minimum %v", id, v, *q.Min))
		case q.Max != nil && v > *q.Max:
			errs = append(errs, fmt.Errorf("question %d: answer %v above maximum %v", id, v, *q.Max))
		}
	}

	values := make([]float64, len(def.Questions))
	answered := make([]bool, len(def.Questions))
	for i, q := range def.Questions {
		v, ok := answers[q.ID]
		if !ok {
			if !q.Optional {
				errs = append(errs, fmt.Errorf("question %d: answer is required", q.ID))
			}
			continue
		}
		if q.Reverse {
			v = *q.Max + *q.Min - v
		}
		values[i] = v
		answered[i] = true
	}
	if len(errs) > 0 {
		return nil, nil, fmt.Errorf("scoring: %s: %w: %w", def.ID, model.ErrInvalidAnswers, errors.Join(errs...))
	}
	return values, answered, nil
}

// group accumulates values per (sub_section, category) in order of first
// appearance.
func group(def model.QuestionnaireDefinition, values []float64) []model.CategoryScore {
	type key struct{ sub, cat string }
	index := make(map[key]int)
	out := []model.CategoryScore{}
	for i, q := range def.Questions {
		k := key{q.SubSection, q.Category}
		j, ok := index[k]
		if !ok {
			j = len(out)
			index[k] = j
			out = append(out, model.CategoryScore{SubSection: q.SubSection, Category: q.Category})
		}
		out[j].Score += values[i]
		out[j].Count++
	}
	return out
}

// dominance finds the highest-scoring category of the designated
// sub_section. Ties go to the category declared first. The ratio is the
// winner's share of the sub_section total.
func dominance(def model.QuestionnaireDefinition, groups []model.CategoryScore, total float64) *model.Interpretation {
	interp := bandInterpretation(def.Bands, total)
	if interp == nil {
		interp = &model.Interpretation{}
	}

	var winner *model.CategoryScore
	var sum float64
	for i := range groups {
		g := &groups[i]
		if g.SubSection != def.DominantSubSection {
			continue
		}
		sum += g.Score
		if winner == nil || g.Score > winner.Score {
			winner = g
		}
	}
	if winner == nil {
		return interp
	}
	ratio := 0.0
	if sum > 0 {
		ratio = math.Max(0, math.Min(1, winner.Score/sum))
	}
	interp.DominantPattern = winner.Category
	interp.DominanceRatio = &ratio
	return interp
}

// standardized applies the formula. It degrades to nil, never an error,
// when the formula is malformed or references an unanswered question.
func (e *Engine) standardized(def model.QuestionnaireDefinition, values []float64, answered []bool) *float64 {
	if cfgErr := CheckFormula(def); cfgErr != nil {
		e.logger.Warn("scoring: standardized score disabled", "questionnaire_id", def.ID, "error", cfgErr)
		if e.onError != nil {
			e.onError(cfgErr)
		}
		return nil
	}
	sum := def.Formula.Offset
	for _, t := range def.Formula.Terms {
		if !answered[t.Position-1] {
			return nil
		}
		sum += t.Weight * values[t.Position-1]
	}
	scale := def.Formula.Scale
	if scale == 0 {
		scale = 1
	}
	v := math.Round(sum*scale*100) / 100
	return &v
}

func bandInterpretation(bands []model.Band, v float64) *model.Interpretation {
	for _, b := range bands {
		if b.Contains(v) {
			bandMin, bandMax := b.Min, b.Max
			return &model.Interpretation{
				Level:       b.Level,
				Description: b.Description,
				BandMin:     &bandMin,
				BandMax:     &bandMax,
			}
		}
	}
	return nil
}
