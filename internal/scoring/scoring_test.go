package scoring

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kokoro/internal/model"
	"github.com/ashita-ai/kokoro/internal/testutil"
)

func ptr(f float64) *float64 { return &f }

func likert(n int) []model.Question {
	qs := make([]model.Question, n)
	for i := range qs {
		qs[i] = model.Question{ID: i + 1, Position: i + 1, Min: ptr(1), Max: ptr(5)}
	}
	return qs
}

func newEngine() *Engine {
	return New(testutil.TestLogger())
}

func TestSimpleSumBand(t *testing.T) {
	def := model.QuestionnaireDefinition{
		ID:        "stress",
		Strategy:  model.StrategySimpleSum,
		Questions: likert(5),
		Bands: []model.Band{
			{Min: 5, Max: 14, Level: "轻度"},
			{Min: 15, Max: 25, Level: "中等", Description: "moderate"},
		},
	}
	res, err := newEngine().Score(def, model.Answers{1: 3, 2: 4, 3: 2, 4: 5, 5: 3})
	require.NoError(t, err)
	assert.Equal(t, 17.0, res.TotalScore)
	require.NotNil(t, res.Interpretation)
	assert.Equal(t, "中等", res.Interpretation.Level)
	assert.Equal(t, 15.0, *res.Interpretation.BandMin)
	assert.Nil(t, res.CategoryScores)
	assert.Nil(t, res.StandardizedScore)
}

func TestSimpleSumNoBand(t *testing.T) {
	def := model.QuestionnaireDefinition{
		ID: "s", Strategy: model.StrategySimpleSum, Questions: likert(2),
		Bands: []model.Band{{Min: 100, Max: 200, Level: "high"}},
	}
	res, err := newEngine().Score(def, model.Answers{1: 1, 2: 1})
	require.NoError(t, err)
	assert.Nil(t, res.Interpretation)
}

func TestDeterministic(t *testing.T) {
	def := model.QuestionnaireDefinition{
		ID:       "parts",
		Strategy: model.StrategyPatternDominance,
		Questions: []model.Question{
			{ID: 1, SubSection: "parts", Category: "manager"},
			{ID: 2, SubSection: "parts", Category: "firefighter"},
			{ID: 3, SubSection: "parts", Category: "manager"},
			{ID: 4, SubSection: "self", Category: "calm"},
		},
		DominantSubSection: "parts",
	}
	answers := model.Answers{1: 4, 2: 3, 3: 2, 4: 5}
	e := newEngine()
	first, err := e.Score(def, answers)
	require.NoError(t, err)
	for range 20 {
		again, err := e.Score(def, answers)
		require.NoError(t, err)
		if diff := cmp.Diff(first, again); diff != "" {
			t.Fatalf("score changed between runs (-first +again):\n%s", diff)
		}
	}
}

func TestCategoryGrouped(t *testing.T) {
	def := model.QuestionnaireDefinition{
		ID:       "g",
		Strategy: model.StrategyCategoryGrouped,
		Questions: []model.Question{
			{ID: 1, SubSection: "a", Category: "x"},
			{ID: 2, SubSection: "a", Category: "y"},
			{ID: 3, SubSection: "b", Category: "x"},
			{ID: 4, SubSection: "a", Category: "x"},
			{ID: 5, SubSection: "a", Category: "y", Optional: true},
		},
	}
	res, err := newEngine().Score(def, model.Answers{1: 1, 2: 2, 3: 3, 4: 4})
	require.NoError(t, err)
	assert.Equal(t, 10.0, res.TotalScore)
	want := []model.CategoryScore{
		{SubSection: "a", Category: "x", Score: 5, Count: 2},
		{SubSection: "a", Category: "y", Score: 2, Count: 2},
		{SubSection: "b", Category: "x", Score: 3, Count: 1},
	}
	if diff := cmp.Diff(want, res.CategoryScores); diff != "" {
		t.Errorf("category scores (-want +got):\n%s", diff)
	}
}

func TestPatternDominance(t *testing.T) {
	def := model.QuestionnaireDefinition{
		ID:       "p",
		Strategy: model.StrategyPatternDominance,
		Questions: []model.Question{
			{ID: 1, SubSection: "style", Category: "secure"},
			{ID: 2, SubSection: "style", Category: "anxious"},
			{ID: 3, SubSection: "style", Category: "avoidant"},
			{ID: 4, SubSection: "other", Category: "noise"},
		},
		DominantSubSection: "style",
	}

	tests := []struct {
		name    string
		answers model.Answers
		want    string
		ratio   float64
	}{
		{"clear winner", model.Answers{1: 1, 2: 6, 3: 1, 4: 50}, "anxious", 0.75},
		{"tie goes to first declared", model.Answers{1: 3, 2: 3, 3: 2, 4: 0}, "secure", 3.0 / 8},
		{"all zero", model.Answers{1: 0, 2: 0, 3: 0, 4: 9}, "secure", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := newEngine().Score(def, tt.answers)
			require.NoError(t, err)
			require.NotNil(t, res.Interpretation)
			assert.Equal(t, tt.want, res.Interpretation.DominantPattern)
			require.NotNil(t, res.Interpretation.DominanceRatio)
			r := *res.Interpretation.DominanceRatio
			assert.InDelta(t, tt.ratio, r, 1e-9)
			assert.GreaterOrEqual(t, r, 0.0)
			assert.LessOrEqual(t, r, 1.0)
		})
	}
}

func TestWeightedStandardized(t *testing.T) {
	def := model.QuestionnaireDefinition{
		ID:        "w",
		Strategy:  model.StrategyWeighted,
		Questions: likert(3),
		Formula: &model.Formula{
			Terms:  []model.FormulaTerm{{Position: 1, Weight: 2}, {Position: 3, Weight: 1}},
			Offset: -3,
			Scale:  1.0 / 3,
		},
		Bands: []model.Band{{Min: 0, Max: 2, Level: "low"}, {Min: 2.01, Max: 10, Level: "high"}},
	}
	res, err := newEngine().Score(def, model.Answers{1: 4, 2: 5, 3: 2})
	require.NoError(t, err)
	assert.Equal(t, 11.0, res.TotalScore)
	require.NotNil(t, res.StandardizedScore)
	// (2*4 + 2 - 3) / 3 = 2.333... rounded to 2.33
	assert.Equal(t, 2.33, *res.StandardizedScore)
	require.NotNil(t, res.Interpretation)
	assert.Equal(t, "high", res.Interpretation.Level, "bands apply to the standardized score")
}

func TestWeightedMissingAnswerDegrades(t *testing.T) {
	qs := likert(3)
	qs[2].Optional = true
	def := model.QuestionnaireDefinition{
		ID: "w", Strategy: model.StrategyWeighted, Questions: qs,
		Formula: &model.Formula{Terms: []model.FormulaTerm{{Position: 3, Weight: 1}}, Scale: 1},
	}
	res, err := newEngine().Score(def, model.Answers{1: 4, 2: 5})
	require.NoError(t, err)
	assert.Equal(t, 9.0, res.TotalScore)
	assert.Nil(t, res.StandardizedScore)
}

func TestWeightedBadPositionDegrades(t *testing.T) {
	def := model.QuestionnaireDefinition{
		ID: "w", Strategy: model.StrategyWeighted, Questions: likert(2),
		Formula: &model.Formula{Terms: []model.FormulaTerm{{Position: 9, Weight: 1}}},
	}
	var seen []*model.ConfigurationError
	e := New(testutil.TestLogger(), WithConfigErrorHook(func(err *model.ConfigurationError) { seen = append(seen, err) }))
	res, err := e.Score(def, model.Answers{1: 1, 2: 2})
	require.NoError(t, err)
	assert.Nil(t, res.StandardizedScore)
	require.Len(t, seen, 1)
	assert.Equal(t, "formula", seen[0].Component)
}

func TestReverseScoring(t *testing.T) {
	qs := likert(2)
	qs[1].Reverse = true
	def := model.QuestionnaireDefinition{ID: "r", Strategy: model.StrategySimpleSum, Questions: qs}
	res, err := newEngine().Score(def, model.Answers{1: 5, 2: 5})
	require.NoError(t, err)
	assert.Equal(t, 6.0, res.TotalScore)
}

func TestInvalidAnswers(t *testing.T) {
	qs := likert(2)
	def := model.QuestionnaireDefinition{ID: "s", Strategy: model.StrategySimpleSum, Questions: qs}

	tests := []struct {
		name    string
		answers model.Answers
	}{
		{"unknown question", model.Answers{1: 1, 2: 1, 7: 1}},
		{"below min", model.Answers{1: 0, 2: 1}},
		{"above max", model.Answers{1: 6, 2: 1}},
		{"missing required", model.Answers{1: 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := newEngine().Score(def, tt.answers)
			assert.ErrorIs(t, err, model.ErrInvalidAnswers)
		})
	}
}

func TestCheckDefinition(t *testing.T) {
	var cfgErr *model.ConfigurationError

	err := CheckDefinition(model.QuestionnaireDefinition{ID: "x", Strategy: "median"})
	require.True(t, errors.As(err, &cfgErr))

	err = CheckDefinition(model.QuestionnaireDefinition{ID: "x", Strategy: model.StrategyPatternDominance})
	require.True(t, errors.As(err, &cfgErr))

	err = CheckDefinition(model.QuestionnaireDefinition{
		ID: "x", Strategy: model.StrategySimpleSum,
		Questions: []model.Question{{ID: 1, Reverse: true}},
	})
	require.True(t, errors.As(err, &cfgErr))

	_, err = newEngine().Score(model.QuestionnaireDefinition{ID: "x", Strategy: "median"}, nil)
	require.Error(t, err)
}
