package state

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/ashita-ai/kokoro/internal/model"
	"github.com/ashita-ai/kokoro/internal/testutil"
)

// turn describes one user message for building a History.
type turn struct {
	text   string
	level  model.RiskLevel
	kinds  []model.SignalKind
	labels map[model.SignalKind]string
}

func buildHistory(turns ...turn) History {
	var h History
	h.Aggregates = model.Aggregates{SelfLabels: []string{}, PartLabels: []string{}}
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, tt := range turns {
		n := i + 1
		at := base.Add(time.Duration(i) * time.Minute)
		level := tt.level
		if level == "" {
			level = model.RiskNone
		}
		h.Messages = append(h.Messages, model.Message{Turn: n, Text: tt.text, At: at, RiskLevel: level})
		for _, k := range tt.kinds {
			h.Signals = append(h.Signals, model.Signal{Kind: k, Label: string(k), Turn: n, DetectedAt: at})
		}
		for k, label := range tt.labels {
			h.Signals = append(h.Signals, model.Signal{Kind: k, Label: label, Turn: n, DetectedAt: at})
			h.Aggregates.AddLabel(k, label)
		}
		h.Aggregates.TotalTurns = n
	}
	return h
}

// upTo returns the history as it looked after turn n.
func upTo(h History, n int) History {
	out := History{Aggregates: h.Aggregates}
	out.Aggregates.TotalTurns = n
	for _, m := range h.Messages {
		if m.Turn <= n {
			out.Messages = append(out.Messages, m)
		}
	}
	for _, s := range h.Signals {
		if s.Turn <= n {
			out.Signals = append(out.Signals, s)
		}
	}
	return out
}

func testConfig() Config {
	return Config{
		HedgeMarkers: []string{"maybe", "i guess", "也许"},
		Defenses: []DefenseRule{
			{Name: "intellectualization", AllOf: [][]string{{"i think", "logically"}, {"feel"}}},
			{Name: "denial", AllOf: [][]string{{"i'm fine", "没事"}}, MinHits: 2},
		},
		Attachments: []AttachmentRule{
			{Pattern: "anxious", Markers: []string{"leave me", "abandon"}},
			{Pattern: "avoidant", Markers: []string{"alone is better"}},
		},
		Themes: []ThemeRule{
			{Theme: "work", Keywords: []string{"work", "工作"}},
			{Theme: "family", Keywords: []string{"mother", "family"}},
		},
	}
}

func newAggregator(t *testing.T) *Aggregator {
	t.Helper()
	a, err := New(testConfig(), testutil.TestLogger())
	require.NoError(t, err)
	return a
}

var allRisk = []model.SignalKind{model.SignalRiskBody, model.SignalRiskEmotion, model.SignalRiskCognition}

func TestIntensityDecaysAfterSpike(t *testing.T) {
	a := newAggregator(t)
	h := buildHistory(
		turn{text: "spike", level: model.RiskStrong, kinds: allRisk},
		turn{text: "ok"},
		turn{text: "ok"},
		turn{text: "ok"},
		turn{text: "ok"},
		turn{text: "ok"},
	)

	at := time.Now()
	prev := 2.0
	for n := 1; n <= 6; n++ {
		st := a.Update("c1", upTo(h, n), at)
		assert.Less(t, st.Intensity, prev, "intensity must fall at turn %d", n)
		prev = st.Intensity
	}
	assert.InDelta(t, 1.0, a.Update("c1", upTo(h, 1), at).Intensity, 1e-9)
	// Turn 4: floor 0.8 * 0.5^(3/3) dominates the weighted mean.
	assert.InDelta(t, 0.4, a.Update("c1", upTo(h, 4), at).Intensity, 1e-9)
	// Turn 6: the spike has left the window.
	assert.Zero(t, a.Update("c1", h, at).Intensity)
}

func TestIntensitySaturates(t *testing.T) {
	a := newAggregator(t)
	h := buildHistory(turn{text: "x", kinds: []model.SignalKind{
		model.SignalRiskBody, model.SignalRiskEmotion, model.SignalRiskCognition,
		model.SignalRiskBehavior, model.SignalRiskLanguage,
	}})
	assert.Equal(t, 1.0, a.Update("c1", h, time.Now()).Intensity)
}

func TestClarity(t *testing.T) {
	a := newAggregator(t)
	tests := []struct {
		name string
		turn turn
		want float64
	}{
		{"plain", turn{text: "today was hard"}, 0.85},
		{"two hedges", turn{text: "Maybe it was, I guess"}, 0.425},
		{"identity named", turn{text: "that is my inner critic", labels: map[model.SignalKind]string{model.SignalPart: "inner_critic"}}, 1.0},
		{"hedged identity", turn{text: "maybe my inner critic", labels: map[model.SignalKind]string{model.SignalPart: "inner_critic"}}, 0.85/1.5 + 0.15},
		{"chinese hedge", turn{text: "也许吧"}, 0.85 / 1.5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := a.Update("c1", buildHistory(tt.turn), time.Now())
			assert.InDelta(t, tt.want, st.Clarity, 1e-9)
		})
	}
}

func TestDepthMonotonic(t *testing.T) {
	a := newAggregator(t)
	h := buildHistory(
		turn{text: "a"},
		turn{text: "b", labels: map[model.SignalKind]string{model.SignalSelf: "calm_self"}},
		turn{text: "c"},
		turn{text: "d", labels: map[model.SignalKind]string{model.SignalPart: "protector"}},
		turn{text: "e"},
	)
	prev := -1.0
	for n := 1; n <= 5; n++ {
		hist := upTo(h, n)
		hist.Aggregates = model.Aggregates{TotalTurns: n}
		for _, s := range hist.Signals {
			hist.Aggregates.AddLabel(s.Kind, s.Label)
		}
		d := a.Update("c1", hist, time.Now()).Depth
		assert.GreaterOrEqual(t, d, prev)
		assert.LessOrEqual(t, d, 1.0)
		prev = d
	}
}

func TestClassifyPatternsInsufficient(t *testing.T) {
	a := newAggregator(t)
	p := a.ClassifyPatterns("c1", buildHistory(turn{text: "leave me"}, turn{text: "abandon"}))
	assert.Equal(t, model.AttachmentInsufficientData, p.Attachment)
	assert.Equal(t, model.TrajectoryInsufficientData, p.Trajectory)
	assert.Empty(t, p.DefenseMechanisms)
	assert.Empty(t, p.RecurringThemes)
	assert.Equal(t, 2, p.UserTurns)
}

func TestClassifyPatterns(t *testing.T) {
	a := newAggregator(t)
	h := buildHistory(
		turn{text: "I think logically I should not feel this about work"},
		turn{text: "they will leave me, everyone will abandon me"},
		turn{text: "work again. alone is better. leave me be"},
		turn{text: "I'm fine, my mother called"},
	)
	p := a.ClassifyPatterns("c1", h)

	assert.Equal(t, []string{"intellectualization"}, p.DefenseMechanisms, "denial needs two hits")
	assert.Equal(t, "anxious", p.Attachment)
	assert.InDelta(t, 0.75, p.Confidence, 1e-9)
	assert.Equal(t, []string{"work"}, p.RecurringThemes)
	assert.Equal(t, model.TrajectoryFlat, p.Trajectory)
	assert.Equal(t, 4, p.UserTurns)
}

func TestClassifyPatternsNoAttachmentEvidence(t *testing.T) {
	a := newAggregator(t)
	p := a.ClassifyPatterns("c1", buildHistory(turn{text: "a"}, turn{text: "b"}, turn{text: "c"}))
	assert.Equal(t, model.AttachmentNone, p.Attachment)
	assert.Zero(t, p.Confidence)
}

func TestTrajectory(t *testing.T) {
	a := newAggregator(t)
	one := []model.SignalKind{model.SignalRiskBody}
	two := []model.SignalKind{model.SignalRiskBody, model.SignalRiskEmotion}

	tests := []struct {
		name  string
		turns []turn
		want  model.Trajectory
	}{
		{
			name:  "escalating",
			turns: []turn{{text: "a"}, {text: "b"}, {text: "c", kinds: one}, {text: "d", kinds: two}, {text: "e", kinds: allRisk}},
			want:  model.TrajectoryEscalating,
		},
		{
			name:  "stabilizing",
			turns: []turn{{text: "a", kinds: allRisk}, {text: "b", kinds: allRisk}, {text: "c"}, {text: "d"}, {text: "e"}},
			want:  model.TrajectoryStabilizing,
		},
		{
			name:  "flat",
			turns: []turn{{text: "a"}, {text: "b"}, {text: "c"}, {text: "d"}},
			want:  model.TrajectoryFlat,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := a.ClassifyPatterns("c1", buildHistory(tt.turns...))
			assert.Equal(t, tt.want, p.Trajectory)
		})
	}
}

func TestLeastSquaresSlope(t *testing.T) {
	assert.InDelta(t, 1.0, leastSquaresSlope([]float64{0, 1, 2, 3}), 1e-9)
	assert.InDelta(t, -0.5, leastSquaresSlope([]float64{1, 0.5, 0}), 1e-9)
	assert.Zero(t, leastSquaresSlope([]float64{0.3}))
}

func TestConfigValidate(t *testing.T) {
	_, err := New(Config{Defenses: []DefenseRule{{Name: "x"}}}, nil)
	require.Error(t, err)
	_, err = New(Config{Themes: []ThemeRule{{}}}, nil)
	require.Error(t, err)
}

func TestExplicitZeroOffsetsStayZero(t *testing.T) {
	var cfg Config
	require.NoError(t, yaml.Unmarshal([]byte("strong_floor: 0\nclarity_identity_bonus: 0\n"), &cfg))
	a, err := New(cfg, nil)
	require.NoError(t, err)
	assert.Zero(t, *a.Config().StrongFloor)
	assert.Zero(t, *a.Config().ClarityIdentityBonus)

	strong := a.Update("c1", buildHistory(turn{text: "x", level: model.RiskStrong}), time.Time{})
	assert.Zero(t, strong.Intensity, "a disabled floor adds nothing to a strong flag")

	named := a.Update("c1", buildHistory(turn{
		text:   "that is my inner critic",
		labels: map[model.SignalKind]string{model.SignalPart: "inner_critic"},
	}), time.Time{})
	assert.InDelta(t, 0.85, named.Clarity, 1e-9)

	defaults, err := New(Config{}, nil)
	require.NoError(t, err)
	assert.InDelta(t, 0.8, *defaults.Config().StrongFloor, 1e-12)
	assert.InDelta(t, 0.8, defaults.Update("c1", buildHistory(turn{text: "x", level: model.RiskStrong}), time.Time{}).Intensity, 1e-9)
}

func TestConfigRejectsOutOfRangeOffsets(t *testing.T) {
	_, err := New(Config{StrongFloor: ptr(1.5)}, nil)
	require.Error(t, err)
	_, err = New(Config{ClarityIdentityBonus: ptr(-0.1)}, nil)
	require.Error(t, err)
}

func TestThemeKeywordsMatchWholeWords(t *testing.T) {
	cfg := testConfig()
	cfg.Themes = []ThemeRule{{Theme: "family", Keywords: []string{"mom"}}}
	a, err := New(cfg, testutil.TestLogger())
	require.NoError(t, err)

	p := a.ClassifyPatterns("c1", buildHistory(
		turn{text: "give me a moment"}, turn{text: "one more moment"}, turn{text: "momentum is gone"},
	))
	assert.Empty(t, p.RecurringThemes)

	p = a.ClassifyPatterns("c1", buildHistory(
		turn{text: "my mom called"}, turn{text: "mom's birthday"}, turn{text: "ok"},
	))
	assert.Equal(t, []string{"family"}, p.RecurringThemes)
}
