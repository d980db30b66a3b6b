package recommend

import (
	"fmt"
	"math"
	"strings"

	"github.com/ashita-ai/kokoro/internal/model"
)

// Input is everything a trigger condition may read for one turn.
type Input struct {
	State    model.EmotionalState
	Patterns model.PatternProfile
	Status   model.ModuleStatus
	Risk     model.RiskLevel
}

// themeSaturation is the recurring theme count at which theme_count reaches 1.
const themeSaturation = 3

var scalarMetrics = map[string]func(Input) float64{
	"intensity":   func(in Input) float64 { return in.State.Intensity },
	"clarity":     func(in Input) float64 { return in.State.Clarity },
	"low_clarity": func(in Input) float64 { return 1 - in.State.Clarity },
	"depth":       func(in Input) float64 { return in.State.Depth },
	"theme_count": func(in Input) float64 {
		return math.Min(float64(len(in.Patterns.RecurringThemes))/themeSaturation, 1)
	},
	"risk": func(in Input) float64 {
		switch in.Risk {
		case model.RiskStrong:
			return 1
		case model.RiskWeak:
			return 0.5
		}
		return 0
	},
	"escalating": func(in Input) float64 {
		if in.Patterns.Trajectory == model.TrajectoryEscalating {
			return 1
		}
		return 0
	},
}

// parameterized metrics take a name after the colon, e.g. "theme:work".
var parameterizedMetrics = map[string]func(Input, string) float64{
	"defense": func(in Input, name string) float64 {
		if in.Patterns.HasDefense(name) {
			return 1
		}
		return 0
	},
	"attachment": func(in Input, name string) float64 {
		if in.Patterns.Attachment == name {
			return in.Patterns.Confidence
		}
		return 0
	},
	"theme": func(in Input, name string) float64 {
		if in.Patterns.HasTheme(name) {
			return 1
		}
		return 0
	},
}

// metricFunc resolves a metric name to its evaluator.
func metricFunc(metric string) (func(Input) float64, error) {
	if f, ok := scalarMetrics[metric]; ok {
		return f, nil
	}
	prefix, name, ok := strings.Cut(metric, ":")
	if ok && name != "" {
		if f, ok := parameterizedMetrics[prefix]; ok {
			return func(in Input) float64 { return f(in, name) }, nil
		}
	}
	return nil, fmt.Errorf("unknown metric %q", metric)
}

// KnownMetric reports whether metric can be evaluated.
func KnownMetric(metric string) bool {
	_, err := metricFunc(metric)
	return err == nil
}
