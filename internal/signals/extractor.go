// Package signals extracts typed identity and risk signals from user text.
//
// Matching is driven entirely by ordered rule tables loaded from the
// catalog, so taxonomies can grow without touching this package. The
// extractor is pure: it performs no I/O and reads no clock.
package signals

import (
	"strings"

	"github.com/ashita-ai/kokoro/internal/model"
	"github.com/ashita-ai/kokoro/internal/textmatch"
)

// Extractor turns a message into signals. Safe for concurrent use.
type Extractor struct {
	rules compiled
}

// New creates an Extractor from validated rules.
func New(rules Rules) (*Extractor, error) {
	if err := rules.Validate(); err != nil {
		return nil, err
	}
	return &Extractor{rules: compile(rules)}, nil
}

// Extract returns the signals found in text. Empty or whitespace-only text
// yields an empty slice.
func (e *Extractor) Extract(text string) []model.Signal {
	return e.Analyze(text).Signals
}

// Analyze returns the signals in text together with the message-level risk
// assessment.
//
// Identity families emit at most one signal each (first rule wins). Risk
// categories are independent and all matches are emitted. A strong risk
// level guarantees a risk_language signal is present.
func (e *Extractor) Analyze(text string) model.Extraction {
	out := model.Extraction{
		Signals: []model.Signal{},
		Risk:    model.RiskAssessment{Level: model.RiskNone},
	}
	lower := strings.ToLower(strings.TrimSpace(text))
	if lower == "" {
		return out
	}

	var seenSelf, seenPart bool
	for _, rule := range e.rules.identity {
		if (rule.Kind == model.SignalSelf && seenSelf) || (rule.Kind == model.SignalPart && seenPart) {
			continue
		}
		if textmatch.First(lower, rule.Keywords) == "" {
			continue
		}
		out.Signals = append(out.Signals, model.Signal{Kind: rule.Kind, Label: rule.Label})
		if rule.Kind == model.SignalSelf {
			seenSelf = true
		} else {
			seenPart = true
		}
		if seenSelf && seenPart {
			break
		}
	}

	emitted := make(map[model.SignalKind]bool)
	for _, rule := range e.rules.risk {
		if emitted[rule.Kind] {
			continue
		}
		if textmatch.First(lower, rule.Keywords) == "" {
			continue
		}
		label := rule.Label
		if label == "" {
			label = string(rule.Kind)
		}
		out.Signals = append(out.Signals, model.Signal{Kind: rule.Kind, Label: label})
		emitted[rule.Kind] = true
	}

	if kw := textmatch.First(lower, e.rules.strong); kw != "" {
		out.Risk = model.RiskAssessment{
			Level:    model.RiskStrong,
			Matched:  kw,
			Cooldown: e.rules.levels.StrongCooldown,
		}
		if !emitted[model.SignalRiskLanguage] {
			out.Signals = append(out.Signals, model.Signal{Kind: model.SignalRiskLanguage, Label: "self_harm_language"})
		}
	} else if kw := textmatch.First(lower, e.rules.weak); kw != "" {
		out.Risk = model.RiskAssessment{
			Level:    model.RiskWeak,
			Matched:  kw,
			Cooldown: e.rules.levels.WeakCooldown,
		}
	}
	return out
}
