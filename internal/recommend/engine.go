// Package recommend ranks catalog modules against the current emotional
// state and pattern profile, and selects the single module to surface.
package recommend

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"time"

	"github.com/ashita-ai/kokoro/internal/model"
	"github.com/ashita-ai/kokoro/internal/modules"
)

// Config holds the engine thresholds.
type Config struct {
	// MinRelevance is the score the top candidate must reach; below it the
	// engine returns no recommendation at all.
	MinRelevance float64
	// InFlightTTL bounds how long a recommended, uncompleted module blocks
	// the introduction of another one. Zero disables expiry.
	InFlightTTL time.Duration
}

// DefaultConfig returns the production thresholds.
func DefaultConfig() Config {
	return Config{MinRelevance: 0.35, InFlightTTL: 24 * time.Hour}
}

// Engine scores modules. Safe for concurrent use.
type Engine struct {
	catalog *modules.Catalog
	cfg     Config
	logger  *slog.Logger
	onError func(*model.ConfigurationError)
}

// Option configures an Engine.
type Option func(*Engine)

// WithConfigErrorHook registers a callback invoked for every malformed
// trigger encountered while scoring.
func WithConfigErrorHook(fn func(*model.ConfigurationError)) Option {
	return func(e *Engine) { e.onError = fn }
}

// New creates an Engine over catalog.
func New(catalog *modules.Catalog, cfg Config, logger *slog.Logger, opts ...Option) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{catalog: catalog, cfg: cfg, logger: logger}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Config returns the engine thresholds.
func (e *Engine) Config() Config {
	return e.cfg
}

// Recommend returns every eligible module ranked by score, highest first.
// Completed modules are never included. When the best score falls below
// MinRelevance the result is empty, which is a normal outcome.
func (e *Engine) Recommend(conversationID string, in Input) []model.Recommendation {
	var ranked []model.Recommendation
	for _, def := range e.catalog.List() {
		if in.Status.Completed(def.ID) {
			continue
		}
		raw, reasons, err := Evaluate(def, in)
		if err != nil {
			var cfgErr *model.ConfigurationError
			if errors.As(err, &cfgErr) && e.onError != nil {
				e.onError(cfgErr)
			}
			e.logger.Warn("recommend: module disabled by malformed trigger",
				"conversation_id", conversationID,
				"module_id", def.ID,
				"error", err,
			)
			raw = 0
		}
		if raw <= 0 {
			continue
		}
		ranked = append(ranked, model.Recommendation{
			ModuleID: def.ID,
			Name:     def.Name,
			Icon:     def.Icon,
			Score:    raw * def.BasePriority,
			Priority: def.BasePriority,
			Reasons:  reasons,
		})
	}

	// Stable: equal scores keep catalog declaration order.
	slices.SortStableFunc(ranked, func(a, b model.Recommendation) int {
		switch {
		case a.Score > b.Score:
			return -1
		case a.Score < b.Score:
			return 1
		}
		return 0
	})

	if len(ranked) == 0 || ranked[0].Score < e.cfg.MinRelevance {
		return []model.Recommendation{}
	}
	return ranked
}

// Evaluate computes the raw trigger match in [0,1] for def and the reasons
// that contributed to it. A malformed trigger returns a ConfigurationError.
func Evaluate(def model.ModuleDefinition, in Input) (float64, []string, error) {
	if err := CheckTrigger(def); err != nil {
		return 0, nil, err
	}
	for _, req := range def.Trigger.Requires {
		f, _ := metricFunc(req.Metric)
		if f(in) < req.Min {
			return 0, nil, nil
		}
	}

	var sum, weights float64
	reasons := []string{}
	for _, term := range def.Trigger.Terms {
		f, _ := metricFunc(term.Metric)
		v := clamp01(f(in))
		sum += term.Weight * v
		weights += term.Weight
		if v > 0 {
			reasons = append(reasons, fmt.Sprintf("%s=%.2f", term.Metric, v))
		}
	}
	return clamp01(sum / weights), reasons, nil
}

// CheckTrigger validates the trigger of def without evaluating it.
func CheckTrigger(def model.ModuleDefinition) error {
	bad := func(reason string) error {
		return &model.ConfigurationError{Component: "trigger", Subject: def.ID, Reason: reason}
	}
	if len(def.Trigger.Terms) == 0 {
		return bad("no terms")
	}
	for _, term := range def.Trigger.Terms {
		if !KnownMetric(term.Metric) {
			return bad(fmt.Sprintf("unknown metric %q", term.Metric))
		}
		if math.IsNaN(term.Weight) || math.IsInf(term.Weight, 0) || term.Weight <= 0 {
			return bad(fmt.Sprintf("metric %s: weight %v must be positive and finite", term.Metric, term.Weight))
		}
	}
	for _, req := range def.Trigger.Requires {
		if !KnownMetric(req.Metric) {
			return bad(fmt.Sprintf("unknown required metric %q", req.Metric))
		}
		if math.IsNaN(req.Min) {
			return bad(fmt.Sprintf("required metric %s: min is NaN", req.Metric))
		}
	}
	return nil
}

// Select picks the one recommendation to surface this turn.
//
// While a module is in flight (recommended, not completed, within ttl) only
// an in-flight module may be surfaced, so the user never holds two open
// tasks. Otherwise the top candidate is introduced if allowNew permits it.
// allowNew is consulted only when a new module would actually be introduced.
func Select(ranked []model.Recommendation, status model.ModuleStatus, now time.Time, ttl time.Duration, allowNew func() bool) (model.Recommendation, bool) {
	if len(ranked) == 0 {
		return model.Recommendation{}, false
	}
	inFlight := modules.InFlight(status, now, ttl)
	if len(inFlight) > 0 {
		for _, r := range ranked {
			if slices.Contains(inFlight, r.ModuleID) {
				return r, true
			}
		}
		return model.Recommendation{}, false
	}
	if allowNew != nil && !allowNew() {
		return model.Recommendation{}, false
	}
	return ranked[0], true
}

func clamp01(v float64) float64 {
	switch {
	case math.IsNaN(v), v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
