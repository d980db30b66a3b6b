// Package state derives the emotional state and pattern profile of a
// conversation from its signal log and message history.
//
// Both outputs are recomputed from scratch on every turn. Nothing is
// patched incrementally, so a partial update can never leave the state
// drifting away from what the log implies.
package state

import (
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/ashita-ai/kokoro/internal/model"
	"github.com/ashita-ai/kokoro/internal/textmatch"
)

// History is the input to the aggregator: the retained window of messages
// and signals plus the counters that survive truncation.
type History struct {
	Messages   []model.Message
	Signals    []model.Signal
	Aggregates model.Aggregates
}

// latestTurn is the 1-based index of the most recent user turn.
func (h History) latestTurn() int {
	return h.Aggregates.TotalTurns
}

func (h History) message(turn int) (model.Message, bool) {
	for i := len(h.Messages) - 1; i >= 0; i-- {
		if h.Messages[i].Turn == turn {
			return h.Messages[i], true
		}
		if h.Messages[i].Turn < turn {
			break
		}
	}
	return model.Message{}, false
}

// Aggregator computes EmotionalState and PatternProfile. Safe for concurrent use.
type Aggregator struct {
	cfg    Config
	hedges []string
	logger *slog.Logger
}

// New creates an Aggregator. Unset tunables take their defaults.
func New(cfg Config, logger *slog.Logger) (*Aggregator, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Aggregator{cfg: cfg, hedges: lowerAll(cfg.HedgeMarkers), logger: logger}, nil
}

// Config returns the effective configuration.
func (a *Aggregator) Config() Config {
	return a.cfg
}

// Update recomputes the emotional state as of the latest turn in h.
func (a *Aggregator) Update(conversationID string, h History, at time.Time) model.EmotionalState {
	latest := h.latestTurn()
	st := model.EmotionalState{
		Intensity: a.intensityAt(h, latest),
		Clarity:   a.clarity(h, latest),
		Depth:     a.depth(h.Aggregates),
		UpdatedAt: at,
	}
	a.logger.Debug("state: updated",
		"conversation_id", conversationID,
		"turn", latest,
		"intensity", st.Intensity,
		"clarity", st.Clarity,
		"depth", st.Depth,
	)
	return st
}

// intensityAt is the decayed risk density over the K turns ending at turn.
// Each turn contributes its distinct risk categories (saturating), weighted
// by 0.5^(age/half-life). A strong risk flag imposes a floor that decays
// the same way, so an old spike does not keep intensity elevated.
func (a *Aggregator) intensityAt(h History, turn int) float64 {
	if turn <= 0 {
		return 0
	}
	first := max(turn-a.cfg.Window+1, 1)

	categories := make(map[int]map[model.SignalKind]bool)
	for _, s := range h.Signals {
		if !s.Kind.IsRisk() || s.Turn < first || s.Turn > turn {
			continue
		}
		if categories[s.Turn] == nil {
			categories[s.Turn] = make(map[model.SignalKind]bool)
		}
		categories[s.Turn][s.Kind] = true
	}

	var weighted, weights, floor float64
	for t := first; t <= turn; t++ {
		w := a.decay(turn - t)
		density := math.Min(float64(len(categories[t])), float64(a.cfg.RiskSaturation)) / float64(a.cfg.RiskSaturation)
		weighted += w * density
		weights += w
		if m, ok := h.message(t); ok && m.RiskLevel == model.RiskStrong {
			floor = math.Max(floor, *a.cfg.StrongFloor*w)
		}
	}
	intensity := 0.0
	if weights > 0 {
		intensity = weighted / weights
	}
	return clamp01(math.Max(intensity, floor))
}

func (a *Aggregator) decay(age int) float64 {
	return math.Pow(0.5, float64(age)/a.cfg.HalfLifeTurns)
}

// clarity falls with hedging markers in the latest message and is offset
// upward when the same turn named a distinct identity label.
func (a *Aggregator) clarity(h History, turn int) float64 {
	text := ""
	if m, ok := h.message(turn); ok {
		text = strings.ToLower(m.Text)
	}
	hedges := 0
	for _, marker := range a.hedges {
		hedges += textmatch.Count(text, marker)
	}
	c := a.cfg.ClarityBase / (1 + a.cfg.ClarityHedgePenalty*float64(hedges))
	for _, s := range h.Signals {
		if s.Turn == turn && s.Kind.IsIdentity() {
			c += *a.cfg.ClarityIdentityBonus
			break
		}
	}
	return clamp01(c)
}

// depth saturates toward 1 as turns and distinct identity labels grow.
// Both inputs only ever increase, so depth never decreases.
func (a *Aggregator) depth(agg model.Aggregates) float64 {
	x := a.cfg.DepthTurnRate*float64(agg.TotalTurns) + a.cfg.DepthLabelRate*float64(agg.DistinctIdentityLabels())
	return clamp01(1 - math.Exp(-x))
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

func lowerAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		s = strings.ToLower(strings.TrimSpace(s))
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}
