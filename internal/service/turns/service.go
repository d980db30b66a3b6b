// Package turns provides the business logic shared by the HTTP API and the
// MCP server: processing a user turn, the module lifecycle, and
// questionnaire submission.
//
// Every write to a conversation happens under the conversation's key lock
// and inside one atomic store update, so a conversation has a single writer
// at a time while different conversations proceed in parallel.
package turns

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ashita-ai/kokoro/internal/catalog"
	"github.com/ashita-ai/kokoro/internal/gate"
	"github.com/ashita-ai/kokoro/internal/keylock"
	"github.com/ashita-ai/kokoro/internal/model"
	"github.com/ashita-ai/kokoro/internal/modules"
	"github.com/ashita-ai/kokoro/internal/ratelimit"
	"github.com/ashita-ai/kokoro/internal/recommend"
	"github.com/ashita-ai/kokoro/internal/scoring"
	"github.com/ashita-ai/kokoro/internal/signals"
	"github.com/ashita-ai/kokoro/internal/state"
	"github.com/ashita-ai/kokoro/internal/storage"
	"github.com/ashita-ai/kokoro/internal/telemetry"
)

// Config tunes the service.
type Config struct {
	// HistoryWindow is the number of most recent turns whose messages and
	// signals are retained in the conversation document.
	HistoryWindow int
	// MinRelevance is the recommendation threshold.
	MinRelevance float64
	// InFlightTTL bounds how long an uncompleted recommendation blocks a new one.
	InFlightTTL time.Duration
	// BatchLimit bounds the conversations ProcessBatch works on at once.
	BatchLimit int
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	rc := recommend.DefaultConfig()
	return Config{
		HistoryWindow: 50,
		MinRelevance:  rc.MinRelevance,
		InFlightTTL:   rc.InFlightTTL,
		BatchLimit:    8,
	}
}

// errNoChange aborts a store update without writing anything.
var errNoChange = errors.New("turns: no change")

// Service orchestrates the engine components over a conversation store.
type Service struct {
	store       storage.Store
	catalog     *catalog.Catalog
	extractor   *signals.Extractor
	aggregator  *state.Aggregator
	recommender *recommend.Engine
	scorer      *scoring.Engine
	limiter     ratelimit.Limiter
	locks       *keylock.Locker
	cfg         Config
	logger      *slog.Logger
	now         func() time.Time

	tracer  trace.Tracer
	metrics *telemetry.Instruments
}

// New creates a Service. limiter may be nil, which disables pacing.
func New(store storage.Store, cat *catalog.Catalog, limiter ratelimit.Limiter, cfg Config, logger *slog.Logger) (*Service, error) {
	if cfg.HistoryWindow <= 0 {
		return nil, fmt.Errorf("turns: history window must be positive, got %d", cfg.HistoryWindow)
	}
	if cfg.BatchLimit <= 0 {
		cfg.BatchLimit = DefaultConfig().BatchLimit
	}
	if limiter == nil {
		limiter = ratelimit.NoopLimiter{}
	}
	if logger == nil {
		logger = slog.Default()
	}

	metrics, err := telemetry.NewInstruments(telemetry.Meter("kokoro/turns"))
	if err != nil {
		return nil, fmt.Errorf("turns: %w", err)
	}

	s := &Service{
		store:   store,
		catalog: cat,
		limiter: limiter,
		locks:   keylock.New(),
		cfg:     cfg,
		logger:  logger,
		now:     time.Now,
		tracer:  telemetry.Tracer("kokoro/turns"),
		metrics: metrics,
	}

	if s.extractor, err = signals.New(cat.Signals); err != nil {
		return nil, fmt.Errorf("turns: %w", err)
	}
	if s.aggregator, err = state.New(cat.State, logger); err != nil {
		return nil, fmt.Errorf("turns: %w", err)
	}
	s.recommender = recommend.New(cat.ModuleCatalog(),
		recommend.Config{MinRelevance: cfg.MinRelevance, InFlightTTL: cfg.InFlightTTL},
		logger, recommend.WithConfigErrorHook(s.recordConfigError))
	s.scorer = scoring.New(logger, scoring.WithConfigErrorHook(s.recordConfigError))
	return s, nil
}

func (s *Service) recordConfigError(e *model.ConfigurationError) {
	s.metrics.ConfigError(context.Background(), e.Component, e.Subject)
}

// Catalog returns the catalog the service was built from.
func (s *Service) Catalog() *catalog.Catalog {
	return s.catalog
}

// RiskResult is the risk outcome of one turn.
type RiskResult struct {
	Level         model.RiskLevel `json:"level"`
	Matched       string          `json:"matched,omitempty"`
	Cooldown      time.Duration   `json:"cooldown"`
	CooldownUntil *time.Time      `json:"cooldown_until,omitempty"`
	AlertDue      bool            `json:"alert_due"`
}

// TurnResult is everything a consumer needs after one user turn.
type TurnResult struct {
	ConversationID  string                 `json:"conversation_id"`
	Turn            int                    `json:"turn"`
	Signals         []model.Signal         `json:"signals"`
	Risk            RiskResult             `json:"risk"`
	State           model.EmotionalState   `json:"state"`
	Patterns        model.PatternProfile   `json:"patterns"`
	Recommendations []model.Recommendation `json:"recommendations"`
	Surfaced        *model.Recommendation  `json:"surfaced,omitempty"`
	Gate            model.Gate             `json:"gate"`
}

func validateID(id string) error {
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("turns: %w: conversation id is required", model.ErrInvalidInput)
	}
	return nil
}

// ProcessTurn ingests one user message. A zero at means now.
func (s *Service) ProcessTurn(ctx context.Context, conversationID, text string, at time.Time) (TurnResult, error) {
	if err := validateID(conversationID); err != nil {
		return TurnResult{}, err
	}
	if len(text) > model.MaxMessageLen {
		return TurnResult{}, fmt.Errorf("turns: %w: message exceeds %d bytes", model.ErrInvalidInput, model.MaxMessageLen)
	}
	if at.IsZero() {
		at = s.now()
	}
	at = at.UTC()

	ctx, span := s.tracer.Start(ctx, "turns.ProcessTurn",
		trace.WithAttributes(attribute.String("kokoro.conversation_id", conversationID)))
	defer span.End()
	start := time.Now()
	defer func() {
		s.metrics.TurnProcessed(ctx, time.Since(start))
	}()

	unlock, err := s.locks.Lock(ctx, conversationID)
	if err != nil {
		return TurnResult{}, fmt.Errorf("turns: lock %s: %w", conversationID, err)
	}
	defer unlock()

	extraction := s.extractor.Analyze(text)
	allowNew := ratelimit.Lazy(ctx, s.limiter, "conv:"+conversationID, s.logger)

	var result TurnResult
	_, err = s.store.Update(ctx, conversationID, func(c *model.Conversation) error {
		result = s.applyTurn(c, text, at, extraction, allowNew)
		return nil
	})
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return TurnResult{}, fmt.Errorf("turns: process turn %s: %w", conversationID, err)
	}

	span.SetAttributes(
		attribute.Int("kokoro.turn", result.Turn),
		attribute.String("kokoro.risk_level", string(result.Risk.Level)),
	)
	if result.Surfaced != nil {
		s.metrics.ModuleSurfaced(ctx, result.Surfaced.ModuleID)
	}
	if result.Risk.AlertDue {
		s.metrics.RiskAlert(ctx, string(result.Risk.Level))
		s.logger.Warn("turns: risk alert",
			"conversation_id", conversationID, "turn", result.Turn, "level", result.Risk.Level)
	}
	return result, nil
}

// applyTurn mutates c for one message and returns the turn outcome. It is
// deterministic in its inputs so store retries reproduce the same result.
func (s *Service) applyTurn(c *model.Conversation, text string, at time.Time, ex model.Extraction, allowNew func() bool) TurnResult {
	turn := c.Aggregates.TotalTurns + 1
	stamped := make([]model.Signal, len(ex.Signals))
	for i, sig := range ex.Signals {
		sig.Turn = turn
		sig.DetectedAt = at
		stamped[i] = sig
		c.Aggregates.AddLabel(sig.Kind, sig.Label)
	}
	c.Aggregates.TotalTurns = turn
	c.Messages = append(c.Messages, model.Message{Turn: turn, Text: text, At: at, RiskLevel: ex.Risk.Level})
	c.SignalLog = append(c.SignalLog, stamped...)
	s.truncate(c, turn)

	h := state.History{Messages: c.Messages, Signals: c.SignalLog, Aggregates: c.Aggregates}
	c.State = s.aggregator.Update(c.ID, h, at)
	c.Patterns = s.aggregator.ClassifyPatterns(c.ID, h)

	risk := s.assessRisk(c, ex.Risk, at)

	ranked := s.recommender.Recommend(c.ID, recommend.Input{
		State:    c.State,
		Patterns: c.Patterns,
		Status:   c.ModuleStatus,
		Risk:     ex.Risk.Level,
	})
	var surfaced *model.Recommendation
	if pick, ok := recommend.Select(ranked, c.ModuleStatus, at, s.cfg.InFlightTTL, allowNew); ok {
		modules.MarkRecommended(c.ModuleStatus, pick.ModuleID, at)
		surfaced = &pick
	}

	g, tally := gate.Evaluate(gate.TallyFrom(c.Aggregates, c.Gate))
	c.Gate = tally

	return TurnResult{
		ConversationID:  c.ID,
		Turn:            turn,
		Signals:         stamped,
		Risk:            risk,
		State:           c.State,
		Patterns:        c.Patterns,
		Recommendations: ranked,
		Surfaced:        surfaced,
		Gate:            g,
	}
}

// truncate drops messages and signals older than the history window.
func (s *Service) truncate(c *model.Conversation, turn int) {
	oldest := turn - s.cfg.HistoryWindow + 1
	if oldest <= 1 {
		return
	}
	i := 0
	for i < len(c.Messages) && c.Messages[i].Turn < oldest {
		i++
	}
	c.Messages = append([]model.Message{}, c.Messages[i:]...)
	j := 0
	for j < len(c.SignalLog) && c.SignalLog[j].Turn < oldest {
		j++
	}
	c.SignalLog = append([]model.Signal{}, c.SignalLog[j:]...)
}

// assessRisk applies the cooldown policy. An alert is due when the message
// carries risk and no cooldown is active, or when it escalates to strong
// while only a weak cooldown is running. Raising an alert starts the
// cooldown for the message's level.
func (s *Service) assessRisk(c *model.Conversation, ra model.RiskAssessment, at time.Time) RiskResult {
	res := RiskResult{Level: ra.Level, Matched: ra.Matched, Cooldown: ra.Cooldown, CooldownUntil: c.RiskCooldownUntil}
	if ra.Level == model.RiskNone {
		return res
	}

	active := c.RiskCooldownUntil != nil && at.Before(*c.RiskCooldownUntil)
	due := !active
	if active && ra.Level == model.RiskStrong && !s.strongCooldownActive(c, at) {
		due = true
	}
	if !due {
		return res
	}

	until := at.Add(ra.Cooldown)
	if c.RiskCooldownUntil != nil && c.RiskCooldownUntil.After(until) {
		until = *c.RiskCooldownUntil
	}
	c.RiskCooldownUntil = &until
	res.CooldownUntil = &until
	res.AlertDue = true
	return res
}

// strongCooldownActive reports whether an earlier strong message is still
// inside its cooldown at time at.
func (s *Service) strongCooldownActive(c *model.Conversation, at time.Time) bool {
	cooldown := s.catalog.Signals.Levels.StrongCooldown
	current := c.Aggregates.TotalTurns
	for _, m := range c.Messages {
		if m.Turn == current || m.RiskLevel != model.RiskStrong {
			continue
		}
		if at.Before(m.At.Add(cooldown)) {
			return true
		}
	}
	return false
}
