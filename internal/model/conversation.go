package model

import (
	"fmt"
	"time"
)

// Message is one user turn as retained in the rolling history window.
type Message struct {
	Turn      int       `json:"turn"`
	Text      string    `json:"text"`
	At        time.Time `json:"at"`
	RiskLevel RiskLevel `json:"risk_level"`
}

// Aggregates are counters that survive truncation of the rolling window.
// Label slices are distinct and kept in first-seen order.
type Aggregates struct {
	TotalTurns int      `json:"total_turns"`
	SelfLabels []string `json:"self_labels"`
	PartLabels []string `json:"part_labels"`
}

// AddLabel records an identity label. Returns true when it was new.
func (a *Aggregates) AddLabel(kind SignalKind, label string) bool {
	var set *[]string
	switch kind {
	case SignalSelf:
		set = &a.SelfLabels
	case SignalPart:
		set = &a.PartLabels
	default:
		return false
	}
	for _, l := range *set {
		if l == label {
			return false
		}
	}
	*set = append(*set, label)
	return true
}

// DistinctIdentityLabels is the number of distinct Self and Part labels seen.
func (a Aggregates) DistinctIdentityLabels() int {
	return len(a.SelfLabels) + len(a.PartLabels)
}

// GateTally is the deduplicated input to the gating controller, together
// with the sticky outputs it must remember between turns.
type GateTally struct {
	DistinctSelf   int  `json:"distinct_self"`
	DistinctParts  int  `json:"distinct_parts"`
	ReportUnlocked bool `json:"report_unlocked"`
	LastReminderK  int  `json:"last_reminder_k"`
	OptedOut       bool `json:"opted_out"`
}

// Gate holds the UI-facing booleans for one turn.
type Gate struct {
	ReportUnlocked bool `json:"report_unlocked"`
	ReminderDue    bool `json:"reminder_due"`
}

// Conversation is the keyed document persisted per conversation_id.
type Conversation struct {
	ID                string         `json:"id"`
	Messages          []Message      `json:"messages"`
	SignalLog         []Signal       `json:"signal_log"`
	Aggregates        Aggregates     `json:"aggregates"`
	State             EmotionalState `json:"state"`
	Patterns          PatternProfile `json:"patterns"`
	ModuleStatus      ModuleStatus   `json:"module_status"`
	Gate              GateTally      `json:"gate"`
	RiskCooldownUntil *time.Time     `json:"risk_cooldown_until,omitempty"`
	Version           int64          `json:"version"`
	CreatedAt         time.Time      `json:"created_at"`
	UpdatedAt         time.Time      `json:"updated_at"`
}

// NewConversation returns an empty document for id.
func NewConversation(id string, now time.Time) *Conversation {
	return &Conversation{
		ID:           id,
		Messages:     []Message{},
		SignalLog:    []Signal{},
		Aggregates:   Aggregates{SelfLabels: []string{}, PartLabels: []string{}},
		Patterns:     InsufficientProfile(0),
		ModuleStatus: ModuleStatus{},
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// Validate checks the invariants a stored document must satisfy. A document
// that fails is corrupt; callers fail fast rather than repair it.
func (c *Conversation) Validate() error {
	if c.ID == "" {
		return fmt.Errorf("%w: empty conversation id", ErrCorruptState)
	}
	if c.Aggregates.TotalTurns < len(c.Messages) {
		return fmt.Errorf("%w: total_turns %d below retained messages %d",
			ErrCorruptState, c.Aggregates.TotalTurns, len(c.Messages))
	}
	for id, p := range c.ModuleStatus {
		if p.CompletedAt == nil {
			continue
		}
		if p.RecommendedAt == nil {
			return fmt.Errorf("%w: module %s completed without recommendation", ErrCorruptState, id)
		}
		if p.CompletedAt.Before(*p.RecommendedAt) {
			return fmt.Errorf("%w: module %s completed before recommendation", ErrCorruptState, id)
		}
	}
	for i, s := range c.SignalLog {
		if !s.Kind.Valid() {
			return fmt.Errorf("%w: signal %d has unknown kind %q", ErrCorruptState, i, s.Kind)
		}
	}
	return nil
}

// Normalize replaces nil collections decoded from storage with empty ones.
func (c *Conversation) Normalize() {
	if c.Messages == nil {
		c.Messages = []Message{}
	}
	if c.SignalLog == nil {
		c.SignalLog = []Signal{}
	}
	if c.ModuleStatus == nil {
		c.ModuleStatus = ModuleStatus{}
	}
	if c.Aggregates.SelfLabels == nil {
		c.Aggregates.SelfLabels = []string{}
	}
	if c.Aggregates.PartLabels == nil {
		c.Aggregates.PartLabels = []string{}
	}
}
