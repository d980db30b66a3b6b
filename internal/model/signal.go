package model

import (
	"strings"
	"time"
)

// SignalKind enumerates the typed events the extractor can emit.
type SignalKind string

const (
	SignalSelf          SignalKind = "self"
	SignalPart          SignalKind = "part"
	SignalRiskBody      SignalKind = "risk_body"
	SignalRiskEmotion   SignalKind = "risk_emotion"
	SignalRiskCognition SignalKind = "risk_cognition"
	SignalRiskBehavior  SignalKind = "risk_behavior"
	SignalRiskLanguage  SignalKind = "risk_language"
)

// IsRisk reports whether the kind is one of the five risk categories.
func (k SignalKind) IsRisk() bool {
	return strings.HasPrefix(string(k), "risk_")
}

// IsIdentity reports whether the kind is a Self or Part label.
func (k SignalKind) IsIdentity() bool {
	return k == SignalSelf || k == SignalPart
}

// Valid reports whether k is a known kind.
func (k SignalKind) Valid() bool {
	switch k {
	case SignalSelf, SignalPart, SignalRiskBody, SignalRiskEmotion,
		SignalRiskCognition, SignalRiskBehavior, SignalRiskLanguage:
		return true
	}
	return false
}

// Signal is one detected event extracted from a user message. Signals are
// appended to a conversation's log and never mutated afterwards.
type Signal struct {
	Kind       SignalKind `json:"kind"`
	Label      string     `json:"label"`
	Turn       int        `json:"turn"`
	DetectedAt time.Time  `json:"detected_at"`
}

// RiskLevel is the message-level risk classification.
type RiskLevel string

const (
	RiskNone   RiskLevel = "none"
	RiskWeak   RiskLevel = "weak"
	RiskStrong RiskLevel = "strong"
)

// RiskAssessment is the message-level risk verdict attached to an extraction.
type RiskAssessment struct {
	Level    RiskLevel     `json:"level"`
	Matched  string        `json:"matched,omitempty"`
	Cooldown time.Duration `json:"cooldown"`
}

// Extraction is the full output of analysing one message.
type Extraction struct {
	Signals []Signal       `json:"signals"`
	Risk    RiskAssessment `json:"risk"`
}
