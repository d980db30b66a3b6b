package model

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidTransition is returned when a module status change violates
	// the null → recommended → completed order. It signals a caller-side
	// protocol violation and is never swallowed.
	ErrInvalidTransition = errors.New("invalid module transition")

	// ErrUnknownModule is returned for a module id absent from the catalog.
	ErrUnknownModule = errors.New("unknown module")

	// ErrUnknownQuestionnaire is returned for a questionnaire id absent from the catalog.
	ErrUnknownQuestionnaire = errors.New("unknown questionnaire")

	// ErrInvalidAnswers is returned when a submission does not fit its questionnaire.
	ErrInvalidAnswers = errors.New("invalid answers")

	// ErrInvalidInput is returned for a request the engine cannot act on,
	// such as an empty conversation id.
	ErrInvalidInput = errors.New("invalid input")

	// ErrCorruptState is returned when a stored conversation cannot be decoded
	// or violates its invariants.
	ErrCorruptState = errors.New("corrupt conversation state")
)

// ConfigurationError marks a malformed catalog entry (trigger condition,
// scoring formula). It degrades only the affected module or field.
type ConfigurationError struct {
	Component string // "trigger", "formula"
	Subject   string // module or questionnaire id
	Reason    string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration error: %s %s: %s", e.Component, e.Subject, e.Reason)
}
