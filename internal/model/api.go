package model

import (
	"fmt"
	"strings"
	"time"
)

// MaxMessageLen bounds a single inbound message. Longer text is rejected
// before it reaches the extractor.
const MaxMessageLen = 16 * 1024

// APIResponse is the standard response envelope for all HTTP API responses.
type APIResponse struct {
	Data any          `json:"data,omitempty"`
	Meta ResponseMeta `json:"meta"`
}

// APIError is the standard error response envelope.
type APIError struct {
	Error ErrorDetail  `json:"error"`
	Meta  ResponseMeta `json:"meta"`
}

// ResponseMeta contains request metadata included in every response.
type ResponseMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorDetail describes an API error.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// ErrorCode constants for standard API error codes.
const (
	ErrCodeInvalidInput  = "INVALID_INPUT"
	ErrCodeNotFound      = "NOT_FOUND"
	ErrCodeConflict      = "CONFLICT"
	ErrCodeRateLimited   = "RATE_LIMITED"
	ErrCodeInternalError = "INTERNAL_ERROR"
)

// TurnRequest is the request body for POST /v1/turns.
type TurnRequest struct {
	ConversationID string     `json:"conversation_id"`
	Text           string     `json:"text"`
	Timestamp      *time.Time `json:"timestamp,omitempty"`
}

// Validate checks field presence and length limits.
func (r TurnRequest) Validate() error {
	if strings.TrimSpace(r.ConversationID) == "" {
		return fmt.Errorf("conversation_id is required")
	}
	if len(r.Text) > MaxMessageLen {
		return fmt.Errorf("text exceeds maximum length of %d bytes", MaxMessageLen)
	}
	return nil
}

// MaxBatchTurns bounds the number of turns in one batch request.
const MaxBatchTurns = 100

// BatchTurnRequest is the request body for POST /v1/turns/batch.
type BatchTurnRequest struct {
	Turns []TurnRequest `json:"turns"`
}

// Validate checks the batch size and every turn.
func (r BatchTurnRequest) Validate() error {
	if len(r.Turns) == 0 {
		return fmt.Errorf("turns must not be empty")
	}
	if len(r.Turns) > MaxBatchTurns {
		return fmt.Errorf("turns exceeds maximum of %d", MaxBatchTurns)
	}
	for i, t := range r.Turns {
		if err := t.Validate(); err != nil {
			return fmt.Errorf("turns[%d]: %w", i, err)
		}
	}
	return nil
}

// CompleteModuleRequest is the request body for the module completion endpoint.
type CompleteModuleRequest struct {
	CompletionData map[string]any `json:"completion_data"`
}

// SubmitQuestionnaireRequest is the request body for questionnaire submission.
type SubmitQuestionnaireRequest struct {
	ConversationID string  `json:"conversation_id,omitempty"`
	Answers        Answers `json:"answers"`
}

// ReminderOptOutRequest is the request body for the reminder preference endpoint.
type ReminderOptOutRequest struct {
	OptedOut bool `json:"opted_out"`
}

// HealthResponse is the response for GET /health.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Store   string `json:"store"`
	Uptime  int64  `json:"uptime_seconds"`
}
