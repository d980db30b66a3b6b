// Package storage persists conversation documents and questionnaire score
// records.
//
// Every backend offers the same atomic read-modify-write per conversation:
// Update loads the document, hands it to a callback, and writes it back only
// if the callback succeeds. Backends: in-memory, PostgreSQL (pgx), SQLite
// (modernc) and Redis.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/kokoro/internal/model"
)

// ErrNotFound is returned when a conversation or score record is absent.
// Update never returns it: a missing conversation is created.
var ErrNotFound = errors.New("storage: not found")

// UpdateFunc mutates a conversation in place. Returning an error aborts the
// update and nothing is written. It may run more than once when a backend
// retries after a write conflict, so it must not have side effects outside
// the document other than idempotent ones.
type UpdateFunc func(c *model.Conversation) error

// Store is the keyed document store.
type Store interface {
	// Get returns the conversation, or ErrNotFound.
	Get(ctx context.Context, id string) (*model.Conversation, error)
	// Update applies fn atomically to the conversation, creating an empty
	// one first if it does not exist. Returns the document as written.
	Update(ctx context.Context, id string, fn UpdateFunc) (*model.Conversation, error)
	// SaveScore persists a score record. Records are immutable.
	SaveScore(ctx context.Context, rec model.ScoreRecord) error
	// GetScore returns a score record, or ErrNotFound.
	GetScore(ctx context.Context, id uuid.UUID) (model.ScoreRecord, error)
	// ListScores returns the records of a conversation, oldest first.
	ListScores(ctx context.Context, conversationID string) ([]model.ScoreRecord, error)
	// Ping checks connectivity.
	Ping(ctx context.Context) error
	// Close releases backend resources.
	Close() error
}

// encodeConversation serializes a document for storage.
func encodeConversation(c *model.Conversation) ([]byte, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("storage: encode conversation %s: %w", c.ID, err)
	}
	return data, nil
}

// decodeConversation parses and checks a stored document. Anything that
// does not decode or violates the document invariants is ErrCorruptState.
func decodeConversation(id string, data []byte) (*model.Conversation, error) {
	var c model.Conversation
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("storage: decode conversation %s: %w: %v", id, model.ErrCorruptState, err)
	}
	if c.ID != id {
		return nil, fmt.Errorf("storage: conversation %s: %w: stored id %q", id, model.ErrCorruptState, c.ID)
	}
	c.Normalize()
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("storage: conversation %s: %w", id, err)
	}
	return &c, nil
}

// apply runs fn against current (or a fresh document) and stamps the result.
func apply(id string, current *model.Conversation, fn UpdateFunc, now time.Time) (*model.Conversation, error) {
	c := current
	if c == nil {
		c = model.NewConversation(id, now)
	}
	if err := fn(c); err != nil {
		return nil, err
	}
	c.Version++
	c.UpdatedAt = now
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("storage: conversation %s: refusing to write: %w", id, err)
	}
	return c, nil
}

func encodeScore(rec model.ScoreRecord) ([]byte, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("storage: encode score %s: %w", rec.ID, err)
	}
	return data, nil
}

func decodeScore(data []byte) (model.ScoreRecord, error) {
	var rec model.ScoreRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return model.ScoreRecord{}, fmt.Errorf("storage: decode score: %w: %v", model.ErrCorruptState, err)
	}
	return rec, nil
}
