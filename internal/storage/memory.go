package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/kokoro/internal/model"
)

// MemoryStore keeps encoded documents in process memory. Documents are
// stored as bytes so callers never share mutable state with the store.
type MemoryStore struct {
	mu       sync.Mutex
	docs     map[string][]byte
	scores   map[uuid.UUID][]byte
	byConv   map[string][]uuid.UUID
	now      func() time.Time
	isClosed bool
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		docs:   make(map[string][]byte),
		scores: make(map[uuid.UUID][]byte),
		byConv: make(map[string][]uuid.UUID),
		now:    time.Now,
	}
}

// Get returns the conversation, or ErrNotFound.
func (m *MemoryStore) Get(_ context.Context, id string) (*model.Conversation, error) {
	m.mu.Lock()
	data, ok := m.docs[id]
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("storage: conversation %s: %w", id, ErrNotFound)
	}
	return decodeConversation(id, data)
}

// Update applies fn under the store mutex.
func (m *MemoryStore) Update(ctx context.Context, id string, fn UpdateFunc) (*model.Conversation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var current *model.Conversation
	if data, ok := m.docs[id]; ok {
		c, err := decodeConversation(id, data)
		if err != nil {
			return nil, err
		}
		current = c
	}
	next, err := apply(id, current, fn, m.now().UTC())
	if err != nil {
		return nil, err
	}
	data, err := encodeConversation(next)
	if err != nil {
		return nil, err
	}
	m.docs[id] = data
	return next, nil
}

// SaveScore stores rec. Saving an existing id is a no-op.
func (m *MemoryStore) SaveScore(_ context.Context, rec model.ScoreRecord) error {
	data, err := encodeScore(rec)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.scores[rec.ID]; exists {
		return nil
	}
	m.scores[rec.ID] = data
	m.byConv[rec.ConversationID] = append(m.byConv[rec.ConversationID], rec.ID)
	return nil
}

// GetScore returns a score record, or ErrNotFound.
func (m *MemoryStore) GetScore(_ context.Context, id uuid.UUID) (model.ScoreRecord, error) {
	m.mu.Lock()
	data, ok := m.scores[id]
	m.mu.Unlock()
	if !ok {
		return model.ScoreRecord{}, fmt.Errorf("storage: score %s: %w", id, ErrNotFound)
	}
	return decodeScore(data)
}

// ListScores returns the records of a conversation in insertion order.
func (m *MemoryStore) ListScores(_ context.Context, conversationID string) ([]model.ScoreRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.ScoreRecord, 0, len(m.byConv[conversationID]))
	for _, id := range m.byConv[conversationID] {
		rec, err := decodeScore(m.scores[id])
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// Ping always succeeds unless the store is closed.
func (m *MemoryStore) Ping(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.isClosed {
		return fmt.Errorf("storage: memory store closed")
	}
	return nil
}

// Close marks the store closed.
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.isClosed = true
	return nil
}
