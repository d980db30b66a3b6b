package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/ashita-ai/kokoro/internal/model"
)

// RedisStore keeps each conversation as a JSON value. Updates use optimistic
// locking: WATCH the key, read, write inside MULTI/EXEC, and retry when
// another writer got there first.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
	logger *slog.Logger
	now    func() time.Time
}

// NewRedisStore wraps client. A ttl of zero keeps documents forever;
// otherwise each write refreshes the expiry. The store owns the client and
// closes it on Close.
func NewRedisStore(client *redis.Client, ttl time.Duration, logger *slog.Logger) *RedisStore {
	return &RedisStore{client: client, ttl: ttl, logger: logger, now: time.Now}
}

func conversationKey(id string) string       { return "kokoro:conv:" + id }
func scoreKey(id uuid.UUID) string            { return "kokoro:score:" + id.String() }
func conversationScoresKey(id string) string { return "kokoro:conv-scores:" + id }

// Get returns the conversation, or ErrNotFound.
func (s *RedisStore) Get(ctx context.Context, id string) (*model.Conversation, error) {
	data, err := s.client.Get(ctx, conversationKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("storage: conversation %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("storage: get conversation %s: %w", id, err)
	}
	return decodeConversation(id, data)
}

// Update applies fn under WATCH, retrying on concurrent modification.
func (s *RedisStore) Update(ctx context.Context, id string, fn UpdateFunc) (*model.Conversation, error) {
	key := conversationKey(id)
	var result *model.Conversation
	txf := func(tx *redis.Tx) error {
		var current *model.Conversation
		data, err := tx.Get(ctx, key).Bytes()
		switch {
		case errors.Is(err, redis.Nil):
		case err != nil:
			return fmt.Errorf("storage: read conversation %s: %w", id, err)
		default:
			if current, err = decodeConversation(id, data); err != nil {
				return err
			}
		}

		next, err := apply(id, current, fn, s.now().UTC())
		if err != nil {
			return err
		}
		out, err := encodeConversation(next)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Set(ctx, key, out, s.ttl)
			return nil
		})
		if err != nil {
			return err
		}
		result = next
		return nil
	}

	err := retry(ctx, conflictRetries, conflictBaseDelay, isRedisRetriable, func() error {
		return s.client.Watch(ctx, txf, key)
	})
	if errors.Is(err, redis.TxFailedErr) {
		s.logger.Warn("storage: redis update kept conflicting", "conversation_id", id)
		return nil, fmt.Errorf("storage: update conversation %s: %w", id, err)
	}
	if err != nil {
		return nil, err
	}
	return result, nil
}

// SaveScore stores rec and indexes it under its conversation. Re-saving an
// existing id is a no-op.
func (s *RedisStore) SaveScore(ctx context.Context, rec model.ScoreRecord) error {
	data, err := encodeScore(rec)
	if err != nil {
		return err
	}
	created, err := s.client.SetNX(ctx, scoreKey(rec.ID), data, 0).Result()
	if err != nil {
		return fmt.Errorf("storage: save score %s: %w", rec.ID, err)
	}
	if !created {
		return nil
	}
	if err := s.client.RPush(ctx, conversationScoresKey(rec.ConversationID), rec.ID.String()).Err(); err != nil {
		return fmt.Errorf("storage: index score %s: %w", rec.ID, err)
	}
	return nil
}

// GetScore returns a score record, or ErrNotFound.
func (s *RedisStore) GetScore(ctx context.Context, id uuid.UUID) (model.ScoreRecord, error) {
	data, err := s.client.Get(ctx, scoreKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return model.ScoreRecord{}, fmt.Errorf("storage: score %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return model.ScoreRecord{}, fmt.Errorf("storage: get score %s: %w", id, err)
	}
	return decodeScore(data)
}

// ListScores returns the records of a conversation in insertion order.
func (s *RedisStore) ListScores(ctx context.Context, conversationID string) ([]model.ScoreRecord, error) {
	ids, err := s.client.LRange(ctx, conversationScoresKey(conversationID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("storage: list scores %s: %w", conversationID, err)
	}
	out := make([]model.ScoreRecord, 0, len(ids))
	for _, raw := range ids {
		id, err := uuid.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("storage: list scores %s: %w: bad id %q", conversationID, model.ErrCorruptState, raw)
		}
		rec, err := s.GetScore(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// Ping checks connectivity.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
