package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ashita-ai/kokoro/internal/model"
)

// PostgresStore keeps one JSONB document per conversation. Updates lock the
// row with SELECT ... FOR UPDATE inside a transaction.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
	now    func() time.Time
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, dsn string, maxConns int32, logger *slog.Logger) (*PostgresStore, error) {
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("storage: parse pool DSN: %w", err)
	}
	if maxConns > 0 {
		poolCfg.MaxConns = maxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("storage: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("storage: ping pool: %w", err)
	}
	return &PostgresStore{pool: pool, logger: logger, now: time.Now}, nil
}

// Pool returns the underlying connection pool.
func (s *PostgresStore) Pool() *pgxpool.Pool {
	return s.pool
}

// Get returns the conversation, or ErrNotFound.
func (s *PostgresStore) Get(ctx context.Context, id string) (*model.Conversation, error) {
	var doc []byte
	err := s.pool.QueryRow(ctx, `SELECT doc FROM conversations WHERE id = $1`, id).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("storage: conversation %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("storage: get conversation %s: %w", id, err)
	}
	return decodeConversation(id, doc)
}

// Update applies fn inside a transaction holding the row lock. Deadlocks and
// serialization failures are retried with backoff, re-running fn.
func (s *PostgresStore) Update(ctx context.Context, id string, fn UpdateFunc) (*model.Conversation, error) {
	var result *model.Conversation
	err := WithRetry(ctx, conflictRetries, conflictBaseDelay, func() error {
		c, err := s.updateOnce(ctx, id, fn)
		if err != nil {
			return err
		}
		result = c
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *PostgresStore) updateOnce(ctx context.Context, id string, fn UpdateFunc) (*model.Conversation, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("storage: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	now := s.now().UTC()
	var current *model.Conversation
	var doc []byte
	err = tx.QueryRow(ctx, `SELECT doc FROM conversations WHERE id = $1 FOR UPDATE`, id).Scan(&doc)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		// Claim the id first so a concurrent creator blocks on the row
		// instead of racing to insert.
		fresh, encErr := encodeConversation(model.NewConversation(id, now))
		if encErr != nil {
			return nil, encErr
		}
		tag, insErr := tx.Exec(ctx,
			`INSERT INTO conversations (id, doc, version, created_at, updated_at)
			 VALUES ($1, $2, 0, $3, $3) ON CONFLICT (id) DO NOTHING`, id, fresh, now)
		if insErr != nil {
			return nil, fmt.Errorf("storage: create conversation %s: %w", id, insErr)
		}
		if tag.RowsAffected() == 0 {
			// Lost the race: lock the winner's row and use it.
			if err := tx.QueryRow(ctx, `SELECT doc FROM conversations WHERE id = $1 FOR UPDATE`, id).Scan(&doc); err != nil {
				return nil, fmt.Errorf("storage: lock conversation %s: %w", id, err)
			}
			if current, err = decodeConversation(id, doc); err != nil {
				return nil, err
			}
		}
	case err != nil:
		return nil, fmt.Errorf("storage: lock conversation %s: %w", id, err)
	default:
		if current, err = decodeConversation(id, doc); err != nil {
			return nil, err
		}
	}

	next, err := apply(id, current, fn, now)
	if err != nil {
		return nil, err
	}
	data, err := encodeConversation(next)
	if err != nil {
		return nil, err
	}
	if _, err := tx.Exec(ctx,
		`UPDATE conversations SET doc = $2, version = $3, updated_at = $4 WHERE id = $1`,
		id, data, next.Version, next.UpdatedAt,
	); err != nil {
		return nil, fmt.Errorf("storage: write conversation %s: %w", id, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("storage: commit conversation %s: %w", id, err)
	}
	return next, nil
}

// SaveScore inserts rec. Re-inserting an existing id is a no-op.
func (s *PostgresStore) SaveScore(ctx context.Context, rec model.ScoreRecord) error {
	data, err := encodeScore(rec)
	if err != nil {
		return err
	}
	if _, err := s.pool.Exec(ctx,
		`INSERT INTO score_records (id, conversation_id, questionnaire_id, record, created_at)
		 VALUES ($1, $2, $3, $4, $5) ON CONFLICT (id) DO NOTHING`,
		rec.ID, rec.ConversationID, rec.QuestionnaireID, data, rec.CreatedAt,
	); err != nil {
		return fmt.Errorf("storage: save score %s: %w", rec.ID, err)
	}
	return nil
}

// GetScore returns a score record, or ErrNotFound.
func (s *PostgresStore) GetScore(ctx context.Context, id uuid.UUID) (model.ScoreRecord, error) {
	var data []byte
	err := s.pool.QueryRow(ctx, `SELECT record FROM score_records WHERE id = $1`, id).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.ScoreRecord{}, fmt.Errorf("storage: score %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return model.ScoreRecord{}, fmt.Errorf("storage: get score %s: %w", id, err)
	}
	return decodeScore(data)
}

// ListScores returns the records of a conversation, oldest first.
func (s *PostgresStore) ListScores(ctx context.Context, conversationID string) ([]model.ScoreRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT record FROM score_records WHERE conversation_id = $1 ORDER BY created_at, id`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("storage: list scores %s: %w", conversationID, err)
	}
	defer rows.Close()

	out := []model.ScoreRecord{}
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("storage: scan score: %w", err)
		}
		rec, err := decodeScore(data)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Ping checks connectivity to the database.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close shuts down the connection pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
