package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/ashita-ai/kokoro/internal/model"
)

// SQLiteStore keeps conversation documents in a single SQLite file. Write
// transactions start with BEGIN IMMEDIATE, taking the database write lock
// up front so two updaters never both read before either writes.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
	now    func() time.Time
}

// OpenSQLite opens (or creates) the database at path.
func OpenSQLite(ctx context.Context, path string, logger *slog.Logger) (*SQLiteStore, error) {
	dsn := "file:" + path + "?_txlock=immediate&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("storage: open sqlite %s: %w", path, err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("storage: ping sqlite %s: %w", path, err)
	}
	return &SQLiteStore{db: db, logger: logger, now: time.Now}, nil
}

// Get returns the conversation, or ErrNotFound.
func (s *SQLiteStore) Get(ctx context.Context, id string) (*model.Conversation, error) {
	var doc string
	err := s.db.QueryRowContext(ctx, `SELECT doc FROM conversations WHERE id = ?`, id).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("storage: conversation %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("storage: get conversation %s: %w", id, err)
	}
	return decodeConversation(id, []byte(doc))
}

// Update applies fn inside an immediate transaction.
func (s *SQLiteStore) Update(ctx context.Context, id string, fn UpdateFunc) (*model.Conversation, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("storage: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var current *model.Conversation
	var doc string
	err = tx.QueryRowContext(ctx, `SELECT doc FROM conversations WHERE id = ?`, id).Scan(&doc)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return nil, fmt.Errorf("storage: read conversation %s: %w", id, err)
	default:
		if current, err = decodeConversation(id, []byte(doc)); err != nil {
			return nil, err
		}
	}

	next, err := apply(id, current, fn, s.now().UTC())
	if err != nil {
		return nil, err
	}
	data, err := encodeConversation(next)
	if err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO conversations (id, doc, version, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET doc = excluded.doc, version = excluded.version, updated_at = excluded.updated_at`,
		id, string(data), next.Version, next.CreatedAt.Format(time.RFC3339Nano), next.UpdatedAt.Format(time.RFC3339Nano),
	); err != nil {
		return nil, fmt.Errorf("storage: write conversation %s: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("storage: commit conversation %s: %w", id, err)
	}
	return next, nil
}

// SaveScore inserts rec. Re-inserting an existing id is a no-op.
func (s *SQLiteStore) SaveScore(ctx context.Context, rec model.ScoreRecord) error {
	data, err := encodeScore(rec)
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO score_records (id, conversation_id, questionnaire_id, record, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		rec.ID.String(), rec.ConversationID, rec.QuestionnaireID, string(data), rec.CreatedAt.UTC().Format(time.RFC3339Nano),
	); err != nil {
		return fmt.Errorf("storage: save score %s: %w", rec.ID, err)
	}
	return nil
}

// GetScore returns a score record, or ErrNotFound.
func (s *SQLiteStore) GetScore(ctx context.Context, id uuid.UUID) (model.ScoreRecord, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT record FROM score_records WHERE id = ?`, id.String()).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return model.ScoreRecord{}, fmt.Errorf("storage: score %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return model.ScoreRecord{}, fmt.Errorf("storage: get score %s: %w", id, err)
	}
	return decodeScore([]byte(data))
}

// ListScores returns the records of a conversation, oldest first.
func (s *SQLiteStore) ListScores(ctx context.Context, conversationID string) ([]model.ScoreRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT record FROM score_records WHERE conversation_id = ? ORDER BY created_at, rowid`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("storage: list scores %s: %w", conversationID, err)
	}
	defer func() { _ = rows.Close() }()

	out := []model.ScoreRecord{}
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("storage: scan score: %w", err)
		}
		rec, err := decodeScore([]byte(data))
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Ping checks the database handle.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
