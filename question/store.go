package question

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // SQLite driver
)

const schema = `
CREATE TABLE IF NOT EXISTS questions (
	id             TEXT PRIMARY KEY,
	correlation_id TEXT NOT NULL,
	payload        TEXT NOT NULL DEFAULT '{}',
	answered       INTEGER NOT NULL DEFAULT 0,
	cancelled      INTEGER NOT NULL DEFAULT 0,
	answer         TEXT,
	created_at     DATETIME NOT NULL,
	resolved_at    DATETIME
);
CREATE INDEX IF NOT EXISTS idx_questions_correlation ON questions(correlation_id, answered, cancelled);
`

const questionColumns = `id, correlation_id, payload, answered, cancelled, answer, created_at, resolved_at`

// SQLiteStore persists questions in a SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates the questions table on db. The handle is usually
// shared with the task store so both live in one file.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("create questions schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Create persists a new unresolved question.
func (s *SQLiteStore) Create(ctx context.Context, q *Question) (string, error) {
	if q.ID == "" {
		q.ID = uuid.NewString()
	}
	if len(q.Payload) == 0 {
		q.Payload = json.RawMessage(`{}`)
	}
	q.CreatedAt = time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO questions (id, correlation_id, payload, created_at) VALUES (?, ?, ?, ?)`,
		q.ID, q.CorrelationID, string(q.Payload), q.CreatedAt,
	)
	if err != nil {
		return "", fmt.Errorf("insert question: %w", err)
	}
	return q.ID, nil
}

// Get retrieves a question by ID.
func (s *SQLiteStore) Get(ctx context.Context, id string) (*Question, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+questionColumns+` FROM questions WHERE id = ?`, id)
	q, err := scanQuestion(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get question: %w", err)
	}
	return q, nil
}

// Pending lists unresolved questions for correlationID.
func (s *SQLiteStore) Pending(ctx context.Context, correlationID string) ([]*Question, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+questionColumns+` FROM questions
		 WHERE correlation_id = ? AND answered = 0 AND cancelled = 0
		 ORDER BY created_at ASC`, correlationID)
	if err != nil {
		return nil, fmt.Errorf("list pending questions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Question
	for rows.Next() {
		q, err := scanQuestion(rows)
		if err != nil {
			return nil, fmt.Errorf("scan question: %w", err)
		}
		out = append(out, q)
	}
	return out, rows.Err()
}

// Answer resolves an unresolved question with answer.
func (s *SQLiteStore) Answer(ctx context.Context, id string, answer json.RawMessage) (bool, error) {
	if len(answer) == 0 {
		answer = json.RawMessage(`null`)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE questions SET answered = 1, answer = ?, resolved_at = ?
		 WHERE id = ? AND answered = 0 AND cancelled = 0`,
		string(answer), time.Now().UTC(), id,
	)
	if err != nil {
		return false, fmt.Errorf("answer question: %w", err)
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// Cancel marks an unresolved question cancelled.
func (s *SQLiteStore) Cancel(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE questions SET cancelled = 1, resolved_at = ?
		 WHERE id = ? AND answered = 0 AND cancelled = 0`,
		time.Now().UTC(), id,
	)
	if err != nil {
		return false, fmt.Errorf("cancel question: %w", err)
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanQuestion(s scanner) (*Question, error) {
	var q Question
	var payload string
	var answer sql.NullString
	var answered, cancelled int
	var resolvedAt sql.NullTime
	if err := s.Scan(&q.ID, &q.CorrelationID, &payload, &answered, &cancelled, &answer, &q.CreatedAt, &resolvedAt); err != nil {
		return nil, err
	}
	q.Payload = json.RawMessage(payload)
	q.Answered = answered != 0
	q.Cancelled = cancelled != 0
	if answer.Valid {
		q.Answer = json.RawMessage(answer.String)
	}
	if resolvedAt.Valid {
		q.ResolvedAt = &resolvedAt.Time
	}
	return &q, nil
}
