package task

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // SQLite driver
)

const schema = `
CREATE TABLE IF NOT EXISTS tasks (
	id               TEXT PRIMARY KEY,
	worker_id        TEXT NOT NULL,
	correlation_id   TEXT NOT NULL DEFAULT '',
	prompt           TEXT NOT NULL DEFAULT '',
	status           TEXT NOT NULL,
	turns            INTEGER NOT NULL DEFAULT 0,
	cost_usd         REAL NOT NULL DEFAULT 0,
	last_activity    TEXT NOT NULL DEFAULT '',
	activity         TEXT NOT NULL DEFAULT '[]',
	result           TEXT,
	stop_reason      TEXT,
	error            TEXT,
	modified_files   TEXT NOT NULL DEFAULT '[]',
	notified         INTEGER NOT NULL DEFAULT 0,
	response_claimed INTEGER NOT NULL DEFAULT 0,
	created_at       DATETIME NOT NULL,
	updated_at       DATETIME NOT NULL,
	completed_at     DATETIME
);
CREATE INDEX IF NOT EXISTS idx_tasks_worker ON tasks(worker_id, status);
CREATE INDEX IF NOT EXISTS idx_tasks_correlation ON tasks(correlation_id);
`

const taskColumns = `id, worker_id, correlation_id, prompt, status, turns, cost_usd,
	last_activity, activity, result, stop_reason, error, modified_files,
	notified, response_claimed, created_at, updated_at, completed_at`

// updatable lists the columns UpdateIf may compare or assign.
var updatable = map[string]bool{
	"status":           true,
	"turns":            true,
	"cost_usd":         true,
	"last_activity":    true,
	"result":           true,
	"stop_reason":      true,
	"error":            true,
	"modified_files":   true,
	"notified":         true,
	"response_claimed": true,
	"completed_at":     true,
}

// SQLiteStore persists tasks in a SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath and ensures
// the tasks table exists. The caller is responsible for calling Close.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", dbPath, err)
	}
	db.SetMaxOpenConns(1) // prevent SQLITE_BUSY
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// DB exposes the underlying handle so sibling stores can share the file.
func (s *SQLiteStore) DB() *sql.DB { return s.db }

// Close releases the underlying database connection.
func (s *SQLiteStore) Close() error { return s.db.Close() }

// Create persists a new task and sets its CreatedAt and UpdatedAt.
func (s *SQLiteStore) Create(ctx context.Context, t *Task) (string, error) {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.Status == "" {
		t.Status = StatusRunning
	}
	now := time.Now().UTC()
	t.CreatedAt = now
	t.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tasks (`+taskColumns+`)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		insertArgs(t)...,
	)
	if err != nil {
		return "", fmt.Errorf("insert task: %w", err)
	}
	return t.ID, nil
}

// Get retrieves a task by ID.
func (s *SQLiteStore) Get(ctx context.Context, id string) (*Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	return t, err
}

// List returns tasks matching the filter, oldest first.
func (s *SQLiteStore) List(ctx context.Context, filter Filter) ([]*Task, error) {
	q := strings.Builder{}
	q.WriteString("SELECT " + taskColumns + " FROM tasks WHERE 1=1")
	args := []any{}

	if filter.Status != nil {
		q.WriteString(" AND status=?")
		args = append(args, string(*filter.Status))
	}
	if filter.WorkerID != "" {
		q.WriteString(" AND worker_id=?")
		args = append(args, filter.WorkerID)
	}
	if filter.CorrelationID != "" {
		q.WriteString(" AND correlation_id=?")
		args = append(args, filter.CorrelationID)
	}
	q.WriteString(" ORDER BY created_at ASC")
	if filter.Limit > 0 {
		q.WriteString(fmt.Sprintf(" LIMIT %d", filter.Limit))
		if filter.Offset > 0 {
			q.WriteString(fmt.Sprintf(" OFFSET %d", filter.Offset))
		}
	}

	rows, err := s.db.QueryContext(ctx, q.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// UpdateIf is the store's compare-and-set primitive. The comparison and the
// assignment happen in one UPDATE statement, so it holds across processes
// sharing the database.
func (s *SQLiteStore) UpdateIf(ctx context.Context, id, field string, want any, set Fields) (bool, error) {
	if !updatable[field] {
		return false, fmt.Errorf("update task: field %q is not updatable", field)
	}
	if len(set) == 0 {
		return false, fmt.Errorf("update task: no fields to set")
	}

	// Sorted for a stable statement text.
	cols := make([]string, 0, len(set))
	for col := range set {
		if !updatable[col] {
			return false, fmt.Errorf("update task: field %q is not updatable", col)
		}
		cols = append(cols, col)
	}
	sort.Strings(cols)

	var q strings.Builder
	q.WriteString("UPDATE tasks SET ")
	args := make([]any, 0, len(cols)+3)
	for _, col := range cols {
		q.WriteString(col + "=?, ")
		v, err := sqlValue(set[col])
		if err != nil {
			return false, fmt.Errorf("update task: %s: %w", col, err)
		}
		args = append(args, v)
	}
	q.WriteString("updated_at=? WHERE id=? AND " + field + "=?")
	wantV, err := sqlValue(want)
	if err != nil {
		return false, fmt.Errorf("update task: %s: %w", field, err)
	}
	args = append(args, time.Now().UTC(), id, wantV)

	res, err := s.db.ExecContext(ctx, q.String(), args...)
	if err != nil {
		return false, fmt.Errorf("update task: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows == 1, nil
}

// AppendActivity pushes entry onto the bounded activity ring.
func (s *SQLiteStore) AppendActivity(ctx context.Context, id, entry string, limit int) error {
	if limit <= 0 {
		limit = ActivityLimit
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("append activity: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var raw string
	err = tx.QueryRowContext(ctx, `SELECT activity FROM tasks WHERE id = ?`, id).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("append activity: task %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("append activity: %w", err)
	}
	var ring []string
	_ = json.Unmarshal([]byte(raw), &ring)
	ring = append(ring, entry)
	if len(ring) > limit {
		ring = ring[len(ring)-limit:]
	}
	encoded, _ := json.Marshal(ring)

	if _, err := tx.ExecContext(ctx,
		`UPDATE tasks SET activity=?, last_activity=?, updated_at=? WHERE id=?`,
		string(encoded), entry, time.Now().UTC(), id,
	); err != nil {
		return fmt.Errorf("append activity: %w", err)
	}
	return tx.Commit()
}

// UpdateProgress records counters; it does nothing once the task is terminal.
// A zero cost leaves the stored cost unchanged.
func (s *SQLiteStore) UpdateProgress(ctx context.Context, id string, turns int, costUSD float64) error {
	set := Fields{"turns": turns}
	if costUSD > 0 {
		set["cost_usd"] = costUSD
	}
	_, err := s.UpdateIf(ctx, id, "status", StatusRunning, set)
	return err
}

// Finish writes the terminal fields together with the status transition.
func (s *SQLiteStore) Finish(ctx context.Context, id string, status Status, out Outcome) (bool, error) {
	if !status.Terminal() {
		return false, fmt.Errorf("finish task %s: %q is not a terminal status", id, status)
	}
	set := Fields{
		"status":         status,
		"result":         out.Result,
		"stop_reason":    out.StopReason,
		"error":          out.Error,
		"modified_files": out.ModifiedFiles,
		"completed_at":   time.Now().UTC(),
	}
	// Zero counters mean "unknown" and must not erase recorded progress.
	if out.Turns > 0 {
		set["turns"] = out.Turns
	}
	if out.CostUSD > 0 {
		set["cost_usd"] = out.CostUSD
	}
	return s.UpdateIf(ctx, id, "status", StatusRunning, set)
}

// MarkNotified sets the notified flag.
func (s *SQLiteStore) MarkNotified(ctx context.Context, id string) error {
	_, err := s.UpdateIf(ctx, id, "notified", false, Fields{"notified": true})
	return err
}

// Claim flips response_claimed from false to true for a terminal task.
// Status never leaves a terminal state, so checking it before the
// conditional flip cannot admit a running task.
func (s *SQLiteStore) Claim(ctx context.Context, id string) (*Task, bool, error) {
	t, err := s.Get(ctx, id)
	if err != nil {
		return nil, false, err
	}
	if !t.Status.Terminal() {
		return t, false, nil
	}
	ok, err := s.UpdateIf(ctx, id, "response_claimed", false, Fields{"response_claimed": true})
	if err != nil || !ok {
		return t, false, err
	}
	t, err = s.Get(ctx, id)
	if err != nil {
		return nil, false, err
	}
	return t, true, nil
}

// Mirror upserts a copy of t. An existing record is only overwritten while it
// is running or when the incoming status matches (idempotent re-delivery).
// Empty activity in t keeps the stored activity.
func (s *SQLiteStore) Mirror(ctx context.Context, t *Task) error {
	now := time.Now().UTC()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tasks (`+taskColumns+`)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(id) DO UPDATE SET
			status=excluded.status, turns=excluded.turns, cost_usd=excluded.cost_usd,
			last_activity=CASE WHEN excluded.last_activity = '' THEN tasks.last_activity ELSE excluded.last_activity END,
			activity=CASE WHEN excluded.activity = '[]' THEN tasks.activity ELSE excluded.activity END,
			result=excluded.result, stop_reason=excluded.stop_reason, error=excluded.error,
			modified_files=excluded.modified_files, notified=MAX(tasks.notified, excluded.notified),
			completed_at=excluded.completed_at, updated_at=excluded.updated_at
		WHERE tasks.status = 'running' OR tasks.status = excluded.status`,
		insertArgs(t)...,
	)
	if err != nil {
		return fmt.Errorf("mirror task: %w", err)
	}
	return nil
}

func insertArgs(t *Task) []any {
	activity, _ := json.Marshal(nonNil(t.Activity))
	modified, _ := json.Marshal(nonNil(t.ModifiedFiles))
	return []any{
		t.ID, t.WorkerID, t.CorrelationID, t.Prompt, string(t.Status),
		t.Turns, t.CostUSD, t.LastActivity, string(activity),
		nullString(t.Result), nullString(t.StopReason), nullString(t.Error),
		string(modified), boolInt(t.Notified), boolInt(t.ResponseClaimed),
		t.CreatedAt, t.UpdatedAt, nullTime(t.CompletedAt),
	}
}

// scanner abstracts sql.Row and sql.Rows for scanTask.
type scanner interface {
	Scan(dest ...any) error
}

func scanTask(s scanner) (*Task, error) {
	var t Task
	var status, activityJSON, modifiedJSON string
	var result, stopReason, errText sql.NullString
	var notified, claimed int
	var completedAt sql.NullTime

	err := s.Scan(
		&t.ID, &t.WorkerID, &t.CorrelationID, &t.Prompt, &status,
		&t.Turns, &t.CostUSD, &t.LastActivity, &activityJSON,
		&result, &stopReason, &errText, &modifiedJSON,
		&notified, &claimed, &t.CreatedAt, &t.UpdatedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}

	t.Status = Status(status)
	t.Notified = notified != 0
	t.ResponseClaimed = claimed != 0
	_ = json.Unmarshal([]byte(activityJSON), &t.Activity)
	_ = json.Unmarshal([]byte(modifiedJSON), &t.ModifiedFiles)
	if result.Valid {
		t.Result = &result.String
	}
	if stopReason.Valid {
		t.StopReason = &stopReason.String
	}
	if errText.Valid {
		t.Error = &errText.String
	}
	if completedAt.Valid {
		t.CompletedAt = &completedAt.Time
	}
	return &t, nil
}

// sqlValue converts domain values into driver arguments.
func sqlValue(v any) (any, error) {
	switch x := v.(type) {
	case nil:
		return nil, nil
	case bool:
		return boolInt(x), nil
	case Status:
		return string(x), nil
	case *string:
		return nullString(x), nil
	case *time.Time:
		return nullTime(x), nil
	case []string:
		b, err := json.Marshal(nonNil(x))
		if err != nil {
			return nil, err
		}
		return string(b), nil
	default:
		return v, nil
	}
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullString(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}
