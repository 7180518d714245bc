package orchestrator

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrNoUserMessage is returned when a conversation has nothing to retry.
var ErrNoUserMessage = errors.New("conversation has no user message")

// Role is the author of a conversation message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Kind is the shape of a message's content.
type Kind string

const (
	KindText       Kind = "text"
	KindTool       Kind = "tool"
	KindQuestion   Kind = "question"
	KindTaskResult Kind = "task_result"
)

// Message is one persisted conversation entry. Assistant messages are
// finalized segments.
type Message struct {
	ID             string          `json:"id"`
	ConversationID string          `json:"conversation_id"`
	Seq            int             `json:"seq"`
	Role           Role            `json:"role"`
	Kind           Kind            `json:"kind"`
	Content        string          `json:"content,omitempty"`
	Data           json.RawMessage `json:"data,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// Conversations persists conversation messages.
type Conversations interface {
	// Append stores m with the next sequence number of its conversation.
	Append(ctx context.Context, m *Message) error
	// List returns a conversation's messages in sequence order.
	List(ctx context.Context, conversationID string) ([]*Message, error)
	// LastUserMessage returns the latest user message, or ErrNoUserMessage.
	LastUserMessage(ctx context.Context, conversationID string) (*Message, error)
	// DeleteAfter removes the turn output after seq: every later message
	// except claimed task results, which cannot be delivered again.
	DeleteAfter(ctx context.Context, conversationID string, seq int) (int64, error)
}

const conversationSchema = `
CREATE TABLE IF NOT EXISTS messages (
	id              TEXT PRIMARY KEY,
	conversation_id TEXT NOT NULL,
	seq             INTEGER NOT NULL,
	role            TEXT NOT NULL,
	kind            TEXT NOT NULL,
	content         TEXT NOT NULL DEFAULT '',
	data            TEXT,
	created_at      DATETIME NOT NULL,
	UNIQUE (conversation_id, seq)
);
`

const messageColumns = `id, conversation_id, seq, role, kind, content, data, created_at`

// SQLiteConversations stores messages next to the task mirror.
type SQLiteConversations struct {
	db *sql.DB
}

// NewSQLiteConversations creates the messages table on db.
func NewSQLiteConversations(db *sql.DB) (*SQLiteConversations, error) {
	if _, err := db.Exec(conversationSchema); err != nil {
		return nil, fmt.Errorf("create messages schema: %w", err)
	}
	return &SQLiteConversations{db: db}, nil
}

func (s *SQLiteConversations) Append(ctx context.Context, m *Message) error {
	if m.ConversationID == "" {
		return errors.New("append message: empty conversation id")
	}
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	m.CreatedAt = time.Now().UTC()
	var data any
	if len(m.Data) > 0 {
		data = string(m.Data)
	}
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO messages (id, conversation_id, seq, role, kind, content, data, created_at)
		SELECT ?, ?, COALESCE(MAX(seq), 0) + 1, ?, ?, ?, ?, ?
		FROM messages WHERE conversation_id = ?
		RETURNING seq`,
		m.ID, m.ConversationID, string(m.Role), string(m.Kind), m.Content, data, m.CreatedAt,
		m.ConversationID,
	).Scan(&m.Seq)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

func (s *SQLiteConversations) List(ctx context.Context, conversationID string) ([]*Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE conversation_id = ? ORDER BY seq`,
		conversationID,
	)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var out []*Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *SQLiteConversations) LastUserMessage(ctx context.Context, conversationID string) (*Message, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+messageColumns+` FROM messages
		WHERE conversation_id = ? AND role = ?
		ORDER BY seq DESC LIMIT 1`,
		conversationID, string(RoleUser),
	)
	m, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNoUserMessage, conversationID)
	}
	return m, err
}

func (s *SQLiteConversations) DeleteAfter(ctx context.Context, conversationID string, seq int) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM messages WHERE conversation_id = ? AND seq > ? AND kind <> ?`,
		conversationID, seq, string(KindTaskResult),
	)
	if err != nil {
		return 0, fmt.Errorf("delete messages: %w", err)
	}
	return res.RowsAffected()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanMessage(sc scanner) (*Message, error) {
	var (
		m          Message
		role, kind string
		data       sql.NullString
	)
	err := sc.Scan(&m.ID, &m.ConversationID, &m.Seq, &role, &kind, &m.Content, &data, &m.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan message: %w", err)
	}
	m.Role = Role(role)
	m.Kind = Kind(kind)
	if data.Valid {
		m.Data = json.RawMessage(data.String)
	}
	return &m, nil
}
