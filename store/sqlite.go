package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/oklog/ulid/v2"

	"github.com/pithecene-io/treesync/seal"
	"github.com/pithecene-io/treesync/skilltree"
	"github.com/pithecene-io/treesync/types"
)

// timeLayout is fixed-width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

const schema = `
	CREATE TABLE IF NOT EXISTS conversations (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		current_objective_id TEXT NOT NULL DEFAULT '',
		is_thinking INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		reply_to TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		FOREIGN KEY (conversation_id) REFERENCES conversations(id)
	);
	CREATE INDEX IF NOT EXISTS messages_by_conversation ON messages(conversation_id, created_at);

	CREATE TABLE IF NOT EXISTS objectives (
		id TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL,
		status TEXT NOT NULL,
		document TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		FOREIGN KEY (conversation_id) REFERENCES conversations(id)
	);`

// SQLite is a Store backed by a SQLite database.
type SQLite struct {
	db     *sql.DB
	sealer *seal.Sealer
}

// OpenSQLite opens or creates the database at path and runs migrations.
// Use ":memory:" for an ephemeral database.
func OpenSQLite(path string, sealer *seal.Sealer) (*SQLite, error) {
	if sealer == nil {
		return nil, errors.New("open sqlite: sealer is required")
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One connection serializes writers and keeps :memory: databases shared.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &SQLite{db: db, sealer: sealer}, nil
}

// Close closes the database.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// NewID returns a sortable unique id.
func NewID() string {
	return ulid.Make().String()
}

// EnsureConversation implements Store.
func (s *SQLite) EnsureConversation(ctx context.Context, id string) (*Conversation, error) {
	if id == "" {
		id = NewID()
	}
	now := time.Now().UTC().Format(timeLayout)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations (id, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(id) DO NOTHING`,
		id, string(types.ConversationIdle), now, now)
	if err != nil {
		return nil, fmt.Errorf("ensure conversation: %w", err)
	}
	return s.GetConversation(ctx, id)
}

// GetConversation implements Store.
func (s *SQLite) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, title, status, current_objective_id, is_thinking, created_at, updated_at
		 FROM conversations WHERE id = ?`, id)
	c, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("conversation %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get conversation: %w", err)
	}
	return c, nil
}

// UpdateConversation implements Store.
func (s *SQLite) UpdateConversation(ctx context.Context, c *Conversation) error {
	c.UpdatedAt = time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET
			title = ?, status = ?, current_objective_id = ?, is_thinking = ?, updated_at = ?
		 WHERE id = ?`,
		c.Title, string(c.Status), c.CurrentObjectiveID, c.IsThinking,
		c.UpdatedAt.Format(timeLayout), c.ID)
	if err != nil {
		return fmt.Errorf("update conversation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("conversation %s: %w", c.ID, ErrNotFound)
	}
	return nil
}

// ListConversations implements Store. Newest first.
func (s *SQLite) ListConversations(ctx context.Context, limit int) ([]Conversation, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, title, status, current_objective_id, is_thinking, created_at, updated_at
		 FROM conversations ORDER BY updated_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query conversations: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan conversation row: %w", err)
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

// AppendMessage implements Store.
func (s *SQLite) AppendMessage(ctx context.Context, m *Message) error {
	if m.ID == "" {
		m.ID = NewID()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	sealed, err := s.sealer.Seal(m.Content)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO messages (id, conversation_id, role, content, reply_to, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO NOTHING`,
		m.ID, m.ConversationID, string(m.Role), sealed, m.ReplyTo, m.CreatedAt.Format(timeLayout))
	if err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	return nil
}

// ListMessages implements Store. Oldest first.
func (s *SQLite) ListMessages(ctx context.Context, conversationID string) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, conversation_id, role, content, reply_to, created_at
		 FROM messages WHERE conversation_id = ? ORDER BY created_at ASC, id ASC`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Message
	for rows.Next() {
		m, err := s.scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}

// LatestReply implements Store.
func (s *SQLite) LatestReply(ctx context.Context, conversationID, replyTo string) (*Message, error) {
	query := `SELECT id, conversation_id, role, content, reply_to, created_at
		FROM messages WHERE conversation_id = ? AND role = ?`
	args := []any{conversationID, string(types.RoleAssistant)}
	if replyTo != "" {
		query += ` AND reply_to = ?`
		args = append(args, replyTo)
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT 1`

	m, err := s.scanMessage(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("reply in %s: %w", conversationID, ErrNotFound)
	}
	return m, err
}

// SaveObjective implements Store.
func (s *SQLite) SaveObjective(ctx context.Context, a *skilltree.Artifact) error {
	doc, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("encode objective: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO objectives (id, conversation_id, status, document, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			document = excluded.document,
			updated_at = excluded.updated_at`,
		a.ID, a.ConversationID, string(a.Status), string(doc), time.Now().UTC().Format(timeLayout))
	if err != nil {
		return fmt.Errorf("save objective: %w", err)
	}
	return nil
}

// GetObjective implements Store.
func (s *SQLite) GetObjective(ctx context.Context, id string) (*skilltree.Artifact, error) {
	var doc string
	err := s.db.QueryRowContext(ctx, `SELECT document FROM objectives WHERE id = ?`, id).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("objective %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get objective: %w", err)
	}
	var a skilltree.Artifact
	if err := json.Unmarshal([]byte(doc), &a); err != nil {
		return nil, fmt.Errorf("decode objective %s: %w", id, err)
	}
	return &a, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanConversation(row scanner) (*Conversation, error) {
	var (
		c                Conversation
		status           string
		created, updated string
	)
	if err := row.Scan(&c.ID, &c.Title, &status, &c.CurrentObjectiveID, &c.IsThinking, &created, &updated); err != nil {
		return nil, err
	}
	c.Status = types.ConversationStatus(status)
	c.CreatedAt, _ = time.Parse(timeLayout, created)
	c.UpdatedAt, _ = time.Parse(timeLayout, updated)
	return &c, nil
}

func (s *SQLite) scanMessage(row scanner) (*Message, error) {
	var (
		m       Message
		role    string
		sealed  string
		created string
	)
	if err := row.Scan(&m.ID, &m.ConversationID, &role, &sealed, &m.ReplyTo, &created); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan message row: %w", err)
	}
	content, err := s.sealer.Open(sealed)
	if err != nil {
		return nil, fmt.Errorf("message %s: %w", m.ID, err)
	}
	m.Role = types.Role(role)
	m.Content = content
	m.CreatedAt, _ = time.Parse(timeLayout, created)
	return &m, nil
}

var _ Store = (*SQLite)(nil)
