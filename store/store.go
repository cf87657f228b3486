// Package store persists conversations, messages and objectives.
//
// Store is the persistence boundary used by webhook ingestion and the relay.
// SQLite is the concrete implementation; message content is sealed before
// it reaches disk.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/pithecene-io/treesync/skilltree"
	"github.com/pithecene-io/treesync/types"
)

// ErrNotFound is returned when a row does not exist.
var ErrNotFound = errors.New("not found")

// Conversation is the persisted conversation row.
type Conversation struct {
	ID                 string
	Title              string
	Status             types.ConversationStatus
	CurrentObjectiveID string
	IsThinking         bool
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// Message is a conversation turn. Content is plaintext in memory.
type Message struct {
	ID             string
	ConversationID string
	Role           types.Role
	Content        string
	// ReplyTo is the user message id an assistant turn answers.
	ReplyTo   string
	CreatedAt time.Time
}

// Store is the persistence boundary.
type Store interface {
	// EnsureConversation returns the conversation, creating an idle one if absent.
	EnsureConversation(ctx context.Context, id string) (*Conversation, error)
	GetConversation(ctx context.Context, id string) (*Conversation, error)
	UpdateConversation(ctx context.Context, c *Conversation) error
	ListConversations(ctx context.Context, limit int) ([]Conversation, error)

	// AppendMessage stores m, assigning an id and timestamp when empty.
	// Appending an existing id is a no-op.
	AppendMessage(ctx context.Context, m *Message) error
	ListMessages(ctx context.Context, conversationID string) ([]Message, error)
	// LatestReply returns the newest assistant message answering replyTo,
	// or the newest assistant message when replyTo is empty.
	LatestReply(ctx context.Context, conversationID, replyTo string) (*Message, error)

	SaveObjective(ctx context.Context, a *skilltree.Artifact) error
	GetObjective(ctx context.Context, id string) (*skilltree.Artifact, error)

	Close() error
}
