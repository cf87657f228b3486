package types

import (
	"encoding/json"
	"time"
)

// ConversationStatus is the persisted status of a conversation.
type ConversationStatus string

// Conversation statuses.
const (
	ConversationIdle                 ConversationStatus = "idle"
	ConversationWaitingForAI         ConversationStatus = "waiting_for_ai"
	ConversationWaitingForGeneration ConversationStatus = "waiting_for_generation"
	ConversationCompleted            ConversationStatus = "completed"
	ConversationFailed               ConversationStatus = "failed"
)

// Role is the author of a conversation message.
type Role string

// Message roles.
const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// MessageView is a decrypted conversation message.
type MessageView struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
}

// ConversationView is the authoritative state returned by
// GET /conversations/{id}. Objective holds the serialized skill tree, if any.
type ConversationView struct {
	ID                 string             `json:"id"`
	Title              string             `json:"title,omitempty"`
	Status             ConversationStatus `json:"status"`
	CurrentObjectiveID string             `json:"currentObjectiveId,omitempty"`
	IsThinking         bool               `json:"isThinking"`
	Messages           []MessageView      `json:"messages"`
	Objective          json.RawMessage    `json:"objective,omitempty"`
	// LastSeq is the highest journal offset for the conversation, zero
	// when journaling is disabled.
	LastSeq   int64     `json:"lastSeq,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}
