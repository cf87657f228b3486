package types

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// MessageType is the envelope type discriminator on the relay socket.
type MessageType string

// Client to server message types.
const (
	TypeUserMessage       MessageType = "user_message"
	TypeGenerateObjective MessageType = "generate_objective"
	TypeStopGeneration    MessageType = "stop_generation"
	TypePing              MessageType = "ping"
	TypeSubscribe         MessageType = "subscribe"
	TypeUnsubscribe       MessageType = "unsubscribe"
)

// Server to client message types.
const (
	TypeAIMessageStart           MessageType = "ai_message_start"
	TypeAIMessageChunk           MessageType = "ai_message_chunk"
	TypeAIMessageEnd             MessageType = "ai_message_end"
	TypeAIThinking               MessageType = "ai_thinking"
	TypeObjectiveStarted         MessageType = "objective_started"
	TypeStepAdded                MessageType = "step_added"
	TypeObjectiveCompleted       MessageType = "objective_completed"
	TypeNodeAdded                MessageType = "node_added"
	TypeNodeUpdated              MessageType = "node_updated"
	TypeNodeDeleted              MessageType = "node_deleted"
	TypeObjectiveUpdateStarted   MessageType = "objective_update_started"
	TypeObjectiveUpdateCompleted MessageType = "objective_update_completed"
	TypeError                    MessageType = "error"
	TypePong                     MessageType = "pong"
)

// IsClientType reports whether t may be sent by a client.
func (t MessageType) IsClientType() bool {
	switch t {
	case TypeUserMessage, TypeGenerateObjective, TypeStopGeneration,
		TypePing, TypeSubscribe, TypeUnsubscribe:
		return true
	}
	return false
}

// IsGraphFragment reports whether t carries a change to an objective graph.
func (t MessageType) IsGraphFragment() bool {
	switch t {
	case TypeObjectiveStarted, TypeStepAdded, TypeObjectiveCompleted,
		TypeNodeAdded, TypeNodeUpdated, TypeNodeDeleted,
		TypeObjectiveUpdateStarted, TypeObjectiveUpdateCompleted:
		return true
	}
	return false
}

// IsDroppable reports whether an envelope of this type may be discarded
// under queue pressure. Heartbeats are the only droppable traffic.
func (t MessageType) IsDroppable() bool {
	return t == TypePing || t == TypePong
}

// Correlation ties an envelope to a conversation and the session that produced it.
type Correlation struct {
	ConversationID string `json:"conversationId" msgpack:"conversationId"`
	SessionID      string `json:"sessionId,omitempty" msgpack:"sessionId,omitempty"`
}

// Envelope wraps every message on the relay socket.
// ID is unique per envelope instance and is used for de-duplication logging only.
type Envelope struct {
	ID          string         `json:"id" msgpack:"id"`
	Type        MessageType    `json:"type" msgpack:"type"`
	Timestamp   int64          `json:"timestamp" msgpack:"timestamp"`
	Data        map[string]any `json:"data,omitempty" msgpack:"data,omitempty"`
	Correlation *Correlation   `json:"correlation,omitempty" msgpack:"correlation,omitempty"`
	// Seq is the journal offset within the conversation; zero when not journaled.
	Seq int64 `json:"seq,omitempty" msgpack:"seq,omitempty"`
}

// NewEnvelope builds an envelope with a fresh id and the current timestamp.
// data may be a map or any JSON-encodable struct.
func NewEnvelope(t MessageType, data any) (*Envelope, error) {
	m, err := EncodeData(data)
	if err != nil {
		return nil, err
	}
	return &Envelope{
		ID:        uuid.NewString(),
		Type:      t,
		Timestamp: time.Now().UnixMilli(),
		Data:      m,
	}, nil
}

// ConversationID returns the correlated conversation id, falling back to a
// "conversationId" field inside Data.
func (e *Envelope) ConversationID() string {
	if e.Correlation != nil && e.Correlation.ConversationID != "" {
		return e.Correlation.ConversationID
	}
	if id, ok := e.Data["conversationId"].(string); ok {
		return id
	}
	return ""
}

// WithConversation sets the correlation conversation id and returns e.
func (e *Envelope) WithConversation(conversationID string) *Envelope {
	if e.Correlation == nil {
		e.Correlation = &Correlation{}
	}
	e.Correlation.ConversationID = conversationID
	return e
}

// DecodeData decodes the envelope payload into dst.
func (e *Envelope) DecodeData(dst any) error {
	raw, err := json.Marshal(e.Data)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", e.Type, err)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Type, err)
	}
	return nil
}

// EncodeData converts a payload value into the generic map carried by Envelope.
func EncodeData(data any) (map[string]any, error) {
	switch v := data.(type) {
	case nil:
		return nil, nil
	case map[string]any:
		return v, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("payload must encode to an object: %w", err)
	}
	return m, nil
}
