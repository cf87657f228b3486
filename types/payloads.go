package types

import "errors"

// ObjectiveMetadata describes an objective as announced by the workflow.
type ObjectiveMetadata struct {
	Title             string `json:"title"`
	Description       string `json:"description,omitempty"`
	Category          string `json:"category,omitempty"`
	Difficulty        string `json:"difficulty,omitempty"`
	EstimatedDuration string `json:"estimatedDuration,omitempty"`
}

// Step is one node of an objective graph as produced by the workflow.
type Step struct {
	ID           string   `json:"id"`
	Title        string   `json:"title"`
	Description  string   `json:"description,omitempty"`
	Dependencies []string `json:"dependencies"`
	XPReward     int      `json:"xpReward,omitempty"`
	Completed    bool     `json:"completed,omitempty"`
}

// ErrStepMissingID is returned when a step carries no id.
var ErrStepMissingID = errors.New("step: missing id")

// Validate checks the fields every step must carry.
func (s *Step) Validate() error {
	if s.ID == "" {
		return ErrStepMissingID
	}
	for _, dep := range s.Dependencies {
		if dep == "" {
			return errors.New("step: empty dependency id")
		}
		if dep == s.ID {
			return errors.New("step: depends on itself")
		}
	}
	return nil
}

// GraphPayload is the data of every graph fragment envelope
// (objective_started, step_added, node_*, objective_*).
// Which optional fields are required depends on the envelope type.
type GraphPayload struct {
	ConversationID string             `json:"conversationId"`
	ObjectiveID    string             `json:"objectiveId"`
	Metadata       *ObjectiveMetadata `json:"metadata,omitempty"`
	Step           *Step              `json:"step,omitempty"`
	NodeID         string             `json:"nodeId,omitempty"`
	Progress       *int               `json:"progress,omitempty"`
}

// MessagePayload is the data of ai_message_start, ai_message_chunk and ai_message_end.
type MessagePayload struct {
	ConversationID string `json:"conversationId"`
	MessageID      string `json:"messageId"`
	Content        string `json:"content,omitempty"`
	IsFinal        bool   `json:"isFinal,omitempty"`
}

// ThinkingPayload is the data of ai_thinking.
type ThinkingPayload struct {
	ConversationID string `json:"conversationId"`
	IsThinking     bool   `json:"isThinking"`
}

// ErrorPayload is the data of error envelopes.
type ErrorPayload struct {
	ConversationID string `json:"conversationId,omitempty"`
	Code           string `json:"code,omitempty"`
	Message        string `json:"message"`
}

// UserMessagePayload is sent by clients with user_message.
type UserMessagePayload struct {
	ConversationID string `json:"conversationId"`
	MessageID      string `json:"messageId,omitempty"`
	Content        string `json:"content"`
}

// GeneratePayload is sent by clients with generate_objective and stop_generation.
type GeneratePayload struct {
	ConversationID string `json:"conversationId"`
	Prompt         string `json:"prompt,omitempty"`
}

// SubscribePayload joins or leaves a conversation room.
// Since requests a journal replay of envelopes with a greater seq.
type SubscribePayload struct {
	ConversationID string `json:"conversationId"`
	Since          int64  `json:"since,omitempty"`
}
