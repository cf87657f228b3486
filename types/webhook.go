package types

import (
	"errors"
	"fmt"
)

// WebhookType is the callback kind sent by the AI workflow.
type WebhookType string

// Webhook callback kinds.
const (
	WebhookMessage                 WebhookType = "message"
	WebhookObjectiveStart          WebhookType = "objective_start"
	WebhookObjectiveStep           WebhookType = "objective_step"
	WebhookObjectiveComplete       WebhookType = "objective_complete"
	WebhookObjectiveUpdateStart    WebhookType = "objective_update_start"
	WebhookNodeAdded               WebhookType = "node_added"
	WebhookNodeUpdated             WebhookType = "node_updated"
	WebhookNodeDeleted             WebhookType = "node_deleted"
	WebhookObjectiveUpdateComplete WebhookType = "objective_update_complete"
	WebhookError                   WebhookType = "error"
)

var knownWebhookTypes = map[WebhookType]bool{
	WebhookMessage:                 true,
	WebhookObjectiveStart:          true,
	WebhookObjectiveStep:           true,
	WebhookObjectiveComplete:       true,
	WebhookObjectiveUpdateStart:    true,
	WebhookNodeAdded:               true,
	WebhookNodeUpdated:             true,
	WebhookNodeDeleted:             true,
	WebhookObjectiveUpdateComplete: true,
	WebhookError:                   true,
}

// WebhookPayload is the JSON body POSTed by the AI workflow.
type WebhookPayload struct {
	RequestID          string             `json:"requestId,omitempty"`
	MessageID          string             `json:"messageId,omitempty"`
	ConversationID     string             `json:"conversationId,omitempty"`
	Type               WebhookType        `json:"type"`
	Content            *string            `json:"content,omitempty"`
	IsFinal            *bool              `json:"isFinal,omitempty"`
	ObjectiveMetadata  *ObjectiveMetadata `json:"objectiveMetadata,omitempty"`
	Step               *Step              `json:"step,omitempty"`
	NodeID             string             `json:"nodeId,omitempty"`
	IsLastStep         bool               `json:"isLastStep,omitempty"`
	GenerationProgress *int               `json:"generationProgress,omitempty"`
	Error              string             `json:"error,omitempty"`
}

// ErrUnknownWebhookType is returned for a type outside the known set.
var ErrUnknownWebhookType = errors.New("unknown webhook type")

// Validate checks the per-type required fields. It does not resolve ids.
func (p *WebhookPayload) Validate() error {
	if !knownWebhookTypes[p.Type] {
		return fmt.Errorf("%w: %q", ErrUnknownWebhookType, p.Type)
	}
	if p.GenerationProgress != nil && (*p.GenerationProgress < 0 || *p.GenerationProgress > 100) {
		return fmt.Errorf("generationProgress out of range: %d", *p.GenerationProgress)
	}

	switch p.Type {
	case WebhookMessage:
		if p.Content == nil {
			return errors.New("message: content is required")
		}
	case WebhookObjectiveStart:
		if p.ObjectiveMetadata == nil || p.ObjectiveMetadata.Title == "" {
			return errors.New("objective_start: objectiveMetadata.title is required")
		}
	case WebhookObjectiveStep, WebhookNodeAdded, WebhookNodeUpdated:
		if p.Step == nil {
			return fmt.Errorf("%s: step is required", p.Type)
		}
		if err := p.Step.Validate(); err != nil {
			return fmt.Errorf("%s: %w", p.Type, err)
		}
	case WebhookNodeDeleted:
		if p.NodeID == "" && (p.Step == nil || p.Step.ID == "") {
			return errors.New("node_deleted: nodeId is required")
		}
	case WebhookError:
		if p.Error == "" && p.Content == nil {
			return errors.New("error: error message is required")
		}
	}
	return nil
}

// DeletedNodeID returns the node id targeted by a node_deleted callback.
func (p *WebhookPayload) DeletedNodeID() string {
	if p.NodeID != "" {
		return p.NodeID
	}
	if p.Step != nil {
		return p.Step.ID
	}
	return ""
}

// IsFinalMessage reports the isFinal flag, defaulting to true when absent.
func (p *WebhookPayload) IsFinalMessage() bool {
	return p.IsFinal == nil || *p.IsFinal
}

// StatusResponse is returned by the webhook polling endpoint.
type StatusResponse struct {
	Status      string `json:"status"`
	Response    string `json:"response,omitempty"`
	IsThinking  bool   `json:"isThinking"`
	HasResponse bool   `json:"hasResponse"`
}
