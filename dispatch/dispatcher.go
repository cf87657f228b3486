package dispatch

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/pithecene-io/treesync/correlation"
	"github.com/pithecene-io/treesync/log"
	"github.com/pithecene-io/treesync/metrics"
)

// SecretHeader carries the shared workflow secret on outbound requests.
const SecretHeader = "X-Webhook-Secret"

// Kind is the request type understood by the workflow.
type Kind string

// Request kinds.
const (
	KindUserMessage       Kind = "user_message"
	KindGenerateObjective Kind = "generate_objective"
	// KindStop asks the workflow to stop. It is advisory: work already
	// applied is not undone.
	KindStop Kind = "stop"
)

// Request is the body POSTed to the workflow.
type Request struct {
	RequestID      string `json:"requestId"`
	ConversationID string `json:"conversationId"`
	MessageID      string `json:"messageId,omitempty"`
	Type           Kind   `json:"type"`
	Content        string `json:"content,omitempty"`
}

// Dispatcher records a correlation entry for every request and posts it.
type Dispatcher struct {
	poster  *Poster
	cache   *correlation.Cache
	logger  *log.Logger
	metrics *metrics.Collector
}

// New creates a dispatcher. secret, when non-empty, is sent in SecretHeader.
func New(cfg Config, secret string, cache *correlation.Cache, logger *log.Logger, m *metrics.Collector) (*Dispatcher, error) {
	if cache == nil {
		return nil, errors.New("dispatch: correlation cache is required")
	}
	if secret != "" {
		headers := make(map[string]string, len(cfg.Headers)+1)
		for k, v := range cfg.Headers {
			headers[k] = v
		}
		headers[SecretHeader] = secret
		cfg.Headers = headers
	}
	p, err := NewPoster(cfg)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = log.Nop()
	}
	return &Dispatcher{poster: p, cache: cache, logger: logger, metrics: m}, nil
}

// Dispatch posts req to the workflow. A missing RequestID is generated.
// The correlation entry is written before the request leaves, so a callback
// that races the response still resolves.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) (string, error) {
	if req.ConversationID == "" {
		return "", errors.New("dispatch: conversationId is required")
	}
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}

	d.cache.Put(correlation.Entry{
		RequestID:      req.RequestID,
		ConversationID: req.ConversationID,
		LastMessageID:  req.MessageID,
		CreatedAt:      time.Now().UTC(),
	})

	start := time.Now()
	if err := d.poster.Post(ctx, req); err != nil {
		d.metrics.IncDispatchFailure()
		d.logger.Error("workflow dispatch failed", map[string]any{
			"request_id":      req.RequestID,
			"conversation_id": req.ConversationID,
			"type":            string(req.Type),
			"error":           err.Error(),
		})
		return req.RequestID, err
	}

	d.metrics.IncDispatchSuccess()
	d.logger.Debug("workflow dispatched", map[string]any{
		"request_id":      req.RequestID,
		"conversation_id": req.ConversationID,
		"type":            string(req.Type),
		"duration_ms":     time.Since(start).Milliseconds(),
	})
	return req.RequestID, nil
}

// Close releases transport resources.
func (d *Dispatcher) Close() error {
	return d.poster.Close()
}
