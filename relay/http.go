package relay

import (
	"context"

	"github.com/pithecene-io/treesync/dispatch"
	"github.com/pithecene-io/treesync/types"
)

// NotifyRequest is the body of POST /notify.
type NotifyRequest struct {
	ConversationID string          `json:"conversationId"`
	Envelope       *types.Envelope `json:"envelope"`
}

// HTTPNotifier forwards envelopes to a remote relay's /notify endpoint.
// 5xx responses and network errors are retried; 4xx fail immediately.
type HTTPNotifier struct {
	poster *dispatch.Poster
}

// NewHTTPNotifier creates a notifier posting to cfg.URL. secret, when
// non-empty, is sent in dispatch.SecretHeader.
func NewHTTPNotifier(cfg dispatch.Config, secret string) (*HTTPNotifier, error) {
	if secret != "" {
		headers := map[string]string{dispatch.SecretHeader: secret}
		for k, v := range cfg.Headers {
			headers[k] = v
		}
		cfg.Headers = headers
	}
	p, err := dispatch.NewPoster(cfg)
	if err != nil {
		return nil, err
	}
	return &HTTPNotifier{poster: p}, nil
}

// Notify implements Notifier.
func (n *HTTPNotifier) Notify(ctx context.Context, conversationID string, env *types.Envelope) error {
	if conversationID == "" {
		return ErrNoConversation
	}
	env.WithConversation(conversationID)
	return n.poster.Post(ctx, NotifyRequest{ConversationID: conversationID, Envelope: env})
}

// Close releases idle connections.
func (n *HTTPNotifier) Close() error {
	return n.poster.Close()
}
