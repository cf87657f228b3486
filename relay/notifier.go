// Package relay routes envelopes to the WebSocket clients watching a
// conversation.
//
// A Notifier delivers one envelope to one conversation room. Hub is the
// local implementation; RedisBridge fans out across nodes, HTTPNotifier
// forwards to a remote relay and JournalNotifier stamps a durable seq
// before passing the envelope on.
package relay

import (
	"context"

	"github.com/pithecene-io/treesync/log"
	"github.com/pithecene-io/treesync/types"
)

// Notifier delivers an envelope to every client subscribed to a conversation.
// Clients that are not connected miss the envelope.
type Notifier interface {
	Notify(ctx context.Context, conversationID string, env *types.Envelope) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, conversationID string, env *types.Envelope) error

// Notify calls f.
func (f NotifierFunc) Notify(ctx context.Context, conversationID string, env *types.Envelope) error {
	return f(ctx, conversationID, env)
}

// Appender assigns a journal seq to an envelope.
type Appender interface {
	Append(ctx context.Context, env *types.Envelope) (int64, error)
}

// Replayer returns journaled envelopes with seq > since.
type Replayer interface {
	Replay(ctx context.Context, conversationID string, since int64) ([]*types.Envelope, error)
}

// JournalNotifier appends each envelope to a journal before forwarding it.
// A journal failure is logged and the envelope is still forwarded, without a seq.
type JournalNotifier struct {
	journal Appender
	next    Notifier
	logger  *log.Logger
}

// NewJournalNotifier wraps next.
func NewJournalNotifier(journal Appender, next Notifier, logger *log.Logger) *JournalNotifier {
	if logger == nil {
		logger = log.Nop()
	}
	return &JournalNotifier{journal: journal, next: next, logger: logger}
}

// Notify implements Notifier.
func (n *JournalNotifier) Notify(ctx context.Context, conversationID string, env *types.Envelope) error {
	env.WithConversation(conversationID)
	if _, err := n.journal.Append(ctx, env); err != nil {
		n.logger.Warn("journal append failed", map[string]any{
			"conversation_id": conversationID,
			"type":            string(env.Type),
			"error":           err.Error(),
		})
	}
	return n.next.Notify(ctx, conversationID, env)
}
