package stream

import (
	"github.com/pithecene-io/treesync/bus"
	"github.com/pithecene-io/treesync/types"
)

// Update is the payload of message_updated and message_completed events.
type Update struct {
	ConversationID string `json:"conversationId,omitempty"`
	MessageID      string `json:"messageId"`
	Content        string `json:"content"`
	FragmentCount  int    `json:"fragmentCount,omitempty"`
	DurationMs     int64  `json:"durationMs,omitempty"`
}

// Bind feeds ai_message_* envelopes from b into r and publishes
// message_updated after every accepted chunk and message_completed on end.
// The returned function removes the subscriptions.
func (r *Reassembler) Bind(b *bus.Envelopes) (unbind func()) {
	offs := []func(){
		b.On(types.TypeAIMessageStart, func(env *types.Envelope) {
			if p, ok := r.payload(env); ok {
				r.Start(p.MessageID)
			}
		}),
		b.On(types.TypeAIMessageChunk, func(env *types.Envelope) {
			p, ok := r.payload(env)
			if !ok {
				return
			}
			content, ok := r.Chunk(p.MessageID, p.Content)
			if !ok {
				return
			}
			bus.Emit(b, types.EventMessageUpdated, Update{
				ConversationID: env.ConversationID(),
				MessageID:      p.MessageID,
				Content:        content,
			})
		}),
		b.On(types.TypeAIMessageEnd, func(env *types.Envelope) {
			p, ok := r.payload(env)
			if !ok {
				return
			}
			res, ok := r.End(p.MessageID)
			if !ok {
				return
			}
			bus.Emit(b, types.EventMessageCompleted, Update{
				ConversationID: env.ConversationID(),
				MessageID:      res.MessageID,
				Content:        res.Content,
				FragmentCount:  res.FragmentCount,
				DurationMs:     res.Duration.Milliseconds(),
			})
		}),
	}
	return func() {
		for _, off := range offs {
			off()
		}
	}
}

func (r *Reassembler) payload(env *types.Envelope) (types.MessagePayload, bool) {
	var p types.MessagePayload
	if err := env.DecodeData(&p); err != nil || p.MessageID == "" {
		r.logger.Warn("dropping malformed stream envelope", map[string]any{
			"type":        string(env.Type),
			"envelope_id": env.ID,
		})
		return p, false
	}
	return p, true
}
