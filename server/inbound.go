package server

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pithecene-io/treesync/dispatch"
	"github.com/pithecene-io/treesync/log"
	"github.com/pithecene-io/treesync/metrics"
	"github.com/pithecene-io/treesync/relay"
	"github.com/pithecene-io/treesync/store"
	"github.com/pithecene-io/treesync/types"
	"github.com/pithecene-io/treesync/webhook"
)

// DefaultDispatchTimeout bounds one background workflow dispatch,
// retries included.
const DefaultDispatchTimeout = time.Minute

// titleRunes is the length of a title derived from the first message.
const titleRunes = 60

// Dispatcher sends work to the AI workflow.
type Dispatcher interface {
	Dispatch(ctx context.Context, req dispatch.Request) (string, error)
}

// InboundOptions configures an Inbound handler.
type InboundOptions struct {
	Store      store.Store
	Dispatcher Dispatcher
	Notifier   relay.Notifier
	// Serial must be the serializer shared with the webhook ingester.
	Serial          *webhook.Serializer
	DispatchTimeout time.Duration
	Logger          *log.Logger
	Metrics         *metrics.Collector
}

// Inbound persists client requests and forwards them to the workflow.
// Dispatch runs in the background so the socket read loop never waits on
// the workflow.
type Inbound struct {
	opts   InboundOptions
	logger *log.Logger
	wg     sync.WaitGroup
}

// NewInbound creates an inbound handler.
func NewInbound(opts InboundOptions) (*Inbound, error) {
	if opts.Store == nil {
		return nil, errors.New("server: inbound store is required")
	}
	if opts.Dispatcher == nil {
		return nil, errors.New("server: inbound dispatcher is required")
	}
	if opts.Notifier == nil {
		opts.Notifier = relay.NotifierFunc(func(context.Context, string, *types.Envelope) error { return nil })
	}
	if opts.Serial == nil {
		opts.Serial = &webhook.Serializer{}
	}
	if opts.DispatchTimeout <= 0 {
		opts.DispatchTimeout = DefaultDispatchTimeout
	}
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	return &Inbound{opts: opts, logger: opts.Logger}, nil
}

// HandleClientMessage implements relay.Inbound.
func (in *Inbound) HandleClientMessage(ctx context.Context, env *types.Envelope) error {
	in.opts.Metrics.IncClientMessage()
	convID := env.ConversationID()

	switch env.Type {
	case types.TypeUserMessage:
		var p types.UserMessagePayload
		if err := env.DecodeData(&p); err != nil {
			return fmt.Errorf("decode user_message: %w", err)
		}
		if p.Content == "" {
			return errors.New("user_message: content is required")
		}
		if p.MessageID == "" {
			p.MessageID = uuid.NewString()
		}
		if err := in.begin(ctx, convID, &p); err != nil {
			return err
		}
		in.dispatch(ctx, dispatch.Request{
			ConversationID: convID,
			MessageID:      p.MessageID,
			Type:           dispatch.KindUserMessage,
			Content:        p.Content,
		})
		return nil

	case types.TypeGenerateObjective:
		var p types.GeneratePayload
		if err := env.DecodeData(&p); err != nil {
			return fmt.Errorf("decode generate_objective: %w", err)
		}
		if err := in.begin(ctx, convID, nil); err != nil {
			return err
		}
		in.dispatch(ctx, dispatch.Request{
			ConversationID: convID,
			Type:           dispatch.KindGenerateObjective,
			Content:        p.Prompt,
		})
		return nil

	case types.TypeStopGeneration:
		in.dispatch(ctx, dispatch.Request{ConversationID: convID, Type: dispatch.KindStop})
		return nil
	}
	return fmt.Errorf("unsupported client message %q", env.Type)
}

// begin records the request and flips the conversation to thinking. msg is
// nil for requests without a user turn.
func (in *Inbound) begin(ctx context.Context, convID string, msg *types.UserMessagePayload) error {
	err := in.opts.Serial.Do(convID, func() error {
		conv, err := in.opts.Store.EnsureConversation(ctx, convID)
		if err != nil {
			return err
		}
		if msg != nil {
			if err := in.opts.Store.AppendMessage(ctx, &store.Message{
				ID:             msg.MessageID,
				ConversationID: convID,
				Role:           types.RoleUser,
				Content:        msg.Content,
			}); err != nil {
				return err
			}
			if conv.Title == "" {
				conv.Title = deriveTitle(msg.Content)
			}
		}
		conv.Status = types.ConversationWaitingForAI
		conv.IsThinking = true
		return in.opts.Store.UpdateConversation(ctx, conv)
	})
	if err != nil {
		return fmt.Errorf("record request: %w", err)
	}
	in.notify(ctx, convID, types.TypeAIThinking, types.ThinkingPayload{ConversationID: convID, IsThinking: true})
	return nil
}

func (in *Inbound) dispatch(ctx context.Context, req dispatch.Request) {
	ctx = context.WithoutCancel(ctx)
	in.wg.Add(1)
	go func() {
		defer in.wg.Done()
		dctx, cancel := context.WithTimeout(ctx, in.opts.DispatchTimeout)
		defer cancel()

		if _, err := in.opts.Dispatcher.Dispatch(dctx, req); err != nil {
			if req.Type == dispatch.KindStop {
				return
			}
			in.fail(ctx, req.ConversationID, err)
		}
	}()
}

// fail marks the conversation failed after a dispatch error and tells the room.
func (in *Inbound) fail(ctx context.Context, convID string, cause error) {
	err := in.opts.Serial.Do(convID, func() error {
		conv, err := in.opts.Store.GetConversation(ctx, convID)
		if err != nil {
			return err
		}
		conv.Status = types.ConversationFailed
		conv.IsThinking = false
		return in.opts.Store.UpdateConversation(ctx, conv)
	})
	if err != nil {
		in.logger.Error("mark conversation failed", map[string]any{"conversation_id": convID, "error": err.Error()})
	}
	in.notify(ctx, convID, types.TypeError, types.ErrorPayload{
		ConversationID: convID,
		Code:           "dispatch_failed",
		Message:        cause.Error(),
	})
}

func (in *Inbound) notify(ctx context.Context, convID string, t types.MessageType, data any) {
	env, err := types.NewEnvelope(t, data)
	if err != nil {
		in.logger.Error("encode envelope failed", map[string]any{"type": string(t), "error": err.Error()})
		return
	}
	if err := in.opts.Notifier.Notify(ctx, convID, env); err != nil {
		in.opts.Metrics.IncNotifyFailure()
		in.logger.Warn("relay notify failed", map[string]any{"conversation_id": convID, "type": string(t), "error": err.Error()})
	}
}

// Wait blocks until background dispatches finish.
func (in *Inbound) Wait() {
	in.wg.Wait()
}

func deriveTitle(content string) string {
	r := []rune(content)
	if len(r) <= titleRunes {
		return content
	}
	return string(r[:titleRunes]) + "…"
}
