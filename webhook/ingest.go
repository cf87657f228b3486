// Package webhook ingests callbacks from the AI workflow.
//
// Each callback is validated, attributed to a conversation (explicit ids,
// else the correlation cache), applied to the store under a per-conversation
// lock and relayed to the conversation's room. Relay failures are logged and
// never roll back a persisted change.
package webhook

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/pithecene-io/treesync/correlation"
	"github.com/pithecene-io/treesync/log"
	"github.com/pithecene-io/treesync/metrics"
	"github.com/pithecene-io/treesync/relay"
	"github.com/pithecene-io/treesync/skilltree"
	"github.com/pithecene-io/treesync/store"
	"github.com/pithecene-io/treesync/types"
)

// DefaultChunkSize is the number of runes per relayed message chunk.
const DefaultChunkSize = 32

// Options configures an Ingester.
type Options struct {
	Store    store.Store
	Cache    *correlation.Cache
	Notifier relay.Notifier
	// Outbox relays envelopes outside the conversation write lock. Share it
	// with any other component relaying conversation events; nil creates a
	// private one around Notifier.
	Outbox *Outbox
	// Serial orders writes per conversation. Share it with any other
	// component writing conversations; nil creates a private one.
	Serial *Serializer
	// ChunkSize is the rune length of relayed message chunks.
	ChunkSize int
	Logger    *log.Logger
	Metrics   *metrics.Collector
}

// Result describes an applied callback.
type Result struct {
	ConversationID string `json:"conversationId"`
	// MessageID is the assistant message created by a message callback.
	MessageID   string `json:"messageId,omitempty"`
	ObjectiveID string `json:"objectiveId,omitempty"`
	// Fallback is true when the conversation came from the latest
	// correlation entry rather than an explicit id.
	Fallback bool `json:"fallback,omitempty"`
}

// Ingester applies workflow callbacks.
type Ingester struct {
	store     store.Store
	cache     *correlation.Cache
	outbox    *Outbox
	serial    *Serializer
	chunkSize int
	logger    *log.Logger
	metrics   *metrics.Collector
}

// New creates an ingester.
func New(opts Options) (*Ingester, error) {
	if opts.Store == nil {
		return nil, errors.New("webhook: store is required")
	}
	if opts.Cache == nil {
		opts.Cache = correlation.New(0, 0)
	}
	if opts.Notifier == nil {
		opts.Notifier = relay.NotifierFunc(func(context.Context, string, *types.Envelope) error { return nil })
	}
	if opts.Serial == nil {
		opts.Serial = &Serializer{}
	}
	if opts.Outbox == nil {
		opts.Outbox = NewOutbox(opts.Notifier, OutboxOptions{Logger: opts.Logger, Metrics: opts.Metrics})
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = DefaultChunkSize
	}
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	return &Ingester{
		store:     opts.Store,
		cache:     opts.Cache,
		outbox:    opts.Outbox,
		serial:    opts.Serial,
		chunkSize: opts.ChunkSize,
		logger:    opts.Logger,
		metrics:   opts.Metrics,
	}, nil
}

// target is a resolved callback destination.
type target struct {
	conversationID string
	replyTo        string
	requestID      string
	fallback       bool
}

// resolve attributes p to a conversation: explicit ids win, then the
// entry for p.RequestID. Only a callback naming no request falls back to
// the latest unexpired entry.
func (in *Ingester) resolve(p *types.WebhookPayload) (target, error) {
	if p.ConversationID != "" {
		t := target{conversationID: p.ConversationID, replyTo: p.MessageID, requestID: p.RequestID}
		return t, nil
	}

	entry, ok := in.cache.Resolve(p.RequestID)
	if !ok && p.RequestID != "" {
		return target{}, newError(KindCorrelation, fmt.Errorf("request %q is unknown or expired", p.RequestID))
	}
	if !ok || entry.ConversationID == "" {
		return target{}, newError(KindCorrelation, errors.New("no conversationId and no recent dispatch to attribute it to"))
	}
	fallback := p.RequestID == ""

	t := target{
		conversationID: entry.ConversationID,
		replyTo:        p.MessageID,
		requestID:      entry.RequestID,
		fallback:       fallback,
	}
	if t.replyTo == "" {
		t.replyTo = entry.LastMessageID
	}
	return t, nil
}

// Ingest validates, resolves and applies one callback.
func (in *Ingester) Ingest(ctx context.Context, p *types.WebhookPayload) (*Result, error) {
	in.metrics.IncWebhookReceived()

	res, err := in.ingest(ctx, p)
	if err != nil {
		kind := KindOf(err)
		in.metrics.IncWebhookRejected(kind.String())
		fields := map[string]any{"type": string(p.Type), "kind": kind.String(), "error": err.Error()}
		if res != nil {
			fields["conversation_id"] = res.ConversationID
		}
		if kind == KindStorage {
			in.logger.Error("webhook failed", fields)
		} else {
			in.logger.Warn("webhook rejected", fields)
		}
		return res, err
	}

	in.metrics.IncWebhookApplied()
	in.logger.Debug("webhook applied", map[string]any{
		"type":            string(p.Type),
		"conversation_id": res.ConversationID,
		"fallback":        res.Fallback,
	})
	return res, nil
}

func (in *Ingester) ingest(ctx context.Context, p *types.WebhookPayload) (*Result, error) {
	if err := p.Validate(); err != nil {
		return nil, newError(KindProtocol, err)
	}

	t, err := in.resolve(p)
	if err != nil {
		return nil, err
	}
	if t.fallback {
		in.metrics.IncCorrelationFallback()
		in.logger.Info("webhook attributed by correlation fallback", map[string]any{
			"conversation_id": t.conversationID,
			"request_id":      t.requestID,
		})
	}

	res := &Result{ConversationID: t.conversationID, Fallback: t.fallback}
	err = in.serial.Do(t.conversationID, func() error {
		return in.apply(ctx, t, p, res)
	})
	if err != nil {
		return res, err
	}

	switch p.Type {
	case types.WebhookObjectiveComplete, types.WebhookObjectiveUpdateComplete, types.WebhookError:
		if t.requestID != "" {
			in.cache.Consume(t.requestID)
		}
	}
	return res, nil
}

func (in *Ingester) apply(ctx context.Context, t target, p *types.WebhookPayload, res *Result) error {
	conv, err := in.store.EnsureConversation(ctx, t.conversationID)
	if err != nil {
		return newError(KindStorage, err)
	}

	switch p.Type {
	case types.WebhookMessage:
		return in.applyMessage(ctx, conv, t, p, res)
	case types.WebhookObjectiveStart:
		return in.applyObjectiveStart(ctx, conv, p, res)
	case types.WebhookError:
		return in.applyError(ctx, conv, p, res)
	}

	a, err := in.currentObjective(ctx, conv)
	if err != nil {
		return err
	}
	res.ObjectiveID = a.ID

	switch p.Type {
	case types.WebhookObjectiveStep:
		return in.applyStep(ctx, conv, a, p)
	case types.WebhookObjectiveComplete:
		return in.applyObjectiveComplete(ctx, conv, a)
	case types.WebhookObjectiveUpdateStart:
		if a.Status != skilltree.StatusActive {
			return newError(KindState, fmt.Errorf("objective %s is %s, not active", a.ID, a.Status))
		}
		in.notify(ctx, conv.ID, types.TypeObjectiveUpdateStarted, in.graphPayload(a, nil, ""))
		return nil
	case types.WebhookNodeAdded, types.WebhookNodeUpdated, types.WebhookNodeDeleted:
		return in.applyNodeChange(ctx, conv, a, p)
	case types.WebhookObjectiveUpdateComplete:
		if err := in.saveObjective(ctx, a); err != nil {
			return err
		}
		in.notify(ctx, conv.ID, types.TypeObjectiveUpdateCompleted, in.graphPayload(a, nil, ""))
		return nil
	}
	return newError(KindProtocol, fmt.Errorf("%w: %q", types.ErrUnknownWebhookType, p.Type))
}

func (in *Ingester) applyMessage(ctx context.Context, conv *store.Conversation, t target, p *types.WebhookPayload, res *Result) error {
	msg := &store.Message{
		ID:             uuid.NewString(),
		ConversationID: conv.ID,
		Role:           types.RoleAssistant,
		Content:        *p.Content,
		ReplyTo:        t.replyTo,
	}
	if err := in.store.AppendMessage(ctx, msg); err != nil {
		return newError(KindStorage, err)
	}
	res.MessageID = msg.ID

	conv.IsThinking = false
	conv.Status = types.ConversationCompleted
	if !p.IsFinalMessage() {
		conv.Status = types.ConversationWaitingForGeneration
	}
	if err := in.store.UpdateConversation(ctx, conv); err != nil {
		return newError(KindStorage, err)
	}

	in.relayMessage(ctx, conv.ID, msg.ID, msg.Content, p.IsFinalMessage())
	return nil
}

// relayMessage streams content as start, rune-bounded chunks, end.
func (in *Ingester) relayMessage(ctx context.Context, convID, messageID, content string, final bool) {
	in.notify(ctx, convID, types.TypeAIMessageStart, types.MessagePayload{ConversationID: convID, MessageID: messageID})
	for _, chunk := range Chunks(content, in.chunkSize) {
		in.notify(ctx, convID, types.TypeAIMessageChunk, types.MessagePayload{ConversationID: convID, MessageID: messageID, Content: chunk})
	}
	in.notify(ctx, convID, types.TypeAIMessageEnd, types.MessagePayload{ConversationID: convID, MessageID: messageID, IsFinal: final})
}

func (in *Ingester) applyObjectiveStart(ctx context.Context, conv *store.Conversation, p *types.WebhookPayload, res *Result) error {
	a := skilltree.New(store.NewID(), conv.ID, *p.ObjectiveMetadata)
	a.Status = skilltree.StatusGenerating
	if err := in.saveObjective(ctx, a); err != nil {
		return err
	}
	res.ObjectiveID = a.ID

	conv.CurrentObjectiveID = a.ID
	if conv.Title == "" {
		conv.Title = a.Title
	}
	conv.Status = types.ConversationWaitingForGeneration
	conv.IsThinking = false
	if err := in.store.UpdateConversation(ctx, conv); err != nil {
		return newError(KindStorage, err)
	}

	in.notify(ctx, conv.ID, types.TypeObjectiveStarted, in.graphPayload(a, nil, ""))
	return nil
}

func (in *Ingester) applyStep(ctx context.Context, conv *store.Conversation, a *skilltree.Artifact, p *types.WebhookPayload) error {
	if a.Status != skilltree.StatusGenerating {
		return newError(KindState, fmt.Errorf("objective %s is %s, not generating", a.ID, a.Status))
	}
	if _, err := a.AddNode(*p.Step); err != nil {
		return newError(KindState, err)
	}
	if p.GenerationProgress != nil {
		a.SetProgress(*p.GenerationProgress)
	} else {
		a.SetProgress(derivedProgress(a))
	}
	if err := in.saveObjective(ctx, a); err != nil {
		return err
	}

	in.notify(ctx, conv.ID, types.TypeStepAdded, in.graphPayload(a, p.Step, ""))
	return nil
}

// derivedProgress estimates progress when the workflow sends none. It never
// reaches 100; only objective_complete does.
func derivedProgress(a *skilltree.Artifact) int {
	return max(a.GenerationProgress, min(95, a.Len()*10))
}

func (in *Ingester) applyObjectiveComplete(ctx context.Context, conv *store.Conversation, a *skilltree.Artifact) error {
	if a.Status != skilltree.StatusGenerating && a.Status != skilltree.StatusActive {
		return newError(KindState, fmt.Errorf("objective %s is %s", a.ID, a.Status))
	}
	a.Status = skilltree.StatusActive
	a.SetProgress(100)
	if err := in.saveObjective(ctx, a); err != nil {
		return err
	}

	msg := &store.Message{
		ID:             uuid.NewString(),
		ConversationID: conv.ID,
		Role:           types.RoleAssistant,
		Content:        completionMessage(a),
	}
	if err := in.store.AppendMessage(ctx, msg); err != nil {
		return newError(KindStorage, err)
	}

	conv.Status = types.ConversationCompleted
	conv.IsThinking = false
	if err := in.store.UpdateConversation(ctx, conv); err != nil {
		return newError(KindStorage, err)
	}

	in.notify(ctx, conv.ID, types.TypeObjectiveCompleted, in.graphPayload(a, nil, ""))
	in.relayMessage(ctx, conv.ID, msg.ID, msg.Content, true)
	return nil
}

func completionMessage(a *skilltree.Artifact) string {
	steps := "steps"
	if a.Len() == 1 {
		steps = "step"
	}
	return fmt.Sprintf("Your skill tree %q is ready with %d %s. Start with the unlocked steps.", a.Title, a.Len(), steps)
}

func (in *Ingester) applyNodeChange(ctx context.Context, conv *store.Conversation, a *skilltree.Artifact, p *types.WebhookPayload) error {
	if a.Status != skilltree.StatusActive {
		return newError(KindState, fmt.Errorf("objective %s is %s, not active", a.ID, a.Status))
	}

	var (
		relayType types.MessageType
		err       error
		nodeID    string
	)
	switch p.Type {
	case types.WebhookNodeAdded:
		relayType = types.TypeNodeAdded
		_, err = a.AddNode(*p.Step)
	case types.WebhookNodeUpdated:
		relayType = types.TypeNodeUpdated
		err = a.UpdateNode(*p.Step)
	default:
		relayType = types.TypeNodeDeleted
		nodeID = p.DeletedNodeID()
		err = a.DeleteNode(nodeID)
	}
	if err != nil {
		return newError(KindState, err)
	}
	if err := in.saveObjective(ctx, a); err != nil {
		return err
	}

	in.notify(ctx, conv.ID, relayType, in.graphPayload(a, p.Step, nodeID))
	return nil
}

func (in *Ingester) applyError(ctx context.Context, conv *store.Conversation, p *types.WebhookPayload, res *Result) error {
	reason := p.Error
	if reason == "" && p.Content != nil {
		reason = *p.Content
	}

	if conv.CurrentObjectiveID != "" {
		a, err := in.store.GetObjective(ctx, conv.CurrentObjectiveID)
		switch {
		case err == nil && a.Status == skilltree.StatusGenerating:
			a.Status = skilltree.StatusFailed
			if err := in.saveObjective(ctx, a); err != nil {
				return err
			}
			res.ObjectiveID = a.ID
		case err != nil && !errors.Is(err, store.ErrNotFound):
			return newError(KindStorage, err)
		}
	}

	conv.Status = types.ConversationFailed
	conv.IsThinking = false
	if err := in.store.UpdateConversation(ctx, conv); err != nil {
		return newError(KindStorage, err)
	}

	in.notify(ctx, conv.ID, types.TypeError, types.ErrorPayload{
		ConversationID: conv.ID,
		Code:           "workflow_error",
		Message:        reason,
	})
	return nil
}

// CompleteNode marks a step of the conversation's current objective done
// and relays the updated node.
func (in *Ingester) CompleteNode(ctx context.Context, conversationID, nodeID string) (*skilltree.Artifact, error) {
	var out *skilltree.Artifact
	err := in.serial.Do(conversationID, func() error {
		conv, err := in.store.GetConversation(ctx, conversationID)
		if errors.Is(err, store.ErrNotFound) {
			return newError(KindCorrelation, err)
		}
		if err != nil {
			return newError(KindStorage, err)
		}
		a, err := in.currentObjective(ctx, conv)
		if err != nil {
			return err
		}
		if err := a.CompleteNode(nodeID); err != nil {
			return newError(KindState, err)
		}
		if err := in.saveObjective(ctx, a); err != nil {
			return err
		}
		node, _ := a.Node(nodeID)
		step := stepOf(node)
		in.notify(ctx, conv.ID, types.TypeNodeUpdated, in.graphPayload(a, &step, ""))
		out = a
		return nil
	})
	return out, err
}

// Status answers the polling endpoint for a conversation. replyTo selects
// the answer to a specific user message.
func (in *Ingester) Status(ctx context.Context, conversationID, replyTo string) (*types.StatusResponse, error) {
	conv, err := in.store.GetConversation(ctx, conversationID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, newError(KindCorrelation, err)
	}
	if err != nil {
		return nil, newError(KindStorage, err)
	}

	resp := &types.StatusResponse{Status: string(conv.Status), IsThinking: conv.IsThinking}
	msg, err := in.store.LatestReply(ctx, conversationID, replyTo)
	switch {
	case err == nil:
		resp.Response = msg.Content
		resp.HasResponse = true
	case !errors.Is(err, store.ErrNotFound):
		return nil, newError(KindStorage, err)
	}
	return resp, nil
}

func (in *Ingester) currentObjective(ctx context.Context, conv *store.Conversation) (*skilltree.Artifact, error) {
	if conv.CurrentObjectiveID == "" {
		return nil, newError(KindState, fmt.Errorf("conversation %s has no current objective", conv.ID))
	}
	a, err := in.store.GetObjective(ctx, conv.CurrentObjectiveID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, newError(KindState, fmt.Errorf("objective %s: %w", conv.CurrentObjectiveID, err))
	}
	if err != nil {
		return nil, newError(KindStorage, err)
	}
	return a, nil
}

func (in *Ingester) saveObjective(ctx context.Context, a *skilltree.Artifact) error {
	if err := in.store.SaveObjective(ctx, a); err != nil {
		return newError(KindStorage, err)
	}
	return nil
}

func (in *Ingester) graphPayload(a *skilltree.Artifact, step *types.Step, nodeID string) types.GraphPayload {
	progress := a.GenerationProgress
	payload := types.GraphPayload{
		ConversationID: a.ConversationID,
		ObjectiveID:    a.ID,
		Step:           step,
		NodeID:         nodeID,
		Progress:       &progress,
	}
	if step == nil && nodeID == "" {
		payload.Metadata = &types.ObjectiveMetadata{
			Title:             a.Title,
			Description:       a.Description,
			Category:          a.Category,
			Difficulty:        a.Difficulty,
			EstimatedDuration: a.EstimatedDuration,
		}
	}
	return payload
}

func stepOf(n *skilltree.Node) types.Step {
	return types.Step{
		ID:           n.ID,
		Title:        n.Title,
		Description:  n.Description,
		Dependencies: n.Dependencies,
		XPReward:     n.XPReward,
		Completed:    n.Completed,
	}
}

// Flush waits until relay envelopes queued so far have been delivered or
// ctx ends.
func (in *Ingester) Flush(ctx context.Context) error {
	return in.outbox.Flush(ctx)
}

// notify queues one envelope on the outbox. Delivery failures are logged
// and counted by the outbox.
func (in *Ingester) notify(ctx context.Context, convID string, t types.MessageType, data any) {
	env, err := types.NewEnvelope(t, data)
	if err != nil {
		in.logger.Error("encode relay envelope failed", map[string]any{"type": string(t), "error": err.Error()})
		return
	}
	if err := in.outbox.Notify(ctx, convID, env); err != nil {
		in.metrics.IncNotifyFailure()
		in.logger.Warn("relay notify failed", map[string]any{
			"conversation_id": convID,
			"type":            string(t),
			"error":           err.Error(),
		})
	}
}

// Chunks splits s into pieces of at most size runes. Empty s yields none.
func Chunks(s string, size int) []string {
	if s == "" {
		return nil
	}
	runes := []rune(s)
	out := make([]string, 0, (len(runes)+size-1)/size)
	for len(runes) > 0 {
		n := min(size, len(runes))
		out = append(out, string(runes[:n]))
		runes = runes[n:]
	}
	return out
}
