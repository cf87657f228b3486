package webhook

import (
	"context"
	"sync"
	"time"

	"github.com/pithecene-io/treesync/log"
	"github.com/pithecene-io/treesync/metrics"
	"github.com/pithecene-io/treesync/relay"
	"github.com/pithecene-io/treesync/types"
)

// Outbox defaults.
const (
	DefaultNotifyTimeout = 10 * time.Second
	DefaultOutboxLimit   = 1024
)

// OutboxOptions configures an Outbox.
type OutboxOptions struct {
	// Timeout bounds one delivery, retries inside the notifier included.
	Timeout time.Duration
	// Limit caps pending envelopes per conversation. When full the oldest
	// pending envelope is dropped.
	Limit   int
	Logger  *log.Logger
	Metrics *metrics.Collector
}

// Outbox relays envelopes per conversation in the order they were queued,
// on a goroutine per busy conversation. Notify never blocks on the
// downstream notifier, so callers may queue while holding a conversation
// write lock. Delivery failures are logged and counted only.
type Outbox struct {
	next    relay.Notifier
	timeout time.Duration
	limit   int
	logger  *log.Logger
	metrics *metrics.Collector

	mu    sync.Mutex
	lanes map[string][]*types.Envelope
	idle  chan struct{}
}

// NewOutbox creates an outbox delivering to next.
func NewOutbox(next relay.Notifier, opts OutboxOptions) *Outbox {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultNotifyTimeout
	}
	if opts.Limit <= 0 {
		opts.Limit = DefaultOutboxLimit
	}
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	idle := make(chan struct{})
	close(idle)
	return &Outbox{
		next:    next,
		timeout: opts.Timeout,
		limit:   opts.Limit,
		logger:  opts.Logger,
		metrics: opts.Metrics,
		lanes:   make(map[string][]*types.Envelope),
		idle:    idle,
	}
}

// Notify queues env for conversationID. It implements relay.Notifier.
func (o *Outbox) Notify(_ context.Context, conversationID string, env *types.Envelope) error {
	if conversationID == "" {
		return relay.ErrNoConversation
	}
	o.mu.Lock()
	defer o.mu.Unlock()

	pending, running := o.lanes[conversationID]
	if len(pending) >= o.limit {
		o.metrics.IncEnvelopeDropped()
		o.logger.Warn("outbox full, dropping oldest envelope", map[string]any{
			"conversation_id": conversationID,
			"type":            string(pending[0].Type),
		})
		pending = pending[1:]
	}
	o.lanes[conversationID] = append(pending, env)
	if !running {
		if len(o.lanes) == 1 {
			o.idle = make(chan struct{})
		}
		go o.run(conversationID)
	}
	return nil
}

// Flush waits until every queued envelope has been delivered or ctx ends.
func (o *Outbox) Flush(ctx context.Context) error {
	o.mu.Lock()
	idle := o.idle
	o.mu.Unlock()
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *Outbox) run(conversationID string) {
	for {
		o.mu.Lock()
		batch := o.lanes[conversationID]
		if len(batch) == 0 {
			delete(o.lanes, conversationID)
			if len(o.lanes) == 0 {
				close(o.idle)
			}
			o.mu.Unlock()
			return
		}
		o.lanes[conversationID] = nil
		o.mu.Unlock()

		for _, env := range batch {
			o.deliver(conversationID, env)
		}
	}
}

func (o *Outbox) deliver(conversationID string, env *types.Envelope) {
	ctx, cancel := context.WithTimeout(context.Background(), o.timeout)
	defer cancel()
	if err := o.next.Notify(ctx, conversationID, env); err != nil {
		o.metrics.IncNotifyFailure()
		o.logger.Warn("relay notify failed", map[string]any{
			"conversation_id": conversationID,
			"type":            string(env.Type),
			"error":           err.Error(),
		})
	}
}
