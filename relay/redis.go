package relay

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/pithecene-io/treesync/log"
	"github.com/pithecene-io/treesync/metrics"
	"github.com/pithecene-io/treesync/types"
)

// DefaultChannelPrefix prefixes the per-conversation pub/sub channel.
const DefaultChannelPrefix = "treesync:room:"

// DefaultRedisTimeout is the default per-publish timeout.
const DefaultRedisTimeout = 5 * time.Second

// DefaultRedisRetries is the default number of retry attempts.
const DefaultRedisRetries = 3

// RedisConfig configures the Redis bridge.
type RedisConfig struct {
	// URL is the Redis connection URL (required).
	// Format: redis://[:password@]host:port[/db]
	URL string
	// ChannelPrefix is prepended to the conversation id (default: treesync:room:).
	ChannelPrefix string
	// Timeout is the per-publish timeout (default 5s).
	Timeout time.Duration
	// Retries is the number of retry attempts on failure (default 3).
	Retries int
	// BaseDelay is the first retry backoff interval (default 500ms).
	BaseDelay time.Duration
}

// bridgeMessage is the msgpack payload published per envelope.
type bridgeMessage struct {
	Origin         string          `msgpack:"origin"`
	ConversationID string          `msgpack:"conversationId"`
	Envelope       *types.Envelope `msgpack:"envelope"`
}

// RedisBridge shares room traffic between relay nodes. Envelopes notified
// locally are delivered to the local notifier at once and published to
// Redis; envelopes published by other nodes are fed to the local notifier
// by Run.
type RedisBridge struct {
	config  RedisConfig
	client  *goredis.Client
	local   Notifier
	origin  string
	logger  *log.Logger
	metrics *metrics.Collector

	ready     chan struct{}
	readyOnce sync.Once
}

// NewRedisBridge creates a bridge delivering to local.
// Returns an error if the URL is empty or invalid.
func NewRedisBridge(cfg RedisConfig, local Notifier, logger *log.Logger, m *metrics.Collector) (*RedisBridge, error) {
	if cfg.URL == "" {
		return nil, errors.New("redis bridge requires a URL")
	}
	if local == nil {
		return nil, errors.New("redis bridge requires a local notifier")
	}

	opts, err := goredis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("redis bridge: invalid URL: %w", err)
	}

	if cfg.ChannelPrefix == "" {
		cfg.ChannelPrefix = DefaultChannelPrefix
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultRedisTimeout
	}
	if cfg.Retries < 0 {
		return nil, fmt.Errorf("retries must be >= 0, got %d", cfg.Retries)
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 500 * time.Millisecond
	}
	if logger == nil {
		logger = log.Nop()
	}

	return &RedisBridge{
		config:  cfg,
		client:  goredis.NewClient(opts),
		local:   local,
		origin:  uuid.NewString(),
		logger:  logger,
		metrics: m,
		ready:   make(chan struct{}),
	}, nil
}

// Channel returns the pub/sub channel for a conversation.
func (b *RedisBridge) Channel(conversationID string) string {
	return b.config.ChannelPrefix + conversationID
}

// Notify delivers env locally, then publishes it for other nodes.
// Retries the publish with exponential backoff on failures.
func (b *RedisBridge) Notify(ctx context.Context, conversationID string, env *types.Envelope) error {
	if conversationID == "" {
		return ErrNoConversation
	}
	env.WithConversation(conversationID)
	localErr := b.local.Notify(ctx, conversationID, env)

	body, err := msgpack.Marshal(&bridgeMessage{Origin: b.origin, ConversationID: conversationID, Envelope: env})
	if err != nil {
		return errors.Join(localErr, fmt.Errorf("redis: marshal envelope: %w", err))
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = b.config.BaseDelay
	policy.Multiplier = 2
	policy.RandomizationFactor = 0

	attempts := 1 + b.config.Retries
	_, err = backoff.Retry(ctx, func() (struct{}, error) {
		publishCtx, cancel := context.WithTimeout(ctx, b.config.Timeout)
		defer cancel()
		return struct{}{}, b.client.Publish(publishCtx, b.Channel(conversationID), body).Err()
	}, backoff.WithBackOff(policy), backoff.WithMaxTries(uint(attempts)))
	if err != nil {
		b.metrics.IncNotifyFailure()
		return errors.Join(localErr, fmt.Errorf("redis: failed after %d attempts: %w", attempts, err))
	}
	return localErr
}

// Ready is closed once Run's subscription is confirmed.
func (b *RedisBridge) Ready() <-chan struct{} { return b.ready }

// Run subscribes to every room channel and feeds envelopes published by
// other nodes to the local notifier. It blocks until ctx is done.
func (b *RedisBridge) Run(ctx context.Context) error {
	ps := b.client.PSubscribe(ctx, b.config.ChannelPrefix+"*")
	defer func() { _ = ps.Close() }()

	if _, err := ps.Receive(ctx); err != nil {
		return fmt.Errorf("redis: subscribe: %w", err)
	}
	b.readyOnce.Do(func() { close(b.ready) })
	b.logger.Info("redis bridge subscribed", map[string]any{"pattern": b.config.ChannelPrefix + "*"})

	ch := ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			b.receive(ctx, msg)
		}
	}
}

func (b *RedisBridge) receive(ctx context.Context, msg *goredis.Message) {
	var m bridgeMessage
	if err := msgpack.Unmarshal([]byte(msg.Payload), &m); err != nil || m.Envelope == nil {
		b.metrics.IncFrameDecodeError()
		b.logger.Warn("dropping malformed bridge message", map[string]any{"channel": msg.Channel})
		return
	}
	if m.Origin == b.origin {
		return
	}
	conv := m.ConversationID
	if conv == "" {
		conv = strings.TrimPrefix(msg.Channel, b.config.ChannelPrefix)
	}
	if err := b.local.Notify(ctx, conv, m.Envelope); err != nil {
		b.metrics.IncNotifyFailure()
		b.logger.Warn("bridge delivery failed", map[string]any{"conversation_id": conv, "error": err.Error()})
	}
}

// Close releases the Redis client.
func (b *RedisBridge) Close() error {
	return b.client.Close()
}
