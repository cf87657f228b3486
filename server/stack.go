package server

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/pithecene-io/treesync/correlation"
	"github.com/pithecene-io/treesync/dispatch"
	"github.com/pithecene-io/treesync/journal"
	"github.com/pithecene-io/treesync/log"
	"github.com/pithecene-io/treesync/metrics"
	"github.com/pithecene-io/treesync/relay"
	"github.com/pithecene-io/treesync/store"
	"github.com/pithecene-io/treesync/types"
	"github.com/pithecene-io/treesync/webhook"
)

// flushTimeout bounds how long shutdown waits for queued relay envelopes.
const flushTimeout = 15 * time.Second

// StackConfig describes a relay node.
type StackConfig struct {
	Addr   string
	Secret string
	Store  store.Store
	// Journal is optional. When set, relayed envelopes are journaled and
	// subscribers may replay with since.
	Journal *journal.Journal
	// Workflow is where client requests are dispatched.
	Workflow dispatch.Config
	// Redis, when URL is set, shares rooms with other relay nodes.
	Redis relay.RedisConfig
	// RemoteRelay, when URL is set, makes this an ingestion-only node that
	// forwards envelopes to another node's /notify instead of a local hub.
	RemoteRelay dispatch.Config

	CorrelationSize int
	CorrelationTTL  time.Duration
	ChunkSize       int
	Hub             relay.HubOptions
	DispatchTimeout time.Duration
	// NotifyTimeout bounds one relay delivery from the outbox.
	NotifyTimeout time.Duration

	Logger  *log.Logger
	Metrics *metrics.Collector
}

// Stack is a fully wired relay node.
type Stack struct {
	Cache      *correlation.Cache
	Hub        *relay.Hub
	Bridge     *relay.RedisBridge
	Notifier   relay.Notifier
	Outbox     *webhook.Outbox
	Dispatcher *dispatch.Dispatcher
	Ingester   *webhook.Ingester
	Inbound    *Inbound
	Server     *Server

	remote *relay.HTTPNotifier
	logger *log.Logger
}

// NewStack wires a node. Notifications flow journal, then Redis, then the
// local hub; each stage is skipped when not configured.
func NewStack(cfg StackConfig) (*Stack, error) {
	if cfg.Store == nil {
		return nil, errors.New("server: store is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Nop()
	}
	st := &Stack{
		Cache:  correlation.New(cfg.CorrelationSize, cfg.CorrelationTTL),
		logger: cfg.Logger,
	}

	dispatcher, err := dispatch.New(cfg.Workflow, cfg.Secret, st.Cache, cfg.Logger.Named("dispatch"), cfg.Metrics)
	if err != nil {
		return nil, fmt.Errorf("server: workflow: %w", err)
	}
	st.Dispatcher = dispatcher

	serial := &webhook.Serializer{}
	hubOpts := cfg.Hub
	hubOpts.Logger = cfg.Logger.Named("hub")
	hubOpts.Metrics = cfg.Metrics
	hubOpts.Inbound = relay.InboundFunc(func(ctx context.Context, env *types.Envelope) error {
		return st.Inbound.HandleClientMessage(ctx, env)
	})
	if cfg.Journal != nil {
		hubOpts.Journal = cfg.Journal
	}
	st.Hub = relay.NewHub(hubOpts)

	var notifier relay.Notifier = st.Hub
	switch {
	case cfg.RemoteRelay.URL != "":
		st.remote, err = relay.NewHTTPNotifier(cfg.RemoteRelay, cfg.Secret)
		if err != nil {
			return nil, fmt.Errorf("server: remote relay: %w", err)
		}
		notifier = st.remote
	case cfg.Redis.URL != "":
		st.Bridge, err = relay.NewRedisBridge(cfg.Redis, st.Hub, cfg.Logger.Named("redis"), cfg.Metrics)
		if err != nil {
			return nil, fmt.Errorf("server: %w", err)
		}
		notifier = st.Bridge
	}
	if cfg.Journal != nil {
		notifier = relay.NewJournalNotifier(cfg.Journal, notifier, cfg.Logger.Named("journal"))
	}
	st.Notifier = notifier
	st.Outbox = webhook.NewOutbox(notifier, webhook.OutboxOptions{
		Timeout: cfg.NotifyTimeout,
		Logger:  cfg.Logger.Named("outbox"),
		Metrics: cfg.Metrics,
	})

	st.Ingester, err = webhook.New(webhook.Options{
		Store:     cfg.Store,
		Cache:     st.Cache,
		Notifier:  notifier,
		Outbox:    st.Outbox,
		Serial:    serial,
		ChunkSize: cfg.ChunkSize,
		Logger:    cfg.Logger.Named("webhook"),
		Metrics:   cfg.Metrics,
	})
	if err != nil {
		return nil, err
	}

	st.Inbound, err = NewInbound(InboundOptions{
		Store:           cfg.Store,
		Dispatcher:      dispatcher,
		Notifier:        st.Outbox,
		Serial:          serial,
		DispatchTimeout: cfg.DispatchTimeout,
		Logger:          cfg.Logger.Named("inbound"),
		Metrics:         cfg.Metrics,
	})
	if err != nil {
		return nil, err
	}

	opts := Options{
		Addr:     cfg.Addr,
		Secret:   cfg.Secret,
		Store:    cfg.Store,
		Ingester: st.Ingester,
		Hub:      st.Hub,
		Notifier: notifier,
		Logger:   cfg.Logger,
		Metrics:  cfg.Metrics,
	}
	if cfg.Journal != nil {
		opts.Journal = cfg.Journal
	}
	st.Server, err = New(opts)
	if err != nil {
		return nil, err
	}
	return st, nil
}

// Run serves HTTP and, when configured, the Redis bridge until ctx is
// canceled or either fails.
func (s *Stack) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.Server.Run(gctx)
	})
	if s.Bridge != nil {
		g.Go(func() error {
			return s.Bridge.Run(gctx)
		})
	}
	err := g.Wait()
	s.Inbound.Wait()

	flushCtx, cancel := context.WithTimeout(context.Background(), flushTimeout)
	defer cancel()
	if ferr := s.Outbox.Flush(flushCtx); ferr != nil {
		s.logger.Warn("relay outbox not drained", map[string]any{"error": ferr.Error()})
	}
	return err
}

// Close releases transport resources. The store is owned by the caller.
func (s *Stack) Close() error {
	var errs []error
	if err := s.Dispatcher.Close(); err != nil {
		errs = append(errs, err)
	}
	if s.Bridge != nil {
		if err := s.Bridge.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if s.remote != nil {
		if err := s.remote.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
