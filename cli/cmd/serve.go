package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/treesync/cli/config"
	"github.com/pithecene-io/treesync/log"
	"github.com/pithecene-io/treesync/metrics"
	"github.com/pithecene-io/treesync/seal"
	"github.com/pithecene-io/treesync/server"
	"github.com/pithecene-io/treesync/store"
)

const defaultStorePath = "treesync.db"

// ServeCommand returns the serve command, which runs a relay node.
func ServeCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Run a relay node (WebSocket relay, webhook ingestion and workflow dispatch)",
		Flags: []cli.Flag{
			ConfigFlag,
			&cli.StringFlag{Name: "addr", Usage: "Listen address (default: " + server.DefaultAddr + ")"},
			&cli.StringFlag{Name: "secret", Usage: "Shared webhook secret", EnvVars: []string{"TREESYNC_SECRET"}},
			&cli.StringFlag{Name: "node", Usage: "Node name reported in metrics"},
			&cli.StringFlag{Name: "db", Usage: "SQLite database path (default: " + defaultStorePath + ")"},
			&cli.StringFlag{Name: "encryption-key", Usage: "Key sealing message content at rest", EnvVars: []string{"TREESYNC_ENCRYPTION_KEY"}},
			&cli.StringFlag{Name: "workflow-url", Usage: "Workflow endpoint client requests are dispatched to"},
			&cli.StringFlag{Name: "relay-url", Usage: "Forward envelopes to another node's /notify instead of serving sockets"},
			&cli.StringFlag{Name: "redis-url", Usage: "Share rooms with other nodes over Redis"},
			&cli.StringFlag{Name: "journal-backend", Usage: "Journal backend: fs, s3 or memory"},
			&cli.StringFlag{Name: "journal-path", Usage: "Journal path (fs: directory, s3: bucket/prefix)"},
			&cli.StringFlag{Name: "log-level", Usage: "Log level: debug, info, warn, error", Value: "info"},
		},
		Action: serveAction,
	}
}

// applyServeFlags lets explicitly set flags override the file.
func applyServeFlags(c *cli.Context, cfg *config.Config) {
	set := func(flag string, dst *string) {
		if c.IsSet(flag) {
			*dst = c.String(flag)
		}
	}
	set("addr", &cfg.Server.Addr)
	set("secret", &cfg.Server.Secret)
	set("node", &cfg.Server.Node)
	set("db", &cfg.Store.Path)
	set("encryption-key", &cfg.Store.EncryptionKey)
	set("workflow-url", &cfg.Workflow.URL)
	set("relay-url", &cfg.Relay.URL)
	set("redis-url", &cfg.Redis.URL)
	set("journal-backend", &cfg.Journal.Backend)
	set("journal-path", &cfg.Journal.Path)
	if c.IsSet("log-level") || cfg.Log.Level == "" {
		cfg.Log.Level = c.String("log-level")
	}
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = server.DefaultAddr
	}
	if cfg.Store.Path == "" {
		cfg.Store.Path = defaultStorePath
	}
}

func serveAction(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	applyServeFlags(c, cfg)
	if err := cfg.Validate(); err != nil {
		return cli.Exit(err.Error(), 2)
	}
	if cfg.Server.Secret == "" {
		return cli.Exit("a webhook secret is required (--secret, TREESYNC_SECRET or server.secret)", 2)
	}
	if cfg.Workflow.URL == "" {
		return cli.Exit("a workflow URL is required (--workflow-url or workflow.url)", 2)
	}

	logger := log.NewLoggerWithWriter("treesync", os.Stderr, log.ParseLevel(cfg.Log.Level))
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	key := cfg.Store.EncryptionKey
	if key == "" {
		logger.Warn("no store encryption key configured, deriving one from the webhook secret", nil)
		key = cfg.Server.Secret
	}
	sealer, err := seal.FromSecret(key)
	if err != nil {
		return err
	}
	db, err := store.OpenSQLite(cfg.Store.Path, sealer)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	collector := metrics.NewCollector(cfg.Server.Node, "sqlite", cfg.Journal.Backend)
	j, err := openJournal(ctx, cfg.Journal, collector)
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}

	stack, err := server.NewStack(server.StackConfig{
		Addr:            cfg.Server.Addr,
		Secret:          cfg.Server.Secret,
		Store:           db,
		Journal:         j,
		Workflow:        cfg.WorkflowDispatch(),
		Redis:           cfg.RedisBridge(),
		RemoteRelay:     cfg.RemoteRelay(),
		CorrelationSize: cfg.Correlation.Size,
		CorrelationTTL:  cfg.Correlation.TTL.Duration,
		ChunkSize:       cfg.Server.ChunkSize,
		Hub:             cfg.HubOptions(),
		DispatchTimeout: cfg.Server.DispatchTimeout.Duration,
		NotifyTimeout:   cfg.Server.NotifyTimeout.Duration,
		Logger:          logger,
		Metrics:         collector,
	})
	if err != nil {
		return err
	}

	logger.Info("relay starting", map[string]any{
		"addr":    cfg.Server.Addr,
		"node":    cfg.Server.Node,
		"store":   cfg.Store.Path,
		"journal": cfg.Journal.Backend,
		"redis":   cfg.Redis.URL != "",
		"remote":  cfg.Relay.URL,
	})
	started := time.Now()
	runErr := stack.Run(ctx)
	closeErr := stack.Close()
	if runErr != nil {
		return runErr
	}
	if closeErr != nil {
		logger.Warn("close transports", map[string]any{"error": closeErr.Error()})
	}
	logger.Sugar().Infof("relay stopped after %s", time.Since(started).Round(time.Second))
	return nil
}
