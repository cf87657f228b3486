package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/pithecene-io/treesync/client"
	"github.com/pithecene-io/treesync/dispatch"
	"github.com/pithecene-io/treesync/relay"
	"github.com/pithecene-io/treesync/wire"
)

// Config represents a treesync.yaml configuration file.
// Values act as defaults for command flags; flags always override them.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Store       StoreConfig       `yaml:"store"`
	Journal     JournalConfig     `yaml:"journal"`
	Correlation CorrelationConfig `yaml:"correlation"`
	Workflow    EndpointConfig    `yaml:"workflow"`
	Relay       EndpointConfig    `yaml:"relay"`
	Redis       RedisConfig       `yaml:"redis"`
	Client      ClientConfig      `yaml:"client"`
	Log         LogConfig         `yaml:"log"`
}

// ServerConfig holds relay node settings.
type ServerConfig struct {
	Addr string `yaml:"addr"`
	// Secret authenticates webhooks, /notify and outbound workflow calls.
	Secret          string   `yaml:"secret"`
	Node            string   `yaml:"node"`
	ChunkSize       int      `yaml:"chunk_size"`
	SendBuffer      int      `yaml:"send_buffer"`
	WriteTimeout    Duration `yaml:"write_timeout"`
	IdleTimeout     Duration `yaml:"idle_timeout"`
	InboundTimeout  Duration `yaml:"inbound_timeout"`
	DispatchTimeout Duration `yaml:"dispatch_timeout"`
	// NotifyTimeout bounds one relay delivery, retries included.
	NotifyTimeout Duration `yaml:"notify_timeout"`
}

// StoreConfig holds the SQLite store settings.
type StoreConfig struct {
	Path string `yaml:"path"`
	// EncryptionKey seals message content at rest.
	EncryptionKey string `yaml:"encryption_key"`
}

// JournalConfig selects the event journal backend. An empty backend
// disables journaling.
type JournalConfig struct {
	Backend     string `yaml:"backend"`
	Dataset     string `yaml:"dataset"`
	Path        string `yaml:"path"`
	Region      string `yaml:"region"`
	Endpoint    string `yaml:"endpoint"`
	S3PathStyle bool   `yaml:"s3_path_style"`
}

// CorrelationConfig sizes the webhook correlation cache.
type CorrelationConfig struct {
	Size int      `yaml:"size"`
	TTL  Duration `yaml:"ttl"`
}

// EndpointConfig is an outbound HTTP endpoint with retries.
type EndpointConfig struct {
	URL     string            `yaml:"url"`
	Headers map[string]string `yaml:"headers,omitempty"`
	Timeout Duration          `yaml:"timeout,omitempty"`
	Retries *int              `yaml:"retries,omitempty"`
}

// RedisConfig holds the multi-node bridge settings.
type RedisConfig struct {
	URL           string   `yaml:"url"`
	ChannelPrefix string   `yaml:"channel_prefix,omitempty"`
	Timeout       Duration `yaml:"timeout,omitempty"`
	Retries       *int     `yaml:"retries,omitempty"`
}

// ClientConfig holds connection manager settings for watch.
type ClientConfig struct {
	URL          string   `yaml:"url"`
	Format       string   `yaml:"format"`
	BaseDelay    Duration `yaml:"base_delay"`
	Decay        float64  `yaml:"decay"`
	MaxDelay     Duration `yaml:"max_delay"`
	MaxAttempts  *int     `yaml:"max_attempts,omitempty"`
	PingInterval Duration `yaml:"ping_interval"`
	PongTimeout  Duration `yaml:"pong_timeout"`
	QueueSize    int      `yaml:"queue_size"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level string `yaml:"level"`
}

// Duration wraps time.Duration for YAML string parsing (e.g. "10s", "5m").
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses a duration string like "10s" or "5m30s".
func (d *Duration) UnmarshalYAML(unmarshal func(any) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	if s == "" {
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = parsed
	return nil
}

// Journal backends.
const (
	JournalFS     = "fs"
	JournalS3     = "s3"
	JournalMemory = "memory"
)

// Validate checks values that cannot be defaulted.
func (c *Config) Validate() error {
	var errs []error
	switch c.Journal.Backend {
	case "", JournalFS, JournalS3, JournalMemory:
	default:
		errs = append(errs, fmt.Errorf("journal.backend must be fs, s3 or memory, got %q", c.Journal.Backend))
	}
	if c.Journal.Backend != "" && c.Journal.Backend != JournalMemory && c.Journal.Path == "" {
		errs = append(errs, fmt.Errorf("journal.path is required for the %s backend", c.Journal.Backend))
	}
	switch c.Client.Format {
	case "", "json", "msgpack":
	default:
		errs = append(errs, fmt.Errorf("client.format must be json or msgpack, got %q", c.Client.Format))
	}
	if c.Correlation.Size < 0 {
		errs = append(errs, errors.New("correlation.size must be >= 0"))
	}
	return errors.Join(errs...)
}

// WorkflowDispatch converts the workflow section.
func (c *Config) WorkflowDispatch() dispatch.Config {
	return c.Workflow.dispatch()
}

// RemoteRelay converts the relay section.
func (c *Config) RemoteRelay() dispatch.Config {
	return c.Relay.dispatch()
}

func (e EndpointConfig) dispatch() dispatch.Config {
	cfg := dispatch.Config{
		URL:     e.URL,
		Headers: e.Headers,
		Timeout: e.Timeout.Duration,
		Retries: dispatch.DefaultRetries,
	}
	if e.Retries != nil {
		cfg.Retries = *e.Retries
	}
	return cfg
}

// RedisBridge converts the redis section.
func (c *Config) RedisBridge() relay.RedisConfig {
	cfg := relay.RedisConfig{
		URL:           c.Redis.URL,
		ChannelPrefix: c.Redis.ChannelPrefix,
		Timeout:       c.Redis.Timeout.Duration,
		Retries:       relay.DefaultRedisRetries,
	}
	if c.Redis.Retries != nil {
		cfg.Retries = *c.Redis.Retries
	}
	return cfg
}

// HubOptions converts the server socket settings.
func (c *Config) HubOptions() relay.HubOptions {
	return relay.HubOptions{
		SendBuffer:     c.Server.SendBuffer,
		WriteTimeout:   c.Server.WriteTimeout.Duration,
		IdleTimeout:    c.Server.IdleTimeout.Duration,
		InboundTimeout: c.Server.InboundTimeout.Duration,
	}
}

// ClientOptions converts the client section. Zero values take the
// connection manager defaults.
func (c *Config) ClientOptions() client.Options {
	opts := client.Options{
		URL:          c.Client.URL,
		BaseDelay:    c.Client.BaseDelay.Duration,
		Decay:        c.Client.Decay,
		MaxDelay:     c.Client.MaxDelay.Duration,
		MaxAttempts:  client.DefaultOptions().MaxAttempts,
		PingInterval: c.Client.PingInterval.Duration,
		PongTimeout:  c.Client.PongTimeout.Duration,
		QueueSize:    c.Client.QueueSize,
		Format:       wire.FormatJSON,
	}
	if opts.PingInterval == 0 {
		opts.PingInterval = client.DefaultOptions().PingInterval
	}
	if c.Client.MaxAttempts != nil {
		opts.MaxAttempts = *c.Client.MaxAttempts
	}
	if c.Client.Format == "msgpack" {
		opts.Format = wire.FormatMsgpack
	}
	return opts
}
