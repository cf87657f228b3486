package client

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/pithecene-io/treesync/bus"
	"github.com/pithecene-io/treesync/log"
	"github.com/pithecene-io/treesync/wire"
)

// Options configure a Manager.
type Options struct {
	// URL is the relay WebSocket endpoint, e.g. ws://localhost:8080/ws.
	URL string
	// Header is sent with the upgrade request.
	Header http.Header
	// SessionID is stamped on every outbound envelope's correlation.
	SessionID string

	// ConnectTimeout bounds a single dial including the handshake.
	ConnectTimeout time.Duration
	// ReconnectOnTimeout starts the reconnect loop when the initial Connect fails.
	ReconnectOnTimeout bool

	// BaseDelay, Decay and MaxDelay shape the reconnect backoff:
	// delay = min(BaseDelay * Decay^attempt, MaxDelay).
	BaseDelay time.Duration
	Decay     float64
	MaxDelay  time.Duration
	// MaxAttempts caps consecutive reconnect attempts. Zero means unlimited.
	MaxAttempts int

	// PingInterval is the heartbeat period while connected. Zero disables pings.
	PingInterval time.Duration
	// PongTimeout treats a ping left unanswered this long as an unclean close.
	// Zero relies on socket close events only.
	PongTimeout time.Duration
	// WriteTimeout bounds a single frame write.
	WriteTimeout time.Duration

	// QueueSize bounds the outbound queue.
	QueueSize int
	// Format selects text (JSON) or binary (msgpack) frames for outbound envelopes.
	Format wire.Format

	// Dialer overrides the websocket dialer.
	Dialer *websocket.Dialer
	// Bus receives inbound envelopes and local events. A private bus is
	// created when nil.
	Bus    *bus.Envelopes
	Logger *log.Logger
}

// DefaultOptions returns the options used for zero-valued fields.
func DefaultOptions() Options {
	return Options{
		ConnectTimeout: 10 * time.Second,
		BaseDelay:      time.Second,
		Decay:          1.5,
		MaxDelay:       30 * time.Second,
		MaxAttempts:    10,
		PingInterval:   30 * time.Second,
		WriteTimeout:   10 * time.Second,
		QueueSize:      256,
		Format:         wire.FormatJSON,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = d.ConnectTimeout
	}
	if o.BaseDelay <= 0 {
		o.BaseDelay = d.BaseDelay
	}
	if o.Decay < 1 {
		o.Decay = d.Decay
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = d.MaxDelay
	}
	if o.MaxDelay < o.BaseDelay {
		o.MaxDelay = o.BaseDelay
	}
	if o.MaxAttempts < 0 {
		o.MaxAttempts = 0
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = d.WriteTimeout
	}
	if o.QueueSize <= 0 {
		o.QueueSize = d.QueueSize
	}
	if o.Logger == nil {
		o.Logger = log.Nop()
	}
	if o.Bus == nil {
		o.Bus = bus.NewEnvelopes(o.Logger)
	}
	if o.Dialer == nil {
		o.Dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: o.ConnectTimeout,
		}
	}
	return o
}

// SendOptions modify a single Send.
type SendOptions struct {
	// ConversationID sets the envelope correlation.
	ConversationID string
	// NoQueue fails the send with ErrNotConnected instead of queueing it.
	NoQueue bool
}
