// Package client maintains one logical socket to the relay.
//
// The Manager owns the connection state and the outbound queue. It dials
// with gorilla/websocket, publishes every inbound envelope on the session
// bus under its type, sends a heartbeat while connected, and reconnects with
// exponential backoff after an unclean close. Envelopes sent while no socket
// is open are queued and flushed in order once one is.
package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"

	"github.com/pithecene-io/treesync/bus"
	"github.com/pithecene-io/treesync/log"
	"github.com/pithecene-io/treesync/types"
	"github.com/pithecene-io/treesync/wire"
)

// Errors returned by the Manager.
var (
	// ErrNotConnected is returned by Send with NoQueue while no socket is open.
	ErrNotConnected = errors.New("not connected")
	// ErrConnecting is returned by Connect while a dial or reconnect is in progress.
	ErrConnecting = errors.New("connection attempt in progress")
	// ErrNoURL is returned by Connect when Options.URL is empty.
	ErrNoURL = errors.New("relay url not configured")
)

// StateChange is the payload of state_changed events.
type StateChange struct {
	From types.ConnectionState `json:"from"`
	To   types.ConnectionState `json:"to"`
}

// Failure is the payload of connection_failed events.
type Failure struct {
	Attempts int    `json:"attempts"`
	Error    string `json:"error,omitempty"`
}

// Manager is a reconnecting relay connection. Safe for concurrent use.
type Manager struct {
	opts   Options
	bus    *bus.Envelopes
	logger *log.Logger

	mu      sync.Mutex
	state   types.ConnectionState
	conn    *conn
	queue   *queue
	backoff *backoff.ExponentialBackOff
	attempt int
	lastErr error
	// cancel stops the heartbeat and reconnect goroutines of the current run.
	cancel context.CancelFunc
}

// New creates a disconnected Manager.
func New(opts Options) *Manager {
	opts = opts.withDefaults()
	return &Manager{
		opts:    opts,
		bus:     opts.Bus,
		logger:  opts.Logger,
		state:   types.StateDisconnected,
		queue:   newQueue(opts.QueueSize),
		backoff: newBackOff(opts),
	}
}

// Bus returns the bus inbound envelopes are published on.
func (m *Manager) Bus() *bus.Envelopes { return m.bus }

// State returns the current connection state.
func (m *Manager) State() types.ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// QueueLen returns the number of queued envelopes.
func (m *Manager) QueueLen() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.queue.len()
}

// QueueStats returns a snapshot of the outbound queue counters.
func (m *Manager) QueueStats() QueueStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.queue.snapshot()
}

// On subscribes h to inbound envelopes or local events of type t.
func (m *Manager) On(t types.MessageType, h bus.Handler[*types.Envelope]) (unsubscribe func()) {
	return m.bus.On(t, h)
}

// Connect dials the relay and blocks until the socket is open, the dial
// fails, or ctx is done. Calling Connect from the error state starts over
// with a fresh attempt counter.
func (m *Manager) Connect(ctx context.Context) error {
	if m.opts.URL == "" {
		return ErrNoURL
	}

	m.mu.Lock()
	switch m.state {
	case types.StateConnected:
		m.mu.Unlock()
		return nil
	case types.StateConnecting, types.StateReconnecting:
		m.mu.Unlock()
		return ErrConnecting
	}
	if m.cancel != nil {
		m.cancel()
	}
	runCtx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.attempt = 0
	m.backoff.Reset()
	from := m.state
	m.state = types.StateConnecting
	m.mu.Unlock()

	m.emitChange(from, types.StateConnecting)

	c, err := m.dial(ctx)
	if err != nil {
		m.mu.Lock()
		m.lastErr = err
		m.mu.Unlock()
		m.transition(runCtx, types.StateError)
		m.logger.Warn("connect failed", map[string]any{
			"url":   m.opts.URL,
			"error": err.Error(),
		})
		if m.opts.ReconnectOnTimeout {
			go m.reconnect(runCtx)
		}
		return fmt.Errorf("connect %s: %w", m.opts.URL, err)
	}
	if !m.open(runCtx, c) {
		return fmt.Errorf("connect %s: %w", m.opts.URL, context.Canceled)
	}
	return nil
}

// Disconnect closes the socket cleanly and stops reconnecting.
// Queued envelopes are kept for the next Connect.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	c := m.conn
	m.conn = nil
	m.mu.Unlock()

	if c != nil {
		c.closeGracefully(m.opts.WriteTimeout)
	}
	m.transition(context.Background(), types.StateDisconnected)
}

// Send builds an envelope and sends it, or queues it while no socket is
// open. It never blocks on the network and returns the envelope id.
func (m *Manager) Send(t types.MessageType, data any, opts SendOptions) (string, error) {
	env, err := types.NewEnvelope(t, data)
	if err != nil {
		return "", err
	}
	if opts.ConversationID != "" || m.opts.SessionID != "" {
		env.Correlation = &types.Correlation{
			ConversationID: opts.ConversationID,
			SessionID:      m.opts.SessionID,
		}
	}

	m.mu.Lock()
	c := m.conn
	if c == nil && opts.NoQueue {
		m.mu.Unlock()
		return "", ErrNotConnected
	}
	evicted := m.queue.push(&Pending{Envelope: env, Options: opts, EnqueuedAt: time.Now()})
	m.mu.Unlock()

	if evicted != nil {
		m.logger.Warn("outbound queue full, dropped envelope", map[string]any{
			"type":        string(evicted.Envelope.Type),
			"envelope_id": evicted.Envelope.ID,
			"queued_for":  time.Since(evicted.EnqueuedAt).String(),
		})
	}
	if c != nil {
		c.signal()
	}
	return env.ID, nil
}

func (m *Manager) dial(ctx context.Context) (*conn, error) {
	ctx, cancel := context.WithTimeout(ctx, m.opts.ConnectTimeout)
	defer cancel()

	ws, resp, err := m.opts.Dialer.DialContext(ctx, m.opts.URL, m.opts.Header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	ws.SetReadLimit(wire.MaxFrameSize)
	return newConn(ws), nil
}

// open installs c as the live connection and starts its goroutines.
// It reports false when Disconnect raced the dial.
func (m *Manager) open(runCtx context.Context, c *conn) bool {
	m.mu.Lock()
	if runCtx.Err() != nil {
		m.mu.Unlock()
		c.close()
		return false
	}
	m.conn = c
	m.attempt = 0
	m.lastErr = nil
	m.backoff.Reset()
	m.mu.Unlock()

	if m.opts.PongTimeout > 0 {
		c.expectPongs()
	}
	m.transition(runCtx, types.StateConnected)

	go m.readLoop(runCtx, c)
	go m.writeLoop(c)
	if m.opts.PingInterval > 0 {
		go m.heartbeat(runCtx, c)
	}
	c.signal()
	return true
}

func (m *Manager) readLoop(runCtx context.Context, c *conn) {
	var err error
	defer func() {
		c.close()
		m.closed(runCtx, c, err)
	}()

	for {
		var (
			kind int
			data []byte
		)
		kind, data, err = c.ws.ReadMessage()
		if err != nil {
			return
		}

		format := wire.FormatJSON
		if kind == websocket.BinaryMessage {
			format = wire.FormatMsgpack
		}
		env, derr := wire.Decode(data, format)
		if derr != nil {
			m.logger.Warn("dropping malformed frame", map[string]any{
				"error": derr.Error(),
				"bytes": len(data),
			})
			continue
		}
		if env.Type == types.TypePong {
			c.pong()
		}
		m.bus.Publish(env.Type, env)
	}
}

func (m *Manager) writeLoop(c *conn) {
	for {
		select {
		case <-c.done:
			return
		case <-c.wake:
		}

		for {
			m.mu.Lock()
			if m.conn != c {
				m.mu.Unlock()
				return
			}
			p := m.queue.pop()
			m.mu.Unlock()
			if p == nil {
				break
			}

			if err := c.write(p.Envelope, m.opts.Format, m.opts.WriteTimeout); err != nil {
				m.requeue(p, err)
				c.close()
				return
			}
			if p.Envelope.Type == types.TypePing {
				c.pinged()
			}
			m.mu.Lock()
			m.queue.stats.Sent++
			m.mu.Unlock()
		}
	}
}

func (m *Manager) requeue(p *Pending, cause error) {
	m.mu.Lock()
	evicted := m.queue.pushFront(p)
	m.mu.Unlock()

	m.logger.Warn("send failed, requeued envelope", map[string]any{
		"type":        string(p.Envelope.Type),
		"envelope_id": p.Envelope.ID,
		"attempts":    p.Attempts,
		"error":       cause.Error(),
	})
	if evicted != nil {
		m.logger.Warn("outbound queue full, dropped envelope", map[string]any{
			"type":        string(evicted.Envelope.Type),
			"envelope_id": evicted.Envelope.ID,
		})
	}
}

func (m *Manager) heartbeat(runCtx context.Context, c *conn) {
	ticker := time.NewTicker(m.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-runCtx.Done():
			return
		case <-c.done:
			return
		case <-ticker.C:
		}

		if m.opts.PongTimeout > 0 && c.pongOverdue(m.opts.PongTimeout) {
			m.logger.Warn("pong overdue, dropping connection", map[string]any{
				"pong_timeout": m.opts.PongTimeout.String(),
			})
			c.markUnclean()
			c.close()
			return
		}
		if _, err := m.Send(types.TypePing, nil, SendOptions{NoQueue: true}); err != nil {
			return
		}
	}
}

// closed handles the end of c's read loop.
func (m *Manager) closed(runCtx context.Context, c *conn, err error) {
	m.mu.Lock()
	if m.conn != c {
		// Disconnect or a newer connection already took over.
		m.mu.Unlock()
		return
	}
	m.conn = nil
	m.lastErr = err
	m.mu.Unlock()

	clean := !c.isUnclean() && websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway)
	if clean {
		m.logger.Info("relay closed connection", nil)
		m.transition(runCtx, types.StateDisconnected)
		return
	}

	m.logger.Warn("connection lost", map[string]any{"error": errString(err)})
	if runCtx.Err() != nil {
		return
	}
	go m.reconnect(runCtx)
}

// reconnect retries the dial with backoff until it succeeds, attempts are
// exhausted, or runCtx is cancelled.
func (m *Manager) reconnect(runCtx context.Context) {
	for {
		m.mu.Lock()
		m.attempt++
		attempt := m.attempt
		delay := m.backoff.NextBackOff()
		lastErr := m.lastErr
		m.mu.Unlock()

		if m.opts.MaxAttempts > 0 && attempt > m.opts.MaxAttempts {
			m.transition(runCtx, types.StateError)
			m.logger.Error("reconnect attempts exhausted", map[string]any{
				"attempts": attempt - 1,
				"error":    errString(lastErr),
			})
			bus.Emit(m.bus, types.EventConnectionFailed, Failure{
				Attempts: attempt - 1,
				Error:    errString(lastErr),
			})
			return
		}

		m.transition(runCtx, types.StateReconnecting)
		m.logger.Info("reconnecting", map[string]any{
			"attempt": attempt,
			"delay":   delay.String(),
		})

		timer := time.NewTimer(delay)
		select {
		case <-runCtx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		m.transition(runCtx, types.StateConnecting)
		c, err := m.dial(runCtx)
		if err == nil {
			m.open(runCtx, c)
			return
		}
		if runCtx.Err() != nil {
			return
		}
		m.mu.Lock()
		m.lastErr = err
		m.mu.Unlock()
		m.logger.Warn("reconnect failed", map[string]any{
			"attempt": attempt,
			"error":   err.Error(),
		})
	}
}

// transition moves to state to and publishes state_changed. Transitions to
// the current state are ignored, as are transitions from a run that
// Disconnect or a newer Connect has already cancelled.
func (m *Manager) transition(runCtx context.Context, to types.ConnectionState) {
	m.mu.Lock()
	from := m.state
	if from == to || (runCtx != nil && runCtx.Err() != nil) {
		m.mu.Unlock()
		return
	}
	m.state = to
	m.mu.Unlock()
	m.emitChange(from, to)
}

func (m *Manager) emitChange(from, to types.ConnectionState) {
	m.logger.Debug("state changed", map[string]any{"from": string(from), "to": string(to)})
	bus.Emit(m.bus, types.EventStateChanged, StateChange{From: from, To: to})
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
