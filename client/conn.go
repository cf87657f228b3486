package client

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/pithecene-io/treesync/types"
	"github.com/pithecene-io/treesync/wire"
)

// conn is one websocket connection. gorilla allows a single concurrent
// writer, which is the Manager's write loop plus the close path, so writes
// are serialized by writeMu.
type conn struct {
	ws      *websocket.Conn
	wake    chan struct{}
	done    chan struct{}
	once    sync.Once
	writeMu sync.Mutex

	mu           sync.Mutex
	trackPongs   bool
	lastPing     time.Time
	lastPong     time.Time
	uncleanClose bool
}

func newConn(ws *websocket.Conn) *conn {
	return &conn{
		ws:   ws,
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
}

// signal wakes the write loop without blocking.
func (c *conn) signal() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *conn) write(env *types.Envelope, format wire.Format, timeout time.Duration) error {
	data, err := wire.Encode(env, format)
	if err != nil {
		return err
	}
	kind := websocket.TextMessage
	if format == wire.FormatMsgpack {
		kind = websocket.BinaryMessage
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(timeout))
	return c.ws.WriteMessage(kind, data)
}

func (c *conn) closeGracefully(timeout time.Duration) {
	c.writeMu.Lock()
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client disconnect")
	_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(timeout))
	c.writeMu.Unlock()
	c.close()
}

func (c *conn) close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.ws.Close()
	})
}

func (c *conn) expectPongs() {
	c.mu.Lock()
	c.trackPongs = true
	c.mu.Unlock()
}

func (c *conn) pinged() {
	c.mu.Lock()
	if c.trackPongs && (c.lastPing.IsZero() || !c.lastPong.Before(c.lastPing)) {
		c.lastPing = time.Now()
	}
	c.mu.Unlock()
}

func (c *conn) pong() {
	c.mu.Lock()
	c.lastPong = time.Now()
	c.mu.Unlock()
}

// pongOverdue reports whether the oldest unanswered ping is older than timeout.
func (c *conn) pongOverdue(timeout time.Duration) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.trackPongs || c.lastPing.IsZero() || c.lastPong.After(c.lastPing) {
		return false
	}
	return time.Since(c.lastPing) > timeout
}

func (c *conn) markUnclean() {
	c.mu.Lock()
	c.uncleanClose = true
	c.mu.Unlock()
}

func (c *conn) isUnclean() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.uncleanClose
}
