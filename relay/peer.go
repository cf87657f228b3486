package relay

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// held is an envelope received for a room whose journal replay is still
// in progress.
type held struct {
	data []byte
	seq  int64
}

// peer is one connected client. Frames reach the socket only through
// send, which the write pump drains.
type peer struct {
	id   string
	ws   *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once

	mu      sync.Mutex
	rooms   map[string]struct{}
	current string
	holding map[string][]held
}

func newPeer(id string, ws *websocket.Conn, buffer int) *peer {
	return &peer{
		id:      id,
		ws:      ws,
		send:    make(chan []byte, buffer),
		done:    make(chan struct{}),
		rooms:   make(map[string]struct{}),
		holding: make(map[string][]held),
	}
}

// enqueue hands a frame to the write pump without blocking.
// It reports false when the buffer is full or the peer is closed.
func (p *peer) enqueue(data []byte) bool {
	select {
	case <-p.done:
		return false
	default:
	}
	select {
	case p.send <- data:
		return true
	default:
		return false
	}
}

// enqueueWait blocks until the frame is buffered, the peer closes or ctx ends.
func (p *peer) enqueueWait(ctx context.Context, data []byte) bool {
	select {
	case p.send <- data:
		return true
	case <-p.done:
		return false
	case <-ctx.Done():
		return false
	}
}

// deliver routes a live envelope for room. While the room replays, the
// frame is held and released afterwards.
func (p *peer) deliver(room string, data []byte, seq int64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if pending, ok := p.holding[room]; ok {
		p.holding[room] = append(pending, held{data: data, seq: seq})
		return true
	}
	return p.enqueue(data)
}

func (p *peer) join(room string, hold bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rooms[room] = struct{}{}
	p.current = room
	if hold {
		p.holding[room] = nil
	}
}

func (p *peer) leave(room string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.rooms, room)
	delete(p.holding, room)
	if p.current == room {
		p.current = ""
		for r := range p.rooms {
			p.current = r
			break
		}
	}
}

// release ends the replay of room. Held frames already covered by the
// replay (seq <= through) are skipped. It reports false if a frame did
// not fit the buffer.
func (p *peer) release(room string, through int64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	pending := p.holding[room]
	delete(p.holding, room)
	for _, h := range pending {
		if h.seq != 0 && h.seq <= through {
			continue
		}
		if !p.enqueue(h.data) {
			return false
		}
	}
	return true
}

func (p *peer) room() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current
}

func (p *peer) joined() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.rooms))
	for r := range p.rooms {
		out = append(out, r)
	}
	return out
}

func (p *peer) close() {
	p.once.Do(func() {
		close(p.done)
		_ = p.ws.Close()
	})
}

// closeWith sends a close frame before closing. gorilla allows WriteControl
// concurrently with the write pump.
func (p *peer) closeWith(code int, reason string, timeout time.Duration) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = p.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(timeout))
	p.close()
}
