package relay

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/pithecene-io/treesync/log"
	"github.com/pithecene-io/treesync/metrics"
	"github.com/pithecene-io/treesync/types"
	"github.com/pithecene-io/treesync/wire"
)

// Hub defaults.
const (
	DefaultSendBuffer     = 256
	DefaultWriteTimeout   = 10 * time.Second
	DefaultIdleTimeout    = 90 * time.Second
	DefaultInboundTimeout = 30 * time.Second
)

// ErrNoConversation is returned when an envelope cannot be tied to a room.
var ErrNoConversation = errors.New("relay: no conversation id")

// Inbound handles client messages that carry work: user_message,
// generate_objective and stop_generation. The envelope's correlation
// conversation id is always set.
type Inbound interface {
	HandleClientMessage(ctx context.Context, env *types.Envelope) error
}

// InboundFunc adapts a function to Inbound.
type InboundFunc func(ctx context.Context, env *types.Envelope) error

// HandleClientMessage calls f.
func (f InboundFunc) HandleClientMessage(ctx context.Context, env *types.Envelope) error {
	return f(ctx, env)
}

// HubOptions configures a Hub.
type HubOptions struct {
	// SendBuffer is the per-client outbound frame buffer. A client whose
	// buffer fills is disconnected.
	SendBuffer int
	// WriteTimeout bounds each frame write.
	WriteTimeout time.Duration
	// IdleTimeout closes a client that sends nothing, pings included, for this long.
	IdleTimeout time.Duration
	// InboundTimeout bounds Inbound handling of one client message.
	InboundTimeout time.Duration
	// CheckOrigin is passed to the upgrader; nil accepts any origin.
	CheckOrigin func(r *http.Request) bool

	Inbound Inbound
	Journal Replayer
	Logger  *log.Logger
	Metrics *metrics.Collector
}

// Hub holds the connected clients grouped into conversation rooms.
type Hub struct {
	opts     HubOptions
	upgrader websocket.Upgrader
	logger   *log.Logger

	mu     sync.RWMutex
	peers  map[*peer]struct{}
	rooms  map[string]map[*peer]struct{}
	closed bool
}

// NewHub creates a hub.
func NewHub(opts HubOptions) *Hub {
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = DefaultSendBuffer
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = DefaultWriteTimeout
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = DefaultIdleTimeout
	}
	if opts.InboundTimeout <= 0 {
		opts.InboundTimeout = DefaultInboundTimeout
	}
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	checkOrigin := opts.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	return &Hub{
		opts: opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     checkOrigin,
		},
		logger: opts.Logger,
		peers:  make(map[*peer]struct{}),
		rooms:  make(map[string]map[*peer]struct{}),
	}
}

// Members returns the number of clients in a conversation room.
func (h *Hub) Members(conversationID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[conversationID])
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.peers)
}

// Notify implements Notifier. The envelope is encoded once and queued to
// every member of the room; a member whose buffer is full is disconnected.
func (h *Hub) Notify(_ context.Context, conversationID string, env *types.Envelope) error {
	if conversationID == "" {
		return ErrNoConversation
	}
	env.WithConversation(conversationID)
	data, err := wire.Encode(env, wire.FormatJSON)
	if err != nil {
		return fmt.Errorf("relay: encode %s: %w", env.Type, err)
	}

	h.mu.RLock()
	members := make([]*peer, 0, len(h.rooms[conversationID]))
	for p := range h.rooms[conversationID] {
		members = append(members, p)
	}
	h.mu.RUnlock()

	for _, p := range members {
		if p.deliver(conversationID, data, env.Seq) {
			h.opts.Metrics.IncEnvelopeRelayed()
			continue
		}
		h.opts.Metrics.IncEnvelopeDropped()
		h.logger.Warn("client too slow, disconnecting", map[string]any{
			"client_id":       p.id,
			"conversation_id": conversationID,
			"type":            string(env.Type),
		})
		p.closeWith(websocket.ClosePolicyViolation, "send buffer full", h.opts.WriteTimeout)
	}
	return nil
}

// ServeHTTP upgrades the request and serves the client until it disconnects.
// An optional ?conversationId= subscribes immediately; ?since= requests a
// journal replay for that subscription.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", map[string]any{"error": err.Error()})
		return
	}

	p := newPeer(uuid.NewString(), ws, h.opts.SendBuffer)
	if !h.register(p) {
		p.closeWith(websocket.CloseGoingAway, "server shutting down", h.opts.WriteTimeout)
		return
	}
	defer h.unregister(p)

	go h.writePump(p)

	// Client messages may outlive the connection.
	ctx := context.WithoutCancel(r.Context())

	if conv := r.URL.Query().Get("conversationId"); conv != "" {
		since, _ := strconv.ParseInt(r.URL.Query().Get("since"), 10, 64)
		h.subscribe(ctx, p, conv, since)
	}

	h.readPump(ctx, p)
}

// Close disconnects every client with a going-away close frame.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	peers := make([]*peer, 0, len(h.peers))
	for p := range h.peers {
		peers = append(peers, p)
	}
	h.mu.Unlock()

	for _, p := range peers {
		p.closeWith(websocket.CloseGoingAway, "server shutting down", h.opts.WriteTimeout)
	}
}

func (h *Hub) register(p *peer) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.peers[p] = struct{}{}
	h.opts.Metrics.IncConnectionOpened()
	h.logger.Debug("client connected", map[string]any{"client_id": p.id, "clients": len(h.peers)})
	return true
}

func (h *Hub) unregister(p *peer) {
	p.close()
	rooms := p.joined()

	h.mu.Lock()
	delete(h.peers, p)
	for _, room := range rooms {
		h.removeLocked(room, p)
	}
	remaining := len(h.peers)
	h.mu.Unlock()

	h.opts.Metrics.IncConnectionClosed()
	h.logger.Debug("client disconnected", map[string]any{"client_id": p.id, "clients": remaining})
}

func (h *Hub) removeLocked(room string, p *peer) {
	members, ok := h.rooms[room]
	if !ok {
		return
	}
	delete(members, p)
	if len(members) == 0 {
		delete(h.rooms, room)
	}
}

// subscribe joins p to room. With since > 0 and a journal, envelopes with a
// greater seq are replayed first; live envelopes arriving meanwhile are
// held and released after the replay without duplicates. Membership is
// settled before subscribe returns; the replay runs in the background.
func (h *Hub) subscribe(ctx context.Context, p *peer, room string, since int64) {
	replay := since > 0 && h.opts.Journal != nil
	p.join(room, replay)

	h.mu.Lock()
	if _, ok := h.peers[p]; !ok {
		h.mu.Unlock()
		return
	}
	if h.rooms[room] == nil {
		h.rooms[room] = make(map[*peer]struct{})
	}
	h.rooms[room][p] = struct{}{}
	h.mu.Unlock()

	h.logger.Debug("client subscribed", map[string]any{
		"client_id":       p.id,
		"conversation_id": room,
		"since":           since,
	})
	if replay {
		go h.replay(ctx, p, room, since)
	}
}

func (h *Hub) replay(ctx context.Context, p *peer, room string, since int64) {
	through := since
	envs, err := h.opts.Journal.Replay(ctx, room, since)
	if err != nil {
		h.logger.Warn("journal replay failed", map[string]any{
			"client_id":       p.id,
			"conversation_id": room,
			"error":           err.Error(),
		})
	}
	for _, env := range envs {
		data, err := wire.Encode(env, wire.FormatJSON)
		if err != nil {
			continue
		}
		if !p.enqueueWait(ctx, data) {
			return
		}
		h.opts.Metrics.IncEnvelopeRelayed()
		through = max(through, env.Seq)
	}
	if !p.release(room, through) {
		h.opts.Metrics.IncEnvelopeDropped()
		p.closeWith(websocket.ClosePolicyViolation, "send buffer full", h.opts.WriteTimeout)
	}
}

func (h *Hub) unsubscribe(p *peer, room string) {
	p.leave(room)
	h.mu.Lock()
	h.removeLocked(room, p)
	h.mu.Unlock()
}

func (h *Hub) writePump(p *peer) {
	for {
		select {
		case <-p.done:
			return
		case data := <-p.send:
			_ = p.ws.SetWriteDeadline(time.Now().Add(h.opts.WriteTimeout))
			if err := p.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				h.logger.Debug("client write failed", map[string]any{"client_id": p.id, "error": err.Error()})
				p.close()
				return
			}
		}
	}
}

func (h *Hub) readPump(ctx context.Context, p *peer) {
	p.ws.SetReadLimit(wire.MaxFrameSize)
	for {
		_ = p.ws.SetReadDeadline(time.Now().Add(h.opts.IdleTimeout))
		kind, data, err := p.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.logger.Debug("client read failed", map[string]any{"client_id": p.id, "error": err.Error()})
			}
			return
		}

		format := wire.FormatJSON
		if kind == websocket.BinaryMessage {
			format = wire.FormatMsgpack
		}
		env, err := wire.Decode(data, format)
		if err != nil {
			h.opts.Metrics.IncFrameDecodeError()
			h.logger.Warn("dropping malformed client frame", map[string]any{"client_id": p.id, "error": err.Error()})
			h.reply(p, types.TypeError, types.ErrorPayload{Code: "invalid_frame", Message: err.Error()})
			continue
		}

		h.opts.Metrics.IncClientMessage()
		h.handle(ctx, p, env)
	}
}

func (h *Hub) handle(ctx context.Context, p *peer, env *types.Envelope) {
	switch env.Type {
	case types.TypePing:
		h.reply(p, types.TypePong, map[string]any{"pingId": env.ID})

	case types.TypeSubscribe, types.TypeUnsubscribe:
		var sub types.SubscribePayload
		if err := env.DecodeData(&sub); err != nil || sub.ConversationID == "" {
			h.reply(p, types.TypeError, types.ErrorPayload{Code: "invalid_subscribe", Message: "conversationId is required"})
			return
		}
		if env.Type == types.TypeSubscribe {
			h.subscribe(ctx, p, sub.ConversationID, sub.Since)
		} else {
			h.unsubscribe(p, sub.ConversationID)
		}

	case types.TypeUserMessage, types.TypeGenerateObjective, types.TypeStopGeneration:
		conv := env.ConversationID()
		if conv == "" {
			conv = p.room()
		}
		if conv == "" {
			h.reply(p, types.TypeError, types.ErrorPayload{Code: "no_conversation", Message: ErrNoConversation.Error()})
			return
		}
		env.WithConversation(conv)
		if h.opts.Inbound == nil {
			h.reply(p, types.TypeError, types.ErrorPayload{ConversationID: conv, Code: "unsupported", Message: "client messages are not accepted"})
			return
		}
		ictx, cancel := context.WithTimeout(ctx, h.opts.InboundTimeout)
		err := h.opts.Inbound.HandleClientMessage(ictx, env)
		cancel()
		if err != nil {
			h.logger.Warn("client message failed", map[string]any{
				"client_id":       p.id,
				"conversation_id": conv,
				"type":            string(env.Type),
				"error":           err.Error(),
			})
			h.reply(p, types.TypeError, types.ErrorPayload{ConversationID: conv, Code: "request_failed", Message: err.Error()})
		}

	default:
		h.logger.Warn("unsupported client message type", map[string]any{"client_id": p.id, "type": string(env.Type)})
		h.reply(p, types.TypeError, types.ErrorPayload{Code: "unsupported_type", Message: fmt.Sprintf("unsupported type %q", env.Type)})
	}
}

// reply sends a direct, unjournaled envelope to one client.
func (h *Hub) reply(p *peer, t types.MessageType, data any) {
	env, err := types.NewEnvelope(t, data)
	if err != nil {
		h.logger.Error("encode reply failed", map[string]any{"type": string(t), "error": err.Error()})
		return
	}
	frame, err := wire.Encode(env, wire.FormatJSON)
	if err != nil {
		return
	}
	if !p.enqueue(frame) {
		h.opts.Metrics.IncEnvelopeDropped()
	}
}
