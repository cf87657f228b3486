package relay

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/pithecene-io/treesync/journal"
	"github.com/pithecene-io/treesync/metrics"
	"github.com/pithecene-io/treesync/types"
	"github.com/pithecene-io/treesync/wire"
)

func startHub(t *testing.T, opts HubOptions) (*Hub, string) {
	t.Helper()
	hub := NewHub(opts)
	ts := httptest.NewServer(hub)
	t.Cleanup(func() {
		hub.Close()
		ts.Close()
	})
	return hub, "ws" + strings.TrimPrefix(ts.URL, "http")
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

func send(t *testing.T, ws *websocket.Conn, typ types.MessageType, data any) *types.Envelope {
	t.Helper()
	env, err := types.NewEnvelope(typ, data)
	if err != nil {
		t.Fatalf("NewEnvelope: %v", err)
	}
	frame, err := wire.Encode(env, wire.FormatJSON)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if err := ws.WriteMessage(websocket.TextMessage, frame); err != nil {
		t.Fatalf("write: %v", err)
	}
	return env
}

func next(t *testing.T, ws *websocket.Conn) *types.Envelope {
	t.Helper()
	_ = ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	env, err := wire.Decode(data, wire.FormatJSON)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	return env
}

func expectSilence(t *testing.T, ws *websocket.Conn) {
	t.Helper()
	_ = ws.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	if _, data, err := ws.ReadMessage(); err == nil {
		t.Fatalf("expected no frame, got %s", data)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func notify(t *testing.T, n Notifier, conv string, typ types.MessageType, data any) *types.Envelope {
	t.Helper()
	env, err := types.NewEnvelope(typ, data)
	if err != nil {
		t.Fatalf("NewEnvelope: %v", err)
	}
	if err := n.Notify(t.Context(), conv, env); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	return env
}

func TestHub_PingPong(t *testing.T) {
	_, url := startHub(t, HubOptions{})
	ws := dial(t, url)

	ping := send(t, ws, types.TypePing, nil)
	pong := next(t, ws)
	if pong.Type != types.TypePong {
		t.Fatalf("type = %s, want pong", pong.Type)
	}
	if pong.Data["pingId"] != ping.ID {
		t.Errorf("pingId = %v, want %s", pong.Data["pingId"], ping.ID)
	}
}

func TestHub_NotifyReachesOnlyRoomMembers(t *testing.T) {
	m := metrics.NewCollector("n", "sqlite", "")
	hub, url := startHub(t, HubOptions{Metrics: m})
	a := dial(t, url+"?conversationId=c1")
	b := dial(t, url+"?conversationId=c2")
	waitFor(t, "room membership", func() bool { return hub.Members("c1") == 1 && hub.Members("c2") == 1 })

	sent := notify(t, hub, "c1", types.TypeStepAdded, map[string]any{"objectiveId": "o1"})

	got := next(t, a)
	if got.ID != sent.ID || got.Type != types.TypeStepAdded {
		t.Errorf("got {%s %s}, want {%s step_added}", got.ID, got.Type, sent.ID)
	}
	if got.ConversationID() != "c1" {
		t.Errorf("conversation = %q, want c1", got.ConversationID())
	}
	expectSilence(t, b)

	if s := m.Snapshot(); s.EnvelopesRelayed != 1 || s.ConnectionsOpened != 2 {
		t.Errorf("relayed/opened = %d/%d, want 1/2", s.EnvelopesRelayed, s.ConnectionsOpened)
	}
}

func TestHub_SubscribeAndUnsubscribeMessages(t *testing.T) {
	hub, url := startHub(t, HubOptions{})
	ws := dial(t, url)

	send(t, ws, types.TypeSubscribe, types.SubscribePayload{ConversationID: "c1"})
	waitFor(t, "subscribe", func() bool { return hub.Members("c1") == 1 })

	notify(t, hub, "c1", types.TypeAIThinking, types.ThinkingPayload{ConversationID: "c1", IsThinking: true})
	if got := next(t, ws); got.Type != types.TypeAIThinking {
		t.Fatalf("type = %s, want ai_thinking", got.Type)
	}

	send(t, ws, types.TypeUnsubscribe, types.SubscribePayload{ConversationID: "c1"})
	waitFor(t, "unsubscribe", func() bool { return hub.Members("c1") == 0 })

	notify(t, hub, "c1", types.TypeAIThinking, types.ThinkingPayload{ConversationID: "c1"})
	expectSilence(t, ws)
}

func TestHub_SubscribeRequiresConversation(t *testing.T) {
	_, url := startHub(t, HubOptions{})
	ws := dial(t, url)

	send(t, ws, types.TypeSubscribe, map[string]any{})
	got := next(t, ws)
	if got.Type != types.TypeError || got.Data["code"] != "invalid_subscribe" {
		t.Errorf("got %s %v, want error invalid_subscribe", got.Type, got.Data)
	}
}

func TestHub_DisconnectLeavesRooms(t *testing.T) {
	m := metrics.NewCollector("n", "sqlite", "")
	hub, url := startHub(t, HubOptions{Metrics: m})
	ws := dial(t, url+"?conversationId=c1")
	waitFor(t, "join", func() bool { return hub.Members("c1") == 1 })

	_ = ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"))
	_ = ws.Close()

	waitFor(t, "leave", func() bool { return hub.Members("c1") == 0 && hub.Clients() == 0 })
	if s := m.Snapshot(); s.ConnectionsClosed != 1 {
		t.Errorf("ConnectionsClosed = %d, want 1", s.ConnectionsClosed)
	}
}

func TestHub_InboundUsesCurrentRoom(t *testing.T) {
	var mu sync.Mutex
	var got []*types.Envelope
	inbound := InboundFunc(func(_ context.Context, env *types.Envelope) error {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, env)
		return nil
	})

	m := metrics.NewCollector("n", "sqlite", "")
	_, url := startHub(t, HubOptions{Inbound: inbound, Metrics: m})
	ws := dial(t, url+"?conversationId=c1")

	send(t, ws, types.TypeUserMessage, map[string]any{"content": "teach me guitar"})
	send(t, ws, types.TypeGenerateObjective, types.GeneratePayload{ConversationID: "c9"})

	waitFor(t, "inbound messages", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 2
	})

	mu.Lock()
	defer mu.Unlock()
	if got[0].Type != types.TypeUserMessage || got[0].ConversationID() != "c1" {
		t.Errorf("first = %s/%s, want user_message/c1", got[0].Type, got[0].ConversationID())
	}
	if got[1].ConversationID() != "c9" {
		t.Errorf("explicit conversation = %s, want c9", got[1].ConversationID())
	}
	if s := m.Snapshot(); s.ClientMessages != 2 {
		t.Errorf("ClientMessages = %d, want 2", s.ClientMessages)
	}
}

func TestHub_InboundErrors(t *testing.T) {
	inbound := InboundFunc(func(context.Context, *types.Envelope) error {
		return errors.New("workflow unavailable")
	})
	_, url := startHub(t, HubOptions{Inbound: inbound})

	// No room yet: rejected before reaching the handler.
	ws := dial(t, url)
	send(t, ws, types.TypeStopGeneration, map[string]any{})
	if got := next(t, ws); got.Data["code"] != "no_conversation" {
		t.Errorf("code = %v, want no_conversation", got.Data["code"])
	}

	send(t, ws, types.TypeUserMessage, types.UserMessagePayload{ConversationID: "c1", Content: "hi"})
	got := next(t, ws)
	if got.Type != types.TypeError || got.Data["code"] != "request_failed" {
		t.Errorf("got %s %v, want error request_failed", got.Type, got.Data)
	}
	if got.Data["conversationId"] != "c1" {
		t.Errorf("conversationId = %v, want c1", got.Data["conversationId"])
	}
}

func TestHub_MalformedFrameKeepsConnection(t *testing.T) {
	m := metrics.NewCollector("n", "sqlite", "")
	_, url := startHub(t, HubOptions{Metrics: m})
	ws := dial(t, url)

	if err := ws.WriteMessage(websocket.TextMessage, []byte("{not json")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if got := next(t, ws); got.Data["code"] != "invalid_frame" {
		t.Errorf("code = %v, want invalid_frame", got.Data["code"])
	}

	send(t, ws, types.TypePing, nil)
	if got := next(t, ws); got.Type != types.TypePong {
		t.Errorf("type = %s, want pong after malformed frame", got.Type)
	}
	if s := m.Snapshot(); s.FrameDecodeErrors != 1 {
		t.Errorf("FrameDecodeErrors = %d, want 1", s.FrameDecodeErrors)
	}
}

func TestHub_UnsupportedClientType(t *testing.T) {
	_, url := startHub(t, HubOptions{})
	ws := dial(t, url)

	send(t, ws, types.TypeStepAdded, nil)
	if got := next(t, ws); got.Data["code"] != "unsupported_type" {
		t.Errorf("code = %v, want unsupported_type", got.Data["code"])
	}
}

func TestHub_ReplaySinceThenLive(t *testing.T) {
	j, err := journal.NewMemory("")
	if err != nil {
		t.Fatalf("journal: %v", err)
	}
	hub, url := startHub(t, HubOptions{Journal: j})
	n := NewJournalNotifier(j, hub, nil)

	for i := range 3 {
		notify(t, n, "c1", types.TypeStepAdded, map[string]any{"n": float64(i)})
	}

	ws := dial(t, url+"?conversationId=c1&since=1")
	for _, want := range []int64{2, 3} {
		got := next(t, ws)
		if got.Seq != want {
			t.Fatalf("replayed seq = %d, want %d", got.Seq, want)
		}
	}

	waitFor(t, "join", func() bool { return hub.Members("c1") == 1 })
	notify(t, n, "c1", types.TypeObjectiveCompleted, map[string]any{"objectiveId": "o1"})
	got := next(t, ws)
	if got.Seq != 4 || got.Type != types.TypeObjectiveCompleted {
		t.Errorf("live = %s seq %d, want objective_completed seq 4", got.Type, got.Seq)
	}
	expectSilence(t, ws)
}

func TestHub_NotifyRequiresConversation(t *testing.T) {
	hub := NewHub(HubOptions{})
	env, _ := types.NewEnvelope(types.TypeAIThinking, nil)
	if err := hub.Notify(t.Context(), "", env); !errors.Is(err, ErrNoConversation) {
		t.Errorf("expected ErrNoConversation, got %v", err)
	}
}

func TestHub_CloseSendsGoingAway(t *testing.T) {
	hub, url := startHub(t, HubOptions{})
	ws := dial(t, url)
	waitFor(t, "register", func() bool { return hub.Clients() == 1 })

	hub.Close()

	_ = ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err := ws.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseGoingAway) {
		t.Errorf("expected going-away close, got %v", err)
	}
}
