package relay

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/pithecene-io/treesync/iox"
	"github.com/pithecene-io/treesync/metrics"
	"github.com/pithecene-io/treesync/types"
)

// recorder is a Notifier that keeps what it receives.
type recorder struct {
	mu    sync.Mutex
	envs  []*types.Envelope
	convs []string
}

func (r *recorder) Notify(_ context.Context, conv string, env *types.Envelope) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.convs = append(r.convs, conv)
	r.envs = append(r.envs, env)
	return nil
}

func (r *recorder) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.envs)
}

func (r *recorder) at(i int) (string, *types.Envelope) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.convs[i], r.envs[i]
}

// asyncReceive starts a goroutine that reads one message from the subscriber
// and sends it to the returned channel. Must be called BEFORE Notify to avoid
// deadlocking miniredis's synchronous pub/sub delivery.
func asyncReceive(sub *miniredis.Subscriber) <-chan miniredis.PubsubMessage {
	ch := make(chan miniredis.PubsubMessage, 1)
	go func() {
		ch <- <-sub.Messages()
	}()
	return ch
}

func waitMessage(t *testing.T, ch <-chan miniredis.PubsubMessage) miniredis.PubsubMessage {
	t.Helper()
	select {
	case msg := <-ch:
		return msg
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for pub/sub message")
		return miniredis.PubsubMessage{} // unreachable
	}
}

func runBridge(t *testing.T, b *RedisBridge) {
	t.Helper()
	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = b.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	select {
	case <-b.Ready():
	case <-time.After(5 * time.Second):
		t.Fatal("bridge subscription not confirmed")
	}
}

func TestRedisBridge_PublishesMsgpack(t *testing.T) {
	mr := miniredis.RunT(t)
	local := &recorder{}

	b, err := NewRedisBridge(RedisConfig{URL: "redis://" + mr.Addr(), Retries: 0}, local, nil, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer iox.DiscardClose(b)

	sub := mr.NewSubscriber()
	sub.Subscribe(DefaultChannelPrefix + "c1")
	ch := asyncReceive(sub)

	env := notify(t, b, "c1", types.TypeStepAdded, map[string]any{"objectiveId": "o1"})
	msg := waitMessage(t, ch)

	var received bridgeMessage
	if err := msgpack.Unmarshal([]byte(msg.Message), &received); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if received.ConversationID != "c1" || received.Envelope.ID != env.ID {
		t.Errorf("received = %+v, want conversation c1 envelope %s", received, env.ID)
	}
	if received.Origin == "" {
		t.Error("origin should be set")
	}

	// Delivered locally without waiting for Redis.
	if local.len() != 1 {
		t.Errorf("local deliveries = %d, want 1", local.len())
	}
}

func TestRedisBridge_CrossNodeDelivery(t *testing.T) {
	mr := miniredis.RunT(t)
	url := "redis://" + mr.Addr()

	localA, localB := &recorder{}, &recorder{}
	a, err := NewRedisBridge(RedisConfig{URL: url}, localA, nil, nil)
	if err != nil {
		t.Fatalf("new a: %v", err)
	}
	defer iox.DiscardClose(a)
	b, err := NewRedisBridge(RedisConfig{URL: url}, localB, nil, nil)
	if err != nil {
		t.Fatalf("new b: %v", err)
	}
	defer iox.DiscardClose(b)

	runBridge(t, a)
	runBridge(t, b)

	env := notify(t, a, "c7", types.TypeObjectiveStarted, map[string]any{"objectiveId": "o1"})

	waitFor(t, "delivery on node b", func() bool { return localB.len() == 1 })
	conv, got := localB.at(0)
	if conv != "c7" || got.ID != env.ID || got.Type != types.TypeObjectiveStarted {
		t.Errorf("node b got %s/%s/%s, want c7/%s/objective_started", conv, got.ID, got.Type, env.ID)
	}

	// Node a delivered locally once and skipped its own echo.
	time.Sleep(50 * time.Millisecond)
	if n := localA.len(); n != 1 {
		t.Errorf("node a deliveries = %d, want 1", n)
	}
}

func TestRedisBridge_DropsMalformedMessages(t *testing.T) {
	mr := miniredis.RunT(t)
	local := &recorder{}
	m := metrics.NewCollector("n", "sqlite", "")

	b, err := NewRedisBridge(RedisConfig{URL: "redis://" + mr.Addr()}, local, nil, m)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer iox.DiscardClose(b)
	runBridge(t, b)

	mr.Publish(DefaultChannelPrefix+"c1", "not msgpack")

	waitFor(t, "decode error", func() bool { return m.Snapshot().FrameDecodeErrors == 1 })
	if local.len() != 0 {
		t.Errorf("local deliveries = %d, want 0", local.len())
	}
}

func TestRedisBridge_PublishFailure(t *testing.T) {
	local := &recorder{}
	m := metrics.NewCollector("n", "sqlite", "")

	// Use an address that won't connect
	b, err := NewRedisBridge(RedisConfig{
		URL:       "redis://127.0.0.1:1",
		Retries:   1,
		BaseDelay: 5 * time.Millisecond,
		Timeout:   200 * time.Millisecond,
	}, local, nil, m)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer iox.DiscardClose(b)

	env, _ := types.NewEnvelope(types.TypeAIThinking, nil)
	if err := b.Notify(t.Context(), "c1", env); err == nil {
		t.Fatal("expected publish error with redis down")
	}
	if local.len() != 1 {
		t.Errorf("local deliveries = %d, want 1 even when redis is down", local.len())
	}
	if s := m.Snapshot(); s.NotifyFailures != 1 {
		t.Errorf("NotifyFailures = %d, want 1", s.NotifyFailures)
	}
}

func TestNewRedisBridge_Validation(t *testing.T) {
	local := &recorder{}
	if _, err := NewRedisBridge(RedisConfig{}, local, nil, nil); err == nil {
		t.Error("expected error for empty URL")
	}
	if _, err := NewRedisBridge(RedisConfig{URL: "not-a-url"}, local, nil, nil); err == nil {
		t.Error("expected error for invalid URL")
	}
	if _, err := NewRedisBridge(RedisConfig{URL: "redis://localhost:6379", Retries: -1}, local, nil, nil); err == nil {
		t.Error("expected error for negative retries")
	}
	if _, err := NewRedisBridge(RedisConfig{URL: "redis://localhost:6379"}, nil, nil, nil); err == nil {
		t.Error("expected error for nil local notifier")
	}

	b, err := NewRedisBridge(RedisConfig{URL: "redis://localhost:6379"}, local, nil, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer iox.DiscardClose(b)
	if got := b.Channel("c1"); got != "treesync:room:c1" {
		t.Errorf("Channel = %q, want treesync:room:c1", got)
	}
}
