package bus

import (
	"testing"
)

func TestBus_KeyedDelivery(t *testing.T) {
	b := New[string, int](nil)

	var got []int
	b.On("a", func(v int) { got = append(got, v) })
	b.On("b", func(v int) { got = append(got, -v) })

	b.Publish("a", 1)
	b.Publish("b", 2)
	b.Publish("c", 3)

	if len(got) != 2 || got[0] != 1 || got[1] != -2 {
		t.Errorf("unexpected deliveries: %v", got)
	}
}

func TestBus_SubscriptionOrder(t *testing.T) {
	b := New[string, string](nil)

	var order []string
	b.On("e", func(string) { order = append(order, "first") })
	b.On("e", func(string) { order = append(order, "second") })
	b.OnAny(func(string) { order = append(order, "wildcard") })

	b.Publish("e", "x")

	want := []string{"first", "second", "wildcard"}
	if len(order) != len(want) {
		t.Fatalf("got %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("order[%d] = %q, want %q", i, order[i], want[i])
		}
	}
}

func TestBus_Unsubscribe(t *testing.T) {
	b := New[string, int](nil)

	calls := 0
	unsub := b.On("e", func(int) { calls++ })
	b.Publish("e", 1)
	unsub()
	unsub()
	b.Publish("e", 2)

	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
	if b.Count("e") != 0 {
		t.Errorf("expected no handlers, got %d", b.Count("e"))
	}
}

func TestBus_UnsubscribeDuringPublish(t *testing.T) {
	b := New[string, int](nil)

	calls := 0
	var unsub func()
	unsub = b.On("e", func(int) {
		calls++
		unsub()
	})
	b.On("e", func(int) { calls++ })

	b.Publish("e", 1)
	b.Publish("e", 2)

	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
}

func TestBus_PanickingHandlerIsIsolated(t *testing.T) {
	b := New[string, int](nil)

	reached := false
	b.On("e", func(int) { panic("boom") })
	b.On("e", func(int) { reached = true })

	b.Publish("e", 1)

	if !reached {
		t.Error("expected second handler to run after first panicked")
	}
}
