package dispatch

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/pithecene-io/treesync/correlation"
	"github.com/pithecene-io/treesync/iox"
	"github.com/pithecene-io/treesync/metrics"
)

func TestDispatch_PostsAndCorrelates(t *testing.T) {
	var got Request
	var secret string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		secret = r.Header.Get(SecretHeader)
		body, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(body, &got); err != nil {
			t.Errorf("unmarshal: %v", err)
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer ts.Close()

	cache := correlation.New(0, 0)
	m := metrics.NewCollector("n", "sqlite", "")
	d, err := New(Config{URL: ts.URL}, "s3cret", cache, nil, m)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer iox.DiscardClose(d)

	reqID, err := d.Dispatch(t.Context(), Request{
		ConversationID: "c1",
		MessageID:      "m1",
		Type:           KindUserMessage,
		Content:        "teach me guitar",
	})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if reqID == "" {
		t.Fatal("expected generated request id")
	}

	want := Request{
		RequestID:      reqID,
		ConversationID: "c1",
		MessageID:      "m1",
		Type:           KindUserMessage,
		Content:        "teach me guitar",
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("posted body mismatch (-want +got):\n%s", diff)
	}
	if secret != "s3cret" {
		t.Errorf("secret header = %q, want s3cret", secret)
	}

	e, ok := cache.Latest()
	if !ok {
		t.Fatal("expected correlation entry")
	}
	if e.RequestID != reqID || e.ConversationID != "c1" || e.LastMessageID != "m1" {
		t.Errorf("entry = %+v", e)
	}
	if s := m.Snapshot(); s.DispatchSuccess != 1 {
		t.Errorf("DispatchSuccess = %d, want 1", s.DispatchSuccess)
	}
}

func TestDispatch_FailureKeepsCorrelation(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer ts.Close()

	cache := correlation.New(0, 0)
	m := metrics.NewCollector("n", "sqlite", "")
	d, err := New(Config{URL: ts.URL}, "", cache, nil, m)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer iox.DiscardClose(d)

	reqID, err := d.Dispatch(t.Context(), Request{RequestID: "r-1", ConversationID: "c2", Type: KindStop})
	if err == nil {
		t.Fatal("expected error for 400")
	}
	if reqID != "r-1" {
		t.Errorf("request id = %q, want r-1", reqID)
	}
	if _, ok := cache.Get("r-1"); !ok {
		t.Error("correlation entry should be written before posting")
	}
	if s := m.Snapshot(); s.DispatchFailure != 1 {
		t.Errorf("DispatchFailure = %d, want 1", s.DispatchFailure)
	}
}

func TestDispatch_RequiresConversation(t *testing.T) {
	d, err := New(Config{URL: "http://example.com"}, "", correlation.New(0, 0), nil, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if _, err := d.Dispatch(t.Context(), Request{Type: KindUserMessage}); err == nil {
		t.Fatal("expected error for missing conversation id")
	}
}

func TestNew_RequiresCache(t *testing.T) {
	if _, err := New(Config{URL: "http://example.com"}, "", nil, nil, nil); err == nil {
		t.Fatal("expected error for nil cache")
	}
}
