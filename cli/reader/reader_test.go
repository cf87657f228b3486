package reader

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/pithecene-io/treesync/metrics"
	"github.com/pithecene-io/treesync/skilltree"
	"github.com/pithecene-io/treesync/types"
)

func newAPI(t *testing.T) *Client {
	t.Helper()
	a := skilltree.New("obj-1", "conv-1", types.ObjectiveMetadata{Title: "Learn Guitar"})
	for _, s := range []types.Step{
		{ID: "c", Title: "Songs", Dependencies: []string{"b"}},
		{ID: "a", Title: "Tuning", Dependencies: []string{}},
		{ID: "b", Title: "Chords", Dependencies: []string{"a"}},
	} {
		if _, err := a.AddNode(s); err != nil {
			t.Fatalf("AddNode(%s): %v", s.ID, err)
		}
	}
	raw, err := json.Marshal(a)
	if err != nil {
		t.Fatalf("marshal artifact: %v", err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /conversations/{id}", func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("id") != "conv-1" {
			http.Error(w, `{"error":"conversation not found"}`, http.StatusNotFound)
			return
		}
		_ = json.NewEncoder(w).Encode(types.ConversationView{
			ID:                 "conv-1",
			Title:              "guitar",
			Status:             types.ConversationCompleted,
			CurrentObjectiveID: "obj-1",
			Messages:           []types.MessageView{{ID: "m1", Role: types.RoleUser, Content: "guitar"}},
			Objective:          raw,
			LastSeq:            7,
		})
	})
	mux.HandleFunc("GET /conversations", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("limit") != "5" {
			http.Error(w, "bad limit", http.StatusBadRequest)
			return
		}
		_ = json.NewEncoder(w).Encode([]types.ConversationView{
			{ID: "conv-1", Title: "guitar", Status: types.ConversationCompleted},
			{ID: "conv-2", Status: types.ConversationIdle},
		})
	})
	mux.HandleFunc("POST /conversations/{id}/objective/nodes/{node}/complete", func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("node") != "a" {
			w.WriteHeader(http.StatusConflict)
			_, _ = w.Write([]byte(`{"error":"node is locked"}`))
			return
		}
		_, _ = w.Write(raw)
	})
	mux.HandleFunc("GET /metrics", func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(metrics.Snapshot{WebhooksReceived: 3, Node: "relay-1"})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	c, err := NewClient(srv.URL+"/", time.Second)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return c
}

func TestNewClient_InvalidURL(t *testing.T) {
	for _, base := range []string{"", "localhost", "://nope"} {
		if _, err := NewClient(base, 0); err == nil {
			t.Errorf("NewClient(%q) succeeded, want error", base)
		}
	}
}

func TestClient_Conversation(t *testing.T) {
	c := newAPI(t)

	v, err := c.Conversation(t.Context(), "conv-1")
	if err != nil {
		t.Fatalf("Conversation: %v", err)
	}
	d, err := NewConversationDetail(v)
	if err != nil {
		t.Fatalf("NewConversationDetail: %v", err)
	}
	if d.Messages != 1 || d.LastSeq != 7 || d.Status != "completed" {
		t.Errorf("detail = %+v", d)
	}
	if d.Objective == nil {
		t.Fatal("objective missing")
	}

	want := []NodeRow{
		{ID: "a", Title: "Tuning", Level: 0, Dependencies: []string{}, Unlocked: true},
		{ID: "b", Title: "Chords", Level: 1, Dependencies: []string{"a"}},
		{ID: "c", Title: "Songs", Level: 2, Dependencies: []string{"b"}},
	}
	if diff := cmp.Diff(want, d.Objective.Nodes); diff != "" {
		t.Errorf("nodes mismatch (-want +got):\n%s", diff)
	}
	if d.Objective.Total != 3 || d.Objective.Completed != 0 {
		t.Errorf("counts = %d/%d", d.Objective.Completed, d.Objective.Total)
	}
}

func TestClient_ConversationNotFound(t *testing.T) {
	c := newAPI(t)
	_, err := c.Conversation(t.Context(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestClient_Conversations(t *testing.T) {
	c := newAPI(t)
	list, err := c.Conversations(t.Context(), 5)
	if err != nil {
		t.Fatalf("Conversations: %v", err)
	}
	var ids []string
	for i := range list {
		ids = append(ids, NewConversationItem(&list[i]).ID)
	}
	if diff := cmp.Diff([]string{"conv-1", "conv-2"}, ids); diff != "" {
		t.Errorf("ids mismatch (-want +got):\n%s", diff)
	}
}

func TestClient_Metrics(t *testing.T) {
	c := newAPI(t)
	s, err := c.Metrics(t.Context())
	if err != nil {
		t.Fatalf("Metrics: %v", err)
	}
	if s.WebhooksReceived != 3 || s.Node != "relay-1" {
		t.Errorf("snapshot = %+v", s)
	}
}

func TestClient_UnexpectedStatus(t *testing.T) {
	c := newAPI(t)
	_, err := c.Conversations(t.Context(), 0)
	if err == nil || errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want status error", err)
	}
}

func TestSummarize(t *testing.T) {
	env := func(typ types.MessageType, data any) *types.Envelope {
		e, err := types.NewEnvelope(typ, data)
		if err != nil {
			t.Fatalf("NewEnvelope: %v", err)
		}
		return e
	}
	tests := []struct {
		name string
		env  *types.Envelope
		want string
	}{
		{"chunk", env(types.TypeAIMessageChunk, types.MessagePayload{MessageID: "msg-123456789", Content: "hi"}), `msg-1234 "hi"`},
		{"step", env(types.TypeStepAdded, types.GraphPayload{Step: &types.Step{ID: "b", Title: "Chords", Dependencies: []string{"a"}}}), `b "Chords" deps=[a]`},
		{"deleted", env(types.TypeNodeDeleted, types.GraphPayload{NodeID: "x"}), "x"},
		{"started", env(types.TypeObjectiveStarted, types.GraphPayload{Metadata: &types.ObjectiveMetadata{Title: "Guitar"}}), `"Guitar"`},
		{"error", env(types.TypeError, types.ErrorPayload{Code: "dispatch_failed", Message: "boom"}), "dispatch_failed: boom"},
		{"thinking", env(types.TypeAIThinking, types.ThinkingPayload{IsThinking: true}), ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Summarize(tt.env); got != tt.want {
				t.Errorf("Summarize = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestClient_CompleteNode(t *testing.T) {
	c := newAPI(t)
	if err := c.CompleteNode(t.Context(), "conv-1", "a"); err != nil {
		t.Fatalf("CompleteNode(a): %v", err)
	}
	err := c.CompleteNode(t.Context(), "conv-1", "c")
	if err == nil || !strings.Contains(err.Error(), "node is locked") {
		t.Errorf("CompleteNode(c) = %v, want locked error", err)
	}
}
