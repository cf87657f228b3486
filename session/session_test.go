package session

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/pithecene-io/treesync/client"
	"github.com/pithecene-io/treesync/generation"
	"github.com/pithecene-io/treesync/skilltree"
	"github.com/pithecene-io/treesync/types"
)

func TestAPIFromRelay(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"ws://localhost:8080/ws", "http://localhost:8080"},
		{"wss://relay.example.com/ws?conversationId=c1", "https://relay.example.com"},
		{"not a url", ""},
		{"", ""},
	}
	for _, tt := range tests {
		if got := apiFromRelay(tt.in); got != tt.want {
			t.Errorf("apiFromRelay(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestSession_RequiresConversation(t *testing.T) {
	s := New(Options{Client: client.Options{URL: "ws://127.0.0.1:1/ws"}})
	defer s.Close()

	if _, err := s.SendMessage("hi"); !errors.Is(err, ErrNoConversation) {
		t.Errorf("SendMessage err = %v", err)
	}
	if _, err := s.GenerateObjective("guitar"); !errors.Is(err, ErrNoConversation) {
		t.Errorf("GenerateObjective err = %v", err)
	}
	if err := s.Resync(t.Context()); !errors.Is(err, ErrNoConversation) {
		t.Errorf("Resync err = %v", err)
	}
}

func TestSession_ResyncLoadsObjective(t *testing.T) {
	a := skilltree.New("o1", "c1", types.ObjectiveMetadata{Title: "Learn Guitar"})
	a.Status = skilltree.StatusActive
	if _, err := a.AddNode(types.Step{ID: "a", Title: "A", Dependencies: []string{}}); err != nil {
		t.Fatal(err)
	}
	raw, err := json.Marshal(a)
	if err != nil {
		t.Fatal(err)
	}

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/conversations/c1":
			_ = json.NewEncoder(w).Encode(types.ConversationView{ID: "c1", Objective: raw, LastSeq: 7})
		default:
			http.NotFound(w, r)
		}
	}))
	defer ts.Close()

	s := New(Options{Client: client.Options{URL: "ws://127.0.0.1:1/ws"}, APIURL: ts.URL})
	defer s.Close()

	s.mu.Lock()
	s.conversationID = "c1"
	s.mu.Unlock()
	s.Generation.SetConversation("c1")

	if err := s.Resync(t.Context()); err != nil {
		t.Fatalf("Resync: %v", err)
	}
	if got := s.Generation.State(); got != generation.StateActive {
		t.Errorf("state = %s, want active", got)
	}
	s.mu.Lock()
	seq := s.lastSeq
	s.mu.Unlock()
	if seq != 7 {
		t.Errorf("lastSeq = %d, want 7", seq)
	}

	if _, err := s.Fetch(t.Context(), "c2"); !errors.Is(err, ErrConversationNotFound) {
		t.Errorf("Fetch unknown err = %v", err)
	}
}

func TestSession_TrackSeqIgnoresOtherConversations(t *testing.T) {
	s := New(Options{Client: client.Options{URL: "ws://127.0.0.1:1/ws"}})
	defer s.Close()
	s.mu.Lock()
	s.conversationID = "c1"
	s.mu.Unlock()

	for _, tc := range []struct {
		conv string
		seq  int64
	}{{"c1", 3}, {"c2", 9}, {"c1", 2}} {
		env, _ := types.NewEnvelope(types.TypeStepAdded, map[string]any{})
		env.WithConversation(tc.conv)
		env.Seq = tc.seq
		s.trackSeq(env)
	}
	if s.lastSeq != 3 {
		t.Errorf("lastSeq = %d, want 3", s.lastSeq)
	}
}
