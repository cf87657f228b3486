package tui

import (
	"errors"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/pithecene-io/treesync/cli/reader"
	"github.com/pithecene-io/treesync/metrics"
)

func TestIsTUISupported(t *testing.T) {
	tests := []struct {
		viewType string
		want     bool
	}{
		{ViewInspectConversation, true},
		{ViewStatsRelay, true},
		{"list_conversations", false},
		{"replay", false},
		{"version", false},
		{"inspect_run", false},
		{"", false},
	}
	for _, tt := range tests {
		t.Run(tt.viewType, func(t *testing.T) {
			if got := IsTUISupported(tt.viewType); got != tt.want {
				t.Errorf("IsTUISupported(%q) = %v, want %v", tt.viewType, got, tt.want)
			}
		})
	}
}

func TestRun_UnsupportedViewType(t *testing.T) {
	if err := Run("list_conversations", nil); err == nil {
		t.Error("expected error for unsupported view type")
	}
}

func sampleObjective() *reader.ObjectiveView {
	return &reader.ObjectiveView{
		ID:       "obj-1",
		Title:    "Learn Guitar",
		Status:   "active",
		Progress: 100,
		Total:    2,
		Nodes: []reader.NodeRow{
			{ID: "a", Title: "Tuning", Unlocked: true, XP: 10},
			{ID: "b", Title: "Chords", Level: 1, Dependencies: []string{"a"}},
		},
	}
}

func TestRenderInspectStatic_Conversation(t *testing.T) {
	out := RenderInspectStatic(ViewInspectConversation, &reader.ConversationDetail{
		ID:        "conv-1",
		Status:    "completed",
		Messages:  4,
		Objective: sampleObjective(),
	})
	for _, want := range []string{"conv-1", "(untitled)", "Learn Guitar", "Tuning", "Chords", "+10xp"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestRenderInspectStatic_WrongType(t *testing.T) {
	out := RenderInspectStatic(ViewInspectConversation, "nope")
	if !strings.Contains(out, "Invalid data type") {
		t.Errorf("output = %q", out)
	}
}

func TestRenderStatsStatic(t *testing.T) {
	out := RenderStatsStatic(ViewStatsRelay, &metrics.Snapshot{
		Node:             "relay-1",
		WebhooksReceived: 12,
		RejectedByKind:   map[string]int64{"state": 2, "authorization": 1},
		JournalBackend:   "fs",
	})
	for _, want := range []string{"relay-1", "12", "authorization=1 state=2", "Journal (fs)"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestStatsModel_Refresh(t *testing.T) {
	m := NewStatsModel(ViewStatsRelay, &metrics.Snapshot{}).
		WithRefresh(func() (any, error) { return nil, nil }, time.Second)
	if m.Init() == nil {
		t.Fatal("Init should schedule a refresh")
	}

	next, cmd := m.Update(refreshMsg{data: &metrics.Snapshot{WebhooksApplied: 7}})
	if cmd == nil {
		t.Error("refresh should reschedule")
	}
	if got := next.(StatsModel).data.(*metrics.Snapshot).WebhooksApplied; got != 7 {
		t.Errorf("WebhooksApplied = %d, want 7", got)
	}

	next, _ = next.Update(refreshMsg{err: errors.New("connection refused")})
	view := next.View()
	if !strings.Contains(view, "refresh failed") {
		t.Errorf("view missing error:\n%s", view)
	}
	if next.(StatsModel).data.(*metrics.Snapshot).WebhooksApplied != 7 {
		t.Error("failed refresh must keep the last data")
	}
}

func update(t *testing.T, m WatchModel, msgs ...tea.Msg) WatchModel {
	t.Helper()
	for _, msg := range msgs {
		next, _ := m.Update(msg)
		m = next.(WatchModel)
	}
	return m
}

func TestWatchModel_Transcript(t *testing.T) {
	m := update(t, NewWatchModel(WatchOptions{Conversation: "conv-1"}),
		ConnMsg{State: "connected"},
		TranscriptMsg{ID: "u1", Role: "user", Content: "teach me guitar", Done: true},
		TranscriptMsg{ID: "a1", Role: "assistant", Content: "Sure"},
		TranscriptMsg{ID: "a1", Role: "assistant", Content: "Sure, let's start.", Done: true},
	)
	if len(m.order) != 2 {
		t.Fatalf("entries = %d, want 2", len(m.order))
	}
	if m.thinking {
		t.Error("completed assistant message should clear thinking")
	}
	view := m.View()
	for _, want := range []string{"conv-1", "connected", "teach me guitar", "let's start."} {
		if !strings.Contains(view, want) {
			t.Errorf("view missing %q:\n%s", want, view)
		}
	}
}

func TestWatchModel_CompleteSelectedNode(t *testing.T) {
	var completed []string
	m := update(t, NewWatchModel(WatchOptions{Complete: func(id string) error {
		completed = append(completed, id)
		return nil
	}}), ObjectiveMsg{State: "active", View: sampleObjective()})

	next, cmd := m.Update(tea.KeyMsg{Type: tea.KeyEnter})
	if cmd == nil {
		t.Fatal("expected completion command")
	}
	if msg := cmd(); msg != (ErrorMsg{}) {
		t.Errorf("completion msg = %#v", msg)
	}
	if len(completed) != 1 || completed[0] != "a" {
		t.Errorf("completed = %v, want [a]", completed)
	}

	m = next.(WatchModel)
	m = update(t, m, tea.KeyMsg{Type: tea.KeyDown})
	if m.cursor != 1 {
		t.Fatalf("cursor = %d, want 1", m.cursor)
	}
	_, cmd = m.Update(tea.KeyMsg{Type: tea.KeyEnter})
	msg, ok := cmd().(ErrorMsg)
	if !ok || !strings.Contains(msg.Text, "Chords") {
		t.Errorf("locked node msg = %#v", msg)
	}
	if len(completed) != 1 {
		t.Errorf("locked node must not be completed, got %v", completed)
	}
}

func TestWatchModel_CursorClampsOnShrink(t *testing.T) {
	m := update(t, NewWatchModel(WatchOptions{}),
		ObjectiveMsg{State: "active", View: sampleObjective()},
		tea.KeyMsg{Type: tea.KeyDown},
		tea.KeyMsg{Type: tea.KeyDown},
	)
	if m.cursor != 1 {
		t.Fatalf("cursor = %d, want 1", m.cursor)
	}
	small := sampleObjective()
	small.Nodes = small.Nodes[:1]
	m = update(t, m, ObjectiveMsg{State: "updating", View: small})
	if m.cursor != 0 {
		t.Errorf("cursor = %d, want 0", m.cursor)
	}
}
