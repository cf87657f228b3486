// Package reader provides the read side of the treesync CLI.
//
// Read-only commands fetch authoritative state from a running relay over
// HTTP, or read the event journal directly, and shape it into the views
// defined here. Nothing in this package mutates state.
package reader

import (
	"encoding/json"
	"fmt"
	"slices"
	"time"

	"github.com/pithecene-io/treesync/skilltree"
	"github.com/pithecene-io/treesync/types"
)

// ConversationItem is one row of the conversation list.
type ConversationItem struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Status    string    `json:"status"`
	Thinking  bool      `json:"thinking"`
	Objective string    `json:"objective"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ConversationDetail is the inspect view of one conversation.
type ConversationDetail struct {
	ID        string         `json:"id"`
	Title     string         `json:"title"`
	Status    string         `json:"status"`
	Thinking  bool           `json:"thinking"`
	Messages  int            `json:"messages"`
	LastSeq   int64          `json:"last_seq"`
	UpdatedAt time.Time      `json:"updated_at"`
	Objective *ObjectiveView `json:"objective,omitempty"`
}

// ObjectiveView summarizes a skill tree.
type ObjectiveView struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Status    string    `json:"status"`
	Progress  int       `json:"progress"`
	Completed int       `json:"completed"`
	Total     int       `json:"total"`
	Nodes     []NodeRow `json:"nodes"`
}

// NodeRow is one step of a skill tree. Level is the length of the longest
// prerequisite chain leading to the node.
type NodeRow struct {
	ID           string   `json:"id"`
	Title        string   `json:"title"`
	Level        int      `json:"level"`
	Dependencies []string `json:"dependencies"`
	Unlocked     bool     `json:"unlocked"`
	Completed    bool     `json:"completed"`
	XP           int      `json:"xp"`
}

// EnvelopeRow is one journaled envelope.
type EnvelopeRow struct {
	Seq     int64     `json:"seq"`
	Type    string    `json:"type"`
	ID      string    `json:"id"`
	Time    time.Time `json:"time"`
	Summary string    `json:"summary"`
}

// NewConversationItem shapes a list row.
func NewConversationItem(v *types.ConversationView) ConversationItem {
	return ConversationItem{
		ID:        v.ID,
		Title:     v.Title,
		Status:    string(v.Status),
		Thinking:  v.IsThinking,
		Objective: v.CurrentObjectiveID,
		UpdatedAt: v.UpdatedAt,
	}
}

// NewConversationDetail shapes the inspect view, decoding the objective.
func NewConversationDetail(v *types.ConversationView) (*ConversationDetail, error) {
	d := &ConversationDetail{
		ID:        v.ID,
		Title:     v.Title,
		Status:    string(v.Status),
		Thinking:  v.IsThinking,
		Messages:  len(v.Messages),
		LastSeq:   v.LastSeq,
		UpdatedAt: v.UpdatedAt,
	}
	if len(v.Objective) > 0 {
		var a skilltree.Artifact
		if err := json.Unmarshal(v.Objective, &a); err != nil {
			return nil, fmt.Errorf("decode objective: %w", err)
		}
		d.Objective = NewObjectiveView(&a)
	}
	return d, nil
}

// NewObjectiveView flattens an artifact into rows ordered by level, then
// by insertion order.
func NewObjectiveView(a *skilltree.Artifact) *ObjectiveView {
	nodes := a.Nodes()
	byID := make(map[string]*skilltree.Node, len(nodes))
	for _, n := range nodes {
		byID[n.ID] = n
	}

	levels := make(map[string]int, len(nodes))
	var level func(id string, seen map[string]bool) int
	level = func(id string, seen map[string]bool) int {
		if l, ok := levels[id]; ok {
			return l
		}
		n, ok := byID[id]
		if !ok || seen[id] {
			return 0
		}
		seen[id] = true
		l := 0
		for _, dep := range n.Dependencies {
			if _, ok := byID[dep]; ok {
				l = max(l, level(dep, seen)+1)
			}
		}
		levels[id] = l
		return l
	}

	rows := make([]NodeRow, 0, len(nodes))
	for _, n := range nodes {
		rows = append(rows, NodeRow{
			ID:           n.ID,
			Title:        n.Title,
			Level:        level(n.ID, map[string]bool{}),
			Dependencies: n.Dependencies,
			Unlocked:     n.Unlocked,
			Completed:    n.Completed,
			XP:           n.XPReward,
		})
	}
	slices.SortStableFunc(rows, func(x, y NodeRow) int { return x.Level - y.Level })

	return &ObjectiveView{
		ID:        a.ID,
		Title:     a.Title,
		Status:    string(a.Status),
		Progress:  a.GenerationProgress,
		Completed: a.CompletedCount(),
		Total:     a.Len(),
		Nodes:     rows,
	}
}

// NewEnvelopeRow shapes a journaled envelope.
func NewEnvelopeRow(env *types.Envelope) EnvelopeRow {
	return EnvelopeRow{
		Seq:     env.Seq,
		Type:    string(env.Type),
		ID:      env.ID,
		Time:    time.UnixMilli(env.Timestamp).UTC(),
		Summary: Summarize(env),
	}
}

// Summarize returns a one-line description of an envelope's payload.
func Summarize(env *types.Envelope) string {
	switch env.Type {
	case types.TypeAIMessageChunk:
		var p types.MessagePayload
		if env.DecodeData(&p) == nil {
			return fmt.Sprintf("%s %q", short(p.MessageID), p.Content)
		}
	case types.TypeAIMessageStart, types.TypeAIMessageEnd:
		var p types.MessagePayload
		if env.DecodeData(&p) == nil {
			return short(p.MessageID)
		}
	case types.TypeStepAdded, types.TypeNodeAdded, types.TypeNodeUpdated:
		var p types.GraphPayload
		if env.DecodeData(&p) == nil && p.Step != nil {
			return fmt.Sprintf("%s %q deps=%v", p.Step.ID, p.Step.Title, p.Step.Dependencies)
		}
	case types.TypeNodeDeleted:
		var p types.GraphPayload
		if env.DecodeData(&p) == nil {
			return p.NodeID
		}
	case types.TypeObjectiveStarted, types.TypeObjectiveCompleted:
		var p types.GraphPayload
		if env.DecodeData(&p) == nil && p.Metadata != nil {
			return fmt.Sprintf("%q", p.Metadata.Title)
		}
	case types.TypeError:
		var p types.ErrorPayload
		if env.DecodeData(&p) == nil {
			return p.Code + ": " + p.Message
		}
	}
	return ""
}

func short(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
