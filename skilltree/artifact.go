// Package skilltree models an objective as a dependency graph of steps.
//
// The one invariant every mutation preserves: a node is unlocked iff it has
// no dependencies or every dependency node exists and is completed. The flag
// is recomputed eagerly for every node affected by a change and is never
// trusted from input.
package skilltree

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/pithecene-io/treesync/types"
)

// Status is the lifecycle status of an artifact.
type Status string

// Artifact statuses.
const (
	StatusPending    Status = "pending"
	StatusGenerating Status = "generating"
	StatusActive     Status = "active"
	StatusFailed     Status = "failed"
)

// Errors returned by graph mutations.
var (
	ErrNodeNotFound = errors.New("node not found")
	ErrNodeLocked   = errors.New("node is locked")
	ErrSelfEdge     = errors.New("edge endpoints are identical")
	ErrCycle        = errors.New("edge would create a dependency cycle")
)

// Node is one step of the objective.
type Node struct {
	ID           string   `json:"id"`
	Title        string   `json:"title"`
	Description  string   `json:"description,omitempty"`
	XPReward     int      `json:"xpReward,omitempty"`
	Dependencies []string `json:"dependencies"`
	Unlocked     bool     `json:"unlocked"`
	Completed    bool     `json:"completed"`
}

// Edge points from a prerequisite to the node that depends on it.
type Edge struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// Artifact is an incrementally built skill tree.
// Artifact is not safe for concurrent use; owners serialize access.
type Artifact struct {
	ID                 string
	ConversationID     string
	Title              string
	Description        string
	Category           string
	Difficulty         string
	EstimatedDuration  string
	Status             Status
	GenerationProgress int
	CreatedAt          time.Time
	UpdatedAt          time.Time

	nodes map[string]*Node
	order []string
	edges []Edge
}

// New creates an empty artifact in pending status.
func New(id, conversationID string, meta types.ObjectiveMetadata) *Artifact {
	now := time.Now().UTC()
	return &Artifact{
		ID:                id,
		ConversationID:    conversationID,
		Title:             meta.Title,
		Description:       meta.Description,
		Category:          meta.Category,
		Difficulty:        meta.Difficulty,
		EstimatedDuration: meta.EstimatedDuration,
		Status:            StatusPending,
		CreatedAt:         now,
		UpdatedAt:         now,
		nodes:             make(map[string]*Node),
	}
}

// Len returns the number of nodes.
func (a *Artifact) Len() int { return len(a.nodes) }

// Node returns a node by id.
func (a *Artifact) Node(id string) (*Node, bool) {
	n, ok := a.nodes[id]
	return n, ok
}

// Nodes returns nodes in insertion order.
func (a *Artifact) Nodes() []*Node {
	out := make([]*Node, 0, len(a.order))
	for _, id := range a.order {
		out = append(out, a.nodes[id])
	}
	return out
}

// Edges returns edges in insertion order.
func (a *Artifact) Edges() []Edge {
	return slices.Clone(a.edges)
}

// CompletedCount returns the number of completed nodes.
func (a *Artifact) CompletedCount() int {
	n := 0
	for _, node := range a.nodes {
		if node.Completed {
			n++
		}
	}
	return n
}

// AddNode inserts a node built from step, plus one edge per dependency.
// For a new id, edges already recorded towards it also become dependencies.
// Adding an id that already exists replaces its definition, dependency
// edges included, but keeps its completion, so a redelivered step is
// harmless. Reports whether the node is new.
func (a *Artifact) AddNode(step types.Step) (bool, error) {
	if err := step.Validate(); err != nil {
		return false, err
	}

	existing, exists := a.nodes[step.ID]
	deps := slices.Clone(step.Dependencies)
	if exists {
		a.edges = slices.DeleteFunc(a.edges, func(e Edge) bool {
			return e.To == step.ID && !slices.Contains(deps, e.From)
		})
	} else {
		for _, e := range a.edges {
			if e.To == step.ID {
				deps = append(deps, e.From)
			}
		}
	}
	node := &Node{
		ID:           step.ID,
		Title:        step.Title,
		Description:  step.Description,
		XPReward:     step.XPReward,
		Dependencies: dedupe(deps),
		Completed:    step.Completed,
	}
	if exists {
		node.Completed = node.Completed || existing.Completed
	} else {
		a.order = append(a.order, step.ID)
	}
	a.nodes[step.ID] = node

	for _, dep := range node.Dependencies {
		a.appendEdge(Edge{From: dep, To: node.ID})
	}
	a.refresh(node.ID)
	a.touch()
	return !exists, nil
}

// UpdateNode replaces the definition of an existing node.
// Dependencies are replaced as a set and stale dependency edges are removed.
func (a *Artifact) UpdateNode(step types.Step) error {
	if err := step.Validate(); err != nil {
		return err
	}
	node, ok := a.nodes[step.ID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNodeNotFound, step.ID)
	}

	deps := dedupe(step.Dependencies)
	a.edges = slices.DeleteFunc(a.edges, func(e Edge) bool {
		return e.To == node.ID && !slices.Contains(deps, e.From)
	})

	node.Title = step.Title
	node.Description = step.Description
	node.XPReward = step.XPReward
	node.Dependencies = deps
	node.Completed = node.Completed || step.Completed
	for _, dep := range deps {
		a.appendEdge(Edge{From: dep, To: node.ID})
	}

	a.refresh(node.ID)
	a.touch()
	return nil
}

// DeleteNode removes a node, its edges, and its id from every dependency list.
// Former dependents are re-evaluated and may unlock.
func (a *Artifact) DeleteNode(id string) error {
	if _, ok := a.nodes[id]; !ok {
		return fmt.Errorf("%w: %s", ErrNodeNotFound, id)
	}
	delete(a.nodes, id)
	a.order = slices.DeleteFunc(a.order, func(s string) bool { return s == id })
	a.edges = slices.DeleteFunc(a.edges, func(e Edge) bool { return e.From == id || e.To == id })

	var affected []string
	for _, node := range a.nodes {
		if slices.Contains(node.Dependencies, id) {
			node.Dependencies = slices.DeleteFunc(node.Dependencies, func(s string) bool { return s == id })
			affected = append(affected, node.ID)
		}
	}
	for _, nid := range affected {
		a.recompute(a.nodes[nid])
	}
	a.touch()
	return nil
}

// AddEdge records that to depends on from. If to exists, from joins its
// dependency list. Edges that would close a cycle are rejected.
func (a *Artifact) AddEdge(e Edge) error {
	if e.From == "" || e.To == "" {
		return errors.New("edge: empty endpoint")
	}
	if e.From == e.To {
		return ErrSelfEdge
	}
	if a.reaches(e.From, e.To) {
		return fmt.Errorf("%w: %s -> %s", ErrCycle, e.From, e.To)
	}

	a.appendEdge(e)
	if node, ok := a.nodes[e.To]; ok && !slices.Contains(node.Dependencies, e.From) {
		node.Dependencies = append(node.Dependencies, e.From)
		a.recompute(node)
	}
	a.touch()
	return nil
}

// CompleteNode marks an unlocked node completed and unlocks its dependents
// whose remaining dependencies are all complete. Completing twice is a no-op.
func (a *Artifact) CompleteNode(id string) error {
	node, ok := a.nodes[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNodeNotFound, id)
	}
	if node.Completed {
		return nil
	}
	if !node.Unlocked {
		return fmt.Errorf("%w: %s", ErrNodeLocked, id)
	}
	node.Completed = true
	a.refreshDependents(id)
	a.touch()
	return nil
}

// SetProgress records generation progress, clamped to [0, 100].
func (a *Artifact) SetProgress(pct int) {
	a.GenerationProgress = max(0, min(100, pct))
	a.touch()
}

// CheckInvariant verifies the unlock invariant for every node.
func (a *Artifact) CheckInvariant() error {
	for _, node := range a.nodes {
		if want := a.unlockable(node); node.Unlocked != want {
			return fmt.Errorf("node %s: unlocked=%v, want %v", node.ID, node.Unlocked, want)
		}
	}
	return nil
}

// Clone returns a deep copy.
func (a *Artifact) Clone() *Artifact {
	c := *a
	c.nodes = make(map[string]*Node, len(a.nodes))
	for id, n := range a.nodes {
		nc := *n
		nc.Dependencies = slices.Clone(n.Dependencies)
		c.nodes[id] = &nc
	}
	c.order = slices.Clone(a.order)
	c.edges = slices.Clone(a.edges)
	return &c
}

// refresh recomputes id itself and everything that depends on it.
func (a *Artifact) refresh(id string) {
	if node, ok := a.nodes[id]; ok {
		a.recompute(node)
	}
	a.refreshDependents(id)
}

func (a *Artifact) refreshDependents(id string) {
	for _, node := range a.nodes {
		if slices.Contains(node.Dependencies, id) {
			a.recompute(node)
		}
	}
}

func (a *Artifact) recompute(node *Node) {
	node.Unlocked = a.unlockable(node)
}

func (a *Artifact) unlockable(node *Node) bool {
	for _, dep := range node.Dependencies {
		d, ok := a.nodes[dep]
		if !ok || !d.Completed {
			return false
		}
	}
	return true
}

// reaches reports whether start transitively depends on target.
func (a *Artifact) reaches(start, target string) bool {
	seen := map[string]bool{}
	stack := []string{start}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if id == target {
			return true
		}
		if seen[id] {
			continue
		}
		seen[id] = true
		if node, ok := a.nodes[id]; ok {
			stack = append(stack, node.Dependencies...)
		}
	}
	return false
}

func (a *Artifact) appendEdge(e Edge) {
	if !slices.Contains(a.edges, e) {
		a.edges = append(a.edges, e)
	}
}

func (a *Artifact) touch() {
	a.UpdatedAt = time.Now().UTC()
}

func dedupe(ids []string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if !slices.Contains(out, id) {
			out = append(out, id)
		}
	}
	return out
}

// document is the persisted JSON shape of an Artifact.
type document struct {
	ID                 string    `json:"id"`
	ConversationID     string    `json:"conversationId"`
	Title              string    `json:"title"`
	Description        string    `json:"description,omitempty"`
	Category           string    `json:"category,omitempty"`
	Difficulty         string    `json:"difficulty,omitempty"`
	EstimatedDuration  string    `json:"estimatedDuration,omitempty"`
	Status             Status    `json:"status"`
	GenerationProgress int       `json:"generationProgress"`
	Nodes              []*Node   `json:"nodes"`
	Edges              []Edge    `json:"edges"`
	CreatedAt          time.Time `json:"createdAt"`
	UpdatedAt          time.Time `json:"updatedAt"`
}

// MarshalJSON encodes nodes and edges as ordered arrays.
func (a *Artifact) MarshalJSON() ([]byte, error) {
	edges := a.edges
	if edges == nil {
		edges = []Edge{}
	}
	return json.Marshal(document{
		ID:                 a.ID,
		ConversationID:     a.ConversationID,
		Title:              a.Title,
		Description:        a.Description,
		Category:           a.Category,
		Difficulty:         a.Difficulty,
		EstimatedDuration:  a.EstimatedDuration,
		Status:             a.Status,
		GenerationProgress: a.GenerationProgress,
		Nodes:              a.Nodes(),
		Edges:              edges,
		CreatedAt:          a.CreatedAt,
		UpdatedAt:          a.UpdatedAt,
	})
}

// UnmarshalJSON decodes a persisted artifact. Unlock flags are recomputed
// from completion state rather than read back.
func (a *Artifact) UnmarshalJSON(data []byte) error {
	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return err
	}
	*a = Artifact{
		ID:                 doc.ID,
		ConversationID:     doc.ConversationID,
		Title:              doc.Title,
		Description:        doc.Description,
		Category:           doc.Category,
		Difficulty:         doc.Difficulty,
		EstimatedDuration:  doc.EstimatedDuration,
		Status:             doc.Status,
		GenerationProgress: doc.GenerationProgress,
		CreatedAt:          doc.CreatedAt,
		UpdatedAt:          doc.UpdatedAt,
		nodes:              make(map[string]*Node, len(doc.Nodes)),
		edges:              doc.Edges,
	}
	for _, n := range doc.Nodes {
		if n == nil || n.ID == "" {
			continue
		}
		if _, dup := a.nodes[n.ID]; !dup {
			a.order = append(a.order, n.ID)
		}
		a.nodes[n.ID] = n
	}
	for _, n := range a.nodes {
		a.recompute(n)
	}
	return nil
}
