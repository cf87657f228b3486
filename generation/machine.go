// Package generation folds graph fragments into a single growing skill tree.
//
// The machine moves through none -> generating -> active and
// active -> updating -> active. Fragments that arrive outside a state that
// accepts them are dropped with a warning: they are late deliveries from an
// abandoned generation, not user-facing failures.
package generation

import (
	"errors"
	"fmt"
	"sync"

	"github.com/pithecene-io/treesync/bus"
	"github.com/pithecene-io/treesync/log"
	"github.com/pithecene-io/treesync/skilltree"
	"github.com/pithecene-io/treesync/types"
)

// State is the machine state.
type State string

// Machine states.
const (
	StateNone       State = "none"
	StateGenerating State = "generating"
	StateActive     State = "active"
	StateUpdating   State = "updating"
)

// Errors returned by transitions and mutations.
var (
	// ErrGenerationInFlight rejects a second StartGeneration before the first completes.
	ErrGenerationInFlight = errors.New("generation already in flight")
	// ErrInvalidState is returned for a mutation the current state does not accept.
	ErrInvalidState = errors.New("operation not valid in current state")
	// ErrNoConversation is returned when no conversation is selected.
	ErrNoConversation = errors.New("no conversation selected")
	// ErrNoArtifact is returned when no artifact is loaded.
	ErrNoArtifact = errors.New("no artifact loaded")
)

// Change is the payload of artifact_changed events.
type Change struct {
	ConversationID string              `json:"conversationId"`
	ObjectiveID    string              `json:"objectiveId,omitempty"`
	State          State               `json:"state"`
	Cause          string              `json:"cause"`
	Reason         string              `json:"reason,omitempty"`
	Artifact       *skilltree.Artifact `json:"artifact,omitempty"`
}

// Options configure a Machine.
type Options struct {
	Logger *log.Logger
	// Bus receives artifact_changed events. May also be set by Bind.
	Bus *bus.Envelopes
}

// Machine owns the artifact of the displayed conversation.
// Safe for concurrent use.
type Machine struct {
	mu             sync.Mutex
	state          State
	conversationID string
	artifact       *skilltree.Artifact
	dropped        int64
	logger         *log.Logger
	bus            *bus.Envelopes
}

// New creates a machine with no conversation selected.
func New(opts Options) *Machine {
	logger := opts.Logger
	if logger == nil {
		logger = log.Nop()
	}
	return &Machine{state: StateNone, logger: logger, bus: opts.Bus}
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// ConversationID returns the selected conversation.
func (m *Machine) ConversationID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conversationID
}

// Artifact returns a copy of the current artifact, or nil.
func (m *Machine) Artifact() *skilltree.Artifact {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.artifact == nil {
		return nil
	}
	return m.artifact.Clone()
}

// Dropped returns how many fragments were discarded.
func (m *Machine) Dropped() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dropped
}

// SetConversation selects the displayed conversation. Switching to a
// different conversation discards the current artifact.
func (m *Machine) SetConversation(id string) {
	m.mu.Lock()
	if id == m.conversationID {
		m.mu.Unlock()
		return
	}
	m.conversationID = id
	m.artifact = nil
	m.state = StateNone
	change := m.changeLocked("conversation_selected", "")
	m.mu.Unlock()
	m.publish(change)
}

// Load installs an artifact fetched from authoritative state, for example
// after a reconnect. The artifact's conversation becomes the selected one.
func (m *Machine) Load(a *skilltree.Artifact) {
	m.mu.Lock()
	m.conversationID = a.ConversationID
	m.artifact = a.Clone()
	switch a.Status {
	case skilltree.StatusGenerating:
		m.state = StateGenerating
	case skilltree.StatusActive:
		m.state = StateActive
	default:
		m.state = StateNone
	}
	change := m.changeLocked("loaded", "")
	m.mu.Unlock()
	m.publish(change)
}

// StartGeneration begins a new artifact for the selected conversation.
func (m *Machine) StartGeneration(objectiveID string, meta types.ObjectiveMetadata) error {
	m.mu.Lock()
	if m.conversationID == "" {
		m.mu.Unlock()
		return ErrNoConversation
	}
	if m.state == StateGenerating || m.state == StateUpdating {
		m.mu.Unlock()
		m.logger.Warn("rejecting start while generation in flight", map[string]any{
			"conversation_id": m.ConversationID(),
			"objective_id":    objectiveID,
		})
		return ErrGenerationInFlight
	}
	a := skilltree.New(objectiveID, m.conversationID, meta)
	a.Status = skilltree.StatusGenerating
	m.artifact = a
	m.state = StateGenerating
	change := m.changeLocked("generation_started", "")
	m.mu.Unlock()
	m.publish(change)
	return nil
}

// AddNode appends a node while generating or updating.
func (m *Machine) AddNode(step types.Step) error {
	return m.mutate("node_added", []State{StateGenerating, StateUpdating}, func(a *skilltree.Artifact) error {
		_, err := a.AddNode(step)
		return err
	})
}

// AddEdge records a dependency while generating or updating.
func (m *Machine) AddEdge(e skilltree.Edge) error {
	return m.mutate("edge_added", []State{StateGenerating, StateUpdating}, func(a *skilltree.Artifact) error {
		return a.AddEdge(e)
	})
}

// UpdateProgress records generation progress while generating or updating.
func (m *Machine) UpdateProgress(pct int) error {
	return m.mutate("progress", []State{StateGenerating, StateUpdating}, func(a *skilltree.Artifact) error {
		a.SetProgress(pct)
		return nil
	})
}

// CompleteGeneration activates the artifact.
func (m *Machine) CompleteGeneration() error {
	return m.transition("generation_completed", StateGenerating, StateActive, func(a *skilltree.Artifact) {
		a.Status = skilltree.StatusActive
		a.SetProgress(100)
	})
}

// StartUpdate enters update mode on the active artifact.
func (m *Machine) StartUpdate() error {
	return m.transition("update_started", StateActive, StateUpdating, nil)
}

// UpdateNode replaces a node definition while updating.
func (m *Machine) UpdateNode(step types.Step) error {
	return m.mutate("node_updated", []State{StateUpdating}, func(a *skilltree.Artifact) error {
		return a.UpdateNode(step)
	})
}

// DeleteNode removes a node while updating.
func (m *Machine) DeleteNode(id string) error {
	return m.mutate("node_deleted", []State{StateUpdating}, func(a *skilltree.Artifact) error {
		return a.DeleteNode(id)
	})
}

// CompleteUpdate leaves update mode.
func (m *Machine) CompleteUpdate() error {
	return m.transition("update_completed", StateUpdating, StateActive, nil)
}

// CompleteNode marks a step done. Allowed in any state with a live artifact.
func (m *Machine) CompleteNode(id string) error {
	return m.mutate("node_completed", []State{StateGenerating, StateActive, StateUpdating}, func(a *skilltree.Artifact) error {
		return a.CompleteNode(id)
	})
}

// Fail marks an in-flight generation failed and returns to none, so a new
// generation may start. Applied nodes are kept. With nothing in flight Fail
// only records the reason.
func (m *Machine) Fail(reason string) error {
	m.mu.Lock()
	if m.state != StateGenerating && m.state != StateUpdating {
		m.mu.Unlock()
		m.logger.Warn("workflow error with no generation in flight", map[string]any{
			"reason": reason,
		})
		return nil
	}
	m.artifact.Status = skilltree.StatusFailed
	m.state = StateNone
	change := m.changeLocked("generation_failed", reason)
	m.mu.Unlock()
	m.publish(change)
	return nil
}

func (m *Machine) mutate(cause string, allowed []State, fn func(*skilltree.Artifact) error) error {
	m.mu.Lock()
	if err := m.checkLocked(cause, allowed...); err != nil {
		m.mu.Unlock()
		return err
	}
	if err := fn(m.artifact); err != nil {
		m.dropped++
		m.mu.Unlock()
		m.logger.Warn("dropping graph fragment", map[string]any{
			"cause": cause,
			"error": err.Error(),
		})
		return err
	}
	change := m.changeLocked(cause, "")
	m.mu.Unlock()
	m.publish(change)
	return nil
}

func (m *Machine) transition(cause string, from, to State, fn func(*skilltree.Artifact)) error {
	m.mu.Lock()
	if err := m.checkLocked(cause, from); err != nil {
		m.mu.Unlock()
		return err
	}
	if fn != nil {
		fn(m.artifact)
	}
	m.state = to
	change := m.changeLocked(cause, "")
	m.mu.Unlock()
	m.publish(change)
	return nil
}

func (m *Machine) checkLocked(cause string, allowed ...State) error {
	for _, s := range allowed {
		if m.state == s && m.artifact != nil {
			return nil
		}
	}
	m.dropped++
	m.logger.Warn("ignoring fragment outside generation", map[string]any{
		"cause":           cause,
		"state":           string(m.state),
		"conversation_id": m.conversationID,
	})
	if m.artifact == nil {
		return fmt.Errorf("%s: %w", cause, ErrNoArtifact)
	}
	return fmt.Errorf("%s in state %s: %w", cause, m.state, ErrInvalidState)
}

func (m *Machine) changeLocked(cause, reason string) Change {
	c := Change{
		ConversationID: m.conversationID,
		State:          m.state,
		Cause:          cause,
		Reason:         reason,
	}
	if m.artifact != nil {
		c.ObjectiveID = m.artifact.ID
		c.Artifact = m.artifact.Clone()
	}
	return c
}

func (m *Machine) publish(c Change) {
	m.mu.Lock()
	b := m.bus
	m.mu.Unlock()
	if b != nil {
		bus.Emit(b, types.EventArtifactChanged, c)
	}
}
