package generation

import (
	"github.com/pithecene-io/treesync/bus"
	"github.com/pithecene-io/treesync/types"
)

// Bind subscribes m to the graph fragment and error envelopes on b and makes
// b the destination of artifact_changed events. Envelopes for a conversation
// other than the selected one, or for an objective other than the current
// one, are dropped with a warning.
func (m *Machine) Bind(b *bus.Envelopes) (unbind func()) {
	m.mu.Lock()
	m.bus = b
	m.mu.Unlock()

	handlers := map[types.MessageType]func(*types.Envelope, types.GraphPayload){
		types.TypeObjectiveStarted: func(env *types.Envelope, p types.GraphPayload) {
			if p.Metadata == nil || p.ObjectiveID == "" {
				m.malformed(env, "missing objectiveId or metadata")
				return
			}
			_ = m.StartGeneration(p.ObjectiveID, *p.Metadata)
		},
		types.TypeStepAdded: func(env *types.Envelope, p types.GraphPayload) {
			if p.Step == nil {
				m.malformed(env, "missing step")
				return
			}
			if m.AddNode(*p.Step) == nil && p.Progress != nil {
				_ = m.UpdateProgress(*p.Progress)
			}
		},
		types.TypeObjectiveCompleted: func(*types.Envelope, types.GraphPayload) {
			_ = m.CompleteGeneration()
		},
		types.TypeObjectiveUpdateStarted: func(*types.Envelope, types.GraphPayload) {
			_ = m.StartUpdate()
		},
		types.TypeNodeAdded: func(env *types.Envelope, p types.GraphPayload) {
			if p.Step == nil {
				m.malformed(env, "missing step")
				return
			}
			_ = m.AddNode(*p.Step)
		},
		types.TypeNodeUpdated: func(env *types.Envelope, p types.GraphPayload) {
			if p.Step == nil {
				m.malformed(env, "missing step")
				return
			}
			// Outside update mode a node update only reports a completion.
			if p.Step.Completed && m.State() == StateActive {
				_ = m.CompleteNode(p.Step.ID)
				return
			}
			_ = m.UpdateNode(*p.Step)
		},
		types.TypeNodeDeleted: func(env *types.Envelope, p types.GraphPayload) {
			if p.NodeID == "" {
				m.malformed(env, "missing nodeId")
				return
			}
			_ = m.DeleteNode(p.NodeID)
		},
		types.TypeObjectiveUpdateCompleted: func(*types.Envelope, types.GraphPayload) {
			_ = m.CompleteUpdate()
		},
	}

	offs := make([]func(), 0, len(handlers)+1)
	for t, h := range handlers {
		offs = append(offs, b.On(t, func(env *types.Envelope) {
			var p types.GraphPayload
			if err := env.DecodeData(&p); err != nil {
				m.malformed(env, err.Error())
				return
			}
			if !m.accepts(env, p.ObjectiveID) {
				return
			}
			h(env, p)
		}))
	}
	offs = append(offs, b.On(types.TypeError, func(env *types.Envelope) {
		var p types.ErrorPayload
		if err := env.DecodeData(&p); err != nil {
			m.malformed(env, err.Error())
			return
		}
		if !m.accepts(env, "") {
			return
		}
		_ = m.Fail(p.Message)
	}))

	return func() {
		for _, off := range offs {
			off()
		}
	}
}

// accepts applies conversation and objective affinity. objectiveID is only
// checked when both it and the current artifact are known; objective_started
// always names a new objective and is gated by the state machine instead.
func (m *Machine) accepts(env *types.Envelope, objectiveID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	convID := env.ConversationID()
	if m.conversationID == "" || convID != m.conversationID {
		m.dropped++
		m.logger.Warn("dropping envelope for foreign conversation", map[string]any{
			"type":            string(env.Type),
			"conversation_id": convID,
			"selected":        m.conversationID,
		})
		return false
	}
	if env.Type == types.TypeObjectiveStarted || objectiveID == "" || m.artifact == nil {
		return true
	}
	if objectiveID != m.artifact.ID {
		m.dropped++
		m.logger.Warn("dropping envelope for stale objective", map[string]any{
			"type":         string(env.Type),
			"objective_id": objectiveID,
			"current":      m.artifact.ID,
		})
		return false
	}
	return true
}

func (m *Machine) malformed(env *types.Envelope, reason string) {
	m.mu.Lock()
	m.dropped++
	m.mu.Unlock()
	m.logger.Warn("dropping malformed graph fragment", map[string]any{
		"type":        string(env.Type),
		"envelope_id": env.ID,
		"reason":      reason,
	})
}
