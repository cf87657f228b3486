package types

// Local event types. These never cross the wire; they are published on a
// client's event bus to let components observe each other.
const (
	// EventStateChanged carries {"from": ConnectionState, "to": ConnectionState}.
	EventStateChanged MessageType = "state_changed"
	// EventConnectionFailed is the terminal reconnect failure.
	EventConnectionFailed MessageType = "connection_failed"
	// EventMessageUpdated carries the accumulated content of a streaming message.
	EventMessageUpdated MessageType = "message_updated"
	// EventMessageCompleted carries the final content of a streamed message.
	EventMessageCompleted MessageType = "message_completed"
	// EventArtifactChanged is published after the generation state machine applies a fragment.
	EventArtifactChanged MessageType = "artifact_changed"
)
