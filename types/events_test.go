package types //nolint:revive // types is a valid package name

import (
	"errors"
	"testing"
)

func TestMessageType_Classification(t *testing.T) {
	tests := []struct {
		typ       MessageType
		client    bool
		fragment  bool
		droppable bool
	}{
		{TypeUserMessage, true, false, false},
		{TypeGenerateObjective, true, false, false},
		{TypePing, true, false, true},
		{TypePong, false, false, true},
		{TypeStepAdded, false, true, false},
		{TypeNodeDeleted, false, true, false},
		{TypeAIMessageChunk, false, false, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.typ), func(t *testing.T) {
			if got := tt.typ.IsClientType(); got != tt.client {
				t.Errorf("IsClientType() = %v, want %v", got, tt.client)
			}
			if got := tt.typ.IsGraphFragment(); got != tt.fragment {
				t.Errorf("IsGraphFragment() = %v, want %v", got, tt.fragment)
			}
			if got := tt.typ.IsDroppable(); got != tt.droppable {
				t.Errorf("IsDroppable() = %v, want %v", got, tt.droppable)
			}
		})
	}
}

func TestNewEnvelope_UniqueIDs(t *testing.T) {
	a, err := NewEnvelope(TypePing, nil)
	if err != nil {
		t.Fatalf("new envelope: %v", err)
	}
	b, err := NewEnvelope(TypePing, nil)
	if err != nil {
		t.Fatalf("new envelope: %v", err)
	}
	if a.ID == "" || a.ID == b.ID {
		t.Errorf("expected distinct non-empty ids, got %q and %q", a.ID, b.ID)
	}
	if a.Timestamp == 0 {
		t.Error("expected timestamp to be set")
	}
}

func TestEnvelope_DataRoundTrip(t *testing.T) {
	progress := 40
	env, err := NewEnvelope(TypeStepAdded, GraphPayload{
		ConversationID: "c1",
		ObjectiveID:    "o1",
		Step:           &Step{ID: "B", Title: "Chords", Dependencies: []string{"A"}},
		Progress:       &progress,
	})
	if err != nil {
		t.Fatalf("new envelope: %v", err)
	}

	if got := env.ConversationID(); got != "c1" {
		t.Errorf("ConversationID() = %q, want c1", got)
	}

	var p GraphPayload
	if err := env.DecodeData(&p); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if p.Step == nil || p.Step.ID != "B" || len(p.Step.Dependencies) != 1 {
		t.Errorf("unexpected step: %+v", p.Step)
	}
	if p.Progress == nil || *p.Progress != 40 {
		t.Errorf("unexpected progress: %v", p.Progress)
	}
}

func TestEnvelope_CorrelationWins(t *testing.T) {
	env := &Envelope{Data: map[string]any{"conversationId": "from-data"}}
	env.WithConversation("from-correlation")
	if got := env.ConversationID(); got != "from-correlation" {
		t.Errorf("ConversationID() = %q, want from-correlation", got)
	}
}

func TestEncodeData_RejectsNonObject(t *testing.T) {
	if _, err := EncodeData([]string{"a"}); err == nil {
		t.Fatal("expected error for non-object payload")
	}
}

func TestWebhookPayload_Validate(t *testing.T) {
	content := "hi"
	badProgress := 101

	tests := []struct {
		name    string
		payload WebhookPayload
		wantErr bool
	}{
		{"message ok", WebhookPayload{Type: WebhookMessage, Content: &content}, false},
		{"message without content", WebhookPayload{Type: WebhookMessage}, true},
		{"unknown type", WebhookPayload{Type: "bogus"}, true},
		{"start without title", WebhookPayload{Type: WebhookObjectiveStart, ObjectiveMetadata: &ObjectiveMetadata{}}, true},
		{"start ok", WebhookPayload{Type: WebhookObjectiveStart, ObjectiveMetadata: &ObjectiveMetadata{Title: "Learn Guitar"}}, false},
		{"step without step", WebhookPayload{Type: WebhookObjectiveStep}, true},
		{"step self dependency", WebhookPayload{Type: WebhookObjectiveStep, Step: &Step{ID: "A", Dependencies: []string{"A"}}}, true},
		{"step ok", WebhookPayload{Type: WebhookObjectiveStep, Step: &Step{ID: "A"}}, false},
		{"progress out of range", WebhookPayload{Type: WebhookObjectiveComplete, GenerationProgress: &badProgress}, true},
		{"delete without id", WebhookPayload{Type: WebhookNodeDeleted}, true},
		{"delete ok", WebhookPayload{Type: WebhookNodeDeleted, NodeID: "A"}, false},
		{"error without message", WebhookPayload{Type: WebhookError}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.payload.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestWebhookPayload_UnknownTypeSentinel(t *testing.T) {
	p := WebhookPayload{Type: "nope"}
	if err := p.Validate(); !errors.Is(err, ErrUnknownWebhookType) {
		t.Errorf("expected ErrUnknownWebhookType, got %v", err)
	}
}

func TestWebhookPayload_IsFinalDefaultsTrue(t *testing.T) {
	p := WebhookPayload{Type: WebhookMessage}
	if !p.IsFinalMessage() {
		t.Error("expected missing isFinal to default to true")
	}
	f := false
	p.IsFinal = &f
	if p.IsFinalMessage() {
		t.Error("expected explicit isFinal=false to be honored")
	}
}
