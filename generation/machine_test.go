package generation

import (
	"errors"
	"testing"

	"github.com/pithecene-io/treesync/bus"
	"github.com/pithecene-io/treesync/skilltree"
	"github.com/pithecene-io/treesync/types"
)

func newMachine(t *testing.T) *Machine {
	t.Helper()
	m := New(Options{})
	m.SetConversation("c1")
	return m
}

func TestMachine_LifeCycle(t *testing.T) {
	m := newMachine(t)
	if err := m.StartGeneration("o1", types.ObjectiveMetadata{Title: "Learn Guitar"}); err != nil {
		t.Fatal(err)
	}
	if m.State() != StateGenerating {
		t.Fatalf("state = %s", m.State())
	}
	if err := m.AddNode(types.Step{ID: "A", Title: "Tune"}); err != nil {
		t.Fatal(err)
	}
	if err := m.UpdateProgress(40); err != nil {
		t.Fatal(err)
	}
	if err := m.CompleteGeneration(); err != nil {
		t.Fatal(err)
	}
	a := m.Artifact()
	if a.Status != skilltree.StatusActive || a.GenerationProgress != 100 || a.Len() != 1 {
		t.Errorf("unexpected artifact: status=%s progress=%d nodes=%d", a.Status, a.GenerationProgress, a.Len())
	}
	if m.State() != StateActive {
		t.Errorf("state = %s, want active", m.State())
	}
}

func TestMachine_SingleInFlightGeneration(t *testing.T) {
	m := newMachine(t)
	if err := m.StartGeneration("o1", types.ObjectiveMetadata{Title: "first"}); err != nil {
		t.Fatal(err)
	}
	err := m.StartGeneration("o2", types.ObjectiveMetadata{Title: "second"})
	if !errors.Is(err, ErrGenerationInFlight) {
		t.Fatalf("expected ErrGenerationInFlight, got %v", err)
	}
	if got := m.Artifact().ID; got != "o1" {
		t.Errorf("artifact replaced: %s", got)
	}
}

func TestMachine_MutationOutsideGenerationIsNoop(t *testing.T) {
	m := newMachine(t)
	if err := m.AddNode(types.Step{ID: "A"}); !errors.Is(err, ErrNoArtifact) {
		t.Errorf("expected ErrNoArtifact, got %v", err)
	}

	_ = m.StartGeneration("o1", types.ObjectiveMetadata{Title: "t"})
	_ = m.CompleteGeneration()
	if err := m.AddNode(types.Step{ID: "late"}); !errors.Is(err, ErrInvalidState) {
		t.Errorf("expected ErrInvalidState, got %v", err)
	}
	if err := m.UpdateProgress(10); !errors.Is(err, ErrInvalidState) {
		t.Errorf("expected ErrInvalidState, got %v", err)
	}
	if m.Artifact().Len() != 0 {
		t.Error("late node mutated active artifact")
	}
	if m.Dropped() != 3 {
		t.Errorf("dropped = %d, want 3", m.Dropped())
	}
}

func TestMachine_UpdateMode(t *testing.T) {
	m := newMachine(t)
	_ = m.StartGeneration("o1", types.ObjectiveMetadata{Title: "t"})
	_ = m.AddNode(types.Step{ID: "A"})
	_ = m.AddNode(types.Step{ID: "B", Dependencies: []string{"A"}})
	_ = m.CompleteGeneration()

	if err := m.UpdateNode(types.Step{ID: "A", Title: "x"}); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("update outside update mode: %v", err)
	}
	if err := m.StartUpdate(); err != nil {
		t.Fatal(err)
	}
	if err := m.UpdateNode(types.Step{ID: "A", Title: "renamed"}); err != nil {
		t.Fatal(err)
	}
	if err := m.DeleteNode("A"); err != nil {
		t.Fatal(err)
	}
	if err := m.AddNode(types.Step{ID: "C"}); err != nil {
		t.Fatal(err)
	}
	if err := m.CompleteUpdate(); err != nil {
		t.Fatal(err)
	}

	a := m.Artifact()
	b, _ := a.Node("B")
	if !b.Unlocked {
		t.Error("B should unlock once its dependency is deleted")
	}
	if a.Len() != 2 || m.State() != StateActive {
		t.Errorf("nodes=%d state=%s", a.Len(), m.State())
	}
}

func TestMachine_FailAllowsRestart(t *testing.T) {
	m := newMachine(t)
	_ = m.StartGeneration("o1", types.ObjectiveMetadata{Title: "t"})
	if err := m.Fail("workflow crashed"); err != nil {
		t.Fatal(err)
	}
	if m.Artifact().Status != skilltree.StatusFailed {
		t.Errorf("status = %s", m.Artifact().Status)
	}
	if err := m.StartGeneration("o2", types.ObjectiveMetadata{Title: "retry"}); err != nil {
		t.Fatalf("restart after failure: %v", err)
	}
}

func TestMachine_SetConversationResets(t *testing.T) {
	m := newMachine(t)
	_ = m.StartGeneration("o1", types.ObjectiveMetadata{Title: "t"})
	m.SetConversation("c2")
	if m.Artifact() != nil || m.State() != StateNone {
		t.Error("switching conversation kept the old artifact")
	}
}

func TestMachine_NoConversation(t *testing.T) {
	m := New(Options{})
	if err := m.StartGeneration("o1", types.ObjectiveMetadata{Title: "t"}); !errors.Is(err, ErrNoConversation) {
		t.Errorf("expected ErrNoConversation, got %v", err)
	}
}

func publish(t *testing.T, b *bus.Envelopes, mt types.MessageType, p any) {
	t.Helper()
	env, err := types.NewEnvelope(mt, p)
	if err != nil {
		t.Fatal(err)
	}
	b.Publish(mt, env)
}

func TestMachine_Bind(t *testing.T) {
	b := bus.NewEnvelopes(nil)
	m := newMachine(t)
	unbind := m.Bind(b)
	defer unbind()

	var changes []Change
	b.On(types.EventArtifactChanged, func(env *types.Envelope) {
		var c Change
		if err := env.DecodeData(&c); err != nil {
			t.Error(err)
		}
		changes = append(changes, c)
	})

	progress := 50
	publish(t, b, types.TypeObjectiveStarted, types.GraphPayload{
		ConversationID: "c1", ObjectiveID: "o1",
		Metadata: &types.ObjectiveMetadata{Title: "Learn Guitar"},
	})
	publish(t, b, types.TypeStepAdded, types.GraphPayload{
		ConversationID: "c1", ObjectiveID: "o1",
		Step: &types.Step{ID: "A", Title: "Tune"}, Progress: &progress,
	})
	// Foreign conversation and stale objective are both dropped.
	publish(t, b, types.TypeStepAdded, types.GraphPayload{
		ConversationID: "c2", ObjectiveID: "o1", Step: &types.Step{ID: "X"},
	})
	publish(t, b, types.TypeStepAdded, types.GraphPayload{
		ConversationID: "c1", ObjectiveID: "old", Step: &types.Step{ID: "Y"},
	})
	// Malformed: no step.
	publish(t, b, types.TypeStepAdded, types.GraphPayload{ConversationID: "c1", ObjectiveID: "o1"})
	publish(t, b, types.TypeObjectiveCompleted, types.GraphPayload{ConversationID: "c1", ObjectiveID: "o1"})

	a := m.Artifact()
	if a.Len() != 1 || a.Status != skilltree.StatusActive {
		t.Fatalf("nodes=%d status=%s", a.Len(), a.Status)
	}
	if m.Dropped() != 3 {
		t.Errorf("dropped = %d, want 3", m.Dropped())
	}
	// started, node_added, progress, completed
	if len(changes) != 4 {
		t.Fatalf("changes = %d, want 4", len(changes))
	}
	last := changes[len(changes)-1]
	if last.State != StateActive || last.Artifact == nil || last.Artifact.Title != "Learn Guitar" {
		t.Errorf("unexpected last change: %+v", last)
	}
}

func TestMachine_BindError(t *testing.T) {
	b := bus.NewEnvelopes(nil)
	m := newMachine(t)
	m.Bind(b)
	publish(t, b, types.TypeObjectiveStarted, types.GraphPayload{
		ConversationID: "c1", ObjectiveID: "o1",
		Metadata: &types.ObjectiveMetadata{Title: "t"},
	})
	publish(t, b, types.TypeError, types.ErrorPayload{ConversationID: "c1", Message: "boom"})
	if m.State() != StateNone || m.Artifact().Status != skilltree.StatusFailed {
		t.Errorf("state=%s status=%s", m.State(), m.Artifact().Status)
	}
}

func TestMachine_BindNodeCompletionWhileActive(t *testing.T) {
	b := bus.NewEnvelopes(nil)
	m := newMachine(t)
	m.Bind(b)

	publish(t, b, types.TypeObjectiveStarted, types.GraphPayload{
		ConversationID: "c1", ObjectiveID: "o1",
		Metadata: &types.ObjectiveMetadata{Title: "Learn Guitar"},
	})
	publish(t, b, types.TypeStepAdded, types.GraphPayload{
		ConversationID: "c1", ObjectiveID: "o1", Step: &types.Step{ID: "A"},
	})
	publish(t, b, types.TypeStepAdded, types.GraphPayload{
		ConversationID: "c1", ObjectiveID: "o1", Step: &types.Step{ID: "B", Dependencies: []string{"A"}},
	})
	publish(t, b, types.TypeObjectiveCompleted, types.GraphPayload{ConversationID: "c1", ObjectiveID: "o1"})

	publish(t, b, types.TypeNodeUpdated, types.GraphPayload{
		ConversationID: "c1", ObjectiveID: "o1", Step: &types.Step{ID: "A", Completed: true},
	})

	a := m.Artifact()
	nodeA, _ := a.Node("A")
	nodeB, _ := a.Node("B")
	if !nodeA.Completed || !nodeB.Unlocked {
		t.Errorf("A.completed=%v B.unlocked=%v, want true true", nodeA.Completed, nodeB.Unlocked)
	}
	if m.State() != StateActive {
		t.Errorf("state = %s, want active", m.State())
	}
}
