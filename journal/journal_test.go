package journal

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/justapithecus/lode/lode"

	"github.com/pithecene-io/treesync/metrics"
	"github.com/pithecene-io/treesync/types"
)

// sharedFactory returns a StoreFactory that always returns the given store.
// This allows two journals to share the same in-memory state.
func sharedFactory(store lode.Store) lode.StoreFactory {
	return func() (lode.Store, error) { return store, nil }
}

func envelope(t *testing.T, conv string, typ types.MessageType, data map[string]any) *types.Envelope {
	t.Helper()
	env, err := types.NewEnvelope(typ, data)
	if err != nil {
		t.Fatalf("NewEnvelope: %v", err)
	}
	return env.WithConversation(conv)
}

func TestAppend_AssignsSeqPerConversation(t *testing.T) {
	j, err := NewMemory("")
	if err != nil {
		t.Fatalf("NewMemory: %v", err)
	}

	var got []int64
	for _, conv := range []string{"c1", "c1", "c2", "c1"} {
		env := envelope(t, conv, types.TypeStepAdded, map[string]any{"objectiveId": "o1"})
		seq, err := j.Append(t.Context(), env)
		if err != nil {
			t.Fatalf("Append: %v", err)
		}
		if env.Seq != seq {
			t.Errorf("env.Seq = %d, want %d", env.Seq, seq)
		}
		got = append(got, seq)
	}

	want := []int64{1, 2, 1, 3}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("seqs mismatch (-want +got):\n%s", diff)
	}
}

func TestReplay_SinceAndOrder(t *testing.T) {
	j, err := NewMemory("")
	if err != nil {
		t.Fatalf("NewMemory: %v", err)
	}

	seqTypes := []types.MessageType{types.TypeObjectiveStarted, types.TypeStepAdded, types.TypeStepAdded, types.TypeObjectiveCompleted}
	var ids []string
	for i, typ := range seqTypes {
		env := envelope(t, "c1", typ, map[string]any{"n": float64(i)})
		ids = append(ids, env.ID)
		if _, err := j.Append(t.Context(), env); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	all, err := j.Replay(t.Context(), "c1", 0)
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if len(all) != 4 {
		t.Fatalf("replayed %d envelopes, want 4", len(all))
	}
	for i, env := range all {
		if env.ID != ids[i] || env.Type != seqTypes[i] || env.Seq != int64(i+1) {
			t.Errorf("envelope %d = {%s %s %d}, want {%s %s %d}", i, env.ID, env.Type, env.Seq, ids[i], seqTypes[i], i+1)
		}
		if env.ConversationID() != "c1" {
			t.Errorf("envelope %d conversation = %q", i, env.ConversationID())
		}
		if env.Data["n"] != float64(i) {
			t.Errorf("envelope %d data = %v", i, env.Data)
		}
	}

	tail, err := j.Replay(t.Context(), "c1", 2)
	if err != nil {
		t.Fatalf("Replay since: %v", err)
	}
	if len(tail) != 2 || tail[0].Seq != 3 || tail[1].Seq != 4 {
		t.Errorf("tail = %+v, want seqs 3,4", tail)
	}
}

// TestReplay_PartitionNoCollision verifies that c1 does not match c10.
func TestReplay_PartitionNoCollision(t *testing.T) {
	j, err := NewMemory("")
	if err != nil {
		t.Fatalf("NewMemory: %v", err)
	}
	for _, conv := range []string{"c1", "c10", "c10"} {
		if _, err := j.Append(t.Context(), envelope(t, conv, types.TypeAIThinking, nil)); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	got, err := j.Replay(t.Context(), "c1", 0)
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if len(got) != 1 {
		t.Errorf("c1 replayed %d envelopes, want 1", len(got))
	}

	empty, err := j.Replay(t.Context(), "c2", 0)
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if len(empty) != 0 {
		t.Errorf("c2 replayed %d envelopes, want 0", len(empty))
	}
}

func TestAppend_ResumesSeqAcrossInstances(t *testing.T) {
	store := lode.NewMemory()

	first, err := New("treesync", "memory", sharedFactory(store))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	for range 3 {
		if _, err := first.Append(t.Context(), envelope(t, "c1", types.TypeStepAdded, nil)); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	second, err := New("treesync", "memory", sharedFactory(store))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	last, err := second.LastSeq(t.Context(), "c1")
	if err != nil {
		t.Fatalf("LastSeq: %v", err)
	}
	if last != 3 {
		t.Errorf("LastSeq = %d, want 3", last)
	}
	seq, err := second.Append(t.Context(), envelope(t, "c1", types.TypeStepAdded, nil))
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if seq != 4 {
		t.Errorf("seq = %d, want 4", seq)
	}
}

func TestAppend_RequiresConversation(t *testing.T) {
	c := metrics.NewCollector("n", "sqlite", "memory")
	j, err := NewMemory("", WithMetrics(c))
	if err != nil {
		t.Fatalf("NewMemory: %v", err)
	}

	env, _ := types.NewEnvelope(types.TypePong, nil)
	if _, err := j.Append(t.Context(), env); !errors.Is(err, ErrNoConversation) {
		t.Fatalf("expected ErrNoConversation, got %v", err)
	}

	if _, err := j.Append(t.Context(), envelope(t, "c1", types.TypeAIThinking, nil)); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if s := c.Snapshot(); s.JournalWriteSuccess != 1 || s.JournalWriteFailure != 0 {
		t.Errorf("journal writes = %d/%d, want 1/0", s.JournalWriteSuccess, s.JournalWriteFailure)
	}
}

func TestAppend_FactoryFailureIsClassified(t *testing.T) {
	c := metrics.NewCollector("n", "sqlite", "fs")
	failing := func() (lode.Store, error) { return nil, errors.New("open /data: permission denied") }

	j, err := New("treesync", "fs", failing, WithMetrics(c))
	if err != nil {
		// Construction may already surface the factory error.
		if !errors.Is(err, ErrPermissionDenied) {
			t.Errorf("expected ErrPermissionDenied, got %v", err)
		}
		return
	}

	_, err = j.Append(t.Context(), envelope(t, "c1", types.TypeAIThinking, nil))
	if err == nil {
		t.Fatal("expected append error")
	}
	var storageErr *StorageError
	if !errors.As(err, &storageErr) {
		t.Fatalf("expected StorageError, got %T: %v", err, err)
	}
	if s := c.Snapshot(); s.JournalWriteFailure != 1 {
		t.Errorf("JournalWriteFailure = %d, want 1", s.JournalWriteFailure)
	}
}
