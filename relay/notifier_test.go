package relay

import (
	"context"
	"errors"
	"testing"

	"github.com/pithecene-io/treesync/journal"
	"github.com/pithecene-io/treesync/types"
)

func TestJournalNotifier_StampsSeq(t *testing.T) {
	j, err := journal.NewMemory("")
	if err != nil {
		t.Fatalf("journal: %v", err)
	}
	next := &recorder{}
	n := NewJournalNotifier(j, next, nil)

	notify(t, n, "c1", types.TypeStepAdded, nil)
	notify(t, n, "c1", types.TypeStepAdded, nil)

	if next.len() != 2 {
		t.Fatalf("forwarded %d, want 2", next.len())
	}
	for i := range 2 {
		_, env := next.at(i)
		if env.Seq != int64(i+1) {
			t.Errorf("envelope %d seq = %d, want %d", i, env.Seq, i+1)
		}
	}

	replayed, err := j.Replay(t.Context(), "c1", 0)
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if len(replayed) != 2 {
		t.Errorf("journaled %d, want 2", len(replayed))
	}
}

type failingAppender struct{}

func (failingAppender) Append(context.Context, *types.Envelope) (int64, error) {
	return 0, errors.New("disk full")
}

func TestJournalNotifier_ForwardsOnJournalFailure(t *testing.T) {
	next := &recorder{}
	n := NewJournalNotifier(failingAppender{}, next, nil)

	notify(t, n, "c1", types.TypeAIThinking, nil)

	if next.len() != 1 {
		t.Fatalf("forwarded %d, want 1", next.len())
	}
	if _, env := next.at(0); env.Seq != 0 {
		t.Errorf("seq = %d, want 0 without a journal", env.Seq)
	}
}
