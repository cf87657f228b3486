// Package journal keeps a durable, per-conversation log of relayed envelopes.
//
// Envelopes are written to a Lode dataset with a Hive layout partitioned by
// conversation_id/day. Each conversation has its own monotonically
// increasing seq, starting at 1, which clients use to resume after a
// reconnect by subscribing with since=<last seen seq>.
package journal

import (
	"cmp"
	"context"
	"errors"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/justapithecus/lode/lode"

	"github.com/pithecene-io/treesync/metrics"
	"github.com/pithecene-io/treesync/types"
)

// DefaultDataset is the dataset id used when none is configured.
const DefaultDataset = "treesync"

// RecordKindEnvelope is the record_kind discriminator for journaled envelopes.
const RecordKindEnvelope = "envelope"

// ErrNoConversation is returned when appending an envelope without a conversation id.
var ErrNoConversation = errors.New("journal: envelope has no conversation id")

// Journal appends envelopes to a Lode dataset and replays them by seq.
// Safe for concurrent use; appends are serialized.
type Journal struct {
	dataset lode.Dataset
	backend string
	metrics *metrics.Collector

	mu   sync.Mutex
	seqs map[string]int64 // last assigned seq per conversation, loaded lazily
}

// Option configures a Journal.
type Option func(*Journal)

// WithMetrics counts journal writes on c.
func WithMetrics(c *metrics.Collector) Option {
	return func(j *Journal) { j.metrics = c }
}

// New creates a journal over the given store factory.
// Use lode.NewMemoryFactory() for testing.
func New(dataset, backend string, factory lode.StoreFactory, opts ...Option) (*Journal, error) {
	if dataset == "" {
		dataset = DefaultDataset
	}
	ds, err := newDataset(dataset, factory)
	if err != nil {
		return nil, wrap(err, "init", "")
	}
	j := &Journal{
		dataset: ds,
		backend: backend,
		seqs:    make(map[string]int64),
	}
	for _, opt := range opts {
		opt(j)
	}
	return j, nil
}

// NewFS creates a journal with filesystem storage rooted at root.
func NewFS(dataset, root string, opts ...Option) (*Journal, error) {
	return New(dataset, "fs", lode.NewFSFactory(root), opts...)
}

// NewMemory creates an in-process journal. Contents are lost on exit.
func NewMemory(dataset string, opts ...Option) (*Journal, error) {
	return New(dataset, "memory", lode.NewMemoryFactory(), opts...)
}

// newDataset uses the same codec and layout for the write and read paths.
func newDataset(dataset string, factory lode.StoreFactory) (lode.Dataset, error) {
	return lode.NewDataset(
		lode.DatasetID(dataset),
		factory,
		lode.WithHiveLayout("conversation_id", "day"),
		lode.WithCodec(lode.NewJSONLCodec()),
	)
}

// Backend names the storage backend ("fs", "s3", "memory").
func (j *Journal) Backend() string { return j.backend }

// Append assigns the next seq for env's conversation, writes it, and stamps
// env.Seq. The seq is only consumed when the write succeeds.
func (j *Journal) Append(ctx context.Context, env *types.Envelope) (int64, error) {
	convID := env.ConversationID()
	if convID == "" {
		return 0, ErrNoConversation
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	last, err := j.lastSeqLocked(ctx, convID)
	if err != nil {
		j.metrics.IncJournalWriteFailure()
		return 0, err
	}
	seq := last + 1

	if _, err := j.dataset.Write(ctx, []any{toRecord(env, convID, seq)}, lode.Metadata{}); err != nil {
		j.metrics.IncJournalWriteFailure()
		return 0, wrap(err, "append", convID)
	}

	j.metrics.IncJournalWriteSuccess()
	j.seqs[convID] = seq
	env.Seq = seq
	return seq, nil
}

// LastSeq returns the highest seq journaled for the conversation, 0 if none.
func (j *Journal) LastSeq(ctx context.Context, conversationID string) (int64, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.lastSeqLocked(ctx, conversationID)
}

func (j *Journal) lastSeqLocked(ctx context.Context, convID string) (int64, error) {
	if seq, ok := j.seqs[convID]; ok {
		return seq, nil
	}
	envs, err := j.replay(ctx, convID, 0)
	if err != nil {
		return 0, err
	}
	var last int64
	if n := len(envs); n > 0 {
		last = envs[n-1].Seq
	}
	j.seqs[convID] = last
	return last, nil
}

// Replay returns the conversation's envelopes with seq > since, in seq order.
func (j *Journal) Replay(ctx context.Context, conversationID string, since int64) ([]*types.Envelope, error) {
	return j.replay(ctx, conversationID, since)
}

func (j *Journal) replay(ctx context.Context, convID string, since int64) ([]*types.Envelope, error) {
	snapshots, err := j.dataset.Snapshots(ctx)
	if err != nil {
		return nil, wrap(err, "replay", convID)
	}

	var out []*types.Envelope
	for _, snap := range snapshots {
		if !snapshotMatches(snap, "conversation_id", convID) {
			continue
		}
		data, err := j.dataset.Read(ctx, snap.ID)
		if err != nil {
			return nil, wrap(err, "replay", convID)
		}
		// Manifest paths are a coarse pre-filter; record fields are authoritative.
		for _, item := range data {
			record, ok := item.(map[string]any)
			if !ok || record["record_kind"] != RecordKindEnvelope {
				continue
			}
			if toString(record["conversation_id"]) != convID {
				continue
			}
			env := fromRecord(record)
			if env.Seq > since {
				out = append(out, env)
			}
		}
	}

	slices.SortFunc(out, func(a, b *types.Envelope) int {
		return cmp.Compare(a.Seq, b.Seq)
	})
	return out, nil
}

// toRecord flattens an envelope into a storage record carrying its
// partition keys.
func toRecord(env *types.Envelope, convID string, seq int64) map[string]any {
	ts := env.Timestamp
	if ts == 0 {
		ts = time.Now().UnixMilli()
	}
	record := map[string]any{
		"record_kind":     RecordKindEnvelope,
		"conversation_id": convID,
		"day":             time.UnixMilli(ts).UTC().Format(time.DateOnly),
		"seq":             seq,
		"envelope_id":     env.ID,
		"type":            string(env.Type),
		"timestamp":       ts,
	}
	if env.Data != nil {
		record["data"] = env.Data
	}
	if env.Correlation != nil && env.Correlation.SessionID != "" {
		record["session_id"] = env.Correlation.SessionID
	}
	return record
}

func fromRecord(record map[string]any) *types.Envelope {
	env := &types.Envelope{
		ID:        toString(record["envelope_id"]),
		Type:      types.MessageType(toString(record["type"])),
		Timestamp: toInt64(record["timestamp"]),
		Seq:       toInt64(record["seq"]),
		Correlation: &types.Correlation{
			ConversationID: toString(record["conversation_id"]),
			SessionID:      toString(record["session_id"]),
		},
	}
	if data, ok := record["data"].(map[string]any); ok {
		env.Data = data
	}
	return env
}

// snapshotMatches checks if any of a snapshot's file paths carries the
// exact key=value partition segment.
func snapshotMatches(snap *lode.DatasetSnapshot, key, value string) bool {
	segment := key + "=" + value
	for _, f := range snap.Manifest.Files {
		if slices.Contains(strings.Split(f.Path, "/"), segment) {
			return true
		}
	}
	return false
}

func toString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

// toInt64 accepts the numeric types a codec may decode into.
func toInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case float64:
		return int64(n)
	case int:
		return int64(n)
	default:
		return 0
	}
}
