package client

import (
	"time"

	"github.com/pithecene-io/treesync/types"
)

// Pending is an outbound envelope waiting for a live connection.
type Pending struct {
	Envelope   *types.Envelope
	Options    SendOptions
	EnqueuedAt time.Time
	Attempts   int
}

// QueueStats counts outbound queue activity.
type QueueStats struct {
	Enqueued int64
	Sent     int64
	Requeued int64
	Dropped  int64
	// DroppedByType counts evictions per envelope type.
	DroppedByType map[types.MessageType]int64
}

// queue is a bounded FIFO. When full, the oldest droppable entry is evicted
// first, otherwise the oldest entry. Not safe for concurrent use; the
// Manager's mutex guards it.
type queue struct {
	items []*Pending
	limit int
	stats QueueStats
}

func newQueue(limit int) *queue {
	return &queue{
		items: make([]*Pending, 0, min(limit, 64)),
		limit: limit,
		stats: QueueStats{DroppedByType: make(map[types.MessageType]int64)},
	}
}

func (q *queue) len() int { return len(q.items) }

// push appends p and returns the evicted entry, if any.
func (q *queue) push(p *Pending) (evicted *Pending) {
	q.stats.Enqueued++
	if len(q.items) >= q.limit {
		evicted = q.evict()
	}
	q.items = append(q.items, p)
	return evicted
}

// pushFront returns a failed entry to the head so order is preserved.
func (q *queue) pushFront(p *Pending) (evicted *Pending) {
	q.stats.Requeued++
	p.Attempts++
	if len(q.items) >= q.limit {
		evicted = q.evict()
	}
	q.items = append([]*Pending{p}, q.items...)
	return evicted
}

func (q *queue) pop() *Pending {
	if len(q.items) == 0 {
		return nil
	}
	p := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	return p
}

func (q *queue) evict() *Pending {
	idx := 0
	for i, p := range q.items {
		if p.Envelope.Type.IsDroppable() {
			idx = i
			break
		}
	}
	p := q.items[idx]
	q.items = append(q.items[:idx], q.items[idx+1:]...)
	q.stats.Dropped++
	q.stats.DroppedByType[p.Envelope.Type]++
	return p
}

func (q *queue) snapshot() QueueStats {
	s := q.stats
	s.DroppedByType = make(map[types.MessageType]int64, len(q.stats.DroppedByType))
	for k, v := range q.stats.DroppedByType {
		s.DroppedByType[k] = v
	}
	return s
}
