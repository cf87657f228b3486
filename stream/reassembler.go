// Package stream reassembles streamed message fragments.
//
// A buffer exists only between a start and an end (or cancel) for the same
// message id. Chunks for unknown ids are dropped, never buffered, so a
// cancelled or finished stream cannot be resurrected by a late fragment.
// Fragments are appended in arrival order; ordering is trusted to the
// transport.
package stream

import (
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/pithecene-io/treesync/log"
)

// Result is returned when a stream ends.
type Result struct {
	MessageID     string
	Content       string
	Duration      time.Duration
	FragmentCount int
}

// Stats counts reassembler activity.
type Stats struct {
	Started   int64
	Completed int64
	Cancelled int64
	Orphans   int64
	Overflows int64
}

// Options configure a Reassembler.
type Options struct {
	// MaxBufferBytes cancels a stream whose content would exceed it.
	// Zero disables the guard.
	MaxBufferBytes int
	Logger         *log.Logger
	// Now overrides the clock. Used by tests.
	Now func() time.Time
}

type buffer struct {
	content   strings.Builder
	fragments int
	startedAt time.Time
}

// Reassembler accumulates fragments per message id.
// Safe for concurrent use.
type Reassembler struct {
	mu      sync.Mutex
	buffers map[string]*buffer
	stats   Stats
	max     int
	logger  *log.Logger
	now     func() time.Time
}

// New creates a reassembler.
func New(opts Options) *Reassembler {
	r := &Reassembler{
		buffers: make(map[string]*buffer),
		max:     opts.MaxBufferBytes,
		logger:  opts.Logger,
		now:     opts.Now,
	}
	if r.logger == nil {
		r.logger = log.Nop()
	}
	if r.now == nil {
		r.now = time.Now
	}
	return r
}

// Start opens a buffer for id, replacing any stale buffer with the same id.
func (r *Reassembler) Start(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, stale := r.buffers[id]; stale {
		r.logger.Debug("stream restarted", map[string]any{"message_id": id})
	}
	r.buffers[id] = &buffer{startedAt: r.now()}
	r.stats.Started++
}

// Chunk appends fragment to the buffer for id and returns the accumulated
// content. It reports false when id has no open buffer or the fragment
// overflowed the buffer, in which case nothing is kept.
func (r *Reassembler) Chunk(id, fragment string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	buf, ok := r.buffers[id]
	if !ok {
		r.stats.Orphans++
		r.logger.Warn("dropping chunk for unknown stream", map[string]any{
			"message_id": id,
			"bytes":      len(fragment),
		})
		return "", false
	}

	if r.max > 0 && buf.content.Len()+len(fragment) > r.max {
		delete(r.buffers, id)
		r.stats.Overflows++
		r.logger.Warn("stream exceeded buffer limit, cancelled", map[string]any{
			"message_id": id,
			"limit":      r.max,
			"fragments":  buf.fragments,
		})
		return "", false
	}

	buf.content.WriteString(fragment)
	buf.fragments++
	return buf.content.String(), true
}

// Content returns the accumulated content of an open stream.
func (r *Reassembler) Content(id string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	buf, ok := r.buffers[id]
	if !ok {
		return "", false
	}
	return buf.content.String(), true
}

// End finalizes and removes the buffer for id.
func (r *Reassembler) End(id string) (Result, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	buf, ok := r.buffers[id]
	if !ok {
		r.logger.Warn("end for unknown stream", map[string]any{"message_id": id})
		return Result{}, false
	}
	delete(r.buffers, id)
	r.stats.Completed++

	return Result{
		MessageID:     id,
		Content:       buf.content.String(),
		Duration:      r.now().Sub(buf.startedAt),
		FragmentCount: buf.fragments,
	}, true
}

// Cancel discards the buffer for id. It reports whether one existed.
func (r *Reassembler) Cancel(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.buffers[id]; !ok {
		return false
	}
	delete(r.buffers, id)
	r.stats.Cancelled++
	return true
}

// Active returns the ids of open streams, sorted.
func (r *Reassembler) Active() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := make([]string, 0, len(r.buffers))
	for id := range r.buffers {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Stats returns a snapshot of the counters.
func (r *Reassembler) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}
