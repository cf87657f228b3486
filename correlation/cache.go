// Package correlation attributes identifier-less workflow callbacks to the
// conversation that triggered them.
//
// Entries are written when a request is dispatched to the workflow and
// expire after a short TTL, so a stale callback can never be merged into a
// conversation opened long after the request that produced it.
package correlation

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Defaults.
const (
	DefaultTTL      = 5 * time.Minute
	DefaultCapacity = 1024
)

// Entry is a cached dispatch.
type Entry struct {
	RequestID      string    `json:"requestId"`
	ConversationID string    `json:"conversationId"`
	LastMessageID  string    `json:"lastMessageId,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
}

// Cache is a bounded TTL cache keyed by request id. Safe for concurrent use;
// the underlying LRU carries its own lock.
type Cache struct {
	lru *expirable.LRU[string, Entry]
	ttl time.Duration
}

// New creates a cache. Non-positive arguments select the defaults.
func New(capacity int, ttl time.Duration) *Cache {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{
		lru: expirable.NewLRU[string, Entry](capacity, nil, ttl),
		ttl: ttl,
	}
}

// TTL returns the entry lifetime.
func (c *Cache) TTL() time.Duration { return c.ttl }

// Put records a dispatch. A zero CreatedAt is set to now.
func (c *Cache) Put(e Entry) {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	// Re-adding moves the key to the newest position.
	c.lru.Remove(e.RequestID)
	c.lru.Add(e.RequestID, e)
}

// Get returns the unexpired entry for requestID. Reads do not change which
// entry is the latest.
func (c *Cache) Get(requestID string) (Entry, bool) {
	return c.lru.Peek(requestID)
}

// Latest returns the most recently written unexpired entry.
func (c *Cache) Latest() (Entry, bool) {
	// Keys runs oldest to newest and still lists expired entries that have
	// not been purged; Peek filters those out.
	keys := c.lru.Keys()
	for i := len(keys) - 1; i >= 0; i-- {
		e, ok := c.lru.Peek(keys[i])
		if ok && e.ConversationID != "" {
			return e, true
		}
	}
	return Entry{}, false
}

// Resolve looks up requestID when given, otherwise the latest entry. A named
// request that is no longer cached does not fall back to the latest entry.
func (c *Cache) Resolve(requestID string) (Entry, bool) {
	if requestID != "" {
		if e, ok := c.Get(requestID); ok {
			return e, true
		}
		return Entry{}, false
	}
	return c.Latest()
}

// Consume removes the entry for requestID. It reports whether one existed.
func (c *Cache) Consume(requestID string) bool {
	return c.lru.Remove(requestID)
}

// Len returns the number of live entries.
func (c *Cache) Len() int { return c.lru.Len() }
