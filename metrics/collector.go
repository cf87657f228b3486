// Package metrics counts relay and ingestion activity for a server process.
//
// The Collector is a leaf package with no internal dependencies. Every
// increment method is nil-receiver safe so components can run without one.
package metrics

import "sync"

// Snapshot is an immutable point-in-time view of all counters.
// Returned by Collector.Snapshot(). Safe to read concurrently after creation.
type Snapshot struct {
	// Webhook ingestion
	WebhooksReceived     int64            `json:"webhooks_received"`
	WebhooksApplied      int64            `json:"webhooks_applied"`
	WebhooksRejected     int64            `json:"webhooks_rejected"`
	RejectedByKind       map[string]int64 `json:"rejected_by_kind"`
	CorrelationFallbacks int64            `json:"correlation_fallbacks"`

	// Relay
	ConnectionsOpened int64 `json:"connections_opened"`
	ConnectionsClosed int64 `json:"connections_closed"`
	EnvelopesRelayed  int64 `json:"envelopes_relayed"`
	EnvelopesDropped  int64 `json:"envelopes_dropped"`
	FrameDecodeErrors int64 `json:"frame_decode_errors"`
	ClientMessages    int64 `json:"client_messages"`
	NotifyFailures    int64 `json:"notify_failures"`

	// Workflow dispatch
	DispatchSuccess int64 `json:"dispatch_success"`
	DispatchFailure int64 `json:"dispatch_failure"`

	// Journal (lode)
	JournalWriteSuccess int64 `json:"journal_write_success"`
	JournalWriteFailure int64 `json:"journal_write_failure"`

	// Dimensions (informational, set at construction)
	Node           string `json:"node"`
	StorageBackend string `json:"storage_backend"`
	JournalBackend string `json:"journal_backend,omitempty"`
}

// Collector accumulates counters for the lifetime of a process.
// Thread-safe via sync.Mutex. All increment methods are nil-receiver safe.
type Collector struct {
	mu sync.Mutex

	webhooksReceived     int64
	webhooksApplied      int64
	webhooksRejected     int64
	rejectedByKind       map[string]int64
	correlationFallbacks int64

	connectionsOpened int64
	connectionsClosed int64
	envelopesRelayed  int64
	envelopesDropped  int64
	frameDecodeErrors int64
	clientMessages    int64
	notifyFailures    int64

	dispatchSuccess int64
	dispatchFailure int64

	journalWriteSuccess int64
	journalWriteFailure int64

	node           string
	storageBackend string
	journalBackend string
}

// NewCollector creates a Collector with dimension labels.
// journalBackend is empty when journaling is disabled.
func NewCollector(node, storageBackend, journalBackend string) *Collector {
	return &Collector{
		rejectedByKind: make(map[string]int64),
		node:           node,
		storageBackend: storageBackend,
		journalBackend: journalBackend,
	}
}

// --- Webhook ingestion ---

// IncWebhookReceived records an inbound webhook request.
func (c *Collector) IncWebhookReceived() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.webhooksReceived++
	c.mu.Unlock()
}

// IncWebhookApplied records a webhook persisted and relayed.
func (c *Collector) IncWebhookApplied() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.webhooksApplied++
	c.mu.Unlock()
}

// IncWebhookRejected records a rejected webhook by error kind.
func (c *Collector) IncWebhookRejected(kind string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.webhooksRejected++
	c.rejectedByKind[kind]++
	c.mu.Unlock()
}

// IncCorrelationFallback records a webhook attributed through the correlation cache.
func (c *Collector) IncCorrelationFallback() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.correlationFallbacks++
	c.mu.Unlock()
}

// --- Relay ---

// IncConnectionOpened records an accepted WebSocket.
func (c *Collector) IncConnectionOpened() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.connectionsOpened++
	c.mu.Unlock()
}

// IncConnectionClosed records a closed WebSocket.
func (c *Collector) IncConnectionClosed() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.connectionsClosed++
	c.mu.Unlock()
}

// IncEnvelopeRelayed records one envelope delivered to one socket.
func (c *Collector) IncEnvelopeRelayed() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.envelopesRelayed++
	c.mu.Unlock()
}

// IncEnvelopeDropped records an envelope dropped for a slow socket.
func (c *Collector) IncEnvelopeDropped() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.envelopesDropped++
	c.mu.Unlock()
}

// IncFrameDecodeError records an undecodable inbound frame.
func (c *Collector) IncFrameDecodeError() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.frameDecodeErrors++
	c.mu.Unlock()
}

// IncClientMessage records an inbound client envelope.
func (c *Collector) IncClientMessage() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.clientMessages++
	c.mu.Unlock()
}

// IncNotifyFailure records a failed relay forward. Persistence is unaffected.
func (c *Collector) IncNotifyFailure() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.notifyFailures++
	c.mu.Unlock()
}

// --- Dispatch ---

// IncDispatchSuccess records a request accepted by the workflow.
func (c *Collector) IncDispatchSuccess() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.dispatchSuccess++
	c.mu.Unlock()
}

// IncDispatchFailure records a request the workflow never accepted.
func (c *Collector) IncDispatchFailure() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.dispatchFailure++
	c.mu.Unlock()
}

// --- Journal ---
// Journal counters are per-call: one Append is one write.

// IncJournalWriteSuccess records a successful journal write.
func (c *Collector) IncJournalWriteSuccess() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.journalWriteSuccess++
	c.mu.Unlock()
}

// IncJournalWriteFailure records a failed journal write.
func (c *Collector) IncJournalWriteFailure() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.journalWriteFailure++
	c.mu.Unlock()
}

// --- Snapshot ---

// Snapshot returns an immutable point-in-time view of all metrics.
func (c *Collector) Snapshot() Snapshot {
	if c == nil {
		return Snapshot{RejectedByKind: map[string]int64{}}
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	rejected := make(map[string]int64, len(c.rejectedByKind))
	for k, v := range c.rejectedByKind {
		rejected[k] = v
	}

	return Snapshot{
		WebhooksReceived:     c.webhooksReceived,
		WebhooksApplied:      c.webhooksApplied,
		WebhooksRejected:     c.webhooksRejected,
		RejectedByKind:       rejected,
		CorrelationFallbacks: c.correlationFallbacks,

		ConnectionsOpened: c.connectionsOpened,
		ConnectionsClosed: c.connectionsClosed,
		EnvelopesRelayed:  c.envelopesRelayed,
		EnvelopesDropped:  c.envelopesDropped,
		FrameDecodeErrors: c.frameDecodeErrors,
		ClientMessages:    c.clientMessages,
		NotifyFailures:    c.notifyFailures,

		DispatchSuccess: c.dispatchSuccess,
		DispatchFailure: c.dispatchFailure,

		JournalWriteSuccess: c.journalWriteSuccess,
		JournalWriteFailure: c.journalWriteFailure,

		Node:           c.node,
		StorageBackend: c.storageBackend,
		JournalBackend: c.journalBackend,
	}
}
