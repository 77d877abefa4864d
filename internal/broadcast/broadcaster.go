// Package broadcast fans task and chat events out to live subscribers over a
// JSON-RPC-framed push protocol. One channel per id, replaced atomically on
// re-subscribe, always removed on close.
package broadcast

import (
	"sync"
	"time"

	"relay/internal/logging"
)

// ProtocolVersion frames every pushed envelope.
const ProtocolVersion = "1.0"

// DefaultCorrelationID fills the envelope when the originating request
// supplied no correlation id.
const DefaultCorrelationID = "default-correlation"

// Well-known event names. Other names pass through unchanged.
const (
	EventStatusUpdate   = "task_status_update"
	EventArtifactUpdate = "artifact_update"
)

// Envelope is the versioned wrapper around every pushed payload.
type Envelope struct {
	ProtocolVersion string `json:"protocolVersion"`
	CorrelationID   string `json:"correlationId"`
	Result          any    `json:"result"`
}

// Event is one named push event carrying its envelope.
type Event struct {
	Name     string
	Envelope Envelope
}

// StatusPayload is the normalized shape of a status-update event, whether the
// source was a structured status object or a raw key/value map.
type StatusPayload struct {
	ID        string    `json:"id"`
	State     string    `json:"state"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Final     bool      `json:"final"`
}

// ArtifactPayload is the shape of an artifact-update event. Append and
// LastChunk default to false, permitting but not requiring chunked delivery.
type ArtifactPayload struct {
	ID        string `json:"id"`
	Name      string `json:"name,omitempty"`
	Type      string `json:"type"`
	Content   string `json:"content"`
	Append    bool   `json:"append"`
	LastChunk bool   `json:"lastChunk"`
}

// NormalizeStatus converts a raw key/value map into the canonical status
// payload shape.
func NormalizeStatus(id string, raw map[string]any) StatusPayload {
	payload := StatusPayload{ID: id, Timestamp: time.Now()}
	if v, ok := raw["state"].(string); ok {
		payload.State = v
	}
	if v, ok := raw["message"].(string); ok {
		payload.Message = v
	}
	if v, ok := raw["final"].(bool); ok {
		payload.Final = v
	}
	if v, ok := raw["timestamp"].(time.Time); ok {
		payload.Timestamp = v
	}
	return payload
}

const channelBuffer = 64

// Channel is a one-way event delivery connection to a single subscriber.
type Channel struct {
	id     string
	events chan Event

	mu     sync.Mutex
	closed bool
}

// Events is the subscriber's receive side. It is closed when the channel
// reaches its terminal state.
func (c *Channel) Events() <-chan Event {
	return c.events
}

// ID returns the task or chat id this channel serves.
func (c *Channel) ID() string {
	return c.id
}

func (c *Channel) send(event Event) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.events <- event:
		return true
	default:
		// Slow subscriber: dropping beats blocking every publisher.
		return false
	}
}

func (c *Channel) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.events)
}

// Broadcaster owns the channel registry. All operations are safe for
// concurrent use; at most one channel is active per id.
type Broadcaster struct {
	mu       sync.Mutex
	channels map[string]*Channel
	logger   logging.Logger
}

// New builds an empty broadcaster.
func New(logger logging.Logger) *Broadcaster {
	return &Broadcaster{
		channels: make(map[string]*Channel),
		logger:   logging.OrNop(logger),
	}
}

// Subscribe opens a push channel for id. Any prior channel for the same id is
// closed and evicted in the same operation, so a single channel per id holds
// at all times.
func (b *Broadcaster) Subscribe(id string) *Channel {
	ch := &Channel{
		id:     id,
		events: make(chan Event, channelBuffer),
	}

	b.mu.Lock()
	prior := b.channels[id]
	b.channels[id] = ch
	b.mu.Unlock()

	if prior != nil {
		b.logger.Info("replacing existing subscription for %s", id)
		prior.close()
	}
	return ch
}

// Publish wraps payload in a versioned envelope and delivers it to the active
// channel for id, if any. An empty correlationID falls back to the default
// placeholder. Returns whether a subscriber received the event.
func (b *Broadcaster) Publish(id, eventType, correlationID string, payload any) bool {
	if correlationID == "" {
		correlationID = DefaultCorrelationID
	}

	b.mu.Lock()
	ch := b.channels[id]
	b.mu.Unlock()
	if ch == nil {
		return false
	}

	delivered := ch.send(Event{
		Name: eventType,
		Envelope: Envelope{
			ProtocolVersion: ProtocolVersion,
			CorrelationID:   correlationID,
			Result:          payload,
		},
	})
	if !delivered {
		b.logger.Warn("dropped %s event for %s: channel closed or full", eventType, id)
	}
	return delivered
}

// Close tears down the channel for id. Completion, timeout and transport
// error all route here, so a closed channel is never left registered.
func (b *Broadcaster) Close(id, reason string) {
	b.mu.Lock()
	ch := b.channels[id]
	delete(b.channels, id)
	b.mu.Unlock()

	if ch != nil {
		b.logger.Info("closing channel for %s: %s", id, reason)
		ch.close()
	}
}

// CloseChannel tears down a specific channel. Unlike Close, it leaves the
// registration alone when ch has already been replaced by a newer subscribe,
// so a departing subscriber cannot evict its replacement.
func (b *Broadcaster) CloseChannel(ch *Channel, reason string) {
	if ch == nil {
		return
	}
	b.mu.Lock()
	if b.channels[ch.id] == ch {
		delete(b.channels, ch.id)
	}
	b.mu.Unlock()

	b.logger.Info("closing channel for %s: %s", ch.id, reason)
	ch.close()
}

// ActiveCount reports how many channels are currently registered.
func (b *Broadcaster) ActiveCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.channels)
}
