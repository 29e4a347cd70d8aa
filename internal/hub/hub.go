// ABOUTME: In-memory fan-out hub delivering bridge events to live subscribers
// ABOUTME: Single globally ordered stream with late-join snapshot and slow-consumer eviction

package hub

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pairlink/pairlink/internal/store"
)

const (
	// defaultQueueSize is the per-subscriber event queue capacity.
	defaultQueueSize = 256

	// defaultSnapshotMessages caps the recent messages in a late-join
	// snapshot. Negative Options.SnapshotMessages disables the snapshot.
	defaultSnapshotMessages = 50
)

// ErrSlowConsumer is the eviction reason for a subscriber whose queue
// overflowed. Publication never blocks on a subscriber.
var ErrSlowConsumer = errors.New("slow consumer evicted")

// EventType tags events on the push channel.
type EventType string

const (
	EventStatus         EventType = "status"
	EventMessage        EventType = "message"
	EventStreamFragment EventType = "stream_fragment"
	EventStreamEnd      EventType = "stream_end"
)

// StatusPayload describes the session state carried by a status event.
type StatusPayload struct {
	State           string `json:"state"`
	PairingPayload  string `json:"pairing_payload,omitempty"`
	PairingQR       string `json:"pairing_qr,omitempty"`
	PhoneIdentifier string `json:"phone_identifier,omitempty"`
	Reason          string `json:"reason,omitempty"`
}

// FragmentPayload carries one incremental piece of a streamed reply.
type FragmentPayload struct {
	ChatID string `json:"chat_id"`
	Text   string `json:"text,omitempty"`
}

// Event is a single entry in the bridge's ordered event stream. Exactly one
// payload field is set, selected by Type.
type Event struct {
	Seq      uint64           `json:"seq"`
	Type     EventType        `json:"type"`
	At       time.Time        `json:"at"`
	Status   *StatusPayload   `json:"status,omitempty"`
	Message  *store.Message   `json:"message,omitempty"`
	Fragment *FragmentPayload `json:"fragment,omitempty"`
}

// Snapshot is what a late-joining subscriber receives before any live events:
// the current session status and the most recent messages.
type Snapshot struct {
	Status StatusPayload    `json:"status"`
	Recent []*store.Message `json:"recent_messages"`
}

// Subscriber is one live consumer of the event stream.
type Subscriber struct {
	ID       string
	JoinedAt time.Time

	ch     chan Event
	closed bool
	err    error
}

// Events returns the subscriber's event channel. It is closed when the
// subscriber is unsubscribed or evicted; check Err afterwards.
func (s *Subscriber) Events() <-chan Event { return s.ch }

// Err reports why the subscriber's channel closed. Nil for a clean
// unsubscribe, ErrSlowConsumer after an eviction. Only valid once the
// channel is closed.
func (s *Subscriber) Err() error { return s.err }

// RecentFunc supplies the most recent messages for the snapshot.
type RecentFunc func(limit int) []*store.Message

// Hub fans bridge events out to any number of subscribers. Publish assigns a
// global sequence under the hub lock, so every subscriber observes events in
// identical order. A subscriber that cannot keep up is evicted rather than
// allowed to block publication.
type Hub struct {
	mu        sync.Mutex
	subs      map[string]*Subscriber
	seq       uint64
	queueSize int
	snapshotN int
	last      StatusPayload
	recent    RecentFunc
	logger    *slog.Logger
}

// Options tunes hub capacity. Zero values fall back to defaults.
type Options struct {
	QueueSize        int
	SnapshotMessages int
}

// New creates a hub. recent may be nil when no message snapshot is wanted.
func New(recent RecentFunc, opts Options, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}
	switch {
	case opts.SnapshotMessages == 0:
		opts.SnapshotMessages = defaultSnapshotMessages
	case opts.SnapshotMessages < 0:
		opts.SnapshotMessages = 0
	}
	return &Hub{
		subs:      make(map[string]*Subscriber),
		queueSize: opts.QueueSize,
		snapshotN: opts.SnapshotMessages,
		last:      StatusPayload{State: "idle"},
		recent:    recent,
		logger:    logger.With("component", "hub"),
	}
}

// Subscribe registers a new subscriber and returns it together with a
// snapshot of the current truth. The snapshot is also queued as a synthetic
// status event so stream consumers need no side channel. The subscription is
// cleaned up when ctx is cancelled.
func (h *Hub) Subscribe(ctx context.Context) (*Subscriber, Snapshot) {
	sub := &Subscriber{
		ID:       uuid.New().String(),
		JoinedAt: time.Now().UTC(),
		ch:       make(chan Event, h.queueSize),
	}

	h.mu.Lock()
	snap := Snapshot{Status: h.last}
	if h.recent != nil && h.snapshotN > 0 {
		snap.Recent = h.recent(h.snapshotN)
	}
	status := h.last
	sub.ch <- Event{Type: EventStatus, At: time.Now().UTC(), Status: &status}
	h.subs[sub.ID] = sub
	h.mu.Unlock()

	h.logger.Debug("subscriber added", "sub_id", sub.ID)

	go func() {
		<-ctx.Done()
		h.Unsubscribe(sub.ID)
	}()

	return sub, snap
}

// Unsubscribe removes a subscriber and closes its channel.
func (h *Hub) Unsubscribe(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(id, nil)
}

// Publish appends an event to the global stream and delivers it to every
// subscriber. Subscribers whose queue is full are evicted with
// ErrSlowConsumer; delivery to the others is unaffected.
func (h *Hub) Publish(event Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.seq++
	event.Seq = h.seq
	if event.At.IsZero() {
		event.At = time.Now().UTC()
	}
	if event.Type == EventStatus && event.Status != nil {
		h.last = *event.Status
	}

	for id, sub := range h.subs {
		select {
		case sub.ch <- event:
		default:
			h.logger.Warn("evicting slow subscriber", "sub_id", id, "queue_size", h.queueSize)
			h.removeLocked(id, ErrSlowConsumer)
		}
	}
}

// PublishStatus is a convenience wrapper for session status transitions.
func (h *Hub) PublishStatus(status StatusPayload) {
	h.Publish(Event{Type: EventStatus, Status: &status})
}

// PublishMessage is the store's append notification target.
func (h *Hub) PublishMessage(msg *store.Message) {
	h.Publish(Event{Type: EventMessage, Message: msg})
}

// PublishFragment emits one incremental piece of an in-flight reply.
func (h *Hub) PublishFragment(chatID, text string) {
	h.Publish(Event{Type: EventStreamFragment, Fragment: &FragmentPayload{ChatID: chatID, Text: text}})
}

// PublishStreamEnd signals that the streamed reply for a chat is complete.
func (h *Hub) PublishStreamEnd(chatID string) {
	h.Publish(Event{Type: EventStreamEnd, Fragment: &FragmentPayload{ChatID: chatID}})
}

// Status returns the most recently published session status.
func (h *Hub) Status() StatusPayload {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.last
}

// SubscriberCount returns the number of live subscribers.
func (h *Hub) SubscriberCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Close evicts every subscriber and shuts the hub down.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for id := range h.subs {
		h.removeLocked(id, nil)
	}
	h.logger.Debug("hub closed")
}

// removeLocked deletes a subscription and closes its channel. Must be called
// with mu held.
func (h *Hub) removeLocked(id string, reason error) {
	sub, ok := h.subs[id]
	if !ok {
		return
	}
	delete(h.subs, id)
	if !sub.closed {
		sub.closed = true
		sub.err = reason
		close(sub.ch)
	}
}
