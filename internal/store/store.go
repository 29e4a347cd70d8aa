// ABOUTME: In-memory conversation store holding the append-only message log
// ABOUTME: Defines Message and the copy-returning accessors used by all readers

package store

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrDuplicateID is returned when appending a message whose ID already exists.
// Under correct ID generation this indicates an internal invariant breach,
// not a user-facing condition.
var ErrDuplicateID = errors.New("duplicate message id")

// Direction indicates whether a message flowed into or out of the bridged account.
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// Origin indicates who authored an outbound message.
type Origin string

const (
	OriginHuman Origin = "human"
	OriginAI    Origin = "ai-generated"
)

// Message is a single chat message. Messages are immutable once appended;
// the store hands out copies, never references into its own log.
type Message struct {
	ID        string    `json:"id"`
	ChatID    string    `json:"chat_id"`
	Direction Direction `json:"direction"`
	Body      string    `json:"body"`
	SentAt    time.Time `json:"sent_at"`
	Origin    Origin    `json:"origin"`

	// Seq is the store-assigned insertion sequence. It breaks ordering ties
	// between messages with identical SentAt timestamps and serves as the
	// cursor for incremental reads.
	Seq uint64 `json:"seq"`
}

// NotifyFunc receives a copy of every message the moment it is appended.
type NotifyFunc func(*Message)

// MemoryStore is the volatile message log for the bridged account. It is the
// sole owner of message data; every accessor returns copies.
type MemoryStore struct {
	// notifyMu serializes append+notify so the hub sees messages in Seq
	// order. mu itself must not be held across notify: the hub's snapshot
	// path reads the store while holding the hub lock.
	notifyMu sync.Mutex

	mu     sync.RWMutex
	byID   map[string]*Message
	byChat map[string][]*Message
	seq    uint64
	notify NotifyFunc
}

// NewMemoryStore creates an empty store. notify may be nil; set it later with
// SetNotify before wiring the ingestion path.
func NewMemoryStore(notify NotifyFunc) *MemoryStore {
	return &MemoryStore{
		byID:   make(map[string]*Message),
		byChat: make(map[string][]*Message),
		notify: notify,
	}
}

// SetNotify installs the append notification hook. Not safe to call
// concurrently with Append; wire it during startup.
func (s *MemoryStore) SetNotify(fn NotifyFunc) {
	s.notify = fn
}

// Append assigns an ID (when empty) and sequence number to msg, stores it,
// and notifies the hub. Returns a copy of the stored message.
// Fails with ErrDuplicateID if the ID is already present.
func (s *MemoryStore) Append(msg *Message) (*Message, error) {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	s.mu.Lock()

	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if _, exists := s.byID[msg.ID]; exists {
		s.mu.Unlock()
		return nil, ErrDuplicateID
	}
	if msg.SentAt.IsZero() {
		msg.SentAt = time.Now().UTC()
	}

	s.seq++
	stored := *msg
	stored.Seq = s.seq

	s.byID[stored.ID] = &stored
	s.byChat[stored.ChatID] = insertOrdered(s.byChat[stored.ChatID], &stored)

	out := stored
	notify := s.notify
	s.mu.Unlock()

	if notify != nil {
		notify(&out)
	}
	return &out, nil
}

// insertOrdered places msg into the chat slice keeping (SentAt, Seq) order.
// Appends are nearly always in order, so scan from the tail.
func insertOrdered(msgs []*Message, msg *Message) []*Message {
	i := len(msgs)
	for i > 0 && after(msgs[i-1], msg) {
		i--
	}
	msgs = append(msgs, nil)
	copy(msgs[i+1:], msgs[i:])
	msgs[i] = msg
	return msgs
}

// after reports whether a sorts after b in (SentAt, Seq) order.
func after(a, b *Message) bool {
	if a.SentAt.Equal(b.SentAt) {
		return a.Seq > b.Seq
	}
	return a.SentAt.After(b.SentAt)
}

// HistoryFor returns up to limit most recent messages for a chat, oldest
// first. limit <= 0 returns the full history.
func (s *MemoryStore) HistoryFor(chatID string, limit int) []*Message {
	s.mu.RLock()
	defer s.mu.RUnlock()

	msgs := s.byChat[chatID]
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return copyMessages(msgs)
}

// AllSince returns every message for a chat with a sequence number strictly
// greater than cursor, in order. Pass cursor 0 for the full history.
func (s *MemoryStore) AllSince(chatID string, cursor uint64) []*Message {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Message
	for _, m := range s.byChat[chatID] {
		if m.Seq > cursor {
			cp := *m
			out = append(out, &cp)
		}
	}
	return out
}

// Recent returns the limit most recently appended messages across all chats,
// in append order. Used for the late-join subscriber snapshot.
func (s *MemoryStore) Recent(limit int) []*Message {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := make([]*Message, 0, len(s.byID))
	for _, m := range s.byID {
		all = append(all, m)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Seq < all[j].Seq })
	if limit > 0 && len(all) > limit {
		all = all[len(all)-limit:]
	}
	return copyMessages(all)
}

// Len returns the total number of stored messages.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byID)
}

// Clear drops the entire log. Sequence numbers keep counting so cursors from
// before the reset never alias new messages.
func (s *MemoryStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.byID = make(map[string]*Message)
	s.byChat = make(map[string][]*Message)
}

func copyMessages(msgs []*Message) []*Message {
	out := make([]*Message, len(msgs))
	for i, m := range msgs {
		cp := *m
		out[i] = &cp
	}
	return out
}
