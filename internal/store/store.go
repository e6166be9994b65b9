// Package store holds the ordered message list of the active room.
package store

import (
	"sort"
	"sync"
	"time"

	"github.com/youruser/streamchat/internal/chat"
	"github.com/youruser/streamchat/internal/logging"
)

var log = logging.Get()

// EventKind identifies what changed in the store.
type EventKind int

const (
	Appended EventKind = iota
	Updated
	Reset
	Loaded
	TurnCompleted
)

func (k EventKind) String() string {
	switch k {
	case Appended:
		return "appended"
	case Updated:
		return "updated"
	case Reset:
		return "reset"
	case Loaded:
		return "loaded"
	case TurnCompleted:
		return "turn_completed"
	default:
		return "unknown"
	}
}

// Event is delivered to subscribers after every change.
type Event struct {
	Kind EventKind
	// Message is the appended or updated message. Empty for Reset and Loaded.
	Message chat.Message
	// First is set on TurnCompleted when no other assistant message in the
	// room had completed before.
	First bool
}

// Listener receives store events. It runs on the goroutine that made the
// change, after the store lock is released.
type Listener func(Event)

type subscription struct {
	id int
	fn Listener
}

// Store is an ordered, id-indexed message list. At most one message is
// streaming at a time. Safe for concurrent use.
type Store struct {
	mu        sync.Mutex
	messages  []chat.Message
	listeners []subscription
	nextSub   int
}

// New returns an empty store.
func New() *Store {
	return &Store{}
}

// Subscribe registers fn for every subsequent event and returns a function
// that removes it.
func (s *Store) Subscribe(fn Listener) (unsubscribe func()) {
	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.listeners = append(s.listeners, subscription{id: id, fn: fn})
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			for i, sub := range s.listeners {
				if sub.id == id {
					s.listeners = append(s.listeners[:i:i], s.listeners[i+1:]...)
					return
				}
			}
		})
	}
}

// Append adds m at the end of the list.
func (s *Store) Append(m chat.Message) {
	s.mu.Lock()
	m = m.Clone()
	s.messages = append(s.messages, m)
	listeners := s.snapshotListeners()
	s.mu.Unlock()

	notify(listeners, Event{Kind: Appended, Message: m.Clone()})
}

// UpsertStreaming applies updater to the assistant message with the given
// id and stores the result in place. Ids alone are not unique across
// roles, so user messages never match. It reports false when no such
// message exists.
func (s *Store) UpsertStreaming(id int64, updater func(chat.Message) chat.Message) (chat.Message, bool) {
	s.mu.Lock()
	i := s.indexOf(id, chat.RoleAssistant)
	if i < 0 {
		s.mu.Unlock()
		return chat.Message{}, false
	}
	prev := s.messages[i]
	next := updater(prev.Clone()).Clone()
	next.ID = prev.ID
	next.Role = prev.Role
	s.messages[i] = next

	events := []Event{{Kind: Updated, Message: next.Clone()}}
	if prev.IsStreaming && !next.IsStreaming && !next.Failed {
		events = append(events, Event{
			Kind:    TurnCompleted,
			Message: next.Clone(),
			First:   !s.hasCompletedExcept(i),
		})
	}
	listeners := s.snapshotListeners()
	s.mu.Unlock()

	for _, ev := range events {
		notify(listeners, ev)
	}
	return next, true
}

// Reset empties the list.
func (s *Store) Reset() {
	s.mu.Lock()
	s.messages = nil
	listeners := s.snapshotListeners()
	s.mu.Unlock()

	notify(listeners, Event{Kind: Reset})
}

// LoadAndDedupe replaces the list with raw history. Entries sharing
// content, role and createdAt second are collapsed to the earliest one, and
// the result is ordered by createdAt. It returns how many entries were kept.
func (s *Store) LoadAndDedupe(raw []chat.Message) int {
	msgs := Dedupe(raw)

	s.mu.Lock()
	s.messages = msgs
	listeners := s.snapshotListeners()
	s.mu.Unlock()

	if dropped := len(raw) - len(msgs); dropped > 0 {
		log.Debug("store: dropped %d duplicate history entries", dropped)
	}
	notify(listeners, Event{Kind: Loaded})
	return len(msgs)
}

type fingerprint struct {
	content string
	role    chat.Role
	second  int64
}

// Dedupe returns raw sorted ascending by createdAt with duplicates removed.
// Two messages are duplicates when content and role match and their
// createdAt falls in the same second; the earliest one is kept.
func Dedupe(raw []chat.Message) []chat.Message {
	sorted := make([]chat.Message, len(raw))
	for i, m := range raw {
		sorted[i] = m.Clone()
	}
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].CreatedAt.Before(sorted[j].CreatedAt)
	})

	seen := make(map[fingerprint]struct{}, len(sorted))
	out := make([]chat.Message, 0, len(sorted))
	for _, m := range sorted {
		fp := fingerprint{
			content: m.Content,
			role:    m.Role,
			second:  m.CreatedAt.Truncate(time.Second).Unix(),
		}
		if _, dup := seen[fp]; dup {
			continue
		}
		seen[fp] = struct{}{}
		out = append(out, m)
	}
	return out
}

// Messages returns a copy of the list.
func (s *Store) Messages() []chat.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]chat.Message, len(s.messages))
	for i, m := range s.messages {
		out[i] = m.Clone()
	}
	return out
}

// Streaming returns the message currently streaming, if any.
func (s *Store) Streaming() (chat.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.messages) - 1; i >= 0; i-- {
		if s.messages[i].IsStreaming {
			return s.messages[i].Clone(), true
		}
	}
	return chat.Message{}, false
}

// HasStreaming reports whether any message is streaming.
func (s *Store) HasStreaming() bool {
	_, ok := s.Streaming()
	return ok
}

// Len returns the number of messages.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages)
}

// FirstUser returns the earliest user message, if any.
func (s *Store) FirstUser() (chat.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.messages {
		if m.Role == chat.RoleUser {
			return m.Clone(), true
		}
	}
	return chat.Message{}, false
}

// Must be called with s.mu held.
func (s *Store) indexOf(id int64, role chat.Role) int {
	for i := len(s.messages) - 1; i >= 0; i-- {
		if s.messages[i].ID == id && s.messages[i].Role == role {
			return i
		}
	}
	return -1
}

// Must be called with s.mu held.
func (s *Store) hasCompletedExcept(skip int) bool {
	for i, m := range s.messages {
		if i == skip {
			continue
		}
		if m.Role == chat.RoleAssistant && !m.IsStreaming && !m.Failed {
			return true
		}
	}
	return false
}

// Must be called with s.mu held.
func (s *Store) snapshotListeners() []Listener {
	out := make([]Listener, len(s.listeners))
	for i, sub := range s.listeners {
		out[i] = sub.fn
	}
	return out
}

func notify(listeners []Listener, ev Event) {
	for _, fn := range listeners {
		fn(ev)
	}
}
