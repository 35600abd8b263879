package client

import (
	"sort"
	"strings"
	"sync"

	"github.com/markdave123-py/chatrelay/internal/models"
)

// ActiveChatKey is the session key holding the active conversation id.
const ActiveChatKey = "active_chat_id"

// HydrateSource records where the active conversation came from.
type HydrateSource int

const (
	HydrateNone HydrateSource = iota
	HydrateSession
	HydrateRoute
	HydrateSkipped
)

func (h HydrateSource) String() string {
	switch h {
	case HydrateSession:
		return "session"
	case HydrateRoute:
		return "route"
	case HydrateSkipped:
		return "skipped"
	default:
		return "none"
	}
}

// Store is the client's view of the active conversation. Messages are
// upserted by row id or by (client_msg_id, role), so the same message
// arriving from the stream and from the change feed is kept once.
type Store struct {
	mu       sync.Mutex
	session  SessionStorage
	chatID   string
	messages []models.Message
	gate     GateState
}

func NewStore(session SessionStorage) *Store {
	if session == nil {
		session = NewMemorySession()
	}
	return &Store{session: session}
}

func (s *Store) Gate() GateState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gate
}

func (s *Store) SetGate(g GateState) {
	s.mu.Lock()
	s.gate = g
	s.mu.Unlock()
}

// Hydrate picks the conversation to resume: session storage first, then
// the route parameter, then nothing. While the gate is locked it does
// nothing at all; the caller hydrates again once unlocked.
func (s *Store) Hydrate(routeChatID string) (string, HydrateSource) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gate == Locked {
		return "", HydrateSkipped
	}
	if id, ok := s.session.Get(ActiveChatKey); ok && id != "" {
		s.setActiveLocked(id)
		return id, HydrateSession
	}
	if id := strings.TrimSpace(routeChatID); id != "" {
		s.setActiveLocked(id)
		_ = s.session.Set(ActiveChatKey, id)
		return id, HydrateRoute
	}
	s.setActiveLocked("")
	return "", HydrateNone
}

func (s *Store) ActiveChat() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.chatID
}

// SetActiveChat switches conversations and remembers the choice for the
// session. Switching clears the message list.
func (s *Store) SetActiveChat(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setActiveLocked(id)
	if id == "" {
		return s.session.Delete(ActiveChatKey)
	}
	return s.session.Set(ActiveChatKey, id)
}

func (s *Store) setActiveLocked(id string) {
	if id != s.chatID {
		s.messages = nil
	}
	s.chatID = id
}

// Upsert inserts m or merges it into the message it duplicates. It
// reports true only when m was new. Messages for another conversation are
// ignored.
func (s *Store) Upsert(m models.Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.chatID != "" && m.ChatID != "" && m.ChatID != s.chatID {
		return false
	}
	if i := s.indexLocked(m); i >= 0 {
		s.messages[i] = merge(s.messages[i], m)
		s.sortLocked()
		return false
	}
	s.messages = append(s.messages, m)
	s.sortLocked()
	return true
}

// Remove drops the message with row id.
func (s *Store) Remove(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, m := range s.messages {
		if m.ID == id {
			s.messages = append(s.messages[:i], s.messages[i+1:]...)
			return true
		}
	}
	return false
}

func (s *Store) Messages() []models.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.Message(nil), s.messages...)
}

func (s *Store) indexLocked(m models.Message) int {
	for i, cur := range s.messages {
		if m.ID != "" && cur.ID == m.ID {
			return i
		}
		if m.ClientMsgID != "" && cur.ClientMsgID == m.ClientMsgID && cur.Role == m.Role {
			return i
		}
	}
	return -1
}

// merge fills in whatever the newer copy knows that the older one did not.
func merge(old, m models.Message) models.Message {
	if m.ID == "" {
		m.ID = old.ID
	}
	if m.ChatID == "" {
		m.ChatID = old.ChatID
	}
	if m.MessageNumber == 0 {
		m.MessageNumber = old.MessageNumber
	}
	if m.Text == "" {
		m.Text = old.Text
	}
	if m.Status == "" {
		m.Status = old.Status
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = old.CreatedAt
	}
	return m
}

// sortLocked orders by message_number; rows not yet numbered stay last in
// arrival order.
func (s *Store) sortLocked() {
	sort.SliceStable(s.messages, func(i, j int) bool {
		a, b := s.messages[i].MessageNumber, s.messages[j].MessageNumber
		if a == 0 || b == 0 {
			return a != 0 && b == 0
		}
		return a < b
	})
}
