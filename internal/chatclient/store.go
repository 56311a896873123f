package chatclient

import (
	"sync"

	"github.com/ashureev/folio-agent/internal/domain"
)

// Entry is a message as the client shows it.
type Entry struct {
	ID string `json:"id"`
	domain.Message
}

func (e Entry) clone() Entry {
	return Entry{ID: e.ID, Message: e.Message.Clone()}
}

// Store is the client's view of the conversation. Writers only append,
// replace or remove whole entries; readers get deep copies.
type Store struct {
	mu             sync.RWMutex
	conversationID string
	entries        []Entry
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{}
}

// Append adds an entry at the end.
func (s *Store) Append(e Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, e.clone())
}

// Replace swaps the entry with the same id, appending it if absent.
func (s *Store) Replace(e Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.entries {
		if s.entries[i].ID == e.ID {
			s.entries[i] = e.clone()
			return
		}
	}
	s.entries = append(s.entries, e.clone())
}

// Remove drops the entries with the given ids.
func (s *Store) Remove(ids ...string) {
	drop := make(map[string]bool, len(ids))
	for _, id := range ids {
		drop[id] = true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.entries[:0]
	for _, e := range s.entries {
		if !drop[e.ID] {
			kept = append(kept, e)
		}
	}
	for i := len(kept); i < len(s.entries); i++ {
		s.entries[i] = Entry{}
	}
	s.entries = kept
}

// Snapshot returns a deep copy of the entries.
func (s *Store) Snapshot() []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Entry, len(s.entries))
	for i, e := range s.entries {
		out[i] = e.clone()
	}
	return out
}

// ConversationID returns the server-assigned conversation id, if any.
func (s *Store) ConversationID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conversationID
}

// SetConversationID records the server-assigned conversation id.
func (s *Store) SetConversationID(id string) {
	if id == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conversationID = id
}
