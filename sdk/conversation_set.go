package serene

import (
	"context"
	"sync"
)

// ConversationSet manages multiple concurrent conversations, each owning its
// own session and push connection.
type ConversationSet struct {
	client *Client

	mu            sync.Mutex
	conversations map[string]*Conversation
	activeID      string
}

// NewConversationSet creates an empty conversation set.
func (c *Client) NewConversationSet() *ConversationSet {
	return &ConversationSet{
		client:        c,
		conversations: make(map[string]*Conversation),
	}
}

// Create starts a new conversation, initializes its session, and makes it
// the active one.
func (s *ConversationSet) Create(ctx context.Context, profile Profile, opts ...ConversationOption) (*Conversation, error) {
	conversation := s.client.NewConversation(opts...)
	session, err := conversation.Initialize(ctx, profile)
	if err != nil {
		conversation.Close()
		return nil, err
	}

	s.mu.Lock()
	s.conversations[session.ID] = conversation
	s.activeID = session.ID
	s.mu.Unlock()
	return conversation, nil
}

// Switch makes the given session's conversation active. Returns false when
// the session is unknown.
func (s *ConversationSet) Switch(sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.conversations[sessionID]; !ok {
		return false
	}
	s.activeID = sessionID
	return true
}

// Remove closes and drops a conversation. When it was active, an arbitrary
// remaining conversation becomes active.
func (s *ConversationSet) Remove(sessionID string) {
	s.mu.Lock()
	conversation, ok := s.conversations[sessionID]
	if ok {
		delete(s.conversations, sessionID)
	}
	if s.activeID == sessionID {
		s.activeID = ""
		for id := range s.conversations {
			s.activeID = id
			break
		}
	}
	s.mu.Unlock()

	if ok {
		conversation.Close()
	}
}

// Active returns the active conversation, or nil when the set is empty.
func (s *ConversationSet) Active() *Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.activeID == "" {
		return nil
	}
	return s.conversations[s.activeID]
}

// Len returns the number of managed conversations.
func (s *ConversationSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conversations)
}

// Close closes every conversation in the set.
func (s *ConversationSet) Close() {
	s.mu.Lock()
	conversations := make([]*Conversation, 0, len(s.conversations))
	for _, conversation := range s.conversations {
		conversations = append(conversations, conversation)
	}
	s.conversations = make(map[string]*Conversation)
	s.activeID = ""
	s.mu.Unlock()

	for _, conversation := range conversations {
		conversation.Close()
	}
}
