// Package conversation keeps the admin console's in-memory list of known
// conversations, one summary per peer, ordered by most recent activity.
package conversation

import (
	"sort"
	"sync"
	"time"
)

// Status is the triage state of a conversation.
type Status string

const (
	StatusActive   Status = "active"
	StatusPending  Status = "pending"
	StatusResolved Status = "resolved"
)

// Activity labels shown next to a conversation. The console UI is French.
const (
	LabelOnline  = "En ligne"
	LabelOffline = "Hors ligne"
)

// Summary is the conversation-list entry for one peer.
type Summary struct {
	PeerID          int64     `json:"peerId"`
	DisplayName     string    `json:"displayName"`
	Email           string    `json:"email"`
	LastMessage     string    `json:"lastMessage"`
	LastMessageTime time.Time `json:"lastMessageTime"`
	UnreadCount     int       `json:"unreadCount"`
	Online          bool      `json:"online"`
	LastActivity    string    `json:"lastActivity"` // LabelOnline / LabelOffline
	Status          Status    `json:"status"`
}

// Patch is a partial update merged into a Summary by Upsert. Nil fields are
// left untouched.
type Patch struct {
	DisplayName *string
	Email       *string
	LastMessage *string
	LastTime    *time.Time
	Status      *Status
	// IncrementUnread bumps the unread counter by one. Metadata-only patches
	// leave the counter alone.
	IncrementUnread bool
}

// Store is the goroutine-safe registry of conversation summaries.
type Store struct {
	mu      sync.RWMutex
	byPeer  map[int64]*Summary
	ordered []*Summary // insertion order, re-sorted on read
}

// NewStore creates an empty Store.
func NewStore() *Store {
	return &Store{byPeer: make(map[int64]*Summary)}
}

// Upsert merges the patch into the peer's summary, creating one with pending
// status if the peer is unseen. It never creates duplicate entries.
func (s *Store) Upsert(peerID int64, patch Patch) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sum, ok := s.byPeer[peerID]
	if !ok {
		sum = &Summary{
			PeerID:       peerID,
			Status:       StatusPending,
			LastActivity: LabelOffline,
		}
		s.byPeer[peerID] = sum
		s.ordered = append(s.ordered, sum)
	}

	if patch.DisplayName != nil {
		sum.DisplayName = *patch.DisplayName
	}
	if patch.Email != nil {
		sum.Email = *patch.Email
	}
	if patch.LastMessage != nil {
		sum.LastMessage = *patch.LastMessage
	}
	if patch.LastTime != nil {
		sum.LastMessageTime = *patch.LastTime
	}
	if patch.Status != nil {
		sum.Status = *patch.Status
	}
	if patch.IncrementUnread {
		sum.UnreadCount++
	}
}

// MarkRead resets the unread counter for a peer. Called exactly when that
// peer's thread becomes the open thread.
func (s *Store) MarkRead(peerID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sum, ok := s.byPeer[peerID]; ok {
		sum.UnreadCount = 0
	}
}

// ApplyPresence updates the online flag and activity label for a peer. It is
// a no-op for unknown peers; a presence event alone does not create a
// conversation.
func (s *Store) ApplyPresence(peerID int64, online bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sum, ok := s.byPeer[peerID]
	if !ok {
		return
	}
	sum.Online = online
	if online {
		sum.LastActivity = LabelOnline
	} else {
		sum.LastActivity = LabelOffline
	}
}

// Get returns a copy of the peer's summary.
func (s *Store) Get(peerID int64) (Summary, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sum, ok := s.byPeer[peerID]
	if !ok {
		return Summary{}, false
	}
	return *sum, true
}

// List returns copies of all summaries sorted by last message time
// descending. Conversations with equal timestamps keep their insertion
// order (the sort is stable).
func (s *Store) List() []Summary {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Summary, len(s.ordered))
	for i, sum := range s.ordered {
		out[i] = *sum
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].LastMessageTime.After(out[j].LastMessageTime)
	})
	return out
}

// Len returns the number of known conversations.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byPeer)
}
