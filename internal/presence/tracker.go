// Package presence tracks which peers currently hold a live connection,
// as reported by events on the user-status topic.
package presence

import "sync"

// Tracker is a goroutine-safe set of online peer ids. It is reset to empty
// on reconnect and repopulated lazily as presence events arrive, so a peer
// who connected before the admin's own reconnect appears offline until their
// next activity. That staleness window is accepted.
type Tracker struct {
	mu     sync.RWMutex
	online map[int64]struct{}
}

// NewTracker creates an empty Tracker.
func NewTracker() *Tracker {
	return &Tracker{online: make(map[int64]struct{})}
}

// SetOnline marks a peer online. Idempotent.
func (t *Tracker) SetOnline(peerID int64) {
	t.mu.Lock()
	t.online[peerID] = struct{}{}
	t.mu.Unlock()
}

// SetOffline marks a peer offline. Idempotent.
func (t *Tracker) SetOffline(peerID int64) {
	t.mu.Lock()
	delete(t.online, peerID)
	t.mu.Unlock()
}

// IsOnline reports whether a peer is currently known to be online.
func (t *Tracker) IsOnline(peerID int64) bool {
	t.mu.RLock()
	_, ok := t.online[peerID]
	t.mu.RUnlock()
	return ok
}

// Count returns the number of peers currently online.
func (t *Tracker) Count() int {
	t.mu.RLock()
	n := len(t.online)
	t.mu.RUnlock()
	return n
}

// Reset drops all membership. Called on transport reconnect.
func (t *Tracker) Reset() {
	t.mu.Lock()
	t.online = make(map[int64]struct{})
	t.mu.Unlock()
}
