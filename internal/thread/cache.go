// Package thread holds the message list for the single currently open
// conversation. The list is discarded when the selection changes and
// refetched from the history service on reselection.
package thread

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/mylb/messaging/internal/wire"
)

// Loader fetches the full message history for one peer.
type Loader interface {
	History(ctx context.Context, peerID int64) ([]wire.Message, error)
}

// Cache is the goroutine-safe thread cache. A generation counter guards
// against an in-flight load for a previously selected peer overwriting the
// thread of a newer selection.
type Cache struct {
	loader Loader

	mu       sync.RWMutex
	peerID   int64 // 0 means no open thread
	messages []wire.Message
	gen      uint64
}

// NewCache creates an empty Cache backed by the given loader.
func NewCache(loader Loader) *Cache {
	return &Cache{loader: loader}
}

// Load replaces the cached thread with the peer's full history. The fetch is
// not cancelled when the selection changes mid-flight; instead the result is
// dropped if another Load or Reset happened since this one started.
func (c *Cache) Load(ctx context.Context, peerID int64) error {
	c.mu.Lock()
	c.gen++
	gen := c.gen
	c.peerID = peerID
	c.messages = nil
	c.mu.Unlock()

	msgs, err := c.loader.History(ctx, peerID)
	if err != nil {
		return fmt.Errorf("thread: load history for peer %d: %w", peerID, err)
	}

	// The backend does not guarantee order.
	sort.SliceStable(msgs, func(i, j int) bool {
		return msgs[i].SentAt.Before(msgs[j].SentAt)
	})

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen != gen {
		// A newer selection owns the cache now; this result is stale.
		return nil
	}
	c.messages = msgs
	return nil
}

// Append adds a message to the end of the thread if it belongs to the
// currently open peer; otherwise it is a no-op.
func (c *Cache) Append(msg wire.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.peerID == 0 {
		return
	}
	if msg.From != c.peerID && msg.To != c.peerID {
		return
	}
	c.messages = append(c.messages, msg)
}

// Contains reports whether a message with the given client ref is already in
// the thread. Used to de-duplicate the bridge's echo of an optimistic send.
func (c *Cache) Contains(ref string) bool {
	if ref == "" {
		return false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()

	for i := len(c.messages) - 1; i >= 0; i-- {
		if c.messages[i].Ref == ref {
			return true
		}
	}
	return false
}

// Reset clears the cache. Called when no peer is selected or the selection
// changes.
func (c *Cache) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.gen++
	c.peerID = 0
	c.messages = nil
}

// PeerID returns the peer whose thread is open, or 0.
func (c *Cache) PeerID() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.peerID
}

// Messages returns a copy of the cached thread in ascending sentAt order.
func (c *Cache) Messages() []wire.Message {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]wire.Message, len(c.messages))
	copy(out, c.messages)
	return out
}
