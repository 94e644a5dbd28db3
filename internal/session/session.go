// Package session implements the admin console's messaging session: the
// selection state machine over conversations, routing of inbound broker
// frames into the conversation store, thread cache and presence tracker,
// and the guarded send path with optimistic local echo.
package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"

	"github.com/mylb/messaging/internal/conversation"
	"github.com/mylb/messaging/internal/directory"
	"github.com/mylb/messaging/internal/presence"
	"github.com/mylb/messaging/internal/thread"
	"github.com/mylb/messaging/internal/transport"
	"github.com/mylb/messaging/internal/wire"
)

// ErrNotConnected is returned by Send while the transport is down; the
// caller should surface it as a temporary condition, not a bad request.
var ErrNotConnected = errors.New("session: transport disconnected")

// Publisher is the slice of the broker the session needs for sending.
type Publisher interface {
	PublishFromAdmin(v interface{}) error
	Connected() bool
}

// Directory resolves client identities for conversations with no prior
// local record.
type Directory interface {
	Lookup(ctx context.Context, clientID int64) (directory.User, bool, error)
}

// ReadMarker persists the read watermark server-side. Best effort.
type ReadMarker interface {
	MarkRead(ctx context.Context, peerID int64) error
}

// Previewer lists existing conversation previews for bootstrap.
type Previewer interface {
	Previews(ctx context.Context) ([]wire.Preview, error)
}

// Session is the composition root of the admin messaging view. All methods
// are goroutine-safe; inbound frames arrive on broker goroutines while
// selection and sends arrive from the HTTP surface.
type Session struct {
	adminID int64

	broker     Publisher
	convs      *conversation.Store
	thread     *thread.Cache
	presence   *presence.Tracker
	dir        Directory
	readMarker ReadMarker

	mu       sync.Mutex
	selected int64 // 0 = no selection
}

// New assembles a session for the given admin.
func New(adminID int64, broker Publisher, cache *thread.Cache, dir Directory, readMarker ReadMarker) *Session {
	return &Session{
		adminID:    adminID,
		broker:     broker,
		convs:      conversation.NewStore(),
		thread:     cache,
		presence:   presence.NewTracker(),
		dir:        dir,
		readMarker: readMarker,
	}
}

// Conversations returns the current conversation list, most recent first.
func (s *Session) Conversations() []conversation.Summary {
	return s.convs.List()
}

// Thread returns the open thread's messages in ascending order.
func (s *Session) Thread() []wire.Message {
	return s.thread.Messages()
}

// Selected returns the currently open peer, or 0.
func (s *Session) Selected() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.selected
}

// Connected reports whether the transport is currently usable.
func (s *Session) Connected() bool {
	return s.broker.Connected()
}

// Select opens a peer's thread: the previous thread is discarded, the full
// history is fetched, and the peer's unread counter resets to zero. A stale
// in-flight fetch for a previously selected peer cannot overwrite the new
// thread (the cache checks its generation before applying). A failed history
// fetch is logged and the thread opens empty; live messages still flow in.
func (s *Session) Select(ctx context.Context, peerID int64) error {
	if peerID <= 0 {
		return fmt.Errorf("session: invalid peer id %d", peerID)
	}

	s.mu.Lock()
	s.selected = peerID
	s.mu.Unlock()

	s.convs.MarkRead(peerID)
	s.ensureIdentity(ctx, peerID)

	if s.readMarker != nil {
		if err := s.readMarker.MarkRead(ctx, peerID); err != nil {
			log.Printf("[session] read marker for peer %d: %v", peerID, err)
		}
	}

	if err := s.thread.Load(ctx, peerID); err != nil {
		log.Printf("[session] history load for peer %d: %v", peerID, err)
	}
	return nil
}

// Deselect closes the open thread.
func (s *Session) Deselect() {
	s.mu.Lock()
	s.selected = 0
	s.mu.Unlock()
	s.thread.Reset()
}

// Send publishes a message to the selected peer and appends an optimistic
// local copy. The guard is strict: empty input, no selection, or a
// disconnected transport leave every store untouched.
func (s *Session) Send(ctx context.Context, text string) (wire.Message, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return wire.Message{}, fmt.Errorf("session: empty message")
	}
	if err := wire.ValidateText(text); err != nil {
		return wire.Message{}, fmt.Errorf("session: %w", err)
	}

	s.mu.Lock()
	peerID := s.selected
	s.mu.Unlock()
	if peerID == 0 {
		return wire.Message{}, fmt.Errorf("session: no conversation selected")
	}
	if !s.broker.Connected() {
		return wire.Message{}, ErrNotConnected
	}

	msg := wire.NewMessage(s.adminID, peerID, text)
	if err := s.broker.PublishFromAdmin(msg); err != nil {
		return wire.Message{}, fmt.Errorf("session: publish: %w", err)
	}

	// Optimistic echo: shown immediately, reconciled by ref when the bridge
	// echoes the message back on the inbox.
	s.thread.Append(msg)
	s.convs.Upsert(peerID, conversation.Patch{
		LastMessage: &msg.Text,
		LastTime:    &msg.SentAt,
	})
	return msg, nil
}

// HandleInbound processes one frame from the per-admin inbound queue.
// Malformed frames are logged and dropped.
func (s *Session) HandleInbound(data []byte) {
	msg, err := wire.Normalize(data)
	if err != nil {
		log.Printf("[session] dropping malformed frame: %v", err)
		return
	}

	// The bridge echoes our own sends back with the client ref intact; a ref
	// we already appended optimistically is a duplicate.
	if msg.From == s.adminID && s.thread.Contains(msg.Ref) {
		return
	}

	peerID := msg.From
	fromPeer := true
	if msg.From == s.adminID {
		peerID = msg.To
		fromPeer = false
	}
	if peerID == 0 {
		log.Printf("[session] dropping frame with no peer (from=%d to=%d)", msg.From, msg.To)
		return
	}

	s.mu.Lock()
	open := s.selected == peerID
	s.mu.Unlock()

	if open {
		s.thread.Append(msg)
	}

	s.convs.Upsert(peerID, conversation.Patch{
		LastMessage:     &msg.Text,
		LastTime:        &msg.SentAt,
		IncrementUnread: fromPeer && !open,
	})
	s.ensureIdentity(context.Background(), peerID)
}

// HandlePresence processes one frame from the user-status topic.
func (s *Session) HandlePresence(data []byte) {
	ev, err := wire.NormalizePresence(data)
	if err != nil {
		log.Printf("[session] dropping malformed presence event: %v", err)
		return
	}

	if ev.Online {
		s.presence.SetOnline(ev.ClientID)
	} else {
		s.presence.SetOffline(ev.ClientID)
	}
	s.convs.ApplyPresence(ev.ClientID, ev.Online)
}

// HandleTransportState reacts to broker state flips. Presence does not
// survive a reconnect; it resets and repopulates from live events, so peers
// who connected before our own reconnect show offline until their next
// activity.
func (s *Session) HandleTransportState(state transport.State) {
	if state != transport.StateConnected {
		return
	}
	s.presence.Reset()
	for _, sum := range s.convs.List() {
		if sum.Online {
			s.convs.ApplyPresence(sum.PeerID, false)
		}
	}
}

// Bootstrap seeds the conversation store from the history service's
// previews and the user directory. Failures degrade to an empty list.
func (s *Session) Bootstrap(ctx context.Context, previews Previewer) {
	if previews == nil {
		return
	}

	list, err := previews.Previews(ctx)
	if err != nil {
		log.Printf("[session] bootstrap previews: %v", err)
		return
	}
	for _, p := range list {
		p := p
		s.convs.Upsert(p.PeerID, conversation.Patch{
			LastMessage: &p.LastText,
			LastTime:    &p.LastTime,
		})
		for i := 0; i < p.Unread; i++ {
			s.convs.Upsert(p.PeerID, conversation.Patch{IncrementUnread: true})
		}
		s.ensureIdentity(ctx, p.PeerID)
	}
}

// IsOnline exposes the presence tracker for the HTTP surface.
func (s *Session) IsOnline(peerID int64) bool {
	return s.presence.IsOnline(peerID)
}

// ensureIdentity fills display name and email on a summary that has none,
// using the directory. Lookup failures are logged and ignored; the
// conversation simply shows without a resolved name.
func (s *Session) ensureIdentity(ctx context.Context, peerID int64) {
	if s.dir == nil {
		return
	}
	sum, ok := s.convs.Get(peerID)
	if !ok || sum.DisplayName != "" {
		return
	}

	user, found, err := s.dir.Lookup(ctx, peerID)
	if err != nil {
		log.Printf("[session] directory lookup for peer %d: %v", peerID, err)
		return
	}
	if !found {
		return
	}

	name := user.DisplayName()
	s.convs.Upsert(peerID, conversation.Patch{
		DisplayName: &name,
		Email:       &user.Email,
	})
}
