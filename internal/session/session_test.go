package session

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/mylb/messaging/internal/conversation"
	"github.com/mylb/messaging/internal/directory"
	"github.com/mylb/messaging/internal/thread"
	"github.com/mylb/messaging/internal/transport"
	"github.com/mylb/messaging/internal/wire"
)

const adminID = 1

type fakePublisher struct {
	connected bool
	published []wire.Message
	err       error
}

func (f *fakePublisher) PublishFromAdmin(v interface{}) error {
	if f.err != nil {
		return f.err
	}
	f.published = append(f.published, v.(wire.Message))
	return nil
}

func (f *fakePublisher) Connected() bool { return f.connected }

type fakeDirectory struct {
	users map[int64]directory.User
}

func (f *fakeDirectory) Lookup(ctx context.Context, id int64) (directory.User, bool, error) {
	u, ok := f.users[id]
	return u, ok, nil
}

type fakeHistory struct {
	histories  map[int64][]wire.Message
	historyErr error
	readPeers  []int64
	previews   []wire.Preview
}

func (f *fakeHistory) History(ctx context.Context, peerID int64) ([]wire.Message, error) {
	if f.historyErr != nil {
		return nil, f.historyErr
	}
	return f.histories[peerID], nil
}

func (f *fakeHistory) MarkRead(ctx context.Context, peerID int64) error {
	f.readPeers = append(f.readPeers, peerID)
	return nil
}

func (f *fakeHistory) Previews(ctx context.Context) ([]wire.Preview, error) {
	return f.previews, nil
}

func newTestSession(t *testing.T) (*Session, *fakePublisher, *fakeHistory) {
	t.Helper()
	pub := &fakePublisher{connected: true}
	hist := &fakeHistory{histories: make(map[int64][]wire.Message)}
	dir := &fakeDirectory{users: map[int64]directory.User{
		42: {ClientID: 42, FirstName: "Alice", LastName: "Martin", Email: "alice@mylb.fr"},
		7:  {ClientID: 7, FirstName: "Bob", LastName: "Durand", Email: "bob@mylb.fr"},
	}}
	s := New(adminID, pub, thread.NewCache(hist), dir, hist)
	return s, pub, hist
}

func inboundFrame(t *testing.T, from int64, text string, at time.Time) []byte {
	t.Helper()
	data, err := json.Marshal(map[string]interface{}{
		"senderId":   from,
		"receiverId": adminID,
		"content":    text,
		"timestamp":  at.Format(time.RFC3339),
	})
	if err != nil {
		t.Fatal(err)
	}
	return data
}

func TestInboundWhileThreadOpen(t *testing.T) {
	s, _, _ := newTestSession(t)
	if err := s.Select(context.Background(), 42); err != nil {
		t.Fatalf("select: %v", err)
	}

	t1 := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	s.HandleInbound(inboundFrame(t, 42, "hello", t1))

	msgs := s.Thread()
	if len(msgs) != 1 || msgs[0].Text != "hello" {
		t.Fatalf("expected thread to end with the message, got %+v", msgs)
	}

	sums := s.Conversations()
	if len(sums) != 1 {
		t.Fatalf("expected 1 conversation, got %d", len(sums))
	}
	if sums[0].LastMessage != "hello" {
		t.Errorf("expected preview %q, got %q", "hello", sums[0].LastMessage)
	}
	if sums[0].UnreadCount != 0 {
		t.Errorf("expected unread 0 for open thread, got %d", sums[0].UnreadCount)
	}
}

func TestInboundForOtherPeer(t *testing.T) {
	s, _, hist := newTestSession(t)
	hist.histories[7] = []wire.Message{{From: 7, To: adminID, Text: "old", SentAt: time.Now()}}
	if err := s.Select(context.Background(), 7); err != nil {
		t.Fatalf("select: %v", err)
	}
	before := s.Thread()

	s.HandleInbound(inboundFrame(t, 42, "hello", time.Now()))

	after := s.Thread()
	if len(after) != len(before) {
		t.Errorf("open thread changed by a frame for another peer")
	}

	var found bool
	for _, sum := range s.Conversations() {
		if sum.PeerID == 42 {
			found = true
			if sum.UnreadCount != 1 {
				t.Errorf("expected unread 1 for peer 42, got %d", sum.UnreadCount)
			}
		}
	}
	if !found {
		t.Fatal("expected a conversation to be created for peer 42")
	}
}

func TestInboundResolvesIdentityFromDirectory(t *testing.T) {
	s, _, _ := newTestSession(t)

	s.HandleInbound(inboundFrame(t, 42, "hello", time.Now()))

	sums := s.Conversations()
	if len(sums) != 1 {
		t.Fatalf("expected 1 conversation, got %d", len(sums))
	}
	if sums[0].DisplayName != "Alice Martin" || sums[0].Email != "alice@mylb.fr" {
		t.Errorf("expected identity from directory, got %+v", sums[0])
	}
}

func TestMalformedInboundIsDropped(t *testing.T) {
	s, _, _ := newTestSession(t)

	s.HandleInbound([]byte(`{broken`))
	s.HandleInbound([]byte(`{"content": "no sender"}`))

	if len(s.Conversations()) != 0 {
		t.Error("malformed frames must not create conversations")
	}
}

func TestPresenceEvent(t *testing.T) {
	s, _, _ := newTestSession(t)
	s.HandleInbound(inboundFrame(t, 42, "hello", time.Now()))

	s.HandlePresence([]byte(`{"clientId": 42, "online": true}`))
	if !s.IsOnline(42) {
		t.Error("expected peer 42 online")
	}

	s.HandlePresence([]byte(`{"clientId": 42, "online": false}`))
	sum := s.Conversations()[0]
	if sum.Online {
		t.Error("expected peer 42 offline")
	}
	if sum.LastActivity != conversation.LabelOffline {
		t.Errorf("expected label %q, got %q", conversation.LabelOffline, sum.LastActivity)
	}
}

func TestSelectMarksReadAndLoadsHistory(t *testing.T) {
	s, _, hist := newTestSession(t)
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	hist.histories[42] = []wire.Message{
		{From: adminID, To: 42, Text: "second", SentAt: base.Add(time.Minute)},
		{From: 42, To: adminID, Text: "first", SentAt: base},
	}

	s.HandleInbound(inboundFrame(t, 42, "ping", base))
	if s.Conversations()[0].UnreadCount != 1 {
		t.Fatal("expected unread 1 before select")
	}

	if err := s.Select(context.Background(), 42); err != nil {
		t.Fatalf("select: %v", err)
	}

	if s.Conversations()[0].UnreadCount != 0 {
		t.Error("expected unread reset on select")
	}
	msgs := s.Thread()
	if len(msgs) != 2 || msgs[0].Text != "first" || msgs[1].Text != "second" {
		t.Errorf("expected sorted history, got %+v", msgs)
	}
	if len(hist.readPeers) != 1 || hist.readPeers[0] != 42 {
		t.Errorf("expected server-side read mark for 42, got %v", hist.readPeers)
	}
}

func TestSelectDegradesWhenHistoryUnavailable(t *testing.T) {
	s, _, hist := newTestSession(t)
	s.HandleInbound(inboundFrame(t, 42, "bonjour", time.Now()))
	hist.historyErr = fmt.Errorf("connection refused")

	// The history service being down must not fail the selection; the
	// thread just opens empty.
	if err := s.Select(context.Background(), 42); err != nil {
		t.Fatalf("select with history down: %v", err)
	}
	if s.Selected() != 42 {
		t.Errorf("selected = %d, want 42", s.Selected())
	}
	if len(s.Thread()) != 0 {
		t.Errorf("expected empty thread, got %d messages", len(s.Thread()))
	}

	// Live messages still land in the open thread.
	s.HandleInbound(inboundFrame(t, 42, "toujours là ?", time.Now()))
	if msgs := s.Thread(); len(msgs) != 1 || msgs[0].Text != "toujours là ?" {
		t.Errorf("expected live message in thread, got %+v", msgs)
	}
}

func TestSendHappyPath(t *testing.T) {
	s, pub, _ := newTestSession(t)
	if err := s.Select(context.Background(), 42); err != nil {
		t.Fatalf("select: %v", err)
	}

	msg, err := s.Send(context.Background(), "  bonjour  ")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if msg.Text != "bonjour" {
		t.Errorf("expected trimmed text, got %q", msg.Text)
	}
	if msg.Ref == "" {
		t.Error("expected a client ref on the outbound message")
	}
	if len(pub.published) != 1 {
		t.Fatalf("expected 1 publish, got %d", len(pub.published))
	}

	msgs := s.Thread()
	if len(msgs) != 1 || msgs[0].Text != "bonjour" {
		t.Errorf("expected optimistic append, got %+v", msgs)
	}
	if s.Conversations()[0].LastMessage != "bonjour" {
		t.Errorf("expected preview update, got %q", s.Conversations()[0].LastMessage)
	}
}

func TestSendGuards(t *testing.T) {
	cases := []struct {
		name  string
		setup func(s *Session, pub *fakePublisher)
		text  string
	}{
		{
			name:  "empty input",
			setup: func(s *Session, pub *fakePublisher) { _ = s.Select(context.Background(), 42) },
			text:  "   ",
		},
		{
			name:  "no selection",
			setup: func(s *Session, pub *fakePublisher) {},
			text:  "hello",
		},
		{
			name: "disconnected transport",
			setup: func(s *Session, pub *fakePublisher) {
				_ = s.Select(context.Background(), 42)
				pub.connected = false
			},
			text: "hello",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s, pub, _ := newTestSession(t)
			tc.setup(s, pub)

			threadBefore := len(s.Thread())
			convsBefore := s.Conversations()

			if _, err := s.Send(context.Background(), tc.text); err == nil {
				t.Fatal("expected send to be rejected")
			}
			if len(pub.published) != 0 {
				t.Error("guarded send must not publish")
			}
			if len(s.Thread()) != threadBefore {
				t.Error("guarded send must not touch the thread cache")
			}
			convsAfter := s.Conversations()
			if len(convsAfter) != len(convsBefore) {
				t.Error("guarded send must not touch the conversation store")
			}
			for i := range convsBefore {
				if convsAfter[i].LastMessage != convsBefore[i].LastMessage {
					t.Error("guarded send must not update previews")
				}
			}
		})
	}
}

func TestSendPublishErrorSkipsOptimisticAppend(t *testing.T) {
	s, pub, _ := newTestSession(t)
	_ = s.Select(context.Background(), 42)
	pub.err = fmt.Errorf("broker down")

	if _, err := s.Send(context.Background(), "hello"); err == nil {
		t.Fatal("expected publish error to propagate")
	}
	if len(s.Thread()) != 0 {
		t.Error("no optimistic append on a failed publish")
	}
}

func TestEchoDeduplication(t *testing.T) {
	s, pub, _ := newTestSession(t)
	_ = s.Select(context.Background(), 42)

	sent, err := s.Send(context.Background(), "hello")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	_ = pub

	// The bridge echoes the admin's own message back on the inbox with the
	// client ref intact.
	echo, _ := json.Marshal(map[string]interface{}{
		"ref":      sent.Ref,
		"senderId": adminID,
		"sendTo":   42,
		"content":  "hello",
		"date":     sent.SentAt.Format(time.RFC3339),
	})
	s.HandleInbound(echo)

	if n := len(s.Thread()); n != 1 {
		t.Fatalf("expected echo to be de-duplicated, thread has %d messages", n)
	}
}

func TestAdminEchoForOtherDeviceStillUpdatesPreview(t *testing.T) {
	// An admin message without a matching local ref (sent from another
	// console) must update the preview without bumping unread.
	s, _, _ := newTestSession(t)
	s.HandleInbound(inboundFrame(t, 42, "ping", time.Now()))
	_ = s.Select(context.Background(), 7)

	echo, _ := json.Marshal(map[string]interface{}{
		"ref":      "other-console-ref",
		"senderId": adminID,
		"sendTo":   42,
		"content":  "handled elsewhere",
		"date":     time.Now().Format(time.RFC3339),
	})
	s.HandleInbound(echo)

	for _, sum := range s.Conversations() {
		if sum.PeerID == 42 {
			if sum.LastMessage != "handled elsewhere" {
				t.Errorf("expected preview update, got %q", sum.LastMessage)
			}
			if sum.UnreadCount != 1 {
				t.Errorf("admin echo must not bump unread, got %d", sum.UnreadCount)
			}
		}
	}
}

func TestReconnectResetsPresence(t *testing.T) {
	s, _, _ := newTestSession(t)
	s.HandleInbound(inboundFrame(t, 42, "x", time.Now()))
	s.HandlePresence([]byte(`{"clientId": 42, "online": true}`))

	s.HandleTransportState(transport.StateConnected)

	if s.IsOnline(42) {
		t.Error("expected presence reset after reconnect")
	}
	if s.Conversations()[0].Online {
		t.Error("expected summaries marked offline after reconnect")
	}
}

func TestBootstrapSeedsConversations(t *testing.T) {
	s, _, hist := newTestSession(t)
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	hist.previews = []wire.Preview{
		{PeerID: 42, LastText: "au revoir", LastTime: base.Add(time.Hour), Unread: 2},
		{PeerID: 7, LastText: "merci", LastTime: base, Unread: 0},
	}

	s.Bootstrap(context.Background(), hist)

	sums := s.Conversations()
	if len(sums) != 2 {
		t.Fatalf("expected 2 conversations, got %d", len(sums))
	}
	if sums[0].PeerID != 42 {
		t.Errorf("expected most recent conversation first, got %d", sums[0].PeerID)
	}
	if sums[0].UnreadCount != 2 {
		t.Errorf("expected unread 2 from preview, got %d", sums[0].UnreadCount)
	}
	if sums[0].DisplayName != "Alice Martin" {
		t.Errorf("expected directory identity, got %q", sums[0].DisplayName)
	}
}

func TestDeselect(t *testing.T) {
	s, _, hist := newTestSession(t)
	hist.histories[42] = []wire.Message{{From: 42, To: adminID, Text: "x", SentAt: time.Now()}}
	_ = s.Select(context.Background(), 42)

	s.Deselect()
	if s.Selected() != 0 {
		t.Error("expected no selection after deselect")
	}
	if len(s.Thread()) != 0 {
		t.Error("expected empty thread after deselect")
	}
}
