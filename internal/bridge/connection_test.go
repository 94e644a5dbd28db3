package bridge

import (
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

func newTestConnection(id string, clientID int64, fd int) (*Connection, net.Conn) {
	server, client := net.Pipe()
	return &Connection{
		ID:        id,
		ClientID:  clientID,
		Conn:      server,
		Fd:        fd,
		CreatedAt: time.Now(),
		LastPing:  time.Now(),
	}, client
}

func TestConnectionManagerAddAndLookup(t *testing.T) {
	cm := NewConnectionManager()
	c, peer := newTestConnection("conn-1", 42, 3)
	defer peer.Close()

	if displaced := cm.Add(c); displaced != nil {
		t.Fatalf("expected no displaced connection, got %s", displaced.ID)
	}

	if got := cm.Get("conn-1"); got != c {
		t.Error("Get by id did not return the connection")
	}
	if got := cm.GetByClient(42); got != c {
		t.Error("GetByClient did not return the connection")
	}
	if got := cm.GetByFd(3); got != c {
		t.Error("GetByFd did not return the connection")
	}
	if cm.Count() != 1 {
		t.Errorf("Count = %d, want 1", cm.Count())
	}
}

func TestConnectionManagerDisplacesReconnect(t *testing.T) {
	cm := NewConnectionManager()
	first, firstPeer := newTestConnection("conn-1", 42, 3)
	defer firstPeer.Close()
	second, secondPeer := newTestConnection("conn-2", 42, 4)
	defer secondPeer.Close()

	cm.Add(first)
	displaced := cm.Add(second)

	if displaced != first {
		t.Fatal("expected the first connection to be displaced")
	}
	if cm.Count() != 1 {
		t.Errorf("Count = %d, want 1 after displacement", cm.Count())
	}
	if got := cm.GetByClient(42); got != second {
		t.Error("client lookup should resolve to the new connection")
	}
	if cm.Get("conn-1") != nil {
		t.Error("displaced connection should be gone from the id map")
	}
	if cm.GetByFd(3) != nil {
		t.Error("displaced connection should be gone from the fd map")
	}
}

func TestConnectionManagerRemove(t *testing.T) {
	cm := NewConnectionManager()
	c, peer := newTestConnection("conn-1", 42, 3)
	defer peer.Close()

	cm.Add(c)
	if !cm.Remove("conn-1") {
		t.Fatal("Remove should report the connection was present")
	}
	if cm.Remove("conn-1") {
		t.Error("second Remove should report the connection was already gone")
	}
	if cm.Count() != 0 {
		t.Errorf("Count = %d, want 0", cm.Count())
	}
	if cm.GetByClient(42) != nil {
		t.Error("client mapping should be cleared")
	}
}

func TestConnectionManagerRemoveKeepsNewerClientMapping(t *testing.T) {
	cm := NewConnectionManager()
	first, firstPeer := newTestConnection("conn-1", 42, 3)
	defer firstPeer.Close()
	second, secondPeer := newTestConnection("conn-2", 42, 4)
	defer secondPeer.Close()

	cm.Add(first)
	cm.Add(second)

	// The displaced connection id is no longer registered, so removing it
	// must not disturb the newer connection's client mapping.
	cm.Remove("conn-1")
	if got := cm.GetByClient(42); got != second {
		t.Error("removing a displaced connection must not clear the newer mapping")
	}
}

func TestWriteMessageFramesText(t *testing.T) {
	c, peer := newTestConnection("conn-1", 42, 3)
	defer peer.Close()
	defer c.Close()

	done := make(chan error, 1)
	go func() {
		done <- c.WriteMessage([]byte(`{"content":"hi"}`), time.Second)
	}()

	data, op, err := wsutil.ReadServerData(peer)
	if err != nil {
		t.Fatalf("ReadServerData: %v", err)
	}
	if op != ws.OpText {
		t.Errorf("opcode = %v, want text", op)
	}
	if string(data) != `{"content":"hi"}` {
		t.Errorf("payload = %q", data)
	}
	if err := <-done; err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}
}

func TestAllReturnsSnapshot(t *testing.T) {
	cm := NewConnectionManager()
	for i := int64(1); i <= 3; i++ {
		c, peer := newTestConnection(fmt.Sprintf("conn-%d", i), i, int(i))
		defer peer.Close()
		cm.Add(c)
	}

	all := cm.All()
	if len(all) != 3 {
		t.Fatalf("All returned %d connections, want 3", len(all))
	}
}
