package transport

import (
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
)

// startBroker runs an in-process NATS server on a random port.
func startBroker(t *testing.T) string {
	t.Helper()
	srv, err := server.NewServer(&server.Options{Host: "127.0.0.1", Port: -1})
	if err != nil {
		t.Fatalf("create nats server: %v", err)
	}
	go srv.Start()
	if !srv.ReadyForConnections(5 * time.Second) {
		t.Fatal("nats server not ready")
	}
	t.Cleanup(srv.Shutdown)
	return srv.ClientURL()
}

func waitFrame(t *testing.T, ch <-chan []byte) []byte {
	t.Helper()
	select {
	case data := <-ch:
		return data
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for frame")
		return nil
	}
}

func TestSubscribePublishRoundTrip(t *testing.T) {
	config := DefaultConfig()
	config.URL = startBroker(t)
	b := NewBroker(config)
	if err := b.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer b.Close()

	frames := make(chan []byte, 4)
	if err := b.SubscribeAdminInbox(1, func(data []byte) { frames <- data }); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	if err := b.PublishAdminInbox(1, map[string]string{"content": "hello"}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if data := waitFrame(t, frames); string(data) != `{"content":"hello"}` {
		t.Errorf("frame = %s", data)
	}
}

func TestReconnectRestoresSubscriptions(t *testing.T) {
	config := DefaultConfig()
	config.URL = startBroker(t)
	b := NewBroker(config)
	if err := b.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer b.Close()

	inbox := make(chan []byte, 4)
	status := make(chan []byte, 4)
	if err := b.SubscribeAdminInbox(1, func(data []byte) { inbox <- data }); err != nil {
		t.Fatalf("subscribe inbox: %v", err)
	}
	if err := b.SubscribeUserStatus(func(data []byte) { status <- data }); err != nil {
		t.Fatalf("subscribe status: %v", err)
	}

	if err := b.PublishAdminInbox(1, map[string]string{"n": "1"}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	waitFrame(t, inbox)

	// Manual retry must leave the broker usable without the caller
	// re-registering anything.
	if err := b.Reconnect(); err != nil {
		t.Fatalf("Reconnect: %v", err)
	}
	if !b.Connected() {
		t.Fatal("expected connected state after Reconnect")
	}

	if err := b.PublishAdminInbox(1, map[string]string{"n": "2"}); err != nil {
		t.Fatalf("publish after reconnect: %v", err)
	}
	if data := waitFrame(t, inbox); string(data) != `{"n":"2"}` {
		t.Errorf("inbox frame after reconnect = %s", data)
	}

	if err := b.PublishUserStatus(map[string]interface{}{"client_id": 7, "online": true}); err != nil {
		t.Fatalf("publish status after reconnect: %v", err)
	}
	waitFrame(t, status)
}
