// Package transport wraps the NATS connection used for real-time messaging
// between the bridge and the admin console. It owns the subject layout,
// connection lifecycle (capped exponential backoff, then a terminal gave-up
// state that requires a manual retry) and JSON encoding of payloads.
package transport

import (
	"encoding/json"
	"fmt"
	"log"
	"math/rand"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// Subject patterns used across MyLB messaging services.
const (
	SubjectAdminInbox = "admin.inbox"     // + .<admin_id>, per-admin inbound queue
	SubjectUserStatus = "presence.status" // broadcast user-status topic
	SubjectFromAdmin  = "chat.fromadmin"  // admin publish route, consumed by the bridge
)

// State describes the broker connection lifecycle.
type State int

const (
	StateDisconnected State = iota
	StateConnected
	StateReconnecting
	StateGaveUp // reconnect budget exhausted, Reconnect() required
)

func (s State) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateGaveUp:
		return "gave_up"
	default:
		return "disconnected"
	}
}

// Config holds broker connection settings.
type Config struct {
	URL           string        // nats://localhost:4222
	Name          string        // client name for identification
	ReconnectWait time.Duration // base delay, doubled on each attempt
	MaxReconnects int           // attempts before giving up
	MaxBackoff    time.Duration // ceiling for the exponential delay
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		URL:           "nats://localhost:4222",
		Name:          "mylb",
		ReconnectWait: 500 * time.Millisecond,
		MaxReconnects: 10,
		MaxBackoff:    30 * time.Second,
	}
}

// backoff computes the delay before reconnect attempt n: exponential from
// ReconnectWait up to MaxBackoff, with jitter so a broker restart does not
// produce a synchronized reconnect storm across admin consoles.
func (c Config) backoff(attempt int) time.Duration {
	d := c.ReconnectWait << uint(attempt)
	if d > c.MaxBackoff || d <= 0 {
		d = c.MaxBackoff
	}
	return d/2 + time.Duration(rand.Int63n(int64(d/2)+1))
}

// Broker wraps the NATS connection with helper methods for the MyLB subject
// layout. All methods are goroutine-safe.
type Broker struct {
	config  Config
	mu      sync.Mutex
	conn    *nats.Conn
	subs    map[string]*nats.Subscription
	// handlers outlive the connection: Reconnect replays them so a manual
	// retry restores every subscription the session registered.
	handlers map[string]func(data []byte)
	state    State
	onState  func(State)
}

// NewBroker creates a disconnected Broker. Call Connect before use.
func NewBroker(config Config) *Broker {
	return &Broker{
		config:   config,
		subs:     make(map[string]*nats.Subscription),
		handlers: make(map[string]func(data []byte)),
		state:    StateDisconnected,
	}
}

// OnStateChange registers a callback invoked whenever the connection state
// flips. The callback runs on the NATS event goroutine and must not block.
func (b *Broker) OnStateChange(fn func(State)) {
	b.mu.Lock()
	b.onState = fn
	b.mu.Unlock()
}

// Connect dials the broker. Reconnection after a drop is automatic with
// exponential backoff up to MaxBackoff; after MaxReconnects failed attempts
// the connection is closed for good and the broker enters StateGaveUp.
func (b *Broker) Connect() error {
	b.mu.Lock()
	if b.conn != nil && !b.conn.IsClosed() {
		b.mu.Unlock()
		return fmt.Errorf("transport: already connected")
	}
	b.mu.Unlock()

	opts := []nats.Option{
		nats.Name(b.config.Name),
		nats.MaxReconnects(b.config.MaxReconnects),
		nats.CustomReconnectDelay(b.config.backoff),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Printf("[broker] disconnected: %v", err)
			} else {
				log.Printf("[broker] disconnected")
			}
			b.setState(StateReconnecting)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("[broker] reconnected to %s", nc.ConnectedUrl())
			b.setState(StateConnected)
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Printf("[broker] connection closed")
			b.setState(StateGaveUp)
		}),
	}

	nc, err := nats.Connect(b.config.URL, opts...)
	if err != nil {
		return fmt.Errorf("transport: connect %s: %w", b.config.URL, err)
	}

	b.mu.Lock()
	b.conn = nc
	b.subs = make(map[string]*nats.Subscription)
	b.mu.Unlock()
	b.setState(StateConnected)

	log.Printf("[broker] connected to %s", nc.ConnectedUrl())
	return nil
}

// Reconnect is the manual retry escape hatch from StateGaveUp. It tears down
// whatever is left of the old connection, dials fresh, and re-establishes
// every subscription registered through Subscribe, so inbound routing
// resumes without the caller re-wiring handlers.
func (b *Broker) Reconnect() error {
	b.mu.Lock()
	if b.conn != nil && !b.conn.IsClosed() {
		b.conn.Close()
	}
	b.conn = nil
	handlers := make(map[string]func(data []byte), len(b.handlers))
	for subject, fn := range b.handlers {
		handlers[subject] = fn
	}
	b.mu.Unlock()

	if err := b.Connect(); err != nil {
		return err
	}

	for subject, fn := range handlers {
		if err := b.Subscribe(subject, fn); err != nil {
			return fmt.Errorf("transport: restore subscription %s: %w", subject, err)
		}
	}
	return nil
}

// State returns the current connection state.
func (b *Broker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Connected reports whether the connection is currently usable.
func (b *Broker) Connected() bool {
	return b.State() == StateConnected
}

func (b *Broker) setState(s State) {
	b.mu.Lock()
	changed := b.state != s
	b.state = s
	fn := b.onState
	b.mu.Unlock()

	if changed && fn != nil {
		fn(s)
	}
}

// Publish marshals v as JSON and sends it to the given subject. Delivery is
// fire-and-forget; no acknowledgement is awaited.
func (b *Broker) Publish(subject string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("transport: marshal for %s: %w", subject, err)
	}

	b.mu.Lock()
	conn := b.conn
	b.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("transport: not connected")
	}
	return conn.Publish(subject, data)
}

// Subscribe registers a handler for the given subject. The subscription is
// stored for cleanup and the handler is remembered so Reconnect can restore
// it on a fresh connection.
func (b *Broker) Subscribe(subject string, handler func(data []byte)) error {
	b.mu.Lock()
	conn := b.conn
	b.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("transport: not connected")
	}

	sub, err := conn.Subscribe(subject, func(msg *nats.Msg) {
		handler(msg.Data)
	})
	if err != nil {
		return fmt.Errorf("transport: subscribe %s: %w", subject, err)
	}

	b.mu.Lock()
	b.subs[subject] = sub
	b.handlers[subject] = handler
	b.mu.Unlock()
	return nil
}

// SubscribeAdminInbox subscribes to the per-admin inbound message queue.
func (b *Broker) SubscribeAdminInbox(adminID int64, handler func(data []byte)) error {
	return b.Subscribe(fmt.Sprintf("%s.%d", SubjectAdminInbox, adminID), handler)
}

// SubscribeUserStatus subscribes to the broadcast presence topic.
func (b *Broker) SubscribeUserStatus(handler func(data []byte)) error {
	return b.Subscribe(SubjectUserStatus, handler)
}

// PublishAdminInbox publishes a payload to a specific admin's inbound queue.
func (b *Broker) PublishAdminInbox(adminID int64, v interface{}) error {
	return b.Publish(fmt.Sprintf("%s.%d", SubjectAdminInbox, adminID), v)
}

// PublishUserStatus publishes a presence event on the broadcast topic.
func (b *Broker) PublishUserStatus(v interface{}) error {
	return b.Publish(SubjectUserStatus, v)
}

// PublishFromAdmin publishes an admin-authored message on the application
// route consumed by the bridge.
func (b *Broker) PublishFromAdmin(v interface{}) error {
	return b.Publish(SubjectFromAdmin, v)
}

// SubscribeFromAdmin is used by the bridge to consume admin-authored messages.
func (b *Broker) SubscribeFromAdmin(handler func(data []byte)) error {
	return b.Subscribe(SubjectFromAdmin, handler)
}

// Close drains all active subscriptions and closes the connection.
func (b *Broker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for subject, sub := range b.subs {
		if err := sub.Drain(); err != nil {
			log.Printf("[broker] drain %s: %v", subject, err)
		}
	}
	b.subs = make(map[string]*nats.Subscription)

	if b.conn != nil && !b.conn.IsClosed() {
		if err := b.conn.Drain(); err != nil {
			log.Printf("[broker] connection drain: %v", err)
		}
	}
	b.state = StateDisconnected

	log.Printf("[broker] client closed")
}
