// Package client provides a reusable WebSocket load test client for the MyLB
// messaging bridge. It connects using gobwas/ws (the same library the bridge
// uses), identifies itself with a client_id, and tracks per-connection
// performance metrics.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// Metrics tracks per-connection performance data.
type Metrics struct {
	ConnectLatency   time.Duration
	MessagesReceived int
	MessagesSent     int
	Errors           int
}

// Client represents a single simulated MyLB user connected to the bridge. It
// manages the WebSocket lifecycle and dispatches admin messages to an
// optional handler.
type Client struct {
	conn      net.Conn
	clientID  int64
	mu        sync.Mutex
	metrics   Metrics
	onMessage func(json.RawMessage)
	done      chan struct{}
	closeOnce sync.Once
}

// New dials the bridge for the given client identity. The url should be the
// bridge's /ws endpoint without query parameters. A background goroutine
// begins reading messages immediately.
func New(ctx context.Context, url string, clientID int64) (*Client, error) {
	start := time.Now()
	conn, _, _, err := ws.Dial(ctx, fmt.Sprintf("%s?client_id=%d", url, clientID))
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}

	c := &Client{
		conn:     conn,
		clientID: clientID,
		done:     make(chan struct{}),
	}
	c.metrics.ConnectLatency = time.Since(start)

	go c.readLoop()

	return c, nil
}

// Send publishes one chat message to the admin. The payload uses the legacy
// field names the production frontend emits, exercising the bridge's
// normalization path. Goroutine-safe.
func (c *Client) Send(text string) error {
	data, err := json.Marshal(map[string]interface{}{
		"sendFrom": c.clientID,
		"message":  text,
		"date":     time.Now().Format(time.RFC3339),
	})
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.metrics.MessagesSent++
	return wsutil.WriteClientMessage(c.conn, ws.OpText, data)
}

// OnMessage registers a handler invoked for every frame delivered by the
// bridge. The handler runs on the read loop goroutine and must not block.
func (c *Client) OnMessage(fn func(json.RawMessage)) {
	c.onMessage = fn
}

// ClientID returns the identity this client connected with.
func (c *Client) ClientID() int64 {
	return c.clientID
}

// GetMetrics returns a copy of the client's metrics.
func (c *Client) GetMetrics() Metrics {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.metrics
}

// Close closes the connection and stops the read loop. Safe to call multiple
// times.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.conn.Close()
	})
	return err
}

func (c *Client) readLoop() {
	for {
		select {
		case <-c.done:
			return
		default:
		}

		data, err := wsutil.ReadServerText(c.conn)
		if err != nil {
			select {
			case <-c.done:
				// Intentional close, not an error.
				return
			default:
			}
			c.mu.Lock()
			c.metrics.Errors++
			c.mu.Unlock()
			return
		}

		c.mu.Lock()
		c.metrics.MessagesReceived++
		c.mu.Unlock()
		if c.onMessage != nil {
			c.onMessage(json.RawMessage(data))
		}
	}
}
