// Package bridge implements the WebSocket gateway MyLB clients connect to
// for support chat. It upgrades HTTP connections, tracks client presence in
// the roster, and relays messages between client sockets and the broker:
// user messages go up to the per-admin inbox subject, admin messages come
// down the from-admin route and are forwarded to the target client's socket.
package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"

	"github.com/mylb/messaging/internal/metrics"
	"github.com/mylb/messaging/internal/ratelimit"
	"github.com/mylb/messaging/internal/roster"
	"github.com/mylb/messaging/internal/transport"
	"github.com/mylb/messaging/internal/wire"
)

// ServerConfig holds tunable parameters for the bridge.
type ServerConfig struct {
	ListenAddr     string        // address to listen on, e.g. ":8080"
	AdminID        int64         // admin identity messages are routed to
	WorkerPoolSize int           // max concurrent read-worker goroutines
	MaxConnections int           // hard cap on total connections
	ReadTimeout    time.Duration // timeout for WebSocket read operations
	WriteTimeout   time.Duration // timeout for WebSocket write operations
}

// DefaultServerConfig returns a ServerConfig with production defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddr:     ":8080",
		AdminID:        1,
		WorkerPoolSize: 256,
		MaxConnections: 100000,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
	}
}

// maxInboundFrameBytes bounds the payload size a single client frame may
// claim. Message text tops out at wire.MaxMessageBytes; the rest covers the
// JSON envelope (field names, ref, timestamp).
const maxInboundFrameBytes = wire.MaxMessageBytes + 1024

// MessageSink persists relayed messages. The history store implements it.
type MessageSink interface {
	SaveMessage(ctx context.Context, msg wire.Message) (int64, error)
}

// Server is the WebSocket gateway built on gobwas/ws and Linux epoll.
type Server struct {
	config     ServerConfig
	poller     *Poller
	conns      *ConnectionManager
	roster     *roster.Store
	broker     *transport.Broker
	limiter    *ratelimit.Limiter
	sink       MessageSink
	workerPool chan struct{} // semaphore limiting concurrent read workers
	httpServer *http.Server
	done       chan struct{}
	startedAt  time.Time
}

// NewServer wires the gateway together. The roster, limiter and sink may be
// nil in tests; each is skipped when absent.
func NewServer(config ServerConfig, broker *transport.Broker, rosterStore *roster.Store, limiter *ratelimit.Limiter, sink MessageSink) *Server {
	return &Server{
		config:     config,
		conns:      NewConnectionManager(),
		roster:     rosterStore,
		broker:     broker,
		limiter:    limiter,
		sink:       sink,
		workerPool: make(chan struct{}, config.WorkerPoolSize),
		done:       make(chan struct{}),
	}
}

// Start initializes the poller, subscribes to the from-admin route, starts
// the event loop and heartbeat, and blocks on ListenAndServe.
func (s *Server) Start() error {
	var err error
	s.poller, err = NewPoller()
	if err != nil {
		return fmt.Errorf("bridge: create poller: %w", err)
	}

	s.startedAt = time.Now()

	if err := s.broker.SubscribeFromAdmin(s.HandleFromAdmin); err != nil {
		return fmt.Errorf("bridge: subscribe from-admin route: %w", err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleUpgrade)
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", metrics.Handler())

	s.httpServer = &http.Server{
		Addr:    s.config.ListenAddr,
		Handler: mux,
	}

	go s.startEventLoop()
	StartHeartbeat(s, DefaultHeartbeatConfig())

	log.Printf("bridge: listening on %s (workers=%d, max_conns=%d, admin=%d)",
		s.config.ListenAddr, s.config.WorkerPoolSize, s.config.MaxConnections, s.config.AdminID)

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("bridge: http server error: %w", err)
	}
	return nil
}

// handleUpgrade upgrades an HTTP request to a WebSocket connection. The
// client identity comes from the client_id query parameter, set by the MyLB
// edge proxy after authenticating the session cookie.
func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if s.conns.Count() >= s.config.MaxConnections {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	clientID, err := strconv.ParseInt(r.URL.Query().Get("client_id"), 10, 64)
	if err != nil || clientID <= 0 {
		http.Error(w, "missing or invalid client_id", http.StatusBadRequest)
		return
	}

	if s.limiter != nil {
		ip, _, splitErr := net.SplitHostPort(r.RemoteAddr)
		if splitErr != nil {
			ip = r.RemoteAddr
		}
		allowed, _ := s.limiter.Allow(r.Context(), ip, ratelimit.RuleConnect)
		if !allowed {
			metrics.RateLimitedTotal.WithLabelValues("connect").Inc()
			http.Error(w, "too many connection attempts", http.StatusTooManyRequests)
			return
		}
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		log.Printf("bridge: upgrade failed: %v", err)
		return
	}

	c := &Connection{
		ID:        uuid.New().String(),
		ClientID:  clientID,
		Conn:      conn,
		Fd:        socketFD(conn),
		CreatedAt: time.Now(),
		LastPing:  time.Now(),
	}

	if displaced := s.conns.Add(c); displaced != nil {
		log.Printf("bridge: client %d reconnected, displacing connection %s", clientID, displaced.ID)
		_ = s.poller.Remove(displaced.Conn)
		displaced.Close()
	}
	if err := s.poller.Add(conn); err != nil {
		log.Printf("bridge: poller add failed for client %d: %v", clientID, err)
		s.conns.Remove(c.ID)
		return
	}

	if s.roster != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := s.roster.Add(ctx, clientID, c.ID); err != nil {
			log.Printf("bridge: roster add for client %d: %v", clientID, err)
		}
	}

	s.publishPresence(clientID, true)
	metrics.ConnectionsTotal.Set(float64(s.conns.Count()))

	log.Printf("bridge: new connection client=%d conn=%s (total=%d)", clientID, c.ID, s.conns.Count())
}

// handleHealth responds with the gateway's health status as JSON.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	resp := struct {
		Status      string `json:"status"`
		Connections int    `json:"connections"`
		Uptime      string `json:"uptime"`
	}{
		Status:      "ok",
		Connections: s.conns.Count(),
		Uptime:      time.Since(s.startedAt).Round(time.Second).String(),
	}

	_ = json.NewEncoder(w).Encode(resp)
}

// startEventLoop runs the poller wait loop, dispatching ready connections to
// a bounded worker pool for frame reading.
func (s *Server) startEventLoop() {
	for {
		select {
		case <-s.done:
			return
		default:
		}

		conns, err := s.poller.Wait()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
				if isEINTR(err) {
					continue
				}
				log.Printf("bridge: poller wait error: %v", err)
				continue
			}
		}

		for _, conn := range conns {
			conn := conn

			s.workerPool <- struct{}{}
			go func() {
				defer func() { <-s.workerPool }()
				s.handleConn(conn)
			}()
		}
	}
}

// handleConn reads a single WebSocket frame from a ready connection using
// wsutil.NextReader so control frames are handled without blocking on a data
// frame that may never arrive.
func (s *Server) handleConn(netConn net.Conn) {
	c := s.conns.GetByConn(netConn)
	if c == nil {
		return
	}

	// Guard against duplicate dispatch from level-triggered epoll.
	if !atomic.CompareAndSwapInt32(&c.processing, 0, 1) {
		return
	}
	defer atomic.StoreInt32(&c.processing, 0)

	if s.config.ReadTimeout > 0 {
		_ = netConn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
	}

	header, reader, err := wsutil.NextReader(netConn, ws.StateServerSide)
	if err != nil {
		// A read timeout means no data was available (stale poller dispatch);
		// the heartbeat handles genuinely dead connections.
		if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
			return
		}
		s.RemoveConnection(c)
		return
	}

	_ = netConn.SetReadDeadline(time.Time{})

	// Any frame proves the connection is alive.
	c.LastPing = time.Now()
	if s.roster != nil {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		_ = s.roster.Touch(ctx, c.ClientID)
		cancel()
	}

	if header.OpCode.IsControl() {
		if header.OpCode == ws.OpClose {
			s.RemoveConnection(c)
		}
		return
	}

	// The claimed length comes straight off the wire; check it against the
	// message limit before allocating anything.
	if header.Length > maxInboundFrameBytes {
		log.Printf("bridge: oversized frame (%d bytes) from client %d", header.Length, c.ClientID)
		metrics.MessagesTotal.WithLabelValues("dropped").Inc()
		s.RemoveConnection(c)
		return
	}

	data := make([]byte, header.Length)
	if header.Length > 0 {
		if _, err := io.ReadFull(reader, data); err != nil {
			s.RemoveConnection(c)
			return
		}
	}
	if len(data) == 0 {
		return
	}

	s.handleClientMessage(c, data)
}

// RemoveConnection removes a connection from the poller and the manager,
// clears the roster entry and broadcasts the client going offline.
func (s *Server) RemoveConnection(c *Connection) {
	if s.poller != nil {
		_ = s.poller.Remove(c.Conn)
	}

	// Guard: only proceed if the connection was actually in the manager;
	// read errors and heartbeat timeouts can race to remove the same one.
	if !s.conns.Remove(c.ID) {
		return
	}

	if s.roster != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := s.roster.Remove(ctx, c.ClientID); err != nil {
			log.Printf("bridge: roster remove for client %d: %v", c.ClientID, err)
		}
	}

	s.publishPresence(c.ClientID, false)
	metrics.ConnectionsTotal.Set(float64(s.conns.Count()))

	log.Printf("bridge: connection closed client=%d (total=%d)", c.ClientID, s.conns.Count())
}

// publishPresence broadcasts a presence flip on the user-status topic.
func (s *Server) publishPresence(clientID int64, online bool) {
	ev := wire.PresenceEvent{ClientID: clientID, Online: online}
	if err := s.broker.PublishUserStatus(ev); err != nil {
		log.Printf("bridge: publish presence client=%d: %v", clientID, err)
		return
	}
	metrics.PresenceEventsTotal.Inc()
}

// Connections returns the ConnectionManager for the heartbeat monitor.
func (s *Server) Connections() *ConnectionManager {
	return s.conns
}

// Shutdown performs a graceful shutdown: stop the HTTP listener, stop the
// event loop, clear roster entries and close all sockets.
func (s *Server) Shutdown() error {
	log.Println("bridge: shutting down...")

	close(s.done)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		log.Printf("bridge: http shutdown error: %v", err)
	}

	for _, c := range s.conns.All() {
		if s.roster != nil {
			remCtx, remCancel := context.WithTimeout(context.Background(), 2*time.Second)
			_ = s.roster.Remove(remCtx, c.ClientID)
			remCancel()
		}
		_ = s.poller.Remove(c.Conn)
		c.Close()
	}

	if s.poller != nil {
		_ = s.poller.Close()
	}

	log.Printf("bridge: stopped, all connections closed")
	return nil
}

// isEINTR checks for the interrupted-syscall error, which is expected during
// signal handling and should be retried.
func isEINTR(err error) bool {
	if err == nil {
		return false
	}
	return err.Error() == "interrupted system call" ||
		err.Error() == "errno 4"
}
