package bridge

import (
	"log"
	"time"
)

// HeartbeatConfig holds heartbeat tuning parameters.
type HeartbeatConfig struct {
	Interval time.Duration // how often to ping (default: 30s)
	Timeout  time.Duration // max time to wait for activity after ping (default: 10s)
}

// DefaultHeartbeatConfig returns sensible defaults for heartbeat monitoring.
func DefaultHeartbeatConfig() HeartbeatConfig {
	return HeartbeatConfig{
		Interval: 30 * time.Second,
		Timeout:  10 * time.Second,
	}
}

// StartHeartbeat begins a background goroutine that periodically pings every
// client connection and evicts the ones that have gone quiet. An eviction
// goes through RemoveConnection, so the roster entry is cleared and the
// offline presence event reaches the admin console like any other
// disconnect. Evicting here matters for presence accuracy: a browser that
// vanished without a close frame would otherwise look online forever.
func StartHeartbeat(server *Server, config HeartbeatConfig) {
	go func() {
		ticker := time.NewTicker(config.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-server.done:
				return
			case <-ticker.C:
				checkConnections(server, config)
			}
		}
	}()
}

// checkConnections iterates over all active connections. Connections with no
// activity within Interval + Timeout are considered dead and removed. The
// rest receive a protocol-level ping frame, which browsers answer with a
// pong automatically.
func checkConnections(server *Server, config HeartbeatConfig) {
	deadline := config.Interval + config.Timeout
	now := time.Now()

	for _, c := range server.Connections().All() {
		if now.Sub(c.LastPing) > deadline {
			log.Printf("bridge: heartbeat timeout client=%d last_activity=%s ago",
				c.ClientID, now.Sub(c.LastPing).Round(time.Second))
			server.RemoveConnection(c)
			continue
		}

		if err := c.WritePing(); err != nil {
			log.Printf("bridge: heartbeat ping failed client=%d: %v", c.ClientID, err)
			server.RemoveConnection(c)
		}
	}
}
