package bridge

import (
	"context"
	"encoding/json"
	"log"
	"strconv"
	"time"

	"github.com/mylb/messaging/internal/metrics"
	"github.com/mylb/messaging/internal/ratelimit"
	"github.com/mylb/messaging/internal/wire"
)

// handleClientMessage processes a payload read from a client socket: it is
// normalized, validated, rate limited, persisted, then published on the
// admin inbox subject. The sender field is forced to the connection's
// identity so clients cannot spoof messages for other users.
func (s *Server) handleClientMessage(c *Connection, data []byte) {
	msg, err := wire.Normalize(data)
	if err != nil {
		log.Printf("bridge: malformed payload from client %d: %v", c.ClientID, err)
		metrics.MessagesTotal.WithLabelValues("dropped").Inc()
		return
	}

	msg.From = c.ClientID
	msg.To = s.config.AdminID
	if msg.SentAt.IsZero() {
		msg.SentAt = time.Now()
	}

	if err := wire.ValidateText(msg.Text); err != nil {
		log.Printf("bridge: invalid message from client %d: %v", c.ClientID, err)
		metrics.MessagesTotal.WithLabelValues("dropped").Inc()
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if s.limiter != nil {
		key := strconv.FormatInt(c.ClientID, 10)
		allowed, err := s.limiter.Allow(ctx, key, ratelimit.RuleMessage)
		if err != nil {
			log.Printf("bridge: rate limit check for client %d: %v", c.ClientID, err)
		}
		if !allowed {
			metrics.RateLimitedTotal.WithLabelValues("message").Inc()
			metrics.MessagesTotal.WithLabelValues("dropped").Inc()
			return
		}
	}

	if s.sink != nil {
		if _, err := s.sink.SaveMessage(ctx, msg); err != nil {
			log.Printf("bridge: persist message from client %d: %v", c.ClientID, err)
			// Still relay: losing history beats losing the message.
		}
	}

	if err := s.broker.PublishAdminInbox(s.config.AdminID, msg); err != nil {
		log.Printf("bridge: publish to admin inbox: %v", err)
		metrics.MessagesTotal.WithLabelValues("dropped").Inc()
		return
	}
	metrics.MessagesTotal.WithLabelValues("to_admin").Inc()
}

// HandleFromAdmin consumes messages published by the admin console. The
// message is persisted, forwarded to the target client's socket when one is
// connected, and echoed back on the admin inbox so every open admin console
// observes the send. The ref travels unchanged, which is what lets the
// originating console recognize its own echo.
func (s *Server) HandleFromAdmin(data []byte) {
	msg, err := wire.Normalize(data)
	if err != nil {
		log.Printf("bridge: malformed from-admin payload: %v", err)
		metrics.MessagesTotal.WithLabelValues("dropped").Inc()
		return
	}
	if msg.To <= 0 {
		log.Printf("bridge: from-admin message without target")
		metrics.MessagesTotal.WithLabelValues("dropped").Inc()
		return
	}
	if msg.SentAt.IsZero() {
		msg.SentAt = time.Now()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if s.sink != nil {
		if _, err := s.sink.SaveMessage(ctx, msg); err != nil {
			log.Printf("bridge: persist from-admin message to client %d: %v", msg.To, err)
		}
	}

	if c := s.conns.GetByClient(msg.To); c != nil {
		payload, err := json.Marshal(msg)
		if err != nil {
			log.Printf("bridge: marshal from-admin message: %v", err)
		} else if err := c.WriteMessage(payload, s.config.WriteTimeout); err != nil {
			log.Printf("bridge: deliver to client %d: %v", msg.To, err)
			s.RemoveConnection(c)
		}
	}

	if err := s.broker.PublishAdminInbox(s.config.AdminID, msg); err != nil {
		log.Printf("bridge: echo to admin inbox: %v", err)
	}
	metrics.MessagesTotal.WithLabelValues("from_admin").Inc()
}
