// Package wire defines the canonical message schema exchanged between the
// bridge, the broker and the admin console, plus the normalizer that converts
// the legacy dual-shape payloads produced by older MyLB clients into that
// canonical form. The union shape never leaves this package.
package wire

import (
	"time"

	"github.com/google/uuid"
)

// Message is the canonical chat message. Every component past the transport
// boundary works with this type exclusively.
type Message struct {
	ID     int64     `json:"id,omitempty"`  // server-assigned, 0 until persisted
	Ref    string    `json:"ref,omitempty"` // client-generated uuid, carried through the echo
	From   int64     `json:"from"`          // sender client id
	To     int64     `json:"to"`            // receiver client id
	Text   string    `json:"text"`
	SentAt time.Time `json:"sent_at"`
	Read   bool      `json:"read"`
}

// PresenceEvent is the canonical payload on the user-status topic.
type PresenceEvent struct {
	ClientID int64 `json:"client_id"`
	Online   bool  `json:"online"`
}

// Preview is a per-peer conversation summary served by the history service
// for bootstrapping a console session.
type Preview struct {
	PeerID   int64     `json:"peerId"`
	LastText string    `json:"lastText"`
	LastTime time.Time `json:"lastTime"`
	Unread   int       `json:"unread"`
}

// NewMessage builds an outbound message with a fresh client ref and the
// current time. The ref is the idempotency key used to reconcile the local
// optimistic copy with the bridge's echo.
func NewMessage(from, to int64, text string) Message {
	return Message{
		Ref:    uuid.New().String(),
		From:   from,
		To:     to,
		Text:   text,
		SentAt: time.Now().UTC(),
	}
}
