// Package history provides PostgreSQL-backed storage for chat messages plus
// the HTTP surface that serves conversation history and the user directory,
// and the client used by the admin console to consume that surface.
package history

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/mylb/messaging/internal/directory"
	"github.com/mylb/messaging/internal/wire"
)

// Store manages message history and the client directory in PostgreSQL.
type Store struct {
	db *sql.DB
}

// NewStore creates a store backed by the given database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// SaveMessage inserts one message and returns its server-assigned id.
// A duplicate client ref is ignored so a bridge retry cannot double-insert.
func (s *Store) SaveMessage(ctx context.Context, msg wire.Message) (int64, error) {
	const query = `
		INSERT INTO messages (ref, sender_id, receiver_id, content, sent_at, read)
		VALUES (NULLIF($1, ''), $2, $3, $4, $5, $6)
		ON CONFLICT (ref) DO NOTHING
		RETURNING id`

	var id int64
	err := s.db.QueryRowContext(ctx, query,
		msg.Ref, msg.From, msg.To, msg.Text, msg.SentAt, msg.Read,
	).Scan(&id)
	if err == sql.ErrNoRows {
		return 0, nil // duplicate ref, already stored
	}
	if err != nil {
		return 0, fmt.Errorf("history: insert message: %w", err)
	}
	return id, nil
}

// Conversation returns every message exchanged between the admin and one
// peer, in no guaranteed order (consumers sort).
func (s *Store) Conversation(ctx context.Context, adminID, peerID int64) ([]wire.Message, error) {
	const query = `
		SELECT id, COALESCE(ref, ''), sender_id, receiver_id, content, sent_at, read
		FROM messages
		WHERE (sender_id = $1 AND receiver_id = $2)
		   OR (sender_id = $2 AND receiver_id = $1)`

	rows, err := s.db.QueryContext(ctx, query, adminID, peerID)
	if err != nil {
		return nil, fmt.Errorf("history: query conversation: %w", err)
	}
	defer rows.Close()

	var msgs []wire.Message
	for rows.Next() {
		var m wire.Message
		if err := rows.Scan(&m.ID, &m.Ref, &m.From, &m.To, &m.Text, &m.SentAt, &m.Read); err != nil {
			return nil, fmt.Errorf("history: scan message: %w", err)
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("history: iterate conversation: %w", err)
	}
	return msgs, nil
}

// MarkConversationRead flags every unread message from the peer to the admin
// as read. Called when the admin opens the thread.
func (s *Store) MarkConversationRead(ctx context.Context, adminID, peerID int64) error {
	const query = `
		UPDATE messages SET read = TRUE
		WHERE sender_id = $1 AND receiver_id = $2 AND NOT read`

	if _, err := s.db.ExecContext(ctx, query, peerID, adminID); err != nil {
		return fmt.Errorf("history: mark read: %w", err)
	}
	return nil
}

// Previews returns one summary row per peer the admin has a thread with:
// the latest message and the count of unread peer-authored messages.
func (s *Store) Previews(ctx context.Context, adminID int64) ([]wire.Preview, error) {
	const query = `
		SELECT DISTINCT ON (peer_id)
		       peer_id, content, sent_at,
		       (SELECT COUNT(*) FROM messages u
		        WHERE u.sender_id = peer_id AND u.receiver_id = $1 AND NOT u.read)
		FROM (
			SELECT CASE WHEN sender_id = $1 THEN receiver_id ELSE sender_id END AS peer_id,
			       content, sent_at
			FROM messages
			WHERE sender_id = $1 OR receiver_id = $1
		) t
		ORDER BY peer_id, sent_at DESC`

	rows, err := s.db.QueryContext(ctx, query, adminID)
	if err != nil {
		return nil, fmt.Errorf("history: query previews: %w", err)
	}
	defer rows.Close()

	var previews []wire.Preview
	for rows.Next() {
		var p wire.Preview
		if err := rows.Scan(&p.PeerID, &p.LastText, &p.LastTime, &p.Unread); err != nil {
			return nil, fmt.Errorf("history: scan preview: %w", err)
		}
		previews = append(previews, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("history: iterate previews: %w", err)
	}
	return previews, nil
}

// Users returns the full client directory with verification flags.
func (s *Store) Users(ctx context.Context) ([]directory.User, error) {
	const query = `
		SELECT client_id, first_name, last_name, email,
		       email_verified, identity_verified, phone_verified
		FROM clients
		ORDER BY client_id`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("history: query clients: %w", err)
	}
	defer rows.Close()

	var users []directory.User
	for rows.Next() {
		var u directory.User
		if err := rows.Scan(&u.ClientID, &u.FirstName, &u.LastName, &u.Email,
			&u.EmailVerified, &u.IdentityVerified, &u.PhoneVerified); err != nil {
			return nil, fmt.Errorf("history: scan client: %w", err)
		}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("history: iterate clients: %w", err)
	}
	return users, nil
}
