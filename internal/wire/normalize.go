package wire

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// rawMessage mirrors every field name the legacy clients are known to emit.
// Older builds send {sendFrom, sendTo, message, date}; newer ones send
// {senderId, receiverId, content, timestamp}. Both are accepted here and
// nowhere else.
type rawMessage struct {
	ID         int64           `json:"id"`
	Ref        string          `json:"ref"`
	SendFrom   *int64          `json:"sendFrom"`
	SenderID   *int64          `json:"senderId"`
	From       *int64          `json:"from"`
	SendTo     *int64          `json:"sendTo"`
	ReceiverID *int64          `json:"receiverId"`
	To         *int64          `json:"to"`
	Message    *string         `json:"message"`
	Content    *string         `json:"content"`
	Text       *string         `json:"text"`
	Date       json.RawMessage `json:"date"`
	Timestamp  json.RawMessage `json:"timestamp"`
	SentAt     json.RawMessage `json:"sent_at"`
	Read       bool            `json:"read"`
}

// Normalize decodes raw payload bytes in any accepted shape into a canonical
// Message. Missing sender or empty text is an error; a missing date falls
// back to the current time so a sloppy client cannot wedge thread ordering.
func Normalize(data []byte) (Message, error) {
	var raw rawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return Message{}, fmt.Errorf("wire: decode message: %w", err)
	}

	from := firstInt(raw.SendFrom, raw.SenderID, raw.From)
	if from == nil {
		return Message{}, fmt.Errorf("wire: message has no sender field")
	}

	text := firstString(raw.Message, raw.Content, raw.Text)
	if text == nil || *text == "" {
		return Message{}, fmt.Errorf("wire: message has no content field")
	}

	msg := Message{
		ID:     raw.ID,
		Ref:    raw.Ref,
		From:   *from,
		Text:   *text,
		SentAt: parseTime(raw.Date, raw.Timestamp, raw.SentAt),
		Read:   raw.Read,
	}
	if to := firstInt(raw.SendTo, raw.ReceiverID, raw.To); to != nil {
		msg.To = *to
	}
	return msg, nil
}

// NormalizePresence decodes a presence payload in either field convention.
type rawPresence struct {
	ClientID *int64 `json:"clientId"`
	UserID   *int64 `json:"userId"`
	Client   *int64 `json:"client_id"`
	Online   *bool  `json:"online"`
	IsOnline *bool  `json:"isOnline"`
}

func NormalizePresence(data []byte) (PresenceEvent, error) {
	var raw rawPresence
	if err := json.Unmarshal(data, &raw); err != nil {
		return PresenceEvent{}, fmt.Errorf("wire: decode presence: %w", err)
	}

	id := firstInt(raw.ClientID, raw.UserID, raw.Client)
	if id == nil {
		return PresenceEvent{}, fmt.Errorf("wire: presence event has no client id")
	}

	online := false
	if raw.Online != nil {
		online = *raw.Online
	} else if raw.IsOnline != nil {
		online = *raw.IsOnline
	}
	return PresenceEvent{ClientID: *id, Online: online}, nil
}

func firstInt(vals ...*int64) *int64 {
	for _, v := range vals {
		if v != nil {
			return v
		}
	}
	return nil
}

func firstString(vals ...*string) *string {
	for _, v := range vals {
		if v != nil {
			return v
		}
	}
	return nil
}

// parseTime takes the first non-empty candidate and accepts either an
// RFC 3339 string or a unix timestamp (seconds or milliseconds).
func parseTime(candidates ...json.RawMessage) time.Time {
	for _, c := range candidates {
		if len(c) == 0 || string(c) == "null" {
			continue
		}

		var s string
		if err := json.Unmarshal(c, &s); err == nil {
			if t, err := time.Parse(time.RFC3339, s); err == nil {
				return t
			}
			if n, err := strconv.ParseInt(s, 10, 64); err == nil {
				return fromUnix(n)
			}
			continue
		}

		var n int64
		if err := json.Unmarshal(c, &n); err == nil {
			return fromUnix(n)
		}
	}
	return time.Now().UTC()
}

// fromUnix treats values past the year ~2286 cutoff as milliseconds.
func fromUnix(n int64) time.Time {
	if n > 1e12 {
		return time.UnixMilli(n).UTC()
	}
	return time.Unix(n, 0).UTC()
}
