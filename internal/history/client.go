package history

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"

	"github.com/mylb/messaging/internal/wire"
)

// Client consumes the history REST endpoints from the admin console. It
// normalizes each record at the boundary, so malformed rows are logged and
// skipped rather than failing the whole thread.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a history client for the given base URL.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{},
	}
}

// History fetches the full conversation with one peer. No pagination
// parameters are sent; the endpoint returns the whole thread.
func (c *Client) History(ctx context.Context, peerID int64) ([]wire.Message, error) {
	url := fmt.Sprintf("%s/conversation/admin/%d", c.baseURL, peerID)
	var raws []json.RawMessage
	if err := c.getJSON(ctx, url, &raws); err != nil {
		return nil, err
	}

	msgs := make([]wire.Message, 0, len(raws))
	for _, raw := range raws {
		msg, err := wire.Normalize(raw)
		if err != nil {
			log.Printf("[history] skipping malformed record for peer %d: %v", peerID, err)
			continue
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

// MarkRead flags the peer's messages as read server-side.
func (c *Client) MarkRead(ctx context.Context, peerID int64) error {
	url := fmt.Sprintf("%s/conversation/admin/%d/read", c.baseURL, peerID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return fmt.Errorf("history: build request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("history: mark read: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusOK {
		return fmt.Errorf("history: mark read: unexpected status %d", resp.StatusCode)
	}
	return nil
}

// Previews fetches the per-peer conversation summaries for bootstrap.
func (c *Client) Previews(ctx context.Context) ([]wire.Preview, error) {
	var previews []wire.Preview
	if err := c.getJSON(ctx, c.baseURL+"/conversation/admin", &previews); err != nil {
		return nil, err
	}
	return previews, nil
}

func (c *Client) getJSON(ctx context.Context, url string, v interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("history: build request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("history: get %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("history: get %s: unexpected status %d", url, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("history: decode %s: %w", url, err)
	}
	return nil
}
