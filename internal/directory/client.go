// Package directory resolves client identities (display name, email, KYC
// verification flags) from the MyLB user directory endpoint. Results are held
// in an explicit TTL cache owned by the client instance.
package directory

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"
)

// User is one record from the directory endpoint.
type User struct {
	ClientID         int64  `json:"clientId"`
	FirstName        string `json:"firstName"`
	LastName         string `json:"lastName"`
	Email            string `json:"email"`
	EmailVerified    bool   `json:"emailVerified"`
	IdentityVerified bool   `json:"identityVerified"`
	PhoneVerified    bool   `json:"phoneVerified"`
}

// DisplayName returns "First Last", falling back to the email when both
// name parts are empty.
func (u User) DisplayName() string {
	name := strings.TrimSpace(u.FirstName + " " + u.LastName)
	if name == "" {
		return u.Email
	}
	return name
}

// DefaultCacheTTL is how long a directory snapshot stays fresh.
const DefaultCacheTTL = 5 * time.Minute

// Client fetches the user directory over HTTP and caches the snapshot.
type Client struct {
	baseURL string
	http    *http.Client
	ttl     time.Duration

	mu        sync.Mutex
	byID      map[int64]User
	fetchedAt time.Time
}

// NewClient creates a directory client for the given base URL, e.g.
// "http://localhost:8081".
func NewClient(baseURL string, ttl time.Duration) *Client {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 10 * time.Second},
		ttl:     ttl,
		byID:    make(map[int64]User),
	}
}

// Lookup returns the user record for a client id, refreshing the cache if it
// is stale or the id is unknown. A lookup that misses even after a refresh
// returns ok=false with no error.
func (c *Client) Lookup(ctx context.Context, clientID int64) (User, bool, error) {
	c.mu.Lock()
	user, ok := c.byID[clientID]
	fresh := time.Since(c.fetchedAt) < c.ttl
	c.mu.Unlock()

	if ok && fresh {
		return user, true, nil
	}

	if err := c.Refresh(ctx); err != nil {
		if ok {
			// Serve the stale record rather than nothing.
			return user, true, nil
		}
		return User{}, false, err
	}

	c.mu.Lock()
	user, ok = c.byID[clientID]
	c.mu.Unlock()
	return user, ok, nil
}

// All returns the cached directory snapshot, refreshing it if stale.
func (c *Client) All(ctx context.Context) ([]User, error) {
	c.mu.Lock()
	fresh := time.Since(c.fetchedAt) < c.ttl && len(c.byID) > 0
	c.mu.Unlock()

	if !fresh {
		if err := c.Refresh(ctx); err != nil {
			return nil, err
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]User, 0, len(c.byID))
	for _, u := range c.byID {
		out = append(out, u)
	}
	return out, nil
}

// Refresh fetches the directory unconditionally and replaces the cache.
func (c *Client) Refresh(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/users", nil)
	if err != nil {
		return fmt.Errorf("directory: build request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("directory: fetch users: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("directory: fetch users: unexpected status %d", resp.StatusCode)
	}

	var users []User
	if err := json.NewDecoder(resp.Body).Decode(&users); err != nil {
		return fmt.Errorf("directory: decode users: %w", err)
	}

	byID := make(map[int64]User, len(users))
	for _, u := range users {
		byID[u.ClientID] = u
	}

	c.mu.Lock()
	c.byID = byID
	c.fetchedAt = time.Now()
	c.mu.Unlock()
	return nil
}
