package reader

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/pithecene-io/treesync/iox"
	"github.com/pithecene-io/treesync/metrics"
	"github.com/pithecene-io/treesync/types"
)

// ErrNotFound is returned when the relay has no such record.
var ErrNotFound = errors.New("not found")

// Client reads from a relay's HTTP API.
type Client struct {
	base string
	http *http.Client
}

// NewClient creates a client for the relay at base, e.g. http://localhost:8080.
func NewClient(base string, timeout time.Duration) (*Client, error) {
	u, err := url.Parse(base)
	if err != nil || u.Host == "" {
		return nil, fmt.Errorf("invalid server URL %q", base)
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		base: strings.TrimRight(base, "/"),
		http: &http.Client{Timeout: timeout},
	}, nil
}

// Conversation fetches the authoritative view of a conversation.
func (c *Client) Conversation(ctx context.Context, id string) (*types.ConversationView, error) {
	var v types.ConversationView
	if err := c.get(ctx, "/conversations/"+url.PathEscape(id), &v); err != nil {
		return nil, err
	}
	return &v, nil
}

// Conversations lists the most recently updated conversations.
func (c *Client) Conversations(ctx context.Context, limit int) ([]types.ConversationView, error) {
	var out []types.ConversationView
	if err := c.get(ctx, "/conversations?limit="+strconv.Itoa(limit), &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Metrics fetches the relay's counters.
func (c *Client) Metrics(ctx context.Context) (*metrics.Snapshot, error) {
	var s metrics.Snapshot
	if err := c.get(ctx, "/metrics", &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// CompleteNode marks an unlocked node of the conversation's objective as
// completed. The relay broadcasts the change to subscribers.
func (c *Client) CompleteNode(ctx context.Context, conversationID, nodeID string) error {
	path := "/conversations/" + url.PathEscape(conversationID) + "/objective/nodes/" + url.PathEscape(nodeID) + "/complete"
	return c.do(ctx, http.MethodPost, path, nil)
}

func (c *Client) get(ctx context.Context, path string, v any) error {
	return c.do(ctx, http.MethodGet, path, v)
}

func (c *Client) do(ctx context.Context, method, path string, v any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer iox.DrainClose(resp.Body)

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return ErrNotFound
	case resp.StatusCode != http.StatusOK:
		var body struct {
			Error string `json:"error"`
		}
		if json.NewDecoder(resp.Body).Decode(&body) == nil && body.Error != "" {
			return fmt.Errorf("%s %s: %s (status %d)", method, path, body.Error, resp.StatusCode)
		}
		return fmt.Errorf("%s %s: unexpected status %d", method, path, resp.StatusCode)
	}
	if v == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("%s %s: decode: %w", method, path, err)
	}
	return nil
}
