// Package waveline provides a Go client for the Waveline one-to-one chat
// service: an HTTP client for history and profile endpoints, a realtime
// channel, and a conversation synchronization engine that merges both into
// a consistent local read model.
//
// Example:
//
//	client := waveline.NewClient("wl-token-...",
//		waveline.WithBaseURL("https://chat.example.com"))
//
//	rt := client.Realtime(waveline.RealtimeConfig{})
//	if err := rt.Connect(ctx); err != nil {
//		return err
//	}
//
//	eng := waveline.NewEngine(rt, client, waveline.EngineConfig{SelfID: me})
//	defer eng.Close()
//	off := eng.OnUpdate(func(s waveline.Snapshot) { render(s) })
//	defer off()
//	eng.Open(peerID)
package waveline

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const (
	DefaultBaseURL = "http://localhost:5000"
	DefaultTimeout = 30 * time.Second
)

// ============================================================================
// Client
// ============================================================================

// Client is the HTTP client for the Waveline REST endpoints. It implements
// HistoryFetcher, so it plugs straight into an Engine.
type Client struct {
	token      string
	baseURL    string
	httpClient *http.Client
	log        zerolog.Logger
}

type ClientOption func(*Client)

func WithBaseURL(u string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

func WithLogger(log zerolog.Logger) ClientOption {
	return func(c *Client) { c.log = log }
}

// NewClient creates a new Waveline client. token is the session bearer
// token obtained at login.
func NewClient(token string, opts ...ClientOption) *Client {
	c := &Client{
		token:   token,
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		log: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetToken sets or updates the session token.
func (c *Client) SetToken(token string) {
	c.token = token
}

// Realtime builds a realtime channel against the same host with the same
// credentials.
func (c *Client) Realtime(cfg RealtimeConfig) *RealtimeClient {
	if cfg.Token == "" {
		cfg.Token = c.token
	}
	return NewRealtime(c.baseURL, &cfg)
}

// ============================================================================
// Internal request helper
// ============================================================================

func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}, query map[string]string) ([]byte, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		params := url.Values{}
		for k, v := range query {
			params.Set(k, v)
		}
		u += "?" + params.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = strings.NewReader(string(b))
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{Code: strconv.Itoa(resp.StatusCode)}
		var wire struct {
			Error   string `json:"error"`
			Message string `json:"message"`
		}
		if json.Unmarshal(data, &wire) == nil {
			if wire.Error != "" {
				apiErr.Message = wire.Error
			} else {
				apiErr.Message = wire.Message
			}
		}
		if apiErr.Message == "" {
			apiErr.Message = http.StatusText(resp.StatusCode)
		}
		return nil, apiErr
	}
	return data, nil
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}

// ============================================================================
// History and conversations
// ============================================================================

// Messages fetches one page of conversation history with the given peer,
// newest first. Offset counts back from the newest message. Reply previews
// come pre-resolved by the server.
func (c *Client) Messages(ctx context.Context, peer UserID, limit, offset int) ([]Message, error) {
	query := map[string]string{}
	if limit > 0 {
		query["limit"] = strconv.Itoa(limit)
	}
	if offset > 0 {
		query["offset"] = strconv.Itoa(offset)
	}
	data, err := c.doRequest(ctx, "GET", fmt.Sprintf("/messages/%d", peer), nil, query)
	if err != nil {
		return nil, err
	}
	result, err := decodeJSON[[]Message](data)
	if err != nil {
		return nil, err
	}
	return *result, nil
}

// FetchMessages implements HistoryFetcher.
func (c *Client) FetchMessages(ctx context.Context, peer UserID, limit, offset int) ([]Message, error) {
	return c.Messages(ctx, peer, limit, offset)
}

// LatestMessages returns the conversation list feed: one row per peer with
// the latest message and the unread count.
func (c *Client) LatestMessages(ctx context.Context) ([]ConversationSummary, error) {
	data, err := c.doRequest(ctx, "GET", "/latest-messages", nil, nil)
	if err != nil {
		return nil, err
	}
	result, err := decodeJSON[[]ConversationSummary](data)
	if err != nil {
		return nil, err
	}
	return *result, nil
}

// ============================================================================
// Users
// ============================================================================

// User fetches a user's profile.
func (c *Client) User(ctx context.Context, id UserID) (*UserInfo, error) {
	data, err := c.doRequest(ctx, "GET", fmt.Sprintf("/users/%d", id), nil, nil)
	if err != nil {
		return nil, err
	}
	return decodeJSON[UserInfo](data)
}

// OnlineUsers returns the server's current presence snapshot. Live updates
// arrive over the realtime channel; this endpoint serves cold starts.
func (c *Client) OnlineUsers(ctx context.Context) ([]UserID, error) {
	data, err := c.doRequest(ctx, "GET", "/online-users", nil, nil)
	if err != nil {
		return nil, err
	}
	result, err := decodeJSON[OnlineUsersPayload](data)
	if err != nil {
		return nil, err
	}
	return result.OnlineUsers, nil
}

// Users lists all known users.
func (c *Client) Users(ctx context.Context) ([]UserInfo, error) {
	data, err := c.doRequest(ctx, "GET", "/users", nil, nil)
	if err != nil {
		return nil, err
	}
	result, err := decodeJSON[[]UserInfo](data)
	if err != nil {
		return nil, err
	}
	return *result, nil
}
