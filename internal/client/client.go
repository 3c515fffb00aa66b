// Package client is the typed API client the CLI uses to talk to the
// shellgate server: login, identity/capability lookup, host listing, and
// the access-resolution query the session negotiator depends on.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shellgate/shellgate/internal/auth"
	"github.com/shellgate/shellgate/internal/relay"
)

// Client talks to one shellgate server with one session token.
type Client struct {
	BaseURL string
	Token   string

	HTTPClient *http.Client
}

// New creates a client for the given server base URL (e.g.
// "http://gate.internal:8000").
func New(baseURL, token string) *Client {
	return &Client{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		Token:      token,
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// AuthHeader returns the headers carrying the operator's ambient
// credential, for requests made outside this client (the relay dial).
func (c *Client) AuthHeader() http.Header {
	h := http.Header{}
	if c.Token != "" {
		h.Set("Cookie", auth.SessionCookie+"="+c.Token)
	}
	return h
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reqBody io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reqBody = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.Token != "" {
		req.AddCookie(&http.Cookie{Name: auth.SessionCookie, Value: c.Token})
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var apiErr struct {
			Detail string `json:"detail"`
		}
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Detail != "" {
			return &APIError{Status: resp.StatusCode, Detail: apiErr.Detail}
		}
		return &APIError{Status: resp.StatusCode, Detail: resp.Status}
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode %s response: %w", path, err)
		}
	}
	return nil
}

// APIError is a non-2xx server response.
type APIError struct {
	Status int
	Detail string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.Status, e.Detail)
}

// Login authenticates and returns the session token to persist.
func (c *Client) Login(ctx context.Context, username, password string) (string, error) {
	var resp struct {
		Token string `json:"token"`
	}
	err := c.do(ctx, http.MethodPost, "/api/v1/auth/login", map[string]string{
		"username": username,
		"password": password,
	}, &resp)
	if err != nil {
		return "", err
	}
	c.Token = resp.Token
	return resp.Token, nil
}

// Me fetches the operator's identity and capability snapshot. The caller
// holds the result as its authorization context for subsequent
// negotiations.
func (c *Client) Me(ctx context.Context) (relay.AuthorizationContext, error) {
	var resp struct {
		Username     string   `json:"username"`
		Role         string   `json:"role"`
		Capabilities []string `json:"capabilities"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v1/me", nil, &resp); err != nil {
		return relay.AuthorizationContext{}, err
	}
	return relay.AuthorizationContext{
		Username:     resp.Username,
		Role:         resp.Role,
		Capabilities: resp.Capabilities,
	}, nil
}

// Hosts lists the registered hosts.
func (c *Client) Hosts(ctx context.Context) ([]relay.Host, error) {
	var resp struct {
		Hosts []relay.Host `json:"hosts"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v1/hosts", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Hosts, nil
}

// HostByName finds one host by name or display name.
func (c *Client) HostByName(ctx context.Context, name string) (relay.Host, error) {
	hosts, err := c.Hosts(ctx)
	if err != nil {
		return relay.Host{}, err
	}
	for _, h := range hosts {
		if h.Name == name || h.DisplayName == name {
			return h, nil
		}
	}
	return relay.Host{}, fmt.Errorf("host %q not found", name)
}

// ResolveConnectUsers queries the access policy resolver for one host. It
// implements relay.Resolver.
func (c *Client) ResolveConnectUsers(ctx context.Context, hostID uint) (relay.AccessDecision, error) {
	var raw json.RawMessage
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/api/v1/hosts/%d/connect-users", hostID), nil, &raw); err != nil {
		return relay.AccessDecision{}, err
	}
	return decodeAccessDecision(raw)
}

// RelayURL builds the WebSocket URL for the connection-establishment
// endpoint.
func (c *Client) RelayURL(hostID uint, connectUser string) string {
	scheme := "ws"
	if strings.HasPrefix(c.BaseURL, "https://") {
		scheme = "wss"
	}
	base := strings.TrimPrefix(strings.TrimPrefix(c.BaseURL, "https://"), "http://")
	return fmt.Sprintf("%s://%s/api/v1/relay/%d?user=%s", scheme, base, hostID, url.QueryEscape(connectUser))
}

// decodeAccessDecision is the one total mapping from the resolver's wire
// shape to the canonical decision. Older servers spelled the list
// "connect_user" and omitted "allowed"; every variant is normalized here so
// nothing downstream ever branches on field names. The decision invariant
// (allowed implies a non-empty list) is enforced on the way in.
func decodeAccessDecision(raw []byte) (relay.AccessDecision, error) {
	var wire struct {
		Allowed      *bool    `json:"allowed"`
		ConnectUsers []string `json:"connect_users"`
		// Legacy spellings.
		ConnectUserList []string `json:"connect_user"`
	}
	if err := json.Unmarshal(raw, &wire); err != nil {
		return relay.AccessDecision{}, fmt.Errorf("decode access decision: %w", err)
	}

	users := wire.ConnectUsers
	if users == nil {
		users = wire.ConnectUserList
	}

	allowed := len(users) > 0
	if wire.Allowed != nil {
		allowed = *wire.Allowed
	}

	return relay.AccessDecision{Allowed: allowed, ConnectUsers: users}.Normalize(), nil
}
