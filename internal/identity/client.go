package identity

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/oauth2/clientcredentials"

	"github.com/rangeops/rangehub/internal/config"
	"github.com/rangeops/rangehub/internal/domain"
)

// Client talks to the pandas admin API. Requests carry an OAuth2
// client-credentials token; the token source caches and refreshes it.
type Client struct {
	baseURL    string
	httpClient *http.Client
	probe      *http.Client
}

// NewClient builds a client from the identity section of the config.
func NewClient(cfg config.IdentityConfig) *Client {
	cc := &clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL:     cfg.TokenURL,
	}
	authed := cc.Client(context.Background())
	authed.Timeout = cfg.Timeout()
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: authed,
		probe:      &http.Client{Timeout: cfg.Timeout()},
	}
}

// IsConfigured returns true if a base URL is set.
func (c *Client) IsConfigured() bool {
	return c.baseURL != ""
}

// IsReachable probes the provider health endpoint without credentials.
// Sync ticks abort when the probe fails so rows keep their retry counts.
func (c *Client) IsReachable(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.probe.Do(req)
	if err != nil {
		return fmt.Errorf("identity provider unreachable: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= 400 {
		return fmt.Errorf("identity provider health returned %d", resp.StatusCode)
	}
	return nil
}

func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}) ([]byte, int, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, 0, err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", domain.ErrTransient, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("%w: read response: %v", domain.ErrTransient, err)
	}
	return respBody, resp.StatusCode, nil
}

// statusError maps a response status to the retry classification the sync
// worker acts on. 5xx is retried next tick, 4xx parks the row as failed.
func statusError(op string, status int, body []byte) error {
	if status < 400 {
		return nil
	}
	detail := strings.TrimSpace(string(body))
	if len(detail) > 200 {
		detail = detail[:200]
	}
	if status >= 500 {
		return fmt.Errorf("%w: %s returned %d: %s", domain.ErrTransient, op, status, detail)
	}
	return fmt.Errorf("%w: %s returned %d: %s", domain.ErrPermanent, op, status, detail)
}

// CreateUser provisions a login downstream. The endpoint is idempotent:
// creating an existing user with the same payload succeeds.
func (c *Client) CreateUser(ctx context.Context, username, password string) error {
	body, status, err := c.doRequest(ctx, http.MethodPost, "/api/users", map[string]string{
		"username": username,
		"password": password,
	})
	if err != nil {
		return err
	}
	return statusError("create user", status, body)
}

// UpdatePassword replaces the downstream password for username.
func (c *Client) UpdatePassword(ctx context.Context, username, password string) error {
	body, status, err := c.doRequest(ctx, http.MethodPut, "/api/users/"+url.PathEscape(username)+"/password", map[string]string{
		"password": password,
	})
	if err != nil {
		return err
	}
	return statusError("update password", status, body)
}

// DeleteUser removes the downstream login. Deleting an absent user
// succeeds; the queue may deliver the same delete twice.
func (c *Client) DeleteUser(ctx context.Context, username string) error {
	body, status, err := c.doRequest(ctx, http.MethodDelete, "/api/users/"+url.PathEscape(username), nil)
	if err != nil {
		return err
	}
	if status == http.StatusNotFound {
		return nil
	}
	return statusError("delete user", status, body)
}
