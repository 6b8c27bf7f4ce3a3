// Package adminclient is a thin HTTP client for the bridge's admin
// surface, used by cmd/bridgectl.
package adminclient

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/nativehost/automation-bridge/internal/admin"
	"github.com/nativehost/automation-bridge/internal/session"
)

type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

func New(baseURL, token string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    httpClient,
	}
}

func (c *Client) Status(ctx context.Context) (admin.Status, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/admin/status")
	if err != nil {
		return admin.Status{}, err
	}
	var out admin.Status
	if err := c.doJSON(req, &out); err != nil {
		return admin.Status{}, err
	}
	return out, nil
}

func (c *Client) ListSessions(ctx context.Context) ([]session.Snapshot, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/admin/sessions")
	if err != nil {
		return nil, err
	}
	var out []session.Snapshot
	if err := c.doJSON(req, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) DisconnectSession(ctx context.Context, id string) error {
	req, err := c.newRequest(ctx, http.MethodPost, "/admin/sessions/disconnect?id="+url.QueryEscape(id))
	if err != nil {
		return err
	}
	return c.doNoBody(req)
}

func (c *Client) newRequest(ctx context.Context, method, path string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	return req, nil
}

func (c *Client) doJSON(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("admin request failed: %s", resp.Status)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return err
	}
	return nil
}

func (c *Client) doNoBody(req *http.Request) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("admin request failed: %s", resp.Status)
	}
	return nil
}
