// Package client talks to the panelplugd control API. The CLI uses it to
// manage the items of a running panel.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client talks to panelplugd over a unix socket.
type Client struct {
	httpClient *http.Client
	baseURL    string
}

// New creates a client connected to the panelplugd unix socket at socketPath.
func New(socketPath string) *Client {
	return &Client{
		httpClient: &http.Client{
			Transport: &http.Transport{
				DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
					var d net.Dialer
					d.Timeout = 5 * time.Second
					return d.DialContext(ctx, "unix", socketPath)
				},
			},
		},
		baseURL: "http://panelplug",
	}
}

// --- Daemon ---

// Status returns the daemon status.
func (c *Client) Status(ctx context.Context) (*Status, error) {
	var out Status
	if err := c.doJSON(ctx, "GET", "/v1/status", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Plugins returns the installed plugin descriptors.
func (c *Client) Plugins(ctx context.Context) ([]Plugin, error) {
	var out []Plugin
	if err := c.doJSON(ctx, "GET", "/v1/plugins", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// SetPanel broadcasts a panel size or screen position change.
func (c *Client) SetPanel(ctx context.Context, req PanelRequest) error {
	return c.doJSON(ctx, "POST", "/v1/panel", req, nil)
}

// SaveAll asks every item to save its settings.
func (c *Client) SaveAll(ctx context.Context) error {
	return c.doJSON(ctx, "POST", "/v1/save", nil, nil)
}

// --- Items ---

// ListItems returns the items on the panel.
func (c *Client) ListItems(ctx context.Context) ([]Item, error) {
	var out []Item
	if err := c.doJSON(ctx, "GET", "/v1/items", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetItem returns a single item.
func (c *Client) GetItem(ctx context.Context, id string) (*Item, error) {
	var out Item
	if err := c.doJSON(ctx, "GET", itemPath(id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CreateItem adds an item of a plugin to the panel.
func (c *Client) CreateItem(ctx context.Context, req CreateItemRequest) (*Item, error) {
	var out Item
	if err := c.doJSON(ctx, "POST", "/v1/items", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// FreeItem removes an item without asking the plugin.
func (c *Client) FreeItem(ctx context.Context, id string) error {
	return c.doJSON(ctx, "DELETE", itemPath(id), nil, nil)
}

// RequestRemove asks the plugin to remove its item. The plugin may decline.
func (c *Client) RequestRemove(ctx context.Context, id string) error {
	return c.doJSON(ctx, "POST", itemPath(id)+"/remove", nil, nil)
}

// Configure asks the plugin to show its configuration.
func (c *Client) Configure(ctx context.Context, id string) error {
	return c.doJSON(ctx, "POST", itemPath(id)+"/configure", nil, nil)
}

// SaveItem asks a single item to save its settings.
func (c *Client) SaveItem(ctx context.Context, id string) error {
	return c.doJSON(ctx, "POST", itemPath(id)+"/save", nil, nil)
}

// Logs returns the log of an item. A positive tail keeps only the last
// tail entries.
func (c *Client) Logs(ctx context.Context, id string, since time.Time, tail int) ([]LogEntry, error) {
	params := url.Values{}
	if !since.IsZero() {
		params.Set("since", since.Format(time.RFC3339Nano))
	}
	if tail > 0 {
		params.Set("tail", strconv.Itoa(tail))
	}
	path := itemPath(id) + "/logs"
	if len(params) > 0 {
		path += "?" + params.Encode()
	}
	resp, err := c.doRaw(ctx, "GET", path, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var out []LogEntry
	dec := json.NewDecoder(resp.Body)
	for dec.More() {
		var e LogEntry
		if err := dec.Decode(&e); err != nil {
			return out, fmt.Errorf("decode log entry: %w", err)
		}
		out = append(out, e)
	}
	return out, nil
}

func itemPath(id string) string {
	return "/v1/items/" + url.PathEscape(id)
}

// --- Internal helpers ---

// doJSON makes a JSON request and decodes the JSON response into result.
// If body is non-nil, it's encoded as JSON. If result is nil, the response body is discarded.
func (c *Client) doJSON(ctx context.Context, method, path string, body interface{}, result interface{}) error {
	resp, err := c.doRaw(ctx, method, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if result == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(result)
}

// doRaw makes an HTTP request and returns the raw response.
// Caller is responsible for closing resp.Body.
func (c *Client) doRaw(ctx context.Context, method, path string, body interface{}) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request %s %s: %w", method, path, err)
	}

	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		return nil, parseError(resp)
	}
	return resp, nil
}

// parseError reads an error response body and returns an APIError.
func parseError(resp *http.Response) error {
	var errResp struct {
		Error string `json:"error"`
	}
	data, _ := io.ReadAll(resp.Body)
	if json.Unmarshal(data, &errResp) == nil && errResp.Error != "" {
		return &APIError{StatusCode: resp.StatusCode, Message: errResp.Error}
	}
	return &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(data))}
}
