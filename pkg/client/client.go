// Package client provides the viewer-side HTTP client and the
// reconnecting event stream.
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
	"strings"
	"time"

	"github.com/kitbash/meshview/pkg/protocol"
)

// Client talks to a meshview server.
type Client struct {
	baseURL    string
	httpClient *http.Client
	// streamClient has no timeout: the event stream is long-lived.
	streamClient *http.Client
}

// Config holds client configuration.
type Config struct {
	BaseURL string
	Timeout time.Duration
}

// New creates a new client.
func New(cfg Config) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:    10,
		IdleConnTimeout: 90 * time.Second,
	}
	return &Client{
		baseURL:      strings.TrimSuffix(cfg.BaseURL, "/"),
		httpClient:   &http.Client{Timeout: cfg.Timeout, Transport: transport},
		streamClient: &http.Client{Timeout: 0, Transport: transport},
	}
}

// ListFiles fetches the current registry listing, newest-first.
func (c *Client) ListFiles(ctx context.Context) ([]protocol.FileInfo, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+"/api/files", nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("list files: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, c.errorFrom(resp)
	}
	var out protocol.FileListResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode file list: %w", err)
	}
	return out.Files, nil
}

// FetchContent downloads the raw bytes of the named file.
func (c *Client) FetchContent(ctx context.Context, name string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, "GET",
		c.baseURL+"/content/"+url.PathEscape(name), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, c.errorFrom(resp)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", name, err)
	}
	return data, nil
}

// Ping sends a liveness control message.
func (c *Client) Ping(ctx context.Context) error {
	return c.control(ctx, protocol.ControlPing)
}

// Quit requests graceful server shutdown.
func (c *Client) Quit(ctx context.Context) error {
	return c.control(ctx, protocol.ControlQuit)
}

func (c *Client) control(ctx context.Context, msgType string) error {
	body, _ := json.Marshal(protocol.ControlMessage{Type: msgType})
	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/events", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send %s: %w", msgType, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return c.errorFrom(resp)
	}
	return nil
}

func (c *Client) errorFrom(resp *http.Response) error {
	var e protocol.ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&e); err == nil && e.Error != "" {
		return fmt.Errorf("server: %s (%d)", e.Error, e.Code)
	}
	return fmt.Errorf("server returned %d", resp.StatusCode)
}
