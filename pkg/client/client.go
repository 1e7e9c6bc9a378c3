// Package client talks to a running deployr agent over its HTTP API.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// ErrConflict is returned when the agent is already running a pipeline.
var ErrConflict = errors.New("installation already in progress")

// APIError is a non-2xx answer from the agent.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("HTTP %d", e.Status)
	}
	return fmt.Sprintf("API error (%d): %s", e.Status, e.Message)
}

func (e *APIError) Unwrap() error {
	if e.Status == http.StatusConflict {
		return ErrConflict
	}
	return nil
}

// Client provides HTTP client functionality to communicate with the agent
type Client struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

// Config holds client configuration
type Config struct {
	BaseURL string
	Timeout time.Duration
	Logger  *slog.Logger // Optional logger for client operations
}

// DefaultConfig returns default client configuration
func DefaultConfig() Config {
	return Config{
		BaseURL: "http://127.0.0.1:5000/api",
		Timeout: 10 * time.Second,
	}
}

// New creates a new agent API client
func New(config Config) *Client {
	def := DefaultConfig()
	if config.BaseURL == "" {
		config.BaseURL = def.BaseURL
	}
	if config.Timeout == 0 {
		config.Timeout = def.Timeout
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Client{
		baseURL: strings.TrimRight(config.BaseURL, "/"),
		logger:  config.Logger,
		client:  &http.Client{Timeout: config.Timeout},
	}
}

// IsReachable checks if the agent is running and reachable
func (c *Client) IsReachable(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/status", nil)
	if err != nil {
		return false
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Debug("Agent unreachable", "error", err)
		return false
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode != http.StatusNotFound
}

// Status returns services, versions and host figures.
func (c *Client) Status(ctx context.Context) (Status, error) {
	var out Status
	err := c.do(ctx, http.MethodGet, "/status", nil, &out)
	return out, err
}

// Start starts one service.
func (c *Client) Start(ctx context.Context, service string) (string, error) {
	var out OKResponse
	err := c.do(ctx, http.MethodPost, "/start/"+url.PathEscape(service), nil, &out)
	return out.Message, err
}

// Stop stops one service. Stopping a stopped service succeeds.
func (c *Client) Stop(ctx context.Context, service string) (string, error) {
	var out OKResponse
	err := c.do(ctx, http.MethodPost, "/stop/"+url.PathEscape(service), nil, &out)
	return out.Message, err
}

// Updates lists components with newer releases.
func (c *Client) Updates(ctx context.Context) (Updates, error) {
	var out Updates
	err := c.do(ctx, http.MethodGet, "/updates", nil, &out)
	return out, err
}

// StartInstall launches an install on the agent. Follow it with Progress.
func (c *Client) StartInstall(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/install/start", nil, nil)
}

// StartUpdate launches an update on the agent. Follow it with Progress.
func (c *Client) StartUpdate(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/update/start", nil, nil)
}

// StartSeed launches a named seed script on the agent. Follow it with Progress.
func (c *Client) StartSeed(ctx context.Context, name string) error {
	return c.do(ctx, http.MethodPost, "/seed/"+url.PathEscape(name), nil, nil)
}

// Progress returns the last progress report and up to lines recent log lines.
func (c *Client) Progress(ctx context.Context, lines int) (Progress, error) {
	var out Progress
	err := c.do(ctx, http.MethodGet, "/progress", query("lines", lines), &out)
	return out, err
}

// Logs returns the last lines of a service log.
func (c *Client) Logs(ctx context.Context, service string, lines int) ([]string, error) {
	var out struct {
		Lines []string `json:"lines"`
	}
	err := c.do(ctx, http.MethodGet, "/logs/"+url.PathEscape(service), query("lines", lines), &out)
	return out.Lines, err
}

// License returns the current license state. An invalid license is not an error.
func (c *Client) License(ctx context.Context) (License, error) {
	var out License
	err := c.do(ctx, http.MethodGet, "/license", nil, &out)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Status == http.StatusForbidden && out.Reason != "" {
		return out, nil
	}
	return out, err
}

// History returns the most recent lifecycle events, newest first.
func (c *Client) History(ctx context.Context, limit int) ([]Event, error) {
	var out []Event
	err := c.do(ctx, http.MethodGet, "/history", query("limit", limit), &out)
	return out, err
}

func query(key string, n int) url.Values {
	if n <= 0 {
		return nil
	}
	return url.Values{key: []string{strconv.Itoa(n)}}
}

// do performs the request and decodes a JSON body into out. The body is
// decoded for error statuses too, so callers can inspect partial answers.
func (c *Client) do(ctx context.Context, method, path string, q url.Values, out any) error {
	u := c.baseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Debug("HTTP request failed", "error", err, "url", u)
		return fmt.Errorf("do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out == nil || len(body) == 0 {
			return nil
		}
		if err := json.Unmarshal(body, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
		return nil
	}

	if out != nil {
		_ = json.Unmarshal(body, out)
	}
	var e ErrorResponse
	_ = json.Unmarshal(body, &e)
	c.logger.Debug("API request failed", "error", e.Error, "status", resp.StatusCode)
	return &APIError{Status: resp.StatusCode, Message: e.Error}
}
