package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/kimhsiao/tasksync/internal/logging"
	"github.com/kimhsiao/tasksync/internal/models"
)

// SessionHeader carries the session credential on every request.
const SessionHeader = "X-Session-ID"

// DefaultTimeout bounds each request when no timeout is configured.
const DefaultTimeout = 15 * time.Second

// maxErrorBody caps how much of an error response is kept.
const maxErrorBody = 512

// Client is the HTTP implementation of RecordService.
type Client struct {
	baseURL string
	http    *http.Client
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		if d > 0 {
			c.http.Timeout = d
		}
	}
}

// NewClient creates a client for the API rooted at baseURL.
func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: DefaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

var _ RecordService = (*Client)(nil)

// BaseURL returns the API root.
func (c *Client) BaseURL() string {
	return c.baseURL
}

func collectionPath(table models.Table) string {
	return "/api/" + string(table)
}

func itemPath(table models.Table, id int64) string {
	return collectionPath(table) + "/" + strconv.FormatInt(id, 10)
}

// Create implements RecordService.
func (c *Client) Create(ctx context.Context, auth string, table models.Table, fields models.Fields) (*models.Record, error) {
	var raw map[string]interface{}
	if err := c.do(ctx, http.MethodPost, collectionPath(table), auth, fields, &raw); err != nil {
		return nil, err
	}
	return models.DecodeServerRecord(table, raw)
}

// Update implements RecordService.
func (c *Client) Update(ctx context.Context, auth string, table models.Table, id int64, fields models.Fields) (*models.Record, error) {
	var raw map[string]interface{}
	if err := c.do(ctx, http.MethodPut, itemPath(table, id), auth, fields, &raw); err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return nil, nil
	}
	return models.DecodeServerRecord(table, raw)
}

// Delete implements RecordService. A 404 means the record is already gone.
func (c *Client) Delete(ctx context.Context, auth string, table models.Table, id int64) error {
	err := c.do(ctx, http.MethodDelete, itemPath(table, id), auth, nil, nil)
	if IsNotFound(err) {
		logging.Debug("Delete target already absent", map[string]interface{}{
			"table": string(table),
			"id":    id,
		})
		return nil
	}
	return err
}

// ListAll implements RecordService.
func (c *Client) ListAll(ctx context.Context, auth string, table models.Table) ([]*models.Record, error) {
	var raw []map[string]interface{}
	if err := c.do(ctx, http.MethodGet, collectionPath(table), auth, nil, &raw); err != nil {
		return nil, err
	}
	records := make([]*models.Record, 0, len(raw))
	for _, item := range raw {
		rec, err := models.DecodeServerRecord(table, item)
		if err != nil {
			return nil, fmt.Errorf("list %s: %w", table, err)
		}
		records = append(records, rec)
	}
	return records, nil
}

// CreateSession asks the server for a new session id.
func (c *Client) CreateSession(ctx context.Context) (string, error) {
	var resp struct {
		SessionID string `json:"session_id"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/session", "", nil, &resp); err != nil {
		return "", err
	}
	if resp.SessionID == "" {
		return "", fmt.Errorf("server returned an empty session id")
	}
	return resp.SessionID, nil
}

// Health checks that the API answers.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/health", "", nil, nil)
}

// do sends one request and decodes a JSON response into out when non-nil.
func (c *Client) do(ctx context.Context, method, path, auth string, body interface{}, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode %s %s: %w", method, path, err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build %s %s: %w", method, path, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if auth != "" {
		req.Header.Set(SessionHeader, auth)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &StatusError{
			Method:     method,
			Path:       path,
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(snippet)),
		}
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read %s %s: %w", method, path, err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}
