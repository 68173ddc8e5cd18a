// Package client is a thin wrapper over strata's HTTP admin surface, for
// CLI and external-service use — the same role the teacher's pkg/client
// plays for warren's gRPC surface, adapted to a plain net/http + JSON
// client since strata's admin control-plane (pkg/api) is HTTP, not gRPC
// (see DESIGN.md for why the generated-gRPC path was dropped).
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Client wraps an HTTP connection to one strata instance's admin API.
type Client struct {
	baseURL string
	http    *http.Client
	token   string
}

// New returns a Client pointed at baseURL (e.g. "http://localhost:8080").
func New(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

// WithToken returns a copy of c that sends token as a bearer credential on
// every request.
func (c *Client) WithToken(token string) *Client {
	cp := *c
	cp.token = token
	return &cp
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("client: encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("client: build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("client: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		data, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("client: %s %s: status %d: %s", method, path, resp.StatusCode, string(data))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// Register calls POST /v1/auth/register.
func (c *Client) Register(ctx context.Context, email, username, password, firstName, lastName string) (map[string]any, error) {
	var out map[string]any
	err := c.do(ctx, http.MethodPost, "/v1/auth/register", map[string]string{
		"email": email, "username": username, "password": password,
		"first_name": firstName, "last_name": lastName,
	}, &out)
	return out, err
}

// Login calls POST /v1/auth/login.
func (c *Client) Login(ctx context.Context, username, password string) (map[string]any, error) {
	var out map[string]any
	err := c.do(ctx, http.MethodPost, "/v1/auth/login", map[string]string{
		"username": username, "password": password,
	}, &out)
	return out, err
}

// Scan calls GET /v1/tables/{table}/scan.
func (c *Client) Scan(ctx context.Context, table string) ([]map[string]any, error) {
	var out []map[string]any
	err := c.do(ctx, http.MethodGet, "/v1/tables/"+url.PathEscape(table)+"/scan", nil, &out)
	return out, err
}

// Query calls GET /v1/tables/{table}/query?where=....
func (c *Client) Query(ctx context.Context, table, whereClause string) ([]map[string]any, error) {
	var out []map[string]any
	path := "/v1/tables/" + url.PathEscape(table) + "/query?where=" + url.QueryEscape(whereClause)
	err := c.do(ctx, http.MethodGet, path, nil, &out)
	return out, err
}

// History calls GET /v1/tables/{table}/history?limit=....
func (c *Client) History(ctx context.Context, table string, limit int) ([]map[string]any, error) {
	var out []map[string]any
	path := "/v1/tables/" + url.PathEscape(table) + "/history?limit=" + strconv.Itoa(limit)
	err := c.do(ctx, http.MethodGet, path, nil, &out)
	return out, err
}

// ListTables calls GET /v1/tables.
func (c *Client) ListTables(ctx context.Context) ([]string, error) {
	var out []string
	err := c.do(ctx, http.MethodGet, "/v1/tables", nil, &out)
	return out, err
}

// RunMaintenance calls POST /v1/maintenance/run.
func (c *Client) RunMaintenance(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/v1/maintenance/run", map[string]string{}, nil)
}
