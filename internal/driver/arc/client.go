package arc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// client speaks Arc's HTTP API
type client struct {
	baseURL  string
	database string
	token    string
	http     *http.Client
}

func newClient(baseURL, database, token string, timeout time.Duration, maxConns int) *client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.MaxIdleConnsPerHost = maxConns
	transport.MaxConnsPerHost = maxConns
	return &client{
		baseURL:  baseURL,
		database: database,
		token:    token,
		http:     &http.Client{Timeout: timeout, Transport: transport},
	}
}

// statusError is a non 2xx answer
type statusError struct {
	Status int
	Body   string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("arc: HTTP %d: %s", e.Status, e.Body)
}

func (c *client) do(ctx context.Context, method, path string, body []byte, headers map[string]string, out any) error {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &statusError{Status: resp.StatusCode, Body: string(msg)}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *client) postJSON(ctx context.Context, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return err
	}
	return c.do(ctx, http.MethodPost, path, body, map[string]string{"Content-Type": "application/json"}, out)
}

// write sends an encoded msgpack body
func (c *client) write(ctx context.Context, body []byte, contentEncoding string) error {
	headers := map[string]string{
		"Content-Type":   "application/msgpack",
		"x-arc-database": c.database,
	}
	if contentEncoding != "" {
		headers["Content-Encoding"] = contentEncoding
	}
	return c.do(ctx, http.MethodPost, "/api/v1/write/msgpack", body, headers, nil)
}

type queryRequest struct {
	SQL string `json:"sql"`
}

type queryResponse struct {
	Success  bool            `json:"success"`
	Columns  []string        `json:"columns"`
	Data     [][]interface{} `json:"data"`
	RowCount int             `json:"row_count"`
	Error    string          `json:"error,omitempty"`
}

func (c *client) query(ctx context.Context, sql string) (*queryResponse, error) {
	var resp queryResponse
	if err := c.postJSON(ctx, "/api/v1/query", queryRequest{SQL: sql}, &resp); err != nil {
		return nil, err
	}
	if !resp.Success {
		return nil, fmt.Errorf("arc: query failed: %s", resp.Error)
	}
	return &resp, nil
}

type deleteRequest struct {
	Database    string `json:"database"`
	Measurement string `json:"measurement"`
	Where       string `json:"where"`
	DryRun      bool   `json:"dry_run"`
	Confirm     bool   `json:"confirm"`
}

func (c *client) delete(ctx context.Context, measurement, where string) error {
	return c.postJSON(ctx, "/api/v1/delete", deleteRequest{
		Database:    c.database,
		Measurement: measurement,
		Where:       where,
		Confirm:     true,
	}, nil)
}

// createDatabase creates the target database. An existing one is fine.
func (c *client) createDatabase(ctx context.Context) error {
	err := c.postJSON(ctx, "/api/v1/databases", map[string]string{"name": c.database}, nil)
	var se *statusError
	if errors.As(err, &se) && se.Status == http.StatusConflict {
		return nil
	}
	return err
}

type measurementList struct {
	Measurements []struct {
		Name string `json:"name"`
	} `json:"measurements"`
}

// measurements lists the measurements of the target database. A missing
// database has none.
func (c *client) measurements(ctx context.Context) (map[string]bool, error) {
	var list measurementList
	err := c.do(ctx, http.MethodGet, "/api/v1/databases/"+url.PathEscape(c.database)+"/measurements", nil, nil, &list)
	var se *statusError
	if errors.As(err, &se) && se.Status == http.StatusNotFound {
		return map[string]bool{}, nil
	}
	if err != nil {
		return nil, err
	}
	out := make(map[string]bool, len(list.Measurements))
	for _, m := range list.Measurements {
		out[m.Name] = true
	}
	return out, nil
}
