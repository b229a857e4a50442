// Package client is a Go client for the jobkernel HTTP API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/3leaps/jobkernel/pkg/lifecycle"
)

// DefaultBaseURL matches the server's default listen address.
const DefaultBaseURL = "http://localhost:8080"

// ErrNotFound is matched by APIErrors with code NOT_FOUND.
var ErrNotFound = errors.New("job not found")

// APIError is a non-2xx response from the server.
type APIError struct {
	StatusCode int            `json:"-"`
	Code       string         `json:"code"`
	Message    string         `json:"message"`
	Details    map[string]any `json:"details,omitempty"`
	RequestID  string         `json:"request_id,omitempty"`
}

func (e *APIError) Error() string {
	if e.RequestID != "" {
		return fmt.Sprintf("%s (%d): %s [request_id=%s]", e.Code, e.StatusCode, e.Message, e.RequestID)
	}
	return fmt.Sprintf("%s (%d): %s", e.Code, e.StatusCode, e.Message)
}

func (e *APIError) Is(target error) bool {
	return target == ErrNotFound && e.Code == "NOT_FOUND"
}

// Submission is the body of a create request.
type Submission struct {
	Name    string            `json:"name"`
	Labels  map[string]string `json:"labels,omitempty"`
	Program string            `json:"program,omitempty"`
}

// Created acknowledges a submission.
type Created struct {
	JobID     string    `json:"job_id"`
	State     string    `json:"state"`
	CreatedAt time.Time `json:"created_at"`
}

// Status is a job's progress snapshot.
type Status struct {
	JobID           string    `json:"job_id"`
	Name            string    `json:"name"`
	State           string    `json:"state"`
	Stage           string    `json:"stage"`
	Progress        float64   `json:"progress"`
	Message         string    `json:"message"`
	ErrorCode       string    `json:"error_code,omitempty"`
	ErrorSummary    string    `json:"error_summary,omitempty"`
	ErrorDetailsRef string    `json:"error_details_ref,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Results is a job's outcome.
type Results struct {
	JobID           string            `json:"job_id"`
	State           string            `json:"state"`
	Counts          map[string]int64  `json:"counts"`
	Metadata        map[string]string `json:"metadata"`
	ErrorCode       string            `json:"error_code,omitempty"`
	ErrorSummary    string            `json:"error_summary,omitempty"`
	ErrorDetailsRef string            `json:"error_details_ref,omitempty"`
	CompletedAt     *time.Time        `json:"completed_at,omitempty"`
}

// ListOptions filters List. Zero values are omitted.
type ListOptions struct {
	State string
	Name  string
	Limit int
}

// Client talks to one jobkernel server.
type Client struct {
	baseURL string
	http    *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// New creates a client for baseURL. Empty means DefaultBaseURL.
func New(baseURL string, opts ...Option) (*Client, error) {
	baseURL = strings.TrimSpace(baseURL)
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse server url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("server url %q must use http or https", baseURL)
	}

	c := &Client{
		baseURL: strings.TrimRight(u.String(), "/"),
		http:    &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// BaseURL returns the normalized server URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Submit creates a job.
func (c *Client) Submit(ctx context.Context, s Submission) (Created, error) {
	var out Created
	err := c.do(ctx, http.MethodPost, "/v1/jobs", s, &out)
	return out, err
}

// Status fetches a job's progress.
func (c *Client) Status(ctx context.Context, jobID string) (Status, error) {
	var out Status
	err := c.do(ctx, http.MethodGet, jobPath(jobID, ""), nil, &out)
	return out, err
}

// Cancel requests cancellation and reports whether it took effect.
func (c *Client) Cancel(ctx context.Context, jobID string) (bool, error) {
	var out struct {
		Accepted bool `json:"accepted"`
	}
	err := c.do(ctx, http.MethodPost, jobPath(jobID, "/cancel"), nil, &out)
	return out.Accepted, err
}

// Results fetches a job's outcome.
func (c *Client) Results(ctx context.Context, jobID string) (Results, error) {
	var out Results
	err := c.do(ctx, http.MethodGet, jobPath(jobID, "/results"), nil, &out)
	return out, err
}

// List returns jobs newest first.
func (c *Client) List(ctx context.Context, opts ListOptions) ([]Status, error) {
	q := url.Values{}
	if opts.State != "" {
		q.Set("state", opts.State)
	}
	if opts.Name != "" {
		q.Set("name", opts.Name)
	}
	if opts.Limit > 0 {
		q.Set("limit", strconv.Itoa(opts.Limit))
	}
	path := "/v1/jobs"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var out struct {
		Jobs []Status `json:"jobs"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Jobs, nil
}

// Wait polls Status until the job is terminal or ctx ends.
func (c *Client) Wait(ctx context.Context, jobID string, interval time.Duration) (Status, error) {
	if interval <= 0 {
		interval = 250 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		st, err := c.Status(ctx, jobID)
		if err != nil {
			return st, err
		}
		if s, err := lifecycle.ParseState(st.State); err == nil && s.IsTerminal() {
			return st, nil
		}
		select {
		case <-ctx.Done():
			return st, ctx.Err()
		case <-ticker.C:
		}
	}
}

func jobPath(jobID, suffix string) string {
	return "/v1/jobs/" + url.PathEscape(jobID) + suffix
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", uuid.NewString())
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		var envelope struct {
			Error *APIError `json:"error"`
		}
		envelope.Error = apiErr
		if jsonErr := json.Unmarshal(data, &envelope); jsonErr != nil || apiErr.Code == "" {
			apiErr.Code = http.StatusText(resp.StatusCode)
			apiErr.Message = strings.TrimSpace(string(data))
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
