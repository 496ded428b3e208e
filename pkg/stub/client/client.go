// Package client is the Go SDK test suites use to drive a running stub
// server: stage fixtures, read back the requests the system under test sent,
// trigger callbacks, and wait for readiness before the suite starts.
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

	"github.com/fixturelab/stub_server/pkg/stub/fixture"
	"github.com/fixturelab/stub_server/pkg/stub/problem"
	"github.com/fixturelab/stub_server/pkg/stub/recorder"
)

const (
	defaultTimeout    = 10 * time.Second
	waitReadyInterval = 50 * time.Millisecond

	// problem documents are small; cap the decode in case something else
	// answered on the port.
	maxErrorBody = 64 << 10
)

// Option customises a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.hc = hc
		}
	}
}

// WithToken attaches a bearer token to control API calls, required when the
// client is not on the stub server's loopback.
func WithToken(token string) Option {
	return func(c *Client) {
		c.token = strings.TrimSpace(token)
	}
}

// Client drives one stub server instance over its control API.
type Client struct {
	baseURL *url.URL
	token   string
	hc      *http.Client
}

// New validates baseURL and returns a Client for the instance behind it.
func New(baseURL string, opts ...Option) (*Client, error) {
	trimmed := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if trimmed == "" {
		return nil, errors.New("client: base URL required")
	}
	parsed, err := url.Parse(trimmed)
	if err != nil {
		return nil, fmt.Errorf("client: parse base URL: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("client: base URL %q must be absolute", baseURL)
	}

	c := &Client{
		baseURL: parsed,
		hc:      &http.Client{Timeout: defaultTimeout},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c, nil
}

// APIError is a non-success control API response, carrying the problem
// document fields when one was returned.
type APIError struct {
	Status int
	Title  string
	Detail string
}

func (e *APIError) Error() string {
	switch {
	case e.Title == "":
		return fmt.Sprintf("stub API status %d", e.Status)
	case e.Detail == "":
		return fmt.Sprintf("stub API status %d: %s", e.Status, e.Title)
	default:
		return fmt.Sprintf("stub API status %d: %s: %s", e.Status, e.Title, e.Detail)
	}
}

// Fixtures returns the currently staged fixture document.
func (c *Client) Fixtures(ctx context.Context) (fixture.Document, error) {
	resp, err := c.do(ctx, http.MethodGet, "/__stub/fixtures", nil, nil, http.StatusOK)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var doc fixture.Document
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode fixtures: %w", err)
	}
	return doc, nil
}

// Stage merges patch into the staged fixture document.
func (c *Client) Stage(ctx context.Context, patch fixture.Document) error {
	body, err := json.Marshal(patch)
	if err != nil {
		return fmt.Errorf("encode fixture patch: %w", err)
	}
	resp, err := c.do(ctx, http.MethodPatch, "/__stub/fixtures", nil, body, http.StatusNoContent)
	if err != nil {
		return err
	}
	return resp.Body.Close()
}

// Reset clears the staged fixture document.
func (c *Client) Reset(ctx context.Context) error {
	resp, err := c.do(ctx, http.MethodDelete, "/__stub/fixtures", nil, nil, http.StatusNoContent)
	if err != nil {
		return err
	}
	return resp.Body.Close()
}

// Requests returns the recorded application requests matching filter, in
// arrival order.
func (c *Client) Requests(ctx context.Context, filter recorder.Filter) ([]recorder.Entry, error) {
	query := url.Values{}
	if filter.Service != "" {
		query.Set("service", filter.Service)
	}
	if filter.Route != "" {
		query.Set("route", filter.Route)
	}
	if filter.Limit > 0 {
		query.Set("limit", strconv.Itoa(filter.Limit))
	}

	resp, err := c.do(ctx, http.MethodGet, "/__stub/requests", query, nil, http.StatusOK)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var payload struct {
		Requests []recorder.Entry `json:"requests"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode requests: %w", err)
	}
	return payload.Requests, nil
}

// ClearRequests empties the request journal.
func (c *Client) ClearRequests(ctx context.Context) error {
	resp, err := c.do(ctx, http.MethodDelete, "/__stub/requests", nil, nil, http.StatusNoContent)
	if err != nil {
		return err
	}
	return resp.Body.Close()
}

// TriggerCallback fires the named configured callback at the system under test.
func (c *Client) TriggerCallback(ctx context.Context, name string) error {
	if strings.TrimSpace(name) == "" {
		return errors.New("client: callback name required")
	}
	resp, err := c.do(ctx, http.MethodPost, "/__stub/callbacks/"+url.PathEscape(name), nil, nil, http.StatusAccepted)
	if err != nil {
		return err
	}
	return resp.Body.Close()
}

// WaitReady polls the readiness endpoint until the server reports ready or
// ctx ends. Transport errors while the server is still binding count as not
// ready.
func (c *Client) WaitReady(ctx context.Context) error {
	ticker := time.NewTicker(waitReadyInterval)
	defer ticker.Stop()

	for {
		resp, err := c.do(ctx, http.MethodGet, "/readyz", nil, nil, http.StatusOK)
		if err == nil {
			return resp.Body.Close()
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("stub server not ready: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body []byte, want int) (*http.Response, error) {
	u := *c.baseURL
	u.Path = strings.TrimRight(u.Path, "/") + path
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), reader)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != want {
		defer resp.Body.Close()
		return nil, decodeAPIError(resp)
	}
	return resp, nil
}

func decodeAPIError(resp *http.Response) error {
	apiErr := &APIError{Status: resp.StatusCode}
	var doc problem.Response
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxErrorBody)).Decode(&doc); err == nil {
		apiErr.Title = doc.Title
		apiErr.Detail = doc.Detail
	}
	return apiErr
}
