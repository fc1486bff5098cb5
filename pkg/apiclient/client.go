// Package apiclient talks to the CrimeLink backend.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"crimelink/internal/models"
)

// DefaultTimeout bounds one bulk upload request.
const DefaultTimeout = 20 * time.Second

const bulkLocationsPath = "/api/officers/me/locations/bulk"

// TokenSource supplies the bearer token for each request. An empty token
// sends the request without an Authorization header.
type TokenSource interface {
	AccessToken(ctx context.Context) (string, error)
}

type Client struct {
	httpClient *http.Client
	baseURL    string
	tokens     TokenSource
	userAgent  string
}

type Option func(*Client)

// WithHTTPClient replaces the default client, which has DefaultTimeout.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.httpClient = &http.Client{Timeout: d, Transport: c.httpClient.Transport}
		}
	}
}

func NewClient(baseURL string, tokens TokenSource, opts ...Option) *Client {
	c := &Client{
		httpClient: &http.Client{Timeout: DefaultTimeout},
		baseURL:    strings.TrimRight(baseURL, "/"),
		tokens:     tokens,
		userAgent:  "crimelink-tracker/1.0",
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// StatusError is returned for any non-2xx response.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("api responded %d", e.StatusCode)
	}
	return fmt.Sprintf("api responded %d: %s", e.StatusCode, e.Body)
}

// Upload posts the batch payloads as one JSON array. Any 2xx response
// acknowledges the whole batch.
func (c *Client) Upload(ctx context.Context, batch models.Batch) error {
	body, err := json.Marshal(batch.Payloads())
	if err != nil {
		return fmt.Errorf("encoding batch %s: %w", batch.ID, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+bulkLocationsPath, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Idempotency-Key", batch.ID)

	if c.tokens != nil {
		token, err := c.tokens.AccessToken(ctx)
		if err != nil {
			return fmt.Errorf("reading access token: %w", err)
		}
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
