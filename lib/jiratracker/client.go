// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package jiratracker implements the HTTP client the sync engine uses
// to talk to the remote issue tracker: listing issues matching a query
// with pagination, and fetching a single issue's full structured
// record. Retries honor 429/5xx with Retry-After, per spec §4.4 and
// §7.
//
// Grounded on the teacher's lib/github client (Config/NewClient/do/
// doRaw shape, rate-limit-aware retry), generalized from GitHub's
// single-retry policy to bounded exponential backoff with jitter
// across multiple attempts, and from Link-header pagination to the
// tracker's next-page-token style.
package jiratracker

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/kadencartwright/jirafs/lib/clock"
	"github.com/kadencartwright/jirafs/lib/jiraissue"
	"github.com/kadencartwright/jirafs/lib/netutil"
)

// DefaultPageSize is the number of issues requested per search page.
const DefaultPageSize = 100

// DefaultMaxRetries is the number of retry attempts after the first
// failed request before giving up, per spec §4.4's "finite retry
// budget".
const DefaultMaxRetries = 5

// DefaultBaseBackoff is the initial backoff delay for exponential
// backoff-with-jitter when no Retry-After hint is present.
const DefaultBaseBackoff = 500 * time.Millisecond

// DefaultMaxBackoff caps the exponential backoff delay.
const DefaultMaxBackoff = 30 * time.Second

// Config holds the parameters for creating a Client. Authentication
// (Email + APIToken) is delegated material: the core never interprets
// it beyond forming a Basic auth header, per spec §1/§6's "opaque
// credential material" contract.
type Config struct {
	// BaseURL is the tracker's API root, e.g. "https://example.atlassian.net".
	BaseURL string

	// Email and APIToken form HTTP Basic auth credentials.
	Email    string
	APIToken string

	// HTTPClient performs requests. Defaults to http.DefaultClient.
	HTTPClient *http.Client

	// Clock provides time for backoff sleeps. Defaults to clock.Real().
	Clock clock.Clock

	// Logger receives retry/backoff diagnostics.
	Logger *slog.Logger

	// PageSize overrides DefaultPageSize.
	PageSize int

	// MaxRetries overrides DefaultMaxRetries.
	MaxRetries int

	// BaseBackoff and MaxBackoff override the exponential backoff
	// bounds.
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

// Client is the remote issue tracker HTTP client described in spec §6.
type Client struct {
	baseURL     string
	authHeader  string
	httpClient  *http.Client
	clock       clock.Clock
	logger      *slog.Logger
	pageSize    int
	maxRetries  int
	baseBackoff time.Duration
	maxBackoff  time.Duration
}

// NewClient creates a Client from cfg.
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("jiratracker: BaseURL is required")
	}
	if cfg.Email == "" || cfg.APIToken == "" {
		return nil, fmt.Errorf("jiratracker: Email and APIToken are required")
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	pageSize := cfg.PageSize
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	baseBackoff := cfg.BaseBackoff
	if baseBackoff <= 0 {
		baseBackoff = DefaultBaseBackoff
	}
	maxBackoff := cfg.MaxBackoff
	if maxBackoff <= 0 {
		maxBackoff = DefaultMaxBackoff
	}

	creds := base64.StdEncoding.EncodeToString([]byte(cfg.Email + ":" + cfg.APIToken))

	return &Client{
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		authHeader:  "Basic " + creds,
		httpClient:  httpClient,
		clock:       clk,
		logger:      logger,
		pageSize:    pageSize,
		maxRetries:  maxRetries,
		baseBackoff: baseBackoff,
		maxBackoff:  maxBackoff,
	}, nil
}

// FetchIssue retrieves the full structured record for key.
func (c *Client) FetchIssue(ctx context.Context, key jiraissue.Key) (jiraissue.Issue, error) {
	body, err := c.doWithRetry(ctx, http.MethodGet, "/rest/api/2/issue/"+url.PathEscape(string(key)), nil)
	if err != nil {
		return jiraissue.Issue{}, err
	}

	var wire wireIssue
	if err := json.Unmarshal(body, &wire); err != nil {
		return jiraissue.Issue{}, fmt.Errorf("jiratracker: decoding issue %s: %w", key, err)
	}
	issue, err := wire.toIssue()
	if err != nil {
		return jiraissue.Issue{}, fmt.Errorf("jiratracker: parsing issue %s: %w", key, err)
	}
	return issue, nil
}

// ListByQuery returns a PageIterator over issue references matching
// query, in the tracker's own result order (spec §4.4 composes query
// strings so the tracker itself sorts by "updated DESC").
func (c *Client) ListByQuery(query string) *PageIterator {
	return &PageIterator{client: c, query: query}
}

// PageIterator lazily fetches pages of {key, updated_at} references
// for one query. Not safe for concurrent use, matching the teacher's
// github.PageIterator.
type PageIterator struct {
	client    *Client
	query     string
	nextToken string
	started   bool
	done      bool
}

// Next fetches the next page. Returns nil, nil once exhausted.
func (it *PageIterator) Next(ctx context.Context) ([]jiraissue.Ref, error) {
	if it.done {
		return nil, nil
	}
	it.started = true

	requestBody := struct {
		JQL           string `json:"jql"`
		MaxResults    int    `json:"maxResults"`
		NextPageToken string `json:"nextPageToken,omitempty"`
	}{
		JQL:           it.query,
		MaxResults:    it.client.pageSize,
		NextPageToken: it.nextToken,
	}
	encoded, err := json.Marshal(requestBody)
	if err != nil {
		return nil, fmt.Errorf("jiratracker: encoding search request: %w", err)
	}

	body, err := it.client.doWithRetry(ctx, http.MethodPost, "/rest/api/2/search/jql", encoded)
	if err != nil {
		return nil, err
	}

	var response wireSearchResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("jiratracker: decoding search response: %w", err)
	}

	refs := make([]jiraissue.Ref, 0, len(response.Issues))
	for _, summary := range response.Issues {
		ref, err := summary.toRef()
		if err != nil {
			return nil, fmt.Errorf("jiratracker: parsing search result %s: %w", summary.Key, err)
		}
		refs = append(refs, ref)
	}

	it.nextToken = response.NextPageToken
	if it.nextToken == "" {
		it.done = true
	}
	return refs, nil
}

// Collect drains the iterator, returning all references. maxPages caps
// the total number of pages fetched (0 means unbounded); the caller
// (the sync engine) uses this to respect spec §4.4's per-tick budget.
func (it *PageIterator) Collect(ctx context.Context, maxPages int) ([]jiraissue.Ref, error) {
	var all []jiraissue.Ref
	for pages := 0; maxPages <= 0 || pages < maxPages; pages++ {
		refs, err := it.Next(ctx)
		if err != nil {
			return all, err
		}
		if refs == nil && it.started {
			return all, nil
		}
		all = append(all, refs...)
		if it.done {
			return all, nil
		}
	}
	return all, nil
}

// doWithRetry executes an authenticated request, retrying on 429/5xx
// with bounded exponential backoff and jitter, honoring Retry-After.
func (c *Client) doWithRetry(ctx context.Context, method, path string, requestBody []byte) ([]byte, error) {
	var lastErr error

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		body, retryAfter, statusCode, err := c.doOnce(ctx, method, path, requestBody)
		if err == nil {
			return body, nil
		}

		lastErr = err

		retryable := statusCode != 0 && isRetryable(statusCode)
		if !retryable || attempt == c.maxRetries {
			return nil, err
		}

		delay := retryAfter
		if delay <= 0 {
			delay = c.backoffDelay(attempt)
		}

		c.logger.Info("jiratracker: retrying after error",
			"method", method, "path", path, "attempt", attempt+1, "delay", delay, "error", err)

		select {
		case <-c.clock.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	return nil, lastErr
}

// doOnce performs a single HTTP round trip. retryAfter is the
// Retry-After-derived delay (zero if absent or not applicable).
func (c *Client) doOnce(ctx context.Context, method, path string, requestBody []byte) (body []byte, retryAfter time.Duration, statusCode int, err error) {
	var reader *bytes.Reader
	if requestBody != nil {
		reader = bytes.NewReader(requestBody)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("jiratracker: creating request: %w", err)
	}
	req.Header.Set("Authorization", c.authHeader)
	req.Header.Set("Accept", "application/json")
	if requestBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("jiratracker: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	responseBody, err := netutil.ReadResponse(resp.Body)
	if err != nil {
		return nil, 0, resp.StatusCode, fmt.Errorf("jiratracker: reading response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		retryAfter = c.parseRetryAfter(resp.Header.Get("Retry-After"))
		return nil, retryAfter, resp.StatusCode, parseAPIError(resp.StatusCode, responseBody)
	}

	return responseBody, 0, resp.StatusCode, nil
}

// parseRetryAfter interprets a Retry-After header value as seconds,
// a fractional number of seconds, or an HTTP-date, per spec §4.4
// ("seconds, absolute-time, or fractional").
func (c *Client) parseRetryAfter(value string) time.Duration {
	if value == "" {
		return 0
	}
	if seconds, err := strconv.ParseFloat(value, 64); err == nil && seconds >= 0 {
		return time.Duration(seconds * float64(time.Second))
	}
	if when, err := http.ParseTime(value); err == nil {
		if d := when.Sub(c.clock.Now()); d > 0 {
			return d
		}
	}
	return 0
}

// backoffDelay computes exponential backoff with full jitter, capped
// at maxBackoff: delay = random(0, min(maxBackoff, base*2^attempt)).
func (c *Client) backoffDelay(attempt int) time.Duration {
	max := float64(c.baseBackoff) * float64(uint64(1)<<uint(attempt))
	if max > float64(c.maxBackoff) || max <= 0 {
		max = float64(c.maxBackoff)
	}
	return time.Duration(rand.Int63n(int64(max) + 1))
}

func parseAPIError(statusCode int, body []byte) *APIError {
	var wireErr struct {
		ErrorMessages []string          `json:"errorMessages"`
		Errors        map[string]string `json:"errors"`
	}
	apiErr := &APIError{StatusCode: statusCode}
	if json.Unmarshal(body, &wireErr) == nil {
		apiErr.Messages = wireErr.ErrorMessages
		for field, msg := range wireErr.Errors {
			apiErr.Messages = append(apiErr.Messages, field+": "+msg)
		}
	}
	if len(apiErr.Messages) == 0 && len(body) > 0 {
		apiErr.Messages = []string{string(body)}
	}
	return apiErr
}
