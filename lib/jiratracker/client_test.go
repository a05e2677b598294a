// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package jiratracker

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kadencartwright/jirafs/lib/clock"
)

var testEpoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func newTestClient(t *testing.T, server *httptest.Server) *Client {
	t.Helper()
	client, err := NewClient(Config{
		BaseURL:     server.URL,
		Email:       "agent@example.com",
		APIToken:    "test-token",
		HTTPClient:  server.Client(),
		Clock:       clock.Real(),
		BaseBackoff: time.Millisecond,
		MaxBackoff:  5 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return client
}

func TestNewClient_RequiresCredentials(t *testing.T) {
	if _, err := NewClient(Config{BaseURL: "https://example.atlassian.net"}); err == nil {
		t.Fatal("expected error for missing credentials")
	}
}

func TestFetchIssue_AuthHeader(t *testing.T) {
	var gotAuth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		json.NewEncoder(w).Encode(map[string]any{
			"key": "PROJ-1",
			"fields": map[string]any{
				"created": "2026-01-01T00:00:00Z",
				"updated": "2026-01-02T00:00:00Z",
			},
		})
	}))
	defer server.Close()

	client := newTestClient(t, server)
	issue, err := client.FetchIssue(context.Background(), "PROJ-1")
	if err != nil {
		t.Fatalf("FetchIssue: %v", err)
	}
	if issue.Key != "PROJ-1" {
		t.Errorf("Key = %q, want PROJ-1", issue.Key)
	}
	if gotAuth == "" || gotAuth[:6] != "Basic " {
		t.Errorf("Authorization header = %q, want Basic ...", gotAuth)
	}
}

func TestFetchIssue_NotFound(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(map[string]any{"errorMessages": []string{"Issue does not exist"}})
	}))
	defer server.Close()

	client := newTestClient(t, server)
	_, err := client.FetchIssue(context.Background(), "PROJ-404")
	if !IsNotFound(err) {
		t.Fatalf("expected IsNotFound, got %v", err)
	}
}

func TestDoWithRetry_RetriesOn5xxThenSucceeds(t *testing.T) {
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) <= 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"key": "PROJ-2",
			"fields": map[string]any{
				"created": "2026-01-01T00:00:00Z",
				"updated": "2026-01-02T00:00:00Z",
			},
		})
	}))
	defer server.Close()

	client := newTestClient(t, server)
	issue, err := client.FetchIssue(context.Background(), "PROJ-2")
	if err != nil {
		t.Fatalf("FetchIssue: %v", err)
	}
	if issue.Key != "PROJ-2" {
		t.Errorf("Key = %q, want PROJ-2", issue.Key)
	}
	if attempts.Load() != 3 {
		t.Errorf("attempts = %d, want 3", attempts.Load())
	}
}

func TestDoWithRetry_HonorsRetryAfterSeconds(t *testing.T) {
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) == 1 {
			w.Header().Set("Retry-After", "3")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"key": "PROJ-3",
			"fields": map[string]any{
				"created": "2026-01-01T00:00:00Z",
				"updated": "2026-01-02T00:00:00Z",
			},
		})
	}))
	defer server.Close()

	fc := clock.Fake(testEpoch)
	client, err := NewClient(Config{
		BaseURL:    server.URL,
		Email:      "agent@example.com",
		APIToken:   "test-token",
		HTTPClient: server.Client(),
		Clock:      fc,
	})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}

	done := make(chan struct{})
	go func() {
		if _, err := client.FetchIssue(context.Background(), "PROJ-3"); err != nil {
			t.Errorf("FetchIssue: %v", err)
		}
		close(done)
	}()

	fc.WaitForTimers(1)
	before := fc.Now()
	fc.Advance(3 * time.Second)
	<-done

	if fc.Now().Sub(before) < 3*time.Second {
		t.Errorf("did not advance the full Retry-After window")
	}
}

func TestDoWithRetry_PermanentErrorNotRetried(t *testing.T) {
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer server.Close()

	client := newTestClient(t, server)
	_, err := client.FetchIssue(context.Background(), "PROJ-4")
	if err == nil {
		t.Fatal("expected error")
	}
	if attempts.Load() != 1 {
		t.Errorf("attempts = %d, want 1 (no retry on 4xx)", attempts.Load())
	}
}

func TestListByQuery_Paginates(t *testing.T) {
	var calls int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		var req struct {
			NextPageToken string `json:"nextPageToken"`
		}
		json.NewDecoder(r.Body).Decode(&req)

		if req.NextPageToken == "" {
			json.NewEncoder(w).Encode(map[string]any{
				"issues": []map[string]any{
					{"key": "PROJ-1", "fields": map[string]any{"updated": "2026-01-02T00:00:00Z"}},
				},
				"nextPageToken": "page2",
			})
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"issues": []map[string]any{
				{"key": "PROJ-2", "fields": map[string]any{"updated": "2026-01-03T00:00:00Z"}},
			},
		})
	}))
	defer server.Close()

	client := newTestClient(t, server)
	refs, err := client.ListByQuery(`project = PROJ`).Collect(context.Background(), 0)
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if len(refs) != 2 {
		t.Fatalf("got %d refs, want 2", len(refs))
	}
	if calls != 2 {
		t.Errorf("calls = %d, want 2", calls)
	}
}

