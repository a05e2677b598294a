// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package jiratracker

import (
	"errors"
	"fmt"
)

// APIError represents a non-2xx response from the issue tracker's REST
// API. Mirrors the shape of the teacher's github.APIError: a status
// code plus whatever message text the tracker returned.
type APIError struct {
	StatusCode int
	Messages   []string
}

func (err *APIError) Error() string {
	if len(err.Messages) == 0 {
		return fmt.Sprintf("jiratracker: HTTP %d", err.StatusCode)
	}
	return fmt.Sprintf("jiratracker: HTTP %d: %s", err.StatusCode, err.Messages[0])
}

// IsNotFound reports whether err is a 404 Not Found response.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == 404
}

// IsRateLimited reports whether err is a 429 Too Many Requests
// response.
func IsRateLimited(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == 429
}

// isRetryable reports whether a response with this status code is
// worth retrying: 429 (rate limited) or any 5xx (transient server
// error). 4xx other than 429 is a permanent failure per spec §7.
func isRetryable(statusCode int) bool {
	return statusCode == 429 || (statusCode >= 500 && statusCode < 600)
}
