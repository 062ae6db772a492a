// Package httputil centralizes HTTP client construction so every
// package talks to the outside world with the same timeout discipline.
package httputil

import (
	"net/http"
	"time"
)

const (
	// DefaultAPITimeout bounds chat platform Web API calls (message
	// posting, updates, socket URL negotiation). These are short-lived
	// JSON requests.
	DefaultAPITimeout = 30 * time.Second

	// DefaultUploadTimeout bounds file uploads. Result payloads can be
	// large, so uploads get a longer budget.
	DefaultUploadTimeout = 120 * time.Second
)

// NewHTTPClient returns an *http.Client with the given timeout. Pass one
// of the Default*Timeout constants, or a custom duration.
func NewHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{Timeout: timeout}
}
