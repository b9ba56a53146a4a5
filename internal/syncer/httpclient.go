package syncer

import (
	"net/http"
	"time"
)

// HTTPClient is an interface for making HTTP requests
// This allows us to mock HTTP calls in tests
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// DefaultHTTPClient wraps the standard http.Client with a replay-safe
// timeout so a hung request cannot stall the sync pass forever.
type DefaultHTTPClient struct {
	client *http.Client
}

// NewDefaultHTTPClient returns the production client.
func NewDefaultHTTPClient(timeout time.Duration) *DefaultHTTPClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &DefaultHTTPClient{client: &http.Client{Timeout: timeout}}
}

func (d *DefaultHTTPClient) Do(req *http.Request) (*http.Response, error) {
	return d.client.Do(req)
}
