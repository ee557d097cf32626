// Package strategy implements the fetch strategies that resolve a
// request against the resource cache store and the live network.
package strategy

import (
	"context"
	"net/http"
	"time"
)

// Source records where a response came from.
type Source string

const (
	SourceCache     Source = "cache"
	SourceNetwork   Source = "network"
	SourceSynthetic Source = "synthetic"
)

// Response is the resolved result of a strategy. It is shaped like a
// normal HTTP response so callers cannot tell a cache or synthetic
// result apart from a network one.
type Response struct {
	StatusCode  int
	ContentType string
	Body        []byte
	Source      Source

	// StoredAt is set for cache-sourced responses.
	StoredAt time.Time
}

// OK reports whether the response status is in the 2xx range.
// Only OK responses are eligible for cache writes.
func (r *Response) OK() bool {
	return r.StatusCode >= http.StatusOK && r.StatusCode < http.StatusMultipleChoices
}

// Fetcher performs a live network fetch for a GET request.
type Fetcher interface {
	// Fetch retrieves the URL from the network. An HTTP error status
	// is a valid response; an error means the fetch itself failed
	// (connection refused, DNS, timeout, canceled).
	Fetch(ctx context.Context, url string) (*Response, error)
}
