package strategy

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

const (
	// DefaultFetchTimeout bounds a single network fetch.
	DefaultFetchTimeout = 30 * time.Second

	// maxFetchBody caps how much of an upstream body is read.
	maxFetchBody = 256 * 1024 * 1024

	// ViaPseudonym identifies this service in Via headers.
	ViaPseudonym = "studio-cache"

	// ViaProduct is the Via header value added to outgoing fetches.
	// The request pipeline refuses requests already carrying it, so a
	// fetch that loops back into the server cannot recurse.
	ViaProduct = "1.1 " + ViaPseudonym
)

// HTTPFetcher implements Fetcher using an HTTP client.
type HTTPFetcher struct {
	client *http.Client
}

// HTTPFetcherOption configures an HTTPFetcher.
type HTTPFetcherOption func(*HTTPFetcher)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client *http.Client) HTTPFetcherOption {
	return func(f *HTTPFetcher) {
		f.client = client
	}
}

// NewHTTPFetcher creates a new network fetcher.
func NewHTTPFetcher(opts ...HTTPFetcherOption) *HTTPFetcher {
	f := &HTTPFetcher{
		client: &http.Client{
			Timeout: DefaultFetchTimeout,
		},
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Fetch retrieves the URL from the network.
func (f *HTTPFetcher) Fetch(ctx context.Context, url string) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Via", ViaProduct)

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("performing request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchBody))
	if err != nil {
		return nil, fmt.Errorf("reading response body: %w", err)
	}

	return &Response{
		StatusCode:  resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
		Body:        body,
		Source:      SourceNetwork,
	}, nil
}

// Compile-time interface check
var _ Fetcher = (*HTTPFetcher)(nil)
