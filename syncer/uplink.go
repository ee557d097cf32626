// Package syncer drains the offline mutation queue against the
// remote service once connectivity is available.
package syncer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/abedhatabh-bit/studio-cache/telemetry"
)

const (
	// DefaultTimeout is the default timeout for uplink requests.
	DefaultTimeout = 30 * time.Second
)

// Uplink transmits offline mutations to the remote service.
type Uplink struct {
	baseURL string
	token   string
	client  *http.Client
}

// UplinkOption configures an Uplink.
type UplinkOption func(*Uplink)

// WithBaseURL sets the remote service base URL.
func WithBaseURL(url string) UplinkOption {
	return func(u *Uplink) {
		u.baseURL = strings.TrimSuffix(url, "/")
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client *http.Client) UplinkOption {
	return func(u *Uplink) {
		u.client = client
	}
}

// WithBearerToken sets the bearer token for uplink authentication.
func WithBearerToken(token string) UplinkOption {
	return func(u *Uplink) {
		u.token = token
	}
}

// NewUplink creates a new remote service client.
func NewUplink(opts ...UplinkOption) *Uplink {
	u := &Uplink{
		client: &http.Client{
			Timeout:   DefaultTimeout,
			Transport: telemetry.NewInstrumentedTransport(nil),
		},
	}
	for _, opt := range opts {
		opt(u)
	}
	return u
}

// UploadVideoCreation transmits one video-creation job payload.
func (u *Uplink) UploadVideoCreation(ctx context.Context, payload json.RawMessage) error {
	return u.post(ctx, "/videos", payload)
}

// UploadProjectUpdate transmits one project state payload.
func (u *Uplink) UploadProjectUpdate(ctx context.Context, payload json.RawMessage) error {
	return u.post(ctx, "/projects", payload)
}

func (u *Uplink) post(ctx context.Context, path string, payload json.RawMessage) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if u.token != "" {
		req.Header.Set("Authorization", "Bearer "+u.token)
	}

	resp, err := u.client.Do(req)
	if err != nil {
		return fmt.Errorf("performing request: %w", err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("uplink %s: unexpected status %d", path, resp.StatusCode)
	}
	return nil
}
