// Package telemetry provides request tagging for structured logging and metrics.
package telemetry

import (
	"context"
	"net/http"
)

type contextKey string

const (
	// requestTagsKey is the context key for request tags holder.
	requestTagsKey contextKey = "request_tags"
	// strategyKey is the context key for propagating the strategy to background goroutines.
	strategyKey contextKey = "strategy"
)

// CacheResult represents the outcome of a cache lookup.
type CacheResult string

const (
	CacheHit       CacheResult = "hit"
	CacheMiss      CacheResult = "miss"
	CacheBypass    CacheResult = "bypass"
	CacheSynthetic CacheResult = "synthetic"
)

// RequestTags holds mutable request metadata that handlers can set for logging.
type RequestTags struct {
	Strategy    string
	Namespace   string
	CacheResult CacheResult
	Endpoint    string
}

// InjectTags creates a new request with an empty RequestTags in context.
// Call this in middleware before handlers run.
func InjectTags(r *http.Request) *http.Request {
	tags := &RequestTags{CacheResult: CacheBypass}
	return r.WithContext(context.WithValue(r.Context(), requestTagsKey, tags))
}

// GetTags retrieves the request tags from context.
// Returns nil if not in a request context with logging middleware.
func GetTags(r *http.Request) *RequestTags {
	if tags, ok := r.Context().Value(requestTagsKey).(*RequestTags); ok {
		return tags
	}
	return nil
}

// SetCacheResult sets the cache result for logging.
func SetCacheResult(r *http.Request, result CacheResult) {
	if tags := GetTags(r); tags != nil {
		tags.CacheResult = result
	}
}

// SetStrategy sets the resolved strategy tag for metrics and logging.
func SetStrategy(r *http.Request, strategy string) {
	if tags := GetTags(r); tags != nil {
		tags.Strategy = strategy
	}
}

// SetNamespace sets the cache namespace tag for logging.
func SetNamespace(r *http.Request, namespace string) {
	if tags := GetTags(r); tags != nil {
		tags.Namespace = namespace
	}
}

// SetEndpoint sets the endpoint type for logging.
func SetEndpoint(r *http.Request, endpoint string) {
	if tags := GetTags(r); tags != nil {
		tags.Endpoint = endpoint
	}
}

// StrategyFromContext retrieves the strategy from a context.
// It checks both background contexts (set by WithStrategyContext) and
// request contexts (set by SetStrategy via InjectTags).
func StrategyFromContext(ctx context.Context) string {
	if s, ok := ctx.Value(strategyKey).(string); ok && s != "" {
		return s
	}
	if tags, ok := ctx.Value(requestTagsKey).(*RequestTags); ok && tags != nil {
		return tags.Strategy
	}
	return ""
}

// WithStrategyContext returns a context with the strategy stored.
// Use this to propagate the strategy into goroutines that outlive the request context.
func WithStrategyContext(ctx context.Context, strategy string) context.Context {
	return context.WithValue(ctx, strategyKey, strategy)
}
