// Package router classifies inbound resource requests and dispatches
// them to the fetch strategy that should resolve them.
package router

import (
	"net/url"
	"path"
	"strings"
	"time"

	studiocache "github.com/abedhatabh-bit/studio-cache"
)

// Strategy names a fetch policy selected by classification.
type Strategy string

const (
	StrategyBypass                  Strategy = "bypass"
	StrategyCacheFirst              Strategy = "cache-first"
	StrategyNetworkFirst            Strategy = "network-first"
	StrategyNetworkFirstWithTimeout Strategy = "network-first-timeout"
)

// APITimeout bounds how long an API request waits on the network
// before falling back to the cache.
const APITimeout = 3000 * time.Millisecond

// Decision is the result of classifying one request.
type Decision struct {
	Strategy Strategy
	Category studiocache.Category

	// Timeout is set for the timeout strategy only.
	Timeout time.Duration
}

// Bypass reports whether the request skips the cache entirely.
func (d Decision) Bypass() bool {
	return d.Strategy == StrategyBypass
}

// analyticsDenylist holds substrings of hosts and paths that identify
// analytics and tracking traffic. Matching requests are never cached.
var analyticsDenylist = []string{
	"google-analytics.com",
	"googletagmanager.com",
	"analytics.",
	"segment.io",
	"mixpanel.com",
	"sentry.io",
}

// assetExtensions are file extensions routed to the asset cache even
// outside the /assets/ prefix.
var assetExtensions = map[string]bool{
	".jpg":  true,
	".png":  true,
	".svg":  true,
	".webp": true,
	".mp3":  true,
	".mp4":  true,
}

// Classify maps a request to a strategy decision. Rules are evaluated
// in order and the first match wins.
func Classify(method, rawURL string) Decision {
	bypass := Decision{Strategy: StrategyBypass}

	if method != "GET" {
		return bypass
	}

	// blob: URLs fail net/url host parsing, so check before parsing.
	if strings.HasPrefix(rawURL, "blob:") {
		return Decision{Strategy: StrategyCacheFirst, Category: studiocache.CategoryExports}
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return bypass
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return bypass
	}

	if denied(u) {
		return bypass
	}

	switch {
	case strings.HasPrefix(u.Path, "/api/"):
		return Decision{
			Strategy: StrategyNetworkFirstWithTimeout,
			Category: studiocache.CategoryShell,
			Timeout:  APITimeout,
		}
	case strings.HasPrefix(u.Path, "/assets/") || assetExtensions[strings.ToLower(path.Ext(u.Path))]:
		return Decision{Strategy: StrategyCacheFirst, Category: studiocache.CategoryAssets}
	case strings.HasPrefix(u.Path, "/exports/"), strings.Contains(rawURL, "blob:"):
		return Decision{Strategy: StrategyCacheFirst, Category: studiocache.CategoryExports}
	default:
		return Decision{Strategy: StrategyNetworkFirst, Category: studiocache.CategoryShell}
	}
}

// denied reports whether the URL matches the analytics denylist or
// carries a tracking path segment.
func denied(u *url.URL) bool {
	host := strings.ToLower(u.Host)
	for _, s := range analyticsDenylist {
		if strings.Contains(host, s) {
			return true
		}
	}
	for _, seg := range strings.Split(u.Path, "/") {
		if strings.EqualFold(seg, "tracking") {
			return true
		}
	}
	return false
}
