package router

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	studiocache "github.com/abedhatabh-bit/studio-cache"
	"github.com/abedhatabh-bit/studio-cache/strategy"
	"github.com/abedhatabh-bit/studio-cache/telemetry"
)

// Resolver resolves a request through one of the fetch strategies.
// Implemented by strategy.Engine.
type Resolver interface {
	CacheFirst(ctx context.Context, ns studiocache.Namespace, url string) *strategy.Response
	NetworkFirst(ctx context.Context, ns studiocache.Namespace, url string, navigation bool) *strategy.Response
	NetworkFirstWithTimeout(ctx context.Context, ns studiocache.Namespace, url string, timeout time.Duration, navigation bool) *strategy.Response
}

// Dispatcher turns strategy decisions into HTTP responses. Bypassed
// requests are handed to the passthrough handler unmodified.
type Dispatcher struct {
	resolver    Resolver
	passthrough http.Handler
	namespaces  func(studiocache.Category) studiocache.Namespace
	logger      *slog.Logger
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithLogger sets the logger for the dispatcher.
func WithLogger(logger *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		d.logger = logger
	}
}

// NewDispatcher creates a dispatcher over the given resolver.
// namespaces maps a category to its currently active namespace.
// passthrough serves requests the classification rules bypass.
func NewDispatcher(resolver Resolver, namespaces func(studiocache.Category) studiocache.Namespace, passthrough http.Handler, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		resolver:    resolver,
		passthrough: passthrough,
		namespaces:  namespaces,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// ServeHTTP classifies the request and writes the resolved response.
// Requests carrying this service's own Via token are refused: an
// origin-form request reconstructs its target from the Host header,
// which can point back at this server, and the resulting fetch must
// not re-enter the pipeline.
func (d *Dispatcher) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if strings.Contains(r.Header.Get("Via"), strategy.ViaPseudonym) {
		d.logger.Warn("refusing looped request", "url", r.URL.String(), "via", r.Header.Get("Via"))
		http.Error(w, "request loop detected", http.StatusBadGateway)
		return
	}

	target := requestURL(r)
	decision := Classify(r.Method, target)

	if decision.Bypass() {
		telemetry.SetStrategy(r, string(StrategyBypass))
		d.passthrough.ServeHTTP(w, r)
		return
	}

	ns := d.namespaces(decision.Category)
	navigation := isNavigation(r)
	telemetry.SetStrategy(r, string(decision.Strategy))
	telemetry.SetNamespace(r, string(ns))

	ctx := telemetry.WithStrategyContext(r.Context(), string(decision.Strategy))

	var resp *strategy.Response
	switch decision.Strategy {
	case StrategyCacheFirst:
		resp = d.resolver.CacheFirst(ctx, ns, target)
	case StrategyNetworkFirstWithTimeout:
		resp = d.resolver.NetworkFirstWithTimeout(ctx, ns, target, decision.Timeout, navigation)
	default:
		resp = d.resolver.NetworkFirst(ctx, ns, target, navigation)
	}

	switch resp.Source {
	case strategy.SourceCache:
		telemetry.SetCacheResult(r, telemetry.CacheHit)
	case strategy.SourceNetwork:
		telemetry.SetCacheResult(r, telemetry.CacheMiss)
	case strategy.SourceSynthetic:
		telemetry.SetCacheResult(r, telemetry.CacheSynthetic)
	}

	writeResponse(w, resp)
}

// requestURL reconstructs the absolute URL the client asked for.
// Proxy-form requests carry it directly; origin-form requests are
// resolved against the Host header.
func requestURL(r *http.Request) string {
	if r.URL.IsAbs() {
		return r.URL.String()
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	return scheme + "://" + r.Host + r.URL.RequestURI()
}

// isNavigation reports whether the request is a page navigation, which
// changes the offline fallback from a 408 to the offline page.
func isNavigation(r *http.Request) bool {
	if r.Header.Get("Sec-Fetch-Mode") == "navigate" {
		return true
	}
	return strings.HasPrefix(r.Header.Get("Accept"), "text/html")
}

func writeResponse(w http.ResponseWriter, resp *strategy.Response) {
	if resp.ContentType != "" {
		w.Header().Set("Content-Type", resp.ContentType)
	}
	w.Header().Set("Content-Length", strconv.Itoa(len(resp.Body)))
	w.Header().Set("X-Cache-Source", string(resp.Source))
	if !resp.StoredAt.IsZero() {
		w.Header().Set("X-Cache-Stored-At", resp.StoredAt.UTC().Format(http.TimeFormat))
	}
	w.WriteHeader(resp.StatusCode)
	_, _ = w.Write(resp.Body)
}
