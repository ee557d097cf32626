package strategy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	studiocache "github.com/abedhatabh-bit/studio-cache"
	"github.com/abedhatabh-bit/studio-cache/store"
	"github.com/abedhatabh-bit/studio-cache/telemetry"
)

const (
	// backgroundCacheTimeout bounds cache writes that outlive the request,
	// such as the losing fetch of a timeout race.
	backgroundCacheTimeout = 5 * time.Minute
)

// Engine resolves requests with the cache-first, network-first, and
// network-first-with-timeout policies. Every method returns a usable
// response; network and cache failures are converted to fallbacks and
// never propagated to the request pipeline.
type Engine struct {
	store   store.Store
	fetcher Fetcher
	logger  *slog.Logger

	// Lifecycle management for background cache writes
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithLogger sets the logger for the engine.
func WithLogger(logger *slog.Logger) EngineOption {
	return func(e *Engine) {
		e.logger = logger
	}
}

// NewEngine creates a strategy engine over the given store and fetcher.
func NewEngine(s store.Store, f Fetcher, opts ...EngineOption) *Engine {
	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		store:   s,
		fetcher: f,
		logger:  slog.Default(),
		ctx:     ctx,
		cancel:  cancel,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Close shuts down the engine and waits for background cache writes.
func (e *Engine) Close() {
	e.cancel()
	e.wg.Wait()
}

// CacheFirst returns the cached entry if present, without touching the
// network. On a miss it fetches, stores a copy of a successful
// response, and returns it. If the network fails it returns a
// placeholder image for image-like URLs and a synthetic 404 otherwise.
func (e *Engine) CacheFirst(ctx context.Context, ns studiocache.Namespace, url string) *Response {
	logger := e.logger.With("strategy", "cache-first", "namespace", ns, "url", url)

	if resp := e.matchCache(ctx, ns, url, logger); resp != nil {
		telemetry.RecordStrategy(ctx, "cache_first", "cache_hit")
		return resp
	}

	logger.Debug("cache miss, fetching from network")
	resp, err := e.fetcher.Fetch(ctx, url)
	if err != nil {
		logger.Debug("network fetch failed", "error", err)
		telemetry.RecordStrategy(ctx, "cache_first", "synthetic")
		if imageLike(url) {
			return PlaceholderImage()
		}
		return SyntheticNotFound()
	}

	e.cacheIfOK(ctx, ns, url, resp, logger)
	telemetry.RecordStrategy(ctx, "cache_first", "network")
	return resp
}

// NetworkFirst fetches from the network, storing a copy of a
// successful response. On network failure it falls back to the cache;
// with no cached entry it returns the synthetic offline page for
// navigation requests and a synthetic 408 otherwise.
func (e *Engine) NetworkFirst(ctx context.Context, ns studiocache.Namespace, url string, navigation bool) *Response {
	logger := e.logger.With("strategy", "network-first", "namespace", ns, "url", url)

	resp, err := e.fetcher.Fetch(ctx, url)
	if err == nil {
		e.cacheIfOK(ctx, ns, url, resp, logger)
		telemetry.RecordStrategy(ctx, "network_first", "network")
		return resp
	}

	logger.Debug("network fetch failed, falling back to cache", "error", err)
	if cached := e.matchCache(ctx, ns, url, logger); cached != nil {
		telemetry.RecordStrategy(ctx, "network_first", "cache_fallback")
		return cached
	}

	telemetry.RecordStrategy(ctx, "network_first", "synthetic")
	if navigation {
		return SyntheticOfflinePage()
	}
	return SyntheticTimeout()
}

// NetworkFirstWithTimeout races the network fetch against a timer.
// If the timer fires first the network is treated as failed, but the
// in-flight fetch is not canceled: it completes in the background and
// its cache write still lands. The cache may end up newer than the
// response the caller received; last writer wins.
func (e *Engine) NetworkFirstWithTimeout(ctx context.Context, ns studiocache.Namespace, url string, timeout time.Duration, navigation bool) *Response {
	logger := e.logger.With("strategy", "network-first-timeout", "namespace", ns, "url", url)

	resultCh := make(chan *Response, 1)
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()

		// Detached from the request context so the fetch survives the race.
		fetchCtx, cancel := context.WithTimeout(e.ctx, backgroundCacheTimeout)
		defer cancel()

		resp, err := e.fetcher.Fetch(fetchCtx, url)
		if err != nil {
			logger.Debug("network fetch failed", "error", err)
			resultCh <- nil
			return
		}
		// Store before signaling so a winning network response is
		// already retrievable from the cache when the caller resumes.
		e.cacheIfOK(fetchCtx, ns, url, resp, logger)
		resultCh <- resp
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp := <-resultCh:
		if resp != nil {
			telemetry.RecordStrategy(ctx, "network_first_timeout", "network")
			return resp
		}
		// Fetch failed before the timer: same fallback as network-first.
	case <-timer.C:
		logger.Debug("network fetch timed out", "timeout", timeout)
	case <-ctx.Done():
		logger.Debug("request canceled during fetch")
	}

	if cached := e.matchCache(ctx, ns, url, logger); cached != nil {
		telemetry.RecordStrategy(ctx, "network_first_timeout", "cache_fallback")
		return cached
	}

	telemetry.RecordStrategy(ctx, "network_first_timeout", "synthetic")
	if navigation {
		return SyntheticOfflinePage()
	}
	return SyntheticTimeout()
}

// Prefetch fetches a URL and stores it without returning a response
// to any caller. Used for shell install and cache-asset requests.
func (e *Engine) Prefetch(ctx context.Context, ns studiocache.Namespace, url string) error {
	resp, err := e.fetcher.Fetch(ctx, url)
	if err != nil {
		return err
	}
	if !resp.OK() {
		return fmt.Errorf("prefetch %s: upstream returned status %d", url, resp.StatusCode)
	}
	return e.store.Put(ctx, ns, &store.Entry{
		URL:         url,
		StatusCode:  resp.StatusCode,
		ContentType: resp.ContentType,
		Body:        resp.Body,
	})
}

// matchCache looks up a cached entry, treating misses and corrupt
// entries as a normal negative result.
func (e *Engine) matchCache(ctx context.Context, ns studiocache.Namespace, url string, logger *slog.Logger) *Response {
	entry, err := e.store.MatchIn(ctx, ns, url)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) && !errors.Is(err, store.ErrCorrupted) {
			logger.Error("cache read failed", "error", err)
		}
		return nil
	}
	return &Response{
		StatusCode:  entry.StatusCode,
		ContentType: entry.ContentType,
		Body:        entry.Body,
		Source:      SourceCache,
		StoredAt:    entry.StoredAt,
	}
}

// cacheIfOK stores a copy of a successful network response.
// Storage failures are logged, not surfaced: the caller still gets
// the network response.
func (e *Engine) cacheIfOK(ctx context.Context, ns studiocache.Namespace, url string, resp *Response, logger *slog.Logger) {
	if !resp.OK() {
		return
	}
	err := e.store.Put(ctx, ns, &store.Entry{
		URL:         url,
		StatusCode:  resp.StatusCode,
		ContentType: resp.ContentType,
		Body:        resp.Body,
	})
	if err != nil {
		logger.Error("failed to cache response", "error", err)
		return
	}
	logger.Debug("cached response", "size", len(resp.Body))
}
