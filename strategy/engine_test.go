package strategy

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	studiocache "github.com/abedhatabh-bit/studio-cache"
	"github.com/abedhatabh-bit/studio-cache/backend"
	"github.com/abedhatabh-bit/studio-cache/store"
)

func newTestEngine(t *testing.T) (*Engine, store.Store) {
	t.Helper()
	fs, err := backend.NewFilesystem(t.TempDir())
	require.NoError(t, err)

	s, err := store.NewDiskStore(fs)
	require.NoError(t, err)
	t.Cleanup(s.Close)

	e := NewEngine(s, NewHTTPFetcher())
	t.Cleanup(e.Close)
	return e, s
}

func seedEntry(t *testing.T, s store.Store, ns studiocache.Namespace, url, body string) {
	t.Helper()
	require.NoError(t, s.Put(context.Background(), ns, &store.Entry{
		URL:         url,
		StatusCode:  200,
		ContentType: "text/plain",
		Body:        []byte(body),
	}))
}

func TestCacheFirstServesCachedEntry(t *testing.T) {
	e, s := newTestEngine(t)
	ns := studiocache.NamespaceFor(studiocache.CategoryAssets, 1)

	// No live server exists for this URL; a network attempt would fail.
	url := "http://127.0.0.1:1/assets/cached.txt"
	seedEntry(t, s, ns, url, "cached body")

	resp := e.CacheFirst(context.Background(), ns, url)
	require.Equal(t, SourceCache, resp.Source)
	require.Equal(t, 200, resp.StatusCode)
	require.Equal(t, []byte("cached body"), resp.Body)
}

func TestFetchCarriesViaHeader(t *testing.T) {
	var via string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		via = r.Header.Get("Via")
	}))
	defer upstream.Close()

	f := NewHTTPFetcher()
	_, err := f.Fetch(context.Background(), upstream.URL+"/anything")
	require.NoError(t, err)
	require.Equal(t, ViaProduct, via)
}

func TestCacheFirstFetchesAndCachesOnMiss(t *testing.T) {
	e, s := newTestEngine(t)
	ns := studiocache.NamespaceFor(studiocache.CategoryAssets, 1)

	var hits atomic.Int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte("fresh body"))
	}))
	defer upstream.Close()

	url := upstream.URL + "/assets/item.txt"
	resp := e.CacheFirst(context.Background(), ns, url)
	require.Equal(t, SourceNetwork, resp.Source)
	require.Equal(t, []byte("fresh body"), resp.Body)

	// The response was stored; a second resolution never hits the network.
	resp = e.CacheFirst(context.Background(), ns, url)
	require.Equal(t, SourceCache, resp.Source)
	require.Equal(t, []byte("fresh body"), resp.Body)
	require.Equal(t, int32(1), hits.Load())

	cached, err := s.MatchIn(context.Background(), ns, url)
	require.NoError(t, err)
	require.Equal(t, []byte("fresh body"), cached.Body)
}

func TestCacheFirstDoesNotCacheErrors(t *testing.T) {
	e, s := newTestEngine(t)
	ns := studiocache.NamespaceFor(studiocache.CategoryAssets, 1)

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer upstream.Close()

	url := upstream.URL + "/assets/broken.txt"
	resp := e.CacheFirst(context.Background(), ns, url)
	require.Equal(t, SourceNetwork, resp.Source)
	require.Equal(t, http.StatusInternalServerError, resp.StatusCode)

	_, err := s.MatchIn(context.Background(), ns, url)
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestCacheFirstPlaceholderForImages(t *testing.T) {
	e, _ := newTestEngine(t)
	ns := studiocache.NamespaceFor(studiocache.CategoryAssets, 1)

	resp := e.CacheFirst(context.Background(), ns, "http://127.0.0.1:1/assets/photo.png?w=300")
	require.Equal(t, SourceSynthetic, resp.Source)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "image/svg+xml", resp.ContentType)
}

func TestCacheFirstNotFoundForNonImages(t *testing.T) {
	e, _ := newTestEngine(t)
	ns := studiocache.NamespaceFor(studiocache.CategoryAssets, 1)

	resp := e.CacheFirst(context.Background(), ns, "http://127.0.0.1:1/assets/data.json")
	require.Equal(t, SourceSynthetic, resp.Source)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestNetworkFirstPrefersNetwork(t *testing.T) {
	e, s := newTestEngine(t)
	ns := studiocache.NamespaceFor(studiocache.CategoryShell, 1)

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("live"))
	}))
	defer upstream.Close()

	url := upstream.URL + "/page"
	seedEntry(t, s, ns, url, "stale")

	resp := e.NetworkFirst(context.Background(), ns, url, false)
	require.Equal(t, SourceNetwork, resp.Source)
	require.Equal(t, []byte("live"), resp.Body)

	// The cached copy was refreshed.
	cached, err := s.MatchIn(context.Background(), ns, url)
	require.NoError(t, err)
	require.Equal(t, []byte("live"), cached.Body)
}

func TestNetworkFirstFallsBackToCache(t *testing.T) {
	e, s := newTestEngine(t)
	ns := studiocache.NamespaceFor(studiocache.CategoryShell, 1)

	url := "http://127.0.0.1:1/page"
	seedEntry(t, s, ns, url, "stale but usable")

	resp := e.NetworkFirst(context.Background(), ns, url, false)
	require.Equal(t, SourceCache, resp.Source)
	require.Equal(t, []byte("stale but usable"), resp.Body)
}

func TestNetworkFirstOfflineFallbacks(t *testing.T) {
	e, _ := newTestEngine(t)
	ns := studiocache.NamespaceFor(studiocache.CategoryShell, 1)
	url := "http://127.0.0.1:1/page"

	nav := e.NetworkFirst(context.Background(), ns, url, true)
	require.Equal(t, SourceSynthetic, nav.Source)
	require.Equal(t, http.StatusOK, nav.StatusCode)
	require.Contains(t, nav.ContentType, "text/html")

	plain := e.NetworkFirst(context.Background(), ns, url, false)
	require.Equal(t, SourceSynthetic, plain.Source)
	require.Equal(t, http.StatusRequestTimeout, plain.StatusCode)
}

func TestNetworkFirstWithTimeoutFastNetwork(t *testing.T) {
	e, s := newTestEngine(t)
	ns := studiocache.NamespaceFor(studiocache.CategoryShell, 1)

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("quick"))
	}))
	defer upstream.Close()

	url := upstream.URL + "/api/data"
	resp := e.NetworkFirstWithTimeout(context.Background(), ns, url, 3*time.Second, false)
	require.Equal(t, SourceNetwork, resp.Source)
	require.Equal(t, []byte("quick"), resp.Body)

	// The cache write completes before the response is returned.
	cached, err := s.MatchIn(context.Background(), ns, url)
	require.NoError(t, err)
	require.Equal(t, []byte("quick"), cached.Body)
}

func TestNetworkFirstWithTimeoutSlowNetworkFallsBack(t *testing.T) {
	e, s := newTestEngine(t)
	ns := studiocache.NamespaceFor(studiocache.CategoryShell, 1)

	release := make(chan struct{})
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
		_, _ = w.Write([]byte("too late"))
	}))
	defer upstream.Close()
	defer close(release)

	url := upstream.URL + "/api/slow"
	seedEntry(t, s, ns, url, "cached api response")

	start := time.Now()
	resp := e.NetworkFirstWithTimeout(context.Background(), ns, url, 50*time.Millisecond, false)
	require.Less(t, time.Since(start), 2*time.Second)
	require.Equal(t, SourceCache, resp.Source)
	require.Equal(t, []byte("cached api response"), resp.Body)
}

func TestNetworkFirstWithTimeoutLosingFetchStillCaches(t *testing.T) {
	e, s := newTestEngine(t)
	ns := studiocache.NamespaceFor(studiocache.CategoryShell, 1)

	release := make(chan struct{})
	done := make(chan struct{})
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
		_, _ = w.Write([]byte("late winner"))
		close(done)
	}))
	defer upstream.Close()

	url := upstream.URL + "/api/racy"
	resp := e.NetworkFirstWithTimeout(context.Background(), ns, url, 50*time.Millisecond, false)
	require.Equal(t, SourceSynthetic, resp.Source)

	// Let the in-flight fetch finish; its cache write still lands.
	close(release)
	<-done
	require.Eventually(t, func() bool {
		cached, err := s.MatchIn(context.Background(), ns, url)
		return err == nil && string(cached.Body) == "late winner"
	}, 5*time.Second, 20*time.Millisecond)
}

func TestNetworkFirstWithTimeoutFailedFetchBeforeTimer(t *testing.T) {
	e, _ := newTestEngine(t)
	ns := studiocache.NamespaceFor(studiocache.CategoryShell, 1)

	resp := e.NetworkFirstWithTimeout(context.Background(), ns, "http://127.0.0.1:1/api/x", 10*time.Second, true)
	require.Equal(t, SourceSynthetic, resp.Source)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, resp.ContentType, "text/html")
}

func TestPrefetch(t *testing.T) {
	e, s := newTestEngine(t)
	ns := studiocache.NamespaceFor(studiocache.CategoryShell, 1)

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte("shell asset"))
	}))
	defer upstream.Close()

	require.NoError(t, e.Prefetch(context.Background(), ns, upstream.URL+"/app.js"))

	cached, err := s.MatchIn(context.Background(), ns, upstream.URL+"/app.js")
	require.NoError(t, err)
	require.Equal(t, []byte("shell asset"), cached.Body)

	require.Error(t, e.Prefetch(context.Background(), ns, upstream.URL+"/missing"))
}

func TestImageLike(t *testing.T) {
	tests := []struct {
		url  string
		want bool
	}{
		{"https://x/assets/a.png", true},
		{"https://x/assets/a.PNG", true},
		{"https://x/assets/a.jpeg?w=100", true},
		{"https://x/assets/a.webp#frag", true},
		{"https://x/assets/a.mp4", false},
		{"https://x/api/data", false},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, imageLike(tt.url), tt.url)
	}
}
