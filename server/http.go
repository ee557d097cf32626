// Package server provides the HTTP server for the studio cache.
package server

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"golang.org/x/net/http2"

	studiocache "github.com/abedhatabh-bit/studio-cache"
	"github.com/abedhatabh-bit/studio-cache/backend"
	"github.com/abedhatabh-bit/studio-cache/connectivity"
	"github.com/abedhatabh-bit/studio-cache/notify"
	"github.com/abedhatabh-bit/studio-cache/queue"
	"github.com/abedhatabh-bit/studio-cache/router"
	"github.com/abedhatabh-bit/studio-cache/store"
	"github.com/abedhatabh-bit/studio-cache/store/metadb"
	"github.com/abedhatabh-bit/studio-cache/strategy"
	"github.com/abedhatabh-bit/studio-cache/syncer"
	"github.com/abedhatabh-bit/studio-cache/telemetry"
)

// Config holds server configuration.
type Config struct {
	// Address to listen on (e.g., ":8080")
	Address string

	// StoragePath is the root path for cache storage
	StoragePath string

	// OfflineDBPath is the path to the offline records database.
	// Defaults to offline.db under StoragePath.
	OfflineDBPath string

	// CacheVersion selects the active namespace generation. Bumping it
	// repopulates fresh namespaces; the activation sweep removes the
	// superseded ones.
	CacheVersion int

	// ShellURLs are prefetched into the shell namespace on startup.
	ShellURLs []string

	// UplinkURL is the remote service the mutation queue drains to.
	UplinkURL string

	// UplinkToken is the optional bearer token for the uplink.
	UplinkToken string

	// StartOffline starts the connectivity monitor in the offline state.
	StartOffline bool

	// Logger for the server
	Logger *slog.Logger
}

// Server is the HTTP server for the studio cache.
type Server struct {
	config     Config
	httpServer *http.Server
	logger     *slog.Logger
	now        func() time.Time

	// Components
	backend     *backend.Filesystem
	store       store.Store
	offlineDB   metadb.OfflineDB
	engine      *strategy.Engine
	dispatcher  *router.Dispatcher
	queue       *queue.Queue
	bus         *notify.Bus
	monitor     *connectivity.Monitor
	coordinator *syncer.Coordinator
}

// New creates a new server with the given configuration.
func New(cfg Config) (*Server, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Address == "" {
		cfg.Address = ":8080"
	}
	if cfg.StoragePath == "" {
		cfg.StoragePath = "./cache"
	}
	if cfg.OfflineDBPath == "" {
		cfg.OfflineDBPath = cfg.StoragePath + "/offline.db"
	}
	if cfg.CacheVersion <= 0 {
		cfg.CacheVersion = 1
	}

	fsBackend, err := backend.NewFilesystem(cfg.StoragePath)
	if err != nil {
		return nil, fmt.Errorf("creating filesystem backend: %w", err)
	}

	diskStore, err := store.NewDiskStore(fsBackend,
		store.WithLogger(cfg.Logger.With("component", "store")))
	if err != nil {
		return nil, fmt.Errorf("creating disk store: %w", err)
	}

	offlineDB := metadb.New(metadb.WithLogger(cfg.Logger.With("component", "metadb")))
	if err := offlineDB.Open(cfg.OfflineDBPath); err != nil {
		return nil, fmt.Errorf("opening offline db: %w", err)
	}

	fetcher := strategy.NewHTTPFetcher(strategy.WithHTTPClient(&http.Client{
		Timeout:   strategy.DefaultFetchTimeout,
		Transport: telemetry.NewInstrumentedTransport(nil),
	}))
	engine := strategy.NewEngine(diskStore, fetcher,
		strategy.WithLogger(cfg.Logger.With("component", "strategy")))

	mutationQueue := queue.New(offlineDB,
		queue.WithLogger(cfg.Logger.With("component", "queue")))

	bus := notify.NewBus(notify.WithLogger(cfg.Logger.With("component", "notify")))

	uplinkOpts := []syncer.UplinkOption{}
	if cfg.UplinkURL != "" {
		uplinkOpts = append(uplinkOpts, syncer.WithBaseURL(cfg.UplinkURL))
	}
	if cfg.UplinkToken != "" {
		uplinkOpts = append(uplinkOpts, syncer.WithBearerToken(cfg.UplinkToken))
	}
	uplink := syncer.NewUplink(uplinkOpts...)

	s := &Server{
		config:    cfg,
		logger:    cfg.Logger,
		now:       time.Now,
		backend:   fsBackend,
		store:     diskStore,
		offlineDB: offlineDB,
		engine:    engine,
		queue:     mutationQueue,
		bus:       bus,
	}

	monitorOpts := []connectivity.Option{
		connectivity.WithLogger(cfg.Logger.With("component", "connectivity")),
	}
	if cfg.StartOffline {
		monitorOpts = append(monitorOpts, connectivity.WithInitialState(connectivity.Offline))
	}
	s.monitor = connectivity.NewMonitor(bus, s.drainOnOnline, monitorOpts...)

	s.coordinator = syncer.NewCoordinator(mutationQueue, offlineDB, uplink, bus, s.monitor.IsOnline,
		syncer.WithLogger(cfg.Logger.With("component", "syncer")))

	s.dispatcher = router.NewDispatcher(engine, s.namespaceFor, s.passthroughHandler(),
		router.WithLogger(cfg.Logger.With("component", "router")))

	mux := http.NewServeMux()
	s.registerRoutes(mux)

	s.httpServer = &http.Server{
		Addr:         cfg.Address,
		Handler:      s.loggingMiddleware(mux),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Minute, // Long timeout for large export bodies
		IdleTimeout:  60 * time.Second,
	}
	if err := http2.ConfigureServer(s.httpServer, &http2.Server{}); err != nil {
		return nil, fmt.Errorf("configuring http2: %w", err)
	}

	return s, nil
}

// namespaceFor returns the active namespace for a category at the
// configured cache version.
func (s *Server) namespaceFor(c studiocache.Category) studiocache.Namespace {
	return studiocache.NamespaceFor(c, s.config.CacheVersion)
}

// drainOnOnline is the monitor's online callback.
func (s *Server) drainOnOnline(ctx context.Context) {
	if _, err := s.coordinator.SyncPendingData(ctx); err != nil {
		s.logger.Error("sync after reconnect failed", "error", err)
	}
}

// registerRoutes sets up the HTTP routes.
func (s *Server) registerRoutes(mux *http.ServeMux) {
	// Health check
	mux.HandleFunc("GET /health", s.handleHealth)

	// Cache stats
	mux.HandleFunc("GET /stats", s.handleStats)

	// Prometheus metrics endpoint (returns 404 if not enabled)
	mux.Handle("GET /metrics", telemetry.PrometheusHandler())

	// Control endpoints
	mux.HandleFunc("POST /_sw/cache-asset", s.handleCacheAsset)
	mux.HandleFunc("POST /_sw/cache-export", s.handleCacheExport)
	mux.HandleFunc("POST /_sw/skip-waiting", s.handleSkipWaiting)
	mux.HandleFunc("GET /_sw/connectivity", s.handleGetConnectivity)
	mux.HandleFunc("POST /_sw/connectivity", s.handleSetConnectivity)
	mux.HandleFunc("POST /_sw/mutations", s.handleEnqueueMutation)
	mux.HandleFunc("GET /_sw/mutations/pending", s.handlePendingMutations)
	mux.HandleFunc("POST /_sw/projects", s.handleSaveProject)
	mux.HandleFunc("GET /_sw/projects", s.handleListProjects)
	mux.HandleFunc("GET /_sw/projects/{id}", s.handleGetProject)
	mux.HandleFunc("DELETE /_sw/offline", s.handleClearOffline)
	mux.HandleFunc("POST /_sw/sync", s.handleSync)
	mux.HandleFunc("GET /_sw/events", s.handleEvents)

	// Everything else is a resource request routed through the
	// strategy engine.
	mux.Handle("/", s.dispatcher)
}

// loggingMiddleware logs HTTP requests with structured fields for analysis.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}

		// Inject request tags so handlers can set strategy, cache_result, etc.
		r = telemetry.InjectTags(r)
		tags := telemetry.GetTags(r)

		// Wrap response writer to capture status and bytes
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start)

		attrs := []any{
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,

			"status", wrapped.status,
			"status_class", telemetry.StatusClass(wrapped.status),
			"bytes_sent", wrapped.bytesWritten,

			"duration_ms", duration.Milliseconds(),
			"duration", duration.String(),

			"remote_addr", r.RemoteAddr,
			"user_agent", r.UserAgent(),
			"http_version", fmt.Sprintf("%d.%d", r.ProtoMajor, r.ProtoMinor),
		}

		if tags.Strategy != "" {
			attrs = append(attrs, "strategy", tags.Strategy)
		}
		if tags.Namespace != "" {
			attrs = append(attrs, "namespace", tags.Namespace)
		}
		if tags.Endpoint != "" {
			attrs = append(attrs, "endpoint", tags.Endpoint)
		}
		if tags.CacheResult != "" {
			attrs = append(attrs, "cache_result", string(tags.CacheResult))
		}

		if ct := wrapped.Header().Get("Content-Type"); ct != "" {
			attrs = append(attrs, "content_type", ct)
		}

		s.logger.Info("http request", attrs...)

		telemetry.RecordHTTP(r.Context(), r, wrapped.status, wrapped.bytesWritten, duration)
	})
}

// Start installs the shell, sweeps superseded namespaces, and starts
// the listener.
func (s *Server) Start() error {
	ctx := context.Background()

	if err := s.install(ctx); err != nil {
		s.logger.Warn("shell install incomplete", "error", err)
	}
	if err := s.activate(ctx); err != nil {
		return fmt.Errorf("activation sweep: %w", err)
	}

	s.logger.Info("starting server", "address", s.config.Address, "cacheVersion", s.config.CacheVersion)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server and its components.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down server")

	err := s.httpServer.Shutdown(ctx)
	s.engine.Close()
	s.bus.Close()
	if ds, ok := s.store.(*store.DiskStore); ok {
		ds.Close()
	}
	if dbErr := s.offlineDB.Close(); dbErr != nil && err == nil {
		err = dbErr
	}
	return err
}

// Address returns the server's listen address.
func (s *Server) Address() string {
	return s.config.Address
}

// responseWriter wraps http.ResponseWriter to capture the status code and bytes written.
// It preserves http.Flusher and http.Hijacker interfaces for streaming support.
type responseWriter struct {
	http.ResponseWriter
	status       int
	bytesWritten int64
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += int64(n)
	return n, err
}

// Flush implements http.Flusher for streaming responses.
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack implements http.Hijacker for connection upgrades.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, fmt.Errorf("hijacking not supported")
}

// Unwrap returns the underlying ResponseWriter.
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}
