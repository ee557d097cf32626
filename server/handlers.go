package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	studiocache "github.com/abedhatabh-bit/studio-cache"
	"github.com/abedhatabh-bit/studio-cache/notify"
	"github.com/abedhatabh-bit/studio-cache/store"
	"github.com/abedhatabh-bit/studio-cache/store/metadb"
	"github.com/abedhatabh-bit/studio-cache/telemetry"
)

// maxControlBody caps control endpoint request bodies.
const maxControlBody = 16 * 1024 * 1024

// handleHealth handles health check requests.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// handleStats handles cache statistics requests.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "stats")

	stats, err := s.store.Stats(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	depth, err := s.queue.Depth(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	lastSync, err := s.offlineDB.LastSync(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	out := struct {
		Namespaces   map[studiocache.Namespace]store.NamespaceStats `json:"namespaces"`
		PendingCount int                                            `json:"pending_count"`
		Connectivity string                                         `json:"connectivity"`
		LastSync     *time.Time                                     `json:"last_sync,omitempty"`
	}{
		Namespaces:   stats.Namespaces,
		PendingCount: depth,
		Connectivity: string(s.monitor.State()),
	}
	if !lastSync.IsZero() {
		out.LastSync = &lastSync
	}
	writeJSON(w, http.StatusOK, out)
}

// handleCacheAsset prefetches a URL into the asset namespace on
// request from the application.
func (s *Server) handleCacheAsset(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "cache-asset")

	var req struct {
		URL string `json:"url"`
	}
	if err := decodeJSON(r, &req); err != nil || req.URL == "" {
		http.Error(w, "expected json body with url", http.StatusBadRequest)
		return
	}

	ns := s.namespaceFor(studiocache.CategoryAssets)
	if err := s.engine.Prefetch(r.Context(), ns, req.URL); err != nil {
		s.logger.Warn("asset prefetch failed", "url", req.URL, "error", err)
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"cached": req.URL})
}

// handleCacheExport stores a locally produced export artifact. The
// body is the artifact itself; the key comes from the url query
// parameter so blob URLs that cannot be refetched still get cached.
func (s *Server) handleCacheExport(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "cache-export")

	key := r.URL.Query().Get("url")
	if key == "" {
		http.Error(w, "missing url query parameter", http.StatusBadRequest)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxControlBody+1))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if len(body) > maxControlBody {
		http.Error(w, "export too large", http.StatusRequestEntityTooLarge)
		return
	}

	contentType := r.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	ns := s.namespaceFor(studiocache.CategoryExports)
	err = s.store.Put(r.Context(), ns, &store.Entry{
		URL:         key,
		StatusCode:  http.StatusOK,
		ContentType: contentType,
		Body:        body,
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	telemetry.RecordEntryWrite(r.Context(), string(ns), int64(len(body)))
	writeJSON(w, http.StatusCreated, map[string]string{"cached": key})
}

// handleSkipWaiting broadcasts the upgrade signal so clients move to
// the new cache version immediately.
func (s *Server) handleSkipWaiting(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "skip-waiting")
	s.bus.Publish(notify.EventSkipWaiting, map[string]int{"cache_version": s.config.CacheVersion})
	w.WriteHeader(http.StatusNoContent)
}

// handleGetConnectivity reports the current connectivity state.
func (s *Server) handleGetConnectivity(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "connectivity")
	writeJSON(w, http.StatusOK, map[string]bool{"online": s.monitor.IsOnline()})
}

// handleSetConnectivity signals a connectivity transition.
func (s *Server) handleSetConnectivity(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "connectivity")

	var req struct {
		Online bool `json:"online"`
	}
	if err := decodeJSON(r, &req); err != nil {
		http.Error(w, "expected json body with online", http.StatusBadRequest)
		return
	}

	if req.Online {
		s.monitor.SetOnline(r.Context())
	} else {
		s.monitor.SetOffline(r.Context())
	}
	writeJSON(w, http.StatusOK, map[string]bool{"online": s.monitor.IsOnline()})
}

// handleEnqueueMutation appends a mutation to the offline queue.
func (s *Server) handleEnqueueMutation(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "mutations")

	var req struct {
		Kind    studiocache.MutationKind `json:"kind"`
		Payload json.RawMessage          `json:"payload"`
	}
	if err := decodeJSON(r, &req); err != nil {
		http.Error(w, "expected json body with kind and payload", http.StatusBadRequest)
		return
	}

	m, err := s.queue.Enqueue(r.Context(), req.Kind, req.Payload)
	if err != nil {
		if !req.Kind.Valid() {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	// Project updates also refresh the offline snapshot so the app can
	// resume editing after a reload.
	if req.Kind == studiocache.MutationProjectUpdate {
		s.saveProjectSnapshot(r, req.Payload)
	}

	writeJSON(w, http.StatusCreated, m)
}

// saveProjectSnapshot upserts the offline project snapshot named by a
// project-update payload. Best effort; the mutation is already queued.
func (s *Server) saveProjectSnapshot(r *http.Request, payload json.RawMessage) {
	var ref struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(payload, &ref); err != nil || ref.ID == "" {
		return
	}
	p := &studiocache.OfflineProject{
		ID:           ref.ID,
		Fields:       payload,
		OfflineMode:  !s.monitor.IsOnline(),
		LastModified: s.now(),
		SyncStatus:   studiocache.SyncPending,
	}
	if err := s.offlineDB.PutProject(r.Context(), p); err != nil {
		s.logger.Error("failed to save project snapshot", "id", ref.ID, "error", err)
	}
}

// handlePendingMutations lists the unsynced mutations in enqueue order.
func (s *Server) handlePendingMutations(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "mutations")

	pending, err := s.queue.Pending(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if pending == nil {
		pending = []*studiocache.PendingMutation{}
	}
	writeJSON(w, http.StatusOK, pending)
}

// handleSaveProject stores an offline project snapshot.
func (s *Server) handleSaveProject(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "projects")

	var req struct {
		ID     string          `json:"id"`
		Fields json.RawMessage `json:"fields"`
	}
	if err := decodeJSON(r, &req); err != nil || req.ID == "" {
		http.Error(w, "expected json body with id and fields", http.StatusBadRequest)
		return
	}

	p := &studiocache.OfflineProject{
		ID:           req.ID,
		Fields:       req.Fields,
		OfflineMode:  !s.monitor.IsOnline(),
		LastModified: s.now(),
		SyncStatus:   studiocache.SyncPending,
	}
	if err := s.offlineDB.PutProject(r.Context(), p); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

// handleListProjects lists the offline project snapshots.
func (s *Server) handleListProjects(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "projects")

	projects, err := s.offlineDB.ListProjects(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if projects == nil {
		projects = []*studiocache.OfflineProject{}
	}
	writeJSON(w, http.StatusOK, projects)
}

// handleGetProject fetches one offline project snapshot.
func (s *Server) handleGetProject(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "projects")

	p, err := s.offlineDB.GetProject(r.Context(), r.PathValue("id"))
	if errors.Is(err, metadb.ErrNotFound) {
		http.NotFound(w, r)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// handleClearOffline removes all offline records.
func (s *Server) handleClearOffline(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "offline")

	if err := s.offlineDB.ClearOffline(r.Context()); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleSync triggers a drain of the pending mutation queue.
func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "sync")

	result, err := s.coordinator.SyncPendingData(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// handleEvents streams bus events to the client as server-sent events.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "events")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	events, cancel := s.bus.Subscribe()
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			_, _ = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
			flusher.Flush()
		}
	}
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxControlBody))
	return dec.Decode(v)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
