package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"slices"
	"strings"
	"time"

	studiocache "github.com/abedhatabh-bit/studio-cache"
	"github.com/abedhatabh-bit/studio-cache/backend"
)

const (
	// cachesPrefix is the backend key prefix for all cache namespaces.
	cachesPrefix = "caches"

	// markerName is the marker key written when a namespace is opened,
	// so empty namespaces still show up in ListNamespaces.
	markerName = ".namespace"
)

// DiskStore implements Store over a storage backend.
// Entry bodies are framed (header + optionally compressed body) and
// keyed by the BLAKE3 hash of the request URL, sharded one level deep.
type DiskStore struct {
	backend backend.Backend
	codec   *backend.EntryCodec
	logger  *slog.Logger
	now     func() time.Time
}

// DiskStoreOption configures a DiskStore.
type DiskStoreOption func(*DiskStore)

// WithLogger sets the logger for the store.
func WithLogger(logger *slog.Logger) DiskStoreOption {
	return func(s *DiskStore) {
		s.logger = logger
	}
}

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) DiskStoreOption {
	return func(s *DiskStore) {
		s.now = now
	}
}

// NewDiskStore creates a cache store over the given backend.
func NewDiskStore(b backend.Backend, opts ...DiskStoreOption) (*DiskStore, error) {
	codec, err := backend.NewEntryCodec()
	if err != nil {
		return nil, fmt.Errorf("creating entry codec: %w", err)
	}

	s := &DiskStore{
		backend: b,
		codec:   codec,
		logger:  slog.Default(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Close releases codec resources.
func (s *DiskStore) Close() {
	s.codec.Close()
}

// Open ensures the namespace exists. Idempotent.
func (s *DiskStore) Open(ctx context.Context, ns studiocache.Namespace) error {
	key := path.Join(cachesPrefix, ns.String(), markerName)
	exists, err := s.backend.Exists(ctx, key)
	if err != nil {
		return fmt.Errorf("checking namespace marker: %w", err)
	}
	if exists {
		return nil
	}
	if err := s.backend.Write(ctx, key, strings.NewReader(s.now().UTC().Format(time.RFC3339))); err != nil {
		return fmt.Errorf("writing namespace marker: %w", err)
	}
	s.logger.Debug("opened namespace", "namespace", ns)
	return nil
}

// Put stores a full copy of the entry, overwriting any prior entry
// for the same URL. The backend write is atomic, so concurrent reads
// of the same key see either the old or the new entry, never a mix.
func (s *DiskStore) Put(ctx context.Context, ns studiocache.Namespace, entry *Entry) error {
	if err := s.Open(ctx, ns); err != nil {
		return err
	}

	hash := studiocache.HashBytes(entry.Body)
	header := &backend.EntryHeader{
		URL:           entry.URL,
		StatusCode:    entry.StatusCode,
		ContentType:   entry.ContentType,
		ContentLength: int64(len(entry.Body)),
		ContentHash:   hash.String(),
		StoredAt:      s.now().UTC(),
	}

	var buf bytes.Buffer
	if err := s.codec.Encode(&buf, header, entry.Body); err != nil {
		return fmt.Errorf("encoding entry: %w", err)
	}

	if err := s.backend.Write(ctx, s.entryKey(ns, entry.URL), &buf); err != nil {
		return fmt.Errorf("writing entry: %w", err)
	}

	s.logger.Debug("stored entry",
		"namespace", ns,
		"url", entry.URL,
		"size", len(entry.Body),
		"hash", hash.ShortString(),
	)
	return nil
}

// MatchIn looks up an entry by URL in a designated namespace.
func (s *DiskStore) MatchIn(ctx context.Context, ns studiocache.Namespace, url string) (*Entry, error) {
	rc, err := s.backend.Read(ctx, s.entryKey(ns, url))
	if err != nil {
		if errors.Is(err, backend.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("reading entry: %w", err)
	}
	defer func() { _ = rc.Close() }()

	return s.decodeEntry(rc, url)
}

// Match looks up an entry by URL across all existing namespaces.
func (s *DiskStore) Match(ctx context.Context, url string) (*Entry, error) {
	namespaces, err := s.ListNamespaces(ctx)
	if err != nil {
		return nil, err
	}
	for _, ns := range namespaces {
		entry, err := s.MatchIn(ctx, ns, url)
		if err == nil {
			return entry, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
	}
	return nil, ErrNotFound
}

// Delete removes an entire namespace partition.
func (s *DiskStore) Delete(ctx context.Context, ns studiocache.Namespace) error {
	if err := s.backend.DeletePrefix(ctx, path.Join(cachesPrefix, ns.String())); err != nil {
		return fmt.Errorf("deleting namespace %s: %w", ns, err)
	}
	s.logger.Debug("deleted namespace", "namespace", ns)
	return nil
}

// ListNamespaces returns the names of all existing namespaces.
func (s *DiskStore) ListNamespaces(ctx context.Context) ([]studiocache.Namespace, error) {
	keys, err := s.backend.List(ctx, cachesPrefix)
	if err != nil {
		return nil, fmt.Errorf("listing namespaces: %w", err)
	}

	seen := make(map[studiocache.Namespace]bool)
	var namespaces []studiocache.Namespace
	for _, key := range keys {
		rest := strings.TrimPrefix(key, cachesPrefix+"/")
		name, _, ok := strings.Cut(rest, "/")
		if !ok || name == "" {
			continue
		}
		ns := studiocache.Namespace(name)
		if !seen[ns] {
			seen[ns] = true
			namespaces = append(namespaces, ns)
		}
	}
	slices.Sort(namespaces)
	return namespaces, nil
}

// Sweep deletes every namespace not present in keep. This is the
// activation sweep: a new deployment keeps only its own versioned
// namespaces and removes superseded ones.
func (s *DiskStore) Sweep(ctx context.Context, keep []studiocache.Namespace) ([]studiocache.Namespace, error) {
	namespaces, err := s.ListNamespaces(ctx)
	if err != nil {
		return nil, err
	}

	var deleted []studiocache.Namespace
	for _, ns := range namespaces {
		if slices.Contains(keep, ns) {
			continue
		}
		if err := s.Delete(ctx, ns); err != nil {
			return deleted, err
		}
		deleted = append(deleted, ns)
	}

	if len(deleted) > 0 {
		s.logger.Info("swept stale namespaces", "deleted", deleted, "kept", keep)
	}
	return deleted, nil
}

// Stats reports entry counts and sizes per namespace.
func (s *DiskStore) Stats(ctx context.Context) (*Stats, error) {
	keys, err := s.backend.List(ctx, cachesPrefix)
	if err != nil {
		return nil, fmt.Errorf("listing entries: %w", err)
	}

	stats := &Stats{Namespaces: make(map[studiocache.Namespace]NamespaceStats)}
	for _, key := range keys {
		rest := strings.TrimPrefix(key, cachesPrefix+"/")
		name, file, ok := strings.Cut(rest, "/")
		if !ok || name == "" {
			continue
		}
		ns := studiocache.Namespace(name)
		nsStats := stats.Namespaces[ns]
		if path.Base(file) != markerName {
			size, err := s.backend.Size(ctx, key)
			if err != nil && !errors.Is(err, backend.ErrNotFound) {
				return nil, err
			}
			nsStats.Entries++
			nsStats.TotalSize += size
		}
		stats.Namespaces[ns] = nsStats
	}
	return stats, nil
}

// entryKey builds the backend key for an entry: caches/<ns>/<shard>/<urlhash>.
func (s *DiskStore) entryKey(ns studiocache.Namespace, url string) string {
	h := studiocache.HashURL(url)
	return path.Join(cachesPrefix, ns.String(), h.Dir(), h.String())
}

// decodeEntry decodes a framed entry and verifies body integrity.
func (s *DiskStore) decodeEntry(r io.Reader, url string) (*Entry, error) {
	header, body, err := s.codec.Decode(r)
	if err != nil {
		return nil, fmt.Errorf("decoding entry: %w", err)
	}

	hash := studiocache.HashBytes(body)
	if header.ContentHash != "" && header.ContentHash != hash.String() {
		s.logger.Warn("entry integrity check failed", "url", url, "expected", header.ContentHash, "got", hash.String())
		return nil, ErrCorrupted
	}

	return &Entry{
		URL:         header.URL,
		StatusCode:  header.StatusCode,
		ContentType: header.ContentType,
		Body:        body,
		StoredAt:    header.StoredAt,
		Hash:        hash,
	}, nil
}

// Compile-time interface check
var _ Store = (*DiskStore)(nil)
