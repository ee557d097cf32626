// Package store provides the namespaced resource cache store.
//
// Each cache namespace is a versioned partition (shell, assets, exports)
// mapping normalized request URLs to stored response payloads. Entries
// are overwritten whole on refetch; readers never see partial bodies.
package store

import (
	"context"
	"errors"
	"time"

	studiocache "github.com/abedhatabh-bit/studio-cache"
)

// ErrNotFound is returned when no entry exists for a request key.
// A miss is a normal negative lookup result, not a failure.
var ErrNotFound = errors.New("store: entry not found")

// ErrCorrupted is returned when a stored entry fails integrity verification.
var ErrCorrupted = errors.New("store: entry integrity check failed")

// Entry is one cached response payload.
type Entry struct {
	// URL is the normalized absolute request URL (always GET).
	URL string

	// StatusCode of the stored response.
	StatusCode int

	// ContentType of the stored response body.
	ContentType string

	// Body is the full response payload.
	Body []byte

	// StoredAt is when the entry was written.
	StoredAt time.Time

	// Hash is the BLAKE3 digest of Body.
	Hash studiocache.Hash
}

// Stats describes the current contents of the cache store.
type Stats struct {
	Namespaces map[studiocache.Namespace]NamespaceStats
}

// NamespaceStats describes one namespace partition.
type NamespaceStats struct {
	Entries   int
	TotalSize int64
}

// Store is the resource cache store.
type Store interface {
	// Open ensures the namespace exists. Idempotent.
	Open(ctx context.Context, ns studiocache.Namespace) error

	// Put stores a full copy of the entry under its URL,
	// overwriting any prior entry for the same key.
	Put(ctx context.Context, ns studiocache.Namespace, entry *Entry) error

	// MatchIn looks up an entry by URL in a designated namespace.
	// Returns ErrNotFound on a miss.
	MatchIn(ctx context.Context, ns studiocache.Namespace, url string) (*Entry, error)

	// Match looks up an entry by URL across all open namespaces.
	// Returns ErrNotFound on a miss.
	Match(ctx context.Context, url string) (*Entry, error)

	// Delete removes an entire namespace partition.
	Delete(ctx context.Context, ns studiocache.Namespace) error

	// ListNamespaces returns the names of all existing namespaces.
	ListNamespaces(ctx context.Context) ([]studiocache.Namespace, error)

	// Sweep deletes every namespace not present in keep.
	// Returns the names of the deleted namespaces.
	Sweep(ctx context.Context, keep []studiocache.Namespace) ([]studiocache.Namespace, error)

	// Stats reports entry counts and sizes per namespace.
	Stats(ctx context.Context) (*Stats, error)
}
