// Package metadb provides durable storage for offline records: pending
// mutations, offline project snapshots, and the last-sync timestamp.
//
// All writes go through bbolt update transactions, which serialize
// writers. Concurrent enqueues from multiple request-handling
// goroutines therefore cannot race on the persisted pending set.
package metadb

import (
	"context"
	"errors"
	"time"

	studiocache "github.com/abedhatabh-bit/studio-cache"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("metadb: not found")

// OfflineDB stores the durable offline state.
type OfflineDB interface {
	// Lifecycle
	Open(path string) error
	Close() error

	// Pending mutations
	PutMutation(ctx context.Context, m *studiocache.PendingMutation) error
	GetMutation(ctx context.Context, id string) (*studiocache.PendingMutation, error)
	ListMutations(ctx context.Context) ([]*studiocache.PendingMutation, error)
	ListPendingMutations(ctx context.Context) ([]*studiocache.PendingMutation, error)
	// MarkMutationSynced transitions a mutation to synced. The durable
	// record is retained so a synced mutation is never re-sent.
	MarkMutationSynced(ctx context.Context, id string) error
	// IncrementMutationAttempts bumps the failed attempt counter and
	// returns the new count.
	IncrementMutationAttempts(ctx context.Context, id string) (int, error)

	// Offline projects
	PutProject(ctx context.Context, p *studiocache.OfflineProject) error
	GetProject(ctx context.Context, id string) (*studiocache.OfflineProject, error)
	ListProjects(ctx context.Context) ([]*studiocache.OfflineProject, error)
	MarkProjectSynced(ctx context.Context, id string) error

	// Sync bookkeeping
	SetLastSync(ctx context.Context, t time.Time) error
	LastSync(ctx context.Context) (time.Time, error)

	// ClearOffline removes all offline records.
	ClearOffline(ctx context.Context) error
}

// New creates a new OfflineDB backed by bbolt.
func New(opts ...BoltDBOption) OfflineDB {
	return NewBoltDB(opts...)
}
