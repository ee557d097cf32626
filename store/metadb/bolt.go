package metadb

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"go.etcd.io/bbolt"

	studiocache "github.com/abedhatabh-bit/studio-cache"
)

// BoltDB implements OfflineDB using bbolt.
type BoltDB struct {
	db     *bbolt.DB
	logger *slog.Logger
	now    func() time.Time
	noSync bool // disables fsync per transaction (for testing only)
}

// BoltDBOption configures a BoltDB instance.
type BoltDBOption func(*BoltDB)

// WithLogger sets the logger for the database.
func WithLogger(logger *slog.Logger) BoltDBOption {
	return func(b *BoltDB) {
		b.logger = logger
	}
}

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) BoltDBOption {
	return func(b *BoltDB) {
		b.now = now
	}
}

// WithNoSync disables fsync per transaction.
// WARNING: This improves write performance but risks data loss on crash.
// Use only for testing or benchmarking, never in production.
func WithNoSync(noSync bool) BoltDBOption {
	return func(b *BoltDB) {
		b.noSync = noSync
	}
}

// NewBoltDB creates a new BoltDB instance with options.
func NewBoltDB(opts ...BoltDBOption) *BoltDB {
	b := &BoltDB{
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Open opens the database at the given path.
func (b *BoltDB) Open(path string) error {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{
		Timeout: 1 * time.Second,
		NoSync:  b.noSync,
	})
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	b.db = db

	if err := b.createBuckets(); err != nil {
		_ = db.Close()
		return err
	}

	b.logger.Debug("opened offline db", "path", path, "noSync", b.noSync)
	return nil
}

func (b *BoltDB) createBuckets() error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		buckets := [][]byte{
			bucketMutations,
			bucketProjects,
			bucketState,
		}
		for _, name := range buckets {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("creating bucket %s: %w", name, err)
			}
		}
		return nil
	})
}

// Close closes the database and releases resources.
func (b *BoltDB) Close() error {
	if b.db == nil {
		return nil
	}
	b.logger.Debug("closing offline db")
	return b.db.Close()
}

// PutMutation stores a pending mutation keyed by its id.
func (b *BoltDB) PutMutation(_ context.Context, m *studiocache.PendingMutation) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshaling mutation: %w", err)
	}
	return b.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.Bucket(bucketMutations).Put([]byte(m.ID), data); err != nil {
			return fmt.Errorf("putting mutation: %w", err)
		}
		return nil
	})
}

// GetMutation retrieves a mutation by id.
func (b *BoltDB) GetMutation(_ context.Context, id string) (*studiocache.PendingMutation, error) {
	var m studiocache.PendingMutation
	err := b.db.View(func(tx *bbolt.Tx) error {
		val := tx.Bucket(bucketMutations).Get([]byte(id))
		if val == nil {
			return ErrNotFound
		}
		return json.Unmarshal(val, &m)
	})
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// ListMutations returns all mutation records ordered by creation time.
func (b *BoltDB) ListMutations(ctx context.Context) ([]*studiocache.PendingMutation, error) {
	return b.listMutations(func(*studiocache.PendingMutation) bool { return true })
}

// ListPendingMutations returns unsynced mutations ordered by creation time.
func (b *BoltDB) ListPendingMutations(ctx context.Context) ([]*studiocache.PendingMutation, error) {
	return b.listMutations(func(m *studiocache.PendingMutation) bool {
		return m.SyncStatus != studiocache.SyncSynced
	})
}

func (b *BoltDB) listMutations(keep func(*studiocache.PendingMutation) bool) ([]*studiocache.PendingMutation, error) {
	var mutations []*studiocache.PendingMutation
	err := b.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketMutations).ForEach(func(k, v []byte) error {
			var m studiocache.PendingMutation
			if err := json.Unmarshal(v, &m); err != nil {
				return fmt.Errorf("unmarshaling mutation %s: %w", k, err)
			}
			if keep(&m) {
				mutations = append(mutations, &m)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(mutations, func(i, j int) bool {
		return mutations[i].CreatedAt.Before(mutations[j].CreatedAt)
	})
	return mutations, nil
}

// MarkMutationSynced transitions a mutation to synced.
// The record is retained for idempotence checks.
func (b *BoltDB) MarkMutationSynced(_ context.Context, id string) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketMutations)
		val := bucket.Get([]byte(id))
		if val == nil {
			return ErrNotFound
		}
		var m studiocache.PendingMutation
		if err := json.Unmarshal(val, &m); err != nil {
			return fmt.Errorf("unmarshaling mutation: %w", err)
		}
		m.SyncStatus = studiocache.SyncSynced
		m.Attempts = 0
		data, err := json.Marshal(&m)
		if err != nil {
			return fmt.Errorf("marshaling mutation: %w", err)
		}
		return bucket.Put([]byte(id), data)
	})
}

// IncrementMutationAttempts bumps the failed attempt counter.
func (b *BoltDB) IncrementMutationAttempts(_ context.Context, id string) (int, error) {
	var attempts int
	err := b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketMutations)
		val := bucket.Get([]byte(id))
		if val == nil {
			return ErrNotFound
		}
		var m studiocache.PendingMutation
		if err := json.Unmarshal(val, &m); err != nil {
			return fmt.Errorf("unmarshaling mutation: %w", err)
		}
		m.Attempts++
		attempts = m.Attempts
		data, err := json.Marshal(&m)
		if err != nil {
			return fmt.Errorf("marshaling mutation: %w", err)
		}
		return bucket.Put([]byte(id), data)
	})
	if err != nil {
		return 0, err
	}
	return attempts, nil
}

// PutProject stores an offline project snapshot, overwriting any
// previous snapshot for the same project id.
func (b *BoltDB) PutProject(_ context.Context, p *studiocache.OfflineProject) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshaling project: %w", err)
	}
	return b.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.Bucket(bucketProjects).Put([]byte(p.ID), data); err != nil {
			return fmt.Errorf("putting project: %w", err)
		}
		return nil
	})
}

// GetProject retrieves an offline project snapshot by id.
func (b *BoltDB) GetProject(_ context.Context, id string) (*studiocache.OfflineProject, error) {
	var p studiocache.OfflineProject
	err := b.db.View(func(tx *bbolt.Tx) error {
		val := tx.Bucket(bucketProjects).Get([]byte(id))
		if val == nil {
			return ErrNotFound
		}
		return json.Unmarshal(val, &p)
	})
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// ListProjects returns all offline project snapshots ordered by last modification.
func (b *BoltDB) ListProjects(_ context.Context) ([]*studiocache.OfflineProject, error) {
	var projects []*studiocache.OfflineProject
	err := b.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketProjects).ForEach(func(k, v []byte) error {
			var p studiocache.OfflineProject
			if err := json.Unmarshal(v, &p); err != nil {
				return fmt.Errorf("unmarshaling project %s: %w", k, err)
			}
			projects = append(projects, &p)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(projects, func(i, j int) bool {
		return projects[i].LastModified.Before(projects[j].LastModified)
	})
	return projects, nil
}

// MarkProjectSynced transitions a project snapshot to synced.
func (b *BoltDB) MarkProjectSynced(_ context.Context, id string) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketProjects)
		val := bucket.Get([]byte(id))
		if val == nil {
			return ErrNotFound
		}
		var p studiocache.OfflineProject
		if err := json.Unmarshal(val, &p); err != nil {
			return fmt.Errorf("unmarshaling project: %w", err)
		}
		p.SyncStatus = studiocache.SyncSynced
		data, err := json.Marshal(&p)
		if err != nil {
			return fmt.Errorf("marshaling project: %w", err)
		}
		return bucket.Put([]byte(id), data)
	})
}

// SetLastSync records the completion time of the latest successful drain.
func (b *BoltDB) SetLastSync(_ context.Context, t time.Time) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketState).Put(keyLastSync, encodeTimestamp(t))
	})
}

// LastSync returns the last recorded sync time, or the zero time if
// no sync has completed yet.
func (b *BoltDB) LastSync(_ context.Context) (time.Time, error) {
	var t time.Time
	err := b.db.View(func(tx *bbolt.Tx) error {
		val := tx.Bucket(bucketState).Get(keyLastSync)
		if val != nil {
			t = decodeTimestamp(val)
		}
		return nil
	})
	return t, err
}

// ClearOffline removes all offline records.
func (b *BoltDB) ClearOffline(_ context.Context) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketMutations, bucketProjects, bucketState} {
			if err := tx.DeleteBucket(name); err != nil {
				return fmt.Errorf("deleting bucket %s: %w", name, err)
			}
			if _, err := tx.CreateBucket(name); err != nil {
				return fmt.Errorf("recreating bucket %s: %w", name, err)
			}
		}
		return nil
	})
}

// Compile-time interface check
var _ OfflineDB = (*BoltDB)(nil)
