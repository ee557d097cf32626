package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	studiocache "github.com/abedhatabh-bit/studio-cache"
	"github.com/abedhatabh-bit/studio-cache/notify"
	"github.com/abedhatabh-bit/studio-cache/queue"
	"github.com/abedhatabh-bit/studio-cache/store/metadb"
)

// ErrUnknownKind is returned for a mutation whose kind has no sync
// handler. It fails that single item without aborting the batch.
var ErrUnknownKind = errors.New("unrecognized mutation kind")

// Remote is the subset of the uplink the coordinator needs.
// Implemented by Uplink.
type Remote interface {
	UploadVideoCreation(ctx context.Context, payload json.RawMessage) error
	UploadProjectUpdate(ctx context.Context, payload json.RawMessage) error
}

// Coordinator drains the offline mutation queue against the remote
// service. Drains are guarded: nothing happens while offline or when
// the queue is empty.
type Coordinator struct {
	queue  *queue.Queue
	db     metadb.OfflineDB
	remote Remote
	bus    *notify.Bus
	online func() bool
	logger *slog.Logger
	now    func() time.Time
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the logger for the coordinator.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Coordinator) {
		c.logger = logger
	}
}

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) Option {
	return func(c *Coordinator) {
		c.now = now
	}
}

// NewCoordinator creates a sync coordinator. online reports the
// current connectivity state before each drain attempt.
func NewCoordinator(q *queue.Queue, db metadb.OfflineDB, remote Remote, bus *notify.Bus, online func() bool, opts ...Option) *Coordinator {
	c := &Coordinator{
		queue:  q,
		db:     db,
		remote: remote,
		bus:    bus,
		online: online,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SyncPendingData drains every eligible pending mutation. It is a
// no-op while offline or when nothing is pending. After a drain it
// records the sync time and broadcasts a sync-complete notification
// carrying the count of items synced.
func (c *Coordinator) SyncPendingData(ctx context.Context) (*queue.DrainResult, error) {
	if !c.online() {
		c.logger.Debug("skipping sync, offline")
		return &queue.DrainResult{}, nil
	}

	depth, err := c.queue.Depth(ctx)
	if err != nil {
		return nil, fmt.Errorf("checking queue depth: %w", err)
	}
	if depth == 0 {
		c.logger.Debug("skipping sync, queue empty")
		return &queue.DrainResult{}, nil
	}

	result, err := c.queue.Drain(ctx, c.syncOne)
	if err != nil {
		return nil, fmt.Errorf("draining queue: %w", err)
	}

	if err := c.db.SetLastSync(ctx, c.now()); err != nil {
		c.logger.Error("failed to record sync time", "error", err)
	}
	c.bus.Publish(notify.EventSyncComplete, map[string]any{"count": result.Synced})
	return result, nil
}

// syncOne transmits one mutation according to its kind.
func (c *Coordinator) syncOne(ctx context.Context, m *studiocache.PendingMutation) error {
	switch m.Kind {
	case studiocache.MutationVideoCreation:
		return c.remote.UploadVideoCreation(ctx, m.Payload)
	case studiocache.MutationProjectUpdate:
		if err := c.remote.UploadProjectUpdate(ctx, m.Payload); err != nil {
			return err
		}
		return c.markProjectSynced(ctx, m.Payload)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownKind, m.Kind)
	}
}

// markProjectSynced flips the offline project snapshot named by the
// payload to synced. A payload without a matching snapshot is fine;
// the mutation may predate the snapshot's deletion.
func (c *Coordinator) markProjectSynced(ctx context.Context, payload json.RawMessage) error {
	var ref struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(payload, &ref); err != nil || ref.ID == "" {
		return nil
	}
	err := c.db.MarkProjectSynced(ctx, ref.ID)
	if errors.Is(err, metadb.ErrNotFound) {
		return nil
	}
	return err
}
