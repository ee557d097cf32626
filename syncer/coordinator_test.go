package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	studiocache "github.com/abedhatabh-bit/studio-cache"
	"github.com/abedhatabh-bit/studio-cache/notify"
	"github.com/abedhatabh-bit/studio-cache/queue"
	"github.com/abedhatabh-bit/studio-cache/store/metadb"
)

type fakeRemote struct {
	mu       sync.Mutex
	videos   []json.RawMessage
	projects []json.RawMessage
	fail     bool
}

func (f *fakeRemote) UploadVideoCreation(_ context.Context, payload json.RawMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("remote unavailable")
	}
	f.videos = append(f.videos, payload)
	return nil
}

func (f *fakeRemote) UploadProjectUpdate(_ context.Context, payload json.RawMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("remote unavailable")
	}
	f.projects = append(f.projects, payload)
	return nil
}

type fixture struct {
	db     metadb.OfflineDB
	queue  *queue.Queue
	remote *fakeRemote
	bus    *notify.Bus
	online bool
	coord  *Coordinator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := metadb.New(metadb.WithNoSync(true))
	require.NoError(t, db.Open(filepath.Join(t.TempDir(), "offline.db")))
	t.Cleanup(func() { _ = db.Close() })

	f := &fixture{
		db:     db,
		queue:  queue.New(db),
		remote: &fakeRemote{},
		bus:    notify.NewBus(),
		online: true,
	}
	t.Cleanup(f.bus.Close)

	f.coord = NewCoordinator(f.queue, db, f.remote, f.bus, func() bool { return f.online })
	return f
}

func TestSyncPendingDataOfflineNoop(t *testing.T) {
	f := newFixture(t)
	f.online = false
	ctx := context.Background()

	_, err := f.queue.Enqueue(ctx, studiocache.MutationVideoCreation, json.RawMessage(`{}`))
	require.NoError(t, err)

	result, err := f.coord.SyncPendingData(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, result.Synced)
	require.Empty(t, f.remote.videos)
}

func TestSyncPendingDataEmptyQueueNoop(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	events, cancel := f.bus.Subscribe()
	defer cancel()

	result, err := f.coord.SyncPendingData(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, result.Synced)

	// No sync-complete broadcast for a guarded no-op.
	select {
	case ev := <-events:
		t.Fatalf("unexpected event %v", ev)
	default:
	}
}

func TestSyncPendingDataDispatchesByKind(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.queue.Enqueue(ctx, studiocache.MutationVideoCreation, json.RawMessage(`{"title":"clip"}`))
	require.NoError(t, err)
	_, err = f.queue.Enqueue(ctx, studiocache.MutationProjectUpdate, json.RawMessage(`{"id":"proj-1"}`))
	require.NoError(t, err)

	result, err := f.coord.SyncPendingData(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, result.Synced)
	require.Len(t, f.remote.videos, 1)
	require.Len(t, f.remote.projects, 1)

	last, err := f.db.LastSync(ctx)
	require.NoError(t, err)
	require.False(t, last.IsZero())
}

func TestSyncPendingDataBroadcastsCount(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	events, cancel := f.bus.Subscribe()
	defer cancel()

	_, err := f.queue.Enqueue(ctx, studiocache.MutationVideoCreation, json.RawMessage(`{}`))
	require.NoError(t, err)

	_, err = f.coord.SyncPendingData(ctx)
	require.NoError(t, err)

	ev := <-events
	require.Equal(t, notify.EventSyncComplete, ev.Type)
	require.Equal(t, map[string]any{"count": 1}, ev.Data)
}

func TestSyncPendingDataMarksProjectSynced(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.db.PutProject(ctx, &studiocache.OfflineProject{
		ID:         "proj-1",
		Fields:     json.RawMessage(`{"id":"proj-1"}`),
		SyncStatus: studiocache.SyncPending,
	}))
	_, err := f.queue.Enqueue(ctx, studiocache.MutationProjectUpdate, json.RawMessage(`{"id":"proj-1"}`))
	require.NoError(t, err)

	_, err = f.coord.SyncPendingData(ctx)
	require.NoError(t, err)

	p, err := f.db.GetProject(ctx, "proj-1")
	require.NoError(t, err)
	require.Equal(t, studiocache.SyncSynced, p.SyncStatus)
}

func TestSyncPendingDataPartialFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.remote.fail = true
	_, err := f.queue.Enqueue(ctx, studiocache.MutationVideoCreation, json.RawMessage(`{}`))
	require.NoError(t, err)

	result, err := f.coord.SyncPendingData(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, result.Synced)
	require.Equal(t, 1, result.Failed)

	pending, err := f.queue.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
}

func TestSyncOneUnknownKind(t *testing.T) {
	f := newFixture(t)

	err := f.coord.syncOne(context.Background(), &studiocache.PendingMutation{
		ID:   "m1",
		Kind: studiocache.MutationKind("comment-create"),
	})
	require.ErrorIs(t, err, ErrUnknownKind)
}

func TestUnknownKindFailsItemNotBatch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Persist a record with an unknown kind directly; Enqueue validates.
	require.NoError(t, f.db.PutMutation(ctx, &studiocache.PendingMutation{
		ID:         "bad",
		Kind:       studiocache.MutationKind("comment-create"),
		CreatedAt:  time.Now().UTC(),
		SyncStatus: studiocache.SyncPending,
	}))
	_, err := f.queue.Enqueue(ctx, studiocache.MutationVideoCreation, json.RawMessage(`{}`))
	require.NoError(t, err)

	result, err := f.coord.SyncPendingData(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, result.Synced)
	require.Equal(t, 1, result.Failed)
	require.Len(t, f.remote.videos, 1)
}
