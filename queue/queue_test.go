package queue

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
	"github.com/abedhatabh-bit/studio-cache/store/metadb"
)

func newTestQueue(t *testing.T, now *time.Time) *Queue {
	t.Helper()
	db := metadb.NewBoltDB(metadb.WithNoSync(true))
	require.NoError(t, db.Open(filepath.Join(t.TempDir(), "offline.db")))
	t.Cleanup(func() { _ = db.Close() })

	return New(db, WithNow(func() time.Time { return *now }))
}

func TestEnqueuePersists(t *testing.T) {
	now := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	q := newTestQueue(t, &now)
	ctx := context.Background()

	m, err := q.Enqueue(ctx, studiocache.MutationVideoCreation, json.RawMessage(`{"title":"clip"}`))
	require.NoError(t, err)
	require.NotEmpty(t, m.ID)
	require.Equal(t, studiocache.SyncPending, m.SyncStatus)
	require.True(t, m.CreatedAt.Equal(now))

	pending, err := q.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, m.ID, pending[0].ID)

	depth, err := q.Depth(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, depth)
}

func TestEnqueueRejectsUnknownKind(t *testing.T) {
	now := time.Now()
	q := newTestQueue(t, &now)

	_, err := q.Enqueue(context.Background(), studiocache.MutationKind("bogus"), nil)
	require.Error(t, err)
}

func TestDrainSyncsAllPending(t *testing.T) {
	now := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	q := newTestQueue(t, &now)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := q.Enqueue(ctx, studiocache.MutationVideoCreation, json.RawMessage(`{}`))
		require.NoError(t, err)
	}

	var mu sync.Mutex
	var synced []string
	result, err := q.Drain(ctx, func(_ context.Context, m *studiocache.PendingMutation) error {
		mu.Lock()
		defer mu.Unlock()
		synced = append(synced, m.ID)
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 3, result.Synced)
	require.Equal(t, 0, result.Failed)
	require.Equal(t, 0, result.Skipped)
	require.Len(t, synced, 3)

	depth, err := q.Depth(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, depth)
}

func TestDrainIssuesOneTaskPerItem(t *testing.T) {
	now := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	q := newTestQueue(t, &now)
	ctx := context.Background()

	const n = 4
	for i := 0; i < n; i++ {
		_, err := q.Enqueue(ctx, studiocache.MutationVideoCreation, json.RawMessage(`{}`))
		require.NoError(t, err)
	}

	// Every task must be in flight at once before any is released, so a
	// serialized drain would deadlock here instead of settling.
	var started sync.WaitGroup
	started.Add(n)
	release := make(chan struct{})
	go func() {
		started.Wait()
		close(release)
	}()

	result, err := q.Drain(ctx, func(context.Context, *studiocache.PendingMutation) error {
		started.Done()
		<-release
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, n, result.Synced)
}

func TestDrainPartialFailure(t *testing.T) {
	now := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	q := newTestQueue(t, &now)
	ctx := context.Background()

	good, err := q.Enqueue(ctx, studiocache.MutationVideoCreation, json.RawMessage(`{}`))
	require.NoError(t, err)
	bad, err := q.Enqueue(ctx, studiocache.MutationProjectUpdate, json.RawMessage(`{}`))
	require.NoError(t, err)

	result, err := q.Drain(ctx, func(_ context.Context, m *studiocache.PendingMutation) error {
		if m.ID == bad.ID {
			return errors.New("upload failed")
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 1, result.Synced)
	require.Equal(t, 1, result.Failed)

	// The failure never aborts the batch; the good item is synced.
	pending, err := q.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, bad.ID, pending[0].ID)
	require.Equal(t, 1, pending[0].Attempts)

	_ = good
}

func TestDrainSkipsItemsInBackoff(t *testing.T) {
	now := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	q := newTestQueue(t, &now)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, studiocache.MutationVideoCreation, json.RawMessage(`{}`))
	require.NoError(t, err)

	failAll := func(context.Context, *studiocache.PendingMutation) error {
		return errors.New("still down")
	}

	result, err := q.Drain(ctx, failAll)
	require.NoError(t, err)
	require.Equal(t, 1, result.Failed)

	// An immediate retry is skipped; the backoff delay has not elapsed.
	result, err = q.Drain(ctx, failAll)
	require.NoError(t, err)
	require.Equal(t, 0, result.Failed)
	require.Equal(t, 1, result.Skipped)

	// After the delay the item is eligible again.
	now = now.Add(time.Minute)
	result, err = q.Drain(ctx, failAll)
	require.NoError(t, err)
	require.Equal(t, 1, result.Failed)
	require.Equal(t, 0, result.Skipped)
}

func TestDrainNeverResendsSynced(t *testing.T) {
	now := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	q := newTestQueue(t, &now)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, studiocache.MutationVideoCreation, json.RawMessage(`{}`))
	require.NoError(t, err)

	var calls int
	syncFn := func(context.Context, *studiocache.PendingMutation) error {
		calls++
		return nil
	}

	_, err = q.Drain(ctx, syncFn)
	require.NoError(t, err)
	_, err = q.Drain(ctx, syncFn)
	require.NoError(t, err)
	require.Equal(t, 1, calls)
}

func TestRetryDelayIsCapped(t *testing.T) {
	small := retryDelay(1)
	require.Greater(t, small, time.Duration(0))
	require.Less(t, small, 3*time.Second)

	huge := retryDelay(50)
	require.LessOrEqual(t, huge, retryMaxInterval+retryMaxInterval/2)
}
