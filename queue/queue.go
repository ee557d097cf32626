// Package queue implements the durable offline mutation queue.
// Mutations enqueued while offline survive restarts and are drained
// against the remote service once connectivity returns.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"

	studiocache "github.com/abedhatabh-bit/studio-cache"
	"github.com/abedhatabh-bit/studio-cache/store/metadb"
	"github.com/abedhatabh-bit/studio-cache/telemetry"
)

const (
	// retryInitialInterval is the delay after the first failed sync attempt.
	retryInitialInterval = 1 * time.Second

	// retryMaxInterval caps the per-item retry delay.
	retryMaxInterval = 5 * time.Minute
)

// SyncFunc transmits one mutation to the remote service. A nil return
// marks the mutation synced; an error schedules a retry.
type SyncFunc func(ctx context.Context, m *studiocache.PendingMutation) error

// DrainResult summarises one drain cycle.
type DrainResult struct {
	Synced  int `json:"synced"`
	Failed  int `json:"failed"`
	Skipped int `json:"skipped"`
}

// Queue is the persistent offline mutation queue. All writes go
// through the offline database so the pending set survives restarts.
// Retry delays are tracked in memory only; after a restart every
// pending mutation is immediately eligible again.
type Queue struct {
	db     metadb.OfflineDB
	logger *slog.Logger
	now    func() time.Time

	mu        sync.Mutex
	notBefore map[string]time.Time
}

// Option configures a Queue.
type Option func(*Queue)

// WithLogger sets the logger for the queue.
func WithLogger(logger *slog.Logger) Option {
	return func(q *Queue) {
		q.logger = logger
	}
}

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) Option {
	return func(q *Queue) {
		q.now = now
	}
}

// New creates a queue over the given offline database.
func New(db metadb.OfflineDB, opts ...Option) *Queue {
	q := &Queue{
		db:        db,
		logger:    slog.Default(),
		now:       time.Now,
		notBefore: make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Enqueue persists a new pending mutation and returns it.
func (q *Queue) Enqueue(ctx context.Context, kind studiocache.MutationKind, payload json.RawMessage) (*studiocache.PendingMutation, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("unknown mutation kind %q", kind)
	}

	m := &studiocache.PendingMutation{
		ID:         uuid.NewString(),
		Kind:       kind,
		Payload:    payload,
		CreatedAt:  q.now(),
		SyncStatus: studiocache.SyncPending,
	}
	if err := q.db.PutMutation(ctx, m); err != nil {
		return nil, fmt.Errorf("enqueuing mutation: %w", err)
	}

	q.logger.Debug("enqueued mutation", "id", m.ID, "kind", m.Kind)
	q.recordDepth(ctx)
	return m, nil
}

// Pending returns the unsynced mutations in enqueue order.
func (q *Queue) Pending(ctx context.Context) ([]*studiocache.PendingMutation, error) {
	return q.db.ListPendingMutations(ctx)
}

// Depth returns the number of unsynced mutations.
func (q *Queue) Depth(ctx context.Context) (int, error) {
	pending, err := q.db.ListPendingMutations(ctx)
	if err != nil {
		return 0, err
	}
	return len(pending), nil
}

// Drain attempts to sync every eligible pending mutation. One sync
// task is issued per item and the call waits until all have settled;
// an individual failure never cancels the others. Items whose retry
// delay has not elapsed are skipped and counted, not failed.
func (q *Queue) Drain(ctx context.Context, syncFn SyncFunc) (*DrainResult, error) {
	start := q.now()

	pending, err := q.db.ListPendingMutations(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing pending mutations: %w", err)
	}

	result := &DrainResult{}
	var due []*studiocache.PendingMutation
	for _, m := range pending {
		if q.eligible(m.ID) {
			due = append(due, m)
		} else {
			result.Skipped++
		}
	}

	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)
	for _, m := range due {
		wg.Add(1)
		go func(m *studiocache.PendingMutation) {
			defer wg.Done()
			err := syncFn(ctx, m)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				result.Failed++
				q.recordFailure(ctx, m, err)
				return
			}
			result.Synced++
			q.recordSuccess(ctx, m)
		}(m)
	}
	wg.Wait()

	telemetry.RecordSyncDrain(ctx, q.now().Sub(start))
	q.recordDepth(ctx)

	q.logger.Info("drained mutation queue",
		"synced", result.Synced,
		"failed", result.Failed,
		"skipped", result.Skipped)
	return result, nil
}

func (q *Queue) recordSuccess(ctx context.Context, m *studiocache.PendingMutation) {
	if err := q.db.MarkMutationSynced(ctx, m.ID); err != nil {
		q.logger.Error("failed to mark mutation synced", "id", m.ID, "error", err)
		return
	}
	q.mu.Lock()
	delete(q.notBefore, m.ID)
	q.mu.Unlock()
	telemetry.RecordSyncMutation(ctx, string(m.Kind), "synced")
}

func (q *Queue) recordFailure(ctx context.Context, m *studiocache.PendingMutation, syncErr error) {
	attempts, err := q.db.IncrementMutationAttempts(ctx, m.ID)
	if err != nil {
		q.logger.Error("failed to record sync attempt", "id", m.ID, "error", err)
		attempts = m.Attempts + 1
	}

	delay := retryDelay(attempts)
	q.mu.Lock()
	q.notBefore[m.ID] = q.now().Add(delay)
	q.mu.Unlock()

	telemetry.RecordSyncMutation(ctx, string(m.Kind), "failed")
	q.logger.Warn("mutation sync failed",
		"id", m.ID,
		"kind", m.Kind,
		"attempts", attempts,
		"retryIn", delay,
		"error", syncErr)
}

// eligible reports whether the mutation's retry delay has elapsed.
func (q *Queue) eligible(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.notBefore[id]
	return !ok || !q.now().Before(t)
}

func (q *Queue) recordDepth(ctx context.Context) {
	depth, err := q.Depth(ctx)
	if err != nil {
		return
	}
	telemetry.UpdateQueueDepth(ctx, depth)
}

// retryDelay returns the capped exponential delay before the next
// attempt, with jitter.
func retryDelay(attempts int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = retryInitialInterval
	b.MaxInterval = retryMaxInterval

	delay := b.NextBackOff()
	for i := 1; i < attempts; i++ {
		delay = b.NextBackOff()
	}
	return delay
}
