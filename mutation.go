package studiocache

import (
	"encoding/json"
	"time"
)

// MutationKind classifies a unit of offline-created work.
type MutationKind string

const (
	// MutationVideoCreation is a video-creation job recorded while offline.
	MutationVideoCreation MutationKind = "video-creation"

	// MutationProjectUpdate is a project state change recorded while offline.
	MutationProjectUpdate MutationKind = "project-update"
)

// Valid reports whether k is a known mutation kind.
func (k MutationKind) Valid() bool {
	switch k {
	case MutationVideoCreation, MutationProjectUpdate:
		return true
	}
	return false
}

// SyncStatus tracks whether a durable record has been transmitted upstream.
type SyncStatus string

const (
	SyncPending SyncStatus = "pending"
	SyncSynced  SyncStatus = "synced"
)

// PendingMutation is one unit of offline-created work awaiting
// transmission to the remote service. A mutation transitions to
// synced exactly once and is never re-sent afterwards; the durable
// record is retained for idempotence checks.
type PendingMutation struct {
	ID         string          `json:"id"`
	Kind       MutationKind    `json:"kind"`
	Payload    json.RawMessage `json:"payload"`
	CreatedAt  time.Time       `json:"created_at"`
	SyncStatus SyncStatus      `json:"sync_status"`

	// Attempts counts failed sync attempts, used for retry backoff.
	Attempts int `json:"attempts,omitempty"`
}

// OfflineProject is a snapshot of an in-progress project saved for
// offline continuation. At most one live snapshot exists per project
// id; each save overwrites the previous one.
type OfflineProject struct {
	ID           string          `json:"id"`
	Fields       json.RawMessage `json:"fields"`
	OfflineMode  bool            `json:"offline_mode"`
	LastModified time.Time       `json:"last_modified"`
	SyncStatus   SyncStatus      `json:"sync_status"`
}
