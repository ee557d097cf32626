package metadb

import (
	"encoding/binary"
	"time"
)

// Bucket names for bbolt storage.
var (
	bucketMutations = []byte("mutations") // mutation id -> PendingMutation JSON
	bucketProjects  = []byte("projects")  // project id -> OfflineProject JSON
	bucketState     = []byte("state")     // scalar keys (last_sync)
)

// keyLastSync is the state bucket key for the last successful sync time.
var keyLastSync = []byte("last_sync")

// encodeTimestamp converts a time.Time to a fixed-width big-endian byte slice.
// Uses an offset to handle negative nanosecond values (pre-1970 dates).
func encodeTimestamp(t time.Time) []byte {
	buf := make([]byte, 8)
	ns := t.UnixNano()
	// Offset by math.MinInt64 to convert signed to unsigned while preserving order.
	binary.BigEndian.PutUint64(buf, uint64(ns-(-1<<63))) //nolint:gosec // intentional signed->unsigned shift
	return buf
}

// decodeTimestamp converts a big-endian byte slice back to time.Time.
func decodeTimestamp(b []byte) time.Time {
	if len(b) < 8 {
		return time.Time{}
	}
	u := binary.BigEndian.Uint64(b[:8])
	ns := int64(u) + (-1 << 63) //nolint:gosec // intentional unsigned->signed shift
	return time.Unix(0, ns).UTC()
}
