package dazee

import (
	"time"

	"github.com/google/uuid"
)

// NewID generates a globally unique, time-sortable UUIDv7 (RFC 9562).
// Used for session, message, event, snapshot and operation ids.
func NewID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// NowUnix returns current time as Unix seconds.
func NowUnix() int64 {
	return time.Now().Unix()
}

// NowUnixMilli returns current time as Unix milliseconds. Event envelopes
// carry millisecond timestamps so deltas within a turn remain ordered.
func NowUnixMilli() int64 {
	return time.Now().UnixMilli()
}
