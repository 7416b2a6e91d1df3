package storage

import (
	"time"

	"github.com/oklog/ulid/v2"
)

// EntryKind distinguishes what a cached value represents.
type EntryKind string

const (
	// KindPoint is a cumulative point-in-time-through-period balance.
	KindPoint EntryKind = "point"
	// KindRange is a bounded multi-period balance.
	KindRange EntryKind = "range"
	// KindActivity is a single period's activity delta.
	KindActivity EntryKind = "activity"
)

// valid reports whether k is a recognized kind. Unrecognized kinds in
// persisted rows mark the row as corrupt.
func (k EntryKind) valid() bool {
	switch k {
	case KindPoint, KindRange, KindActivity:
		return true
	}
	return false
}

// CacheEntry is one cached query result. A zero ExpiresAt means the entry
// never expires (closed historical periods are immutable).
type CacheEntry struct {
	Value      float64
	InsertedAt time.Time
	ExpiresAt  time.Time
	Kind       EntryKind
}

// Expired reports whether the entry is stale at now.
func (e CacheEntry) Expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && now.After(e.ExpiresAt)
}

// PendingWrite is one requested-key journal row, persisted for cross-session
// prefetch hinting. The ULID orders rows by request time.
type PendingWrite struct {
	Key         string
	ID          ulid.ULID
	RequestedAt time.Time
}
