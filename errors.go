package engine

import (
	"errors"
	"fmt"
)

// ErrEngineClosed is returned for submissions after Close.
var ErrEngineClosed = errors.New("engine closed")

// ErrMissingBatchKey is the per-key failure used when a batch response lacks
// a requested key. A missing key is never treated as an implicit zero.
var ErrMissingBatchKey = errors.New("batch response missing requested key")

// SourceError wraps an outright backend call failure. It propagates to every
// pending request that depended on the call and never populates the cache.
type SourceError struct {
	Op  string // "anchor", "activity", "individual", "batch"
	Err error
}

func (e *SourceError) Error() string {
	return fmt.Sprintf("balance source %s query: %v", e.Op, e.Err)
}

func (e *SourceError) Unwrap() error { return e.Err }

// PartialActivityError reports an activity result whose coverage of the
// requested span is ambiguous: the source could not distinguish zero-activity
// periods from unknown ones. The whole grid fails rather than resolving any
// member with a silently substituted zero.
type PartialActivityError struct {
	Account string
	Missing []Period
}

func (e *PartialActivityError) Error() string {
	return fmt.Sprintf("activity query for account %s ambiguous for %d period(s)", e.Account, len(e.Missing))
}

// LimitError rejects an oversized grid candidate set during classification,
// before any backend I/O happens.
type LimitError struct {
	Periods int
	Max     int
}

func (e *LimitError) Error() string {
	return fmt.Sprintf("grid of %d periods exceeds configured maximum of %d", e.Periods, e.Max)
}
