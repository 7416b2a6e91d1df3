package engine

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// --- Monotonic ULID Generator ---

var (
	// ulidGenerator is a single, shared monotonic entropy source protected by
	// a mutex, so concurrent callers in the same millisecond still receive
	// strictly increasing IDs.
	ulidGenerator = struct {
		sync.Mutex
		*ulid.MonotonicEntropy
	}{
		MonotonicEntropy: ulid.Monotonic(rand.Reader, 0),
	}
)

func newULID() ulid.ULID {
	ulidGenerator.Lock()
	defer ulidGenerator.Unlock()
	id, err := ulid.New(ulid.Timestamp(time.Now()), &ulidGenerator)
	if err != nil {
		// MonotonicEntropy only fails on randomness exhaustion within one
		// millisecond; fall back to a timestamp-only ID.
		return ulid.MustNew(ulid.Timestamp(time.Now()), nil)
	}
	return id
}

// --- Pending request lifecycle ---

// requestState tracks where a pending request is in its lifecycle. Terminal
// states are exactly resolved and failed; there is no placeholder result.
type requestState int

const (
	stateCreated requestState = iota
	stateIndividual
	stateGridMember
	stateBatchMember
	stateResolved
	stateFailed
)

func (s requestState) String() string {
	switch s {
	case stateCreated:
		return "created"
	case stateIndividual:
		return "individual"
	case stateGridMember:
		return "grid_member"
	case stateBatchMember:
		return "batch_member"
	case stateResolved:
		return "resolved"
	case stateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// pendingRequest is one submitted query awaiting resolution. The registry
// exclusively owns the lifecycle; other components only settle it through
// resolve/fail, which are idempotent.
type pendingRequest struct {
	id        ulid.ULID
	key       QueryKey
	canonical string
	period    Period // parsed To
	createdAt time.Time

	// state moves through routing under the owning engine's mutex and enters
	// its terminal value inside settleOnce, after routing is done.
	state requestState

	settleOnce sync.Once
	done       chan struct{}
	value      float64
	err        error
}

func newPendingRequest(key QueryKey, period Period) *pendingRequest {
	return &pendingRequest{
		id:        newULID(),
		key:       key,
		canonical: key.Canonical(),
		period:    period,
		createdAt: time.Now(),
		state:     stateCreated,
		done:      make(chan struct{}),
	}
}

// resolve settles the request with a value. Later settle calls are no-ops.
func (r *pendingRequest) resolve(v float64) {
	r.settleOnce.Do(func() {
		r.value = v
		r.err = nil
		r.state = stateResolved
		close(r.done)
	})
}

// fail settles the request with an error. Later settle calls are no-ops.
func (r *pendingRequest) fail(err error) {
	r.settleOnce.Do(func() {
		r.err = err
		r.state = stateFailed
		close(r.done)
	})
}
