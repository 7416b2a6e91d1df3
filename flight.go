package engine

import (
	"sync"

	"golang.org/x/sync/singleflight"
)

// flightGroup deduplicates concurrent identical fetches. The first caller for
// a key owns the execution; later callers share the owner's outcome and are
// never allowed to abandon it for an independent fetch. The in-flight marker
// is removed when the owning call returns, on every exit path.
//
// There is no timeout here: a waiter's result is entirely determined by the
// owning call's actual completion.
type flightGroup struct {
	mu sync.Mutex
	g  *singleflight.Group
}

func newFlightGroup() *flightGroup {
	return &flightGroup{g: new(singleflight.Group)}
}

// do executes fn once per key among concurrent callers. shared reports
// whether the result was adopted from another caller's execution.
func (f *flightGroup) do(key string, fn func() (float64, error)) (value float64, shared bool, err error) {
	f.mu.Lock()
	g := f.g
	f.mu.Unlock()

	v, err, shared := g.Do(key, func() (any, error) {
		return fn()
	})
	if err != nil {
		return 0, shared, err
	}
	return v.(float64), shared, nil
}

// reset atomically replaces the group so in-flight markers from before the
// reset are invisible to new callers. Outstanding executions still complete
// and settle their existing waiters.
func (f *flightGroup) reset() {
	f.mu.Lock()
	f.g = new(singleflight.Group)
	f.mu.Unlock()
}

// keyedMutex serializes executions per key with real queueing: unlike a
// single-flight group, a second distinct execution for the same key waits for
// the first and then runs, rather than adopting its result. Grid plans use it
// so only one anchor+activity pair is in flight per account and filter set.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedLock
}

type keyedLock struct {
	mu   sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*keyedLock)}
}

// lock acquires the mutex for key, creating it on first use.
func (m *keyedMutex) lock(key string) {
	m.mu.Lock()
	l, ok := m.locks[key]
	if !ok {
		l = &keyedLock{}
		m.locks[key] = l
	}
	l.refs++
	m.mu.Unlock()

	l.mu.Lock()
}

// unlock releases the mutex for key and frees it once no caller holds or
// awaits it.
func (m *keyedMutex) unlock(key string) {
	m.mu.Lock()
	l := m.locks[key]
	l.refs--
	if l.refs == 0 {
		delete(m.locks, key)
	}
	m.mu.Unlock()

	l.mu.Unlock()
}
