package engine

import (
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"
)

// batchGroup collects non-grid requests sharing a filter set until its
// debounce window expires or it reaches the chunk size. Destroyed once its
// backend call settles.
type batchGroup struct {
	id         ulid.ULID
	filtersKey string
	members    []*pendingRequest
	timer      *time.Timer
	generation int64
	openedAt   time.Time
}

// batchScheduler groups arrivals by filter set over a short debounce window
// and fires one chunked backend call per group. Its maps are guarded by the
// owning engine's mutex: every mutation happens inside the same synchronous
// section as the classification that produced it. A new arrival after a group
// fires opens a fresh collecting window rather than joining the in-flight
// call.
type batchScheduler struct {
	e         *Engine
	debounce  time.Duration
	chunkSize int

	groups map[string]*batchGroup // collecting groups only, by filter canonical
}

func newBatchScheduler(e *Engine, debounce time.Duration, chunkSize int) *batchScheduler {
	if debounce <= 0 {
		debounce = 500 * time.Millisecond
	}
	if chunkSize <= 0 {
		chunkSize = 100
	}
	return &batchScheduler{
		e:         e,
		debounce:  debounce,
		chunkSize: chunkSize,
		groups:    make(map[string]*batchGroup),
	}
}

// addLocked appends req to the collecting group for its filter set, opening
// one if needed. Requires the engine mutex. Fires immediately when the group
// reaches the chunk size.
func (s *batchScheduler) addLocked(req *pendingRequest, generation int64) {
	filtersKey := req.key.Filters.Canonical()
	g, ok := s.groups[filtersKey]
	if !ok {
		g = &batchGroup{
			id:         newULID(),
			filtersKey: filtersKey,
			generation: generation,
			openedAt:   time.Now(),
		}
		g.timer = time.AfterFunc(s.debounce, func() { s.fireOnExpiry(g) })
		s.groups[filtersKey] = g
		slog.Debug("batch group opened",
			slog.String("group_id", g.id.String()),
			slog.Duration("debounce", s.debounce))
	}

	g.members = append(g.members, req)

	if len(g.members) >= s.chunkSize {
		s.claimLocked(g)
		g.timer.Stop()
		go s.execute(g)
	}
}

// removeLocked pulls members out of their collecting groups; used when a
// newly eligible grid plan adopts them. Members of a group that already fired
// are committed to its shared outcome and are never handed back. Requires the
// engine mutex.
func (s *batchScheduler) removeLocked(members []*pendingRequest) {
	if len(members) == 0 {
		return
	}
	claimed := make(map[*pendingRequest]bool, len(members))
	for _, m := range members {
		claimed[m] = true
	}
	for filtersKey, g := range s.groups {
		kept := g.members[:0]
		for _, m := range g.members {
			if !claimed[m] {
				kept = append(kept, m)
			}
		}
		g.members = kept
		if len(g.members) == 0 {
			g.timer.Stop()
			delete(s.groups, filtersKey)
		}
	}
}

// stopLocked fails every collecting member and drops all groups. Requires
// the engine mutex.
func (s *batchScheduler) stopLocked() []*pendingRequest {
	var orphans []*pendingRequest
	for filtersKey, g := range s.groups {
		g.timer.Stop()
		orphans = append(orphans, g.members...)
		delete(s.groups, filtersKey)
	}
	return orphans
}

// claimLocked detaches the group from the collecting map so later arrivals
// open a fresh window. Requires the engine mutex.
func (s *batchScheduler) claimLocked(g *batchGroup) {
	if s.groups[g.filtersKey] == g {
		delete(s.groups, g.filtersKey)
	}
	s.e.removeJoinableLocked(g.members)
}

// fireOnExpiry runs on the debounce timer goroutine.
func (s *batchScheduler) fireOnExpiry(g *batchGroup) {
	s.e.mu.Lock()
	if s.groups[g.filtersKey] != g {
		// Already fired by the size threshold, or emptied by a grid plan.
		s.e.mu.Unlock()
		return
	}
	s.claimLocked(g)
	empty := len(g.members) == 0
	s.e.mu.Unlock()

	if !empty {
		s.execute(g)
	}
}

// execute fires one backend call per chunk and settles every member. A
// response lacking a requested key fails that key's members; it is never an
// implicit zero.
func (s *batchScheduler) execute(g *batchGroup) {
	e := s.e
	e.inFlight.Add(1)
	defer e.inFlight.Add(-1)

	// Deduplicate identical keys; every member still settles.
	byCanonical := make(map[string][]*pendingRequest, len(g.members))
	keys := make([]QueryKey, 0, len(g.members))
	for _, m := range g.members {
		if _, seen := byCanonical[m.canonical]; !seen {
			keys = append(keys, m.key)
		}
		byCanonical[m.canonical] = append(byCanonical[m.canonical], m)
	}

	for offset := 0; offset < len(keys); offset += s.chunkSize {
		end := offset + s.chunkSize
		if end > len(keys) {
			end = len(keys)
		}
		chunk := keys[offset:end]

		res, err := e.source.QueryBatch(e.ctx, chunk)
		if err != nil {
			srcErr := &SourceError{Op: "batch", Err: err}
			for _, key := range chunk {
				for _, m := range byCanonical[key.Canonical()] {
					m.fail(srcErr)
				}
			}
			continue
		}

		for _, key := range chunk {
			canonical := key.Canonical()
			members := byCanonical[canonical]

			if value, ok := res.Values[canonical]; ok {
				e.cacheResult(key, members[0].period, value, g.generation)
				for _, m := range members {
					m.resolve(value)
				}
				continue
			}

			var keyErr error
			if ferr, ok := res.Failed[canonical]; ok {
				keyErr = &SourceError{Op: "batch", Err: ferr}
			} else {
				keyErr = &SourceError{Op: "batch", Err: ErrMissingBatchKey}
			}
			for _, m := range members {
				m.fail(keyErr)
			}
		}
	}

	slog.Debug("batch group settled",
		slog.String("group_id", g.id.String()),
		slog.Int("members", len(g.members)),
		slog.Int("keys", len(keys)),
		slog.Duration("duration", time.Since(g.openedAt)))
}
