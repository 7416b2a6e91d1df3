package engine

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"

	"balancegrid/engine/config"
	"balancegrid/engine/storage"
)

// gridFlight tracks one grid from formation to settlement. A newly formed
// flight collects over a debounce window: cumulative arrivals for the same
// account and filter set grow the period set until execution starts. Once
// started the plan is frozen and only requests for covered periods may still
// attach as members.
type gridFlight struct {
	account    string
	filters    FilterSet
	flightKey  string
	members    []*pendingRequest
	periods    []Period // ascending distinct; frozen once started
	started    bool
	settled    bool
	generation int64
	timer      *time.Timer
	startedAt  time.Time
	plan       *GridPlan // built when execution starts
}

// tryGrowLocked extends an unstarted flight with period when the grown set
// still satisfies the grid limits. Requires the engine mutex.
func (gf *gridFlight) tryGrowLocked(period Period, limits Limits) bool {
	for _, p := range gf.periods {
		if p.Index() == period.Index() {
			return true
		}
	}
	grown := sortedDistinct(append(append([]Period{}, gf.periods...), period))
	if limits.MaxGridPeriods > 0 && len(grown) > limits.MaxGridPeriods {
		return false
	}
	if limits.MaxPeriodGap > 0 && maxGap(grown) > limits.MaxPeriodGap {
		return false
	}
	gf.periods = grown
	return true
}

// Stats is a point-in-time snapshot of engine counters.
type Stats struct {
	CacheHits             int64
	CacheMisses           int64
	InFlightCount         int64
	PendingWriteQueueSize int
}

// Engine answers balance queries against a slow backend, deduplicating
// identical concurrent requests and collapsing eligible request shapes into
// aggregate queries. All routing for a request is decided synchronously at
// submission; once a request commits to a shared execution it shares that
// execution's outcome, success or failure.
type Engine struct {
	source BalanceDataSource
	store  storage.Store
	cache  *storage.ResultCache
	writes *storage.WriteCoalescer

	limits       Limits
	openTTL      time.Duration
	gridDebounce time.Duration

	flights   *flightGroup
	gridLocks *keyedMutex
	batch     *batchScheduler

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	joinable    map[string]map[ulid.ULID]*pendingRequest // sibling key -> collecting requests
	activeGrids map[string]*gridFlight                   // sibling key -> unsettled grid
	generation  int64
	closed      bool

	inFlight atomic.Int64
	now      func() time.Time
}

// New wires an engine from config. A nil cfg uses the process-wide config. A
// nil store runs memory-only: no durable cache tier and no prefetch journal.
// The backend source is wrapped with the configured rate limiter.
func New(cfg *config.Config, source BalanceDataSource, store storage.Store) *Engine {
	if cfg == nil {
		cfg = config.Get()
	}

	var writes *storage.WriteCoalescer
	if store != nil {
		writes = storage.NewWriteCoalescer(store, cfg.Writer.FlushInterval, cfg.Writer.MaxPending)
		writes.Start()
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		source:       NewRateLimitedSource(source, cfg.Source.RateLimit, cfg.Source.RateBurst),
		store:        store,
		cache:        storage.NewResultCache(cfg.Engine.MemCacheSize, store, writes),
		writes:       writes,
		limits:       Limits{MaxGridPeriods: cfg.Engine.MaxGridPeriods, MaxPeriodGap: cfg.Engine.MaxPeriodGap},
		openTTL:      cfg.Engine.OpenPeriodTTL,
		gridDebounce: cfg.Engine.BatchDebounce,
		flights:      newFlightGroup(),
		gridLocks:    newKeyedMutex(),
		ctx:          ctx,
		cancel:       cancel,
		joinable:     make(map[string]map[ulid.ULID]*pendingRequest),
		activeGrids:  make(map[string]*gridFlight),
		now:          time.Now,
	}
	e.batch = newBatchScheduler(e, cfg.Engine.BatchDebounce, cfg.Engine.BatchChunkSize)
	return e
}

// Submit resolves one balance query. It returns a cached value when fresh,
// otherwise routes the request to a shared grid, a batch group, or an
// individual query, and blocks until that execution settles or ctx is done.
// A ctx expiry abandons only the wait: the shared execution continues and its
// result is still cached for later callers.
func (e *Engine) Submit(ctx context.Context, key QueryKey) (float64, error) {
	norm, err := key.Normalize()
	if err != nil {
		return 0, err
	}
	canonical := norm.Canonical()

	if e.writes != nil {
		e.writes.AddHint(canonical)
	}

	if value, ok := e.cache.Get(canonical); ok {
		return value, nil
	}

	period, err := norm.ToPeriod()
	if err != nil {
		return 0, err
	}
	req := newPendingRequest(norm, period)

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return 0, ErrEngineClosed
	}
	generation := e.generation

	// A cumulative request first tries the grid already tracked for its
	// account and filter set: an unstarted flight grows its period set to
	// include the new period, a started one accepts covered periods only.
	if norm.Cumulative() {
		if gf := e.activeGrids[norm.siblingKey()]; gf != nil && !gf.settled {
			joined := false
			if gf.started {
				joined = gf.plan.Covers(period)
			} else {
				joined = gf.tryGrowLocked(period, e.limits)
			}
			if joined {
				req.state = stateGridMember
				gf.members = append(gf.members, req)
				e.mu.Unlock()
				slog.Debug("request joined tracked grid",
					slog.String("request_id", req.id.String()),
					slog.String("account", norm.Account))
				return e.await(ctx, req)
			}
		}
	}

	cls, err := classify(req, e.siblingsLocked(norm.siblingKey()), e.limits)
	if err != nil {
		e.mu.Unlock()
		return 0, err
	}

	switch cls.Kind {
	case RouteGrid:
		req.state = stateGridMember
		for _, m := range cls.Members {
			m.state = stateGridMember
		}
		e.batch.removeLocked(cls.Members)
		e.removeJoinableLocked(cls.Members)
		gf := &gridFlight{
			account:    norm.Account,
			filters:    norm.Filters,
			flightKey:  norm.siblingKey(),
			members:    append([]*pendingRequest{req}, cls.Members...),
			periods:    cls.Periods,
			generation: generation,
		}
		gf.timer = time.AfterFunc(e.gridDebounce, func() { e.startGrid(gf) })
		e.activeGrids[gf.flightKey] = gf
		e.mu.Unlock()
		slog.Debug("grid tracking opened",
			slog.String("account", gf.account),
			slog.Int("periods", len(gf.periods)),
			slog.Int("adopted", len(cls.Members)),
			slog.String("reason", cls.Reason))

	case RouteBatch:
		req.state = stateBatchMember
		e.addJoinableLocked(req)
		e.batch.addLocked(req, generation)
		e.mu.Unlock()

	default:
		req.state = stateIndividual
		e.mu.Unlock()
		go e.runIndividual(req, generation)
	}

	return e.await(ctx, req)
}

// await blocks until the request settles or the caller's ctx is done.
func (e *Engine) await(ctx context.Context, req *pendingRequest) (float64, error) {
	select {
	case <-req.done:
		return req.value, req.err
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

func (e *Engine) runIndividual(req *pendingRequest, generation int64) {
	e.inFlight.Add(1)
	defer e.inFlight.Add(-1)

	value, shared, err := e.flights.do(req.canonical, func() (float64, error) {
		v, err := e.source.QueryIndividual(e.ctx, req.key)
		if err != nil {
			return 0, &SourceError{Op: "individual", Err: err}
		}
		return v, nil
	})
	if err != nil {
		req.fail(err)
		return
	}
	if shared {
		slog.Debug("individual query deduplicated", slog.String("key", req.canonical))
	}
	e.cacheResult(req.key, req.period, value, generation)
	req.resolve(value)
}

// startGrid freezes the flight's collected periods into a plan and executes
// it. Runs from the collect timer; a flight the engine already settled at
// shutdown is skipped.
func (e *Engine) startGrid(gf *gridFlight) {
	e.mu.Lock()
	if gf.started || gf.settled {
		e.mu.Unlock()
		return
	}
	gf.started = true
	gf.startedAt = e.now()
	gf.plan = newGridPlan(gf.account, gf.filters, gf.periods)
	memberCount := len(gf.members)
	e.mu.Unlock()

	slog.Debug("grid plan frozen",
		slog.String("grid_id", gf.plan.ID.String()),
		slog.String("account", gf.plan.Account),
		slog.Int("periods", len(gf.plan.Periods)),
		slog.Int("members", memberCount))
	e.runGrid(gf)
}

// runGrid executes one anchor-plus-activity pair for the plan and settles
// every member from the reduction. Grids for the same account and filter set
// queue behind each other; queued runs re-execute rather than joining a
// result that may not cover their periods.
func (e *Engine) runGrid(gf *gridFlight) {
	plan := gf.plan
	e.gridLocks.lock(gf.flightKey)
	defer e.gridLocks.unlock(gf.flightKey)

	e.inFlight.Add(1)
	defer e.inFlight.Add(-1)

	anchor, err := e.source.QueryAnchor(e.ctx, plan.Account, plan.Anchor, plan.Filters)
	if err != nil {
		e.settleGrid(gf, nil, &SourceError{Op: "anchor", Err: err})
		return
	}

	activity, err := e.source.QueryActivity(e.ctx, plan.Account, plan.earliest(), plan.latest(), plan.Filters)
	if err != nil {
		e.settleGrid(gf, nil, &SourceError{Op: "activity", Err: err})
		return
	}
	if err := checkActivityCoverage(plan, activity); err != nil {
		e.settleGrid(gf, nil, err)
		return
	}

	e.settleGrid(gf, reduceGrid(plan, anchor, activity.Deltas), nil)
}

// settleGrid resolves or fails every member with the shared outcome. On
// success every planned period is cached, members or not; on failure nothing
// is cached and every member receives the same error.
func (e *Engine) settleGrid(gf *gridFlight, results map[int]float64, gridErr error) {
	plan := gf.plan

	e.mu.Lock()
	gf.settled = true
	if e.activeGrids[gf.flightKey] == gf {
		delete(e.activeGrids, gf.flightKey)
	}
	members := gf.members
	gf.members = nil
	generationOK := gf.generation == e.generation
	e.mu.Unlock()

	if gridErr != nil {
		slog.Warn("grid failed",
			slog.String("grid_id", plan.ID.String()),
			slog.String("account", plan.Account),
			slog.Any("error", gridErr))
		for _, m := range members {
			m.fail(gridErr)
		}
		return
	}

	if generationOK {
		for _, p := range plan.Periods {
			key := QueryKey{Account: plan.Account, To: p.String(), Filters: plan.Filters}
			e.cache.Set(key.Canonical(), results[p.Index()], storage.KindPoint, e.ttlFor(p))
		}
	}

	for _, m := range members {
		m.resolve(results[m.period.Index()])
	}

	slog.Info("grid settled",
		slog.String("grid_id", plan.ID.String()),
		slog.String("account", plan.Account),
		slog.Int("periods", len(plan.Periods)),
		slog.Int("members", len(members)),
		slog.Duration("duration", e.now().Sub(gf.startedAt)))
}

// cacheResult records a settled value unless ClearAll ran after the query
// started, in which case the stale value is discarded.
func (e *Engine) cacheResult(key QueryKey, period Period, value float64, generation int64) {
	e.mu.Lock()
	current := generation == e.generation
	e.mu.Unlock()
	if !current {
		return
	}

	kind := storage.KindPoint
	switch {
	case key.ActivityRange():
		kind = storage.KindRange
	case !key.Cumulative():
		kind = storage.KindActivity
	}
	e.cache.Set(key.Canonical(), value, kind, e.ttlFor(period))
}

// ttlFor returns no expiry for closed periods and the configured short TTL
// for the current open period.
func (e *Engine) ttlFor(p Period) time.Duration {
	if p.Closed(e.now()) {
		return 0
	}
	return e.openTTL
}

// ClearAll synchronously invalidates both cache tiers and the prefetch
// journal, and detaches every in-flight marker. Executions already running
// still settle their waiters but their results are not cached.
func (e *Engine) ClearAll() error {
	e.mu.Lock()
	e.generation++
	e.activeGrids = make(map[string]*gridFlight)
	e.mu.Unlock()

	e.flights.reset()
	if err := e.cache.InvalidateAll(); err != nil {
		return err
	}
	if e.store != nil {
		if err := e.store.ClearPendingWrites(); err != nil {
			return err
		}
	}
	slog.Info("caches cleared")
	return nil
}

// PrefetchHints returns the oldest recorded cold-start hints, one per
// distinct key, in first-requested order.
func (e *Engine) PrefetchHints(limit int) ([]storage.PendingWrite, error) {
	if e.store == nil {
		return nil, nil
	}
	if e.writes != nil {
		if err := e.writes.Flush(); err != nil {
			return nil, err
		}
	}
	return e.store.PendingWrites(limit)
}

// Stats reports counters for observation; it never blocks request flow.
func (e *Engine) Stats() Stats {
	s := Stats{
		CacheHits:     e.cache.Hits(),
		CacheMisses:   e.cache.Misses(),
		InFlightCount: e.inFlight.Load(),
	}
	if e.writes != nil {
		s.PendingWriteQueueSize = e.writes.PendingSize()
	}
	return s
}

// Close stops accepting submissions, fails members still collecting in batch
// groups or unstarted grids, flushes the write coalescer, and closes the
// durable store. In-flight backend calls are cancelled.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	orphans := e.batch.stopLocked()
	for sk, gf := range e.activeGrids {
		if gf.started || gf.settled {
			continue
		}
		gf.settled = true
		if gf.timer != nil {
			gf.timer.Stop()
		}
		orphans = append(orphans, gf.members...)
		gf.members = nil
		delete(e.activeGrids, sk)
	}
	e.joinable = make(map[string]map[ulid.ULID]*pendingRequest)
	e.mu.Unlock()

	for _, m := range orphans {
		m.fail(ErrEngineClosed)
	}
	e.cancel()

	if e.writes != nil {
		e.writes.Stop()
	}
	if e.store != nil {
		return e.store.Close()
	}
	return nil
}

// siblingsLocked snapshots the collecting requests that share an account and
// filter set. Requires the engine mutex.
func (e *Engine) siblingsLocked(siblingKey string) []*pendingRequest {
	set := e.joinable[siblingKey]
	if len(set) == 0 {
		return nil
	}
	out := make([]*pendingRequest, 0, len(set))
	for _, r := range set {
		out = append(out, r)
	}
	return out
}

func (e *Engine) addJoinableLocked(req *pendingRequest) {
	sk := req.key.siblingKey()
	set := e.joinable[sk]
	if set == nil {
		set = make(map[ulid.ULID]*pendingRequest)
		e.joinable[sk] = set
	}
	set[req.id] = req
}

func (e *Engine) removeJoinableLocked(members []*pendingRequest) {
	for _, m := range members {
		sk := m.key.siblingKey()
		if set := e.joinable[sk]; set != nil {
			delete(set, m.id)
			if len(set) == 0 {
				delete(e.joinable, sk)
			}
		}
	}
}
