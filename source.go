package engine

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// ActivityResult carries per-period activity deltas for one account.
//
// Deltas holds an explicit delta for every period the source could determine,
// including legitimate zeros. A period absent from Deltas and from Unknown had
// no transactions at all (delta zero). Unknown lists periods the source could
// not determine; callers must treat those as failures, never as zeros.
type ActivityResult struct {
	Deltas  map[Period]float64
	Unknown []Period
}

// BatchResult reports per-key outcomes of one batch call. Every requested key
// must appear in exactly one of the two maps; a key in neither is treated as
// failed by the caller.
type BatchResult struct {
	Values map[string]float64 // canonical key -> balance
	Failed map[string]error   // canonical key -> failure
}

// BalanceDataSource is the external collaborator that executes queries
// against the backend. Query-language construction, transport and
// authentication live behind this interface.
type BalanceDataSource interface {
	// QueryAnchor returns the cumulative balance of account as of asOf.
	QueryAnchor(ctx context.Context, account string, asOf time.Time, filters FilterSet) (float64, error)

	// QueryActivity returns per-period deltas for account over [from, to].
	QueryActivity(ctx context.Context, account string, from, to Period, filters FilterSet) (ActivityResult, error)

	// QueryIndividual resolves a single key directly.
	QueryIndividual(ctx context.Context, key QueryKey) (float64, error)

	// QueryBatch resolves many keys in one backend call.
	QueryBatch(ctx context.Context, keys []QueryKey) (BatchResult, error)
}

// rateLimitedSource throttles backend calls with a shared token bucket. The
// backend is slow and rate limited; all grid, batch and individual executions
// contend for the same budget.
type rateLimitedSource struct {
	inner BalanceDataSource
	lim   *rate.Limiter
}

// NewRateLimitedSource wraps source with a client-side rate limiter of rps
// calls per second and the given burst. If rps <= 0 the source is returned
// unwrapped.
func NewRateLimitedSource(source BalanceDataSource, rps float64, burst int) BalanceDataSource {
	if rps <= 0 {
		return source
	}
	if burst < 1 {
		burst = 1
	}
	return &rateLimitedSource{
		inner: source,
		lim:   rate.NewLimiter(rate.Limit(rps), burst),
	}
}

func (s *rateLimitedSource) QueryAnchor(ctx context.Context, account string, asOf time.Time, filters FilterSet) (float64, error) {
	if err := s.lim.Wait(ctx); err != nil {
		return 0, err
	}
	return s.inner.QueryAnchor(ctx, account, asOf, filters)
}

func (s *rateLimitedSource) QueryActivity(ctx context.Context, account string, from, to Period, filters FilterSet) (ActivityResult, error) {
	if err := s.lim.Wait(ctx); err != nil {
		return ActivityResult{}, err
	}
	return s.inner.QueryActivity(ctx, account, from, to, filters)
}

func (s *rateLimitedSource) QueryIndividual(ctx context.Context, key QueryKey) (float64, error) {
	if err := s.lim.Wait(ctx); err != nil {
		return 0, err
	}
	return s.inner.QueryIndividual(ctx, key)
}

func (s *rateLimitedSource) QueryBatch(ctx context.Context, keys []QueryKey) (BatchResult, error) {
	if err := s.lim.Wait(ctx); err != nil {
		return BatchResult{}, err
	}
	return s.inner.QueryBatch(ctx, keys)
}
