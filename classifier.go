package engine

// RouteKind is the routing decision for one submitted request.
type RouteKind int

const (
	// RouteIndividual sends the request on a direct single-flight fetch.
	RouteIndividual RouteKind = iota
	// RouteBatch accumulates the request into a debounced batch group.
	RouteBatch
	// RouteGrid collapses the request and its siblings into an
	// anchor-plus-activity grid plan.
	RouteGrid
)

func (k RouteKind) String() string {
	switch k {
	case RouteIndividual:
		return "individual"
	case RouteBatch:
		return "batch"
	case RouteGrid:
		return "grid"
	default:
		return "unknown"
	}
}

// Classification is the outcome of classifying one candidate against the
// currently pending requests.
type Classification struct {
	Kind    RouteKind
	Reason  string
	Periods []Period          // distinct sorted periods, set for RouteGrid
	Members []*pendingRequest // sibling requests joining the grid, candidate excluded
}

// Limits carries the classifier thresholds.
type Limits struct {
	MaxGridPeriods int
	MaxPeriodGap   int
}

// classify decides the routing for candidate given a snapshot of pending
// sibling requests (same account, same filters, still joinable). It is a pure
// function: it inspects its arguments and mutates nothing.
//
// Classification runs synchronously before the submitting call ever suspends,
// so the decision is committed before any waiting happens.
//
// A LimitError is returned when the candidate set exceeds MaxGridPeriods;
// this is a caller-visible failure detected with zero I/O.
func classify(candidate *pendingRequest, siblings []*pendingRequest, limits Limits) (Classification, error) {
	// Bounded-range activity queries are not cumulative snapshots and never
	// participate in grid collapsing. Multi-period ranges are resolved
	// individually; a single-period range can ride a batch.
	if candidate.key.ActivityRange() {
		return Classification{Kind: RouteIndividual, Reason: "bounded activity range"}, nil
	}
	if !candidate.key.Cumulative() {
		return Classification{Kind: RouteBatch, Reason: "single-period activity"}, nil
	}

	// Collect cumulative siblings and their periods.
	members := make([]*pendingRequest, 0, len(siblings))
	periods := []Period{candidate.period}
	for _, s := range siblings {
		if s == candidate || !s.key.Cumulative() {
			continue
		}
		members = append(members, s)
		periods = append(periods, s.period)
	}

	sorted := sortedDistinct(periods)

	// A lone cumulative request has nothing to collapse with.
	if len(sorted) < 2 {
		return Classification{Kind: RouteBatch, Reason: "fewer than two distinct periods"}, nil
	}

	// Fail fast on oversized candidate sets, before any backend work.
	if limits.MaxGridPeriods > 0 && len(sorted) > limits.MaxGridPeriods {
		return Classification{}, &LimitError{Periods: len(sorted), Max: limits.MaxGridPeriods}
	}

	// Non-adjacent periods are unrelated queries, not a grid. A gap of one
	// means consecutive months.
	if limits.MaxPeriodGap > 0 {
		if gap := maxGap(sorted); gap > limits.MaxPeriodGap {
			return Classification{
				Kind:   RouteBatch,
				Reason: "period gap exceeds threshold",
			}, nil
		}
	}

	return Classification{
		Kind:    RouteGrid,
		Reason:  "cumulative siblings span contiguous periods",
		Periods: sorted,
		Members: members,
	}, nil
}
