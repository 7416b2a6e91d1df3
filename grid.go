package engine

import (
	"time"

	"github.com/oklog/ulid/v2"
)

// GridPlan is the two-call execution plan for a set of same-account,
// same-filter cumulative requests: one anchor snapshot immediately before the
// earliest period plus one aggregated activity query over the whole span,
// reduced locally into per-period balances. The plan is immutable once
// execution starts.
type GridPlan struct {
	ID      ulid.ULID
	Account string
	Filters FilterSet
	Periods []Period // ascending, distinct
	Anchor  time.Time
}

func newGridPlan(account string, filters FilterSet, sorted []Period) *GridPlan {
	return &GridPlan{
		ID:      newULID(),
		Account: account,
		Filters: filters,
		Periods: sorted,
		Anchor:  AnchorDate(sorted[0]),
	}
}

// Covers reports whether p is one of the plan's target periods.
func (g *GridPlan) Covers(p Period) bool {
	for _, q := range g.Periods {
		if q.Index() == p.Index() {
			return true
		}
	}
	return false
}

// earliest and latest bound the activity query span.
func (g *GridPlan) earliest() Period { return g.Periods[0] }
func (g *GridPlan) latest() Period   { return g.Periods[len(g.Periods)-1] }

// reduceGrid folds the anchor value and activity deltas into cumulative
// balances per plan period, in ascending order:
//
//	result(P) = anchor + sum of delta(p) for every month p <= P
//
// The sum walks every month in the span, not just the plan's target periods,
// so a plan with a gap of up to the configured threshold still accumulates
// the skipped months' activity. A month absent from the activity result had
// no transactions and contributes zero; ambiguous months were already
// rejected before reduction.
func reduceGrid(plan *GridPlan, anchor float64, deltas map[Period]float64) map[int]float64 {
	results := make(map[int]float64, len(plan.Periods))
	running := anchor
	for p := plan.earliest(); p.Index() <= plan.latest().Index(); p = p.Next() {
		running += deltas[p]
		if plan.Covers(p) {
			results[p.Index()] = running
		}
	}
	return results
}

// checkActivityCoverage fails the whole plan when the activity result flags
// any plan-relevant month as undeterminable. A legitimate zero-activity month
// is simply absent from Deltas; only Unknown entries are ambiguous.
func checkActivityCoverage(plan *GridPlan, res ActivityResult) error {
	var missing []Period
	for _, u := range res.Unknown {
		if u.Index() >= plan.earliest().Index() && u.Index() <= plan.latest().Index() {
			missing = append(missing, u)
		}
	}
	if len(missing) > 0 {
		return &PartialActivityError{Account: plan.Account, Missing: missing}
	}
	return nil
}
