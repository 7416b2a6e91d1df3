package engine

import (
	"errors"
	"math"
	"testing"
	"time"
)

func testPlan(t *testing.T, periods ...Period) *GridPlan {
	t.Helper()
	return newGridPlan("13000", FilterSet{}, sortedDistinct(periods))
}

func approxEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-6
}

func TestReduceGridAccumulatesDeltas(t *testing.T) {
	jan := Period{Year: 2025, Month: time.January}
	feb := Period{Year: 2025, Month: time.February}
	mar := Period{Year: 2025, Month: time.March}
	apr := Period{Year: 2025, Month: time.April}
	plan := testPlan(t, jan, feb, mar, apr)

	anchor := 2064705.84
	deltas := map[Period]float64{
		jan: 381646.48,
		feb: -50000.00,
		mar: 250000.00,
		// April absent: a legitimate zero-activity month.
	}

	results := reduceGrid(plan, anchor, deltas)

	want := map[Period]float64{
		jan: 2446352.32,
		feb: 2396352.32,
		mar: 2646352.32,
		apr: 2646352.32,
	}
	for p, w := range want {
		got, ok := results[p.Index()]
		if !ok {
			t.Fatalf("No result for %s", p)
		}
		if !approxEqual(got, w) {
			t.Errorf("%s = %.2f, want %.2f", p, got, w)
		}
	}
}

// Activity in a month the plan skips still accumulates into later balances.
func TestReduceGridCarriesGapMonthActivity(t *testing.T) {
	jan := Period{Year: 2025, Month: time.January}
	feb := Period{Year: 2025, Month: time.February}
	mar := Period{Year: 2025, Month: time.March}
	plan := testPlan(t, jan, mar) // February requested by nobody

	deltas := map[Period]float64{
		jan: 100,
		feb: 40,
		mar: 10,
	}
	results := reduceGrid(plan, 1000, deltas)

	if got := results[jan.Index()]; !approxEqual(got, 1100) {
		t.Errorf("Jan = %.2f, want 1100", got)
	}
	if got := results[mar.Index()]; !approxEqual(got, 1150) {
		t.Errorf("Mar should include February's delta: got %.2f, want 1150", got)
	}
	if _, ok := results[feb.Index()]; ok {
		t.Error("Unrequested gap period should not produce a result entry")
	}
}

func TestGridPlanCovers(t *testing.T) {
	jan := Period{Year: 2025, Month: time.January}
	mar := Period{Year: 2025, Month: time.March}
	plan := testPlan(t, jan, mar)

	if !plan.Covers(jan) || !plan.Covers(mar) {
		t.Error("Planned periods should be covered")
	}
	if plan.Covers(Period{Year: 2025, Month: time.February}) {
		t.Error("A gap period is not covered even though it lies inside the span")
	}
	if plan.Covers(Period{Year: 2025, Month: time.April}) {
		t.Error("A period past the span is not covered")
	}
}

func TestGridPlanAnchor(t *testing.T) {
	plan := testPlan(t,
		Period{Year: 2025, Month: time.February},
		Period{Year: 2025, Month: time.April})

	want := time.Date(2025, time.January, 31, 0, 0, 0, 0, time.UTC)
	if !plan.Anchor.Equal(want) {
		t.Errorf("Anchor = %v, want day before earliest period %v", plan.Anchor, want)
	}
}

func TestCheckActivityCoverage(t *testing.T) {
	jan := Period{Year: 2025, Month: time.January}
	feb := Period{Year: 2025, Month: time.February}
	plan := testPlan(t, jan, feb)

	// Absent months are legitimate zeros.
	if err := checkActivityCoverage(plan, ActivityResult{Deltas: map[Period]float64{jan: 5}}); err != nil {
		t.Errorf("Absent delta should pass coverage: %v", err)
	}

	// A month the backend explicitly could not resolve poisons the grid.
	res := ActivityResult{
		Deltas:  map[Period]float64{jan: 5},
		Unknown: []Period{feb},
	}
	err := checkActivityCoverage(plan, res)
	var partial *PartialActivityError
	if !errors.As(err, &partial) {
		t.Fatalf("Expected PartialActivityError, got %v", err)
	}
	if len(partial.Missing) != 1 || partial.Missing[0] != feb {
		t.Errorf("Missing = %v, want [Feb 2025]", partial.Missing)
	}
}
