package engine

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func pendingFor(t *testing.T, key QueryKey) *pendingRequest {
	t.Helper()
	norm := mustNormalize(t, key)
	period, err := norm.ToPeriod()
	if err != nil {
		t.Fatalf("ToPeriod failed: %v", err)
	}
	return newPendingRequest(norm, period)
}

func testLimits() Limits {
	return Limits{MaxGridPeriods: 24, MaxPeriodGap: 2}
}

func TestClassifyActivityRangeGoesIndividual(t *testing.T) {
	candidate := pendingFor(t, QueryKey{Account: "13000", From: "Jan 2025", To: "Mar 2025"})
	siblings := []*pendingRequest{
		pendingFor(t, QueryKey{Account: "13000", To: "Jan 2025"}),
		pendingFor(t, QueryKey{Account: "13000", To: "Feb 2025"}),
	}

	cls, err := classify(candidate, siblings, testLimits())
	if err != nil {
		t.Fatalf("classify failed: %v", err)
	}
	if cls.Kind != RouteIndividual {
		t.Errorf("Activity range should route individual, got %v", cls.Kind)
	}
}

func TestClassifyLoneCumulativeGoesBatch(t *testing.T) {
	candidate := pendingFor(t, QueryKey{Account: "13000", To: "Jan 2025"})

	cls, err := classify(candidate, nil, testLimits())
	if err != nil {
		t.Fatalf("classify failed: %v", err)
	}
	if cls.Kind != RouteBatch {
		t.Errorf("A lone cumulative request should batch, got %v", cls.Kind)
	}
}

func TestClassifyContiguousSiblingsFormGrid(t *testing.T) {
	candidate := pendingFor(t, QueryKey{Account: "13000", To: "Mar 2025"})
	siblings := []*pendingRequest{
		pendingFor(t, QueryKey{Account: "13000", To: "Jan 2025"}),
		pendingFor(t, QueryKey{Account: "13000", To: "Feb 2025"}),
		pendingFor(t, QueryKey{Account: "13000", To: "Apr 2025"}),
	}

	cls, err := classify(candidate, siblings, testLimits())
	if err != nil {
		t.Fatalf("classify failed: %v", err)
	}
	if cls.Kind != RouteGrid {
		t.Fatalf("Expected grid, got %v (%s)", cls.Kind, cls.Reason)
	}
	if len(cls.Periods) != 4 {
		t.Errorf("Expected 4 distinct periods, got %d", len(cls.Periods))
	}
	if len(cls.Members) != 3 {
		t.Errorf("Expected 3 adopted members, got %d", len(cls.Members))
	}
	for i := 1; i < len(cls.Periods); i++ {
		if !cls.Periods[i-1].Before(cls.Periods[i]) {
			t.Errorf("Periods not sorted ascending: %v", cls.Periods)
		}
	}
}

// Two requests five months apart are unrelated queries, not a grid.
func TestClassifyWideGapRejectsGrid(t *testing.T) {
	candidate := pendingFor(t, QueryKey{Account: "13000", To: "Jun 2025"})
	siblings := []*pendingRequest{
		pendingFor(t, QueryKey{Account: "13000", To: "Jan 2025"}),
	}

	cls, err := classify(candidate, siblings, testLimits())
	if err != nil {
		t.Fatalf("classify failed: %v", err)
	}
	if cls.Kind != RouteBatch {
		t.Errorf("Gapped periods should fall back to batch, got %v", cls.Kind)
	}
}

// A gap of exactly the threshold is still allowed.
func TestClassifyGapAtThresholdFormsGrid(t *testing.T) {
	candidate := pendingFor(t, QueryKey{Account: "13000", To: "Mar 2025"})
	siblings := []*pendingRequest{
		pendingFor(t, QueryKey{Account: "13000", To: "Jan 2025"}),
	}

	cls, err := classify(candidate, siblings, testLimits())
	if err != nil {
		t.Fatalf("classify failed: %v", err)
	}
	if cls.Kind != RouteGrid {
		t.Errorf("Jan and Mar (gap 2) should form a grid, got %v (%s)", cls.Kind, cls.Reason)
	}
}

// An oversized candidate set fails before any backend work happens.
func TestClassifyOverLimitFailsFast(t *testing.T) {
	start := Period{Year: 2023, Month: time.January}
	var siblings []*pendingRequest
	p := start
	for i := 0; i < 29; i++ {
		siblings = append(siblings, pendingFor(t, QueryKey{Account: "13000", To: p.String()}))
		p = p.Next()
	}
	candidate := pendingFor(t, QueryKey{Account: "13000", To: p.String()})

	_, err := classify(candidate, siblings, testLimits())
	var limErr *LimitError
	if !errors.As(err, &limErr) {
		t.Fatalf("Expected LimitError, got %v", err)
	}
	if limErr.Periods != 30 || limErr.Max != 24 {
		t.Errorf("LimitError = %d/%d, want 30/24", limErr.Periods, limErr.Max)
	}
}

// classify must not mutate the candidate or the sibling snapshot.
func TestClassifyIsPure(t *testing.T) {
	candidate := pendingFor(t, QueryKey{Account: "13000", To: "Feb 2025"})
	siblings := []*pendingRequest{
		pendingFor(t, QueryKey{Account: "13000", To: "Jan 2025"}),
		pendingFor(t, QueryKey{Account: "13000", To: "Mar 2025"}),
	}

	fingerprint := func() string {
		s := fmt.Sprintf("%v|%v|%v", candidate.key, candidate.period, candidate.state)
		for _, sib := range siblings {
			s += fmt.Sprintf("|%v|%v|%v", sib.key, sib.period, sib.state)
		}
		return s
	}

	before := fingerprint()
	first, err := classify(candidate, siblings, testLimits())
	if err != nil {
		t.Fatalf("classify failed: %v", err)
	}
	second, err := classify(candidate, siblings, testLimits())
	if err != nil {
		t.Fatalf("Second classify failed: %v", err)
	}
	if fingerprint() != before {
		t.Error("classify mutated its inputs")
	}
	if first.Kind != second.Kind || len(first.Periods) != len(second.Periods) {
		t.Error("classify is not deterministic for identical inputs")
	}
}
