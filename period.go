package engine

import (
	"fmt"
	"strings"
	"time"
)

// Period identifies one accounting period (a calendar month).
type Period struct {
	Year  int
	Month time.Month
}

// periodLayouts are the accepted period spellings, most common first.
// The backend renders period names as "Jan 2025"; hosts have been observed
// sending the long month name and ISO year-month as well.
var periodLayouts = []string{
	"Jan 2006",
	"January 2006",
	"2006-01",
}

// ParsePeriod parses a period name such as "Jan 2025", "January 2025" or
// "2025-01". Surrounding and internal whitespace is folded before parsing.
func ParsePeriod(s string) (Period, error) {
	folded := strings.Join(strings.Fields(s), " ")
	if folded == "" {
		return Period{}, fmt.Errorf("empty period")
	}
	// Month names parse case-sensitively; fold to title case.
	folded = strings.ToLower(folded)
	folded = strings.ToUpper(folded[:1]) + folded[1:]
	for _, layout := range periodLayouts {
		t, err := time.Parse(layout, folded)
		if err == nil {
			return Period{Year: t.Year(), Month: t.Month()}, nil
		}
	}
	return Period{}, fmt.Errorf("unrecognized period %q", s)
}

// String renders the canonical period name, e.g. "Jan 2025".
func (p Period) String() string {
	return fmt.Sprintf("%s %04d", p.Month.String()[:3], p.Year)
}

// Index returns the absolute month index (months since year zero).
// Consecutive months differ by exactly 1, which makes gap arithmetic trivial.
func (p Period) Index() int {
	return p.Year*12 + int(p.Month) - 1
}

// Before reports whether p is chronologically before q.
func (p Period) Before(q Period) bool {
	return p.Index() < q.Index()
}

// Start returns the first instant of the period in UTC.
func (p Period) Start() time.Time {
	return time.Date(p.Year, p.Month, 1, 0, 0, 0, 0, time.UTC)
}

// End returns the last day of the period in UTC.
func (p Period) End() time.Time {
	return p.Start().AddDate(0, 1, -1)
}

// Next returns the following period.
func (p Period) Next() Period {
	t := p.Start().AddDate(0, 1, 0)
	return Period{Year: t.Year(), Month: t.Month()}
}

// Closed reports whether the period is historical relative to now.
// A closed period's balances are immutable and may be cached indefinitely.
func (p Period) Closed(now time.Time) bool {
	return p.Index() < CurrentPeriod(now).Index()
}

// CurrentPeriod returns the open accounting period containing now.
func CurrentPeriod(now time.Time) Period {
	u := now.UTC()
	return Period{Year: u.Year(), Month: u.Month()}
}

// AnchorDate returns the instant immediately preceding the earliest period of
// a grid: the day before the period's first day. The balance as of this date
// is the baseline that per-period activity deltas accumulate onto.
func AnchorDate(earliest Period) time.Time {
	return earliest.Start().AddDate(0, 0, -1)
}

// sortedDistinct returns the distinct periods in ascending order.
func sortedDistinct(periods []Period) []Period {
	seen := make(map[int]bool, len(periods))
	out := make([]Period, 0, len(periods))
	for _, p := range periods {
		if seen[p.Index()] {
			continue
		}
		seen[p.Index()] = true
		out = append(out, p)
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].Before(out[j-1]); j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

// maxGap returns the largest index gap between consecutive periods in an
// ascending sorted slice. Adjacent months have gap 1. Returns 0 for fewer
// than two periods.
func maxGap(sorted []Period) int {
	gap := 0
	for i := 1; i < len(sorted); i++ {
		d := sorted[i].Index() - sorted[i-1].Index()
		if d > gap {
			gap = d
		}
	}
	return gap
}
