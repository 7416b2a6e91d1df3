package engine

import (
	"fmt"
	"strings"
)

// FilterSet enumerates every recognized query dimension. An empty field means
// unfiltered. The dimensions mirror the backend's transaction line filters:
// subsidiary, accounting book, department, class, location and currency.
type FilterSet struct {
	Subsidiary string
	Book       string
	Department string
	Class      string
	Location   string
	Currency   string
}

// Normalize returns a copy with case and whitespace folded in every dimension.
func (f FilterSet) Normalize() FilterSet {
	return FilterSet{
		Subsidiary: foldField(f.Subsidiary),
		Book:       foldField(f.Book),
		Department: foldField(f.Department),
		Class:      foldField(f.Class),
		Location:   foldField(f.Location),
		Currency:   foldField(f.Currency),
	}
}

// Canonical renders the filter set as an ordered tuple, folding each
// dimension first so equivalent spellings always render the same key. Two
// filter sets that differ in any dimension render differently.
func (f FilterSet) Canonical() string {
	n := f.Normalize()
	return fmt.Sprintf("sub=%s|book=%s|dept=%s|class=%s|loc=%s|cur=%s",
		n.Subsidiary, n.Book, n.Department, n.Class, n.Location, n.Currency)
}

// QueryKey identifies one point query: the balance of an account over a
// period span under a filter set. An empty From means cumulative semantics
// (balance from inception through To).
type QueryKey struct {
	Account string
	From    string
	To      string
	Filters FilterSet
}

// Normalize canonicalizes the key: account and filters are case/whitespace
// folded and period names are re-rendered in canonical form. Returns an error
// if To (or a non-empty From) is not a recognizable period.
func (k QueryKey) Normalize() (QueryKey, error) {
	out := QueryKey{
		Account: foldField(k.Account),
		Filters: k.Filters.Normalize(),
	}
	if out.Account == "" {
		return QueryKey{}, fmt.Errorf("empty account")
	}

	to, err := ParsePeriod(k.To)
	if err != nil {
		return QueryKey{}, fmt.Errorf("to period: %w", err)
	}
	out.To = to.String()

	if strings.TrimSpace(k.From) != "" {
		from, err := ParsePeriod(k.From)
		if err != nil {
			return QueryKey{}, fmt.Errorf("from period: %w", err)
		}
		if to.Before(from) {
			return QueryKey{}, fmt.Errorf("from period %s after to period %s", from, to)
		}
		out.From = from.String()
	}

	return out, nil
}

// Canonical renders the cache and lock key. Both period bounds are always
// encoded so keys for different spans can never collide.
func (k QueryKey) Canonical() string {
	return fmt.Sprintf("acct=%s|from=%s|to=%s|%s", k.Account, k.From, k.To, k.Filters.Canonical())
}

// Cumulative reports whether the key has point-in-time-through-period
// semantics (no lower bound).
func (k QueryKey) Cumulative() bool {
	return k.From == ""
}

// ActivityRange reports whether the key is a bounded multi-period activity
// query (a lower bound different from the upper bound).
func (k QueryKey) ActivityRange() bool {
	return k.From != "" && k.From != k.To
}

// ToPeriod returns the parsed upper bound of a normalized key.
func (k QueryKey) ToPeriod() (Period, error) {
	return ParsePeriod(k.To)
}

// siblingKey identifies the coalescing scope: requests for the same account
// under the same filters may be collapsed together.
func (k QueryKey) siblingKey() string {
	return fmt.Sprintf("acct=%s|%s", k.Account, k.Filters.Canonical())
}

// foldField collapses internal whitespace and lowercases a key field.
func foldField(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}
