package dates

import (
	"context"
	"testing"
	"time"
)

func fixedNow() time.Time { return time.Date(2026, time.June, 1, 0, 0, 0, 0, time.UTC) }

func newReconciler(store Store) *Reconciler {
	return New(store, Config{Now: fixedNow})
}

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func TestRangeMixedMentions(t *testing.T) {
	// WHAT: bare years and full dates are kept, decades and relative words dropped.
	// WHY: the range must only reflect calendar dates found in the text.
	r := newReconciler(nil)
	earliest, latest := r.Range([]string{"1997", "March 3, 1998", "the 1990s", "yesterday"})
	if earliest == nil || latest == nil {
		t.Fatal("no range")
	}
	if !earliest.Equal(day(1997, time.January, 1)) {
		t.Errorf("earliest = %s", earliest.Format(time.DateOnly))
	}
	if !latest.Equal(day(1998, time.March, 3)) {
		t.Errorf("latest = %s", latest.Format(time.DateOnly))
	}
}

func TestParse(t *testing.T) {
	r := newReconciler(nil)
	tests := []struct {
		in   string
		want time.Time
		ok   bool
	}{
		{"1997", day(1997, time.January, 1), true},
		{"1900", time.Time{}, false},
		{"1899", time.Time{}, false},
		{"2027", day(2027, time.January, 1), true},
		{"2028", time.Time{}, false},
		{"March 3", time.Time{}, false},
		{"signed on the 4th of July 1999", day(1999, time.July, 4), true},
		{"Monday", time.Time{}, false},
		{"last week", time.Time{}, false},
		{"early 1980s", time.Time{}, false},
		{"1990s", time.Time{}, false},
		{"mid-1990s", time.Time{}, false},
		{"the late 1990s", time.Time{}, false},
		{"the 1980's", time.Time{}, false},
		{"late 1970", time.Time{}, false},
		{"the 21st of May 2001", day(2001, time.May, 21), true},
		{"about 1995", time.Time{}, false},
		{"three years", time.Time{}, false},
		{"10 days ago", time.Time{}, false},
		{"between approximately 1994 and 1996", time.Time{}, false},
		{"", time.Time{}, false},
		{"no date here", time.Time{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, ok := r.Parse(tt.in)
			if ok != tt.ok {
				t.Fatalf("ok = %v, want %v (got %s)", ok, tt.ok, got)
			}
			if ok && !got.Equal(tt.want) {
				t.Errorf("got %s, want %s", got.Format(time.DateOnly), tt.want.Format(time.DateOnly))
			}
		})
	}
}

func TestFuzzyRejectsImpossibleDay(t *testing.T) {
	if _, ok := fuzzy("February 30 2001"); ok {
		t.Error("February 30 accepted")
	}
}

type memStore struct {
	mentions map[string][]string
	set      map[string][2]*time.Time
}

func (m *memStore) DateMentions(context.Context) (map[string][]string, error) {
	return m.mentions, nil
}

func (m *memStore) SetDocumentDates(_ context.Context, id string, earliest, latest *time.Time) error {
	m.set[id] = [2]*time.Time{earliest, latest}
	return nil
}

func TestRunSetsAndClears(t *testing.T) {
	// WHAT: documents with usable dates get a range, the others get NULL bounds.
	// WHY: reconciliation is a full recompute; stale ranges must disappear.
	store := &memStore{
		mentions: map[string][]string{
			"a": {"1997", "June 5, 2001"},
			"b": {"yesterday"},
			"c": nil,
		},
		set: map[string][2]*time.Time{},
	}
	rep, err := newReconciler(store).Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if rep.Documents != 3 || rep.Dated != 1 || rep.Cleared != 2 {
		t.Fatalf("report = %+v", rep)
	}
	a := store.set["a"]
	if a[0] == nil || !a[0].Equal(day(1997, time.January, 1)) || !a[1].Equal(day(2001, time.June, 5)) {
		t.Errorf("a = %v", a)
	}
	if b := store.set["b"]; b[0] != nil || b[1] != nil {
		t.Errorf("b not cleared: %v", b)
	}
}
