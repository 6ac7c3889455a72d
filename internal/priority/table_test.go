package priority

import (
	"testing"
	"time"
)

func TestDefaultTable(t *testing.T) {
	tbl := Default()

	cases := []struct {
		kind         Kind
		wantPriority int
		wantResponse time.Duration
		wantDuck     float64
		wantHoldMs   int
	}{
		{PriorityStatic, 100, 50 * time.Millisecond, 0.0, 0},
		{SecondaryStatic, 80, 100 * time.Millisecond, 0.1, 2000},
		{Dynamic, 50, 150 * time.Millisecond, 0.6, 3000},
		{Adhoc, 40, 150 * time.Millisecond, 1.0, 3000},
	}

	for _, c := range cases {
		e, ok := tbl.Lookup(c.kind)
		if !ok {
			t.Fatalf("Lookup(%v): not found", c.kind)
		}
		if e.Priority != c.wantPriority {
			t.Errorf("%v: Priority = %d, want %d", c.kind, e.Priority, c.wantPriority)
		}
		if e.ResponseTime != c.wantResponse {
			t.Errorf("%v: ResponseTime = %v, want %v", c.kind, e.ResponseTime, c.wantResponse)
		}
		if e.DuckTarget != c.wantDuck {
			t.Errorf("%v: DuckTarget = %v, want %v", c.kind, e.DuckTarget, c.wantDuck)
		}
		if e.DefaultHoldMs != c.wantHoldMs {
			t.Errorf("%v: DefaultHoldMs = %d, want %d", c.kind, e.DefaultHoldMs, c.wantHoldMs)
		}
	}
}

func TestDucksDerivedFromPriority(t *testing.T) {
	tbl := Default()

	// Every kind ducks every strictly-lower-priority kind.
	kinds := []Kind{PriorityStatic, SecondaryStatic, Dynamic, Adhoc}
	for _, a := range kinds {
		for _, b := range kinds {
			want := tbl.Priority(a) > tbl.Priority(b)
			if got := tbl.Ducks(a, b); got != want {
				t.Errorf("Ducks(%v, %v) = %v, want %v", a, b, got, want)
			}
		}
	}

	if !tbl.Ducks(PriorityStatic, Adhoc) {
		t.Error("priority-static must duck adhoc")
	}
	if tbl.Ducks(Adhoc, PriorityStatic) {
		t.Error("adhoc must not duck priority-static")
	}
	if tbl.Ducks(PriorityStatic, PriorityStatic) {
		t.Error("a kind must not duck itself")
	}
}

func TestParseKindRoundTrip(t *testing.T) {
	for _, k := range []Kind{PriorityStatic, SecondaryStatic, Dynamic, Adhoc} {
		parsed, ok := ParseKind(k.String())
		if !ok {
			t.Fatalf("ParseKind(%q): not ok", k.String())
		}
		if parsed != k {
			t.Errorf("ParseKind(%q) = %v, want %v", k.String(), parsed, k)
		}
	}

	if _, ok := ParseKind("bogus"); ok {
		t.Error("ParseKind(bogus) should not be ok")
	}
}
