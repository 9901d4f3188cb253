package obligation

import "testing"

func TestCompareStrictnessMinimumCount(t *testing.T) {
	a := "Appoint a minimum 5 members."
	b := "Appoint a minimum 3 members."
	if compareStrictness("shariah-governance", a, b) <= 0 {
		t.Fatalf("larger minimum count should be stricter")
	}
	if compareStrictness("shariah-governance", b, a) >= 0 {
		t.Fatalf("comparison should be antisymmetric")
	}
}

func TestCompareStrictnessCadenceBreaksTies(t *testing.T) {
	a := "Minimum 3 members with quarterly meetings."
	b := "Minimum 3 members with annual meetings."
	if compareStrictness("shariah-governance", a, b) <= 0 {
		t.Fatalf("more frequent cadence should break the count tie")
	}
}

func TestCompareStrictnessDeadline(t *testing.T) {
	a := "Submit quarterly returns within 20 days of quarter end."
	b := "Submit quarterly returns within 30 days of quarter end."
	if compareStrictness("reporting", a, b) <= 0 {
		t.Fatalf("earlier deadline should be stricter")
	}
	// A stated deadline beats no deadline at all.
	c := "Submit quarterly returns."
	if compareStrictness("reporting", a, c) <= 0 {
		t.Fatalf("stated deadline should beat unstated")
	}
}

func TestCompareStrictnessUnknownCategoryUsesDefaultProfile(t *testing.T) {
	a := "Retain records for a minimum 10 years."
	b := "Retain records for a minimum 7 years."
	if compareStrictness("record-keeping", a, b) <= 0 {
		t.Fatalf("default profile should still compare minimum counts")
	}
}

func TestCompareStrictnessIndistinguishable(t *testing.T) {
	a := "Maintain adequate governance arrangements."
	b := "Ensure governance arrangements are appropriate."
	if compareStrictness("governance", a, b) != 0 {
		t.Fatalf("texts with no measurable dimensions must compare equal")
	}
}

func TestMeasureText(t *testing.T) {
	m := measureText("At least 2 independent reviews within 45 days, performed quarterly.")
	if m.minCount != 2 {
		t.Fatalf("minCount = %d", m.minCount)
	}
	if m.deadlineDays != 45 {
		t.Fatalf("deadlineDays = %d", m.deadlineDays)
	}
	if m.cadenceRank == 0 {
		t.Fatalf("expected cadence rank for quarterly")
	}
}
