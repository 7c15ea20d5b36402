package cognition

import (
	"math"
	"reflect"
	"sort"
	"testing"

	"flywheel/internal/types"
)

func signalOf(pt types.PatternType, pattern, summary string) types.Signal {
	return types.Signal{
		Priority:      types.PriorityNormal,
		Source:        "test",
		Pattern:       pattern,
		PatternType:   pt,
		Confidence:    0.8,
		Summary:       summary,
		CorrelationID: "corr-assess",
	}
}

func almost(got, want float64) bool {
	return math.Abs(got-want) < 1e-9
}

func TestAssessBaseByType(t *testing.T) {
	cases := []struct {
		pt   types.PatternType
		want float64
	}{
		{types.PatternFailure, 0.5},
		{types.PatternOpportunity, 0.4},
		{types.PatternUserIntent, 0.3},
	}
	for _, tc := range cases {
		a := Assess(signalOf(tc.pt, "plain_pattern", "nothing noteworthy in this one"), 0)
		if !almost(a.Score, tc.want) {
			t.Errorf("Assess(%s) score = %.2f, want %.2f", tc.pt, a.Score, tc.want)
		}
		if a.Architectural {
			t.Errorf("plain %s signal should not be architectural", tc.pt)
		}
		if len(a.Drivers) != 0 {
			t.Errorf("plain %s signal should have no drivers, got %v", tc.pt, a.Drivers)
		}
	}
}

func TestAssessScopeKeywordsAdd(t *testing.T) {
	a := Assess(signalOf(types.PatternOpportunity, "refactor_candidate", "duplicate code in the retry helpers"), 0)
	if !almost(a.Score, 0.5) {
		t.Errorf("refactor score = %.2f, want 0.50", a.Score)
	}
	if !reflect.DeepEqual(a.Drivers, []string{"refactor"}) {
		t.Errorf("drivers = %v, want [refactor]", a.Drivers)
	}

	a = Assess(signalOf(types.PatternFailure, "critical_error", "data loss and index corruption after restart"), 0)
	if !almost(a.Score, 0.8) {
		t.Errorf("two-keyword score = %.2f, want 0.80", a.Score)
	}
	if a.Architectural {
		t.Error("scope keywords alone should not mark a signal architectural")
	}
}

func TestAssessArchitecturalFloor(t *testing.T) {
	a := Assess(signalOf(types.PatternUserIntent, "feature_request", "please redesign the plugin loading"), 0)
	if !a.Architectural {
		t.Fatal("redesign should mark the signal architectural")
	}
	if !almost(a.Score, architecturalFloor) {
		t.Errorf("low-base architectural score = %.2f, want the %.2f floor", a.Score, architecturalFloor)
	}
}

func TestAssessArchitecturalKeepsHigherScore(t *testing.T) {
	a := Assess(signalOf(types.PatternFailure, "critical_error",
		"race condition causing data loss and corruption under load"), 0)
	if !a.Architectural {
		t.Fatal("race condition should mark the signal architectural")
	}
	if !almost(a.Score, 0.8) {
		t.Errorf("score = %.2f, want 0.80 (floor must not lower an earned score)", a.Score)
	}
	want := []string{"corruption", "data loss", "race condition"}
	if !reflect.DeepEqual(a.Drivers, want) {
		t.Errorf("drivers = %v, want %v", a.Drivers, want)
	}
}

func TestAssessEvidenceBoost(t *testing.T) {
	sig := signalOf(types.PatternFailure, "flaky_ci", "intermittent timeout in the deploy step")

	if a := Assess(sig, 2); !almost(a.Score, 0.56) {
		t.Errorf("evidence 2 score = %.2f, want 0.56", a.Score)
	}
	if a := Assess(sig, 5); !almost(a.Score, 0.65) {
		t.Errorf("evidence 5 score = %.2f, want 0.65 (boost capped)", a.Score)
	}
	if a := Assess(sig, 100); !almost(a.Score, 0.65) {
		t.Errorf("evidence 100 score = %.2f, want 0.65 (boost capped)", a.Score)
	}
}

func TestAssessClampsAtOne(t *testing.T) {
	a := Assess(signalOf(types.PatternFailure, "critical_error",
		"rewrite after data loss and corruption with a deadlock on shutdown"), 10)
	if !almost(a.Score, 1.0) {
		t.Errorf("stacked score = %.2f, want clamp at 1.0", a.Score)
	}
}

func TestAssessDeterministic(t *testing.T) {
	sig := signalOf(types.PatternFailure, "critical_error", "race condition during schema change")
	first := Assess(sig, 4)
	second := Assess(sig, 4)
	if !reflect.DeepEqual(first, second) {
		t.Errorf("Assess is not deterministic: %+v vs %+v", first, second)
	}
	if !sort.StringsAreSorted(first.Drivers) {
		t.Errorf("drivers should be sorted, got %v", first.Drivers)
	}
}
