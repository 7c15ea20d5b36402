package detect

import (
	"math"
	"strings"
	"testing"

	"flywheel/internal/config"
	"flywheel/internal/types"
)

func defaultDetector() *Detector {
	return New(config.DefaultConfig().Detector)
}

// fixedEvidence returns an EvidenceFunc reporting the same count for
// every pattern.
func fixedEvidence(n int) EvidenceFunc {
	return func(types.PatternType, string) int { return n }
}

func findDetection(ds []Detection, name string) (Detection, bool) {
	for _, d := range ds {
		if d.PatternName == name {
			return d, true
		}
	}
	return Detection{}, false
}

func TestClassifyCriticalError(t *testing.T) {
	d := defaultDetector()

	ds := d.Classify("Fatal error: ModuleNotFoundError in payment handler", nil, nil)
	if len(ds) == 0 {
		t.Fatal("expected a detection")
	}
	top := ds[0]
	if top.PatternType != types.PatternFailure || top.PatternName != "critical_error" {
		t.Fatalf("top detection = %s/%s, want failure/critical_error", top.PatternType, top.PatternName)
	}
	if top.Confidence < 0.7 {
		t.Errorf("confidence = %.2f, want >= 0.7", top.Confidence)
	}
	if top.Priority != types.PriorityCritical {
		t.Errorf("priority = %v, want critical", top.Priority)
	}
	if len(top.Matched) < 2 {
		t.Errorf("matched = %v, want both fatal and modulenotfound", top.Matched)
	}
}

func TestClassifyWeakIntentDropped(t *testing.T) {
	d := defaultDetector()

	// "explain" alone puts question at 0.65, below the 0.7 threshold.
	if ds := d.Classify("explain the architecture", nil, nil); len(ds) != 0 {
		t.Errorf("weak question should be dropped, got %v", ds)
	}

	// "doesn't work" puts bug_report at 0.8.
	ds := d.Classify("the export button doesn't work", nil, nil)
	got, ok := findDetection(ds, "bug_report")
	if !ok {
		t.Fatalf("expected bug_report, got %v", ds)
	}
	if got.Priority != types.PriorityNormal {
		t.Errorf("user intent priority = %v, want normal", got.Priority)
	}
}

func TestClassifyEmptyEvent(t *testing.T) {
	d := defaultDetector()
	if ds := d.Classify("   \n\t", nil, nil); ds != nil {
		t.Errorf("blank event should classify to nil, got %v", ds)
	}
}

func TestConfidenceMonotonicity(t *testing.T) {
	d := defaultDetector()

	one := d.Classify("the process hit a panic", nil, nil)
	two := d.Classify("fatal: the process hit a panic", nil, nil)

	c1, ok := findDetection(one, "critical_error")
	if !ok {
		t.Fatal("expected critical_error from one keyword")
	}
	c2, ok := findDetection(two, "critical_error")
	if !ok {
		t.Fatal("expected critical_error from two keywords")
	}
	if c2.Confidence < c1.Confidence {
		t.Errorf("more matches lowered confidence: %.2f -> %.2f", c1.Confidence, c2.Confidence)
	}

	// Every keyword in the table at once must clamp at 1.0 and never
	// drop below the category base.
	var all []string
	for _, sp := range failureSubPatterns {
		if sp.name != "critical_error" {
			continue
		}
		for kw := range sp.keywords {
			all = append(all, kw)
		}
	}
	saturated := d.Classify(strings.Join(all, " "), nil, nil)
	cs, ok := findDetection(saturated, "critical_error")
	if !ok {
		t.Fatal("expected critical_error from saturated event")
	}
	if cs.Confidence != 1.0 {
		t.Errorf("saturated confidence = %.2f, want clamp at 1.0", cs.Confidence)
	}
	if c1.Confidence < 0.7 {
		t.Errorf("confidence %.2f fell below the category base", c1.Confidence)
	}
}

func TestAdaptiveThresholdFailureOnly(t *testing.T) {
	// Raise the default threshold so the adaptive path is observable.
	d := New(config.DetectorConfig{
		Threshold:           0.9,
		AdaptiveThreshold:   0.6,
		AdaptiveMinEvidence: 3,
		HighEvidenceCount:   10,
	})

	// "crash" alone scores 0.85: below 0.9, above 0.6.
	event := "worker crash during shutdown"

	if ds := d.Classify(event, nil, fixedEvidence(0)); len(ds) != 0 {
		t.Errorf("first sighting should be dropped at threshold 0.9, got %v", ds)
	}
	ds := d.Classify(event, nil, fixedEvidence(3))
	if _, ok := findDetection(ds, "critical_error"); !ok {
		t.Errorf("recurring failure should pass the adaptive threshold, got %v", ds)
	}

	// Opportunity never gets the adaptive threshold: "refactor" scores
	// 0.8 and stays dropped no matter the evidence.
	if ds := d.Classify("refactor the billing module", nil, fixedEvidence(50)); len(ds) != 0 {
		t.Errorf("adaptive threshold must apply to failures only, got %v", ds)
	}
}

func TestPriorityMapping(t *testing.T) {
	d := defaultDetector()

	cases := []struct {
		event    string
		name     string
		evidence int
		want     types.Priority
	}{
		{"panic in scheduler", "critical_error", 0, types.PriorityCritical},
		{"duplicate code in handlers", "refactor_candidate", 0, types.PriorityHigh},
		{"the export button doesn't work", "bug_report", 0, types.PriorityNormal},
		// Very high evidence bumps one level.
		{"panic in scheduler", "critical_error", 12, types.PriorityCritical},
		{"duplicate code in handlers", "refactor_candidate", 12, types.PriorityCritical},
		{"the export button doesn't work", "bug_report", 12, types.PriorityHigh},
	}
	for _, tc := range cases {
		ds := d.Classify(tc.event, nil, fixedEvidence(tc.evidence))
		got, ok := findDetection(ds, tc.name)
		if !ok {
			t.Errorf("Classify(%q) missing %s", tc.event, tc.name)
			continue
		}
		if got.Priority != tc.want {
			t.Errorf("Classify(%q) evidence=%d priority = %v, want %v", tc.event, tc.evidence, got.Priority, tc.want)
		}
		if got.Evidence != tc.evidence {
			t.Errorf("Classify(%q) evidence = %d, want %d", tc.event, got.Evidence, tc.evidence)
		}
	}
}

func TestMetadataBoost(t *testing.T) {
	d := defaultDetector()

	plain := d.Classify("deprecated dependency in lockfile", nil, nil)
	boosted := d.Classify("deprecated dependency in lockfile", map[string]string{"severity": "critical"}, nil)

	p, ok := findDetection(plain, "dependency_issue")
	if !ok {
		t.Fatal("expected dependency_issue without metadata")
	}
	b, ok := findDetection(boosted, "dependency_issue")
	if !ok {
		t.Fatal("expected dependency_issue with metadata")
	}
	if b.Confidence <= p.Confidence {
		t.Errorf("critical severity should raise confidence: %.2f -> %.2f", p.Confidence, b.Confidence)
	}

	// Intent boost applies to user_intent only.
	ds := d.Classify("the report is broken", map[string]string{"channel": "inbox"}, nil)
	got, ok := findDetection(ds, "bug_report")
	if !ok {
		t.Fatal("expected bug_report")
	}
	if math.Abs(got.Confidence-0.85) > 1e-9 {
		t.Errorf("bug_report with inbox channel = %.2f, want 0.85", got.Confidence)
	}
}

func TestMultipleDetectionsSortedByConfidence(t *testing.T) {
	d := defaultDetector()

	ds := d.Classify("panic: tests failed with assertion errors", nil, nil)
	if len(ds) < 2 {
		t.Fatalf("expected at least two detections, got %v", ds)
	}
	for i := 1; i < len(ds); i++ {
		if ds[i].Confidence > ds[i-1].Confidence {
			t.Errorf("detections out of order at %d: %.2f > %.2f", i, ds[i].Confidence, ds[i-1].Confidence)
		}
	}
}

func TestClassifyIsConcurrencySafe(t *testing.T) {
	d := defaultDetector()
	done := make(chan struct{})
	for i := 0; i < 8; i++ {
		go func() {
			defer func() { done <- struct{}{} }()
			for j := 0; j < 50; j++ {
				d.Classify("fatal panic in worker", map[string]string{"exit_code": "2"}, fixedEvidence(j))
			}
		}()
	}
	for i := 0; i < 8; i++ {
		<-done
	}
}
