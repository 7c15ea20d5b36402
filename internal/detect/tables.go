package detect

import "flywheel/internal/types"

// subPattern is one named detection rule: a set of trigger keywords, each
// carrying the weight it adds on top of the category base confidence.
// Keywords are matched case-insensitively as substrings.
type subPattern struct {
	name     string
	keywords map[string]float64
}

var (
	// Failure patterns describe broken behavior observed in telemetry.
	failureSubPatterns = []subPattern{
		{
			name: "critical_error",
			keywords: map[string]float64{
				"fatal":          0.25,
				"panic":          0.25,
				"segfault":       0.25,
				"modulenotfound": 0.20,
				"nil pointer":    0.20,
				"unrecoverable":  0.20,
				"crash":          0.15,
			},
		},
		{
			name: "test_failure",
			keywords: map[string]float64{
				"--- fail":     0.25,
				"test failed":  0.20,
				"tests failed": 0.20,
				"assertion":    0.15,
				"flaky":        0.10,
			},
		},
		{
			name: "build_failure",
			keywords: map[string]float64{
				"build failed":        0.25,
				"compilation error":   0.25,
				"cannot find package": 0.20,
				"undefined:":          0.20,
				"syntax error":        0.20,
			},
		},
		{
			name: "performance_regression",
			keywords: map[string]float64{
				"memory leak":       0.25,
				"latency increased": 0.25,
				"regression":        0.20,
				"oom":               0.20,
				"slower":            0.15,
			},
		},
		{
			name: "dependency_issue",
			keywords: map[string]float64{
				"version conflict":  0.25,
				"checksum mismatch": 0.25,
				"vulnerability":     0.20,
				"deprecated":        0.10,
				"dependency":        0.10,
			},
		},
	}

	// Opportunity patterns describe improvements worth doing when nothing
	// is on fire.
	opportunitySubPatterns = []subPattern{
		{
			name: "refactor_candidate",
			keywords: map[string]float64{
				"duplicate code": 0.25,
				"code smell":     0.25,
				"god function":   0.25,
				"refactor":       0.20,
				"complexity":     0.15,
				"duplicated":     0.15,
			},
		},
		{
			name: "performance_optimization",
			keywords: map[string]float64{
				"n+1":        0.25,
				"slow query": 0.25,
				"hot path":   0.20,
				"optimize":   0.20,
				"cache miss": 0.15,
			},
		},
		{
			name: "test_gap",
			keywords: map[string]float64{
				"no tests":         0.25,
				"coverage dropped": 0.25,
				"missing test":     0.25,
				"untested":         0.20,
			},
		},
		{
			name: "doc_gap",
			keywords: map[string]float64{
				"undocumented":    0.25,
				"missing doc":     0.25,
				"outdated readme": 0.25,
				"no examples":     0.15,
			},
		},
		{
			name: "automation_candidate",
			keywords: map[string]float64{
				"manual step": 0.25,
				"automate":    0.25,
				"repetitive":  0.20,
				"toil":        0.20,
			},
		},
	}

	// User intent patterns describe explicit requests from humans. The low
	// base keeps weak phrasing below the reporting threshold.
	userIntentSubPatterns = []subPattern{
		{
			name: "feature_request",
			keywords: map[string]float64{
				"feature request": 0.35,
				"please add":      0.30,
				"can we have":     0.30,
				"would be nice":   0.25,
				"support for":     0.20,
			},
		},
		{
			name: "bug_report",
			keywords: map[string]float64{
				"doesn't work": 0.30,
				"not working":  0.30,
				"wrong result": 0.30,
				"broken":       0.25,
				"bug":          0.25,
			},
		},
		{
			name: "question",
			keywords: map[string]float64{
				"how do i":  0.30,
				"why does":  0.25,
				"how to":    0.20,
				"what is":   0.20,
				"explain":   0.15,
			},
		},
		{
			name: "config_change",
			keywords: map[string]float64{
				"change the default": 0.30,
				"config":             0.15,
				"setting":            0.15,
				"enable":             0.15,
				"disable":            0.15,
				"increase the":       0.15,
			},
		},
	}
)

// categoryTables pairs each pattern type with its base confidence and
// sub-pattern table.
var categoryTables = []struct {
	patternType types.PatternType
	base        float64
	patterns    []subPattern
}{
	{types.PatternFailure, 0.7, failureSubPatterns},
	{types.PatternOpportunity, 0.6, opportunitySubPatterns},
	{types.PatternUserIntent, 0.5, userIntentSubPatterns},
}

// metadataBoost adds weight from structured event metadata that keyword
// matching cannot see.
func metadataBoost(patternType types.PatternType, metadata map[string]string) float64 {
	if len(metadata) == 0 {
		return 0
	}
	boost := 0.0
	switch patternType {
	case types.PatternFailure:
		if sev := metadata["severity"]; sev == "critical" || sev == "fatal" {
			boost += 0.2
		}
		if code, ok := metadata["exit_code"]; ok && code != "0" {
			boost += 0.15
		}
	case types.PatternUserIntent:
		if metadata["source"] == "user" || metadata["channel"] == "inbox" {
			boost += 0.1
		}
	}
	return boost
}
