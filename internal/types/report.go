package types

import "time"

// VerificationResult is the outcome of one full verification-gate run.
// Success requires zero failures: anything else is a failure outcome.
type VerificationResult struct {
	Passed      bool          `json:"passed"`
	Total       int           `json:"total"`
	PassedCount int           `json:"passed_count"`
	FailedCount int           `json:"failed_count"`
	Duration    time.Duration `json:"duration"`
	RawOutput   string        `json:"raw_output,omitempty"`
}

// Success reports the sole acceptable passing condition.
func (r VerificationResult) Success() bool {
	return r.Passed && r.FailedCount == 0
}

// DelegateReport records one delegate invocation inside an execution.
type DelegateReport struct {
	TaskID    string        `json:"task_id"`
	Role      string        `json:"role"`
	Success   bool          `json:"success"`
	Summary   string        `json:"summary,omitempty"`
	CostUnits float64       `json:"cost_units"`
	Error     string        `json:"error,omitempty"`
	Duration  time.Duration `json:"duration"`
}

// ReportStatus is the terminal status of an execution report.
type ReportStatus string

const (
	ReportSuccess ReportStatus = "success"
	ReportFailure ReportStatus = "failure"
)

// ExecutionReport is the terminal artifact of one action-loop cycle,
// published on the outcome stream. Exactly one report is produced per task
// graph, success or failure.
type ExecutionReport struct {
	Status          ReportStatus        `json:"status"`
	TaskID          string              `json:"task_id"`
	CorrelationID   string              `json:"correlation_id"`
	Details         string              `json:"details"`
	DelegateReports []DelegateReport    `json:"delegate_reports,omitempty"`
	Verification    *VerificationResult `json:"verification_result,omitempty"`
	Timestamp       time.Time           `json:"timestamp"`
}
