package delegate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"flywheel/internal/logging"
	"flywheel/internal/types"
)

// wireReport is the JSON an external worker writes to stdout.
type wireReport struct {
	Success   bool    `json:"success"`
	Summary   string  `json:"summary"`
	CostUnits float64 `json:"cost_units"`
	Error     string  `json:"error,omitempty"`
}

// ExecDelegate runs a task through an external worker command. The task
// is written to the worker's stdin as JSON and the worker answers with
// a report JSON on stdout. A non-zero exit or malformed report is a
// failure; the worker owns everything in between.
type ExecDelegate struct {
	role    string
	command string
	args    []string
	workDir string
}

// NewExecDelegate creates a delegate around an external command.
func NewExecDelegate(role, command string, args []string, workDir string) *ExecDelegate {
	return &ExecDelegate{
		role:    role,
		command: command,
		args:    args,
		workDir: workDir,
	}
}

// Invoke hands the task to the worker and parses its report. The
// context carries the per-task timeout; a killed worker is a failure.
func (d *ExecDelegate) Invoke(ctx context.Context, task types.Task) Report {
	payload, err := json.Marshal(task)
	if err != nil {
		return failure(fmt.Errorf("failed to encode task: %w", err))
	}

	cmd := exec.CommandContext(ctx, d.command, d.args...)
	cmd.Dir = d.workDir
	cmd.Stdin = bytes.NewReader(payload)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	logging.Delegate("Invoking %s worker for task %s: %s", d.role, task.TaskID, d.command)
	start := time.Now()
	runErr := cmd.Run()
	elapsed := time.Since(start)

	if ctx.Err() == context.DeadlineExceeded {
		logging.DelegateWarn("Worker %s timed out on task %s after %s", d.role, task.TaskID, elapsed.Round(time.Millisecond))
		return failure(fmt.Errorf("worker timed out after %s: %w", elapsed.Round(time.Millisecond), ctx.Err()))
	}
	if ctx.Err() == context.Canceled {
		return failure(fmt.Errorf("worker canceled: %w", ctx.Err()))
	}
	if runErr != nil {
		detail := strings.TrimSpace(stderr.String())
		if detail == "" {
			detail = runErr.Error()
		}
		logging.DelegateWarn("Worker %s failed on task %s: %s", d.role, task.TaskID, detail)
		return failure(fmt.Errorf("worker failed: %s", detail))
	}

	var wire wireReport
	if err := json.Unmarshal(bytes.TrimSpace(stdout.Bytes()), &wire); err != nil {
		logging.DelegateWarn("Worker %s produced malformed report for task %s: %v", d.role, task.TaskID, err)
		return failure(fmt.Errorf("worker produced malformed report: %w", err))
	}

	report := Report{
		Success:   wire.Success,
		Summary:   wire.Summary,
		CostUnits: wire.CostUnits,
	}
	if wire.Error != "" {
		report.Err = fmt.Errorf("%s", wire.Error)
	}
	if !report.Success && report.Err == nil {
		report.Err = fmt.Errorf("worker reported failure")
	}

	logging.DelegateDebug("Worker %s finished task %s in %s (success=%v)",
		d.role, task.TaskID, elapsed.Round(time.Millisecond), report.Success)
	return report
}
